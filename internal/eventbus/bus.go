// Package eventbus is the Event Bus: component D. It holds the
// subscriber table, fans broadcasts out to whichever subscribers are
// listening on a channel, and periodically probes liveness. Grounded on
// the teacher's internal/notifications Notifier abstraction (a narrow
// single-method capability) generalized from "notify one recipient" to
// "broadcast to N filtered subscribers," and on the other_examples
// eventbus publisher's retry/degraded-mode telemetry shape for the
// optional Redis transport.
package eventbus

import (
	"log/slog"
	"sync"
	"time"
)

// Transport is how the bus delivers a message to one subscriber. A
// failing transport drops that subscriber from future broadcasts
// without affecting delivery to anyone else.
type Transport interface {
	Send(message any) error
	Ping() error
	Close() error
}

type subscriber struct {
	clientID string
	channels map[string]struct{}
	transport Transport
}

// ClientInfo is the read-only view client_info() returns.
type ClientInfo struct {
	ClientID string   `json:"clientId"`
	Channels []string `json:"channels"`
}

// Bus is the in-process Event Bus.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscriber

	probeInterval time.Duration
	logger        *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:          make(map[string]*subscriber),
		probeInterval: 30 * time.Second,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
}

// Subscribe registers transport under clientID for the given channels.
// Calling it again for an already-registered clientID replaces its
// transport and adds the new channels to its existing set.
func (b *Bus) Subscribe(clientID string, channels []string, transport Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[clientID]
	if !ok {
		sub = &subscriber{clientID: clientID, channels: make(map[string]struct{})}
		b.subs[clientID] = sub
	}
	sub.transport = transport
	for _, ch := range channels {
		sub.channels[ch] = struct{}{}
	}
}

// Unsubscribe removes channels from clientID's subscription set. If no
// channels remain, the subscriber's entry is left in place (still
// connected, just not listening to anything) until it disconnects or
// fails a liveness probe.
func (b *Bus) Unsubscribe(clientID string, channels []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[clientID]
	if !ok {
		return
	}
	for _, ch := range channels {
		delete(sub.channels, ch)
	}
}

// Disconnect removes a subscriber entirely, e.g. on socket close.
func (b *Bus) Disconnect(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, clientID)
}

// Broadcast delivers message to every subscriber listening on channel,
// or to every subscriber if channel is empty. Delivery is best-effort
// and per-subscriber FIFO via the caller's own serialized calls; a
// transport failure drops that subscriber without affecting others or
// retrying.
func (b *Bus) Broadcast(message any, channel string) {
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if channel == "" {
			targets = append(targets, sub)
			continue
		}
		if _, ok := sub.channels[channel]; ok {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	var dead []string
	for _, sub := range targets {
		if err := sub.transport.Send(message); err != nil {
			b.logger.Warn("eventbus: dropping subscriber after failed send", "client_id", sub.clientID, "error", err)
			dead = append(dead, sub.clientID)
		}
	}
	if len(dead) > 0 {
		b.mu.Lock()
		for _, id := range dead {
			delete(b.subs, id)
		}
		b.mu.Unlock()
	}
}

// Publish satisfies registry.Publisher: channel-scoped broadcast with
// no return value, the narrow capability the job registry depends on.
func (b *Bus) Publish(channel string, message any) {
	b.Broadcast(message, channel)
}

// SendToClient delivers message to exactly one subscriber, returning
// false if unknown or delivery failed.
func (b *Bus) SendToClient(clientID string, message any) bool {
	b.mu.RLock()
	sub, ok := b.subs[clientID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	if err := sub.transport.Send(message); err != nil {
		b.mu.Lock()
		delete(b.subs, clientID)
		b.mu.Unlock()
		return false
	}
	return true
}

// ClientInfo lists every currently-connected subscriber.
func (b *Bus) ClientInfo() []ClientInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ClientInfo, 0, len(b.subs))
	for _, sub := range b.subs {
		channels := make([]string, 0, len(sub.channels))
		for ch := range sub.channels {
			channels = append(channels, ch)
		}
		out = append(out, ClientInfo{ClientID: sub.clientID, Channels: channels})
	}
	return out
}

// StartLivenessProbe runs the 30-second probe loop until Stop is
// called, dropping any subscriber whose transport fails to respond.
func (b *Bus) StartLivenessProbe() {
	ticker := time.NewTicker(b.probeInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.probeOnce()
			case <-b.stopCh:
				return
			}
		}
	}()
}

func (b *Bus) probeOnce() {
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	var dead []string
	for _, sub := range targets {
		if err := sub.transport.Ping(); err != nil {
			dead = append(dead, sub.clientID)
		}
	}
	if len(dead) == 0 {
		return
	}
	b.mu.Lock()
	for _, id := range dead {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	b.logger.Info("eventbus: dropped unresponsive subscribers", "count", len(dead))
}

func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}
