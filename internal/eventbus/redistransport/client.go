// Package redistransport is an optional fan-out transport for the
// Event Bus, publishing to a Redis channel in addition to (or instead
// of) in-process delivery. Grounded on the teacher's
// internal/queue/redisclient.Client for connection setup, and on the
// other_examples eventbus publisher's retry/backoff/degraded-mode
// telemetry shape for Publisher.Publish.
package redistransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

// Client wraps a redis.Client the way the teacher's redisclient.Client
// does, used both for the Event Bus publisher below and as a readiness
// ping target at startup.
type Client struct {
	rdb *redis.Client
}

func New(cfg Config) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	return &Client{rdb: rdb}
}

func (c *Client) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }
func (c *Client) Close() error                   { return c.rdb.Close() }
func (c *Client) Raw() *redis.Client             { return c.rdb }

// RetryConfig controls retry/backoff for a single publish call.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, InitialBackoff: 50 * time.Millisecond, MaxBackoff: 2 * time.Second, BackoffFactor: 2}
}

// Publisher is an additional registry.Publisher-shaped fan-out over
// Redis pub/sub. Unlike eventbus.Bus's in-process best-effort delivery
// (no retry, drop on failure), this transport retries transient publish
// failures with backoff and tracks whether it is currently degraded —
// useful when subscribers live in a separate process reachable only via
// Redis.
type Publisher struct {
	client  *Client
	channel string
	retry   RetryConfig
	logger  *slog.Logger

	mu       sync.Mutex
	degraded bool
}

func NewPublisher(client *Client, channel string, retry RetryConfig, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, channel: channel, retry: retry, logger: logger}
}

// Publish marshals message to JSON and publishes it to the configured
// Redis channel, retrying transient failures with exponential backoff.
func (p *Publisher) Publish(channel string, message any) {
	body, err := json.Marshal(message)
	if err != nil {
		p.logger.Error("redistransport: marshal failed", "error", err)
		return
	}
	if channel == "" {
		channel = p.channel
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	backoff := p.retry.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= p.retry.MaxRetries; attempt++ {
		lastErr = p.client.rdb.Publish(ctx, channel, body).Err()
		if lastErr == nil {
			p.onRecovered()
			return
		}
		if attempt == p.retry.MaxRetries {
			break
		}
		p.onOutage()
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, p.retry.MaxBackoff, p.retry.BackoffFactor)
	}
	p.logger.Warn("redistransport: publish failed after retries", "channel", channel, "error", lastErr)
}

func (p *Publisher) onOutage() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.degraded {
		p.degraded = true
		p.logger.Warn("redistransport: entering degraded mode")
	}
}

func (p *Publisher) onRecovered() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.degraded {
		p.degraded = false
		p.logger.Info("redistransport: recovered")
	}
}

func (p *Publisher) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

func nextBackoff(current, max time.Duration, factor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}
