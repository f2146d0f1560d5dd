// Package secretresilience wraps a best-effort upstream secret fetch
// with a three-state circuit breaker and a file-backed fallback cache.
// Grounded on the teacher's internal/notifications.ProtectedNotifier,
// generalized from a single notifier call to an arbitrary Fetch
// function and extended with the fallback-cache/staleness rules the
// spec adds.
package secretresilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is one of the three breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

// Fetch is the protected upstream call, e.g. a secrets-manager lookup.
type Fetch func(ctx context.Context) (map[string]string, error)

// Config tunes the breaker. Zero values fall back to the spec defaults.
type Config struct {
	Timeout          time.Duration // hard timeout per call
	FailureThreshold int           // consecutive failures to open, default 3
	SuccessThreshold int           // half-open successes to close, default 2
	BaseBackoff      time.Duration // default 60s (the spec's "timeout_ms")
	MaxBackoff       time.Duration // default 5m
	StaleAfter       time.Duration // fallback cache staleness, default 5m
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 60 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
}

// Breaker is the secret-resilience circuit breaker: component C.
type Breaker struct {
	fetch Fetch
	cfg   Config
	cache *fallbackCache

	mu sync.Mutex

	state               State
	consecutiveFailures int
	successes           int
	currentBackoff      time.Duration
	nextAttemptTime     time.Time
	lastError           string

	totalCalls   int64
	totalSuccess int64
}

func New(fetch Fetch, cfg Config, cachePath string) *Breaker {
	cfg.applyDefaults()
	return &Breaker{
		fetch: fetch,
		cfg:   cfg,
		cache: newFallbackCache(cachePath, cfg.StaleAfter),
		state: Closed,
	}
}

// FetchSecrets is the protected entry point: it attempts the upstream
// call when the breaker allows it, and serves the fallback cache when
// it doesn't.
func (b *Breaker) FetchSecrets(ctx context.Context) (map[string]string, bool, error) {
	if !b.allowRequest() {
		secrets, ok := b.cache.load()
		if !ok {
			return nil, true, ErrCircuitOpen
		}
		return secrets, true, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	b.mu.Lock()
	b.totalCalls++
	b.mu.Unlock()

	secrets, err := b.fetch(callCtx)
	b.afterRequest(err)

	if err != nil {
		fallback, ok := b.cache.load()
		if ok {
			return fallback, true, nil
		}
		return nil, false, err
	}

	b.mu.Lock()
	b.totalSuccess++
	b.mu.Unlock()
	b.cache.store(secrets)
	return secrets, false, nil
}

func (b *Breaker) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if !time.Now().Before(b.nextAttemptTime) {
			b.state = HalfOpen
			b.successes = 0
			return true
		}
		return false
	case HalfOpen:
		return true
	default:
		return true
	}
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.consecutiveFailures = 0
		b.currentBackoff = 0
		b.lastError = ""
		if b.state == HalfOpen {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.state = Closed
				b.successes = 0
			}
			return
		}
		b.state = Closed
		return
	}

	b.lastError = err.Error()
	b.consecutiveFailures++

	if b.state == HalfOpen {
		b.openCircuit()
		return
	}

	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.openCircuit()
	}
}

// openCircuit must be called with b.mu held.
func (b *Breaker) openCircuit() {
	b.state = Open
	backoff := b.cfg.BaseBackoff
	for i := 1; i < b.consecutiveFailures; i++ {
		backoff *= 2
		if backoff >= b.cfg.MaxBackoff {
			backoff = b.cfg.MaxBackoff
			break
		}
	}
	b.currentBackoff = backoff
	b.nextAttemptTime = time.Now().Add(backoff)
}

// Health is the breaker's introspection record.
type Health struct {
	State               State   `json:"state"`
	ConsecutiveFailures int     `json:"consecutiveFailures"`
	TotalCalls          int64   `json:"totalCalls"`
	SuccessRate         float64 `json:"successRate"`
	UsingFallback       bool    `json:"usingFallback"`
	WaitTimeMS          int64   `json:"waitTimeMs"`
	LastError           string  `json:"lastError,omitempty"`
	CurrentBackoff      int64   `json:"currentBackoffMs"`
}

func (b *Breaker) Health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()

	rate := 1.0
	if b.totalCalls > 0 {
		rate = float64(b.totalSuccess) / float64(b.totalCalls)
	}
	wait := time.Until(b.nextAttemptTime)
	if wait < 0 {
		wait = 0
	}
	return Health{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		TotalCalls:          b.totalCalls,
		SuccessRate:         rate,
		UsingFallback:       b.state == Open,
		WaitTimeMS:          wait.Milliseconds(),
		LastError:           b.lastError,
		CurrentBackoff:      b.currentBackoff.Milliseconds(),
	}
}
