package redistransport

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	if cfg.MaxRetries != 3 {
		t.Fatalf("expected 3 max retries, got %d", cfg.MaxRetries)
	}
	if cfg.InitialBackoff != 50*time.Millisecond {
		t.Fatalf("expected 50ms initial backoff, got %v", cfg.InitialBackoff)
	}
	if cfg.MaxBackoff != 2*time.Second {
		t.Fatalf("expected 2s max backoff, got %v", cfg.MaxBackoff)
	}
	if cfg.BackoffFactor != 2 {
		t.Fatalf("expected backoff factor of 2, got %v", cfg.BackoffFactor)
	}
}

func TestNextBackoff_Doubles(t *testing.T) {
	got := nextBackoff(50*time.Millisecond, 2*time.Second, 2)
	if got != 100*time.Millisecond {
		t.Fatalf("expected doubled backoff, got %v", got)
	}
}

func TestNextBackoff_CapsAtMax(t *testing.T) {
	got := nextBackoff(1500*time.Millisecond, 2*time.Second, 2)
	if got != 2*time.Second {
		t.Fatalf("expected backoff capped at max, got %v", got)
	}
}

func TestPublisher_DegradedDefaultsFalse(t *testing.T) {
	p := &Publisher{}
	if p.Degraded() {
		t.Fatalf("expected a fresh publisher to not be degraded")
	}
}

func TestPublisher_OnOutageThenRecoveredTogglesDegraded(t *testing.T) {
	p := &Publisher{logger: discardLogger()}
	p.onOutage()
	if !p.Degraded() {
		t.Fatalf("expected degraded after an outage")
	}
	p.onRecovered()
	if p.Degraded() {
		t.Fatalf("expected recovered to clear degraded state")
	}
}

func TestPublisher_OnOutageIsIdempotent(t *testing.T) {
	p := &Publisher{logger: discardLogger()}
	p.onOutage()
	p.onOutage()
	if !p.Degraded() {
		t.Fatalf("expected still degraded after repeated outages")
	}
}
