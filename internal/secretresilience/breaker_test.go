package secretresilience

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestBreaker_FetchSecretsSuccessCachesResult(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	var calls int64
	b := New(func(ctx context.Context) (map[string]string, error) {
		atomic.AddInt64(&calls, 1)
		return map[string]string{"admin_jwt_secret": "abc"}, nil
	}, Config{}, path)

	secrets, fallback, err := b.FetchSecrets(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fallback {
		t.Fatalf("expected a fresh success to not report fallback")
	}
	if secrets["admin_jwt_secret"] != "abc" {
		t.Fatalf("unexpected secrets: %+v", secrets)
	}
	if b.Health().State != Closed {
		t.Fatalf("expected breaker to remain closed after success")
	}
}

func TestBreaker_OpensAfterFailureThreshold(t *testing.T) {
	b := New(func(ctx context.Context) (map[string]string, error) {
		return nil, errors.New("upstream unavailable")
	}, Config{FailureThreshold: 2, BaseBackoff: time.Minute}, "")

	if _, _, err := b.FetchSecrets(context.Background()); err == nil {
		t.Fatalf("expected first failure to surface an error with no fallback cache")
	}
	if _, _, err := b.FetchSecrets(context.Background()); err == nil {
		t.Fatalf("expected second failure to surface an error")
	}

	if b.Health().State != Open {
		t.Fatalf("expected breaker to open after reaching the failure threshold, got %s", b.Health().State)
	}
}

func TestBreaker_OpenCircuitServesFallbackCacheInsteadOfCallingUpstream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	succeed := atomic.Bool{}
	succeed.Store(true)
	var calls int64

	b := New(func(ctx context.Context) (map[string]string, error) {
		atomic.AddInt64(&calls, 1)
		if succeed.Load() {
			return map[string]string{"admin_jwt_secret": "good"}, nil
		}
		return nil, errors.New("upstream down")
	}, Config{FailureThreshold: 1, BaseBackoff: time.Minute}, path)

	if _, _, err := b.FetchSecrets(context.Background()); err != nil {
		t.Fatalf("unexpected error on first (successful) call: %v", err)
	}

	succeed.Store(false)
	if _, _, err := b.FetchSecrets(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Health().State != Open {
		t.Fatalf("expected breaker open after the failure, got %s", b.Health().State)
	}

	callsBeforeOpenFetch := atomic.LoadInt64(&calls)
	secrets, fallback, err := b.FetchSecrets(context.Background())
	if err != nil {
		t.Fatalf("expected fallback cache hit to suppress the error, got %v", err)
	}
	if !fallback {
		t.Fatalf("expected fallback=true while circuit is open")
	}
	if secrets["admin_jwt_secret"] != "good" {
		t.Fatalf("expected last known-good secrets, got %+v", secrets)
	}
	if atomic.LoadInt64(&calls) != callsBeforeOpenFetch {
		t.Fatalf("expected the open breaker to skip calling upstream entirely")
	}
}

func TestBreaker_OpenCircuitNoFallbackReturnsErrCircuitOpen(t *testing.T) {
	b := New(func(ctx context.Context) (map[string]string, error) {
		return nil, errors.New("upstream down")
	}, Config{FailureThreshold: 1, BaseBackoff: time.Minute}, "")

	if _, _, err := b.FetchSecrets(context.Background()); err == nil {
		t.Fatalf("expected first failure to error")
	}

	_, _, err := b.FetchSecrets(context.Background())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen with no fallback cache available, got %v", err)
	}
}

func TestBreaker_HalfOpenRecoveryClosesAfterSuccessThreshold(t *testing.T) {
	failing := atomic.Bool{}
	failing.Store(true)

	b := New(func(ctx context.Context) (map[string]string, error) {
		if failing.Load() {
			return nil, errors.New("still down")
		}
		return map[string]string{"admin_jwt_secret": "recovered"}, nil
	}, Config{FailureThreshold: 1, SuccessThreshold: 2, BaseBackoff: 10 * time.Millisecond}, "")

	if _, _, err := b.FetchSecrets(context.Background()); err == nil {
		t.Fatalf("expected initial failure")
	}
	if b.Health().State != Open {
		t.Fatalf("expected open after first failure")
	}

	time.Sleep(20 * time.Millisecond)
	failing.Store(false)

	if _, _, err := b.FetchSecrets(context.Background()); err != nil {
		t.Fatalf("expected half-open probe to succeed: %v", err)
	}
	if b.Health().State != HalfOpen {
		t.Fatalf("expected state half_open after a single success below SuccessThreshold, got %s", b.Health().State)
	}

	if _, _, err := b.FetchSecrets(context.Background()); err != nil {
		t.Fatalf("expected second success: %v", err)
	}
	if b.Health().State != Closed {
		t.Fatalf("expected breaker closed after SuccessThreshold consecutive successes, got %s", b.Health().State)
	}
}

func TestBreaker_HalfOpenFailureReopensImmediately(t *testing.T) {
	b := New(func(ctx context.Context) (map[string]string, error) {
		return nil, errors.New("still down")
	}, Config{FailureThreshold: 1, BaseBackoff: 10 * time.Millisecond}, "")

	if _, _, err := b.FetchSecrets(context.Background()); err == nil {
		t.Fatalf("expected initial failure")
	}
	time.Sleep(20 * time.Millisecond)

	if _, _, err := b.FetchSecrets(context.Background()); err == nil {
		t.Fatalf("expected half-open probe to fail again")
	}
	if b.Health().State != Open {
		t.Fatalf("expected breaker to reopen immediately on a half-open failure, got %s", b.Health().State)
	}
}
