package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/scribe/pkg/errorsx"
)

func TestRetryPolicyStopsOnSuccess(t *testing.T) {
	calls := 0
	err := NewRetryPolicy(3, time.Millisecond).Do(func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetryPolicyHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := NewRetryPolicy(5, time.Hour).DoContext(ctx, func() error {
		calls++
		return errors.New("down")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt after cancel, got %d", calls)
	}
}

func TestCircuitBreakerOpensOnConnectFailures(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(2, time.Minute)
	cb.now = func() time.Time { return now }

	cb.OnError(errors.New("unrelated"))
	if !cb.Allow() {
		t.Fatalf("plain errors must not trip the breaker")
	}
	connectErr := errorsx.New(errorsx.ReasonSTTConnect, "dial failed")
	cb.OnError(connectErr)
	cb.OnError(RateLimitError{Provider: "deepgram"})
	if cb.Allow() {
		t.Fatalf("expected breaker to open")
	}
	now = now.Add(2 * time.Minute)
	if !cb.Allow() {
		t.Fatalf("expected breaker to close after cooldown")
	}
	cb.OnSuccess()
	cb.OnError(connectErr)
	if !cb.Allow() {
		t.Fatalf("expected failure count reset after success")
	}
}

func TestNilCircuitBreakerAllows(t *testing.T) {
	var cb *CircuitBreaker
	if !cb.Allow() {
		t.Fatalf("nil breaker should allow")
	}
	cb.OnError(RateLimitError{})
	cb.OnSuccess()
}
