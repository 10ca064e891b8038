package reconnect

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelaySchedule(t *testing.T) {
	if Delay(0) != time.Second {
		t.Fatalf("attempt 0: got %s", Delay(0))
	}
	if Delay(4) != 5*time.Second {
		t.Fatalf("attempt 4: got %s", Delay(4))
	}
	if Delay(100) != 30*time.Second {
		t.Fatalf("attempt 100: got %s", Delay(100))
	}
}

func TestPolicyDelayOverride(t *testing.T) {
	p := Policy{Backoff: []time.Duration{time.Millisecond, 2 * time.Millisecond}}
	if p.Delay(0) != time.Millisecond || p.Delay(1) != 2*time.Millisecond || p.Delay(7) != 2*time.Millisecond {
		t.Fatalf("unexpected delays %s %s %s", p.Delay(0), p.Delay(1), p.Delay(7))
	}
}

func TestRetryDisabled(t *testing.T) {
	called := false
	err := Policy{}.Retry(context.Background(), func(context.Context, int) error { called = true; return nil })
	if !errors.Is(err, ErrDisabled) || called {
		t.Fatalf("expected ErrDisabled without calls, got %v called=%v", err, called)
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	p := Policy{Enabled: true, MaxAttempts: 5, Backoff: []time.Duration{time.Millisecond}}
	var attempts []int
	err := p.Retry(context.Background(), func(_ context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 2 {
			return errors.New("boom")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %v", attempts)
	}
}

func TestRetryExhausted(t *testing.T) {
	p := Policy{Enabled: true, MaxAttempts: 2, Backoff: []time.Duration{time.Millisecond}}
	boom := errors.New("boom")
	n := 0
	err := p.Retry(context.Background(), func(context.Context, int) error { n++; return boom })
	if !errors.Is(err, boom) || n != 2 {
		t.Fatalf("expected last error after 2 attempts, got %v after %d", err, n)
	}
}

func TestRetryContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{Enabled: true, MaxAttempts: 3, Backoff: []time.Duration{time.Hour}}
	if err := p.Retry(ctx, func(context.Context, int) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
