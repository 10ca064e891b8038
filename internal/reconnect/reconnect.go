package reconnect

import (
	"context"
	"time"
)

// Schedule defines the backoff durations for successive reconnect attempts.
var Schedule = []time.Duration{
	time.Second, time.Second, time.Second,
	5 * time.Second, 5 * time.Second, 5 * time.Second,
	15 * time.Second, 15 * time.Second, 15 * time.Second,
}

// Delay returns the backoff duration for the given attempt.
// Attempts beyond the length of the schedule default to 30 seconds.
func Delay(attempt int) time.Duration {
	if attempt < len(Schedule) {
		return Schedule[attempt]
	}
	return 30 * time.Second
}

// Policy bounds how an upstream session is re-established after a failure.
type Policy struct {
	Enabled     bool `yaml:"enabled"`
	MaxAttempts int  `yaml:"max_attempts"`
	// Backoff overrides Schedule when non-empty. The last entry repeats.
	Backoff []time.Duration `yaml:"backoff"`
}

// Delay returns the wait before the given zero-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return Delay(attempt)
	}
	if attempt < len(p.Backoff) {
		return p.Backoff[attempt]
	}
	return p.Backoff[len(p.Backoff)-1]
}

// Retry calls fn until it succeeds, the policy's attempt budget is spent or ctx
// ends. The error of the last attempt is returned when the budget runs out.
func (p Policy) Retry(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	if !p.Enabled || p.MaxAttempts <= 0 {
		return ErrDisabled
	}
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
	}
	return err
}
