package runner

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrGaveUp = errors.New("stage gave up after repeated failures")

// Backoff is an exponential restart policy without jitter: Initial, then
// doubling up to Max. MaxAttempts consecutive failures end supervision.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:     1 * time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before restart number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return b.Initial
	}
	delay := b.Initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.Max || delay <= 0 {
			return b.Max
		}
	}
	return delay
}

// Supervise runs fn until it returns nil, a non-retryable error or the
// attempt budget is spent. A run that lasted longer than b.Max counts as
// healthy and resets the budget.
func Supervise(ctx context.Context, b Backoff, retryable func(error) bool, fn StageFunc, onRestart func(attempt int, delay time.Duration, err error)) error {
	attempt := 0
	for {
		started := time.Now()
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if retryable != nil && !retryable(err) {
			return err
		}

		if time.Since(started) > b.Max {
			attempt = 0
		}
		attempt++
		if attempt > b.MaxAttempts {
			return fmt.Errorf("%w (%d attempts): %w", ErrGaveUp, b.MaxAttempts, err)
		}

		delay := b.Delay(attempt)
		if onRestart != nil {
			onRestart(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
