package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

const maxDuration = time.Duration(math.MaxInt64)

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// InterruptedError is returned when the context is done while the executor
// waits between attempts. It unwraps to both the context error and the
// failure of the last attempt.
type InterruptedError struct {
	// Attempts is the number of attempts made before the interruption
	Attempts int
	// Cause is the error returned by the Sleeper, normally ctx.Err()
	Cause error
	// LastError is the failure of the last attempt
	LastError error
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("retry: interrupted after %d attempts: %v: %v", e.Attempts, e.Cause, e.LastError)
}

func (e *InterruptedError) Unwrap() []error {
	return []error{e.Cause, e.LastError}
}

// Do runs fn until it succeeds, fails with an error outside the policy's
// retryable set, or the attempt budget is spent. The returned error is the
// last failure exactly as fn returned it.
func Do(ctx context.Context, p *Policy, fn RetryableFunc) error {
	_, err := run(ctx, p, "", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithResult is Do for operations that produce a value. On failure,
// interruption included, the value returned by the last attempt is passed
// through unchanged.
func DoWithResult[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	return run(ctx, p, "", fn)
}

// DoNamed is DoWithResult with an explicit operation name for Event.Operation
// and retry logs.
func DoNamed[T any](ctx context.Context, p *Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	return run(ctx, p, op, fn)
}

func run[T any](ctx context.Context, p *Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	if p == nil {
		var zero T
		return zero, ErrNilPolicy
	}

	remaining := p.maxAttempts
	delay := p.initialDelay

	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !p.retryable(err) {
			return v, unmark(err)
		}
		if remaining != Unlimited {
			remaining--
			if remaining == 0 {
				return v, err
			}
		}

		var sleep time.Duration
		sleep, delay = p.nextDelay(delay)
		p.notify(ctx, Event{Operation: op, Attempt: attempt, Delay: sleep, Err: err})

		if serr := p.sleeper.Sleep(ctx, sleep); serr != nil {
			return v, &InterruptedError{Attempts: attempt, Cause: serr, LastError: err}
		}
	}
}

// nextDelay returns the sleep for the current retry and the base delay for
// the following one. The cap applies to the base delay before jitter, so the
// sleep itself may exceed MaxDelay.
func (p *Policy) nextDelay(delay time.Duration) (sleep, next time.Duration) {
	if p.maxDelay > 0 && delay > p.maxDelay {
		delay = p.maxDelay
	}
	j := p.drawJitter()
	if p.carryJitter {
		return delay, addSat(scale(delay, p.multiplier), j)
	}
	return addSat(delay, j), scale(delay, p.multiplier)
}

func (p *Policy) drawJitter() time.Duration {
	if p.jitter.Min == p.jitter.Max {
		return p.jitter.Min
	}
	return p.jitter.Min + time.Duration(p.rand.Int64N(int64(p.jitter.Max-p.jitter.Min)))
}

func (p *Policy) notify(ctx context.Context, ev Event) {
	if p.onRetry != nil {
		p.onRetry(ev)
	}
	if p.logger != nil {
		attrs := []slog.Attr{
			slog.Int("attempt", ev.Attempt),
			slog.Duration("delay", ev.Delay),
			slog.Any("error", ev.Err),
		}
		if ev.Operation != "" {
			attrs = append(attrs, slog.String("operation", ev.Operation))
		}
		p.logger.LogAttrs(ctx, slog.LevelWarn, "operation failed, retrying", attrs...)
	}
}

// scale multiplies d by m, saturating instead of overflowing.
func scale(d time.Duration, m float64) time.Duration {
	if m == 1 || d == 0 {
		return d
	}
	f := float64(d) * m
	if f >= float64(maxDuration) {
		return maxDuration
	}
	return time.Duration(f)
}

func addSat(a, b time.Duration) time.Duration {
	if a > maxDuration-b {
		return maxDuration
	}
	return a + b
}
