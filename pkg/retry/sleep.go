package retry

import (
	"context"
	randv2 "math/rand/v2"
	"time"
)

// Sleeper suspends the caller between attempts.
// Sleep must return early with ctx.Err() once ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep implements Sleeper.
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

// TimerSleeper waits on a time.Timer and honors context cancellation.
type TimerSleeper struct{}

// Sleep implements Sleeper.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Rand is the random source used for jitter draws.
// *rand.Rand from math/rand/v2 satisfies it, so a seeded source
// (rand.New(rand.NewPCG(1, 2))) makes jitter deterministic.
type Rand interface {
	Int64N(n int64) int64
}

// globalRand uses the goroutine-safe top-level math/rand/v2 functions.
type globalRand struct{}

func (globalRand) Int64N(n int64) int64 { return randv2.Int64N(n) }
