package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"retrykit/internal/shared"
	"retrykit/pkg/retry"
)

// ErrNilPool is returned by HealthCheckPool for a nil pool.
var ErrNilPool = errors.New("pg: pool is nil")

// DefaultWaitPolicy keeps pinging until the context is done, backing off
// exponentially from one second to thirty.
func DefaultWaitPolicy() retry.Config {
	return retry.Config{
		RetryOn:      []retry.Matcher{shared.RetryTransient()},
		MaxAttempts:  retry.Unlimited,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       retry.RangeJitter(0, 250*time.Millisecond),
	}
}

// WaitForDB blocks until the database at dsn answers a ping. Each attempt
// is bounded by pingTimeout. A malformed DSN fails at once; connection
// failures are retried according to p. Bound the total wait with ctx.
func WaitForDB(ctx context.Context, dsn string, p *retry.Policy, pingTimeout time.Duration) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}

	err = retry.Do(ctx, p, func(ctx context.Context) error {
		return ping(ctx, cfg.Copy(), pingTimeout)
	})
	if err != nil {
		return fmt.Errorf("wait for database: %w", err)
	}
	return nil
}

// WaitForDBSimple waits up to timeout using DefaultWaitPolicy.
func WaitForDBSimple(ctx context.Context, dsn string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return WaitForDB(ctx, dsn, retry.MustPolicy(DefaultWaitPolicy()), 5*time.Second)
}

// HealthCheckPool pings the pool and runs a trivial query.
func HealthCheckPool(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return ErrNilPool
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("pool ping failed: %w", err)
	}
	var result int
	if err := pool.QueryRow(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("simple query failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("unexpected query result: got %d, want 1", result)
	}
	return nil
}

// ping opens a throwaway pool and pings it. Failures caused by the attempt
// timeout or by the server being unreachable are marked Unavailable; a
// cancelled parent context is returned as is.
func ping(ctx context.Context, cfg *pgxpool.Config, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return retry.Permanent(err)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(attemptCtx, cfg)
	if err != nil {
		return retry.Permanent(fmt.Errorf("create pool: %w", err))
	}
	defer pool.Close()

	if err := pool.Ping(attemptCtx); err != nil {
		if ctx.Err() != nil {
			return retry.Permanent(fmt.Errorf("ping: %w (%v)", ctx.Err(), err))
		}
		return shared.MarkKind(fmt.Errorf("ping: %w", err), shared.KindUnavailable)
	}
	return nil
}
