package pg

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"retrykit/pkg/retry"
)

type txKey struct{}

// Querier is the query surface shared by the pool and a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ Querier = (*pgxpool.Pool)(nil)
	_ Querier = (pgx.Tx)(nil)
)

// SQLSTATE codes after which a transaction may simply be run again.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// IsSerializationFailure reports whether err aborted a transaction because
// of a serialization conflict or deadlock.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
}

// DefaultConflictPolicy reruns transactions aborted by serialization
// conflicts a few times with jittered backoff.
func DefaultConflictPolicy() retry.Config {
	return retry.Config{
		RetryOn:      []retry.Matcher{IsSerializationFailure},
		MaxAttempts:  4,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		Jitter:       retry.RangeJitter(0, 20*time.Millisecond),
	}
}

// TxRunner runs callbacks inside a transaction, committing on success and
// rolling back on error. Serialization failures rerun the whole callback.
type TxRunner struct {
	Pool   *pgxpool.Pool
	policy *retry.Policy
}

// NewTxRunner creates a TxRunner. A nil policy selects DefaultConflictPolicy
// logging to log.
func NewTxRunner(pool *pgxpool.Pool, p *retry.Policy, log *slog.Logger) *TxRunner {
	if p == nil {
		cfg := DefaultConflictPolicy()
		cfg.Logger = log
		p = retry.MustPolicy(cfg)
	}
	return &TxRunner{Pool: pool, policy: p}
}

// WithinTx runs fn in a transaction with default options.
func (r *TxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.WithinTxWithOptions(ctx, pgx.TxOptions{}, fn)
}

// WithinTxWithOptions runs fn in a transaction with txOptions. fn may run
// more than once.
func (r *TxRunner) WithinTxWithOptions(ctx context.Context, txOptions pgx.TxOptions, fn func(ctx context.Context) error) error {
	_, err := retry.DoNamed(ctx, r.policy, "pg.WithinTx", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, pgx.BeginTxFunc(ctx, r.Pool, txOptions, func(tx pgx.Tx) error {
			return fn(context.WithValue(ctx, txKey{}, tx))
		})
	})
	return err
}

// PgxTx returns the transaction stored in ctx by WithinTx.
func PgxTx(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// GetQuerier returns the active transaction or, outside one, the pool.
func (r *TxRunner) GetQuerier(ctx context.Context) Querier {
	if tx, ok := PgxTx(ctx); ok {
		return tx
	}
	return r.Pool
}
