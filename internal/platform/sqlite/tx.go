package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"retrykit/internal/shared"
	"retrykit/pkg/retry"
)

// ErrNestedTx is returned when WithinTx is called inside a transaction.
var ErrNestedTx = errors.New("sqlite: nested transactions are not supported")

type txKey struct{}

// Querier is the query surface shared by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Tx)(nil)
)

// DefaultBusyPolicy retries busy transactions with short exponential
// backoff. It is the policy used when NewTxRunner gets none.
func DefaultBusyPolicy() retry.Config {
	return retry.Config{
		RetryOn:      []retry.Matcher{shared.RetryOn(shared.KindUnavailable)},
		MaxAttempts:  5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2,
		Jitter:       retry.RangeJitter(0, 5*time.Millisecond),
	}
}

// TxRunner runs callbacks inside a transaction, committing on success and
// rolling back on error. Transactions that fail with SQLITE_BUSY or
// SQLITE_LOCKED are rerun from the start according to the runner's policy.
type TxRunner struct {
	DB     *sql.DB
	policy *retry.Policy
	log    *slog.Logger
	sp     atomic.Uint64
}

// TxOption configures a TxRunner.
type TxOption func(*TxRunner)

// WithPolicy sets the retry policy for busy transactions. The policy should
// match shared.KindUnavailable, which is how busy errors are marked.
func WithPolicy(p *retry.Policy) TxOption {
	return func(r *TxRunner) { r.policy = p }
}

// WithLogger sets the logger used for retry warnings of the default policy.
func WithLogger(l *slog.Logger) TxOption {
	return func(r *TxRunner) { r.log = l }
}

// NewTxRunner creates a TxRunner for db.
func NewTxRunner(db *sql.DB, opts ...TxOption) *TxRunner {
	r := &TxRunner{DB: db}
	for _, o := range opts {
		o(r)
	}
	if r.policy == nil {
		cfg := DefaultBusyPolicy()
		cfg.Logger = r.log
		r.policy = retry.MustPolicy(cfg)
	}
	return r
}

// Policy returns the busy retry policy.
func (r *TxRunner) Policy() *retry.Policy { return r.policy }

// WithinTx executes fn inside a transaction available through Tx(ctx) and
// GetQuerier. fn may run more than once and must not keep side effects
// outside the transaction.
func (r *TxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := Tx(ctx); ok {
		return ErrNestedTx
	}
	_, err := retry.DoNamed(ctx, r.policy, "sqlite.WithinTx", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, markBusy(r.runTx(ctx, fn))
	})
	return err
}

// WithinSavepoint executes fn inside a savepoint of the current
// transaction, or of a new one when there is none.
func (r *TxRunner) WithinSavepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := Tx(ctx); ok {
		return r.savepoint(ctx, tx, fn)
	}
	return r.WithinTx(ctx, func(ctx context.Context) error {
		tx, _ := Tx(ctx)
		return r.savepoint(ctx, tx, fn)
	})
}

// Tx returns the transaction stored in ctx by WithinTx.
func Tx(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// GetQuerier returns the active transaction or, outside one, the database.
func (r *TxRunner) GetQuerier(ctx context.Context) Querier {
	if tx, ok := Tx(ctx); ok {
		return tx
	}
	return r.DB
}

func (r *TxRunner) runTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *TxRunner) savepoint(ctx context.Context, tx *sql.Tx, fn func(ctx context.Context) error) error {
	name := fmt.Sprintf("sp_%d", r.sp.Add(1))
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("create savepoint %s: %w", name, err)
	}
	if err := fn(ctx); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint %s: %w", name, rbErr))
		}
		_, _ = tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	return nil
}

// IsBusy reports whether err is a SQLITE_BUSY or SQLITE_LOCKED failure.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// markBusy classifies busy errors as KindUnavailable so retry matchers built
// from shared kinds pick them up.
func markBusy(err error) error {
	if IsBusy(err) {
		return shared.MarkKind(err, shared.KindUnavailable)
	}
	return err
}
