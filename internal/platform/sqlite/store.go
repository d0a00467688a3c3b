package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"retrykit/internal/shared"
)

// Counters is a table of named integer counters. Increments run through the
// TxRunner, so concurrent writers retry instead of failing on a locked
// database.
type Counters struct {
	tx *TxRunner
}

// NewCounters returns a counter store backed by tx.
func NewCounters(tx *TxRunner) *Counters {
	return &Counters{tx: tx}
}

// Increment adds delta to the named counter and returns the new value.
func (c *Counters) Increment(ctx context.Context, name string, delta int64) (int64, error) {
	var value int64
	err := c.tx.WithinTx(ctx, func(ctx context.Context) error {
		q := c.tx.GetQuerier(ctx)
		_, err := q.ExecContext(ctx, `
			INSERT INTO counters (name, value) VALUES (?, ?)
			ON CONFLICT(name) DO UPDATE SET value = value + excluded.value, updated_at = CURRENT_TIMESTAMP`,
			name, delta)
		if err != nil {
			return err
		}
		return q.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = ?`, name).Scan(&value)
	})
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", name, err)
	}
	return value, nil
}

// Get returns the counter value or an error of kind NotFound.
func (c *Counters) Get(ctx context.Context, name string) (int64, error) {
	var value int64
	err := c.tx.GetQuerier(ctx).QueryRowContext(ctx, `SELECT value FROM counters WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, shared.Wrap(shared.ErrNotFound, "counter "+name)
	}
	return value, err
}

// JobRun is one persisted scheduler run.
type JobRun struct {
	ID         string
	Job        string
	Attempts   int
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// RunStore persists job run history.
type RunStore struct {
	tx *TxRunner
}

// NewRunStore returns a run store backed by tx.
func NewRunStore(tx *TxRunner) *RunStore {
	return &RunStore{tx: tx}
}

// Save inserts a run.
func (s *RunStore) Save(ctx context.Context, r JobRun) error {
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		_, err := s.tx.GetQuerier(ctx).ExecContext(ctx, `
			INSERT INTO job_runs (id, job, attempts, status, error, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Job, r.Attempts, r.Status, r.Error, r.StartedAt.UTC(), r.FinishedAt.UTC())
		return err
	})
}

// List returns the most recent runs of job, newest first.
func (s *RunStore) List(ctx context.Context, job string, limit int) ([]JobRun, error) {
	rows, err := s.tx.GetQuerier(ctx).QueryContext(ctx, `
		SELECT id, job, attempts, status, error, started_at, finished_at
		FROM job_runs WHERE job = ? ORDER BY started_at DESC, id LIMIT ?`, job, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []JobRun
	for rows.Next() {
		var r JobRun
		if err := rows.Scan(&r.ID, &r.Job, &r.Attempts, &r.Status, &r.Error, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
