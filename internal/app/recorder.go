package app

import (
	"context"

	"retrykit/internal/adapter/scheduler"
	"retrykit/internal/platform/sqlite"
)

// runRecorder stores scheduler runs in the job_runs table.
type runRecorder struct {
	store *sqlite.RunStore
}

func (r runRecorder) Record(ctx context.Context, run scheduler.Run) error {
	jr := sqlite.JobRun{
		ID:         run.ID,
		Job:        run.Job,
		Attempts:   run.Attempts,
		Status:     run.Status,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	if run.Err != nil {
		jr.Error = run.Err.Error()
	}
	return r.store.Save(ctx, jr)
}
