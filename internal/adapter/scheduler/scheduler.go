package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"retrykit/pkg/retry"
)

// ErrInvalidInterval is returned for a ticker job with a non-positive interval.
var ErrInvalidInterval = errors.New("scheduler: ticker interval must be positive")

// JobFunc is a scheduled unit of work.
type JobFunc func(ctx context.Context) error

// CronJobID identifies a cron job.
type CronJobID = cron.EntryID

// TickerJobID identifies a ticker job.
type TickerJobID int

// OverlapPolicy controls what happens when a run is due while the previous
// one is still going.
type OverlapPolicy int

const (
	// AllowOverlap runs concurrently (default).
	AllowOverlap OverlapPolicy = iota
	// SkipIfRunning drops the new run.
	SkipIfRunning
	// DelayIfRunning waits for the previous run to finish.
	DelayIfRunning
)

// Run statuses.
const (
	StatusSucceeded   = "succeeded"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

// JobOptions configures a job.
type JobOptions struct {
	// Name is used in logs, hooks and run records.
	Name string
	// Timeout bounds a whole run, retries included.
	Timeout time.Duration
	// OverlapPolicy controls concurrent runs of the same job.
	OverlapPolicy OverlapPolicy
	// Retry reruns failed attempts within one scheduled run. Nil means a
	// single attempt.
	Retry *retry.Policy
}

// Run describes one scheduled execution of a job.
type Run struct {
	ID         string
	Job        string
	Attempts   int
	Status     string
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// RunRecorder persists finished runs.
type RunRecorder interface {
	Record(ctx context.Context, run Run) error
}

// JobHooks are optional observability callbacks.
type JobHooks struct {
	OnJobStart  func(run Run)
	OnJobFinish func(run Run)
}

// Config configures a Scheduler.
type Config struct {
	Logger   *slog.Logger
	JobHooks JobHooks
	Recorder RunRecorder
}

type jobWrapper struct {
	job     JobFunc
	options JobOptions
	running sync.Mutex
}

type tickerJob struct {
	cancel  context.CancelFunc
	wrapper *jobWrapper
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{slog.Any("error", err)}, keysAndValues...)...)
}

// Scheduler runs cron and fixed-interval jobs.
type Scheduler struct {
	cron         *cron.Cron
	cronLog      cron.Logger
	logger       *slog.Logger
	hooks        JobHooks
	recorder     RunRecorder
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	tickerJobs   map[TickerJobID]*tickerJob
	nextTickerID TickerJobID
	mu           sync.Mutex
	stopOnce     sync.Once
	startOnce    sync.Once
}

// New creates a scheduler with a background parent context.
func New(cfg Config) *Scheduler {
	return NewWithContext(context.Background(), cfg)
}

// NewWithContext creates a scheduler that stops when parentCtx is done.
func NewWithContext(parentCtx context.Context, cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(parentCtx)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger.With("component", "cron")}

	return &Scheduler{
		cron:         cron.New(cron.WithSeconds(), cron.WithLogger(cl)),
		cronLog:      cl,
		logger:       logger,
		hooks:        cfg.JobHooks,
		recorder:     cfg.Recorder,
		ctx:          ctx,
		cancel:       cancel,
		tickerJobs:   make(map[TickerJobID]*tickerJob),
		nextTickerID: 1,
	}
}

// AddCronJob adds a job on a cron schedule, e.g. "0 30 * * * *", "@hourly"
// or "@every 5m".
func (s *Scheduler) AddCronJob(schedule string, job JobFunc) (CronJobID, error) {
	return s.AddCronJobWithOptions(schedule, job, JobOptions{})
}

// AddCronJobWithOptions adds a cron job with options.
func (s *Scheduler) AddCronJobWithOptions(schedule string, job JobFunc, opts JobOptions) (CronJobID, error) {
	wrapper := &jobWrapper{job: job, options: opts}

	var chain cron.Chain
	switch opts.OverlapPolicy {
	case SkipIfRunning:
		chain = cron.NewChain(cron.SkipIfStillRunning(s.cronLog))
	case DelayIfRunning:
		chain = cron.NewChain(cron.DelayIfStillRunning(s.cronLog))
	default:
		chain = cron.NewChain()
	}

	id, err := s.cron.AddJob(schedule, chain.Then(cron.FuncJob(func() {
		s.execute(wrapper)
	})))
	if err != nil {
		return 0, fmt.Errorf("add cron job %q: %w", opts.Name, err)
	}

	s.logger.Info("cron job added", "schedule", schedule, "name", opts.Name, "id", id)
	return id, nil
}

// AddTickerJob adds a job that runs every interval.
func (s *Scheduler) AddTickerJob(interval time.Duration, job JobFunc) (TickerJobID, error) {
	return s.AddTickerJobWithOptions(interval, job, JobOptions{})
}

// AddTickerJobWithOptions adds a ticker job with options.
func (s *Scheduler) AddTickerJobWithOptions(interval time.Duration, job JobFunc, opts JobOptions) (TickerJobID, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("add ticker job %q: %w, got %s", opts.Name, ErrInvalidInterval, interval)
	}
	wrapper := &jobWrapper{job: job, options: opts}
	ctx, cancel := context.WithCancel(s.ctx)
	ticker := time.NewTicker(interval)

	s.mu.Lock()
	id := s.nextTickerID
	s.nextTickerID++
	s.tickerJobs[id] = &tickerJob{cancel: cancel, wrapper: wrapper}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runTicker(wrapper)
			case <-ctx.Done():
				return
			}
		}
	}()

	s.logger.Info("ticker job added", "interval", interval, "name", opts.Name, "id", id)
	return id, nil
}

// RunNow executes job once on the calling goroutine, with the same retry,
// timeout and recording behavior as scheduled runs.
func (s *Scheduler) RunNow(job JobFunc, opts JobOptions) Run {
	return s.execute(&jobWrapper{job: job, options: opts})
}

// RemoveCronJob removes a cron job.
func (s *Scheduler) RemoveCronJob(id CronJobID) {
	s.cron.Remove(id)
	s.logger.Info("cron job removed", "id", id)
}

// RemoveTickerJob removes a ticker job and reports whether it existed.
func (s *Scheduler) RemoveTickerJob(id TickerJobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.tickerJobs[id]
	if !ok {
		return false
	}
	job.cancel()
	delete(s.tickerJobs, id)
	s.logger.Info("ticker job removed", "id", id, "name", job.wrapper.options.Name)
	return true
}

// Start starts the cron engine. Ticker jobs run as soon as they are added.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.logger.Info("starting scheduler")
		s.cron.Start()
		go func() {
			<-s.ctx.Done()
			s.stopOnce.Do(s.stop)
		}()
	})
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.stopOnce.Do(s.stop)
}

// StopContext is Stop bounded by ctx. Shutdown still completes when ctx
// expires first, but ctx.Err() is returned.
func (s *Scheduler) StopContext(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.stopOnce.Do(s.stop)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop deadline exceeded")
		<-done
		return ctx.Err()
	}
}

func (s *Scheduler) stop() {
	<-s.cron.Stop().Done()

	s.mu.Lock()
	for _, job := range s.tickerJobs {
		job.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// IsRunning reports whether the scheduler has not been stopped.
func (s *Scheduler) IsRunning() bool {
	return s.ctx.Err() == nil
}

// runTicker applies the overlap policy for ticker jobs; cron jobs get it
// from the cron chain.
func (s *Scheduler) runTicker(w *jobWrapper) {
	switch w.options.OverlapPolicy {
	case SkipIfRunning:
		if !w.running.TryLock() {
			s.logger.Debug("skipping run, previous still running", "name", w.options.Name)
			return
		}
		defer w.running.Unlock()
	case DelayIfRunning:
		w.running.Lock()
		defer w.running.Unlock()
	}
	s.execute(w)
}

// execute performs one scheduled run: attempts go through the job's retry
// policy, panics become errors, and the result is logged and recorded.
func (s *Scheduler) execute(w *jobWrapper) Run {
	run := Run{
		ID:        uuid.NewString(),
		Job:       w.options.Name,
		StartedAt: time.Now(),
	}
	if run.Job == "" {
		run.Job = "unnamed"
	}
	if s.hooks.OnJobStart != nil {
		s.hooks.OnJobStart(run)
	}

	ctx := s.ctx
	if w.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.options.Timeout)
		defer cancel()
	}

	attempt := func(ctx context.Context) (struct{}, error) {
		run.Attempts++
		return struct{}{}, s.safeCall(ctx, w.job)
	}
	if w.options.Retry != nil {
		_, run.Err = retry.DoNamed(ctx, w.options.Retry, run.Job, attempt)
	} else {
		_, run.Err = attempt(ctx)
		if retry.IsPermanent(run.Err) {
			run.Err = errors.Unwrap(run.Err)
		}
	}
	run.FinishedAt = time.Now()
	run.Status = status(run.Err)

	log := s.logger.With("name", run.Job, "run_id", run.ID, "attempts", run.Attempts, "duration", run.FinishedAt.Sub(run.StartedAt))
	if run.Err != nil {
		log.Error("job failed", "status", run.Status, "error", run.Err)
	} else {
		log.Debug("job completed")
	}

	if s.recorder != nil {
		// Record even when the run context is done.
		recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.recorder.Record(recCtx, run); err != nil {
			log.Error("record job run", "error", err)
		}
	}
	if s.hooks.OnJobFinish != nil {
		s.hooks.OnJobFinish(run)
	}
	return run
}

func (s *Scheduler) safeCall(ctx context.Context, job JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = retry.Permanent(fmt.Errorf("panic: %v", r))
		}
	}()
	return job(ctx)
}

func status(err error) string {
	var interrupted *retry.InterruptedError
	switch {
	case err == nil:
		return StatusSucceeded
	case errors.As(err, &interrupted), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusInterrupted
	default:
		return StatusFailed
	}
}
