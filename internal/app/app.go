package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"retrykit/internal/adapter/dispatch"
	"retrykit/internal/adapter/external/items"
	"retrykit/internal/adapter/flaky"
	"retrykit/internal/adapter/scheduler"
	"retrykit/internal/config"
	"retrykit/internal/platform/httpclient"
	"retrykit/internal/platform/logger"
	"retrykit/internal/platform/pg"
	"retrykit/internal/platform/sqlite"
	"retrykit/pkg/retry"
)

// ErrInvalidArgument is returned for demo parameters out of range.
var ErrInvalidArgument = errors.New("invalid argument")

// App wires application components for the demo commands.
type App struct {
	cfg      config.Config
	log      *slog.Logger
	closeLog func() error
	out      io.Writer
	sleeper  retry.Sleeper
}

// Option configures App.
type Option func(*App)

// WithOutput sets where command results are printed (default os.Stdout).
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithLogger replaces the logger built from configuration.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithSleeper makes every policy built by the app wait through s.
func WithSleeper(s retry.Sleeper) Option {
	return func(a *App) { a.sleeper = s }
}

// New creates a new App instance and loads configuration.
func New(opts ...Option) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg, opts...), nil
}

// NewWithConfig creates an App from an already loaded configuration.
func NewWithConfig(cfg config.Config, opts ...Option) *App {
	a := &App{cfg: cfg, out: os.Stdout, closeLog: func() error { return nil }}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log, a.closeLog = logger.New(logger.Options{
			Env:          cfg.Env,
			ConsoleLevel: cfg.Log.ConsoleLevel,
			FileLevel:    cfg.Log.FileLevel,
			File:         cfg.Log.File,
			App:          "retrydemo",
			Console:      os.Stderr,
		})
	}
	return a
}

// Close flushes and closes the log file.
func (a *App) Close() error { return a.closeLog() }

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger { return a.log }

// ServicePolicy is the policy of the service demo: four tries, 200ms doubling
// delay and up to 100ms of jitter, retrying only ErrTransient.
func ServicePolicy() retry.Config {
	return retry.Config{
		RetryOn:      []retry.Matcher{retry.On(ErrTransient)},
		MaxAttempts:  4,
		InitialDelay: 200 * time.Millisecond,
		Multiplier:   2,
		Jitter:       retry.RangeJitter(0, 100*time.Millisecond),
	}
}

// HTTPPolicy is the policy of the http demo client.
func HTTPPolicy() retry.Config {
	return retry.Config{
		MaxAttempts:  4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
		Jitter:       retry.RangeJitter(0, 50*time.Millisecond),
	}
}

// policy builds the preset called name from the policy file, falling back
// to base when no such preset is configured. The matchers and hook of base
// are kept either way.
func (a *App) policy(name string, base retry.Config) (*retry.Policy, error) {
	cfg := base
	preset, err := a.cfg.Policy(name)
	switch {
	case err == nil:
		preset.RetryOn = base.RetryOn
		preset.OnRetry = base.OnRetry
		cfg = preset
	case !errors.Is(err, config.ErrUnknownPolicy):
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = a.log
	}
	if a.sleeper != nil {
		cfg.Sleeper = a.sleeper
	}
	p, err := retry.NewPolicy(cfg)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", name, err)
	}
	return p, nil
}

func (a *App) printJSON(label string, v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(a.out, "%s: %s\n", label, data)
}

func fetch(ctx context.Context, s *UnreliableService) (Response, error) {
	return s.Request(ctx)
}

// RunService calls a service that fails twice, first through a wrapped
// function, then through the direct call helpers.
func (a *App) RunService(ctx context.Context) error {
	p, err := a.policy("service", ServicePolicy())
	if err != nil {
		return err
	}

	var errs []error
	report := func(label string, v any, err error) {
		if err != nil {
			fmt.Fprintf(a.out, "%s failed: %v\n", label, err)
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
			return
		}
		a.printJSON(label+" result", v)
	}

	wrapped := retry.Wrap1(p, fetch)
	resp, err := wrapped(ctx, NewUnreliableService(2, nil))
	report("wrapped call", resp, err)

	svc := NewUnreliableService(2, map[string]string{"region": "local"})
	resp, err = retry.Call1(ctx, p, svc.RequestWith, RequestParams{Source: "call"})
	report("direct call", resp, err)

	out, err := retry.Invoke(ctx, p, NewUnreliableService(2, nil).RequestWith, RequestParams{Source: "invoke"})
	var first any
	if len(out) > 0 {
		first = out[0]
	}
	report("invoked call", first, err)

	return errors.Join(errs...)
}

// RunHTTP starts the flaky item service on the configured address and
// fetches keys from it through the retrying HTTP client.
func (a *App) RunHTTP(ctx context.Context, failures int, keys []string) error {
	svc := flaky.NewService(flaky.Options{Failures: failures, Logger: a.log})
	ln, err := net.Listen("tcp", a.cfg.Demo.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{Handler: svc.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server", slog.Any("err", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	p, err := a.policy("http", HTTPPolicy())
	if err != nil {
		return err
	}
	client := items.NewClient(
		httpclient.New(httpclient.WithLogger(a.log), httpclient.WithPolicy(p)),
		"http://"+ln.Addr().String(), "", "retrydemo",
	)

	var errs []error
	for _, key := range keys {
		item, err := client.Fetch(ctx, key)
		if err != nil {
			fmt.Fprintf(a.out, "fetch %s failed: %v\n", key, err)
			errs = append(errs, err)
			continue
		}
		a.printJSON("fetch "+key, item)
	}
	return errors.Join(errs...)
}

// openStore migrates and opens the configured SQLite database.
func (a *App) openStore(ctx context.Context) (*sqlite.TxRunner, func() error, error) {
	if err := sqlite.ApplyMigrations(a.cfg.SQLite.Path); err != nil {
		return nil, nil, err
	}
	db, err := sqlite.Open(ctx, a.cfg.SQLite.Path)
	if err != nil {
		return nil, nil, err
	}
	busy := sqlite.DefaultBusyPolicy()
	p, err := a.policy("sqlite", busy)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return sqlite.NewTxRunner(db, sqlite.WithPolicy(p), sqlite.WithLogger(a.log)), db.Close, nil
}

// RunSQLite increments the given counters concurrently, each through its
// own worker, and prints the final values. Writers contend for the database
// lock and busy transactions are retried.
func (a *App) RunSQLite(ctx context.Context, counters []string, increments int) (map[string]int64, error) {
	if increments < 0 {
		return nil, fmt.Errorf("%w: increments must not be negative, got %d", ErrInvalidArgument, increments)
	}
	tx, closeDB, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer closeDB()

	store := sqlite.NewCounters(tx)
	d := dispatch.New(len(counters), increments)

	var (
		mu   sync.Mutex
		errs []error
	)
	for w, name := range counters {
		for i := 0; i < increments; i++ {
			err := d.DispatchTo(ctx, w, func(ctx context.Context) {
				if _, err := store.Increment(ctx, name, 1); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			})
			if err != nil {
				d.Close()
				return nil, err
			}
		}
	}
	d.Close()
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	values := make(map[string]int64, len(counters))
	for _, name := range counters {
		v, err := store.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		values[name] = v
		fmt.Fprintf(a.out, "counter %s = %d\n", name, v)
	}
	return values, nil
}

// ScheduleOptions configures RunSchedule.
type ScheduleOptions struct {
	// Schedule is a cron expression, or a Go duration for a ticker job.
	Schedule string
	// Runs is how many runs to wait for before stopping.
	Runs int
	// FailEvery makes every FailEvery-th attempt fail. Zero never fails.
	FailEvery int
}

// RunSchedule runs a job that fails intermittently until opts.Runs runs have
// finished. Every run retries through the "job" preset or the environment
// default policy and is stored in job_runs; the history is printed at the
// end.
func (a *App) RunSchedule(ctx context.Context, opts ScheduleOptions) ([]sqlite.JobRun, error) {
	if opts.Runs < 1 {
		return nil, fmt.Errorf("%w: runs must be at least 1, got %d", ErrInvalidArgument, opts.Runs)
	}
	if opts.FailEvery < 0 {
		return nil, fmt.Errorf("%w: fail-every must not be negative, got %d", ErrInvalidArgument, opts.FailEvery)
	}
	every, perr := time.ParseDuration(opts.Schedule)
	if perr == nil && every <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidArgument, every)
	}
	tx, closeDB, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer closeDB()
	runs := sqlite.NewRunStore(tx)

	p, err := a.policy("job", a.cfg.Retry.RetryConfig())
	if err != nil {
		return nil, err
	}

	finished := make(chan scheduler.Run, opts.Runs)
	s := scheduler.NewWithContext(ctx, scheduler.Config{
		Logger:   a.log,
		Recorder: runRecorder{store: runs},
		JobHooks: scheduler.JobHooks{
			OnJobFinish: func(r scheduler.Run) {
				select {
				case finished <- r:
				default:
				}
			},
		},
	})
	defer s.Stop()

	var attempts int
	var mu sync.Mutex
	job := func(ctx context.Context) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if opts.FailEvery > 0 && n%opts.FailEvery == 0 {
			return fmt.Errorf("attempt %d: %w", n, ErrTransient)
		}
		return nil
	}
	jobOpts := scheduler.JobOptions{
		Name:          "demo-job",
		Timeout:       time.Minute,
		OverlapPolicy: scheduler.SkipIfRunning,
		Retry:         p,
	}

	if perr == nil {
		if _, err := s.AddTickerJobWithOptions(every, job, jobOpts); err != nil {
			return nil, err
		}
	} else if _, err := s.AddCronJobWithOptions(opts.Schedule, job, jobOpts); err != nil {
		return nil, err
	}
	s.Start()

	for i := 0; i < opts.Runs; i++ {
		select {
		case r := <-finished:
			fmt.Fprintf(a.out, "run %s: %s after %d attempts\n", r.ID, r.Status, r.Attempts)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := s.StopContext(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}

	history, err := runs.List(ctx, jobOpts.Name, opts.Runs)
	if err != nil {
		return nil, err
	}
	return history, nil
}

// WaitDB waits for the configured Postgres server and checks the pool.
func (a *App) WaitDB(ctx context.Context, timeout time.Duration) error {
	if a.cfg.Postgres.DSN == "" {
		return errors.New("POSTGRES_DSN is not set")
	}
	p, err := a.policy("postgres", pg.DefaultWaitPolicy())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	if err := pg.WaitForDB(ctx, a.cfg.Postgres.DSN, p, 5*time.Second); err != nil {
		return err
	}

	pool, err := pg.NewPool(ctx, a.cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pg.HealthCheckPool(ctx, pool); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "postgres is up after %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}
