// Package scheduler runs background jobs on cron schedules
// (github.com/robfig/cron/v3) or fixed intervals.
//
// Every scheduled run gets a UUID, runs its attempts through the job's
// retry.Policy, converts panics into errors, and is reported to the
// optional hooks and RunRecorder once finished.
//
//	s := scheduler.New(scheduler.Config{Logger: logger, Recorder: recorder})
//
//	_, err := s.AddCronJobWithOptions("@every 1m", syncInvoices, scheduler.JobOptions{
//		Name:          "sync-invoices",
//		Timeout:       30 * time.Second,
//		OverlapPolicy: scheduler.SkipIfRunning,
//		Retry:         retry.MustPolicy(retry.Config{MaxAttempts: 3, InitialDelay: time.Second, Multiplier: 2}),
//	})
//
//	s.Start()
//	defer s.Stop()
//
// Overlap policies:
//   - AllowOverlap: runs may execute concurrently (default)
//   - SkipIfRunning: a run due while the previous one is active is dropped
//   - DelayIfRunning: a run due while the previous one is active waits for it
//
// Timeout bounds the whole run, retries and backoff sleeps included. When
// it expires during a backoff sleep the run ends with status
// StatusInterrupted and an error wrapping both the deadline and the last
// failure.
package scheduler
