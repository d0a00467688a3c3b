package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"retrykit/internal/app"
)

var rootCmd = &cobra.Command{
	Use:   "retrydemo",
	Short: "Demonstrates retries with backoff against flaky dependencies",
	Long: `retrydemo runs small programs that fail on purpose and recover through
the retry engine: an unreliable in-process service, a flaky HTTP API, a
contended SQLite database, a scheduled job and a Postgres server that is not
up yet.

Retry policies come from RETRY_* environment variables and the optional
preset file named by RETRY_POLICY_FILE.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// withApp loads configuration, runs fn with a signal-aware context and
// closes the app afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.New(app.WithOutput(cmd.OutOrStdout()))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, a)
}
