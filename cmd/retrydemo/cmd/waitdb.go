package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"retrykit/internal/app"
)

var waitDBTimeout time.Duration

var waitDBCmd = &cobra.Command{
	Use:   "waitdb",
	Short: "Wait for the Postgres server named by POSTGRES_DSN",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return a.WaitDB(ctx, waitDBTimeout)
		})
	},
}

func init() {
	waitDBCmd.Flags().DurationVar(&waitDBTimeout, "timeout", time.Minute, "give up after this long")
	rootCmd.AddCommand(waitDBCmd)
}
