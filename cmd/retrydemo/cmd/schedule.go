package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"retrykit/internal/app"
)

var scheduleOpts app.ScheduleOptions

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run a scheduled job that fails now and then, and print its run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			history, err := a.RunSchedule(ctx, scheduleOpts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "history:")
			for _, r := range history {
				fmt.Fprintf(out, "  %s  %-11s attempts=%d %s\n", r.StartedAt.Format("15:04:05.000"), r.Status, r.Attempts, r.Error)
			}
			return nil
		})
	},
}

func init() {
	scheduleCmd.Flags().StringVar(&scheduleOpts.Schedule, "every", "@every 1s", "cron expression or Go duration")
	scheduleCmd.Flags().IntVar(&scheduleOpts.Runs, "runs", 5, "runs to wait for")
	scheduleCmd.Flags().IntVar(&scheduleOpts.FailEvery, "fail-every", 2, "fail every n-th attempt, 0 to never fail")
	rootCmd.AddCommand(scheduleCmd)
}
