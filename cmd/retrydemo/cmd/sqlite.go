package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"retrykit/internal/app"
)

var (
	sqliteCounters   []string
	sqliteIncrements int
)

var sqliteCmd = &cobra.Command{
	Use:   "sqlite",
	Short: "Increment counters from concurrent writers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			_, err := a.RunSQLite(ctx, sqliteCounters, sqliteIncrements)
			return err
		})
	},
}

func init() {
	sqliteCmd.Flags().StringSliceVar(&sqliteCounters, "counters", []string{"a", "b", "c", "d"}, "counter names, one writer each")
	sqliteCmd.Flags().IntVarP(&sqliteIncrements, "increments", "n", 100, "increments per counter")
	rootCmd.AddCommand(sqliteCmd)
}
