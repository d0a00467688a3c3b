package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"retrykit/internal/app"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Call a service that fails twice before answering",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return a.RunService(ctx)
		})
	},
}

func init() {
	rootCmd.AddCommand(serviceCmd)
}
