package cmd

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"retrykit/internal/app"
)

var (
	httpFailures int
	httpKeys     []string
)

var httpCmd = &cobra.Command{
	Use:   "http",
	Short: "Fetch items from a local HTTP service that answers 503 at first",
	RunE: func(cmd *cobra.Command, args []string) error {
		gin.SetMode(gin.ReleaseMode)
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return a.RunHTTP(ctx, httpFailures, httpKeys)
		})
	},
}

func init() {
	httpCmd.Flags().IntVar(&httpFailures, "failures", 2, "503 responses per key before success")
	httpCmd.Flags().StringSliceVar(&httpKeys, "keys", []string{"alpha", "beta"}, "item keys to fetch")
	rootCmd.AddCommand(httpCmd)
}
