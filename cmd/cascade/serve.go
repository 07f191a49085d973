package main

import (
	"context"

	"github.com/smallbiznis/cascade/internal/migration"
	"github.com/smallbiznis/cascade/internal/scheduler"
	"github.com/smallbiznis/cascade/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon with health and metrics endpoints",
		Long: `serve runs the payout loop every SCHEDULER_RUN_INTERVAL_SECONDS and the
nightly, monthly and reconciliation cron jobs. When REDIS_ADDR is set every
job runs under a redis lock, so several instances can be deployed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				engineModules(),
				scheduler.Module,
				server.Module,
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// The migration module applies the schema while the graph is built.
			var status migration.Status
			return runOneShot(cmd, func(ctx context.Context) error {
				return printJSON(cmd, status)
			}, &status)
		},
	}
}
