package main

import (
	"context"
	"errors"

	"github.com/smallbiznis/cascade/internal/scheduler"
	tierdomain "github.com/smallbiznis/cascade/internal/tier/domain"
	volumedomain "github.com/smallbiznis/cascade/internal/volume/domain"
	"github.com/smallbiznis/cascade/pkg/period"
	"github.com/spf13/cobra"
)

func closePeriodCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "close-period [YYYY-MM]",
		Short:   "Freeze a period's transaction log (all due periods when omitted)",
		Example: "  cascade close-period 2026-03",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var volume volumedomain.Service
			if len(args) == 0 {
				return runOneShot(cmd, func(ctx context.Context) error {
					closed, err := volume.CloseDuePeriods(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd, map[string]any{"closed": closed})
				}, &volume)
			}

			p, err := period.Parse(args[0])
			if err != nil {
				return err
			}
			return runOneShot(cmd, func(ctx context.Context) error {
				row, err := volume.ClosePeriod(ctx, p)
				if err != nil {
					return err
				}
				return printJSON(cmd, row)
			}, &volume)
		},
	}
}

func aggregateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate YYYY-MM",
		Short: "Compute team volume snapshots for a closed period",
		Long: `aggregate computes every member's personal and team volume for a closed
period and verifies the result. An inconsistent period is reported with the
affected members and is refused by evaluate until re-aggregated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := period.Parse(args[0])
			if err != nil {
				return err
			}
			var volume volumedomain.Service
			return runOneShot(cmd, func(ctx context.Context) error {
				report, err := volume.Aggregate(ctx, p)
				if report != nil {
					if printErr := printJSON(cmd, report); printErr != nil {
						return errors.Join(err, printErr)
					}
				}
				return err
			}, &volume)
		},
	}
}

func evaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate YYYY-MM",
		Short: "Evaluate tier qualification for an aggregated period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := period.Parse(args[0])
			if err != nil {
				return err
			}
			var evaluator tierdomain.Service
			return runOneShot(cmd, func(ctx context.Context) error {
				report, err := evaluator.Evaluate(ctx, p)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			}, &evaluator)
		},
	}
}

func tierCmd() *cobra.Command {
	var history int
	cmd := &cobra.Command{
		Use:   "tier MEMBER_ID",
		Short: "Show a member's tier qualification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			memberID, err := parseID(args[0], "member id")
			if err != nil {
				return err
			}
			var evaluator tierdomain.Service
			return runOneShot(cmd, func(ctx context.Context) error {
				q, err := evaluator.GetTierQualification(ctx, memberID)
				if err != nil {
					return err
				}
				out := map[string]any{"qualification": q}
				if history > 0 {
					records, err := evaluator.ListRecords(ctx, memberID, history)
					if err != nil {
						return err
					}
					out["records"] = records
				}
				return printJSON(cmd, out)
			}, &evaluator)
		},
	}
	cmd.Flags().IntVar(&history, "history", 0, "number of monthly records to include")
	return cmd
}

func runJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-job nightly|pipeline|payout|reconcile",
		Short: "Run one scheduler job under its lock and exit",
		Long: `run-job runs a scheduler job once, with the same redis lock, logging and
metrics as the daemon. It is meant for external cron or manual catch-up.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"nightly", "pipeline", "payout", "reconcile"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var sched *scheduler.Scheduler
			return runOneShot(cmd, func(ctx context.Context) error {
				switch args[0] {
				case "nightly":
					return sched.RunNightly(ctx)
				case "pipeline":
					return sched.RunPeriodPipeline(ctx)
				case "payout":
					return sched.RunOnce(ctx)
				case "reconcile":
					return sched.RunReconcile(ctx)
				default:
					return errors.New("unknown job " + args[0])
				}
			}, &sched)
		},
	}
}
