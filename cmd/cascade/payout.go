package main

import (
	"context"

	payoutdomain "github.com/smallbiznis/cascade/internal/payout/domain"
	"github.com/spf13/cobra"
)

func payoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payout",
		Short: "Run one payout cycle: recover, retry and disburse aged balances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc payoutdomain.Service
			return runOneShot(cmd, func(ctx context.Context) error {
				report, err := svc.RunCycle(ctx)
				if report != nil {
					if printErr := printJSON(cmd, report); printErr != nil && err == nil {
						err = printErr
					}
				}
				return err
			}, &svc)
		},
	}
	cmd.AddCommand(payoutRequeueCmd())
	cmd.AddCommand(payoutProfileCmd())
	cmd.AddCommand(payoutBatchesCmd())
	return cmd
}

func payoutRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue BATCH_ID",
		Short: "Release the entries of a failed batch for the next cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batchID, err := parseID(args[0], "batch id")
			if err != nil {
				return err
			}
			var svc payoutdomain.Service
			return runOneShot(cmd, func(ctx context.Context) error {
				batch, err := svc.RequeueBatch(ctx, batchID)
				if err != nil {
					return err
				}
				return printJSON(cmd, batch)
			}, &svc)
		},
	}
}

func payoutProfileCmd() *cobra.Command {
	var req struct {
		member      string
		provider    string
		destination string
		currency    string
	}
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Set where a member's payouts are sent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			memberID, err := parseID(req.member, "member id")
			if err != nil {
				return err
			}
			var svc payoutdomain.Service
			return runOneShot(cmd, func(ctx context.Context) error {
				profile, err := svc.UpsertProfile(ctx, payoutdomain.UpsertProfileRequest{
					MemberID:    memberID,
					Provider:    req.provider,
					Destination: req.destination,
					Currency:    req.currency,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, profile)
			}, &svc)
		},
	}
	cmd.Flags().StringVar(&req.member, "member", "", "member id")
	cmd.Flags().StringVar(&req.provider, "provider", "", "gateway provider (default from compensation.yml)")
	cmd.Flags().StringVar(&req.destination, "destination", "", "provider account or wallet reference")
	cmd.Flags().StringVar(&req.currency, "currency", "", "payout currency (default from compensation.yml)")
	_ = cmd.MarkFlagRequired("member")
	_ = cmd.MarkFlagRequired("destination")
	return cmd
}

func payoutBatchesCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "batches",
		Short: "List payout batches, optionally by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc payoutdomain.Service
			return runOneShot(cmd, func(ctx context.Context) error {
				batches, err := svc.ListBatches(ctx, payoutdomain.BatchStatus(status), limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, batches)
			}, &svc)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "processing, succeeded, retry_scheduled, ambiguous or failed")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum batches")
	return cmd
}
