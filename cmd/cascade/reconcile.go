package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/cascade/internal/ledger/domain"
	reconciledomain "github.com/smallbiznis/cascade/internal/reconcile/domain"
	"github.com/spf13/cobra"
)

func reconcileCmd() *cobra.Command {
	var listOpen bool
	cmd := &cobra.Command{
		Use:   "reconcile [MEMBER_ID]",
		Short: "Check derived totals against the ledger (every member when omitted)",
		Long: `reconcile recomputes lifetime earnings from the ledger and compares them with
the earnings cache, compares running volume counters with snapshots and
checks that non-onboarded members have no commission activity. Findings are
stored as discrepancies; the ledger is never modified.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc reconciledomain.Service
			if listOpen {
				var memberID snowflake.ID
				if len(args) == 1 {
					id, err := parseID(args[0], "member id")
					if err != nil {
						return err
					}
					memberID = id
				}
				return runOneShot(cmd, func(ctx context.Context) error {
					open, err := svc.ListOpen(ctx, memberID, 0)
					if err != nil {
						return err
					}
					return printJSON(cmd, open)
				}, &svc)
			}

			if len(args) == 0 {
				return runOneShot(cmd, func(ctx context.Context) error {
					report, err := svc.ReconcileAll(ctx)
					if report != nil {
						if printErr := printJSON(cmd, report); printErr != nil && err == nil {
							err = printErr
						}
					}
					return err
				}, &svc)
			}

			memberID, err := parseID(args[0], "member id")
			if err != nil {
				return err
			}
			return runOneShot(cmd, func(ctx context.Context) error {
				report, err := svc.Reconcile(ctx, memberID)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			}, &svc)
		},
	}
	cmd.Flags().BoolVar(&listOpen, "open", false, "list open discrepancies instead of reconciling")
	return cmd
}

func voidEntryCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "void-entry ENTRY_ID",
		Short: "Void an unpaid commission entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entryID, err := parseID(args[0], "entry id")
			if err != nil {
				return err
			}
			var ledger ledgerdomain.Service
			return runOneShot(cmd, func(ctx context.Context) error {
				entry, err := ledger.VoidEntry(ctx, entryID, reason)
				if err != nil {
					return err
				}
				return printJSON(cmd, entry)
			}, &ledger)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the entry is voided")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}
