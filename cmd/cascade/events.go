package main

import (
	"context"
	"fmt"
	"time"

	commissiondomain "github.com/smallbiznis/cascade/internal/commission/domain"
	networkdomain "github.com/smallbiznis/cascade/internal/network/domain"
	"github.com/spf13/cobra"
)

func registerMemberCmd() *cobra.Command {
	var sponsor string
	cmd := &cobra.Command{
		Use:   "register-member",
		Short: "Register a member under a sponsor (omit --sponsor for a root)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sponsorID, err := parseOptionalID(sponsor, "sponsor id")
			if err != nil {
				return err
			}
			var network networkdomain.Service
			return runOneShot(cmd, func(ctx context.Context) error {
				member, err := network.Register(ctx, sponsorID)
				if err != nil {
					return err
				}
				return printJSON(cmd, member)
			}, &network)
		},
	}
	cmd.Flags().StringVar(&sponsor, "sponsor", "", "sponsor member id")
	return cmd
}

func recordEventCmd() *cobra.Command {
	var (
		memberRaw  string
		eventID    string
		amountRaw  string
		eventType  string
		occurredAt string
	)
	cmd := &cobra.Command{
		Use:   "record-event",
		Short: "Record a qualifying purchase and pay upline commissions",
		Long: `record-event books a qualifying purchase for a member. Replaying the same
--event-id is safe: already stored commission levels are not duplicated.
Recording a "starter" event completes the member's onboarding.`,
		Example: `  cascade record-event --member 1794 --event-id ord-1001 --amount 250 --type purchase`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			memberID, err := parseID(memberRaw, "member id")
			if err != nil {
				return err
			}
			amount, err := parseAmount(amountRaw)
			if err != nil {
				return err
			}
			at := time.Now().UTC()
			if occurredAt != "" {
				at, err = time.Parse(time.RFC3339, occurredAt)
				if err != nil {
					return fmt.Errorf("invalid --occurred-at %q: %w", occurredAt, err)
				}
			}

			var calculator commissiondomain.Service
			return runOneShot(cmd, func(ctx context.Context) error {
				result, err := calculator.RecordEvent(ctx, commissiondomain.Event{
					SourceMemberID: memberID,
					EventID:        eventID,
					Amount:         amount,
					EventType:      eventType,
					OccurredAt:     at.UTC(),
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			}, &calculator)
		},
	}
	cmd.Flags().StringVar(&memberRaw, "member", "", "source member id")
	cmd.Flags().StringVar(&eventID, "event-id", "", "unique source event id")
	cmd.Flags().StringVar(&amountRaw, "amount", "", "purchase amount")
	cmd.Flags().StringVar(&eventType, "type", "purchase", "event type")
	cmd.Flags().StringVar(&occurredAt, "occurred-at", "", "RFC3339 time of the purchase (default now)")
	_ = cmd.MarkFlagRequired("member")
	_ = cmd.MarkFlagRequired("event-id")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}
