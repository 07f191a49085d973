package main

import (
	"context"
	"fmt"
	"time"

	auditdomain "github.com/smallbiznis/cascade/internal/audit/domain"
	"github.com/smallbiznis/cascade/pkg/db/pagination"
	"github.com/spf13/cobra"
)

func auditCmd() *cobra.Command {
	var (
		req   auditdomain.ListRequest
		since string
		until string
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recorded engine decisions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if req.StartAt, err = parseOptionalTime(since, "since"); err != nil {
				return err
			}
			if req.EndAt, err = parseOptionalTime(until, "until"); err != nil {
				return err
			}
			var svc auditdomain.Service
			return runOneShot(cmd, func(ctx context.Context) error {
				resp, err := svc.List(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd, resp)
			}, &svc)
		},
	}
	cmd.Flags().StringVar(&req.Action, "action", "", "only entries with this action, e.g. tier.transition")
	cmd.Flags().StringVar(&req.TargetType, "target-type", "", "member, commission_entry, volume_period or payout_batch")
	cmd.Flags().StringVar(&req.TargetID, "target", "", "only entries about this target id")
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 lower bound, inclusive")
	cmd.Flags().StringVar(&until, "until", "", "RFC3339 upper bound, exclusive")
	cmd.Flags().StringVar(&req.PageToken, "page-token", "", "next_page_token from a previous call")
	cmd.Flags().IntVar(&req.PageSize, "limit", pagination.DefaultPageSize, "page size")
	return cmd
}

func parseOptionalTime(value, name string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return &t, nil
}
