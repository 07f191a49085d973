package main

import (
	"time"

	"github.com/spf13/cobra"
)

// runTimeout bounds a one-shot command. serve ignores it.
var runTimeout time.Duration

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cascade",
		Short: "Network commission and tier qualification engine",
		Long: `cascade records qualifying purchases, pays upline commissions, aggregates
monthly team volume, evaluates tier qualification and disburses payouts.

Configuration is read from the environment (and .env); compensation rules
from compensation.yml.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().DurationVar(&runTimeout, "timeout", 30*time.Minute, "deadline for one-shot commands")

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(registerMemberCmd())
	root.AddCommand(recordEventCmd())
	root.AddCommand(closePeriodCmd())
	root.AddCommand(aggregateCmd())
	root.AddCommand(evaluateCmd())
	root.AddCommand(tierCmd())
	root.AddCommand(payoutCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(voidEntryCmd())
	root.AddCommand(runJobCmd())
	root.AddCommand(auditCmd())
	return root
}
