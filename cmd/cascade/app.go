package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/cascade/internal/audit"
	"github.com/smallbiznis/cascade/internal/clock"
	"github.com/smallbiznis/cascade/internal/commission"
	"github.com/smallbiznis/cascade/internal/config"
	"github.com/smallbiznis/cascade/internal/ledger"
	"github.com/smallbiznis/cascade/internal/lock"
	"github.com/smallbiznis/cascade/internal/migration"
	"github.com/smallbiznis/cascade/internal/network"
	"github.com/smallbiznis/cascade/internal/observability"
	obscontext "github.com/smallbiznis/cascade/internal/observability/context"
	obsmetrics "github.com/smallbiznis/cascade/internal/observability/metrics"
	"github.com/smallbiznis/cascade/internal/payout"
	"github.com/smallbiznis/cascade/internal/reconcile"
	"github.com/smallbiznis/cascade/internal/scheduler"
	"github.com/smallbiznis/cascade/internal/tier"
	"github.com/smallbiznis/cascade/internal/volume"
	"github.com/smallbiznis/cascade/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

const (
	startTimeout = 30 * time.Second
	stopTimeout  = 15 * time.Second
)

// engineModules is the dependency graph shared by serve and the one-shot commands.
func engineModules() fx.Option {
	return fx.Options(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(newSnowflakeNode),
		db.Module,
		clock.Module,
		lock.Module,
		migration.Module,
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx").WithOptions(zap.IncreaseLevel(zap.WarnLevel))}
		}),

		// Domains
		audit.Module,
		network.Module,
		ledger.Module,
		commission.Module,
		volume.Module,
		tier.Module,
		payout.Module,
		reconcile.Module,
	)
}

func newSnowflakeNode(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.SnowflakeNode)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.SnowflakeNode, err)
	}
	return node, nil
}

// runOneShot builds the engine without its background loops, fills targets
// from the graph and runs fn. Metrics are pushed when the app stops.
func runOneShot(cmd *cobra.Command, fn func(ctx context.Context) error, targets ...any) error {
	app := fx.New(
		engineModules(),
		scheduler.Components,
		fx.Invoke(obsmetrics.PushOnStop),
		fx.Populate(targets...),
	)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancelStart := context.WithTimeout(cmd.Context(), startTimeout)
	defer cancelStart()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = app.Stop(stopCtx)
	}()

	ctx, cancel := context.WithTimeout(cmd.Context(), runTimeout)
	defer cancel()
	ctx = obscontext.WithActor(ctx, "cli", cmd.CommandPath())
	return fn(ctx)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(raw, name string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return id, nil
}

func parseOptionalID(raw, name string) (*snowflake.ID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := parseID(raw, name)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}
