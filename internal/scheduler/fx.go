package scheduler

import (
	"context"

	"github.com/smallbiznis/cascade/internal/config"
	"go.uber.org/fx"
)

// Components provides the scheduler without starting its loops, for one-shot job runs.
var Components = fx.Options(
	fx.Provide(ProvideConfig),
	fx.Provide(New),
)

var Module = fx.Module("scheduler",
	Components,
	fx.Invoke(NewScheduler),
)

func NewScheduler(lc fx.Lifecycle, cfg config.Config, sched *Scheduler) {
	if !cfg.Scheduler.Enabled {
		return
	}

	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			if err := sched.Start(ctx); err != nil {
				cancel()
				return err
			}
			go sched.RunForever(ctx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			return sched.Stop(ctx)
		},
	})
}
