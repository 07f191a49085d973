package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/cascade/internal/clock"
	"github.com/smallbiznis/cascade/internal/lock"
	obsmetrics "github.com/smallbiznis/cascade/internal/observability/metrics"
	"github.com/smallbiznis/cascade/internal/observability/tracing"
	payoutdomain "github.com/smallbiznis/cascade/internal/payout/domain"
	reconciledomain "github.com/smallbiznis/cascade/internal/reconcile/domain"
	tierdomain "github.com/smallbiznis/cascade/internal/tier/domain"
	volumedomain "github.com/smallbiznis/cascade/internal/volume/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobRefreshCounters = "refresh_counters"
	JobClosePeriods    = "close_periods"
	JobAggregate       = "aggregate"
	JobEvaluate        = "evaluate"
	JobPayout          = "payout"
	JobReconcile       = "reconcile_sweep"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Locker    *lock.Locker `optional:"true"`
	Volume    volumedomain.Service
	Tier      tierdomain.Service
	Payout    payoutdomain.Service
	Reconcile reconciledomain.Service
	Config    Config `optional:"true"`
}

type Scheduler struct {
	log       *zap.Logger
	cfg       Config
	genID     *snowflake.Node
	clock     clock.Clock
	locker    *lock.Locker
	volume    volumedomain.Service
	tier      tierdomain.Service
	payout    payoutdomain.Service
	reconcile reconciledomain.Service

	mu   sync.Mutex
	cron *cron.Cron
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Volume == nil || p.Tier == nil || p.Payout == nil || p.Reconcile == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		genID:     p.GenID,
		clock:     p.Clock,
		locker:    p.Locker,
		volume:    p.Volume,
		tier:      p.Tier,
		payout:    p.Payout,
		reconcile: p.Reconcile,
	}, nil
}

// runJob runs fn under the job's cluster lock with a deadline. A held lock
// defers the run, and a deadline is logged as a soft timeout.
func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if !s.isJobEnabled(name) {
		return nil
	}
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name)
	log := s.logger(ctx)
	schedMetrics := obsmetrics.Scheduler()

	acquired, err := s.locker.WithLock(ctx, name, s.cfg.LockTTL, func(ctx context.Context) error {
		if owner {
			s.logJobStart(ctx, run)
		}
		schedMetrics.IncJobRun(name)
		spanCtx, span := tracing.Start(ctx, "scheduler", "scheduler."+name)
		err := fn(spanCtx)
		tracing.End(span, err)
		schedMetrics.ObserveJobDuration(name, time.Since(start))
		if owner {
			if err != nil && run.failures == 0 {
				run.fail()
			}
			s.logJobFinish(ctx, run)
		}
		return err
	})
	if !acquired && err == nil {
		schedMetrics.IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		log.Debug("job skipped, lock held elsewhere")
		return nil
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, lock.ErrLockLost) {
		schedMetrics.IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonLockLost)
		log.Warn("job lease lost, yielding to the other holder", zap.Error(err))
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs the payout cycle. It is the tick of RunForever.
func (s *Scheduler) RunOnce(parent context.Context) error {
	return s.runJob(parent, JobPayout, s.cfg.JobTimeout, s.PayoutJob)
}

// RunPeriodPipeline closes due periods, then aggregates and evaluates them in order.
// Every step is idempotent, so a partial run is finished by the next one.
func (s *Scheduler) RunPeriodPipeline(parent context.Context) error {
	var err error
	for _, job := range []struct {
		name string
		fn   func(context.Context) error
	}{
		{JobClosePeriods, s.ClosePeriodsJob},
		{JobAggregate, s.AggregateJob},
		{JobEvaluate, s.EvaluateJob},
	} {
		err = errors.Join(err, s.runJob(parent, job.name, s.cfg.JobTimeout, job.fn))
	}
	return err
}

func (s *Scheduler) RunNightly(parent context.Context) error {
	err := s.runJob(parent, JobRefreshCounters, s.cfg.JobTimeout, s.RefreshCountersJob)
	return errors.Join(err, s.RunPeriodPipeline(parent))
}

func (s *Scheduler) RunReconcile(parent context.Context) error {
	return s.runJob(parent, JobReconcile, s.cfg.JobTimeout, s.ReconcileJob)
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Start registers the period jobs on a UTC cron. Jobs stop with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithLocation(time.UTC))
	entries := []struct {
		spec string
		name string
		run  func(context.Context) error
	}{
		{s.cfg.NightlySpec, "nightly", s.RunNightly},
		{s.cfg.MonthlySpec, "monthly", s.RunPeriodPipeline},
		{s.cfg.ReconcileSpec, "reconcile", s.RunReconcile},
	}
	for _, entry := range entries {
		entry := entry
		if _, err := c.AddFunc(entry.spec, func() {
			if err := entry.run(ctx); err != nil {
				s.log.Warn("cron run failed", zap.String("schedule", entry.name), zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("schedule %s %q: %w", entry.name, entry.spec, err)
		}
	}
	c.Start()
	s.cron = c
	s.log.Info("scheduler started",
		zap.String("nightly", s.cfg.NightlySpec),
		zap.String("monthly", s.cfg.MonthlySpec),
		zap.String("reconcile", s.cfg.ReconcileSpec),
		zap.Duration("payout_interval", s.cfg.RunInterval),
	)
	return nil
}

// Stop waits for running cron jobs or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// If EnabledJobs is empty, all jobs are enabled by default (monolith mode)
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
