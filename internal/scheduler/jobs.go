package scheduler

import (
	"context"
	"errors"
	"sort"

	volumedomain "github.com/smallbiznis/cascade/internal/volume/domain"
	"github.com/smallbiznis/cascade/pkg/period"
	"go.uber.org/zap"
)

// RefreshCountersJob repairs running counter drift of the current period.
func (s *Scheduler) RefreshCountersJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRefreshCounters)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	current := period.Of(s.clock.Now())
	report, err := s.volume.RefreshRunningCounters(ctx, current)
	if err != nil {
		s.logJobError(ctx, run, "scheduler.counters.refresh.failed", current, err)
		return err
	}
	run.touch(current)
	run.record(JobRefreshCounters, "member_counter", report.Members)
	if report.Drift > 0 {
		s.logger(ctx).Warn("scheduler.counters.drift_repaired",
			zap.String("period", current.String()),
			zap.Int("drift", report.Drift),
		)
	}
	return nil
}

func (s *Scheduler) ClosePeriodsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobClosePeriods)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	closed, err := s.volume.CloseDuePeriods(ctx)
	for _, p := range closed {
		run.touch(p)
	}
	run.record(JobClosePeriods, "volume_period", len(closed))
	if err != nil {
		s.logJobError(ctx, run, "scheduler.period.close.failed", "", err)
		return err
	}
	return nil
}

// AggregateJob computes snapshots for every closed period, oldest first. An
// inconsistent period is reported and left for an operator.
func (s *Scheduler) AggregateJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobAggregate)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	periods, err := s.periodsWithStatus(ctx, volumedomain.PeriodStatusClosed)
	if err != nil {
		s.logJobError(ctx, run, "scheduler.period.list.failed", "", err)
		return err
	}

	var jobErr error
	for _, p := range periods {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		report, err := s.volume.Aggregate(ctx, p)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logJobError(ctx, run, "scheduler.period.aggregate.failed", p, err)
			continue
		}
		run.touch(p)
		run.record(JobAggregate, "member_snapshot", report.Members)
	}
	return jobErr
}

// EvaluateJob evaluates periods oldest first and stops at the first one that
// is not aggregated, so streaks always see the previous month's records and
// a later month never runs ahead of a stuck one.
func (s *Scheduler) EvaluateJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobEvaluate)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	periods, err := s.volume.UnevaluatedPeriods(ctx, "")
	if err != nil {
		s.logJobError(ctx, run, "scheduler.period.list.failed", "", err)
		return err
	}

	for _, row := range periods {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := row.Period
		if row.Status != volumedomain.PeriodStatusAggregated {
			if row.Status != volumedomain.PeriodStatusOpen {
				s.logger(ctx).Warn("scheduler.period.evaluate.blocked",
					zap.String("period", p.String()),
					zap.String("status", string(row.Status)),
				)
			}
			return nil
		}
		report, err := s.tier.Evaluate(ctx, p)
		if err != nil {
			s.logJobError(ctx, run, "scheduler.period.evaluate.failed", p, err)
			// Later periods depend on this one's records.
			return err
		}
		run.touch(p)
		run.record(JobEvaluate, "tier_record", report.Evaluated)
	}
	return nil
}

func (s *Scheduler) PayoutJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobPayout)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	report, err := s.payout.RunCycle(ctx)
	if report != nil {
		run.record(JobPayout, "payout_batch", report.Created+report.Retried)
		run.record(JobPayout, "payout_resolved", report.Resolved)
	}
	if err != nil {
		s.logJobError(ctx, run, "scheduler.payout.cycle.failed", "", err)
		return err
	}
	return nil
}

func (s *Scheduler) ReconcileJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobReconcile)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	report, err := s.reconcile.ReconcileAll(ctx)
	if report != nil {
		run.record(JobReconcile, "member", report.Members)
	}
	if err != nil {
		s.logJobError(ctx, run, "scheduler.reconcile.failed", "", err)
		return err
	}
	return nil
}

func (s *Scheduler) periodsWithStatus(ctx context.Context, status volumedomain.PeriodStatus) ([]period.ID, error) {
	rows, err := s.volume.PeriodsWithStatus(ctx, status)
	if err != nil {
		return nil, err
	}
	out := make([]period.ID, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Period)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}
