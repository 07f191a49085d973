package scheduler

import (
	"context"
	"sort"
	"time"

	obscontext "github.com/smallbiznis/cascade/internal/observability/context"
	obslogger "github.com/smallbiznis/cascade/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/cascade/internal/observability/metrics"
	"github.com/smallbiznis/cascade/pkg/period"
	"go.uber.org/zap"
)

// jobRun is the bookkeeping of one job invocation. A job function called
// through runJob reuses the run runJob created.
type jobRun struct {
	job       string
	runID     string
	startedAt time.Time
	periods   map[period.ID]struct{}
	counts    map[string]int
	failures  int
}

type jobRunKey struct{}

// record counts processed rows of a resource and feeds the batch metric.
func (r *jobRun) record(job, resource string, count int) {
	if r == nil || count <= 0 {
		return
	}
	r.counts[resource] += count
	obsmetrics.Scheduler().AddBatchProcessed(job, resource, count)
}

func (r *jobRun) touch(p period.ID) {
	if r != nil {
		r.periods[p] = struct{}{}
	}
}

func (r *jobRun) fail() {
	if r != nil {
		r.failures++
	}
}

func (r *jobRun) periodList() []string {
	ids := make([]period.ID, 0, len(r.periods))
	for p := range r.periods {
		ids = append(ids, p)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Before(ids[j]) })
	out := make([]string, len(ids))
	for i, p := range ids {
		out[i] = p.String()
	}
	return out
}

// ensureJobRun attaches a run to ctx. The bool reports whether this call created it.
func (s *Scheduler) ensureJobRun(ctx context.Context, job string) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing, ok := ctx.Value(jobRunKey{}).(*jobRun); ok {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		startedAt: s.clock.Now(),
		periods:   map[period.ID]struct{}{},
		counts:    map[string]int{},
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	if actorType, _ := obscontext.ActorFromContext(ctx); actorType == "" {
		ctx = obscontext.WithActor(ctx, "scheduler", job)
	}
	ctx = obscontext.WithJob(ctx, job)
	ctx = obscontext.WithRunID(ctx, run.runID)
	return ctx, run, true
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	if run != nil {
		s.logger(ctx).Info("scheduler.job.start")
	}
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Strings("periods", run.periodList()),
		zap.Any("processed", run.counts),
		zap.Int("failures", run.failures),
	}
	if run.failures > 0 {
		s.logger(ctx).Warn("scheduler.job.finish", fields...)
		return
	}
	s.logger(ctx).Info("scheduler.job.finish", fields...)
}

// logJobError counts a failure against the run and logs it with its
// classification. p is empty when the failure is not tied to a period.
func (s *Scheduler) logJobError(ctx context.Context, run *jobRun, msg string, p period.ID, err error) {
	if err == nil {
		return
	}
	run.fail()
	fields := []zap.Field{
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	}
	if p != "" {
		run.touch(p)
		fields = append(fields, zap.String("period", p.String()))
	}
	s.logger(ctx).Error(msg, fields...)
}
