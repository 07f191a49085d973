package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	obsmetrics "github.com/smallbiznis/cascade/internal/observability/metrics"
	payoutdomain "github.com/smallbiznis/cascade/internal/payout/domain"
	"github.com/smallbiznis/cascade/internal/payout/gateway"
	"github.com/smallbiznis/cascade/internal/payout/gateway/sandbox"
	payoutrepo "github.com/smallbiznis/cascade/internal/payout/repository"
	payoutservice "github.com/smallbiznis/cascade/internal/payout/service"
	reconcilerepo "github.com/smallbiznis/cascade/internal/reconcile/repository"
	reconcileservice "github.com/smallbiznis/cascade/internal/reconcile/service"
	"github.com/smallbiznis/cascade/internal/testsupport"
	tierdomain "github.com/smallbiznis/cascade/internal/tier/domain"
	tierrepo "github.com/smallbiznis/cascade/internal/tier/repository"
	tierservice "github.com/smallbiznis/cascade/internal/tier/service"
	volumedomain "github.com/smallbiznis/cascade/internal/volume/domain"
	"github.com/smallbiznis/cascade/pkg/period"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engine struct {
	stack     *testsupport.Stack
	sched     *Scheduler
	tier      tierdomain.Service
	payout    payoutdomain.Service
	transfers *sandbox.Gateway
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	restore := swapPrometheusRegistry(prometheus.NewRegistry())
	t.Cleanup(restore)
	obsmetrics.ResetSchedulerMetricsForTest()

	stack := testsupport.NewStack(t)
	e := &engine{stack: stack, transfers: sandbox.New()}
	e.tier = tierservice.NewService(tierservice.Params{
		DB:           stack.DB,
		Log:          stack.Log,
		GenID:        stack.Node,
		Clock:        stack.Clock,
		Repo:         tierrepo.Provide(),
		Network:      stack.Network,
		Ledger:       stack.Ledger,
		Volume:       stack.Volume,
		Compensation: stack.Compensation,
		AuditSvc:     stack.Audit,
	})
	e.payout = payoutservice.NewService(payoutservice.Params{
		DB:           stack.DB,
		Log:          stack.Log,
		GenID:        stack.Node,
		Clock:        stack.Clock,
		Repo:         payoutrepo.Provide(),
		LedgerRepo:   stack.LedgerRepo,
		Registry:     gateway.NewRegistry(e.transfers),
		Compensation: stack.Compensation,
		AuditSvc:     stack.Audit,
	})
	reconciler := reconcileservice.NewService(reconcileservice.Params{
		DB:       stack.DB,
		Log:      stack.Log,
		GenID:    stack.Node,
		Clock:    stack.Clock,
		Repo:     reconcilerepo.Provide(),
		Network:  stack.Network,
		Ledger:   stack.Ledger,
		Volume:   stack.Volume,
		AuditSvc: stack.Audit,
	})

	sched, err := New(Params{
		Log:       stack.Log,
		GenID:     stack.Node,
		Clock:     stack.Clock,
		Volume:    stack.Volume,
		Tier:      e.tier,
		Payout:    e.payout,
		Reconcile: reconciler,
	})
	require.NoError(t, err)
	e.sched = sched
	return e
}

func TestNightlyRunClosesAggregatesAndEvaluates(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	root := e.stack.Member(t, nil, true)
	c1 := e.stack.Member(t, root, true)
	c2 := e.stack.Member(t, root, true)
	e.stack.Purchase(t, c1, "evt-1", "600")
	e.stack.Purchase(t, c2, "evt-2", "500")

	march := period.Of(testsupport.Epoch)
	require.NoError(t, e.sched.RunNightly(ctx))
	row, err := e.stack.Volume.GetPeriod(ctx, march)
	require.NoError(t, err)
	assert.Equal(t, volumedomain.PeriodStatusOpen, row.Status, "a running month is never closed")

	e.stack.Clock.Set(time.Date(2026, time.April, 1, 1, 0, 0, 0, time.UTC))
	require.NoError(t, e.sched.RunNightly(ctx))

	row, err = e.stack.Volume.GetPeriod(ctx, march)
	require.NoError(t, err)
	assert.Equal(t, volumedomain.PeriodStatusEvaluated, row.Status)

	q, err := e.tier.GetTierQualification(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, "bronze", q.Tier)
	assert.Equal(t, march, q.Period)

	before, err := e.tier.ListRecords(ctx, root.ID, 0)
	require.NoError(t, err)
	require.NoError(t, e.sched.RunNightly(ctx))
	after, err := e.tier.ListRecords(ctx, root.ID, 0)
	require.NoError(t, err)
	assert.Len(t, after, len(before), "a repeated run does not evaluate again")
}

func TestPayoutTickDisbursesAgedCommissions(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	root := e.stack.Member(t, nil, true)
	child := e.stack.Member(t, root, true)
	_, err := e.payout.UpsertProfile(ctx, payoutdomain.UpsertProfileRequest{
		MemberID:    root.ID,
		Provider:    sandbox.Provider,
		Destination: "acct_root",
	})
	require.NoError(t, err)

	e.stack.Purchase(t, child, "evt-1", "600")
	e.stack.Purchase(t, child, "evt-2", "500")

	require.NoError(t, e.sched.RunOnce(ctx))
	assert.Zero(t, e.transfers.Transfers())

	e.stack.Clock.Advance(25 * time.Hour)
	require.NoError(t, e.sched.RunOnce(ctx))
	assert.Equal(t, 1, e.transfers.Transfers())

	batches, err := e.payout.ListBatches(ctx, payoutdomain.BatchStatusSucceeded, 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.True(t, batches[0].Amount.Equal(decimal.NewFromInt(132)))

	require.NoError(t, e.sched.RunOnce(ctx))
	assert.Equal(t, 1, e.transfers.Transfers())

	require.NoError(t, e.sched.RunReconcile(ctx))
}

func TestEvaluateJobWaitsBehindAnInconsistentPeriod(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	root := e.stack.Member(t, nil, true)
	c1 := e.stack.Member(t, root, true)
	c2 := e.stack.Member(t, root, true)
	e.stack.Purchase(t, c1, "evt-1", "600")
	e.stack.Purchase(t, c2, "evt-2", "500")

	march := period.Of(testsupport.Epoch)
	april := march.Next()
	for _, p := range []period.ID{march, april} {
		e.stack.Clock.Set(p.End().Add(time.Hour))
		_, err := e.stack.Volume.ClosePeriod(ctx, p)
		require.NoError(t, err)
		_, err = e.stack.Volume.Aggregate(ctx, p)
		require.NoError(t, err)
	}
	require.NoError(t, e.stack.DB.Model(&volumedomain.VolumePeriod{}).
		Where("period = ?", march).
		Update("status", volumedomain.PeriodStatusInconsistent).Error)

	require.NoError(t, e.sched.EvaluateJob(ctx))
	row, err := e.stack.Volume.GetPeriod(ctx, april)
	require.NoError(t, err)
	assert.Equal(t, volumedomain.PeriodStatusAggregated, row.Status, "april waits for march")
	records, err := e.tier.ListRecords(ctx, root.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = e.stack.Volume.Aggregate(ctx, march)
	require.NoError(t, err)
	require.NoError(t, e.sched.EvaluateJob(ctx))

	for _, p := range []period.ID{march, april} {
		row, err := e.stack.Volume.GetPeriod(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, volumedomain.PeriodStatusEvaluated, row.Status, p.String())
	}
	q, err := e.tier.GetTierQualification(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, april, q.Period)
	assert.Equal(t, "member", q.Tier)
}
