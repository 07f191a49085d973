package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/cascade/internal/ledger/domain"
	"github.com/smallbiznis/cascade/internal/reconcile/domain"
	reconcilerepo "github.com/smallbiznis/cascade/internal/reconcile/repository"
	reconcileservice "github.com/smallbiznis/cascade/internal/reconcile/service"
	"github.com/smallbiznis/cascade/internal/testsupport"
	volumedomain "github.com/smallbiznis/cascade/internal/volume/domain"
	"github.com/smallbiznis/cascade/pkg/period"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReconciler(stack *testsupport.Stack) domain.Service {
	return reconcileservice.NewService(reconcileservice.Params{
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
}

func TestReconcileDropsStaleEarningsCache(t *testing.T) {
	stack := testsupport.NewStack(t, testsupport.WithRedis())
	reconciler := newReconciler(stack)
	ctx := context.Background()
	root := stack.Member(t, nil, true)
	child := stack.Member(t, root, true)
	stack.Purchase(t, child, "evt-1", "500")

	seedCache(t, stack, root.ID, decimal.NewFromInt(999))

	report, err := reconciler.Reconcile(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, "60", report.LedgerTotal)
	assert.True(t, report.CacheChecked)
	assert.True(t, report.CacheRepaired)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, domain.KindEarningsCache, report.Discrepancies[0].Kind)
	assert.Equal(t, "60", report.Discrepancies[0].Expected)
	assert.Equal(t, "999", report.Discrepancies[0].Actual)

	_, cached, err := stack.Ledger.CachedEarnings(ctx, root.ID)
	require.NoError(t, err)
	assert.False(t, cached, "stale value is dropped, not rewritten")

	total, err := stack.Ledger.LifetimeEarnings(ctx, root.ID)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(60)))

	report, err = reconciler.Reconcile(ctx, root.ID)
	require.NoError(t, err)
	assert.Empty(t, report.Discrepancies)

	var before int64
	require.NoError(t, stack.DB.Model(&ledgerdomain.CommissionEntry{}).Count(&before).Error)

	stack.Clock.Advance(time.Hour)
	seedCache(t, stack, root.ID, decimal.NewFromInt(1))
	report, err = reconciler.Reconcile(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)

	open, err := reconciler.ListOpen(ctx, root.ID, 10)
	require.NoError(t, err)
	require.Len(t, open, 1, "a repeated mismatch refreshes the open discrepancy")
	assert.Equal(t, "1", open[0].Actual)
	assert.True(t, open[0].LastSeenAt.After(open[0].DetectedAt))

	var after int64
	require.NoError(t, stack.DB.Model(&ledgerdomain.CommissionEntry{}).Count(&after).Error)
	assert.Equal(t, before, after)
}

func TestReconcileFlagsNonOnboardedActivity(t *testing.T) {
	stack := testsupport.NewStack(t)
	reconciler := newReconciler(stack)
	ctx := context.Background()
	root := stack.Member(t, nil, true)
	dormant := stack.Member(t, root, false)

	_, err := stack.Ledger.Append(ctx, ledgerdomain.AppendInput{
		RecipientID:    root.ID,
		SourceMemberID: dormant.ID,
		SourceEventID:  "imported-1",
		Level:          1,
		EntryType:      ledgerdomain.EntryTypeReferral,
		Amount:         decimal.NewFromInt(5),
		IdempotencyKey: ledgerdomain.LevelKey("imported-1", root.ID, 1),
	})
	require.NoError(t, err)

	report, err := reconciler.Reconcile(ctx, dormant.ID)
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, domain.KindNonOnboardedActivity, report.Discrepancies[0].Kind)
	assert.Equal(t, "1", report.Discrepancies[0].Actual)

	report, err = reconciler.Reconcile(ctx, root.ID)
	require.NoError(t, err)
	assert.Empty(t, report.Discrepancies)
}

func TestReconcileComparesCountersWithSnapshots(t *testing.T) {
	stack := testsupport.NewStack(t)
	reconciler := newReconciler(stack)
	ctx := context.Background()
	root := stack.Member(t, nil, true)
	child := stack.Member(t, root, true)
	stack.Purchase(t, child, "evt-1", "500")

	march := period.Of(testsupport.Epoch)
	report, err := reconciler.Reconcile(ctx, root.ID)
	require.NoError(t, err)
	assert.False(t, report.CounterChecked, "an open period has no snapshot yet")

	stack.Clock.Set(march.End().Add(time.Minute))
	_, err = stack.Volume.ClosePeriod(ctx, march)
	require.NoError(t, err)
	_, err = stack.Volume.Aggregate(ctx, march)
	require.NoError(t, err)

	report, err = reconciler.Reconcile(ctx, root.ID)
	require.NoError(t, err)
	assert.True(t, report.CounterChecked)
	assert.Empty(t, report.Discrepancies)

	require.NoError(t, stack.DB.Model(&volumedomain.MemberVolumeCounter{}).
		Where("member_id = ? AND period = ?", root.ID, march).
		Update("team_volume", decimal.NewFromInt(1)).Error)

	report, err = reconciler.Reconcile(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	d := report.Discrepancies[0]
	assert.Equal(t, domain.KindCounterSnapshot, d.Kind)
	assert.Equal(t, "500", d.Expected)
	assert.Equal(t, "1", d.Actual)
	assert.Equal(t, march.String(), d.Detail["period"])
}

func TestReconcileAllSweepsEveryMember(t *testing.T) {
	stack := testsupport.NewStack(t, testsupport.WithRedis())
	reconciler := newReconciler(stack)
	ctx := context.Background()
	chain := stack.Chain(t, 4, true)
	stack.Purchase(t, chain[3], "evt-1", "1000")
	seedCache(t, stack, chain[0].ID, decimal.NewFromInt(3))
	seedCache(t, stack, chain[1].ID, decimal.NewFromInt(3))

	report, err := reconciler.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Members)
	assert.Equal(t, 2, report.Discrepancies)
	assert.Zero(t, report.Failed)

	open, err := reconciler.ListOpen(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	_, err = reconciler.Reconcile(ctx, 12345)
	assert.Error(t, err)
}

// seedCache plants a cached total as if an earlier read had stored it.
func seedCache(t *testing.T, stack *testsupport.Stack, memberID snowflake.ID, amount decimal.Decimal) {
	t.Helper()
	ctx := context.Background()
	gen, err := stack.Cache.Generation(ctx, memberID)
	require.NoError(t, err)
	stored, err := stack.Cache.Set(ctx, memberID, amount, gen)
	require.NoError(t, err)
	require.True(t, stored)
}
