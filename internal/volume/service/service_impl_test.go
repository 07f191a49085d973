package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	commissiondomain "github.com/smallbiznis/cascade/internal/commission/domain"
	networkdomain "github.com/smallbiznis/cascade/internal/network/domain"
	"github.com/smallbiznis/cascade/internal/testsupport"
	volumedomain "github.com/smallbiznis/cascade/internal/volume/domain"
	"github.com/smallbiznis/cascade/pkg/period"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var march = period.Of(testsupport.Epoch)

// tree builds
//
//	root
//	├── a ── a1 ── a11
//	│    └── a2 (not onboarded)
//	└── b ── b1
func tree(t *testing.T, stack *testsupport.Stack) map[string]*networkdomain.Member {
	t.Helper()
	m := map[string]*networkdomain.Member{}
	m["root"] = stack.Member(t, nil, true)
	m["a"] = stack.Member(t, m["root"], true)
	m["b"] = stack.Member(t, m["root"], true)
	m["a1"] = stack.Member(t, m["a"], true)
	m["a2"] = stack.Member(t, m["a"], false)
	m["a11"] = stack.Member(t, m["a1"], true)
	m["b1"] = stack.Member(t, m["b"], true)

	stack.Purchase(t, m["a11"], "p1", "300")
	stack.Purchase(t, m["a1"], "p2", "150.50")
	stack.Purchase(t, m["a"], "p3", "20")
	stack.Purchase(t, m["b1"], "p4", "1000")
	stack.Purchase(t, m["b1"], "p5", "0.25")
	stack.Purchase(t, m["a2"], "p6", "999")
	return m
}

func closeMarch(t *testing.T, stack *testsupport.Stack) {
	t.Helper()
	stack.Clock.Set(time.Date(2026, time.April, 1, 0, 5, 0, 0, time.UTC))
	row, err := stack.Volume.ClosePeriod(context.Background(), march)
	require.NoError(t, err)
	require.Equal(t, volumedomain.PeriodStatusClosed, row.Status)
}

// naiveTeam sums personal volume over the whole subtree by walking children.
func naiveTeam(t *testing.T, stack *testsupport.Stack, id snowflake.ID, personal map[snowflake.ID]decimal.Decimal) decimal.Decimal {
	t.Helper()
	children, err := stack.Network.ChildrenOf(context.Background(), id)
	require.NoError(t, err)
	total := personal[id]
	for _, child := range children {
		total = total.Add(naiveTeam(t, stack, child.ID, personal))
	}
	return total
}

func TestAggregateMatchesNaiveSubtreeSum(t *testing.T) {
	stack := testsupport.NewStack(t)
	ctx := context.Background()
	m := tree(t, stack)
	closeMarch(t, stack)

	report, err := stack.Volume.Aggregate(ctx, march)
	require.NoError(t, err)
	assert.Equal(t, volumedomain.PeriodStatusAggregated, report.Status)
	assert.Equal(t, 5, report.Transactions, "non-onboarded sources never reach the log")
	assert.True(t, report.TotalVolume.Equal(decimal.RequireFromString("1470.75")), "total %s", report.TotalVolume)

	personal := map[snowflake.ID]decimal.Decimal{
		m["a11"].ID: decimal.NewFromInt(300),
		m["a1"].ID:  decimal.RequireFromString("150.50"),
		m["a"].ID:   decimal.NewFromInt(20),
		m["b1"].ID:  decimal.RequireFromString("1000.25"),
	}
	for name, member := range m {
		snap, err := stack.Volume.GetSnapshot(ctx, member.ID, march)
		require.NoError(t, err)
		require.NotNil(t, snap, name)
		want := naiveTeam(t, stack, member.ID, personal)
		assert.True(t, snap.TeamVolume.Equal(want), "%s team %s want %s", name, snap.TeamVolume, want)
		assert.True(t, snap.PersonalVolume.Equal(personal[member.ID]), "%s personal %s", name, snap.PersonalVolume)
	}

	root, err := stack.Volume.GetSnapshot(ctx, m["root"].ID, march)
	require.NoError(t, err)
	assert.Equal(t, 1, root.ActiveReferrals, "b has no personal volume")
	assert.Equal(t, 4, root.ActiveDescendants)

	a, err := stack.Volume.GetSnapshot(ctx, m["a"].ID, march)
	require.NoError(t, err)
	assert.Equal(t, 1, a.ActiveReferrals, "a2 is not onboarded")
}

func TestAggregateRerunIsIdentical(t *testing.T) {
	stack := testsupport.NewStack(t)
	ctx := context.Background()
	tree(t, stack)
	closeMarch(t, stack)

	first, err := stack.Volume.Aggregate(ctx, march)
	require.NoError(t, err)
	before, err := stack.Volume.ListSnapshots(ctx, march, 0, 100)
	require.NoError(t, err)

	stack.Clock.Advance(36 * time.Hour)
	second, err := stack.Volume.Aggregate(ctx, march)
	require.NoError(t, err)
	after, err := stack.Volume.ListSnapshots(ctx, march, 0, 100)
	require.NoError(t, err)

	assert.True(t, first.ComputedAt.Equal(second.ComputedAt), "computed_at is pinned to the close time")
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].MemberID, after[i].MemberID)
		assert.Equal(t, before[i].TeamVolume.String(), after[i].TeamVolume.String())
		assert.Equal(t, before[i].PersonalVolume.String(), after[i].PersonalVolume.String())
		assert.Equal(t, before[i].ActiveReferrals, after[i].ActiveReferrals)
		assert.True(t, before[i].ComputedAt.Equal(after[i].ComputedAt))
	}
}

func TestVerifyFlagsTamperedSnapshots(t *testing.T) {
	stack := testsupport.NewStack(t)
	ctx := context.Background()
	m := tree(t, stack)
	closeMarch(t, stack)
	_, err := stack.Volume.Aggregate(ctx, march)
	require.NoError(t, err)
	require.NoError(t, stack.Volume.Verify(ctx, march))

	require.NoError(t, stack.DB.Model(&volumedomain.VolumeSnapshot{}).
		Where("member_id = ? AND period = ?", m["a1"].ID, march).
		Update("team_volume", decimal.NewFromInt(100)).Error)

	err = stack.Volume.Verify(ctx, march)
	var inconsistency *volumedomain.InconsistencyError
	require.True(t, errors.As(err, &inconsistency), "expected InconsistencyError, got %v", err)
	assert.ErrorIs(t, err, volumedomain.ErrAggregationInconsistent)

	kinds := map[string]bool{}
	for _, issue := range inconsistency.Issues {
		kinds[issue.Kind] = true
	}
	assert.True(t, kinds[volumedomain.IssueTeamBelowPersonal], "a1 team below personal")
	assert.True(t, kinds[volumedomain.IssueChildExceedsTeam], "a11 exceeds a1")
	assert.True(t, kinds[volumedomain.IssueSumMismatch])
	assert.Contains(t, inconsistency.AffectedMembers(), m["a1"].ID)
}

func TestEventsForClosedPeriodRollForward(t *testing.T) {
	stack := testsupport.NewStack(t)
	ctx := context.Background()
	chain := stack.Chain(t, 2, true)
	closeMarch(t, stack)

	result, err := stack.Commission.RecordEvent(ctx, commissiondomain.Event{
		SourceMemberID: chain[1].ID,
		EventID:        "late",
		Amount:         decimal.NewFromInt(80),
		EventType:      "purchase",
		OccurredAt:     testsupport.Epoch,
	})
	require.NoError(t, err)
	assert.Equal(t, march.Next(), result.Period)

	counter, err := stack.Volume.GetCounter(ctx, chain[0].ID, march.Next())
	require.NoError(t, err)
	require.NotNil(t, counter)
	assert.True(t, counter.TeamVolume.Equal(decimal.NewFromInt(80)))

	frozen, err := stack.Volume.GetCounter(ctx, chain[0].ID, march)
	require.NoError(t, err)
	assert.Nil(t, frozen)
}

func TestPeriodLifecycleGuards(t *testing.T) {
	stack := testsupport.NewStack(t)
	ctx := context.Background()

	_, err := stack.Volume.ClosePeriod(ctx, march)
	assert.ErrorIs(t, err, volumedomain.ErrPeriodNotEnded)

	_, err = stack.Volume.ClosePeriod(ctx, period.ID("2026-13"))
	assert.ErrorIs(t, err, volumedomain.ErrInvalidPeriod)

	stack.Purchase(t, stack.Member(t, nil, true), "p", "10")
	_, err = stack.Volume.Aggregate(ctx, march)
	assert.ErrorIs(t, err, volumedomain.ErrPeriodNotClosed)

	_, err = stack.Volume.GetPeriod(ctx, march.Prev())
	assert.ErrorIs(t, err, volumedomain.ErrPeriodNotFound)

	stack.Clock.Set(time.Date(2026, time.May, 2, 0, 0, 0, 0, time.UTC))
	closed, err := stack.Volume.CloseDuePeriods(ctx)
	require.NoError(t, err)
	assert.Contains(t, closed, march)
	assert.Contains(t, closed, period.ID("2026-04"))

	again, err := stack.Volume.ClosePeriod(ctx, march)
	require.NoError(t, err)
	assert.Equal(t, volumedomain.PeriodStatusClosed, again.Status)
}

func TestRefreshRunningCountersCorrectsDrift(t *testing.T) {
	stack := testsupport.NewStack(t)
	ctx := context.Background()
	chain := stack.Chain(t, 3, true)
	stack.Purchase(t, chain[2], "p1", "250")

	require.NoError(t, stack.DB.Model(&volumedomain.MemberVolumeCounter{}).
		Where("member_id = ? AND period = ?", chain[0].ID, march).
		Update("team_volume", decimal.NewFromInt(1)).Error)
	require.NoError(t, stack.DB.Where("member_id = ? AND period = ?", chain[1].ID, march).
		Delete(&volumedomain.MemberVolumeCounter{}).Error)

	report, err := stack.Volume.RefreshRunningCounters(ctx, march)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Drift)

	for _, member := range chain {
		counter, err := stack.Volume.GetCounter(ctx, member.ID, march)
		require.NoError(t, err)
		require.NotNil(t, counter)
		assert.True(t, counter.TeamVolume.Equal(decimal.NewFromInt(250)), "team %s", counter.TeamVolume)
	}

	report, err = stack.Volume.RefreshRunningCounters(ctx, march)
	require.NoError(t, err)
	assert.Zero(t, report.Drift)
}
