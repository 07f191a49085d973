package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/cascade/internal/errs"
	"github.com/smallbiznis/cascade/pkg/period"
	"gorm.io/gorm"
)

// TransactionInput is a qualifying event entering the volume log.
type TransactionInput struct {
	EventID    string
	MemberID   snowflake.ID
	EventType  string
	Amount     decimal.Decimal
	OccurredAt time.Time
	// Upline is the member's full ancestry, nearest first; every entry gets the team counter bump.
	Upline []snowflake.ID
}

// TransactionResult reports where an event landed. Recorded is false for an event id seen before.
type TransactionResult struct {
	Period   period.ID
	Recorded bool
}

type AggregationReport struct {
	Period        period.ID
	Members       int
	Transactions  int
	TotalVolume   decimal.Decimal
	CounterDrift  int
	Status        PeriodStatus
	ComputedAt    time.Time
	Inconsistency *InconsistencyError
}

type CounterRefreshReport struct {
	Period  period.ID
	Members int
	Drift   int
}

type Service interface {
	RecordTransactionTx(ctx context.Context, tx *gorm.DB, input TransactionInput) (*TransactionResult, error)
	GetPeriod(ctx context.Context, p period.ID) (*VolumePeriod, error)
	ClosePeriod(ctx context.Context, p period.ID) (*VolumePeriod, error)
	CloseDuePeriods(ctx context.Context) ([]period.ID, error)
	Aggregate(ctx context.Context, p period.ID) (*AggregationReport, error)
	Verify(ctx context.Context, p period.ID) error
	RefreshRunningCounters(ctx context.Context, p period.ID) (*CounterRefreshReport, error)
	MarkEvaluatedTx(ctx context.Context, tx *gorm.DB, p period.ID) error
	GetSnapshot(ctx context.Context, memberID snowflake.ID, p period.ID) (*VolumeSnapshot, error)
	ListSnapshots(ctx context.Context, p period.ID, afterMember snowflake.ID, limit int) ([]VolumeSnapshot, error)
	LatestSnapshot(ctx context.Context, memberID snowflake.ID) (*VolumeSnapshot, error)
	GetCounter(ctx context.Context, memberID snowflake.ID, p period.ID) (*MemberVolumeCounter, error)
	PeriodsWithStatus(ctx context.Context, status PeriodStatus) ([]VolumePeriod, error)
	// UnevaluatedPeriods lists periods not yet evaluated, oldest first. A
	// non-empty before keeps only periods earlier than it.
	UnevaluatedPeriods(ctx context.Context, before period.ID) ([]VolumePeriod, error)
}

type Repository interface {
	FindPeriod(ctx context.Context, db *gorm.DB, p period.ID) (*VolumePeriod, error)
	FindPeriodForShare(ctx context.Context, db *gorm.DB, p period.ID) (*VolumePeriod, error)
	EnsurePeriod(ctx context.Context, db *gorm.DB, row *VolumePeriod) error
	UpdatePeriod(ctx context.Context, db *gorm.DB, p period.ID, fromStatuses []PeriodStatus, updates map[string]any) (bool, error)
	ListPeriodsByStatus(ctx context.Context, db *gorm.DB, status PeriodStatus) ([]VolumePeriod, error)
	ListUnevaluatedPeriods(ctx context.Context, db *gorm.DB, before period.ID) ([]VolumePeriod, error)

	InsertTransaction(ctx context.Context, db *gorm.DB, txn *VolumeTransaction) (bool, error)
	PersonalVolumes(ctx context.Context, db *gorm.DB, p period.ID) (map[snowflake.ID]decimal.Decimal, int, error)

	IncrementCounter(ctx context.Context, db *gorm.DB, memberID snowflake.ID, p period.ID, personal, team decimal.Decimal, now time.Time) error
	InsertCounterIfAbsent(ctx context.Context, db *gorm.DB, counter *MemberVolumeCounter) (bool, error)
	CorrectCounter(ctx context.Context, db *gorm.DB, counter MemberVolumeCounter, expectedVersion int64) (bool, error)
	ListCounters(ctx context.Context, db *gorm.DB, p period.ID) (map[snowflake.ID]MemberVolumeCounter, error)
	FindCounter(ctx context.Context, db *gorm.DB, memberID snowflake.ID, p period.ID) (*MemberVolumeCounter, error)

	UpsertSnapshots(ctx context.Context, db *gorm.DB, snapshots []VolumeSnapshot) error
	FindSnapshot(ctx context.Context, db *gorm.DB, memberID snowflake.ID, p period.ID) (*VolumeSnapshot, error)
	ListSnapshots(ctx context.Context, db *gorm.DB, p period.ID, afterMember snowflake.ID, limit int) ([]VolumeSnapshot, error)
	LatestSnapshot(ctx context.Context, db *gorm.DB, memberID snowflake.ID) (*VolumeSnapshot, error)
}

// Issue is one verification failure for a member in a period.
type Issue struct {
	MemberID snowflake.ID
	Kind     string
	Detail   string
}

const (
	IssueTeamBelowPersonal = "team_below_personal"
	IssueChildExceedsTeam  = "child_exceeds_parent"
	IssueSumMismatch       = "sum_mismatch"
	IssueMissingSnapshot   = "missing_snapshot"
)

// InconsistencyError lists every member whose snapshot broke an aggregation invariant.
type InconsistencyError struct {
	Period period.ID
	Issues []Issue
}

func (e *InconsistencyError) Error() string {
	kinds := map[string]int{}
	for _, issue := range e.Issues {
		kinds[issue.Kind]++
	}
	parts := make([]string, 0, len(kinds))
	for _, kind := range []string{IssueTeamBelowPersonal, IssueChildExceedsTeam, IssueSumMismatch, IssueMissingSnapshot} {
		if n := kinds[kind]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", kind, n))
		}
	}
	return fmt.Sprintf("aggregation inconsistent for %s: %s", e.Period, strings.Join(parts, ","))
}

func (e *InconsistencyError) Unwrap() error { return ErrAggregationInconsistent }

// AffectedMembers returns the distinct member ids named by the issues.
func (e *InconsistencyError) AffectedMembers() []snowflake.ID {
	seen := make(map[snowflake.ID]struct{}, len(e.Issues))
	out := make([]snowflake.ID, 0, len(e.Issues))
	for _, issue := range e.Issues {
		if _, ok := seen[issue.MemberID]; ok {
			continue
		}
		seen[issue.MemberID] = struct{}{}
		out = append(out, issue.MemberID)
	}
	return out
}

var (
	ErrInvalidPeriod           = errs.Validation("invalid_period")
	ErrInvalidTransaction      = errs.Validation("invalid_transaction")
	ErrPeriodNotEnded          = errs.Validation("period_not_ended")
	ErrPeriodNotFound          = errs.Validation("period_not_found")
	ErrPeriodNotClosed         = errors.New("period_not_closed")
	ErrAggregationInconsistent = errors.New("aggregation_inconsistent")
)
