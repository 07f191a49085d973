package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cascade/internal/errs"
	"github.com/smallbiznis/cascade/pkg/period"
	"gorm.io/gorm"
)

type Service interface {
	Evaluate(ctx context.Context, p period.ID) (*EvaluationReport, error)
	GetTierQualification(ctx context.Context, memberID snowflake.ID) (*TierQualification, error)
	ListRecords(ctx context.Context, memberID snowflake.ID, limit int) ([]TierQualificationRecord, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *TierQualificationRecord) (bool, error)
	FindByMemberAndPeriod(ctx context.Context, db *gorm.DB, memberID snowflake.ID, p period.ID) (*TierQualificationRecord, error)
	FindLatest(ctx context.Context, db *gorm.DB, memberID snowflake.ID) (*TierQualificationRecord, error)
	ListByMember(ctx context.Context, db *gorm.DB, memberID snowflake.ID, limit int) ([]TierQualificationRecord, error)
	ListByMembersAndPeriod(ctx context.Context, db *gorm.DB, memberIDs []snowflake.ID, p period.ID) (map[snowflake.ID]TierQualificationRecord, error)
}

var (
	ErrInvalidMember       = errs.Validation("invalid_member")
	ErrPeriodNotAggregated = errors.New("period_not_aggregated")
	// ErrEarlierPeriodPending refuses a period while an earlier one is not
	// evaluated. Member tier state always reflects the latest evaluated period.
	ErrEarlierPeriodPending = errors.New("earlier_period_not_evaluated")
)
