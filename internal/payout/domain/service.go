package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cascade/internal/errs"
	"gorm.io/gorm"
)

type UpsertProfileRequest struct {
	MemberID    snowflake.ID
	Provider    string
	Destination string
	Currency    string
}

type Service interface {
	UpsertProfile(ctx context.Context, req UpsertProfileRequest) (*PayoutProfile, error)
	SelectEligible(ctx context.Context, now time.Time) ([]Eligible, error)
	RunCycle(ctx context.Context) (*CycleReport, error)
	RecoverStuck(ctx context.Context) (int, error)
	RequeueBatch(ctx context.Context, batchID snowflake.ID) (*PayoutBatch, error)
	GetBatch(ctx context.Context, batchID snowflake.ID) (*PayoutBatch, error)
	ListBatches(ctx context.Context, status BatchStatus, limit int) ([]PayoutBatch, error)
}

type Repository interface {
	UpsertProfile(ctx context.Context, db *gorm.DB, profile *PayoutProfile) error
	FindProfile(ctx context.Context, db *gorm.DB, memberID snowflake.ID) (*PayoutProfile, error)

	InsertBatch(ctx context.Context, db *gorm.DB, batch *PayoutBatch) error
	FindBatch(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PayoutBatch, error)
	UpdateBatch(ctx context.Context, db *gorm.DB, id snowflake.ID, from []BatchStatus, updates map[string]any) (bool, error)
	ListByStatus(ctx context.Context, db *gorm.DB, status BatchStatus, limit int) ([]PayoutBatch, error)
	ListDueRetries(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]PayoutBatch, error)
	ListStuck(ctx context.Context, db *gorm.DB, attemptedBefore time.Time, limit int) ([]PayoutBatch, error)
}

var (
	ErrInvalidProfile  = errs.Validation("invalid_payout_profile")
	ErrBatchNotFound   = errs.Validation("payout_batch_not_found")
	ErrBatchNotFailed  = errors.New("payout_batch_not_failed")
	ErrProviderMissing = errs.Validation("payout_provider_not_configured")
)
