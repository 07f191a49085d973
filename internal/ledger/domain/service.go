package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/cascade/internal/errs"
	"github.com/smallbiznis/cascade/pkg/db/pagination"
	"gorm.io/gorm"
)

type AppendInput struct {
	RecipientID    snowflake.ID
	SourceMemberID snowflake.ID
	SourceEventID  string
	Level          int
	EntryType      EntryType
	Amount         decimal.Decimal
	IdempotencyKey string
}

// AppendResult reports the stored entry. Created is false when the key already existed.
type AppendResult struct {
	Entry   *CommissionEntry
	Created bool
}

type ListEntriesRequest struct {
	pagination.Pagination

	RecipientID    snowflake.ID
	SourceMemberID snowflake.ID
	Status         EntryStatus
}

type ListEntriesResponse struct {
	pagination.PageInfo

	Entries []CommissionEntry `json:"entries"`
}

type Service interface {
	Append(ctx context.Context, input AppendInput) (*AppendResult, error)
	AppendTx(ctx context.Context, tx *gorm.DB, input AppendInput) (*AppendResult, error)
	ListEntries(ctx context.Context, req ListEntriesRequest) (ListEntriesResponse, error)
	LifetimeEarnings(ctx context.Context, memberID snowflake.ID) (decimal.Decimal, error)
	CachedEarnings(ctx context.Context, memberID snowflake.ID) (decimal.Decimal, bool, error)
	RecomputeEarnings(ctx context.Context, memberID snowflake.ID) (decimal.Decimal, error)
	InvalidateEarnings(ctx context.Context, memberIDs ...snowflake.ID)
	VoidEntry(ctx context.Context, entryID snowflake.ID, reason string) (*CommissionEntry, error)
	CountForMember(ctx context.Context, memberID snowflake.ID) (int64, error)
}

type Repository interface {
	InsertIgnoreDuplicate(ctx context.Context, db *gorm.DB, entry *CommissionEntry) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*CommissionEntry, error)
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*CommissionEntry, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*CommissionEntry, error)
	SumByRecipient(ctx context.Context, db *gorm.DB, recipientID snowflake.ID) (decimal.Decimal, error)
	CountInvolving(ctx context.Context, db *gorm.DB, memberID snowflake.ID) (int64, error)
	PendingTotals(ctx context.Context, db *gorm.DB, createdBefore time.Time, afterRecipient snowflake.ID, limit int) ([]RecipientTotal, error)
	PendingTotal(ctx context.Context, db *gorm.DB, recipientID snowflake.ID, createdBefore time.Time) (RecipientTotal, error)
	ClaimPending(ctx context.Context, db *gorm.DB, recipientID snowflake.ID, createdBefore time.Time, batchID snowflake.ID) ([]CommissionEntry, error)
	ListByBatch(ctx context.Context, db *gorm.DB, batchID snowflake.ID) ([]CommissionEntry, error)
	MarkBatchPaid(ctx context.Context, db *gorm.DB, batchID snowflake.ID, providerTxnID string, paidAt time.Time) (int64, error)
	ReleaseBatch(ctx context.Context, db *gorm.DB, batchID snowflake.ID) (int64, error)
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string) (bool, error)
}

type ListFilter struct {
	RecipientID    snowflake.ID
	SourceMemberID snowflake.ID
	Status         EntryStatus
	AfterID        snowflake.ID
	Limit          int
}

var (
	ErrInvalidEntry     = errs.Validation("invalid_entry")
	ErrInvalidPageToken = errs.Validation("invalid_page_token")
	ErrEntryNotFound    = errs.Validation("entry_not_found")
	ErrEntryNotPending  = errors.New("entry_not_pending")
)
