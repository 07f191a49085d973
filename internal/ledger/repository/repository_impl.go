package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/cascade/internal/ledger/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// InsertIgnoreDuplicate relies on the unique idempotency key; a conflicting row is left untouched.
func (r *repo) InsertIgnoreDuplicate(ctx context.Context, db *gorm.DB, entry *domain.CommissionEntry) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(entry)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.CommissionEntry, error) {
	var entry domain.CommissionEntry
	err := db.WithContext(ctx).Where("id = ?", id).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*domain.CommissionEntry, error) {
	var entry domain.CommissionEntry
	err := db.WithContext(ctx).Where("idempotency_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.CommissionEntry, error) {
	var entries []*domain.CommissionEntry
	stmt := db.WithContext(ctx).Model(&domain.CommissionEntry{})

	if filter.RecipientID != 0 {
		stmt = stmt.Where("recipient_id = ?", filter.RecipientID)
	}
	if filter.SourceMemberID != 0 {
		stmt = stmt.Where("source_member_id = ?", filter.SourceMemberID)
	}
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.AfterID != 0 {
		stmt = stmt.Where("id > ?", filter.AfterID)
	}

	stmt = stmt.Order("id asc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}
	if err := stmt.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// SumByRecipient adds up every non-voided entry of a recipient, paid or not.
func (r *repo) SumByRecipient(ctx context.Context, db *gorm.DB, recipientID snowflake.ID) (decimal.Decimal, error) {
	var row totalRow
	err := db.WithContext(ctx).Model(&domain.CommissionEntry{}).
		Select("SUM(amount) AS total").
		Where("recipient_id = ? AND status <> ?", recipientID, domain.EntryStatusFailed).
		Scan(&row).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !row.Total.Valid {
		return decimal.Zero, nil
	}
	return row.Total.Decimal, nil
}

func (r *repo) CountInvolving(ctx context.Context, db *gorm.DB, memberID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&domain.CommissionEntry{}).
		Where("(recipient_id = ? OR source_member_id = ?) AND status <> ?", memberID, memberID, domain.EntryStatusFailed).
		Count(&count).Error
	return count, err
}

type totalRow struct {
	RecipientID snowflake.ID
	Total       decimal.NullDecimal
	Entries     int
}

// PendingTotals groups unclaimed pending entries per recipient, keyset-paged by recipient id.
func (r *repo) PendingTotals(ctx context.Context, db *gorm.DB, createdBefore time.Time, afterRecipient snowflake.ID, limit int) ([]domain.RecipientTotal, error) {
	var rows []totalRow
	err := db.WithContext(ctx).Model(&domain.CommissionEntry{}).
		Select("recipient_id, SUM(amount) AS total, COUNT(*) AS entries").
		Where("status = ? AND payout_batch_id IS NULL AND created_at <= ? AND recipient_id > ?",
			domain.EntryStatusPending, createdBefore, afterRecipient).
		Group("recipient_id").
		Order("recipient_id asc").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.RecipientTotal, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.RecipientTotal{
			RecipientID: row.RecipientID,
			Total:       row.Total.Decimal,
			Entries:     row.Entries,
		})
	}
	return out, nil
}

func (r *repo) PendingTotal(ctx context.Context, db *gorm.DB, recipientID snowflake.ID, createdBefore time.Time) (domain.RecipientTotal, error) {
	var row totalRow
	err := db.WithContext(ctx).Model(&domain.CommissionEntry{}).
		Select("recipient_id, SUM(amount) AS total, COUNT(*) AS entries").
		Where("recipient_id = ? AND status = ? AND payout_batch_id IS NULL AND created_at <= ?",
			recipientID, domain.EntryStatusPending, createdBefore).
		Group("recipient_id").
		Scan(&row).Error
	if err != nil {
		return domain.RecipientTotal{}, err
	}
	return domain.RecipientTotal{RecipientID: recipientID, Total: row.Total.Decimal, Entries: row.Entries}, nil
}

// ClaimPending attaches eligible unclaimed entries to batchID and returns them.
func (r *repo) ClaimPending(ctx context.Context, db *gorm.DB, recipientID snowflake.ID, createdBefore time.Time, batchID snowflake.ID) ([]domain.CommissionEntry, error) {
	err := db.WithContext(ctx).Model(&domain.CommissionEntry{}).
		Where("recipient_id = ? AND status = ? AND payout_batch_id IS NULL AND created_at <= ?",
			recipientID, domain.EntryStatusPending, createdBefore).
		Update("payout_batch_id", batchID).Error
	if err != nil {
		return nil, err
	}
	return r.ListByBatch(ctx, db, batchID)
}

func (r *repo) ListByBatch(ctx context.Context, db *gorm.DB, batchID snowflake.ID) ([]domain.CommissionEntry, error) {
	var entries []domain.CommissionEntry
	err := db.WithContext(ctx).
		Where("payout_batch_id = ?", batchID).
		Order("id asc").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) MarkBatchPaid(ctx context.Context, db *gorm.DB, batchID snowflake.ID, providerTxnID string, paidAt time.Time) (int64, error) {
	result := db.WithContext(ctx).Model(&domain.CommissionEntry{}).
		Where("payout_batch_id = ? AND status = ?", batchID, domain.EntryStatusPending).
		Updates(map[string]any{
			"status":                  domain.EntryStatusPaid,
			"paid_at":                 paidAt,
			"provider_transaction_id": providerTxnID,
		})
	return result.RowsAffected, result.Error
}

// ReleaseBatch returns still-pending entries of a batch to the unclaimed pool.
func (r *repo) ReleaseBatch(ctx context.Context, db *gorm.DB, batchID snowflake.ID) (int64, error) {
	result := db.WithContext(ctx).Model(&domain.CommissionEntry{}).
		Where("payout_batch_id = ? AND status = ?", batchID, domain.EntryStatusPending).
		Update("payout_batch_id", nil)
	return result.RowsAffected, result.Error
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string) (bool, error) {
	result := db.WithContext(ctx).Model(&domain.CommissionEntry{}).
		Where("id = ? AND status = ? AND payout_batch_id IS NULL", id, domain.EntryStatusPending).
		Updates(map[string]any{
			"status":         domain.EntryStatusFailed,
			"failure_reason": reason,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
