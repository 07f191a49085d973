package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cascade/internal/payout/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) UpsertProfile(ctx context.Context, db *gorm.DB, profile *domain.PayoutProfile) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "member_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"provider", "destination", "currency", "updated_at"}),
		}).
		Create(profile).Error
}

func (r *repo) FindProfile(ctx context.Context, db *gorm.DB, memberID snowflake.ID) (*domain.PayoutProfile, error) {
	var profile domain.PayoutProfile
	err := db.WithContext(ctx).Where("member_id = ?", memberID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (r *repo) InsertBatch(ctx context.Context, db *gorm.DB, batch *domain.PayoutBatch) error {
	return db.WithContext(ctx).Create(batch).Error
}

func (r *repo) FindBatch(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.PayoutBatch, error) {
	var batch domain.PayoutBatch
	err := db.WithContext(ctx).Where("id = ?", id).Take(&batch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// UpdateBatch applies updates only while the batch is in one of the from statuses.
func (r *repo) UpdateBatch(ctx context.Context, db *gorm.DB, id snowflake.ID, from []domain.BatchStatus, updates map[string]any) (bool, error) {
	stmt := db.WithContext(ctx).Model(&domain.PayoutBatch{}).Where("id = ?", id)
	if len(from) > 0 {
		stmt = stmt.Where("status IN ?", from)
	}
	result := stmt.Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ListByStatus(ctx context.Context, db *gorm.DB, status domain.BatchStatus, limit int) ([]domain.PayoutBatch, error) {
	var batches []domain.PayoutBatch
	stmt := db.WithContext(ctx).Order("id asc")
	if status != "" {
		stmt = stmt.Where("status = ?", status)
	}
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Find(&batches).Error; err != nil {
		return nil, err
	}
	return batches, nil
}

func (r *repo) ListDueRetries(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.PayoutBatch, error) {
	var batches []domain.PayoutBatch
	err := db.WithContext(ctx).
		Where("status = ? AND next_retry_at <= ?", domain.BatchStatusRetryScheduled, now).
		Order("next_retry_at asc").
		Limit(limit).
		Find(&batches).Error
	if err != nil {
		return nil, err
	}
	return batches, nil
}

func (r *repo) ListStuck(ctx context.Context, db *gorm.DB, attemptedBefore time.Time, limit int) ([]domain.PayoutBatch, error) {
	var batches []domain.PayoutBatch
	err := db.WithContext(ctx).
		Where("status = ? AND (last_attempt_at IS NULL OR last_attempt_at < ?)", domain.BatchStatusProcessing, attemptedBefore).
		Order("id asc").
		Limit(limit).
		Find(&batches).Error
	if err != nil {
		return nil, err
	}
	return batches, nil
}
