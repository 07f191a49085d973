package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cascade/internal/network/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, member *domain.Member) error {
	return db.WithContext(ctx).Create(member).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Member, error) {
	var member domain.Member
	err := db.WithContext(ctx).Where("id = ?", id).Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &member, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Member, error) {
	var member domain.Member
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &member, nil
}

func (r *repo) FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]domain.Member, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var members []domain.Member
	if err := db.WithContext(ctx).Where("id IN ?", ids).Find(&members).Error; err != nil {
		return nil, err
	}
	return members, nil
}

// ListByPathPrefix pages through a subtree using keyset pagination on id.
func (r *repo) ListByPathPrefix(ctx context.Context, db *gorm.DB, prefix string, afterID snowflake.ID, limit int) ([]domain.Member, error) {
	var members []domain.Member
	err := db.WithContext(ctx).
		Where("path LIKE ? AND id > ?", prefix+"%", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (r *repo) ListChildren(ctx context.Context, db *gorm.DB, sponsorID snowflake.ID) ([]domain.Member, error) {
	var members []domain.Member
	err := db.WithContext(ctx).
		Where("sponsor_id = ?", sponsorID).
		Order("id ASC").
		Find(&members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (r *repo) ListAll(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]domain.Member, error) {
	var members []domain.Member
	err := db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (r *repo) UpdatePlacement(ctx context.Context, db *gorm.DB, id snowflake.ID, sponsorID *snowflake.ID, path string, depth int, now time.Time) error {
	return db.WithContext(ctx).Model(&domain.Member{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"sponsor_id": sponsorID,
			"path":       path,
			"depth":      depth,
			"updated_at": now,
		}).Error
}

// MarkOnboarded flips the onboarding flag once; it reports whether this call changed it.
func (r *repo) MarkOnboarded(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Model(&domain.Member{}).
		Where("id = ? AND onboarded = ?", id, false).
		Updates(map[string]any{
			"onboarded":    true,
			"onboarded_at": at,
			"updated_at":   at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) UpdateTierState(ctx context.Context, db *gorm.DB, id snowflake.ID, state domain.TierState, now time.Time) error {
	return db.WithContext(ctx).Model(&domain.Member{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"tier_code":           state.TierCode,
			"tier_entered_at":     state.TierEnteredAt,
			"permanent_tier_code": state.PermanentTierCode,
			"updated_at":          now,
		}).Error
}
