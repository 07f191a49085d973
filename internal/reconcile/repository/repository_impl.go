package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cascade/internal/reconcile/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindOpen(ctx context.Context, db *gorm.DB, memberID snowflake.ID, kind string) (*domain.Discrepancy, error) {
	var d domain.Discrepancy
	err := db.WithContext(ctx).
		Where("member_id = ? AND kind = ? AND resolved = ?", memberID, kind, false).
		Order("id desc").
		Take(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, d *domain.Discrepancy) error {
	return db.WithContext(ctx).Create(d).Error
}

func (r *repo) Touch(ctx context.Context, db *gorm.DB, id snowflake.ID, expected, actual string, detail datatypes.JSONMap, seenAt time.Time) error {
	return db.WithContext(ctx).Model(&domain.Discrepancy{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"expected":     expected,
			"actual":       actual,
			"detail":       detail,
			"last_seen_at": seenAt,
		}).Error
}

func (r *repo) ListOpen(ctx context.Context, db *gorm.DB, memberID snowflake.ID, limit int) ([]domain.Discrepancy, error) {
	var out []domain.Discrepancy
	stmt := db.WithContext(ctx).Where("resolved = ?", false)
	if memberID != 0 {
		stmt = stmt.Where("member_id = ?", memberID)
	}
	stmt = stmt.Order("id asc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
