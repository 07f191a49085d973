package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cascade/internal/tier/domain"
	"github.com/smallbiznis/cascade/pkg/period"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Insert stores the record unless the member already has one for the period.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.TierQualificationRecord) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "member_id"}, {Name: "period"}},
			DoNothing: true,
		}).
		Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByMemberAndPeriod(ctx context.Context, db *gorm.DB, memberID snowflake.ID, p period.ID) (*domain.TierQualificationRecord, error) {
	var record domain.TierQualificationRecord
	err := db.WithContext(ctx).
		Where("member_id = ? AND period = ?", memberID, p).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repo) FindLatest(ctx context.Context, db *gorm.DB, memberID snowflake.ID) (*domain.TierQualificationRecord, error) {
	var record domain.TierQualificationRecord
	err := db.WithContext(ctx).
		Where("member_id = ?", memberID).
		Order("period desc").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repo) ListByMember(ctx context.Context, db *gorm.DB, memberID snowflake.ID, limit int) ([]domain.TierQualificationRecord, error) {
	var records []domain.TierQualificationRecord
	stmt := db.WithContext(ctx).
		Where("member_id = ?", memberID).
		Order("period desc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) ListByMembersAndPeriod(ctx context.Context, db *gorm.DB, memberIDs []snowflake.ID, p period.ID) (map[snowflake.ID]domain.TierQualificationRecord, error) {
	out := make(map[snowflake.ID]domain.TierQualificationRecord, len(memberIDs))
	if len(memberIDs) == 0 {
		return out, nil
	}
	var records []domain.TierQualificationRecord
	err := db.WithContext(ctx).
		Where("period = ? AND member_id IN ?", p, memberIDs).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		out[record.MemberID] = record
	}
	return out, nil
}
