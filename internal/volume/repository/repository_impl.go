package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/cascade/internal/volume/domain"
	"github.com/smallbiznis/cascade/pkg/period"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const writeBatchSize = 500

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindPeriod(ctx context.Context, db *gorm.DB, p period.ID) (*domain.VolumePeriod, error) {
	return r.findPeriod(ctx, db.WithContext(ctx), p)
}

// FindPeriodForShare blocks a concurrent close until the caller's transaction ends.
func (r *repo) FindPeriodForShare(ctx context.Context, db *gorm.DB, p period.ID) (*domain.VolumePeriod, error) {
	return r.findPeriod(ctx, db.WithContext(ctx).Clauses(clause.Locking{Strength: "SHARE"}), p)
}

func (r *repo) findPeriod(_ context.Context, stmt *gorm.DB, p period.ID) (*domain.VolumePeriod, error) {
	var row domain.VolumePeriod
	err := stmt.Where("period = ?", p).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repo) EnsurePeriod(ctx context.Context, db *gorm.DB, row *domain.VolumePeriod) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "period"}},
			DoNothing: true,
		}).
		Create(row).Error
}

// UpdatePeriod applies updates only while the period is in one of fromStatuses.
func (r *repo) UpdatePeriod(ctx context.Context, db *gorm.DB, p period.ID, fromStatuses []domain.PeriodStatus, updates map[string]any) (bool, error) {
	result := db.WithContext(ctx).Model(&domain.VolumePeriod{}).
		Where("period = ? AND status IN ?", p, fromStatuses).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ListPeriodsByStatus(ctx context.Context, db *gorm.DB, status domain.PeriodStatus) ([]domain.VolumePeriod, error) {
	var rows []domain.VolumePeriod
	err := db.WithContext(ctx).
		Where("status = ?", status).
		Order("period asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ListUnevaluatedPeriods(ctx context.Context, db *gorm.DB, before period.ID) ([]domain.VolumePeriod, error) {
	stmt := db.WithContext(ctx).Where("status <> ?", domain.PeriodStatusEvaluated)
	if before != "" {
		stmt = stmt.Where("period < ?", before)
	}
	var rows []domain.VolumePeriod
	if err := stmt.Order("period asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn *domain.VolumeTransaction) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(txn)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

type personalRow struct {
	MemberID snowflake.ID
	Total    decimal.NullDecimal
	TxnCount int
}

// PersonalVolumes sums the frozen log per member and also returns the number of transactions.
func (r *repo) PersonalVolumes(ctx context.Context, db *gorm.DB, p period.ID) (map[snowflake.ID]decimal.Decimal, int, error) {
	var rows []personalRow
	err := db.WithContext(ctx).Model(&domain.VolumeTransaction{}).
		Select("member_id, SUM(amount) AS total, COUNT(*) AS txn_count").
		Where("period = ?", p).
		Group("member_id").
		Scan(&rows).Error
	if err != nil {
		return nil, 0, err
	}
	out := make(map[snowflake.ID]decimal.Decimal, len(rows))
	transactions := 0
	for _, row := range rows {
		out[row.MemberID] = row.Total.Decimal
		transactions += row.TxnCount
	}
	return out, transactions, nil
}

func (r *repo) IncrementCounter(ctx context.Context, db *gorm.DB, memberID snowflake.ID, p period.ID, personal, team decimal.Decimal, now time.Time) error {
	counter := domain.MemberVolumeCounter{
		MemberID:       memberID,
		Period:         p,
		PersonalVolume: personal,
		TeamVolume:     team,
		Version:        1,
		UpdatedAt:      now,
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "member_id"}, {Name: "period"}},
			DoUpdates: clause.Assignments(map[string]any{
				"personal_volume": gorm.Expr("member_volume_counters.personal_volume + ?", personal),
				"team_volume":     gorm.Expr("member_volume_counters.team_volume + ?", team),
				"version":         gorm.Expr("member_volume_counters.version + 1"),
				"updated_at":      now,
			}),
		}).
		Create(&counter).Error
}

func (r *repo) InsertCounterIfAbsent(ctx context.Context, db *gorm.DB, counter *domain.MemberVolumeCounter) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "member_id"}, {Name: "period"}},
			DoNothing: true,
		}).
		Create(counter)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CorrectCounter overwrites a counter only if nobody incremented it since it was read.
func (r *repo) CorrectCounter(ctx context.Context, db *gorm.DB, counter domain.MemberVolumeCounter, expectedVersion int64) (bool, error) {
	result := db.WithContext(ctx).Model(&domain.MemberVolumeCounter{}).
		Where("member_id = ? AND period = ? AND version = ?", counter.MemberID, counter.Period, expectedVersion).
		Updates(map[string]any{
			"personal_volume": counter.PersonalVolume,
			"team_volume":     counter.TeamVolume,
			"version":         expectedVersion + 1,
			"updated_at":      counter.UpdatedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ListCounters(ctx context.Context, db *gorm.DB, p period.ID) (map[snowflake.ID]domain.MemberVolumeCounter, error) {
	out := map[snowflake.ID]domain.MemberVolumeCounter{}
	var afterMember snowflake.ID
	for {
		var batch []domain.MemberVolumeCounter
		err := db.WithContext(ctx).
			Where("period = ? AND member_id > ?", p, afterMember).
			Order("member_id asc").
			Limit(writeBatchSize).
			Find(&batch).Error
		if err != nil {
			return nil, err
		}
		for _, counter := range batch {
			out[counter.MemberID] = counter
		}
		if len(batch) < writeBatchSize {
			return out, nil
		}
		afterMember = batch[len(batch)-1].MemberID
	}
}

func (r *repo) FindCounter(ctx context.Context, db *gorm.DB, memberID snowflake.ID, p period.ID) (*domain.MemberVolumeCounter, error) {
	var counter domain.MemberVolumeCounter
	err := db.WithContext(ctx).Where("member_id = ? AND period = ?", memberID, p).Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &counter, nil
}

// UpsertSnapshots replaces existing snapshots for the same member and period.
func (r *repo) UpsertSnapshots(ctx context.Context, db *gorm.DB, snapshots []domain.VolumeSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "member_id"}, {Name: "period"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"personal_volume",
				"team_volume",
				"active_referrals",
				"active_descendants",
				"computed_at",
			}),
		}).
		CreateInBatches(snapshots, writeBatchSize).Error
}

func (r *repo) FindSnapshot(ctx context.Context, db *gorm.DB, memberID snowflake.ID, p period.ID) (*domain.VolumeSnapshot, error) {
	var snapshot domain.VolumeSnapshot
	err := db.WithContext(ctx).Where("member_id = ? AND period = ?", memberID, p).Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (r *repo) ListSnapshots(ctx context.Context, db *gorm.DB, p period.ID, afterMember snowflake.ID, limit int) ([]domain.VolumeSnapshot, error) {
	var snapshots []domain.VolumeSnapshot
	err := db.WithContext(ctx).
		Where("period = ? AND member_id > ?", p, afterMember).
		Order("member_id asc").
		Limit(limit).
		Find(&snapshots).Error
	if err != nil {
		return nil, err
	}
	return snapshots, nil
}

func (r *repo) LatestSnapshot(ctx context.Context, db *gorm.DB, memberID snowflake.ID) (*domain.VolumeSnapshot, error) {
	var snapshot domain.VolumeSnapshot
	err := db.WithContext(ctx).
		Where("member_id = ?", memberID).
		Order("period desc").
		Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}
