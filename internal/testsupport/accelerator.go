package testsupport

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/cascade/internal/ledger/domain"
	payoutdomain "github.com/smallbiznis/cascade/internal/payout/domain"
	"gorm.io/gorm"
)

// TimeAccelerator rewrites stored timestamps so delay windows elapse without waiting.
type TimeAccelerator struct {
	db *gorm.DB
}

func NewTimeAccelerator(db *gorm.DB) *TimeAccelerator {
	return &TimeAccelerator{db: db}
}

// AgeEntries moves the creation time of every pending entry back by d.
func (ta *TimeAccelerator) AgeEntries(ctx context.Context, d time.Duration) (int64, error) {
	var entries []ledgerdomain.CommissionEntry
	if err := ta.db.WithContext(ctx).
		Where("status = ?", ledgerdomain.EntryStatusPending).
		Find(&entries).Error; err != nil {
		return 0, err
	}
	for _, entry := range entries {
		if err := ta.db.WithContext(ctx).Model(&ledgerdomain.CommissionEntry{}).
			Where("id = ?", entry.ID).
			Update("created_at", entry.CreatedAt.Add(-d)).Error; err != nil {
			return 0, err
		}
	}
	return int64(len(entries)), nil
}

// DueRetry makes a scheduled batch retryable at now.
func (ta *TimeAccelerator) DueRetry(ctx context.Context, batchID snowflake.ID, now time.Time) error {
	return ta.db.WithContext(ctx).Model(&payoutdomain.PayoutBatch{}).
		Where("id = ? AND status = ?", batchID, payoutdomain.BatchStatusRetryScheduled).
		Update("next_retry_at", now.Add(-time.Minute)).Error
}

// StallBatch makes a processing batch look abandoned since d before now.
func (ta *TimeAccelerator) StallBatch(ctx context.Context, batchID snowflake.ID, now time.Time, d time.Duration) error {
	return ta.db.WithContext(ctx).Model(&payoutdomain.PayoutBatch{}).
		Where("id = ?", batchID).
		Updates(map[string]any{
			"status":          payoutdomain.BatchStatusProcessing,
			"last_attempt_at": now.Add(-d),
		}).Error
}
