package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type EntryType string

const (
	EntryTypeReferral         EntryType = "referral"
	EntryTypeTeamVolumeBonus  EntryType = "team_volume_bonus"
	EntryTypeAchievementBonus EntryType = "achievement_bonus"
)

type EntryStatus string

const (
	EntryStatusPending EntryStatus = "pending"
	EntryStatusPaid    EntryStatus = "paid"
	EntryStatusFailed  EntryStatus = "failed"
)

// SelfLevel marks entries a member earns on its own account (tier awards).
const SelfLevel = 0

// CommissionEntry is an append-only ledger line. Only the payout columns
// (status, paid_at, payout_batch_id, provider_transaction_id) ever change.
type CommissionEntry struct {
	ID                    snowflake.ID    `gorm:"primaryKey;autoIncrement:false"`
	RecipientID           snowflake.ID    `gorm:"not null;index:idx_commission_entries_recipient_status,priority:1"`
	SourceMemberID        snowflake.ID    `gorm:"not null;index"`
	SourceEventID         string          `gorm:"type:text;not null;index"`
	Level                 int             `gorm:"not null"`
	EntryType             EntryType       `gorm:"type:text;not null"`
	Amount                decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	Status                EntryStatus     `gorm:"type:text;not null;index:idx_commission_entries_recipient_status,priority:2"`
	IdempotencyKey        string          `gorm:"type:text;not null;uniqueIndex:ux_commission_entries_idempotency_key"`
	PayoutBatchID         *snowflake.ID   `gorm:"index"`
	ProviderTransactionID *string         `gorm:"type:text"`
	FailureReason         *string         `gorm:"type:text"`
	CreatedAt             time.Time       `gorm:"not null;index"`
	PaidAt                *time.Time
}

func (CommissionEntry) TableName() string { return "commission_entries" }

// LevelKey is the idempotency key of a commission produced by an event for one upline level.
func LevelKey(eventID string, recipientID snowflake.ID, level int) string {
	return fmt.Sprintf("event:%s:%s:%d", eventID, recipientID, level)
}

// AchievementKey is the idempotency key of the one-time bonus for reaching a tier.
func AchievementKey(tierCode string, memberID snowflake.ID) string {
	return fmt.Sprintf("achievement:%s:%s", tierCode, memberID)
}

func TeamVolumeBonusKey(period string, memberID snowflake.ID) string {
	return fmt.Sprintf("team_volume_bonus:%s:%s", period, memberID)
}

// RecipientTotal is the pending balance of one recipient that is old enough to pay.
type RecipientTotal struct {
	RecipientID snowflake.ID
	Total       decimal.Decimal
	Entries     int
}
