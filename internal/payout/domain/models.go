package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type BatchStatus string

const (
	BatchStatusProcessing     BatchStatus = "processing"
	BatchStatusSucceeded      BatchStatus = "succeeded"
	BatchStatusRetryScheduled BatchStatus = "retry_scheduled"
	BatchStatusAmbiguous      BatchStatus = "ambiguous"
	BatchStatusFailed         BatchStatus = "failed"
	BatchStatusReleased       BatchStatus = "released"
)

// PayoutProfile tells the gateway where a member's money goes.
type PayoutProfile struct {
	MemberID    snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	Provider    string       `gorm:"type:text;not null"`
	Destination string       `gorm:"type:text;not null"`
	Currency    string       `gorm:"type:text;not null"`
	CreatedAt   time.Time    `gorm:"not null"`
	UpdatedAt   time.Time    `gorm:"not null"`
}

func (PayoutProfile) TableName() string { return "payout_profiles" }

// PayoutBatch groups the pending entries of one recipient into a single disbursement.
// Reference is stable across attempts and is what the gateway is queried by.
type PayoutBatch struct {
	ID                    snowflake.ID    `gorm:"primaryKey"`
	RecipientID           snowflake.ID    `gorm:"not null;index"`
	Provider              string          `gorm:"type:text;not null"`
	Destination           string          `gorm:"type:text;not null"`
	Currency              string          `gorm:"type:text;not null"`
	Amount                decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	EntryCount            int             `gorm:"not null"`
	Status                BatchStatus     `gorm:"type:text;not null;index:idx_payout_batches_status_retry,priority:1"`
	Reference             string          `gorm:"type:text;not null;uniqueIndex:ux_payout_batches_reference"`
	Attempts              int             `gorm:"not null"`
	LastError             *string         `gorm:"type:text"`
	NextRetryAt           *time.Time      `gorm:"index:idx_payout_batches_status_retry,priority:2"`
	ProviderTransactionID *string         `gorm:"type:text"`
	LastAttemptAt         *time.Time
	CompletedAt           *time.Time
	CreatedAt             time.Time `gorm:"not null"`
	UpdatedAt             time.Time `gorm:"not null"`
}

func (PayoutBatch) TableName() string { return "payout_batches" }

func BatchReference(batchID snowflake.ID) string {
	return fmt.Sprintf("payout:%s", batchID)
}

// Eligible is a recipient whose aged pending balance reaches the payout minimum.
type Eligible struct {
	RecipientID snowflake.ID
	Total       decimal.Decimal
	Entries     int
}

type CycleReport struct {
	Recovered  int
	Resolved   int
	Retried    int
	Created    int
	Succeeded  int
	Scheduled  int
	Ambiguous  int
	Failed     int
	NoProfile  int
	BelowMin   int
	StartedAt  time.Time
	FinishedAt time.Time
}
