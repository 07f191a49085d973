package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	KindEarningsCache        = "earnings_cache_mismatch"
	KindCounterSnapshot      = "counter_snapshot_mismatch"
	KindNonOnboardedActivity = "non_onboarded_activity"
)

// Discrepancy is a derived value that disagreed with its source of truth.
// It is flagged for an operator; the ledger itself is never rewritten.
type Discrepancy struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	MemberID   snowflake.ID      `gorm:"not null;index:idx_discrepancies_member_kind,priority:1"`
	Kind       string            `gorm:"type:text;not null;index:idx_discrepancies_member_kind,priority:2"`
	Expected   string            `gorm:"type:text;not null"`
	Actual     string            `gorm:"type:text;not null"`
	Detail     datatypes.JSONMap `gorm:"type:json"`
	Resolved   bool              `gorm:"not null;index"`
	DetectedAt time.Time         `gorm:"not null"`
	LastSeenAt time.Time         `gorm:"not null"`
}

func (Discrepancy) TableName() string { return "reconciliation_discrepancies" }

type Report struct {
	MemberID       snowflake.ID
	LedgerTotal    string
	CacheChecked   bool
	CacheRepaired  bool
	CounterChecked bool
	Discrepancies  []Discrepancy
}

type SweepReport struct {
	Members       int
	Discrepancies int
	Failed        int
}

type Service interface {
	Reconcile(ctx context.Context, memberID snowflake.ID) (*Report, error)
	ReconcileAll(ctx context.Context) (*SweepReport, error)
	ListOpen(ctx context.Context, memberID snowflake.ID, limit int) ([]Discrepancy, error)
}

type Repository interface {
	FindOpen(ctx context.Context, db *gorm.DB, memberID snowflake.ID, kind string) (*Discrepancy, error)
	Insert(ctx context.Context, db *gorm.DB, d *Discrepancy) error
	Touch(ctx context.Context, db *gorm.DB, id snowflake.ID, expected, actual string, detail datatypes.JSONMap, seenAt time.Time) error
	ListOpen(ctx context.Context, db *gorm.DB, memberID snowflake.ID, limit int) ([]Discrepancy, error)
}
