package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/cascade/pkg/period"
)

type PeriodStatus string

const (
	PeriodStatusOpen         PeriodStatus = "open"
	PeriodStatusClosed       PeriodStatus = "closed"
	PeriodStatusAggregated   PeriodStatus = "aggregated"
	PeriodStatusEvaluated    PeriodStatus = "evaluated"
	PeriodStatusInconsistent PeriodStatus = "inconsistent"
)

// Frozen reports whether the transaction log of the period no longer accepts events.
func (s PeriodStatus) Frozen() bool {
	return s != PeriodStatusOpen
}

// VolumePeriod tracks one calendar month through open, closed, aggregated and evaluated.
type VolumePeriod struct {
	Period            period.ID    `gorm:"type:varchar(7);primaryKey"`
	Status            PeriodStatus `gorm:"type:text;not null;index"`
	ClosedAt          *time.Time
	AggregatedAt      *time.Time
	EvaluatedAt       *time.Time
	MembersAggregated int       `gorm:"not null;default:0"`
	Inconsistencies   int       `gorm:"not null;default:0"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (VolumePeriod) TableName() string { return "volume_periods" }

// VolumeTransaction is one qualifying event attributed to a member and period.
// It is the frozen input of aggregation once its period closes.
type VolumeTransaction struct {
	ID         snowflake.ID    `gorm:"primaryKey;autoIncrement:false"`
	EventID    string          `gorm:"type:text;not null;uniqueIndex:ux_volume_transactions_event_id"`
	MemberID   snowflake.ID    `gorm:"not null;index:idx_volume_transactions_period_member,priority:2"`
	Period     period.ID       `gorm:"type:varchar(7);not null;index:idx_volume_transactions_period_member,priority:1"`
	EventType  string          `gorm:"type:text;not null"`
	Amount     decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	OccurredAt time.Time       `gorm:"not null"`
	RecordedAt time.Time       `gorm:"not null"`
}

func (VolumeTransaction) TableName() string { return "volume_transactions" }

// MemberVolumeCounter is the incremental fast-path total for the open period.
// Aggregation replaces it with the authoritative snapshot values. Version
// changes on every write so corrections never clobber a concurrent increment.
type MemberVolumeCounter struct {
	MemberID       snowflake.ID    `gorm:"primaryKey;autoIncrement:false"`
	Period         period.ID       `gorm:"type:varchar(7);primaryKey"`
	PersonalVolume decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	TeamVolume     decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	Version        int64           `gorm:"not null;default:0"`
	UpdatedAt      time.Time       `gorm:"not null"`
}

func (MemberVolumeCounter) TableName() string { return "member_volume_counters" }

// VolumeSnapshot is the per-member, per-period aggregation result. Re-running
// aggregation overwrites it with identical values.
type VolumeSnapshot struct {
	MemberID          snowflake.ID    `gorm:"primaryKey;autoIncrement:false"`
	Period            period.ID       `gorm:"type:varchar(7);primaryKey;index"`
	PersonalVolume    decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	TeamVolume        decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	ActiveReferrals   int             `gorm:"not null"`
	ActiveDescendants int             `gorm:"not null"`
	ComputedAt        time.Time       `gorm:"not null"`
}

func (VolumeSnapshot) TableName() string { return "volume_snapshots" }
