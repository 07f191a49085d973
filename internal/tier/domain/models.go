package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/cascade/pkg/period"
)

type Transition string

const (
	TransitionEntered    Transition = "entered"
	TransitionAdvanced   Transition = "advanced"
	TransitionMaintained Transition = "maintained"
	TransitionDowngraded Transition = "downgraded"
	TransitionRetained   Transition = "retained"
)

// TierQualificationRecord is the evaluation outcome of one member for one period.
// Qualified reports whether the member met the thresholds of TierCode in that period.
type TierQualificationRecord struct {
	ID                 snowflake.ID    `gorm:"primaryKey"`
	MemberID           snowflake.ID    `gorm:"not null;uniqueIndex:ux_tier_records_member_period,priority:1"`
	Period             period.ID       `gorm:"type:varchar(7);not null;uniqueIndex:ux_tier_records_member_period,priority:2;index"`
	TierCode           string          `gorm:"type:text;not null"`
	PreviousTierCode   string          `gorm:"type:text;not null"`
	QualifyingTierCode string          `gorm:"type:text;not null"`
	Transition         Transition      `gorm:"type:text;not null"`
	Qualified          bool            `gorm:"not null"`
	ActiveReferrals    int             `gorm:"not null"`
	TeamVolume         decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	Streak             int             `gorm:"not null"`
	Permanent          bool            `gorm:"not null"`
	CreatedAt          time.Time       `gorm:"not null"`
	UpdatedAt          time.Time       `gorm:"not null"`
}

func (TierQualificationRecord) TableName() string { return "tier_qualification_records" }

// TierQualification is the read model handed to asset allocation.
type TierQualification struct {
	MemberID    snowflake.ID `json:"member_id"`
	Tier        string       `json:"tier"`
	Streak      int          `json:"streak"`
	Permanent   bool         `json:"permanent"`
	QualifiedAt *time.Time   `json:"qualified_at,omitempty"`
	Period      period.ID    `json:"period,omitempty"`
}

// EvaluationReport summarises one evaluation pass over a period.
type EvaluationReport struct {
	Period           period.ID
	Evaluated        int
	AlreadyRecorded  int
	Transitions      map[Transition]int
	PermanentGranted int
	BonusEntries     int
	Failed           int
	AlreadyEvaluated bool
}
