package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorTypeSystem    ActorType = "system"
	ActorTypeScheduler ActorType = "scheduler"
	ActorTypeCLI       ActorType = "cli"
)

const (
	TargetMember          = "member"
	TargetCommissionEntry = "commission_entry"
	TargetVolumePeriod    = "volume_period"
	TargetPayoutBatch     = "payout_batch"
)

const (
	ActionMemberAttached          = "network.member_attached"
	ActionMemberOnboarded         = "network.member_onboarded"
	ActionEligibilitySkipped      = "commission.eligibility_skipped"
	ActionEntryVoided             = "ledger.entry_voided"
	ActionTierTransition          = "tier.transition"
	ActionPermanentGranted        = "tier.permanent_granted"
	ActionAggregationInconsistent = "volume.aggregation_inconsistent"
	ActionPayoutSucceeded         = "payout.succeeded"
	ActionPayoutFailed            = "payout.failed"
	ActionPayoutAmbiguous         = "payout.ambiguous"
	ActionPayoutRequeued          = "payout.requeued"
	ActionDiscrepancyFlagged      = "reconcile.discrepancy_flagged"
)

// AuditLog is an append-only record of a decision the engine made.
type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id,string"`
	ActorType  string            `gorm:"type:text;not null" json:"actor_type"`
	ActorID    *string           `gorm:"type:text" json:"actor_id,omitempty"`
	Action     string            `gorm:"type:text;not null;index" json:"action"`
	TargetType string            `gorm:"type:text;not null;index:idx_audit_logs_target,priority:1" json:"target_type"`
	TargetID   string            `gorm:"type:text;not null;index:idx_audit_logs_target,priority:2" json:"target_id"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt  time.Time         `gorm:"not null;index" json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type ListFilter struct {
	Action     string
	TargetType string
	TargetID   string
	StartAt    *time.Time
	EndAt      *time.Time
	// AfterID is the keyset position; rows are returned newest first.
	AfterID snowflake.ID
	Limit   int
}
