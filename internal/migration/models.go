package migration

import (
	auditdomain "github.com/smallbiznis/cascade/internal/audit/domain"
	ledgerdomain "github.com/smallbiznis/cascade/internal/ledger/domain"
	networkdomain "github.com/smallbiznis/cascade/internal/network/domain"
	payoutdomain "github.com/smallbiznis/cascade/internal/payout/domain"
	reconciledomain "github.com/smallbiznis/cascade/internal/reconcile/domain"
	tierdomain "github.com/smallbiznis/cascade/internal/tier/domain"
	volumedomain "github.com/smallbiznis/cascade/internal/volume/domain"
)

// Models lists every persisted type, in dependency order, for gorm AutoMigrate.
// It must stay in step with the embedded SQL migrations.
func Models() []any {
	return []any{
		&networkdomain.Member{},
		&ledgerdomain.CommissionEntry{},
		&volumedomain.VolumePeriod{},
		&volumedomain.VolumeTransaction{},
		&volumedomain.MemberVolumeCounter{},
		&volumedomain.VolumeSnapshot{},
		&tierdomain.TierQualificationRecord{},
		&payoutdomain.PayoutProfile{},
		&payoutdomain.PayoutBatch{},
		&reconciledomain.Discrepancy{},
		&auditdomain.AuditLog{},
	}
}
