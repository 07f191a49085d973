package service

import (
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/cascade/internal/config"
	networkdomain "github.com/smallbiznis/cascade/internal/network/domain"
	"github.com/smallbiznis/cascade/internal/tier/domain"
	volumedomain "github.com/smallbiznis/cascade/internal/volume/domain"
)

type decision struct {
	tier       config.TierConfig
	qualifying config.TierConfig
	transition domain.Transition
	qualified  bool
	streak     int
	// permanentCode is the member's permanent tier after this evaluation.
	permanentCode    string
	permanentGranted bool
	payAchievement   bool
}

// qualifyingTier returns the highest tier whose volume and referral thresholds
// are both met. Onboarded members always hold at least the base tier.
func qualifyingTier(cfg config.CompensationConfig, teamVolume decimal.Decimal, activeReferrals int) config.TierConfig {
	for _, t := range cfg.TiersByRankDesc() {
		if teamVolume.GreaterThanOrEqual(t.MinTeamVolumeDecimal()) && activeReferrals >= t.MinActiveReferrals {
			return t
		}
	}
	return cfg.BaseTier()
}

func activeReferrals(cfg config.CompensationConfig, snapshot *volumedomain.VolumeSnapshot) int {
	if snapshot == nil {
		return 0
	}
	if cfg.ReferralScope == config.ReferralScopeDownline {
		return snapshot.ActiveDescendants
	}
	return snapshot.ActiveReferrals
}

// decide applies the tier state machine for one member and period.
// A downgrade or retention resets the streak to 0; the next qualifying period starts again at 1.
// The permanent tier only ever rises and is the floor of any downgrade.
func decide(cfg config.CompensationConfig, member networkdomain.Member, teamVolume decimal.Decimal, referrals int, prev *domain.TierQualificationRecord) decision {
	q := qualifyingTier(cfg, teamVolume, referrals)
	current, hasCurrent := cfg.TierByCode(member.TierCode)
	permanent, hasPermanent := cfg.TierByCode(member.PermanentTierCode)

	d := decision{qualifying: q, permanentCode: member.PermanentTierCode}
	switch {
	case !hasCurrent:
		d.tier, d.qualified, d.streak = q, true, 1
		d.transition = domain.TransitionAdvanced
		if q.Rank == cfg.BaseTier().Rank {
			d.transition = domain.TransitionEntered
		}
	case q.Rank > current.Rank:
		d.tier, d.qualified, d.streak = q, true, 1
		d.transition = domain.TransitionAdvanced
	case q.Rank == current.Rank:
		d.tier, d.qualified, d.streak = current, true, 1
		d.transition = domain.TransitionMaintained
		if prev != nil && prev.TierCode == current.Code && prev.Qualified {
			d.streak = prev.Streak + 1
		}
	case hasPermanent && permanent.Rank >= current.Rank:
		d.tier, d.qualified, d.streak = current, false, 0
		d.transition = domain.TransitionRetained
	default:
		d.tier = q
		if hasPermanent && permanent.Rank > q.Rank {
			d.tier = permanent
		}
		d.qualified = d.tier.Code == q.Code
		d.streak = 0
		d.transition = domain.TransitionDowngraded
	}

	base := cfg.BaseTier()
	d.payAchievement = d.transition == domain.TransitionAdvanced && d.tier.Rank > base.Rank && d.tier.AchievementBonus > 0

	if d.qualified && d.tier.Rank > base.Rank && d.streak >= cfg.PermanentStreakMonths {
		if !hasPermanent || d.tier.Rank > permanent.Rank {
			d.permanentCode = d.tier.Code
			d.permanentGranted = true
		}
	}
	return d
}

// permanentCovers reports whether the permanent tier protects tierCode.
func permanentCovers(cfg config.CompensationConfig, permanentCode, tierCode string) bool {
	permanent, ok := cfg.TierByCode(permanentCode)
	if !ok {
		return false
	}
	t, ok := cfg.TierByCode(tierCode)
	if !ok {
		return false
	}
	return permanent.Rank >= t.Rank
}
