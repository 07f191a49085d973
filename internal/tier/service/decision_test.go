package service

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/cascade/internal/config"
	networkdomain "github.com/smallbiznis/cascade/internal/network/domain"
	"github.com/smallbiznis/cascade/internal/tier/domain"
	volumedomain "github.com/smallbiznis/cascade/internal/volume/domain"
)

func vol(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestQualifyingTierRequiresBothThresholds(t *testing.T) {
	cfg := config.DefaultCompensationConfig()

	if got := qualifyingTier(cfg, vol(16000), 4); got.Code != "gold" {
		t.Fatalf("16000 volume and 4 referrals: expected gold, got %s", got.Code)
	}
	if got := qualifyingTier(cfg, vol(16000), 2); got.Code != "silver" {
		t.Fatalf("16000 volume and 2 referrals: expected silver, got %s", got.Code)
	}
	if got := qualifyingTier(cfg, vol(900), 10); got.Code != cfg.BaseTier().Code {
		t.Fatalf("expected base tier, got %s", got.Code)
	}
}

func TestActiveReferralsScope(t *testing.T) {
	cfg := config.DefaultCompensationConfig()
	snap := &volumedomain.VolumeSnapshot{ActiveReferrals: 2, ActiveDescendants: 9}

	if got := activeReferrals(cfg, snap); got != 2 {
		t.Fatalf("direct scope: expected 2, got %d", got)
	}
	cfg.ReferralScope = config.ReferralScopeDownline
	if got := activeReferrals(cfg, snap); got != 9 {
		t.Fatalf("downline scope: expected 9, got %d", got)
	}
	if got := activeReferrals(cfg, nil); got != 0 {
		t.Fatalf("missing snapshot: expected 0, got %d", got)
	}
}

func TestDecideNewMember(t *testing.T) {
	cfg := config.DefaultCompensationConfig()

	d := decide(cfg, networkdomain.Member{}, vol(0), 0, nil)
	if d.transition != domain.TransitionEntered || d.tier.Code != cfg.BaseTier().Code || d.streak != 1 || d.payAchievement {
		t.Fatalf("unexpected base entry decision: %+v", d)
	}

	d = decide(cfg, networkdomain.Member{}, vol(6000), 2, nil)
	if d.transition != domain.TransitionAdvanced || d.tier.Code != "silver" || !d.payAchievement {
		t.Fatalf("unexpected direct advancement: %+v", d)
	}
}

func TestDecideStreakContinuesOnlyAcrossAdjacentQualifiedPeriods(t *testing.T) {
	cfg := config.DefaultCompensationConfig()
	member := networkdomain.Member{TierCode: "silver"}

	prev := &domain.TierQualificationRecord{TierCode: "silver", Qualified: true, Streak: 1}
	d := decide(cfg, member, vol(5000), 2, prev)
	if d.transition != domain.TransitionMaintained || d.streak != 2 {
		t.Fatalf("expected maintained with streak 2, got %s/%d", d.transition, d.streak)
	}

	d = decide(cfg, member, vol(5000), 2, nil)
	if d.streak != 1 {
		t.Fatalf("a gap resets the streak to 1, got %d", d.streak)
	}

	d = decide(cfg, member, vol(5000), 2, &domain.TierQualificationRecord{TierCode: "silver", Qualified: false, Streak: 0})
	if d.streak != 1 {
		t.Fatalf("an unqualified previous period resets the streak to 1, got %d", d.streak)
	}

	d = decide(cfg, member, vol(5000), 2, &domain.TierQualificationRecord{TierCode: "bronze", Qualified: true, Streak: 4})
	if d.streak != 1 {
		t.Fatalf("a streak on another tier does not carry over, got %d", d.streak)
	}
}

func TestDecideGrantsPermanentAtThreshold(t *testing.T) {
	cfg := config.DefaultCompensationConfig()
	member := networkdomain.Member{TierCode: "gold"}
	prev := &domain.TierQualificationRecord{TierCode: "gold", Qualified: true, Streak: cfg.PermanentStreakMonths - 1}

	d := decide(cfg, member, vol(16000), 4, prev)
	if !d.permanentGranted || d.permanentCode != "gold" || d.streak != cfg.PermanentStreakMonths {
		t.Fatalf("expected permanent gold, got %+v", d)
	}

	member.PermanentTierCode = "gold"
	prev.Streak = cfg.PermanentStreakMonths
	d = decide(cfg, member, vol(16000), 4, prev)
	if d.permanentGranted {
		t.Fatalf("permanent status is granted once")
	}
	if d.permanentCode != "gold" {
		t.Fatalf("permanent tier must survive, got %q", d.permanentCode)
	}
}

func TestDecideBaseTierNeverBecomesPermanent(t *testing.T) {
	cfg := config.DefaultCompensationConfig()
	member := networkdomain.Member{TierCode: cfg.BaseTier().Code}
	prev := &domain.TierQualificationRecord{TierCode: cfg.BaseTier().Code, Qualified: true, Streak: 10}

	d := decide(cfg, member, vol(0), 0, prev)
	if d.permanentGranted || d.permanentCode != "" {
		t.Fatalf("base tier must not be granted permanent status: %+v", d)
	}
}

func TestDecidePermanentRetainsTier(t *testing.T) {
	cfg := config.DefaultCompensationConfig()
	member := networkdomain.Member{TierCode: "gold", PermanentTierCode: "gold"}
	prev := &domain.TierQualificationRecord{TierCode: "gold", Qualified: true, Streak: 5}

	d := decide(cfg, member, vol(100), 0, prev)
	if d.transition != domain.TransitionRetained || d.tier.Code != "gold" {
		t.Fatalf("expected retained gold, got %s/%s", d.transition, d.tier.Code)
	}
	if d.qualified || d.streak != 0 {
		t.Fatalf("retention does not count as qualification: %+v", d)
	}
	if d.permanentCode != "gold" || !permanentCovers(cfg, d.permanentCode, d.tier.Code) {
		t.Fatalf("permanent flag must never be cleared")
	}
}

func TestDecideDowngrade(t *testing.T) {
	cfg := config.DefaultCompensationConfig()
	prev := &domain.TierQualificationRecord{TierCode: "gold", Qualified: true, Streak: 2}

	d := decide(cfg, networkdomain.Member{TierCode: "gold"}, vol(6000), 2, prev)
	if d.transition != domain.TransitionDowngraded || d.tier.Code != "silver" {
		t.Fatalf("expected downgrade to silver, got %s/%s", d.transition, d.tier.Code)
	}
	if !d.qualified || d.streak != 0 || d.payAchievement {
		t.Fatalf("unexpected downgrade state: %+v", d)
	}

	next := decide(cfg, networkdomain.Member{TierCode: "silver"}, vol(6000), 2, &domain.TierQualificationRecord{
		TierCode: d.tier.Code, Qualified: d.qualified, Streak: d.streak,
	})
	if next.transition != domain.TransitionMaintained || next.streak != 1 {
		t.Fatalf("first qualifying period after a downgrade starts at 1, got %s/%d", next.transition, next.streak)
	}

	floor := decide(cfg, networkdomain.Member{TierCode: "platinum", PermanentTierCode: "silver"}, vol(0), 0, nil)
	if floor.transition != domain.TransitionDowngraded || floor.tier.Code != "silver" || floor.qualified {
		t.Fatalf("expected downgrade floored at permanent silver, got %+v", floor)
	}
}
