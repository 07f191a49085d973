package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/cascade/internal/audit/domain"
	"github.com/smallbiznis/cascade/internal/clock"
	"github.com/smallbiznis/cascade/internal/config"
	ledgerdomain "github.com/smallbiznis/cascade/internal/ledger/domain"
	networkdomain "github.com/smallbiznis/cascade/internal/network/domain"
	obsmetrics "github.com/smallbiznis/cascade/internal/observability/metrics"
	"github.com/smallbiznis/cascade/internal/tier/domain"
	volumedomain "github.com/smallbiznis/cascade/internal/volume/domain"
	"github.com/smallbiznis/cascade/pkg/period"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	memberPageSize    = 500
	evaluationWorkers = 4
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Repo         domain.Repository
	Network      networkdomain.Service
	Ledger       ledgerdomain.Service
	Volume       volumedomain.Service
	Compensation *config.CompensationConfigHolder
	AuditSvc     auditdomain.Service `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	repo         domain.Repository
	network      networkdomain.Service
	ledger       ledgerdomain.Service
	volume       volumedomain.Service
	compensation *config.CompensationConfigHolder
	auditSvc     auditdomain.Service
	obsMetrics   *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("tier.evaluator"),
		genID:        p.GenID,
		clock:        p.Clock,
		repo:         p.Repo,
		network:      p.Network,
		ledger:       p.Ledger,
		volume:       p.Volume,
		compensation: p.Compensation,
		auditSvc:     p.AuditSvc,
		obsMetrics:   p.ObsMetrics,
	}
}

type memberOutcome struct {
	decision decision
	bonuses  int
}

// Evaluate runs the tier state machine for every onboarded member against the
// period's snapshots. It requires a cleanly aggregated period and every
// earlier period evaluated. Members that already have a record for the period
// are skipped, so a failed pass can be rerun.
func (s *Service) Evaluate(ctx context.Context, p period.ID) (*domain.EvaluationReport, error) {
	row, err := s.volume.GetPeriod(ctx, p)
	if err != nil {
		return nil, err
	}

	report := &domain.EvaluationReport{
		Period:      p,
		Transitions: map[domain.Transition]int{},
	}
	switch row.Status {
	case volumedomain.PeriodStatusEvaluated:
		report.AlreadyEvaluated = true
		return report, nil
	case volumedomain.PeriodStatusInconsistent:
		s.log.Error("refusing to evaluate inconsistent period", zap.String("period", p.String()))
		return nil, fmt.Errorf("evaluate %s: %w", p, volumedomain.ErrAggregationInconsistent)
	case volumedomain.PeriodStatusAggregated:
	default:
		return nil, fmt.Errorf("evaluate %s (status %s): %w", p, row.Status, domain.ErrPeriodNotAggregated)
	}

	pending, err := s.volume.UnevaluatedPeriods(ctx, p)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		first := pending[0]
		s.log.Warn("refusing to evaluate ahead of an earlier period",
			zap.String("period", p.String()),
			zap.String("pending_period", first.Period.String()),
			zap.String("pending_status", string(first.Status)),
		)
		return nil, fmt.Errorf("evaluate %s (%s is %s): %w", p, first.Period, first.Status, domain.ErrEarlierPeriodPending)
	}

	cfg := s.compensation.Get()
	log := s.log.With(zap.String("period", p.String()))

	var (
		mu       sync.Mutex
		failures []error
	)
	err = s.network.StreamAll(ctx, memberPageSize, func(batch []networkdomain.Member) error {
		ids := make([]snowflake.ID, 0, len(batch))
		for _, member := range batch {
			if member.Onboarded {
				ids = append(ids, member.ID)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		existing, err := s.repo.ListByMembersAndPeriod(ctx, s.db, ids, p)
		if err != nil {
			return err
		}
		previous, err := s.repo.ListByMembersAndPeriod(ctx, s.db, ids, p.Prev())
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(evaluationWorkers)
		for _, member := range batch {
			if !member.Onboarded {
				continue
			}
			if _, done := existing[member.ID]; done {
				mu.Lock()
				report.AlreadyRecorded++
				mu.Unlock()
				continue
			}
			member := member
			var prev *domain.TierQualificationRecord
			if record, ok := previous[member.ID]; ok {
				prev = &record
			}
			g.Go(func() error {
				outcome, err := s.evaluateMember(gctx, cfg, p, member, prev)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err != nil:
					report.Failed++
					failures = append(failures, fmt.Errorf("member %s: %w", member.ID, err))
				case outcome == nil:
					report.AlreadyRecorded++
				default:
					report.Evaluated++
					report.Transitions[outcome.decision.transition]++
					report.BonusEntries += outcome.bonuses
					if outcome.decision.permanentGranted {
						report.PermanentGranted++
					}
				}
				return nil
			})
		}
		return g.Wait()
	})
	if err != nil {
		return report, err
	}
	if len(failures) > 0 {
		log.Error("tier evaluation incomplete", zap.Int("failed", len(failures)))
		return report, errors.Join(failures...)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.volume.MarkEvaluatedTx(ctx, tx, p)
	})
	if err != nil {
		return report, err
	}

	log.Info("tier evaluation finished",
		zap.Int("evaluated", report.Evaluated),
		zap.Int("already_recorded", report.AlreadyRecorded),
		zap.Int("permanent_granted", report.PermanentGranted),
		zap.Int("bonus_entries", report.BonusEntries),
	)
	return report, nil
}

// evaluateMember writes the record, bonuses and member tier state in one
// transaction. A nil outcome means another pass recorded the member first.
func (s *Service) evaluateMember(ctx context.Context, cfg config.CompensationConfig, p period.ID, member networkdomain.Member, prev *domain.TierQualificationRecord) (*memberOutcome, error) {
	snapshot, err := s.volume.GetSnapshot(ctx, member.ID, p)
	if err != nil {
		return nil, err
	}
	teamVolume := decimal.Zero
	if snapshot != nil {
		teamVolume = snapshot.TeamVolume
	}
	referrals := activeReferrals(cfg, snapshot)
	d := decide(cfg, member, teamVolume, referrals, prev)

	now := s.clock.Now()
	record := &domain.TierQualificationRecord{
		ID:                 s.genID.Generate(),
		MemberID:           member.ID,
		Period:             p,
		TierCode:           d.tier.Code,
		PreviousTierCode:   member.TierCode,
		QualifyingTierCode: d.qualifying.Code,
		Transition:         d.transition,
		Qualified:          d.qualified,
		ActiveReferrals:    referrals,
		TeamVolume:         teamVolume,
		Streak:             d.streak,
		Permanent:          permanentCovers(cfg, d.permanentCode, d.tier.Code),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	bonuses := s.bonusesFor(cfg, p, member, d, teamVolume)

	state := networkdomain.TierState{
		TierCode:          d.tier.Code,
		TierEnteredAt:     member.TierEnteredAt,
		PermanentTierCode: d.permanentCode,
	}
	if d.tier.Code != member.TierCode {
		state.TierEnteredAt = &now
	}

	recorded := false
	created := 0
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.Insert(ctx, tx, record)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		for _, bonus := range bonuses {
			result, err := s.ledger.AppendTx(ctx, tx, bonus)
			if err != nil {
				return err
			}
			if result.Created {
				created++
			}
		}
		if err := s.network.UpdateTierStateTx(ctx, tx, member.ID, state); err != nil {
			return err
		}
		recorded = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !recorded {
		return nil, nil
	}

	if created > 0 {
		s.ledger.InvalidateEarnings(ctx, member.ID)
	}
	s.afterTransition(ctx, p, member, d)
	return &memberOutcome{decision: d, bonuses: created}, nil
}

func (s *Service) bonusesFor(cfg config.CompensationConfig, p period.ID, member networkdomain.Member, d decision, teamVolume decimal.Decimal) []ledgerdomain.AppendInput {
	sourceEventID := "tier:" + p.String()
	var out []ledgerdomain.AppendInput
	if d.payAchievement {
		out = append(out, ledgerdomain.AppendInput{
			RecipientID:    member.ID,
			SourceMemberID: member.ID,
			SourceEventID:  sourceEventID,
			Level:          ledgerdomain.SelfLevel,
			EntryType:      ledgerdomain.EntryTypeAchievementBonus,
			Amount:         d.tier.AchievementBonusDecimal(),
			IdempotencyKey: ledgerdomain.AchievementKey(d.tier.Code, member.ID),
		})
	}
	if d.qualified && d.tier.TeamVolumeBonusRate > 0 {
		amount := cfg.Round(teamVolume.Mul(d.tier.TeamVolumeBonusRateDecimal()))
		if amount.IsPositive() {
			out = append(out, ledgerdomain.AppendInput{
				RecipientID:    member.ID,
				SourceMemberID: member.ID,
				SourceEventID:  sourceEventID,
				Level:          ledgerdomain.SelfLevel,
				EntryType:      ledgerdomain.EntryTypeTeamVolumeBonus,
				Amount:         amount,
				IdempotencyKey: ledgerdomain.TeamVolumeBonusKey(p.String(), member.ID),
			})
		}
	}
	return out
}

func (s *Service) afterTransition(ctx context.Context, p period.ID, member networkdomain.Member, d decision) {
	s.obsMetrics.RecordTierTransition(ctx, string(d.transition), d.tier.Code)

	fields := []zap.Field{
		zap.String("period", p.String()),
		zap.String("member_id", member.ID.String()),
		zap.String("from", member.TierCode),
		zap.String("to", d.tier.Code),
		zap.String("transition", string(d.transition)),
		zap.Int("streak", d.streak),
	}
	if d.transition != domain.TransitionMaintained {
		s.log.Info("tier transition", fields...)
		s.audit(ctx, auditdomain.ActionTierTransition, member.ID, map[string]any{
			"period":     p.String(),
			"from":       member.TierCode,
			"to":         d.tier.Code,
			"qualifying": d.qualifying.Code,
			"transition": string(d.transition),
			"streak":     d.streak,
		})
	}
	if d.permanentGranted {
		s.log.Info("permanent tier granted", fields...)
		s.audit(ctx, auditdomain.ActionPermanentGranted, member.ID, map[string]any{
			"period": p.String(),
			"tier":   d.permanentCode,
			"streak": d.streak,
		})
	}
}

func (s *Service) GetTierQualification(ctx context.Context, memberID snowflake.ID) (*domain.TierQualification, error) {
	if memberID == 0 {
		return nil, domain.ErrInvalidMember
	}
	member, err := s.network.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	latest, err := s.repo.FindLatest(ctx, s.db, memberID)
	if err != nil {
		return nil, err
	}

	out := &domain.TierQualification{
		MemberID:    member.ID,
		Tier:        member.TierCode,
		QualifiedAt: member.TierEnteredAt,
		Permanent:   permanentCovers(s.compensation.Get(), member.PermanentTierCode, member.TierCode),
	}
	if latest != nil {
		out.Streak = latest.Streak
		out.Period = latest.Period
	}
	return out, nil
}

func (s *Service) ListRecords(ctx context.Context, memberID snowflake.ID, limit int) ([]domain.TierQualificationRecord, error) {
	if memberID == 0 {
		return nil, domain.ErrInvalidMember
	}
	return s.repo.ListByMember(ctx, s.db, memberID, limit)
}

func (s *Service) audit(ctx context.Context, action string, memberID snowflake.ID, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	entry := auditdomain.Entry{
		Action:     action,
		TargetType: auditdomain.TargetMember,
		TargetID:   memberID.String(),
		Metadata:   metadata,
	}
	if err := s.auditSvc.Record(ctx, entry); err != nil {
		s.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}
