package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/cascade/internal/audit/domain"
	"github.com/smallbiznis/cascade/internal/clock"
	ledgerdomain "github.com/smallbiznis/cascade/internal/ledger/domain"
	networkdomain "github.com/smallbiznis/cascade/internal/network/domain"
	obsmetrics "github.com/smallbiznis/cascade/internal/observability/metrics"
	"github.com/smallbiznis/cascade/internal/reconcile/domain"
	volumedomain "github.com/smallbiznis/cascade/internal/volume/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const sweepPageSize = 500

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Network  networkdomain.Service
	Ledger   ledgerdomain.Service
	Volume   volumedomain.Service
	AuditSvc auditdomain.Service `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	network  networkdomain.Service
	ledger   ledgerdomain.Service
	volume   volumedomain.Service
	auditSvc auditdomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("reconcile"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		network:  p.Network,
		ledger:   p.Ledger,
		volume:   p.Volume,
		auditSvc: p.AuditSvc,
	}
}

// Reconcile recomputes a member's derived totals from their sources and flags
// every disagreement. Stale cache entries are dropped, never overwritten with
// the cached value, and ledger rows are never modified.
func (s *Service) Reconcile(ctx context.Context, memberID snowflake.ID) (*domain.Report, error) {
	member, err := s.network.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	return s.reconcileMember(ctx, *member)
}

func (s *Service) reconcileMember(ctx context.Context, member networkdomain.Member) (*domain.Report, error) {
	report := &domain.Report{MemberID: member.ID}

	total, err := s.ledger.RecomputeEarnings(ctx, member.ID)
	if err != nil {
		return nil, err
	}
	report.LedgerTotal = total.String()

	var found []domain.Discrepancy

	cached, ok, err := s.ledger.CachedEarnings(ctx, member.ID)
	if err != nil {
		s.log.Warn("earnings cache unreadable", zap.String("member_id", member.ID.String()), zap.Error(err))
	} else if ok {
		report.CacheChecked = true
		if !cached.Equal(total) {
			found = append(found, domain.Discrepancy{
				Kind:     domain.KindEarningsCache,
				Expected: total.String(),
				Actual:   cached.String(),
			})
			s.ledger.InvalidateEarnings(ctx, member.ID)
			report.CacheRepaired = true
		}
	}

	counterIssue, checked, err := s.checkCounter(ctx, member.ID)
	if err != nil {
		return nil, err
	}
	report.CounterChecked = checked
	if counterIssue != nil {
		found = append(found, *counterIssue)
	}

	if !member.Onboarded {
		involved, err := s.ledger.CountForMember(ctx, member.ID)
		if err != nil {
			return nil, err
		}
		if involved > 0 {
			found = append(found, domain.Discrepancy{
				Kind:     domain.KindNonOnboardedActivity,
				Expected: "0",
				Actual:   fmt.Sprintf("%d", involved),
				Detail:   datatypes.JSONMap{"entries": involved},
			})
		}
	}

	for _, d := range found {
		stored, err := s.flag(ctx, member.ID, d)
		if err != nil {
			return nil, err
		}
		report.Discrepancies = append(report.Discrepancies, *stored)
	}
	return report, nil
}

// checkCounter compares the running counter of the member's latest snapshot
// period with the snapshot. Only frozen, aggregated periods are comparable.
func (s *Service) checkCounter(ctx context.Context, memberID snowflake.ID) (*domain.Discrepancy, bool, error) {
	snapshot, err := s.volume.LatestSnapshot(ctx, memberID)
	if err != nil || snapshot == nil {
		return nil, false, err
	}
	p, err := s.volume.GetPeriod(ctx, snapshot.Period)
	if err != nil {
		if errors.Is(err, volumedomain.ErrPeriodNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if p.Status != volumedomain.PeriodStatusAggregated && p.Status != volumedomain.PeriodStatusEvaluated {
		return nil, false, nil
	}
	counter, err := s.volume.GetCounter(ctx, memberID, snapshot.Period)
	if err != nil {
		return nil, false, err
	}
	if counter == nil {
		if snapshot.PersonalVolume.IsZero() && snapshot.TeamVolume.IsZero() {
			return nil, true, nil
		}
		return &domain.Discrepancy{
			Kind:     domain.KindCounterSnapshot,
			Expected: snapshot.TeamVolume.String(),
			Actual:   "missing",
			Detail:   datatypes.JSONMap{"period": snapshot.Period.String()},
		}, true, nil
	}
	if counter.PersonalVolume.Equal(snapshot.PersonalVolume) && counter.TeamVolume.Equal(snapshot.TeamVolume) {
		return nil, true, nil
	}
	return &domain.Discrepancy{
		Kind:     domain.KindCounterSnapshot,
		Expected: snapshot.TeamVolume.String(),
		Actual:   counter.TeamVolume.String(),
		Detail: datatypes.JSONMap{
			"period":            snapshot.Period.String(),
			"snapshot_personal": snapshot.PersonalVolume.String(),
			"counter_personal":  counter.PersonalVolume.String(),
		},
	}, true, nil
}

// flag stores a discrepancy, refreshing an open one of the same kind instead of duplicating it.
func (s *Service) flag(ctx context.Context, memberID snowflake.ID, d domain.Discrepancy) (*domain.Discrepancy, error) {
	now := s.clock.Now()
	existing, err := s.repo.FindOpen(ctx, s.db, memberID, d.Kind)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := s.repo.Touch(ctx, s.db, existing.ID, d.Expected, d.Actual, d.Detail, now); err != nil {
			return nil, err
		}
		existing.Expected, existing.Actual, existing.Detail, existing.LastSeenAt = d.Expected, d.Actual, d.Detail, now
		return existing, nil
	}

	d.ID = s.genID.Generate()
	d.MemberID = memberID
	d.DetectedAt = now
	d.LastSeenAt = now
	if err := s.repo.Insert(ctx, s.db, &d); err != nil {
		return nil, err
	}

	obsmetrics.Scheduler().IncDiscrepancy(d.Kind)
	s.log.Warn("discrepancy flagged",
		zap.String("member_id", memberID.String()),
		zap.String("kind", d.Kind),
		zap.String("expected", d.Expected),
		zap.String("actual", d.Actual),
	)
	if s.auditSvc != nil {
		entry := auditdomain.Entry{
			Action:     auditdomain.ActionDiscrepancyFlagged,
			TargetType: auditdomain.TargetMember,
			TargetID:   memberID.String(),
			Metadata: map[string]any{
				"kind":     d.Kind,
				"expected": d.Expected,
				"actual":   d.Actual,
			},
		}
		if err := s.auditSvc.Record(ctx, entry); err != nil {
			s.log.Warn("audit write failed", zap.Error(err))
		}
	}
	return &d, nil
}

// ReconcileAll sweeps every member page by page. A failure on one member does not stop the sweep.
func (s *Service) ReconcileAll(ctx context.Context) (*domain.SweepReport, error) {
	report := &domain.SweepReport{}
	var failures []error
	err := s.network.StreamAll(ctx, sweepPageSize, func(batch []networkdomain.Member) error {
		for _, member := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			result, err := s.reconcileMember(ctx, member)
			report.Members++
			if err != nil {
				report.Failed++
				failures = append(failures, fmt.Errorf("member %s: %w", member.ID, err))
				continue
			}
			report.Discrepancies += len(result.Discrepancies)
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	s.log.Info("reconciliation sweep finished",
		zap.Int("members", report.Members),
		zap.Int("discrepancies", report.Discrepancies),
		zap.Int("failed", report.Failed),
	)
	return report, errors.Join(failures...)
}

func (s *Service) ListOpen(ctx context.Context, memberID snowflake.ID, limit int) ([]domain.Discrepancy, error) {
	return s.repo.ListOpen(ctx, s.db, memberID, limit)
}
