package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/cascade/internal/audit/domain"
	"github.com/smallbiznis/cascade/internal/clock"
	"github.com/smallbiznis/cascade/internal/config"
	networkdomain "github.com/smallbiznis/cascade/internal/network/domain"
	obslogger "github.com/smallbiznis/cascade/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/cascade/internal/observability/metrics"
	"github.com/smallbiznis/cascade/internal/volume/domain"
	"github.com/smallbiznis/cascade/pkg/period"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	memberPageSize = 1000
	// Late events roll forward at most this many periods looking for an open one.
	maxRollForward = 24
	// Events stamped further in the future than this are rejected.
	maxClockSkew = time.Hour
	// Audit metadata keeps at most this many affected member ids.
	maxAuditedMembers = 50
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Repo         domain.Repository
	Network      networkdomain.Service
	Compensation *config.CompensationConfigHolder
	AuditSvc     auditdomain.Service `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	repo         domain.Repository
	network      networkdomain.Service
	compensation *config.CompensationConfigHolder
	auditSvc     auditdomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("volume.aggregator"),
		genID:        p.GenID,
		clock:        p.Clock,
		repo:         p.Repo,
		network:      p.Network,
		compensation: p.Compensation,
		auditSvc:     p.AuditSvc,
	}
}

// RecordTransactionTx appends a qualifying event to the log of the period it
// belongs to and bumps the running counters of the member and its upline.
// Events for a frozen period roll forward into the next open one.
func (s *Service) RecordTransactionTx(ctx context.Context, tx *gorm.DB, input domain.TransactionInput) (*domain.TransactionResult, error) {
	input.EventID = strings.TrimSpace(input.EventID)
	if input.EventID == "" || input.MemberID == 0 || input.OccurredAt.IsZero() {
		return nil, domain.ErrInvalidTransaction
	}
	now := s.clock.Now()
	if input.OccurredAt.After(now.Add(maxClockSkew)) {
		return nil, domain.ErrInvalidTransaction
	}
	amount := s.compensation.Get().Round(input.Amount)
	if !amount.IsPositive() {
		return nil, domain.ErrInvalidTransaction
	}

	p, err := s.resolveOpenPeriod(ctx, tx, period.Of(input.OccurredAt), now)
	if err != nil {
		return nil, err
	}

	created, err := s.repo.InsertTransaction(ctx, tx, &domain.VolumeTransaction{
		ID:         s.genID.Generate(),
		EventID:    input.EventID,
		MemberID:   input.MemberID,
		Period:     p,
		EventType:  input.EventType,
		Amount:     amount,
		OccurredAt: input.OccurredAt.UTC(),
		RecordedAt: now,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return &domain.TransactionResult{Period: p, Recorded: false}, nil
	}

	if err := s.repo.IncrementCounter(ctx, tx, input.MemberID, p, amount, amount, now); err != nil {
		return nil, err
	}
	for _, ancestorID := range input.Upline {
		if err := s.repo.IncrementCounter(ctx, tx, ancestorID, p, decimal.Zero, amount, now); err != nil {
			return nil, err
		}
	}
	return &domain.TransactionResult{Period: p, Recorded: true}, nil
}

func (s *Service) resolveOpenPeriod(ctx context.Context, tx *gorm.DB, p period.ID, now time.Time) (period.ID, error) {
	for i := 0; i < maxRollForward; i++ {
		row, err := s.repo.FindPeriodForShare(ctx, tx, p)
		if err != nil {
			return "", err
		}
		if row == nil {
			if err := s.repo.EnsurePeriod(ctx, tx, &domain.VolumePeriod{
				Period:    p,
				Status:    domain.PeriodStatusOpen,
				CreatedAt: now,
				UpdatedAt: now,
			}); err != nil {
				return "", err
			}
			row, err = s.repo.FindPeriodForShare(ctx, tx, p)
			if err != nil {
				return "", err
			}
			if row == nil {
				return "", fmt.Errorf("volume period %s missing after create", p)
			}
		}
		if !row.Status.Frozen() {
			return p, nil
		}
		p = p.Next()
	}
	return "", fmt.Errorf("no open volume period within %d periods of %s", maxRollForward, p)
}

func (s *Service) GetPeriod(ctx context.Context, p period.ID) (*domain.VolumePeriod, error) {
	if !p.Valid() {
		return nil, domain.ErrInvalidPeriod
	}
	row, err := s.repo.FindPeriod(ctx, s.db, p)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, domain.ErrPeriodNotFound
	}
	return row, nil
}

// ClosePeriod freezes the transaction log of a finished period. Closing an
// already frozen period is a no-op.
func (s *Service) ClosePeriod(ctx context.Context, p period.ID) (*domain.VolumePeriod, error) {
	if !p.Valid() {
		return nil, domain.ErrInvalidPeriod
	}
	now := s.clock.Now()
	if now.Before(p.End()) {
		return nil, domain.ErrPeriodNotEnded
	}

	if err := s.repo.EnsurePeriod(ctx, s.db, &domain.VolumePeriod{
		Period:    p,
		Status:    domain.PeriodStatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, err
	}
	closed, err := s.repo.UpdatePeriod(ctx, s.db, p, []domain.PeriodStatus{domain.PeriodStatusOpen}, map[string]any{
		"status":     domain.PeriodStatusClosed,
		"closed_at":  now,
		"updated_at": now,
	})
	if err != nil {
		return nil, err
	}
	if closed {
		obslogger.WithContext(ctx, s.log).Info("volume period closed", zap.String("period", p.String()))
	}
	return s.GetPeriod(ctx, p)
}

// CloseDuePeriods closes every open period that has ended, including the
// previous month when it never received an event.
func (s *Service) CloseDuePeriods(ctx context.Context) ([]period.ID, error) {
	now := s.clock.Now()
	previous := period.Of(now).Prev()
	if _, err := s.ClosePeriod(ctx, previous); err != nil {
		return nil, err
	}

	open, err := s.repo.ListPeriodsByStatus(ctx, s.db, domain.PeriodStatusOpen)
	if err != nil {
		return nil, err
	}
	closed := []period.ID{previous}
	for _, row := range open {
		if now.Before(row.Period.End()) {
			continue
		}
		if _, err := s.ClosePeriod(ctx, row.Period); err != nil {
			return closed, err
		}
		closed = append(closed, row.Period)
	}
	return closed, nil
}

type memberTotals struct {
	personal          decimal.Decimal
	team              decimal.Decimal
	activeReferrals   int
	activeDescendants int
}

type periodTotals struct {
	members      map[snowflake.ID]*memberTotals
	transactions int
	total        decimal.Decimal
}

func (t *periodTotals) get(id snowflake.ID) *memberTotals {
	m, ok := t.members[id]
	if !ok {
		m = &memberTotals{personal: decimal.Zero, team: decimal.Zero}
		t.members[id] = m
	}
	return m
}

// computeTotals derives every member's personal and team volume for p from
// the transaction log in a single pass over the network. Each member adds its
// personal volume to itself and to every id on its ancestor path, which is
// the path-prefix formulation of "sum over the whole subtree".
func (s *Service) computeTotals(ctx context.Context, p period.ID) (*periodTotals, error) {
	cfg := s.compensation.Get()
	personal, transactions, err := s.repo.PersonalVolumes(ctx, s.db, p)
	if err != nil {
		return nil, err
	}

	totals := &periodTotals{
		members:      make(map[snowflake.ID]*memberTotals, len(personal)),
		transactions: transactions,
		total:        decimal.Zero,
	}
	err = s.network.StreamAll(ctx, memberPageSize, func(batch []networkdomain.Member) error {
		for _, member := range batch {
			volume := cfg.Round(personal[member.ID])
			self := totals.get(member.ID)
			self.personal = volume
			self.team = self.team.Add(volume)
			totals.total = totals.total.Add(volume)

			active := member.Onboarded && volume.IsPositive()
			for _, ancestorID := range member.Ancestors() {
				upline := totals.get(ancestorID)
				upline.team = upline.team.Add(volume)
				if active {
					upline.activeDescendants++
				}
			}
			if active && member.SponsorID != nil {
				totals.get(*member.SponsorID).activeReferrals++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return totals, nil
}

// Aggregate recomputes every snapshot of a frozen period, verifies them and
// corrects the fast-path counters. A failed verification marks the period
// inconsistent and returns ErrAggregationInconsistent.
func (s *Service) Aggregate(ctx context.Context, p period.ID) (*domain.AggregationReport, error) {
	log := obslogger.WithContext(ctx, s.log).With(zap.String("period", p.String()))
	row, err := s.GetPeriod(ctx, p)
	if err != nil {
		return nil, err
	}
	if !row.Status.Frozen() || row.ClosedAt == nil {
		return nil, domain.ErrPeriodNotClosed
	}
	computedAt := row.ClosedAt.UTC()

	totals, err := s.computeTotals(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := s.writeSnapshots(ctx, p, totals, computedAt); err != nil {
		return nil, err
	}

	report := &domain.AggregationReport{
		Period:       p,
		Members:      len(totals.members),
		Transactions: totals.transactions,
		TotalVolume:  totals.total,
		ComputedAt:   computedAt,
	}

	if verifyErr := s.Verify(ctx, p); verifyErr != nil {
		var inconsistency *domain.InconsistencyError
		if !errors.As(verifyErr, &inconsistency) {
			return nil, verifyErr
		}
		s.flagInconsistent(ctx, log, p, inconsistency)
		report.Status = domain.PeriodStatusInconsistent
		report.Inconsistency = inconsistency
		return report, inconsistency
	}

	counters, err := s.repo.ListCounters(ctx, s.db, p)
	if err != nil {
		return nil, err
	}
	drift, err := s.correctCounters(ctx, p, counters, totals)
	if err != nil {
		return nil, err
	}
	report.CounterDrift = drift

	now := s.clock.Now()
	if _, err := s.repo.UpdatePeriod(ctx, s.db, p,
		[]domain.PeriodStatus{domain.PeriodStatusClosed, domain.PeriodStatusAggregated, domain.PeriodStatusInconsistent},
		map[string]any{
			"status":             domain.PeriodStatusAggregated,
			"aggregated_at":      now,
			"members_aggregated": report.Members,
			"inconsistencies":    0,
			"updated_at":         now,
		}); err != nil {
		return nil, err
	}
	current, err := s.GetPeriod(ctx, p)
	if err != nil {
		return nil, err
	}
	report.Status = current.Status

	log.Info("volume period aggregated",
		zap.Int("members", report.Members),
		zap.Int("transactions", report.Transactions),
		zap.String("total_volume", report.TotalVolume.String()),
		zap.Int("counter_drift", drift),
	)
	return report, nil
}

func (s *Service) writeSnapshots(ctx context.Context, p period.ID, totals *periodTotals, computedAt time.Time) error {
	ids := make([]snowflake.ID, 0, len(totals.members))
	for id := range totals.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for start := 0; start < len(ids); start += memberPageSize {
		end := start + memberPageSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := make([]domain.VolumeSnapshot, 0, end-start)
		for _, id := range ids[start:end] {
			m := totals.members[id]
			batch = append(batch, domain.VolumeSnapshot{
				MemberID:          id,
				Period:            p,
				PersonalVolume:    m.personal,
				TeamVolume:        m.team,
				ActiveReferrals:   m.activeReferrals,
				ActiveDescendants: m.activeDescendants,
				ComputedAt:        computedAt,
			})
		}
		if err := s.repo.UpsertSnapshots(ctx, s.db, batch); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) flagInconsistent(ctx context.Context, log *zap.Logger, p period.ID, inconsistency *domain.InconsistencyError) {
	now := s.clock.Now()
	if _, err := s.repo.UpdatePeriod(ctx, s.db, p,
		[]domain.PeriodStatus{domain.PeriodStatusClosed, domain.PeriodStatusAggregated, domain.PeriodStatusInconsistent},
		map[string]any{
			"status":          domain.PeriodStatusInconsistent,
			"inconsistencies": len(inconsistency.Issues),
			"updated_at":      now,
		}); err != nil {
		log.Error("failed to mark period inconsistent", zap.Error(err))
	}

	obsmetrics.Scheduler().IncAggregationInconsistency()
	affected := inconsistency.AffectedMembers()
	log.Error("volume aggregation inconsistent; tier evaluation halted for period",
		zap.Int("issues", len(inconsistency.Issues)),
		zap.Int("affected_members", len(affected)),
		zap.Error(inconsistency),
	)

	if s.auditSvc == nil {
		return
	}
	ids := make([]string, 0, maxAuditedMembers)
	for i, id := range affected {
		if i == maxAuditedMembers {
			break
		}
		ids = append(ids, id.String())
	}
	entry := auditdomain.Entry{
		Action:     auditdomain.ActionAggregationInconsistent,
		TargetType: auditdomain.TargetVolumePeriod,
		TargetID:   p.String(),
		Metadata: map[string]any{
			"issues":           len(inconsistency.Issues),
			"affected_members": ids,
			"summary":          inconsistency.Error(),
		},
	}
	if err := s.auditSvc.Record(ctx, entry); err != nil {
		log.Warn("audit write failed", zap.Error(err))
	}
}

// Verify checks the stored snapshots of p against the aggregation invariants:
// team >= personal, team >= every child's team, and
// team == personal + sum of the children's team.
func (s *Service) Verify(ctx context.Context, p period.ID) error {
	if !p.Valid() {
		return domain.ErrInvalidPeriod
	}
	cfg := s.compensation.Get()

	snapshots := map[snowflake.ID]domain.VolumeSnapshot{}
	var afterMember snowflake.ID
	for {
		batch, err := s.repo.ListSnapshots(ctx, s.db, p, afterMember, memberPageSize)
		if err != nil {
			return err
		}
		for _, snap := range batch {
			snap.PersonalVolume = cfg.Round(snap.PersonalVolume)
			snap.TeamVolume = cfg.Round(snap.TeamVolume)
			snapshots[snap.MemberID] = snap
		}
		if len(batch) < memberPageSize {
			break
		}
		afterMember = batch[len(batch)-1].MemberID
	}

	childSum := map[snowflake.ID]decimal.Decimal{}
	childMax := map[snowflake.ID]decimal.Decimal{}
	var issues []domain.Issue
	periodEnd := p.End()

	err := s.network.StreamAll(ctx, memberPageSize, func(batch []networkdomain.Member) error {
		for _, member := range batch {
			snap, ok := snapshots[member.ID]
			if !ok {
				if member.CreatedAt.Before(periodEnd) {
					issues = append(issues, domain.Issue{MemberID: member.ID, Kind: domain.IssueMissingSnapshot})
				}
				continue
			}
			if member.SponsorID == nil {
				continue
			}
			sponsorID := *member.SponsorID
			childSum[sponsorID] = childSum[sponsorID].Add(snap.TeamVolume)
			if snap.TeamVolume.GreaterThan(childMax[sponsorID]) {
				childMax[sponsorID] = snap.TeamVolume
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	ids := make([]snowflake.ID, 0, len(snapshots))
	for id := range snapshots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		snap := snapshots[id]
		if snap.TeamVolume.LessThan(snap.PersonalVolume) {
			issues = append(issues, domain.Issue{
				MemberID: id,
				Kind:     domain.IssueTeamBelowPersonal,
				Detail:   fmt.Sprintf("team=%s personal=%s", snap.TeamVolume, snap.PersonalVolume),
			})
		}
		if maxChild := childMax[id]; maxChild.GreaterThan(snap.TeamVolume) {
			issues = append(issues, domain.Issue{
				MemberID: id,
				Kind:     domain.IssueChildExceedsTeam,
				Detail:   fmt.Sprintf("team=%s child=%s", snap.TeamVolume, maxChild),
			})
		}
		expected := snap.PersonalVolume.Add(childSum[id])
		if !expected.Equal(snap.TeamVolume) {
			issues = append(issues, domain.Issue{
				MemberID: id,
				Kind:     domain.IssueSumMismatch,
				Detail:   fmt.Sprintf("team=%s expected=%s", snap.TeamVolume, expected),
			})
		}
	}

	if len(issues) > 0 {
		return &domain.InconsistencyError{Period: p, Issues: issues}
	}
	return nil
}

// RefreshRunningCounters measures and repairs counter drift of p against the log.
// Counters are read before the log is summed, so every observed version is
// no newer than the sum it is compared with.
func (s *Service) RefreshRunningCounters(ctx context.Context, p period.ID) (*domain.CounterRefreshReport, error) {
	if !p.Valid() {
		return nil, domain.ErrInvalidPeriod
	}
	counters, err := s.repo.ListCounters(ctx, s.db, p)
	if err != nil {
		return nil, err
	}
	totals, err := s.computeTotals(ctx, p)
	if err != nil {
		return nil, err
	}
	drift, err := s.correctCounters(ctx, p, counters, totals)
	if err != nil {
		return nil, err
	}
	obslogger.WithContext(ctx, s.log).Info("running counters refreshed",
		zap.String("period", p.String()),
		zap.Int("members", len(totals.members)),
		zap.Int("drift", drift),
	)
	return &domain.CounterRefreshReport{Period: p, Members: len(totals.members), Drift: drift}, nil
}

// correctCounters overwrites drifted counters with computed values. Every write
// is conditional on the counter version read earlier, so an increment that
// lands mid-way is never lost; that member is left for the next refresh.
func (s *Service) correctCounters(ctx context.Context, p period.ID, counters map[snowflake.ID]domain.MemberVolumeCounter, totals *periodTotals) (int, error) {
	cfg := s.compensation.Get()
	now := s.clock.Now()
	drift := 0
	for id, m := range totals.members {
		counter, ok := counters[id]
		if !ok {
			if m.personal.IsZero() && m.team.IsZero() {
				continue
			}
			drift++
			if _, err := s.repo.InsertCounterIfAbsent(ctx, s.db, &domain.MemberVolumeCounter{
				MemberID:       id,
				Period:         p,
				PersonalVolume: m.personal,
				TeamVolume:     m.team,
				Version:        1,
				UpdatedAt:      now,
			}); err != nil {
				return drift, err
			}
			continue
		}
		if cfg.Round(counter.PersonalVolume).Equal(m.personal) && cfg.Round(counter.TeamVolume).Equal(m.team) {
			continue
		}
		drift++
		s.log.Warn("running counter drift corrected",
			zap.String("member_id", id.String()),
			zap.String("period", p.String()),
			zap.String("counter_team", counter.TeamVolume.String()),
			zap.String("computed_team", m.team.String()),
		)
		if _, err := s.repo.CorrectCounter(ctx, s.db, domain.MemberVolumeCounter{
			MemberID:       id,
			Period:         p,
			PersonalVolume: m.personal,
			TeamVolume:     m.team,
			UpdatedAt:      now,
		}, counter.Version); err != nil {
			return drift, err
		}
	}
	obsmetrics.Scheduler().AddCounterDrift(drift)
	return drift, nil
}

func (s *Service) MarkEvaluatedTx(ctx context.Context, tx *gorm.DB, p period.ID) error {
	now := s.clock.Now()
	_, err := s.repo.UpdatePeriod(ctx, tx, p, []domain.PeriodStatus{domain.PeriodStatusAggregated}, map[string]any{
		"status":       domain.PeriodStatusEvaluated,
		"evaluated_at": now,
		"updated_at":   now,
	})
	return err
}

func (s *Service) GetSnapshot(ctx context.Context, memberID snowflake.ID, p period.ID) (*domain.VolumeSnapshot, error) {
	return s.repo.FindSnapshot(ctx, s.db, memberID, p)
}

func (s *Service) ListSnapshots(ctx context.Context, p period.ID, afterMember snowflake.ID, limit int) ([]domain.VolumeSnapshot, error) {
	if limit <= 0 {
		limit = memberPageSize
	}
	return s.repo.ListSnapshots(ctx, s.db, p, afterMember, limit)
}

func (s *Service) LatestSnapshot(ctx context.Context, memberID snowflake.ID) (*domain.VolumeSnapshot, error) {
	return s.repo.LatestSnapshot(ctx, s.db, memberID)
}

func (s *Service) GetCounter(ctx context.Context, memberID snowflake.ID, p period.ID) (*domain.MemberVolumeCounter, error) {
	return s.repo.FindCounter(ctx, s.db, memberID, p)
}

func (s *Service) PeriodsWithStatus(ctx context.Context, status domain.PeriodStatus) ([]domain.VolumePeriod, error) {
	return s.repo.ListPeriodsByStatus(ctx, s.db, status)
}

func (s *Service) UnevaluatedPeriods(ctx context.Context, before period.ID) ([]domain.VolumePeriod, error) {
	return s.repo.ListUnevaluatedPeriods(ctx, s.db, before)
}
