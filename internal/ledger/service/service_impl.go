package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/cascade/internal/audit/domain"
	"github.com/smallbiznis/cascade/internal/clock"
	"github.com/smallbiznis/cascade/internal/config"
	"github.com/smallbiznis/cascade/internal/ledger/cache"
	ledgerdomain "github.com/smallbiznis/cascade/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/cascade/internal/observability/metrics"
	"github.com/smallbiznis/cascade/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Repo         ledgerdomain.Repository
	Compensation *config.CompensationConfigHolder
	Cache        cache.EarningsCache `optional:"true"`
	AuditSvc     auditdomain.Service `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	repo         ledgerdomain.Repository
	compensation *config.CompensationConfigHolder
	cache        cache.EarningsCache
	auditSvc     auditdomain.Service
	obsMetrics   *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("ledger.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		repo:         p.Repo,
		compensation: p.Compensation,
		cache:        p.Cache,
		auditSvc:     p.AuditSvc,
		obsMetrics:   p.ObsMetrics,
	}
}

func (s *Service) Append(ctx context.Context, input ledgerdomain.AppendInput) (*ledgerdomain.AppendResult, error) {
	result, err := s.AppendTx(ctx, s.db, input)
	if err != nil {
		return nil, err
	}
	if result.Created {
		s.InvalidateEarnings(ctx, input.RecipientID)
	}
	return result, nil
}

// AppendTx inserts an entry through tx. A key that already exists yields the stored
// entry with Created=false; the caller owns cache invalidation after commit.
func (s *Service) AppendTx(ctx context.Context, tx *gorm.DB, input ledgerdomain.AppendInput) (*ledgerdomain.AppendResult, error) {
	input.IdempotencyKey = strings.TrimSpace(input.IdempotencyKey)
	input.SourceEventID = strings.TrimSpace(input.SourceEventID)
	if input.RecipientID == 0 || input.IdempotencyKey == "" || input.SourceEventID == "" {
		return nil, ledgerdomain.ErrInvalidEntry
	}
	if input.Level < ledgerdomain.SelfLevel {
		return nil, ledgerdomain.ErrInvalidEntry
	}
	switch input.EntryType {
	case ledgerdomain.EntryTypeReferral, ledgerdomain.EntryTypeTeamVolumeBonus, ledgerdomain.EntryTypeAchievementBonus:
	default:
		return nil, ledgerdomain.ErrInvalidEntry
	}
	amount := s.compensation.Get().Round(input.Amount)
	if !amount.IsPositive() {
		return nil, ledgerdomain.ErrInvalidEntry
	}

	entry := &ledgerdomain.CommissionEntry{
		ID:             s.genID.Generate(),
		RecipientID:    input.RecipientID,
		SourceMemberID: input.SourceMemberID,
		SourceEventID:  input.SourceEventID,
		Level:          input.Level,
		EntryType:      input.EntryType,
		Amount:         amount,
		Status:         ledgerdomain.EntryStatusPending,
		IdempotencyKey: input.IdempotencyKey,
		CreatedAt:      s.clock.Now(),
	}
	created, err := s.repo.InsertIgnoreDuplicate(ctx, tx, entry)
	if err != nil {
		return nil, err
	}
	if !created {
		existing, err := s.repo.FindByIdempotencyKey(ctx, tx, input.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, errors.New("commission entry vanished after conflict")
		}
		return &ledgerdomain.AppendResult{Entry: existing, Created: false}, nil
	}

	s.obsMetrics.RecordCommissionEntry(ctx, string(entry.EntryType), entry.Level, entry.Amount)
	return &ledgerdomain.AppendResult{Entry: entry, Created: true}, nil
}

func (s *Service) ListEntries(ctx context.Context, req ledgerdomain.ListEntriesRequest) (ledgerdomain.ListEntriesResponse, error) {
	var afterID snowflake.ID
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return ledgerdomain.ListEntriesResponse{}, ledgerdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(cursor.ID))
		if err != nil || id == 0 {
			return ledgerdomain.ListEntriesResponse{}, ledgerdomain.ErrInvalidPageToken
		}
		afterID = id
	}

	pageSize := pagination.ClampPageSize(req.PageSize)
	items, err := s.repo.List(ctx, s.db, ledgerdomain.ListFilter{
		RecipientID:    req.RecipientID,
		SourceMemberID: req.SourceMemberID,
		Status:         req.Status,
		AfterID:        afterID,
		Limit:          pageSize,
	})
	if err != nil {
		return ledgerdomain.ListEntriesResponse{}, err
	}

	items, pageInfo := pagination.Page(items, pageSize, func(item *ledgerdomain.CommissionEntry) pagination.Cursor {
		return pagination.Cursor{ID: item.ID.String()}
	})

	entries := make([]ledgerdomain.CommissionEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, *item)
	}
	return ledgerdomain.ListEntriesResponse{PageInfo: pageInfo, Entries: entries}, nil
}

// LifetimeEarnings reads through the cache; the ledger sum is the answer on any cache trouble.
func (s *Service) LifetimeEarnings(ctx context.Context, memberID snowflake.ID) (decimal.Decimal, error) {
	var (
		generation int64
		cacheable  bool
	)
	if s.cache != nil {
		gen, err := s.cache.Generation(ctx, memberID)
		if err != nil {
			s.log.Warn("earnings cache read failed", zap.String("member_id", memberID.String()), zap.Error(err))
		} else {
			amount, ok, err := s.cache.Get(ctx, memberID)
			switch {
			case err != nil:
				s.log.Warn("earnings cache read failed", zap.String("member_id", memberID.String()), zap.Error(err))
			case ok:
				return amount, nil
			default:
				generation, cacheable = gen, true
			}
		}
	}

	total, err := s.sumEarnings(ctx, memberID)
	if err != nil {
		return decimal.Zero, err
	}
	if cacheable {
		stored, err := s.cache.Set(ctx, memberID, total, generation)
		switch {
		case err != nil:
			s.log.Warn("earnings cache write failed", zap.String("member_id", memberID.String()), zap.Error(err))
		case !stored:
			s.log.Debug("earnings changed while summing, cache left empty", zap.String("member_id", memberID.String()))
		}
	}
	return total, nil
}

// CachedEarnings exposes the raw cache value for reconciliation.
func (s *Service) CachedEarnings(ctx context.Context, memberID snowflake.ID) (decimal.Decimal, bool, error) {
	if s.cache == nil {
		return decimal.Zero, false, nil
	}
	return s.cache.Get(ctx, memberID)
}

// RecomputeEarnings sums the ledger directly, bypassing the cache.
func (s *Service) RecomputeEarnings(ctx context.Context, memberID snowflake.ID) (decimal.Decimal, error) {
	return s.sumEarnings(ctx, memberID)
}

func (s *Service) InvalidateEarnings(ctx context.Context, memberIDs ...snowflake.ID) {
	if s.cache == nil || len(memberIDs) == 0 {
		return
	}
	if err := s.cache.Invalidate(ctx, memberIDs...); err != nil {
		s.log.Warn("earnings cache invalidation failed", zap.Int("members", len(memberIDs)), zap.Error(err))
	}
}

// VoidEntry cancels a pending, unclaimed entry inside the dispute window.
func (s *Service) VoidEntry(ctx context.Context, entryID snowflake.ID, reason string) (*ledgerdomain.CommissionEntry, error) {
	reason = strings.TrimSpace(reason)
	if entryID == 0 || reason == "" {
		return nil, ledgerdomain.ErrInvalidEntry
	}
	changed, err := s.repo.MarkFailed(ctx, s.db, entryID, reason)
	if err != nil {
		return nil, err
	}
	entry, err := s.repo.FindByID(ctx, s.db, entryID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ledgerdomain.ErrEntryNotFound
	}
	if !changed {
		if entry.Status == ledgerdomain.EntryStatusFailed {
			return entry, nil
		}
		return nil, ledgerdomain.ErrEntryNotPending
	}

	s.InvalidateEarnings(ctx, entry.RecipientID)
	s.log.Info("commission entry voided",
		zap.String("entry_id", entryID.String()),
		zap.String("recipient_id", entry.RecipientID.String()),
		zap.String("reason", reason),
	)
	if s.auditSvc != nil {
		record := auditdomain.Entry{
			Action:     auditdomain.ActionEntryVoided,
			TargetType: auditdomain.TargetCommissionEntry,
			TargetID:   entryID.String(),
			Metadata: map[string]any{
				"reason":       reason,
				"recipient_id": entry.RecipientID.String(),
				"amount":       entry.Amount.String(),
			},
		}
		if err := s.auditSvc.Record(ctx, record); err != nil {
			s.log.Warn("audit write failed", zap.Error(err))
		}
	}
	return entry, nil
}

func (s *Service) CountForMember(ctx context.Context, memberID snowflake.ID) (int64, error) {
	return s.repo.CountInvolving(ctx, s.db, memberID)
}

func (s *Service) sumEarnings(ctx context.Context, memberID snowflake.ID) (decimal.Decimal, error) {
	total, err := s.repo.SumByRecipient(ctx, s.db, memberID)
	if err != nil {
		return decimal.Zero, err
	}
	return s.compensation.Get().Round(total), nil
}
