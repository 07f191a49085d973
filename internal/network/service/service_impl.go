package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/cascade/internal/audit/domain"
	"github.com/smallbiznis/cascade/internal/clock"
	"github.com/smallbiznis/cascade/internal/network/domain"
	"github.com/smallbiznis/cascade/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultPageSize = 500

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	AuditSvc auditdomain.Service `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	auditSvc auditdomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("network.directory"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		auditSvc: p.AuditSvc,
	}
}

func (s *Service) Register(ctx context.Context, sponsorID *snowflake.ID) (*domain.Member, error) {
	return s.Attach(ctx, s.genID.Generate(), sponsorID)
}

// Attach places memberID under sponsorID. A nil sponsor creates a root.
// Re-attaching to the same sponsor is a no-op; changing an existing sponsor is rejected.
func (s *Service) Attach(ctx context.Context, memberID snowflake.ID, sponsorID *snowflake.ID) (*domain.Member, error) {
	if memberID == 0 {
		return nil, domain.ErrInvalidMember
	}
	if sponsorID != nil && *sponsorID == 0 {
		sponsorID = nil
	}
	if sponsorID != nil && *sponsorID == memberID {
		return nil, domain.ErrCycleDetected
	}

	var (
		result   *domain.Member
		attached bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sponsor *domain.Member
		if sponsorID != nil {
			found, err := s.repo.FindByIDForUpdate(ctx, tx, *sponsorID)
			if err != nil {
				return err
			}
			if found == nil {
				return domain.ErrSponsorNotFound
			}
			if found.HasAncestor(memberID) {
				return domain.ErrCycleDetected
			}
			sponsor = found
		}

		existing, err := s.repo.FindByIDForUpdate(ctx, tx, memberID)
		if err != nil {
			return err
		}
		if existing != nil {
			member, changed, err := s.placeExisting(ctx, tx, existing, sponsor)
			if err != nil {
				return err
			}
			result, attached = member, changed
			return nil
		}

		now := s.clock.Now()
		path, depth := placement(sponsor)
		member := &domain.Member{
			ID:        memberID,
			SponsorID: sponsorID,
			Path:      path,
			Depth:     depth,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.repo.Insert(ctx, tx, member); err != nil {
			return err
		}
		result, attached = member, true
		return nil
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			// A concurrent attach won the insert; re-evaluate against the stored row.
			return s.Attach(ctx, memberID, sponsorID)
		}
		return nil, err
	}

	if attached {
		s.log.Info("member attached",
			zap.String("member_id", memberID.String()),
			zap.String("sponsor_id", idString(sponsorID)),
			zap.Int("depth", result.Depth),
		)
		s.audit(ctx, auditdomain.ActionMemberAttached, memberID, map[string]any{
			"sponsor_id": idString(sponsorID),
			"depth":      result.Depth,
		})
	}
	return result, nil
}

// placeExisting handles attach calls for a member already stored. Only a root
// without a sponsor may gain one, which moves its whole subtree.
func (s *Service) placeExisting(ctx context.Context, tx *gorm.DB, existing *domain.Member, sponsor *domain.Member) (*domain.Member, bool, error) {
	switch {
	case existing.SponsorID == nil && sponsor == nil:
		return existing, false, nil
	case existing.SponsorID != nil && sponsor != nil && *existing.SponsorID == sponsor.ID:
		return existing, false, nil
	case existing.SponsorID != nil:
		return nil, false, domain.ErrSponsorImmutable
	}

	now := s.clock.Now()
	oldPrefix := existing.SubtreePrefix()
	path, depth := placement(sponsor)
	delta := depth - existing.Depth
	sponsorID := sponsor.ID

	if err := s.repo.UpdatePlacement(ctx, tx, existing.ID, &sponsorID, path, depth, now); err != nil {
		return nil, false, err
	}

	newPrefix := domain.ChildPath(path, existing.ID)
	moved := 0
	var afterID snowflake.ID
	for {
		batch, err := s.repo.ListByPathPrefix(ctx, tx, oldPrefix, afterID, defaultPageSize)
		if err != nil {
			return nil, false, err
		}
		if len(batch) == 0 {
			break
		}
		for _, d := range batch {
			rewritten := newPrefix + strings.TrimPrefix(d.Path, oldPrefix)
			if err := s.repo.UpdatePlacement(ctx, tx, d.ID, d.SponsorID, rewritten, d.Depth+delta, now); err != nil {
				return nil, false, err
			}
		}
		moved += len(batch)
		afterID = batch[len(batch)-1].ID
		if len(batch) < defaultPageSize {
			break
		}
	}
	if moved > 0 {
		s.log.Info("subtree re-rooted",
			zap.String("member_id", existing.ID.String()),
			zap.String("sponsor_id", sponsor.ID.String()),
			zap.Int("descendants", moved),
		)
	}

	existing.SponsorID = &sponsorID
	existing.Path = path
	existing.Depth = depth
	existing.UpdatedAt = now
	return existing, true, nil
}

func (s *Service) MarkOnboarded(ctx context.Context, memberID snowflake.ID, at time.Time) (*domain.Member, error) {
	if memberID == 0 {
		return nil, domain.ErrInvalidMember
	}
	if at.IsZero() {
		at = s.clock.Now()
	}
	changed, err := s.repo.MarkOnboarded(ctx, s.db, memberID, at.UTC())
	if err != nil {
		return nil, err
	}
	member, err := s.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if changed {
		s.log.Info("member onboarded", zap.String("member_id", memberID.String()))
		s.audit(ctx, auditdomain.ActionMemberOnboarded, memberID, nil)
	}
	return member, nil
}

func (s *Service) GetMember(ctx context.Context, memberID snowflake.ID) (*domain.Member, error) {
	member, err := s.repo.FindByID(ctx, s.db, memberID)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, domain.ErrMemberNotFound
	}
	return member, nil
}

// AncestorsOf returns up to maxLevels ancestor ids, nearest first.
func (s *Service) AncestorsOf(ctx context.Context, memberID snowflake.ID, maxLevels int) ([]snowflake.ID, error) {
	member, err := s.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	ancestors := member.Ancestors()
	if maxLevels >= 0 && len(ancestors) > maxLevels {
		ancestors = ancestors[:maxLevels]
	}
	return ancestors, nil
}

// LoadAncestors is AncestorsOf with the member rows, preserving level order.
func (s *Service) LoadAncestors(ctx context.Context, memberID snowflake.ID, maxLevels int) ([]domain.Member, error) {
	ids, err := s.AncestorsOf(ctx, memberID, maxLevels)
	if err != nil {
		return nil, err
	}
	rows, err := s.repo.FindByIDs(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[snowflake.ID]domain.Member, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	out := make([]domain.Member, 0, len(ids))
	for _, id := range ids {
		row, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("ancestor %s of %s: %w", id, memberID, domain.ErrMemberNotFound)
		}
		out = append(out, row)
	}
	return out, nil
}

// DescendantsOf streams the whole subtree below memberID page by page.
func (s *Service) DescendantsOf(ctx context.Context, memberID snowflake.ID, pageSize int, fn domain.BatchFunc) error {
	member, err := s.GetMember(ctx, memberID)
	if err != nil {
		return err
	}
	return s.stream(ctx, pageSize, fn, func(afterID snowflake.ID, limit int) ([]domain.Member, error) {
		return s.repo.ListByPathPrefix(ctx, s.db, member.SubtreePrefix(), afterID, limit)
	})
}

func (s *Service) ChildrenOf(ctx context.Context, memberID snowflake.ID) ([]domain.Member, error) {
	return s.repo.ListChildren(ctx, s.db, memberID)
}

func (s *Service) StreamAll(ctx context.Context, pageSize int, fn domain.BatchFunc) error {
	return s.stream(ctx, pageSize, fn, func(afterID snowflake.ID, limit int) ([]domain.Member, error) {
		return s.repo.ListAll(ctx, s.db, afterID, limit)
	})
}

func (s *Service) stream(ctx context.Context, pageSize int, fn domain.BatchFunc, next func(snowflake.ID, int) ([]domain.Member, error)) error {
	if fn == nil {
		return errors.New("batch func is required")
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	var afterID snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := next(afterID, pageSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < pageSize {
			return nil
		}
		afterID = batch[len(batch)-1].ID
	}
}

// UpdateTierStateTx writes the evaluator's tier placement through the caller's transaction.
func (s *Service) UpdateTierStateTx(ctx context.Context, tx *gorm.DB, memberID snowflake.ID, state domain.TierState) error {
	if memberID == 0 {
		return domain.ErrInvalidMember
	}
	return s.repo.UpdateTierState(ctx, tx, memberID, state, s.clock.Now())
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

func placement(sponsor *domain.Member) (string, int) {
	if sponsor == nil {
		return "", 0
	}
	return domain.ChildPath(sponsor.Path, sponsor.ID), sponsor.Depth + 1
}

func idString(id *snowflake.ID) string {
	if id == nil || *id == 0 {
		return ""
	}
	return id.String()
}
