package service

import (
	"context"
	"errors"
	"strings"

	auditdomain "github.com/smallbiznis/cascade/internal/audit/domain"
	"github.com/smallbiznis/cascade/internal/commission/domain"
	"github.com/smallbiznis/cascade/internal/config"
	ledgerdomain "github.com/smallbiznis/cascade/internal/ledger/domain"
	networkdomain "github.com/smallbiznis/cascade/internal/network/domain"
	obsmetrics "github.com/smallbiznis/cascade/internal/observability/metrics"
	"github.com/smallbiznis/cascade/internal/observability/tracing"
	volumedomain "github.com/smallbiznis/cascade/internal/volume/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
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
		log:          p.Log.Named("commission.calculator"),
		network:      p.Network,
		ledger:       p.Ledger,
		volume:       p.Volume,
		compensation: p.Compensation,
		auditSvc:     p.AuditSvc,
		obsMetrics:   p.ObsMetrics,
	}
}

// RecordEvent books a qualifying event: the volume log row and running counters
// in one transaction, then one ledger entry per eligible upline level.
// Every step is keyed by the event id, so a retry after a partial failure
// completes the missing levels without duplicating the stored ones.
func (s *Service) RecordEvent(ctx context.Context, event domain.Event) (*domain.RecordResult, error) {
	ctx, span := tracing.Start(ctx, "commission", "commission.record_event",
		attribute.String("event_id", event.EventID),
		attribute.String("event_type", event.EventType),
	)
	result, err := s.recordEvent(ctx, event)
	if result != nil {
		span.SetAttributes(
			attribute.Int("entries_created", result.Created),
			attribute.Bool("duplicate", result.Duplicate),
		)
	}
	tracing.End(span, err)
	return result, err
}

func (s *Service) recordEvent(ctx context.Context, event domain.Event) (*domain.RecordResult, error) {
	cfg := s.compensation.Get()

	event.EventID = strings.TrimSpace(event.EventID)
	event.EventType = strings.ToLower(strings.TrimSpace(event.EventType))
	if event.EventID == "" || event.SourceMemberID == 0 || event.OccurredAt.IsZero() {
		return nil, domain.ErrInvalidEvent
	}
	if !event.Amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	if !cfg.IsQualifyingEvent(event.EventType) {
		return nil, domain.ErrNonQualifyingEvent
	}

	log := s.log.With(
		zap.String("event_id", event.EventID),
		zap.String("source_member_id", event.SourceMemberID.String()),
		zap.String("event_type", event.EventType),
	)

	member, err := s.network.GetMember(ctx, event.SourceMemberID)
	if err != nil {
		if errors.Is(err, networkdomain.ErrMemberNotFound) {
			return nil, domain.ErrUnknownMember
		}
		return nil, err
	}

	if !member.Onboarded && event.EventType == domain.EventTypeStarter {
		member, err = s.network.MarkOnboarded(ctx, member.ID, event.OccurredAt)
		if err != nil {
			return nil, err
		}
	}

	result := &domain.RecordResult{EventID: event.EventID}
	if !member.Onboarded {
		skip := domain.Skip{MemberID: member.ID, Reason: domain.SkipSourceNotOnboarded}
		result.Skipped = append(result.Skipped, skip)
		log.Info("event skipped, source not onboarded")
		s.recordSkip(ctx, event, skip)
		return result, nil
	}

	var txn *volumedomain.TransactionResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		recorded, err := s.volume.RecordTransactionTx(ctx, tx, volumedomain.TransactionInput{
			EventID:    event.EventID,
			MemberID:   member.ID,
			EventType:  event.EventType,
			Amount:     event.Amount,
			OccurredAt: event.OccurredAt,
			Upline:     member.Ancestors(),
		})
		if err != nil {
			return err
		}
		txn = recorded
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Period = txn.Period

	ancestors, err := s.network.LoadAncestors(ctx, member.ID, cfg.MaxDepth)
	if err != nil {
		return nil, err
	}

	for i, ancestor := range ancestors {
		level := i + 1
		amount := cfg.Round(event.Amount.Mul(cfg.LevelRate(level)))
		if !amount.IsPositive() {
			continue
		}
		if !ancestor.Onboarded {
			skip := domain.Skip{MemberID: ancestor.ID, Level: level, Reason: domain.SkipAncestorNotOnboarded}
			result.Skipped = append(result.Skipped, skip)
			if txn.Recorded {
				log.Info("level skipped, ancestor not onboarded",
					zap.String("ancestor_id", ancestor.ID.String()),
					zap.Int("level", level),
				)
				s.recordSkip(ctx, event, skip)
			}
			continue
		}

		appended, err := s.ledger.Append(ctx, ledgerdomain.AppendInput{
			RecipientID:    ancestor.ID,
			SourceMemberID: member.ID,
			SourceEventID:  event.EventID,
			Level:          level,
			EntryType:      ledgerdomain.EntryTypeReferral,
			Amount:         amount,
			IdempotencyKey: ledgerdomain.LevelKey(event.EventID, ancestor.ID, level),
		})
		if err != nil {
			log.Error("append commission entry failed", zap.Int("level", level), zap.Error(err))
			return nil, err
		}
		result.Entries = append(result.Entries, *appended.Entry)
		if appended.Created {
			result.Created++
		}
	}

	result.Duplicate = !txn.Recorded && result.Created == 0
	if result.Duplicate {
		s.obsMetrics.RecordDuplicateEvent(ctx, event.EventType)
		log.Debug("duplicate event ignored")
		return result, nil
	}

	s.obsMetrics.RecordQualifyingEvent(ctx, event.EventType)
	log.Info("event recorded",
		zap.String("period", txn.Period.String()),
		zap.Int("entries_created", result.Created),
		zap.Int("levels_skipped", len(result.Skipped)),
	)
	return result, nil
}

func (s *Service) recordSkip(ctx context.Context, event domain.Event, skip domain.Skip) {
	s.obsMetrics.RecordEligibilitySkip(ctx, string(skip.Reason))
	if s.auditSvc == nil {
		return
	}
	entry := auditdomain.Entry{
		Action:     auditdomain.ActionEligibilitySkipped,
		TargetType: auditdomain.TargetMember,
		TargetID:   skip.MemberID.String(),
		Metadata: map[string]any{
			"event_id":         event.EventID,
			"source_member_id": event.SourceMemberID.String(),
			"level":            skip.Level,
			"reason":           string(skip.Reason),
			"amount":           event.Amount.String(),
		},
	}
	if err := s.auditSvc.Record(ctx, entry); err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}
}
