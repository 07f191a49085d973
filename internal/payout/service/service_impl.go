package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/cascade/internal/audit/domain"
	"github.com/smallbiznis/cascade/internal/audit/masking"
	"github.com/smallbiznis/cascade/internal/clock"
	"github.com/smallbiznis/cascade/internal/config"
	ledgerdomain "github.com/smallbiznis/cascade/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/cascade/internal/observability/metrics"
	"github.com/smallbiznis/cascade/internal/payout/domain"
	"github.com/smallbiznis/cascade/internal/payout/gateway"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	defaultBatchSize   = 100
	defaultConcurrency = 4
	defaultCallTimeout = 20 * time.Second
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Repo         domain.Repository
	LedgerRepo   ledgerdomain.Repository
	Registry     *gateway.Registry
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
	ledgerRepo   ledgerdomain.Repository
	registry     *gateway.Registry
	compensation *config.CompensationConfigHolder
	auditSvc     auditdomain.Service
	obsMetrics   *obsmetrics.Metrics
	limiter      *rate.Limiter

	cycleMu  sync.Mutex
	reportMu sync.Mutex
}

func NewService(p Params) domain.Service {
	limit := rate.Inf
	if rps := p.Compensation.Get().Payout.RatePerSecond; rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("payout.processor"),
		genID:        p.GenID,
		clock:        p.Clock,
		repo:         p.Repo,
		ledgerRepo:   p.LedgerRepo,
		registry:     p.Registry,
		compensation: p.Compensation,
		auditSvc:     p.AuditSvc,
		obsMetrics:   p.ObsMetrics,
		limiter:      rate.NewLimiter(limit, 1),
	}
}

func (s *Service) UpsertProfile(ctx context.Context, req domain.UpsertProfileRequest) (*domain.PayoutProfile, error) {
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" {
		provider = s.compensation.Get().Payout.DefaultProvider
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.compensation.Get().Payout.Currency
	}
	destination := strings.TrimSpace(req.Destination)
	if req.MemberID == 0 || destination == "" || currency == "" {
		return nil, domain.ErrInvalidProfile
	}
	if !s.registry.ProviderExists(provider) {
		return nil, domain.ErrProviderMissing
	}

	now := s.clock.Now()
	profile := &domain.PayoutProfile{
		MemberID:    req.MemberID,
		Provider:    provider,
		Destination: destination,
		Currency:    currency,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.UpsertProfile(ctx, s.db, profile); err != nil {
		return nil, err
	}
	return s.repo.FindProfile(ctx, s.db, req.MemberID)
}

// SelectEligible groups pending, unclaimed entries older than the payout delay per
// recipient and keeps the recipients whose total reaches the minimum.
func (s *Service) SelectEligible(ctx context.Context, now time.Time) ([]domain.Eligible, error) {
	eligible, _, err := s.selectEligible(ctx, now)
	return eligible, err
}

func (s *Service) selectEligible(ctx context.Context, now time.Time) ([]domain.Eligible, int, error) {
	cfg := s.compensation.Get()
	cutoff := now.Add(-cfg.Payout.Delay)
	minAmount := cfg.Payout.MinAmountDecimal()
	pageSize := cfg.Payout.BatchSize
	if pageSize <= 0 {
		pageSize = defaultBatchSize
	}

	var (
		out      []domain.Eligible
		belowMin int
		after    snowflake.ID
	)
	for {
		totals, err := s.ledgerRepo.PendingTotals(ctx, s.db, cutoff, after, pageSize)
		if err != nil {
			return nil, 0, err
		}
		for _, total := range totals {
			amount := cfg.Round(total.Total)
			if amount.LessThan(minAmount) || !amount.IsPositive() {
				belowMin++
				continue
			}
			out = append(out, domain.Eligible{RecipientID: total.RecipientID, Total: amount, Entries: total.Entries})
		}
		if len(totals) < pageSize {
			return out, belowMin, nil
		}
		after = totals[len(totals)-1].RecipientID
	}
}

// RunCycle recovers interrupted batches, resolves ambiguous ones, retries due
// failures and then disburses newly eligible balances.
func (s *Service) RunCycle(ctx context.Context) (*domain.CycleReport, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	cfg := s.compensation.Get()
	report := &domain.CycleReport{StartedAt: s.clock.Now()}
	var errs []error

	recovered, err := s.RecoverStuck(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("recover stuck: %w", err))
	}
	report.Recovered = recovered

	ambiguous, err := s.repo.ListByStatus(ctx, s.db, domain.BatchStatusAmbiguous, s.batchSize(cfg))
	if err != nil {
		return report, err
	}
	for i := range ambiguous {
		resolved, err := s.resolveAmbiguous(ctx, cfg, &ambiguous[i], report)
		if err != nil {
			errs = append(errs, fmt.Errorf("resolve batch %s: %w", ambiguous[i].ID, err))
			continue
		}
		if resolved {
			report.Resolved++
		}
	}

	due, err := s.repo.ListDueRetries(ctx, s.db, s.clock.Now(), s.batchSize(cfg))
	if err != nil {
		return report, err
	}
	if err := s.fanOut(ctx, cfg, len(due), func(ctx context.Context, i int) error {
		batch := due[i]
		started, err := s.beginRetry(ctx, &batch)
		if err != nil || !started {
			return err
		}
		s.count(report, func(r *domain.CycleReport) { r.Retried++ })
		return s.attempt(ctx, cfg, &batch, report)
	}); err != nil {
		errs = append(errs, err)
	}

	eligible, belowMin, err := s.selectEligible(ctx, s.clock.Now())
	if err != nil {
		return report, err
	}
	report.BelowMin = belowMin
	if err := s.fanOut(ctx, cfg, len(eligible), func(ctx context.Context, i int) error {
		batch, err := s.createBatch(ctx, cfg, eligible[i], report)
		if err != nil || batch == nil {
			return err
		}
		return s.attempt(ctx, cfg, batch, report)
	}); err != nil {
		errs = append(errs, err)
	}

	report.FinishedAt = s.clock.Now()
	s.log.Info("payout cycle finished",
		zap.Int("created", report.Created),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("scheduled", report.Scheduled),
		zap.Int("ambiguous", report.Ambiguous),
		zap.Int("failed", report.Failed),
		zap.Int("no_profile", report.NoProfile),
		zap.Int("below_min", report.BelowMin),
	)
	return report, errors.Join(errs...)
}

// RecoverStuck marks batches left processing past the ambiguity window as
// ambiguous, so their fate is settled by a status query and never by a resend.
func (s *Service) RecoverStuck(ctx context.Context) (int, error) {
	cfg := s.compensation.Get()
	window := cfg.Payout.AmbiguousAfter
	if window <= 0 {
		window = 2 * s.callTimeout(cfg)
	}
	now := s.clock.Now()
	stuck, err := s.repo.ListStuck(ctx, s.db, now.Add(-window), s.batchSize(cfg))
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, batch := range stuck {
		updated, err := s.repo.UpdateBatch(ctx, s.db, batch.ID, []domain.BatchStatus{domain.BatchStatusProcessing}, map[string]any{
			"status":     domain.BatchStatusAmbiguous,
			"last_error": "interrupted while processing",
			"updated_at": now,
		})
		if err != nil {
			return recovered, err
		}
		if updated {
			recovered++
			s.log.Warn("payout batch recovered as ambiguous", zap.String("batch_id", batch.ID.String()))
		}
	}
	return recovered, nil
}

func (s *Service) createBatch(ctx context.Context, cfg config.CompensationConfig, eligible domain.Eligible, report *domain.CycleReport) (*domain.PayoutBatch, error) {
	profile, err := s.repo.FindProfile(ctx, s.db, eligible.RecipientID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		s.count(report, func(r *domain.CycleReport) { r.NoProfile++ })
		s.log.Debug("recipient has no payout profile", zap.String("recipient_id", eligible.RecipientID.String()))
		return nil, nil
	}

	now := s.clock.Now()
	cutoff := now.Add(-cfg.Payout.Delay)
	batchID := s.genID.Generate()
	var batch *domain.PayoutBatch
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entries, err := s.ledgerRepo.ClaimPending(ctx, tx, eligible.RecipientID, cutoff, batchID)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		total := decimal.Zero
		for _, entry := range entries {
			total = total.Add(entry.Amount)
		}
		batch = &domain.PayoutBatch{
			ID:            batchID,
			RecipientID:   eligible.RecipientID,
			Provider:      profile.Provider,
			Destination:   profile.Destination,
			Currency:      profile.Currency,
			Amount:        cfg.Round(total),
			EntryCount:    len(entries),
			Status:        domain.BatchStatusProcessing,
			Reference:     domain.BatchReference(batchID),
			Attempts:      1,
			LastAttemptAt: &now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return s.repo.InsertBatch(ctx, tx, batch)
	})
	if err != nil {
		return nil, err
	}
	if batch != nil {
		s.count(report, func(r *domain.CycleReport) { r.Created++ })
	}
	return batch, nil
}

func (s *Service) beginRetry(ctx context.Context, batch *domain.PayoutBatch) (bool, error) {
	now := s.clock.Now()
	updated, err := s.repo.UpdateBatch(ctx, s.db, batch.ID, []domain.BatchStatus{domain.BatchStatusRetryScheduled}, map[string]any{
		"status":          domain.BatchStatusProcessing,
		"attempts":        batch.Attempts + 1,
		"last_attempt_at": now,
		"next_retry_at":   nil,
		"updated_at":      now,
	})
	if err != nil || !updated {
		return false, err
	}
	batch.Status = domain.BatchStatusProcessing
	batch.Attempts++
	batch.LastAttemptAt = &now
	return true, nil
}

// attempt calls the gateway for a batch already marked processing and settles the outcome.
func (s *Service) attempt(ctx context.Context, cfg config.CompensationConfig, batch *domain.PayoutBatch, report *domain.CycleReport) error {
	log := s.log.With(
		zap.String("batch_id", batch.ID.String()),
		zap.String("recipient_id", batch.RecipientID.String()),
		zap.String("provider", batch.Provider),
		zap.Int("attempt", batch.Attempts),
	)

	gw, err := s.registry.Gateway(batch.Provider)
	if err != nil {
		return s.settleFailure(ctx, cfg, batch, err, report)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout(cfg))
	result, err := gw.Disburse(callCtx, domain.DisburseRequest{
		Reference:   batch.Reference,
		Attempt:     batch.Attempts,
		RecipientID: batch.RecipientID,
		Destination: batch.Destination,
		Amount:      batch.Amount,
		Currency:    batch.Currency,
	})
	cancel()

	switch {
	case err == nil:
		return s.settleSuccess(ctx, batch, result.ProviderTransactionID, report)
	case errors.Is(err, domain.ErrGatewayAmbiguous), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		log.Warn("disbursement outcome unknown", zap.Error(err))
		return s.settleAmbiguous(ctx, batch, err, report)
	default:
		log.Warn("disbursement failed", zap.Error(err))
		return s.settleFailure(ctx, cfg, batch, err, report)
	}
}

func (s *Service) resolveAmbiguous(ctx context.Context, cfg config.CompensationConfig, batch *domain.PayoutBatch, report *domain.CycleReport) (bool, error) {
	gw, err := s.registry.Gateway(batch.Provider)
	if err != nil {
		return false, err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return false, err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout(cfg))
	status, err := gw.QueryStatus(callCtx, batch.Reference)
	cancel()
	if err != nil {
		return false, err
	}

	switch status.Status {
	case domain.TransferSucceeded:
		return true, s.settleSuccess(ctx, batch, status.ProviderTransactionID, report)
	case domain.TransferFailed, domain.TransferNotFound:
		return true, s.settleFailure(ctx, cfg, batch, fmt.Errorf("%w: provider reports %s", domain.ErrGatewayFailure, status.Status), report)
	default:
		return false, nil
	}
}

func (s *Service) settleSuccess(ctx context.Context, batch *domain.PayoutBatch, providerTxnID string, report *domain.CycleReport) error {
	now := s.clock.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updated, err := s.repo.UpdateBatch(ctx, tx, batch.ID, []domain.BatchStatus{domain.BatchStatusProcessing, domain.BatchStatusAmbiguous}, map[string]any{
			"status":                  domain.BatchStatusSucceeded,
			"provider_transaction_id": providerTxnID,
			"completed_at":            now,
			"last_error":              nil,
			"updated_at":              now,
		})
		if err != nil {
			return err
		}
		if !updated {
			return fmt.Errorf("batch %s changed state concurrently", batch.ID)
		}
		_, err = s.ledgerRepo.MarkBatchPaid(ctx, tx, batch.ID, providerTxnID, now)
		return err
	})
	if err != nil {
		return err
	}

	s.count(report, func(r *domain.CycleReport) { r.Succeeded++ })
	s.recordOutcome(ctx, batch, "succeeded")
	s.log.Info("payout succeeded",
		zap.String("batch_id", batch.ID.String()),
		zap.String("recipient_id", batch.RecipientID.String()),
		zap.String("amount", batch.Amount.String()),
		zap.String("provider_transaction_id", providerTxnID),
	)
	s.audit(ctx, auditdomain.ActionPayoutSucceeded, batch, map[string]any{
		"provider_transaction_id": providerTxnID,
	})
	return nil
}

func (s *Service) settleAmbiguous(ctx context.Context, batch *domain.PayoutBatch, cause error, report *domain.CycleReport) error {
	now := s.clock.Now()
	_, err := s.repo.UpdateBatch(ctx, s.db, batch.ID, []domain.BatchStatus{domain.BatchStatusProcessing}, map[string]any{
		"status":     domain.BatchStatusAmbiguous,
		"last_error": cause.Error(),
		"updated_at": now,
	})
	if err != nil {
		return err
	}
	s.count(report, func(r *domain.CycleReport) { r.Ambiguous++ })
	s.recordOutcome(ctx, batch, "ambiguous")
	s.audit(ctx, auditdomain.ActionPayoutAmbiguous, batch, map[string]any{"error": cause.Error()})
	return nil
}

// settleFailure schedules another attempt with backoff, or parks the batch as
// failed once attempts run out. Entries stay pending and claimed either way.
func (s *Service) settleFailure(ctx context.Context, cfg config.CompensationConfig, batch *domain.PayoutBatch, cause error, report *domain.CycleReport) error {
	now := s.clock.Now()
	updates := map[string]any{
		"last_error": cause.Error(),
		"updated_at": now,
	}
	outcome := "retry_scheduled"
	if batch.Attempts >= cfg.Payout.MaxAttempts {
		outcome = "failed"
		updates["status"] = domain.BatchStatusFailed
		updates["next_retry_at"] = nil
	} else {
		updates["status"] = domain.BatchStatusRetryScheduled
		updates["next_retry_at"] = now.Add(retryDelay(cfg.Payout, batch.Attempts))
	}

	_, err := s.repo.UpdateBatch(ctx, s.db, batch.ID, []domain.BatchStatus{domain.BatchStatusProcessing, domain.BatchStatusAmbiguous}, updates)
	if err != nil {
		return err
	}
	s.recordOutcome(ctx, batch, outcome)
	if outcome == "failed" {
		s.count(report, func(r *domain.CycleReport) { r.Failed++ })
		s.log.Error("payout failed permanently",
			zap.String("batch_id", batch.ID.String()),
			zap.String("recipient_id", batch.RecipientID.String()),
			zap.Int("attempts", batch.Attempts),
			zap.Error(cause),
		)
		s.audit(ctx, auditdomain.ActionPayoutFailed, batch, map[string]any{
			"error":    cause.Error(),
			"attempts": batch.Attempts,
		})
		return nil
	}
	s.count(report, func(r *domain.CycleReport) { r.Scheduled++ })
	return nil
}

// retryDelay is the exponential backoff interval after the given number of attempts.
func retryDelay(cfg config.PayoutConfig, attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.BackoffInitial,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         cfg.BackoffMax,
	}
	if b.InitialInterval <= 0 {
		b.InitialInterval = backoff.DefaultInitialInterval
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = backoff.DefaultMaxInterval
	}
	b.Reset()
	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// RequeueBatch releases the entries of a permanently failed batch so the next
// cycle can pay them in a fresh batch.
func (s *Service) RequeueBatch(ctx context.Context, batchID snowflake.ID) (*domain.PayoutBatch, error) {
	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != domain.BatchStatusFailed {
		return nil, domain.ErrBatchNotFailed
	}

	now := s.clock.Now()
	var released int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updated, err := s.repo.UpdateBatch(ctx, tx, batchID, []domain.BatchStatus{domain.BatchStatusFailed}, map[string]any{
			"status":     domain.BatchStatusReleased,
			"updated_at": now,
		})
		if err != nil {
			return err
		}
		if !updated {
			return domain.ErrBatchNotFailed
		}
		released, err = s.ledgerRepo.ReleaseBatch(ctx, tx, batchID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payout batch requeued", zap.String("batch_id", batchID.String()), zap.Int64("entries", released))
	s.audit(ctx, auditdomain.ActionPayoutRequeued, batch, map[string]any{"entries": released})
	return s.GetBatch(ctx, batchID)
}

func (s *Service) GetBatch(ctx context.Context, batchID snowflake.ID) (*domain.PayoutBatch, error) {
	batch, err := s.repo.FindBatch(ctx, s.db, batchID)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, domain.ErrBatchNotFound
	}
	return batch, nil
}

func (s *Service) ListBatches(ctx context.Context, status domain.BatchStatus, limit int) ([]domain.PayoutBatch, error) {
	return s.repo.ListByStatus(ctx, s.db, status, limit)
}

// fanOut runs fn for indexes [0,n) on the configured number of workers and joins failures.
func (s *Service) fanOut(ctx context.Context, cfg config.CompensationConfig, n int, fn func(ctx context.Context, i int) error) error {
	if n == 0 {
		return nil
	}
	workers := cfg.Payout.Concurrency
	if workers <= 0 {
		workers = defaultConcurrency
	}
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := fn(gctx, i); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (s *Service) count(report *domain.CycleReport, fn func(r *domain.CycleReport)) {
	if report == nil {
		return
	}
	s.reportMu.Lock()
	fn(report)
	s.reportMu.Unlock()
}

func (s *Service) recordOutcome(ctx context.Context, batch *domain.PayoutBatch, outcome string) {
	s.obsMetrics.RecordDisbursement(ctx, batch.Provider, outcome)
	obsmetrics.Scheduler().IncPayoutOutcome(batch.Provider, outcome)
}

func (s *Service) audit(ctx context.Context, action string, batch *domain.PayoutBatch, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["recipient_id"] = batch.RecipientID.String()
	metadata["amount"] = batch.Amount.String()
	metadata["reference"] = batch.Reference
	metadata["provider"] = batch.Provider
	metadata["destination"] = masking.MaskDestination(batch.Destination)
	entry := auditdomain.Entry{
		Action:     action,
		TargetType: auditdomain.TargetPayoutBatch,
		TargetID:   batch.ID.String(),
		Metadata:   metadata,
	}
	if err := s.auditSvc.Record(ctx, entry); err != nil {
		s.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

func (s *Service) batchSize(cfg config.CompensationConfig) int {
	if cfg.Payout.BatchSize > 0 {
		return cfg.Payout.BatchSize
	}
	return defaultBatchSize
}

func (s *Service) callTimeout(cfg config.CompensationConfig) time.Duration {
	if cfg.Payout.CallTimeout > 0 {
		return cfg.Payout.CallTimeout
	}
	return defaultCallTimeout
}
