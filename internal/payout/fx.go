package payout

import (
	"github.com/smallbiznis/cascade/internal/config"
	"github.com/smallbiznis/cascade/internal/payout/domain"
	"github.com/smallbiznis/cascade/internal/payout/gateway"
	"github.com/smallbiznis/cascade/internal/payout/gateway/sandbox"
	"github.com/smallbiznis/cascade/internal/payout/gateway/stripe"
	"github.com/smallbiznis/cascade/internal/payout/repository"
	"github.com/smallbiznis/cascade/internal/payout/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payout.service",
	fx.Provide(repository.Provide),
	fx.Provide(NewRegistry),
	fx.Provide(service.NewService),
)

// NewRegistry registers Stripe when a secret key is configured and the sandbox gateway outside production.
func NewRegistry(cfg config.Config, log *zap.Logger) *gateway.Registry {
	gateways := []domain.Gateway{}
	if cfg.StripeSecretKey != "" {
		gateways = append(gateways, stripe.New(cfg.StripeSecretKey, nil))
	} else {
		log.Named("payout").Info("stripe secret key not set, stripe payouts disabled")
	}
	if !cfg.IsProduction() {
		gateways = append(gateways, sandbox.New())
	}
	return gateway.NewRegistry(gateways...)
}
