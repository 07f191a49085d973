package gateway

import (
	"strings"

	"github.com/smallbiznis/cascade/internal/payout/domain"
)

type Registry struct {
	gateways map[string]domain.Gateway
}

func NewRegistry(gateways ...domain.Gateway) *Registry {
	registry := &Registry{gateways: map[string]domain.Gateway{}}
	for _, gw := range gateways {
		if gw == nil {
			continue
		}
		provider := normalize(gw.Provider())
		if provider == "" {
			continue
		}
		registry.gateways[provider] = gw
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.gateways[normalize(provider)]
	return ok
}

func (r *Registry) Gateway(provider string) (domain.Gateway, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	gw, ok := r.gateways[normalize(provider)]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return gw, nil
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
