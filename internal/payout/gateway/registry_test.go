package gateway

import (
	"context"
	"testing"

	"github.com/smallbiznis/cascade/internal/payout/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Provider() string {
	return m.Called().String(0)
}

func (m *mockGateway) Disburse(ctx context.Context, req domain.DisburseRequest) (*domain.DisburseResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.DisburseResult), args.Error(1)
}

func (m *mockGateway) QueryStatus(ctx context.Context, reference string) (*domain.StatusResult, error) {
	args := m.Called(ctx, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.StatusResult), args.Error(1)
}

func TestRegistryResolvesProvidersCaseInsensitively(t *testing.T) {
	mobile := &mockGateway{}
	mobile.On("Provider").Return("  Mobile-Money ")
	blank := &mockGateway{}
	blank.On("Provider").Return(" ")

	registry := NewRegistry(mobile, nil, blank)

	assert.True(t, registry.ProviderExists("mobile-money"))
	assert.True(t, registry.ProviderExists("MOBILE-MONEY"))
	assert.False(t, registry.ProviderExists(""))

	gw, err := registry.Gateway("Mobile-Money")
	require.NoError(t, err)
	assert.Same(t, mobile, gw)

	_, err = registry.Gateway("stripe")
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)

	mobile.AssertNumberOfCalls(t, "Provider", 1)
	blank.AssertExpectations(t)
	mobile.AssertNotCalled(t, "Disburse", mock.Anything, mock.Anything)
}

func TestNilRegistryHasNoProviders(t *testing.T) {
	var registry *Registry
	assert.False(t, registry.ProviderExists("stripe"))
	_, err := registry.Gateway("stripe")
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
}
