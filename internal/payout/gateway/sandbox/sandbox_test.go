package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/cascade/internal/payout/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisburseIsIdempotentPerReference(t *testing.T) {
	gw := New()
	ctx := context.Background()
	req := domain.DisburseRequest{Reference: "payout:1", Destination: "acct", Amount: decimal.NewFromInt(10), Currency: "usd"}

	first, err := gw.Disburse(ctx, req)
	require.NoError(t, err)
	req.Attempt = 2
	second, err := gw.Disburse(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ProviderTransactionID, second.ProviderTransactionID)
	assert.Equal(t, 1, gw.Transfers())

	status, err := gw.QueryStatus(ctx, "payout:1")
	require.NoError(t, err)
	assert.Equal(t, domain.TransferSucceeded, status.Status)

	status, err = gw.QueryStatus(ctx, "payout:2")
	require.NoError(t, err)
	assert.Equal(t, domain.TransferNotFound, status.Status)
}

func TestDisburseErrors(t *testing.T) {
	gw := New()
	_, err := gw.Disburse(context.Background(), domain.DisburseRequest{Reference: "payout:1", Destination: "acct"})
	assert.ErrorIs(t, err, domain.ErrGatewayFailure)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = gw.Disburse(ctx, domain.DisburseRequest{Reference: "payout:1", Destination: "acct", Amount: decimal.NewFromInt(1)})
	if !errors.Is(err, domain.ErrGatewayAmbiguous) {
		t.Fatalf("expected ambiguous, got %v", err)
	}
}
