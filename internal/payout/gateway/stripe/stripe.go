package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/cascade/internal/payout/domain"
	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/transfer"
)

const Provider = "stripe"

var zeroDecimalCurrencies = map[string]struct{}{
	"bif": {}, "clp": {}, "djf": {}, "gnf": {}, "jpy": {}, "kmf": {}, "krw": {},
	"mga": {}, "pyg": {}, "rwf": {}, "ugx": {}, "vnd": {}, "vuv": {}, "xaf": {},
	"xof": {}, "xpf": {},
}

// Gateway pays out through Stripe Connect transfers. The batch reference is
// sent as transfer_group so a transfer can be found again after a crash.
type Gateway struct {
	client transfer.Client
}

// New builds a gateway. A nil backend uses the default Stripe API backend.
func New(secretKey string, backend stripego.Backend) *Gateway {
	if backend == nil {
		backend = stripego.GetBackend(stripego.APIBackend)
	}
	return &Gateway{client: transfer.Client{B: backend, Key: secretKey}}
}

func (g *Gateway) Provider() string { return Provider }

func (g *Gateway) Disburse(ctx context.Context, req domain.DisburseRequest) (*domain.DisburseResult, error) {
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	amount := minorUnits(req.Amount, currency)
	if amount <= 0 || req.Destination == "" || req.Reference == "" {
		return nil, fmt.Errorf("%w: invalid transfer request", domain.ErrGatewayFailure)
	}

	params := &stripego.TransferParams{
		Amount:        stripego.Int64(amount),
		Currency:      stripego.String(currency),
		Destination:   stripego.String(req.Destination),
		TransferGroup: stripego.String(req.Reference),
	}
	params.Context = ctx
	params.SetIdempotencyKey(fmt.Sprintf("%s:%d", req.Reference, req.Attempt))
	params.AddMetadata("recipient_id", req.RecipientID.String())
	params.AddMetadata("reference", req.Reference)

	t, err := g.client.New(params)
	if err != nil {
		return nil, classify(err)
	}
	return &domain.DisburseResult{ProviderTransactionID: t.ID}, nil
}

func (g *Gateway) QueryStatus(ctx context.Context, reference string) (*domain.StatusResult, error) {
	params := &stripego.TransferListParams{TransferGroup: stripego.String(reference)}
	params.Context = ctx
	params.Limit = stripego.Int64(10)

	reversed := ""
	it := g.client.List(params)
	for it.Next() {
		t := it.Transfer()
		if t.Reversed {
			reversed = t.ID
			continue
		}
		return &domain.StatusResult{Status: domain.TransferSucceeded, ProviderTransactionID: t.ID}, nil
	}
	if err := it.Err(); err != nil {
		return nil, classify(err)
	}
	if reversed != "" {
		return &domain.StatusResult{Status: domain.TransferFailed, ProviderTransactionID: reversed}, nil
	}
	return &domain.StatusResult{Status: domain.TransferNotFound}, nil
}

// classify maps a client error onto the gateway taxonomy. Only a request Stripe
// answered with a definite 4xx is a failure; anything else may have gone through.
func classify(err error) error {
	var stripeErr *stripego.Error
	if errors.As(err, &stripeErr) {
		code := stripeErr.HTTPStatusCode
		if code >= http.StatusBadRequest && code < http.StatusInternalServerError && code != http.StatusConflict {
			return fmt.Errorf("%w: %s", domain.ErrGatewayFailure, stripeErr.Msg)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrGatewayAmbiguous, err)
}

func minorUnits(amount decimal.Decimal, currency string) int64 {
	if _, ok := zeroDecimalCurrencies[currency]; ok {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}
