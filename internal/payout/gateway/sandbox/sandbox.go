// Package sandbox is an in-memory disbursement gateway for local and staging runs.
package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/smallbiznis/cascade/internal/payout/domain"
)

const Provider = "sandbox"

type transfer struct {
	id     string
	status domain.TransferStatus
}

type Gateway struct {
	mu        sync.Mutex
	seq       int
	transfers map[string]transfer
}

func New() *Gateway {
	return &Gateway{transfers: map[string]transfer{}}
}

func (g *Gateway) Provider() string { return Provider }

// Disburse succeeds once per reference; repeats return the original transfer.
func (g *Gateway) Disburse(ctx context.Context, req domain.DisburseRequest) (*domain.DisburseResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayAmbiguous, err)
	}
	if req.Reference == "" || req.Destination == "" || !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: invalid request", domain.ErrGatewayFailure)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.transfers[req.Reference]; ok {
		return &domain.DisburseResult{ProviderTransactionID: existing.id}, nil
	}
	g.seq++
	t := transfer{id: fmt.Sprintf("sbx_%06d", g.seq), status: domain.TransferSucceeded}
	g.transfers[req.Reference] = t
	return &domain.DisburseResult{ProviderTransactionID: t.id}, nil
}

func (g *Gateway) QueryStatus(ctx context.Context, reference string) (*domain.StatusResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.transfers[reference]
	if !ok {
		return &domain.StatusResult{Status: domain.TransferNotFound}, nil
	}
	return &domain.StatusResult{Status: t.status, ProviderTransactionID: t.id}, nil
}

// Transfers returns how many distinct references were paid.
func (g *Gateway) Transfers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.transfers)
}
