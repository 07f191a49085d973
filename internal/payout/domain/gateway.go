package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type DisburseRequest struct {
	Reference   string
	Attempt     int
	RecipientID snowflake.ID
	Destination string
	Amount      decimal.Decimal
	Currency    string
}

type DisburseResult struct {
	ProviderTransactionID string
}

type TransferStatus string

const (
	TransferSucceeded TransferStatus = "succeeded"
	TransferFailed    TransferStatus = "failed"
	TransferPending   TransferStatus = "pending"
	TransferNotFound  TransferStatus = "not_found"
)

type StatusResult struct {
	Status                TransferStatus
	ProviderTransactionID string
}

// Gateway is an external disbursement provider. Disburse returns ErrGatewayAmbiguous
// when the outcome is unknown and ErrGatewayFailure when the provider refused the transfer.
type Gateway interface {
	Provider() string
	Disburse(ctx context.Context, req DisburseRequest) (*DisburseResult, error)
	QueryStatus(ctx context.Context, reference string) (*StatusResult, error)
}

var (
	ErrGatewayFailure   = errors.New("gateway_failure")
	ErrGatewayAmbiguous = errors.New("gateway_ambiguous")
	ErrProviderNotFound = errors.New("provider_not_found")
)
