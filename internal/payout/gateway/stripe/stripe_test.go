package stripe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/cascade/internal/payout/domain"
	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method         string
	path           string
	form           map[string]string
	idempotencyKey string
}

func newTestGateway(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Gateway, *[]recorded) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form := map[string]string{}
		for k := range r.Form {
			form[k] = r.Form.Get(k)
		}
		mu.Lock()
		calls = append(calls, recorded{
			method:         r.Method,
			path:           r.URL.Path,
			form:           form,
			idempotencyKey: r.Header.Get("Idempotency-Key"),
		})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	backend := stripego.GetBackendWithConfig(stripego.APIBackend, &stripego.BackendConfig{
		URL:               stripego.String(srv.URL),
		MaxNetworkRetries: stripego.Int64(0),
		LeveledLogger:     &stripego.LeveledLogger{Level: stripego.LevelNull},
	})
	return New("sk_test_123", backend), &calls
}

func request() domain.DisburseRequest {
	return domain.DisburseRequest{
		Reference:   "payout:77",
		Attempt:     2,
		RecipientID: 9,
		Destination: "acct_dest",
		Amount:      decimal.RequireFromString("90.50"),
		Currency:    "USD",
	}
}

func TestDisburseCreatesTransfer(t *testing.T) {
	gw, calls := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"tr_123","object":"transfer","amount":9050,"currency":"usd"}`))
	})

	result, err := gw.Disburse(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "tr_123", result.ProviderTransactionID)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, http.MethodPost, call.method)
	assert.Equal(t, "/v1/transfers", call.path)
	assert.Equal(t, "9050", call.form["amount"])
	assert.Equal(t, "usd", call.form["currency"])
	assert.Equal(t, "acct_dest", call.form["destination"])
	assert.Equal(t, "payout:77", call.form["transfer_group"])
	assert.Equal(t, "9", call.form["metadata[recipient_id]"])
	assert.Equal(t, "payout:77:2", call.idempotencyKey)
}

func TestDisburseClassifiesErrors(t *testing.T) {
	cases := map[string]struct {
		status int
		want   error
	}{
		"declined":    {status: http.StatusBadRequest, want: domain.ErrGatewayFailure},
		"conflict":    {status: http.StatusConflict, want: domain.ErrGatewayAmbiguous},
		"server down": {status: http.StatusInternalServerError, want: domain.ErrGatewayAmbiguous},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"no such destination"}}`))
			})
			_, err := gw.Disburse(context.Background(), request())
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestDisburseRejectsInvalidRequest(t *testing.T) {
	gw, calls := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {})
	req := request()
	req.Amount = decimal.Zero
	_, err := gw.Disburse(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrGatewayFailure)
	assert.Empty(t, *calls)
}

func TestQueryStatusByTransferGroup(t *testing.T) {
	cases := map[string]struct {
		body   string
		status domain.TransferStatus
		id     string
	}{
		"paid":     {body: `[{"id":"tr_1","object":"transfer","reversed":false}]`, status: domain.TransferSucceeded, id: "tr_1"},
		"reversed": {body: `[{"id":"tr_2","object":"transfer","reversed":true}]`, status: domain.TransferFailed, id: "tr_2"},
		"missing":  {body: `[]`, status: domain.TransferNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			gw, calls := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"object":"list","url":"/v1/transfers","has_more":false,"data":` + tc.body + `}`))
			})
			result, err := gw.QueryStatus(context.Background(), "payout:77")
			require.NoError(t, err)
			assert.Equal(t, tc.status, result.Status)
			assert.Equal(t, tc.id, result.ProviderTransactionID)

			require.Len(t, *calls, 1)
			assert.Equal(t, http.MethodGet, (*calls)[0].method)
			assert.Equal(t, "payout:77", (*calls)[0].form["transfer_group"])
		})
	}
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(1234), minorUnits(decimal.RequireFromString("12.34"), "usd"))
	assert.Equal(t, int64(1235), minorUnits(decimal.RequireFromString("12.345"), "eur"))
	assert.Equal(t, int64(500), minorUnits(decimal.RequireFromString("499.6"), "jpy"))
}
