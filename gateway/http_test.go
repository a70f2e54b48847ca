package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/pennyauction/core"
	"github.com/cloudx-io/pennyauction/settlement"
)

// walletServer exposes a Wallet over the HTTP contract BalanceClient speaks
func walletServer(t *testing.T, w *Wallet) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/balances/{userID}", func(rw http.ResponseWriter, r *http.Request) {
		balance, _ := w.GetBalance(r.Context(), r.PathValue("userID"))
		_ = json.NewEncoder(rw).Encode(balanceResponse{UserID: r.PathValue("userID"), Balance: balance})
	})
	charge := func(apply func(context.Context, settlement.ChargeRequest) (settlement.Receipt, error)) http.HandlerFunc {
		return func(rw http.ResponseWriter, r *http.Request) {
			var req settlement.ChargeRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				rw.WriteHeader(http.StatusBadRequest)
				return
			}
			if r.Header.Get(IdempotencyKeyHeader) != req.IdempotencyKey {
				rw.WriteHeader(http.StatusBadRequest)
				return
			}
			receipt, err := apply(r.Context(), req)
			switch {
			case errors.Is(err, core.ErrInsufficientFunds):
				rw.WriteHeader(http.StatusPaymentRequired)
				_ = json.NewEncoder(rw).Encode(apiError{Error: err.Error()})
			case err != nil:
				rw.WriteHeader(http.StatusInternalServerError)
			default:
				_ = json.NewEncoder(rw).Encode(receipt)
			}
		}
	}
	mux.HandleFunc("POST /v1/debits", charge(w.Debit))
	mux.HandleFunc("POST /v1/credits", charge(w.Credit))
	mux.HandleFunc("GET /v1/charges/{key}", func(rw http.ResponseWriter, r *http.Request) {
		receipt, ok, _ := w.LookupCharge(r.Context(), r.PathValue("key"))
		if !ok {
			rw.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(rw).Encode(receipt)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func chargeFor(user, amount, key string) settlement.ChargeRequest {
	return settlement.ChargeRequest{
		UserID:         user,
		Amount:         decimal.RequireFromString(amount),
		Reason:         "bid fee",
		IdempotencyKey: key,
	}
}

func TestBalanceClient_AgainstWallet(t *testing.T) {
	wallet := NewWallet()
	wallet.Fund("alice", decimal.RequireFromString("1.00"))
	srv := walletServer(t, wallet)
	client := NewBalanceClient(srv.URL+"/", nil)
	ctx := context.Background()

	balance, err := client.GetBalance(ctx, "alice")
	assert.NoError(t, err)
	check.Equal(t, "1", balance.String())

	receipt, err := client.Debit(ctx, chargeFor("alice", "0.01", "key-1"))
	assert.NoError(t, err)
	check.Equal(t, "key-1", receipt.IdempotencyKey)
	check.Equal(t, "0.99", receipt.Balance.String())

	// Same key replays the receipt
	replay, err := client.Debit(ctx, chargeFor("alice", "0.01", "key-1"))
	assert.NoError(t, err)
	check.Equal(t, receipt.ID, replay.ID)
	check.Equal(t, 1, wallet.Debits())

	found, ok, err := client.LookupCharge(ctx, "key-1")
	assert.NoError(t, err)
	check.True(t, ok)
	check.Equal(t, receipt.ID, found.ID)

	_, ok, err = client.LookupCharge(ctx, "key-missing")
	assert.NoError(t, err)
	check.False(t, ok)

	_, err = client.Debit(ctx, chargeFor("alice", "5", "key-2"))
	check.True(t, errors.Is(err, core.ErrInsufficientFunds))

	_, err = client.Credit(ctx, chargeFor("alice", "0.01", "key-1:refund"))
	assert.NoError(t, err)
	balance, err = client.GetBalance(ctx, "alice")
	assert.NoError(t, err)
	check.Equal(t, "1", balance.String())
}

func TestBalanceClient_StatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		status  int
		wantErr error
	}{
		{"payment required", http.MethodPost, http.StatusPaymentRequired, core.ErrInsufficientFunds},
		{"rate limited", http.MethodPost, http.StatusTooManyRequests, core.ErrGateway},
		{"unavailable", http.MethodPost, http.StatusServiceUnavailable, core.ErrGateway},
		{"server error on debit", http.MethodPost, http.StatusInternalServerError, core.ErrOutcomeUnknown},
		{"server error on read", http.MethodGet, http.StatusBadGateway, core.ErrGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
				rw.WriteHeader(tt.status)
				_, _ = rw.Write([]byte(`{"error":"scripted"}`))
			}))
			defer srv.Close()
			client := NewBalanceClient(srv.URL, nil)

			var err error
			if tt.method == http.MethodGet {
				_, err = client.GetBalance(context.Background(), "alice")
			} else {
				_, err = client.Debit(context.Background(), chargeFor("alice", "0.01", "key-1"))
			}
			check.True(t, errors.Is(err, tt.wantErr))
			check.True(t, strings.Contains(err.Error(), "scripted"))
		})
	}
}

func TestBalanceClient_ClientErrorIsDefinitive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := NewBalanceClient(srv.URL, nil).Debit(context.Background(), chargeFor("alice", "0.01", "key-1"))
	check.Error(t, err)
	check.Equal(t, core.KindInternal, core.KindOf(err))
}

func TestBalanceClient_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewBalanceClient(url, &http.Client{Timeout: time.Second})
	_, err := client.Debit(context.Background(), chargeFor("alice", "0.01", "key-1"))
	check.True(t, errors.Is(err, core.ErrOutcomeUnknown))

	_, err = client.GetBalance(context.Background(), "alice")
	check.True(t, errors.Is(err, core.ErrGateway))
}

func TestPayoutClient(t *testing.T) {
	desk := NewPayoutDesk()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/payouts", func(rw http.ResponseWriter, r *http.Request) {
		var req settlement.PayoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			return
		}
		receipt, err := desk.Payout(r.Context(), req)
		if err != nil {
			rw.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(rw).Encode(receipt)
	})
	mux.HandleFunc("GET /v1/payouts/{key}", func(rw http.ResponseWriter, r *http.Request) {
		receipt, ok, _ := desk.LookupPayout(r.Context(), r.PathValue("key"))
		if !ok {
			rw.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(rw).Encode(receipt)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewPayoutClient(srv.URL, nil)
	ctx := context.Background()
	req := settlement.PayoutRequest{
		UserID:         "alice",
		AuctionID:      "auction-1",
		Amount:         decimal.NewFromInt(150),
		IdempotencyKey: "payout-key",
		Voucher:        []byte{0x84, 0x40},
	}

	receipt, err := client.Payout(ctx, req)
	assert.NoError(t, err)
	check.Equal(t, "payout-key", receipt.IdempotencyKey)

	delivered := desk.Delivered()
	assert.Equal(t, 1, len(delivered))
	check.Equal(t, req.Voucher, delivered[0].Voucher)

	found, ok, err := client.LookupPayout(ctx, "payout-key")
	assert.NoError(t, err)
	check.True(t, ok)
	check.Equal(t, receipt.ID, found.ID)

	desk.FailNext(FailBeforeApply, 1)
	_, err = client.Payout(ctx, settlement.PayoutRequest{UserID: "bob", AuctionID: "auction-1", IdempotencyKey: "other"})
	check.True(t, errors.Is(err, core.ErrOutcomeUnknown))
}
