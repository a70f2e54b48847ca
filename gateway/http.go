// Package gateway implements the external balance and payout collaborators:
// HTTP clients for the real services and in-memory stand-ins.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cloudx-io/pennyauction/core"
	"github.com/cloudx-io/pennyauction/settlement"
	"github.com/shopspring/decimal"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	defaultHTTPTimeout   = 10 * time.Second
	maxErrorBody         = 4096
)

type apiError struct {
	Error string `json:"error"`
}

type balanceResponse struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

// httpClient is the transport shared by the wallet and payout clients.
type httpClient struct {
	baseURL string
	client  *http.Client
}

func newHTTPClient(baseURL string, client *http.Client) httpClient {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// do sends one request and decodes a 2xx body into out. A 404 returns
// found=false with no error. Mutating requests map transport failures to
// core.ErrOutcomeUnknown: the server may have applied them.
func (c httpClient) do(ctx context.Context, method, path, idempotencyKey string, in, out any) (bool, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return false, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyKeyHeader, idempotencyKey)
	}

	mutating := method != http.MethodGet

	resp, err := c.client.Do(req)
	if err != nil {
		if mutating {
			return false, fmt.Errorf("%w: %s %s: %v", core.ErrOutcomeUnknown, method, path, err)
		}
		return false, fmt.Errorf("%w: %s %s: %v", core.ErrGateway, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if mutating {
			return false, fmt.Errorf("%w: failed to read response body: %v", core.ErrOutcomeUnknown, err)
		}
		return false, fmt.Errorf("%w: failed to read response body: %v", core.ErrGateway, err)
	}

	if resp.StatusCode == http.StatusNotFound && !mutating {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, statusError(resp.StatusCode, respBody, mutating)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return false, fmt.Errorf("%w: failed to decode response: %v", core.ErrOutcomeUnknown, err)
		}
	}
	return true, nil
}

func statusError(status int, body []byte, mutating bool) error {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	msg := strings.TrimSpace(string(body))
	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		msg = apiErr.Error
	}

	switch {
	case status == http.StatusPaymentRequired:
		return fmt.Errorf("%w: %s", core.ErrInsufficientFunds, msg)
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		// Rejected before processing
		return fmt.Errorf("%w: status %d: %s", core.ErrGateway, status, msg)
	case status >= 500 && mutating:
		return fmt.Errorf("%w: status %d: %s", core.ErrOutcomeUnknown, status, msg)
	case status >= 500:
		return fmt.Errorf("%w: status %d: %s", core.ErrGateway, status, msg)
	default:
		return fmt.Errorf("gateway rejected request: status %d: %s", status, msg)
	}
}

// BalanceClient talks to the custodial wallet service over HTTP.
type BalanceClient struct {
	http httpClient
}

var _ settlement.BalanceGateway = (*BalanceClient)(nil)

// NewBalanceClient creates a wallet client. A nil client gets a default
// with a request timeout.
func NewBalanceClient(baseURL string, client *http.Client) *BalanceClient {
	return &BalanceClient{http: newHTTPClient(baseURL, client)}
}

func (c *BalanceClient) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var resp balanceResponse
	found, err := c.http.do(ctx, http.MethodGet, "/v1/balances/"+url.PathEscape(userID), "", nil, &resp)
	if err != nil {
		return decimal.Zero, err
	}
	if !found {
		return decimal.Zero, nil
	}
	return resp.Balance, nil
}

func (c *BalanceClient) Debit(ctx context.Context, req settlement.ChargeRequest) (settlement.Receipt, error) {
	var receipt settlement.Receipt
	_, err := c.http.do(ctx, http.MethodPost, "/v1/debits", req.IdempotencyKey, req, &receipt)
	return receipt, err
}

func (c *BalanceClient) Credit(ctx context.Context, req settlement.ChargeRequest) (settlement.Receipt, error) {
	var receipt settlement.Receipt
	_, err := c.http.do(ctx, http.MethodPost, "/v1/credits", req.IdempotencyKey, req, &receipt)
	return receipt, err
}

func (c *BalanceClient) LookupCharge(ctx context.Context, idempotencyKey string) (settlement.Receipt, bool, error) {
	var receipt settlement.Receipt
	found, err := c.http.do(ctx, http.MethodGet, "/v1/charges/"+url.PathEscape(idempotencyKey), "", nil, &receipt)
	return receipt, found, err
}

// PayoutClient talks to the fulfillment service over HTTP.
type PayoutClient struct {
	http httpClient
}

var _ settlement.PayoutGateway = (*PayoutClient)(nil)

func NewPayoutClient(baseURL string, client *http.Client) *PayoutClient {
	return &PayoutClient{http: newHTTPClient(baseURL, client)}
}

func (c *PayoutClient) Payout(ctx context.Context, req settlement.PayoutRequest) (settlement.PayoutReceipt, error) {
	var receipt settlement.PayoutReceipt
	_, err := c.http.do(ctx, http.MethodPost, "/v1/payouts", req.IdempotencyKey, req, &receipt)
	return receipt, err
}

func (c *PayoutClient) LookupPayout(ctx context.Context, idempotencyKey string) (settlement.PayoutReceipt, bool, error) {
	var receipt settlement.PayoutReceipt
	found, err := c.http.do(ctx, http.MethodGet, "/v1/payouts/"+url.PathEscape(idempotencyKey), "", nil, &receipt)
	return receipt, found, err
}
