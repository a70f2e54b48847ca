package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudx-io/pennyauction/core"
	"github.com/cloudx-io/pennyauction/settlement"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Failure selects how an injected fault behaves.
type Failure int

const (
	// FailBeforeApply rejects the call with core.ErrGateway without applying it.
	FailBeforeApply Failure = iota + 1
	// FailAfterApply applies the call, then reports core.ErrOutcomeUnknown
	// as if the response had been lost.
	FailAfterApply
	// FailRejectUnknown reports core.ErrOutcomeUnknown without applying it.
	FailRejectUnknown
)

// faultQueue holds injected failures consumed one per call.
type faultQueue struct {
	pending []Failure
}

func (q *faultQueue) push(f Failure, n int) {
	for i := 0; i < n; i++ {
		q.pending = append(q.pending, f)
	}
}

func (q *faultQueue) next() Failure {
	if len(q.pending) == 0 {
		return 0
	}
	f := q.pending[0]
	q.pending = q.pending[1:]
	return f
}

// Wallet is an in-memory BalanceGateway honoring idempotency keys.
type Wallet struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	receipts map[string]settlement.Receipt
	faults   faultQueue
	lookups  faultQueue

	debitCalls  int
	creditCalls int
	debits      int
	credits     int
}

var _ settlement.BalanceGateway = (*Wallet)(nil)

func NewWallet() *Wallet {
	return &Wallet{
		balances: make(map[string]decimal.Decimal),
		receipts: make(map[string]settlement.Receipt),
	}
}

// Fund adds amount to the user's balance outside any idempotent flow.
func (w *Wallet) Fund(userID string, amount decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[userID] = w.balances[userID].Add(amount)
}

// FailNext makes the next n mutating calls fail in the given way.
func (w *Wallet) FailNext(f Failure, n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.faults.push(f, n)
}

// FailLookups makes the next n LookupCharge calls return core.ErrGateway.
func (w *Wallet) FailLookups(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lookups.push(FailBeforeApply, n)
}

// DebitCalls counts Debit invocations, including retries and failures.
func (w *Wallet) DebitCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.debitCalls
}

// Debits counts debits that moved money.
func (w *Wallet) Debits() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.debits
}

// Credits counts credits that moved money.
func (w *Wallet) Credits() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.credits
}

func (w *Wallet) GetBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[userID], nil
}

func (w *Wallet) Debit(ctx context.Context, req settlement.ChargeRequest) (settlement.Receipt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debitCalls++
	return w.apply(ctx, req, req.Amount.Neg())
}

func (w *Wallet) Credit(ctx context.Context, req settlement.ChargeRequest) (settlement.Receipt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.creditCalls++
	return w.apply(ctx, req, req.Amount)
}

func (w *Wallet) LookupCharge(_ context.Context, idempotencyKey string) (settlement.Receipt, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lookups.next() != 0 {
		return settlement.Receipt{}, false, fmt.Errorf("%w: injected lookup failure", core.ErrGateway)
	}
	r, ok := w.receipts[idempotencyKey]
	return r, ok, nil
}

// apply must be called with w.mu held.
func (w *Wallet) apply(ctx context.Context, req settlement.ChargeRequest, delta decimal.Decimal) (settlement.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return settlement.Receipt{}, fmt.Errorf("%w: %v", core.ErrOutcomeUnknown, err)
	}
	if req.IdempotencyKey == "" {
		return settlement.Receipt{}, fmt.Errorf("idempotency key is required")
	}
	if req.Amount.IsNegative() {
		return settlement.Receipt{}, fmt.Errorf("amount %s must not be negative", req.Amount.String())
	}

	failure := w.faults.next()
	switch failure {
	case FailBeforeApply:
		return settlement.Receipt{}, fmt.Errorf("%w: injected failure", core.ErrGateway)
	case FailRejectUnknown:
		return settlement.Receipt{}, fmt.Errorf("%w: injected timeout", core.ErrOutcomeUnknown)
	}

	if r, ok := w.receipts[req.IdempotencyKey]; ok {
		if failure == FailAfterApply {
			return settlement.Receipt{}, fmt.Errorf("%w: injected lost response", core.ErrOutcomeUnknown)
		}
		return r, nil
	}

	next := w.balances[req.UserID].Add(delta)
	if next.IsNegative() {
		return settlement.Receipt{}, fmt.Errorf("%w: balance %s, need %s",
			core.ErrInsufficientFunds, w.balances[req.UserID].String(), req.Amount.String())
	}
	w.balances[req.UserID] = next
	if delta.IsNegative() {
		w.debits++
	} else {
		w.credits++
	}

	r := settlement.Receipt{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		Balance:        next,
		CreatedAt:      time.Now(),
	}
	w.receipts[req.IdempotencyKey] = r

	if failure == FailAfterApply {
		return settlement.Receipt{}, fmt.Errorf("%w: injected lost response", core.ErrOutcomeUnknown)
	}
	return r, nil
}

// PayoutDesk is an in-memory PayoutGateway honoring idempotency keys.
type PayoutDesk struct {
	mu       sync.Mutex
	receipts map[string]settlement.PayoutReceipt
	requests []settlement.PayoutRequest
	faults   faultQueue
	calls    int
}

var _ settlement.PayoutGateway = (*PayoutDesk)(nil)

func NewPayoutDesk() *PayoutDesk {
	return &PayoutDesk{
		receipts: make(map[string]settlement.PayoutReceipt),
	}
}

// FailNext makes the next n Payout calls fail in the given way.
func (d *PayoutDesk) FailNext(f Failure, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults.push(f, n)
}

// Calls counts Payout invocations, including failures.
func (d *PayoutDesk) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Delivered returns the distinct payouts accepted, in order.
func (d *PayoutDesk) Delivered() []settlement.PayoutRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]settlement.PayoutRequest(nil), d.requests...)
}

func (d *PayoutDesk) Payout(ctx context.Context, req settlement.PayoutRequest) (settlement.PayoutReceipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++

	if err := ctx.Err(); err != nil {
		return settlement.PayoutReceipt{}, fmt.Errorf("%w: %v", core.ErrOutcomeUnknown, err)
	}
	if req.IdempotencyKey == "" {
		return settlement.PayoutReceipt{}, fmt.Errorf("idempotency key is required")
	}

	failure := d.faults.next()
	switch failure {
	case FailBeforeApply:
		return settlement.PayoutReceipt{}, fmt.Errorf("%w: injected failure", core.ErrGateway)
	case FailRejectUnknown:
		return settlement.PayoutReceipt{}, fmt.Errorf("%w: injected timeout", core.ErrOutcomeUnknown)
	}

	r, ok := d.receipts[req.IdempotencyKey]
	if !ok {
		r = settlement.PayoutReceipt{
			ID:             uuid.NewString(),
			IdempotencyKey: req.IdempotencyKey,
			AcceptedAt:     time.Now(),
		}
		d.receipts[req.IdempotencyKey] = r
		d.requests = append(d.requests, req)
	}

	if failure == FailAfterApply {
		return settlement.PayoutReceipt{}, fmt.Errorf("%w: injected lost response", core.ErrOutcomeUnknown)
	}
	return r, nil
}

func (d *PayoutDesk) LookupPayout(_ context.Context, idempotencyKey string) (settlement.PayoutReceipt, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.receipts[idempotencyKey]
	return r, ok, nil
}
