package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ChargeRequest is a mutating balance call. IdempotencyKey identifies the
// logical charge: resending the same key never moves money twice.
type ChargeRequest struct {
	UserID         string          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Receipt acknowledges an applied balance mutation.
type Receipt struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
	Balance        decimal.Decimal `json:"balance"`
	CreatedAt      time.Time       `json:"created_at"`
}

// BalanceGateway is the external custodial wallet. It is the source of truth
// for funds; the engine never stores balances.
//
// Errors: core.ErrInsufficientFunds is definitive, core.ErrGateway is a
// transient failure known not to have applied, core.ErrOutcomeUnknown (or a
// context deadline) means the call may have applied.
type BalanceGateway interface {
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	Debit(ctx context.Context, req ChargeRequest) (Receipt, error)
	Credit(ctx context.Context, req ChargeRequest) (Receipt, error)
	// LookupCharge reports whether a mutation with this key was applied.
	LookupCharge(ctx context.Context, idempotencyKey string) (Receipt, bool, error)
}

// PayoutRequest asks the fulfillment service to deliver a won prize.
type PayoutRequest struct {
	UserID         string          `json:"user_id"`
	AuctionID      string          `json:"auction_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`

	// Voucher is the signed proof that the claim was settled (COSE_Sign1).
	Voucher []byte `json:"voucher,omitempty"`
}

// PayoutReceipt acknowledges an accepted payout.
type PayoutReceipt struct {
	ID             string    `json:"id"`
	IdempotencyKey string    `json:"idempotency_key"`
	AcceptedAt     time.Time `json:"accepted_at"`
}

// PayoutGateway is the external fulfillment service. Calls follow the same
// error contract as BalanceGateway.
type PayoutGateway interface {
	Payout(ctx context.Context, req PayoutRequest) (PayoutReceipt, error)
	LookupPayout(ctx context.Context, idempotencyKey string) (PayoutReceipt, bool, error)
}

// Clock returns the current time. Processors take it as a dependency so
// expiry-sensitive paths are testable.
type Clock func() time.Time
