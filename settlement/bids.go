package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cloudx-io/pennyauction/core"
	"github.com/shopspring/decimal"
)

// BidReceipt is returned for a committed, paid bid.
type BidReceipt struct {
	Bid        core.Bid        `json:"bid"`
	Charge     Receipt         `json:"charge"`
	CurrentBid decimal.Decimal `json:"current_bid"`
	ExpiresAt  time.Time       `json:"expires_at"`
	Extended   bool            `json:"extended"`
}

// BidProcessor commits one bid attempt: ledger acceptance first, fee debit
// second, compensating rollback when the debit does not go through.
type BidProcessor struct {
	ledger    core.Ledger
	balances  BalanceGateway
	faults    FaultJournal
	publisher Publisher
	metrics   *Metrics
	retry     RetryPolicy
	now       Clock
}

func NewBidProcessor(deps Dependencies) *BidProcessor {
	deps = deps.withDefaults()
	return &BidProcessor{
		ledger:    deps.Ledger,
		balances:  deps.Balances,
		faults:    deps.Faults,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		retry:     deps.Retry,
		now:       deps.Clock,
	}
}

// PlaceBid raises the auction by one step on behalf of userID.
func (p *BidProcessor) PlaceBid(ctx context.Context, auctionID, userID string) (BidReceipt, error) {
	receipt, err := p.placeBid(ctx, auctionID, userID)
	p.metrics.observeBid(resultLabel(err))
	return receipt, err
}

func (p *BidProcessor) placeBid(ctx context.Context, auctionID, userID string) (BidReceipt, error) {
	if userID == "" {
		return BidReceipt{}, fmt.Errorf("%w: user id is required", core.ErrInvalidRequest)
	}

	// Optimistic read; the ledger re-validates under the auction lock
	snapshot, err := p.ledger.Auction(ctx, auctionID)
	if err != nil {
		return BidReceipt{}, err
	}
	proposed := core.NextBid(snapshot.CurrentBid, snapshot.BidStep)

	acc, err := p.ledger.TryAcceptBid(ctx, auctionID, userID, proposed, p.now())
	if err != nil {
		return BidReceipt{}, fmt.Errorf("bid on auction %s rejected: %w", auctionID, err)
	}
	bid := acc.Bid

	// Compensation and confirmation must run even if the caller goes away
	settleCtx := context.WithoutCancel(ctx)

	chargeKey := core.ComputeIdempotencyKey(core.OpBid, auctionID, userID, bid.ID)
	charge, err := p.chargeFee(ctx, bid, chargeKey)
	if err != nil {
		return BidReceipt{}, p.rollback(settleCtx, bid, chargeKey, err)
	}

	if err := p.ledger.ConfirmBid(settleCtx, auctionID, bid.ID); err != nil {
		log.Printf("ERROR: Bid %s on auction %s charged (%s) but could not be confirmed: %v", bid.ID, auctionID, chargeKey, err)
		return BidReceipt{}, fmt.Errorf("confirm bid %s: %w", bid.ID, err)
	}
	bid.Confirmed = true

	log.Printf("INFO: Bid %s accepted on auction %s: user=%s position=%d amount=%s extended=%t",
		bid.ID, auctionID, userID, bid.Position, bid.Amount.String(), acc.Extended)

	publish(ctx, p.publisher, Event{
		Type:       EventBidPlaced,
		AuctionID:  auctionID,
		UserID:     userID,
		BidID:      bid.ID,
		Position:   bid.Position,
		CurrentBid: bid.Amount,
		ExpiresAt:  acc.NewExpiry,
		OccurredAt: p.now(),
	})

	return BidReceipt{
		Bid:        bid,
		Charge:     charge,
		CurrentBid: bid.Amount,
		ExpiresAt:  acc.NewExpiry,
		Extended:   acc.Extended,
	}, nil
}

func (p *BidProcessor) chargeFee(ctx context.Context, bid core.Bid, chargeKey string) (Receipt, error) {
	if bid.Fee.IsZero() {
		return Receipt{UserID: bid.UserID, Amount: bid.Fee, IdempotencyKey: chargeKey}, nil
	}

	req := ChargeRequest{
		UserID:         bid.UserID,
		Amount:         bid.Fee,
		Reason:         "bid",
		IdempotencyKey: chargeKey,
	}
	return callIdempotent(ctx, p.retry, p.metrics, "balance", chargeKey,
		func(ctx context.Context) (Receipt, error) { return p.balances.Debit(ctx, req) },
		func(ctx context.Context) (Receipt, bool, error) { return p.balances.LookupCharge(ctx, chargeKey) },
	)
}

// rollback removes an accepted bid whose fee was not charged. When the
// charge outcome is still unknown the bid is rolled back anyway and the
// charge is journaled so the reconciler can refund it if it landed.
func (p *BidProcessor) rollback(ctx context.Context, bid core.Bid, chargeKey string, chargeErr error) error {
	if err := p.ledger.RevertBid(ctx, bid.AuctionID, bid.ID); err != nil {
		log.Printf("ERROR: Failed to roll back bid %s on auction %s: %v", bid.ID, bid.AuctionID, err)
		return fmt.Errorf("roll back bid %s after charge failure (%v): %w", bid.ID, chargeErr, err)
	}

	if errors.Is(chargeErr, core.ErrOutcomeUnknown) {
		fault, err := p.faults.Record(ctx, Fault{
			Kind:           FaultUnresolvedCharge,
			AuctionID:      bid.AuctionID,
			UserID:         bid.UserID,
			Amount:         bid.Fee,
			IdempotencyKey: chargeKey,
			LastError:      chargeErr.Error(),
			CreatedAt:      p.now(),
		})
		if err != nil {
			log.Printf("ERROR: Failed to journal unresolved charge %s: %v", chargeKey, err)
		} else {
			p.metrics.observeFault(FaultUnresolvedCharge)
			log.Printf("WARNING: Bid %s rolled back with unresolved charge %s (fault %s)", bid.ID, chargeKey, fault.ID)
		}
	}

	log.Printf("INFO: Bid %s on auction %s rolled back: %v", bid.ID, bid.AuctionID, chargeErr)

	event := Event{
		Type:       EventBidRolledBack,
		AuctionID:  bid.AuctionID,
		UserID:     bid.UserID,
		BidID:      bid.ID,
		Position:   bid.Position,
		Reason:     string(core.KindOf(chargeErr)),
		OccurredAt: p.now(),
	}
	if a, err := p.ledger.Auction(ctx, bid.AuctionID); err == nil {
		event.CurrentBid = a.CurrentBid
		event.ExpiresAt = a.ExpiresAt
	}
	publish(ctx, p.publisher, event)

	return fmt.Errorf("bid %s charge failed: %w", bid.ID, chargeErr)
}
