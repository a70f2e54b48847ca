package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/cloudx-io/pennyauction/core"
	"github.com/shopspring/decimal"
)

// VoucherClaim is the settled claim a voucher attests to.
type VoucherClaim struct {
	AuctionID    string
	UserID       string
	ClaimCost    decimal.Decimal
	PayoutAmount decimal.Decimal
	ChargeKey    string
	PayoutKey    string
	ClaimedAt    time.Time
}

// VoucherIssuer signs proof of a settled claim for the fulfillment service.
type VoucherIssuer interface {
	Issue(claim VoucherClaim) ([]byte, error)
}

// ClaimResult is returned for a claim that reached the claimed state. The
// claim is final even when FulfillmentPending is set.
type ClaimResult struct {
	Record  core.ClaimRecord `json:"record"`
	Charge  Receipt          `json:"charge"`
	Payout  *PayoutReceipt   `json:"payout,omitempty"`
	Voucher []byte           `json:"voucher,omitempty"`
	Message string           `json:"message,omitempty"`

	// FulfillmentPending is set when the payout call failed; FaultID names
	// the journaled retry.
	FulfillmentPending bool   `json:"fulfillment_pending"`
	FaultID            string `json:"fault_id,omitempty"`
}

// ClaimProcessor settles claims exactly once per (auction, user):
// eligibility checks, a CAS lease on the claim record, the claim cost
// debit, then a single payout call.
type ClaimProcessor struct {
	ledger    core.Ledger
	claims    core.ClaimStore
	balances  BalanceGateway
	payouts   PayoutGateway
	vouchers  VoucherIssuer
	faults    FaultJournal
	finalizer *Finalizer
	publisher Publisher
	metrics   *Metrics
	retry     RetryPolicy
	leaseTTL  time.Duration
	now       Clock
}

func NewClaimProcessor(deps Dependencies) *ClaimProcessor {
	deps = deps.withDefaults()
	return &ClaimProcessor{
		ledger:    deps.Ledger,
		claims:    deps.Claims,
		balances:  deps.Balances,
		payouts:   deps.Payouts,
		vouchers:  deps.Vouchers,
		faults:    deps.Faults,
		finalizer: NewFinalizer(deps),
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		retry:     deps.Retry,
		leaseTTL:  deps.LeaseTTL,
		now:       deps.Clock,
	}
}

// Claim settles userID's win on auctionID.
func (p *ClaimProcessor) Claim(ctx context.Context, auctionID, userID string) (ClaimResult, error) {
	result, err := p.claim(ctx, auctionID, userID)
	p.metrics.observeClaim(resultLabel(err))
	return result, err
}

func (p *ClaimProcessor) claim(ctx context.Context, auctionID, userID string) (ClaimResult, error) {
	if userID == "" {
		return ClaimResult{}, fmt.Errorf("%w: user id is required", core.ErrInvalidRequest)
	}
	now := p.now()

	a, late, err := p.eligibleAuction(ctx, auctionID, userID, now)
	if err != nil {
		return ClaimResult{}, err
	}

	lease, err := p.claims.Acquire(ctx, auctionID, userID, now, p.leaseTTL)
	if err != nil {
		return ClaimResult{}, err
	}
	if late && !lease.Resumed {
		// The pending attempt was settled between the check and the acquire
		p.release(context.WithoutCancel(ctx), lease)
		return ClaimResult{}, claimWindowExpired(a)
	}
	if lease.Resumed {
		log.Printf("WARNING: Resuming pending claim attempt %d on auction %s for %s", lease.Attempt, auctionID, userID)
	}

	settleCtx := context.WithoutCancel(ctx)

	if err := p.checkClaimedWinners(settleCtx, a); err != nil {
		p.release(settleCtx, lease)
		return ClaimResult{}, err
	}

	chargeKey := core.ComputeIdempotencyKey(core.OpClaim, auctionID, userID, strconv.Itoa(lease.Attempt))
	charge, err := p.chargeClaimCost(ctx, a, userID, chargeKey)
	if err != nil {
		if errors.Is(err, core.ErrOutcomeUnknown) {
			// Keep the record pending: the lease expiry lets a later call
			// or the reconciler resume this attempt with the same charge key.
			log.Printf("WARNING: Claim charge %s on auction %s outcome unknown, attempt %d left pending until %s",
				chargeKey, auctionID, lease.Attempt, lease.ExpiresAt.Format(time.RFC3339))
			p.journalUnresolvedCharge(settleCtx, a, userID, chargeKey, err)
			return ClaimResult{}, fmt.Errorf("claim charge on auction %s: %w", auctionID, err)
		}
		p.release(settleCtx, lease)
		return ClaimResult{}, fmt.Errorf("claim charge on auction %s: %w", auctionID, err)
	}

	record, err := p.claims.Complete(settleCtx, lease, p.now())
	if err != nil {
		log.Printf("ERROR: Claim on auction %s for %s charged (%s) but lease %s was lost: %v",
			auctionID, userID, chargeKey, lease.LeaseID, err)
		return ClaimResult{}, fmt.Errorf("complete claim on auction %s: %w", auctionID, err)
	}

	log.Printf("INFO: Claim on auction %s settled for %s: cost=%s attempt=%d", auctionID, userID, a.ClaimCost.String(), lease.Attempt)

	result := ClaimResult{
		Record:  record,
		Charge:  charge,
		Message: a.ClaimSuccess,
	}
	p.fulfill(settleCtx, a, record, chargeKey, &result)
	return result, nil
}

// journalUnresolvedCharge leaves the pending attempt to the reconciler in
// case nobody retries the claim.
func (p *ClaimProcessor) journalUnresolvedCharge(ctx context.Context, a core.Auction, userID, chargeKey string, cause error) {
	_, err := p.faults.Record(ctx, Fault{
		Kind:           FaultUnresolvedClaimCharge,
		AuctionID:      a.ID,
		UserID:         userID,
		Amount:         a.ClaimCost,
		IdempotencyKey: chargeKey,
		LastError:      cause.Error(),
		CreatedAt:      p.now(),
	})
	if err != nil {
		log.Printf("ERROR: Failed to journal unresolved claim charge %s: %v", chargeKey, err)
		return
	}
	p.metrics.observeFault(FaultUnresolvedClaimCharge)
}

// eligibleAuction walks the claim preconditions in order: finished,
// winner, inside the claim window. An expired auction is finalized on the
// way so its winners are frozen before anyone is charged.
//
// late is set when the window has closed but the user holds a pending
// attempt: that attempt may have been charged, so it can still be resumed.
func (p *ClaimProcessor) eligibleAuction(ctx context.Context, auctionID, userID string, now time.Time) (a core.Auction, late bool, err error) {
	a, err = p.ledger.Auction(ctx, auctionID)
	if err != nil {
		return core.Auction{}, false, err
	}

	var bids []core.Bid
	if !a.IsFinalized {
		bids, err = p.ledger.Bids(ctx, auctionID)
		if err != nil {
			return core.Auction{}, false, err
		}
	}

	res := core.Resolve(a, bids, now)
	if res.Status == core.StatusExpired {
		a, err = p.finalizer.Finalize(ctx, auctionID)
		if err != nil {
			return core.Auction{}, false, err
		}
		res = core.Resolve(a, nil, now)
	}

	if res.Status != core.StatusFinalized {
		return core.Auction{}, false, fmt.Errorf("%w: auction %s is %s until %s",
			core.ErrAuctionNotFinished, auctionID, res.Status, a.ExpiresAt.Format(time.RFC3339))
	}
	if !res.IsWinner(userID) {
		return core.Auction{}, false, fmt.Errorf("%w: %s did not win auction %s", core.ErrNotWinner, userID, auctionID)
	}
	if a.HasClaimDeadline() && now.After(a.MaxClaimDate) {
		record, ok, err := p.claims.Get(ctx, auctionID, userID)
		if err != nil {
			return core.Auction{}, false, err
		}
		if !ok || record.Status != core.ClaimStatusPending {
			return core.Auction{}, false, claimWindowExpired(a)
		}
		return a, true, nil
	}
	return a, false, nil
}

func claimWindowExpired(a core.Auction) error {
	return fmt.Errorf("%w: auction %s claimable until %s",
		core.ErrClaimWindowExpired, a.ID, a.MaxClaimDate.Format(time.RFC3339))
}

// checkClaimedWinners aborts when the stored claims contradict the frozen
// winners: a claimed record for a non-winner or more claims than slots.
func (p *ClaimProcessor) checkClaimedWinners(ctx context.Context, a core.Auction) error {
	records, err := p.claims.List(ctx, a.ID)
	if err != nil {
		return err
	}

	winners := core.Resolution{Winners: a.Winners}
	claimed := 0
	for _, r := range records {
		if r.Status != core.ClaimStatusClaimed {
			continue
		}
		claimed++
		if !winners.IsWinner(r.UserID) {
			log.Printf("ERROR: Auction %s has a claimed record for non-winner %s", a.ID, r.UserID)
			return fmt.Errorf("%w: auction %s claimed by non-winner %s", core.ErrInvariantViolation, a.ID, r.UserID)
		}
	}
	if claimed >= a.WinnerSlots() {
		log.Printf("ERROR: Auction %s already has %d claimed records for %d winners", a.ID, claimed, a.WinnerSlots())
		return fmt.Errorf("%w: auction %s has %d claims for %d winners", core.ErrInvariantViolation, a.ID, claimed, a.WinnerSlots())
	}
	return nil
}

func (p *ClaimProcessor) chargeClaimCost(ctx context.Context, a core.Auction, userID, chargeKey string) (Receipt, error) {
	if a.ClaimCost.IsZero() {
		return Receipt{UserID: userID, Amount: a.ClaimCost, IdempotencyKey: chargeKey}, nil
	}

	req := ChargeRequest{
		UserID:         userID,
		Amount:         a.ClaimCost,
		Reason:         "claim",
		IdempotencyKey: chargeKey,
	}
	return callIdempotent(ctx, p.retry, p.metrics, "balance", chargeKey,
		func(ctx context.Context) (Receipt, error) { return p.balances.Debit(ctx, req) },
		func(ctx context.Context) (Receipt, bool, error) { return p.balances.LookupCharge(ctx, chargeKey) },
	)
}

func (p *ClaimProcessor) release(ctx context.Context, lease core.ClaimLease) {
	if err := p.claims.Release(ctx, lease, p.now()); err != nil {
		log.Printf("ERROR: Failed to release claim lease %s on auction %s: %v", lease.LeaseID, lease.AuctionID, err)
	}
}

// fulfill calls the payout gateway once. A failure never touches the claim
// or the charge; it is journaled for the reconciler.
func (p *ClaimProcessor) fulfill(ctx context.Context, a core.Auction, record core.ClaimRecord, chargeKey string, result *ClaimResult) {
	payoutKey := core.ComputeIdempotencyKey(core.OpPayout, a.ID, record.UserID, "")

	if p.vouchers != nil {
		voucher, err := p.vouchers.Issue(VoucherClaim{
			AuctionID:    a.ID,
			UserID:       record.UserID,
			ClaimCost:    a.ClaimCost,
			PayoutAmount: a.PayoutAmount,
			ChargeKey:    chargeKey,
			PayoutKey:    payoutKey,
			ClaimedAt:    record.ClaimedAt,
		})
		if err != nil {
			log.Printf("ERROR: Failed to issue voucher for claim on auction %s: %v", a.ID, err)
		}
		result.Voucher = voucher
	}

	req := PayoutRequest{
		UserID:         record.UserID,
		AuctionID:      a.ID,
		Amount:         a.PayoutAmount,
		IdempotencyKey: payoutKey,
		Voucher:        result.Voucher,
	}

	// Exactly one payout call inline; retries belong to the reconciler
	once := p.retry
	once.MaxAttempts = 1

	var payoutErr error
	if p.vouchers != nil && result.Voucher == nil {
		payoutErr = errors.New("voucher unavailable")
	} else {
		receipt, err := callIdempotent(ctx, once, p.metrics, "payout", payoutKey,
			func(ctx context.Context) (PayoutReceipt, error) { return p.payouts.Payout(ctx, req) },
			func(ctx context.Context) (PayoutReceipt, bool, error) { return p.payouts.LookupPayout(ctx, payoutKey) },
		)
		if err == nil {
			result.Payout = &receipt
			publish(ctx, p.publisher, Event{
				Type:       EventClaimSettled,
				AuctionID:  a.ID,
				UserID:     record.UserID,
				CurrentBid: a.CurrentBid,
				Winners:    a.Winners,
				OccurredAt: p.now(),
			})
			return
		}
		payoutErr = err
	}

	result.FulfillmentPending = true
	log.Printf("WARNING: Payout %s for auction %s failed, claim stays final: %v", payoutKey, a.ID, payoutErr)

	fault, err := p.faults.Record(ctx, Fault{
		Kind:           FaultPayoutFailed,
		AuctionID:      a.ID,
		UserID:         record.UserID,
		Amount:         a.PayoutAmount,
		IdempotencyKey: payoutKey,
		Voucher:        result.Voucher,
		LastError:      payoutErr.Error(),
		CreatedAt:      p.now(),
	})
	if err != nil {
		log.Printf("ERROR: Failed to journal payout fault %s: %v", payoutKey, err)
	} else {
		result.FaultID = fault.ID
		p.metrics.observeFault(FaultPayoutFailed)
	}

	publish(ctx, p.publisher, Event{
		Type:       EventFulfillmentPending,
		AuctionID:  a.ID,
		UserID:     record.UserID,
		CurrentBid: a.CurrentBid,
		Reason:     payoutErr.Error(),
		OccurredAt: p.now(),
	})
}
