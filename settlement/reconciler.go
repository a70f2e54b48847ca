package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/cloudx-io/pennyauction/core"
)

const defaultReconcileBatch = 100

// errDeferred marks a fault that cannot be judged yet
var errDeferred = errors.New("deferred")

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Examined int
	Resolved int
	Failed   int
	Deferred int

	// SettledBids counts stale unconfirmed bids confirmed or reverted
	SettledBids int
}

// Reconciler drains the fault journal: failed payouts are re-sent with their
// original idempotency key, unresolved bid charges are looked up and refunded
// when they turn out to exist, pending claims with an unknown charge are
// completed or released. It also settles bids a crashed request left
// unconfirmed, which would otherwise hold their auction open.
type Reconciler struct {
	ledger    core.Ledger
	claims    core.ClaimStore
	claimer   *ClaimProcessor
	balances  BalanceGateway
	payouts   PayoutGateway
	vouchers  VoucherIssuer
	faults    FaultJournal
	publisher Publisher
	metrics   *Metrics
	retry     RetryPolicy
	leaseTTL  time.Duration
	now       Clock

	workers   int
	batchSize int
}

func NewReconciler(deps Dependencies, workers int) *Reconciler {
	deps = deps.withDefaults()
	if workers <= 0 {
		workers = 1
	}
	return &Reconciler{
		ledger:    deps.Ledger,
		claims:    deps.Claims,
		claimer:   NewClaimProcessor(deps),
		balances:  deps.Balances,
		payouts:   deps.Payouts,
		vouchers:  deps.Vouchers,
		faults:    deps.Faults,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		retry:     deps.Retry,
		leaseTTL:  deps.LeaseTTL,
		now:       deps.Clock,
		workers:   workers,
		batchSize: defaultReconcileBatch,
	}
}

// RunOnce settles stale unconfirmed bids, then processes one batch of
// pending faults with at most workers concurrent gateway conversations.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	settled, failedBids, err := r.settleStaleBids(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}

	pending, err := r.faults.Pending(ctx, r.batchSize)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("failed to list pending faults: %w", err)
	}

	var (
		mu     sync.Mutex
		report = ReconcileReport{Examined: len(pending), Failed: failedBids, SettledBids: settled}
		wg     sync.WaitGroup
	)
	semaphore := make(chan struct{}, r.workers)

	for _, fault := range pending {
		select {
		case semaphore <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return report, ctx.Err()
		}

		wg.Add(1)
		go func(f Fault) {
			defer func() {
				<-semaphore
				wg.Done()
			}()
			defer func() {
				if rec := recover(); rec != nil {
					log.Printf("ERROR: Panic reconciling fault %s: %v", f.ID, rec)
				}
			}()

			outcome := r.reconcile(ctx, f)

			mu.Lock()
			switch outcome {
			case outcomeResolved:
				report.Resolved++
			case outcomeDeferred:
				report.Deferred++
			default:
				report.Failed++
			}
			mu.Unlock()
		}(fault)
	}
	wg.Wait()

	if remaining, err := r.faults.Pending(ctx, 0); err == nil {
		r.metrics.setPending(len(remaining))
	}

	if report.Examined > 0 || report.SettledBids > 0 || report.Failed > 0 {
		log.Printf("INFO: Reconciliation pass: examined=%d resolved=%d failed=%d deferred=%d bids=%d",
			report.Examined, report.Resolved, report.Failed, report.Deferred, report.SettledBids)
	}
	return report, nil
}

// Start runs a reconciliation pass every interval until ctx is done.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
					log.Printf("ERROR: Reconciliation pass failed: %v", err)
				}
			}
		}
	}()
}

type reconcileOutcome int

const (
	outcomeFailed reconcileOutcome = iota
	outcomeResolved
	outcomeDeferred
)

func (r *Reconciler) reconcile(ctx context.Context, f Fault) reconcileOutcome {
	var err error
	switch f.Kind {
	case FaultPayoutFailed:
		err = r.retryPayout(ctx, f)
	case FaultUnresolvedCharge:
		// Give the original request time to land or die before judging it
		if r.now().Sub(f.CreatedAt) < r.retry.normalized().CallTimeout {
			return outcomeDeferred
		}
		err = r.refundCharge(ctx, f)
	case FaultUnresolvedClaimCharge:
		err = r.settleClaimCharge(ctx, f)
	default:
		err = fmt.Errorf("unknown fault kind %q", f.Kind)
	}

	if errors.Is(err, errDeferred) {
		return outcomeDeferred
	}
	if err != nil {
		log.Printf("WARNING: Fault %s (%s) not reconciled: %v", f.ID, f.Kind, err)
		if markErr := r.faults.MarkAttempt(ctx, f.ID, err, r.now()); markErr != nil {
			log.Printf("ERROR: Failed to record attempt for fault %s: %v", f.ID, markErr)
		}
		return outcomeFailed
	}

	if err := r.faults.Resolve(ctx, f.ID, r.now()); err != nil {
		log.Printf("ERROR: Failed to resolve fault %s: %v", f.ID, err)
		return outcomeFailed
	}
	return outcomeResolved
}

func (r *Reconciler) retryPayout(ctx context.Context, f Fault) error {
	voucher := f.Voucher
	if len(voucher) == 0 && r.vouchers != nil {
		issued, err := r.reissueVoucher(ctx, f)
		if err != nil {
			return fmt.Errorf("reissue voucher: %w", err)
		}
		voucher = issued
	}

	req := PayoutRequest{
		UserID:         f.UserID,
		AuctionID:      f.AuctionID,
		Amount:         f.Amount,
		IdempotencyKey: f.IdempotencyKey,
		Voucher:        voucher,
	}
	if _, err := callIdempotent(ctx, r.retry, r.metrics, "payout", f.IdempotencyKey,
		func(ctx context.Context) (PayoutReceipt, error) { return r.payouts.Payout(ctx, req) },
		func(ctx context.Context) (PayoutReceipt, bool, error) { return r.payouts.LookupPayout(ctx, f.IdempotencyKey) },
	); err != nil {
		return err
	}

	log.Printf("INFO: Payout %s for auction %s delivered on reconciliation", f.IdempotencyKey, f.AuctionID)
	publish(ctx, r.publisher, Event{
		Type:       EventClaimSettled,
		AuctionID:  f.AuctionID,
		UserID:     f.UserID,
		OccurredAt: r.now(),
	})
	return nil
}

func (r *Reconciler) reissueVoucher(ctx context.Context, f Fault) ([]byte, error) {
	a, err := r.ledger.Auction(ctx, f.AuctionID)
	if err != nil {
		return nil, err
	}
	record, ok, err := r.claims.Get(ctx, f.AuctionID, f.UserID)
	if err != nil {
		return nil, err
	}
	if !ok || !record.IsClaimed() {
		return nil, fmt.Errorf("%w: payout fault %s without a claimed record", core.ErrInvariantViolation, f.ID)
	}

	return r.vouchers.Issue(VoucherClaim{
		AuctionID:    f.AuctionID,
		UserID:       f.UserID,
		ClaimCost:    a.ClaimCost,
		PayoutAmount: f.Amount,
		ChargeKey:    core.ComputeIdempotencyKey(core.OpClaim, f.AuctionID, f.UserID, strconv.Itoa(record.Attempt)),
		PayoutKey:    f.IdempotencyKey,
		ClaimedAt:    record.ClaimedAt,
	})
}

func (r *Reconciler) refundCharge(ctx context.Context, f Fault) error {
	charge, found, err := r.balances.LookupCharge(ctx, f.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("lookup charge: %w", err)
	}
	if !found {
		log.Printf("INFO: Unresolved charge %s never applied, nothing to refund", f.IdempotencyKey)
		return nil
	}

	refundKey := core.ComputeRefundKey(f.IdempotencyKey)
	req := ChargeRequest{
		UserID:         f.UserID,
		Amount:         charge.Amount,
		Reason:         "refund",
		IdempotencyKey: refundKey,
	}
	if _, err := callIdempotent(ctx, r.retry, r.metrics, "balance", refundKey,
		func(ctx context.Context) (Receipt, error) { return r.balances.Credit(ctx, req) },
		func(ctx context.Context) (Receipt, bool, error) { return r.balances.LookupCharge(ctx, refundKey) },
	); err != nil {
		return err
	}

	log.Printf("INFO: Refunded orphan charge %s (%s) to %s", f.IdempotencyKey, charge.Amount.String(), f.UserID)
	return nil
}

// settleClaimCharge finishes a claim attempt whose debit outcome was unknown.
// The attempt's lease must have lapsed first, so the original caller's debit
// is over. A charge that landed completes the claim and pays out; one that
// did not releases the record for a fresh attempt.
func (r *Reconciler) settleClaimCharge(ctx context.Context, f Fault) error {
	record, ok, err := r.claims.Get(ctx, f.AuctionID, f.UserID)
	if err != nil {
		return err
	}
	if !ok || core.ComputeIdempotencyKey(core.OpClaim, f.AuctionID, f.UserID, strconv.Itoa(record.Attempt)) != f.IdempotencyKey {
		// A later attempt took over; this key can only be an orphan charge
		return r.refundCharge(ctx, f)
	}
	switch record.Status {
	case core.ClaimStatusClaimed:
		log.Printf("INFO: Claim charge %s already settled by a retried claim", f.IdempotencyKey)
		return nil
	case core.ClaimStatusUnclaimed:
		return r.refundCharge(ctx, f)
	}

	lease, err := r.claims.Acquire(ctx, f.AuctionID, f.UserID, r.now(), r.leaseTTL)
	if errors.Is(err, core.ErrAlreadyClaimed) {
		return errDeferred
	}
	if err != nil {
		return err
	}
	if !lease.Resumed || lease.Attempt != record.Attempt {
		r.claimer.release(ctx, lease)
		return errDeferred
	}

	charge, found, err := resolveOutcome(ctx, r.retry, func(ctx context.Context) (Receipt, bool, error) {
		return r.balances.LookupCharge(ctx, f.IdempotencyKey)
	})
	if err != nil {
		// The lease lapses on its own; the next pass tries again
		return fmt.Errorf("lookup claim charge: %w", err)
	}
	if !found {
		log.Printf("INFO: Claim charge %s never applied, releasing attempt %d on auction %s for %s",
			f.IdempotencyKey, lease.Attempt, f.AuctionID, f.UserID)
		r.claimer.release(ctx, lease)
		return nil
	}

	a, err := r.ledger.Auction(ctx, f.AuctionID)
	if err != nil {
		return err
	}
	completed, err := r.claims.Complete(ctx, lease, r.now())
	if err != nil {
		return fmt.Errorf("complete claim on auction %s: %w", f.AuctionID, err)
	}
	log.Printf("INFO: Claim on auction %s settled for %s on reconciliation: cost=%s attempt=%d",
		f.AuctionID, f.UserID, charge.Amount.String(), lease.Attempt)

	result := ClaimResult{Record: completed, Charge: charge, Message: a.ClaimSuccess}
	r.claimer.fulfill(ctx, a, completed, f.IdempotencyKey, &result)
	return nil
}

// settleStaleBids confirms or reverts bids left unconfirmed for longer than
// any bid request can run. The fee charge decides: found confirms the bid,
// missing reverts it. Bids whose charge cannot be looked up are left for the
// next pass.
func (r *Reconciler) settleStaleBids(ctx context.Context) (settled, failed int, err error) {
	cutoff := r.now().Add(-(r.retry.Budget() + r.retry.normalized().CallTimeout))
	stale, err := r.ledger.UnconfirmedBids(ctx, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list unconfirmed bids: %w", err)
	}

	for _, bid := range stale {
		if ctx.Err() != nil {
			return settled, failed, ctx.Err()
		}
		if err := r.settleStaleBid(ctx, bid); err != nil {
			log.Printf("WARNING: Unconfirmed bid %s on auction %s not settled: %v", bid.ID, bid.AuctionID, err)
			failed++
			continue
		}
		settled++
	}
	return settled, failed, nil
}

func (r *Reconciler) settleStaleBid(ctx context.Context, bid core.Bid) error {
	chargeKey := core.ComputeIdempotencyKey(core.OpBid, bid.AuctionID, bid.UserID, bid.ID)

	charged := bid.Fee.IsZero()
	if !charged {
		_, found, err := resolveOutcome(ctx, r.retry, func(ctx context.Context) (Receipt, bool, error) {
			return r.balances.LookupCharge(ctx, chargeKey)
		})
		if err != nil {
			return fmt.Errorf("lookup charge %s: %w", chargeKey, err)
		}
		charged = found
	}

	event := Event{
		AuctionID:  bid.AuctionID,
		UserID:     bid.UserID,
		BidID:      bid.ID,
		Position:   bid.Position,
		OccurredAt: r.now(),
	}
	if charged {
		if err := r.ledger.ConfirmBid(ctx, bid.AuctionID, bid.ID); err != nil {
			return err
		}
		log.Printf("INFO: Stale bid %s on auction %s confirmed, charge %s found", bid.ID, bid.AuctionID, chargeKey)
		event.Type = EventBidPlaced
	} else {
		if err := r.ledger.RevertBid(ctx, bid.AuctionID, bid.ID); err != nil {
			return err
		}
		log.Printf("INFO: Stale bid %s on auction %s reverted, charge %s never applied", bid.ID, bid.AuctionID, chargeKey)
		event.Type = EventBidRolledBack
		event.Reason = "unconfirmed"
	}

	if a, err := r.ledger.Auction(ctx, bid.AuctionID); err == nil {
		event.CurrentBid = a.CurrentBid
		event.ExpiresAt = a.ExpiresAt
	}
	publish(ctx, r.publisher, event)
	return nil
}
