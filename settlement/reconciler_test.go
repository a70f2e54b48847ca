package settlement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/pennyauction/core"
	"github.com/cloudx-io/pennyauction/gateway"
	"github.com/cloudx-io/pennyauction/settlement"
)

func TestReconciler_RedeliversFailedPayout(t *testing.T) {
	h := newHarness(t)
	a := h.createAuction(t, pennyAuction("auction-1"))
	h.fund("alice", "300")
	h.bid(t, a.ID, "alice")
	h.expire(a)

	h.desk.FailNext(gateway.FailBeforeApply, 1)
	result, err := h.claimer.Claim(context.Background(), a.ID, "alice")
	assert.NoError(t, err)
	assert.True(t, result.FulfillmentPending)
	check.Equal(t, 0, len(h.desk.Delivered()))

	report, err := h.reconciler.RunOnce(context.Background())
	assert.NoError(t, err)
	check.Equal(t, 1, report.Examined)
	check.Equal(t, 1, report.Resolved)

	delivered := h.desk.Delivered()
	assert.Equal(t, 1, len(delivered))
	check.Equal(t, core.ComputeIdempotencyKey(core.OpPayout, a.ID, "alice", ""), delivered[0].IdempotencyKey)
	check.Equal(t, string(result.Voucher), string(delivered[0].Voucher))

	// The claim charge is untouched by reconciliation
	check.Equal(t, "199.99", h.balance(t, "alice"))

	fault, ok := h.faults.Get(result.FaultID)
	assert.True(t, ok)
	check.Equal(t, settlement.FaultStatusResolved, fault.Status)
}

func TestReconciler_KeepsFailingPayoutPending(t *testing.T) {
	h := newHarness(t)
	a := h.createAuction(t, pennyAuction("auction-1"))
	h.fund("alice", "300")
	h.bid(t, a.ID, "alice")
	h.expire(a)

	h.desk.FailNext(gateway.FailBeforeApply, 4)
	result, err := h.claimer.Claim(context.Background(), a.ID, "alice")
	assert.NoError(t, err)

	report, err := h.reconciler.RunOnce(context.Background())
	assert.NoError(t, err)
	check.Equal(t, 1, report.Failed)

	fault, ok := h.faults.Get(result.FaultID)
	assert.True(t, ok)
	check.Equal(t, settlement.FaultStatusPending, fault.Status)
	check.Equal(t, 1, fault.Attempts)
	check.NotEqual(t, "", fault.LastError)

	report, err = h.reconciler.RunOnce(context.Background())
	assert.NoError(t, err)
	check.Equal(t, 1, report.Resolved)
	check.Equal(t, 1, len(h.desk.Delivered()))
}

func TestReconciler_UnappliedChargeNeedsNoRefund(t *testing.T) {
	h := newHarness(t)
	a := h.createAuction(t, pennyAuction("auction-1"))
	h.fund("alice", "1")

	// Nothing lands and nothing can be confirmed
	h.wallet.FailNext(gateway.FailRejectUnknown, 3)
	h.wallet.FailLookups(3)
	_, err := h.bids.PlaceBid(context.Background(), a.ID, "alice")
	assert.Error(t, err)

	h.clock.Advance(5 * time.Second)
	report, err := h.reconciler.RunOnce(context.Background())
	assert.NoError(t, err)
	check.Equal(t, 1, report.Resolved)
	check.Equal(t, 0, h.wallet.Credits())
	check.Equal(t, "1", h.balance(t, "alice"))
}

func pendingFault(t *testing.T, h *harness, kind settlement.FaultKind) settlement.Fault {
	t.Helper()
	pending, err := h.faults.Pending(context.Background(), 0)
	assert.NoError(t, err)
	for _, f := range pending {
		if f.Kind == kind {
			return f
		}
	}
	t.Fatalf("no pending %s fault", kind)
	return settlement.Fault{}
}

func TestReconciler_CompletesChargedClaimAfterDeadline(t *testing.T) {
	h := newHarness(t)
	a := h.createAuction(t, pennyAuction("auction-1"))
	h.fund("alice", "300")
	h.bid(t, a.ID, "alice")
	h.expire(a)

	// The claim charge lands but no response or lookup gets through
	h.wallet.FailNext(gateway.FailAfterApply, 3)
	h.wallet.FailLookups(3)
	_, err := h.claimer.Claim(context.Background(), a.ID, "alice")
	check.True(t, errors.Is(err, core.ErrOutcomeUnknown))
	check.Equal(t, "199.99", h.balance(t, "alice"))

	fault := pendingFault(t, h, settlement.FaultUnresolvedClaimCharge)
	check.Equal(t, core.ComputeIdempotencyKey(core.OpClaim, a.ID, "alice", "1"), fault.IdempotencyKey)
	check.Equal(t, "100", fault.Amount.String())

	// The attempt's lease is still live
	report, err := h.reconciler.RunOnce(context.Background())
	assert.NoError(t, err)
	check.Equal(t, 1, report.Deferred)

	// Nobody retries before the claim window closes
	h.clock.Set(a.MaxClaimDate.Add(time.Hour))
	report, err = h.reconciler.RunOnce(context.Background())
	assert.NoError(t, err)
	check.Equal(t, 1, report.Resolved)

	rec, _, err := h.claims.Get(context.Background(), a.ID, "alice")
	assert.NoError(t, err)
	check.Equal(t, core.ClaimStatusClaimed, rec.Status)
	check.Equal(t, 1, rec.Attempt)
	check.Equal(t, "199.99", h.balance(t, "alice"))
	check.Equal(t, 2, h.wallet.Debits())
	check.Equal(t, 0, h.wallet.Credits())
	check.Equal(t, 1, len(h.desk.Delivered()))
	check.Equal(t, 1, h.events.count(settlement.EventClaimSettled))

	stored, ok := h.faults.Get(fault.ID)
	assert.True(t, ok)
	check.Equal(t, settlement.FaultStatusResolved, stored.Status)

	_, err = h.claimer.Claim(context.Background(), a.ID, "alice")
	check.True(t, errors.Is(err, core.ErrClaimWindowExpired))
	check.Equal(t, 1, h.desk.Calls())
}

func TestReconciler_ReleasesUnchargedClaim(t *testing.T) {
	h := newHarness(t)
	a := h.createAuction(t, pennyAuction("auction-1"))
	h.fund("alice", "300")
	h.bid(t, a.ID, "alice")
	h.expire(a)

	h.wallet.FailNext(gateway.FailRejectUnknown, 3)
	h.wallet.FailLookups(3)
	_, err := h.claimer.Claim(context.Background(), a.ID, "alice")
	check.True(t, errors.Is(err, core.ErrOutcomeUnknown))
	check.Equal(t, "299.99", h.balance(t, "alice"))

	h.clock.Advance(testLeaseTTL)
	report, err := h.reconciler.RunOnce(context.Background())
	assert.NoError(t, err)
	check.Equal(t, 1, report.Resolved)
	check.Equal(t, 0, h.desk.Calls())

	rec, _, err := h.claims.Get(context.Background(), a.ID, "alice")
	assert.NoError(t, err)
	check.Equal(t, core.ClaimStatusUnclaimed, rec.Status)

	result, err := h.claimer.Claim(context.Background(), a.ID, "alice")
	assert.NoError(t, err)
	check.Equal(t, 2, result.Record.Attempt)
	check.Equal(t, "199.99", h.balance(t, "alice"))
}

func TestReconciler_ClaimRetriedByUserNeedsNothing(t *testing.T) {
	h := newHarness(t)
	a := h.createAuction(t, pennyAuction("auction-1"))
	h.fund("alice", "300")
	h.bid(t, a.ID, "alice")
	h.expire(a)

	h.wallet.FailNext(gateway.FailAfterApply, 3)
	h.wallet.FailLookups(3)
	_, err := h.claimer.Claim(context.Background(), a.ID, "alice")
	check.True(t, errors.Is(err, core.ErrOutcomeUnknown))

	h.clock.Advance(testLeaseTTL)
	_, err = h.claimer.Claim(context.Background(), a.ID, "alice")
	assert.NoError(t, err)

	report, err := h.reconciler.RunOnce(context.Background())
	assert.NoError(t, err)
	check.Equal(t, 1, report.Resolved)
	check.Equal(t, "199.99", h.balance(t, "alice"))
	check.Equal(t, 0, h.wallet.Credits())
	check.Equal(t, 1, h.desk.Calls())
}

func TestReconciler_RevertsStaleUnchargedBid(t *testing.T) {
	h := newHarness(t)
	a := h.createAuction(t, pennyAuction("auction-1"))

	// A bid request that died between acceptance and its debit
	_, err := h.ledger.TryAcceptBid(context.Background(), a.ID, "alice", a.BidStep, h.clock.Now())
	assert.NoError(t, err)

	h.expire(a)
	n, err := h.finalizer.FinalizeDue(context.Background())
	assert.NoError(t, err)
	check.Equal(t, 0, n)

	h.clock.Advance(time.Minute)
	report, err := h.reconciler.RunOnce(context.Background())
	assert.NoError(t, err)
	check.Equal(t, 1, report.SettledBids)
	check.Equal(t, 1, h.events.count(settlement.EventBidRolledBack))

	bids, err := h.ledger.Bids(context.Background(), a.ID)
	assert.NoError(t, err)
	check.Equal(t, 0, len(bids))

	n, err = h.finalizer.FinalizeDue(context.Background())
	assert.NoError(t, err)
	check.Equal(t, 1, n)

	_, err = h.claimer.Claim(context.Background(), a.ID, "alice")
	check.True(t, errors.Is(err, core.ErrNotWinner))
}

func TestReconciler_ConfirmsStaleChargedBid(t *testing.T) {
	h := newHarness(t)
	a := h.createAuction(t, pennyAuction("auction-1"))
	h.fund("alice", "300")

	acc, err := h.ledger.TryAcceptBid(context.Background(), a.ID, "alice", a.BidStep, h.clock.Now())
	assert.NoError(t, err)
	// The fee was taken but the request died before confirming
	_, err = h.wallet.Debit(context.Background(), settlement.ChargeRequest{
		UserID:         "alice",
		Amount:         a.BidFee,
		Reason:         "bid",
		IdempotencyKey: core.ComputeIdempotencyKey(core.OpBid, a.ID, "alice", acc.Bid.ID),
	})
	assert.NoError(t, err)

	h.expire(a)
	h.clock.Advance(time.Minute)

	// An unreachable wallet leaves the bid for the next pass
	h.wallet.FailLookups(1)
	report, err := h.reconciler.RunOnce(context.Background())
	assert.NoError(t, err)
	check.Equal(t, 0, report.SettledBids)
	check.Equal(t, 1, report.Failed)

	report, err = h.reconciler.RunOnce(context.Background())
	assert.NoError(t, err)
	check.Equal(t, 1, report.SettledBids)
	check.Equal(t, 1, h.events.count(settlement.EventBidPlaced))

	result, err := h.claimer.Claim(context.Background(), a.ID, "alice")
	assert.NoError(t, err)
	check.True(t, result.Record.IsClaimed())
	check.Equal(t, "199.99", h.balance(t, "alice"))
}

func TestReconciler_LeavesRecentBidsAlone(t *testing.T) {
	h := newHarness(t)
	a := h.createAuction(t, pennyAuction("auction-1"))

	_, err := h.ledger.TryAcceptBid(context.Background(), a.ID, "alice", a.BidStep, h.clock.Now())
	assert.NoError(t, err)

	report, err := h.reconciler.RunOnce(context.Background())
	assert.NoError(t, err)
	check.Equal(t, 0, report.SettledBids)

	stale, err := h.ledger.UnconfirmedBids(context.Background(), h.clock.Now())
	assert.NoError(t, err)
	check.Equal(t, 1, len(stale))
}
