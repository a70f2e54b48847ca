package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"
)

func newTestLedger(t *testing.T, auctions ...Auction) *MemoryLedger {
	t.Helper()
	l := NewMemoryLedger()
	for _, a := range auctions {
		_, err := l.CreateAuction(context.Background(), a)
		assert.NoError(t, err)
	}
	return l
}

func acceptNext(t *testing.T, l *MemoryLedger, auctionID, userID string, now time.Time) Acceptance {
	t.Helper()
	ctx := context.Background()
	a, err := l.Auction(ctx, auctionID)
	assert.NoError(t, err)
	acc, err := l.TryAcceptBid(ctx, auctionID, userID, NextBid(a.CurrentBid, a.BidStep), now)
	assert.NoError(t, err)
	return acc
}

func TestMemoryLedger_CreateAuction(t *testing.T) {
	l := newTestLedger(t, testAuction("auction-1"))

	_, err := l.CreateAuction(context.Background(), testAuction("auction-1"))
	check.True(t, errors.Is(err, ErrInvalidAuction))

	bad := testAuction("auction-2")
	bad.BidStep = decimal.Zero
	_, err = l.CreateAuction(context.Background(), bad)
	check.True(t, errors.Is(err, ErrInvalidAuction))

	_, err = l.Auction(context.Background(), "missing")
	check.True(t, errors.Is(err, ErrAuctionNotFound))
}

func TestMemoryLedger_AcceptMovesLeadership(t *testing.T) {
	l := newTestLedger(t, testAuction("auction-1"))
	now := testStart.Add(time.Minute)

	first := acceptNext(t, l, "auction-1", "alice", now)
	check.Equal(t, int64(1), first.Bid.Position)
	check.Equal(t, "", first.PreviousLeader)
	check.Equal(t, "0.01", first.Bid.Amount.String())
	check.Equal(t, "0.01", first.Bid.Fee.String())
	check.False(t, first.Bid.Confirmed)

	second := acceptNext(t, l, "auction-1", "bob", now.Add(time.Second))
	check.Equal(t, int64(2), second.Bid.Position)
	check.Equal(t, "alice", second.PreviousLeader)

	a, err := l.Auction(context.Background(), "auction-1")
	assert.NoError(t, err)
	check.Equal(t, "0.02", a.CurrentBid.String())

	bids, err := l.Bids(context.Background(), "auction-1")
	assert.NoError(t, err)
	check.Equal(t, 2, len(bids))
	check.Equal(t, "bob", Leader(bids).UserID)
}

func TestMemoryLedger_RejectsStaleBid(t *testing.T) {
	l := newTestLedger(t, testAuction("auction-1"))
	ctx := context.Background()
	now := testStart.Add(time.Minute)

	// Both bidders read current bid 0 and propose 0.01
	proposed := decimal.RequireFromString("0.01")
	_, err := l.TryAcceptBid(ctx, "auction-1", "alice", proposed, now)
	check.NoError(t, err)

	_, err = l.TryAcceptBid(ctx, "auction-1", "bob", proposed, now)
	check.True(t, errors.Is(err, ErrStaleBid))
}

func TestMemoryLedger_RejectsClosedAuction(t *testing.T) {
	a := testAuction("auction-1")
	l := newTestLedger(t, a)
	ctx := context.Background()
	proposed := decimal.RequireFromString("0.01")

	_, err := l.TryAcceptBid(ctx, "auction-1", "alice", proposed, a.ExpiresAt)
	check.True(t, errors.Is(err, ErrAuctionClosed))

	_, err = l.TryAcceptBid(ctx, "auction-1", "alice", proposed, a.StartDate.Add(-time.Second))
	check.True(t, errors.Is(err, ErrAuctionClosed))

	_, _, err = l.Finalize(ctx, "auction-1", a.ExpiresAt)
	assert.NoError(t, err)
	_, err = l.TryAcceptBid(ctx, "auction-1", "alice", proposed, a.ExpiresAt.Add(-time.Second))
	check.True(t, errors.Is(err, ErrAuctionClosed))
}

func TestMemoryLedger_AntiSnipeExtension(t *testing.T) {
	a := testAuction("auction-1")
	a.AntiSnipeWindow = 30 * time.Second
	l := newTestLedger(t, a)

	acc := acceptNext(t, l, "auction-1", "alice", a.ExpiresAt.Add(-5*time.Second))
	check.True(t, acc.Extended)
	check.Equal(t, a.ExpiresAt.Add(30*time.Second), acc.NewExpiry)

	stored, err := l.Auction(context.Background(), "auction-1")
	assert.NoError(t, err)
	check.Equal(t, acc.NewExpiry, stored.ExpiresAt)

	// A bid after the original expiry is accepted inside the extension
	late := acceptNext(t, l, "auction-1", "bob", a.ExpiresAt.Add(time.Second))
	check.Equal(t, "alice", late.PreviousLeader)
}

func TestMemoryLedger_RevertUndoesAntiSnipeExtension(t *testing.T) {
	a := testAuction("auction-1")
	a.AntiSnipeWindow = 30 * time.Second
	l := newTestLedger(t, a)
	ctx := context.Background()

	first := acceptNext(t, l, "auction-1", "alice", a.ExpiresAt.Add(-time.Minute))
	assert.NoError(t, l.ConfirmBid(ctx, "auction-1", first.Bid.ID))
	sniper := acceptNext(t, l, "auction-1", "bob", a.ExpiresAt.Add(-5*time.Second))
	check.True(t, sniper.Extended)
	check.Equal(t, a.ExpiresAt, sniper.Bid.PreviousExpiry)

	assert.NoError(t, l.RevertBid(ctx, "auction-1", sniper.Bid.ID))

	stored, err := l.Auction(ctx, "auction-1")
	assert.NoError(t, err)
	check.Equal(t, a.ExpiresAt, stored.ExpiresAt)
	check.Equal(t, "0.01", stored.CurrentBid.String())
}

func TestMemoryLedger_RevertBehindLeaderKeepsExtension(t *testing.T) {
	a := testAuction("auction-1")
	a.AntiSnipeWindow = 30 * time.Second
	l := newTestLedger(t, a)
	ctx := context.Background()

	sniper := acceptNext(t, l, "auction-1", "alice", a.ExpiresAt.Add(-5*time.Second))
	check.True(t, sniper.Extended)
	later := acceptNext(t, l, "auction-1", "bob", a.ExpiresAt.Add(time.Second))
	assert.NoError(t, l.ConfirmBid(ctx, "auction-1", later.Bid.ID))

	// bob bid against the extended deadline, so it stands
	assert.NoError(t, l.RevertBid(ctx, "auction-1", sniper.Bid.ID))

	stored, err := l.Auction(ctx, "auction-1")
	assert.NoError(t, err)
	check.Equal(t, later.NewExpiry, stored.ExpiresAt)
	check.True(t, stored.ExpiresAt.After(a.ExpiresAt))
}

func TestMemoryLedger_UnconfirmedBids(t *testing.T) {
	l := newTestLedger(t, testAuction("auction-1"), testAuction("auction-2"))
	ctx := context.Background()
	now := testStart.Add(time.Minute)

	confirmed := acceptNext(t, l, "auction-1", "alice", now)
	assert.NoError(t, l.ConfirmBid(ctx, "auction-1", confirmed.Bid.ID))
	older := acceptNext(t, l, "auction-2", "bob", now)
	newer := acceptNext(t, l, "auction-1", "carol", now.Add(time.Minute))

	stale, err := l.UnconfirmedBids(ctx, now)
	assert.NoError(t, err)
	check.Equal(t, 1, len(stale))
	check.Equal(t, older.Bid.ID, stale[0].ID)

	stale, err = l.UnconfirmedBids(ctx, now.Add(time.Hour))
	assert.NoError(t, err)
	check.Equal(t, 2, len(stale))
	check.Equal(t, older.Bid.ID, stale[0].ID)
	check.Equal(t, newer.Bid.ID, stale[1].ID)

	assert.NoError(t, l.RevertBid(ctx, "auction-2", older.Bid.ID))
	stale, err = l.UnconfirmedBids(ctx, now.Add(time.Hour))
	assert.NoError(t, err)
	check.Equal(t, 1, len(stale))
}

func TestMemoryLedger_RevertRestoresPreviousLeader(t *testing.T) {
	l := newTestLedger(t, testAuction("auction-1"))
	ctx := context.Background()
	now := testStart.Add(time.Minute)

	first := acceptNext(t, l, "auction-1", "alice", now)
	assert.NoError(t, l.ConfirmBid(ctx, "auction-1", first.Bid.ID))
	second := acceptNext(t, l, "auction-1", "bob", now)

	assert.NoError(t, l.RevertBid(ctx, "auction-1", second.Bid.ID))

	a, err := l.Auction(ctx, "auction-1")
	assert.NoError(t, err)
	check.Equal(t, "0.01", a.CurrentBid.String())

	bids, err := l.Bids(ctx, "auction-1")
	assert.NoError(t, err)
	check.Equal(t, 1, len(bids))
	check.Equal(t, "alice", Leader(bids).UserID)

	// Positions are never reused
	third := acceptNext(t, l, "auction-1", "carol", now)
	check.Equal(t, int64(3), third.Bid.Position)
}

func TestMemoryLedger_RevertLastBidRestoresStartingBid(t *testing.T) {
	l := newTestLedger(t, testAuction("auction-1"))
	ctx := context.Background()

	acc := acceptNext(t, l, "auction-1", "alice", testStart.Add(time.Minute))
	assert.NoError(t, l.RevertBid(ctx, "auction-1", acc.Bid.ID))

	a, err := l.Auction(ctx, "auction-1")
	assert.NoError(t, err)
	check.True(t, a.CurrentBid.Equal(a.StartingBid))
}

func TestMemoryLedger_ConfirmedBidCannotBeReverted(t *testing.T) {
	l := newTestLedger(t, testAuction("auction-1"))
	ctx := context.Background()

	acc := acceptNext(t, l, "auction-1", "alice", testStart.Add(time.Minute))
	assert.NoError(t, l.ConfirmBid(ctx, "auction-1", acc.Bid.ID))
	// Confirming twice is harmless
	check.NoError(t, l.ConfirmBid(ctx, "auction-1", acc.Bid.ID))

	err := l.RevertBid(ctx, "auction-1", acc.Bid.ID)
	check.True(t, errors.Is(err, ErrInvariantViolation))

	err = l.ConfirmBid(ctx, "auction-1", "unknown-bid")
	check.True(t, errors.Is(err, ErrInvariantViolation))
}

func TestMemoryLedger_FinalizeIsIdempotent(t *testing.T) {
	a := testAuction("auction-1")
	l := newTestLedger(t, a)
	ctx := context.Background()

	for _, user := range []string{"alice", "bob", "alice"} {
		acc := acceptNext(t, l, "auction-1", user, testStart.Add(time.Minute))
		assert.NoError(t, l.ConfirmBid(ctx, "auction-1", acc.Bid.ID))
	}

	_, _, err := l.Finalize(ctx, "auction-1", a.ExpiresAt.Add(-time.Second))
	check.True(t, errors.Is(err, ErrAuctionNotFinished))

	first, applied, err := l.Finalize(ctx, "auction-1", a.ExpiresAt)
	assert.NoError(t, err)
	check.True(t, applied)
	check.True(t, first.IsFinalized)
	check.Equal(t, []string{"alice"}, first.Winners)

	second, applied, err := l.Finalize(ctx, "auction-1", a.ExpiresAt.Add(time.Hour))
	assert.NoError(t, err)
	check.False(t, applied)
	check.Equal(t, first.Winners, second.Winners)
	check.Equal(t, first.ExpiresAt, second.ExpiresAt)
}

func TestMemoryLedger_FinalizeWaitsForInFlightBids(t *testing.T) {
	a := testAuction("auction-1")
	l := newTestLedger(t, a)
	ctx := context.Background()

	acc := acceptNext(t, l, "auction-1", "alice", a.ExpiresAt.Add(-time.Second))

	_, _, err := l.Finalize(ctx, "auction-1", a.ExpiresAt)
	check.True(t, errors.Is(err, ErrAuctionNotFinished))

	assert.NoError(t, l.RevertBid(ctx, "auction-1", acc.Bid.ID))

	final, _, err := l.Finalize(ctx, "auction-1", a.ExpiresAt)
	assert.NoError(t, err)
	check.Equal(t, 0, len(final.Winners))
}

func TestMemoryLedger_DueForFinalization(t *testing.T) {
	early := testAuction("auction-early")
	late := testAuction("auction-late")
	late.ExpiresAt = early.ExpiresAt.Add(time.Hour)
	late.MaxExpiryDate = late.ExpiresAt.Add(time.Hour)
	l := newTestLedger(t, early, late)
	ctx := context.Background()

	due, err := l.DueForFinalization(ctx, early.ExpiresAt)
	assert.NoError(t, err)
	check.Equal(t, []string{"auction-early"}, due)

	_, _, err = l.Finalize(ctx, "auction-early", early.ExpiresAt)
	assert.NoError(t, err)

	due, err = l.DueForFinalization(ctx, late.ExpiresAt)
	assert.NoError(t, err)
	check.Equal(t, []string{"auction-late"}, due)
}

func TestMemoryLedger_ConcurrentBidsKeepSingleLeader(t *testing.T) {
	a := testAuction("auction-1")
	l := newTestLedger(t, a)
	ctx := context.Background()
	now := testStart.Add(time.Minute)

	const bidders = 20
	const attemptsEach = 25

	var wg sync.WaitGroup
	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			for j := 0; j < attemptsEach; j++ {
				current, err := l.Auction(ctx, "auction-1")
				if err != nil {
					t.Error(err)
					return
				}
				acc, err := l.TryAcceptBid(ctx, "auction-1", user, NextBid(current.CurrentBid, current.BidStep), now)
				if errors.Is(err, ErrStaleBid) {
					continue
				}
				if err != nil {
					t.Error(err)
					return
				}
				if err := l.ConfirmBid(ctx, "auction-1", acc.Bid.ID); err != nil {
					t.Error(err)
				}
			}
		}(fmt.Sprintf("user-%02d", i))
	}
	wg.Wait()

	bids, err := l.Bids(ctx, "auction-1")
	assert.NoError(t, err)
	assert.True(t, len(bids) > 0)

	// Every accepted bid exceeds its predecessor by exactly one step
	previous := a.StartingBid
	for _, b := range bids {
		check.True(t, b.Amount.Equal(NextBid(previous, a.BidStep)))
		previous = b.Amount
	}

	leader := Leader(bids)
	for _, b := range bids {
		check.True(t, leader.Amount.GreaterThanOrEqual(b.Amount))
	}

	final, _, err := l.Finalize(ctx, "auction-1", a.ExpiresAt)
	assert.NoError(t, err)
	check.Equal(t, []string{leader.UserID}, final.Winners)
	check.True(t, final.CurrentBid.Equal(leader.Amount))
}

func TestMemoryLedger_AuctionsDoNotContend(t *testing.T) {
	l := newTestLedger(t, testAuction("auction-1"), testAuction("auction-2"))
	ctx := context.Background()
	now := testStart.Add(time.Minute)

	// Holding one auction's lock must not block another auction
	e, err := l.entry("auction-1")
	assert.NoError(t, err)
	e.mu.Lock()
	defer e.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := l.TryAcceptBid(ctx, "auction-2", "alice", decimal.RequireFromString("0.01"), now)
		done <- err
	}()

	select {
	case err := <-done:
		check.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bid on auction-2 blocked by auction-1 lock")
	}
}
