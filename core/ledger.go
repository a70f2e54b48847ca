package core

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Acceptance describes a bid the ledger committed.
type Acceptance struct {
	Bid Bid

	// PreviousLeader is the user who held leadership before this bid ("" if none).
	PreviousLeader string

	NewExpiry time.Time
	Extended  bool
}

// Ledger records the bidding state of auctions. Every mutation of one
// auction is atomic with respect to other mutations of the same auction;
// different auctions never contend.
type Ledger interface {
	CreateAuction(ctx context.Context, a Auction) (Auction, error)
	Auction(ctx context.Context, auctionID string) (Auction, error)
	// Bids returns the auction's bid history ordered by position.
	Bids(ctx context.Context, auctionID string) ([]Bid, error)

	// TryAcceptBid re-validates proposed against the current leader under the
	// auction's lock and, when valid, appends an unconfirmed bid, moves
	// leadership and applies the anti-snipe extension.
	TryAcceptBid(ctx context.Context, auctionID, userID string, proposed decimal.Decimal, now time.Time) (Acceptance, error)
	// ConfirmBid marks a bid whose fee was charged.
	ConfirmBid(ctx context.Context, auctionID, bidID string) error
	// RevertBid removes an unconfirmed bid; if it held leadership, leadership
	// returns to the highest remaining bid and any anti-snipe extension it
	// applied is undone.
	RevertBid(ctx context.Context, auctionID, bidID string) error
	// UnconfirmedBids lists bids of every auction accepted at or before
	// cutoff that were neither confirmed nor reverted, oldest first.
	UnconfirmedBids(ctx context.Context, cutoff time.Time) ([]Bid, error)

	// Finalize freezes the winners of an expired auction and reports whether
	// this call applied the transition. Finalizing an already finalized
	// auction returns it unchanged.
	Finalize(ctx context.Context, auctionID string, now time.Time) (Auction, bool, error)
	// DueForFinalization lists expired auctions not yet finalized.
	DueForFinalization(ctx context.Context, now time.Time) ([]string, error)
}

type auctionEntry struct {
	mu           sync.Mutex
	auction      Auction
	bids         []Bid
	nextPosition int64
	inFlight     int
}

// MemoryLedger is an in-process Ledger. The registry lock only guards the
// auction map; bids serialize on the per-auction entry lock.
type MemoryLedger struct {
	mu       sync.RWMutex
	auctions map[string]*auctionEntry
}

var _ Ledger = (*MemoryLedger)(nil)

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		auctions: make(map[string]*auctionEntry),
	}
}

func (l *MemoryLedger) entry(auctionID string) (*auctionEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.auctions[auctionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAuctionNotFound, auctionID)
	}
	return e, nil
}

func (l *MemoryLedger) CreateAuction(_ context.Context, a Auction) (Auction, error) {
	state, err := NewAuctionState(a)
	if err != nil {
		return Auction{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.auctions[a.ID]; exists {
		return Auction{}, fmt.Errorf("%w: auction %s already exists", ErrInvalidAuction, a.ID)
	}
	l.auctions[a.ID] = &auctionEntry{auction: state, nextPosition: 1}
	return cloneAuction(state), nil
}

func (l *MemoryLedger) Auction(_ context.Context, auctionID string) (Auction, error) {
	e, err := l.entry(auctionID)
	if err != nil {
		return Auction{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneAuction(e.auction), nil
}

func (l *MemoryLedger) Bids(_ context.Context, auctionID string) ([]Bid, error) {
	e, err := l.entry(auctionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return SortBids(e.bids), nil
}

func (l *MemoryLedger) TryAcceptBid(_ context.Context, auctionID, userID string, proposed decimal.Decimal, now time.Time) (Acceptance, error) {
	e, err := l.entry(auctionID)
	if err != nil {
		return Acceptance{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.auction
	if err := CheckBidWindow(a, now); err != nil {
		return Acceptance{}, err
	}
	if !BidMeetsIncrement(proposed, a.CurrentBid, a.BidStep) {
		return Acceptance{}, fmt.Errorf("%w: %s does not exceed current bid %s by %s",
			ErrStaleBid, proposed, a.CurrentBid, a.BidStep)
	}

	previous := Leader(e.bids)
	if err := CheckLeadership(a, previous); err != nil {
		return Acceptance{}, err
	}

	bid := Bid{
		ID:        uuid.NewString(),
		AuctionID: auctionID,
		UserID:    userID,
		Position:  e.nextPosition,
		Amount:    proposed.Round(monetaryPrecision),
		Fee:       a.BidFee,
		CreatedAt: now,

		PreviousExpiry: a.ExpiresAt,
	}
	newExpiry, extended := ExtendExpiry(a, now)

	e.nextPosition++
	e.inFlight++
	e.bids = append(e.bids, bid)
	e.auction.CurrentBid = bid.Amount
	e.auction.ExpiresAt = newExpiry

	acc := Acceptance{Bid: bid, NewExpiry: newExpiry, Extended: extended}
	if previous != nil {
		acc.PreviousLeader = previous.UserID
	}
	return acc, nil
}

func (l *MemoryLedger) ConfirmBid(_ context.Context, auctionID, bidID string) error {
	e, err := l.entry(auctionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.bids {
		if e.bids[i].ID != bidID {
			continue
		}
		if e.bids[i].Confirmed {
			return nil
		}
		e.bids[i].Confirmed = true
		e.inFlight--
		return nil
	}
	return fmt.Errorf("%w: bid %s not found in auction %s", ErrInvariantViolation, bidID, auctionID)
}

func (l *MemoryLedger) RevertBid(_ context.Context, auctionID, bidID string) error {
	e, err := l.entry(auctionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	idx := -1
	for i := range e.bids {
		if e.bids[i].ID == bidID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: bid %s not found in auction %s", ErrInvariantViolation, bidID, auctionID)
	}
	if e.bids[idx].Confirmed {
		return fmt.Errorf("%w: bid %s is confirmed and cannot be reverted", ErrInvariantViolation, bidID)
	}

	reverted := e.bids[idx]
	wasLeader := Leader(e.bids).ID == reverted.ID

	e.bids = append(e.bids[:idx], e.bids[idx+1:]...)
	e.inFlight--

	if leader := Leader(e.bids); leader != nil {
		e.auction.CurrentBid = leader.Amount
	} else {
		e.auction.CurrentBid = e.auction.StartingBid
	}
	e.auction.ExpiresAt = ExpiryAfterRevert(e.auction, reverted, wasLeader)
	return nil
}

func (l *MemoryLedger) UnconfirmedBids(_ context.Context, cutoff time.Time) ([]Bid, error) {
	l.mu.RLock()
	entries := make([]*auctionEntry, 0, len(l.auctions))
	for _, e := range l.auctions {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	stale := make([]Bid, 0)
	for _, e := range entries {
		e.mu.Lock()
		if e.inFlight > 0 {
			for _, b := range e.bids {
				if !b.Confirmed && !b.CreatedAt.After(cutoff) {
					stale = append(stale, b)
				}
			}
		}
		e.mu.Unlock()
	}
	sort.Slice(stale, func(i, j int) bool {
		if stale[i].CreatedAt.Equal(stale[j].CreatedAt) {
			return stale[i].ID < stale[j].ID
		}
		return stale[i].CreatedAt.Before(stale[j].CreatedAt)
	})
	return stale, nil
}

func (l *MemoryLedger) Finalize(_ context.Context, auctionID string, now time.Time) (Auction, bool, error) {
	e, err := l.entry(auctionID)
	if err != nil {
		return Auction{}, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.auction.IsFinalized {
		return cloneAuction(e.auction), false, nil
	}
	if now.Before(e.auction.ExpiresAt) {
		return Auction{}, false, fmt.Errorf("%w: auction %s open until %s", ErrAuctionNotFinished, auctionID, e.auction.ExpiresAt.Format(time.RFC3339))
	}
	if e.inFlight > 0 {
		return Auction{}, false, fmt.Errorf("%w: auction %s has %d bids settling", ErrAuctionNotFinished, auctionID, e.inFlight)
	}

	e.auction.Winners = RankWinners(e.bids, e.auction.WinnerSlots())
	e.auction.IsFinalized = true
	log.Printf("INFO: Auction %s finalized with %d bids, winners=%v", auctionID, len(e.bids), e.auction.Winners)

	return cloneAuction(e.auction), true, nil
}

func (l *MemoryLedger) DueForFinalization(_ context.Context, now time.Time) ([]string, error) {
	l.mu.RLock()
	entries := make(map[string]*auctionEntry, len(l.auctions))
	for id, e := range l.auctions {
		entries[id] = e
	}
	l.mu.RUnlock()

	due := make([]string, 0)
	for id, e := range entries {
		e.mu.Lock()
		if !e.auction.IsFinalized && !now.Before(e.auction.ExpiresAt) {
			due = append(due, id)
		}
		e.mu.Unlock()
	}
	sort.Strings(due)
	return due, nil
}

// CheckBidWindow rejects bids outside [StartDate, ExpiresAt).
func CheckBidWindow(a Auction, now time.Time) error {
	if a.IsFinalized {
		return fmt.Errorf("%w: auction %s is finalized", ErrAuctionClosed, a.ID)
	}
	if !now.Before(a.ExpiresAt) {
		return fmt.Errorf("%w: auction %s expired at %s", ErrAuctionClosed, a.ID, a.ExpiresAt.Format(time.RFC3339))
	}
	if now.Before(a.StartDate) {
		return fmt.Errorf("%w: auction %s not started", ErrAuctionClosed, a.ID)
	}
	return nil
}

// CheckLeadership verifies that the recorded current bid is the leader's amount.
func CheckLeadership(a Auction, leader *Bid) error {
	expected := a.StartingBid
	if leader != nil {
		expected = leader.Amount
	}
	if !expected.Equal(a.CurrentBid) {
		return fmt.Errorf("%w: auction %s current bid %s does not match leader amount %s",
			ErrInvariantViolation, a.ID, a.CurrentBid, expected)
	}
	return nil
}

func cloneAuction(a Auction) Auction {
	if a.Winners != nil {
		a.Winners = append([]string(nil), a.Winners...)
	}
	return a
}
