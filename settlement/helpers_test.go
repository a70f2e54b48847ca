package settlement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/pennyauction/core"
	"github.com/cloudx-io/pennyauction/gateway"
	"github.com/cloudx-io/pennyauction/settlement"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testLeaseTTL = 30 * time.Second

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []settlement.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e settlement.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) count(t settlement.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type stubVouchers struct {
	mu     sync.Mutex
	issued []settlement.VoucherClaim
}

func (s *stubVouchers) Issue(claim settlement.VoucherClaim) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issued = append(s.issued, claim)
	return []byte("voucher:" + claim.AuctionID + ":" + claim.UserID), nil
}

type harness struct {
	ledger     *core.MemoryLedger
	claims     *core.MemoryClaimStore
	wallet     *gateway.Wallet
	desk       *gateway.PayoutDesk
	faults     *settlement.MemoryFaultJournal
	events     *recordingPublisher
	vouchers   *stubVouchers
	clock      *fakeClock
	bids       *settlement.BidProcessor
	claimer    *settlement.ClaimProcessor
	finalizer  *settlement.Finalizer
	reconciler *settlement.Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ledger:   core.NewMemoryLedger(),
		claims:   core.NewMemoryClaimStore(),
		wallet:   gateway.NewWallet(),
		desk:     gateway.NewPayoutDesk(),
		faults:   settlement.NewMemoryFaultJournal(),
		events:   &recordingPublisher{},
		vouchers: &stubVouchers{},
		clock:    &fakeClock{now: testStart.Add(time.Minute)},
	}
	deps := settlement.Dependencies{
		Ledger:    h.ledger,
		Claims:    h.claims,
		Balances:  h.wallet,
		Payouts:   h.desk,
		Vouchers:  h.vouchers,
		Faults:    h.faults,
		Publisher: h.events,
		Retry: settlement.RetryPolicy{
			MaxAttempts: 3,
			CallTimeout: time.Second,
		},
		Clock:    h.clock.Now,
		LeaseTTL: testLeaseTTL,
	}
	h.bids = settlement.NewBidProcessor(deps)
	h.claimer = settlement.NewClaimProcessor(deps)
	h.finalizer = settlement.NewFinalizer(deps)
	h.reconciler = settlement.NewReconciler(deps, 4)
	return h
}

// pennyAuction mirrors the reference scenarios: 0.01 fee and step, claim
// cost 100.
func pennyAuction(id string) core.Auction {
	return core.Auction{
		ID:              id,
		Title:           "Headphones",
		BidFee:          decimal.RequireFromString("0.01"),
		BidStep:         decimal.RequireFromString("0.01"),
		StartingBid:     decimal.Zero,
		ClaimCost:       decimal.NewFromInt(100),
		PayoutAmount:    decimal.NewFromInt(150),
		ClaimSuccess:    "Your headphones are on the way",
		StartDate:       testStart,
		ExpiresAt:       testStart.Add(time.Hour),
		MaxExpiryDate:   testStart.Add(2 * time.Hour),
		MaxClaimDate:    testStart.Add(72 * time.Hour),
		NumberOfWinners: 1,
	}
}

func (h *harness) createAuction(t *testing.T, a core.Auction) core.Auction {
	t.Helper()
	created, err := h.ledger.CreateAuction(context.Background(), a)
	assert.NoError(t, err)
	return created
}

func (h *harness) fund(userID, amount string) {
	h.wallet.Fund(userID, decimal.RequireFromString(amount))
}

func (h *harness) balance(t *testing.T, userID string) string {
	t.Helper()
	b, err := h.wallet.GetBalance(context.Background(), userID)
	assert.NoError(t, err)
	return b.String()
}

func (h *harness) bid(t *testing.T, auctionID, userID string) settlement.BidReceipt {
	t.Helper()
	r, err := h.bids.PlaceBid(context.Background(), auctionID, userID)
	assert.NoError(t, err)
	return r
}

func (h *harness) expire(a core.Auction) {
	h.clock.Set(a.ExpiresAt.Add(time.Second))
}
