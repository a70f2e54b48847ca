package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/pennyauction/core"
	"github.com/cloudx-io/pennyauction/events"
	"github.com/cloudx-io/pennyauction/gateway"
	"github.com/cloudx-io/pennyauction/settlement"
	"github.com/cloudx-io/pennyauction/voucher"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

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

type testEngine struct {
	*Engine
	ledger      *core.MemoryLedger
	wallet      *gateway.Wallet
	desk        *gateway.PayoutDesk
	broadcaster *events.Broadcaster
	signer      *voucher.Signer
	registry    *prometheus.Registry
	clock       *fakeClock
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	signer, err := voucher.NewSigner()
	assert.NoError(t, err)

	te := &testEngine{
		ledger:      core.NewMemoryLedger(),
		wallet:      gateway.NewWallet(),
		desk:        gateway.NewPayoutDesk(),
		broadcaster: events.NewBroadcaster(events.DefaultSubscriberBuffer),
		signer:      signer,
		registry:    prometheus.NewRegistry(),
		clock:       &fakeClock{now: testStart.Add(time.Minute)},
	}
	t.Cleanup(te.broadcaster.Close)

	deps := settlement.Dependencies{
		Ledger:    te.ledger,
		Claims:    core.NewMemoryClaimStore(),
		Balances:  te.wallet,
		Payouts:   te.desk,
		Vouchers:  signer,
		Publisher: te.broadcaster,
		Metrics:   settlement.NewMetrics(te.registry),
		Retry:     settlement.RetryPolicy{MaxAttempts: 2, CallTimeout: time.Second},
		Clock:     te.clock.Now,
	}
	te.Engine = &Engine{
		Ledger:              te.ledger,
		Bids:                settlement.NewBidProcessor(deps),
		Claims:              settlement.NewClaimProcessor(deps),
		Balances:            te.wallet,
		Clock:               te.clock.Now,
		DefaultClaimCost:    decimal.NewFromInt(100),
		VoucherKeyAlgorithm: voucher.KeyAlgorithm,
	}
	return te
}

func testAuction(id string) core.Auction {
	return core.Auction{
		ID:           id,
		Title:        "Espresso machine",
		BidFee:       decimal.RequireFromString("0.01"),
		BidStep:      decimal.RequireFromString("0.01"),
		ClaimCost:    decimal.NewFromInt(100),
		PayoutAmount: decimal.NewFromInt(250),
		ClaimSuccess: "Your espresso machine ships tomorrow",
		StartDate:    testStart,
		ExpiresAt:    testStart.Add(time.Hour),
		MaxClaimDate: testStart.Add(48 * time.Hour),
	}
}

func (te *testEngine) createAuction(t *testing.T, a core.Auction) core.Auction {
	t.Helper()
	created, err := te.ledger.CreateAuction(context.Background(), a)
	assert.NoError(t, err)
	return created
}

func (te *testEngine) fund(userID, amount string) {
	te.wallet.Fund(userID, decimal.RequireFromString(amount))
}

func (te *testEngine) expire(a core.Auction) {
	te.clock.Set(a.ExpiresAt.Add(time.Second))
}
