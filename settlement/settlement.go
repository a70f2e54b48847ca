// Package settlement turns bid and claim requests into ledger transitions and
// external balance and payout calls, keeping every charge causally tied to
// exactly one bid or claim.
package settlement

import (
	"context"
	"log"
	"time"

	"github.com/cloudx-io/pennyauction/core"
)

const (
	defaultLeaseTTL = 2 * time.Minute

	// leaseMargin covers the ledger and claim store writes around the debit.
	leaseMargin = 10 * time.Second
)

// Dependencies are the collaborators shared by the settlement processors.
// Ledger and Balances are always required; ClaimProcessor also needs Claims
// and Payouts.
type Dependencies struct {
	Ledger    core.Ledger
	Claims    core.ClaimStore
	Balances  BalanceGateway
	Payouts   PayoutGateway
	Vouchers  VoucherIssuer
	Faults    FaultJournal
	Publisher Publisher
	Metrics   *Metrics
	Retry     RetryPolicy
	Clock     Clock

	// LeaseTTL bounds how long a pending claim blocks other attempts before
	// a later call may resume it. It must outlive Retry.Budget, otherwise a
	// second caller could resume the claim while the first is still charging.
	LeaseTTL time.Duration
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Faults == nil {
		d.Faults = NewMemoryFaultJournal()
	}
	if d.Publisher == nil {
		d.Publisher = nopPublisher{}
	}
	if d.Retry.MaxAttempts == 0 {
		d.Retry = DefaultRetryPolicy()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.LeaseTTL <= 0 {
		d.LeaseTTL = defaultLeaseTTL
	}
	if budget := d.Retry.Budget(); d.LeaseTTL <= budget {
		log.Printf("WARNING: Claim lease TTL %s does not outlive the gateway retry budget %s, using %s",
			d.LeaseTTL, budget, budget+leaseMargin)
		d.LeaseTTL = budget + leaseMargin
	}
	return d
}

// publish delivers an event on a context detached from the request, so a
// caller hanging up after a committed change still produces the event.
func publish(ctx context.Context, p Publisher, event Event) {
	if err := p.Publish(context.WithoutCancel(ctx), event); err != nil {
		log.Printf("WARNING: Failed to publish %s for auction %s: %v", event.Type, event.AuctionID, err)
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(core.KindOf(err))
}
