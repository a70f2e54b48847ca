package settlement

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cloudx-io/pennyauction/core"
)

// Finalizer applies the one-time expiry transition that freezes winners.
type Finalizer struct {
	ledger    core.Ledger
	publisher Publisher
	now       Clock
}

func NewFinalizer(deps Dependencies) *Finalizer {
	deps = deps.withDefaults()
	return &Finalizer{
		ledger:    deps.Ledger,
		publisher: deps.Publisher,
		now:       deps.Clock,
	}
}

// Finalize freezes the auction's winners. Calling it again returns the same
// winners and publishes nothing.
func (f *Finalizer) Finalize(ctx context.Context, auctionID string) (core.Auction, error) {
	a, _, err := f.finalize(ctx, auctionID)
	return a, err
}

func (f *Finalizer) finalize(ctx context.Context, auctionID string) (core.Auction, bool, error) {
	a, applied, err := f.ledger.Finalize(ctx, auctionID, f.now())
	if err != nil {
		return core.Auction{}, false, err
	}
	if applied {
		publish(ctx, f.publisher, Event{
			Type:       EventAuctionFinalized,
			AuctionID:  a.ID,
			CurrentBid: a.CurrentBid,
			ExpiresAt:  a.ExpiresAt,
			Winners:    a.Winners,
			OccurredAt: f.now(),
		})
	}
	return a, applied, nil
}

// FinalizeDue finalizes every expired auction and returns how many
// transitions it applied. Auctions that still have bids settling are left
// for the next sweep.
func (f *Finalizer) FinalizeDue(ctx context.Context) (int, error) {
	due, err := f.ledger.DueForFinalization(ctx, f.now())
	if err != nil {
		return 0, err
	}

	finalized := 0
	for _, auctionID := range due {
		if ctx.Err() != nil {
			return finalized, ctx.Err()
		}
		_, applied, err := f.finalize(ctx, auctionID)
		if errors.Is(err, core.ErrAuctionNotFinished) {
			continue
		}
		if err != nil {
			log.Printf("ERROR: Failed to finalize auction %s: %v", auctionID, err)
			continue
		}
		if applied {
			finalized++
		}
	}
	return finalized, nil
}

// Start sweeps for expired auctions every interval until ctx is done.
func (f *Finalizer) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := f.FinalizeDue(ctx)
				if err != nil && ctx.Err() == nil {
					log.Printf("ERROR: Finalization sweep failed: %v", err)
				}
				if n > 0 {
					log.Printf("INFO: Finalization sweep finalized %d auctions", n)
				}
			}
		}
	}()
}
