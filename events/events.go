// Package events delivers auction lifecycle events published by the
// settlement processors: to the log, to in-process subscribers, and to Kafka.
package events

import (
	"context"
	"errors"
	"log"

	"github.com/cloudx-io/pennyauction/settlement"
)

// LogPublisher writes one INFO line per event
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, e settlement.Event) error {
	switch e.Type {
	case settlement.EventAuctionFinalized:
		log.Printf("INFO: Event %s auction=%s winners=%v current_bid=%s", e.Type, e.AuctionID, e.Winners, e.CurrentBid.String())
	case settlement.EventBidRolledBack, settlement.EventFulfillmentPending:
		log.Printf("INFO: Event %s auction=%s user=%s reason=%q", e.Type, e.AuctionID, e.UserID, e.Reason)
	default:
		log.Printf("INFO: Event %s auction=%s user=%s current_bid=%s", e.Type, e.AuctionID, e.UserID, e.CurrentBid.String())
	}
	return nil
}

// Fanout publishes every event to each publisher in order and joins their errors
type Fanout []settlement.Publisher

func (f Fanout) Publish(ctx context.Context, e settlement.Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
