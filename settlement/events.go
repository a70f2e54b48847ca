package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EventType names an auction lifecycle event.
type EventType string

const (
	EventBidPlaced          EventType = "bid_placed"
	EventBidRolledBack      EventType = "bid_rolled_back"
	EventAuctionFinalized   EventType = "auction_finalized"
	EventClaimSettled       EventType = "claim_settled"
	EventFulfillmentPending EventType = "fulfillment_pending"
)

// Event is published after a state change has been committed.
type Event struct {
	Type       EventType       `json:"type"`
	AuctionID  string          `json:"auction_id"`
	UserID     string          `json:"user_id,omitempty"`
	BidID      string          `json:"bid_id,omitempty"`
	Position   int64           `json:"position,omitempty"`
	CurrentBid decimal.Decimal `json:"current_bid"`
	ExpiresAt  time.Time       `json:"expires_at,omitempty"`
	Winners    []string        `json:"winners,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Publisher delivers events to subscribers. Publishing is best effort: a
// failure is logged by the caller and never undoes the committed change.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
