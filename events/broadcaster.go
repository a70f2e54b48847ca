package events

import (
	"context"
	"sync"

	"github.com/cloudx-io/pennyauction/settlement"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity
const DefaultSubscriberBuffer = 256

type subscriber struct {
	auctionID string // empty receives every auction
	ch        chan settlement.Event
}

// Broadcaster fans events out to in-process subscribers of an auction.
// Bid updates are dropped for a subscriber whose buffer is full; the next
// update supersedes them. Terminal events (finalization, claims) are never
// dropped silently: a subscriber too slow to take one is evicted and its
// channel closed.
type Broadcaster struct {
	mu          sync.Mutex
	nextID      int
	subscribers map[int]*subscriber
	buffer      int
	closed      bool
}

// NewBroadcaster creates a Broadcaster; buffer <= 0 uses DefaultSubscriberBuffer
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Broadcaster{
		subscribers: make(map[int]*subscriber),
		buffer:      buffer,
	}
}

// Subscribe registers for events of auctionID (every auction when empty).
// The returned cancel func is idempotent.
func (b *Broadcaster) Subscribe(auctionID string) (<-chan settlement.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan settlement.Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subscribers[id] = &subscriber{auctionID: auctionID, ch: ch}

	return ch, func() { b.remove(id) }
}

func (b *Broadcaster) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// Subscribers reports the number of live subscriptions
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Broadcaster) Publish(_ context.Context, e settlement.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	critical := isTerminal(e.Type)
	for id, sub := range b.subscribers {
		if sub.auctionID != "" && sub.auctionID != e.AuctionID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			if critical {
				close(sub.ch)
				delete(b.subscribers, id)
			}
		}
	}
	return nil
}

// Close ends every subscription
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.closed = true
}

func isTerminal(t settlement.EventType) bool {
	switch t {
	case settlement.EventAuctionFinalized, settlement.EventClaimSettled, settlement.EventFulfillmentPending:
		return true
	default:
		return false
	}
}
