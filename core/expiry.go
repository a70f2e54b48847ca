package core

import (
	"slices"
	"time"
)

// Status is the claimability stage of an auction.
type Status string

const (
	StatusOpen      Status = "open"
	StatusExpired   Status = "expired"
	StatusFinalized Status = "finalized"
)

// Resolution is the outcome of resolving an auction at a point in time.
type Resolution struct {
	Status Status `json:"status"`

	// Winners lists the winning bidders, current leader first. For an
	// Expired auction this is the prospective list; it is frozen only once
	// the auction is Finalized.
	Winners []string `json:"winners,omitempty"`
}

// Winner returns the first winner, if any.
func (r Resolution) Winner() (string, bool) {
	if len(r.Winners) == 0 {
		return "", false
	}
	return r.Winners[0], true
}

// IsWinner reports whether userID is among the winners.
func (r Resolution) IsWinner(userID string) bool {
	return slices.Contains(r.Winners, userID)
}

// Resolve determines an auction's status at now from its state and bid history.
// It never mutates anything; the Finalized status only comes from an
// auction whose finalization transition has already been applied.
func Resolve(a Auction, bids []Bid, now time.Time) Resolution {
	if a.IsFinalized {
		return Resolution{
			Status:  StatusFinalized,
			Winners: slices.Clone(a.Winners),
		}
	}

	if now.Before(a.ExpiresAt) {
		return Resolution{Status: StatusOpen}
	}

	return Resolution{
		Status:  StatusExpired,
		Winners: RankWinners(bids, a.WinnerSlots()),
	}
}
