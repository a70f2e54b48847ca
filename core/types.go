package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Auction is the bidding state of one penny auction.
type Auction struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	BidFee          decimal.Decimal `json:"bid_fee"`
	BidStep         decimal.Decimal `json:"bid_step"`
	StartingBid     decimal.Decimal `json:"starting_bid"`
	CurrentBid      decimal.Decimal `json:"current_bid"`
	ClaimCost       decimal.Decimal `json:"claim_cost"`
	PayoutAmount    decimal.Decimal `json:"payout_amount"`
	ClaimSuccess    string          `json:"claim_success,omitempty"`
	StartDate       time.Time       `json:"start_date"`
	ExpiresAt       time.Time       `json:"expires_at"`
	MaxExpiryDate   time.Time       `json:"max_expiry_date"`
	MaxClaimDate    time.Time       `json:"max_claim_date"`
	AntiSnipeWindow time.Duration   `json:"anti_snipe_window"`
	IsFinalized     bool            `json:"is_finalized"`
	NumberOfWinners int             `json:"number_of_winners"`

	// Winners is frozen by the finalization transition, most recent leader first.
	Winners []string `json:"winners,omitempty"`
}

// WinnerSlots returns how many distinct leaders win the auction.
func (a Auction) WinnerSlots() int {
	if a.NumberOfWinners <= 0 {
		return 1
	}
	return a.NumberOfWinners
}

// HasClaimDeadline reports whether wins expire at MaxClaimDate.
func (a Auction) HasClaimDeadline() bool {
	return !a.MaxClaimDate.IsZero()
}

// Bid is an append-only record of an accepted bid.
type Bid struct {
	ID        string          `json:"id"`
	AuctionID string          `json:"auction_id"`
	UserID    string          `json:"user_id"`
	Position  int64           `json:"position"`
	Amount    decimal.Decimal `json:"amount"`
	Fee       decimal.Decimal `json:"fee"`
	CreatedAt time.Time       `json:"created_at"`

	// Confirmed is set once the bid fee debit has succeeded.
	Confirmed bool `json:"confirmed"`

	// PreviousExpiry is the auction expiry before this bid's anti-snipe
	// extension. Reverting the leading bid restores it.
	PreviousExpiry time.Time `json:"previous_expiry,omitzero"`
}

// ClaimStatus is the persisted state of a ClaimRecord.
type ClaimStatus string

const (
	ClaimStatusUnclaimed ClaimStatus = "unclaimed"
	ClaimStatusPending   ClaimStatus = "pending"
	ClaimStatusClaimed   ClaimStatus = "claimed"
)

// ClaimRecord tracks a winner's claim on an auction.
type ClaimRecord struct {
	AuctionID      string      `json:"auction_id"`
	UserID         string      `json:"user_id"`
	Status         ClaimStatus `json:"status"`
	Attempt        int         `json:"attempt"`
	LeaseID        string      `json:"lease_id,omitempty"`
	LeaseExpiresAt time.Time   `json:"lease_expires_at,omitempty"`
	ClaimedAt      time.Time   `json:"claimed_at,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// IsClaimed reports whether the record reached its terminal claimed state.
func (r ClaimRecord) IsClaimed() bool {
	return r.Status == ClaimStatusClaimed
}

// ClaimLease grants its holder the right to settle one claim attempt.
type ClaimLease struct {
	AuctionID string
	UserID    string
	LeaseID   string
	Attempt   int
	ExpiresAt time.Time

	// Resumed is true when the lease took over a pending attempt whose
	// previous holder never completed or released it.
	Resumed bool
}
