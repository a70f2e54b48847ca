package core

import (
	"fmt"
	"strings"
)

// ValidateAuction checks the parameters of an auction before it is
// registered with a Ledger.
//
// Rules:
//   - ID and Title are required
//   - BidStep must be positive; BidFee, StartingBid, ClaimCost and PayoutAmount must not be negative
//   - ExpiresAt must be after StartDate
//   - MaxExpiryDate, when set, must not be before ExpiresAt
//   - MaxClaimDate, when set, must not be before ExpiresAt
//   - AntiSnipeWindow and NumberOfWinners must not be negative
func ValidateAuction(a Auction) error {
	var problems []string

	if strings.TrimSpace(a.ID) == "" {
		problems = append(problems, "id is required")
	}
	if strings.TrimSpace(a.Title) == "" {
		problems = append(problems, "title is required")
	}
	if !a.BidStep.IsPositive() {
		problems = append(problems, "bid step must be positive")
	}
	if a.BidFee.IsNegative() {
		problems = append(problems, "bid fee must not be negative")
	}
	if a.StartingBid.IsNegative() {
		problems = append(problems, "starting bid must not be negative")
	}
	if a.ClaimCost.IsNegative() {
		problems = append(problems, "claim cost must not be negative")
	}
	if a.PayoutAmount.IsNegative() {
		problems = append(problems, "payout amount must not be negative")
	}
	if a.ExpiresAt.IsZero() || !a.ExpiresAt.After(a.StartDate) {
		problems = append(problems, "expires_at must be after start_date")
	}
	if !a.MaxExpiryDate.IsZero() && a.MaxExpiryDate.Before(a.ExpiresAt) {
		problems = append(problems, "max_expiry_date must not be before expires_at")
	}
	if a.HasClaimDeadline() && a.MaxClaimDate.Before(a.ExpiresAt) {
		problems = append(problems, "max_claim_date must not be before expires_at")
	}
	if a.AntiSnipeWindow < 0 {
		problems = append(problems, "anti-snipe window must not be negative")
	}
	if a.NumberOfWinners < 0 {
		problems = append(problems, "number of winners must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w %q: %s", ErrInvalidAuction, a.ID, strings.Join(problems, "; "))
	}
	return nil
}

// NewAuctionState prepares a validated auction for its first bid: the
// current bid starts at StartingBid and no finalization data is carried over.
func NewAuctionState(a Auction) (Auction, error) {
	if err := ValidateAuction(a); err != nil {
		return Auction{}, err
	}
	a.CurrentBid = a.StartingBid
	a.IsFinalized = false
	a.Winners = nil
	return a, nil
}
