package core

import "time"

// ExtendExpiry applies the anti-snipe rule to a bid landing at now.
//
// When the auction has an AntiSnipeWindow and the bid lands inside the last
// window before expiresAt, expiresAt is pushed back by the window, capped at
// MaxExpiryDate when one is set. Returns the new expiry and whether it moved.
func ExtendExpiry(a Auction, now time.Time) (time.Time, bool) {
	if a.AntiSnipeWindow <= 0 {
		return a.ExpiresAt, false
	}

	remaining := a.ExpiresAt.Sub(now)
	if remaining > a.AntiSnipeWindow {
		return a.ExpiresAt, false
	}

	extended := a.ExpiresAt.Add(a.AntiSnipeWindow)
	if !a.MaxExpiryDate.IsZero() && extended.After(a.MaxExpiryDate) {
		extended = a.MaxExpiryDate
	}
	if !extended.After(a.ExpiresAt) {
		return a.ExpiresAt, false
	}
	return extended, true
}

// ExpiryAfterRevert returns the expiry of a once reverted is removed. Only
// the leading bid's extension is undone: later bids were placed against
// the extended deadline and keep it.
func ExpiryAfterRevert(a Auction, reverted Bid, wasLeader bool) time.Time {
	if !wasLeader || reverted.PreviousExpiry.IsZero() {
		return a.ExpiresAt
	}
	if reverted.PreviousExpiry.Before(a.ExpiresAt) {
		return reverted.PreviousExpiry
	}
	return a.ExpiresAt
}
