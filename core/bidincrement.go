package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const monetaryPrecision int32 = 8 // 8 decimal places covers fiat cents and token sub-units

// ParseAmount parses a non-negative decimal amount such as "0.01".
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount %q must not be negative", s)
	}
	return d.Round(monetaryPrecision), nil
}

// RoundAmount rounds d to the ledger's monetary precision.
func RoundAmount(d decimal.Decimal) decimal.Decimal {
	return d.Round(monetaryPrecision)
}

// NextBid returns the amount that becomes the new current bid when a bid
// lands on top of current.
func NextBid(current, step decimal.Decimal) decimal.Decimal {
	return current.Add(step).Round(monetaryPrecision)
}

// BidMeetsIncrement returns true if proposed is at least current + step.
// Uses decimal arithmetic with monetaryPrecision to avoid floating-point errors.
func BidMeetsIncrement(proposed, current, step decimal.Decimal) bool {
	proposedDecimal := proposed.Round(monetaryPrecision)
	minimum := NextBid(current, step)

	return proposedDecimal.GreaterThanOrEqual(minimum)
}

// CoversAmount reports whether balance is enough to pay amount. An exact
// balance is enough.
func CoversAmount(balance, amount decimal.Decimal) bool {
	return balance.Round(monetaryPrecision).GreaterThanOrEqual(amount.Round(monetaryPrecision))
}
