package core

import (
	"crypto/sha256"
	"fmt"
)

// Operation names the logical charge or call an idempotency key protects.
type Operation string

const (
	OpBid    Operation = "bid"
	OpClaim  Operation = "claim"
	OpPayout Operation = "payout"
	OpRefund Operation = "refund"
)

// ComputeIdempotencyKey derives the key sent with every mutating gateway call.
//
// Formula: SHA256(operation + "|" + auction_id + "|" + user_id + "|" + discriminator)
//
// The discriminator separates distinct logical charges of the same kind:
// the bid ID for bid fees, the claim attempt for claim costs, empty for the
// single payout of a claim. Retrying a call with the same inputs always
// yields the same key.
func ComputeIdempotencyKey(op Operation, auctionID, userID, discriminator string) string {
	data := fmt.Sprintf("%s|%s|%s|%s", op, auctionID, userID, discriminator)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%s-%x", op, hash)
}

// ComputeRefundKey derives the key of the compensating credit for a charge.
func ComputeRefundKey(chargeKey string) string {
	hash := sha256.Sum256([]byte(string(OpRefund) + "|" + chargeKey))
	return fmt.Sprintf("%s-%x", OpRefund, hash)
}
