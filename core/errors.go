package core

import "errors"

// ErrorKind is the discriminator carried by inbound API results.
type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindAuctionNotFound    ErrorKind = "auction_not_found"
	KindInvalidAuction     ErrorKind = "invalid_auction"
	KindInvalidRequest     ErrorKind = "invalid_request"
	KindAuctionClosed      ErrorKind = "auction_closed"
	KindStaleBid           ErrorKind = "stale_bid"
	KindInsufficientFunds  ErrorKind = "insufficient_funds"
	KindGatewayError       ErrorKind = "gateway_error"
	KindAuctionNotFinished ErrorKind = "auction_not_finished"
	KindNotWinner          ErrorKind = "not_winner"
	KindClaimWindowExpired ErrorKind = "claim_window_expired"
	KindAlreadyClaimed     ErrorKind = "already_claimed"
	KindInvariantViolation ErrorKind = "invariant_violation"
	KindInternal           ErrorKind = "internal_error"
)

var (
	ErrAuctionNotFound    = errors.New("auction not found")
	ErrInvalidAuction     = errors.New("invalid auction")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrAuctionClosed      = errors.New("auction closed")
	ErrStaleBid           = errors.New("stale bid")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrGateway            = errors.New("gateway error")
	ErrAuctionNotFinished = errors.New("auction not finished")
	ErrNotWinner          = errors.New("not winner")
	ErrClaimWindowExpired = errors.New("claim window expired")
	ErrAlreadyClaimed     = errors.New("already claimed")
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrOutcomeUnknown marks a gateway call that timed out or lost its
	// response: the remote side may or may not have applied it.
	ErrOutcomeUnknown = errors.New("gateway outcome unknown")
)

var errorKinds = []struct {
	err  error
	kind ErrorKind
}{
	// Invariant violations win over whatever they wrap.
	{ErrInvariantViolation, KindInvariantViolation},
	{ErrAuctionNotFound, KindAuctionNotFound},
	{ErrInvalidAuction, KindInvalidAuction},
	{ErrInvalidRequest, KindInvalidRequest},
	{ErrAuctionClosed, KindAuctionClosed},
	{ErrStaleBid, KindStaleBid},
	{ErrInsufficientFunds, KindInsufficientFunds},
	{ErrAuctionNotFinished, KindAuctionNotFinished},
	{ErrNotWinner, KindNotWinner},
	{ErrClaimWindowExpired, KindClaimWindowExpired},
	{ErrAlreadyClaimed, KindAlreadyClaimed},
	{ErrGateway, KindGatewayError},
	{ErrOutcomeUnknown, KindGatewayError},
}

// KindOf maps a (possibly wrapped) error to its ErrorKind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, ek := range errorKinds {
		if errors.Is(err, ek.err) {
			return ek.kind
		}
	}
	return KindInternal
}

// Retryable reports whether the caller may retry the same request later
// with a chance of a different outcome.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindInsufficientFunds, KindGatewayError, KindStaleBid, KindAuctionNotFinished:
		return true
	default:
		return false
	}
}
