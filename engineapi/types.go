package engineapi

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cloudx-io/pennyauction/core"
	"github.com/cloudx-io/pennyauction/settlement"
)

// Request and response discriminators carried in the "type" field
const (
	TypePing          = "ping"
	TypePong          = "pong"
	TypeBidRequest    = "bid_request"
	TypeBidResult     = "bid_result"
	TypeClaimRequest  = "claim_request"
	TypeClaimResult   = "claim_result"
	TypeStatusRequest = "auction_status"
	TypeStatusResult  = "auction_status_result"
	TypeBalanceResult = "balance_result"
	TypeErrorResult   = "error"
)

// EngineRequest is the single request envelope read from an engine connection.
// AuctionID and UserID are required for every type except ping.
type EngineRequest struct {
	Type      string    `json:"type"`
	AuctionID string    `json:"auction_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Outcome is the discriminator shared by every result. Errors never cross
// the API boundary as raw strings; ErrorKind is one of the core.ErrorKind values.
type Outcome struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

// PingResponse answers a ping
type PingResponse struct {
	Outcome
	VoucherKeyAlgorithm string `json:"voucher_key_algorithm,omitempty"`
}

// BidResult is the response to a bid_request
type BidResult struct {
	Outcome
	BidID      string    `json:"bid_id,omitempty"`
	Position   int64     `json:"position,omitempty"`
	CurrentBid string    `json:"current_bid,omitempty"`
	FeeCharged string    `json:"fee_charged,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitzero"`
	Extended   bool      `json:"extended,omitempty"`
}

// ClaimResult is the response to a claim_request. A successful claim with
// FulfillmentPending set is final; only the payout is still being retried.
type ClaimResult struct {
	Outcome
	ClaimedAt          time.Time         `json:"claimed_at,omitzero"`
	ChargeReceiptID    string            `json:"charge_receipt_id,omitempty"`
	PayoutReceiptID    string            `json:"payout_receipt_id,omitempty"`
	Voucher            VoucherCOSEBase64 `json:"voucher,omitempty"`
	FulfillmentPending bool              `json:"fulfillment_pending,omitempty"`
}

// AuctionView is the public projection of an auction. Amounts are decimal strings.
type AuctionView struct {
	ID              string    `json:"id"`
	Title           string    `json:"title,omitempty"`
	Status          string    `json:"status"`
	CurrentBid      string    `json:"current_bid"`
	NextBid         string    `json:"next_bid"`
	BidFee          string    `json:"bid_fee"`
	ClaimCost       string    `json:"claim_cost"`
	PayoutAmount    string    `json:"payout_amount"`
	StartDate       time.Time `json:"start_date"`
	ExpiresAt       time.Time `json:"expires_at"`
	MaxClaimDate    time.Time `json:"max_claim_date,omitzero"`
	Leader          string    `json:"leader,omitempty"`
	Winners         []string  `json:"winners,omitempty"`
	NumberOfWinners int       `json:"number_of_winners"`
	BidCount        int       `json:"bid_count"`
}

// AuctionStatusResult is the response to an auction_status request
type AuctionStatusResult struct {
	Outcome
	Auction *AuctionView `json:"auction,omitempty"`
}

// BalanceResult is the HTTP balance pass-through response
type BalanceResult struct {
	Outcome
	UserID  string `json:"user_id,omitempty"`
	Balance string `json:"balance,omitempty"`
}

// CreateAuctionRequest registers an auction through the HTTP API. Amounts
// are decimal strings; an empty ClaimCost takes the engine default.
type CreateAuctionRequest struct {
	ID                  string    `json:"id"`
	Title               string    `json:"title"`
	BidFee              string    `json:"bid_fee"`
	BidStep             string    `json:"bid_step"`
	StartingBid         string    `json:"starting_bid,omitempty"`
	ClaimCost           string    `json:"claim_cost,omitempty"`
	PayoutAmount        string    `json:"payout_amount,omitempty"`
	ClaimSuccess        string    `json:"claim_success,omitempty"`
	StartDate           time.Time `json:"start_date"`
	ExpiresAt           time.Time `json:"expires_at"`
	MaxExpiryDate       time.Time `json:"max_expiry_date,omitzero"`
	MaxClaimDate        time.Time `json:"max_claim_date,omitzero"`
	AntiSnipeWindowSecs int64     `json:"anti_snipe_window_seconds,omitempty"`
	NumberOfWinners     int       `json:"number_of_winners,omitempty"`
}

// failure builds the discriminated outcome for err
func failure(resultType string, err error) Outcome {
	return Outcome{
		Type:      resultType,
		Success:   false,
		ErrorKind: string(core.KindOf(err)),
		Message:   err.Error(),
	}
}

// NewErrorResult reports a request that could not be dispatched at all
func NewErrorResult(err error) Outcome {
	return failure(TypeErrorResult, err)
}

// NewBidResult converts a settled bid receipt into its wire form
func NewBidResult(receipt settlement.BidReceipt) BidResult {
	return BidResult{
		Outcome:    Outcome{Type: TypeBidResult, Success: true},
		BidID:      receipt.Bid.ID,
		Position:   receipt.Bid.Position,
		CurrentBid: receipt.CurrentBid.String(),
		FeeCharged: receipt.Bid.Fee.String(),
		ExpiresAt:  receipt.ExpiresAt,
		Extended:   receipt.Extended,
	}
}

// NewBidFailure converts a bid error into its wire form
func NewBidFailure(err error) BidResult {
	return BidResult{Outcome: failure(TypeBidResult, err)}
}

// NewClaimResult converts a settled claim into its wire form
func NewClaimResult(result settlement.ClaimResult) ClaimResult {
	out := ClaimResult{
		Outcome:            Outcome{Type: TypeClaimResult, Success: true, Message: result.Message},
		ClaimedAt:          result.Record.ClaimedAt,
		ChargeReceiptID:    result.Charge.ID,
		FulfillmentPending: result.FulfillmentPending,
	}
	if result.Payout != nil {
		out.PayoutReceiptID = result.Payout.ID
	}
	if len(result.Voucher) > 0 {
		out.Voucher = VoucherCOSE(result.Voucher).EncodeBase64()
	}
	return out
}

// NewClaimFailure converts a claim error into its wire form
func NewClaimFailure(err error) ClaimResult {
	return ClaimResult{Outcome: failure(TypeClaimResult, err)}
}

// NewAuctionView projects an auction and its bid history at now
func NewAuctionView(a core.Auction, bids []core.Bid, now time.Time) AuctionView {
	res := core.Resolve(a, bids, now)
	view := AuctionView{
		ID:              a.ID,
		Title:           a.Title,
		Status:          string(res.Status),
		CurrentBid:      a.CurrentBid.String(),
		NextBid:         core.NextBid(a.CurrentBid, a.BidStep).String(),
		BidFee:          a.BidFee.String(),
		ClaimCost:       a.ClaimCost.String(),
		PayoutAmount:    a.PayoutAmount.String(),
		StartDate:       a.StartDate,
		ExpiresAt:       a.ExpiresAt,
		Winners:         res.Winners,
		NumberOfWinners: a.WinnerSlots(),
		BidCount:        len(bids),
	}
	if a.HasClaimDeadline() {
		view.MaxClaimDate = a.MaxClaimDate
	}
	if leader := core.Leader(bids); leader != nil {
		view.Leader = leader.UserID
	}
	return view
}

// NewAuctionStatus wraps a view in a successful status result
func NewAuctionStatus(view AuctionView) AuctionStatusResult {
	return AuctionStatusResult{
		Outcome: Outcome{Type: TypeStatusResult, Success: true},
		Auction: &view,
	}
}

// NewBalanceResult reports a balance read from the BalanceGateway
func NewBalanceResult(userID string, balance decimal.Decimal) BalanceResult {
	return BalanceResult{
		Outcome: Outcome{Type: TypeBalanceResult, Success: true},
		UserID:  userID,
		Balance: balance.String(),
	}
}

// NewBalanceFailure converts a balance lookup error into its wire form
func NewBalanceFailure(err error) BalanceResult {
	return BalanceResult{Outcome: failure(TypeBalanceResult, err)}
}

// NewAuctionStatusFailure converts a status lookup error into its wire form
func NewAuctionStatusFailure(err error) AuctionStatusResult {
	return AuctionStatusResult{Outcome: failure(TypeStatusResult, err)}
}

// VoucherPayload is the CBOR document signed inside a claim voucher.
// Amounts are decimal strings so no precision is lost in transit.
type VoucherPayload struct {
	VoucherID    string `cbor:"voucher_id" json:"voucher_id"`
	AuctionID    string `cbor:"auction_id" json:"auction_id"`
	UserID       string `cbor:"user_id" json:"user_id"`
	ClaimCost    string `cbor:"claim_cost" json:"claim_cost"`
	PayoutAmount string `cbor:"payout_amount" json:"payout_amount"`
	ChargeKey    string `cbor:"charge_key" json:"charge_key"`
	PayoutKey    string `cbor:"payout_key" json:"payout_key"`
	ClaimedAt    int64  `cbor:"claimed_at" json:"claimed_at"` // unix milliseconds
}

// ClaimedTime returns ClaimedAt as a UTC time
func (p *VoucherPayload) ClaimedTime() time.Time {
	return time.UnixMilli(p.ClaimedAt).UTC()
}

// VoucherCOSE is a raw COSE_Sign1 claim voucher
type VoucherCOSE []byte

// VoucherCOSEBase64 is a standard base64 encoded voucher for JSON transport
type VoucherCOSEBase64 string

// VoucherCOSEURLBase64 is an unpadded URL-safe base64 voucher for redemption links
type VoucherCOSEURLBase64 string

// EncodeBase64 encodes the voucher with standard base64
func (v VoucherCOSE) EncodeBase64() VoucherCOSEBase64 {
	return VoucherCOSEBase64(base64.StdEncoding.EncodeToString(v))
}

// EncodeURLSafe encodes the voucher with unpadded URL-safe base64
func (v VoucherCOSE) EncodeURLSafe() VoucherCOSEURLBase64 {
	return VoucherCOSEURLBase64(base64.RawURLEncoding.EncodeToString(v))
}

// Decode returns the raw COSE bytes
func (v VoucherCOSEBase64) Decode() (VoucherCOSE, error) {
	data, err := base64.StdEncoding.DecodeString(string(v))
	if err != nil {
		return nil, fmt.Errorf("decode voucher base64: %w", err)
	}
	return VoucherCOSE(data), nil
}

func (v VoucherCOSEBase64) String() string {
	return string(v)
}

// Decode returns the raw COSE bytes. Padded input is accepted too.
func (v VoucherCOSEURLBase64) Decode() (VoucherCOSE, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(string(v), "="))
	if err != nil {
		return nil, fmt.Errorf("decode voucher base64url: %w", err)
	}
	return VoucherCOSE(data), nil
}

func (v VoucherCOSEURLBase64) String() string {
	return string(v)
}
