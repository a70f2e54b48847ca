// Package server exposes the settlement engine over the engine protocol
// (one JSON request per TCP or vsock connection) and an HTTP API.
package server

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cloudx-io/pennyauction/core"
	"github.com/cloudx-io/pennyauction/engineapi"
	"github.com/cloudx-io/pennyauction/settlement"
)

// Engine routes inbound requests to the settlement processors and turns
// every outcome into a discriminated result.
type Engine struct {
	Ledger   core.Ledger
	Bids     *settlement.BidProcessor
	Claims   *settlement.ClaimProcessor
	Balances settlement.BalanceGateway
	Clock    settlement.Clock

	// DefaultClaimCost applies to created auctions that carry no claim cost.
	DefaultClaimCost decimal.Decimal

	// VoucherKeyAlgorithm is reported by ping so clients know how to verify vouchers.
	VoucherKeyAlgorithm string
}

func (e *Engine) now() time.Time {
	if e.Clock == nil {
		return time.Now()
	}
	return e.Clock()
}

// Dispatch handles one engine protocol request. It never returns nil.
func (e *Engine) Dispatch(ctx context.Context, req engineapi.EngineRequest) any {
	switch req.Type {
	case engineapi.TypePing:
		return engineapi.PingResponse{
			Outcome:             engineapi.Outcome{Type: engineapi.TypePong, Success: true, Message: "engine is healthy"},
			VoucherKeyAlgorithm: e.VoucherKeyAlgorithm,
		}
	case engineapi.TypeBidRequest:
		return e.PlaceBid(ctx, req.AuctionID, req.UserID)
	case engineapi.TypeClaimRequest:
		return e.Claim(ctx, req.AuctionID, req.UserID)
	case engineapi.TypeStatusRequest:
		return e.Status(ctx, req.AuctionID)
	default:
		return engineapi.NewErrorResult(fmt.Errorf("%w: unknown request type %q", core.ErrInvalidRequest, req.Type))
	}
}

// PlaceBid places one bid for userID
func (e *Engine) PlaceBid(ctx context.Context, auctionID, userID string) engineapi.BidResult {
	if err := requireIDs(auctionID, userID); err != nil {
		return engineapi.NewBidFailure(err)
	}
	receipt, err := e.Bids.PlaceBid(ctx, auctionID, userID)
	if err != nil {
		return engineapi.NewBidFailure(err)
	}
	return engineapi.NewBidResult(receipt)
}

// Claim settles userID's win on auctionID
func (e *Engine) Claim(ctx context.Context, auctionID, userID string) engineapi.ClaimResult {
	if err := requireIDs(auctionID, userID); err != nil {
		return engineapi.NewClaimFailure(err)
	}
	result, err := e.Claims.Claim(ctx, auctionID, userID)
	if err != nil {
		return engineapi.NewClaimFailure(err)
	}
	return engineapi.NewClaimResult(result)
}

// Status projects the auction as of the engine clock
func (e *Engine) Status(ctx context.Context, auctionID string) engineapi.AuctionStatusResult {
	if strings.TrimSpace(auctionID) == "" {
		return engineapi.NewAuctionStatusFailure(fmt.Errorf("%w: auction_id is required", core.ErrInvalidRequest))
	}
	a, err := e.Ledger.Auction(ctx, auctionID)
	if err != nil {
		return engineapi.NewAuctionStatusFailure(err)
	}
	bids, err := e.Ledger.Bids(ctx, auctionID)
	if err != nil {
		return engineapi.NewAuctionStatusFailure(err)
	}
	return engineapi.NewAuctionStatus(engineapi.NewAuctionView(a, bids, e.now()))
}

// Balance passes a balance read through to the BalanceGateway
func (e *Engine) Balance(ctx context.Context, userID string) engineapi.BalanceResult {
	if strings.TrimSpace(userID) == "" {
		return engineapi.NewBalanceFailure(fmt.Errorf("%w: user_id is required", core.ErrInvalidRequest))
	}
	balance, err := e.Balances.GetBalance(ctx, userID)
	if err != nil {
		return engineapi.NewBalanceFailure(err)
	}
	return engineapi.NewBalanceResult(userID, balance)
}

// CreateAuction registers a new auction and returns its initial view
func (e *Engine) CreateAuction(ctx context.Context, req engineapi.CreateAuctionRequest) engineapi.AuctionStatusResult {
	a, err := e.auctionFromRequest(req)
	if err != nil {
		return engineapi.NewAuctionStatusFailure(err)
	}
	created, err := e.Ledger.CreateAuction(ctx, a)
	if err != nil {
		return engineapi.NewAuctionStatusFailure(err)
	}
	log.Printf("INFO: Auction %s created (bid fee %s, claim cost %s, expires %s)",
		created.ID, created.BidFee, created.ClaimCost, created.ExpiresAt.Format(time.RFC3339))
	return engineapi.NewAuctionStatus(engineapi.NewAuctionView(created, nil, e.now()))
}

func (e *Engine) auctionFromRequest(req engineapi.CreateAuctionRequest) (core.Auction, error) {
	a := core.Auction{
		ID:              req.ID,
		Title:           req.Title,
		ClaimSuccess:    req.ClaimSuccess,
		StartDate:       req.StartDate,
		ExpiresAt:       req.ExpiresAt,
		MaxExpiryDate:   req.MaxExpiryDate,
		MaxClaimDate:    req.MaxClaimDate,
		AntiSnipeWindow: time.Duration(req.AntiSnipeWindowSecs) * time.Second,
		NumberOfWinners: req.NumberOfWinners,
		ClaimCost:       e.DefaultClaimCost,
	}

	amounts := []struct {
		name     string
		value    string
		dst      *decimal.Decimal
		required bool
	}{
		{"bid_fee", req.BidFee, &a.BidFee, true},
		{"bid_step", req.BidStep, &a.BidStep, true},
		{"starting_bid", req.StartingBid, &a.StartingBid, false},
		{"claim_cost", req.ClaimCost, &a.ClaimCost, false},
		{"payout_amount", req.PayoutAmount, &a.PayoutAmount, false},
	}
	for _, amt := range amounts {
		if amt.value == "" {
			if amt.required {
				return core.Auction{}, fmt.Errorf("%w: %s is required", core.ErrInvalidAuction, amt.name)
			}
			continue
		}
		d, err := core.ParseAmount(amt.value)
		if err != nil {
			return core.Auction{}, fmt.Errorf("%w: %s: %v", core.ErrInvalidAuction, amt.name, err)
		}
		*amt.dst = d
	}
	return a, nil
}

func requireIDs(auctionID, userID string) error {
	switch {
	case strings.TrimSpace(auctionID) == "":
		return fmt.Errorf("%w: auction_id is required", core.ErrInvalidRequest)
	case strings.TrimSpace(userID) == "":
		return fmt.Errorf("%w: user_id is required", core.ErrInvalidRequest)
	}
	return nil
}
