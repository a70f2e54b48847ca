package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/cloudx-io/pennyauction/config"
	"github.com/cloudx-io/pennyauction/engineapi"
)

const defaultClientTimeout = 30 * time.Second

// Client speaks the engine protocol: it opens one connection per request.
type Client struct {
	network   string
	address   string
	vsockCID  uint32
	vsockPort uint32
	timeout   time.Duration
}

// NewTCPClient returns a client for an engine listening on address
func NewTCPClient(address string, timeout time.Duration) *Client {
	return &Client{network: config.NetworkTCP, address: address, timeout: orDefault(timeout)}
}

// NewVsockClient returns a client for an engine listening on a vsock port
func NewVsockClient(contextID, port uint32, timeout time.Duration) *Client {
	return &Client{network: config.NetworkVsock, vsockCID: contextID, vsockPort: port, timeout: orDefault(timeout)}
}

func orDefault(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return defaultClientTimeout
	}
	return timeout
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	if c.network == config.NetworkVsock {
		conn, err := vsock.Dial(c.vsockCID, c.vsockPort, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to dial vsock %d:%d: %w", c.vsockCID, c.vsockPort, err)
		}
		return conn, nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.address, err)
	}
	return conn, nil
}

// roundTrip sends req and decodes the single response into out
func (c *Client) roundTrip(ctx context.Context, req engineapi.EngineRequest, out any) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("failed to send %s: %w", req.Type, err)
	}
	if err := json.NewDecoder(conn).Decode(out); err != nil {
		return fmt.Errorf("failed to read %s response: %w", req.Type, err)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) (engineapi.PingResponse, error) {
	var resp engineapi.PingResponse
	err := c.roundTrip(ctx, engineapi.EngineRequest{Type: engineapi.TypePing, Timestamp: time.Now().UTC()}, &resp)
	return resp, err
}

func (c *Client) Bid(ctx context.Context, auctionID, userID string) (engineapi.BidResult, error) {
	var resp engineapi.BidResult
	err := c.roundTrip(ctx, engineapi.EngineRequest{
		Type:      engineapi.TypeBidRequest,
		AuctionID: auctionID,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	}, &resp)
	return resp, err
}

func (c *Client) Claim(ctx context.Context, auctionID, userID string) (engineapi.ClaimResult, error) {
	var resp engineapi.ClaimResult
	err := c.roundTrip(ctx, engineapi.EngineRequest{
		Type:      engineapi.TypeClaimRequest,
		AuctionID: auctionID,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	}, &resp)
	return resp, err
}

func (c *Client) Status(ctx context.Context, auctionID string) (engineapi.AuctionStatusResult, error) {
	var resp engineapi.AuctionStatusResult
	err := c.roundTrip(ctx, engineapi.EngineRequest{
		Type:      engineapi.TypeStatusRequest,
		AuctionID: auctionID,
		Timestamp: time.Now().UTC(),
	}, &resp)
	return resp, err
}
