package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cloudx-io/pennyauction/engineapi"
)

var userID string

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the engine is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().Ping(cmd.Context())
		if err != nil {
			return err
		}
		return render(os.Stdout, resp, resp.Outcome, func(w io.Writer) {
			fmt.Fprintf(w, "Engine:              %s\n", resp.Message)
			fmt.Fprintf(w, "Voucher algorithm:   %s\n", resp.VoucherKeyAlgorithm)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <auction-id>",
	Short: "Show an auction's status, leader and winners",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(os.Stdout, resp, resp.Outcome, func(w io.Writer) { printAuction(w, resp.Auction) })
	},
}

var bidCmd = &cobra.Command{
	Use:   "bid <auction-id>",
	Short: "Place one bid for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().Bid(cmd.Context(), args[0], userID)
		if err != nil {
			return err
		}
		return render(os.Stdout, resp, resp.Outcome, func(w io.Writer) {
			fmt.Fprintf(w, "Bid:                 %s (position %d)\n", resp.BidID, resp.Position)
			fmt.Fprintf(w, "Current bid:         %s\n", resp.CurrentBid)
			fmt.Fprintf(w, "Fee charged:         %s\n", resp.FeeCharged)
			fmt.Fprintf(w, "Expires at:          %s\n", resp.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
			if resp.Extended {
				fmt.Fprintln(w, "Expiry extended by the anti-snipe window")
			}
		})
	},
}

var claimCmd = &cobra.Command{
	Use:   "claim <auction-id>",
	Short: "Claim a won auction for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().Claim(cmd.Context(), args[0], userID)
		if err != nil {
			return err
		}
		return render(os.Stdout, resp, resp.Outcome, func(w io.Writer) {
			fmt.Fprintf(w, "Claimed at:          %s\n", resp.ClaimedAt.Format("2006-01-02 15:04:05 MST"))
			fmt.Fprintf(w, "Charge receipt:      %s\n", resp.ChargeReceiptID)
			if resp.FulfillmentPending {
				fmt.Fprintln(w, "Payout:              pending (will be retried)")
			} else {
				fmt.Fprintf(w, "Payout receipt:      %s\n", resp.PayoutReceiptID)
			}
			if resp.Message != "" {
				fmt.Fprintf(w, "Message:             %s\n", resp.Message)
			}
			fmt.Fprintf(w, "Voucher:             %s\n", resp.Voucher)
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{bidCmd, claimCmd} {
		cmd.Flags().StringVar(&userID, "user", "", "User ID (required)")
		_ = cmd.MarkFlagRequired("user")
	}
}

// render prints a result in the selected format. A failed outcome is
// reported and turned into exit code 1.
func render(w io.Writer, result any, outcome engineapi.Outcome, text func(io.Writer)) error {
	if outputFormat == "json" {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		fmt.Fprintln(w, string(data))
	} else if outcome.Success {
		text(w)
	} else {
		fmt.Fprintf(w, "Request failed: %s\n", outcome.ErrorKind)
		if outcome.Message != "" {
			fmt.Fprintf(w, "  %s\n", outcome.Message)
		}
	}

	if !outcome.Success {
		return failed("%s: %s", outcome.Type, outcome.ErrorKind)
	}
	return nil
}

func printAuction(w io.Writer, a *engineapi.AuctionView) {
	if a == nil {
		return
	}
	fmt.Fprintf(w, "Auction:             %s (%s)\n", a.ID, a.Title)
	fmt.Fprintf(w, "Status:              %s\n", a.Status)
	fmt.Fprintf(w, "Current bid:         %s (next %s)\n", a.CurrentBid, a.NextBid)
	fmt.Fprintf(w, "Bid fee:             %s\n", a.BidFee)
	fmt.Fprintf(w, "Claim cost:          %s\n", a.ClaimCost)
	fmt.Fprintf(w, "Payout amount:       %s\n", a.PayoutAmount)
	fmt.Fprintf(w, "Expires at:          %s\n", a.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
	if !a.MaxClaimDate.IsZero() {
		fmt.Fprintf(w, "Claimable until:     %s\n", a.MaxClaimDate.Format("2006-01-02 15:04:05 MST"))
	}
	fmt.Fprintf(w, "Bids:                %d\n", a.BidCount)
	if a.Leader != "" {
		fmt.Fprintf(w, "Leader:              %s\n", a.Leader)
	}
	if len(a.Winners) > 0 {
		fmt.Fprintf(w, "Winners (%d slots):   %s\n", a.NumberOfWinners, strings.Join(a.Winners, ", "))
	}
}
