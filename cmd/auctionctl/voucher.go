package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cloudx-io/pennyauction/engineapi"
	"github.com/cloudx-io/pennyauction/voucher"
)

var (
	voucherInput    string
	publicKeyInput  string
	expectedAuction string
	expectedUser    string
	voucherKeyPath  string
)

var verifyVoucherCmd = &cobra.Command{
	Use:   "verify-voucher",
	Short: "Verify a claim voucher against the engine's public key",
	Long: `Verifies the COSE_Sign1 signature of a claim voucher and, when given, that it
was issued for the expected auction and user.

--voucher and --public-key accept either a file path or the inline value.
Vouchers may be standard or URL-safe base64.

Exit Codes:
  0 - Voucher valid
  1 - Voucher invalid
  2 - Invalid input or runtime error`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := decodeVoucher(readInput(voucherInput))
		if err != nil {
			return err
		}
		result, err := voucher.ValidateVoucher(raw, readInput(publicKeyInput), expectedAuction, expectedUser)
		if err != nil {
			return fmt.Errorf("validation error: %w", err)
		}

		if outputFormat == "json" {
			if err := outputValidationJSON(os.Stdout, result); err != nil {
				return err
			}
		} else {
			outputValidationText(os.Stdout, result)
		}
		if !result.IsValid() {
			return failed("voucher is not valid")
		}
		return nil
	},
}

var publicKeyCmd = &cobra.Command{
	Use:   "public-key",
	Short: "Print the voucher verification key for an engine signing key file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// LoadOrCreateSigner would mint a fresh key for a missing file
		if _, err := os.Stat(voucherKeyPath); err != nil {
			return fmt.Errorf("read signing key: %w", err)
		}
		signer, err := voucher.LoadOrCreateSigner(voucherKeyPath)
		if err != nil {
			return err
		}
		publicKey, err := signer.PublicKeyPEM()
		if err != nil {
			return err
		}
		fmt.Print(publicKey)
		return nil
	},
}

func init() {
	verifyVoucherCmd.Flags().StringVar(&voucherInput, "voucher", "", "Voucher (base64) or path to a file containing it (required)")
	verifyVoucherCmd.Flags().StringVar(&publicKeyInput, "public-key", "", "Engine public key PEM or path to it (required)")
	verifyVoucherCmd.Flags().StringVar(&expectedAuction, "auction", "", "Expected auction ID")
	verifyVoucherCmd.Flags().StringVar(&expectedUser, "user", "", "Expected user ID")
	_ = verifyVoucherCmd.MarkFlagRequired("voucher")
	_ = verifyVoucherCmd.MarkFlagRequired("public-key")

	publicKeyCmd.Flags().StringVar(&voucherKeyPath, "key", os.Getenv("ENGINE_VOUCHER_KEY_PATH"), "Path to the engine's voucher signing key")
	_ = publicKeyCmd.MarkFlagRequired("key")
}

func readInput(input string) string {
	// Try reading as file first
	if data, err := os.ReadFile(input); err == nil {
		return string(data)
	}
	return input
}

// decodeVoucher accepts standard and URL-safe base64
func decodeVoucher(input string) (engineapi.VoucherCOSE, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, errors.New("voucher is empty")
	}
	raw, err := engineapi.VoucherCOSEBase64(input).Decode()
	if err == nil {
		return raw, nil
	}
	raw, urlErr := engineapi.VoucherCOSEURLBase64(input).Decode()
	if urlErr == nil {
		return raw, nil
	}
	return nil, errors.Join(err, urlErr)
}

func outputValidationText(w io.Writer, result *voucher.ValidationResult) {
	fmt.Fprintln(w, "Claim Voucher Validator")
	fmt.Fprintln(w, "=======================")
	fmt.Fprintln(w)

	if p := result.Payload; p != nil {
		fmt.Fprintln(w, "Voucher:")
		fmt.Fprintf(w, "  Voucher ID:      %s\n", p.VoucherID)
		fmt.Fprintf(w, "  Auction:         %s\n", p.AuctionID)
		fmt.Fprintf(w, "  User:            %s\n", p.UserID)
		fmt.Fprintf(w, "  Claim cost:      %s\n", p.ClaimCost)
		fmt.Fprintf(w, "  Payout amount:   %s\n", p.PayoutAmount)
		fmt.Fprintf(w, "  Claimed at:      %s\n", p.ClaimedTime().Format("2006-01-02 15:04:05 MST"))
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "Summary:")
	fmt.Fprintf(w, "  Algorithm Valid: %v\n", result.AlgorithmValid)
	fmt.Fprintf(w, "  Signature Valid: %v\n", result.SignatureValid)
	fmt.Fprintf(w, "  Auction Match:   %v\n", result.AuctionMatch)
	fmt.Fprintf(w, "  User Match:      %v\n", result.UserMatch)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Details:")
	for _, detail := range result.ValidationDetails {
		fmt.Fprintf(w, "  - %s\n", detail)
	}

	fmt.Fprintln(w)
	if result.IsValid() {
		fmt.Fprintln(w, "VALIDATION: PASSED")
	} else {
		fmt.Fprintln(w, "VALIDATION: FAILED")
	}
}

func outputValidationJSON(w io.Writer, result *voucher.ValidationResult) error {
	output := map[string]any{
		"valid":           result.IsValid(),
		"algorithm_valid": result.AlgorithmValid,
		"signature_valid": result.SignatureValid,
		"auction_match":   result.AuctionMatch,
		"user_match":      result.UserMatch,
		"payload":         result.Payload,
		"details":         result.ValidationDetails,
	}

	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}
