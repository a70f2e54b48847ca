package voucher

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"

	engineapi "github.com/cloudx-io/pennyauction/engineapi"
	"github.com/cloudx-io/pennyauction/engineapi/parsing"
)

// ValidationResult contains per-check results for a claim voucher
type ValidationResult struct {
	AlgorithmValid    bool
	SignatureValid    bool
	AuctionMatch      bool
	UserMatch         bool
	Payload           *engineapi.VoucherPayload
	ValidationDetails []string
}

// IsValid returns true if all voucher checks passed
func (r *ValidationResult) IsValid() bool {
	return r.AlgorithmValid && r.SignatureValid && r.AuctionMatch && r.UserMatch
}

// ValidateVoucher checks a voucher against the engine's PEM encoded public
// key. An empty expected auction or user matches any value.
//
// Returns:
//   - ValidationResult with detailed results (call result.IsValid() to check overall status)
//   - error if validation cannot be performed (malformed key or voucher)
func ValidateVoucher(voucher engineapi.VoucherCOSE, publicKeyPEM, expectedAuctionID, expectedUserID string) (*ValidationResult, error) {
	publicKey, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return nil, err
	}

	msg, err := parsing.ParseCOSESign1(voucher)
	if err != nil {
		return nil, fmt.Errorf("parse voucher: %w", err)
	}

	var payload engineapi.VoucherPayload
	if err := cbor.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode voucher payload: %w", err)
	}

	result := &ValidationResult{Payload: &payload}

	alg, err := parsing.ProtectedAlgorithm(msg.Protected)
	switch {
	case err != nil:
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Algorithm unreadable: %v", err))
	case alg != int64(Algorithm):
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Unexpected algorithm %d", alg))
	default:
		result.AlgorithmValid = true
		result.ValidationDetails = append(result.ValidationDetails, "Algorithm is ES256")
	}

	if err := VerifySignature(msg, publicKey); err != nil {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Signature invalid: %v", err))
	} else {
		result.SignatureValid = true
		result.ValidationDetails = append(result.ValidationDetails, "Signature verified")
	}

	result.AuctionMatch = matches(expectedAuctionID, payload.AuctionID)
	if result.AuctionMatch {
		result.ValidationDetails = append(result.ValidationDetails, "Auction matches voucher")
	} else {
		result.ValidationDetails = append(result.ValidationDetails,
			fmt.Sprintf("Auction mismatch: expected %s, voucher names %s", expectedAuctionID, payload.AuctionID))
	}

	result.UserMatch = matches(expectedUserID, payload.UserID)
	if result.UserMatch {
		result.ValidationDetails = append(result.ValidationDetails, "User matches voucher")
	} else {
		result.ValidationDetails = append(result.ValidationDetails,
			fmt.Sprintf("User mismatch: expected %s, voucher names %s", expectedUserID, payload.UserID))
	}

	return result, nil
}

func matches(expected, actual string) bool {
	return expected == "" || expected == actual
}

// VerifySignature verifies a parsed COSE_Sign1 voucher signature
func VerifySignature(msg *parsing.COSESign1, publicKey *ecdsa.PublicKey) error {
	sigStructureBytes, err := sigStructure(msg.Protected, msg.Payload)
	if err != nil {
		return err
	}

	verifier, err := cose.NewVerifier(Algorithm, publicKey)
	if err != nil {
		return fmt.Errorf("create verifier: %w", err)
	}

	if err := verifier.Verify(sigStructureBytes, msg.Signature); err != nil {
		return fmt.Errorf("COSE signature verification failed: %w", err)
	}
	return nil
}

// ParsePublicKeyPEM parses a PKIX PEM public key and requires ECDSA
func ParsePublicKeyPEM(publicKeyPEM string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("public key is not PEM encoded")
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	ecdsaKey, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not ECDSA")
	}
	return ecdsaKey, nil
}
