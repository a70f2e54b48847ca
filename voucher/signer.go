// Package voucher issues and validates claim vouchers: COSE_Sign1 messages
// (ES256) over a CBOR claim document, handed to the fulfillment service with
// every payout so it can check that the claim was settled by this engine.
package voucher

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/veraison/go-cose"

	engineapi "github.com/cloudx-io/pennyauction/engineapi"
	"github.com/cloudx-io/pennyauction/settlement"
)

// Algorithm is the COSE algorithm every voucher is signed with
const Algorithm = cose.AlgorithmES256

// KeyAlgorithm names the signing key type for clients
const KeyAlgorithm = "ECDSA-P256"

// COSE header label for the algorithm parameter
const headerLabelAlgorithm int64 = 1

// voucherNamespace scopes deterministic voucher IDs derived from charge keys
var voucherNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("pennyauction/voucher"))

// Signer holds the engine's voucher signing key
type Signer struct {
	privateKey *ecdsa.PrivateKey // never leaves the process
	PublicKey  *ecdsa.PublicKey
	signer     cose.Signer
}

// NewSigner creates a Signer with a freshly generated P-256 key
func NewSigner() (*Signer, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate voucher key: %w", err)
	}
	return NewSignerFromKey(privateKey)
}

// NewSignerFromKey wraps an existing P-256 key
func NewSignerFromKey(privateKey *ecdsa.PrivateKey) (*Signer, error) {
	if privateKey == nil {
		return nil, errors.New("voucher key is required")
	}
	if privateKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("voucher key must be P-256, got %s", privateKey.Curve.Params().Name)
	}

	signer, err := cose.NewSigner(Algorithm, privateKey)
	if err != nil {
		return nil, fmt.Errorf("create COSE signer: %w", err)
	}

	return &Signer{
		privateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
		signer:     signer,
	}, nil
}

// LoadOrCreateSigner reads a PEM encoded EC private key from path. A missing
// file is created with a new key; an empty path yields an ephemeral key.
func LoadOrCreateSigner(path string) (*Signer, error) {
	if path == "" {
		log.Printf("WARNING: No voucher key path configured, vouchers are signed with an ephemeral key")
		return NewSigner()
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s, err := NewSigner()
		if err != nil {
			return nil, err
		}
		keyPEM, err := s.PrivateKeyPEM()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, keyPEM, 0o600); err != nil {
			return nil, fmt.Errorf("write voucher key %s: %w", path, err)
		}
		log.Printf("INFO: Generated voucher signing key at %s", path)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read voucher key %s: %w", path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, fmt.Errorf("voucher key %s is not a PEM encoded EC private key", path)
	}
	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse voucher key: %w", err)
	}
	return NewSignerFromKey(privateKey)
}

// PrivateKeyPEM returns the signing key in SEC 1 PEM form
func (s *Signer) PrivateKeyPEM() ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal voucher key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// PublicKeyPEM returns the verification key in PEM format
func (s *Signer) PublicKeyPEM() (string, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(s.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	pemBlock := &pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: derBytes,
	}

	return string(pem.EncodeToMemory(pemBlock)), nil
}

// Issue signs a voucher for a settled claim. The voucher ID is derived from
// the claim charge key, so a reissued voucher names the same claim.
func (s *Signer) Issue(claim settlement.VoucherClaim) ([]byte, error) {
	payload := engineapi.VoucherPayload{
		VoucherID:    uuid.NewSHA1(voucherNamespace, []byte(claim.ChargeKey)).String(),
		AuctionID:    claim.AuctionID,
		UserID:       claim.UserID,
		ClaimCost:    claim.ClaimCost.String(),
		PayoutAmount: claim.PayoutAmount.String(),
		ChargeKey:    claim.ChargeKey,
		PayoutKey:    claim.PayoutKey,
		ClaimedAt:    claim.ClaimedAt.UnixMilli(),
	}

	payloadBytes, err := cbor.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal voucher payload: %w", err)
	}

	protected, err := cbor.Marshal(map[int64]int64{headerLabelAlgorithm: int64(Algorithm)})
	if err != nil {
		return nil, fmt.Errorf("marshal protected headers: %w", err)
	}

	sigStructureBytes, err := sigStructure(protected, payloadBytes)
	if err != nil {
		return nil, err
	}

	signature, err := s.signer.Sign(rand.Reader, sigStructureBytes)
	if err != nil {
		return nil, fmt.Errorf("sign voucher: %w", err)
	}

	// Untagged COSE_Sign1: [protected, unprotected, payload, signature]
	msg, err := cbor.Marshal([]any{protected, map[int64]any{}, payloadBytes, signature})
	if err != nil {
		return nil, fmt.Errorf("marshal COSE_Sign1: %w", err)
	}
	return msg, nil
}

// sigStructure encodes the COSE_Sign1 Sig_structure with empty external_aad
func sigStructure(protected, payload []byte) ([]byte, error) {
	data, err := cbor.Marshal([]any{
		"Signature1",
		protected,
		[]byte{},
		payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal Sig_structure: %w", err)
	}
	return data, nil
}
