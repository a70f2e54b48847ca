package parsing

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	engineapi "github.com/cloudx-io/pennyauction/engineapi"
)

// COSESign1 holds the components of an untagged COSE_Sign1 message
type COSESign1 struct {
	Protected []byte
	Payload   []byte
	Signature []byte
}

// ParseCOSESign1 parses a COSE_Sign1 4-element array
// COSE_Sign1 structure: [protected, unprotected, payload, signature]
func ParseCOSESign1(coseBytes []byte) (*COSESign1, error) {
	var coseArray []any
	if err := cbor.Unmarshal(coseBytes, &coseArray); err != nil {
		return nil, fmt.Errorf("parse COSE array: %w", err)
	}

	if len(coseArray) != 4 {
		return nil, fmt.Errorf("invalid COSE_Sign1 structure: expected 4 elements, got %d", len(coseArray))
	}

	protected, ok := coseArray[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("invalid protected headers")
	}

	payload, ok := coseArray[2].([]byte)
	if !ok {
		return nil, fmt.Errorf("invalid payload in COSE structure")
	}

	signature, ok := coseArray[3].([]byte)
	if !ok {
		return nil, fmt.Errorf("invalid signature")
	}

	return &COSESign1{Protected: protected, Payload: payload, Signature: signature}, nil
}

// ExtractCOSEPayload returns the payload bytes (element 2) of a COSE_Sign1 message
func ExtractCOSEPayload(coseBytes []byte) ([]byte, error) {
	msg, err := ParseCOSESign1(coseBytes)
	if err != nil {
		return nil, err
	}
	return msg.Payload, nil
}

// DecodeVoucherPayload extracts and decodes the claim document from a voucher.
// The signature is not checked here.
func DecodeVoucherPayload(voucher engineapi.VoucherCOSE) (*engineapi.VoucherPayload, error) {
	payload, err := ExtractCOSEPayload(voucher)
	if err != nil {
		return nil, err
	}

	var doc engineapi.VoucherPayload
	if err := cbor.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decode voucher payload: %w", err)
	}
	return &doc, nil
}

// ProtectedAlgorithm returns the COSE algorithm identifier (label 1) from
// encoded protected headers
func ProtectedAlgorithm(protected []byte) (int64, error) {
	var headers map[int64]any
	if err := cbor.Unmarshal(protected, &headers); err != nil {
		return 0, fmt.Errorf("parse protected headers: %w", err)
	}

	switch alg := headers[1].(type) {
	case int64:
		return alg, nil
	case uint64:
		return int64(alg), nil
	default:
		return 0, fmt.Errorf("protected headers carry no algorithm")
	}
}
