package parsing

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	engineapi "github.com/cloudx-io/pennyauction/engineapi"
)

func coseMessage(t *testing.T, elements ...any) []byte {
	t.Helper()
	data, err := cbor.Marshal(elements)
	assert.NoError(t, err)
	return data
}

func TestParseCOSESign1(t *testing.T) {
	protected, err := cbor.Marshal(map[int64]int64{1: -7})
	assert.NoError(t, err)

	msg, err := ParseCOSESign1(coseMessage(t, protected, map[int64]any{}, []byte("payload"), []byte("sig")))
	assert.NoError(t, err)
	check.Equal(t, []byte("payload"), msg.Payload)
	check.Equal(t, []byte("sig"), msg.Signature)

	alg, err := ProtectedAlgorithm(msg.Protected)
	assert.NoError(t, err)
	check.Equal(t, int64(-7), alg)
}

func TestParseCOSESign1_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"not cbor", []byte{0xff, 0x00}},
		{"three elements", coseMessage(t, []byte{}, map[int64]any{}, []byte("payload"))},
		{"payload not bytes", coseMessage(t, []byte{}, map[int64]any{}, "payload", []byte("sig"))},
		{"signature not bytes", coseMessage(t, []byte{}, map[int64]any{}, []byte("payload"), 7)},
		{"protected not bytes", coseMessage(t, 1, map[int64]any{}, []byte("payload"), []byte("sig"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseCOSESign1(tt.input)
			check.NotNil(t, err)
			check.Nil(t, msg)
		})
	}
}

func TestProtectedAlgorithm_Missing(t *testing.T) {
	protected, err := cbor.Marshal(map[int64]int64{4: 1})
	assert.NoError(t, err)

	_, err = ProtectedAlgorithm(protected)
	check.NotNil(t, err)
}

func TestDecodeVoucherPayload(t *testing.T) {
	payload, err := cbor.Marshal(engineapi.VoucherPayload{
		VoucherID: "v-1",
		AuctionID: "auction-1",
		UserID:    "alice",
		ClaimCost: "100",
	})
	assert.NoError(t, err)

	doc, err := DecodeVoucherPayload(coseMessage(t, []byte{}, map[int64]any{}, payload, []byte("sig")))
	assert.NoError(t, err)
	check.Equal(t, "v-1", doc.VoucherID)
	check.Equal(t, "alice", doc.UserID)
	check.Equal(t, "100", doc.ClaimCost)

	_, err = DecodeVoucherPayload(coseMessage(t, []byte{}, map[int64]any{}, []byte("not a map"), []byte("sig")))
	check.NotNil(t, err)
}
