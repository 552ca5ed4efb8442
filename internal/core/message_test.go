package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedMessage(t *testing.T, mt MessageType) *ConsensusMessage {
	t.Helper()
	kp := testKeyPair(t)
	m := &ConsensusMessage{Type: mt, BlockHeight: 1, BlockHash: "h1", View: 0}
	if mt == MsgViewChange {
		m.NewView = 1
		m.ViewChangeProof = []string{}
	}
	require.NoError(t, m.Sign(kp))
	return m
}

func TestMessage_SignAndVerify(t *testing.T) {
	kp := testKeyPair(t)
	m := &ConsensusMessage{Type: MsgPrepare, BlockHeight: 3, BlockHash: "abc", View: 2}
	require.NoError(t, m.Sign(kp))

	assert.Equal(t, kp.Address, m.Validator)
	assert.True(t, m.VerifySignature(kp.PublicKeyHex()))

	// The signature covers the message with the signature field blanked,
	// so mutating any covered field invalidates it.
	m.BlockHash = "tampered"
	assert.False(t, m.VerifySignature(kp.PublicKeyHex()))
}

func TestMessage_VerifyRejectsForeignKey(t *testing.T) {
	m := signedMessage(t, MsgPrepare)
	other := testKeyPair(t)
	assert.False(t, m.VerifySignature(other.PublicKeyHex()))
}

func TestDecodeMessage_RoundTrip(t *testing.T) {
	m := signedMessage(t, MsgCommit)
	raw, err := m.Encode()
	require.NoError(t, err)

	decoded, err := DecodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, m.Type, decoded.Type)
	assert.Equal(t, m.Key(), decoded.Key())
	assert.Equal(t, m.Signature, decoded.Signature)
}

func TestDecodeMessage_RejectsUnknownFields(t *testing.T) {
	raw := []byte(`{"type":"PREPARE","blockHeight":1,"blockHash":"h","validator":"v","view":0,"signature":"s","bogus":true}`)
	_, err := DecodeMessage(raw)
	assert.ErrorIs(t, err, ErrMsgUnknownFields)
}

func TestDecodeMessage_RejectsUnknownType(t *testing.T) {
	raw := []byte(`{"type":"GOSSIP","blockHeight":1,"blockHash":"h","validator":"v","view":0,"signature":"s"}`)
	_, err := DecodeMessage(raw)
	assert.ErrorIs(t, err, ErrMsgUnknownType)
}

func TestDecodeMessage_RequiresVariantFields(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"prepare without hash", `{"type":"PREPARE","blockHeight":1,"validator":"v","view":0,"signature":"s"}`},
		{"view change without target", `{"type":"VIEW_CHANGE","blockHeight":1,"blockHash":"h","validator":"v","view":0,"signature":"s"}`},
		{"missing signature", `{"type":"COMMIT","blockHeight":1,"blockHash":"h","validator":"v","view":0}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(tc.raw))
			assert.ErrorIs(t, err, ErrMsgMissingField)
		})
	}
}

func TestTransaction_Validate(t *testing.T) {
	valid := Transaction{Hash: "aabb", From: "f", To: "t", Amount: 5}
	assert.NoError(t, valid.Validate())

	assert.ErrorIs(t, (&Transaction{From: "f", To: "t", Amount: 5}).Validate(), ErrTxMissingHash)
	assert.ErrorIs(t, (&Transaction{Hash: "zzzz", From: "f", To: "t", Amount: 5}).Validate(), ErrTxBadHashFormat)
	assert.ErrorIs(t, (&Transaction{Hash: "aabb", To: "t", Amount: 5}).Validate(), ErrTxMissingFrom)
	assert.ErrorIs(t, (&Transaction{Hash: "aabb", From: "f", Amount: 5}).Validate(), ErrTxMissingTo)
	assert.ErrorIs(t, (&Transaction{Hash: "aabb", From: "f", To: "t"}).Validate(), ErrTxZeroAmount)
}

func TestTransaction_DeriveFee(t *testing.T) {
	tx := Transaction{Hash: "aabb", From: "f", To: "t", Amount: 5, GasLimit: 21, Fee: 999999}
	tx.DeriveFee(10)

	// The wire fee is never trusted; it is always gasLimit × gasPrice.
	assert.Equal(t, uint64(210), tx.Fee)
	assert.NotZero(t, tx.Size)
}
