package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/teamTripCode/tc-validator-node/internal/crypto"
)

// MessageType discriminates the consensus message variants on the wire.
type MessageType string

const (
	MsgPrePrepare MessageType = "PRE_PREPARE"
	MsgPrepare    MessageType = "PREPARE"
	MsgCommit     MessageType = "COMMIT"
	MsgViewChange MessageType = "VIEW_CHANGE"
	MsgNewView    MessageType = "NEW_VIEW"
)

// Custom errors for message decoding and validation.
var (
	ErrMsgDecode        = errors.New("failed to decode consensus message")
	ErrMsgUnknownType   = errors.New("unknown consensus message type")
	ErrMsgMissingField  = errors.New("consensus message missing required field")
	ErrMsgUnknownFields = errors.New("consensus message carries unknown fields")
)

// ConsensusMessage is the tagged wire record exchanged between replicas.
// Common fields are always present; the VIEW_CHANGE and NEW_VIEW variants
// carry their extra fields and leave them zero otherwise.
//
// Signature covers the JSON encoding of the message with the Signature field
// blanked.
type ConsensusMessage struct {
	Type        MessageType `json:"type"`
	BlockHeight int64       `json:"blockHeight"`
	BlockHash   string      `json:"blockHash"`
	Validator   string      `json:"validator"`
	View        uint64      `json:"view"`
	Signature   string      `json:"signature"`

	// VIEW_CHANGE fields.
	NewView            uint64   `json:"newView,omitempty"`
	LastPreparedSeqNum int64    `json:"lastPreparedSeqNum,omitempty"`
	ViewChangeProof    []string `json:"viewChangeProof,omitempty"`

	// NEW_VIEW fields.
	ViewChangeMessages []*ConsensusMessage `json:"viewChangeMessages,omitempty"`
	PrePrepareMessages []*ConsensusMessage `json:"preprepareMessages,omitempty"`
}

// Key is the height:hash round identity this message votes on.
func (m *ConsensusMessage) Key() string {
	return BlockKey(m.BlockHeight, m.BlockHash)
}

// SigningBytes returns the byte string the signature covers: the message
// encoded with its Signature field blanked.
func (m *ConsensusMessage) SigningBytes() ([]byte, error) {
	clone := *m
	clone.Signature = ""
	raw, err := json.Marshal(&clone)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMsgDecode, err)
	}
	return raw, nil
}

// Sign fills Validator and Signature using the given key pair.
func (m *ConsensusMessage) Sign(signer *crypto.KeyPair) error {
	m.Validator = signer.Address
	payload, err := m.SigningBytes()
	if err != nil {
		return err
	}
	m.Signature = signer.Sign(payload)
	return nil
}

// VerifySignature checks the signature against the given hex public key.
func (m *ConsensusMessage) VerifySignature(pubKeyHex string) bool {
	payload, err := m.SigningBytes()
	if err != nil {
		return false
	}
	return crypto.Verify(payload, m.Signature, pubKeyHex)
}

// Encode renders the message for the wire and the stream payload.
func (m *ConsensusMessage) Encode() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMsgDecode, err)
	}
	return raw, nil
}

// DecodeMessage parses a wire message. Parsing is explicit and strict:
// unknown fields are rejected, and the per-variant required fields are
// checked before the message is handed to the replica.
func DecodeMessage(data []byte) (*ConsensusMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var m ConsensusMessage
	if err := dec.Decode(&m); err != nil {
		// The stdlib reports unknown fields through a plain error string.
		if isUnknownFieldErr(err) {
			return nil, fmt.Errorf("%w: %v", ErrMsgUnknownFields, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMsgDecode, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrMsgDecode)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *ConsensusMessage) validate() error {
	switch m.Type {
	case MsgPrePrepare, MsgPrepare, MsgCommit:
		if m.BlockHash == "" {
			return fmt.Errorf("%w: blockHash", ErrMsgMissingField)
		}
	case MsgViewChange:
		if m.NewView == 0 {
			return fmt.Errorf("%w: newView", ErrMsgMissingField)
		}
	case MsgNewView:
		if len(m.ViewChangeMessages) == 0 {
			return fmt.Errorf("%w: viewChangeMessages", ErrMsgMissingField)
		}
	default:
		return fmt.Errorf("%w: %q", ErrMsgUnknownType, m.Type)
	}
	if m.Validator == "" {
		return fmt.Errorf("%w: validator", ErrMsgMissingField)
	}
	if m.Signature == "" {
		return fmt.Errorf("%w: signature", ErrMsgMissingField)
	}
	return nil
}

func isUnknownFieldErr(err error) bool {
	return err != nil && bytes.Contains([]byte(err.Error()), []byte("unknown field"))
}
