package core

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Custom errors surfaced to submitters with a reason code. These are
// InputRejected-class failures and are never logged at error level.
var (
	ErrTxMissingHash   = errors.New("transaction hash is required")
	ErrTxMissingFrom   = errors.New("transaction sender is required")
	ErrTxMissingTo     = errors.New("transaction recipient is required")
	ErrTxZeroAmount    = errors.New("transaction amount must be positive")
	ErrTxBadHashFormat = errors.New("transaction hash is not a hex digest")
)

// Transaction is a pending value transfer awaiting inclusion in a block.
// Hash is the content-addressed identity and the mempool key. Fee is always
// derived locally from GasLimit and the configured gas price; the wire value
// is not trusted.
type Transaction struct {
	Hash     string `json:"hash"`
	From     string `json:"from"`
	To       string `json:"to"`
	Amount   uint64 `json:"amount"`
	GasLimit uint64 `json:"gasLimit"`
	Size     uint64 `json:"size"`
	Fee      uint64 `json:"fee"`
}

// Validate performs the structural checks required before admission:
// hash, from, to and amount must be present and well-formed.
func (tx *Transaction) Validate() error {
	if tx.Hash == "" {
		return ErrTxMissingHash
	}
	if !isHexDigest(tx.Hash) {
		return fmt.Errorf("%w: %q", ErrTxBadHashFormat, tx.Hash)
	}
	if tx.From == "" {
		return ErrTxMissingFrom
	}
	if tx.To == "" {
		return ErrTxMissingTo
	}
	if tx.Amount == 0 {
		return ErrTxZeroAmount
	}
	return nil
}

// DeriveFee recomputes the fee from the gas limit and the given gas price,
// and fills Size from the encoded length when the submitter left it zero.
func (tx *Transaction) DeriveFee(gasPrice uint64) {
	tx.Fee = tx.GasLimit * gasPrice
	if tx.Size == 0 {
		if raw, err := json.Marshal(tx); err == nil {
			tx.Size = uint64(len(raw))
		}
	}
	if tx.Size == 0 {
		tx.Size = 1
	}
}

// FeeRate is the fee-per-byte priority used for mempool ordering and
// shedding. Higher is better.
func (tx *Transaction) FeeRate() float64 {
	if tx.Size == 0 {
		return float64(tx.Fee)
	}
	return float64(tx.Fee) / float64(tx.Size)
}

func isHexDigest(s string) bool {
	if len(s) == 0 || len(s)%2 != 0 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
