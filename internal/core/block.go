package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teamTripCode/tc-validator-node/internal/crypto"
)

// Block kinds carried on the chain.
type BlockType string

const (
	BlockTypeTransaction     BlockType = "TRANSACTION"
	BlockTypeCriticalProcess BlockType = "CRITICAL_PROCESS"
)

const (
	// GenesisParentHash is the parent reference of the height-0 block.
	GenesisParentHash = "0"
	// GenesisValidator forges the height-0 block; it is not a registry member.
	GenesisValidator = "system"
	// genesisTimestamp is fixed so every peer derives the same genesis hash.
	genesisTimestamp = "2024-01-01T00:00:00.000Z"
)

var (
	ErrBlockBodyEncoding = errors.New("failed to encode block body")
	// ErrBlockNotFound is the shared NOT_FOUND sentinel of every block
	// lookup, regardless of the backing store.
	ErrBlockNotFound = errors.New("block not found")
)

// Block is a plain record; hashing and forging are free functions over it.
// Hash is computed with Signature treated as empty and is never recomputed
// after signing. Signature is the forging validator's signature of Hash.
type Block struct {
	Index      int64         `json:"index"`
	Timestamp  string        `json:"timestamp"`
	ParentHash string        `json:"parentHash"`
	Hash       string        `json:"hash"`
	Nonce      uint64        `json:"nonce"`
	Validator  string        `json:"validator"`
	Signature  string        `json:"signature"`
	Type       BlockType     `json:"type"`
	Body       []Transaction `json:"body"`
	TotalFees  uint64        `json:"totalFees"`
}

// Key is the height:hash identity used by the consensus round tables.
func (b *Block) Key() string {
	return BlockKey(b.Index, b.Hash)
}

// BlockKey renders the height:hash identity for a (height, hash) pair.
func BlockKey(height int64, hash string) string {
	return strconv.FormatInt(height, 10) + ":" + hash
}

// SplitBlockKey parses a height:hash identity back into its parts.
func SplitBlockKey(key string) (int64, string, bool) {
	idx := strings.IndexByte(key, ':')
	if idx <= 0 || idx == len(key)-1 {
		return 0, "", false
	}
	height, err := strconv.ParseInt(key[:idx], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return height, key[idx+1:], true
}

// ComputeHash derives the block hash over the preimage
// index || parentHash || timestamp || canonical(body) || nonce with an empty
// signature component. The signature-inside-the-hash convention is fixed:
// the hash is sealed before signing and stays as-is afterwards.
func ComputeHash(b *Block) (string, error) {
	body, err := canonicalBody(b.Body)
	if err != nil {
		return "", err
	}
	preimage := fmt.Sprintf("%d%s%s%s%d%s", b.Index, b.ParentHash, b.Timestamp, body, b.Nonce, "")
	return crypto.SHA256Hex([]byte(preimage)), nil
}

// Forge seals and signs a proposed block in place: it computes the hash with
// the empty-signature preimage, then signs that hash with the validator key.
func Forge(b *Block, signer *crypto.KeyPair) error {
	b.Validator = signer.Address
	hash, err := ComputeHash(b)
	if err != nil {
		return err
	}
	b.Hash = hash
	b.Signature = signer.Sign([]byte(hash))
	return nil
}

// NewTimestamp renders the current instant in the chain's ISO-8601 layout.
func NewTimestamp(now time.Time) string {
	return now.UTC().Format("2006-01-02T15:04:05.000Z")
}

// GenesisBlock builds the deterministic height-0 block shared by all peers.
func GenesisBlock() *Block {
	b := &Block{
		Index:      0,
		Timestamp:  genesisTimestamp,
		ParentHash: GenesisParentHash,
		Validator:  GenesisValidator,
		Type:       BlockTypeCriticalProcess,
		Body:       []Transaction{},
	}
	hash, err := ComputeHash(b)
	if err != nil {
		// The genesis body is a fixed empty slice; encoding cannot fail.
		panic(err)
	}
	b.Hash = hash
	return b
}

// SumFees totals the derived fees of the block body.
func SumFees(txs []Transaction) uint64 {
	var total uint64
	for i := range txs {
		total += txs[i].Fee
	}
	return total
}

// canonicalBody renders the body deterministically. JSON encoding of the
// Transaction struct has a fixed field order, so equal bodies always yield
// equal bytes across peers.
func canonicalBody(txs []Transaction) (string, error) {
	if txs == nil {
		txs = []Transaction{}
	}
	raw, err := json.Marshal(txs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBlockBodyEncoding, err)
	}
	return string(raw), nil
}
