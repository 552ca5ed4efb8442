package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamTripCode/tc-validator-node/internal/crypto"
)

func testKeyPair(t *testing.T) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func TestComputeHash_Deterministic(t *testing.T) {
	b := &Block{
		Index:      1,
		Timestamp:  "2024-06-01T00:00:00.000Z",
		ParentHash: "abc",
		Type:       BlockTypeTransaction,
		Body:       []Transaction{{Hash: "aa", From: "f", To: "t", Amount: 1, Fee: 10, Size: 5}},
	}
	h1, err := ComputeHash(b)
	require.NoError(t, err)
	h2, err := ComputeHash(b)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestComputeHash_IgnoresSignature(t *testing.T) {
	b := &Block{Index: 2, Timestamp: "2024-06-01T00:00:00.000Z", ParentHash: "p", Body: []Transaction{}}
	before, err := ComputeHash(b)
	require.NoError(t, err)

	b.Signature = "deadbeef"
	after, err := ComputeHash(b)
	require.NoError(t, err)

	// The hash preimage always uses an empty signature component, so
	// signing never changes the sealed hash.
	assert.Equal(t, before, after)
}

func TestForge_SignsSealedHash(t *testing.T) {
	kp := testKeyPair(t)
	b := &Block{
		Index:      1,
		Timestamp:  NewTimestamp(time.Now()),
		ParentHash: "parent",
		Type:       BlockTypeTransaction,
		Body:       []Transaction{},
	}
	require.NoError(t, Forge(b, kp))

	assert.Equal(t, kp.Address, b.Validator)
	assert.NotEmpty(t, b.Signature)

	recomputed, err := ComputeHash(b)
	require.NoError(t, err)
	assert.Equal(t, recomputed, b.Hash)
	assert.True(t, crypto.Verify([]byte(b.Hash), b.Signature, kp.PublicKeyHex()))
}

func TestGenesisBlock_StableAcrossPeers(t *testing.T) {
	g1 := GenesisBlock()
	g2 := GenesisBlock()

	assert.Equal(t, int64(0), g1.Index)
	assert.Equal(t, GenesisParentHash, g1.ParentHash)
	assert.Equal(t, GenesisValidator, g1.Validator)
	assert.Equal(t, g1.Hash, g2.Hash)
}

func TestBlockKey_RoundTrip(t *testing.T) {
	key := BlockKey(42, "cafe")
	assert.Equal(t, "42:cafe", key)

	h, hash, ok := SplitBlockKey(key)
	require.True(t, ok)
	assert.Equal(t, int64(42), h)
	assert.Equal(t, "cafe", hash)

	_, _, ok = SplitBlockKey("notakey")
	assert.False(t, ok)
}

func TestSumFees(t *testing.T) {
	txs := []Transaction{{Fee: 10}, {Fee: 5}, {Fee: 7}}
	assert.Equal(t, uint64(22), SumFees(txs))
	assert.Zero(t, SumFees(nil))
}
