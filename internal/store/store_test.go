package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teamTripCode/tc-validator-node/internal/core"
	"github.com/teamTripCode/tc-validator-node/internal/crypto"
	"github.com/teamTripCode/tc-validator-node/internal/registry"
)

func newTestKV(t *testing.T) *KV {
	t.Helper()
	srv := miniredis.RunT(t)
	kv, err := NewKV(context.Background(), "redis://"+srv.Addr(), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return kv
}

func forgedBlock(t *testing.T, parent *core.Block, body []core.Transaction) *core.Block {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	b := &core.Block{
		Index:      parent.Index + 1,
		Timestamp:  "2024-06-01T00:00:00.000Z",
		ParentHash: parent.Hash,
		Type:       core.BlockTypeTransaction,
		Body:       body,
		TotalFees:  core.SumFees(body),
	}
	require.NoError(t, core.Forge(b, kp))
	return b
}

func TestKV_BasicOps(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)

	pong, err := kv.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, "PONG", pong)

	require.NoError(t, kv.Set(ctx, "k", "v"))
	got, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	_, err = kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.HSet(ctx, "h", "f", "1"))
	exists, err := kv.HExists(ctx, "h", "f")
	require.NoError(t, err)
	assert.True(t, exists)
	require.NoError(t, kv.HDel(ctx, "h", "f"))
	_, err = kv.HGet(ctx, "h", "f")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKV_StreamGroupLifecycle(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)

	require.NoError(t, kv.StreamCreateGroup(ctx, "s", "g"))
	// Creating an existing group is not an error.
	require.NoError(t, kv.StreamCreateGroup(ctx, "s", "g"))

	id, err := kv.StreamAppend(ctx, "s", map[string]interface{}{"payload": "x"})
	require.NoError(t, err)

	batch, err := kv.StreamReadGroup(ctx, "s", "g", "c1", 10, 0, ">")
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, id, batch[0].ID)
	assert.Equal(t, "x", batch[0].Values["payload"])

	require.NoError(t, kv.StreamAck(ctx, "s", "g", id))
	batch, err = kv.StreamReadGroup(ctx, "s", "g", "c1", 10, 0, "0")
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestBlockStore_GenesisAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	bs := NewBlockStore(newTestKV(t), zap.NewNop().Sugar())

	require.NoError(t, bs.EnsureGenesis(ctx))
	// Idempotent.
	require.NoError(t, bs.EnsureGenesis(ctx))

	height, err := bs.GetChainHeight(ctx)
	require.NoError(t, err)
	assert.Zero(t, height)

	head, err := bs.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.GenesisBlock().Hash, head.Hash)
}

func TestBlockStore_SaveBlockIdempotentAndConflictSafe(t *testing.T) {
	ctx := context.Background()
	bs := NewBlockStore(newTestKV(t), zap.NewNop().Sugar())
	require.NoError(t, bs.EnsureGenesis(ctx))

	genesis, err := bs.Head(ctx)
	require.NoError(t, err)
	body := []core.Transaction{{Hash: "aa", From: "f", To: "t", Amount: 1, Fee: 10, Size: 10}}
	b := forgedBlock(t, genesis, body)

	require.NoError(t, bs.SaveBlock(ctx, b))
	require.NoError(t, bs.SaveBlock(ctx, b)) // same (height, hash): no-op

	conflicting := forgedBlock(t, genesis, nil)
	assert.ErrorIs(t, bs.SaveBlock(ctx, conflicting), ErrHeightConflict)

	height, err := bs.GetChainHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), height)

	byHash, err := bs.GetBlockByHash(ctx, b.Hash)
	require.NoError(t, err)
	assert.Equal(t, b.Hash, byHash.Hash)

	byHeight, err := bs.GetBlockByHeight(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, b.Hash, byHeight.Hash)

	_, err = bs.GetBlockByHash(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrBlockNotFound)
}

func TestBlockStore_PendingBlocks(t *testing.T) {
	ctx := context.Background()
	bs := NewBlockStore(newTestKV(t), zap.NewNop().Sugar())
	require.NoError(t, bs.EnsureGenesis(ctx))

	genesis, err := bs.Head(ctx)
	require.NoError(t, err)
	b1 := forgedBlock(t, genesis, nil)
	b2 := forgedBlock(t, b1, nil)

	require.NoError(t, bs.SavePendingBlock(ctx, b2))
	require.NoError(t, bs.SavePendingBlock(ctx, b1))

	pending, err := bs.GetPendingBlocks(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	// Ascending by height: the re-proposal order after a view change.
	assert.Equal(t, b1.Hash, pending[0].Hash)
	assert.Equal(t, b2.Hash, pending[1].Hash)

	require.NoError(t, bs.DeletePendingBlock(ctx, b1.Hash))
	pending, err = bs.GetPendingBlocks(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestLedger_ApplyBlockMovesFunds(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)
	l := NewLedger(kv, 50, 1000, zap.NewNop().Sugar())

	require.NoError(t, l.Credit(ctx, "alice", 500))
	b := &core.Block{
		Index:     1,
		Validator: "val1",
		Body: []core.Transaction{
			{Hash: "aa", From: "alice", To: "bob", Amount: 100, Fee: 10},
			{Hash: "bb", From: "alice", To: "carol", Amount: 1000, Fee: 10}, // no longer clears, skipped
		},
	}
	require.NoError(t, l.ApplyBlock(ctx, b))

	alice, err := l.BalanceOf(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(390), alice)

	bob, err := l.BalanceOf(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), bob)

	val, err := l.BalanceOf(ctx, "val1")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), val, "collected fees go to the forging validator")
}

func TestLedger_RewardBoundedBySupplyCap(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)
	l := NewLedger(kv, 50, 120, zap.NewNop().Sugar())

	require.NoError(t, l.DistributeReward(ctx, "val1"))
	require.NoError(t, l.DistributeReward(ctx, "val1"))
	// A third reward would exceed the cap of 120.
	assert.ErrorIs(t, l.DistributeReward(ctx, "val1"), ErrSupplyCapExhausted)

	balance, err := l.BalanceOf(ctx, "val1")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), balance)
}

func TestValidatorStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	vs := NewValidatorStore(newTestKV(t), zap.NewNop().Sugar())

	info := registry.ValidatorInfo{Address: "addr1", PublicKey: "pk1", Stake: 7, Status: registry.StatusActive}
	require.NoError(t, vs.PutValidator(ctx, info))

	rows, err := vs.ListValidators(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, info.Address, rows[0].Address)
	assert.Equal(t, info.PublicKey, rows[0].PublicKey)
}
