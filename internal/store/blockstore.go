package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/teamTripCode/tc-validator-node/internal/core"
)

// Persisted key layout. The layout is part of the contract with operator
// tooling and other services reading the same Redis instance.
const (
	keyBlocks        = "blockchain:blocks"
	keyHeight        = "blockchain:height"
	keyHeightPrefix  = "blockchain:height:"
	keyTxIndex       = "blockchain:tx-index"
	keySnapshots     = "blockchain:snapshots"
	keyPendingBlocks = "blockchain:pending-blocks"
	keyState         = "blockchain:state"
	keyValidators    = "validators"
	keyPeers         = "validatorPeers"
	keySupply        = "tripcoin:supply"
)

// Custom errors for the block store.
var (
	ErrBlockNotFound  = core.ErrBlockNotFound
	ErrBlockEncoding  = errors.New("failed to encode block")
	ErrHeightCorrupt  = errors.New("chain height record is corrupt")
	ErrEmptyChain     = errors.New("chain has no blocks")
	ErrHeightConflict = errors.New("conflicting block already stored at height")
)

// snapshotEvery controls how often a chain snapshot row is persisted.
const snapshotEvery = 1000

// BlockStore persists blocks, the chain head, and chain snapshots in the
// durable KV under the bit-exact key layout above. SaveBlock is idempotent
// on (height, hash), which the replica's finalization relies on.
type BlockStore struct {
	kv     *KV
	logger *zap.SugaredLogger
}

// Snapshot is the periodic chain checkpoint row.
type Snapshot struct {
	Height    int64  `json:"height"`
	Hash      string `json:"hash"`
	Timestamp string `json:"timestamp"`
}

// NewBlockStore wraps the KV with block persistence.
func NewBlockStore(kv *KV, logger *zap.SugaredLogger) *BlockStore {
	return &BlockStore{kv: kv, logger: logger.Named("blockstore")}
}

// EnsureGenesis writes the deterministic genesis block when the chain is
// empty. Called once at startup before consensus begins.
func (bs *BlockStore) EnsureGenesis(ctx context.Context) error {
	if _, err := bs.GetChainHeight(ctx); err == nil {
		return nil
	} else if !errors.Is(err, ErrEmptyChain) {
		return err
	}
	genesis := core.GenesisBlock()
	if err := bs.SaveBlock(ctx, genesis); err != nil {
		return fmt.Errorf("failed to persist genesis block: %w", err)
	}
	bs.logger.Infow("genesis block created", "hash", genesis.Hash)
	return nil
}

// GetBlockByHash fetches a finalized block by hash.
func (bs *BlockStore) GetBlockByHash(ctx context.Context, hash string) (*core.Block, error) {
	raw, err := bs.kv.HGet(ctx, keyBlocks, hash)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeBlock(raw)
}

// GetBlockByHeight fetches a finalized block by height.
func (bs *BlockStore) GetBlockByHeight(ctx context.Context, height int64) (*core.Block, error) {
	hash, err := bs.kv.Get(ctx, keyHeightPrefix+strconv.FormatInt(height, 10))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}
	return bs.GetBlockByHash(ctx, hash)
}

// GetChainHeight returns the latest finalized height.
func (bs *BlockStore) GetChainHeight(ctx context.Context) (int64, error) {
	raw, err := bs.kv.Get(ctx, keyHeight)
	if errors.Is(err, ErrNotFound) {
		return 0, ErrEmptyChain
	}
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrHeightCorrupt, raw)
	}
	return height, nil
}

// Head returns the block at the current chain height.
func (bs *BlockStore) Head(ctx context.Context) (*core.Block, error) {
	height, err := bs.GetChainHeight(ctx)
	if err != nil {
		return nil, err
	}
	return bs.GetBlockByHeight(ctx, height)
}

// SaveBlock persists a finalized block and advances the chain head.
// Saving the same (height, hash) twice is a no-op; a different hash at an
// occupied height is refused.
func (bs *BlockStore) SaveBlock(ctx context.Context, b *core.Block) error {
	heightKey := keyHeightPrefix + strconv.FormatInt(b.Index, 10)
	if existing, err := bs.kv.Get(ctx, heightKey); err == nil {
		if existing == b.Hash {
			return nil
		}
		return fmt.Errorf("%w: height %d has %s", ErrHeightConflict, b.Index, existing)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockEncoding, err)
	}
	if err := bs.kv.HSet(ctx, keyBlocks, b.Hash, string(raw)); err != nil {
		return err
	}
	if err := bs.kv.Set(ctx, heightKey, b.Hash); err != nil {
		return err
	}
	for i := range b.Body {
		if err := bs.kv.HSet(ctx, keyTxIndex, b.Body[i].Hash, b.Hash); err != nil {
			return err
		}
	}

	current, err := bs.GetChainHeight(ctx)
	if err != nil && !errors.Is(err, ErrEmptyChain) {
		return err
	}
	if errors.Is(err, ErrEmptyChain) || b.Index > current {
		if err := bs.kv.Set(ctx, keyHeight, strconv.FormatInt(b.Index, 10)); err != nil {
			return err
		}
	}

	if b.Index > 0 && b.Index%snapshotEvery == 0 {
		snap, err := json.Marshal(Snapshot{Height: b.Index, Hash: b.Hash, Timestamp: b.Timestamp})
		if err == nil {
			if err := bs.kv.HSet(ctx, keySnapshots, strconv.FormatInt(b.Index, 10), string(snap)); err != nil {
				bs.logger.Warnw("failed to persist chain snapshot", "height", b.Index, "err", err)
			}
		}
	}
	return nil
}

// SavePendingBlock parks a proposed but not yet finalized block.
func (bs *BlockStore) SavePendingBlock(ctx context.Context, b *core.Block) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockEncoding, err)
	}
	return bs.kv.HSet(ctx, keyPendingBlocks, b.Hash, string(raw))
}

// GetPendingBlock fetches a parked proposal by hash.
func (bs *BlockStore) GetPendingBlock(ctx context.Context, hash string) (*core.Block, error) {
	raw, err := bs.kv.HGet(ctx, keyPendingBlocks, hash)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeBlock(raw)
}

// DeletePendingBlock drops a parked proposal once finalized or abandoned.
func (bs *BlockStore) DeletePendingBlock(ctx context.Context, hash string) error {
	return bs.kv.HDel(ctx, keyPendingBlocks, hash)
}

// GetPendingBlocks lists parked proposals at or above fromHeight, ascending
// by height. This is the re-proposal source after a view change.
func (bs *BlockStore) GetPendingBlocks(ctx context.Context, fromHeight int64) ([]*core.Block, error) {
	rows, err := bs.kv.HGetAll(ctx, keyPendingBlocks)
	if err != nil {
		return nil, err
	}
	var out []*core.Block
	for _, raw := range rows {
		b, err := decodeBlock(raw)
		if err != nil {
			bs.logger.Warnw("skipping undecodable pending block", "err", err)
			continue
		}
		if b.Index >= fromHeight {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// GetRecentBlocks returns the n most recent finalized blocks, newest first.
// The registry does not call it; it reads only the validators hash.
func (bs *BlockStore) GetRecentBlocks(ctx context.Context, n int) ([]*core.Block, error) {
	height, err := bs.GetChainHeight(ctx)
	if err != nil {
		if errors.Is(err, ErrEmptyChain) {
			return nil, nil
		}
		return nil, err
	}
	var out []*core.Block
	for h := height; h >= 0 && len(out) < n; h-- {
		b, err := bs.GetBlockByHeight(ctx, h)
		if err != nil {
			return out, err
		}
		out = append(out, b)
	}
	return out, nil
}

func decodeBlock(raw string) (*core.Block, error) {
	var b core.Block
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlockEncoding, err)
	}
	return &b, nil
}
