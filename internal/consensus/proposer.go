package consensus

import (
	"context"

	"github.com/teamTripCode/tc-validator-node/internal/core"
	"github.com/teamTripCode/tc-validator-node/internal/registry"
)

// roundTick fires every round interval while the process runs. Standby
// nodes do nothing; active non-leaders retry parked parent gaps; the leader
// proposes.
func (r *Replica) roundTick(ctx context.Context) {
	if r.directory.SelfStatus() != registry.StatusActive {
		return
	}
	r.retryPendingParents(ctx)

	r.mu.Lock()
	primary := r.isPrimary
	viewChanging := r.isViewChanging
	r.mu.Unlock()
	if !primary || viewChanging {
		return
	}
	if err := r.propose(ctx); err != nil {
		r.logger.Warnw("block proposal failed", "err", err)
	}
}

// propose assembles a candidate block from the mempool on top of the chain
// head, forges it, and opens the round with a broadcast PRE-PREPARE. The
// message is also enqueued so this replica's own tables are updated through
// the same consumed path as everyone else's.
func (r *Replica) propose(ctx context.Context) error {
	head, err := r.headBlock(ctx)
	if err != nil {
		return err
	}
	height := head.Index + 1

	r.mu.Lock()
	if r.processingHeight(height) {
		r.mu.Unlock()
		return nil
	}
	view := r.currentView
	r.mu.Unlock()

	txs := r.pool.Pick(r.maxBlockTx)
	block := &core.Block{
		Index:      height,
		Timestamp:  core.NewTimestamp(r.clock.Now()),
		ParentHash: head.Hash,
		Type:       core.BlockTypeTransaction,
		Body:       txs,
		TotalFees:  core.SumFees(txs),
	}
	if err := core.Forge(block, r.signer); err != nil {
		return err
	}
	if err := r.blocks.SavePendingBlock(ctx, block); err != nil {
		return err
	}
	if err := r.net.BroadcastProposal(block); err != nil {
		r.logger.Warnw("proposal body broadcast failed", "hash", block.Hash, "err", err)
	}
	return r.announce(ctx, block, view)
}

// announce broadcasts and enqueues a signed PRE-PREPARE for a forged block.
// Used by the regular proposal path and the post-view-change re-proposal.
func (r *Replica) announce(ctx context.Context, block *core.Block, view uint64) error {
	m := &core.ConsensusMessage{
		Type:        core.MsgPrePrepare,
		BlockHeight: block.Index,
		BlockHash:   block.Hash,
		View:        view,
	}
	if err := m.Sign(r.signer); err != nil {
		return err
	}
	if err := r.net.Broadcast(m); err != nil {
		r.logger.Warnw("pre-prepare broadcast failed", "key", m.Key(), "err", err)
	}
	if err := r.queue.Enqueue(ctx, m); err != nil {
		return err
	}
	r.logger.Infow("proposed block", "height", block.Index, "hash", block.Hash,
		"view", view, "txs", len(block.Body))
	return nil
}

// processingHeight reports whether a round at height is already open or
// parked. Caller holds mu.
func (r *Replica) processingHeight(height int64) bool {
	if r.processing.containsHeight(height) {
		return true
	}
	for _, b := range r.pendingParents {
		if b.Index == height {
			return true
		}
	}
	return false
}

// headBlock fetches the block at the stored chain height.
func (r *Replica) headBlock(ctx context.Context) (*core.Block, error) {
	height, err := r.blocks.GetChainHeight(ctx)
	if err != nil {
		return nil, err
	}
	return r.blocks.GetBlockByHeight(ctx, height)
}
