package consensus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/teamTripCode/tc-validator-node/internal/chain"
	"github.com/teamTripCode/tc-validator-node/internal/core"
	"github.com/teamTripCode/tc-validator-node/internal/metrics"
)

// handlePrePrepare runs the non-leader side of the first phase: open the
// round, authenticate the referenced block, and answer with a signed
// PREPARE. A block whose parent is missing is buffered, not rejected.
func (r *Replica) handlePrePrepare(ctx context.Context, m *core.ConsensusMessage) error {
	r.mu.Lock()
	currentView := r.currentView
	lastExecuted := r.lastExecutedBlock
	r.mu.Unlock()

	if m.View < currentView {
		r.drop(m, metrics.ReasonStaleView)
		return nil
	}
	if m.BlockHeight <= lastExecuted {
		r.drop(m, metrics.ReasonStaleView)
		return nil
	}

	snap, err := r.directory.Snapshot(m.View)
	if err != nil {
		r.drop(m, metrics.ReasonStaleView)
		return nil
	}
	leader, err := snap.LeaderOf(currentView)
	if err != nil || m.Validator != leader {
		r.drop(m, metrics.ReasonWrongLeader)
		return nil
	}

	key := m.Key()
	if !r.processing.add(key) {
		// Round already open; a redelivered PRE-PREPARE lands here.
		r.drop(m, metrics.ReasonDuplicate)
		return nil
	}
	r.prePrepares.add(m)

	block, err := r.lookupBlock(ctx, m.BlockHash)
	if err != nil {
		if errors.Is(err, core.ErrBlockNotFound) {
			// The proposal body never reached this node. Abandon the round;
			// the view-change path re-proposes unfinalized heights.
			r.logger.Warnw("pre-prepare references unknown block, abandoning round",
				"key", key, "leader", m.Validator)
			r.abandonRound(key)
			return nil
		}
		r.processing.remove(key)
		return err
	}

	parent, err := r.blocks.GetBlockByHeight(ctx, m.BlockHeight-1)
	if err != nil && !errors.Is(err, core.ErrBlockNotFound) {
		r.processing.remove(key)
		return err
	}

	if err := r.auth.Verify(block, parent, snap); err != nil {
		if errors.Is(err, chain.ErrUnknownParent) {
			// Not fatal: park the block and retry once the parent gap heals.
			r.bufferPendingParent(block)
			r.logger.Infow("buffered block pending parent recovery",
				"key", key, "parent", block.ParentHash)
			return nil
		}
		r.logger.Warnw("rejected proposed block", "key", key, "err", err)
		r.abandonRound(key)
		return nil
	}

	return r.sendPrepare(ctx, m.BlockHeight, m.BlockHash, currentView)
}

// handlePrepare stores the witness and broadcasts this replica's COMMIT
// exactly once per round once the PREPARE quorum is reached.
func (r *Replica) handlePrepare(ctx context.Context, m *core.ConsensusMessage) error {
	if stale := r.staleForPhase(m); stale != "" {
		r.drop(m, stale)
		return nil
	}
	if !r.prepares.add(m) {
		r.drop(m, metrics.ReasonDuplicate)
		return nil
	}

	snap, err := r.directory.Snapshot(m.View)
	if err != nil {
		return nil
	}
	key := m.Key()
	if r.prepares.count(key) < snap.Quorum() {
		return nil
	}

	r.mu.Lock()
	marker := fmt.Sprintf("%s@%d", key, r.currentView)
	if _, sent := r.sentCommit[marker]; sent {
		r.mu.Unlock()
		return nil
	}
	r.sentCommit[marker] = struct{}{}
	view := r.currentView
	r.mu.Unlock()

	return r.sendCommit(ctx, m.BlockHeight, m.BlockHash, view)
}

// handleCommit stores the witness and finalizes once both quorums hold.
// COMMIT only counts when the PREPARE quorum has also been observed.
func (r *Replica) handleCommit(ctx context.Context, m *core.ConsensusMessage) error {
	if stale := r.staleForPhase(m); stale != "" {
		r.drop(m, stale)
		return nil
	}
	if !r.commits.add(m) {
		r.drop(m, metrics.ReasonDuplicate)
		return nil
	}

	snap, err := r.directory.Snapshot(m.View)
	if err != nil {
		return nil
	}
	key := m.Key()
	if r.commits.count(key) < snap.Quorum() || r.prepares.count(key) < snap.Quorum() {
		return nil
	}
	return r.finalize(ctx, m.BlockHeight, m.BlockHash)
}

// finalize irrevocably commits (height, hash): persist the block, apply the
// state transition, distribute the reward, and release every per-round
// resource. Re-finalizing an executed height is a no-op, which makes the
// whole path idempotent under stream redelivery.
func (r *Replica) finalize(ctx context.Context, height int64, hash string) error {
	r.mu.Lock()
	if height <= r.lastExecutedBlock {
		r.mu.Unlock()
		return nil
	}
	viewChanging := r.isViewChanging
	r.mu.Unlock()

	key := core.BlockKey(height, hash)
	block, err := r.lookupBlock(ctx, hash)
	if err != nil {
		if errors.Is(err, core.ErrBlockNotFound) {
			r.logger.Errorw("INVARIANT BREACH: committed block not retrievable from store",
				"key", key)
			return fmt.Errorf("%w: %s", ErrFinalizeUnavailable, key)
		}
		return err
	}

	if err := r.blocks.SaveBlock(ctx, block); err != nil {
		// Fatal to the round; never partial-finalize. The error leaves the
		// stream entry unacknowledged. A redelivered COMMIT that is already
		// in the table is dropped as a duplicate, so only a COMMIT from a
		// validator not yet counted runs finalization for this key again.
		r.logger.Errorw("store write failed during finalization", "key", key, "err", err)
		return fmt.Errorf("%w: %v", ErrFinalizeWrite, err)
	}
	if err := r.ledger.ApplyBlock(ctx, block); err != nil {
		r.logger.Errorw("state application failed", "key", key, "err", err)
		return err
	}
	if !viewChanging {
		if err := r.ledger.DistributeReward(ctx, block.Validator); err != nil {
			r.logger.Warnw("block reward not distributed", "key", key, "err", err)
		}
	}
	if err := r.blocks.DeletePendingBlock(ctx, hash); err != nil {
		r.logger.Warnw("failed to clear pending block", "hash", hash, "err", err)
	}

	r.mu.Lock()
	if height > r.lastExecutedBlock {
		r.lastExecutedBlock = height
	}
	prefix := key + "@"
	for marker := range r.sentPrepare {
		if strings.HasPrefix(marker, prefix) {
			delete(r.sentPrepare, marker)
		}
	}
	for marker := range r.sentCommit {
		if strings.HasPrefix(marker, prefix) {
			delete(r.sentCommit, marker)
		}
	}
	r.mu.Unlock()

	r.processing.remove(key)
	r.prePrepares.drop(key)
	r.prepares.drop(key)
	r.commits.drop(key)

	hashes := make([]string, 0, len(block.Body))
	for i := range block.Body {
		hashes = append(hashes, block.Body[i].Hash)
	}
	if len(hashes) > 0 {
		r.pool.Remove(hashes...)
	}

	if r.metrics != nil {
		r.metrics.FinalizedBlocks.Inc()
	}
	r.logger.Infow("block finalized", "height", height, "hash", hash, "txs", len(block.Body))
	select {
	case r.finalizedCh <- block:
	default:
	}
	return nil
}

// sendPrepare broadcasts this replica's PREPARE for a round exactly once
// per view. The message is also enqueued locally so the stream consumer
// applies it to our own tables.
func (r *Replica) sendPrepare(ctx context.Context, height int64, hash string, view uint64) error {
	key := core.BlockKey(height, hash)
	r.mu.Lock()
	marker := fmt.Sprintf("%s@%d", key, view)
	if _, sent := r.sentPrepare[marker]; sent {
		r.mu.Unlock()
		return nil
	}
	r.sentPrepare[marker] = struct{}{}
	r.mu.Unlock()

	m := &core.ConsensusMessage{
		Type:        core.MsgPrepare,
		BlockHeight: height,
		BlockHash:   hash,
		View:        view,
	}
	if err := m.Sign(r.signer); err != nil {
		return err
	}
	if err := r.net.Broadcast(m); err != nil {
		r.logger.Warnw("prepare broadcast failed", "key", key, "err", err)
	}
	return r.queue.Enqueue(ctx, m)
}

// sendCommit broadcasts this replica's COMMIT. Callers hold the
// once-per-round marker; this only builds, signs, ships and enqueues.
func (r *Replica) sendCommit(ctx context.Context, height int64, hash string, view uint64) error {
	m := &core.ConsensusMessage{
		Type:        core.MsgCommit,
		BlockHeight: height,
		BlockHash:   hash,
		View:        view,
	}
	if err := m.Sign(r.signer); err != nil {
		return err
	}
	if err := r.net.Broadcast(m); err != nil {
		r.logger.Warnw("commit broadcast failed", "key", m.Key(), "err", err)
	}
	return r.queue.Enqueue(ctx, m)
}

// staleForPhase applies the common PREPARE/COMMIT staleness rules.
func (r *Replica) staleForPhase(m *core.ConsensusMessage) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.View < r.currentView {
		return metrics.ReasonStaleView
	}
	if m.BlockHeight <= r.lastExecutedBlock {
		return metrics.ReasonStaleView
	}
	return ""
}

// lookupBlock resolves a hash from the pending buffer first, then the
// finalized chain.
func (r *Replica) lookupBlock(ctx context.Context, hash string) (*core.Block, error) {
	b, err := r.blocks.GetPendingBlock(ctx, hash)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, core.ErrBlockNotFound) {
		return nil, err
	}
	return r.blocks.GetBlockByHash(ctx, hash)
}

// abandonRound releases every per-round resource without finalizing.
func (r *Replica) abandonRound(key string) {
	r.processing.remove(key)
	r.prePrepares.drop(key)
	r.prepares.drop(key)
	r.commits.drop(key)
}

// bufferPendingParent parks a block until its parent is locally known. The
// round stays open; the round tick retries the gap.
func (r *Replica) bufferPendingParent(b *core.Block) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingParents[b.Hash] = b
}

// retryPendingParents re-runs verification for parked blocks whose parent
// may have arrived since. Successful blocks continue into the PREPARE path.
func (r *Replica) retryPendingParents(ctx context.Context) {
	r.mu.Lock()
	parked := make([]*core.Block, 0, len(r.pendingParents))
	for _, b := range r.pendingParents {
		parked = append(parked, b)
	}
	view := r.currentView
	r.mu.Unlock()

	for _, b := range parked {
		parent, err := r.blocks.GetBlockByHeight(ctx, b.Index-1)
		if err != nil {
			continue
		}
		snap, err := r.directory.Snapshot(view)
		if err != nil {
			continue
		}
		if err := r.auth.Verify(b, parent, snap); err != nil {
			if errors.Is(err, chain.ErrUnknownParent) {
				continue
			}
			r.logger.Warnw("parked block failed verification after parent recovery",
				"hash", b.Hash, "err", err)
			r.mu.Lock()
			delete(r.pendingParents, b.Hash)
			r.mu.Unlock()
			r.abandonRound(b.Key())
			continue
		}
		r.mu.Lock()
		delete(r.pendingParents, b.Hash)
		r.mu.Unlock()
		if err := r.sendPrepare(ctx, b.Index, b.Hash, view); err != nil {
			r.logger.Warnw("prepare after parent recovery failed", "hash", b.Hash, "err", err)
		}
	}
}
