package consensus

import (
	"context"

	"github.com/teamTripCode/tc-validator-node/internal/core"
	"github.com/teamTripCode/tc-validator-node/internal/metrics"
)

// onViewTimeout fires when the current leader has been silent for the full
// view-change timeout. Primaries never suspect themselves.
func (r *Replica) onViewTimeout() {
	r.mu.Lock()
	primary := r.isPrimary
	target := r.currentView + 1
	r.mu.Unlock()
	if primary {
		return
	}
	r.logger.Infow("leader silent beyond timeout, starting view change", "target", target)
	r.startViewChange(context.Background(), target)
}

// startViewChange begins (or escalates) assembly of a view transition to
// target. It stores and ships this replica's VIEW_CHANGE and arms the
// completion timer.
func (r *Replica) startViewChange(ctx context.Context, target uint64) {
	r.mu.Lock()
	if target <= r.currentView || (r.isViewChanging && target <= r.targetView) {
		r.mu.Unlock()
		return
	}
	r.isViewChanging = true
	r.targetView = target
	view := r.currentView
	lastExecuted := r.lastExecutedBlock
	r.mu.Unlock()

	m := &core.ConsensusMessage{
		Type:               core.MsgViewChange,
		BlockHeight:        lastExecuted,
		View:               view,
		NewView:            target,
		LastPreparedSeqNum: lastExecuted,
		ViewChangeProof:    []string{},
	}
	if err := m.Sign(r.signer); err != nil {
		r.logger.Errorw("failed to sign view change", "err", err)
		return
	}
	r.viewChanges.add(m)
	if err := r.net.Broadcast(m); err != nil {
		r.logger.Warnw("view change broadcast failed", "target", target, "err", err)
	}
	if err := r.queue.Enqueue(ctx, m); err != nil {
		r.logger.Warnw("view change enqueue failed", "target", target, "err", err)
	}

	r.timerMu.Lock()
	if r.escalateTimer != nil {
		r.escalateTimer.Stop()
	}
	r.escalateTimer = r.clock.AfterFunc(r.viewChangeTimeout, func() {
		r.completeOrEscalate(context.Background())
	})
	r.timerMu.Unlock()
}

// completeOrEscalate checks the assembly when the secondary timer fires:
// with a quorum of VIEW_CHANGEs the transition completes, otherwise the
// target view is incremented and assembly restarts.
func (r *Replica) completeOrEscalate(ctx context.Context) {
	r.mu.Lock()
	if !r.isViewChanging {
		r.mu.Unlock()
		return
	}
	target := r.targetView
	r.mu.Unlock()

	snap, err := r.directory.Snapshot(target)
	if err != nil {
		r.logger.Warnw("view change stalled on registry snapshot", "target", target, "err", err)
		return
	}
	if r.viewChanges.count(target) >= snap.Quorum() {
		r.completeViewChange(ctx, target)
		return
	}
	r.logger.Infow("view change quorum not reached, escalating",
		"target", target, "have", r.viewChanges.count(target), "need", snap.Quorum())
	r.mu.Lock()
	r.isViewChanging = false // allow startViewChange to re-enter for target+1
	r.mu.Unlock()
	r.startViewChange(ctx, target+1)
}

// completeViewChange installs the new view, recomputes leadership, and —
// when this replica is the incoming primary — emits NEW_VIEW and re-proposes
// every unfinalized pending block in ascending height order.
func (r *Replica) completeViewChange(ctx context.Context, target uint64) {
	snap, err := r.directory.Snapshot(target)
	if err != nil {
		return
	}
	leader, err := snap.LeaderOf(target)
	if err != nil {
		return
	}

	r.mu.Lock()
	if target <= r.currentView {
		r.mu.Unlock()
		return
	}
	r.currentView = target
	r.isPrimary = leader == r.signer.Address
	r.isViewChanging = false
	primary := r.isPrimary
	lastExecuted := r.lastExecutedBlock
	r.mu.Unlock()

	proofs := r.viewChanges.messages(target)
	r.directory.AdvanceView(target)
	r.viewChanges.dropThrough(target)
	if r.metrics != nil {
		r.metrics.ViewChanges.Inc()
	}
	r.logger.Infow("view change complete", "view", target, "leader", leader, "primary", primary)

	if !primary {
		r.resetViewTimer()
		return
	}
	r.stopViewTimer()
	if err := r.emitNewView(ctx, target, lastExecuted, proofs); err != nil {
		r.logger.Errorw("failed to emit new view", "view", target, "err", err)
	}
}

// emitNewView ships the NEW_VIEW certificate (the collected VIEW_CHANGE
// proofs plus PRE-PREPAREs for every unfinalized pending block) and then
// re-proposes those blocks through the ordinary announcement path.
func (r *Replica) emitNewView(ctx context.Context, view uint64, lastExecuted int64, proofs []*core.ConsensusMessage) error {
	pending, err := r.blocks.GetPendingBlocks(ctx, lastExecuted+1)
	if err != nil {
		return err
	}

	prePrepares := make([]*core.ConsensusMessage, 0, len(pending))
	for _, b := range pending {
		pp := &core.ConsensusMessage{
			Type:        core.MsgPrePrepare,
			BlockHeight: b.Index,
			BlockHash:   b.Hash,
			View:        view,
		}
		if err := pp.Sign(r.signer); err != nil {
			return err
		}
		prePrepares = append(prePrepares, pp)
	}

	m := &core.ConsensusMessage{
		Type:               core.MsgNewView,
		View:               view,
		ViewChangeMessages: proofs,
		PrePrepareMessages: prePrepares,
	}
	if err := m.Sign(r.signer); err != nil {
		return err
	}
	if err := r.net.Broadcast(m); err != nil {
		r.logger.Warnw("new view broadcast failed", "view", view, "err", err)
	}

	for _, b := range pending {
		if err := r.announce(ctx, b, view); err != nil {
			r.logger.Warnw("re-proposal failed", "height", b.Index, "err", err)
		}
	}
	return nil
}

// handleViewChange stores a VIEW_CHANGE witness. A target higher than the
// one currently being assembled supersedes it.
func (r *Replica) handleViewChange(ctx context.Context, m *core.ConsensusMessage) error {
	r.mu.Lock()
	currentView := r.currentView
	viewChanging := r.isViewChanging
	targetView := r.targetView
	r.mu.Unlock()

	if m.NewView <= currentView {
		r.drop(m, metrics.ReasonStaleView)
		return nil
	}
	if !r.viewChanges.add(m) {
		r.drop(m, metrics.ReasonDuplicate)
		return nil
	}

	if viewChanging && m.NewView > targetView {
		r.mu.Lock()
		r.isViewChanging = false
		r.mu.Unlock()
		r.startViewChange(ctx, m.NewView)
	}
	return nil
}

// handleNewView validates the incoming leader's certificate, adopts the new
// view, and replays the included PRE-PREPAREs through the ordinary handler.
func (r *Replica) handleNewView(ctx context.Context, m *core.ConsensusMessage) error {
	snap, err := r.directory.Snapshot(m.View)
	if err != nil {
		r.drop(m, metrics.ReasonStaleView)
		return nil
	}
	leader, err := snap.LeaderOf(m.View)
	if err != nil || m.Validator != leader {
		r.drop(m, metrics.ReasonWrongLeader)
		return nil
	}

	// The certificate must carry a quorum of distinct, validly signed
	// VIEW_CHANGEs targeting this view.
	distinct := make(map[string]struct{}, len(m.ViewChangeMessages))
	for _, vc := range m.ViewChangeMessages {
		if vc.Type != core.MsgViewChange || vc.NewView != m.View {
			continue
		}
		pub, ok := snap.PublicKeyOf(vc.Validator)
		if !ok || !vc.VerifySignature(pub) {
			continue
		}
		distinct[vc.Validator] = struct{}{}
	}
	if len(distinct) < snap.Quorum() {
		r.drop(m, metrics.ReasonMalformed)
		return nil
	}

	r.mu.Lock()
	if m.View <= r.currentView {
		r.mu.Unlock()
		r.drop(m, metrics.ReasonStaleView)
		return nil
	}
	r.currentView = m.View
	r.isViewChanging = false
	r.isPrimary = leader == r.signer.Address
	primary := r.isPrimary
	r.mu.Unlock()

	r.directory.AdvanceView(m.View)
	r.viewChanges.dropThrough(m.View)
	if r.metrics != nil {
		r.metrics.ViewChanges.Inc()
	}
	if !primary {
		r.resetViewTimer()
	}
	r.logger.Infow("adopted new view", "view", m.View, "leader", leader)

	for _, pp := range m.PrePrepareMessages {
		if pp.Type != core.MsgPrePrepare {
			continue
		}
		if err := r.handlePrePrepare(ctx, pp); err != nil {
			r.logger.Warnw("replayed pre-prepare failed", "key", pp.Key(), "err", err)
		}
	}
	return nil
}
