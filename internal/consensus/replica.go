package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/teamTripCode/tc-validator-node/internal/chain"
	"github.com/teamTripCode/tc-validator-node/internal/core"
	"github.com/teamTripCode/tc-validator-node/internal/crypto"
	"github.com/teamTripCode/tc-validator-node/internal/metrics"
	"github.com/teamTripCode/tc-validator-node/internal/registry"
)

// Custom errors for the replica.
var (
	ErrInvalidReplicaConfig = errors.New("invalid replica configuration")
	ErrFinalizeUnavailable  = errors.New("finalized block not retrievable from store")
	ErrFinalizeWrite        = errors.New("store write failed during finalization")
)

// Defaults for the replica's timers.
const (
	DefaultRoundInterval     = 5 * time.Second
	DefaultViewChangeTimeout = 10 * time.Second
	DefaultMaxBlockTx        = 100
)

// BlockSource is the block-store contract the replica requires.
type BlockSource interface {
	GetBlockByHash(ctx context.Context, hash string) (*core.Block, error)
	GetBlockByHeight(ctx context.Context, height int64) (*core.Block, error)
	GetChainHeight(ctx context.Context) (int64, error)
	SaveBlock(ctx context.Context, b *core.Block) error
	SavePendingBlock(ctx context.Context, b *core.Block) error
	GetPendingBlock(ctx context.Context, hash string) (*core.Block, error)
	DeletePendingBlock(ctx context.Context, hash string) error
	GetPendingBlocks(ctx context.Context, fromHeight int64) ([]*core.Block, error)
}

// TxPool is the mempool contract the replica requires.
type TxPool interface {
	Pick(maxN int) []core.Transaction
	Remove(hashes ...string)
}

// Enqueuer appends messages to the durable consensus stream.
type Enqueuer interface {
	Enqueue(ctx context.Context, m *core.ConsensusMessage) error
}

// Ledger applies finalized blocks and distributes the block reward.
type Ledger interface {
	ApplyBlock(ctx context.Context, b *core.Block) error
	DistributeReward(ctx context.Context, validator string) error
}

// Directory is the validator-registry contract the replica requires.
type Directory interface {
	Snapshot(view uint64) (*registry.ValidatorSet, error)
	SelfStatus() registry.Status
	SelfAddress() string
	Touch(addr string)
	AdvanceView(view uint64)
}

// Broadcaster pushes consensus traffic to every connected peer. The
// gateway supplies this capability at construction; the replica never
// imports the gateway.
type Broadcaster interface {
	Broadcast(m *core.ConsensusMessage) error
	BroadcastProposal(b *core.Block) error
}

// Replica is the PBFT state machine: three-phase agreement, view change,
// leader proposal and block finalization.
//
// Locking: the view state (currentView, isPrimary, isViewChanging,
// lastExecutedBlock and the broadcast markers) is guarded by mu; each
// message table carries its own lock. Locks are held only across table
// mutation and the quorum check — broadcast and store I/O always happen
// after release.
type Replica struct {
	mu                sync.Mutex
	currentView       uint64
	isPrimary         bool
	isViewChanging    bool
	targetView        uint64
	lastExecutedBlock int64
	sentPrepare       map[string]struct{}
	sentCommit        map[string]struct{}
	pendingParents    map[string]*core.Block

	processing  *keySet
	prePrepares *phaseTable
	prepares    *phaseTable
	commits     *phaseTable
	viewChanges *viewChangeTable

	directory Directory
	pool      TxPool
	blocks    BlockSource
	auth      *chain.Authenticator
	queue     Enqueuer
	net       Broadcaster
	ledger    Ledger
	signer    *crypto.KeyPair

	roundInterval     time.Duration
	viewChangeTimeout time.Duration
	maxBlockTx        int

	viewTimer      *clock.Timer
	escalateTimer  *clock.Timer
	timerMu        sync.Mutex
	clock          clock.Clock
	logger         *zap.SugaredLogger
	metrics        *metrics.Metrics
	finalizedCh    chan *core.Block
	startOnce      sync.Once
	wg             sync.WaitGroup
}

// Config for the replica.
type Config struct {
	Directory Directory
	Pool      TxPool
	Blocks    BlockSource
	Auth      *chain.Authenticator
	Queue     Enqueuer
	Net       Broadcaster
	Ledger    Ledger
	Signer    *crypto.KeyPair

	RoundInterval     time.Duration
	ViewChangeTimeout time.Duration
	MaxBlockTx        int

	Clock   clock.Clock
	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
}

// New creates a replica at view 0.
func New(cfg Config) (*Replica, error) {
	if cfg.Directory == nil || cfg.Pool == nil || cfg.Blocks == nil || cfg.Auth == nil ||
		cfg.Queue == nil || cfg.Net == nil || cfg.Ledger == nil || cfg.Signer == nil {
		return nil, fmt.Errorf("%w: all collaborators must be provided", ErrInvalidReplicaConfig)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger must be provided", ErrInvalidReplicaConfig)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.RoundInterval <= 0 {
		cfg.RoundInterval = DefaultRoundInterval
	}
	if cfg.ViewChangeTimeout <= 0 {
		cfg.ViewChangeTimeout = DefaultViewChangeTimeout
	}
	if cfg.MaxBlockTx <= 0 {
		cfg.MaxBlockTx = DefaultMaxBlockTx
	}
	r := &Replica{
		sentPrepare:       make(map[string]struct{}),
		sentCommit:        make(map[string]struct{}),
		pendingParents:    make(map[string]*core.Block),
		processing:        newKeySet(),
		prePrepares:       newPhaseTable(),
		prepares:          newPhaseTable(),
		commits:           newPhaseTable(),
		viewChanges:       newViewChangeTable(),
		directory:         cfg.Directory,
		pool:              cfg.Pool,
		blocks:            cfg.Blocks,
		auth:              cfg.Auth,
		queue:             cfg.Queue,
		net:               cfg.Net,
		ledger:            cfg.Ledger,
		signer:            cfg.Signer,
		roundInterval:     cfg.RoundInterval,
		viewChangeTimeout: cfg.ViewChangeTimeout,
		maxBlockTx:        cfg.MaxBlockTx,
		clock:             cfg.Clock,
		logger:            cfg.Logger.Named("replica"),
		metrics:           cfg.Metrics,
		finalizedCh:       make(chan *core.Block, 16),
	}
	return r, nil
}

// Finalized exposes the finalized-block event stream. Slow consumers miss
// events rather than blocking finalization.
func (r *Replica) Finalized() <-chan *core.Block { return r.finalizedCh }

// CurrentView reports the replica's view.
func (r *Replica) CurrentView() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentView
}

// IsPrimary reports whether this replica leads the current view.
func (r *Replica) IsPrimary() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isPrimary
}

// LastExecutedBlock reports the highest finalized height.
func (r *Replica) LastExecutedBlock() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastExecutedBlock
}

// Bootstrap aligns the replica with the stored chain and computes the
// initial leadership for view 0. Called once before Run.
func (r *Replica) Bootstrap(ctx context.Context) error {
	height, err := r.blocks.GetChainHeight(ctx)
	if err != nil {
		return err
	}
	snap, err := r.directory.Snapshot(0)
	if err != nil {
		return err
	}
	leader, err := snap.LeaderOf(0)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.lastExecutedBlock = height
	r.isPrimary = leader == r.signer.Address
	primary := r.isPrimary
	r.mu.Unlock()

	if !primary {
		r.resetViewTimer()
	}
	r.logger.Infow("replica bootstrapped",
		"height", height, "view", 0, "leader", leader, "primary", primary)
	return nil
}

// Deliver is the network-ingress entrypoint. It runs the admission checks
// and, when the message survives them, appends it to the durable stream for
// processing. Rejections are silent: counted and logged at debug level only.
func (r *Replica) Deliver(ctx context.Context, m *core.ConsensusMessage) error {
	reason, ok := r.admit(m)
	if !ok {
		r.drop(m, reason)
		return nil
	}
	r.directory.Touch(m.Validator)
	r.maybeResetTimerForLeader(m.Validator)
	return r.queue.Enqueue(ctx, m)
}

// admit applies the ingress checks: registry membership, signature, view
// staleness and the leader-origin rule for PRE-PREPARE. Duplicate
// suppression happens at table insertion, which is the single mutation
// point.
func (r *Replica) admit(m *core.ConsensusMessage) (string, bool) {
	snap, err := r.directory.Snapshot(m.View)
	if err != nil {
		return metrics.ReasonStaleView, false
	}
	pub, ok := snap.PublicKeyOf(m.Validator)
	if !ok {
		return metrics.ReasonUnknownValidator, false
	}
	if !m.VerifySignature(pub) {
		return metrics.ReasonBadSignature, false
	}

	r.mu.Lock()
	currentView := r.currentView
	r.mu.Unlock()

	if m.View < currentView && m.Type != core.MsgViewChange && m.Type != core.MsgNewView {
		return metrics.ReasonStaleView, false
	}
	if m.Type == core.MsgPrePrepare {
		leader, err := snap.LeaderOf(currentView)
		if err != nil || m.Validator != leader {
			return metrics.ReasonWrongLeader, false
		}
	}
	return "", true
}

// ProcessQueued is the post-queue entrypoint driven by the stream consumer.
// It performs only local table updates and quorum-crossing side effects;
// it never re-enqueues its argument, and the broadcast markers keep it from
// re-broadcasting under redelivery.
func (r *Replica) ProcessQueued(ctx context.Context, m *core.ConsensusMessage) error {
	switch m.Type {
	case core.MsgPrePrepare:
		return r.handlePrePrepare(ctx, m)
	case core.MsgPrepare:
		return r.handlePrepare(ctx, m)
	case core.MsgCommit:
		return r.handleCommit(ctx, m)
	case core.MsgViewChange:
		return r.handleViewChange(ctx, m)
	case core.MsgNewView:
		return r.handleNewView(ctx, m)
	default:
		r.drop(m, metrics.ReasonMalformed)
		return nil
	}
}

// Run drives the replica's round tick until ctx ends.
func (r *Replica) Run(ctx context.Context) error {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			ticker := r.clock.Ticker(r.roundInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					r.roundTick(ctx)
				}
			}
		}()
	})
	<-ctx.Done()
	r.stopTimers()
	r.wg.Wait()
	return ctx.Err()
}

func (r *Replica) drop(m *core.ConsensusMessage, reason string) {
	if r.metrics != nil {
		r.metrics.DroppedMessages.WithLabelValues(reason).Inc()
	}
	r.logger.Debugw("message dropped",
		"reason", reason, "type", m.Type, "validator", m.Validator, "view", m.View, "key", m.Key())
}

// maybeResetTimerForLeader defers leader-failure suspicion whenever the
// current leader shows signs of life.
func (r *Replica) maybeResetTimerForLeader(validator string) {
	r.mu.Lock()
	view := r.currentView
	primary := r.isPrimary
	r.mu.Unlock()
	if primary {
		return
	}
	snap, err := r.directory.Snapshot(view)
	if err != nil {
		return
	}
	leader, err := snap.LeaderOf(view)
	if err != nil || leader != validator {
		return
	}
	r.resetViewTimer()
}

func (r *Replica) resetViewTimer() {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if r.viewTimer != nil {
		r.viewTimer.Stop()
	}
	r.viewTimer = r.clock.AfterFunc(r.viewChangeTimeout, r.onViewTimeout)
}

func (r *Replica) stopViewTimer() {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if r.viewTimer != nil {
		r.viewTimer.Stop()
		r.viewTimer = nil
	}
}

func (r *Replica) stopTimers() {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if r.viewTimer != nil {
		r.viewTimer.Stop()
		r.viewTimer = nil
	}
	if r.escalateTimer != nil {
		r.escalateTimer.Stop()
		r.escalateTimer = nil
	}
}
