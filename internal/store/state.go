package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/teamTripCode/tc-validator-node/internal/core"
)

// Custom errors for the account state layer.
var (
	ErrStateCorrupt       = errors.New("persisted chain state is corrupt")
	ErrInsufficientFunds  = errors.New("insufficient balance for transfer")
	ErrSupplyCapExhausted = errors.New("supply cap reached, reward withheld")
)

// ChainState is the opaque post-finalization state document: balances,
// account nonces, and contract payloads keyed by address. The replica only
// applies it; it never interprets contract contents.
type ChainState struct {
	Balances  map[string]uint64          `json:"balances"`
	Nonces    map[string]uint64          `json:"nonces"`
	Contracts map[string]json.RawMessage `json:"contracts"`
}

// Ledger applies finalized blocks to the account state and distributes the
// block reward under the supply cap. All mutation goes through the single
// persisted blockchain:state document.
type Ledger struct {
	mu          sync.Mutex
	kv          *KV
	blockReward uint64
	supplyCap   uint64
	logger      *zap.SugaredLogger
}

// NewLedger creates the state applier.
func NewLedger(kv *KV, blockReward, supplyCap uint64, logger *zap.SugaredLogger) *Ledger {
	return &Ledger{
		kv:          kv,
		blockReward: blockReward,
		supplyCap:   supplyCap,
		logger:      logger.Named("ledger"),
	}
}

// BalanceOf reports the spendable balance of an address. Used by the mempool
// admission check.
func (l *Ledger) BalanceOf(ctx context.Context, addr string) (uint64, error) {
	state, err := l.load(ctx)
	if err != nil {
		return 0, err
	}
	return state.Balances[addr], nil
}

// ApplyBlock debits senders and credits recipients for every transaction in
// a finalized block, and credits the aggregate fees to the forging
// validator. A transfer that no longer clears is skipped and logged; state
// application is opaque to consensus and must not fail the round.
func (l *Ledger) ApplyBlock(ctx context.Context, b *core.Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, err := l.load(ctx)
	if err != nil {
		return err
	}
	var collectedFees uint64
	for i := range b.Body {
		tx := &b.Body[i]
		cost := tx.Amount + tx.Fee
		if state.Balances[tx.From] < cost {
			l.logger.Warnw("skipping transfer that no longer clears",
				"tx", tx.Hash, "from", tx.From, "cost", cost, "balance", state.Balances[tx.From])
			continue
		}
		state.Balances[tx.From] -= cost
		state.Balances[tx.To] += tx.Amount
		state.Nonces[tx.From]++
		collectedFees += tx.Fee
	}
	if collectedFees > 0 && b.Validator != core.GenesisValidator {
		state.Balances[b.Validator] += collectedFees
	}
	return l.save(ctx, state)
}

// DistributeReward mints the block reward to the forging validator, bounded
// by the configured supply cap tracked under tripcoin:supply.
func (l *Ledger) DistributeReward(ctx context.Context, validator string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	supply, err := l.currentSupply(ctx)
	if err != nil {
		return err
	}
	if supply+l.blockReward > l.supplyCap {
		l.logger.Warnw("block reward withheld", "supply", supply, "cap", l.supplyCap)
		return ErrSupplyCapExhausted
	}
	if _, err := l.kv.IncrBy(ctx, keySupply, int64(l.blockReward)); err != nil {
		return err
	}
	state, err := l.load(ctx)
	if err != nil {
		return err
	}
	state.Balances[validator] += l.blockReward
	return l.save(ctx, state)
}

// Credit adds funds to an address outside block application. Used by
// operator tooling and tests to seed balances.
func (l *Ledger) Credit(ctx context.Context, addr string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, err := l.load(ctx)
	if err != nil {
		return err
	}
	state.Balances[addr] += amount
	return l.save(ctx, state)
}

func (l *Ledger) currentSupply(ctx context.Context) (uint64, error) {
	raw, err := l.kv.Get(ctx, keySupply)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var supply uint64
	if _, err := fmt.Sscanf(raw, "%d", &supply); err != nil {
		return 0, fmt.Errorf("%w: supply %q", ErrStateCorrupt, raw)
	}
	return supply, nil
}

func (l *Ledger) load(ctx context.Context) (*ChainState, error) {
	raw, err := l.kv.Get(ctx, keyState)
	if errors.Is(err, ErrNotFound) {
		return &ChainState{
			Balances:  map[string]uint64{},
			Nonces:    map[string]uint64{},
			Contracts: map[string]json.RawMessage{},
		}, nil
	}
	if err != nil {
		return nil, err
	}
	var state ChainState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	if state.Balances == nil {
		state.Balances = map[string]uint64{}
	}
	if state.Nonces == nil {
		state.Nonces = map[string]uint64{}
	}
	if state.Contracts == nil {
		state.Contracts = map[string]json.RawMessage{}
	}
	return &state, nil
}

func (l *Ledger) save(ctx context.Context, state *ChainState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	return l.kv.Set(ctx, keyState, string(raw))
}
