package mempool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/teamTripCode/tc-validator-node/internal/core"
	"github.com/teamTripCode/tc-validator-node/internal/metrics"
)

// Admission failure reasons, surfaced to the submitter. These are never
// logged at error level.
var (
	ErrInvalidPoolConfig    = errors.New("invalid mempool configuration")
	ErrDuplicateTransaction = errors.New("transaction already pending")
	ErrInsufficientBalance  = errors.New("signer balance below amount plus fee")
	ErrBalanceCheckFailed   = errors.New("failed to read signer balance")
	ErrPoolSaturated        = errors.New("mempool saturated after shedding")
)

// Defaults for the pool bounds.
const (
	DefaultMaxSize = 5000
	DefaultMaxAge  = 72 * time.Hour
)

// BalanceReader supplies the signer balance for the admission check.
type BalanceReader interface {
	BalanceOf(ctx context.Context, addr string) (uint64, error)
}

// Pool is the bounded fee-prioritized store of admitted but unmined
// transactions. Entries are keyed on the transaction hash; insertion order
// is irrelevant. Pick runs under the read lock; Add, Remove and Sweep take
// the write lock.
type Pool struct {
	mu        sync.RWMutex
	entries   map[string]core.Transaction
	admitted  map[string]time.Time
	maxSize   int
	maxAge    time.Duration
	gasPrice  uint64
	balances  BalanceReader
	clock     clock.Clock
	logger    *zap.SugaredLogger
	metrics   *metrics.Metrics
	sweepOnce sync.Once
	wg        sync.WaitGroup
}

// Config for the pool.
type Config struct {
	MaxSize  int
	MaxAge   time.Duration
	GasPrice uint64
	Balances BalanceReader
	Clock    clock.Clock
	Logger   *zap.SugaredLogger
	Metrics  *metrics.Metrics
}

// New creates an empty pool.
func New(cfg Config) (*Pool, error) {
	if cfg.Balances == nil {
		return nil, fmt.Errorf("%w: balance reader must be provided", ErrInvalidPoolConfig)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger must be provided", ErrInvalidPoolConfig)
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Pool{
		entries:  make(map[string]core.Transaction),
		admitted: make(map[string]time.Time),
		maxSize:  cfg.MaxSize,
		maxAge:   cfg.MaxAge,
		gasPrice: cfg.GasPrice,
		balances: cfg.Balances,
		clock:    cfg.Clock,
		logger:   cfg.Logger.Named("mempool"),
		metrics:  cfg.Metrics,
	}, nil
}

// Add admits a transaction. The fee is derived from the gas limit before
// any check; duplicates and underfunded signers are rejected with a reason.
// At capacity the pool sheds the lowest-priority tenth before retrying the
// admission.
func (p *Pool) Add(ctx context.Context, tx core.Transaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	tx.DeriveFee(p.gasPrice)

	balance, err := p.balances.BalanceOf(ctx, tx.From)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBalanceCheckFailed, err)
	}
	if balance < tx.Amount+tx.Fee {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, balance, tx.Amount+tx.Fee)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[tx.Hash]; exists {
		return ErrDuplicateTransaction
	}
	if len(p.entries) >= p.maxSize {
		shed := p.shedLocked()
		p.logger.Infow("mempool full, shed lowest-priority entries", "shed", shed, "size", len(p.entries))
		if len(p.entries) >= p.maxSize {
			return ErrPoolSaturated
		}
	}

	p.entries[tx.Hash] = tx
	p.admitted[tx.Hash] = p.clock.Now()
	p.gauge()
	p.logger.Debugw("transaction admitted", "hash", tx.Hash, "fee", tx.Fee, "size", tx.Size)
	return nil
}

// Pick returns up to maxN transactions ordered by fee rate descending, with
// the hash as the deterministic tie-break.
func (p *Pool) Pick(maxN int) []core.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]core.Transaction, 0, len(p.entries))
	for _, tx := range p.entries {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].FeeRate(), out[j].FeeRate()
		if ri != rj {
			return ri > rj
		}
		return out[i].Hash < out[j].Hash
	})
	if len(out) > maxN {
		out = out[:maxN]
	}
	return out
}

// Remove drops the given hashes and their admission times. Called by the
// replica when a block finalizes.
func (p *Pool) Remove(hashes ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hashes {
		delete(p.entries, h)
		delete(p.admitted, h)
	}
	p.gauge()
}

// Sweep drops entries whose age has reached the max age. Idempotent; scheduled on the
// sweep interval and safe to call at any time.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	removed := 0
	for hash, at := range p.admitted {
		if now.Sub(at) >= p.maxAge {
			delete(p.entries, hash)
			delete(p.admitted, hash)
			removed++
		}
	}
	if removed > 0 {
		p.logger.Infow("swept expired transactions", "removed", removed)
		if p.metrics != nil {
			p.metrics.MempoolEvictions.WithLabelValues("expired").Add(float64(removed))
		}
	}
	p.gauge()
	return removed
}

// Run sweeps on the given interval until ctx ends.
func (p *Pool) Run(ctx context.Context, interval time.Duration) error {
	p.sweepOnce.Do(func() {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			ticker := p.clock.Ticker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					p.Sweep()
				}
			}
		}()
	})
	<-ctx.Done()
	p.wg.Wait()
	return ctx.Err()
}

// Size reports the number of pending transactions.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Contains reports whether a hash is pending.
func (p *Pool) Contains(hash string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[hash]
	return ok
}

// shedLocked drops the ⌈10%⌉ lowest fee-rate entries. Caller holds the
// write lock.
func (p *Pool) shedLocked() int {
	n := int(math.Ceil(float64(len(p.entries)) * 0.1))
	if n == 0 {
		return 0
	}
	type ranked struct {
		hash string
		rate float64
	}
	all := make([]ranked, 0, len(p.entries))
	for hash, tx := range p.entries {
		all = append(all, ranked{hash: hash, rate: tx.FeeRate()})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].rate != all[j].rate {
			return all[i].rate < all[j].rate
		}
		return all[i].hash < all[j].hash
	})
	for i := 0; i < n; i++ {
		delete(p.entries, all[i].hash)
		delete(p.admitted, all[i].hash)
	}
	if p.metrics != nil {
		p.metrics.MempoolEvictions.WithLabelValues("shed").Add(float64(n))
	}
	p.gauge()
	return n
}

func (p *Pool) gauge() {
	if p.metrics != nil {
		p.metrics.MempoolSize.Set(float64(len(p.entries)))
	}
}
