package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Custom errors for the validator registry.
var (
	ErrInvalidRegistryConfig = errors.New("invalid registry configuration")
	ErrEmptyValidatorSet     = errors.New("validator set is empty")
	ErrViewBeyondHorizon     = errors.New("view is beyond the snapshot horizon")
)

// Status of a validator in the active set. PENALIZED is reserved for future
// slashing; the registry reads it but never transitions into it.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusStandby   Status = "STANDBY"
	StatusPenalized Status = "PENALIZED"
)

// ValidatorInfo is one row of the validator directory. Address must equal
// the hex SHA-256 of PublicKey; the uniqueness key is Address.
type ValidatorInfo struct {
	Address    string    `json:"address"`
	PublicKey  string    `json:"publicKey"`
	Stake      uint64    `json:"stake"`
	Reputation int64     `json:"reputation"`
	LastActive time.Time `json:"lastActive"`
	Status     Status    `json:"status"`
}

// ValidatorSet is an immutable snapshot: validators ordered by address
// ascending plus the view the snapshot was taken for. The ordering is part
// of the contract — leader selection indexes this sequence modulo its
// length, and it must be identical on every peer.
type ValidatorSet struct {
	View       uint64
	Validators []ValidatorInfo

	byAddress map[string]int
}

// NewValidatorSet builds a snapshot, sorting and indexing the given rows.
func NewValidatorSet(view uint64, validators []ValidatorInfo) *ValidatorSet {
	sorted := make([]ValidatorInfo, len(validators))
	copy(sorted, validators)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	byAddress := make(map[string]int, len(sorted))
	for i := range sorted {
		byAddress[sorted[i].Address] = i
	}
	return &ValidatorSet{View: view, Validators: sorted, byAddress: byAddress}
}

// Len is the number of validators in the snapshot.
func (s *ValidatorSet) Len() int { return len(s.Validators) }

// LeaderOf selects the leader for a view: validators[view mod N] over the
// address-ascending ordering.
func (s *ValidatorSet) LeaderOf(view uint64) (string, error) {
	if len(s.Validators) == 0 {
		return "", ErrEmptyValidatorSet
	}
	return s.Validators[view%uint64(len(s.Validators))].Address, nil
}

// Quorum is ⌊2N/3⌋+1, applied identically to PREPARE, COMMIT and
// VIEW-CHANGE accounting.
func (s *ValidatorSet) Quorum() int {
	return 2*len(s.Validators)/3 + 1
}

// IsActive reports whether addr is a member of this snapshot.
func (s *ValidatorSet) IsActive(addr string) bool {
	_, ok := s.byAddress[addr]
	return ok
}

// PublicKeyOf looks up the registered public key for addr.
func (s *ValidatorSet) PublicKeyOf(addr string) (string, bool) {
	i, ok := s.byAddress[addr]
	if !ok {
		return "", false
	}
	return s.Validators[i].PublicKey, true
}

// Source supplies the registry with the durable validator directory.
type Source interface {
	ListValidators(ctx context.Context) ([]ValidatorInfo, error)
}

// Registry maintains the authoritative in-memory snapshot of the active
// validator set, refreshed from the durable store on an interval. The
// implementation serves the latest set for any view within the configured
// horizon; messages tagged with a view beyond the horizon are refused.
type Registry struct {
	mu      sync.RWMutex
	set     *ValidatorSet
	touched map[string]time.Time

	source    Source
	self      string
	horizon   uint64
	refresh   time.Duration
	heartbeat time.Duration
	clock     clock.Clock
	logger    *zap.SugaredLogger

	wg        sync.WaitGroup
	startOnce sync.Once
}

// Config for the registry.
type Config struct {
	Source            Source
	SelfAddress       string
	ViewHorizon       uint64
	RefreshInterval   time.Duration
	HeartbeatInterval time.Duration
	Clock             clock.Clock
	Logger            *zap.SugaredLogger
}

// New creates a registry with an empty snapshot; call Refresh or Run before
// serving consensus traffic.
func New(cfg Config) (*Registry, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("%w: source must be provided", ErrInvalidRegistryConfig)
	}
	if cfg.SelfAddress == "" {
		return nil, fmt.Errorf("%w: self address must be provided", ErrInvalidRegistryConfig)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger must be provided", ErrInvalidRegistryConfig)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Registry{
		set:       NewValidatorSet(0, nil),
		touched:   make(map[string]time.Time),
		source:    cfg.Source,
		self:      cfg.SelfAddress,
		horizon:   cfg.ViewHorizon,
		refresh:   cfg.RefreshInterval,
		heartbeat: cfg.HeartbeatInterval,
		clock:     cfg.Clock,
		logger:    cfg.Logger.Named("registry"),
	}, nil
}

// Refresh reloads the snapshot from the durable directory, keeping only
// ACTIVE rows and stamping heartbeat staleness from local observations.
func (r *Registry) Refresh(ctx context.Context) error {
	rows, err := r.source.ListValidators(ctx)
	if err != nil {
		return fmt.Errorf("registry refresh failed: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	active := rows[:0]
	for _, row := range rows {
		if row.Status != StatusActive {
			continue
		}
		if t, ok := r.touched[row.Address]; ok {
			row.LastActive = t
			if now.Sub(t) > r.heartbeat {
				r.logger.Debugw("validator heartbeat stale", "address", row.Address, "lastActive", t)
			}
		}
		active = append(active, row)
	}

	view := r.set.View
	r.set = NewValidatorSet(view, active)
	r.logger.Debugw("validator set refreshed", "size", r.set.Len(), "view", view)
	return nil
}

// Run refreshes the snapshot on the configured interval until ctx ends.
func (r *Registry) Run(ctx context.Context) error {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			ticker := r.clock.Ticker(r.refresh)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := r.Refresh(ctx); err != nil {
						r.logger.Warnw("periodic registry refresh failed", "err", err)
					}
				}
			}
		}()
	})
	<-ctx.Done()
	r.wg.Wait()
	return ctx.Err()
}

// Snapshot returns the set to validate messages tagged with view. The
// latest set is served for any view up to the horizon past the snapshot's
// own view; beyond that the request is refused.
func (r *Registry) Snapshot(view uint64) (*ValidatorSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if view > r.set.View+r.horizon {
		return nil, fmt.Errorf("%w: view %d, snapshot view %d, horizon %d",
			ErrViewBeyondHorizon, view, r.set.View, r.horizon)
	}
	return r.set, nil
}

// AdvanceView records a completed view transition so the snapshot tracks
// the replica's current view for horizon accounting.
func (r *Registry) AdvanceView(view uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if view > r.set.View {
		r.set = &ValidatorSet{View: view, Validators: r.set.Validators, byAddress: r.set.byAddress}
	}
}

// Touch records message activity from a validator for heartbeat accounting.
func (r *Registry) Touch(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched[addr] = r.clock.Now()
}

// SelfStatus is ACTIVE when this node's address is in the active set,
// STANDBY otherwise.
func (r *Registry) SelfStatus() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.set.IsActive(r.self) {
		return StatusActive
	}
	return StatusStandby
}

// SelfAddress returns the local validator address.
func (r *Registry) SelfAddress() string { return r.self }
