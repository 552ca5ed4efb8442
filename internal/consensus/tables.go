package consensus

import (
	"sync"

	"github.com/teamTripCode/tc-validator-node/internal/core"
)

// phaseTable accumulates the messages of one protocol phase, keyed by the
// height:hash round identity with at most one entry per validator.
// Insertion is first-writer-wins, which makes redelivered messages and
// retransmissions harmless.
type phaseTable struct {
	mu      sync.Mutex
	entries map[string]map[string]*core.ConsensusMessage
}

func newPhaseTable() *phaseTable {
	return &phaseTable{entries: make(map[string]map[string]*core.ConsensusMessage)}
}

// add stores m under its round key. It returns false when the validator
// already has an entry for that key.
func (t *phaseTable) add(m *core.ConsensusMessage) bool {
	key := m.Key()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[key] == nil {
		t.entries[key] = make(map[string]*core.ConsensusMessage)
	}
	if _, exists := t.entries[key][m.Validator]; exists {
		return false
	}
	t.entries[key][m.Validator] = m
	return true
}

// count reports the number of distinct validators stored for key.
func (t *phaseTable) count(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries[key])
}

// has reports whether validator already voted for key.
func (t *phaseTable) has(key, validator string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key][validator]
	return ok
}

// drop removes the whole round table for key.
func (t *phaseTable) drop(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// viewChangeTable accumulates VIEW_CHANGE messages per target view, with at
// most one entry per validator. First-writer-wins like the phase tables.
type viewChangeTable struct {
	mu      sync.Mutex
	entries map[uint64]map[string]*core.ConsensusMessage
}

func newViewChangeTable() *viewChangeTable {
	return &viewChangeTable{entries: make(map[uint64]map[string]*core.ConsensusMessage)}
}

func (t *viewChangeTable) add(m *core.ConsensusMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[m.NewView] == nil {
		t.entries[m.NewView] = make(map[string]*core.ConsensusMessage)
	}
	if _, exists := t.entries[m.NewView][m.Validator]; exists {
		return false
	}
	t.entries[m.NewView][m.Validator] = m
	return true
}

func (t *viewChangeTable) count(newView uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries[newView])
}

// messages returns the stored proofs for a target view.
func (t *viewChangeTable) messages(newView uint64) []*core.ConsensusMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*core.ConsensusMessage, 0, len(t.entries[newView]))
	for _, m := range t.entries[newView] {
		out = append(out, m)
	}
	return out
}

// dropThrough removes assembly tables for every target view ≤ view; called
// when a view transition completes or is superseded.
func (t *viewChangeTable) dropThrough(view uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for target := range t.entries {
		if target <= view {
			delete(t.entries, target)
		}
	}
}

// keySet is the processingBlocks set with atomic add semantics.
type keySet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newKeySet() *keySet {
	return &keySet{keys: make(map[string]struct{})}
}

// add returns false when the key was already present.
func (s *keySet) add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}

func (s *keySet) remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
}

func (s *keySet) contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}

// containsHeight reports whether any open round is at the given height.
func (s *keySet) containsHeight(height int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.keys {
		if h, _, ok := core.SplitBlockKey(key); ok && h == height {
			return true
		}
	}
	return false
}
