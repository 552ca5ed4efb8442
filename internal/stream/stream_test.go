package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teamTripCode/tc-validator-node/internal/core"
	"github.com/teamTripCode/tc-validator-node/internal/crypto"
	"github.com/teamTripCode/tc-validator-node/internal/store"
)

// fakeBroker is an in-memory stand-in for the Redis stream with
// consumer-group pending semantics.
type fakeBroker struct {
	mu      sync.Mutex
	next    int
	entries []store.StreamMessage
	pending map[string]string // id → consumer
	acked   map[string]bool
	groups  int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{pending: map[string]string{}, acked: map[string]bool{}}
}

func (f *fakeBroker) StreamAppend(_ context.Context, _ string, values map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("%d-0", f.next)
	f.entries = append(f.entries, store.StreamMessage{ID: id, Values: values})
	return id, nil
}

func (f *fakeBroker) StreamReadGroup(_ context.Context, _, _, consumer string, count int64, _ time.Duration, position string) ([]store.StreamMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.StreamMessage
	for _, e := range f.entries {
		if int64(len(out)) >= count {
			break
		}
		owner, delivered := f.pending[e.ID]
		switch position {
		case ">":
			if !delivered && !f.acked[e.ID] {
				f.pending[e.ID] = consumer
				out = append(out, e)
			}
		default: // "0": this consumer's pending entries
			if delivered && owner == consumer && !f.acked[e.ID] {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (f *fakeBroker) StreamAck(_ context.Context, _, _ string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.acked[id] = true
		delete(f.pending, id)
	}
	return nil
}

func (f *fakeBroker) StreamCreateGroup(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups++
	return nil
}

func signedTestMessage(t *testing.T) *core.ConsensusMessage {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	m := &core.ConsensusMessage{Type: core.MsgPrepare, BlockHeight: 1, BlockHash: "h1", View: 0}
	require.NoError(t, m.Sign(kp))
	return m
}

func newTestQueue(t *testing.T, broker Broker, h Handler) *Queue {
	t.Helper()
	q, err := New(Config{Broker: broker, Handler: h, Logger: zap.NewNop().Sugar(), Consumer: "test-consumer"})
	require.NoError(t, err)
	return q
}

func TestQueue_EnqueueConsumeAck(t *testing.T) {
	ctx := context.Background()
	broker := newFakeBroker()
	var handled []*core.ConsensusMessage
	q := newTestQueue(t, broker, func(_ context.Context, m *core.ConsensusMessage) error {
		handled = append(handled, m)
		return nil
	})
	require.NoError(t, q.Init(ctx))

	m := signedTestMessage(t)
	require.NoError(t, q.Enqueue(ctx, m))

	batch, err := broker.StreamReadGroup(ctx, StreamName, GroupName, q.Consumer(), BatchSize, 0, ">")
	require.NoError(t, err)
	require.Len(t, batch, 1)
	q.processBatch(ctx, batch)

	require.Len(t, handled, 1)
	assert.Equal(t, m.Key(), handled[0].Key())
	assert.True(t, broker.acked[batch[0].ID])
}

func TestQueue_HandlerFailureLeavesPending(t *testing.T) {
	ctx := context.Background()
	broker := newFakeBroker()
	calls := 0
	q := newTestQueue(t, broker, func(context.Context, *core.ConsensusMessage) error {
		calls++
		if calls == 1 {
			return assert.AnError
		}
		return nil
	})
	require.NoError(t, q.Enqueue(ctx, signedTestMessage(t)))

	batch, _ := broker.StreamReadGroup(ctx, StreamName, GroupName, q.Consumer(), BatchSize, 0, ">")
	require.Len(t, batch, 1)
	q.processBatch(ctx, batch)
	assert.False(t, broker.acked[batch[0].ID])

	// After a restart the pending entry is redelivered and succeeds.
	q.drainPending(ctx)
	assert.Equal(t, 2, calls)
	assert.True(t, broker.acked[batch[0].ID])
}

func TestQueue_UndecodableEntryAckedAndSkipped(t *testing.T) {
	ctx := context.Background()
	broker := newFakeBroker()
	handled := 0
	q := newTestQueue(t, broker, func(context.Context, *core.ConsensusMessage) error {
		handled++
		return nil
	})

	id, err := broker.StreamAppend(ctx, StreamName, map[string]interface{}{payloadField: "{not json"})
	require.NoError(t, err)

	batch, _ := broker.StreamReadGroup(ctx, StreamName, GroupName, q.Consumer(), BatchSize, 0, ">")
	q.processBatch(ctx, batch)

	assert.Zero(t, handled)
	assert.True(t, broker.acked[id], "poison entries must not be redelivered forever")
}

func TestQueue_InitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	broker := newFakeBroker()
	q := newTestQueue(t, broker, func(context.Context, *core.ConsensusMessage) error { return nil })

	require.NoError(t, q.Init(ctx))
	require.NoError(t, q.Init(ctx))
	assert.Equal(t, 2, broker.groups)
}

func TestQueue_GeneratesStableConsumerName(t *testing.T) {
	broker := newFakeBroker()
	q, err := New(Config{Broker: broker, Handler: func(context.Context, *core.ConsensusMessage) error { return nil }, Logger: zap.NewNop().Sugar()})
	require.NoError(t, err)
	assert.NotEmpty(t, q.Consumer())
	assert.Equal(t, q.Consumer(), q.Consumer())
}
