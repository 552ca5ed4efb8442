package stream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teamTripCode/tc-validator-node/internal/core"
	"github.com/teamTripCode/tc-validator-node/internal/metrics"
	"github.com/teamTripCode/tc-validator-node/internal/store"
)

// Stream topology and consumer tuning.
const (
	StreamName   = "consensus_messages"
	GroupName    = "consensus_processors"
	BatchSize    = 50
	BlockTimeout = 100 * time.Millisecond
	PollInterval = 50 * time.Millisecond

	payloadField = "payload"
)

// Custom errors for the queue.
var (
	ErrInvalidQueueConfig = errors.New("invalid queue configuration")
	ErrQueueEncode        = errors.New("failed to encode queued message")
)

// Broker is the durable stream capability the queue consumes. The KV store
// implements it over Redis streams; tests substitute an in-memory fake.
type Broker interface {
	StreamAppend(ctx context.Context, stream string, values map[string]interface{}) (string, error)
	StreamReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration, position string) ([]store.StreamMessage, error)
	StreamAck(ctx context.Context, stream, group string, ids ...string) error
	StreamCreateGroup(ctx context.Context, stream, group string) error
}

// Handler processes one delivered consensus message. A nil return
// acknowledges the entry; an error leaves it pending for redelivery.
type Handler func(ctx context.Context, m *core.ConsensusMessage) error

// Queue is the durable, acknowledged, consumer-grouped pipeline between
// message ingress and the replica state machine. Delivery is at-least-once;
// the replica's handlers are idempotent, so redelivery is harmless.
//
// At most one batch is in flight per consumer: the loop never re-enters
// while a previous batch is being processed.
type Queue struct {
	broker   Broker
	handler  Handler
	consumer string
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics

	startOnce sync.Once
	wg        sync.WaitGroup
}

// Config for the queue.
type Config struct {
	Broker  Broker
	Handler Handler
	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
	// Consumer optionally pins the consumer name; when empty a name made of
	// the hostname and a random suffix is generated at startup. A generated
	// name is fixed for the life of the process and differs between starts.
	Consumer string
}

// New creates the queue and derives the consumer identity.
func New(cfg Config) (*Queue, error) {
	if cfg.Broker == nil {
		return nil, fmt.Errorf("%w: broker must be provided", ErrInvalidQueueConfig)
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("%w: handler must be provided", ErrInvalidQueueConfig)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger must be provided", ErrInvalidQueueConfig)
	}
	consumer := cfg.Consumer
	if consumer == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "replica"
		}
		consumer = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	return &Queue{
		broker:   cfg.Broker,
		handler:  cfg.Handler,
		consumer: consumer,
		logger:   cfg.Logger.Named("stream"),
		metrics:  cfg.Metrics,
	}, nil
}

// Consumer returns the stable consumer name picked at startup.
func (q *Queue) Consumer() string { return q.consumer }

// Init creates the stream and consumer group idempotently.
func (q *Queue) Init(ctx context.Context) error {
	if err := q.broker.StreamCreateGroup(ctx, StreamName, GroupName); err != nil {
		return fmt.Errorf("failed to initialize stream %s: %w", StreamName, err)
	}
	q.logger.Infow("stream initialized", "stream", StreamName, "group", GroupName, "consumer", q.consumer)
	return nil
}

// Enqueue appends a message to the stream and returns after the durable
// write.
func (q *Queue) Enqueue(ctx context.Context, m *core.ConsensusMessage) error {
	raw, err := m.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueueEncode, err)
	}
	id, err := q.broker.StreamAppend(ctx, StreamName, map[string]interface{}{payloadField: string(raw)})
	if err != nil {
		return err
	}
	q.logger.Debugw("message enqueued", "id", id, "type", m.Type, "key", m.Key())
	return nil
}

// Run consumes the stream until ctx ends. On startup the consumer first
// drains the entries pending under its own consumer name, then blocks on
// new entries. Entries left unacknowledged by an earlier run are drained
// only when that run used the same (pinned) name; entries pending under
// another consumer name are not claimed.
func (q *Queue) Run(ctx context.Context) error {
	q.startOnce.Do(func() {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.drainPending(ctx)
			q.consumeLoop(ctx)
		}()
	})
	<-ctx.Done()
	q.wg.Wait()
	return ctx.Err()
}

func (q *Queue) drainPending(ctx context.Context) {
	for ctx.Err() == nil {
		batch, err := q.broker.StreamReadGroup(ctx, StreamName, GroupName, q.consumer, BatchSize, 0, "0")
		if err != nil {
			q.logger.Warnw("pending drain read failed", "err", err)
			return
		}
		if len(batch) == 0 {
			return
		}
		q.logger.Infow("re-processing pending deliveries", "count", len(batch))
		q.processBatch(ctx, batch)
		if len(batch) < BatchSize {
			return
		}
	}
}

func (q *Queue) consumeLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := q.broker.StreamReadGroup(ctx, StreamName, GroupName, q.consumer, BatchSize, BlockTimeout, ">")
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Warnw("stream read failed, backing off", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(PollInterval):
			}
			continue
		}
		if len(batch) > 0 {
			q.processBatch(ctx, batch)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(PollInterval):
		}
	}
}

// processBatch handles one delivered batch sequentially. Entries whose
// handler fails stay pending and are redelivered; everything else is acked.
func (q *Queue) processBatch(ctx context.Context, batch []store.StreamMessage) {
	for _, entry := range batch {
		if ctx.Err() != nil {
			return
		}
		if q.metrics != nil {
			q.metrics.StreamDeliveries.Inc()
		}
		m, ok := q.decode(entry)
		if !ok {
			// Undecodable entries can never succeed; ack to stop redelivery.
			q.ack(ctx, entry.ID)
			continue
		}
		if err := q.handler(ctx, m); err != nil {
			q.logger.Warnw("handler failed, leaving entry pending",
				"id", entry.ID, "type", m.Type, "err", err)
			continue
		}
		q.ack(ctx, entry.ID)
	}
}

func (q *Queue) decode(entry store.StreamMessage) (*core.ConsensusMessage, bool) {
	raw, ok := entry.Values[payloadField].(string)
	if !ok {
		q.logger.Warnw("stream entry missing payload field", "id", entry.ID)
		return nil, false
	}
	m, err := core.DecodeMessage([]byte(raw))
	if err != nil {
		q.logger.Warnw("dropping undecodable stream entry", "id", entry.ID, "err", err)
		return nil, false
	}
	return m, true
}

func (q *Queue) ack(ctx context.Context, id string) {
	if err := q.broker.StreamAck(ctx, StreamName, GroupName, id); err != nil {
		if q.metrics != nil {
			q.metrics.StreamAckFailures.Inc()
		}
		q.logger.Warnw("ack failed, entry will be redelivered", "id", id, "err", err)
	}
}
