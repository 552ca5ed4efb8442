package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Custom errors for the durable KV layer.
var (
	ErrNotFound   = errors.New("key not found")
	ErrBadRedis   = errors.New("invalid redis configuration")
	ErrPingFailed = errors.New("redis ping failed")
)

// opDeadline bounds every store round trip to the consensus round interval.
// Overruns are surfaced to the caller, logged there, and retried next round.
const opDeadline = 5 * time.Second

// KV wraps the Redis connection behind the durable map and stream contract
// the rest of the node depends on. It is the only component aware of the
// redis client; everything above it sees Get/Set/HGet... and the stream
// primitives.
type KV struct {
	rdb    *redis.Client
	logger *zap.SugaredLogger
}

// StreamMessage is one delivered entry of a consumer-group read.
type StreamMessage struct {
	ID     string
	Values map[string]interface{}
}

// NewKV connects to the Redis endpoint and verifies it with a ping.
// An unreachable KV at startup is fatal to the process.
func NewKV(ctx context.Context, redisURL string, logger *zap.SugaredLogger) (*KV, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRedis, err)
	}
	kv := &KV{rdb: redis.NewClient(opts), logger: logger.Named("kv")}
	if _, err := kv.Ping(ctx); err != nil {
		return nil, err
	}
	kv.logger.Infow("connected to redis", "addr", opts.Addr)
	return kv, nil
}

// Ping checks liveness of the KV endpoint.
func (kv *KV) Ping(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opDeadline)
	defer cancel()
	pong, err := kv.rdb.Ping(ctx).Result()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPingFailed, err)
	}
	return pong, nil
}

// Close releases the underlying connection pool.
func (kv *KV) Close() error {
	return kv.rdb.Close()
}

func (kv *KV) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opDeadline)
	defer cancel()
	val, err := kv.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (kv *KV) Set(ctx context.Context, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, opDeadline)
	defer cancel()
	return kv.rdb.Set(ctx, key, value, 0).Err()
}

func (kv *KV) Del(ctx context.Context, keys ...string) error {
	ctx, cancel := context.WithTimeout(ctx, opDeadline)
	defer cancel()
	return kv.rdb.Del(ctx, keys...).Err()
}

func (kv *KV) HGet(ctx context.Context, key, field string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opDeadline)
	defer cancel()
	val, err := kv.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (kv *KV) HSet(ctx context.Context, key, field, value string) error {
	ctx, cancel := context.WithTimeout(ctx, opDeadline)
	defer cancel()
	return kv.rdb.HSet(ctx, key, field, value).Err()
}

func (kv *KV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opDeadline)
	defer cancel()
	return kv.rdb.HGetAll(ctx, key).Result()
}

func (kv *KV) HExists(ctx context.Context, key, field string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opDeadline)
	defer cancel()
	return kv.rdb.HExists(ctx, key, field).Result()
}

func (kv *KV) HDel(ctx context.Context, key string, fields ...string) error {
	ctx, cancel := context.WithTimeout(ctx, opDeadline)
	defer cancel()
	return kv.rdb.HDel(ctx, key, fields...).Err()
}

func (kv *KV) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opDeadline)
	defer cancel()
	return kv.rdb.IncrBy(ctx, key, delta).Result()
}

// StreamAppend appends fields to the stream with a server-assigned id and
// returns after the durable write.
func (kv *KV) StreamAppend(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opDeadline)
	defer cancel()
	return kv.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, ID: "*", Values: values}).Result()
}

// StreamReadGroup performs a consumer-group read. Position ">" delivers new
// entries; "0" re-delivers this consumer's pending entries.
func (kv *KV) StreamReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration, position string) ([]StreamMessage, error) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, position},
		Count:    count,
		Block:    block,
	}
	if block <= 0 {
		// A zero Block would mean "block forever" on the wire; callers
		// passing 0 want a non-blocking read.
		args.Block = -1
	}
	res, err := kv.rdb.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []StreamMessage
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, StreamMessage{ID: m.ID, Values: m.Values})
		}
	}
	return out, nil
}

// StreamAck acknowledges a delivered entry for the consumer group.
func (kv *KV) StreamAck(ctx context.Context, stream, group string, ids ...string) error {
	ctx, cancel := context.WithTimeout(ctx, opDeadline)
	defer cancel()
	return kv.rdb.XAck(ctx, stream, group, ids...).Err()
}

// StreamCreateGroup creates the consumer group from the stream start,
// creating the stream itself when absent. Re-creation of an existing group
// is not an error; initialization is idempotent. The stream-exists marker
// key is part of the persisted layout other services probe.
func (kv *KV) StreamCreateGroup(ctx context.Context, stream, group string) error {
	ctx, cancel := context.WithTimeout(ctx, opDeadline)
	defer cancel()
	err := kv.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return kv.rdb.Set(ctx, "stream-exists:"+stream, "true", 0).Err()
}

// StreamLen reports the entry count of a stream.
func (kv *KV) StreamLen(ctx context.Context, stream string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opDeadline)
	defer cancel()
	return kv.rdb.XLen(ctx, stream).Result()
}
