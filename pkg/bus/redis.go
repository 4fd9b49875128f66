package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dyluth/warren/pkg/protocol"
)

// DefaultPollInterval bounds how long a receiver can miss a wake-up published
// while it was subscribing.
const DefaultPollInterval = 250 * time.Millisecond

// RedisBackend keeps each inbox in a Redis ZSET so any number of processes can
// share the bus. Members are message JSON; scores come from InboxScore.
// Receivers block on a per-inbox Pub/Sub channel and fall back to polling.
type RedisBackend struct {
	rdb          *redis.Client
	namespace    string
	pollInterval time.Duration
	logger       zerolog.Logger
	ownsClient   bool
}

// RedisOption configures a RedisBackend.
type RedisOption func(*RedisBackend)

// WithPollInterval sets the polling fallback interval.
func WithPollInterval(d time.Duration) RedisOption {
	return func(r *RedisBackend) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(logger zerolog.Logger) RedisOption {
	return func(r *RedisBackend) { r.logger = logger }
}

// NewRedisBackend connects to Redis and namespaces every key with namespace.
func NewRedisBackend(redisOpts *redis.Options, namespace string, opts ...RedisOption) (*RedisBackend, error) {
	r, err := NewRedisBackendFromClient(redis.NewClient(redisOpts), namespace, opts...)
	if err != nil {
		return nil, err
	}
	r.ownsClient = true
	return r, nil
}

// NewRedisBackendFromClient wraps an existing client. The client is not
// closed by Close.
func NewRedisBackendFromClient(rdb *redis.Client, namespace string, opts ...RedisOption) (*RedisBackend, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}
	r := &RedisBackend{
		rdb:          rdb,
		namespace:    namespace,
		pollInterval: DefaultPollInterval,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Ping verifies Redis connectivity.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Enqueue implements Backend. The inbox write, registration and wake-up are
// sent as one MULTI/EXEC transaction.
func (r *RedisBackend) Enqueue(ctx context.Context, agent string, msg *protocol.Message) error {
	seq, err := r.rdb.Incr(ctx, SequenceKey(r.namespace)).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate message sequence: %w", err)
	}
	msg.Seq = uint64(seq)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, InboxKey(r.namespace, agent), redis.Z{
			Score:  InboxScore(msg.Priority.Rank(), msg.Seq),
			Member: string(data),
		})
		pipe.SAdd(ctx, InboxesKey(r.namespace), agent)
		pipe.Publish(ctx, InboxEventsChannel(r.namespace, agent), msg.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write message to Redis: %w", err)
	}
	return nil
}

// Dequeue implements Backend. ZPOPMIN is atomic and is issued with a context
// that ignores cancellation, so a popped message is always returned.
func (r *RedisBackend) Dequeue(ctx context.Context, agent string, timeout time.Duration) (*protocol.Message, error) {
	msg, err := r.pop(ctx, agent)
	if err != nil || msg != nil {
		return msg, err
	}
	if timeout <= 0 {
		return nil, ErrEmpty
	}

	pubsub := r.rdb.Subscribe(ctx, InboxEventsChannel(r.namespace, agent))
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to subscribe to inbox events: %w", err)
	}
	wake := pubsub.Channel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		// Re-check after subscribing: a message may have landed in between.
		msg, err := r.pop(ctx, agent)
		if err != nil || msg != nil {
			return msg, err
		}

		select {
		case <-wake:
		case <-ticker.C:
		case <-timer.C:
			return r.finalPop(ctx, agent)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *RedisBackend) finalPop(ctx context.Context, agent string) (*protocol.Message, error) {
	msg, err := r.pop(ctx, agent)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, ErrEmpty
	}
	return msg, nil
}

func (r *RedisBackend) pop(ctx context.Context, agent string) (*protocol.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := r.rdb.ZPopMin(context.WithoutCancel(ctx), InboxKey(r.namespace, agent), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop message from Redis: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	msg, err := decodeMember(res[0].Member)
	if err != nil {
		r.logger.Error().Err(err).Str("agent", agent).Msg("Dropping undecodable inbox entry")
		return nil, err
	}
	return msg, nil
}

// Len implements Backend.
func (r *RedisBackend) Len(ctx context.Context, agent string) (int, error) {
	n, err := r.rdb.ZCard(ctx, InboxKey(r.namespace, agent)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read inbox length: %w", err)
	}
	return int(n), nil
}

// Drain implements Backend.
func (r *RedisBackend) Drain(ctx context.Context, agent string) ([]*protocol.Message, error) {
	key := InboxKey(r.namespace, agent)

	var members *redis.StringSliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members = pipe.ZRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain inbox: %w", err)
	}

	out := make([]*protocol.Message, 0, len(members.Val()))
	for _, member := range members.Val() {
		msg, err := decodeMember(member)
		if err != nil {
			r.logger.Error().Err(err).Str("agent", agent).Msg("Dropping undecodable inbox entry")
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// RemoveExpired implements Backend. Only members this call actually removed
// are returned, so concurrent receivers never see a message twice.
func (r *RedisBackend) RemoveExpired(ctx context.Context, agent string, now time.Time) ([]*protocol.Message, error) {
	key := InboxKey(r.namespace, agent)
	members, err := r.rdb.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}

	var removed []*protocol.Message
	for _, member := range members {
		msg, err := decodeMember(member)
		if err != nil || !msg.IsExpired(now) {
			continue
		}
		n, err := r.rdb.ZRem(ctx, key, member).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to remove expired message: %w", err)
		}
		if n > 0 {
			removed = append(removed, msg)
		}
	}
	return removed, nil
}

// Inboxes implements Backend.
func (r *RedisBackend) Inboxes(ctx context.Context) ([]string, error) {
	names, err := r.rdb.SMembers(ctx, InboxesKey(r.namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list inboxes: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Close closes the Redis connection if the backend created it.
func (r *RedisBackend) Close() error {
	if !r.ownsClient {
		return nil
	}
	return r.rdb.Close()
}

func decodeMember(member any) (*protocol.Message, error) {
	var raw string
	switch v := member.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return nil, fmt.Errorf("unexpected inbox member type %T", member)
	}

	var msg protocol.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}
