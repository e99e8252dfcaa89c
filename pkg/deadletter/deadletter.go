package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jsndz/ackbus/metrics"
	"github.com/jsndz/ackbus/pkg/kafka"
	"github.com/jsndz/ackbus/pkg/types"
)

// ErrDrainUnsupported is returned when a sink cannot hand its letters back.
var ErrDrainUnsupported = errors.New("dead letter sink cannot be drained")

// Letter is a log entry the consumer gave up on.
type Letter struct {
	Env      types.Env              `json:"env"`
	EntryID  string                 `json:"entry_id"`
	Reason   string                 `json:"reason"`
	Fields   map[string]interface{} `json:"fields"`
	FailedAt time.Time              `json:"failed_at"`
}

type Sink interface {
	Name() string
	Publish(ctx context.Context, l Letter) error
	Close() error
}

// Drainer is a sink whose letters can be read back. Drain passes up to limit
// letters of env to fn, oldest first, and removes each one only after fn
// returns nil. An empty env drains every environment.
type Drainer interface {
	Drain(ctx context.Context, env types.Env, limit int, fn func(Letter) error) (int, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
	Close() error
}

type Subscriber interface {
	Fetch(ctx context.Context) (*kafka.Message, error)
	Commit(ctx context.Context, m *kafka.Message) error
	// Reset drops fetched but uncommitted messages so the next Fetch starts
	// again from the last committed offset.
	Reset() error
	Close() error
}

// KafkaSink writes letters as JSON to one topic, keyed by environment.
type KafkaSink struct {
	producer   Publisher
	subscriber Subscriber
	topic      string
	idle       time.Duration
}

func NewKafkaSink(p Publisher, topic string) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic}
}

// WithSubscriber enables Drain. A drain stops once no message arrives
// within idle.
func (k *KafkaSink) WithSubscriber(s Subscriber, idle time.Duration) *KafkaSink {
	if idle <= 0 {
		idle = 2 * time.Second
	}
	k.subscriber = s
	k.idle = idle
	return k
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Publish(ctx context.Context, l Letter) error {
	value, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := k.producer.Publish(ctx, k.topic, []byte(l.Env), value); err != nil {
		return err
	}
	metrics.NotificationDLQTotal.WithLabelValues(l.Reason, string(l.Env)).Inc()
	return nil
}

// Drain reads the topic through the consumer group. Letters of every
// environment share the topic, so only a full drain is supported.
func (k *KafkaSink) Drain(ctx context.Context, env types.Env, limit int, fn func(Letter) error) (int, error) {
	if k.subscriber == nil {
		return 0, ErrDrainUnsupported
	}
	if env != "" {
		return 0, fmt.Errorf("%w: kafka letters can only be drained for all environments", ErrDrainUnsupported)
	}
	n := 0
	for limit <= 0 || n < limit {
		fetchCtx, cancel := context.WithTimeout(ctx, k.idle)
		m, err := k.subscriber.Fetch(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return n, nil
			}
			return n, fmt.Errorf("dead letter fetch: %w", err)
		}
		var l Letter
		if err := json.Unmarshal(m.Value, &l); err != nil {
			// unreadable letters are skipped so they cannot block the topic
			if err := k.subscriber.Commit(ctx, m); err != nil {
				return n, k.rewind(err)
			}
			continue
		}
		if err := fn(l); err != nil {
			return n, k.rewind(err)
		}
		if err := k.subscriber.Commit(ctx, m); err != nil {
			return n, k.rewind(err)
		}
		n++
	}
	return n, nil
}

// rewind keeps an unredriven letter on the topic: the reader has already
// moved past it, so it is reset to the group's committed offset.
func (k *KafkaSink) rewind(cause error) error {
	if err := k.subscriber.Reset(); err != nil {
		return errors.Join(cause, fmt.Errorf("reset dead letter reader: %w", err))
	}
	return cause
}

func (k *KafkaSink) Close() error {
	err := k.producer.Close()
	if k.subscriber != nil {
		err = errors.Join(err, k.subscriber.Close())
	}
	return err
}

// RedisSink appends letters to a per-environment dead-letter stream that
// sits next to the environment's log.
type RedisSink struct {
	clients map[types.Env]*redis.Client
	maxLen  int64
}

func NewRedisSink(clients map[types.Env]*redis.Client, maxLen int64) *RedisSink {
	return &RedisSink{clients: clients, maxLen: maxLen}
}

func StreamKey(env types.Env) string {
	return fmt.Sprintf("dlq:{%s}_stream", env)
}

func (r *RedisSink) Name() string { return "redis" }

func (r *RedisSink) Publish(ctx context.Context, l Letter) error {
	c, ok := r.clients[l.Env]
	if !ok {
		return fmt.Errorf("no redis client for env %s", l.Env)
	}
	fields, err := json.Marshal(l.Fields)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: StreamKey(l.Env),
		Values: map[string]interface{}{
			"entry_id":  l.EntryID,
			"reason":    l.Reason,
			"fields":    string(fields),
			"failed_at": l.FailedAt.UnixMilli(),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := c.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("dead letter xadd: %w", err)
	}
	metrics.NotificationDLQTotal.WithLabelValues(l.Reason, string(l.Env)).Inc()
	return nil
}

// Drain reads each environment's dead-letter stream from the start and
// deletes every entry fn accepted.
func (r *RedisSink) Drain(ctx context.Context, env types.Env, limit int, fn func(Letter) error) (int, error) {
	envs := []types.Env{env}
	if env == "" {
		envs = envs[:0]
		for _, e := range types.AllEnvs {
			if _, ok := r.clients[e]; ok {
				envs = append(envs, e)
			}
		}
	}
	n := 0
	for _, e := range envs {
		c, ok := r.clients[e]
		if !ok {
			return n, fmt.Errorf("no redis client for env %s", e)
		}
		count := int64(limit - n)
		if limit <= 0 {
			count = 100
		}
		for count > 0 {
			msgs, err := c.XRangeN(ctx, StreamKey(e), "-", "+", count).Result()
			if err != nil {
				return n, fmt.Errorf("dead letter xrange: %w", err)
			}
			if len(msgs) == 0 {
				break
			}
			for _, msg := range msgs {
				if err := fn(decodeLetter(e, msg)); err != nil {
					return n, err
				}
				if err := c.XDel(ctx, StreamKey(e), msg.ID).Err(); err != nil {
					return n, fmt.Errorf("dead letter xdel: %w", err)
				}
				n++
			}
			if limit > 0 {
				count = int64(limit - n)
			}
		}
		if limit > 0 && n >= limit {
			break
		}
	}
	return n, nil
}

func decodeLetter(env types.Env, msg redis.XMessage) Letter {
	l := Letter{Env: env, Fields: map[string]interface{}{}}
	l.EntryID, _ = msg.Values["entry_id"].(string)
	l.Reason, _ = msg.Values["reason"].(string)
	if raw, ok := msg.Values["fields"].(string); ok {
		_ = json.Unmarshal([]byte(raw), &l.Fields)
	}
	if raw, ok := msg.Values["failed_at"].(string); ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			l.FailedAt = time.UnixMilli(ms).UTC()
		}
	}
	return l
}

// Close is a no-op; the clients belong to the caller.
func (r *RedisSink) Close() error { return nil }
