package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jsndz/ackbus/metrics"
	"github.com/jsndz/ackbus/pkg/models"
	"github.com/jsndz/ackbus/pkg/types"
)

const (
	defaultUpdateRetries = 5
	scanBatch            = 200
)

// Entry is one log entry read from an environment's stream.
type Entry struct {
	ID     string
	Values map[string]interface{}
}

type StreamStats struct {
	Length  int64 `json:"length"`
	Pending int64 `json:"pending"`
}

type ClearResult struct {
	Records       int64 `json:"records"`
	IndexEntries  int64 `json:"index_entries"`
	StreamEntries int64 `json:"stream_entries"`
}

type IndexOp int

const (
	IndexKeep IndexOp = iota
	IndexSchedule
	IndexRemove
)

// Mutation tells Update what to write once the mutator returns.
type Mutation struct {
	Save  bool
	Index IndexOp
	Due   time.Time
}

// Mutator inspects the current record (nil when absent) and may change it in
// place. It can run several times when the record changes underneath, so it
// must not have side effects beyond the record.
type Mutator func(rec *models.NotificationRecord) (Mutation, error)

// RedisStore keeps every environment's log, records and due index in Redis.
// Environments may share a client; keys never collide.
type RedisStore struct {
	clients map[types.Env]*redis.Client
	retries int
	log     *zap.Logger
}

func NewRedisStore(clients map[types.Env]*redis.Client) *RedisStore {
	return &RedisStore{clients: clients, retries: defaultUpdateRetries, log: zap.NewNop()}
}

// WithLogger sets the logger used for records that are skipped during scans.
func (s *RedisStore) WithLogger(log *zap.Logger) *RedisStore {
	s.log = log.With(zap.String("component", "store"))
	return s
}

func (s *RedisStore) client(env types.Env) (*redis.Client, error) {
	c, ok := s.clients[env]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEnv, env)
	}
	return c, nil
}

// Envs lists the environments this store serves.
func (s *RedisStore) Envs() []types.Env {
	envs := make([]types.Env, 0, len(s.clients))
	for _, env := range types.AllEnvs {
		if _, ok := s.clients[env]; ok {
			envs = append(envs, env)
		}
	}
	return envs
}

func (s *RedisStore) Ping(ctx context.Context) error {
	for env, c := range s.clients {
		if err := c.Ping(ctx).Err(); err != nil {
			return fail("ping", fmt.Errorf("%s: %w", env, err))
		}
	}
	return nil
}

func fail(op string, err error) error {
	metrics.StoreErrorsTotal.WithLabelValues(op).Inc()
	return fmt.Errorf("%s: %w", op, err)
}

// Log

// EnsureGroup creates the environment's stream and consumer group if needed.
func (s *RedisStore) EnsureGroup(ctx context.Context, env types.Env) error {
	c, err := s.client(env)
	if err != nil {
		return err
	}
	err = c.XGroupCreateMkStream(ctx, StreamKey(env), GroupName(env), "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fail("xgroup_create", err)
	}
	return nil
}

func (s *RedisStore) Append(ctx context.Context, env types.Env, fields map[string]interface{}) (string, error) {
	c, err := s.client(env)
	if err != nil {
		return "", err
	}
	id, err := c.XAdd(ctx, &redis.XAddArgs{Stream: StreamKey(env), Values: fields}).Result()
	if err != nil {
		return "", fail("xadd", err)
	}
	return id, nil
}

// ReadNew claims up to count never-delivered entries for consumer. A block
// of zero or less returns immediately when nothing is available.
func (s *RedisStore) ReadNew(ctx context.Context, env types.Env, consumer string, count int64, block time.Duration) ([]Entry, error) {
	c, err := s.client(env)
	if err != nil {
		return nil, err
	}
	if block <= 0 {
		block = -1
	}
	streams, err := c.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    GroupName(env),
		Consumer: consumer,
		Streams:  []string{StreamKey(env), ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fail("xreadgroup", err)
	}
	var entries []Entry
	for _, st := range streams {
		for _, m := range st.Messages {
			entries = append(entries, Entry{ID: m.ID, Values: m.Values})
		}
	}
	return entries, nil
}

// ClaimStale takes over entries that another consumer read but did not
// acknowledge within minIdle.
func (s *RedisStore) ClaimStale(ctx context.Context, env types.Env, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	c, err := s.client(env)
	if err != nil {
		return nil, err
	}
	msgs, _, err := c.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   StreamKey(env),
		Group:    GroupName(env),
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fail("xautoclaim", err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, Entry{ID: m.ID, Values: m.Values})
	}
	return entries, nil
}

func (s *RedisStore) Ack(ctx context.Context, env types.Env, entryID string) error {
	c, err := s.client(env)
	if err != nil {
		return err
	}
	if err := c.XAck(ctx, StreamKey(env), GroupName(env), entryID).Err(); err != nil {
		return fail("xack", err)
	}
	return nil
}

func (s *RedisStore) StreamStats(ctx context.Context, env types.Env) (StreamStats, error) {
	var st StreamStats
	c, err := s.client(env)
	if err != nil {
		return st, err
	}
	st.Length, err = c.XLen(ctx, StreamKey(env)).Result()
	if err != nil {
		return st, fail("xlen", err)
	}
	pending, err := c.XPending(ctx, StreamKey(env), GroupName(env)).Result()
	if err != nil {
		if isNoGroup(err) {
			return st, nil
		}
		return st, fail("xpending", err)
	}
	st.Pending = pending.Count
	return st, nil
}

func isNoGroup(err error) bool {
	return errors.Is(err, redis.Nil) || strings.HasPrefix(err.Error(), "NOGROUP") || strings.Contains(err.Error(), "no such key")
}

// Records

func (s *RedisStore) GetRecord(ctx context.Context, env types.Env, id string) (*models.NotificationRecord, error) {
	c, err := s.client(env)
	if err != nil {
		return nil, err
	}
	h, err := c.HGetAll(ctx, RecordKey(env, id)).Result()
	if err != nil {
		return nil, fail("hgetall", err)
	}
	if len(h) == 0 {
		return nil, ErrRecordNotFound
	}
	return models.RecordFromHash(h)
}

// CreateRecord writes rec only if no record with its id exists yet.
func (s *RedisStore) CreateRecord(ctx context.Context, env types.Env, rec *models.NotificationRecord) error {
	c, err := s.client(env)
	if err != nil {
		return err
	}
	key := RecordKey(env, rec.ID)
	for i := 0; i < s.retries; i++ {
		err = c.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return ErrRecordExists
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, rec.ToHash())
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrRecordExists) {
			return fail("create_record", err)
		}
		return err
	}
	return ErrConflict
}

// Update runs fn against the current record under WATCH and applies the
// resulting mutation, record and due index together, in one MULTI/EXEC.
// It returns the record as fn left it.
func (s *RedisStore) Update(ctx context.Context, env types.Env, id string, fn Mutator) (*models.NotificationRecord, error) {
	c, err := s.client(env)
	if err != nil {
		return nil, err
	}
	key := RecordKey(env, id)
	index := IndexKey(env)

	var result *models.NotificationRecord
	for i := 0; i < s.retries; i++ {
		err = c.Watch(ctx, func(tx *redis.Tx) error {
			h, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			var rec *models.NotificationRecord
			if len(h) > 0 {
				if rec, err = models.RecordFromHash(h); err != nil {
					return err
				}
			}
			m, err := fn(rec)
			if err != nil {
				return mutatorError{err}
			}
			result = rec
			if (!m.Save || rec == nil) && m.Index == IndexKeep {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if m.Save && rec != nil {
					pipe.HSet(ctx, key, rec.ToHash())
				}
				switch m.Index {
				case IndexSchedule:
					pipe.ZAdd(ctx, index, redis.Z{Score: float64(m.Due.UnixMilli()), Member: id})
				case IndexRemove:
					pipe.ZRem(ctx, index, id)
				}
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var mErr mutatorError
		if errors.As(err, &mErr) {
			return nil, mErr.err
		}
		if err != nil {
			return nil, fail("update", err)
		}
		return result, nil
	}
	return nil, ErrConflict
}

// mutatorError lets Update hand a Mutator's own error back untouched.
type mutatorError struct{ err error }

func (e mutatorError) Error() string { return e.err.Error() }

// ScanRecords calls fn for every record of env and stops at the first error
// fn returns. Records that do not decode are logged and skipped.
func (s *RedisStore) ScanRecords(ctx context.Context, env types.Env, fn func(*models.NotificationRecord) error) error {
	c, err := s.client(env)
	if err != nil {
		return err
	}
	iter := c.Scan(ctx, 0, recordPrefix(env)+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		h, err := c.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return fail("hgetall", err)
		}
		if len(h) == 0 {
			continue
		}
		rec, err := models.RecordFromHash(h)
		if err != nil {
			metrics.StoreErrorsTotal.WithLabelValues("decode_record").Inc()
			s.log.Warn("skipping undecodable record",
				zap.String("env", string(env)),
				zap.String("id", idFromRecordKey(env, iter.Val())),
				zap.Error(err),
			)
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fail("scan", err)
	}
	return nil
}

// Counts tallies records by lifecycle status.
func (s *RedisStore) Counts(ctx context.Context, env types.Env) (map[models.Status]int64, error) {
	counts := map[models.Status]int64{
		models.StatusPending:  0,
		models.StatusResolved: 0,
		models.StatusExpired:  0,
	}
	err := s.ScanRecords(ctx, env, func(rec *models.NotificationRecord) error {
		counts[rec.Status]++
		return nil
	})
	return counts, err
}

// Leases

var releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireLease takes the short-lived lock on id that guards a reminder send.
// It returns the token needed to release it, or ok=false when another holder
// has it. The lease expires on its own after ttl.
func (s *RedisStore) AcquireLease(ctx context.Context, env types.Env, id string, ttl time.Duration) (string, bool, error) {
	c, err := s.client(env)
	if err != nil {
		return "", false, err
	}
	token := uuid.NewString()
	ok, err := c.SetNX(ctx, LeaseKey(env, id), token, ttl).Result()
	if err != nil {
		return "", false, fail("setnx", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLease drops the lease only if token still owns it.
func (s *RedisStore) ReleaseLease(ctx context.Context, env types.Env, id, token string) error {
	c, err := s.client(env)
	if err != nil {
		return err
	}
	if err := releaseLease.Run(ctx, c, []string{LeaseKey(env, id)}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fail("release_lease", err)
	}
	return nil
}

// Due index

func (s *RedisStore) ScheduleDue(ctx context.Context, env types.Env, id string, due time.Time) error {
	c, err := s.client(env)
	if err != nil {
		return err
	}
	if err := c.ZAdd(ctx, IndexKey(env), redis.Z{Score: float64(due.UnixMilli()), Member: id}).Err(); err != nil {
		return fail("zadd", err)
	}
	return nil
}

// Unschedule removes id from the due index. Removing an absent entry is not
// an error.
func (s *RedisStore) Unschedule(ctx context.Context, env types.Env, id string) error {
	c, err := s.client(env)
	if err != nil {
		return err
	}
	if err := c.ZRem(ctx, IndexKey(env), id).Err(); err != nil {
		return fail("zrem", err)
	}
	return nil
}

// DueBefore returns up to limit ids whose due time is at or before now,
// earliest first.
func (s *RedisStore) DueBefore(ctx context.Context, env types.Env, now time.Time, limit int64) ([]string, error) {
	c, err := s.client(env)
	if err != nil {
		return nil, err
	}
	ids, err := c.ZRangeByScore(ctx, IndexKey(env), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fail("zrangebyscore", err)
	}
	return ids, nil
}

// DueAt reports the scheduled time of id, false when it is not indexed.
func (s *RedisStore) DueAt(ctx context.Context, env types.Env, id string) (time.Time, bool, error) {
	c, err := s.client(env)
	if err != nil {
		return time.Time{}, false, err
	}
	score, err := c.ZScore(ctx, IndexKey(env), id).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fail("zscore", err)
	}
	return time.UnixMilli(int64(score)).UTC(), true, nil
}

func (s *RedisStore) IndexedIDs(ctx context.Context, env types.Env) ([]string, error) {
	c, err := s.client(env)
	if err != nil {
		return nil, err
	}
	ids, err := c.ZRange(ctx, IndexKey(env), 0, -1).Result()
	if err != nil {
		return nil, fail("zrange", err)
	}
	return ids, nil
}

func (s *RedisStore) IndexSize(ctx context.Context, env types.Env) (int64, error) {
	c, err := s.client(env)
	if err != nil {
		return 0, err
	}
	n, err := c.ZCard(ctx, IndexKey(env)).Result()
	if err != nil {
		return 0, fail("zcard", err)
	}
	return n, nil
}

// Admin

// Clear deletes every record, the due index and all log entries of env,
// acknowledging whatever was still pending. The consumer group survives.
func (s *RedisStore) Clear(ctx context.Context, env types.Env) (ClearResult, error) {
	var res ClearResult
	c, err := s.client(env)
	if err != nil {
		return res, err
	}

	iter := c.Scan(ctx, 0, recordPrefix(env)+"*", scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.Del(ctx, batch...).Result()
		if err != nil {
			return fail("del", err)
		}
		res.Records += n
		batch = batch[:0]
		return nil
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return res, fail("scan", err)
	}
	if err := flush(); err != nil {
		return res, err
	}

	if res.IndexEntries, err = c.ZCard(ctx, IndexKey(env)).Result(); err != nil {
		return res, fail("zcard", err)
	}
	if err := c.Del(ctx, IndexKey(env)).Err(); err != nil {
		return res, fail("del", err)
	}

	if err := s.ackAllPending(ctx, c, env); err != nil {
		return res, err
	}
	if res.StreamEntries, err = c.XTrimMaxLen(ctx, StreamKey(env), 0).Result(); err != nil {
		return res, fail("xtrim", err)
	}
	return res, nil
}

func (s *RedisStore) ackAllPending(ctx context.Context, c *redis.Client, env types.Env) error {
	for {
		pending, err := c.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: StreamKey(env),
			Group:  GroupName(env),
			Start:  "-",
			End:    "+",
			Count:  scanBatch,
		}).Result()
		if err != nil {
			if isNoGroup(err) {
				return nil
			}
			return fail("xpending", err)
		}
		if len(pending) == 0 {
			return nil
		}
		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			ids = append(ids, p.ID)
		}
		if err := c.XAck(ctx, StreamKey(env), GroupName(env), ids...).Err(); err != nil {
			return fail("xack", err)
		}
	}
}
