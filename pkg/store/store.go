package store

import (
	"context"
	"time"

	"github.com/jsndz/ackbus/pkg/models"
	"github.com/jsndz/ackbus/pkg/types"
)

// Store is the backing store of the lifecycle engine: one append log, one
// record map and one due index per environment.
type Store interface {
	Envs() []types.Env
	Ping(ctx context.Context) error

	EnsureGroup(ctx context.Context, env types.Env) error
	Append(ctx context.Context, env types.Env, fields map[string]interface{}) (string, error)
	ReadNew(ctx context.Context, env types.Env, consumer string, count int64, block time.Duration) ([]Entry, error)
	ClaimStale(ctx context.Context, env types.Env, consumer string, minIdle time.Duration, count int64) ([]Entry, error)
	Ack(ctx context.Context, env types.Env, entryID string) error
	StreamStats(ctx context.Context, env types.Env) (StreamStats, error)

	GetRecord(ctx context.Context, env types.Env, id string) (*models.NotificationRecord, error)
	CreateRecord(ctx context.Context, env types.Env, rec *models.NotificationRecord) error
	Update(ctx context.Context, env types.Env, id string, fn Mutator) (*models.NotificationRecord, error)
	ScanRecords(ctx context.Context, env types.Env, fn func(*models.NotificationRecord) error) error
	Counts(ctx context.Context, env types.Env) (map[models.Status]int64, error)

	ScheduleDue(ctx context.Context, env types.Env, id string, due time.Time) error
	Unschedule(ctx context.Context, env types.Env, id string) error
	DueBefore(ctx context.Context, env types.Env, now time.Time, limit int64) ([]string, error)
	DueAt(ctx context.Context, env types.Env, id string) (time.Time, bool, error)
	IndexedIDs(ctx context.Context, env types.Env) ([]string, error)
	IndexSize(ctx context.Context, env types.Env) (int64, error)

	AcquireLease(ctx context.Context, env types.Env, id string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLease(ctx context.Context, env types.Env, id, token string) error

	Clear(ctx context.Context, env types.Env) (ClearResult, error)
}

var _ Store = (*RedisStore)(nil)
