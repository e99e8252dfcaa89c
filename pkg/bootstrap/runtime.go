package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jsndz/ackbus/pkg/config"
	"github.com/jsndz/ackbus/pkg/database"
	"github.com/jsndz/ackbus/pkg/deadletter"
	"github.com/jsndz/ackbus/pkg/models"
	"github.com/jsndz/ackbus/pkg/repositories"
	"github.com/jsndz/ackbus/pkg/store"
	"github.com/jsndz/ackbus/pkg/surface"
	"github.com/jsndz/ackbus/pkg/types"
	"github.com/jsndz/ackbus/pkg/utils"
	"github.com/jsndz/ackbus/tracing"
)

// AttemptRecorder is the delivery audit ledger.
type AttemptRecorder interface {
	Create(ctx context.Context, attempt *models.DeliveryAttempt) error
	ListByNotification(ctx context.Context, env, notificationID string) ([]models.DeliveryAttempt, error)
}

// Runtime holds everything the lifecycle components share. It is built once
// per process and torn down with Close.
type Runtime struct {
	Config     *config.Config
	Logger     *zap.Logger
	Store      store.Store
	// Redis holds the client of each environment for callers that need more
	// than the store, such as the API's idempotency cache.
	Redis      map[types.Env]*redis.Client
	Surface    surface.Surface
	DeadLetter deadletter.Sink
	// Attempts is nil when no audit database is configured.
	Attempts AttemptRecorder
	Tracer   trace.Tracer
	Clock    utils.Clock

	closers []func() error
}

// New connects to Redis, the recipient surface, the dead-letter sink and,
// when configured, the audit database.
func New(ctx context.Context, cfg *config.Config, logr *zap.Logger) (*Runtime, error) {
	rt := &Runtime{
		Config: cfg,
		Logger: logr,
		Tracer: tracing.Tracer(),
		Clock:  utils.SystemClock(),
	}

	clients, err := database.InitRedis(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() error { return database.CloseRedis(clients) })
	rt.Redis = clients
	rt.Store = store.NewRedisStore(clients).WithLogger(logr)
	logr.Info("redis connected", zap.String("addr", cfg.Redis.Addr), zap.Int("envs", len(clients)))

	if rt.Surface, err = config.BuildSurface(cfg, logr); err != nil {
		rt.Close()
		return nil, err
	}
	logr.Info("recipient surface initialized", zap.String("provider", rt.Surface.Name()))

	if rt.DeadLetter, err = config.BuildDeadLetter(cfg, clients); err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, rt.DeadLetter.Close)
	logr.Info("dead letter sink initialized", zap.String("provider", rt.DeadLetter.Name()))

	if cfg.Audit.DSN != "" {
		db, err := database.InitDB(cfg.Audit.DSN)
		if err != nil {
			rt.Close()
			return nil, err
		}
		if err := database.MigrateDB(db, logr, &models.DeliveryAttempt{}); err != nil {
			rt.Close()
			return nil, fmt.Errorf("migrate audit db: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			rt.closers = append(rt.closers, sqlDB.Close)
		}
		rt.Attempts = repositories.NewDeliveryAttemptRepository(db)
		logr.Info("delivery audit enabled")
	}
	return rt, nil
}

// NewWithClients builds a runtime around existing Redis clients, using the
// log surface and the redis dead-letter sink. Tests and tools use it.
func NewWithClients(cfg *config.Config, logr *zap.Logger, clients map[types.Env]*redis.Client) *Runtime {
	return &Runtime{
		Config:     cfg,
		Logger:     logr,
		Store:      store.NewRedisStore(clients).WithLogger(logr),
		Redis:      clients,
		Surface:    surface.NewLogSurface(logr),
		DeadLetter: deadletter.NewRedisSink(clients, 0),
		Tracer:     tracing.Tracer(),
		Clock:      utils.SystemClock(),
	}
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
