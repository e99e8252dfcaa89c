package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jsndz/ackbus/metrics"
	"github.com/jsndz/ackbus/pkg/bootstrap"
	"github.com/jsndz/ackbus/pkg/models"
	"github.com/jsndz/ackbus/pkg/store"
	"github.com/jsndz/ackbus/pkg/surface"
	"github.com/jsndz/ackbus/pkg/types"
)

// Resolution is the outcome of an action callback.
type Resolution struct {
	ID    string        `json:"id"`
	Env   types.Env     `json:"env,omitempty"`
	Found bool          `json:"found"`
	// Changed is true only for the callback that moved the record out of
	// pending.
	Changed      bool          `json:"changed"`
	Status       models.Status `json:"status,omitempty"`
	ResolvedTime *time.Time    `json:"resolved_time,omitempty"`
	ResolvedBy   string        `json:"resolved_by,omitempty"`
}

// Resolver stops the reminder schedule of a notification when a user acts.
type Resolver struct {
	rt  *bootstrap.Runtime
	log *zap.Logger
}

func NewResolver(rt *bootstrap.Runtime) *Resolver {
	return &Resolver{rt: rt, log: rt.Logger.With(zap.String("component", "resolver"))}
}

// entryIDPattern matches the ids a record falls back to when the envelope
// had no notification_id.
var entryIDPattern = regexp.MustCompile(`^\d+-\d+$`)

// Resolve is idempotent: unknown ids and records that are already resolved
// or expired succeed without changes. Without an env every configured
// environment is searched, except for entry ids, which may exist in more
// than one environment.
func (r *Resolver) Resolve(ctx context.Context, cb types.ActionCallback) (*Resolution, error) {
	ctx, span := r.rt.Tracer.Start(ctx, "resolver.resolve", trace.WithAttributes(
		attribute.String("id", cb.ID),
		attribute.String("env", string(cb.Env)),
	))
	defer span.End()

	envs := r.rt.Config.Envs
	if cb.Env != "" {
		if !r.rt.Config.HasEnv(cb.Env) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEnv, cb.Env)
		}
		envs = []types.Env{cb.Env}
	} else if len(envs) > 1 && entryIDPattern.MatchString(cb.ID) {
		return nil, fmt.Errorf("%w: %s", ErrEnvRequired, cb.ID)
	}

	for _, env := range envs {
		res, err := r.resolveIn(ctx, env, cb)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if res.Found {
			return res, nil
		}
	}
	r.log.Info("resolution for unknown notification ignored", zap.String("id", cb.ID), zap.String("env", string(cb.Env)))
	return &Resolution{ID: cb.ID, Env: cb.Env}, nil
}

func (r *Resolver) resolveIn(ctx context.Context, env types.Env, cb types.ActionCallback) (*Resolution, error) {
	now := r.rt.Clock.Now()
	var changed bool
	rec, err := r.rt.Store.Update(ctx, env, cb.ID, func(rec *models.NotificationRecord) (store.Mutation, error) {
		changed = false
		if rec == nil {
			return store.Mutation{}, nil
		}
		if cb.ThreadRef != "" && rec.ThreadRef != cb.ThreadRef {
			return store.Mutation{}, ErrThreadMismatch
		}
		if rec.Status != models.StatusPending {
			return store.Mutation{}, nil
		}
		rec.Status = models.StatusResolved
		rec.ResolvedTime = &now
		rec.ResolvedBy = cb.Actor
		changed = true
		return store.Mutation{Save: true, Index: store.IndexRemove}, nil
	})
	if errors.Is(err, ErrThreadMismatch) {
		r.log.Warn("resolution rejected, thread mismatch",
			zap.String("env", string(env)),
			zap.String("id", cb.ID),
			zap.String("thread_ref", cb.ThreadRef),
		)
		return nil, err
	}
	if err != nil {
		return nil, storeErr("update", err)
	}
	if rec == nil {
		return &Resolution{ID: cb.ID}, nil
	}

	res := &Resolution{
		ID:           rec.ID,
		Env:          env,
		Found:        true,
		Changed:      changed,
		Status:       rec.Status,
		ResolvedTime: rec.ResolvedTime,
		ResolvedBy:   rec.ResolvedBy,
	}
	log := r.log.With(zap.String("env", string(env)), zap.String("id", rec.ID))
	if !changed {
		log.Info("resolution ignored, notification not pending", zap.String("status", string(rec.Status)))
		return res, nil
	}

	metrics.NotificationsResolvedTotal.WithLabelValues(string(env)).Inc()
	log.Info("notification resolved", zap.String("actor", cb.Actor), zap.Int("reminders", rec.ReminderCount))

	if marker, ok := r.rt.Surface.(surface.Resolver); ok {
		start := time.Now()
		err := marker.MarkResolved(ctx, rec.ThreadRef, cb.Actor)
		recordAttempt(ctx, r.rt, env, rec.ID, attemptResolve, 1, start, err)
		if err != nil {
			log.Warn("failed to mark message as handled", zap.Error(err))
		}
	}
	return res, nil
}
