package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jsndz/ackbus/metrics"
	"github.com/jsndz/ackbus/pkg/bootstrap"
	"github.com/jsndz/ackbus/pkg/deadletter"
	"github.com/jsndz/ackbus/pkg/models"
	"github.com/jsndz/ackbus/pkg/store"
	"github.com/jsndz/ackbus/pkg/types"
	"github.com/jsndz/ackbus/tracing"
)

// ErrInvalidPayload wraps a producer payload that failed validation.
var ErrInvalidPayload = errors.New("invalid payload")

type EnvStatus struct {
	Env      types.Env               `json:"env"`
	Records  map[models.Status]int64 `json:"records"`
	DueIndex int64                   `json:"due_index"`
	Stream   store.StreamStats       `json:"stream"`
}

// NotificationDetail is one record together with its schedule and ledger.
type NotificationDetail struct {
	Record   *models.NotificationRecord `json:"record"`
	DueAt    *time.Time                 `json:"due_at,omitempty"`
	Attempts []models.DeliveryAttempt   `json:"attempts,omitempty"`
}

// attemptPurger is implemented by audit ledgers that support clearing.
type attemptPurger interface {
	DeleteByEnv(ctx context.Context, env string) (int64, error)
}

type Admin struct {
	rt  *bootstrap.Runtime
	ids *IDGenerator
	log *zap.Logger
}

func NewAdmin(rt *bootstrap.Runtime) *Admin {
	return &Admin{
		rt:  rt,
		ids: NewIDGenerator(rt.Clock),
		log: rt.Logger.With(zap.String("component", "admin")),
	}
}

// envs resolves an optional environment filter. An empty env means all.
func (a *Admin) envs(env types.Env) ([]types.Env, error) {
	if env == "" {
		return a.rt.Config.Envs, nil
	}
	if !a.rt.Config.HasEnv(env) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEnv, env)
	}
	return []types.Env{env}, nil
}

func (a *Admin) Status(ctx context.Context, env types.Env) ([]EnvStatus, error) {
	envs, err := a.envs(env)
	if err != nil {
		return nil, err
	}
	out := make([]EnvStatus, 0, len(envs))
	for _, e := range envs {
		st := EnvStatus{Env: e}
		if st.Records, err = a.rt.Store.Counts(ctx, e); err != nil {
			return nil, storeErr("counts", err)
		}
		if st.DueIndex, err = a.rt.Store.IndexSize(ctx, e); err != nil {
			return nil, storeErr("index_size", err)
		}
		if st.Stream, err = a.rt.Store.StreamStats(ctx, e); err != nil {
			return nil, storeErr("stream_stats", err)
		}
		out = append(out, st)
	}
	return out, nil
}

// Clear deletes the records, due index and log entries of env, or of every
// environment when env is empty. Running it twice is harmless.
func (a *Admin) Clear(ctx context.Context, env types.Env) (map[types.Env]store.ClearResult, error) {
	envs, err := a.envs(env)
	if err != nil {
		return nil, err
	}
	out := make(map[types.Env]store.ClearResult, len(envs))
	for _, e := range envs {
		res, err := a.rt.Store.Clear(ctx, e)
		if err != nil {
			return out, storeErr("clear", err)
		}
		var attempts int64
		if purger, ok := a.rt.Attempts.(attemptPurger); ok {
			if attempts, err = purger.DeleteByEnv(ctx, string(e)); err != nil {
				a.log.Warn("failed to clear delivery attempts", zap.String("env", string(e)), zap.Error(err))
			}
		}
		a.log.Warn("environment cleared",
			zap.String("env", string(e)),
			zap.Int64("records", res.Records),
			zap.Int64("index_entries", res.IndexEntries),
			zap.Int64("stream_entries", res.StreamEntries),
			zap.Int64("attempts", attempts),
		)
		out[e] = res
	}
	return out, nil
}

// Publish validates a producer payload, assigns a notification id and
// appends the envelope to env's log. The caller's trace context travels
// with the envelope.
func (a *Admin) Publish(ctx context.Context, env types.Env, req types.PublishRequest) (id, entryID string, err error) {
	if _, err := a.envs(env); err != nil || env == "" {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownEnv, env)
	}
	envelope := types.Envelope{
		Env:       env,
		Template:  types.Template(strings.ToLower(strings.TrimSpace(req.Template))),
		MainText:  strings.TrimSpace(req.MainText),
		SubText:   req.SubText,
		Recipient: strings.TrimSpace(req.Recipient),
		Status:    types.NormalizeSeverity(req.Status),
	}
	if err := envelope.Validate(); err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	envelope.NotificationID = a.ids.Next()
	envelope.Trace = tracing.Inject(ctx)

	entryID, err = a.rt.Store.Append(ctx, env, envelope.Fields())
	if err != nil {
		return "", "", storeErr("append", err)
	}
	a.log.Info("envelope published",
		zap.String("env", string(env)),
		zap.String("id", envelope.NotificationID),
		zap.String("entry_id", entryID),
	)
	return envelope.NotificationID, entryID, nil
}

// Get returns a record with its due time and, when auditing is on, its
// delivery attempts.
func (a *Admin) Get(ctx context.Context, env types.Env, id string) (*NotificationDetail, error) {
	if _, err := a.envs(env); err != nil || env == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEnv, env)
	}
	rec, err := a.rt.Store.GetRecord(ctx, env, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, err
		}
		return nil, storeErr("get_record", err)
	}
	detail := &NotificationDetail{Record: rec}
	due, ok, err := a.rt.Store.DueAt(ctx, env, id)
	if err != nil {
		return nil, storeErr("due_at", err)
	}
	if ok {
		detail.DueAt = &due
	}
	if a.rt.Attempts != nil {
		attempts, err := a.rt.Attempts.ListByNotification(ctx, string(env), id)
		if err != nil {
			a.log.Warn("failed to load delivery attempts", zap.String("id", id), zap.Error(err))
		}
		detail.Attempts = attempts
	}
	return detail, nil
}

// RedriveResult counts the letters moved back onto each environment's log.
type RedriveResult struct {
	Redriven map[types.Env]int `json:"redriven"`
	Total    int               `json:"total"`
}

// Redrive appends dead letters back onto the log they came from so the
// consumer sees them again. An empty env redrives every environment; a
// limit of zero or less means no limit.
func (a *Admin) Redrive(ctx context.Context, env types.Env, limit int) (*RedriveResult, error) {
	if _, err := a.envs(env); err != nil {
		return nil, err
	}
	drainer, ok := a.rt.DeadLetter.(deadletter.Drainer)
	if !ok {
		return nil, deadletter.ErrDrainUnsupported
	}
	res := &RedriveResult{Redriven: make(map[types.Env]int)}
	n, err := drainer.Drain(ctx, env, limit, func(l deadletter.Letter) error {
		if !a.rt.Config.HasEnv(l.Env) {
			return fmt.Errorf("%w: %s", ErrUnknownEnv, l.Env)
		}
		entryID, err := a.rt.Store.Append(ctx, l.Env, l.Fields)
		if err != nil {
			return storeErr("append", err)
		}
		res.Redriven[l.Env]++
		metrics.DeadLettersRedrivenTotal.WithLabelValues(string(l.Env), a.rt.DeadLetter.Name()).Inc()
		a.log.Info("dead letter redriven",
			zap.String("env", string(l.Env)),
			zap.String("from_entry_id", l.EntryID),
			zap.String("entry_id", entryID),
			zap.String("reason", l.Reason),
		)
		return nil
	})
	res.Total = n
	var unavailable *StoreUnavailableError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &unavailable), errors.Is(err, ErrUnknownEnv), errors.Is(err, deadletter.ErrDrainUnsupported):
		return res, err
	default:
		return res, storeErr("dead_letter_drain", err)
	}
}
