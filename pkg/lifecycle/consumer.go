package lifecycle

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jsndz/ackbus/metrics"
	"github.com/jsndz/ackbus/pkg/bootstrap"
	"github.com/jsndz/ackbus/pkg/deadletter"
	"github.com/jsndz/ackbus/pkg/models"
	"github.com/jsndz/ackbus/pkg/store"
	"github.com/jsndz/ackbus/pkg/surface"
	"github.com/jsndz/ackbus/pkg/types"
	"github.com/jsndz/ackbus/tracing"
)

const readErrorPause = time.Second

// Consumer turns envelopes from an environment's log into notification
// records and due index entries.
type Consumer struct {
	rt    *bootstrap.Runtime
	name  string
	log   *zap.Logger
	pause time.Duration
}

// NewConsumer names the consumer after the configured consumer name, or a
// random one so that several processes compete for the same group.
func NewConsumer(rt *bootstrap.Runtime) *Consumer {
	name := rt.Config.Stream.Consumer
	if name == "" {
		name = "stream_worker-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	return &Consumer{
		rt:    rt,
		name:  name,
		log:   rt.Logger.With(zap.String("consumer", name)),
		pause: readErrorPause,
	}
}

func (c *Consumer) Name() string { return c.name }

// Run consumes env until ctx is cancelled. Entries other consumers left
// unacknowledged for longer than the claim timeout are taken over first.
func (c *Consumer) Run(ctx context.Context, env types.Env) error {
	cfg := c.rt.Config.Stream
	for {
		err := c.rt.Store.EnsureGroup(ctx, env)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil
		}
		c.log.Error("consumer group setup failed, retrying", zap.String("env", string(env)), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.pause):
		}
	}
	c.log.Info("consumer started", zap.String("env", string(env)))

	var lastClaim time.Time
	for {
		select {
		case <-ctx.Done():
			c.log.Info("consumer stopped", zap.String("env", string(env)))
			return nil
		default:
		}

		if time.Since(lastClaim) >= cfg.ClaimTimeout/2 {
			lastClaim = time.Now()
			claimed, err := c.rt.Store.ClaimStale(ctx, env, c.name, cfg.ClaimTimeout, cfg.BatchSize)
			if err != nil && ctx.Err() == nil {
				c.log.Error("claim of stale entries failed", zap.String("env", string(env)), zap.Error(err))
			}
			if len(claimed) > 0 {
				c.log.Info("claimed stale entries", zap.String("env", string(env)), zap.Int("count", len(claimed)))
			}
			c.processBatch(ctx, env, claimed)
		}

		entries, err := c.rt.Store.ReadNew(ctx, env, c.name, cfg.BatchSize, cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.log.Error("read from stream failed", zap.String("env", string(env)), zap.Error(err))
			if strings.Contains(err.Error(), "NOGROUP") {
				if err := c.rt.Store.EnsureGroup(ctx, env); err != nil {
					c.log.Error("recreate consumer group failed", zap.Error(err))
				}
			}
			select {
			case <-ctx.Done():
			case <-time.After(c.pause):
			}
			continue
		}
		c.processBatch(ctx, env, entries)
	}
}

func (c *Consumer) processBatch(ctx context.Context, env types.Env, entries []store.Entry) {
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		_ = c.Process(ctx, env, e)
	}
}

// Process handles one log entry and acknowledges it once its effects are
// durable. A nil error, ErrDuplicate and MalformedEnvelopeError all mean the
// entry was acknowledged; any other error leaves it for redelivery.
func (c *Consumer) Process(ctx context.Context, env types.Env, entry store.Entry) error {
	start := time.Now()
	defer func() {
		metrics.EnvelopeProcessDuration.WithLabelValues(string(env)).Observe(time.Since(start).Seconds())
	}()

	envelope, decodeErr := types.DecodeEnvelope(env, entry.Values)
	ctx = tracing.Extract(ctx, envelope.Trace)
	ctx, span := c.rt.Tracer.Start(ctx, "consumer.process", trace.WithAttributes(
		attribute.String("env", string(env)),
		attribute.String("entry_id", entry.ID),
	))
	defer span.End()

	log := c.log.With(zap.String("env", string(env)), zap.String("entry_id", entry.ID))

	if decodeErr != nil {
		err := c.deadLetter(ctx, env, entry, decodeErr)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		log.Warn("malformed envelope dead-lettered", zap.Error(decodeErr))
		c.count(env, "malformed")
		return &MalformedEnvelopeError{EntryID: entry.ID, Err: decodeErr}
	}

	id := envelope.NotificationID
	if id == "" {
		id = entry.ID
	}
	span.SetAttributes(attribute.String("id", id), attribute.String("template", string(envelope.Template)))
	log = log.With(zap.String("id", id))

	_, err := c.rt.Store.GetRecord(ctx, env, id)
	switch {
	case err == nil:
		log.Info("duplicate envelope, already recorded")
		return c.ackDuplicate(ctx, env, entry.ID)
	case !errors.Is(err, store.ErrRecordNotFound):
		log.Error("dedup lookup failed", zap.Error(err))
		c.count(env, "store_error")
		span.SetStatus(codes.Error, err.Error())
		return storeErr("get_record", err)
	}

	sendStart := time.Now()
	threadRef, err := c.rt.Surface.Send(ctx, surface.Message{
		Env:            env,
		NotificationID: id,
		Template:       envelope.Template,
		MainText:       envelope.MainText,
		SubText:        envelope.SubText,
		Recipient:      envelope.Recipient,
		Severity:       envelope.Status,
	})
	// Once the message is out, shutdown must not interrupt the writes that
	// stop it from being sent again.
	ctx = context.WithoutCancel(ctx)
	recordAttempt(ctx, c.rt, env, id, attemptInitial, 1, sendStart, err)
	if err != nil {
		log.Error("initial send failed", zap.Error(err))
		c.count(env, "send_failed")
		span.SetStatus(codes.Error, err.Error())
		return &TransientDeliveryError{ID: id, Err: err}
	}

	now := c.rt.Clock.Now()
	rec := &models.NotificationRecord{
		SchemaVersion: models.RecordSchemaVersion,
		ID:            id,
		Env:           env,
		Recipient:     envelope.Recipient,
		ThreadRef:     threadRef,
		Template:      envelope.Template,
		CreatedTime:   now,
		Status:        models.StatusPending,
	}
	if envelope.Template == types.TemplateText {
		rec.Status = models.StatusResolved
		rec.ResolvedTime = &now
		rec.ResolvedBy = models.AutoResolver
	}

	if err := c.rt.Store.CreateRecord(ctx, env, rec); err != nil {
		if errors.Is(err, store.ErrRecordExists) {
			log.Warn("record created concurrently, message was sent twice")
			return c.ackDuplicate(ctx, env, entry.ID)
		}
		log.Error("record write failed after send", zap.Error(err))
		c.count(env, "store_error")
		span.SetStatus(codes.Error, err.Error())
		return storeErr("create_record", err)
	}

	if rec.Status == models.StatusPending {
		due := now.Add(c.rt.Config.Scheduler.InitialDelay)
		if err := c.rt.Store.ScheduleDue(ctx, env, id, due); err != nil {
			log.Error("due index write failed after record write", zap.Error(err))
			c.count(env, "store_error")
			span.SetStatus(codes.Error, err.Error())
			return storeErr("schedule_due", err)
		}
	}

	if err := c.rt.Store.Ack(ctx, env, entry.ID); err != nil {
		log.Error("ack failed", zap.Error(err))
		c.count(env, "store_error")
		return storeErr("ack", err)
	}
	log.Info("notification delivered",
		zap.String("template", string(envelope.Template)),
		zap.String("thread_ref", threadRef),
	)
	c.count(env, "delivered")
	return nil
}

func (c *Consumer) ackDuplicate(ctx context.Context, env types.Env, entryID string) error {
	if err := c.rt.Store.Ack(ctx, env, entryID); err != nil {
		c.count(env, "store_error")
		return storeErr("ack", err)
	}
	c.count(env, "duplicate")
	return ErrDuplicate
}

func (c *Consumer) deadLetter(ctx context.Context, env types.Env, entry store.Entry, cause error) error {
	reason := "malformed"
	var me *types.MalformedError
	if errors.As(cause, &me) {
		reason = "invalid_" + me.Field
	}
	err := c.rt.DeadLetter.Publish(ctx, deadletter.Letter{
		Env:      env,
		EntryID:  entry.ID,
		Reason:   reason,
		Fields:   entry.Values,
		FailedAt: c.rt.Clock.Now(),
	})
	if err != nil {
		c.log.Error("dead letter publish failed, leaving entry unacknowledged",
			zap.String("env", string(env)),
			zap.String("entry_id", entry.ID),
			zap.Error(err),
		)
		c.count(env, "dlq_failed")
		return err
	}
	if err := c.rt.Store.Ack(ctx, env, entry.ID); err != nil {
		c.count(env, "store_error")
		return storeErr("ack", err)
	}
	return nil
}

func (c *Consumer) count(env types.Env, outcome string) {
	metrics.EnvelopesConsumedTotal.WithLabelValues(string(env), outcome).Inc()
}
