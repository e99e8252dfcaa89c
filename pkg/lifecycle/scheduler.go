package lifecycle

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jsndz/ackbus/metrics"
	"github.com/jsndz/ackbus/pkg/bootstrap"
	"github.com/jsndz/ackbus/pkg/models"
	"github.com/jsndz/ackbus/pkg/store"
	"github.com/jsndz/ackbus/pkg/surface"
	"github.com/jsndz/ackbus/pkg/template"
	"github.com/jsndz/ackbus/pkg/types"
)

// TickStats summarises one scheduler pass.
type TickStats struct {
	Due     int `json:"due"`
	Sent    int `json:"sent"`
	Expired int `json:"expired"`
	Stale   int `json:"stale"`
	Failed  int `json:"failed"`
	Leased  int `json:"leased"`
}

func (s *TickStats) add(o TickStats) {
	s.Due += o.Due
	s.Sent += o.Sent
	s.Expired += o.Expired
	s.Stale += o.Stale
	s.Failed += o.Failed
	s.Leased += o.Leased
}

// Scheduler re-sends reminders for overdue pending notifications.
type Scheduler struct {
	rt       *bootstrap.Runtime
	backoff  Backoff
	reminder *template.Reminder
	log      *zap.Logger
}

func NewScheduler(rt *bootstrap.Runtime) (*Scheduler, error) {
	backoff, err := NewBackoff(rt.Config.Scheduler.Backoff)
	if err != nil {
		return nil, err
	}
	reminder, err := template.NewReminder(rt.Config.Scheduler.ReminderTemplate)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		rt:       rt,
		backoff:  backoff,
		reminder: reminder,
		log:      rt.Logger.With(zap.String("component", "scheduler")),
	}, nil
}

// Run ticks every tick interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.rt.Config.Scheduler.TickInterval
	s.log.Info("scheduler started", zap.Duration("tick", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one pass over every configured environment. It stops starting
// new notifications once ctx is cancelled but finishes the one in progress.
func (s *Scheduler) Tick(ctx context.Context) TickStats {
	var total TickStats
	for _, env := range s.rt.Config.Envs {
		if ctx.Err() != nil {
			break
		}
		total.add(s.tickEnv(ctx, env))
	}
	return total
}

func (s *Scheduler) tickEnv(ctx context.Context, env types.Env) TickStats {
	var stats TickStats
	start := time.Now()
	ctx, span := s.rt.Tracer.Start(ctx, "scheduler.tick", trace.WithAttributes(attribute.String("env", string(env))))
	defer func() {
		span.SetAttributes(
			attribute.Int("due", stats.Due),
			attribute.Int("sent", stats.Sent),
			attribute.Int("expired", stats.Expired),
		)
		span.End()
		metrics.SchedulerTickDuration.WithLabelValues(string(env)).Observe(time.Since(start).Seconds())
	}()

	ids, err := s.rt.Store.DueBefore(ctx, env, s.rt.Clock.Now(), s.rt.Config.Scheduler.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("due index query failed", zap.String("env", string(env)), zap.Error(err))
			metrics.SchedulerItemErrorsTotal.WithLabelValues(string(env), "store").Inc()
		}
		return stats
	}
	stats.Due = len(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		// The in-progress notification is finished even if shutdown starts.
		outcome, err := s.processDue(context.WithoutCancel(ctx), env, id)
		switch outcome {
		case outcomeSent:
			stats.Sent++
		case outcomeSentExpired:
			stats.Sent++
			stats.Expired++
		case outcomeExpired:
			stats.Expired++
		case outcomeStale:
			stats.Stale++
		case outcomeFailed:
			stats.Failed++
		case outcomeLeased:
			stats.Leased++
		}
		if err != nil && outcome == outcomeFailed {
			s.log.Error("reminder processing failed", zap.String("env", string(env)), zap.String("id", id), zap.Error(err))
		}
	}

	if n, err := s.rt.Store.IndexSize(ctx, env); err == nil {
		metrics.DueIndexSize.WithLabelValues(string(env)).Set(float64(n))
	}
	return stats
}

type dueOutcome int

const (
	outcomeLeased dueOutcome = iota
	outcomeSent
	outcomeSentExpired
	outcomeExpired
	outcomeStale
	outcomeFailed
)

func (s *Scheduler) processDue(ctx context.Context, env types.Env, id string) (dueOutcome, error) {
	cfg := s.rt.Config.Scheduler
	log := s.log.With(zap.String("env", string(env)), zap.String("id", id))

	// Only one scheduler works on a notification at a time; the record is read
	// under the lease so the count below is current.
	token, ok, err := s.rt.Store.AcquireLease(ctx, env, id, cfg.LeaseTTL)
	if err != nil {
		metrics.SchedulerItemErrorsTotal.WithLabelValues(string(env), "store").Inc()
		return outcomeFailed, storeErr("acquire_lease", err)
	}
	if !ok {
		log.Debug("notification leased by another scheduler")
		return outcomeLeased, nil
	}
	defer func() {
		if err := s.rt.Store.ReleaseLease(ctx, env, id, token); err != nil {
			log.Warn("failed to release reminder lease", zap.Error(err))
		}
	}()

	rec, err := s.rt.Store.GetRecord(ctx, env, id)
	if err != nil && !errors.Is(err, store.ErrRecordNotFound) {
		metrics.SchedulerItemErrorsTotal.WithLabelValues(string(env), "store").Inc()
		return outcomeFailed, storeErr("get_record", err)
	}
	if rec == nil || rec.Status != models.StatusPending {
		return s.dropStale(ctx, env, id, rec, log)
	}

	if rec.ReminderCount >= cfg.MaxReminders {
		return s.expire(ctx, env, id, log)
	}

	count := rec.ReminderCount + 1
	text, err := s.reminder.Render(template.ReminderData{
		ID:        id,
		Env:       string(env),
		Recipient: surface.Mention(rec.Recipient),
		Count:     count,
		Max:       cfg.MaxReminders,
	})
	if err != nil {
		metrics.SchedulerItemErrorsTotal.WithLabelValues(string(env), "render").Inc()
		return outcomeFailed, err
	}

	sendStart := time.Now()
	err = s.rt.Surface.Reply(ctx, rec.ThreadRef, text)
	recordAttempt(ctx, s.rt, env, id, attemptReminder, count, sendStart, err)
	if err != nil {
		metrics.RemindersFailedTotal.WithLabelValues(string(env)).Inc()
		metrics.SchedulerItemErrorsTotal.WithLabelValues(string(env), "send").Inc()
		return outcomeFailed, &TransientDeliveryError{ID: id, Err: err}
	}
	metrics.RemindersSentTotal.WithLabelValues(string(env)).Inc()

	now := s.rt.Clock.Now()
	var expired, resolvedMeanwhile bool
	updated, err := s.rt.Store.Update(ctx, env, id, func(r *models.NotificationRecord) (store.Mutation, error) {
		expired, resolvedMeanwhile = false, false
		if r == nil {
			return store.Mutation{Index: store.IndexRemove}, nil
		}
		if r.ReminderCount < cfg.MaxReminders {
			r.ReminderCount++
		}
		r.LastReminderTime = now
		if r.Status != models.StatusPending {
			resolvedMeanwhile = true
			return store.Mutation{Save: true, Index: store.IndexRemove}, nil
		}
		if r.ReminderCount >= cfg.MaxReminders {
			r.Status = models.StatusExpired
			expired = true
			return store.Mutation{Save: true, Index: store.IndexRemove}, nil
		}
		return store.Mutation{Save: true, Index: store.IndexSchedule, Due: now.Add(s.backoff.Next(r.ReminderCount))}, nil
	})
	if err != nil {
		// The reminder went out but was not recorded; the entry is still due
		// so the next tick may repeat it.
		metrics.SchedulerItemErrorsTotal.WithLabelValues(string(env), "store").Inc()
		return outcomeFailed, storeErr("update", err)
	}

	switch {
	case updated == nil:
		log.Warn("record vanished while sending reminder")
	case resolvedMeanwhile:
		log.Info("reminder sent but notification was resolved meanwhile", zap.Int("count", updated.ReminderCount))
	case expired:
		metrics.NotificationsExpiredTotal.WithLabelValues(string(env)).Inc()
		log.Info("final reminder sent, notification expired", zap.Int("count", updated.ReminderCount))
		return outcomeSentExpired, nil
	default:
		log.Info("reminder sent", zap.Int("count", updated.ReminderCount))
	}
	return outcomeSent, nil
}

func (s *Scheduler) dropStale(ctx context.Context, env types.Env, id string, rec *models.NotificationRecord, log *zap.Logger) (dueOutcome, error) {
	if err := s.rt.Store.Unschedule(ctx, env, id); err != nil {
		metrics.SchedulerItemErrorsTotal.WithLabelValues(string(env), "store").Inc()
		return outcomeFailed, storeErr("unschedule", err)
	}
	status := "missing"
	if rec != nil {
		status = string(rec.Status)
	}
	log.Warn("dropped stale due index entry", zap.String("record_status", status))
	metrics.StaleIndexEntriesTotal.WithLabelValues(string(env)).Inc()
	return outcomeStale, ErrStaleIndexEntry
}

func (s *Scheduler) expire(ctx context.Context, env types.Env, id string, log *zap.Logger) (dueOutcome, error) {
	var expired bool
	_, err := s.rt.Store.Update(ctx, env, id, func(r *models.NotificationRecord) (store.Mutation, error) {
		expired = false
		if r == nil || r.Status != models.StatusPending {
			return store.Mutation{Index: store.IndexRemove}, nil
		}
		r.Status = models.StatusExpired
		expired = true
		return store.Mutation{Save: true, Index: store.IndexRemove}, nil
	})
	if err != nil {
		metrics.SchedulerItemErrorsTotal.WithLabelValues(string(env), "store").Inc()
		return outcomeFailed, storeErr("update", err)
	}
	if !expired {
		log.Info("notification left pending before expiry")
		return outcomeStale, ErrStaleIndexEntry
	}
	metrics.NotificationsExpiredTotal.WithLabelValues(string(env)).Inc()
	log.Info("notification expired")
	return outcomeExpired, nil
}
