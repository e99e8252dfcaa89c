package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jsndz/ackbus/pkg/bootstrap"
	"github.com/jsndz/ackbus/pkg/models"
	"github.com/jsndz/ackbus/pkg/types"
)

const (
	attemptInitial  = "initial"
	attemptReminder = "reminder"
	attemptResolve  = "resolve"
)

// recordAttempt appends to the audit ledger when one is configured. Ledger
// failures are logged and never affect the lifecycle.
func recordAttempt(ctx context.Context, rt *bootstrap.Runtime, env types.Env, id, kind string, try int, start time.Time, sendErr error) {
	if rt.Attempts == nil {
		return
	}
	attempt := &models.DeliveryAttempt{
		NotificationID: id,
		Env:            string(env),
		Kind:           kind,
		Provider:       rt.Surface.Name(),
		Status:         "delivered",
		Try:            try,
		LatencyMs:      time.Since(start).Milliseconds(),
	}
	if sendErr != nil {
		attempt.Status = "failed"
		attempt.Error = sendErr.Error()
	}
	if err := rt.Attempts.Create(context.WithoutCancel(ctx), attempt); err != nil {
		rt.Logger.Warn("failed to record delivery attempt",
			zap.String("env", string(env)),
			zap.String("id", id),
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
}
