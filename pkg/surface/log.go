package surface

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// LogSurface writes notifications to the logger instead of a chat service.
// Thread references are "log:<n>".
type LogSurface struct {
	logr *zap.Logger

	mu   sync.Mutex
	next int
}

func NewLogSurface(logr *zap.Logger) *LogSurface {
	return &LogSurface{logr: logr}
}

func (l *LogSurface) Name() string { return "log" }

func (l *LogSurface) Send(ctx context.Context, msg Message) (string, error) {
	l.mu.Lock()
	l.next++
	ref := fmt.Sprintf("log:%d", l.next)
	l.mu.Unlock()

	l.logr.Info("notification",
		zap.String("thread_ref", ref),
		zap.String("env", string(msg.Env)),
		zap.String("id", msg.NotificationID),
		zap.String("template", string(msg.Template)),
		zap.String("recipient", msg.Recipient),
		zap.String("severity", string(msg.Severity)),
		zap.String("text", msg.MainText),
		zap.String("sub_text", msg.SubText),
	)
	return ref, nil
}

func (l *LogSurface) Reply(ctx context.Context, threadRef, text string) error {
	if !strings.HasPrefix(threadRef, "log:") {
		return fmt.Errorf("%w: %q", ErrInvalidThreadRef, threadRef)
	}
	l.logr.Info("reply", zap.String("thread_ref", threadRef), zap.String("text", text))
	return nil
}

func (l *LogSurface) MarkResolved(ctx context.Context, threadRef, actor string) error {
	l.logr.Info("resolved", zap.String("thread_ref", threadRef), zap.String("actor", actor))
	return nil
}
