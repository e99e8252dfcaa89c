package surface

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"go.uber.org/zap"

	"github.com/jsndz/ackbus/metrics"
	"github.com/jsndz/ackbus/pkg/types"
)

const lineRefPrefix = "line:"

// LineSurface pushes notifications to a LINE user, group or room. LINE has
// no threads, so replies are pushed to the same target and the thread
// reference is "line:<to>".
type LineSurface struct {
	Token      string            `yaml:"token"`
	APIURL     string            `yaml:"apiURL,omitempty"`
	Targets    map[string]string `yaml:"targets"`
	MaxRetries int               `yaml:"maxRetries"`
	RetryDelay time.Duration     `yaml:"retryDelay"`

	client *messaging_api.MessagingApiAPI
	logr   *zap.Logger
}

// NewLineSurface builds the messaging API client. Targets maps each
// environment to the id its notifications are pushed to.
func NewLineSurface(cfg LineSurface, logr *zap.Logger) (*LineSurface, error) {
	if cfg.Token == "" {
		return nil, errors.New("line channel access token is required")
	}
	if len(cfg.Targets) == 0 {
		return nil, errors.New("line targets are required")
	}
	var opts []messaging_api.MessagingApiAPIOption
	if cfg.APIURL != "" {
		opts = append(opts, messaging_api.WithEndpoint(cfg.APIURL))
	}
	client, err := messaging_api.NewMessagingApiAPI(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("line client: %w", err)
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 3 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cfg.client = client
	cfg.logr = logr
	return &cfg, nil
}

func (l *LineSurface) Name() string { return "line" }

func (l *LineSurface) Send(ctx context.Context, msg Message) (string, error) {
	to, ok := l.Targets[string(msg.Env)]
	if !ok {
		return "", fmt.Errorf("no line target configured for env %s", msg.Env)
	}
	if err := l.push(ctx, to, lineText(msg)); err != nil {
		return "", err
	}
	return lineRefPrefix + to, nil
}

func (l *LineSurface) Reply(ctx context.Context, threadRef, text string) error {
	to, err := lineTarget(threadRef)
	if err != nil {
		return err
	}
	return l.push(ctx, to, text)
}

func (l *LineSurface) MarkResolved(ctx context.Context, threadRef, actor string) error {
	to, err := lineTarget(threadRef)
	if err != nil {
		return err
	}
	if actor == "" {
		actor = "someone"
	}
	return l.push(ctx, to, "Resolved by "+actor)
}

// push sends one text message. Every attempt carries the same retry key, so
// LINE answers 409 instead of delivering twice when an earlier attempt
// landed.
func (l *LineSurface) push(ctx context.Context, to, text string) error {
	req := &messaging_api.PushMessageRequest{
		To:       to,
		Messages: []messaging_api.MessageInterface{messaging_api.TextMessage{Text: text}},
	}
	retryKey := uuid.NewString()

	var err error
	for attempt := 0; attempt <= l.MaxRetries; attempt++ {
		start := time.Now()
		var res *http.Response
		res, _, err = l.client.WithContext(ctx).PushMessageWithHttpInfo(req, retryKey)
		metrics.ExternalAPIDuration.WithLabelValues(l.Name(), "push").Observe(time.Since(start).Seconds())
		status := 0
		if res != nil {
			status = res.StatusCode
		}
		if err == nil || (attempt > 0 && status == http.StatusConflict) {
			metrics.ExternalAPISuccessTotal.WithLabelValues(l.Name(), "push").Inc()
			return nil
		}
		metrics.ExternalAPIFailureTotal.WithLabelValues(l.Name(), "push").Inc()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !lineRetryable(status) || attempt == l.MaxRetries {
			break
		}
		if l.logr != nil {
			l.logr.Warn("line push failed, retrying",
				zap.Int("attempt", attempt+1),
				zap.Int("status", status),
				zap.Error(err),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.RetryDelay):
		}
	}
	return fmt.Errorf("line push: %w", err)
}

// lineRetryable reports whether another attempt could succeed. Status 0
// means the request never got a response.
func lineRetryable(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}

func lineTarget(ref string) (string, error) {
	to, ok := strings.CutPrefix(ref, lineRefPrefix)
	if !ok || to == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidThreadRef, ref)
	}
	return to, nil
}

func lineText(msg Message) string {
	var b strings.Builder
	b.WriteString(msg.MainText)
	if msg.SubText != "" {
		b.WriteString("\n")
		b.WriteString(msg.SubText)
	}
	if msg.Template == types.TemplateAction {
		if msg.Recipient != "" {
			fmt.Fprintf(&b, "\n%s please take action", msg.Recipient)
		}
		fmt.Fprintf(&b, "\nresolve: %s:%s", msg.Env, msg.NotificationID)
	}
	return b.String()
}
