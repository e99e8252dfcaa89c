package surface

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/jsndz/ackbus/metrics"
	"github.com/jsndz/ackbus/pkg/types"
)

// ResolveActionID is the action_id of the button attached to action
// notifications. Its value is "<env>:<id>".
const ResolveActionID = "resolve_notification"

type SlackSurface struct {
	Token      string            `yaml:"token"`
	APIURL     string            `yaml:"apiURL,omitempty"`
	Channels   map[string]string `yaml:"channels"`
	MaxRetries int               `yaml:"maxRetries"`
	RetryDelay time.Duration     `yaml:"retryDelay"`

	client *slack.Client
	logr   *zap.Logger
}

// NewSlackSurface builds the Slack client. Channels maps each environment to
// the channel its notifications are posted to.
func NewSlackSurface(cfg SlackSurface, logr *zap.Logger) (*SlackSurface, error) {
	if cfg.Token == "" {
		return nil, errors.New("slack token is required")
	}
	if len(cfg.Channels) == 0 {
		return nil, errors.New("slack channels are required")
	}
	opts := []slack.Option{}
	if cfg.APIURL != "" {
		url := cfg.APIURL
		if !strings.HasSuffix(url, "/") {
			url += "/"
		}
		opts = append(opts, slack.OptionAPIURL(url))
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 3 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cfg.client = slack.New(cfg.Token, opts...)
	cfg.logr = logr
	return &cfg, nil
}

func (s *SlackSurface) Name() string { return "slack" }

func (s *SlackSurface) Send(ctx context.Context, msg Message) (string, error) {
	channel, ok := s.Channels[string(msg.Env)]
	if !ok {
		return "", fmt.Errorf("no slack channel configured for env %s", msg.Env)
	}

	var postedChannel, ts string
	err := s.call(ctx, "chat.postMessage", func() error {
		var err error
		postedChannel, ts, err = s.client.PostMessageContext(ctx, channel,
			slack.MsgOptionText(fallbackText(msg), false),
			slack.MsgOptionAttachments(buildAttachment(msg)),
		)
		return err
	})
	if err != nil {
		return "", err
	}
	return ThreadRef(postedChannel, ts), nil
}

func (s *SlackSurface) Reply(ctx context.Context, threadRef, text string) error {
	channel, ts, err := splitThreadRef(threadRef)
	if err != nil {
		return err
	}
	return s.call(ctx, "chat.postMessage", func() error {
		_, _, err := s.client.PostMessageContext(ctx, channel,
			slack.MsgOptionText(text, false),
			slack.MsgOptionTS(ts),
		)
		return err
	})
}

// MarkResolved replaces the original message's attachment with a resolved
// banner, which also removes the resolve button.
func (s *SlackSurface) MarkResolved(ctx context.Context, threadRef, actor string) error {
	channel, ts, err := splitThreadRef(threadRef)
	if err != nil {
		return err
	}
	who := actor
	if who == "" {
		who = "someone"
	} else if !strings.HasPrefix(who, "<") {
		who = "<@" + who + ">"
	}
	text := fmt.Sprintf(":white_check_mark: Resolved by %s", who)
	att := slack.Attachment{
		Color:    Color(types.SeveritySuccess),
		Fallback: text,
		Blocks: slack.Blocks{BlockSet: []slack.Block{
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
		}},
	}
	return s.call(ctx, "chat.update", func() error {
		_, _, _, err := s.client.UpdateMessageContext(ctx, channel, ts,
			slack.MsgOptionText(text, false),
			slack.MsgOptionAttachments(att),
		)
		return err
	})
}

// call runs one Slack API request with retries. Rate limit responses wait
// for the advertised Retry-After.
func (s *SlackSurface) call(ctx context.Context, service string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.MaxRetries; attempt++ {
		start := time.Now()
		err = fn()
		metrics.ExternalAPIDuration.WithLabelValues(s.Name(), service).Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.ExternalAPISuccessTotal.WithLabelValues(s.Name(), service).Inc()
			return nil
		}
		metrics.ExternalAPIFailureTotal.WithLabelValues(s.Name(), service).Inc()
		if !retryable(err) || attempt == s.MaxRetries {
			break
		}

		wait := s.RetryDelay
		var rle *slack.RateLimitedError
		if errors.As(err, &rle) && rle.RetryAfter > 0 {
			wait = rle.RetryAfter
		}
		if s.logr != nil {
			s.logr.Warn("slack call failed, retrying",
				zap.String("service", service),
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("slack %s: %w", service, err)
}

// retryable reports whether another attempt could succeed. Slack API
// errors such as channel_not_found or invalid_auth never will.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) {
		return true
	}
	var se slack.SlackErrorResponse
	if errors.As(err, &se) {
		return false
	}
	var sce slack.StatusCodeError
	if errors.As(err, &sce) {
		return sce.Code >= 500
	}
	return true
}

// ThreadRef is the reference of the Slack message ts in channel.
func ThreadRef(channel, ts string) string {
	return channel + ":" + ts
}

// ResolveCallback turns a click on the resolve button into an action
// callback. ok is false for any other interaction.
func ResolveCallback(cb slack.InteractionCallback) (types.ActionCallback, bool) {
	if cb.Type != slack.InteractionTypeBlockActions {
		return types.ActionCallback{}, false
	}
	for _, action := range cb.ActionCallback.BlockActions {
		if action == nil || action.ActionID != ResolveActionID {
			continue
		}
		env, id, ok := strings.Cut(action.Value, ":")
		if !ok || id == "" {
			return types.ActionCallback{}, false
		}
		ts := cb.Container.MessageTs
		if ts == "" {
			ts = cb.Message.Timestamp
		}
		channel := cb.Container.ChannelID
		if channel == "" {
			channel = cb.Channel.ID
		}
		actor := cb.User.Name
		if actor == "" {
			actor = cb.User.ID
		}
		return types.ActionCallback{
			ID:        id,
			Env:       types.Env(env),
			ThreadRef: ThreadRef(channel, ts),
			Actor:     actor,
		}, true
	}
	return types.ActionCallback{}, false
}

func splitThreadRef(ref string) (channel, ts string, err error) {
	channel, ts, ok := strings.Cut(ref, ":")
	if !ok || channel == "" || ts == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidThreadRef, ref)
	}
	return channel, ts, nil
}

func fallbackText(msg Message) string {
	if msg.Template == types.TemplateAction && msg.Recipient != "" {
		return fmt.Sprintf("%s %s", Mention(msg.Recipient), msg.MainText)
	}
	return msg.MainText
}

// Mention renders a recipient as a Slack mention unless it already is one.
func Mention(recipient string) string {
	if strings.HasPrefix(recipient, "<") {
		return recipient
	}
	r := strings.TrimPrefix(recipient, "@")
	if strings.HasPrefix(r, "U") || strings.HasPrefix(r, "W") {
		return "<@" + r + ">"
	}
	return "@" + r
}

func buildAttachment(msg Message) slack.Attachment {
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, "*"+msg.MainText+"*", false, false), nil, nil),
	}
	if msg.SubText != "" {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, msg.SubText, false, false),
		))
	}
	if msg.Template == types.TemplateAction {
		if msg.Recipient != "" {
			blocks = append(blocks, slack.NewSectionBlock(
				slack.NewTextBlockObject(slack.MarkdownType, Mention(msg.Recipient)+" please take action", false, false), nil, nil,
			))
		}
		button := slack.NewButtonBlockElement(ResolveActionID, string(msg.Env)+":"+msg.NotificationID,
			slack.NewTextBlockObject(slack.PlainTextType, "Resolve", false, false),
		).WithStyle(slack.StylePrimary)
		blocks = append(blocks, slack.NewActionBlock("actions_"+msg.NotificationID, button))
	}
	return slack.Attachment{
		Color:    Color(msg.Severity),
		Fallback: fallbackText(msg),
		Blocks:   slack.Blocks{BlockSet: blocks},
	}
}
