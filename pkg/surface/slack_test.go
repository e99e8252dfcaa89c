package surface

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jsndz/ackbus/pkg/types"
)

type slackCall struct {
	Method string
	Form   url.Values
}

type fakeSlack struct {
	mu    sync.Mutex
	calls []slackCall
	// respond may override the reply for the n-th call (0 based).
	respond func(n int, w http.ResponseWriter) bool
}

func (f *fakeSlack) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mu.Lock()
		n := len(f.calls)
		f.calls = append(f.calls, slackCall{Method: r.URL.Path[1:], Form: r.PostForm})
		f.mu.Unlock()

		if f.respond != nil && f.respond(n, w) {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C42","ts":"1700000000.000100","text":""}`))
	})
}

func (f *fakeSlack) Calls() []slackCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]slackCall(nil), f.calls...)
}

func newTestSlack(t *testing.T, fake *fakeSlack) *SlackSurface {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	s, err := NewSlackSurface(SlackSurface{
		Token:      "xoxb-test",
		APIURL:     srv.URL,
		Channels:   map[string]string{"dev": "C42", "uat": "C43"},
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func TestSlackSendActionMessage(t *testing.T) {
	fake := &fakeSlack{}
	s := newTestSlack(t, fake)

	ref, err := s.Send(context.Background(), Message{
		Env:            types.EnvDev,
		NotificationID: "n1",
		Template:       types.TemplateAction,
		MainText:       "Deploy failed",
		SubText:        "build 42",
		Recipient:      "@U123",
		Severity:       types.SeverityError,
	})
	require.NoError(t, err)
	assert.Equal(t, "C42:1700000000.000100", ref)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "chat.postMessage", calls[0].Method)
	assert.Equal(t, "C42", calls[0].Form.Get("channel"))
	assert.Equal(t, "<@U123> Deploy failed", calls[0].Form.Get("text"))
	attachments := calls[0].Form.Get("attachments")
	assert.Contains(t, attachments, "#E74C3C")
	assert.Contains(t, attachments, ResolveActionID)
	assert.Contains(t, attachments, "dev:n1")
}

func TestSlackSendTextMessageHasNoButton(t *testing.T) {
	fake := &fakeSlack{}
	s := newTestSlack(t, fake)

	_, err := s.Send(context.Background(), Message{
		Env:      types.EnvUAT,
		Template: types.TemplateText,
		MainText: "FYI",
		Severity: types.SeverityInfo,
	})
	require.NoError(t, err)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "C43", calls[0].Form.Get("channel"))
	assert.NotContains(t, calls[0].Form.Get("attachments"), ResolveActionID)
	assert.Contains(t, calls[0].Form.Get("attachments"), "#3498DB")
}

func TestSlackSendUnknownEnv(t *testing.T) {
	s := newTestSlack(t, &fakeSlack{})

	_, err := s.Send(context.Background(), Message{Env: types.EnvProd, Template: types.TemplateText, MainText: "x"})
	assert.Error(t, err)
}

func TestSlackReplyThreadsIntoOriginal(t *testing.T) {
	fake := &fakeSlack{}
	s := newTestSlack(t, fake)

	require.NoError(t, s.Reply(context.Background(), "C42:1700000000.000100", "reminder"))

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "1700000000.000100", calls[0].Form.Get("thread_ts"))
	assert.Equal(t, "reminder", calls[0].Form.Get("text"))
}

func TestSlackReplyRejectsForeignThreadRef(t *testing.T) {
	fake := &fakeSlack{}
	s := newTestSlack(t, fake)

	assert.ErrorIs(t, s.Reply(context.Background(), ":1.0", "x"), ErrInvalidThreadRef)
	assert.ErrorIs(t, s.Reply(context.Background(), "nothing", "x"), ErrInvalidThreadRef)
	assert.Empty(t, fake.Calls())
}

func TestSlackApiErrorIsNotRetried(t *testing.T) {
	fake := &fakeSlack{respond: func(n int, w http.ResponseWriter) bool {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
		return true
	}}
	s := newTestSlack(t, fake)

	err := s.Reply(context.Background(), "C42:1.0", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_not_found")
	assert.Len(t, fake.Calls(), 1)
}

func TestSlackRateLimitIsRetried(t *testing.T) {
	fake := &fakeSlack{respond: func(n int, w http.ResponseWriter) bool {
		if n > 0 {
			return false
		}
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
		return true
	}}
	s := newTestSlack(t, fake)

	require.NoError(t, s.Reply(context.Background(), "C42:1.0", "x"))
	assert.Len(t, fake.Calls(), 2)
}

func TestSlackMarkResolvedUpdatesMessage(t *testing.T) {
	fake := &fakeSlack{}
	s := newTestSlack(t, fake)

	require.NoError(t, s.MarkResolved(context.Background(), "C42:1700000000.000100", "U999"))

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "chat.update", calls[0].Method)
	assert.Equal(t, "1700000000.000100", calls[0].Form.Get("ts"))
	assert.Contains(t, calls[0].Form.Get("text"), "<@U999>")
	assert.NotContains(t, calls[0].Form.Get("attachments"), ResolveActionID)
}

func TestNewSlackSurfaceValidates(t *testing.T) {
	_, err := NewSlackSurface(SlackSurface{Channels: map[string]string{"dev": "C1"}}, zaptest.NewLogger(t))
	assert.Error(t, err)

	_, err = NewSlackSurface(SlackSurface{Token: "x"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestColor(t *testing.T) {
	assert.Equal(t, "#2ECC71", Color(types.SeveritySuccess))
	assert.Equal(t, "#E74C3C", Color(types.SeverityError))
	assert.Equal(t, "#3498DB", Color(types.SeverityInfo))
	assert.Equal(t, "#CCCCCC", Color("weird"))
}

func TestMentionFormats(t *testing.T) {
	assert.Equal(t, "<@U1>", Mention("@U1"))
	assert.Equal(t, "<@U1>", Mention("U1"))
	assert.Equal(t, "<!here>", Mention("<!here>"))
	assert.Equal(t, "@oncall", Mention("oncall"))
}

func TestResolveCallback(t *testing.T) {
	cb := slack.InteractionCallback{
		Type: slack.InteractionTypeBlockActions,
		User: slack.User{ID: "U42", Name: "alice"},
		Container: slack.Container{
			ChannelID: "C1",
			MessageTs: "1700000000.000100",
		},
		ActionCallback: slack.ActionCallbacks{
			BlockActions: []*slack.BlockAction{
				{ActionID: "something_else", Value: "dev:x"},
				{ActionID: ResolveActionID, Value: "uat:1700000000000-abcd1234-7"},
			},
		},
	}
	got, ok := ResolveCallback(cb)
	require.True(t, ok)
	assert.Equal(t, types.ActionCallback{
		ID:        "1700000000000-abcd1234-7",
		Env:       types.EnvUAT,
		ThreadRef: "C1:1700000000.000100",
		Actor:     "alice",
	}, got)

	cb.ActionCallback.BlockActions = []*slack.BlockAction{{ActionID: ResolveActionID, Value: "no-separator"}}
	_, ok = ResolveCallback(cb)
	assert.False(t, ok)

	_, ok = ResolveCallback(slack.InteractionCallback{Type: slack.InteractionTypeViewSubmission})
	assert.False(t, ok)
}
