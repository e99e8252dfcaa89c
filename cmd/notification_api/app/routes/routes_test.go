package routes

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jsndz/ackbus/middlewares"
	"github.com/jsndz/ackbus/pkg/bootstrap"
	"github.com/jsndz/ackbus/pkg/config"
	"github.com/jsndz/ackbus/pkg/models"
	"github.com/jsndz/ackbus/pkg/types"
)

const (
	testToken       = "tok"
	testSecret      = "sec"
	testSlackSecret = "slack-sec"
)

type apiHarness struct {
	router *gin.Engine
	rt     *bootstrap.Runtime
}

func newAPI(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clients := make(map[types.Env]*redis.Client)
	for _, env := range types.AllEnvs {
		clients[env] = client
	}
	cfg := &config.Config{API: config.APIConfig{
		Token:         testToken,
		SigningSecret: testSecret,
		SlackSecret:   testSlackSecret,
		RateLimit:     1000,
		Burst:         1000,
	}}
	require.NoError(t, cfg.Validate())

	rt := bootstrap.NewWithClients(cfg, zaptest.NewLogger(t), clients)
	router := gin.New()
	Setup(router, rt, nil)
	return &apiHarness{router: router, rt: rt}
}

func (a *apiHarness) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(middlewares.TokenHeader, testToken)
	req.Header.Set(middlewares.TimestampHeader, ts)
	req.Header.Set(middlewares.SignatureHeader, middlewares.Sign(testSecret, ts))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *apiHarness) seedPending(t *testing.T, env types.Env, id, threadRef string) {
	t.Helper()
	require.NoError(t, a.rt.Store.CreateRecord(context.Background(), env, &models.NotificationRecord{
		SchemaVersion: models.RecordSchemaVersion,
		ID:            id,
		Env:           env,
		Recipient:     "U1",
		ThreadRef:     threadRef,
		Template:      types.TemplateAction,
		CreatedTime:   time.Now().UTC(),
		Status:        models.StatusPending,
	}))
	require.NoError(t, a.rt.Store.ScheduleDue(context.Background(), env, id, time.Now().Add(time.Minute)))
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	a := newAPI(t)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIRequiresAuth(t *testing.T) {
	a := newAPI(t)
	w := a.do(http.MethodGet, "/api/status", nil, map[string]string{middlewares.TokenHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = a.do(http.MethodGet, "/api/status", nil, map[string]string{middlewares.SignatureHeader: "00"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPublish(t *testing.T) {
	a := newAPI(t)
	w := a.do(http.MethodPost, "/api/publish/dev", types.PublishRequest{
		MainText:  "deploy approval needed",
		Template:  "action",
		Recipient: "U1",
	}, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := decode(t, w)
	assert.NotEmpty(t, body["id"])
	assert.NotEmpty(t, body["entry_id"])

	st, err := a.rt.Store.StreamStats(context.Background(), types.EnvDev)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Length)
}

func TestPublishRejectsBadInput(t *testing.T) {
	a := newAPI(t)
	tests := []struct {
		name string
		path string
		body interface{}
	}{
		{"unknown env", "/api/publish/staging", types.PublishRequest{MainText: "x", Template: "text"}},
		{"missing main text", "/api/publish/dev", map[string]string{"template": "text"}},
		{"action without recipient", "/api/publish/dev", types.PublishRequest{MainText: "x", Template: "action"}},
		{"unknown template", "/api/publish/dev", types.PublishRequest{MainText: "x", Template: "fax"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(http.MethodPost, tt.path, tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestPublishIdempotencyKey(t *testing.T) {
	a := newAPI(t)
	req := types.PublishRequest{MainText: "x", Template: "text"}
	headers := map[string]string{middlewares.IdempotencyKeyHeader: "deploy-42"}

	first := a.do(http.MethodPost, "/api/publish/uat", req, headers)
	require.Equal(t, http.StatusAccepted, first.Code)
	second := a.do(http.MethodPost, "/api/publish/uat", req, headers)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, decode(t, first)["id"], decode(t, second)["id"])

	st, err := a.rt.Store.StreamStats(context.Background(), types.EnvUAT)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Length)
}

func TestResolveEndpoint(t *testing.T) {
	a := newAPI(t)
	a.seedPending(t, types.EnvProd, "n-1", "log:1")

	w := a.do(http.MethodPost, "/api/resolve", types.ActionCallback{ID: "n-1", ThreadRef: "log:9"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(http.MethodPost, "/api/resolve", types.ActionCallback{ID: "n-1", Env: "staging"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(http.MethodPost, "/api/resolve", types.ActionCallback{ID: "n-1", Actor: "alice"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["changed"])
	assert.Equal(t, "prod", body["env"])

	w = a.do(http.MethodPost, "/api/resolve", types.ActionCallback{ID: "n-1", Actor: "bob"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, false, body["changed"])
	assert.Equal(t, "alice", body["resolved_by"])

	w = a.do(http.MethodPost, "/api/resolve", types.ActionCallback{ID: "unknown"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["found"])

	w = a.do(http.MethodPost, "/api/resolve", types.ActionCallback{ID: "1700000000000-0"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(http.MethodPost, "/api/resolve", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func slackActionRequest(t *testing.T, secret string, payload map[string]interface{}) *http.Request {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	body := url.Values{"payload": {string(raw)}}.Encode()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + ts + ":" + body))

	req := httptest.NewRequest(http.MethodPost, "/slack/actions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func TestSlackActionsResolves(t *testing.T) {
	a := newAPI(t)
	a.seedPending(t, types.EnvDev, "n-7", "C1:1700000000.000100")

	payload := map[string]interface{}{
		"type": "block_actions",
		"user": map[string]string{"id": "U42", "name": "alice"},
		"container": map[string]string{
			"type":       "message",
			"message_ts": "1700000000.000100",
			"channel_id": "C1",
		},
		"actions": []map[string]string{{
			"type":      "button",
			"block_id":  "actions",
			"action_id": "resolve_notification",
			"value":     "dev:n-7",
		}},
	}

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, slackActionRequest(t, "forged", payload))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, slackActionRequest(t, testSlackSecret, payload))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	rec, err := a.rt.Store.GetRecord(context.Background(), types.EnvDev, "n-7")
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, rec.Status)
	assert.Equal(t, "alice", rec.ResolvedBy)
}

func TestAdminEndpoints(t *testing.T) {
	a := newAPI(t)
	a.seedPending(t, types.EnvDev, "d-1", "log:1")
	a.seedPending(t, types.EnvUAT, "u-1", "log:2")

	w := a.do(http.MethodGet, "/api/status", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["envs"], 3)

	w = a.do(http.MethodGet, "/api/status/nope", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(http.MethodGet, "/api/notifications/dev/d-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, decode(t, w)["due_at"])

	w = a.do(http.MethodGet, "/api/notifications/dev/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(http.MethodPost, "/api/reconcile/dev?repair=maybe", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(http.MethodPost, "/api/reconcile/dev", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = a.do(http.MethodPost, "/api/redrive?limit=-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(http.MethodPost, "/api/redrive/dev", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(0), decode(t, w)["total"])

	w = a.do(http.MethodDelete, "/api/clear/uat", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	_, err := a.rt.Store.GetRecord(context.Background(), types.EnvUAT, "u-1")
	assert.Error(t, err)
	_, err = a.rt.Store.GetRecord(context.Background(), types.EnvDev, "d-1")
	assert.NoError(t, err)

	w = a.do(http.MethodDelete, "/api/clear", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, err = a.rt.Store.GetRecord(context.Background(), types.EnvDev, "d-1")
	assert.Error(t, err)
}
