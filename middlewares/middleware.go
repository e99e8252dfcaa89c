package middlewares

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/jsndz/ackbus/metrics"
	"github.com/jsndz/ackbus/pkg/types"
)

const (
	TokenHeader          = "token"
	TimestampHeader      = "X-Timestamp"
	SignatureHeader      = "X-Signature"
	IdempotencyKeyHeader = "X-Idempotency-Key"

	// SignatureWindow bounds how far X-Timestamp may drift from the server
	// clock.
	SignatureWindow = 5 * time.Minute
)

type AuthConfig struct {
	Token string
	// SigningSecret keys the HMAC over X-Timestamp. The token is used when
	// it is empty.
	SigningSecret string
	Now           func() time.Time
	Log           *zap.Logger
}

// Sign returns the hex HMAC-SHA256 of timestamp under secret.
func Sign(secret, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// NewAuthMiddleware checks the static token and a signature over a recent
// timestamp, so a captured request stops working after the window.
func NewAuthMiddleware(cfg AuthConfig) gin.HandlerFunc {
	secret := cfg.SigningSecret
	if secret == "" {
		secret = cfg.Token
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	reject := func(c *gin.Context, reason, msg string) {
		metrics.HttpAuthRejectionsTotal.WithLabelValues(reason).Inc()
		if cfg.Log != nil {
			cfg.Log.Warn("request rejected",
				zap.String("reason", reason),
				zap.String("path", c.Request.URL.Path),
				zap.String("client_ip", c.ClientIP()),
			)
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
	}

	return func(c *gin.Context) {
		token := c.GetHeader(TokenHeader)
		if token == "" {
			reject(c, "missing_token", "missing token")
			return
		}
		if !hmac.Equal([]byte(token), []byte(cfg.Token)) {
			reject(c, "invalid_token", "invalid token")
			return
		}

		ts := c.GetHeader(TimestampHeader)
		sig := c.GetHeader(SignatureHeader)
		if ts == "" || sig == "" {
			reject(c, "missing_signature", "missing timestamp or signature")
			return
		}
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			reject(c, "invalid_timestamp", "invalid timestamp")
			return
		}
		if math.Abs(float64(now().Unix()-unix)) > SignatureWindow.Seconds() {
			reject(c, "expired_timestamp", "timestamp outside allowed window")
			return
		}
		if !hmac.Equal([]byte(sig), []byte(Sign(secret, ts))) {
			reject(c, "invalid_signature", "invalid signature")
			return
		}
		c.Next()
	}
}

// SlackVerifier checks the signing secret signature of Slack interaction
// requests and restores the body for the handler.
func SlackVerifier(signingSecret string, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		verifier, err := slack.NewSecretsVerifier(c.Request.Header, signingSecret)
		if err != nil {
			metrics.HttpAuthRejectionsTotal.WithLabelValues("slack_headers").Inc()
			log.Warn("slack request rejected", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid slack request"})
			return
		}
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		if _, err := verifier.Write(body); err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := verifier.Ensure(); err != nil {
			metrics.HttpAuthRejectionsTotal.WithLabelValues("slack_signature").Inc()
			log.Warn("slack signature mismatch", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid slack signature"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Next()
	}
}

type bodyWriter struct {
	gin.ResponseWriter
	body []byte
}

func (w *bodyWriter) Write(b []byte) (int, error) {
	w.body = append(w.body, b...)
	return w.ResponseWriter.Write(b)
}

type IdempotencyConfig struct {
	Clients map[types.Env]*redis.Client
	TTL     time.Duration
	// PendingTTL bounds how long a key stays reserved by a request that
	// never finishes.
	PendingTTL time.Duration
	Log        *zap.Logger
}

// idempotencyPending marks a key whose first request is still running.
const idempotencyPending = "\x00pending"

func idempotencyKey(env types.Env, key string) string {
	return fmt.Sprintf("idempotency:{%s}:%s", env, key)
}

// NewIdempotencyMiddleware replays the stored response of an earlier
// successful request carrying the same X-Idempotency-Key for the :env route
// parameter. The key is reserved before the handler runs, so a concurrent
// duplicate gets 409 instead of running twice. Requests without the header
// pass through untouched.
func NewIdempotencyMiddleware(cfg IdempotencyConfig) gin.HandlerFunc {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	pendingTTL := cfg.PendingTTL
	if pendingTTL <= 0 {
		pendingTTL = time.Minute
	}
	warn := func(msg, key string, err error) {
		if cfg.Log != nil {
			cfg.Log.Warn(msg, zap.String("key", key), zap.Error(err))
		}
	}
	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyKeyHeader)
		client := cfg.Clients[types.Env(c.Param("env"))]
		if key == "" || client == nil {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		redisKey := idempotencyKey(types.Env(c.Param("env")), key)

		reserved, err := client.SetNX(ctx, redisKey, idempotencyPending, pendingTTL).Result()
		if err != nil {
			warn("idempotency reserve failed", key, err)
			c.Next()
			return
		}
		if !reserved {
			resp, err := client.Get(ctx, redisKey).Bytes()
			switch {
			case err == nil && string(resp) == idempotencyPending:
				c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "a request with this idempotency key is in progress"})
			case err == nil:
				c.Header("Idempotent-Replay", "true")
				c.Data(http.StatusOK, "application/json", resp)
				c.Abort()
			default:
				if err != redis.Nil {
					warn("idempotency lookup failed", key, err)
				}
				c.Next()
			}
			return
		}

		bw := &bodyWriter{ResponseWriter: c.Writer}
		c.Writer = bw
		c.Next()

		// the reservation must not outlive a request that was cut short
		ctx = context.WithoutCancel(ctx)
		if c.Writer.Status() >= 400 {
			if err := client.Del(ctx, redisKey).Err(); err != nil {
				warn("idempotency release failed", key, err)
			}
			return
		}
		if err := client.Set(ctx, redisKey, bw.body, ttl).Err(); err != nil {
			warn("idempotency store failed", key, err)
		}
	}
}
