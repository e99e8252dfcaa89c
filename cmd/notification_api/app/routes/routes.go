package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jsndz/ackbus/cmd/notification_api/app/internal/handler"
	"github.com/jsndz/ackbus/middlewares"
	"github.com/jsndz/ackbus/pkg/bootstrap"
	"github.com/jsndz/ackbus/pkg/lifecycle"
)

func Notifications(router *gin.RouterGroup, admin *lifecycle.Admin, rt *bootstrap.Runtime, log *zap.Logger) {
	notificationHandler := handler.NewNotificationHandler(admin, log)
	idempotency := middlewares.NewIdempotencyMiddleware(middlewares.IdempotencyConfig{
		Clients: rt.Redis,
		Log:     log,
	})

	router.POST("/publish/:env", idempotency, notificationHandler.Publish)
	router.GET("/notifications/:env/:id", notificationHandler.GetNotification)
}

func Resolutions(router *gin.RouterGroup, resolver *lifecycle.Resolver, log *zap.Logger) {
	resolutionHandler := handler.NewResolutionHandler(resolver, log)
	router.POST("/resolve", resolutionHandler.Resolve)
}

// Slack registers the interaction endpoint behind signing secret
// verification.
func Slack(router *gin.RouterGroup, resolver *lifecycle.Resolver, signingSecret string, log *zap.Logger) {
	resolutionHandler := handler.NewResolutionHandler(resolver, log)
	router.POST("/actions", middlewares.SlackVerifier(signingSecret, log), resolutionHandler.SlackActions)
}

func Admin(router *gin.RouterGroup, admin *lifecycle.Admin, log *zap.Logger) {
	adminHandler := handler.NewAdminHandler(admin, log)

	router.GET("/status", adminHandler.Status)
	router.GET("/status/:env", adminHandler.Status)
	router.DELETE("/clear", adminHandler.Clear)
	router.DELETE("/clear/:env", adminHandler.Clear)
	router.POST("/reconcile", adminHandler.Reconcile)
	router.POST("/reconcile/:env", adminHandler.Reconcile)
	router.POST("/redrive", adminHandler.Redrive)
	router.POST("/redrive/:env", adminHandler.Redrive)
}

// Setup builds the API router: /health and /metrics are open, /api needs
// the token and signature headers, /slack needs a Slack signature.
func Setup(router *gin.Engine, rt *bootstrap.Runtime, metricsHandler gin.HandlerFunc) {
	log := rt.Logger
	cfg := rt.Config.API
	admin := lifecycle.NewAdmin(rt)
	resolver := lifecycle.NewResolver(rt)
	limiter := middlewares.NewRateLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)

	router.Use(middlewares.GinMetricsMiddleware())
	router.GET("/health", func(ctx *gin.Context) {
		if err := rt.Store.Ping(ctx.Request.Context()); err != nil {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"message": "redis unavailable", "error": err.Error()})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	if metricsHandler != nil {
		router.GET("/metrics", metricsHandler)
	}

	api := router.Group("/api", limiter.Middleware(), middlewares.NewAuthMiddleware(middlewares.AuthConfig{
		Token:         cfg.Token,
		SigningSecret: cfg.SigningSecret,
		Log:           log,
	}))
	Notifications(api, admin, rt, log)
	Resolutions(api, resolver, log)
	Admin(api, admin, log)

	if cfg.SlackSecret != "" {
		Slack(router.Group("/slack", limiter.Middleware()), resolver, cfg.SlackSecret, log)
	} else {
		log.Warn("slack signing secret not set, /slack/actions disabled")
	}
}
