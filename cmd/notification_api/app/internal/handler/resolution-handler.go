package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/jsndz/ackbus/pkg/lifecycle"
	"github.com/jsndz/ackbus/pkg/surface"
	"github.com/jsndz/ackbus/pkg/types"
)

type ResolutionHandler struct {
	resolver *lifecycle.Resolver
	log      *zap.Logger
}

func NewResolutionHandler(resolver *lifecycle.Resolver, log *zap.Logger) *ResolutionHandler {
	return &ResolutionHandler{resolver: resolver, log: log}
}

func (h *ResolutionHandler) Resolve(c *gin.Context) {
	var cb types.ActionCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if cb.Env != "" {
		env, err := types.ParseEnv(string(cb.Env))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cb.Env = env
	}
	if cb.Actor == "" {
		cb.Actor = "api"
	}
	res, err := h.resolver.Resolve(c.Request.Context(), cb)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// SlackActions handles Slack interaction payloads. Slack only needs a 200;
// anything other than a click on the resolve button is acknowledged and
// ignored.
func (h *ResolutionHandler) SlackActions(c *gin.Context) {
	payload := c.PostForm("payload")
	if payload == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing payload"})
		return
	}
	var interaction slack.InteractionCallback
	if err := json.Unmarshal([]byte(payload), &interaction); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	cb, ok := surface.ResolveCallback(interaction)
	if !ok {
		c.Status(http.StatusOK)
		return
	}

	res, err := h.resolver.Resolve(c.Request.Context(), cb)
	var unavailable *lifecycle.StoreUnavailableError
	switch {
	case errors.As(err, &unavailable):
		writeError(c, h.log, err)
		return
	case err != nil:
		h.log.Warn("slack resolution rejected",
			zap.String("id", cb.ID),
			zap.String("env", string(cb.Env)),
			zap.String("actor", cb.Actor),
			zap.Error(err),
		)
	default:
		h.log.Info("slack resolution handled",
			zap.String("id", cb.ID),
			zap.String("actor", cb.Actor),
			zap.Bool("changed", res.Changed),
		)
	}
	c.Status(http.StatusOK)
}
