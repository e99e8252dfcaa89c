package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jsndz/ackbus/pkg/lifecycle"
	"github.com/jsndz/ackbus/pkg/types"
)

type NotificationHandler struct {
	admin *lifecycle.Admin
	log   *zap.Logger
}

func NewNotificationHandler(admin *lifecycle.Admin, log *zap.Logger) *NotificationHandler {
	return &NotificationHandler{admin: admin, log: log}
}

func (h *NotificationHandler) Publish(c *gin.Context) {
	env, ok := envParam(c)
	if !ok {
		return
	}
	var req types.PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, entryID, err := h.admin.Publish(c.Request.Context(), env, req)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message":  "Accepted",
		"id":       id,
		"entry_id": entryID,
		"env":      env,
	})
}

func (h *NotificationHandler) GetNotification(c *gin.Context) {
	env, ok := envParam(c)
	if !ok {
		return
	}
	detail, err := h.admin.Get(c.Request.Context(), env, c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}
