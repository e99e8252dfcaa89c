package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jsndz/ackbus/pkg/lifecycle"
)

type AdminHandler struct {
	admin *lifecycle.Admin
	log   *zap.Logger
}

func NewAdminHandler(admin *lifecycle.Admin, log *zap.Logger) *AdminHandler {
	return &AdminHandler{admin: admin, log: log}
}

func (h *AdminHandler) Status(c *gin.Context) {
	env, ok := envParam(c)
	if !ok {
		return
	}
	status, err := h.admin.Status(c.Request.Context(), env)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"envs": status})
}

func (h *AdminHandler) Clear(c *gin.Context) {
	env, ok := envParam(c)
	if !ok {
		return
	}
	cleared, err := h.admin.Clear(c.Request.Context(), env)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

// Reconcile reports index inconsistencies; ?repair=true also fixes them.
func (h *AdminHandler) Reconcile(c *gin.Context) {
	env, ok := envParam(c)
	if !ok {
		return
	}
	repair, err := strconv.ParseBool(c.DefaultQuery("repair", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid repair flag"})
		return
	}
	reports, err := h.admin.Reconcile(c.Request.Context(), env, repair)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

// Redrive moves dead letters back onto their logs, at most ?limit of them.
func (h *AdminHandler) Redrive(c *gin.Context) {
	env, ok := envParam(c)
	if !ok {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	res, err := h.admin.Redrive(c.Request.Context(), env, limit)
	if err != nil {
		if res != nil && res.Total > 0 {
			h.log.Warn("redrive stopped early", zap.Int("redriven", res.Total), zap.Error(err))
		}
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
