package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jsndz/ackbus/pkg/deadletter"
	"github.com/jsndz/ackbus/pkg/lifecycle"
	"github.com/jsndz/ackbus/pkg/store"
	"github.com/jsndz/ackbus/pkg/types"
)

// envParam reads the :env route parameter. An absent parameter yields "",
// meaning every environment.
func envParam(c *gin.Context) (types.Env, bool) {
	raw := c.Param("env")
	if raw == "" {
		return "", true
	}
	env, err := types.ParseEnv(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return env, true
}

func statusFor(err error) int {
	var unavailable *lifecycle.StoreUnavailableError
	switch {
	case errors.Is(err, lifecycle.ErrUnknownEnv), errors.Is(err, lifecycle.ErrInvalidPayload),
		errors.Is(err, lifecycle.ErrEnvRequired), errors.Is(err, deadletter.ErrDrainUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrThreadMismatch):
		return http.StatusConflict
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, log *zap.Logger, err error) {
	code := statusFor(err)
	if code >= 500 {
		log.Error("request failed",
			zap.String("endpoint", c.FullPath()),
			zap.String("method", c.Request.Method),
			zap.Error(err),
		)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
