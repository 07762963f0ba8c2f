package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/adhilroshan/callendar/internal/cycle"
	"github.com/adhilroshan/callendar/internal/notify"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const bearerPrefix = "Bearer "

func (h *httpHandler) authorizeCron(c *gin.Context) {
	if h.cronSecret == "" {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "cycle trigger disabled"})
		return
	}
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.cronSecret)) != 1 {
		h.logger.Warn("cycle trigger rejected", zap.String("client_ip", c.ClientIP()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (h *httpHandler) handleRunCycle(c *gin.Context) {
	summary, err := h.cycle.Run(c.Request.Context())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, summary)
	case errors.Is(err, cycle.ErrCycleInProgress):
		c.JSON(http.StatusConflict, summary)
	case errors.Is(err, notify.ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, summary)
	default:
		h.logger.Error("cycle failed", zap.String("run_id", summary.RunID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, summary)
	}
}
