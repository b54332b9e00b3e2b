package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
)

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, "pong")
}

// Healthz runs every dependency check with a short timeout.
func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := make(map[string]string, len(h.Checks))
	healthy := true
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			h.log.Warn().Err(err).Str("check", name).Msg("health check failed")
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}

	if !healthy {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"code":    50300,
			"message": "unhealthy",
			"data":    gin.H{"checks": status},
		})
		return
	}
	common.OK(c, gin.H{"checks": status, "sessions": h.Gateway.Sessions()})
}

// ListMessages serves the same snapshot a join would replay.
func (h *Handler) ListMessages(c *gin.Context) {
	tenant := firstQuery(c, "tenant", "projectId")
	principal := firstQuery(c, "principal", "userId")
	roomKey := c.Query("room")
	if roomKey == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "room required")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), tenant, principal, roomKey, limit)
	if err != nil {
		if errors.Is(err, chat.ErrRoomNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "room not found")
			return
		}
		h.log.Error().Err(err).Str("room", roomKey).Msg("list messages failed")
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		return
	}

	common.OK(c, gin.H{
		"room":     roomKey,
		"messages": msgs,
	})
}
