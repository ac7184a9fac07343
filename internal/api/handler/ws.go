package handler

import (
	"net/http"

	"roomchat/backend/internal/chathub"
	"roomchat/backend/internal/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ServeWebSocket оновлює HTTP-з'єднання до WebSocket
func (h *Handler) ServeWebSocket(c *gin.Context) {
	// 1. Ідентичність з JWT (або анонімний спостерігач)
	identity, err := h.identify(c)
	if err != nil {
		h.Log.Debug("websocket rejected", zap.Error(err), zap.String("headers", logger.SafeHeaders(c.Request)))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired", "code": chathub.CodeForbidden})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.Log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	// 2. Створення клієнта; Run реєструє сесію в Broker і запускає pumps
	client := chathub.NewWebSocketClient(conn, h.Hub, identity, h.opts.Conn, h.Metrics, h.Log)
	client.Run()
}
