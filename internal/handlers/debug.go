package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-core/internal/telemetry"
	"chat-core/internal/ws"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router *gin.Engine, emitter *telemetry.AuditEmitter, hub *ws.Hub, identity gin.HandlerFunc, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", identity, func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c), 0)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/rooms", func(c *gin.Context) {
		rooms := make([]gin.H, 0)
		for _, chatID := range hub.Rooms() {
			rooms = append(rooms, gin.H{"chat_id": chatID, "subscribers": hub.RoomSize(chatID)})
		}
		c.JSON(http.StatusOK, gin.H{"rooms": rooms})
	})
}
