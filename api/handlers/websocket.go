package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// WebSocketHandler mounts the hub bridge.
type WebSocketHandler struct {
	bridge http.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(bridge http.Handler) *WebSocketHandler {
	return &WebSocketHandler{
		bridge: bridge,
	}
}

// Attach handles WS /ha/ws - relays the browser to the hub. The bridge checks
// the session cookie itself before upgrading.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	h.bridge.ServeHTTP(c.Writer, c.Request)
}

// RegisterRoutes registers the WebSocket route on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ws", h.Attach)
}
