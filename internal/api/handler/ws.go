package handler

import (
	"net/http"

	"mapmo/backend/internal/chathub"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allows connections from any origin. Restrict in production.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWebSocket upgrades an authenticated request and hands the
// connection to the hub.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	anonID := userID(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.WarnContext(c.Request.Context(), "websocket upgrade", "user_id", anonID, "error", err)
		return
	}

	client := chathub.NewWebSocketClient(h.Hub, conn, anonID)
	if err := h.Hub.Register(c.Request.Context(), client); err != nil {
		h.log.ErrorContext(c.Request.Context(), "register client", "user_id", anonID, "error", err)
		h.Hub.Disconnect(client)
		conn.Close()
		return
	}
	client.Run()
}
