package handler

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"whatsapp-dashboard/internal/ws"
)

func (h *Handler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(h.AllowedOrigins),
	}
}

// originChecker allows any origin when the list is empty or contains "*".
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// GET /ws?sessionId=
// Without sessionId the client receives events of every session.
func (h *Handler) WebSocket(c echo.Context) error {
	up := h.upgrader()
	conn, err := up.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.Log.Debug().Err(err).Msg("ws upgrade failed")
		return nil
	}

	client := ws.NewClient(h.Hub, conn, c.QueryParam("sessionId"))
	h.Hub.Register(client)

	go client.WritePump()
	go client.ReadPump()

	return nil
}
