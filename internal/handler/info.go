package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"whatsapp-dashboard/internal/model"
)

// GET /
func (h *Handler) Health(c echo.Context) error {
	connected := 0
	sessions := h.Sessions.List()
	for _, s := range sessions {
		if s.Status == model.StatusConnected {
			connected++
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success":   true,
		"message":   "WhatsApp API is running",
		"version":   h.Version,
		"sessions":  len(sessions),
		"connected": connected,
	})
}
