package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"whatsapp-dashboard/internal/model"
	"whatsapp-dashboard/internal/service"
)

// POST /api/sessions
func (h *Handler) StartSession(c echo.Context) error {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		return ErrorResponse(c, http.StatusBadRequest, "Field 'sessionId' is required", "VALIDATION_ERROR", "")
	}

	existed := h.Sessions.Exists(req.SessionID)
	session, err := h.Sessions.Start(req.SessionID)
	if err != nil {
		return h.respondError(c, err)
	}

	message := "Session started, waiting for QR scan or stored credentials"
	code := http.StatusCreated
	if existed {
		message = "Session already exists"
		code = http.StatusOK
	}
	return SuccessResponse(c, code, message, session.Summary())
}

// GET /api/sessions
func (h *Handler) ListSessions(c echo.Context) error {
	sessions := h.Sessions.List()
	return SuccessResponse(c, http.StatusOK, "Sessions retrieved", map[string]any{
		"total":    len(sessions),
		"sessions": sessions,
	})
}

// GET /api/sessions/:sessionId/status
func (h *Handler) GetStatus(c echo.Context) error {
	id := c.Param("sessionId")
	status := h.Sessions.Status(id)
	return SuccessResponse(c, http.StatusOK, "Status retrieved", map[string]any{
		"sessionId": id,
		"status":    status,
		"connected": status == model.StatusConnected,
		"hasQr":     h.Sessions.QR(id) != "",
	})
}

// GET /api/sessions/:sessionId/qr
func (h *Handler) GetQR(c echo.Context) error {
	id := c.Param("sessionId")
	code := h.Sessions.QR(id)
	if code == "" {
		return ErrorResponse(c, http.StatusNotFound, "No QR code available", "QR_NOT_AVAILABLE",
			"Session status is "+string(h.Sessions.Status(id)))
	}

	dataURL, err := service.QRDataURL(code)
	if err != nil {
		return ErrorResponse(c, http.StatusInternalServerError, "Failed to render QR code", "QR_RENDER_FAILED", err.Error())
	}
	return SuccessResponse(c, http.StatusOK, "QR code ready, scan it with WhatsApp", map[string]any{
		"sessionId": id,
		"qr":        code,
		"qrImage":   dataURL,
	})
}

// DELETE /api/sessions/:sessionId
func (h *Handler) DisconnectSession(c echo.Context) error {
	id := c.Param("sessionId")
	if err := h.Sessions.Disconnect(c.Request().Context(), id); err != nil {
		return h.respondError(c, err)
	}
	return SuccessResponse(c, http.StatusOK, "Session disconnected and credentials removed", map[string]any{
		"sessionId": id,
	})
}

// DELETE /api/sessions
func (h *Handler) DisconnectAll(c echo.Context) error {
	before := len(h.Sessions.List())
	if err := h.Sessions.DisconnectAll(c.Request().Context()); err != nil {
		h.Log.Warn().Err(err).Msg("disconnect all finished with errors")
		return SuccessResponse(c, http.StatusOK, "Sessions disconnected with errors", map[string]any{
			"disconnected": before,
			"errors":       err.Error(),
		})
	}
	return SuccessResponse(c, http.StatusOK, "All sessions disconnected", map[string]any{
		"disconnected": before,
	})
}
