package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"whatsapp-dashboard/internal/helper"
	"whatsapp-dashboard/internal/whatsapp"
)

// FilePayload is an attachment sent inline as base64.
type FilePayload struct {
	Base64 string `json:"base64"`
	Type   string `json:"type"`
	Name   string `json:"name"`
}

type SendMessageRequest struct {
	Number  string       `json:"number"`
	Message string       `json:"message"`
	File    *FilePayload `json:"file,omitempty"`
}

// buildContent turns a message and optional file into sendable content.
func buildContent(message string, file *FilePayload) (whatsapp.Content, error) {
	if file == nil || file.Base64 == "" {
		return whatsapp.Text{Body: message}, nil
	}
	data, mimeType, err := helper.DecodeBase64File(file.Base64)
	if err != nil {
		return nil, err
	}
	if file.Type != "" {
		mimeType = file.Type
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	name := file.Name
	if name == "" {
		name = "file"
	}
	return whatsapp.NewFileContent(data, mimeType, name, message), nil
}

// POST /api/sessions/:sessionId/send
func (h *Handler) SendMessage(c echo.Context) error {
	id := c.Param("sessionId")

	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if strings.TrimSpace(req.Number) == "" {
		return ErrorResponse(c, http.StatusBadRequest, "Field 'number' is required", "VALIDATION_ERROR", "")
	}
	if strings.TrimSpace(req.Message) == "" && req.File == nil {
		return ErrorResponse(c, http.StatusBadRequest, "Field 'message' or 'file' is required", "VALIDATION_ERROR", "")
	}

	content, err := buildContent(req.Message, req.File)
	if err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid file", "INVALID_FILE", err.Error())
	}

	rec, err := h.Sessions.Send(c.Request().Context(), id, req.Number, content)
	if err != nil {
		return h.respondError(c, err)
	}
	return SuccessResponse(c, http.StatusOK, "Message sent successfully", map[string]any{
		"messageId": rec.ID,
		"to":        rec.To,
		"timestamp": rec.Timestamp.Unix(),
	})
}

// GET /api/sessions/:sessionId/messages
func (h *Handler) GetMessages(c echo.Context) error {
	id := c.Param("sessionId")
	msgs := h.Sessions.Messages(id)
	return SuccessResponse(c, http.StatusOK, "Messages retrieved", map[string]any{
		"sessionId": id,
		"total":     len(msgs),
		"messages":  msgs,
	})
}

// GET /api/sessions/:sessionId/messages/outgoing
func (h *Handler) GetOutgoingMessages(c echo.Context) error {
	id := c.Param("sessionId")
	msgs := h.Sessions.OutgoingMessages(id)
	return SuccessResponse(c, http.StatusOK, "Outgoing messages retrieved", map[string]any{
		"sessionId": id,
		"total":     len(msgs),
		"messages":  msgs,
	})
}
