package handler

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"whatsapp-dashboard/internal/helper"
	"whatsapp-dashboard/internal/service"
)

type BroadcastRequest struct {
	Numbers      []string     `json:"numbers"`
	Message      string       `json:"message"`
	File         *FilePayload `json:"file,omitempty"`
	DelaySeconds *float64     `json:"delaySeconds,omitempty"`
	Async        bool         `json:"async"`
}

const defaultBroadcastDelay = 3

// POST /api/sessions/:sessionId/broadcast
func (h *Handler) Broadcast(c echo.Context) error {
	var req BroadcastRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}

	content, err := buildContent(req.Message, req.File)
	if err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid file", "INVALID_FILE", err.Error())
	}

	delay := float64(defaultBroadcastDelay)
	if req.DelaySeconds != nil {
		delay = *req.DelaySeconds
	}
	return h.runBroadcast(c, service.BroadcastRequest{
		SessionID:    c.Param("sessionId"),
		Recipients:   req.Numbers,
		Content:      content,
		DelaySeconds: delay,
	}, req.Async)
}

// POST /api/sessions/:sessionId/broadcast/file
// Recipients come from an uploaded CSV or XLSX file; always asynchronous.
func (h *Handler) BroadcastFromFile(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Field 'file' is required", "VALIDATION_ERROR", err.Error())
	}
	if fh.Size > helper.MaxUploadSize {
		return ErrorResponse(c, http.StatusBadRequest, "File too large", "FILE_TOO_LARGE", helper.ErrFileTooLarge.Error())
	}
	src, err := fh.Open()
	if err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Failed to open file", "INVALID_FILE", err.Error())
	}
	defer src.Close()
	data, err := io.ReadAll(io.LimitReader(src, helper.MaxUploadSize))
	if err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Failed to read file", "INVALID_FILE", err.Error())
	}

	records, err := helper.ReadSheet(fh.Filename, data)
	if err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Failed to parse recipients", "INVALID_FILE", err.Error())
	}
	numbers := make([]string, 0, len(records))
	for _, r := range records {
		numbers = append(numbers, r.Phone)
	}

	delay := float64(defaultBroadcastDelay)
	if v := strings.TrimSpace(c.FormValue("delaySeconds")); v != "" {
		delay, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return ErrorResponse(c, http.StatusBadRequest, "Field 'delaySeconds' must be a number", "VALIDATION_ERROR", err.Error())
		}
	}

	content, _ := buildContent(c.FormValue("message"), nil)
	return h.runBroadcast(c, service.BroadcastRequest{
		SessionID:    c.Param("sessionId"),
		Recipients:   numbers,
		Content:      content,
		DelaySeconds: delay,
	}, true)
}

func (h *Handler) runBroadcast(c echo.Context, req service.BroadcastRequest, async bool) error {
	if async {
		report, err := h.Broadcasts.Start(req)
		if err != nil {
			return h.respondError(c, err)
		}
		return SuccessResponse(c, http.StatusAccepted, "Broadcast started", report)
	}

	report, err := h.Broadcasts.Run(c.Request().Context(), req)
	if err != nil {
		return h.respondError(c, err)
	}
	return SuccessResponse(c, http.StatusOK, "Broadcast finished", report)
}

// GET /api/broadcasts/:jobId
func (h *Handler) GetBroadcast(c echo.Context) error {
	report, err := h.Broadcasts.Job(c.Param("jobId"))
	if err != nil {
		return h.respondError(c, err)
	}
	return SuccessResponse(c, http.StatusOK, "Broadcast retrieved", report)
}

// DELETE /api/broadcasts/:jobId
func (h *Handler) CancelBroadcast(c echo.Context) error {
	report, err := h.Broadcasts.Cancel(c.Param("jobId"))
	if err != nil {
		return h.respondError(c, err)
	}
	return SuccessResponse(c, http.StatusOK, "Broadcast cancellation requested", report)
}
