package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"whatsapp-dashboard/internal/model"
	"whatsapp-dashboard/internal/service"
)

type ErrorInfo struct {
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

type Response struct {
	Success bool       `json:"success"`
	Message string     `json:"message"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

func SuccessResponse(c echo.Context, status int, message string, data any) error {
	return c.JSON(status, Response{Success: true, Message: message, Data: data})
}

func ErrorResponse(c echo.Context, status int, message, code, details string) error {
	return c.JSON(status, Response{
		Success: false,
		Message: message,
		Error:   &ErrorInfo{Code: code, Details: details},
	})
}

// respondError maps service errors onto HTTP statuses. Unmapped errors are
// logged and hidden behind a 500.
func (h *Handler) respondError(c echo.Context, err error) error {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request", "VALIDATION_ERROR", verr.Error())
	case errors.Is(err, service.ErrNotConnected):
		return ErrorResponse(c, http.StatusConflict, "Session is not connected", "NOT_CONNECTED", "Please check the status endpoint")
	case errors.Is(err, service.ErrSessionNotFound):
		return ErrorResponse(c, http.StatusNotFound, "Session not found", "SESSION_NOT_FOUND", "")
	case errors.Is(err, service.ErrBroadcastNotFound):
		return ErrorResponse(c, http.StatusNotFound, "Broadcast not found", "BROADCAST_NOT_FOUND", "")
	case errors.Is(err, model.ErrContactNotFound):
		return ErrorResponse(c, http.StatusNotFound, "Contact not found", "CONTACT_NOT_FOUND", "")
	case errors.Is(err, model.ErrContactExists):
		return ErrorResponse(c, http.StatusConflict, "Contact already exists", "CONTACT_EXISTS", "")
	case errors.Is(err, service.ErrInvalidCredentials):
		return ErrorResponse(c, http.StatusUnauthorized, "Invalid username or password", "INVALID_CREDENTIALS", "")
	case errors.Is(err, service.ErrShuttingDown):
		return ErrorResponse(c, http.StatusServiceUnavailable, "Server is shutting down", "SHUTTING_DOWN", "")
	case service.IsTransport(err):
		return ErrorResponse(c, http.StatusBadGateway, "WhatsApp request failed", "SEND_FAILED", err.Error())
	default:
		h.logFailure(c, err)
		return ErrorResponse(c, http.StatusInternalServerError, "Internal server error", "INTERNAL_ERROR", "")
	}
}

// HTTPErrorHandler renders framework errors in the same envelope.
func (h *Handler) HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	message := "Internal Server Error"

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			message = m
		} else {
			message = http.StatusText(code)
		}
	} else {
		h.logFailure(c, err)
	}
	switch code {
	case http.StatusUnauthorized:
		message = "Authentication required. Please login first."
	case http.StatusMethodNotAllowed:
		message = "Method not allowed for this endpoint"
	case http.StatusNotFound:
		message = "Endpoint not found"
	}

	_ = ErrorResponse(c, code, message, strings.ToUpper(strings.ReplaceAll(http.StatusText(code), " ", "_")), "")
}

func (h *Handler) logFailure(c echo.Context, err error) {
	req := c.Request()
	h.Log.Error().Err(err).
		Str("method", req.Method).
		Str("uri", req.RequestURI).
		Msg("request failed")
}
