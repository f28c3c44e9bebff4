package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// POST /auth/login
func (h *Handler) LoginAdmin(c echo.Context) error {
	if h.Auth == nil {
		return ErrorResponse(c, http.StatusNotFound, "Authentication is disabled", "AUTH_DISABLED", "Set JWT_SECRET to enable it")
	}

	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		return ErrorResponse(c, http.StatusBadRequest, "Username and password are required", "VALIDATION_ERROR", "")
	}

	token, expiresAt, err := h.Auth.Login(req.Username, req.Password)
	if err != nil {
		h.Log.Warn().Str("username", req.Username).Str("ip", c.RealIP()).Msg("failed login attempt")
		return h.respondError(c, err)
	}

	return SuccessResponse(c, http.StatusOK, "Login successful", map[string]any{
		"accessToken": token,
		"tokenType":   "Bearer",
		"expiresAt":   expiresAt.Unix(),
	})
}
