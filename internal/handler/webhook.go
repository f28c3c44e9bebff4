package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"whatsapp-dashboard/internal/model"
)

type WebhookConfigRequest struct {
	URL       string  `json:"url"`
	TimeoutMs *int    `json:"timeoutMs,omitempty"`
	Retries   *int    `json:"retries,omitempty"`
	Secret    *string `json:"secret,omitempty"`
}

type webhookConfigView struct {
	URL       string `json:"url"`
	TimeoutMs int    `json:"timeoutMs"`
	Retries   int    `json:"retries"`
	HasSecret bool   `json:"hasSecret"`
}

func viewWebhookConfig(cfg model.WebhookConfig) webhookConfigView {
	return webhookConfigView{URL: cfg.URL, TimeoutMs: cfg.TimeoutMs, Retries: cfg.Retries, HasSecret: cfg.Secret != ""}
}

// GET /api/webhook
func (h *Handler) GetWebhookConfig(c echo.Context) error {
	cfg, err := h.Webhook.WebhookConfig(c.Request().Context())
	if err != nil {
		return ErrorResponse(c, http.StatusInternalServerError, "Failed to load webhook config", "WEBHOOK_LOAD_FAILED", err.Error())
	}
	return SuccessResponse(c, http.StatusOK, "Webhook config retrieved", viewWebhookConfig(cfg))
}

// POST /api/webhook
// Omitted fields keep their stored values; an empty url disables delivery.
func (h *Handler) SetWebhookConfig(c echo.Context) error {
	var req WebhookConfigRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}

	ctx := c.Request().Context()
	cfg, err := h.Webhook.WebhookConfig(ctx)
	if err != nil {
		return ErrorResponse(c, http.StatusInternalServerError, "Failed to load webhook config", "WEBHOOK_LOAD_FAILED", err.Error())
	}
	cfg.URL = req.URL
	if req.TimeoutMs != nil {
		cfg.TimeoutMs = *req.TimeoutMs
	}
	if req.Retries != nil {
		cfg.Retries = *req.Retries
	}
	if req.Secret != nil {
		cfg.Secret = *req.Secret
	}

	saved, err := h.Webhook.Update(ctx, cfg)
	if err != nil {
		return h.respondError(c, err)
	}
	return SuccessResponse(c, http.StatusOK, "Webhook config updated", viewWebhookConfig(saved))
}
