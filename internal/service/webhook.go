package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"whatsapp-dashboard/internal/helper"
	"whatsapp-dashboard/internal/model"
)

const (
	WebhookEventNewMessage = "new_message"

	HeaderSignature = "X-Webhook-Signature"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderAttempt   = "X-Webhook-Attempt"

	MinWebhookTimeoutMs = 1000
	MaxWebhookTimeoutMs = 60000
	MaxWebhookRetries   = 10
)

type WebhookPayload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// WebhookMessage is the data of a new_message delivery.
type WebhookMessage struct {
	SessionID  string           `json:"sessionId"`
	MessageID  string           `json:"messageId"`
	Sender     string           `json:"sender"`
	SenderJID  string           `json:"senderJid"`
	Chat       string           `json:"chat"`
	Message    string           `json:"message"`
	Media      *model.MediaInfo `json:"media,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
	GroupName  string           `json:"groupName,omitempty"`
	SenderName string           `json:"senderName,omitempty"`
}

func NewWebhookMessage(sessionID string, msg model.InboundMessage) WebhookMessage {
	return WebhookMessage{
		SessionID:  sessionID,
		MessageID:  msg.ID,
		Sender:     helper.ExtractPhoneFromJID(msg.From),
		SenderJID:  msg.From,
		Chat:       msg.Chat,
		Message:    msg.Text,
		Media:      msg.Media,
		Timestamp:  msg.Timestamp,
		GroupName:  msg.GroupName,
		SenderName: msg.SenderName,
	}
}

// Signer authenticates an outgoing webhook body.
type Signer interface {
	Sign(req *http.Request, body []byte)
}

// HMACSigner sets a hex HMAC-SHA256 of the body.
type HMACSigner struct {
	Secret []byte
}

func (s HMACSigner) Sign(req *http.Request, body []byte) {
	mac := hmac.New(sha256.New, s.Secret)
	mac.Write(body)
	req.Header.Set(HeaderSignature, hex.EncodeToString(mac.Sum(nil)))
}

type NopSigner struct{}

func (NopSigner) Sign(*http.Request, []byte) {}

// SignerFor picks the signer for a config.
func SignerFor(cfg model.WebhookConfig) Signer {
	if cfg.Secret == "" {
		return NopSigner{}
	}
	return HMACSigner{Secret: []byte(cfg.Secret)}
}

type WebhookConfigSource interface {
	WebhookConfig(ctx context.Context) (model.WebhookConfig, error)
}

// WebhookDispatcher relays inbound messages to the configured endpoint.
// The config is read on every delivery so changes apply immediately.
type WebhookDispatcher struct {
	source WebhookConfigSource
	client *http.Client
	log    zerolog.Logger

	// base delay unit, 2^attempt units between attempts
	backoffUnit time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWebhookDispatcher(source WebhookConfigSource, log zerolog.Logger) *WebhookDispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebhookDispatcher{
		source:      source,
		client:      &http.Client{},
		log:         log,
		backoffUnit: time.Second,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Notify delivers in the background. Failures are logged, never returned.
func (d *WebhookDispatcher) Notify(sessionID string, msg model.InboundMessage) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Deliver(d.ctx, NewWebhookMessage(sessionID, msg)); err != nil {
			d.log.Error().Err(err).Str("session", sessionID).Str("message_id", msg.ID).Msg("webhook delivery dropped")
		}
	}()
}

// Close waits for in-flight deliveries, cancelling them when ctx expires.
func (d *WebhookDispatcher) Close(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.cancel()
		<-done
	}
	d.cancel()
}

// Deliver posts one event, retrying 5xx and network errors up to the
// configured number of retries. A nil error means delivered or disabled.
func (d *WebhookDispatcher) Deliver(ctx context.Context, data any) error {
	cfg, err := d.source.WebhookConfig(ctx)
	if err != nil {
		return fmt.Errorf("load webhook config: %w", err)
	}
	if cfg.URL == "" {
		return nil
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = model.DefaultWebhookTimeoutMs
	}

	body, err := json.Marshal(WebhookPayload{
		Event:     WebhookEventNewMessage,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	signer := SignerFor(cfg)
	deliveryID := uuid.NewString()
	log := d.log.With().Str("delivery", deliveryID).Str("url", cfg.URL).Logger()

	var lastErr error
	for attempt := 0; attempt <= cfg.Retries; attempt++ {
		if attempt > 0 {
			delay := d.backoffUnit * time.Duration(1<<(attempt-1))
			log.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("retrying webhook")
			if !sleepWithContext(ctx, delay) {
				return ctx.Err()
			}
		}

		status, err := d.post(ctx, cfg, signer, body, deliveryID, attempt)
		switch {
		case err == nil && status >= 200 && status < 300:
			log.Debug().Int("status", status).Int("attempt", attempt).Msg("webhook delivered")
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
		case status >= 500:
			lastErr = fmt.Errorf("endpoint returned %d", status)
		default:
			log.Warn().Int("status", status).Msg("webhook rejected")
			return fmt.Errorf("%w: status %d", ErrWebhookRejected, status)
		}
		log.Warn().Err(lastErr).Int("attempt", attempt).Int("retries", cfg.Retries).Msg("webhook attempt failed")
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrDeliveryExhausted, cfg.Retries+1, lastErr)
}

func (d *WebhookDispatcher) post(ctx context.Context, cfg model.WebhookConfig, signer Signer, body []byte, deliveryID string, attempt int) (int, error) {
	actx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "whatsapp-dashboard-webhook/1.0")
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt+1))
	signer.Sign(req, body)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

// WebhookSettings validates and persists the webhook config.
type WebhookSettings struct {
	store *model.SettingsStore
}

func NewWebhookSettings(store *model.SettingsStore) *WebhookSettings {
	return &WebhookSettings{store: store}
}

func (w *WebhookSettings) WebhookConfig(ctx context.Context) (model.WebhookConfig, error) {
	return w.store.WebhookConfig(ctx)
}

func (w *WebhookSettings) Update(ctx context.Context, cfg model.WebhookConfig) (model.WebhookConfig, error) {
	if err := ValidateWebhookConfig(cfg); err != nil {
		return model.WebhookConfig{}, err
	}
	if err := w.store.SaveWebhookConfig(ctx, cfg); err != nil {
		return model.WebhookConfig{}, err
	}
	return cfg, nil
}

func ValidateWebhookConfig(cfg model.WebhookConfig) error {
	if cfg.URL != "" {
		u, err := url.Parse(cfg.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return newValidationError("url", "must be an absolute http(s) URL")
		}
	}
	if cfg.TimeoutMs < MinWebhookTimeoutMs || cfg.TimeoutMs > MaxWebhookTimeoutMs {
		return newValidationError("timeoutMs", fmt.Sprintf("must be between %d and %d", MinWebhookTimeoutMs, MaxWebhookTimeoutMs))
	}
	if cfg.Retries < 0 || cfg.Retries > MaxWebhookRetries {
		return newValidationError("retries", fmt.Sprintf("must be between 0 and %d", MaxWebhookRetries))
	}
	return nil
}
