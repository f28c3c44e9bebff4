package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// APIError is a failed response from the gateway.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Code)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Details string `json:"details"`
	} `json:"error"`
}

type SessionStatus struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	HasQR     bool   `json:"hasQr"`
}

type QRCode struct {
	SessionID string `json:"sessionId"`
	QR        string `json:"qr"`
}

type SendResult struct {
	MessageID string `json:"messageId"`
	To        string `json:"to"`
	Timestamp int64  `json:"timestamp"`
}

type BroadcastResult struct {
	Recipient string `json:"recipient"`
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

type BroadcastReport struct {
	ID        string            `json:"id"`
	SessionID string            `json:"sessionId"`
	Status    string            `json:"status"`
	Total     int               `json:"total"`
	Sent      int               `json:"sent"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Results   []BroadcastResult `json:"results"`
}

// GatewayClient talks to the gateway HTTP API. When credentials are set it
// logs in lazily and again after the token expires.
type GatewayClient struct {
	BaseURL  string
	Username string
	Password string

	http *http.Client

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

func NewGatewayClient(baseURL, username, password string) *GatewayClient {
	return &GatewayClient{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Username: username,
		Password: password,
		http:     &http.Client{Timeout: 10 * time.Minute},
	}
}

func (c *GatewayClient) ensureAuth(ctx context.Context) (string, error) {
	if c.Username == "" {
		return "", nil
	}
	c.mu.Lock()
	token, expires := c.accessToken, c.expiresAt
	c.mu.Unlock()
	if token != "" && time.Now().Before(expires.Add(-30*time.Second)) {
		return token, nil
	}
	if err := c.Login(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken, nil
}

func (c *GatewayClient) Login(ctx context.Context) error {
	var data struct {
		AccessToken string `json:"accessToken"`
		ExpiresAt   int64  `json:"expiresAt"`
	}
	err := c.do(ctx, http.MethodPost, "/auth/login", "", map[string]string{
		"username": c.Username,
		"password": c.Password,
	}, &data)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = data.AccessToken
	c.expiresAt = time.Unix(data.ExpiresAt, 0)
	return nil
}

func (c *GatewayClient) StartSession(ctx context.Context, id string) (SessionStatus, error) {
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		HasQR  bool   `json:"hasQr"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/sessions", map[string]string{"sessionId": id}, &out); err != nil {
		return SessionStatus{}, err
	}
	return SessionStatus{SessionID: out.ID, Status: out.Status, Connected: out.Status == "connected", HasQR: out.HasQR}, nil
}

func (c *GatewayClient) Status(ctx context.Context, id string) (SessionStatus, error) {
	var out SessionStatus
	err := c.call(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id)+"/status", nil, &out)
	return out, err
}

func (c *GatewayClient) QR(ctx context.Context, id string) (QRCode, error) {
	var out QRCode
	err := c.call(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id)+"/qr", nil, &out)
	return out, err
}

func (c *GatewayClient) Disconnect(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(id), nil, nil)
}

func (c *GatewayClient) Send(ctx context.Context, id, number, message string) (SendResult, error) {
	var out SendResult
	err := c.call(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/send", map[string]string{
		"number":  number,
		"message": message,
	}, &out)
	return out, err
}

func (c *GatewayClient) Broadcast(ctx context.Context, id string, numbers []string, message string, delaySeconds float64) (BroadcastReport, error) {
	var out BroadcastReport
	err := c.call(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/broadcast", map[string]any{
		"numbers":      numbers,
		"message":      message,
		"delaySeconds": delaySeconds,
	}, &out)
	return out, err
}

func (c *GatewayClient) call(ctx context.Context, method, path string, body, out any) error {
	token, err := c.ensureAuth(ctx)
	if err != nil {
		return err
	}
	return c.do(ctx, method, path, token, body, out)
}

func (c *GatewayClient) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var res apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("decode response (%d): %w", resp.StatusCode, err)
	}
	if !res.Success || resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode, Message: res.Message}
		if res.Error != nil {
			apiErr.Code = res.Error.Code
			apiErr.Details = res.Error.Details
		}
		return apiErr
	}
	if out == nil || len(res.Data) == 0 {
		return nil
	}
	return json.Unmarshal(res.Data, out)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
