package model

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"whatsapp-dashboard/database"
)

const (
	KeyWebhookConfig = "webhook_config"

	DefaultWebhookTimeoutMs = 10000
	DefaultWebhookRetries   = 3
)

type WebhookConfig struct {
	URL       string `json:"url"`
	TimeoutMs int    `json:"timeoutMs"`
	Retries   int    `json:"retries"`
	Secret    string `json:"secret,omitempty"`
}

func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{TimeoutMs: DefaultWebhookTimeoutMs, Retries: DefaultWebhookRetries}
}

func (c WebhookConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// SettingsStore persists key/JSON settings in system_settings.
type SettingsStore struct {
	db *database.DB
}

func NewSettingsStore(db *database.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

// WebhookConfig returns the stored config, or the defaults if none is saved.
func (s *SettingsStore) WebhookConfig(ctx context.Context) (WebhookConfig, error) {
	cfg := DefaultWebhookConfig()
	found, err := s.get(ctx, KeyWebhookConfig, &cfg)
	if err != nil {
		return WebhookConfig{}, err
	}
	if !found {
		return DefaultWebhookConfig(), nil
	}
	return cfg, nil
}

func (s *SettingsStore) SaveWebhookConfig(ctx context.Context, cfg WebhookConfig) error {
	return s.put(ctx, KeyWebhookConfig, cfg)
}

func (s *SettingsStore) get(ctx context.Context, key string, dst any) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		s.db.Rebind("SELECT value FROM system_settings WHERE setting_key = $1"), key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(value), dst); err != nil {
		return false, fmt.Errorf("failed to unmarshal setting %s: %w", key, err)
	}
	return true, nil
}

func (s *SettingsStore) put(ctx context.Context, key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal setting %s: %w", key, err)
	}

	query := `
		INSERT INTO system_settings (setting_key, value, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (setting_key) DO UPDATE
		SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`
	if s.db.Driver == database.DriverMySQL {
		query = `
		INSERT INTO system_settings (setting_key, value, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = CURRENT_TIMESTAMP`
	}

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), key, string(value)); err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}
