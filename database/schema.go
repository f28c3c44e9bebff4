package database

import (
	"context"
	"fmt"
)

var schemas = map[string][]string{
	DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS system_settings (
			setting_key   TEXT PRIMARY KEY,
			value         TEXT NOT NULL,
			updated_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			name        TEXT NOT NULL,
			phone       TEXT NOT NULL UNIQUE,
			created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_name ON contacts(name)`,
	},
	DriverPostgres: {
		`CREATE TABLE IF NOT EXISTS system_settings (
			setting_key   VARCHAR(100) PRIMARY KEY,
			value         TEXT NOT NULL,
			updated_at    TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id          SERIAL PRIMARY KEY,
			name        VARCHAR(255) NOT NULL,
			phone       VARCHAR(50) NOT NULL UNIQUE,
			created_at  TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_name ON contacts(name)`,
	},
	DriverMySQL: {
		`CREATE TABLE IF NOT EXISTS system_settings (
			setting_key   VARCHAR(100) PRIMARY KEY,
			value         TEXT NOT NULL,
			updated_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id          BIGINT AUTO_INCREMENT PRIMARY KEY,
			name        VARCHAR(255) NOT NULL,
			phone       VARCHAR(50) NOT NULL UNIQUE,
			created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_contacts_name (name)
		)`,
	},
}

// Migrate creates the application tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	stmts, ok := schemas[db.Driver]
	if !ok {
		return fmt.Errorf("no schema for driver %q", db.Driver)
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
