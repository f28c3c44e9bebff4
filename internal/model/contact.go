package model

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"whatsapp-dashboard/database"
)

var (
	ErrContactNotFound = errors.New("contact not found")
	ErrContactExists   = errors.New("contact with this phone already exists")
)

type Contact struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"createdAt"`
}

type ContactStore struct {
	db *database.DB
}

func NewContactStore(db *database.DB) *ContactStore {
	return &ContactStore{db: db}
}

func (s *ContactStore) Add(ctx context.Context, name, phone string) (*Contact, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, s.db.Rebind("SELECT COUNT(*) FROM contacts WHERE phone = $1"), phone).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check contact: %w", err)
	}
	if exists > 0 {
		return nil, ErrContactExists
	}

	id, err := s.insert(ctx, s.db.DB, name, phone)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// AddMany inserts contacts in one transaction, skipping phones that already
// exist. Returns the number inserted.
func (s *ContactStore) AddMany(ctx context.Context, contacts []Contact) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := "INSERT INTO contacts (name, phone) VALUES ($1, $2) ON CONFLICT (phone) DO NOTHING"
	if s.db.Driver == database.DriverMySQL {
		query = "INSERT IGNORE INTO contacts (name, phone) VALUES ($1, $2)"
	}
	stmt, err := tx.PrepareContext(ctx, s.db.Rebind(query))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, c := range contacts {
		res, err := stmt.ExecContext(ctx, c.Name, c.Phone)
		if err != nil {
			return 0, fmt.Errorf("failed to insert contact %s: %w", c.Phone, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit contacts: %w", err)
	}
	return inserted, nil
}

func (s *ContactStore) insert(ctx context.Context, db *sql.DB, name, phone string) (int64, error) {
	if s.db.Driver == database.DriverPostgres {
		var id int64
		err := db.QueryRowContext(ctx, "INSERT INTO contacts (name, phone) VALUES ($1, $2) RETURNING id", name, phone).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to insert contact: %w", err)
		}
		return id, nil
	}

	res, err := db.ExecContext(ctx, "INSERT INTO contacts (name, phone) VALUES (?, ?)", name, phone)
	if err != nil {
		return 0, fmt.Errorf("failed to insert contact: %w", err)
	}
	return res.LastInsertId()
}

func (s *ContactStore) Get(ctx context.Context, id int64) (*Contact, error) {
	var c Contact
	err := s.db.QueryRowContext(ctx,
		s.db.Rebind("SELECT id, name, phone, created_at FROM contacts WHERE id = $1"), id,
	).Scan(&c.ID, &c.Name, &c.Phone, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrContactNotFound
		}
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return &c, nil
}

// List returns contacts ordered by name. A non-empty query filters on name
// or phone.
func (s *ContactStore) List(ctx context.Context, query string) ([]Contact, error) {
	q := "SELECT id, name, phone, created_at FROM contacts"
	var args []any
	if query = strings.TrimSpace(query); query != "" {
		q += " WHERE LOWER(name) LIKE $1 OR phone LIKE $2"
		like := "%" + strings.ToLower(query) + "%"
		args = append(args, like, like)
	}
	q += " ORDER BY name"

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	defer rows.Close()

	contacts := []Contact{}
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (s *ContactStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM contacts WHERE id = $1"), id)
	if err != nil {
		return fmt.Errorf("failed to delete contact: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrContactNotFound
	}
	return nil
}
