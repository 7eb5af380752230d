package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ContactRecord is one synced contact as persisted locally.
type ContactRecord struct {
	ID         int64     `db:"id" json:"id"`
	JID        string    `db:"jid" json:"jid"`
	Name       string    `db:"name" json:"name"`
	Phone      string    `db:"phone" json:"phone"`
	IsSaved    bool      `db:"is_saved" json:"isSaved"`
	IsBusiness bool      `db:"is_business" json:"isBusiness"`
	IsBlocked  bool      `db:"is_blocked" json:"isBlocked"`
	AvatarURL  string    `db:"avatar_url" json:"avatarUrl"`
	StatusText string    `db:"status_text" json:"statusText"`
	Metadata   string    `db:"metadata" json:"metadata,omitempty"`
	OwnerID    string    `db:"owner_id" json:"ownerId"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}

// ContactStore persists synced contacts, deduplicated per owner.
type ContactStore interface {
	// UpsertContact inserts or refreshes a contact keyed on (phone, owner).
	// An existing record is rewritten only when the fetched name differs
	// from the stored one; otherwise it is left untouched.
	UpsertContact(ctx context.Context, rec ContactRecord) (created bool, updated bool, err error)
	ListContacts(ctx context.Context, ownerID string, limit, offset int) ([]ContactRecord, int, error)
}

// SQLContactStore is the sqlx-backed store, working against both the sqlite
// and postgres drivers.
type SQLContactStore struct {
	db *sqlx.DB
}

func NewSQLContactStore(db *sqlx.DB) (*SQLContactStore, error) {
	s := &SQLContactStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate contacts schema: %w", err)
	}
	return s, nil
}

func (s *SQLContactStore) migrate() error {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.db.DriverName() == "postgres" {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS contacts (
			%s,
			jid TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL,
			is_saved BOOLEAN NOT NULL DEFAULT FALSE,
			is_business BOOLEAN NOT NULL DEFAULT FALSE,
			is_blocked BOOLEAN NOT NULL DEFAULT FALSE,
			avatar_url TEXT NOT NULL DEFAULT '',
			status_text TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (phone, owner_id)
		)`, idColumn)
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts (owner_id)`)
	return err
}

func (s *SQLContactStore) UpsertContact(ctx context.Context, rec ContactRecord) (bool, bool, error) {
	var existing ContactRecord
	err := s.db.GetContext(ctx, &existing,
		s.db.Rebind(`SELECT * FROM contacts WHERE phone = ? AND owner_id = ?`),
		rec.Phone, rec.OwnerID)

	now := time.Now().UTC()
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO contacts
				(jid, name, phone, is_saved, is_business, is_blocked, avatar_url, status_text, metadata, owner_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			rec.JID, rec.Name, rec.Phone, rec.IsSaved, rec.IsBusiness, rec.IsBlocked,
			rec.AvatarURL, rec.StatusText, rec.Metadata, rec.OwnerID, now, now)
		if err != nil {
			return false, false, fmt.Errorf("insert contact: %w", err)
		}
		return true, false, nil

	case err != nil:
		return false, false, fmt.Errorf("select contact: %w", err)
	}

	// Only a changed name triggers a refresh. Enrichment fields like the
	// avatar URL rotate between fetches and must not churn the record.
	if existing.Name == rec.Name {
		return false, false, nil
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE contacts
		SET jid = ?, name = ?, is_saved = ?, is_business = ?, is_blocked = ?,
			avatar_url = ?, status_text = ?, metadata = ?, updated_at = ?
		WHERE phone = ? AND owner_id = ?`),
		rec.JID, rec.Name, rec.IsSaved, rec.IsBusiness, rec.IsBlocked,
		rec.AvatarURL, rec.StatusText, rec.Metadata, now, rec.Phone, rec.OwnerID)
	if err != nil {
		return false, false, fmt.Errorf("update contact: %w", err)
	}
	return false, true, nil
}

func (s *SQLContactStore) ListContacts(ctx context.Context, ownerID string, limit, offset int) ([]ContactRecord, int, error) {
	var total int
	err := s.db.GetContext(ctx, &total,
		s.db.Rebind(`SELECT COUNT(*) FROM contacts WHERE owner_id = ?`), ownerID)
	if err != nil {
		return nil, 0, fmt.Errorf("count contacts: %w", err)
	}

	contacts := []ContactRecord{}
	err = s.db.SelectContext(ctx, &contacts,
		s.db.Rebind(`SELECT * FROM contacts WHERE owner_id = ? ORDER BY name, phone LIMIT ? OFFSET ?`),
		ownerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list contacts: %w", err)
	}
	return contacts, total, nil
}
