package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/carephone/carephone/internal/database/models"
	"github.com/carephone/carephone/internal/phonenumber"
)

const contactColumns = `id, name, phone_number, contact_type, priority, is_primary,
	auto_answer, created_at, updated_at`

// contactRepo implements ContactRepository.
type contactRepo struct {
	db *DB
}

// NewContactRepository creates a new ContactRepository.
func NewContactRepository(db *DB) ContactRepository {
	return &contactRepo{db: db}
}

// Create inserts a contact and sets its ID and timestamps.
func (r *contactRepo) Create(ctx context.Context, c *models.Contact) error {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO contacts (name, phone_number, normalized_number, contact_type,
		 priority, is_primary, auto_answer, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.PhoneNumber, phonenumber.Normalize(c.PhoneNumber), c.ContactType,
		c.Priority, c.IsPrimary, c.AutoAnswer, now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting contact: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	c.ID = id
	c.CreatedAt = now
	c.UpdatedAt = now
	return nil
}

// GetByID returns a contact by ID, or nil if it does not exist.
func (r *contactRepo) GetByID(ctx context.Context, id int64) (*models.Contact, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id))
}

// GetByNumber returns the contact whose stored number equals number, either
// verbatim or after normalization. Primary and higher-priority contacts win
// when several share a number.
func (r *contactRepo) GetByNumber(ctx context.Context, number string) (*models.Contact, error) {
	normalized := phonenumber.Normalize(number)
	if number == "" {
		return nil, nil
	}
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts
		 WHERE phone_number = ? OR (normalized_number != '' AND normalized_number = ?)
		 ORDER BY phone_number = ? DESC, is_primary DESC, priority ASC, id ASC
		 LIMIT 1`, number, normalized, number))
}

// List returns all contacts, primary first then by priority and name.
func (r *contactRepo) List(ctx context.Context) ([]models.Contact, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts ORDER BY is_primary DESC, priority ASC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing contacts: %w", err)
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning contact row: %w", err)
		}
		contacts = append(contacts, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating contact rows: %w", err)
	}
	return contacts, nil
}

// Update modifies an existing contact.
func (r *contactRepo) Update(ctx context.Context, c *models.Contact) error {
	c.UpdatedAt = time.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE contacts SET name = ?, phone_number = ?, normalized_number = ?,
		 contact_type = ?, priority = ?, is_primary = ?, auto_answer = ?, updated_at = ?
		 WHERE id = ?`,
		c.Name, c.PhoneNumber, phonenumber.Normalize(c.PhoneNumber), c.ContactType,
		c.Priority, c.IsPrimary, c.AutoAnswer, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating contact: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete removes a contact. Call log rows keep their number and name.
func (r *contactRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM contacts WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting contact: %w", err)
	}
	return nil
}

func (r *contactRepo) scanOne(row *sql.Row) (*models.Contact, error) {
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning contact: %w", err)
	}
	return c, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(s rowScanner) (*models.Contact, error) {
	var c models.Contact
	if err := s.Scan(&c.ID, &c.Name, &c.PhoneNumber, &c.ContactType, &c.Priority,
		&c.IsPrimary, &c.AutoAnswer, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}
