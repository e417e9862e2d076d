package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/carephone/carephone/internal/database/models"
)

const callLogColumns = `id, contact_id, phone_number, contact_name, type, timestamp, duration, is_read`

// callLogRepo implements CallLogRepository.
type callLogRepo struct {
	db *DB
}

// NewCallLogRepository creates a new CallLogRepository.
func NewCallLogRepository(db *DB) CallLogRepository {
	return &callLogRepo{db: db}
}

// Append inserts a call log entry. A zero timestamp is set to now.
func (r *callLogRepo) Append(ctx context.Context, e *models.CallLogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC()

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_log (contact_id, phone_number, contact_name, type, timestamp, duration, is_read)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ContactID, e.PhoneNumber, e.ContactName, e.Type, e.Timestamp, e.Duration, e.Read,
	)
	if err != nil {
		return fmt.Errorf("inserting call log entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	e.ID = id
	return nil
}

// GetByID returns an entry by ID, or nil if it does not exist.
func (r *callLogRepo) GetByID(ctx context.Context, id int64) (*models.CallLogEntry, error) {
	e, err := scanCallLog(r.db.QueryRowContext(ctx,
		`SELECT `+callLogColumns+` FROM call_log WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call log entry: %w", err)
	}
	return e, nil
}

// List returns entries matching the filter, newest first, along with the
// total count of matching rows.
func (r *callLogRepo) List(ctx context.Context, filter CallLogListFilter) ([]models.CallLogEntry, int, error) {
	where := "1=1"
	args := []any{}
	if filter.Type != "" {
		where += " AND type = ?"
		args = append(args, filter.Type)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM call_log WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call log entries: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)

	entries, err := r.query(ctx,
		`SELECT `+callLogColumns+` FROM call_log WHERE `+where+
			` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// ListUnreadMissed returns the newest unread missed-call entries, newest
// first.
func (r *callLogRepo) ListUnreadMissed(ctx context.Context, limit int) ([]models.CallLogEntry, error) {
	return r.query(ctx,
		`SELECT `+callLogColumns+` FROM call_log
		 WHERE type = ? AND is_read = 0
		 ORDER BY timestamp DESC, id DESC LIMIT ?`, models.CallTypeMissed, limit)
}

// MarkRead sets the read flag on a single entry.
func (r *callLogRepo) MarkRead(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, "UPDATE call_log SET is_read = 1 WHERE id = ?", id); err != nil {
		return fmt.Errorf("marking call log entry %d read: %w", id, err)
	}
	return nil
}

// MarkAllMissedRead marks every unread missed entry read and returns how
// many rows changed.
func (r *callLogRepo) MarkAllMissedRead(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"UPDATE call_log SET is_read = 1 WHERE type = ? AND is_read = 0", models.CallTypeMissed)
	if err != nil {
		return 0, fmt.Errorf("marking missed calls read: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// DeleteOlderThan removes entries recorded before cutoff.
func (r *callLogRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM call_log WHERE timestamp < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting old call log entries: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// CountByType returns entry counts grouped by call type.
func (r *callLogRepo) CountByType(ctx context.Context) (map[models.CallType]int64, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT type, COUNT(*) FROM call_log GROUP BY type")
	if err != nil {
		return nil, fmt.Errorf("counting call log by type: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.CallType]int64)
	for rows.Next() {
		var t models.CallType
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scanning call log count: %w", err)
		}
		counts[t] = n
	}
	return counts, rows.Err()
}

func (r *callLogRepo) query(ctx context.Context, query string, args ...any) ([]models.CallLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying call log: %w", err)
	}
	defer rows.Close()

	var entries []models.CallLogEntry
	for rows.Next() {
		e, err := scanCallLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning call log row: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call log rows: %w", err)
	}
	return entries, nil
}

func scanCallLog(s rowScanner) (*models.CallLogEntry, error) {
	var e models.CallLogEntry
	var contactID sql.NullInt64
	if err := s.Scan(&e.ID, &contactID, &e.PhoneNumber, &e.ContactName, &e.Type,
		&e.Timestamp, &e.Duration, &e.Read); err != nil {
		return nil, err
	}
	if contactID.Valid {
		id := contactID.Int64
		e.ContactID = &id
	}
	return &e, nil
}
