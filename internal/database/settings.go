package database

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/carephone/carephone/internal/database/models"
)

// upsertSetting inserts or replaces one settings row.
const upsertSetting = `INSERT INTO settings (key, value, updated_at)
	VALUES (?, ?, datetime('now'))
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

// settingsRepo implements SettingsRepository. Reads are served from an
// in-memory copy loaded at construction and kept in step with writes.
type settingsRepo struct {
	db    *DB
	mu    sync.RWMutex
	cache map[string]string
}

// NewSettingsRepository loads all settings into memory and returns a
// repository backed by db.
func NewSettingsRepository(ctx context.Context, db *DB) (SettingsRepository, error) {
	repo := &settingsRepo{
		db:    db,
		cache: make(map[string]string),
	}
	if err := repo.load(ctx); err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	return repo, nil
}

// Get returns the value for key, or "" when unset.
func (r *settingsRepo) Get(_ context.Context, key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache[key], nil
}

// Set writes a single key.
func (r *settingsRepo) Set(ctx context.Context, key, value string) error {
	return r.SetMany(ctx, map[string]string{key: value})
}

// SetMany writes all values in one transaction. The cache is only updated
// once the transaction commits.
func (r *settingsRepo) SetMany(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning settings transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, upsertSetting, k, values[k]); err != nil {
			return fmt.Errorf("setting %q: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing settings: %w", err)
	}

	r.mu.Lock()
	for k, v := range values {
		r.cache[k] = v
	}
	r.mu.Unlock()
	return nil
}

// GetAll returns every stored setting ordered by key.
func (r *settingsRepo) GetAll(ctx context.Context) ([]models.Setting, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, key, value, updated_at FROM settings ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}
	defer rows.Close()

	var out []models.Setting
	for rows.Next() {
		var s models.Setting
		if err := rows.Scan(&s.ID, &s.Key, &s.Value, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning settings row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *settingsRepo) load(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return fmt.Errorf("querying settings: %w", err)
	}
	defer rows.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("scanning settings row: %w", err)
		}
		r.cache[key] = value
	}
	return rows.Err()
}
