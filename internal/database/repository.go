package database

import (
	"context"
	"time"

	"github.com/carephone/carephone/internal/database/models"
)

// SettingsRepository manages the carer-edited key-value settings.
type SettingsRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	SetMany(ctx context.Context, values map[string]string) error
	GetAll(ctx context.Context) ([]models.Setting, error)
}

// ContactRepository manages the contacts the carer has entered.
type ContactRepository interface {
	Create(ctx context.Context, c *models.Contact) error
	GetByID(ctx context.Context, id int64) (*models.Contact, error)
	GetByNumber(ctx context.Context, number string) (*models.Contact, error)
	List(ctx context.Context) ([]models.Contact, error)
	Update(ctx context.Context, c *models.Contact) error
	Delete(ctx context.Context, id int64) error
}

// CallLogListFilter narrows a call log listing.
type CallLogListFilter struct {
	Type   models.CallType
	Limit  int
	Offset int
}

// CallLogRepository stores call outcomes. Entries are append-only apart
// from the read flag.
type CallLogRepository interface {
	Append(ctx context.Context, e *models.CallLogEntry) error
	GetByID(ctx context.Context, id int64) (*models.CallLogEntry, error)
	List(ctx context.Context, filter CallLogListFilter) ([]models.CallLogEntry, int, error)
	ListUnreadMissed(ctx context.Context, limit int) ([]models.CallLogEntry, error)
	MarkRead(ctx context.Context, id int64) error
	MarkAllMissedRead(ctx context.Context) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	CountByType(ctx context.Context) (map[models.CallType]int64, error)
}
