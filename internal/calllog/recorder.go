// Package calllog records the outcome of every call and maintains the
// active missed-call set: unread missed calls from trusted contacts that
// the reminder loop works through.
package calllog

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/carephone/carephone/internal/database"
	"github.com/carephone/carephone/internal/database/models"
	"github.com/carephone/carephone/internal/diagnostics"
	"github.com/carephone/carephone/internal/telephony"
	"github.com/carephone/carephone/internal/watch"
)

// ActiveLimit caps the active missed-call set.
const ActiveLimit = 10

// Store is the persistence behind the recorder.
type Store interface {
	Append(ctx context.Context, e *models.CallLogEntry) error
	List(ctx context.Context, filter database.CallLogListFilter) ([]models.CallLogEntry, int, error)
	ListUnreadMissed(ctx context.Context, limit int) ([]models.CallLogEntry, error)
	MarkRead(ctx context.Context, id int64) error
	MarkAllMissedRead(ctx context.Context) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ContactResolver decides whether a number belongs to a trusted contact.
type ContactResolver interface {
	FindByPhone(ctx context.Context, number string) (*models.Contact, error)
}

// Reporter receives recovered storage failures.
type Reporter interface {
	Report(ctx context.Context, kind diagnostics.Kind, err error, attrs ...any)
}

// Recorder appends call outcomes and owns the active missed-call set. When
// storage fails the set is still maintained in memory.
type Recorder struct {
	store    Store
	contacts ContactResolver
	reporter Reporter
	logger   *slog.Logger

	mu      sync.Mutex
	active  []models.CallLogEntry // newest first
	localID int64                 // decreasing IDs for rows storage did not accept

	notifier *watch.Notifier[[]models.CallLogEntry]
}

// NewRecorder creates a Recorder. Call Load before use to pick up unread
// missed calls persisted by a previous run.
func NewRecorder(store Store, contacts ContactResolver, reporter Reporter, logger *slog.Logger) *Recorder {
	r := &Recorder{
		store:    store,
		contacts: contacts,
		reporter: reporter,
		logger:   logger.With("component", "calllog"),
		notifier: watch.NewNotifier[[]models.CallLogEntry](),
	}
	r.notifier.Publish(nil)
	return r
}

// Load rebuilds the active set from storage.
func (r *Recorder) Load(ctx context.Context) error {
	unread, err := r.store.ListUnreadMissed(ctx, ActiveLimit*5)
	if err != nil {
		return fmt.Errorf("loading unread missed calls: %w", err)
	}

	var active []models.CallLogEntry
	for _, e := range unread {
		if len(active) == ActiveLimit {
			break
		}
		if r.trusted(ctx, e.PhoneNumber) {
			active = append(active, e)
		}
	}

	r.mu.Lock()
	r.active = active
	r.publishLocked()
	r.mu.Unlock()

	r.logger.Info("call log loaded", "active_missed", len(active))
	return nil
}

// Record appends an outcome. Unread missed calls from trusted contacts join
// the active set even if the write fails; the write error is reported and
// returned wrapped in telephony.ErrStorageFailure.
func (r *Recorder) Record(ctx context.Context, e *models.CallLogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	storeErr := r.store.Append(ctx, e)
	if storeErr != nil {
		r.mu.Lock()
		r.localID--
		e.ID = r.localID
		r.mu.Unlock()
		r.reporter.Report(ctx, diagnostics.KindStorageFailure, storeErr,
			"operation", "append_call_log", "type", string(e.Type))
	}

	r.logger.Info("call recorded",
		"id", e.ID,
		"type", string(e.Type),
		"number", e.PhoneNumber,
		"contact", e.ContactName,
		"duration", e.Duration,
	)

	if e.Type == models.CallTypeMissed && !e.Read && r.trusted(ctx, e.PhoneNumber) {
		r.mu.Lock()
		r.active = slices.Insert(r.active, 0, *e)
		if len(r.active) > ActiveLimit {
			r.active = r.active[:ActiveLimit]
		}
		r.publishLocked()
		r.mu.Unlock()
	}

	if storeErr != nil {
		return fmt.Errorf("appending call log entry: %w: %w", telephony.ErrStorageFailure, storeErr)
	}
	return nil
}

// MarkRead clears one missed call. It leaves the active set even if the
// write fails.
func (r *Recorder) MarkRead(ctx context.Context, id int64) error {
	var err error
	if id > 0 {
		err = r.store.MarkRead(ctx, id)
	}

	r.mu.Lock()
	r.active = slices.DeleteFunc(r.active, func(e models.CallLogEntry) bool { return e.ID == id })
	r.publishLocked()
	r.mu.Unlock()

	if err != nil {
		r.reporter.Report(ctx, diagnostics.KindStorageFailure, err, "operation", "mark_read", "id", id)
		return fmt.Errorf("marking call %d read: %w: %w", id, telephony.ErrStorageFailure, err)
	}
	return nil
}

// MarkAllMissedRead clears every missed call. The active set is emptied
// even if the write fails.
func (r *Recorder) MarkAllMissedRead(ctx context.Context) error {
	n, err := r.store.MarkAllMissedRead(ctx)

	r.mu.Lock()
	cleared := len(r.active)
	r.active = nil
	r.publishLocked()
	r.mu.Unlock()

	if err != nil {
		r.reporter.Report(ctx, diagnostics.KindStorageFailure, err, "operation", "mark_all_read")
		return fmt.Errorf("marking missed calls read: %w: %w", telephony.ErrStorageFailure, err)
	}
	r.logger.Info("missed calls marked read", "rows", n, "active_cleared", cleared)
	return nil
}

// Active returns the active missed-call set, newest first.
func (r *Recorder) Active() []models.CallLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.active)
}

// Subscribe streams the active missed-call set, newest first, starting
// with the current one.
func (r *Recorder) Subscribe() (<-chan []models.CallLogEntry, func()) {
	return r.notifier.Subscribe()
}

// Recent returns up to limit entries, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]models.CallLogEntry, error) {
	entries, _, err := r.store.List(ctx, database.CallLogListFilter{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("listing recent calls: %w", err)
	}
	return entries, nil
}

// Prune deletes entries older than the retention period.
func (r *Recorder) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := r.store.DeleteOlderThan(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("pruning call log: %w", err)
	}
	if n > 0 {
		r.logger.Info("pruned call log", "deleted", n, "retention", retention)
	}
	return n, nil
}

// RunRetention prunes once per interval until ctx is cancelled. A zero
// retention disables pruning.
func (r *Recorder) RunRetention(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Prune(ctx, retention); err != nil {
			r.logger.Error("call log retention failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close ends all subscriptions.
func (r *Recorder) Close() {
	r.notifier.Close()
}

func (r *Recorder) trusted(ctx context.Context, number string) bool {
	c, err := r.contacts.FindByPhone(ctx, number)
	if err != nil {
		r.logger.Warn("contact lookup failed", "number", number, "error", err)
		return false
	}
	return c.Trusted()
}

// publishLocked must be called with r.mu held so that subscribers see
// updates in order.
func (r *Recorder) publishLocked() {
	r.notifier.Publish(slices.Clone(r.active))
}
