// Package contacts resolves phone numbers to the contacts a carer has
// entered and classifies how far each one is trusted.
package contacts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/carephone/carephone/internal/database/models"
	"github.com/carephone/carephone/internal/phonenumber"
)

// Store is the subset of the contact repository the lookup reads.
type Store interface {
	GetByNumber(ctx context.Context, number string) (*models.Contact, error)
	List(ctx context.Context) ([]models.Contact, error)
}

// Lookup finds the contact behind a phone number.
type Lookup struct {
	store   Store
	matcher phonenumber.Matcher
	logger  *slog.Logger
}

// NewLookup creates a Lookup backed by store. Suffix comparison uses the
// given matcher so that the configured country code is honoured.
func NewLookup(store Store, matcher phonenumber.Matcher, logger *slog.Logger) *Lookup {
	return &Lookup{
		store:   store,
		matcher: matcher,
		logger:  logger.With("component", "contacts"),
	}
}

// FindByPhone returns the contact for number, or nil when the number is
// unknown. A stored-number match wins; otherwise every contact is compared
// on its last ten digits and the first match in list order (primary, then
// priority) is returned.
func (l *Lookup) FindByPhone(ctx context.Context, number string) (*models.Contact, error) {
	if l.matcher.Normalize(number) == "" {
		return nil, nil
	}

	c, err := l.store.GetByNumber(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("looking up contact by number: %w", err)
	}
	if c != nil {
		return c, nil
	}

	all, err := l.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing contacts: %w", err)
	}
	for i := range all {
		if l.matcher.IsMatch(all[i].PhoneNumber, number) {
			l.logger.Debug("contact matched by suffix", "contact_id", all[i].ID)
			return &all[i], nil
		}
	}
	return nil, nil
}

// DisplayName returns the contact's name, or "" for unknown callers.
func DisplayName(c *models.Contact) string {
	if c == nil {
		return ""
	}
	return c.Name
}
