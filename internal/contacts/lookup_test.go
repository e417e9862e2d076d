package contacts

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/carephone/carephone/internal/database"
	"github.com/carephone/carephone/internal/database/models"
	"github.com/carephone/carephone/internal/phonenumber"
)

func newTestLookup(t *testing.T) (*Lookup, database.ContactRepository) {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo := database.NewContactRepository(db)
	return NewLookup(repo, phonenumber.NewMatcher("44"), slog.Default()), repo
}

func TestFindByPhone(t *testing.T) {
	lookup, repo := newTestLookup(t)
	ctx := context.Background()

	for _, c := range []*models.Contact{
		{Name: "Ashley", PhoneNumber: "07700 900123", ContactType: models.ContactTypeCarer, IsPrimary: true},
		{Name: "Neighbour", PhoneNumber: "+44 20 7946 0018", ContactType: models.ContactTypeGreyList},
		// Stored without a trunk prefix; only the suffix compare finds it.
		{Name: "Surgery", PhoneNumber: "1632 960555", ContactType: models.ContactTypeGreyList, Priority: 2},
	} {
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("creating contact %s: %v", c.Name, err)
		}
	}

	tests := []struct {
		name        string
		number      string
		want        string
		wantTrusted bool
	}{
		{"exact", "07700 900123", "Ashley", true},
		{"international form of national entry", "+447700900123", "Ashley", true},
		{"national form of international entry", "02079460018", "Neighbour", false},
		{"suffix match", "01632 960555", "Surgery", false},
		{"unknown", "07700 900999", "", false},
		{"empty", "", "", false},
		{"no digits", "anonymous", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := lookup.FindByPhone(ctx, tt.number)
			if err != nil {
				t.Fatalf("FindByPhone() error: %v", err)
			}
			if got := DisplayName(c); got != tt.want {
				t.Errorf("FindByPhone(%q) = %q, want %q", tt.number, got, tt.want)
			}
			if got := c.Trusted(); got != tt.wantTrusted {
				t.Errorf("Trusted() = %v, want %v", got, tt.wantTrusted)
			}
		})
	}
}

type failingStore struct{}

func (failingStore) GetByNumber(context.Context, string) (*models.Contact, error) {
	return nil, errors.New("disk gone")
}

func (failingStore) List(context.Context) ([]models.Contact, error) {
	return nil, errors.New("disk gone")
}

func TestFindByPhoneStoreError(t *testing.T) {
	lookup := NewLookup(failingStore{}, phonenumber.NewMatcher("44"), slog.Default())
	if _, err := lookup.FindByPhone(context.Background(), "07700900123"); err == nil {
		t.Fatal("expected error from failing store")
	}
}

func TestUnknownCallerNotTrusted(t *testing.T) {
	var c *models.Contact
	if c.Trusted() {
		t.Error("nil contact must not be trusted")
	}
}
