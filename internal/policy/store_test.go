package policy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/carephone/carephone/internal/database"
	"github.com/carephone/carephone/internal/telephony"
)

func newTestStore(t *testing.T) (*Store, database.SettingsRepository) {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo, err := database.NewSettingsRepository(context.Background(), db)
	if err != nil {
		t.Fatalf("NewSettingsRepository() error: %v", err)
	}
	s, err := NewStore(context.Background(), repo, slog.Default())
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	t.Cleanup(s.Close)
	return s, repo
}

func TestNewStoreDefaults(t *testing.T) {
	s, _ := newTestStore(t)
	if got := s.Snapshot(); got != Defaults() {
		t.Errorf("Snapshot() = %+v, want defaults", got)
	}
}

func TestStoreUpdatePersists(t *testing.T) {
	s, repo := newTestStore(t)
	ctx := context.Background()

	_, err := s.Update(ctx, func(p *Snapshot) {
		p.UserName = "Margaret"
		p.FeatureLevel = LevelStandard
		p.AutoAnswerEnabled = true
		p.MissedCallNagInterval = NagEvery5Minutes
		p.TTSSpeed = 0.8
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	reloaded, err := NewStore(ctx, repo, slog.Default())
	if err != nil {
		t.Fatalf("reloading store: %v", err)
	}
	got := reloaded.Snapshot()
	if got.UserName != "Margaret" || got.FeatureLevel != LevelStandard || !got.AutoAnswerEnabled ||
		got.MissedCallNagInterval != NagEvery5Minutes || got.TTSSpeed != 0.8 {
		t.Errorf("reloaded snapshot = %+v", got)
	}
}

func TestStoreUpdateRejectsInvalid(t *testing.T) {
	s, _ := newTestStore(t)

	tests := []struct {
		name string
		fn   func(*Snapshot)
	}{
		{"volume too high", func(p *Snapshot) { p.SpeakerVolume = 101 }},
		{"unknown level", func(p *Snapshot) { p.FeatureLevel = 9 }},
		{"unknown interval", func(p *Snapshot) { p.MissedCallNagInterval = "HOURLY" }},
		{"unknown sound", func(p *Snapshot) { p.NagSound = "FOGHORN" }},
		{"empty name", func(p *Snapshot) { p.UserName = "" }},
		{"tts too fast", func(p *Snapshot) { p.TTSSpeed = 3 }},
		{"push token without platform", func(p *Snapshot) { p.CarerPushToken = "abc" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Update(context.Background(), tt.fn); err == nil {
				t.Error("expected validation error")
			}
			if got := s.Snapshot(); got != Defaults() {
				t.Errorf("snapshot changed after rejected update: %+v", got)
			}
		})
	}
}

func TestStoreSubscribe(t *testing.T) {
	s, _ := newTestStore(t)
	ch, cancel := s.Subscribe()
	defer cancel()

	// The current snapshot is delivered first.
	if got := <-ch; got.UserName != "User" {
		t.Fatalf("initial snapshot user = %q", got.UserName)
	}

	if _, err := s.Update(context.Background(), func(p *Snapshot) { p.MissedCallNagEnabled = false }); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	select {
	case got := <-ch:
		if got.MissedCallNagEnabled {
			t.Error("expected nag disabled in published snapshot")
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot published after Update")
	}
}

type memSettings struct {
	mu       sync.Mutex
	values   map[string]string
	writeErr error
}

func (m *memSettings) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key], nil
}

func (m *memSettings) SetMany(_ context.Context, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	for k, v := range values {
		m.values[k] = v
	}
	return nil
}

func TestStoreUpdateStorageFailureKeepsMemory(t *testing.T) {
	settings := &memSettings{values: map[string]string{}, writeErr: errors.New("read-only filesystem")}
	s, err := NewStore(context.Background(), settings, slog.Default())
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}

	_, err = s.Update(context.Background(), func(p *Snapshot) { p.SpeakerVolume = 40 })
	if !errors.Is(err, telephony.ErrStorageFailure) {
		t.Fatalf("Update() error = %v, want ErrStorageFailure", err)
	}
	if got := s.Snapshot().SpeakerVolume; got != 40 {
		t.Errorf("in-memory volume = %d, want 40", got)
	}
}

func TestLoadIgnoresInvalidValues(t *testing.T) {
	settings := &memSettings{values: map[string]string{
		keyUserName:      "Bob",
		keySpeakerVolume: "loud",
		keyTTSEnabled:    "maybe",
	}}
	s, err := NewStore(context.Background(), settings, slog.Default())
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	got := s.Snapshot()
	if got.UserName != "Bob" || got.SpeakerVolume != 80 || !got.TTSEnabled {
		t.Errorf("Snapshot() = %+v", got)
	}
}

func TestLoadOutOfRangeFallsBackToDefaults(t *testing.T) {
	settings := &memSettings{values: map[string]string{
		keySpeakerVolume: "250",
		keyCarerPINHash:  "$argon2id$stored",
	}}
	s, err := NewStore(context.Background(), settings, slog.Default())
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	got := s.Snapshot()
	if got.SpeakerVolume != 80 {
		t.Errorf("volume = %d, want default 80", got.SpeakerVolume)
	}
	if got.CarerPINHash != "$argon2id$stored" {
		t.Error("PIN hash must survive fallback to defaults")
	}
}

func TestNagIntervalDelays(t *testing.T) {
	tests := []struct {
		interval            NagInterval
		wantInitial, wantRe time.Duration
	}{
		{NagImmediateThenMinute, 5 * time.Second, time.Minute},
		{NagEvery2Minutes, 2 * time.Minute, 2 * time.Minute},
		{NagEvery5Minutes, 5 * time.Minute, 5 * time.Minute},
		{NagEvery10Minutes, 10 * time.Minute, 10 * time.Minute},
		{"UNKNOWN", 5 * time.Second, time.Minute},
	}
	for _, tt := range tests {
		t.Run(string(tt.interval), func(t *testing.T) {
			initial, repeat := tt.interval.Delays()
			if initial != tt.wantInitial || repeat != tt.wantRe {
				t.Errorf("Delays() = %v, %v, want %v, %v", initial, repeat, tt.wantInitial, tt.wantRe)
			}
		})
	}
}

func TestSpeakerForced(t *testing.T) {
	s := Defaults()
	if !s.SpeakerForced() {
		t.Error("minimal level must force speaker")
	}
	s.FeatureLevel = LevelBasic
	if s.SpeakerForced() {
		t.Error("basic level must not force speaker")
	}
}
