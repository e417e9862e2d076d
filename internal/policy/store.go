package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/carephone/carephone/internal/telephony"
	"github.com/carephone/carephone/internal/watch"
)

// Settings table keys.
const (
	keyUserName             = "user_name"
	keyFeatureLevel         = "feature_level"
	keyRejectUnknownCalls   = "reject_unknown_calls"
	keyAutoAnswerEnabled    = "auto_answer_enabled"
	keyAutoAnswerDelay      = "auto_answer_delay_seconds"
	keySpeakerphoneAlwaysOn = "speakerphone_always_on"
	keySpeakerVolume        = "speaker_volume"
	keyNagEnabled           = "missed_call_nag_enabled"
	keyNagInterval          = "missed_call_nag_interval"
	keyNagSound             = "nag_sound"
	keyTTSEnabled           = "tts_enabled"
	keyTTSSpeed             = "tts_speed"
	keyBatteryAnnouncements = "battery_announcements_enabled"
	keyEmergencyNumber      = "emergency_number"
	keyCarerAlertEmail      = "carer_alert_email"
	keyCarerPushToken       = "carer_push_token"
	keyCarerPushPlatform    = "carer_push_platform"
	keyCarerPINHash         = "carer_pin_hash"
)

// SettingsStore is the persistence the policy store writes through.
type SettingsStore interface {
	Get(ctx context.Context, key string) (string, error)
	SetMany(ctx context.Context, values map[string]string) error
}

// Store serves the current Snapshot and persists carer edits. Reads never
// touch storage.
type Store struct {
	settings SettingsStore
	logger   *slog.Logger

	mu       sync.RWMutex
	snap     Snapshot
	notifier *watch.Notifier[Snapshot]
}

// NewStore loads the persisted policy, filling unset or unparsable keys
// with defaults.
func NewStore(ctx context.Context, settings SettingsStore, logger *slog.Logger) (*Store, error) {
	s := &Store{
		settings: settings,
		logger:   logger.With("component", "policy"),
		notifier: watch.NewNotifier[Snapshot](),
	}
	snap, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	s.snap = snap
	s.notifier.Publish(snap)
	return s, nil
}

// Snapshot returns the policy currently in force.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Subscribe returns a stream of policy snapshots, starting with the
// current one.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	return s.notifier.Subscribe()
}

// Update applies fn to a copy of the current snapshot, validates the result
// and makes it current. If persisting fails the new policy still applies in
// memory and the returned error wraps telephony.ErrStorageFailure.
func (s *Store) Update(ctx context.Context, fn func(*Snapshot)) (Snapshot, error) {
	s.mu.Lock()
	next := s.snap
	fn(&next)
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("invalid policy: %w", err)
	}
	s.snap = next
	s.mu.Unlock()

	s.notifier.Publish(next)

	if err := s.settings.SetMany(ctx, encode(next)); err != nil {
		s.logger.Error("failed to persist policy", "error", err)
		return next, fmt.Errorf("persisting policy: %w: %w", telephony.ErrStorageFailure, err)
	}
	s.logger.Info("policy updated",
		"feature_level", next.FeatureLevel.String(),
		"reject_unknown_calls", next.RejectUnknownCalls,
		"auto_answer_enabled", next.AutoAnswerEnabled,
		"nag_enabled", next.MissedCallNagEnabled,
	)
	return next, nil
}

// Close ends all subscriptions.
func (s *Store) Close() {
	s.notifier.Close()
}

func (s *Store) load(ctx context.Context) (Snapshot, error) {
	snap := Defaults()
	get := func(key string) (string, bool, error) {
		v, err := s.settings.Get(ctx, key)
		if err != nil {
			return "", false, fmt.Errorf("reading setting %s: %w", key, err)
		}
		return v, v != "", nil
	}

	var firstErr error
	str := func(key string, dst *string) {
		if firstErr != nil {
			return
		}
		v, ok, err := get(key)
		if err != nil {
			firstErr = err
			return
		}
		if ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		var v string
		str(key, &v)
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.logger.Warn("ignoring invalid setting", "key", key, "value", v)
			return
		}
		*dst = b
	}
	integer := func(key string, dst *int) {
		var v string
		str(key, &v)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			s.logger.Warn("ignoring invalid setting", "key", key, "value", v)
			return
		}
		*dst = n
	}

	str(keyUserName, &snap.UserName)
	level := int(snap.FeatureLevel)
	integer(keyFeatureLevel, &level)
	snap.FeatureLevel = FeatureLevel(level)
	boolean(keyRejectUnknownCalls, &snap.RejectUnknownCalls)
	boolean(keyAutoAnswerEnabled, &snap.AutoAnswerEnabled)
	integer(keyAutoAnswerDelay, &snap.AutoAnswerDelaySeconds)
	boolean(keySpeakerphoneAlwaysOn, &snap.SpeakerphoneAlwaysOn)
	integer(keySpeakerVolume, &snap.SpeakerVolume)
	boolean(keyNagEnabled, &snap.MissedCallNagEnabled)
	var interval, sound string
	str(keyNagInterval, &interval)
	str(keyNagSound, &sound)
	if interval != "" {
		snap.MissedCallNagInterval = NagInterval(interval)
	}
	if sound != "" {
		snap.NagSound = NagSound(sound)
	}
	boolean(keyTTSEnabled, &snap.TTSEnabled)
	var speed string
	str(keyTTSSpeed, &speed)
	if speed != "" {
		if f, err := strconv.ParseFloat(speed, 64); err == nil {
			snap.TTSSpeed = f
		}
	}
	boolean(keyBatteryAnnouncements, &snap.BatteryAnnouncementsEnabled)
	str(keyEmergencyNumber, &snap.EmergencyNumber)
	str(keyCarerAlertEmail, &snap.CarerAlertEmail)
	str(keyCarerPushToken, &snap.CarerPushToken)
	str(keyCarerPushPlatform, &snap.CarerPushPlatform)
	str(keyCarerPINHash, &snap.CarerPINHash)

	if firstErr != nil {
		return Snapshot{}, firstErr
	}

	// A hand-edited database must not leave the phone without a usable
	// policy; fall back to defaults for a bad combination.
	if err := snap.Validate(); err != nil {
		s.logger.Warn("stored policy invalid, using defaults", "error", err)
		d := Defaults()
		d.CarerPINHash = snap.CarerPINHash
		return d, nil
	}
	return snap, nil
}

func encode(s Snapshot) map[string]string {
	return map[string]string{
		keyUserName:             s.UserName,
		keyFeatureLevel:         strconv.Itoa(int(s.FeatureLevel)),
		keyRejectUnknownCalls:   strconv.FormatBool(s.RejectUnknownCalls),
		keyAutoAnswerEnabled:    strconv.FormatBool(s.AutoAnswerEnabled),
		keyAutoAnswerDelay:      strconv.Itoa(s.AutoAnswerDelaySeconds),
		keySpeakerphoneAlwaysOn: strconv.FormatBool(s.SpeakerphoneAlwaysOn),
		keySpeakerVolume:        strconv.Itoa(s.SpeakerVolume),
		keyNagEnabled:           strconv.FormatBool(s.MissedCallNagEnabled),
		keyNagInterval:          string(s.MissedCallNagInterval),
		keyNagSound:             string(s.NagSound),
		keyTTSEnabled:           strconv.FormatBool(s.TTSEnabled),
		keyTTSSpeed:             strconv.FormatFloat(s.TTSSpeed, 'f', -1, 64),
		keyBatteryAnnouncements: strconv.FormatBool(s.BatteryAnnouncementsEnabled),
		keyEmergencyNumber:      s.EmergencyNumber,
		keyCarerAlertEmail:      s.CarerAlertEmail,
		keyCarerPushToken:       s.CarerPushToken,
		keyCarerPushPlatform:    s.CarerPushPlatform,
		keyCarerPINHash:         s.CarerPINHash,
	}
}
