// Package policy holds the carer-configured settings that every call
// decision reads, as an immutable Snapshot, and the Store that persists
// them and notifies listeners of changes.
package policy

import (
	"fmt"
	"time"
)

// FeatureLevel is how much of the phone the user is exposed to. Higher
// levels unlock more controls.
type FeatureLevel int

const (
	LevelMinimal FeatureLevel = iota + 1
	LevelBasic
	LevelStandard
	LevelExtended
)

func (l FeatureLevel) String() string {
	switch l {
	case LevelMinimal:
		return "minimal"
	case LevelBasic:
		return "basic"
	case LevelStandard:
		return "standard"
	case LevelExtended:
		return "extended"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Valid reports whether l is a known level.
func (l FeatureLevel) Valid() bool {
	return l >= LevelMinimal && l <= LevelExtended
}

// NagInterval names an entry in the fixed reminder timing catalog.
type NagInterval string

const (
	NagImmediateThenMinute NagInterval = "IMMEDIATE_THEN_MINUTE"
	NagEvery2Minutes       NagInterval = "EVERY_2_MINUTES"
	NagEvery5Minutes       NagInterval = "EVERY_5_MINUTES"
	NagEvery10Minutes      NagInterval = "EVERY_10_MINUTES"
)

type nagTiming struct {
	initial, repeat time.Duration
}

var nagCatalog = map[NagInterval]nagTiming{
	NagImmediateThenMinute: {5 * time.Second, 60 * time.Second},
	NagEvery2Minutes:       {2 * time.Minute, 2 * time.Minute},
	NagEvery5Minutes:       {5 * time.Minute, 5 * time.Minute},
	NagEvery10Minutes:      {10 * time.Minute, 10 * time.Minute},
}

// Valid reports whether n is in the catalog.
func (n NagInterval) Valid() bool {
	_, ok := nagCatalog[n]
	return ok
}

// Delays returns the wait before the first reminder and between later
// reminders. Unknown names fall back to the default entry.
func (n NagInterval) Delays() (initial, repeat time.Duration) {
	t, ok := nagCatalog[n]
	if !ok {
		t = nagCatalog[NagImmediateThenMinute]
	}
	return t.initial, t.repeat
}

// NagSound selects the attention sound played before each reminder.
type NagSound string

const (
	SoundTannoyBingBong NagSound = "TANNOY_BINGBONG"
	SoundGentleChime    NagSound = "GENTLE_CHIME"
	// SoundSpokenOnly plays no attention sound, only the reminder speech.
	SoundSpokenOnly NagSound = "SPOKEN_ONLY"
	// SoundNone plays no attention sound; speech still plays.
	SoundNone NagSound = "NONE"
)

// Valid reports whether s is a known sound.
func (s NagSound) Valid() bool {
	switch s {
	case SoundTannoyBingBong, SoundGentleChime, SoundSpokenOnly, SoundNone:
		return true
	}
	return false
}

// HasAttentionSound reports whether a sound plays before the reminder.
func (s NagSound) HasAttentionSound() bool {
	return s == SoundTannoyBingBong || s == SoundGentleChime
}

// Snapshot is the policy in force at one instant. It is a value: holders
// never see later edits.
type Snapshot struct {
	UserName                    string       `json:"user_name"`
	FeatureLevel                FeatureLevel `json:"feature_level"`
	RejectUnknownCalls          bool         `json:"reject_unknown_calls"`
	AutoAnswerEnabled           bool         `json:"auto_answer_enabled"`
	AutoAnswerDelaySeconds      int          `json:"auto_answer_delay_seconds"`
	SpeakerphoneAlwaysOn        bool         `json:"speakerphone_always_on"`
	SpeakerVolume               int          `json:"speaker_volume"`
	MissedCallNagEnabled        bool         `json:"missed_call_nag_enabled"`
	MissedCallNagInterval       NagInterval  `json:"missed_call_nag_interval"`
	NagSound                    NagSound     `json:"nag_sound"`
	TTSEnabled                  bool         `json:"tts_enabled"`
	TTSSpeed                    float64      `json:"tts_speed"`
	BatteryAnnouncementsEnabled bool         `json:"battery_announcements_enabled"`
	EmergencyNumber             string       `json:"emergency_number"`
	CarerAlertEmail             string       `json:"carer_alert_email"`
	CarerPushToken              string       `json:"carer_push_token"`
	CarerPushPlatform           string       `json:"carer_push_platform"`
	CarerPINHash                string       `json:"-"`
}

// Defaults returns the policy of a freshly installed phone.
func Defaults() Snapshot {
	return Snapshot{
		UserName:                    "User",
		FeatureLevel:                LevelMinimal,
		RejectUnknownCalls:          true,
		AutoAnswerEnabled:           false,
		AutoAnswerDelaySeconds:      3,
		SpeakerphoneAlwaysOn:        true,
		SpeakerVolume:               80,
		MissedCallNagEnabled:        true,
		MissedCallNagInterval:       NagImmediateThenMinute,
		NagSound:                    SoundTannoyBingBong,
		TTSEnabled:                  true,
		TTSSpeed:                    1.0,
		BatteryAnnouncementsEnabled: true,
		EmergencyNumber:             "999",
	}
}

// AutoAnswerDelay returns the auto-answer delay as a duration.
func (s Snapshot) AutoAnswerDelay() time.Duration {
	return time.Duration(s.AutoAnswerDelaySeconds) * time.Second
}

// Validate checks that every field is in range.
func (s Snapshot) Validate() error {
	if s.UserName == "" {
		return fmt.Errorf("user_name must not be empty")
	}
	if !s.FeatureLevel.Valid() {
		return fmt.Errorf("feature_level %d is not between 1 and 4", int(s.FeatureLevel))
	}
	if s.AutoAnswerDelaySeconds < 1 || s.AutoAnswerDelaySeconds > 30 {
		return fmt.Errorf("auto_answer_delay_seconds must be between 1 and 30")
	}
	if s.SpeakerVolume < 0 || s.SpeakerVolume > 100 {
		return fmt.Errorf("speaker_volume must be between 0 and 100")
	}
	if !s.MissedCallNagInterval.Valid() {
		return fmt.Errorf("unknown missed_call_nag_interval %q", s.MissedCallNagInterval)
	}
	if !s.NagSound.Valid() {
		return fmt.Errorf("unknown nag_sound %q", s.NagSound)
	}
	if s.TTSSpeed < 0.5 || s.TTSSpeed > 2.0 {
		return fmt.Errorf("tts_speed must be between 0.5 and 2.0")
	}
	if s.CarerPushToken != "" && s.CarerPushPlatform != "fcm" && s.CarerPushPlatform != "apns" {
		return fmt.Errorf("carer_push_platform must be fcm or apns")
	}
	return nil
}

// SpeakerForced reports whether the user must stay on speaker with no way
// to switch it off.
func (s Snapshot) SpeakerForced() bool {
	return s.FeatureLevel == LevelMinimal
}
