// Package battery watches the battery and speaks a warning when it runs
// low or when charging starts.
package battery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/carephone/carephone/internal/audio"
	"github.com/carephone/carephone/internal/policy"
)

const (
	LowThreshold      = 20
	CriticalThreshold = 10
)

const (
	lowText      = "Battery is low. Please charge the phone."
	criticalText = "Battery is very low. Please charge the phone now."
	chargingText = "The phone is charging."
)

// Speaker queues speech.
type Speaker interface {
	Speak(text string, p audio.Priority)
}

// PolicySource supplies the current policy.
type PolicySource interface {
	Snapshot() policy.Snapshot
}

// Announcer speaks each warning once per crossing. The low and critical
// flags reset when the level climbs back above the threshold; the charging
// flag resets when the charger is removed.
type Announcer struct {
	source  Source
	speaker Speaker
	policy  PolicySource
	logger  *slog.Logger

	mu                sync.Mutex
	last              Reading
	seen              bool
	announcedLow      bool
	announcedCritical bool
	announcedCharging bool
}

// NewAnnouncer creates an Announcer.
func NewAnnouncer(source Source, speaker Speaker, pol PolicySource, logger *slog.Logger) *Announcer {
	return &Announcer{
		source:  source,
		speaker: speaker,
		policy:  pol,
		logger:  logger.With("component", "battery"),
	}
}

// Run polls the source every interval until ctx is cancelled.
func (a *Announcer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r, err := a.source.Read(ctx)
		switch {
		case err == nil:
			a.Observe(r)
		case errors.Is(err, context.Canceled):
			return
		default:
			a.logger.Warn("reading battery", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Last returns the most recent reading and whether there has been one.
func (a *Announcer) Last() (Reading, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last, a.seen
}

// Observe processes one reading. A phone that starts up already low is
// warned straight away; one that starts up on the charger is not told it
// is charging.
func (a *Announcer) Observe(r Reading) {
	a.mu.Lock()
	defer a.mu.Unlock()

	prev := a.last
	if !a.seen {
		a.logger.Info("battery baseline", "level", r.Level, "charging", r.Charging)
		prev = r
		a.announcedCharging = r.Charging
	} else if r != prev {
		a.logger.Debug("battery changed", "level", r.Level, "charging", r.Charging)
	}
	a.last, a.seen = r, true

	if r.Level > LowThreshold {
		a.announcedLow = false
	}
	if r.Level > CriticalThreshold {
		a.announcedCritical = false
	}
	if !r.Charging {
		a.announcedCharging = false
	}

	if !r.Charging {
		switch {
		case r.Level <= CriticalThreshold && !a.announcedCritical:
			a.announcedCritical = true
			a.announcedLow = true
			a.say(criticalText, audio.PriorityHigh, r)
		case r.Level <= LowThreshold && !a.announcedLow:
			a.announcedLow = true
			a.say(lowText, audio.PriorityLow, r)
		}
	}

	if r.Charging && !prev.Charging && !a.announcedCharging {
		a.announcedCharging = true
		a.say(chargingText, audio.PriorityLow, r)
	}
}

func (a *Announcer) say(text string, p audio.Priority, r Reading) {
	if !a.policy.Snapshot().BatteryAnnouncementsEnabled {
		a.logger.Info("battery announcement suppressed", "text", text, "level", r.Level)
		return
	}
	a.logger.Info("battery announcement", "text", text, "level", r.Level)
	a.speaker.Speak(text, p)
}
