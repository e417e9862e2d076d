// Package nag runs the missed-call reminder loop. While a trusted contact's
// missed call is unread, the user is reminded to call back on a fixed
// cadence until they do, the carer dismisses it, or reminders are turned
// off.
package nag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carephone/carephone/internal/audio"
	"github.com/carephone/carephone/internal/database/models"
	"github.com/carephone/carephone/internal/policy"
	"github.com/carephone/carephone/internal/watch"
)

// Quiet windows after events that should not be followed straight away by
// a reminder.
const (
	defaultCallSettle    = 3 * time.Second
	defaultDismissSettle = 5 * time.Second
	soundPause           = 150 * time.Millisecond
)

// State is the scheduler's mode.
type State string

const (
	StateWatching State = "watching"
	StateNagging  State = "nagging"
)

// Status is the published scheduler state.
type Status struct {
	State  State                `json:"state"`
	Target *models.CallLogEntry `json:"target,omitempty"`
	Unread int                  `json:"unread"`
}

// Audio plays the reminder.
type Audio interface {
	PlaySound(ctx context.Context, s audio.Sound) error
	SpeakAndWait(ctx context.Context, text string, p audio.Priority) error
}

// Recorder is the call log and its active missed-call set.
type Recorder interface {
	Record(ctx context.Context, e *models.CallLogEntry) error
	MarkRead(ctx context.Context, id int64) error
	MarkAllMissedRead(ctx context.Context) error
	Active() []models.CallLogEntry
	Subscribe() (<-chan []models.CallLogEntry, func())
}

// ContactResolver finds the contact behind a number.
type ContactResolver interface {
	FindByPhone(ctx context.Context, number string) (*models.Contact, error)
}

// PolicySource supplies the policy and its changes.
type PolicySource interface {
	Snapshot() policy.Snapshot
	Subscribe() (<-chan policy.Snapshot, func())
}

// Reporter alerts the carer about missed calls.
type Reporter interface {
	MissedCall(ctx context.Context, userName, caller string)
}

// Scheduler owns the reminder loop. At most one loop runs; it always
// targets the earliest unread entry of the active missed-call set.
type Scheduler struct {
	audio    Audio
	recorder Recorder
	contacts ContactResolver
	policy   PolicySource
	reporter Reporter
	logger   *slog.Logger
	now      func() time.Time
	delays   func(policy.NagInterval) (initial, repeat time.Duration)

	callSettle    time.Duration
	dismissSettle time.Duration

	target    atomic.Pointer[models.CallLogEntry]
	reminders atomic.Uint64

	mu         sync.Mutex
	running    bool
	state      State
	active     []models.CallLogEntry // newest first
	inCall     bool
	quietUntil time.Time
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	notifier   *watch.Notifier[Status]
}

// NewScheduler creates a Scheduler. Reminders start once Run is called.
func NewScheduler(a Audio, recorder Recorder, contacts ContactResolver, pol PolicySource, reporter Reporter, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		audio:    a,
		recorder: recorder,
		contacts: contacts,
		policy:   pol,
		reporter: reporter,
		logger:   logger.With("component", "nag"),
		now:      time.Now,
		delays:   policy.NagInterval.Delays,
		state:    StateWatching,
		notifier: watch.NewNotifier[Status](),

		callSettle:    defaultCallSettle,
		dismissSettle: defaultDismissSettle,
	}
	s.notifier.Publish(Status{State: StateWatching})
	return s
}

// Run follows the active missed-call set and the policy until ctx is
// cancelled. Unread entries loaded before Run re-arm the loop.
func (s *Scheduler) Run(ctx context.Context) {
	missed, cancelMissed := s.recorder.Subscribe()
	defer cancelMissed()
	changes, cancelPolicy := s.policy.Subscribe()
	defer cancelPolicy()

	s.mu.Lock()
	s.running = true
	s.active = s.recorder.Active()
	s.reconcileLocked()
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.running = false
			s.stopLoopLocked()
			s.setStateLocked(StateWatching)
			s.mu.Unlock()
			s.notifier.Close()
			return
		case set, ok := <-missed:
			if !ok {
				missed = nil
				continue
			}
			s.mu.Lock()
			s.active = set
			s.reconcileLocked()
			s.mu.Unlock()
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			s.mu.Lock()
			s.reconcileLocked()
			s.mu.Unlock()
		}
	}
}

// Status returns the current state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// Subscribe streams state changes.
func (s *Scheduler) Subscribe() (<-chan Status, func()) {
	return s.notifier.Subscribe()
}

// Reminders returns how many reminders have been played.
func (s *Scheduler) Reminders() uint64 {
	return s.reminders.Load()
}

// OnMissedCall logs an unanswered inbound call. Calls from trusted
// contacts join the active set and alert the carer; other callers are
// logged only.
func (s *Scheduler) OnMissedCall(ctx context.Context, number, name string) {
	c, err := s.contacts.FindByPhone(ctx, number)
	if err != nil {
		s.logger.Warn("contact lookup failed for missed call", "number", number, "error", err)
		c = nil
	}

	entry := &models.CallLogEntry{
		PhoneNumber: number,
		ContactName: name,
		Type:        models.CallTypeMissed,
	}
	if c != nil {
		entry.ContactID = &c.ID
		if entry.ContactName == "" {
			entry.ContactName = c.Name
		}
	}
	if err := s.recorder.Record(ctx, entry); err != nil {
		s.logger.Warn("failed to store missed call", "number", number, "error", err)
	}

	if !c.Trusted() {
		s.logger.Info("missed call from untrusted number, no reminder", "number", number)
		return
	}
	s.logger.Info("missed call from trusted contact", "contact", entry.ContactName, "id", entry.ID)
	if s.reporter != nil {
		s.reporter.MissedCall(ctx, s.policy.Snapshot().UserName, entry.ContactName)
	}
}

// OnCallStarted pauses reminders for the duration of a call.
func (s *Scheduler) OnCallStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inCall = true
	s.reconcileLocked()
}

// OnCallEnded resumes reminders after a short settle window.
func (s *Scheduler) OnCallEnded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inCall = false
	s.quietLocked(s.callSettle)
	s.reconcileLocked()
}

// OnOutboundCall is the user calling out, which resolves every missed
// call. Reminder audio stops before the call log is touched.
func (s *Scheduler) OnOutboundCall(ctx context.Context) {
	s.mu.Lock()
	s.inCall = true
	s.clearLocked()
	s.mu.Unlock()

	s.markAllRead(ctx, "outbound call")
}

// OnTrustedCallAnswered is a trusted contact getting through, which
// resolves every missed call.
func (s *Scheduler) OnTrustedCallAnswered(ctx context.Context) {
	s.mu.Lock()
	s.clearLocked()
	s.mu.Unlock()

	s.markAllRead(ctx, "trusted call answered")
}

// DismissAll clears every missed call. Calling it again is harmless.
func (s *Scheduler) DismissAll(ctx context.Context) error {
	s.mu.Lock()
	s.clearLocked()
	s.quietLocked(s.dismissSettle)
	s.mu.Unlock()

	return s.markAllRead(ctx, "dismissed")
}

// Dismiss clears one missed call. If it was the reminder target the loop
// stops and re-arms for the next entry after a short pause.
func (s *Scheduler) Dismiss(ctx context.Context, id int64) error {
	s.mu.Lock()
	if t := s.target.Load(); t != nil && t.ID == id {
		s.stopLoopLocked()
	}
	s.active = removeEntry(s.active, id)
	s.quietLocked(s.dismissSettle)
	s.reconcileLocked()
	s.mu.Unlock()

	if err := s.recorder.MarkRead(ctx, id); err != nil {
		s.logger.Warn("dismissing missed call failed, reminder stopped anyway", "id", id, "error", err)
		return fmt.Errorf("dismissing missed call %d: %w", id, err)
	}
	return nil
}

// markAllRead persists the resolution. The loop has already stopped; a
// failed write is logged and leaves it stopped.
func (s *Scheduler) markAllRead(ctx context.Context, reason string) error {
	if err := s.recorder.MarkAllMissedRead(ctx); err != nil {
		s.logger.Warn("marking missed calls read failed, reminders stopped anyway", "reason", reason, "error", err)
		return fmt.Errorf("resolving missed calls: %w", err)
	}
	s.logger.Info("missed calls resolved", "reason", reason)
	return nil
}

func (s *Scheduler) clearLocked() {
	s.stopLoopLocked()
	s.active = nil
	s.reconcileLocked()
}

func (s *Scheduler) quietLocked(d time.Duration) {
	if until := s.now().Add(d); until.After(s.quietUntil) {
		s.quietUntil = until
	}
}

// reconcileLocked starts or stops the loop to match the active set, the
// policy and whether a call is in progress.
func (s *Scheduler) reconcileLocked() {
	snap := s.policy.Snapshot()
	target, ok := earliest(s.active)

	if !ok || !snap.MissedCallNagEnabled || s.inCall || !s.running {
		s.stopLoopLocked()
		s.setStateLocked(StateWatching)
		return
	}

	prev := s.target.Swap(&target)
	if s.loopCancel != nil {
		if prev == nil || prev.ID != target.ID {
			s.logger.Info("reminder target changed", "id", target.ID, "contact", target.ContactName)
			s.notifier.Publish(s.statusLocked())
		}
		return
	}

	initial, _ := s.delays(snap.MissedCallNagInterval)
	if quiet := s.quietUntil.Sub(s.now()); quiet > initial {
		initial = quiet
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.loopCancel = cancel
	s.loopDone = done
	go s.loop(ctx, done, initial)

	s.logger.Info("reminders armed", "id", target.ID, "contact", target.ContactName, "initial_delay", initial)
	s.setStateLocked(StateNagging)
}

// stopLoopLocked cancels the loop and waits for it so that any sound or
// speech in progress has stopped when it returns. Safe to call when no
// loop is running.
func (s *Scheduler) stopLoopLocked() {
	if s.loopCancel == nil {
		return
	}
	s.loopCancel()
	<-s.loopDone
	s.loopCancel = nil
	s.loopDone = nil
	s.target.Store(nil)
	s.logger.Info("reminders stopped")
}

func (s *Scheduler) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	s.notifier.Publish(s.statusLocked())
}

func (s *Scheduler) statusLocked() Status {
	st := Status{State: s.state, Unread: len(s.active)}
	if s.state == StateNagging {
		st.Target = s.target.Load()
	}
	return st
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}, initial time.Duration) {
	defer close(done)

	if !sleepCtx(ctx, initial) {
		return
	}
	for {
		snap := s.policy.Snapshot()
		target := s.target.Load()
		if target == nil {
			return
		}
		s.remind(ctx, snap, target)
		if ctx.Err() != nil {
			return
		}
		_, repeat := s.delays(snap.MissedCallNagInterval)
		if !sleepCtx(ctx, repeat) {
			return
		}
	}
}

func (s *Scheduler) remind(ctx context.Context, snap policy.Snapshot, target *models.CallLogEntry) {
	if sound, ok := audio.AttentionSound(snap.NagSound); ok {
		if err := s.audio.PlaySound(ctx, sound); err != nil && ctx.Err() == nil {
			s.logger.Warn("attention sound failed", "sound", sound, "error", err)
		}
		if !sleepCtx(ctx, soundPause) {
			return
		}
	}

	err := s.audio.SpeakAndWait(ctx, reminderText(snap.UserName, target.ContactName), audio.PriorityHigh)
	if err != nil && ctx.Err() == nil && !errors.Is(err, audio.ErrPreempted) {
		s.logger.Warn("reminder speech failed", "error", err)
	}
	if ctx.Err() == nil {
		s.reminders.Add(1)
		s.logger.Debug("reminder played", "id", target.ID, "contact", target.ContactName)
	}
}

func reminderText(userName, caller string) string {
	if caller == "" {
		caller = "someone"
	}
	return fmt.Sprintf("%s, you missed a call. Please call %s now.", userName, caller)
}

// earliest returns the oldest entry of a newest-first set.
func earliest(set []models.CallLogEntry) (models.CallLogEntry, bool) {
	if len(set) == 0 {
		return models.CallLogEntry{}, false
	}
	return set[len(set)-1], true
}

func removeEntry(set []models.CallLogEntry, id int64) []models.CallLogEntry {
	out := make([]models.CallLogEntry, 0, len(set))
	for _, e := range set {
		if e.ID != id {
			out = append(out, e)
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
