// Package callsession owns the one current call. It turns line events and
// user commands into state transitions, publishes every transition to the
// UI, and drives the side effects around a call: ringing, announcements,
// auto-answer, the call log and the missed-call trigger.
package callsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carephone/carephone/internal/audio"
	"github.com/carephone/carephone/internal/database/models"
	"github.com/carephone/carephone/internal/diagnostics"
	"github.com/carephone/carephone/internal/policy"
	"github.com/carephone/carephone/internal/screening"
	"github.com/carephone/carephone/internal/telephony"
	"github.com/carephone/carephone/internal/watch"
)

// resolveTimeout bounds the background contact lookup.
const resolveTimeout = 5 * time.Second

// Screener decides whether an inbound call may ring.
type Screener interface {
	Screen(ctx context.Context, number string) screening.Result
	Admit(ctx context.Context, number string, res screening.Result) (screening.Result, bool)
}

// ContactResolver finds the contact behind a number.
type ContactResolver interface {
	FindByPhone(ctx context.Context, number string) (*models.Contact, error)
}

// PolicySource supplies the current policy.
type PolicySource interface {
	Snapshot() policy.Snapshot
}

// Audio is the part of the audio controller a call drives.
type Audio interface {
	StartRinging(caller func() string)
	StopRinging()
	Speak(text string, p audio.Priority)
	ApplyCallAudio() error
	ResetCallAudio() error
	ToggleSpeaker() (bool, error)
	ToggleMute() (bool, error)
	State() (speakerOn, muted bool)
}

// Recorder logs finished calls.
type Recorder interface {
	Record(ctx context.Context, e *models.CallLogEntry) error
}

// Nagger is the missed-call reminder loop as seen from the call path.
type Nagger interface {
	OnCallStarted()
	OnCallEnded()
	OnOutboundCall(ctx context.Context)
	OnTrustedCallAnswered(ctx context.Context)
	OnMissedCall(ctx context.Context, number, name string)
}

// Reporter receives recovered failures.
type Reporter interface {
	Report(ctx context.Context, kind diagnostics.Kind, err error, attrs ...any)
}

// Config groups the Manager's collaborators.
type Config struct {
	Gateway  telephony.Gateway
	Screener Screener
	Contacts ContactResolver
	Policy   PolicySource
	Audio    Audio
	Recorder Recorder
	Nag      Nagger
	Reporter Reporter
	Logger   *slog.Logger
}

// Manager is the call state machine. Every transition happens under one
// mutex together with its publish. Line actions (place, answer, reject,
// hang up) are issued with the mutex released because the line reports
// their outcome back through HandleEvent.
type Manager struct {
	gateway  telephony.Gateway
	screener Screener
	contacts ContactResolver
	policy   PolicySource
	audio    Audio
	recorder Recorder
	nag      Nagger
	reporter Reporter
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	current  *session
	notifier *watch.Notifier[*CallSession]
}

// NewManager creates a Manager. Register it as the line's event handler.
func NewManager(cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		gateway:  cfg.Gateway,
		screener: cfg.Screener,
		contacts: cfg.Contacts,
		policy:   cfg.Policy,
		audio:    cfg.Audio,
		recorder: cfg.Recorder,
		nag:      cfg.Nag,
		reporter: cfg.Reporter,
		logger:   cfg.Logger.With("component", "callsession"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		notifier: watch.NewNotifier[*CallSession](),
	}
	m.notifier.Publish(nil)
	return m
}

// Current returns a copy of the current call, or nil when idle.
func (m *Manager) Current() *CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return m.current.snapshot()
}

// Subscribe returns the current-call stream. A nil value means idle.
func (m *Manager) Subscribe() (<-chan *CallSession, func()) {
	return m.notifier.Subscribe()
}

// Close detaches the current session and waits for background lookups.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	if s := m.current; s != nil {
		s.detach()
		m.audio.StopRinging()
	}
	m.mu.Unlock()
	m.wg.Wait()
	m.notifier.Close()
}

// effects are side effects collected under the mutex and run after it is
// released.
type effects []func()

func (e effects) run() {
	for _, f := range e {
		f()
	}
}

// HandleEvent implements telephony.EventHandler.
func (m *Manager) HandleEvent(ev telephony.Event) {
	m.logger.Debug("line event",
		"kind", ev.Kind.String(),
		"call_id", ev.CallID,
		"direction", ev.Direction,
		"state", ev.State,
	)

	switch ev.Kind {
	case telephony.CallAdded:
		if ev.Direction == telephony.DirectionIncoming {
			m.onIncoming(ev)
		} else {
			m.onOutgoingAdded(ev)
		}
	case telephony.StateChanged:
		m.onStateChanged(ev)
	case telephony.CallRemoved:
		m.onRemoved(ev)
	}
}

func (m *Manager) onIncoming(ev telephony.Event) {
	res := screening.Result{Decision: screening.Allow, Fallback: true}
	if m.screener != nil {
		res = m.screener.Screen(m.ctx, ev.Number)
	}
	if res.Decision == screening.RejectSilent {
		m.rejectLine(ev.Number)
		return
	}

	if m.screener != nil {
		var ok bool
		if res, ok = m.screener.Admit(m.ctx, ev.Number, res); !ok {
			m.refuseAtAdmission(ev.Number)
			return
		}
	}

	m.mu.Lock()
	prev := m.current
	s := m.newSessionLocked(ev.CallID, ev.Number, telephony.DirectionIncoming, telephony.StateRinging)
	s.setContact(res.Contact)
	if prev != nil {
		m.logger.Warn("superseding call session", "previous", prev.info.ID, "session", s.info.ID)
	}
	m.publishLocked()

	m.audio.StartRinging(s.callerName)
	m.armAutoAnswerLocked(s)
	if res.Contact == nil && res.Fallback {
		m.resolveAsync(s)
	}
	id, name := s.info.ID, s.info.ContactName
	m.mu.Unlock()

	m.logger.Info("incoming call ringing",
		"session", id,
		"number", ev.Number,
		"contact", name,
	)
	m.nag.OnCallStarted()
}

// refuseAtAdmission declines a call that passed screening but failed the
// admission re-check, and logs it like any other rejection.
func (m *Manager) refuseAtAdmission(number string) {
	m.logger.Info("call refused at admission", "number", number)
	m.rejectLine(number)
	m.record(&models.CallLogEntry{
		PhoneNumber: number,
		Type:        models.CallTypeRejected,
		Read:        true,
	})
}

// onOutgoingAdded attaches the line's call ID to a session started by
// PlaceCall, or tracks a call placed outside the Manager.
func (m *Manager) onOutgoingAdded(ev telephony.Event) {
	m.mu.Lock()
	if s := m.current; s != nil && s.dialing && s.callID == "" {
		s.callID = ev.CallID
		m.mu.Unlock()
		return
	}
	s := m.newSessionLocked(ev.CallID, ev.Number, telephony.DirectionOutgoing, telephony.StateDialing)
	m.publishLocked()
	m.resolveAsync(s)
	m.mu.Unlock()
	m.nag.OnCallStarted()
}

func (m *Manager) onStateChanged(ev telephony.Event) {
	m.mu.Lock()
	s := m.sessionForLocked(ev.CallID)
	if s == nil {
		m.mu.Unlock()
		m.logger.Debug("state change for unknown call", "call_id", ev.CallID, "state", ev.State)
		return
	}

	var fx effects
	switch ev.State {
	case telephony.StateActive:
		fx = m.activateLocked(s)
	case telephony.StateDisconnected:
		fx = m.endLocked(s, "remote")
	case telephony.StateIdle:
		// Idle is only ever reached through Disconnected.
	default:
		if s.info.State != ev.State && s.info.State != telephony.StateDisconnecting {
			s.info.State = ev.State
			m.publishLocked()
		}
	}
	m.mu.Unlock()
	fx.run()
}

func (m *Manager) onRemoved(ev telephony.Event) {
	m.mu.Lock()
	s := m.sessionForLocked(ev.CallID)
	if s == nil {
		m.mu.Unlock()
		return
	}
	cause := ev.Cause
	if cause == "" {
		cause = "remote"
	}
	fx := m.endLocked(s, cause)
	m.mu.Unlock()
	fx.run()
}

// sessionForLocked returns the current session if callID belongs to it.
// A session still waiting for its line call ID owns no events.
func (m *Manager) sessionForLocked(callID string) *session {
	s := m.current
	if s == nil || s.callID == "" || s.callID != callID {
		return nil
	}
	return s
}

func (m *Manager) newSessionLocked(callID, number string, dir telephony.Direction, state telephony.State) *session {
	if prev := m.current; prev != nil {
		prev.detach()
		m.audio.StopRinging()
	}
	ctx, cancel := context.WithCancel(m.ctx)
	s := &session{
		info: CallSession{
			ID:          uuid.NewString(),
			PhoneNumber: number,
			Direction:   dir,
			State:       state,
			StartTime:   m.now(),
		},
		callID: callID,
		ctx:    ctx,
		cancel: cancel,
	}
	s.info.SpeakerOn, s.info.Muted = m.audio.State()
	m.current = s
	return s
}

func (m *Manager) publishLocked() {
	if m.current == nil {
		m.notifier.Publish(nil)
		return
	}
	m.notifier.Publish(m.current.snapshot())
}

// resolveAsync looks up the contact in the background and republishes the
// session with its name. The result is dropped if the session has been
// superseded in the meantime.
func (m *Manager) resolveAsync(s *session) {
	number := s.info.PhoneNumber
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, resolveTimeout)
		c, err := m.contacts.FindByPhone(ctx, number)
		cancel()
		if err != nil {
			m.logger.Warn("contact lookup failed", "number", number, "error", err)
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.current != s || s.ctx.Err() != nil {
			return
		}
		if c != nil {
			s.setContact(c)
			m.publishLocked()
		}

		switch {
		case s.info.Direction == telephony.DirectionIncoming && s.info.State == telephony.StateRinging:
			m.armAutoAnswerLocked(s)
		case s.info.Direction == telephony.DirectionOutgoing && s.info.State == telephony.StateDialing && !s.announced:
			s.announced = true
			m.audio.Speak("Calling "+s.spokenName()+".", audio.PriorityHigh)
		}
	}()
}

// armAutoAnswerLocked starts the auto-answer timer when the policy allows
// it for this caller.
func (m *Manager) armAutoAnswerLocked(s *session) {
	if s.autoAnswer != nil || s.contact == nil {
		return
	}
	snap := m.policy.Snapshot()
	if !snap.AutoAnswerEnabled || !(s.contact.Trusted() || s.contact.AutoAnswer) {
		return
	}
	delay := snap.AutoAnswerDelay()
	m.logger.Info("auto-answer armed", "session", s.info.ID, "delay", delay)
	s.autoAnswer = time.AfterFunc(delay, func() {
		if s.ctx.Err() != nil {
			return
		}
		if err := m.answer(s.ctx, s); err != nil && !errors.Is(err, telephony.ErrUnsupportedOperation) {
			m.logger.Warn("auto-answer failed", "session", s.info.ID, "error", err)
		}
	})
}

// activateLocked moves s to ACTIVE and applies call audio.
func (m *Manager) activateLocked(s *session) effects {
	if s.info.State == telephony.StateActive || s.info.State == telephony.StateDisconnecting {
		return nil
	}
	s.stopAutoAnswer()
	m.audio.StopRinging()

	now := m.now()
	s.info.State = telephony.StateActive
	s.info.ConnectedAt = &now
	s.live = true

	if err := m.audio.ApplyCallAudio(); err != nil {
		m.logger.Warn("applying call audio", "session", s.info.ID, "error", err)
	}
	s.info.SpeakerOn, s.info.Muted = m.audio.State()
	m.publishLocked()
	m.logger.Info("call active", "session", s.info.ID, "direction", s.info.Direction)

	if s.info.Direction == telephony.DirectionOutgoing {
		m.audio.Speak(s.spokenName()+" answered.", audio.PriorityHigh)
		return nil
	}
	if s.contact.Trusted() {
		return effects{func() { m.nag.OnTrustedCallAnswered(m.ctx) }}
	}
	return nil
}

// endLocked finishes s: it is published as DISCONNECTED, logged, and the
// line returns to idle.
func (m *Manager) endLocked(s *session, cause string) effects {
	if m.current != s {
		return nil
	}
	s.detach()
	m.audio.StopRinging()

	s.info.State = telephony.StateDisconnected
	m.publishLocked()
	m.current = nil
	m.publishLocked()

	m.logger.Info("call ended",
		"session", s.info.ID,
		"direction", s.info.Direction,
		"live", s.live,
		"cause", cause,
	)

	fx := effects{m.nag.OnCallEnded}
	switch {
	case s.live:
		m.audio.Speak("Call ended.", audio.PriorityNormal)
		if err := m.audio.ResetCallAudio(); err != nil {
			m.logger.Warn("resetting call audio", "error", err)
		}
		entry := m.entryFor(s, models.CallTypeIncoming)
		if s.info.Direction == telephony.DirectionOutgoing {
			entry.Type = models.CallTypeOutgoing
		}
		entry.Duration = int(m.now().Sub(*s.info.ConnectedAt).Seconds())
		fx = append(fx, func() { m.record(entry) })
	case s.info.Direction == telephony.DirectionIncoming:
		number, name := s.info.PhoneNumber, s.info.ContactName
		fx = append(fx, func() { m.nag.OnMissedCall(m.ctx, number, name) })
	default:
		entry := m.entryFor(s, models.CallTypeOutgoing)
		fx = append(fx, func() { m.record(entry) })
	}
	return fx
}

func (m *Manager) entryFor(s *session, t models.CallType) *models.CallLogEntry {
	return &models.CallLogEntry{
		ContactID:   s.info.ContactID,
		PhoneNumber: s.info.PhoneNumber,
		ContactName: s.info.ContactName,
		Type:        t,
		Timestamp:   s.info.StartTime,
		Read:        true,
	}
}

func (m *Manager) record(e *models.CallLogEntry) {
	if err := m.recorder.Record(m.ctx, e); err != nil {
		m.logger.Warn("failed to log call", "number", e.PhoneNumber, "type", e.Type, "error", err)
	}
}

func (m *Manager) rejectLine(number string) {
	if err := m.gateway.Reject(m.ctx); err != nil {
		m.lineFailure("rejecting call", err, "number", number)
	}
}

func (m *Manager) lineFailure(msg string, err error, attrs ...any) {
	m.logger.Warn(msg, append(attrs, "error", err)...)
	if m.reporter != nil {
		m.reporter.Report(m.ctx, diagnostics.KindTelephonyFailure, fmt.Errorf("%s: %w", msg, err), attrs...)
	}
}

// PlaceCall dials number. It fails with ErrPermissionDenied when the line
// is not available to this process and with ErrUnsupportedOperation when
// a call is already in progress.
func (m *Manager) PlaceCall(ctx context.Context, number string) error {
	number = strings.TrimSpace(number)
	if number == "" {
		return fmt.Errorf("no number to call: %w", telephony.ErrUnsupportedOperation)
	}
	if !m.gateway.IsDefaultHandler() {
		return fmt.Errorf("placing call: %w", telephony.ErrPermissionDenied)
	}

	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return fmt.Errorf("a call is already in progress: %w", telephony.ErrUnsupportedOperation)
	}
	s := m.newSessionLocked("", number, telephony.DirectionOutgoing, telephony.StateDialing)
	m.publishLocked()
	m.mu.Unlock()

	// Reminder audio stops before anything else is said.
	m.nag.OnOutboundCall(ctx)
	m.nag.OnCallStarted()

	m.mu.Lock()
	if m.current != s {
		m.mu.Unlock()
		return fmt.Errorf("call superseded before dialling: %w", telephony.ErrUnsupportedOperation)
	}
	m.resolveAsync(s)
	s.dialing = true
	id := s.info.ID
	m.mu.Unlock()

	m.logger.Info("placing call", "session", id, "number", number)
	callID, err := m.gateway.PlaceCall(ctx, number)

	m.mu.Lock()
	s.dialing = false
	if err != nil {
		fx := m.endLocked(s, "failed")
		m.mu.Unlock()
		fx.run()
		m.lineFailure("placing call", err, "number", number)
		return fmt.Errorf("placing call: %w", err)
	}
	if s.callID == "" {
		s.callID = callID
	}
	m.mu.Unlock()
	return nil
}

// Answer picks up the ringing call.
func (m *Manager) Answer(ctx context.Context) error {
	return m.answer(ctx, nil)
}

// answer answers want, or whatever is current when want is nil.
func (m *Manager) answer(ctx context.Context, want *session) error {
	m.mu.Lock()
	s := m.current
	if s == nil || (want != nil && s != want) ||
		s.info.Direction != telephony.DirectionIncoming || s.info.State != telephony.StateRinging {
		m.mu.Unlock()
		return fmt.Errorf("no ringing call to answer: %w", telephony.ErrUnsupportedOperation)
	}
	s.stopAutoAnswer()
	m.audio.StopRinging()
	s.info.State = telephony.StateConnecting
	m.publishLocked()
	m.mu.Unlock()

	m.logger.Info("answering call", "session", s.info.ID, "auto", want != nil)
	if err := m.gateway.Answer(ctx); err != nil {
		m.mu.Lock()
		fx := m.endLocked(s, "answer failed")
		m.mu.Unlock()
		fx.run()
		m.lineFailure("answering call", err, "session", s.info.ID)
		return fmt.Errorf("answering call: %w", err)
	}
	return nil
}

// Reject declines the ringing call.
func (m *Manager) Reject(ctx context.Context) error {
	m.mu.Lock()
	s := m.current
	if s == nil || s.info.Direction != telephony.DirectionIncoming || s.info.State != telephony.StateRinging {
		m.mu.Unlock()
		return fmt.Errorf("no ringing call to reject: %w", telephony.ErrUnsupportedOperation)
	}
	return m.hangUp(ctx, s, m.gateway.Reject, "rejected")
}

// EndCall hangs up the current call.
func (m *Manager) EndCall(ctx context.Context) error {
	m.mu.Lock()
	s := m.current
	if s == nil || s.info.State == telephony.StateDisconnecting {
		m.mu.Unlock()
		return fmt.Errorf("no call to end: %w", telephony.ErrUnsupportedOperation)
	}
	return m.hangUp(ctx, s, m.gateway.EndCall, "local")
}

// hangUp is entered with m.mu held and releases it. The session ends
// locally even if the line action fails.
func (m *Manager) hangUp(ctx context.Context, s *session, action func(context.Context) error, cause string) error {
	s.stopAutoAnswer()
	m.audio.StopRinging()
	s.info.State = telephony.StateDisconnecting
	m.publishLocked()
	m.mu.Unlock()

	err := action(ctx)
	if err != nil {
		m.lineFailure("hanging up", err, "session", s.info.ID)
	}

	m.mu.Lock()
	fx := m.endLocked(s, cause)
	m.mu.Unlock()
	fx.run()

	if err != nil {
		return fmt.Errorf("hanging up: %w", err)
	}
	return nil
}

// ToggleSpeaker switches between earpiece and speaker during a call.
func (m *Manager) ToggleSpeaker() (bool, error) {
	return m.toggle(m.audio.ToggleSpeaker)
}

// ToggleMute mutes or unmutes the microphone during a call.
func (m *Manager) ToggleMute() (bool, error) {
	return m.toggle(m.audio.ToggleMute)
}

func (m *Manager) toggle(fn func() (bool, error)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.current
	if s == nil || !inCall(s.info.State) {
		return false, fmt.Errorf("no call in progress: %w", telephony.ErrUnsupportedOperation)
	}
	on, err := fn()
	s.info.SpeakerOn, s.info.Muted = m.audio.State()
	m.publishLocked()
	return on, err
}

func inCall(st telephony.State) bool {
	switch st {
	case telephony.StateDialing, telephony.StateConnecting, telephony.StateActive, telephony.StateHolding:
		return true
	}
	return false
}
