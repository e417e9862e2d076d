package callsession

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/carephone/carephone/internal/audio"
	"github.com/carephone/carephone/internal/database/models"
	"github.com/carephone/carephone/internal/diagnostics"
	"github.com/carephone/carephone/internal/phonenumber"
	"github.com/carephone/carephone/internal/policy"
	"github.com/carephone/carephone/internal/screening"
	"github.com/carephone/carephone/internal/telephony"
)

const (
	ashleyNumber  = "07700900123"
	unknownNumber = "07700900999"
)

var ashley = &models.Contact{ID: 1, Name: "Ashley", PhoneNumber: ashleyNumber, ContactType: models.ContactTypeCarer}

// fakeGateway reports line events back to the handler the way the SIP
// gateway does: synchronously, with no lock held.
type fakeGateway struct {
	mu        sync.Mutex
	handler   telephony.EventHandler
	callID    string
	isDefault bool
	placeErr  error
	// quiet suppresses the CallAdded that PlaceCall normally reports.
	quiet   bool
	actions []string
}

func (g *fakeGateway) do(action string) {
	g.mu.Lock()
	g.actions = append(g.actions, action)
	g.mu.Unlock()
}

func (g *fakeGateway) count(action string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, a := range g.actions {
		if a == action {
			n++
		}
	}
	return n
}

func (g *fakeGateway) PlaceCall(_ context.Context, number string) (string, error) {
	g.do("place")
	if g.placeErr != nil {
		return "", g.placeErr
	}
	if g.quiet {
		return "out-1", nil
	}
	g.handler.HandleEvent(telephony.Event{
		Kind:      telephony.CallAdded,
		CallID:    "out-1",
		Number:    number,
		Direction: telephony.DirectionOutgoing,
		State:     telephony.StateDialing,
	})
	return "out-1", nil
}

func (g *fakeGateway) Answer(context.Context) error {
	g.do("answer")
	g.handler.HandleEvent(telephony.Event{Kind: telephony.StateChanged, CallID: g.callID, State: telephony.StateActive})
	return nil
}

func (g *fakeGateway) Reject(context.Context) error  { g.do("reject"); return nil }
func (g *fakeGateway) EndCall(context.Context) error { g.do("end"); return nil }
func (g *fakeGateway) SetAudioRoute(telephony.AudioRoute) error {
	return nil
}
func (g *fakeGateway) IsDefaultHandler() bool { return g.isDefault }

type fakeScreener struct {
	results map[string]screening.Result
	admit   bool
}

func (s *fakeScreener) Screen(_ context.Context, number string) screening.Result {
	if r, ok := s.results[number]; ok {
		return r
	}
	return screening.Result{Decision: screening.Allow}
}

func (s *fakeScreener) Admit(_ context.Context, _ string, res screening.Result) (screening.Result, bool) {
	return res, s.admit
}

type fakeContacts struct {
	delay time.Duration
}

func (f fakeContacts) FindByPhone(ctx context.Context, number string) (*models.Contact, error) {
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if phonenumber.IsMatch(number, ashleyNumber) {
		return ashley, nil
	}
	return nil, nil
}

type staticPolicy struct{ snap policy.Snapshot }

func (p staticPolicy) Snapshot() policy.Snapshot { return p.snap }

type fakeAudio struct {
	mu      sync.Mutex
	ringing bool
	speaker bool
	muted   bool
	applied int
	spoken  []string
}

func (a *fakeAudio) StartRinging(func() string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ringing = true
}

func (a *fakeAudio) StopRinging() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ringing = false
}

func (a *fakeAudio) Speak(text string, _ audio.Priority) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.spoken = append(a.spoken, text)
}

func (a *fakeAudio) ApplyCallAudio() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied++
	a.speaker = true
	return nil
}

func (a *fakeAudio) ResetCallAudio() error { return nil }

func (a *fakeAudio) ToggleSpeaker() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.speaker = !a.speaker
	return a.speaker, nil
}

func (a *fakeAudio) ToggleMute() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.muted = !a.muted
	return a.muted, nil
}

func (a *fakeAudio) State() (bool, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.speaker, a.muted
}

func (a *fakeAudio) isRinging() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ringing
}

func (a *fakeAudio) said() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.spoken)
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []models.CallLogEntry
}

func (r *fakeRecorder) Record(_ context.Context, e *models.CallLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, *e)
	return nil
}

func (r *fakeRecorder) all() []models.CallLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.entries)
}

type missedCall struct{ number, name string }

// fakeNag records calls in order. spoken is the audio fake so the order of
// reminder cancellation and announcements can be checked.
type fakeNag struct {
	mu     sync.Mutex
	events []string
	missed []missedCall
	audio  *fakeAudio
	// onOutbound runs inside OnOutboundCall, while PlaceCall is waiting
	// for reminders to stop.
	onOutbound func()
}

func (n *fakeNag) add(ev string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *fakeNag) OnCallStarted() { n.add("started") }
func (n *fakeNag) OnCallEnded()   { n.add("ended") }
func (n *fakeNag) OnOutboundCall(context.Context) {
	n.add("outbound")
	if len(n.audio.said()) != 0 {
		n.add("outbound after announcement")
	}
	n.mu.Lock()
	hook := n.onOutbound
	n.mu.Unlock()
	if hook != nil {
		hook()
	}
}
func (n *fakeNag) OnTrustedCallAnswered(context.Context) { n.add("trusted answered") }
func (n *fakeNag) OnMissedCall(_ context.Context, number, name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.missed = append(n.missed, missedCall{number, name})
}

func (n *fakeNag) seen() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.events)
}

func (n *fakeNag) missedCalls() []missedCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.missed)
}

type fakeReporter struct{}

func (fakeReporter) Report(context.Context, diagnostics.Kind, error, ...any) {}

type rig struct {
	m        *Manager
	gateway  *fakeGateway
	screener *fakeScreener
	audio    *fakeAudio
	recorder *fakeRecorder
	nag      *fakeNag
	clock    *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRig(t *testing.T, snap policy.Snapshot, contacts fakeContacts) *rig {
	t.Helper()
	r := &rig{
		gateway:  &fakeGateway{isDefault: true, callID: "in-1"},
		screener: &fakeScreener{results: map[string]screening.Result{}, admit: true},
		audio:    &fakeAudio{},
		recorder: &fakeRecorder{},
		clock:    &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
	}
	r.nag = &fakeNag{audio: r.audio}
	r.screener.results[ashleyNumber] = screening.Result{Decision: screening.Allow, Contact: ashley}

	r.m = NewManager(Config{
		Gateway:  r.gateway,
		Screener: r.screener,
		Contacts: contacts,
		Policy:   staticPolicy{snap: snap},
		Audio:    r.audio,
		Recorder: r.recorder,
		Nag:      r.nag,
		Reporter: fakeReporter{},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	r.m.now = r.clock.Now
	r.gateway.handler = r.m
	t.Cleanup(r.m.Close)
	return r
}

func (r *rig) ring(number string) {
	r.m.HandleEvent(telephony.Event{
		Kind:      telephony.CallAdded,
		CallID:    r.gateway.callID,
		Number:    number,
		Direction: telephony.DirectionIncoming,
		State:     telephony.StateRinging,
	})
}

func (r *rig) hangUpRemote(callID string) {
	r.m.HandleEvent(telephony.Event{Kind: telephony.CallRemoved, CallID: callID, Cause: "remote"})
}

func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestIncomingCallRings(t *testing.T) {
	r := newRig(t, policy.Defaults(), fakeContacts{})

	r.ring(ashleyNumber)

	cur := r.m.Current()
	if cur == nil {
		t.Fatal("no current session after incoming call")
	}
	if cur.State != telephony.StateRinging || cur.ContactName != "Ashley" || cur.Direction != telephony.DirectionIncoming {
		t.Errorf("Current() = %+v", cur)
	}
	if cur.ID == "" {
		t.Error("session has no ID")
	}
	if !r.audio.isRinging() {
		t.Error("ringtone not started")
	}
	if got := r.nag.seen(); !slices.Equal(got, []string{"started"}) {
		t.Errorf("nag events = %v, want [started]", got)
	}
}

// A trusted caller is answered without user input once the auto-answer
// delay has passed.
func TestAutoAnswerTrustedCaller(t *testing.T) {
	snap := policy.Defaults()
	snap.AutoAnswerEnabled = true
	snap.AutoAnswerDelaySeconds = 3
	r := newRig(t, snap, fakeContacts{})

	updates, cancel := r.m.Subscribe()
	defer cancel()

	start := time.Now()
	r.ring(ashleyNumber)

	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-updates:
			if s == nil || s.State != telephony.StateActive {
				continue
			}
			elapsed := time.Since(start)
			if elapsed < 2500*time.Millisecond || elapsed > 4*time.Second {
				t.Errorf("auto-answered after %v, want about 3s", elapsed)
			}
			if r.gateway.count("answer") != 1 {
				t.Errorf("gateway answers = %d, want 1", r.gateway.count("answer"))
			}
			if r.audio.isRinging() {
				t.Error("still ringing after auto-answer")
			}
			return
		case <-timeout:
			t.Fatal("call was not auto-answered")
		}
	}
}

func TestAutoAnswerNotArmedForUnknownCaller(t *testing.T) {
	snap := policy.Defaults()
	snap.AutoAnswerEnabled = true
	snap.AutoAnswerDelaySeconds = 1
	snap.RejectUnknownCalls = false
	r := newRig(t, snap, fakeContacts{})

	r.ring(unknownNumber)
	time.Sleep(1500 * time.Millisecond)

	if cur := r.m.Current(); cur == nil || cur.State != telephony.StateRinging {
		t.Errorf("Current() = %+v, want still ringing", cur)
	}
	if n := r.gateway.count("answer"); n != 0 {
		t.Errorf("gateway answers = %d, want 0", n)
	}
}

func TestScreenedOutCallNeverRings(t *testing.T) {
	r := newRig(t, policy.Defaults(), fakeContacts{})
	r.screener.results[unknownNumber] = screening.Result{Decision: screening.RejectSilent}

	r.ring(unknownNumber)

	if cur := r.m.Current(); cur != nil {
		t.Errorf("Current() = %+v, want idle", cur)
	}
	if r.gateway.count("reject") != 1 {
		t.Errorf("gateway rejects = %d, want 1", r.gateway.count("reject"))
	}
	if r.audio.isRinging() {
		t.Error("screened-out call rang")
	}
}

func TestAdmissionCheckRejects(t *testing.T) {
	r := newRig(t, policy.Defaults(), fakeContacts{})
	r.screener.admit = false

	r.ring(unknownNumber)

	if cur := r.m.Current(); cur != nil {
		t.Errorf("Current() = %+v, want idle", cur)
	}
	if r.gateway.count("reject") != 1 {
		t.Errorf("gateway rejects = %d, want 1", r.gateway.count("reject"))
	}
	entries := r.recorder.all()
	if len(entries) != 1 || entries[0].Type != models.CallTypeRejected {
		t.Errorf("log = %+v, want one rejected entry", entries)
	}
}

func TestUnansweredCallTriggersMissed(t *testing.T) {
	r := newRig(t, policy.Defaults(), fakeContacts{})

	r.ring(ashleyNumber)
	r.hangUpRemote("in-1")

	if cur := r.m.Current(); cur != nil {
		t.Errorf("Current() = %+v, want idle", cur)
	}
	if got := r.nag.missedCalls(); len(got) != 1 || got[0] != (missedCall{ashleyNumber, "Ashley"}) {
		t.Errorf("missed triggers = %+v, want Ashley", got)
	}
	if entries := r.recorder.all(); len(entries) != 0 {
		t.Errorf("log = %+v, want the missed call left to the reminder pipeline", entries)
	}
	if slices.Contains(r.audio.said(), "Call ended.") {
		t.Error("announced call ended for a call that never connected")
	}
	if got := r.nag.seen(); !slices.Equal(got, []string{"started", "ended"}) {
		t.Errorf("nag events = %v", got)
	}
}

func TestAnsweredCallLoggedWithDuration(t *testing.T) {
	r := newRig(t, policy.Defaults(), fakeContacts{})

	r.ring(ashleyNumber)
	if err := r.m.Answer(context.Background()); err != nil {
		t.Fatalf("Answer() error: %v", err)
	}
	cur := r.m.Current()
	if cur == nil || cur.State != telephony.StateActive || cur.ConnectedAt == nil {
		t.Fatalf("Current() = %+v, want active", cur)
	}
	if !cur.SpeakerOn || r.audio.applied != 1 {
		t.Errorf("call audio not applied: speaker=%v applied=%d", cur.SpeakerOn, r.audio.applied)
	}
	if got := r.nag.seen(); !slices.Contains(got, "trusted answered") {
		t.Errorf("nag events = %v, want trusted answered", got)
	}

	r.clock.Advance(42 * time.Second)
	r.hangUpRemote("in-1")

	entries := r.recorder.all()
	if len(entries) != 1 {
		t.Fatalf("log = %+v, want one entry", entries)
	}
	if e := entries[0]; e.Type != models.CallTypeIncoming || e.Duration != 42 || e.ContactName != "Ashley" {
		t.Errorf("log entry = %+v, want incoming 42s from Ashley", e)
	}
	if !slices.Contains(r.audio.said(), "Call ended.") {
		t.Errorf("spoken = %v, want Call ended.", r.audio.said())
	}
	if len(r.nag.missedCalls()) != 0 {
		t.Error("answered call triggered a missed-call reminder")
	}
}

func TestPlaceCall(t *testing.T) {
	r := newRig(t, policy.Defaults(), fakeContacts{})
	ctx := context.Background()

	if err := r.m.PlaceCall(ctx, ashleyNumber); err != nil {
		t.Fatalf("PlaceCall() error: %v", err)
	}
	cur := r.m.Current()
	if cur == nil || cur.State != telephony.StateDialing || cur.Direction != telephony.DirectionOutgoing {
		t.Fatalf("Current() = %+v, want dialing", cur)
	}

	waitFor(t, "calling announcement", time.Second, func() bool {
		return slices.Contains(r.audio.said(), "Calling Ashley.")
	})
	if got := r.nag.seen(); !slices.Contains(got, "outbound") || slices.Contains(got, "outbound after announcement") {
		t.Errorf("nag events = %v, want reminders stopped before announcing", got)
	}

	r.m.HandleEvent(telephony.Event{Kind: telephony.StateChanged, CallID: "out-1", State: telephony.StateActive})
	if !slices.Contains(r.audio.said(), "Ashley answered.") {
		t.Errorf("spoken = %v, want Ashley answered.", r.audio.said())
	}

	r.clock.Advance(10 * time.Second)
	if err := r.m.EndCall(ctx); err != nil {
		t.Fatalf("EndCall() error: %v", err)
	}
	if r.gateway.count("end") != 1 {
		t.Errorf("gateway hangups = %d, want 1", r.gateway.count("end"))
	}
	entries := r.recorder.all()
	if len(entries) != 1 || entries[0].Type != models.CallTypeOutgoing || entries[0].Duration != 10 {
		t.Errorf("log = %+v, want one outgoing 10s entry", entries)
	}
	if r.m.Current() != nil {
		t.Error("session still current after EndCall")
	}
}

func TestPlaceCallErrors(t *testing.T) {
	t.Run("not default handler", func(t *testing.T) {
		r := newRig(t, policy.Defaults(), fakeContacts{})
		r.gateway.isDefault = false
		err := r.m.PlaceCall(context.Background(), ashleyNumber)
		if !errors.Is(err, telephony.ErrPermissionDenied) {
			t.Errorf("PlaceCall() error = %v, want ErrPermissionDenied", err)
		}
		if r.m.Current() != nil {
			t.Error("session created without permission")
		}
	})

	t.Run("call in progress", func(t *testing.T) {
		r := newRig(t, policy.Defaults(), fakeContacts{})
		r.ring(ashleyNumber)
		err := r.m.PlaceCall(context.Background(), ashleyNumber)
		if !errors.Is(err, telephony.ErrUnsupportedOperation) {
			t.Errorf("PlaceCall() error = %v, want ErrUnsupportedOperation", err)
		}
	})

	t.Run("line failure", func(t *testing.T) {
		r := newRig(t, policy.Defaults(), fakeContacts{})
		r.gateway.placeErr = errors.New("503 service unavailable")
		if err := r.m.PlaceCall(context.Background(), ashleyNumber); err == nil {
			t.Fatal("expected error")
		}
		if r.m.Current() != nil {
			t.Error("failed call left a session behind")
		}
	})
}

func TestCommandsWhenIdle(t *testing.T) {
	r := newRig(t, policy.Defaults(), fakeContacts{})
	ctx := context.Background()

	commands := map[string]func() error{
		"answer":         func() error { return r.m.Answer(ctx) },
		"reject":         func() error { return r.m.Reject(ctx) },
		"end":            func() error { return r.m.EndCall(ctx) },
		"toggle speaker": func() error { _, err := r.m.ToggleSpeaker(); return err },
		"toggle mute":    func() error { _, err := r.m.ToggleMute(); return err },
	}
	for name, cmd := range commands {
		t.Run(name, func(t *testing.T) {
			if err := cmd(); !errors.Is(err, telephony.ErrUnsupportedOperation) {
				t.Errorf("error = %v, want ErrUnsupportedOperation", err)
			}
		})
	}
}

func TestRejectEndsSessionAsMissed(t *testing.T) {
	r := newRig(t, policy.Defaults(), fakeContacts{})

	r.ring(ashleyNumber)
	if err := r.m.Reject(context.Background()); err != nil {
		t.Fatalf("Reject() error: %v", err)
	}
	if r.gateway.count("reject") != 1 {
		t.Errorf("gateway rejects = %d, want 1", r.gateway.count("reject"))
	}
	if r.m.Current() != nil {
		t.Error("session still current after Reject")
	}
	if len(r.nag.missedCalls()) != 1 {
		t.Errorf("missed triggers = %v, want 1", r.nag.missedCalls())
	}
	// The line's own removal event arrives afterwards and is ignored.
	r.hangUpRemote("in-1")
	if len(r.nag.missedCalls()) != 1 {
		t.Error("late removal event produced a second trigger")
	}
}

func TestToggleDuringCall(t *testing.T) {
	r := newRig(t, policy.Defaults(), fakeContacts{})
	r.ring(ashleyNumber)
	if err := r.m.Answer(context.Background()); err != nil {
		t.Fatalf("Answer() error: %v", err)
	}

	muted, err := r.m.ToggleMute()
	if err != nil || !muted {
		t.Fatalf("ToggleMute() = %v, %v", muted, err)
	}
	if cur := r.m.Current(); !cur.Muted {
		t.Error("published session not muted")
	}
}

// With a fail-open screening result the session is published before the
// caller is known, then republished with the contact name.
func TestTwoPhasePublish(t *testing.T) {
	r := newRig(t, policy.Defaults(), fakeContacts{delay: 50 * time.Millisecond})
	r.screener.results[ashleyNumber] = screening.Result{Decision: screening.Allow, TimedOut: true, Fallback: true}

	updates, cancel := r.m.Subscribe()
	defer cancel()
	<-updates // idle

	r.ring(ashleyNumber)

	first := <-updates
	if first == nil || first.State != telephony.StateRinging || first.ContactName != "" {
		t.Fatalf("provisional snapshot = %+v, want ringing without a name", first)
	}
	select {
	case second := <-updates:
		if second == nil || second.ID != first.ID || second.ContactName != "Ashley" {
			t.Errorf("enriched snapshot = %+v, want Ashley on the same session", second)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no enriched snapshot")
	}
}

// A second incoming call supersedes the first and fully detaches it: the
// first call's auto-answer timer must not fire.
func TestNewSessionSupersedesPrevious(t *testing.T) {
	snap := policy.Defaults()
	snap.AutoAnswerEnabled = true
	snap.AutoAnswerDelaySeconds = 1
	snap.RejectUnknownCalls = false
	r := newRig(t, snap, fakeContacts{})

	r.ring(ashleyNumber)
	first := r.m.Current()

	r.gateway.callID = "in-2"
	r.ring(unknownNumber)
	second := r.m.Current()
	if second == nil || second.ID == first.ID {
		t.Fatalf("Current() = %+v, want a new session", second)
	}

	time.Sleep(1500 * time.Millisecond)
	if n := r.gateway.count("answer"); n != 0 {
		t.Errorf("superseded session auto-answered %d times", n)
	}
	if cur := r.m.Current(); cur == nil || cur.ID != second.ID || cur.State != telephony.StateRinging {
		t.Errorf("Current() = %+v, want second session still ringing", cur)
	}

	// Events for the detached call are ignored.
	r.hangUpRemote("in-1")
	if cur := r.m.Current(); cur == nil || cur.ID != second.ID {
		t.Errorf("stale removal ended the current session: %+v", cur)
	}
}

// Events from a call that has already ended can still be in flight when
// the user dials again. They must not touch the new session while it is
// waiting for the line to report its call ID.
func TestLateEventsDoNotEndNewOutboundCall(t *testing.T) {
	r := newRig(t, policy.Defaults(), fakeContacts{})
	ctx := context.Background()

	var dialling *CallSession
	r.nag.onOutbound = func() {
		dialling = r.m.Current()
		r.m.HandleEvent(telephony.Event{Kind: telephony.StateChanged, CallID: "old-call", State: telephony.StateDisconnected})
		r.hangUpRemote("old-call")
	}

	if err := r.m.PlaceCall(ctx, ashleyNumber); err != nil {
		t.Fatalf("PlaceCall() error: %v", err)
	}
	if dialling == nil {
		t.Fatal("no session published before dialling")
	}
	cur := r.m.Current()
	if cur == nil || cur.ID != dialling.ID || cur.State != telephony.StateDialing {
		t.Fatalf("Current() = %+v, want session %s still dialing", cur, dialling.ID)
	}
	if entries := r.recorder.all(); len(entries) != 0 {
		t.Errorf("log = %+v, want no rows", entries)
	}
	if slices.Contains(r.nag.seen(), "ended") {
		t.Error("reminders told the call ended while dialling")
	}

	r.m.HandleEvent(telephony.Event{Kind: telephony.StateChanged, CallID: "out-1", State: telephony.StateActive})
	if cur := r.m.Current(); cur == nil || cur.ID != dialling.ID || cur.State != telephony.StateActive {
		t.Errorf("Current() = %+v, want the dialled session active", cur)
	}
}

// The call ID returned by the line identifies the call even when its
// CallAdded never arrives.
func TestPlaceCallUsesReturnedCallID(t *testing.T) {
	r := newRig(t, policy.Defaults(), fakeContacts{})
	r.gateway.quiet = true

	if err := r.m.PlaceCall(context.Background(), ashleyNumber); err != nil {
		t.Fatalf("PlaceCall() error: %v", err)
	}
	placed := r.m.Current()

	r.hangUpRemote("someone-else")
	if cur := r.m.Current(); cur == nil || cur.ID != placed.ID {
		t.Fatalf("unrelated removal ended the call: %+v", cur)
	}

	r.hangUpRemote("out-1")
	if cur := r.m.Current(); cur != nil {
		t.Errorf("Current() = %+v, want idle after the line hung up", cur)
	}
	if entries := r.recorder.all(); len(entries) != 1 || entries[0].Type != models.CallTypeOutgoing {
		t.Errorf("log = %+v, want one outgoing row", entries)
	}
}

// Line events and user commands race from different goroutines. Once a
// session has been superseded it is never published again, and the
// published stream always ends on the session Current reports.
func TestSingleSessionUnderConcurrency(t *testing.T) {
	snap := policy.Defaults()
	snap.RejectUnknownCalls = false
	r := newRig(t, snap, fakeContacts{})

	updates, cancel := r.m.Subscribe()
	var (
		seenMu sync.Mutex
		seen   []*CallSession
	)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for cs := range updates {
			seenMu.Lock()
			seen = append(seen, cs)
			seenMu.Unlock()
		}
	}()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.m.HandleEvent(telephony.Event{
				Kind:      telephony.CallAdded,
				CallID:    "in-" + string(rune('a'+i)),
				Number:    unknownNumber,
				Direction: telephony.DirectionIncoming,
				State:     telephony.StateRinging,
			})
		}()
		go func() {
			defer wg.Done()
			r.m.PlaceCall(context.Background(), ashleyNumber) //nolint:errcheck
		}()
	}
	wg.Wait()

	final := r.m.Current()
	waitFor(t, "final snapshot", time.Second, func() bool {
		seenMu.Lock()
		defer seenMu.Unlock()
		if len(seen) == 0 {
			return false
		}
		last := seen[len(seen)-1]
		return (last == nil) == (final == nil) && (final == nil || last.ID == final.ID)
	})
	cancel()
	<-collected

	retired := map[string]bool{}
	var prev string
	for _, cs := range seen {
		if cs == nil {
			continue
		}
		if retired[cs.ID] {
			t.Fatalf("superseded session %s published again", cs.ID)
		}
		if prev != "" && prev != cs.ID {
			retired[prev] = true
		}
		prev = cs.ID
	}
}
