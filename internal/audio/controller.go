// Package audio owns the phone's audio device and speech channel. Every
// other component that wants to make a sound, speak, or change the route,
// mute or volume goes through the Controller.
package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/carephone/carephone/internal/policy"
	"github.com/carephone/carephone/internal/speech"
	"github.com/carephone/carephone/internal/telephony"
)

// Sound names a file in the sounds directory.
type Sound string

const (
	SoundRingtone       Sound = "ringtone"
	SoundTannoyBingBong Sound = "tannoy_bingbong"
	SoundGentleChime    Sound = "gentle_chime"
)

const (
	ringLookupGrace = 300 * time.Millisecond
	ringPause       = 500 * time.Millisecond
	ringRetryDelay  = 2 * time.Second
)

// AttentionSound returns the sound to play before a reminder, if any.
func AttentionSound(s policy.NagSound) (Sound, bool) {
	switch s {
	case policy.SoundTannoyBingBong:
		return SoundTannoyBingBong, true
	case policy.SoundGentleChime:
		return SoundGentleChime, true
	default:
		return "", false
	}
}

// SoundPlayer plays a named sound, blocking until it ends or ctx is
// cancelled.
type SoundPlayer interface {
	Play(ctx context.Context, name string) error
}

// Mixer controls output volume and microphone mute.
type Mixer interface {
	MaxVolume() (int, error)
	SetVolume(level int) error
	SetMute(muted bool) error
}

// RouteSetter switches call audio between earpiece and speaker.
type RouteSetter interface {
	SetAudioRoute(route telephony.AudioRoute) error
}

// PolicySource supplies the current policy.
type PolicySource interface {
	Snapshot() policy.Snapshot
}

// Config groups the Controller's collaborators.
type Config struct {
	Engine speech.Engine
	Player SoundPlayer
	Mixer  Mixer
	Route  RouteSetter
	Policy PolicySource
	Logger *slog.Logger
}

// activeSound is one PlaySound in progress.
type activeSound struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller serializes speech through one priority queue and tracks the
// call audio state.
type Controller struct {
	engine speech.Engine
	player SoundPlayer
	mixer  Mixer
	route  RouteSetter
	policy PolicySource
	logger *slog.Logger

	wake chan struct{}

	mu      sync.Mutex
	queue   speechQueue
	current *utterance
	stopped bool

	speakerOn bool
	muted     bool

	sounds   map[uint64]*activeSound
	soundSeq uint64

	ringCancel context.CancelFunc
	ringDone   chan struct{}
}

// NewController creates a Controller. Run must be started for speech to
// play.
func NewController(cfg Config) *Controller {
	return &Controller{
		engine: cfg.Engine,
		player: cfg.Player,
		mixer:  cfg.Mixer,
		route:  cfg.Route,
		policy: cfg.Policy,
		logger: cfg.Logger.With("component", "audio"),
		wake:   make(chan struct{}, 1),
		sounds: make(map[uint64]*activeSound),
	}
}

// Run plays queued speech until ctx is cancelled. Pending requests are
// failed with ErrStopped on exit.
func (c *Controller) Run(ctx context.Context) {
	for {
		c.mu.Lock()
		u := c.queue.pop()
		var uctx context.Context
		if u != nil {
			uctx, u.cancel = context.WithCancelCause(ctx)
			c.current = u
		}
		c.mu.Unlock()

		if u == nil {
			select {
			case <-ctx.Done():
				c.shutdown()
				return
			case <-c.wake:
				continue
			}
		}

		c.play(uctx, u)
	}
}

func (c *Controller) play(ctx context.Context, u *utterance) {
	speed := c.policy.Snapshot().TTSSpeed
	c.logger.Debug("speaking", "text", u.text, "priority", u.priority.String())

	err := c.engine.Speak(ctx, u.text, speed)
	if ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	u.cancel(nil)

	c.mu.Lock()
	if c.current == u {
		c.current = nil
	}
	c.mu.Unlock()

	if err != nil && !errors.Is(err, ErrPreempted) && !errors.Is(err, ErrStopped) && !errors.Is(err, context.Canceled) {
		c.logger.Warn("speech failed", "text", u.text, "error", err)
	}
	u.done <- err
	close(u.finished)
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	c.stopped = true
	pending := c.queue.drain()
	c.mu.Unlock()
	for _, u := range pending {
		u.done <- ErrStopped
		close(u.finished)
	}
}

// Speak queues text. It returns immediately.
func (c *Controller) Speak(text string, p Priority) {
	c.enqueue(text, p)
}

// SpeakAndWait queues text and blocks until it has been spoken. If ctx is
// cancelled first the utterance is withdrawn, or stopped if already
// playing, before SpeakAndWait returns ctx.Err().
func (c *Controller) SpeakAndWait(ctx context.Context, text string, p Priority) error {
	u := c.enqueue(text, p)
	if u == nil {
		return nil
	}

	select {
	case err := <-u.done:
		return err
	case <-ctx.Done():
	}

	c.mu.Lock()
	if c.queue.remove(u) {
		c.mu.Unlock()
		return ctx.Err()
	}
	if c.current == u {
		u.cancel(ErrStopped)
	}
	c.mu.Unlock()

	<-u.finished
	return ctx.Err()
}

// enqueue returns nil when speech is disabled or the worker has stopped.
func (c *Controller) enqueue(text string, p Priority) *utterance {
	if !c.policy.Snapshot().TTSEnabled || text == "" {
		return nil
	}
	u := newUtterance(text, p)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	var dropped []*utterance
	if p == PriorityImmediate {
		dropped = c.queue.flushBelow(PriorityImmediate)
		if c.current != nil && c.current.priority != PriorityImmediate {
			c.current.cancel(ErrPreempted)
		}
	}
	c.queue.push(u)
	c.mu.Unlock()

	for _, d := range dropped {
		d.done <- ErrPreempted
		close(d.finished)
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return u
}

// StopSpeech flushes queued speech and stops the current utterance,
// returning once it has stopped.
func (c *Controller) StopSpeech() {
	c.mu.Lock()
	pending := c.queue.drain()
	cur := c.current
	if cur != nil {
		cur.cancel(ErrStopped)
	}
	c.mu.Unlock()

	for _, u := range pending {
		u.done <- ErrStopped
		close(u.finished)
	}
	if cur != nil {
		<-cur.finished
	}
}

// PlaySound plays s and blocks until it ends, ctx is cancelled or StopAll
// is called.
func (c *Controller) PlaySound(ctx context.Context, s Sound) error {
	ctx, cancel := context.WithCancel(ctx)
	snd := &activeSound{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	id := c.soundSeq
	c.soundSeq++
	c.sounds[id] = snd
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		delete(c.sounds, id)
		c.mu.Unlock()
		close(snd.done)
	}()

	if err := c.player.Play(ctx, string(s)); err != nil {
		return fmt.Errorf("playing %s: %w", s, err)
	}
	return nil
}

// StartRinging loops the ringtone until StopRinging or StopAll. Each
// cycle plays the ringtone, calls the user by name and, once caller
// returns a non-empty name, says who is calling. caller may be nil.
func (c *Controller) StartRinging(caller func() string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ringCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.ringCancel = cancel
	c.ringDone = done

	go func() {
		defer close(done)
		c.ringLoop(ctx, caller)
	}()
}

func (c *Controller) ringLoop(ctx context.Context, caller func() string) {
	// Give the contact lookup a moment before the first announcement.
	if !sleepCtx(ctx, ringLookupGrace) {
		return
	}
	for {
		if err := c.PlaySound(ctx, SoundRingtone); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("ringtone failed", "error", err)
			if !sleepCtx(ctx, ringRetryDelay) {
				return
			}
			continue
		}

		lines := []string{c.policy.Snapshot().UserName, "That's your phone ringing."}
		if caller != nil {
			if name := caller(); name != "" {
				lines = append(lines, name+" is calling.")
			}
		}
		for _, line := range lines {
			if err := c.SpeakAndWait(ctx, line, PriorityHigh); err != nil && ctx.Err() != nil {
				return
			}
			if !sleepCtx(ctx, ringPause) {
				return
			}
		}
	}
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// StopRinging stops the ringtone and returns once it is silent.
func (c *Controller) StopRinging() {
	c.mu.Lock()
	cancel, done := c.ringCancel, c.ringDone
	c.ringCancel, c.ringDone = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Ringing reports whether the ringtone loop is running.
func (c *Controller) Ringing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ringCancel != nil
}

// StopAll silences everything: ringtone, sounds and speech. It is safe to
// call repeatedly and returns once playback has stopped.
func (c *Controller) StopAll() {
	c.StopRinging()

	c.mu.Lock()
	sounds := make([]*activeSound, 0, len(c.sounds))
	for _, s := range c.sounds {
		s.cancel()
		sounds = append(sounds, s)
	}
	c.mu.Unlock()
	for _, s := range sounds {
		<-s.done
	}

	c.StopSpeech()
}

// ApplyCallAudio sets route and volume for a call that just connected.
// The lowest feature level always uses the speaker.
func (c *Controller) ApplyCallAudio() error {
	snap := c.policy.Snapshot()
	speaker := snap.SpeakerForced() || snap.SpeakerphoneAlwaysOn

	var errs []error
	if err := c.setSpeaker(speaker); err != nil {
		errs = append(errs, err)
	}
	if err := c.setMuted(false); err != nil {
		errs = append(errs, err)
	}
	if err := c.SetVolume(snap.SpeakerVolume); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ResetCallAudio restores the idle audio state after a call.
func (c *Controller) ResetCallAudio() error {
	return c.setMuted(false)
}

// ToggleSpeaker flips the route and returns the new state. At the lowest
// feature level the speaker is fixed and ErrUnsupportedOperation is
// returned.
func (c *Controller) ToggleSpeaker() (bool, error) {
	snap := c.policy.Snapshot()
	if snap.SpeakerForced() {
		return true, fmt.Errorf("speaker is fixed at feature level %s: %w", snap.FeatureLevel, telephony.ErrUnsupportedOperation)
	}

	c.mu.Lock()
	on := !c.speakerOn
	c.mu.Unlock()

	if err := c.setSpeaker(on); err != nil {
		return !on, err
	}
	if snap.FeatureLevel > policy.LevelMinimal {
		if on {
			c.Speak("Speaker on.", PriorityNormal)
		} else {
			c.Speak("Speaker off.", PriorityNormal)
		}
	}
	return on, nil
}

// ToggleMute flips the microphone mute and returns the new state.
func (c *Controller) ToggleMute() (bool, error) {
	snap := c.policy.Snapshot()

	c.mu.Lock()
	muted := !c.muted
	c.mu.Unlock()

	if err := c.setMuted(muted); err != nil {
		return !muted, err
	}
	if snap.FeatureLevel > policy.LevelMinimal {
		if muted {
			c.Speak("Muted.", PriorityNormal)
		} else {
			c.Speak("Unmuted.", PriorityNormal)
		}
	}
	return muted, nil
}

// State returns the current route and mute flags.
func (c *Controller) State() (speakerOn, muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speakerOn, c.muted
}

// SetVolume sets the output volume to pct percent of the mixer's maximum.
func (c *Controller) SetVolume(pct int) error {
	maxLevel, err := c.mixer.MaxVolume()
	if err != nil {
		return fmt.Errorf("reading max volume: %w", err)
	}
	if err := c.mixer.SetVolume(volumeLevel(maxLevel, pct)); err != nil {
		return fmt.Errorf("setting volume: %w", err)
	}
	return nil
}

func (c *Controller) setSpeaker(on bool) error {
	route := telephony.RouteEarpiece
	if on {
		route = telephony.RouteSpeaker
	}
	if err := c.route.SetAudioRoute(route); err != nil {
		return fmt.Errorf("setting audio route %s: %w", route, err)
	}
	c.mu.Lock()
	c.speakerOn = on
	c.mu.Unlock()
	return nil
}

func (c *Controller) setMuted(muted bool) error {
	if err := c.mixer.SetMute(muted); err != nil {
		return fmt.Errorf("setting mute: %w", err)
	}
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
	return nil
}

// volumeLevel converts a percentage to a mixer level in [0, maxLevel].
func volumeLevel(maxLevel, pct int) int {
	level := maxLevel * pct / 100
	return min(max(level, 0), maxLevel)
}
