// Package screening makes the accept or reject decision for an inbound call
// before it is allowed to ring. The decision is bounded in time and fails
// open: if anything goes wrong the call is let through.
package screening

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/carephone/carephone/internal/database/models"
	"github.com/carephone/carephone/internal/diagnostics"
	"github.com/carephone/carephone/internal/phonenumber"
	"github.com/carephone/carephone/internal/policy"
	"github.com/carephone/carephone/internal/telephony"
)

// DefaultTimeout is the deadline for one decision.
const DefaultTimeout = 3 * time.Second

// admitLookupTimeout bounds the second contact lookup Admit makes for a
// call whose screening ran out of time.
const admitLookupTimeout = time.Second

// Decision is the outcome of screening one call.
type Decision int

const (
	// Allow lets the call ring normally.
	Allow Decision = iota
	// RejectSilent drops the call without ringing or notifying the user.
	RejectSilent
)

func (d Decision) String() string {
	if d == RejectSilent {
		return "reject_silent"
	}
	return "allow"
}

// Result carries the decision and what it was based on.
type Result struct {
	Decision Decision
	Contact  *models.Contact // nil for unknown callers or when the lookup did not finish
	TimedOut bool
	// Fallback is set when the decision is the fail-open default rather
	// than the result of a completed check.
	Fallback bool
}

// ContactResolver finds the contact behind a number.
type ContactResolver interface {
	FindByPhone(ctx context.Context, number string) (*models.Contact, error)
}

// PolicySource supplies the current policy.
type PolicySource interface {
	Snapshot() policy.Snapshot
}

// Recorder logs the rejected call.
type Recorder interface {
	Record(ctx context.Context, e *models.CallLogEntry) error
}

// MissedCallSink receives calls that were rejected but still count as
// missed for reminder purposes.
type MissedCallSink interface {
	OnMissedCall(ctx context.Context, number, name string)
}

// Reporter receives recovered failures.
type Reporter interface {
	Report(ctx context.Context, kind diagnostics.Kind, err error, attrs ...any)
}

// Screener screens inbound calls.
type Screener struct {
	contacts ContactResolver
	policy   PolicySource
	recorder Recorder
	missed   MissedCallSink
	reporter Reporter
	matcher  phonenumber.Matcher
	timeout  time.Duration
	logger   *slog.Logger
}

// Config groups the Screener's collaborators.
type Config struct {
	Contacts ContactResolver
	Policy   PolicySource
	Recorder Recorder
	Missed   MissedCallSink
	Reporter Reporter
	Matcher  phonenumber.Matcher
	Timeout  time.Duration // DefaultTimeout when zero
	Logger   *slog.Logger
}

// New creates a Screener.
func New(cfg Config) *Screener {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Screener{
		contacts: cfg.Contacts,
		policy:   cfg.Policy,
		recorder: cfg.Recorder,
		missed:   cfg.Missed,
		reporter: cfg.Reporter,
		matcher:  cfg.Matcher,
		timeout:  timeout,
		logger:   cfg.Logger.With("component", "screening"),
	}
}

// Screen decides whether the call from number may ring. It always returns
// within the configured deadline; a decision that cannot be made in time,
// or fails, is Allow.
func (s *Screener) Screen(ctx context.Context, number string) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.decide(ctx, number)
		done <- outcome{res, err}
	}()

	var res Result
	select {
	case o := <-done:
		if o.err != nil {
			s.logger.Warn("screening failed, allowing call", "number", number, "error", o.err)
			return Result{Decision: Allow, Fallback: true}
		}
		res = o.res
	case <-ctx.Done():
		err := fmt.Errorf("screening %s after %s: %w", number, s.timeout, telephony.ErrTimeout)
		s.logger.Warn("screening timed out, allowing call", "number", number, "timeout", s.timeout)
		s.reporter.Report(context.WithoutCancel(ctx), diagnostics.KindScreeningTimeout, err, "number", number)
		return Result{Decision: Allow, TimedOut: true, Fallback: true}
	}

	s.logger.Info("call screened",
		"number", number,
		"decision", res.Decision.String(),
		"known", res.Contact != nil,
		"elapsed", time.Since(start),
	)

	if res.Decision == RejectSilent {
		s.onRejected(context.WithoutCancel(ctx), number, res.Contact)
	}
	return res
}

// Admit re-checks an allowed call against the current policy when its
// session is created. Screening and session creation are driven by separate
// events, so the policy may have changed in between.
//
// A fail-open result has no contact yet; while unknown callers are being
// rejected the caller is looked up once more within admitLookupTimeout. A
// caller confirmed unknown is refused, a lookup that fails or runs out of
// time still admits. The returned Result carries any contact found.
func (s *Screener) Admit(ctx context.Context, number string, res Result) (Result, bool) {
	if res.Decision != Allow {
		return res, false
	}
	if res.Contact != nil {
		return res, true
	}
	snap := s.policy.Snapshot()
	if s.isEmergency(snap, number) || !snap.RejectUnknownCalls {
		return res, true
	}
	if !res.Fallback {
		return res, false
	}

	ctx, cancel := context.WithTimeout(ctx, admitLookupTimeout)
	defer cancel()
	c, err := s.contacts.FindByPhone(ctx, number)
	if err != nil {
		s.logger.Warn("admission lookup failed, admitting call", "number", number, "error", err)
		return res, true
	}
	if c == nil {
		s.logger.Info("unknown caller refused at admission", "number", number)
		return res, false
	}
	res.Contact = c
	return res, true
}

func (s *Screener) isEmergency(snap policy.Snapshot, number string) bool {
	return snap.EmergencyNumber != "" && s.matcher.Normalize(number) == s.matcher.Normalize(snap.EmergencyNumber)
}

func (s *Screener) decide(ctx context.Context, number string) (Result, error) {
	snap := s.policy.Snapshot()

	if s.isEmergency(snap, number) {
		return Result{Decision: Allow}, nil
	}

	c, err := s.contacts.FindByPhone(ctx, number)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("resolving caller: %w", telephony.ErrTimeout)
		}
		return Result{}, fmt.Errorf("resolving caller: %w", err)
	}

	if c == nil && snap.RejectUnknownCalls {
		return Result{Decision: RejectSilent}, nil
	}
	return Result{Decision: Allow, Contact: c}, nil
}

// onRejected logs the rejection and, if the caller turns out to be
// trusted after all, hands the call to the reminder loop. The caller is
// resolved a second time because a contact added while the call was being
// screened must still get a reminder.
func (s *Screener) onRejected(ctx context.Context, number string, c *models.Contact) {
	if c == nil {
		lookupCtx, cancel := context.WithTimeout(ctx, s.timeout)
		recheck, err := s.contacts.FindByPhone(lookupCtx, number)
		cancel()
		if err == nil {
			c = recheck
		}
	}

	entry := &models.CallLogEntry{
		PhoneNumber: number,
		Type:        models.CallTypeRejected,
		Read:        true,
	}
	if c != nil {
		entry.ContactID = &c.ID
		entry.ContactName = c.Name
	}
	if err := s.recorder.Record(ctx, entry); err != nil {
		s.logger.Warn("failed to log rejected call", "number", number, "error", err)
	}

	if c.Trusted() && s.missed != nil {
		s.missed.OnMissedCall(ctx, number, c.Name)
	}
}
