// Package diagnostics is the side channel for failures the call path
// recovers from on its own: storage writes that did not land, screening
// decisions that ran out of time, line errors. Each report is logged,
// counted, and (throttled) forwarded to the carer.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/carephone/carephone/internal/email"
	"github.com/carephone/carephone/internal/policy"
	"github.com/carephone/carephone/internal/push"
)

// Kind classifies a report.
type Kind string

const (
	KindStorageFailure   Kind = "storage_failure"
	KindScreeningTimeout Kind = "screening_timeout"
	KindTelephonyFailure Kind = "telephony_failure"
	// KindMissedCall is an informational carer alert, not a failure.
	KindMissedCall Kind = "missed_call"
)

// alertTimeout bounds one push or e-mail delivery.
const alertTimeout = 15 * time.Second

// PushSender delivers push alerts to the carer's phone.
type PushSender interface {
	Configured() bool
	SendAlert(ctx context.Context, pushToken, pushPlatform string, alert push.Alert) (bool, error)
}

// MailSender delivers e-mail alerts to the carer.
type MailSender interface {
	Configured() bool
	SendCarerAlert(ctx context.Context, alert email.CarerAlert) error
}

// PolicySource supplies the carer's contact details.
type PolicySource interface {
	Snapshot() policy.Snapshot
}

// Reporter implements the diagnostics side channel. It is also a
// prometheus.Collector exposing carephone_diagnostics_total.
type Reporter struct {
	logger *slog.Logger
	policy PolicySource
	push   PushSender
	mail   MailSender

	counter *prometheus.CounterVec

	mu       sync.Mutex
	limiters map[Kind]*rate.Limiter
	wg       sync.WaitGroup
}

// NewReporter creates a Reporter. push and mail may be nil when the device
// has no alert route configured.
func NewReporter(logger *slog.Logger, pol PolicySource, pushSender PushSender, mailSender MailSender) *Reporter {
	return &Reporter{
		logger: logger.With("component", "diagnostics"),
		policy: pol,
		push:   pushSender,
		mail:   mailSender,
		counter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carephone",
			Name:      "diagnostics_total",
			Help:      "Recovered failures reported on the diagnostics side channel.",
		}, []string{"kind"}),
		limiters: make(map[Kind]*rate.Limiter),
	}
}

// Report records a recovered failure. It never blocks on alert delivery.
func (r *Reporter) Report(ctx context.Context, kind Kind, err error, attrs ...any) {
	if r == nil {
		return
	}
	args := append([]any{"kind", string(kind), "error", err}, attrs...)
	r.logger.Warn("recovered failure", args...)
	r.counter.WithLabelValues(string(kind)).Inc()

	title := "Care phone problem"
	body := fmt.Sprintf("The care phone recovered from a %s: %v", describe(kind), err)
	r.alert(ctx, kind, title, body)
}

// MissedCall tells the carer that a call from a trusted contact went
// unanswered.
func (r *Reporter) MissedCall(ctx context.Context, userName, caller string) {
	if r == nil {
		return
	}
	title := "Missed call"
	body := fmt.Sprintf("%s did not answer a call from %s. The phone will keep reminding them to call back.", userName, caller)
	r.alert(ctx, KindMissedCall, title, body)
}

// Wait blocks until in-flight alert deliveries have finished.
func (r *Reporter) Wait() {
	r.wg.Wait()
}

// Describe implements prometheus.Collector.
func (r *Reporter) Describe(ch chan<- *prometheus.Desc) {
	r.counter.Describe(ch)
}

// Collect implements prometheus.Collector.
func (r *Reporter) Collect(ch chan<- prometheus.Metric) {
	r.counter.Collect(ch)
}

func (r *Reporter) alert(ctx context.Context, kind Kind, title, body string) {
	if !r.allow(kind) {
		r.logger.Debug("carer alert throttled", "kind", string(kind))
		return
	}

	snap := r.policy.Snapshot()
	sendPush := r.push != nil && r.push.Configured() && snap.CarerPushToken != ""
	sendMail := r.mail != nil && r.mail.Configured() && snap.CarerAlertEmail != ""
	if !sendPush && !sendMail {
		return
	}

	// Alerts outlive the request that triggered them but not the process.
	ctx = context.WithoutCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, alertTimeout)
		defer cancel()

		var errs []error
		if sendPush {
			alert := push.Alert{Kind: string(kind), Title: title, Body: body}
			if _, err := r.push.SendAlert(ctx, snap.CarerPushToken, snap.CarerPushPlatform, alert); err != nil {
				errs = append(errs, err)
			}
		}
		if sendMail {
			alert := email.CarerAlert{To: snap.CarerAlertEmail, Subject: title, Body: body}
			if err := r.mail.SendCarerAlert(ctx, alert); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			r.logger.Error("failed to deliver carer alert", "kind", string(kind), "error", err)
		}
	}()
}

func (r *Reporter) allow(kind Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[kind]
	if !ok {
		l = newLimiter(kind)
		r.limiters[kind] = l
	}
	return l.Allow()
}

// newLimiter returns the alert budget for kind. Failures alert at most
// every ten minutes; missed calls allow a short burst.
func newLimiter(kind Kind) *rate.Limiter {
	if kind == KindMissedCall {
		return rate.NewLimiter(rate.Every(time.Minute), 5)
	}
	return rate.NewLimiter(rate.Every(10*time.Minute), 1)
}

func describe(kind Kind) string {
	switch kind {
	case KindStorageFailure:
		return "storage failure"
	case KindScreeningTimeout:
		return "slow call screening decision"
	case KindTelephonyFailure:
		return "phone line error"
	default:
		return string(kind)
	}
}
