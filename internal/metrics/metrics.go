package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/carephone/carephone/internal/battery"
	"github.com/carephone/carephone/internal/callsession"
	"github.com/carephone/carephone/internal/database/models"
	"github.com/carephone/carephone/internal/nag"
	"github.com/carephone/carephone/internal/sip"
	"github.com/carephone/carephone/internal/telephony"
)

// CallProvider exposes the current call.
type CallProvider interface {
	Current() *callsession.CallSession
}

// NagProvider exposes the missed-call reminder scheduler.
type NagProvider interface {
	Status() nag.Status
	Reminders() uint64
}

// MissedCallProvider returns the unread missed calls.
type MissedCallProvider interface {
	Active() []models.CallLogEntry
}

// BatteryProvider returns the last battery reading.
type BatteryProvider interface {
	Last() (battery.Reading, bool)
}

// CallCounter returns call log totals by outcome.
type CallCounter interface {
	CountByType(ctx context.Context) (map[models.CallType]int64, error)
}

// RegistrationProvider returns the SIP account registration.
type RegistrationProvider interface {
	Registration() sip.RegistrationStatus
}

var callStates = []telephony.State{
	telephony.StateIdle,
	telephony.StateDialing,
	telephony.StateRinging,
	telephony.StateConnecting,
	telephony.StateActive,
	telephony.StateHolding,
	telephony.StateDisconnecting,
	telephony.StateDisconnected,
}

var callTypes = []models.CallType{
	models.CallTypeIncoming,
	models.CallTypeOutgoing,
	models.CallTypeMissed,
	models.CallTypeRejected,
}

// Collector is a prometheus.Collector that reads phone state at scrape
// time. Any provider may be nil.
type Collector struct {
	calls        CallProvider
	nag          NagProvider
	missed       MissedCallProvider
	callLog      CallCounter
	battery      BatteryProvider
	registration RegistrationProvider
	startTime    time.Time

	callStateDesc    *prometheus.Desc
	nagStateDesc     *prometheus.Desc
	remindersDesc    *prometheus.Desc
	missedDesc       *prometheus.Desc
	callsTotalDesc   *prometheus.Desc
	batteryLevelDesc *prometheus.Desc
	chargingDesc     *prometheus.Desc
	registrationDesc *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a collector over the given providers.
func NewCollector(
	calls CallProvider,
	nagger NagProvider,
	missed MissedCallProvider,
	callLog CallCounter,
	bat BatteryProvider,
	registration RegistrationProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		calls:        calls,
		nag:          nagger,
		missed:       missed,
		callLog:      callLog,
		battery:      bat,
		registration: registration,
		startTime:    startTime,

		callStateDesc: prometheus.NewDesc(
			"carephone_call_state",
			"Current call state (1 for the state the call is in)",
			[]string{"state"}, nil,
		),
		nagStateDesc: prometheus.NewDesc(
			"carephone_nag_active",
			"Whether missed-call reminders are currently running",
			nil, nil,
		),
		remindersDesc: prometheus.NewDesc(
			"carephone_nag_reminders_total",
			"Missed-call reminders played since start",
			nil, nil,
		),
		missedDesc: prometheus.NewDesc(
			"carephone_missed_calls_unread",
			"Unread missed calls",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"carephone_calls_total",
			"Calls in the call log by outcome",
			[]string{"type"}, nil,
		),
		batteryLevelDesc: prometheus.NewDesc(
			"carephone_battery_percent",
			"Last battery level reading",
			nil, nil,
		),
		chargingDesc: prometheus.NewDesc(
			"carephone_battery_charging",
			"Whether the battery is charging",
			nil, nil,
		),
		registrationDesc: prometheus.NewDesc(
			"carephone_line_registered",
			"Whether the SIP account is registered with the provider",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"carephone_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.callStateDesc
	ch <- c.nagStateDesc
	ch <- c.remindersDesc
	ch <- c.missedDesc
	ch <- c.callsTotalDesc
	ch <- c.batteryLevelDesc
	ch <- c.chargingDesc
	ch <- c.registrationDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.calls != nil {
		current := telephony.StateIdle
		if s := c.calls.Current(); s != nil {
			current = s.State
		}
		for _, st := range callStates {
			ch <- prometheus.MustNewConstMetric(
				c.callStateDesc, prometheus.GaugeValue, boolValue(st == current), string(st),
			)
		}
	}

	if c.nag != nil {
		ch <- prometheus.MustNewConstMetric(
			c.nagStateDesc, prometheus.GaugeValue,
			boolValue(c.nag.Status().State == nag.StateNagging),
		)
		ch <- prometheus.MustNewConstMetric(
			c.remindersDesc, prometheus.CounterValue, float64(c.nag.Reminders()),
		)
	}

	if c.missed != nil {
		n := 0
		for _, e := range c.missed.Active() {
			if e.Type == models.CallTypeMissed {
				n++
			}
		}
		ch <- prometheus.MustNewConstMetric(c.missedDesc, prometheus.GaugeValue, float64(n))
	}

	if c.callLog != nil {
		counts, err := c.callLog.CountByType(ctx)
		if err != nil {
			slog.Error("metrics: failed to count call log entries", "error", err)
		} else {
			for _, t := range callTypes {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue, float64(counts[t]), string(t),
				)
			}
		}
	}

	// No reading yet means no battery samples to report.
	if c.battery != nil {
		if r, ok := c.battery.Last(); ok {
			ch <- prometheus.MustNewConstMetric(c.batteryLevelDesc, prometheus.GaugeValue, float64(r.Level))
			ch <- prometheus.MustNewConstMetric(c.chargingDesc, prometheus.GaugeValue, boolValue(r.Charging))
		}
	}

	if c.registration != nil {
		ch <- prometheus.MustNewConstMetric(
			c.registrationDesc, prometheus.GaugeValue,
			boolValue(c.registration.Registration().State == sip.RegistrationRegistered),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
