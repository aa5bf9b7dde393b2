package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CallCountsProvider exposes a scrape-time snapshot of the call registry.
type CallCountsProvider interface {
	// CountsByState returns live call counts keyed by state name.
	CountsByState() map[string]int

	// HasForeground reports whether a foreground call is selected.
	HasForeground() bool

	// CanAddCall reports outgoing admission eligibility.
	CanAddCall() bool
}

// AudioStateProvider exposes the published audio route state.
type AudioStateProvider interface {
	RouteName() string
	Muted() bool
}

// RegistrationStatusProvider exposes the upstream SIP registration status.
type RegistrationStatusProvider interface {
	Status() string
}

// HistoryCounter returns the total call log entry count.
type HistoryCounter interface {
	Count(ctx context.Context) (int64, error)
}

// registrationStatuses is the label space emitted for the registration
// gauge so dashboards see explicit zeroes.
var registrationStatuses = []string{"unregistered", "registering", "registered", "failed"}

// Collector is a prometheus.Collector that gathers telecore metrics at scrape time.
type Collector struct {
	calls        CallCountsProvider
	audio        AudioStateProvider
	registration RegistrationStatusProvider
	history      HistoryCounter
	startTime    time.Time

	// Metric descriptors.
	callsDesc        *prometheus.Desc
	foregroundDesc   *prometheus.Desc
	canAddCallDesc   *prometheus.Desc
	audioRouteDesc   *prometheus.Desc
	audioMutedDesc   *prometheus.Desc
	registrationDesc *prometheus.Desc
	historyDesc      *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	calls CallCountsProvider,
	audio AudioStateProvider,
	registration RegistrationStatusProvider,
	history HistoryCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		calls:        calls,
		audio:        audio,
		registration: registration,
		history:      history,
		startTime:    startTime,

		callsDesc: prometheus.NewDesc(
			"telecore_calls",
			"Number of tracked calls by state",
			[]string{"state"}, nil,
		),
		foregroundDesc: prometheus.NewDesc(
			"telecore_foreground_call",
			"Whether a foreground call is currently selected (1=yes)",
			nil, nil,
		),
		canAddCallDesc: prometheus.NewDesc(
			"telecore_can_add_call",
			"Whether a new outgoing call would currently be admitted (1=yes)",
			nil, nil,
		),
		audioRouteDesc: prometheus.NewDesc(
			"telecore_audio_route",
			"Selected audio route (1 on the active route)",
			[]string{"route"}, nil,
		),
		audioMutedDesc: prometheus.NewDesc(
			"telecore_audio_muted",
			"Whether call audio is muted (1=muted)",
			nil, nil,
		),
		registrationDesc: prometheus.NewDesc(
			"telecore_sip_registration",
			"Upstream SIP registration status (1 on the current status)",
			[]string{"status"}, nil,
		),
		historyDesc: prometheus.NewDesc(
			"telecore_call_log_entries",
			"Total entries in the call log",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"telecore_uptime_seconds",
			"Seconds since the telecore process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.callsDesc
	ch <- c.foregroundDesc
	ch <- c.canAddCallDesc
	ch <- c.audioRouteDesc
	ch <- c.audioMutedDesc
	ch <- c.registrationDesc
	ch <- c.historyDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.calls != nil {
		for state, n := range c.calls.CountsByState() {
			ch <- prometheus.MustNewConstMetric(
				c.callsDesc, prometheus.GaugeValue,
				float64(n), state,
			)
		}

		fg := 0.0
		if c.calls.HasForeground() {
			fg = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.foregroundDesc, prometheus.GaugeValue, fg)

		canAdd := 0.0
		if c.calls.CanAddCall() {
			canAdd = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.canAddCallDesc, prometheus.GaugeValue, canAdd)
	}

	if c.audio != nil {
		ch <- prometheus.MustNewConstMetric(
			c.audioRouteDesc, prometheus.GaugeValue, 1.0,
			c.audio.RouteName(),
		)

		muted := 0.0
		if c.audio.Muted() {
			muted = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.audioMutedDesc, prometheus.GaugeValue, muted)
	}

	// Registration status gauges (one metric per status with a 1 on the
	// current one).
	if c.registration != nil {
		current := c.registration.Status()
		for _, status := range registrationStatuses {
			val := 0.0
			if status == current {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.registrationDesc, prometheus.GaugeValue, val,
				status,
			)
		}
	}

	if c.history != nil {
		count, err := c.history.Count(ctx)
		if err != nil {
			slog.Error("metrics: failed to count call log entries", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.historyDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
