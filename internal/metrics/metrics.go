package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instruments. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	EventsTotal      *prometheus.CounterVec
	ViolationsTotal  *prometheus.CounterVec
	FlagsTotal       *prometheus.CounterVec
	DetectorFailures *prometheus.CounterVec
	StorageRetries   *prometheus.CounterVec
	EventsLost       prometheus.Counter
	ExportDropped    *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	ProcessingTime   prometheus.Histogram
}

// New creates the instruments and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "integritywatch_events_total",
				Help: "Submitted events by kind and ingestion result",
			},
			[]string{"kind", "result"},
		),
		ViolationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "integritywatch_violations_total",
				Help: "Violations produced by rule",
			},
			[]string{"rule"},
		),
		FlagsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "integritywatch_flags_total",
				Help: "Flag lifecycle actions by flag type",
			},
			[]string{"type", "action"},
		),
		DetectorFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "integritywatch_detector_failures_total",
				Help: "Detector invocations that errored or panicked",
			},
			[]string{"detector"},
		),
		StorageRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "integritywatch_storage_retries_total",
				Help: "Retried storage operations",
			},
			[]string{"op"},
		),
		EventsLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "integritywatch_events_lost_total",
			Help: "Accepted events whose persistence ultimately failed",
		}),
		ExportDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "integritywatch_export_dropped_total",
				Help: "Records dropped because an export queue was full",
			},
			[]string{"stream"},
		),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "integritywatch_active_sessions",
			Help: "Sessions with an in-memory owner",
		}),
		ProcessingTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "integritywatch_event_processing_seconds",
			Help:    "Time to apply one event including persistence",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Event counts one submitted event.
func (m *Metrics) Event(kind, result string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind, result).Inc()
}

// Violation counts one violation.
func (m *Metrics) Violation(rule string) {
	if m == nil {
		return
	}
	m.ViolationsTotal.WithLabelValues(rule).Inc()
}

// Flag counts a flag action: created, strengthened or a decision.
func (m *Metrics) Flag(flagType, action string) {
	if m == nil {
		return
	}
	m.FlagsTotal.WithLabelValues(flagType, action).Inc()
}

// DetectorFailure counts a failed detector invocation.
func (m *Metrics) DetectorFailure(detector string) {
	if m == nil {
		return
	}
	m.DetectorFailures.WithLabelValues(detector).Inc()
}

// StorageRetry counts one retry of op.
func (m *Metrics) StorageRetry(op string) {
	if m == nil {
		return
	}
	m.StorageRetries.WithLabelValues(op).Inc()
}

// EventLost counts an event that could not be persisted.
func (m *Metrics) EventLost() {
	if m == nil {
		return
	}
	m.EventsLost.Inc()
}

// Dropped counts a record dropped from an export stream.
func (m *Metrics) Dropped(stream string) {
	if m == nil {
		return
	}
	m.ExportDropped.WithLabelValues(stream).Inc()
}

// SessionOpened tracks a new in-memory session owner.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionReleased tracks a released in-memory session owner.
func (m *Metrics) SessionReleased() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// ObserveProcessing records the time spent applying one event.
func (m *Metrics) ObserveProcessing(seconds float64) {
	if m == nil {
		return
	}
	m.ProcessingTime.Observe(seconds)
}
