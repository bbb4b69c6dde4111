package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the device runtime.
// The zero value (or a disabled config) is a safe no-op collector.
type Metrics struct {
	config MetricsConfig

	// Program lifecycle metrics
	programsLoaded    *prometheus.CounterVec
	programExecutions *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	activePrograms    prometheus.Gauge

	// Capability metrics
	capabilityCalls    *prometheus.CounterVec
	capabilityDuration *prometheus.HistogramVec

	// Shadow metrics
	shadowPublishes   prometheus.Counter
	shadowDeltas      *prometheus.CounterVec
	desiredVersion    prometheus.Gauge
	coalescedChanges  prometheus.Counter

	// Delivery metrics
	messagesReceived  *prometheus.CounterVec
	statusesPublished *prometheus.CounterVec
	duplicateMessages prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		programsLoaded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "programs_loaded_total",
				Help:      "Total number of programs admitted by the validator",
			},
			[]string{"result"},
		),
		programExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "program_executions_total",
				Help:      "Total number of program executions by terminal status",
			},
			[]string{"status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "program_execution_seconds",
				Help:      "Duration of program execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activePrograms: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_programs",
				Help:      "Current number of loaded programs",
			},
		),

		capabilityCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capability_calls_total",
				Help:      "Total number of capability invocations",
			},
			[]string{"capability", "result"},
		),
		capabilityDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "capability_call_seconds",
				Help:      "Duration of capability handler execution in seconds",
				Buckets:   buckets,
			},
			[]string{"capability"},
		),

		shadowPublishes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shadow_publishes_total",
				Help:      "Total number of reported-state publications",
			},
		),
		shadowDeltas: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shadow_deltas_total",
				Help:      "Total number of remote deltas by result",
			},
			[]string{"result"},
		),
		desiredVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "shadow_desired_version",
				Help:      "Last applied desired-state version",
			},
		),
		coalescedChanges: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shadow_coalesced_changes_total",
				Help:      "Local changes absorbed into an already pending publish",
			},
		),

		messagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Total number of inbound protocol messages by channel",
			},
			[]string{"channel"},
		),
		statusesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "statuses_published_total",
				Help:      "Total number of outbound status publications",
			},
			[]string{"status"},
		),
		duplicateMessages: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicate_messages_total",
				Help:      "Inbound program messages answered from the delivery cache",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.programsLoaded, m.programExecutions, m.executionDuration, m.activePrograms,
		m.capabilityCalls, m.capabilityDuration,
		m.shadowPublishes, m.shadowDeltas, m.desiredVersion, m.coalescedChanges,
		m.messagesReceived, m.statusesPublished, m.duplicateMessages,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// Handler returns an HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// ProgramLoaded records a program admission attempt.
func (m *Metrics) ProgramLoaded(result string) {
	if !m.enabled() {
		return
	}
	m.programsLoaded.WithLabelValues(result).Inc()
}

// ProgramExecuted records a completed execution with its terminal status.
func (m *Metrics) ProgramExecuted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.programExecutions.WithLabelValues(status).Inc()
	m.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// SetActivePrograms updates the loaded-program gauge.
func (m *Metrics) SetActivePrograms(n int) {
	if !m.enabled() {
		return
	}
	m.activePrograms.Set(float64(n))
}

// CapabilityCalled records a capability invocation.
func (m *Metrics) CapabilityCalled(name, result string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.capabilityCalls.WithLabelValues(name, result).Inc()
	m.capabilityDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// ShadowPublished records one outbound reported-state publication.
func (m *Metrics) ShadowPublished() {
	if !m.enabled() {
		return
	}
	m.shadowPublishes.Inc()
}

// ShadowDelta records an applied or rejected remote delta.
func (m *Metrics) ShadowDelta(result string) {
	if !m.enabled() {
		return
	}
	m.shadowDeltas.WithLabelValues(result).Inc()
}

// SetDesiredVersion updates the last applied desired-state version gauge.
func (m *Metrics) SetDesiredVersion(version uint64) {
	if !m.enabled() {
		return
	}
	m.desiredVersion.Set(float64(version))
}

// ChangeCoalesced records a local change absorbed into a pending publish.
func (m *Metrics) ChangeCoalesced() {
	if !m.enabled() {
		return
	}
	m.coalescedChanges.Inc()
}

// MessageReceived records an inbound protocol message.
func (m *Metrics) MessageReceived(channel string) {
	if !m.enabled() {
		return
	}
	m.messagesReceived.WithLabelValues(channel).Inc()
}

// StatusPublished records an outbound status message.
func (m *Metrics) StatusPublished(status string) {
	if !m.enabled() {
		return
	}
	m.statusesPublished.WithLabelValues(status).Inc()
}

// DuplicateMessage records a deduplicated inbound message.
func (m *Metrics) DuplicateMessage() {
	if !m.enabled() {
		return
	}
	m.duplicateMessages.Inc()
}
