package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects runtime counters, gauges and histograms.
type Metrics struct {
	UnitsTotal          *prometheus.CounterVec
	UnitDuration        *prometheus.HistogramVec
	QueueDepth          prometheus.Gauge
	RunningUnits        prometheus.Gauge
	ProviderCalls       *prometheus.CounterVec
	ProviderRetries     *prometheus.CounterVec
	ProviderFallbacks   *prometheus.CounterVec
	Degradations        prometheus.Counter
	ToolCalls           *prometheus.CounterVec
	PermissionDecisions *prometheus.CounterVec
	WindowTokens        prometheus.Histogram
	Summaries           *prometheus.CounterVec
	Delegations         *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// yields working but unregistered collectors, which keeps tests isolated from
// the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		UnitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcoord_units_total",
			Help: "Units of work reaching a terminal state, by kind and state",
		}, []string{"kind", "state"}),
		UnitDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentcoord_unit_duration_seconds",
			Help:    "Wall time from admission to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"kind"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentcoord_queue_depth",
			Help: "Units admitted but not yet scheduled",
		}),
		RunningUnits: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentcoord_running_units",
			Help: "Top-level units currently holding a concurrency slot",
		}),
		ProviderCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcoord_provider_calls_total",
			Help: "Provider generation attempts by provider and outcome",
		}, []string{"provider", "outcome"}),
		ProviderRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcoord_provider_retries_total",
			Help: "Retries of transient provider failures",
		}, []string{"provider"}),
		ProviderFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcoord_provider_fallbacks_total",
			Help: "Switches from one provider to the next in a fallback chain",
		}, []string{"from", "to"}),
		Degradations: f.NewCounter(prometheus.CounterOpts{
			Name: "agentcoord_degradations_total",
			Help: "Provider calls retried in degraded mode",
		}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcoord_tool_calls_total",
			Help: "Tool calls by tool and outcome",
		}, []string{"tool", "outcome"}),
		PermissionDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcoord_permission_decisions_total",
			Help: "Permission decisions by action and resolution scope",
		}, []string{"action", "resolved_from"}),
		WindowTokens: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentcoord_window_tokens",
			Help:    "Estimated tokens of built context windows",
			Buckets: prometheus.ExponentialBuckets(64, 2, 12),
		}),
		Summaries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcoord_summaries_total",
			Help: "Overflow summaries by source (cache, generated, extractive)",
		}, []string{"source"}),
		Delegations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcoord_delegations_total",
			Help: "Sub-agent delegations by callee and outcome",
		}, []string{"callee", "outcome"}),
	}
}

// RecordUnit counts a terminal unit and observes its duration.
func (m *Metrics) RecordUnit(kind, state string, dur time.Duration) {
	if m == nil {
		return
	}
	m.UnitsTotal.WithLabelValues(kind, state).Inc()
	m.UnitDuration.WithLabelValues(kind).Observe(dur.Seconds())
}

// QueueAdd adjusts the queue depth gauge by delta.
func (m *Metrics) QueueAdd(delta float64) {
	if m == nil {
		return
	}
	m.QueueDepth.Add(delta)
}

// RunningAdd adjusts the running units gauge by delta.
func (m *Metrics) RunningAdd(delta float64) {
	if m == nil {
		return
	}
	m.RunningUnits.Add(delta)
}

// RecordProviderCall counts one provider attempt.
func (m *Metrics) RecordProviderCall(provider, outcome string) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(provider, outcome).Inc()
}

// RecordRetry counts one retry against provider.
func (m *Metrics) RecordRetry(provider string) {
	if m == nil {
		return
	}
	m.ProviderRetries.WithLabelValues(provider).Inc()
}

// RecordFallback counts a switch between providers.
func (m *Metrics) RecordFallback(from, to string) {
	if m == nil {
		return
	}
	m.ProviderFallbacks.WithLabelValues(from, to).Inc()
}

// RecordDegradation counts a degraded retry round.
func (m *Metrics) RecordDegradation() {
	if m == nil {
		return
	}
	m.Degradations.Inc()
}

// RecordToolCall counts a tool call outcome.
func (m *Metrics) RecordToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
}

// RecordPermission counts a permission decision.
func (m *Metrics) RecordPermission(action, resolvedFrom string) {
	if m == nil {
		return
	}
	m.PermissionDecisions.WithLabelValues(action, resolvedFrom).Inc()
}

// ObserveWindow records the estimated size of a built window.
func (m *Metrics) ObserveWindow(tokens int) {
	if m == nil {
		return
	}
	m.WindowTokens.Observe(float64(tokens))
}

// RecordSummary counts an overflow summary by source.
func (m *Metrics) RecordSummary(source string) {
	if m == nil {
		return
	}
	m.Summaries.WithLabelValues(source).Inc()
}

// RecordDelegation counts a delegation outcome.
func (m *Metrics) RecordDelegation(callee, outcome string) {
	if m == nil {
		return
	}
	m.Delegations.WithLabelValues(callee, outcome).Inc()
}
