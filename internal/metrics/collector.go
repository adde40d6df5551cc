// Package metrics exposes Prometheus instrumentation for the monitoring engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "mikrotikmon"
	subsystem = "engine"
)

// Label names.
const (
	labelRouter   = "router_id"
	labelAdapter  = "adapter"
	labelSeverity = "severity"
)

// -------------------------------------------------------------------------
// Collector — Engine Prometheus Metrics
// -------------------------------------------------------------------------

// Collector holds all monitoring-engine Prometheus metrics.
//
// Metrics are designed for fleet-scale operational visibility:
//   - Router gauges track reachable/connected state per adapter choice.
//   - Poll counters track attempts/failures per adapter, surfacing fallback
//     pressure before it becomes an outage.
//   - Alert counters record firing/clear transitions and dedup conflicts
//     for alerting on the alerting system itself.
//   - Fan-out gauges track active real-time sessions and auto-pause events.
type Collector struct {
	// RoutersReachable tracks the current reachable/connected gauge per
	// router and adapter, set to 1 when the router was reachable on the
	// Supervisor's last tick (probe succeeded, even if the poll then
	// failed), 0 otherwise.
	RoutersReachable *prometheus.GaugeVec

	// PollsTotal counts scheduled poll attempts per router and adapter.
	PollsTotal *prometheus.CounterVec

	// PollFailuresTotal counts poll attempts that ended in a retryable or
	// terminal adapter error, per router and adapter.
	PollFailuresTotal *prometheus.CounterVec

	// AdapterFallbacksTotal counts how often the Supervisor had to demote
	// past the sticky adapter to the next one in the fallback order.
	AdapterFallbacksTotal *prometheus.CounterVec

	// AlertsFiredTotal counts alert-engine firing transitions, by severity.
	AlertsFiredTotal *prometheus.CounterVec

	// AlertsClearedTotal counts alert-engine auto-clear transitions.
	AlertsClearedTotal *prometheus.CounterVec

	// AlertConflictsTotal counts suppressed inserts due to the at-most-one-
	// unacknowledged-alert uniqueness conflict (spec §4.6, §8.4) — a design
	// signal, not a failure, but worth observing for multi-instance races.
	AlertConflictsTotal *prometheus.CounterVec

	// RealtimeSessions tracks the number of currently subscribed live-view
	// sessions across all routers.
	RealtimeSessions prometheus.Gauge

	// RealtimeAutoPausesTotal counts real-time pollers that hit rt_max_ticks
	// and paused (spec §4.7, §8 scenario 5).
	RealtimeAutoPausesTotal prometheus.Counter
}

// NewCollector creates a Collector with all engine metrics registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.RoutersReachable,
		c.PollsTotal,
		c.PollFailuresTotal,
		c.AdapterFallbacksTotal,
		c.AlertsFiredTotal,
		c.AlertsClearedTotal,
		c.AlertConflictsTotal,
		c.RealtimeSessions,
		c.RealtimeAutoPausesTotal,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	routerAdapterLabels := []string{labelRouter, labelAdapter}

	return &Collector{
		RoutersReachable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "router_reachable",
			Help:      "1 if the router was reachable via this adapter on its last tick, 0 otherwise.",
		}, routerAdapterLabels),

		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "polls_total",
			Help:      "Total scheduled poll attempts per router and adapter.",
		}, routerAdapterLabels),

		PollFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "poll_failures_total",
			Help:      "Total poll attempts that failed per router and adapter.",
		}, routerAdapterLabels),

		AdapterFallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "adapter_fallbacks_total",
			Help:      "Total times the Supervisor fell back past the sticky adapter.",
		}, []string{labelRouter}),

		AlertsFiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "alerts_fired_total",
			Help:      "Total alert-engine firing transitions, by severity.",
		}, []string{labelSeverity}),

		AlertsClearedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "alerts_cleared_total",
			Help:      "Total alert-engine auto-clear transitions, by severity.",
		}, []string{labelSeverity}),

		AlertConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "alert_conflicts_total",
			Help:      "Total suppressed alert inserts due to an already-open unacknowledged alert.",
		}, []string{labelRouter}),

		RealtimeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "realtime_sessions",
			Help:      "Number of currently subscribed live-view sessions.",
		}),

		RealtimeAutoPausesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "realtime_auto_pauses_total",
			Help:      "Total real-time pollers auto-paused after rt_max_ticks.",
		}),
	}
}

// -------------------------------------------------------------------------
// Router Lifecycle
// -------------------------------------------------------------------------

// SetReachable sets the reachability gauge for (router, adapter) to 1 or 0.
func (c *Collector) SetReachable(routerID, adapter string, reachable bool) {
	v := 0.0
	if reachable {
		v = 1.0
	}
	c.RoutersReachable.WithLabelValues(routerID, adapter).Set(v)
}

// -------------------------------------------------------------------------
// Poll Counters
// -------------------------------------------------------------------------

// IncPoll increments the poll-attempt counter for (router, adapter).
func (c *Collector) IncPoll(routerID, adapter string) {
	c.PollsTotal.WithLabelValues(routerID, adapter).Inc()
}

// IncPollFailure increments the poll-failure counter for (router, adapter).
func (c *Collector) IncPollFailure(routerID, adapter string) {
	c.PollFailuresTotal.WithLabelValues(routerID, adapter).Inc()
}

// IncAdapterFallback increments the fallback counter for routerID.
func (c *Collector) IncAdapterFallback(routerID string) {
	c.AdapterFallbacksTotal.WithLabelValues(routerID).Inc()
}

// -------------------------------------------------------------------------
// Alerts
// -------------------------------------------------------------------------

// IncAlertFired increments the alert-fired counter for severity.
func (c *Collector) IncAlertFired(severity string) {
	c.AlertsFiredTotal.WithLabelValues(severity).Inc()
}

// IncAlertCleared increments the alert-cleared counter for severity.
func (c *Collector) IncAlertCleared(severity string) {
	c.AlertsClearedTotal.WithLabelValues(severity).Inc()
}

// IncAlertConflict increments the alert-conflict counter for routerID.
func (c *Collector) IncAlertConflict(routerID string) {
	c.AlertConflictsTotal.WithLabelValues(routerID).Inc()
}

// -------------------------------------------------------------------------
// Real-time Fan-out
// -------------------------------------------------------------------------

// IncRealtimeSessions increments the active live-view session gauge.
func (c *Collector) IncRealtimeSessions() {
	c.RealtimeSessions.Inc()
}

// DecRealtimeSessions decrements the active live-view session gauge.
func (c *Collector) DecRealtimeSessions() {
	c.RealtimeSessions.Dec()
}

// IncRealtimeAutoPause increments the auto-pause counter.
func (c *Collector) IncRealtimeAutoPause() {
	c.RealtimeAutoPausesTotal.Inc()
}
