// Package metrics wraps prometheus/client_golang collectors behind
// the EnableMetrics/DisableMetrics toggle (spec §4.1, §6), replacing
// the teacher's bare expvar.Int (hub.go's topicsLive) with real
// gauges/counters/histograms that can be turned off at runtime.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the Controller's or Agent's metric set and an
// enabled flag. Collectors are always registered; Enabled gates
// whether observations are recorded, so toggling is cheap and never
// re-registers with prometheus (which would panic on a duplicate).
type Registry struct {
	enabled int32 // atomic bool

	NodesUp          prometheus.Gauge
	NodesDegraded    prometheus.Gauge
	NodesDown        prometheus.Gauge
	JobsActive       prometheus.Gauge
	JobsCompleted    *prometheus.CounterVec // labeled by result
	JobLatency       prometheus.Histogram
	SubscriptionsLive prometheus.Gauge
	ProxiesLive      prometheus.Gauge

	reg *prometheus.Registry
	mu  sync.Mutex
}

// NewController builds the Controller's metric set (spec §6 "EnableMetrics"
// applies to the whole fleet-wide Controller process).
func NewController() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}
	r.NodesUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bluechi", Subsystem: "controller", Name: "nodes_up",
		Help: "Number of nodes currently in the up state.",
	})
	r.NodesDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bluechi", Subsystem: "controller", Name: "nodes_degraded",
		Help: "Number of nodes currently in the degraded state.",
	})
	r.NodesDown = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bluechi", Subsystem: "controller", Name: "nodes_down",
		Help: "Number of nodes currently in the down state.",
	})
	r.JobsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bluechi", Subsystem: "controller", Name: "jobs_active",
		Help: "Number of jobs currently outstanding.",
	})
	r.JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bluechi", Subsystem: "controller", Name: "jobs_completed_total",
		Help: "Jobs completed, labeled by result.",
	}, []string{"result"})
	r.JobLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bluechi", Subsystem: "controller", Name: "job_duration_seconds",
		Help:    "Time from job dispatch to terminal JobDone.",
		Buckets: prometheus.DefBuckets,
	})
	r.SubscriptionsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bluechi", Subsystem: "controller", Name: "subscriptions_live",
		Help: "Number of live subscriptions across all monitors.",
	})
	r.ProxiesLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bluechi", Subsystem: "controller", Name: "proxies_live",
		Help: "Number of live cross-node proxy services.",
	})
	r.reg.MustRegister(r.NodesUp, r.NodesDegraded, r.NodesDown, r.JobsActive,
		r.JobsCompleted, r.JobLatency, r.SubscriptionsLive, r.ProxiesLive)
	return r
}

// NewAgent builds the Agent's metric set.
func NewAgent() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}
	r.JobsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bluechi", Subsystem: "agent", Name: "jobs_active",
		Help: "Number of jobs currently executing locally.",
	})
	r.JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bluechi", Subsystem: "agent", Name: "jobs_completed_total",
		Help: "Local jobs completed, labeled by result.",
	}, []string{"result"})
	r.JobLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bluechi", Subsystem: "agent", Name: "job_duration_seconds",
		Help:    "Time from systemd call dispatch to completion.",
		Buckets: prometheus.DefBuckets,
	})
	r.ProxiesLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bluechi", Subsystem: "agent", Name: "proxies_live",
		Help: "Number of live local ProxyService instances.",
	})
	r.reg.MustRegister(r.JobsActive, r.JobsCompleted, r.JobLatency, r.ProxiesLive)
	return r
}

// Registerer returns the underlying prometheus.Registerer for wiring
// into an HTTP /metrics handler.
func (r *Registry) Registerer() *prometheus.Registry { return r.reg }

// Enable turns on metric recording (spec §6 "EnableMetrics").
func (r *Registry) Enable() { atomic.StoreInt32(&r.enabled, 1) }

// Disable turns off metric recording without unregistering collectors,
// so a later Enable picks up exactly where counters left off (spec §6
// "DisableMetrics" — the spec does not require counters to reset).
func (r *Registry) Disable() { atomic.StoreInt32(&r.enabled, 0) }

// Enabled reports whether metric recording is currently on.
func (r *Registry) Enabled() bool { return atomic.LoadInt32(&r.enabled) != 0 }

// ObserveJobDone records a completed job's result and latency, a no-op
// when metrics are disabled.
func (r *Registry) ObserveJobDone(result string, seconds float64) {
	if !r.Enabled() {
		return
	}
	r.JobsCompleted.WithLabelValues(result).Inc()
	r.JobLatency.Observe(seconds)
}
