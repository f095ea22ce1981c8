package telemetry

import "github.com/prometheus/client_golang/prometheus"

// PoolSize is the gauge for the size of the active/standby pools. It is
// registered by All, but no code in this repository sets it, so it stays at
// zero.
var PoolSize = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "ollamux",
		Subsystem: "pool",
		Name:      "size",
		Help:      "Number of node addresses currently in each pool.",
	},
	[]string{"pool"}, // "active" | "standby"
)

// ActiveRequests is the gauge for the in-flight request count per node
// address. It is registered by All, but no code in this repository sets it;
// the live counts are the active_count keys in shared state.
var ActiveRequests = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "ollamux",
		Subsystem: "selector",
		Name:      "active_requests",
		Help:      "Current in-flight request count per node address.",
	},
	[]string{"address"},
)

// ProbeLatency records health-probe round-trip latency per node address.
var ProbeLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "ollamux",
		Subsystem: "prober",
		Name:      "latency_seconds",
		Help:      "Health probe round-trip latency in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"address"},
)

// ProbesTotal counts health/catalog probes by kind and outcome.
var ProbesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ollamux",
		Subsystem: "prober",
		Name:      "probes_total",
		Help:      "Total number of probes run, by kind and outcome.",
	},
	[]string{"kind", "outcome"}, // kind: "health"|"catalog"; outcome: "ok"|"fail"
)

// SelectionsTotal is the counter for selection attempts by strategy and
// outcome. It is registered by All, but the selector does not increment it.
var SelectionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ollamux",
		Subsystem: "selector",
		Name:      "selections_total",
		Help:      "Total number of selection attempts, by strategy and outcome.",
	},
	[]string{"strategy", "outcome"}, // outcome: "ok"|"model_unavailable"|"no_healthy_nodes"
)

// ForwardDuration records the upstream dispatch duration of a forwarded
// request by upstream path and outcome label. Timing starts after the node
// is selected and stops before it is released.
var ForwardDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "ollamux",
		Subsystem: "forwarder",
		Name:      "request_duration_seconds",
		Help:      "Forwarded request upstream dispatch duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"path", "status"},
)

// LeaderGauge is 1 on the process currently holding the scheduler leader lock.
var LeaderGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "ollamux",
		Subsystem: "leader",
		Name:      "is_leader",
		Help:      "1 if this process currently holds the leader lock, 0 otherwise.",
	},
)

// HTTPRequestDuration records duration of every request served by the HTTP
// server (proxy, admin, health and metrics routes alike), keyed by method,
// route pattern, and status code.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "ollamux",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds, by method, route, and status.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

// All returns all ollamux-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		PoolSize,
		ActiveRequests,
		ProbeLatency,
		ProbesTotal,
		SelectionsTotal,
		ForwardDuration,
		LeaderGauge,
		HTTPRequestDuration,
	}
}
