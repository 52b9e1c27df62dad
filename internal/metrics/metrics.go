// Package metrics exposes the control plane's Prometheus collectors.
// Naming and registration are left generic on purpose — the spec treats
// exact metric names as an external collaborator's concern — but the
// collectors here are wired to the same data the HTTP surface serves.
//
// Current-state gauges (engine counts, circuit state, emergency mode,
// looping streams, dropped trace records) are GaugeFuncs pulled straight
// from the live components at scrape time, so there is no separate
// snapshot to keep in sync. Provisioning outcomes are event-driven and
// pushed by the provisioner as they happen.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/krinkuto11/acestream-orchestratord/internal/circuitcache"
	"github.com/krinkuto11/acestream-orchestratord/internal/debugtrace"
	"github.com/krinkuto11/acestream-orchestratord/internal/enginestore"
)

// Registry bundles every collector the control plane exposes under
// /metrics.
type Registry struct {
	EnginesTotal        prometheus.GaugeFunc
	EnginesFree         prometheus.GaugeFunc
	StreamsActive       prometheus.GaugeFunc
	ProvisionAttempts   *prometheus.CounterVec
	ProvisionDuration   prometheus.Histogram
	CircuitBreakerState prometheus.GaugeFunc
	EmergencyModeActive prometheus.GaugeFunc
	LoopingStreams      prometheus.GaugeFunc
	DebugTraceDropped   prometheus.GaugeFunc
}

// Deps collects the already-constructed components the gauges read from.
// LoopingCount and EmergencyActive are passed as plain funcs rather than the
// concrete loopdetector/vpnhealth types to avoid this package importing
// either.
type Deps struct {
	Store           *enginestore.Store
	Breaker         *circuitcache.Breaker
	Trace           *debugtrace.Sink
	EmergencyActive func() bool
	LoopingCount    func() int
}

// New registers and returns the control plane's collectors against reg.
func New(reg prometheus.Registerer, deps Deps) *Registry {
	f := promauto.With(reg)
	return &Registry{
		EnginesTotal: f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "orchestratord_engines_total",
			Help: "Total number of engine containers currently tracked.",
		}, func() float64 { return float64(len(deps.Store.ListEngines())) }),
		EnginesFree: f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "orchestratord_engines_free",
			Help: "Number of engines currently carrying zero active streams.",
		}, func() float64 { return float64(countFreeEngines(deps.Store)) }),
		StreamsActive: f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "orchestratord_streams_active",
			Help: "Number of streams currently in the started state.",
		}, func() float64 { return float64(countActiveStreams(deps.Store)) }),
		ProvisionAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestratord_provision_attempts_total",
			Help: "Provisioning attempts partitioned by outcome.",
		}, []string{"outcome"}),
		ProvisionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestratord_provision_duration_seconds",
			Help:    "Time spent provisioning a new engine.",
			Buckets: prometheus.DefBuckets,
		}),
		CircuitBreakerState: f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "orchestratord_circuit_breaker_state",
			Help: "0=closed 1=half_open 2=open for the provisioning circuit breaker.",
		}, func() float64 {
			if deps.Breaker == nil {
				return 0
			}
			return StateForBreaker(string(deps.Breaker.Status()))
		}),
		EmergencyModeActive: f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "orchestratord_emergency_mode_active",
			Help: "1 when VPN emergency mode is currently active.",
		}, func() float64 {
			if deps.EmergencyActive == nil || !deps.EmergencyActive() {
				return 0
			}
			return 1
		}),
		LoopingStreams: f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "orchestratord_looping_streams",
			Help: "Number of content keys currently on the looping-streams blocklist.",
		}, func() float64 {
			if deps.LoopingCount == nil {
				return 0
			}
			return float64(deps.LoopingCount())
		}),
		DebugTraceDropped: f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "orchestratord_debug_trace_dropped_total",
			Help: "Debug trace records dropped because the async sink queue was full.",
		}, func() float64 {
			if deps.Trace == nil {
				return 0
			}
			return float64(deps.Trace.Dropped())
		}),
	}
}

func countFreeEngines(store *enginestore.Store) int {
	n := 0
	for _, e := range store.ListEngines() {
		if len(store.StreamsForEngine(e.ContainerID)) == 0 {
			n++
		}
	}
	return n
}

func countActiveStreams(store *enginestore.Store) int {
	n := 0
	for _, st := range store.ListStreams() {
		if st.Status == enginestore.StreamStarted {
			n++
		}
	}
	return n
}

// StateForBreaker maps a breaker status string to the numeric gauge value
// CircuitBreakerState expects.
func StateForBreaker(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}
