// Package enginehealth implements the per-engine health monitor (C7):
// periodic liveness probing and cache reclamation, skipped entirely while
// emergency mode is active.
package enginehealth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/krinkuto11/acestream-orchestratord/internal/enginestore"
)

// consecutiveFailureThreshold is how many consecutive probe failures an
// engine must accumulate before health_status flips to unhealthy, so a
// single blip never makes the proxy's engine selection skip a good
// engine.
const consecutiveFailureThreshold = 3

// Prober checks one engine's liveness over HTTP.
type Prober interface {
	Probe(ctx context.Context, host string, port int, timeout time.Duration) (alive bool, err error)
}

// CacheCleaner execs the engine's cache-purge command and reports the
// resulting cache size.
type CacheCleaner interface {
	CleanCache(ctx context.Context, containerID string) (sizeBytes int64, err error)
}

// EmergencyChecker matches vpnhealth.Monitor.EmergencyActive.
type EmergencyChecker interface {
	EmergencyActive() bool
}

// Tracer receives health-category debug trace records. Matches
// debugtrace.Sink's LogHealth.
type Tracer interface {
	LogHealth(component, status string, extra map[string]any)
}

type noopTracer struct{}

func (noopTracer) LogHealth(component, status string, extra map[string]any) {}

// Config bounds the monitor.
type Config struct {
	ProbeTimeout      time.Duration
	CacheCleanupEvery time.Duration
}

// Monitor runs periodic engine health cycles.
type Monitor struct {
	cfg       Config
	store     *enginestore.Store
	prober    Prober
	cache     CacheCleaner
	emergency EmergencyChecker
	trace     Tracer
	log       *slog.Logger

	mu       sync.Mutex
	failures map[string]int
}

func New(cfg Config, store *enginestore.Store, prober Prober, cache CacheCleaner, emergency EmergencyChecker, trace Tracer, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if trace == nil {
		trace = noopTracer{}
	}
	return &Monitor{cfg: cfg, store: store, prober: prober, cache: cache, emergency: emergency, trace: trace, log: log, failures: make(map[string]int)}
}

// Run probes every known engine and sweeps cache on idle ones due for
// cleanup.
func (m *Monitor) Run(ctx context.Context) {
	if m.emergency != nil && m.emergency.EmergencyActive() {
		return
	}

	engines := m.store.ListEngines()
	live := make(map[string]bool, len(engines))
	for _, e := range engines {
		live[e.ContainerID] = true
		m.checkOne(ctx, e)
	}
	m.forgetRemoved(live)
}

// forgetRemoved drops failure counters for engines no longer present, so
// the map doesn't grow unbounded across engine churn.
func (m *Monitor) forgetRemoved(live map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.failures {
		if !live[id] {
			delete(m.failures, id)
		}
	}
}

func (m *Monitor) checkOne(ctx context.Context, e enginestore.Engine) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	alive, err := m.prober.Probe(probeCtx, e.Host, e.Port, m.cfg.ProbeTimeout)
	cancel()

	status := enginestore.HealthHealthy
	var consecutive int
	if err != nil || !alive {
		status, consecutive = m.recordFailure(e.ContainerID)
	} else {
		m.recordSuccess(e.ContainerID)
	}
	if status != e.HealthStatus {
		m.trace.LogHealth(e.ContainerID, string(status), map[string]any{"consecutive_failures": consecutive})
	}
	if err := m.store.MarkHealth(e.ContainerID, status); err != nil {
		m.log.Warn("enginehealth: failed to record health", "container_id", e.ContainerID, "error", err)
	}

	m.sweepCache(ctx, e)
}

// recordFailure bumps the engine's consecutive-failure count and reports
// unhealthy only once the count reaches consecutiveFailureThreshold, so a
// single failed probe doesn't pull a good engine out of rotation.
func (m *Monitor) recordFailure(containerID string) (enginestore.HealthStatus, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[containerID]++
	n := m.failures[containerID]
	if n >= consecutiveFailureThreshold {
		return enginestore.HealthUnhealthy, n
	}
	return enginestore.HealthHealthy, n
}

func (m *Monitor) recordSuccess(containerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, containerID)
}

func (m *Monitor) sweepCache(ctx context.Context, e enginestore.Engine) {
	streams := m.store.StreamsForEngine(e.ContainerID)
	if len(streams) != 0 {
		return
	}
	if !e.LastCacheCleanup.IsZero() && time.Since(e.LastCacheCleanup) < m.cfg.CacheCleanupEvery {
		return
	}

	cleanCtx, cleanCancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cleanCancel()
	size, err := m.cache.CleanCache(cleanCtx, e.ContainerID)
	if err != nil {
		m.log.Warn("enginehealth: cache cleanup failed", "container_id", e.ContainerID, "error", err)
		return
	}
	if err := m.store.RecordCacheCleanup(e.ContainerID, size); err != nil {
		m.log.Warn("enginehealth: failed to record cache cleanup", "container_id", e.ContainerID, "error", err)
	}
	m.log.Info("enginehealth: cleaned idle engine cache", "container_id", e.ContainerID, "size", humanize.Bytes(uint64(size)))
}
