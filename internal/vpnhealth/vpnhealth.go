// Package vpnhealth implements the VPN health monitor (C2): per-VPN
// liveness and forwarded-port tracking, emergency-mode failover in
// redundant mode, and post-recovery stabilization windows.
package vpnhealth

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Liveness is a VPN sidecar's observed state.
type Liveness string

const (
	Healthy   Liveness = "healthy"
	Unhealthy Liveness = "unhealthy"
	Unknown   Liveness = "unknown"
)

// Prober fetches a VPN sidecar's control-API liveness and its currently
// forwarded P2P port. Implementations probe the real sidecar over HTTP;
// tests supply a fake. A non-nil error or alive=false marks the VPN
// unhealthy. alive=true with ok=false means the VPN is up but has no
// forwarded port available (degraded, not failed); this is how a
// 4xx/5xx control-API response is reported.
type Prober interface {
	Probe(ctx context.Context, vpnContainer string, apiPort int) (alive bool, forwardedPort int, ok bool, err error)
}

// vpnState is the monitor's per-VPN record.
type vpnState struct {
	name          string
	running       bool
	liveness      Liveness
	stableUntil   time.Time // zero means not stabilizing
	lastForwarded int
}

func (s *vpnState) stabilizing(now time.Time) bool {
	return now.Before(s.stableUntil)
}

// Emergency records the single global emergency-mode episode, if any.
type Emergency struct {
	Active    bool
	FailedVPN string
	HealthyVPN string
	EnteredAt time.Time
}

// EngineRemover is the subset of the state store the monitor needs to
// evict engines bound to a VPN that just failed or changed its forwarded
// port.
type EngineRemover interface {
	RemoveEnginesForVPN(vpn string) []string
}

// ContainerStopper stops containers by id, ignoring individual errors
// (mirrors containerdriver.Driver.StopBatch's contract).
type ContainerStopper interface {
	StopBatch(ctx context.Context, ids []string, timeout time.Duration) map[string]error
}

// Tracer receives vpn-category debug trace records. Matches
// debugtrace.Sink's LogVPNTransition.
type Tracer interface {
	LogVPNTransition(vpn, from, to, reason string)
}

type noopTracer struct{}

func (noopTracer) LogVPNTransition(vpn, from, to, reason string) {}

// Config configures the monitor.
type Config struct {
	Mode              string // "none", "single", "redundant"
	VPNContainer      string
	VPNContainer2     string
	APIPort           int
	PortCacheTTL      time.Duration
	Stabilization     time.Duration
	ProbeTimeout      time.Duration
	StopTimeout       time.Duration
}

// Monitor runs the periodic VPN health cycle.
type Monitor struct {
	cfg     Config
	prober  Prober
	store   EngineRemover
	driver  ContainerStopper
	trace   Tracer
	log     *slog.Logger

	mu        sync.Mutex
	states    map[string]*vpnState
	emergency Emergency
}

func New(cfg Config, prober Prober, store EngineRemover, driver ContainerStopper, trace Tracer, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if trace == nil {
		trace = noopTracer{}
	}
	m := &Monitor{cfg: cfg, prober: prober, store: store, driver: driver, trace: trace, log: log, states: make(map[string]*vpnState)}
	if cfg.Mode != "none" && cfg.VPNContainer != "" {
		m.states[cfg.VPNContainer] = &vpnState{name: cfg.VPNContainer, liveness: Unknown}
	}
	if cfg.Mode == "redundant" && cfg.VPNContainer2 != "" {
		m.states[cfg.VPNContainer2] = &vpnState{name: cfg.VPNContainer2, liveness: Unknown}
	}
	return m
}

// Run executes one health cycle against every configured VPN.
func (m *Monitor) Run(ctx context.Context) {
	if m.cfg.Mode == "none" {
		return
	}
	// Probe every VPN before reacting to any failure, so the emergency-mode
	// decision sees the other VPN's result from this same cycle.
	var failed []string
	for name := range m.snapshotNames() {
		if m.checkOne(ctx, name) {
			failed = append(failed, name)
		}
	}
	for _, name := range failed {
		m.handleUnhealthy(ctx, name)
	}
}

func (m *Monitor) snapshotNames() map[string]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]struct{}, len(m.states))
	for name := range m.states {
		out[name] = struct{}{}
	}
	return out
}

// checkOne probes one VPN and records the result. It reports whether the
// VPN just transitioned to Unhealthy; Run handles that transition.
func (m *Monitor) checkOne(ctx context.Context, name string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	alive, forwardedPort, portOK, err := m.prober.Probe(probeCtx, name, m.cfg.APIPort)
	now := time.Now()

	live := Healthy
	if err != nil || !alive {
		live = Unhealthy
	}

	m.mu.Lock()
	st, ok := m.states[name]
	if !ok {
		m.mu.Unlock()
		return false
	}
	prev := st.liveness
	st.liveness = live
	st.running = alive

	transitionedUnhealthy := prev != Unhealthy && live == Unhealthy
	transitionedHealthy := prev == Unhealthy && live == Healthy
	if transitionedHealthy {
		st.stableUntil = now.Add(m.cfg.Stabilization)
	}

	var portChanged bool
	var oldForwarded int
	if live == Healthy && portOK && forwardedPort != 0 {
		if st.lastForwarded != 0 && st.lastForwarded != forwardedPort {
			portChanged = true
			oldForwarded = st.lastForwarded
		}
		st.lastForwarded = forwardedPort
	}
	m.mu.Unlock()

	if transitionedUnhealthy {
		m.trace.LogVPNTransition(name, string(prev), string(live), "probe_failed")
	}
	if transitionedHealthy {
		m.trace.LogVPNTransition(name, string(prev), string(live), "probe_recovered")
	}
	if portChanged {
		m.log.Info("vpn forwarded port changed", "vpn", name, "old", oldForwarded, "new", forwardedPort)
		m.trace.LogVPNTransition(name, "", "", "forwarded_port_changed")
		m.evictVPN(ctx, name)
	}
	return transitionedUnhealthy
}

// handleUnhealthy reacts to a VPN transitioning Healthy→Unhealthy: in
// redundant mode, with the other VPN healthy, it enters Emergency Mode
// and evicts every engine bound to the failed VPN.
func (m *Monitor) handleUnhealthy(ctx context.Context, failed string) {
	if m.cfg.Mode != "redundant" {
		m.evictVPN(ctx, failed)
		return
	}

	healthy := m.otherVPN(failed)
	if healthy == "" || !m.isHealthy(healthy) {
		// Both down: spec says emergency mode cannot help here; nothing
		// to route to, so we just evict the failed VPN's engines.
		m.evictVPN(ctx, failed)
		return
	}

	m.mu.Lock()
	m.emergency = Emergency{Active: true, FailedVPN: failed, HealthyVPN: healthy, EnteredAt: time.Now()}
	m.mu.Unlock()
	m.log.Warn("entering emergency mode", "failed_vpn", failed, "healthy_vpn", healthy)
	m.trace.LogVPNTransition(failed, "healthy", "emergency", "entering_emergency_mode")

	m.evictVPN(ctx, failed)
}

func (m *Monitor) otherVPN(name string) string {
	if name == m.cfg.VPNContainer {
		return m.cfg.VPNContainer2
	}
	return m.cfg.VPNContainer
}

func (m *Monitor) isHealthy(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[name]
	return ok && st.liveness == Healthy
}

func (m *Monitor) evictVPN(ctx context.Context, vpn string) {
	ids := m.store.RemoveEnginesForVPN(vpn)
	if len(ids) == 0 {
		return
	}
	stopCtx, cancel := context.WithTimeout(ctx, m.cfg.StopTimeout)
	defer cancel()
	results := m.driver.StopBatch(stopCtx, ids, m.cfg.StopTimeout)
	for id, err := range results {
		if err != nil {
			m.log.Warn("failed to stop evicted engine container", "container_id", id, "err", err)
		}
	}
}

// EmergencyStatus reports the current emergency-mode episode, if active.
// Called by the autoscaler and engine health monitor to decide whether to
// skip their cycle, and exits the episode once the failed VPN reports
// healthy again.
func (m *Monitor) EmergencyStatus() Emergency {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.emergency.Active {
		if st, ok := m.states[m.emergency.FailedVPN]; ok && st.liveness == Healthy {
			m.log.Info("exiting emergency mode", "vpn", m.emergency.FailedVPN)
			m.trace.LogVPNTransition(m.emergency.FailedVPN, "emergency", "healthy", "exiting_emergency_mode")
			m.emergency = Emergency{}
		}
	}
	return m.emergency
}

// EmergencyActive reports whether emergency mode is active, satisfying
// the autoscaler's and engine health monitor's EmergencyChecker
// interface without exposing the full Emergency struct.
func (m *Monitor) EmergencyActive() bool {
	return m.EmergencyStatus().Active
}

// Eligible reports which VPNs a provisioner may currently target: Running,
// Healthy, and not Stabilizing. During Emergency Mode only the healthy
// VPN is eligible. In single mode, only the configured VPN (if eligible).
func (m *Monitor) Eligible() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if m.emergency.Active {
		if st, ok := m.states[m.emergency.HealthyVPN]; ok && st.liveness == Healthy && !st.stabilizing(now) {
			return []string{m.emergency.HealthyVPN}
		}
		return nil
	}

	var out []string
	for name, st := range m.states {
		if st.liveness == Healthy && !st.stabilizing(now) {
			out = append(out, name)
		}
	}
	return out
}

// ForwardedPort returns the last cached forwarded port for vpn, if known.
func (m *Monitor) ForwardedPort(vpn string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[vpn]
	if !ok || st.lastForwarded == 0 {
		return 0, false
	}
	return st.lastForwarded, true
}
