// Package provisioner implements the provisioning algorithm (C5): VPN
// selection under a dedicated lock, port reservation, forwarded-engine
// decision, engine spec construction per variant, and launch via the
// container driver — with resource release on any failure partway
// through.
package provisioner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/krinkuto11/acestream-orchestratord/internal/circuitcache"
	"github.com/krinkuto11/acestream-orchestratord/internal/containerdriver"
	"github.com/krinkuto11/acestream-orchestratord/internal/debugtrace"
	"github.com/krinkuto11/acestream-orchestratord/internal/enginestore"
	"github.com/krinkuto11/acestream-orchestratord/internal/metrics"
	"github.com/krinkuto11/acestream-orchestratord/internal/variant"
)

// ErrCode names one of the provisioning error conditions from the error
// taxonomy.
type ErrCode string

const (
	ErrAtCapacity          ErrCode = "AtCapacity"
	ErrNoVpnAvailable      ErrCode = "NoVpnAvailable"
	ErrPortExhausted       ErrCode = "PortExhausted"
	ErrContainerStartFailed ErrCode = "ContainerStartFailed"
	ErrCircuitOpen         ErrCode = "CircuitOpen"
)

// Error is a typed provisioning failure.
type Error struct {
	Code ErrCode
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("provisioner: %s: %s", e.Code, e.Msg) }

// Request is the inbound acestream provisioning request.
type Request struct {
	Image    string
	Labels   map[string]string
	Env      []string
	HostPort int // explicit port override; 0 means "allocate from pool"
	Variant  string
}

// Result is returned on success.
type Result struct {
	ContainerID        string
	Host               string
	HostHTTPPort       int
	ContainerHTTPPort  int
	ContainerHTTPSPort int
	Forwarded          bool
	P2PPort            int
}

// VPNSelector abstracts the VPN health monitor's selection surface so the
// provisioner doesn't need vpnhealth's concrete type.
type VPNSelector interface {
	Eligible() []string
	ForwardedPort(vpn string) (int, bool)
}

// PortAllocator abstracts internal/portpool.Allocator.
type PortAllocator interface {
	Reserve(vpn string) (int, error)
	ReserveSpecific(vpn string, port int) error
	Release(vpn string, port int)
	TotalInUse() int
}

// Driver abstracts internal/containerdriver.Driver.
type Driver interface {
	CreateAndStart(ctx context.Context, spec containerdriver.Spec) (string, error)
}

// Config bounds provisioning.
type Config struct {
	MaxActiveReplicas int
	VPNMode           string
	HTTPContainerPort int
	HTTPSContainerPort int
}

// Provisioner runs the provisioning algorithm.
type Provisioner struct {
	cfg      Config
	vpns     VPNSelector
	ports    PortAllocator
	store    *enginestore.Store
	driver   Driver
	variants *variant.Registry
	breaker  *circuitcache.Breaker
	trace    *debugtrace.Sink
	metrics  *metrics.Registry

	mu      sync.Mutex // vpn_assignment_lock
	pending map[string]int
}

func New(cfg Config, vpns VPNSelector, ports PortAllocator, store *enginestore.Store, driver Driver, variants *variant.Registry, breaker *circuitcache.Breaker, trace *debugtrace.Sink, reg *metrics.Registry) *Provisioner {
	return &Provisioner{
		cfg: cfg, vpns: vpns, ports: ports, store: store, driver: driver,
		variants: variants, breaker: breaker, trace: trace, metrics: reg,
		pending: make(map[string]int),
	}
}

// Capacity reports the configured replica ceiling and current usage for
// the status feed. total is 0 when unbounded.
func (p *Provisioner) Capacity() (total, used int) {
	return p.cfg.MaxActiveReplicas, p.ports.TotalInUse()
}

// Provision runs the full algorithm described in spec §4.5.
func (p *Provisioner) Provision(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	if p.breaker != nil && !p.breaker.Allow() {
		p.traceFailure(start, "circuit open")
		return Result{}, &Error{Code: ErrCircuitOpen, Msg: "provisioning circuit is open"}
	}
	if p.cfg.MaxActiveReplicas > 0 && p.ports.TotalInUse() >= p.cfg.MaxActiveReplicas {
		p.traceFailure(start, "at capacity")
		return Result{}, &Error{Code: ErrAtCapacity, Msg: "active replicas at cap"}
	}

	vpn, err := p.selectVPN()
	if err != nil {
		p.recordFailure()
		p.traceError("select_vpn", err)
		p.traceFailure(start, err.Error())
		return Result{}, err
	}
	if p.trace != nil {
		p.trace.LogEngineSelection("select_vpn", vpn, 0, "", time.Since(start), "")
	}

	var port int
	if req.HostPort != 0 {
		err = p.ports.ReserveSpecific(vpn, req.HostPort)
		port = req.HostPort
	} else {
		port, err = p.ports.Reserve(vpn)
	}
	if err != nil {
		p.releasePending(vpn)
		p.recordFailure()
		p.traceError("reserve_port", err)
		p.traceFailure(start, err.Error())
		return Result{}, &Error{Code: ErrPortExhausted, Msg: err.Error()}
	}

	forwarded := false
	p2pPort := 0
	if vpn != "" && !p.store.HasForwardedEngine(vpn) {
		if fp, ok := p.vpns.ForwardedPort(vpn); ok {
			forwarded = true
			p2pPort = fp
		}
	}

	v, ok := p.variants.Get(req.Variant)
	if !ok {
		p.rollback(vpn, port, forwarded)
		p.traceFailure(start, "unknown engine variant")
		return Result{}, &Error{Code: ErrContainerStartFailed, Msg: "unknown engine variant"}
	}
	if override, ok := p.store.GetRuntimeConfig().VariantOverrides[v.Name]; ok {
		v = variant.ApplyOverride(v, override.Image, override.Env, override.Cmd)
	}

	env, cmd := v.Render(variant.Params{HTTPPort: port, HTTPSPort: 0, P2PPort: p2pPort})
	env = append(env, req.Env...)

	labels := map[string]string{
		"control-plane.managed":         "true",
		"control-plane.host_http_port":  fmt.Sprintf("%d", port),
		"control-plane.forwarded":       fmt.Sprintf("%t", forwarded),
		"control-plane.stream_group":    uuid.NewString(),
	}
	if vpn != "" {
		labels["control-plane.vpn_container"] = vpn
	}
	for k, val := range req.Labels {
		labels[k] = val
	}

	image := req.Image
	if image == "" {
		image = v.Image
	}

	spec := containerdriver.Spec{
		Image:  image,
		Name:   "acestream-" + uuid.NewString()[:8],
		Env:    env,
		Cmd:    cmd,
		Labels: labels,
	}
	if vpn != "" {
		spec.NetworkMode = "container:" + vpn
	} else {
		spec.PortBindings = map[string]string{fmt.Sprintf("%d/tcp", p.cfg.HTTPContainerPort): fmt.Sprintf("%d", port)}
	}

	containerID, err := p.driver.CreateAndStart(ctx, spec)
	if err != nil {
		p.rollback(vpn, port, forwarded)
		p.recordFailure()
		p.traceError("create_and_start", err)
		p.traceFailure(start, err.Error())
		return Result{}, &Error{Code: ErrContainerStartFailed, Msg: err.Error()}
	}
	if p.trace != nil {
		selectedHost := vpn
		if selectedHost == "" {
			selectedHost = spec.Name
		}
		p.trace.LogEngineSelection("launch_engine", selectedHost, port, containerID, time.Since(start), "")
	}

	host := vpn
	if host == "" {
		host = spec.Name
	}

	engine := enginestore.Engine{
		ContainerID:   containerID,
		ContainerName: spec.Name,
		Host:          host,
		Port:          port,
		Labels:        labels,
		VPNContainer:  vpn,
		HealthStatus:  enginestore.HealthUnknown,
	}
	if err := p.store.RegisterEngine(engine); err != nil {
		p.rollback(vpn, port, forwarded)
		p.recordFailure()
		p.traceError("register_engine", err)
		p.traceFailure(start, err.Error())
		return Result{}, &Error{Code: ErrContainerStartFailed, Msg: err.Error()}
	}
	if forwarded {
		_ = p.store.SetForwardedEngine(vpn, containerID, p2pPort)
	}
	p.releasePending(vpn)

	if p.breaker != nil {
		wasOpen := p.breaker.Status() != circuitcache.Closed
		p.breaker.RecordSuccess()
		if wasOpen && p.trace != nil {
			p.trace.LogCircuitBreaker("reset", string(circuitcache.Closed), 0)
		}
	}
	if p.trace != nil {
		p.trace.LogProvisioning("provision_acestream", time.Since(start), true, "", 1)
	}
	p.recordMetric(start, "success")

	return Result{
		ContainerID:        containerID,
		Host:               host,
		HostHTTPPort:       port,
		ContainerHTTPPort:  p.cfg.HTTPContainerPort,
		ContainerHTTPSPort: p.cfg.HTTPSContainerPort,
		Forwarded:          forwarded,
		P2PPort:            p2pPort,
	}, nil
}

// selectVPN runs the concurrency-safe VPN selection under
// vpn_assignment_lock: lowest load among eligible VPNs, ties broken by
// stable name ordering, with the pending counter bumped atomically.
func (p *Provisioner) selectVPN() (string, error) {
	if p.cfg.VPNMode == "none" {
		return "", nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	eligible := p.vpns.Eligible()
	if len(eligible) == 0 {
		return "", &Error{Code: ErrNoVpnAvailable, Msg: "no healthy, non-stabilizing vpn available"}
	}

	sort.Strings(eligible)
	best := eligible[0]
	bestLoad := p.load(best)
	for _, name := range eligible[1:] {
		l := p.load(name)
		if l < bestLoad {
			best, bestLoad = name, l
		}
	}

	p.pending[best]++
	return best, nil
}

func (p *Provisioner) load(vpn string) int {
	return len(p.store.ListEnginesByLabel(map[string]string{"control-plane.vpn_container": vpn})) + p.pending[vpn]
}

func (p *Provisioner) releasePending(vpn string) {
	if vpn == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending[vpn] > 0 {
		p.pending[vpn]--
	}
}

func (p *Provisioner) rollback(vpn string, port int, forwarded bool) {
	p.ports.Release(vpn, port)
	p.releasePending(vpn)
}

func (p *Provisioner) recordFailure() {
	if p.breaker == nil {
		return
	}
	wasOpen := p.breaker.Status() == circuitcache.Open
	p.breaker.RecordFailure()
	if !wasOpen && p.breaker.Status() == circuitcache.Open && p.trace != nil {
		p.trace.LogCircuitBreaker("trip", string(circuitcache.Open), p.breaker.Failures())
	}
}

func (p *Provisioner) traceFailure(start time.Time, errMsg string) {
	if p.trace != nil {
		p.trace.LogProvisioning("provision_acestream", time.Since(start), false, errMsg, 1)
	}
	p.recordMetric(start, "failure")
}

func (p *Provisioner) recordMetric(start time.Time, outcome string) {
	if p.metrics == nil {
		return
	}
	p.metrics.ProvisionAttempts.WithLabelValues(outcome).Inc()
	p.metrics.ProvisionDuration.Observe(time.Since(start).Seconds())
}

func (p *Provisioner) traceError(operation string, err error) {
	if p.trace != nil {
		p.trace.LogError("provisioner", operation, err, nil)
	}
}
