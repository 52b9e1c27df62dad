// Package portpool implements the per-VPN host port allocator (C1). Each
// VPN (or a single global pool, when VPN_MODE=none) owns a disjoint
// [Lo, Hi] range; reservation picks the lowest free port using a
// next-free cursor so the common case is O(1) and only degrades to O(range)
// when the cursor wraps past a fragmented pool.
package portpool

import (
	"errors"
	"sync"
)

// ErrExhausted is returned when a VPN's port range has no free ports.
var ErrExhausted = errors.New("portpool: no free ports in range")

// ErrUnknownVPN is returned for an operation against a VPN with no
// configured range.
var ErrUnknownVPN = errors.New("portpool: unknown vpn")

type pool struct {
	lo, hi int
	used   map[int]bool
	cursor int // next candidate port to try
}

// Allocator tracks port pools for zero or more named VPNs (the empty
// string "" names the global pool used when there is no VPN).
type Allocator struct {
	mu    sync.Mutex
	pools map[string]*pool
}

// New builds an Allocator with no registered ranges; call AddRange for
// each VPN (or "" for the global range) before use.
func New() *Allocator {
	return &Allocator{pools: make(map[string]*pool)}
}

// AddRange registers the inclusive port range owned by vpn ("" for the
// global pool).
func (a *Allocator) AddRange(vpn string, lo, hi int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pools[vpn] = &pool{lo: lo, hi: hi, used: make(map[int]bool), cursor: lo}
}

// Reserve returns the lowest free port in vpn's range, or ErrExhausted.
func (a *Allocator) Reserve(vpn string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.pools[vpn]
	if !ok {
		return 0, ErrUnknownVPN
	}
	return p.reserve()
}

func (p *pool) reserve() (int, error) {
	if len(p.used) >= p.hi-p.lo+1 {
		return 0, ErrExhausted
	}

	start := p.cursor
	for port := start; port <= p.hi; port++ {
		if !p.used[port] {
			p.used[port] = true
			p.cursor = port + 1
			return port, nil
		}
	}
	for port := p.lo; port < start; port++ {
		if !p.used[port] {
			p.used[port] = true
			p.cursor = port + 1
			return port, nil
		}
	}
	return 0, ErrExhausted
}

// Release frees a previously reserved port. Releasing a port that was not
// reserved is a no-op.
func (a *Allocator) Release(vpn string, port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.pools[vpn]; ok {
		delete(p.used, port)
		// Every port below the cursor stays reserved, so the next Reserve
		// still returns the lowest free port.
		if port >= p.lo && port < p.cursor {
			p.cursor = port
		}
	}
}

// ReserveSpecific marks port as used within vpn's range, used at startup
// reindex time to rebuild allocator state from live containers. Idempotent:
// reserving an already-reserved port succeeds silently.
func (a *Allocator) ReserveSpecific(vpn string, port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.pools[vpn]
	if !ok {
		return ErrUnknownVPN
	}
	if port < p.lo || port > p.hi {
		return errors.New("portpool: port outside configured range")
	}
	p.used[port] = true
	return nil
}

// InUse reports how many ports are currently reserved for vpn.
func (a *Allocator) InUse(vpn string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.pools[vpn]; ok {
		return len(p.used)
	}
	return 0
}

// TotalInUse sums reservations across every registered pool — used to
// enforce the global active-replicas cap regardless of VPN mode.
func (a *Allocator) TotalInUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, p := range a.pools {
		total += len(p.used)
	}
	return total
}
