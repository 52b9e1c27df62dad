// Package autoscaler implements the autoscaler (C6): maintains a floor of
// free engines, provisions early under lookahead when any engine nears
// its per-engine stream cap, and reaps idle engines past their grace
// period.
package autoscaler

import (
	"context"
	"log/slog"
	"time"

	"github.com/krinkuto11/acestream-orchestratord/internal/enginestore"
	"github.com/krinkuto11/acestream-orchestratord/internal/provisioner"
)

// EmergencyChecker reports whether the VPN health monitor currently has
// emergency mode active, in which case the autoscaler must skip its
// cycle entirely (besides an initial startup pass).
type EmergencyChecker interface {
	EmergencyActive() bool
}

// Stopper stops and removes a container by id.
type Stopper interface {
	Stop(ctx context.Context, id string, timeout time.Duration) error
}

// Config bounds the autoscaler's behavior.
type Config struct {
	MinReplicas         int
	MaxReplicas         int
	MaxActiveReplicas   int
	MaxStreamsPerEngine int
	GracePeriod         time.Duration
	AutoDelete          bool
}

// Autoscaler runs periodic maintenance cycles.
type Autoscaler struct {
	cfg        Config
	store      *enginestore.Store
	prov       *provisioner.Provisioner
	driver     Stopper
	emergency  EmergencyChecker
	log        *slog.Logger

	initial bool
}

func New(cfg Config, store *enginestore.Store, prov *provisioner.Provisioner, driver Stopper, emergency EmergencyChecker, log *slog.Logger) *Autoscaler {
	if log == nil {
		log = slog.Default()
	}
	return &Autoscaler{cfg: cfg, store: store, prov: prov, driver: driver, emergency: emergency, log: log, initial: true}
}

// Run executes one autoscale cycle per spec §4.6.
func (a *Autoscaler) Run(ctx context.Context) {
	if a.emergency != nil && a.emergency.EmergencyActive() && !a.initial {
		return
	}
	a.initial = false

	engines := a.store.ListEngines()
	free := 0
	totalRunning := len(engines)
	maxLoad := 0
	for _, e := range engines {
		load := len(a.store.StreamsForEngine(e.ContainerID))
		if load == 0 {
			free++
		}
		if load > maxLoad {
			maxLoad = load
		}
	}

	cap := a.cfg.MaxActiveReplicas
	if cap <= 0 {
		cap = a.cfg.MaxReplicas
	}

	desired := a.cfg.MinReplicas - free
	if desired < 0 {
		desired = 0
	}
	if cap > 0 && totalRunning >= cap {
		if desired > 0 {
			a.log.Info("autoscaler at capacity, cannot provision more free engines", "total_running", totalRunning, "cap", cap)
		}
		desired = 0
	} else if cap > 0 {
		room := cap - totalRunning
		if desired > room {
			desired = room
		}
	}

	if maxLoad >= a.cfg.MaxStreamsPerEngine-1 && free == 0 {
		if cap <= 0 || totalRunning+desired < cap {
			desired++
		}
	}

	for i := 0; i < desired; i++ {
		if _, err := a.prov.Provision(ctx, provisioner.Request{}); err != nil {
			a.log.Warn("autoscaler provision attempt failed", "error", err)
		}
	}

	a.gc(ctx, engines)
}

// gc stops engines that have been idle past the grace period, keeping at
// least MinReplicas free engines in place.
func (a *Autoscaler) gc(ctx context.Context, engines []enginestore.Engine) {
	if !a.cfg.AutoDelete {
		return
	}

	now := time.Now()
	freeCount := 0
	for _, e := range engines {
		if len(a.store.StreamsForEngine(e.ContainerID)) == 0 {
			freeCount++
		}
	}

	for _, e := range engines {
		if freeCount <= a.cfg.MinReplicas {
			break
		}
		if len(a.store.StreamsForEngine(e.ContainerID)) != 0 {
			continue
		}
		if e.LastStreamUsage.IsZero() || now.Sub(e.LastStreamUsage) <= a.cfg.GracePeriod {
			continue
		}
		if err := a.driver.Stop(ctx, e.ContainerID, 10*time.Second); err != nil {
			a.log.Warn("autoscaler gc: failed to stop idle engine", "container_id", e.ContainerID, "error", err)
			continue
		}
		if err := a.store.RemoveEngine(e.ContainerID); err != nil {
			a.log.Warn("autoscaler gc: failed to remove engine from state", "container_id", e.ContainerID, "error", err)
			continue
		}
		freeCount--
	}
}
