// Command orchestratord runs the acestream engine control plane: it
// provisions, monitors, and reclaims engine containers behind one or more
// VPN sidecars, and serves the HTTP event/query surface the streaming
// proxy talks to.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/krinkuto11/acestream-orchestratord/internal/api"
	"github.com/krinkuto11/acestream-orchestratord/internal/autoscaler"
	"github.com/krinkuto11/acestream-orchestratord/internal/circuitcache"
	"github.com/krinkuto11/acestream-orchestratord/internal/config"
	"github.com/krinkuto11/acestream-orchestratord/internal/containerdriver"
	"github.com/krinkuto11/acestream-orchestratord/internal/debugtrace"
	"github.com/krinkuto11/acestream-orchestratord/internal/enginehealth"
	"github.com/krinkuto11/acestream-orchestratord/internal/enginestore"
	"github.com/krinkuto11/acestream-orchestratord/internal/loopdetector"
	"github.com/krinkuto11/acestream-orchestratord/internal/metrics"
	"github.com/krinkuto11/acestream-orchestratord/internal/portpool"
	"github.com/krinkuto11/acestream-orchestratord/internal/provisioner"
	"github.com/krinkuto11/acestream-orchestratord/internal/proxysync"
	"github.com/krinkuto11/acestream-orchestratord/internal/variant"
	"github.com/krinkuto11/acestream-orchestratord/internal/vpnhealth"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("orchestratord exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	trace := debugtrace.New(cfg.DebugMode, cfg.DebugLogDir)
	defer trace.Close()

	var durable enginestore.Durable = enginestore.NopDurable{}
	if cfg.SQLitePath != "" {
		sqliteStore, err := enginestore.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("opening sqlite store: %w", err)
		}
		defer sqliteStore.Close()
		durable = sqliteStore
	}

	ports := portpool.New()
	if cfg.VPNMode == config.VPNModeRedundant {
		ports.AddRange(cfg.VPNContainer, cfg.VPNPortRange1.Lo, cfg.VPNPortRange1.Hi)
		ports.AddRange(cfg.VPNContainer2, cfg.VPNPortRange2.Lo, cfg.VPNPortRange2.Hi)
	} else if cfg.VPNMode == config.VPNModeSingle {
		ports.AddRange(cfg.VPNContainer, cfg.VPNPortRange1.Lo, cfg.VPNPortRange1.Hi)
	} else {
		ports.AddRange("", cfg.VPNPortRange1.Lo, cfg.VPNPortRange1.Hi)
	}

	driver, err := containerdriver.New()
	if err != nil {
		return fmt.Errorf("connecting to container engine: %w", err)
	}

	proxyHub := proxysync.NewHub(log)
	respCache := circuitcache.NewCache(3 * time.Second)

	store := enginestore.New(
		enginestore.WithDurable(durable),
		enginestore.WithPortReleaser(portReleaserAdapter{ports}),
		enginestore.WithProxyNotifier(proxyHub),
		enginestore.WithCacheInvalidator(respCache),
	)
	if err := store.Rehydrate(); err != nil {
		log.Warn("failed to rehydrate state from durable store", "error", err)
	}

	vpnMonitor := vpnhealth.New(vpnhealth.Config{
		Mode: string(cfg.VPNMode), VPNContainer: cfg.VPNContainer, VPNContainer2: cfg.VPNContainer2,
		APIPort: cfg.VPNAPIPort, PortCacheTTL: cfg.VPNPortCacheTTL, Stabilization: cfg.VPNStabilization,
		ProbeTimeout: 5 * time.Second, StopTimeout: 10 * time.Second,
	}, httpVPNProber{client: &http.Client{Timeout: 5 * time.Second}}, store, driver, trace, log)

	variants := variant.NewRegistry()
	variants.RegisterDefaults()

	breaker := circuitcache.NewBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout)

	loopDet := loopdetector.New(loopdetector.Config{
		Enabled: cfg.LoopDetectionEnabled, Threshold: cfg.LoopDetectionThreshold,
		RetentionPeriod: cfg.LoopRetention, FetchTimeout: 5 * time.Second,
	}, store, httpStatFetcher{client: &http.Client{Timeout: 5 * time.Second}}, httpStopper{client: &http.Client{Timeout: 5 * time.Second}}, log)

	reg := prometheus.NewRegistry()
	metricsReg := metrics.New(reg, metrics.Deps{
		Store: store, Breaker: breaker, Trace: trace,
		EmergencyActive: vpnMonitor.EmergencyActive,
		LoopingCount:    func() int { return len(loopDet.Snapshot()) },
	})

	prov := provisioner.New(provisioner.Config{
		MaxActiveReplicas: cfg.MaxActiveReplicas, VPNMode: string(cfg.VPNMode),
		HTTPContainerPort: 6878, HTTPSContainerPort: 6879,
	}, vpnMonitor, ports, store, driver, variants, breaker, trace, metricsReg)

	autoscale := autoscaler.New(autoscaler.Config{
		MinReplicas: cfg.MinReplicas, MaxReplicas: cfg.MaxReplicas, MaxActiveReplicas: cfg.MaxActiveReplicas,
		MaxStreamsPerEngine: cfg.MaxStreamsPerEngine, GracePeriod: cfg.EngineGracePeriod, AutoDelete: cfg.AutoDelete,
	}, store, prov, driver, vpnMonitor, log)

	engineHealth := enginehealth.New(enginehealth.Config{
		ProbeTimeout: 5 * time.Second, CacheCleanupEvery: 10 * time.Minute,
	}, store, httpEngineProber{client: &http.Client{Timeout: 5 * time.Second}}, execCacheCleaner{driver: driver}, vpnMonitor, trace, log)

	autoscaleRunner := api.NewAutoscalerRunner(func() { autoscale.Run(ctx) })

	server := api.NewServer(api.Config{VPNMode: string(cfg.VPNMode), RetentionMinutes: int(cfg.LoopRetention.Minutes())},
		store, prov, vpnMonitor, loopDet, breaker, respCache, autoscaleRunner, reg, log)

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: server}

	g := runGroup{}
	g.every(cfg.AutoscaleInterval, func() { autoscale.Run(ctx) })
	g.every(cfg.HealthCheckInterval, func() { vpnMonitor.Run(ctx) })
	g.every(cfg.HealthCheckInterval, func() { engineHealth.Run(ctx) })
	g.every(cfg.LoopCheckInterval, func() { loopDet.Run(ctx); loopDet.CleanupRetention() })
	stopWorkers := g.start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("orchestratord listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stop()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	stopWorkers()
	return store.Close()
}

// runGroup runs a set of periodic tasks on independent timers, stopping
// them cooperatively on cancellation.
type runGroup struct {
	tasks []func(context.Context, <-chan struct{})
}

func (g *runGroup) every(interval time.Duration, fn func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	g.tasks = append(g.tasks, func(ctx context.Context, stop <-chan struct{}) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	})
}

func (g *runGroup) start(ctx context.Context) func() {
	stop := make(chan struct{})
	for _, t := range g.tasks {
		go t(ctx, stop)
	}
	return func() { close(stop) }
}

type portReleaserAdapter struct{ a *portpool.Allocator }

func (p portReleaserAdapter) Release(vpn string, port int) { p.a.Release(vpn, port) }

// httpVPNProber probes a VPN sidecar's control API for liveness and its
// currently forwarded P2P port.
type httpVPNProber struct{ client *http.Client }

type vpnControlResponse struct {
	Connected     bool `json:"connected"`
	ForwardedPort int  `json:"forwarded_port"`
}

func (p httpVPNProber) Probe(ctx context.Context, vpnContainer string, apiPort int) (bool, int, bool, error) {
	url := fmt.Sprintf("http://%s:%d/status", vpnContainer, apiPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, 0, false, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, 0, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		// Degraded, not failed: alive but no forwarded port known yet.
		return true, 0, false, nil
	}

	var body vpnControlResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return true, 0, false, nil
	}
	return body.Connected, body.ForwardedPort, body.ForwardedPort != 0, nil
}

// httpEngineProber probes an engine's HTTP status endpoint.
type httpEngineProber struct{ client *http.Client }

func (p httpEngineProber) Probe(ctx context.Context, host string, port int, timeout time.Duration) (bool, error) {
	url := fmt.Sprintf("http://%s:%d/webui/api/service?method=get_version", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, nil // probe failure is a liveness signal, never surfaced as an error
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500, nil
}

// execCacheCleaner purges an engine's on-disk stream cache via exec.
type execCacheCleaner struct{ driver *containerdriver.Driver }

func (c execCacheCleaner) CleanCache(ctx context.Context, containerID string) (int64, error) {
	_, stdout, _, err := c.driver.Exec(ctx, containerID, []string{"sh", "-c", "du -sb /tmp/acestream_cache 2>/dev/null | cut -f1; rm -rf /tmp/acestream_cache/*"})
	if err != nil {
		return 0, err
	}
	var size int64
	_, _ = fmt.Sscanf(stdout, "%d", &size)
	return size, nil
}

// httpStatFetcher fetches a stream's stat_url for its live_last timestamp.
type httpStatFetcher struct{ client *http.Client }

type statResponse struct {
	LiveLast int64 `json:"live_last"`
}

func (f httpStatFetcher) FetchLiveLast(ctx context.Context, statURL string) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statURL, nil)
	if err != nil {
		return time.Time{}, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()

	var body statResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return time.Time{}, err
	}
	return time.Unix(body.LiveLast, 0), nil
}

// httpStopper issues the stop command for a stalled stream.
type httpStopper struct{ client *http.Client }

func (s httpStopper) Stop(ctx context.Context, commandURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, commandURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
