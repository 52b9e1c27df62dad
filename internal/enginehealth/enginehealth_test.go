package enginehealth

import (
	"context"
	"testing"
	"time"

	"github.com/krinkuto11/acestream-orchestratord/internal/enginestore"
)

type fakeProber struct{ alive bool }

func (f fakeProber) Probe(ctx context.Context, host string, port int, timeout time.Duration) (bool, error) {
	return f.alive, nil
}

type fakeCleaner struct{ size int64; calls int }

func (f *fakeCleaner) CleanCache(ctx context.Context, containerID string) (int64, error) {
	f.calls++
	return f.size, nil
}

func TestRunMarksHealthy(t *testing.T) {
	store := enginestore.New()
	if err := store.RegisterEngine(enginestore.Engine{ContainerID: "c1"}); err != nil {
		t.Fatal(err)
	}

	m := New(Config{ProbeTimeout: time.Second, CacheCleanupEvery: time.Hour}, store, fakeProber{alive: true}, &fakeCleaner{}, nil, nil, nil)
	m.Run(context.Background())

	e, _ := store.GetEngine("c1")
	if e.HealthStatus != enginestore.HealthHealthy {
		t.Errorf("status = %v, want healthy", e.HealthStatus)
	}
}

func TestRunToleratesSingleFailedProbe(t *testing.T) {
	store := enginestore.New()
	if err := store.RegisterEngine(enginestore.Engine{ContainerID: "c1"}); err != nil {
		t.Fatal(err)
	}

	m := New(Config{ProbeTimeout: time.Second, CacheCleanupEvery: time.Hour}, store, fakeProber{alive: false}, &fakeCleaner{}, nil, nil, nil)
	m.Run(context.Background())

	e, _ := store.GetEngine("c1")
	if e.HealthStatus != enginestore.HealthHealthy {
		t.Errorf("status after one failed probe = %v, want healthy (tolerate one blip)", e.HealthStatus)
	}
}

func TestRunMarksUnhealthyAfterConsecutiveFailures(t *testing.T) {
	store := enginestore.New()
	if err := store.RegisterEngine(enginestore.Engine{ContainerID: "c1"}); err != nil {
		t.Fatal(err)
	}

	m := New(Config{ProbeTimeout: time.Second, CacheCleanupEvery: time.Hour}, store, fakeProber{alive: false}, &fakeCleaner{}, nil, nil, nil)
	for i := 0; i < consecutiveFailureThreshold; i++ {
		m.Run(context.Background())
	}

	e, _ := store.GetEngine("c1")
	if e.HealthStatus != enginestore.HealthUnhealthy {
		t.Errorf("status after %d consecutive failures = %v, want unhealthy", consecutiveFailureThreshold, e.HealthStatus)
	}
}

func TestRunResetsFailureCountAfterSuccess(t *testing.T) {
	store := enginestore.New()
	if err := store.RegisterEngine(enginestore.Engine{ContainerID: "c1"}); err != nil {
		t.Fatal(err)
	}

	prober := &toggleProber{alive: false}
	m := New(Config{ProbeTimeout: time.Second, CacheCleanupEvery: time.Hour}, store, prober, &fakeCleaner{}, nil, nil, nil)
	m.Run(context.Background())
	m.Run(context.Background())
	prober.alive = true
	m.Run(context.Background())
	prober.alive = false
	m.Run(context.Background())
	m.Run(context.Background())

	e, _ := store.GetEngine("c1")
	if e.HealthStatus != enginestore.HealthHealthy {
		t.Errorf("status = %v, want healthy (success should reset the consecutive-failure count)", e.HealthStatus)
	}
}

type toggleProber struct{ alive bool }

func (p *toggleProber) Probe(ctx context.Context, host string, port int, timeout time.Duration) (bool, error) {
	return p.alive, nil
}

func TestRunCleansIdleEngineCache(t *testing.T) {
	store := enginestore.New()
	if err := store.RegisterEngine(enginestore.Engine{ContainerID: "c1"}); err != nil {
		t.Fatal(err)
	}

	cleaner := &fakeCleaner{size: 4096}
	m := New(Config{ProbeTimeout: time.Second, CacheCleanupEvery: time.Hour}, store, fakeProber{alive: true}, cleaner, nil, nil, nil)
	m.Run(context.Background())

	if cleaner.calls != 1 {
		t.Fatalf("expected one cache cleanup call, got %d", cleaner.calls)
	}
	e, _ := store.GetEngine("c1")
	if e.CacheSizeBytes != 4096 {
		t.Errorf("cache size = %d, want 4096", e.CacheSizeBytes)
	}
}

type fakeTracer struct {
	statuses []string
}

func (f *fakeTracer) LogHealth(component, status string, extra map[string]any) {
	f.statuses = append(f.statuses, status)
}

func TestRunTracesHealthTransitions(t *testing.T) {
	store := enginestore.New()
	if err := store.RegisterEngine(enginestore.Engine{ContainerID: "c1"}); err != nil {
		t.Fatal(err)
	}

	tracer := &fakeTracer{}
	m := New(Config{ProbeTimeout: time.Second, CacheCleanupEvery: time.Hour}, store, fakeProber{alive: false}, &fakeCleaner{}, nil, tracer, nil)
	for i := 0; i < consecutiveFailureThreshold; i++ {
		m.Run(context.Background())
	}

	if len(tracer.statuses) == 0 {
		t.Fatal("expected at least one traced health transition")
	}
	if last := tracer.statuses[len(tracer.statuses)-1]; last != string(enginestore.HealthUnhealthy) {
		t.Errorf("last traced status = %q, want unhealthy", last)
	}
}

type emergencyAlways struct{}

func (emergencyAlways) EmergencyActive() bool { return true }

func TestRunSkipsDuringEmergency(t *testing.T) {
	store := enginestore.New()
	if err := store.RegisterEngine(enginestore.Engine{ContainerID: "c1"}); err != nil {
		t.Fatal(err)
	}

	m := New(Config{ProbeTimeout: time.Second}, store, fakeProber{alive: true}, &fakeCleaner{}, emergencyAlways{}, nil, nil)
	m.Run(context.Background())

	e, _ := store.GetEngine("c1")
	if e.HealthStatus != "" {
		t.Errorf("expected no health update during emergency mode, got %v", e.HealthStatus)
	}
}
