package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/krinkuto11/acestream-orchestratord/internal/circuitcache"
	"github.com/krinkuto11/acestream-orchestratord/internal/enginestore"
)

func gaugeValue(t *testing.T, g prometheus.GaugeFunc) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetGauge().GetValue()
}

func TestEnginesTotalReflectsStore(t *testing.T) {
	store := enginestore.New()
	if err := store.RegisterEngine(enginestore.Engine{ContainerID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.RegisterEngine(enginestore.Engine{ContainerID: "c2"}); err != nil {
		t.Fatal(err)
	}

	reg := New(prometheus.NewRegistry(), Deps{Store: store})
	if got := gaugeValue(t, reg.EnginesTotal); got != 2 {
		t.Errorf("EnginesTotal = %v, want 2", got)
	}
}

func TestEnginesFreeExcludesEnginesWithStreams(t *testing.T) {
	store := enginestore.New()
	if err := store.RegisterEngine(enginestore.Engine{ContainerID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.RegisterEngine(enginestore.Engine{ContainerID: "c2"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.OnStreamStarted(enginestore.StreamStartedEvent{ContainerID: "c1", KeyType: "content_id", Key: "k"}); err != nil {
		t.Fatal(err)
	}

	reg := New(prometheus.NewRegistry(), Deps{Store: store})
	if got := gaugeValue(t, reg.EnginesFree); got != 1 {
		t.Errorf("EnginesFree = %v, want 1", got)
	}
}

func TestCircuitBreakerStateReflectsBreaker(t *testing.T) {
	breaker := circuitcache.NewBreaker(1, 0)
	breaker.RecordFailure()

	reg := New(prometheus.NewRegistry(), Deps{Store: enginestore.New(), Breaker: breaker})
	if got := gaugeValue(t, reg.CircuitBreakerState); got != StateForBreaker("open") {
		t.Errorf("CircuitBreakerState = %v, want %v", got, StateForBreaker("open"))
	}
}

func TestEmergencyModeActiveCallsThrough(t *testing.T) {
	reg := New(prometheus.NewRegistry(), Deps{Store: enginestore.New(), EmergencyActive: func() bool { return true }})
	if got := gaugeValue(t, reg.EmergencyModeActive); got != 1 {
		t.Errorf("EmergencyModeActive = %v, want 1", got)
	}
}
