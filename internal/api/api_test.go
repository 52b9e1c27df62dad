package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/krinkuto11/acestream-orchestratord/internal/circuitcache"
	"github.com/krinkuto11/acestream-orchestratord/internal/containerdriver"
	"github.com/krinkuto11/acestream-orchestratord/internal/enginestore"
	"github.com/krinkuto11/acestream-orchestratord/internal/loopdetector"
	"github.com/krinkuto11/acestream-orchestratord/internal/provisioner"
	"github.com/krinkuto11/acestream-orchestratord/internal/variant"
)

type fakeVPNs struct{}

func (fakeVPNs) Eligible() []string                   { return nil }
func (fakeVPNs) ForwardedPort(vpn string) (int, bool) { return 0, false }
func (fakeVPNs) EmergencyActive() bool                { return false }

type fakePorts struct{ n int }

func (f *fakePorts) Reserve(vpn string) (int, error)            { f.n++; return f.n, nil }
func (f *fakePorts) ReserveSpecific(vpn string, port int) error { return nil }
func (f *fakePorts) Release(vpn string, port int)               {}
func (f *fakePorts) TotalInUse() int                            { return 0 }

type fakeDriver struct{}

func (fakeDriver) CreateAndStart(ctx context.Context, spec containerdriver.Spec) (string, error) {
	return "c1", nil
}

func newTestServer(t *testing.T) (*Server, *enginestore.Store) {
	t.Helper()
	store := enginestore.New()
	reg := variant.NewRegistry()
	reg.RegisterDefaults()
	prov := provisioner.New(provisioner.Config{VPNMode: "none", HTTPContainerPort: 6878}, fakeVPNs{}, &fakePorts{}, store, fakeDriver{}, reg, nil, nil, nil)
	loop := loopdetector.New(loopdetector.Config{}, store, nil, nil, nil)
	srv := NewServer(Config{VPNMode: "none"}, store, prov, fakeVPNs{}, loop, nil, circuitcache.NewCache(0), nil, nil, nil)
	return srv, store
}

func TestProvisionAcestreamEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/provision/acestream", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["container_id"] != "c1" {
		t.Errorf("container_id = %v, want c1", body["container_id"])
	}
}

func TestStreamStartedThenEndedRoundTrip(t *testing.T) {
	srv, store := newTestServer(t)
	if err := store.RegisterEngine(enginestore.Engine{ContainerID: "c1"}); err != nil {
		t.Fatal(err)
	}

	startBody := `{"container_id":"c1","key_type":"content_id","key":"abc","playback_session_id":"s1"}`
	req := httptest.NewRequest(http.MethodPost, "/events/stream_started", bytes.NewBufferString(startBody))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("stream_started status = %d body = %s", w.Code, w.Body.String())
	}

	endBody := `{"stream_id":"abc|s1"}`
	req2 := httptest.NewRequest(http.MethodPost, "/events/stream_ended", bytes.NewBufferString(endBody))
	w2 := httptest.NewRecorder()
	srv.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("stream_ended status = %d body = %s", w2.Code, w2.Body.String())
	}

	req3 := httptest.NewRequest(http.MethodGet, "/streams?status=ended", nil)
	w3 := httptest.NewRecorder()
	srv.ServeHTTP(w3, req3)
	var streams []map[string]any
	if err := json.NewDecoder(w3.Body).Decode(&streams); err != nil {
		t.Fatal(err)
	}
	if len(streams) != 1 {
		t.Fatalf("expected 1 ended stream, got %d", len(streams))
	}
}

func TestStreamEndedUnknownIsNoOp(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/events/stream_ended", bytes.NewBufferString(`{"stream_id":"missing"}`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for idempotent no-op", w.Code)
	}
	var body map[string]any
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body["updated"] != false {
		t.Errorf("updated = %v, want false", body["updated"])
	}
}

func TestGetEngineNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/engines/missing", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHealthReady(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body["ready"] != true {
		t.Errorf("ready = %v, want true", body["ready"])
	}
}

func TestOrchestratorStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/orchestrator/status", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}

	vpn, ok := body["vpn"].(map[string]any)
	if !ok || vpn["connected"] != true {
		t.Errorf("vpn.connected = %v, want true", vpn)
	}
	provisioning, ok := body["provisioning"].(map[string]any)
	if !ok || provisioning["can_provision"] != true {
		t.Errorf("provisioning.can_provision = %v, want true", provisioning)
	}
	if provisioning["blocked_reason"] != "" {
		t.Errorf("blocked_reason = %v, want empty when not blocked", provisioning["blocked_reason"])
	}
	capacity, ok := body["capacity"].(map[string]any)
	if !ok {
		t.Fatalf("missing capacity object")
	}
	if _, ok := capacity["available"]; !ok {
		t.Errorf("capacity missing available field")
	}
}

func TestConfigGetPutRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)

	getReq := httptest.NewRequest(http.MethodGet, "/config", nil)
	getW := httptest.NewRecorder()
	srv.ServeHTTP(getW, getReq)
	if getW.Code != http.StatusOK {
		t.Fatalf("GET /config status = %d", getW.Code)
	}
	var initial map[string]any
	if err := json.NewDecoder(getW.Body).Decode(&initial); err != nil {
		t.Fatal(err)
	}
	if initial["stream_mode"] != nil {
		t.Errorf("stream_mode = %v, want unset before any PUT", initial["stream_mode"])
	}

	putBody := `{"stream_mode":"infohash","loop_detection_enabled":false,"variant_overrides":{"acestream":{"image":"custom:v1"}}}`
	putReq := httptest.NewRequest(http.MethodPut, "/config", bytes.NewBufferString(putBody))
	putW := httptest.NewRecorder()
	srv.ServeHTTP(putW, putReq)
	if putW.Code != http.StatusOK {
		t.Fatalf("PUT /config status = %d, body = %s", putW.Code, putW.Body.String())
	}

	getReq2 := httptest.NewRequest(http.MethodGet, "/config", nil)
	getW2 := httptest.NewRecorder()
	srv.ServeHTTP(getW2, getReq2)
	var after map[string]any
	if err := json.NewDecoder(getW2.Body).Decode(&after); err != nil {
		t.Fatal(err)
	}
	if after["stream_mode"] != "infohash" {
		t.Errorf("stream_mode = %v, want infohash", after["stream_mode"])
	}
	if after["loop_detection_enabled"] != false {
		t.Errorf("loop_detection_enabled = %v, want false", after["loop_detection_enabled"])
	}
	overrides, ok := after["variant_overrides"].(map[string]any)
	if !ok {
		t.Fatalf("variant_overrides missing from response: %v", after)
	}
	acestream, ok := overrides["acestream"].(map[string]any)
	if !ok || acestream["image"] != "custom:v1" {
		t.Errorf("variant_overrides.acestream = %v, want image custom:v1", overrides["acestream"])
	}
}

func TestProvisionErrorWrapsDetail(t *testing.T) {
	store := enginestore.New()
	reg := variant.NewRegistry()
	reg.RegisterDefaults()
	breaker := circuitcache.NewBreaker(1, time.Hour)
	breaker.RecordFailure()
	prov := provisioner.New(provisioner.Config{VPNMode: "none", HTTPContainerPort: 6878}, fakeVPNs{}, &fakePorts{}, store, fakeDriver{}, reg, breaker, nil, nil)
	loop := loopdetector.New(loopdetector.Config{}, store, nil, nil, nil)
	srv := NewServer(Config{VPNMode: "none"}, store, prov, fakeVPNs{}, loop, breaker, circuitcache.NewCache(0), nil, nil, nil)

	body, _ := json.Marshal(map[string]any{})
	req := httptest.NewRequest(http.MethodPost, "/provision/acestream", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	detail, ok := resp["detail"].(map[string]any)
	if !ok {
		t.Fatalf("expected body wrapped under \"detail\", got %v", resp)
	}
	if detail["code"] != "circuit_breaker" {
		t.Errorf("detail.code = %v, want circuit_breaker", detail["code"])
	}
}
