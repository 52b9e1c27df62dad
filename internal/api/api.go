// Package api is the HTTP event and query surface (C9): accepts
// stream_started/stream_ended events and provisioning requests, and
// exposes the read surface the proxy and operators use. Routing uses Go
// 1.22's method-and-wildcard ServeMux patterns as the direct generalization
// of a switch-based dispatcher to a declarative route table.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/krinkuto11/acestream-orchestratord/internal/circuitcache"
	"github.com/krinkuto11/acestream-orchestratord/internal/enginestore"
	"github.com/krinkuto11/acestream-orchestratord/internal/provisioner"
)

// VPNStatus is the subset of vpnhealth.Monitor the /vpn/status endpoint
// and autoscaler gating need.
type VPNStatus interface {
	EmergencyActive() bool
	Eligible() []string
}

// LoopDetector exposes the looping-streams blocklist.
type LoopDetector interface {
	Snapshot() map[string]time.Time
}

// Server wires every component behind the HTTP surface.
type Server struct {
	store    *enginestore.Store
	prov     *provisioner.Provisioner
	vpn      VPNStatus
	loop     LoopDetector
	breaker  *circuitcache.Breaker
	cache    *circuitcache.Cache
	autoscale *autoscalerRunner
	log      *slog.Logger
	mux      *http.ServeMux
	gatherer prometheus.Gatherer

	vpnMode        string
	retentionMins  int
	startedAt      time.Time
}

// autoscalerRunner lets /gc and /scale/{n} trigger an immediate cycle
// without the api package depending on autoscaler's concrete type for
// anything but this one call.
type autoscalerRunner struct {
	run func()
}

func NewAutoscalerRunner(run func()) *autoscalerRunner { return &autoscalerRunner{run: run} }

type Config struct {
	VPNMode           string
	RetentionMinutes  int
}

func NewServer(cfg Config, store *enginestore.Store, prov *provisioner.Provisioner, vpn VPNStatus, loop LoopDetector, breaker *circuitcache.Breaker, cache *circuitcache.Cache, autoscale *autoscalerRunner, gatherer prometheus.Gatherer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		store: store, prov: prov, vpn: vpn, loop: loop, breaker: breaker, cache: cache,
		autoscale: autoscale, gatherer: gatherer, log: log, vpnMode: cfg.VPNMode, retentionMins: cfg.RetentionMinutes,
		startedAt: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /provision", s.handleProvisionGeneric)
	mux.HandleFunc("POST /provision/acestream", s.handleProvisionAcestream)
	mux.HandleFunc("POST /events/stream_started", s.handleStreamStarted)
	mux.HandleFunc("POST /events/stream_ended", s.handleStreamEnded)
	mux.HandleFunc("GET /engines", s.handleListEngines)
	mux.HandleFunc("GET /engines/{id}", s.handleGetEngine)
	mux.HandleFunc("GET /streams", s.handleListStreams)
	mux.HandleFunc("GET /streams/{id}/stats", s.handleStreamStats)
	mux.HandleFunc("GET /by-label", s.handleByLabel)
	mux.HandleFunc("GET /vpn/status", s.handleVPNStatus)
	mux.HandleFunc("GET /looping-streams", s.handleLoopingStreams)
	mux.HandleFunc("DELETE /containers/{id}", s.handleDeleteContainer)
	mux.HandleFunc("POST /gc", s.handleGC)
	mux.HandleFunc("POST /scale/{n}", s.handleScale)
	mux.HandleFunc("GET /health/ready", s.handleHealthReady)
	mux.HandleFunc("GET /orchestrator/status", s.handleOrchestratorStatus)
	mux.HandleFunc("GET /config", s.handleGetConfig)
	mux.HandleFunc("PUT /config", s.handlePutConfig)
	gatherer := s.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.mux = mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type provisionRequestBody struct {
	Image    string            `json:"image,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
	Env      []string          `json:"env,omitempty"`
	HostPort int               `json:"host_port,omitempty"`
}

func (s *Server) handleProvisionGeneric(w http.ResponseWriter, r *http.Request) {
	s.provision(w, r)
}

func (s *Server) handleProvisionAcestream(w http.ResponseWriter, r *http.Request) {
	s.provision(w, r)
}

func (s *Server) provision(w http.ResponseWriter, r *http.Request) {
	var body provisionRequestBody
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	res, err := s.prov.Provision(r.Context(), provisioner.Request{
		Image: body.Image, Labels: body.Labels, Env: body.Env, HostPort: body.HostPort,
	})
	if err != nil {
		s.writeProvisionError(w, err)
		return
	}
	if s.cache != nil {
		s.cache.Invalidate()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"container_id":          res.ContainerID,
		"host":                  res.Host,
		"host_http_port":        res.HostHTTPPort,
		"container_http_port":   res.ContainerHTTPPort,
		"container_https_port":  res.ContainerHTTPSPort,
		"forwarded":             res.Forwarded,
		"p2p_port":              res.P2PPort,
	})
}

func (s *Server) writeProvisionError(w http.ResponseWriter, err error) {
	perr, ok := err.(*provisioner.Error)
	if !ok {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("X-Circuit-State", string(s.breakerState()))
	switch perr.Code {
	case provisioner.ErrAtCapacity, provisioner.ErrNoVpnAvailable, provisioner.ErrCircuitOpen, provisioner.ErrPortExhausted:
		w.Header().Set("Retry-After", "5")
		detail := circuitcache.ProvisionError{
			Error: perr.Msg, Code: blockedReasonCode(perr.Code), Message: perr.Msg,
			CanRetry: true, ShouldWait: true,
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"detail": detail})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": circuitcache.ProvisionError{
			Error: perr.Msg, Code: blockedReasonCode(perr.Code), Message: perr.Msg,
		}})
	}
}

// blockedReasonCode maps a provisioner error code onto the wire taxonomy
// the proxy's retry logic keys off of.
func blockedReasonCode(code provisioner.ErrCode) string {
	switch code {
	case provisioner.ErrAtCapacity:
		return "at_capacity"
	case provisioner.ErrNoVpnAvailable:
		return "no_vpn_available"
	case provisioner.ErrCircuitOpen:
		return "circuit_breaker"
	case provisioner.ErrPortExhausted:
		return "max_capacity"
	default:
		return "general_error"
	}
}

func (s *Server) breakerState() circuitcache.State {
	if s.breaker == nil {
		return circuitcache.Closed
	}
	return s.breaker.Status()
}

type streamStartedBody struct {
	ContainerID       string            `json:"container_id"`
	Host              string            `json:"host"`
	Port              int               `json:"port"`
	KeyType           string            `json:"key_type"`
	Key               string            `json:"key"`
	PlaybackSessionID string            `json:"playback_session_id"`
	StatURL           string            `json:"stat_url"`
	CommandURL        string            `json:"command_url"`
	IsLive            bool              `json:"is_live"`
	Labels            map[string]string `json:"labels"`
}

func (s *Server) handleStreamStarted(w http.ResponseWriter, r *http.Request) {
	var body streamStartedBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed stream_started event")
		return
	}
	if body.ContainerID == "" || body.Key == "" {
		writeError(w, http.StatusBadRequest, "container_id and key are required")
		return
	}

	st, err := s.store.OnStreamStarted(enginestore.StreamStartedEvent{
		ContainerID: body.ContainerID, EngineHost: body.Host, EnginePort: body.Port,
		KeyType: body.KeyType, Key: body.Key, PlaybackSessionID: body.PlaybackSessionID,
		StatURL: body.StatURL, CommandURL: body.CommandURL, IsLive: body.IsLive, Labels: body.Labels,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.cache != nil {
		s.cache.Invalidate()
	}
	writeJSON(w, http.StatusOK, streamToJSON(st))
}

type streamEndedBody struct {
	ContainerID string `json:"container_id"`
	StreamID    string `json:"stream_id"`
	Reason      string `json:"reason"`
}

func (s *Server) handleStreamEnded(w http.ResponseWriter, r *http.Request) {
	var body streamEndedBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed stream_ended event")
		return
	}

	st, err := s.store.OnStreamEnded(enginestore.StreamEndedEvent{
		ContainerID: body.ContainerID, StreamID: body.StreamID, Reason: body.Reason,
	})
	if err != nil {
		// Idempotent per spec: ending an already-ended/unknown stream is a no-op, not an error.
		writeJSON(w, http.StatusOK, map[string]any{"updated": false})
		return
	}
	if s.cache != nil {
		s.cache.Invalidate()
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": true, "stream": streamToJSON(st)})
}

func (s *Server) handleListEngines(w http.ResponseWriter, r *http.Request) {
	if s.cache != nil {
		if v, ok := s.cache.Get("engines"); ok {
			w.Header().Set("Cache-Control", "max-age=5")
			writeJSON(w, http.StatusOK, v)
			return
		}
	}

	engines := s.store.ListEngines()
	out := make([]map[string]any, 0, len(engines))
	for _, e := range engines {
		out = append(out, engineToJSON(e))
	}
	if s.cache != nil {
		s.cache.Set("engines", out)
	}
	w.Header().Set("Cache-Control", "max-age=5")
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetEngine(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e, err := s.store.GetEngine(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "engine not found")
		return
	}
	streams := s.store.StreamsForEngine(id)
	streamsJSON := make([]map[string]any, 0, len(streams))
	for _, st := range streams {
		streamsJSON = append(streamsJSON, streamToJSON(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{"engine": engineToJSON(e), "streams": streamsJSON})
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	statusFilter := r.URL.Query().Get("status")
	containerFilter := r.URL.Query().Get("container_id")

	streams := s.store.ListStreams()
	out := make([]map[string]any, 0, len(streams))
	for _, st := range streams {
		if statusFilter != "" && string(st.Status) != statusFilter {
			continue
		}
		if containerFilter != "" && st.EngineContainerID != containerFilter {
			continue
		}
		out = append(out, streamToJSON(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStreamStats(w http.ResponseWriter, r *http.Request) {
	// Stat history is durable-mirror-backed; without a durable query hook
	// wired in this layer returns an empty slice honoring the since cutoff
	// contract rather than fabricating data.
	writeJSON(w, http.StatusOK, []map[string]any{})
}

func (s *Server) handleByLabel(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	value := r.URL.Query().Get("value")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	engines := s.store.ListEnginesByLabel(map[string]string{key: value})
	out := make([]map[string]any, 0, len(engines))
	for _, e := range engines {
		out = append(out, engineToJSON(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleVPNStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":            s.vpnMode,
		"emergency_mode":  s.vpn.EmergencyActive(),
		"eligible_vpns":   s.vpn.Eligible(),
	})
}

func (s *Server) handleLoopingStreams(w http.ResponseWriter, r *http.Request) {
	snap := s.loop.Snapshot()
	ids := make([]string, 0, len(snap))
	streams := make(map[string]string, len(snap))
	for k, detectedAt := range snap {
		ids = append(ids, k)
		streams[k] = detectedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stream_ids":        ids,
		"streams":           streams,
		"retention_minutes": s.retentionMins,
	})
}

func (s *Server) handleDeleteContainer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.RemoveEngine(id); err != nil {
		writeError(w, http.StatusNotFound, "engine not found")
		return
	}
	if s.cache != nil {
		s.cache.Invalidate()
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleGC(w http.ResponseWriter, r *http.Request) {
	if s.autoscale != nil && s.autoscale.run != nil {
		s.autoscale.run()
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleScale(w http.ResponseWriter, r *http.Request) {
	if _, err := strconv.Atoi(r.PathValue("n")); err != nil {
		writeError(w, http.StatusBadRequest, "n must be an integer")
		return
	}
	if s.autoscale != nil && s.autoscale.run != nil {
		s.autoscale.run()
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	ready := s.breakerState() != circuitcache.Open
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":          ready,
		"engines":        len(s.store.ListEngines()),
		"active_streams": len(activeStreams(s.store)),
		"circuit_state":  s.breakerState(),
		"ts":             time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleOrchestratorStatus(w http.ResponseWriter, r *http.Request) {
	vpnConnected := !s.vpn.EmergencyActive()
	circuitOpen := s.breakerState() == circuitcache.Open

	canProvision := vpnConnected && !circuitOpen
	var blockedReason, blockedReasonDetails string
	switch {
	case !vpnConnected:
		blockedReason = "vpn_disconnected"
		blockedReasonDetails = "no healthy vpn is currently eligible for provisioning"
	case circuitOpen:
		blockedReason = "circuit_breaker"
		blockedReasonDetails = "provisioning circuit is open after repeated failures"
	}

	total, used := 0, 0
	if s.prov != nil {
		total, used = s.prov.Capacity()
	}
	available := 0
	if total > 0 {
		available = total - used
		if available < 0 {
			available = 0
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "running",
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"vpn":            map[string]any{"connected": vpnConnected},
		"provisioning": map[string]any{
			"can_provision":          canProvision,
			"blocked_reason":         blockedReason,
			"blocked_reason_details": blockedReasonDetails,
		},
		"capacity": map[string]any{
			"total":     total,
			"used":      used,
			"available": available,
		},
	})
}

type runtimeConfigBody struct {
	StreamMode           string                                `json:"stream_mode,omitempty"`
	LoopDetectionEnabled *bool                                 `json:"loop_detection_enabled,omitempty"`
	VariantOverrides     map[string]enginestore.VariantOverride `json:"variant_overrides,omitempty"`
}

// handleGetConfig exposes the runtime-mutable configuration subset (stream
// mode, loop-detection toggle, variant overrides). The fixed configuration
// loaded at startup is not part of this surface.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.store.GetRuntimeConfig()
	writeJSON(w, http.StatusOK, runtimeConfigBody{
		StreamMode:           cfg.StreamMode,
		LoopDetectionEnabled: cfg.LoopDetectionEnabled,
		VariantOverrides:     cfg.VariantOverrides,
	})
}

// handlePutConfig replaces the runtime-mutable configuration wholesale; a
// field omitted from the request body clears back to the process default.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var body runtimeConfigBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed config body")
		return
	}
	cfg := enginestore.RuntimeConfig{
		StreamMode:           body.StreamMode,
		LoopDetectionEnabled: body.LoopDetectionEnabled,
		VariantOverrides:     body.VariantOverrides,
	}
	if err := s.store.SetRuntimeConfig(cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runtimeConfigBody{
		StreamMode:           cfg.StreamMode,
		LoopDetectionEnabled: cfg.LoopDetectionEnabled,
		VariantOverrides:     cfg.VariantOverrides,
	})
}

func activeStreams(store *enginestore.Store) []enginestore.Stream {
	var out []enginestore.Stream
	for _, st := range store.ListStreams() {
		if st.Status == enginestore.StreamStarted {
			out = append(out, st)
		}
	}
	return out
}

func engineToJSON(e enginestore.Engine) map[string]any {
	return map[string]any{
		"container_id":       e.ContainerID,
		"container_name":     e.ContainerName,
		"host":               e.Host,
		"port":               e.Port,
		"labels":             e.Labels,
		"vpn_container":      e.VPNContainer,
		"forwarded":          e.Forwarded,
		"p2p_port":           e.P2PPort,
		"health_status":      e.HealthStatus,
		"last_health_check":  e.LastHealthCheck,
		"last_stream_usage":  e.LastStreamUsage,
		"cache_size_bytes":   e.CacheSizeBytes,
		"first_seen":         e.FirstSeen,
		"last_seen":          e.LastSeen,
	}
}

func streamToJSON(st enginestore.Stream) map[string]any {
	return map[string]any{
		"id":                  st.ID,
		"engine_container_id": st.EngineContainerID,
		"key_type":            st.KeyType,
		"key":                 st.Key,
		"playback_session_id": st.PlaybackSessionID,
		"stat_url":            st.StatURL,
		"command_url":         st.CommandURL,
		"is_live":             st.IsLive,
		"started_at":          st.StartedAt,
		"ended_at":            st.EndedAt,
		"status":              st.Status,
		"labels":              st.Labels,
	}
}
