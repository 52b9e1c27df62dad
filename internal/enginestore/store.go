package enginestore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/krinkuto11/acestream-orchestratord/internal/streamkey"
)

var (
	// ErrEngineNotFound is returned when an operation names a container id
	// the store has no record of.
	ErrEngineNotFound = errors.New("enginestore: engine not found")
	// ErrStreamNotFound is returned when an operation names a stream id the
	// store has no record of.
	ErrStreamNotFound = errors.New("enginestore: stream not found")
	// ErrStreamAlreadyEnded is returned by OnStreamEnded when the named
	// stream has already ended; the stream is left unchanged.
	ErrStreamAlreadyEnded = errors.New("enginestore: stream already ended")
	// ErrAlreadyForwarded is returned by SetForwardedEngine when the VPN
	// already has a different forwarded engine bound to it.
	ErrAlreadyForwarded = errors.New("enginestore: vpn already has a forwarded engine")
)

// PortReleaser gives the store a way to hand a reserved port back to the
// pool when an engine is removed, without importing internal/portpool
// directly (that package has no reason to know about enginestore).
type PortReleaser interface {
	Release(vpn string, port int)
}

// CacheInvalidator is notified whenever store state changes in a way that
// could stale a cached response (engine list, by-label lookups).
type CacheInvalidator interface {
	Invalidate()
}

// ProxyNotifier is told to tear down any client-side connection tracking
// for a stream that the store just closed out from under it.
type ProxyNotifier interface {
	StopStreamByKey(key string)
}

// noopPortReleaser/noopCacheInvalidator/noopProxyNotifier let Store be
// constructed without every collaborator wired in (e.g. in unit tests that
// only exercise the state machine).
type noopPortReleaser struct{}

func (noopPortReleaser) Release(string, int) {}

type noopCacheInvalidator struct{}

func (noopCacheInvalidator) Invalidate() {}

type noopProxyNotifier struct{}

func (noopProxyNotifier) StopStreamByKey(string) {}

// Store is the in-memory index described in the package doc: every engine
// and stream the control plane knows about, protected by a single
// reentrant-equivalent lock. All mutation goes through its methods; there
// is no exported way to reach the maps directly.
type Store struct {
	mu sync.Mutex

	engines map[string]*Engine // container id -> engine
	streams map[string]*Stream // stream id -> stream

	// forwarded tracks, per VPN container, the single engine id currently
	// holding the forwarded port — spec's "at most one forwarded engine
	// per VPN" invariant lives here.
	forwarded map[string]string

	durable    Durable
	ports      PortReleaser
	cache      CacheInvalidator
	proxy      ProxyNotifier
	runtimeCfg RuntimeConfig
}

// Option configures optional Store collaborators.
type Option func(*Store)

func WithDurable(d Durable) Option       { return func(s *Store) { s.durable = d } }
func WithPortReleaser(p PortReleaser) Option { return func(s *Store) { s.ports = p } }
func WithCacheInvalidator(c CacheInvalidator) Option { return func(s *Store) { s.cache = c } }
func WithProxyNotifier(p ProxyNotifier) Option { return func(s *Store) { s.proxy = p } }

// New builds an empty Store. Pass WithDurable to rehydrate from and mirror
// writes to a sqlite-backed Durable; without it the store is pure memory.
func New(opts ...Option) *Store {
	s := &Store{
		engines:   make(map[string]*Engine),
		streams:   make(map[string]*Stream),
		forwarded: make(map[string]string),
		durable:   NopDurable{},
		ports:     noopPortReleaser{},
		cache:     noopCacheInvalidator{},
		proxy:     noopProxyNotifier{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Rehydrate loads engines and streams from the durable mirror at startup.
// Forwarded-engine assignment is rebuilt from the loaded rows: "first
// encountered wins" when more than one forwarded row claims the same VPN,
// which can only happen if the durable mirror itself went stale — the
// later duplicate is demoted to non-forwarded in memory (the mirror is
// corrected on its next UpsertEngine).
func (s *Store) Rehydrate() error {
	engines, err := s.durable.LoadEngines()
	if err != nil {
		return fmt.Errorf("enginestore: rehydrate engines: %w", err)
	}
	streams, err := s.durable.LoadStreams()
	if err != nil {
		return fmt.Errorf("enginestore: rehydrate streams: %w", err)
	}
	cfg, err := s.durable.LoadRuntimeConfig()
	if err != nil {
		return fmt.Errorf("enginestore: rehydrate runtime config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.runtimeCfg = cfg

	for _, e := range engines {
		e := e
		if e.Forwarded {
			if _, taken := s.forwarded[e.VPNContainer]; taken {
				e.Forwarded = false
			} else if e.VPNContainer != "" {
				s.forwarded[e.VPNContainer] = e.ContainerID
			}
		}
		s.engines[e.ContainerID] = &e
	}
	for _, st := range streams {
		st := st
		s.streams[st.ID] = &st
	}
	return nil
}

// RegisterEngine adds a newly-provisioned engine to the store. Called by
// the provisioner once the container is created and started.
func (s *Store) RegisterEngine(e Engine) error {
	if e.FirstSeen.IsZero() {
		e.FirstSeen = time.Now()
	}
	e.LastSeen = e.FirstSeen

	s.mu.Lock()
	s.engines[e.ContainerID] = &e
	s.mu.Unlock()

	s.cache.Invalidate()
	return s.durable.UpsertEngine(e)
}

// GetEngine returns a copy of the engine record for id.
func (s *Store) GetEngine(id string) (Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.engines[id]
	if !ok {
		return Engine{}, ErrEngineNotFound
	}
	return *e, nil
}

// ListEngines returns a snapshot of every known engine.
func (s *Store) ListEngines() []Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Engine, 0, len(s.engines))
	for _, e := range s.engines {
		out = append(out, *e)
	}
	return out
}

// ListEnginesByLabel returns engines whose labels contain every key/value
// pair in filter.
func (s *Store) ListEnginesByLabel(filter map[string]string) []Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Engine
	for _, e := range s.engines {
		if labelsMatch(e.Labels, filter) {
			out = append(out, *e)
		}
	}
	return out
}

func labelsMatch(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// ListStreams returns a snapshot of every known stream.
func (s *Store) ListStreams() []Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stream, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, *st)
	}
	return out
}

// GetStream returns a copy of the stream record for id.
func (s *Store) GetStream(id string) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return Stream{}, ErrStreamNotFound
	}
	return *st, nil
}

// StreamsForEngine returns every stream currently attributed to containerID.
func (s *Store) StreamsForEngine(containerID string) []Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Stream
	for _, st := range s.streams {
		if st.EngineContainerID == containerID && st.Status == StreamStarted {
			out = append(out, *st)
		}
	}
	return out
}

// OnStreamStarted upserts the engine this stream runs on (matched by
// container_id, falling back to host:port when the id is unknown to the
// store, and registered fresh if neither matches) and records the stream
// against it, deriving the stream id via streamkey.StreamID unless ev
// already carries a stream_id label.
func (s *Store) OnStreamStarted(ev StreamStartedEvent) (Stream, error) {
	key, err := streamkey.New(streamkey.KeyType(ev.KeyType), ev.Key)
	if err != nil {
		return Stream{}, fmt.Errorf("enginestore: %w", err)
	}
	id := streamkey.StreamID(ev.Labels, key, ev.PlaybackSessionID)

	st := Stream{
		ID:                id,
		KeyType:           ev.KeyType,
		Key:               ev.Key,
		PlaybackSessionID: ev.PlaybackSessionID,
		StatURL:           ev.StatURL,
		CommandURL:        ev.CommandURL,
		IsLive:            ev.IsLive,
		StartedAt:         time.Now(),
		Status:            StreamStarted,
		Labels:            ev.Labels,
	}

	s.mu.Lock()
	e, ok := s.engines[ev.ContainerID]
	if !ok && ev.EngineHost != "" && ev.EnginePort != 0 {
		for _, cand := range s.engines {
			if cand.Host == ev.EngineHost && cand.Port == ev.EnginePort {
				e, ok = cand, true
				break
			}
		}
	}
	if !ok {
		e = &Engine{
			ContainerID:  ev.ContainerID,
			Host:         ev.EngineHost,
			Port:         ev.EnginePort,
			HealthStatus: HealthUnknown,
			FirstSeen:    st.StartedAt,
			LastSeen:     st.StartedAt,
		}
		s.engines[e.ContainerID] = e
	}
	st.EngineContainerID = e.ContainerID
	s.streams[id] = &st
	e.LastStreamUsage = st.StartedAt
	e.LastSeen = st.StartedAt
	eCopy := *e
	s.mu.Unlock()

	s.cache.Invalidate()
	if err := s.durable.UpsertStream(st); err != nil {
		return st, err
	}
	return st, s.durable.UpsertEngine(eCopy)
}

// OnStreamEnded marks a stream ended and notifies the proxy layer so any
// client-side connection tracking for it is torn down too.
func (s *Store) OnStreamEnded(ev StreamEndedEvent) (Stream, error) {
	s.mu.Lock()
	var st *Stream
	if ev.StreamID != "" {
		st = s.streams[ev.StreamID]
	} else {
		for _, candidate := range s.streams {
			if candidate.EngineContainerID == ev.ContainerID && candidate.Status == StreamStarted {
				st = candidate
				break
			}
		}
	}
	if st == nil {
		s.mu.Unlock()
		return Stream{}, ErrStreamNotFound
	}
	if st.Status == StreamEnded {
		stCopy := *st
		s.mu.Unlock()
		return stCopy, ErrStreamAlreadyEnded
	}
	st.Status = StreamEnded
	st.EndedAt = time.Now()
	stCopy := *st
	s.mu.Unlock()

	s.cache.Invalidate()
	s.proxy.StopStreamByKey(stCopy.Key)
	return stCopy, s.durable.UpsertStream(stCopy)
}

// SetForwardedEngine binds containerID as the forwarded engine for vpn.
// Fails if vpn already has a different forwarded engine — the spec's
// at-most-one-forwarded-engine-per-VPN invariant.
func (s *Store) SetForwardedEngine(vpn, containerID string, p2pPort int) error {
	s.mu.Lock()
	if existing, ok := s.forwarded[vpn]; ok && existing != containerID {
		s.mu.Unlock()
		return ErrAlreadyForwarded
	}
	e, ok := s.engines[containerID]
	if !ok {
		s.mu.Unlock()
		return ErrEngineNotFound
	}
	e.Forwarded = true
	e.P2PPort = p2pPort
	e.VPNContainer = vpn
	s.forwarded[vpn] = containerID
	eCopy := *e
	s.mu.Unlock()

	s.cache.Invalidate()
	return s.durable.UpsertEngine(eCopy)
}

// HasForwardedEngine reports whether vpn already has a forwarded engine.
func (s *Store) HasForwardedEngine(vpn string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.forwarded[vpn]
	return ok
}

// GetForwardedEngineForVPN returns the container id of vpn's forwarded
// engine, if any.
func (s *Store) GetForwardedEngineForVPN(vpn string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.forwarded[vpn]
	return id, ok
}

// RemoveEngine deletes an engine and every stream attributed to it,
// releasing its forwarded slot and reserved port, invalidating caches and
// telling the proxy layer about each stream it ends. Called by the
// autoscaler's GC pass, by RemoveEnginesForVPN, and by the
// DELETE /containers/{id} handler.
func (s *Store) RemoveEngine(containerID string) error {
	s.mu.Lock()
	e, ok := s.engines[containerID]
	if !ok {
		s.mu.Unlock()
		return ErrEngineNotFound
	}
	delete(s.engines, containerID)
	var ended []Stream
	for _, st := range s.streams {
		if st.EngineContainerID == containerID && st.Status == StreamStarted {
			st.Status = StreamEnded
			st.EndedAt = time.Now()
			ended = append(ended, *st)
		}
	}
	if e.Forwarded {
		if s.forwarded[e.VPNContainer] == containerID {
			delete(s.forwarded, e.VPNContainer)
		}
	}
	vpn, port := e.VPNContainer, e.Port
	s.mu.Unlock()

	s.ports.Release(vpn, port)
	s.cache.Invalidate()
	for _, st := range ended {
		s.proxy.StopStreamByKey(st.Key)
		_ = s.durable.UpsertStream(st)
	}
	return s.durable.DeleteEngine(containerID)
}

// RemoveEnginesForVPN removes every engine bound to vpn (used by the VPN
// health monitor on a failure transition or a forwarded-port change) and
// returns their container ids so the caller can stop the containers.
func (s *Store) RemoveEnginesForVPN(vpn string) []string {
	s.mu.Lock()
	var ids []string
	for id, e := range s.engines {
		if e.VPNContainer == vpn {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		_ = s.RemoveEngine(id)
	}
	return ids
}

// MarkHealth updates an engine's last-observed health status.
func (s *Store) MarkHealth(containerID string, status HealthStatus) error {
	s.mu.Lock()
	e, ok := s.engines[containerID]
	if !ok {
		s.mu.Unlock()
		return ErrEngineNotFound
	}
	e.HealthStatus = status
	e.LastHealthCheck = time.Now()
	e.LastSeen = e.LastHealthCheck
	eCopy := *e
	s.mu.Unlock()
	return s.durable.UpsertEngine(eCopy)
}

// RecordCacheCleanup notes that containerID's stream cache was swept, and
// its resulting size.
func (s *Store) RecordCacheCleanup(containerID string, sizeBytes int64) error {
	s.mu.Lock()
	e, ok := s.engines[containerID]
	if !ok {
		s.mu.Unlock()
		return ErrEngineNotFound
	}
	e.LastCacheCleanup = time.Now()
	e.CacheSizeBytes = sizeBytes
	eCopy := *e
	s.mu.Unlock()
	return s.durable.UpsertEngine(eCopy)
}

// AppendStat persists one transfer-stat sample for a stream.
func (s *Store) AppendStat(snap StatSnapshot) error {
	if snap.TS.IsZero() {
		snap.TS = time.Now()
	}
	return s.durable.AppendStat(snap)
}

// Close releases the durable mirror's resources.
func (s *Store) Close() error {
	return s.durable.Close()
}
