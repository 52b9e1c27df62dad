package enginestore

import "testing"

func TestRegisterAndGetEngine(t *testing.T) {
	s := New()
	if err := s.RegisterEngine(Engine{ContainerID: "c1", Host: "127.0.0.1", Port: 6878}); err != nil {
		t.Fatal(err)
	}
	e, err := s.GetEngine("c1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Host != "127.0.0.1" || e.Port != 6878 {
		t.Errorf("unexpected engine: %+v", e)
	}
}

func TestGetEngineNotFound(t *testing.T) {
	s := New()
	if _, err := s.GetEngine("missing"); err != ErrEngineNotFound {
		t.Fatalf("got %v, want ErrEngineNotFound", err)
	}
}

func TestOnStreamStartedDerivesID(t *testing.T) {
	s := New()
	if err := s.RegisterEngine(Engine{ContainerID: "c1"}); err != nil {
		t.Fatal(err)
	}

	st, err := s.OnStreamStarted(StreamStartedEvent{
		ContainerID:       "c1",
		KeyType:           "content_id",
		Key:               "abc123",
		PlaybackSessionID: "sess-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if st.ID != "abc123|sess-1" {
		t.Errorf("stream id = %q, want %q", st.ID, "abc123|sess-1")
	}
}

func TestOnStreamStartedHonorsLabel(t *testing.T) {
	s := New()
	if err := s.RegisterEngine(Engine{ContainerID: "c1"}); err != nil {
		t.Fatal(err)
	}

	st, err := s.OnStreamStarted(StreamStartedEvent{
		ContainerID: "c1",
		KeyType:     "content_id",
		Key:         "abc123",
		Labels:      map[string]string{"stream_id": "custom-id"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if st.ID != "custom-id" {
		t.Errorf("stream id = %q, want custom-id", st.ID)
	}
}

func TestOnStreamStartedRejectsInvalidKeyType(t *testing.T) {
	s := New()
	if err := s.RegisterEngine(Engine{ContainerID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.OnStreamStarted(StreamStartedEvent{ContainerID: "c1", KeyType: "bogus", Key: "k"}); err == nil {
		t.Fatal("expected error for invalid key_type")
	}
}

func TestOnStreamStartedUpsertsUnknownEngineByContainerID(t *testing.T) {
	s := New()
	st, err := s.OnStreamStarted(StreamStartedEvent{ContainerID: "unseen", KeyType: "content_id", Key: "k"})
	if err != nil {
		t.Fatalf("expected upsert of unknown engine, got error: %v", err)
	}
	if st.EngineContainerID != "unseen" {
		t.Errorf("EngineContainerID = %q, want unseen", st.EngineContainerID)
	}
	e, err := s.GetEngine("unseen")
	if err != nil {
		t.Fatalf("expected engine to be registered by upsert: %v", err)
	}
	if e.HealthStatus != HealthUnknown {
		t.Errorf("HealthStatus = %v, want unknown for a freshly upserted engine", e.HealthStatus)
	}
}

func TestOnStreamStartedUpsertsByHostPortWhenContainerIDUnknown(t *testing.T) {
	s := New()
	if err := s.RegisterEngine(Engine{ContainerID: "c1", Host: "10.0.0.5", Port: 6878}); err != nil {
		t.Fatal(err)
	}

	st, err := s.OnStreamStarted(StreamStartedEvent{
		ContainerID: "different-id", EngineHost: "10.0.0.5", EnginePort: 6878,
		KeyType: "content_id", Key: "k",
	})
	if err != nil {
		t.Fatal(err)
	}
	if st.EngineContainerID != "c1" {
		t.Errorf("EngineContainerID = %q, want c1 (matched by host:port)", st.EngineContainerID)
	}
	if _, err := s.GetEngine("different-id"); err != ErrEngineNotFound {
		t.Error("expected no new engine registered under the unmatched container id")
	}
}

func TestOnStreamEndedByStreamID(t *testing.T) {
	s := New()
	if err := s.RegisterEngine(Engine{ContainerID: "c1"}); err != nil {
		t.Fatal(err)
	}
	st, err := s.OnStreamStarted(StreamStartedEvent{ContainerID: "c1", KeyType: "content_id", Key: "k", PlaybackSessionID: "p"})
	if err != nil {
		t.Fatal(err)
	}

	ended, err := s.OnStreamEnded(StreamEndedEvent{StreamID: st.ID})
	if err != nil {
		t.Fatal(err)
	}
	if ended.Status != StreamEnded {
		t.Errorf("status = %v, want ended", ended.Status)
	}
}

func TestSetForwardedEngineInvariant(t *testing.T) {
	s := New()
	if err := s.RegisterEngine(Engine{ContainerID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterEngine(Engine{ContainerID: "c2"}); err != nil {
		t.Fatal(err)
	}

	if err := s.SetForwardedEngine("vpn1", "c1", 40000); err != nil {
		t.Fatal(err)
	}
	if !s.HasForwardedEngine("vpn1") {
		t.Error("expected vpn1 to have a forwarded engine")
	}
	if err := s.SetForwardedEngine("vpn1", "c2", 40001); err != ErrAlreadyForwarded {
		t.Fatalf("got %v, want ErrAlreadyForwarded", err)
	}

	// Re-asserting the same engine is idempotent, not a conflict.
	if err := s.SetForwardedEngine("vpn1", "c1", 40000); err != nil {
		t.Fatalf("idempotent re-assert failed: %v", err)
	}
}

func TestRemoveEngineClearsForwardedSlot(t *testing.T) {
	s := New()
	if err := s.RegisterEngine(Engine{ContainerID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetForwardedEngine("vpn1", "c1", 40000); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveEngine("c1"); err != nil {
		t.Fatal(err)
	}
	if s.HasForwardedEngine("vpn1") {
		t.Error("expected vpn1's forwarded slot to be freed")
	}
	if _, err := s.GetEngine("c1"); err != ErrEngineNotFound {
		t.Errorf("expected engine removed, got %v", err)
	}
}

func TestRemoveEngineEndsItsStreams(t *testing.T) {
	s := New()
	if err := s.RegisterEngine(Engine{ContainerID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.OnStreamStarted(StreamStartedEvent{ContainerID: "c1", KeyType: "content_id", Key: "k", PlaybackSessionID: "p"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveEngine("c1"); err != nil {
		t.Fatal(err)
	}
	if streams := s.StreamsForEngine("c1"); len(streams) != 0 {
		t.Errorf("expected no live streams after removal, got %d", len(streams))
	}
}

func TestListEnginesByLabel(t *testing.T) {
	s := New()
	if err := s.RegisterEngine(Engine{ContainerID: "c1", Labels: map[string]string{"tier": "premium"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterEngine(Engine{ContainerID: "c2", Labels: map[string]string{"tier": "free"}}); err != nil {
		t.Fatal(err)
	}

	got := s.ListEnginesByLabel(map[string]string{"tier": "premium"})
	if len(got) != 1 || got[0].ContainerID != "c1" {
		t.Errorf("got %+v, want only c1", got)
	}
}

type fakePortReleaser struct{ vpn string; port int }

func (f *fakePortReleaser) Release(vpn string, port int) { f.vpn, f.port = vpn, port }

func TestRemoveEngineReleasesPort(t *testing.T) {
	fr := &fakePortReleaser{}
	s := New(WithPortReleaser(fr))
	if err := s.RegisterEngine(Engine{ContainerID: "c1", VPNContainer: "vpn1", Port: 7000}); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveEngine("c1"); err != nil {
		t.Fatal(err)
	}
	if fr.vpn != "vpn1" || fr.port != 7000 {
		t.Errorf("port releaser got (%q, %d), want (vpn1, 7000)", fr.vpn, fr.port)
	}
}

func TestRehydrateDemotesDuplicateForwarded(t *testing.T) {
	mem := &memDurable{
		engines: []Engine{
			{ContainerID: "c1", VPNContainer: "vpn1", Forwarded: true},
			{ContainerID: "c2", VPNContainer: "vpn1", Forwarded: true},
		},
	}
	s := New(WithDurable(mem))
	if err := s.Rehydrate(); err != nil {
		t.Fatal(err)
	}

	c1, _ := s.GetEngine("c1")
	c2, _ := s.GetEngine("c2")
	if c1.Forwarded == c2.Forwarded {
		t.Fatalf("expected exactly one of c1/c2 forwarded, got c1=%v c2=%v", c1.Forwarded, c2.Forwarded)
	}
}

// memDurable is a minimal in-memory Durable stub for rehydration tests.
type memDurable struct {
	NopDurable
	engines []Engine
	streams []Stream
}

func (m *memDurable) LoadEngines() ([]Engine, error) { return m.engines, nil }
func (m *memDurable) LoadStreams() ([]Stream, error) { return m.streams, nil }
