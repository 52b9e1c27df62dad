// Package enginestore is the in-memory engine+stream index (C4): the
// single source of truth for what the provisioner, autoscaler, health
// monitors and HTTP surface all read and mutate. A durable sqlite mirror
// behind it survives restarts; the invariants (at most one forwarded
// engine per VPN, id uniqueness) are enforced here, in memory, under one
// lock — the mirror never sees an inconsistent write. The store does not
// cap how many streams an engine carries.
package enginestore

import "time"

// HealthStatus mirrors the engine's last-observed liveness.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// Engine is the data-model Engine entity (spec §3).
type Engine struct {
	ContainerID     string
	ContainerName   string
	Host            string
	Port            int
	Labels          map[string]string
	VPNContainer    string // "" when unbound
	Forwarded       bool
	P2PPort         int // meaningful only when Forwarded
	HealthStatus    HealthStatus
	LastHealthCheck time.Time

	LastStreamUsage  time.Time
	LastCacheCleanup time.Time
	CacheSizeBytes   int64

	FirstSeen time.Time
	LastSeen  time.Time
}

// StreamStatus is the lifecycle state of a Stream.
type StreamStatus string

const (
	StreamStarted StreamStatus = "started"
	StreamEnded   StreamStatus = "ended"
)

// Stream is the data-model Stream entity (spec §3).
type Stream struct {
	ID                string
	EngineContainerID string
	KeyType           string
	Key               string
	PlaybackSessionID string
	StatURL           string
	CommandURL        string
	IsLive            bool
	StartedAt         time.Time
	EndedAt           time.Time
	Status            StreamStatus
	Labels            map[string]string
}

// StatSnapshot is one append-only sample of a stream's transfer stats.
type StatSnapshot struct {
	StreamID   string
	TS         time.Time
	Peers      int
	SpeedDown  int64
	SpeedUp    int64
	Downloaded int64
	Uploaded   int64
	Status     string
}

// StreamStartedEvent is the input to OnStreamStarted.
type StreamStartedEvent struct {
	ContainerID       string
	EngineHost        string
	EnginePort        int
	KeyType           string
	Key               string
	PlaybackSessionID string
	StatURL           string
	CommandURL        string
	IsLive            bool
	Labels            map[string]string
}

// StreamEndedEvent is the input to OnStreamEnded. The target stream is
// found by StreamID when it is set, otherwise as the first started stream
// on ContainerID. There is no lookup by stat_url or engine host:port.
type StreamEndedEvent struct {
	ContainerID string
	StreamID    string
	Reason      string
}
