// Package config loads the control plane's fixed configuration from the
// environment, following the set of variables enumerated in the system
// spec. There is no dynamic reloading of this set: the process is
// restarted to pick up changes. The separate runtime-mutable subset
// (stream mode, loop-detection toggle, variant overrides) is not part of
// Config at all — it lives in internal/enginestore.RuntimeConfig, backed
// by the durable store's runtime_config table and exposed over GET/PUT
// /config, so it can change without a restart.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// VPNMode selects how the provisioner treats VPN sidecars.
type VPNMode string

const (
	VPNModeNone      VPNMode = "none"
	VPNModeSingle    VPNMode = "single"
	VPNModeRedundant VPNMode = "redundant"
)

// Config is the closed set of recognized runtime options. Fields map
// directly onto the environment variables named in the spec.
type Config struct {
	ListenAddr string

	MinReplicas         int
	MaxReplicas         int
	MaxActiveReplicas   int
	MaxStreamsPerEngine int
	AutoDelete          bool
	EngineGracePeriod   time.Duration
	AutoscaleInterval   time.Duration
	HealthCheckInterval time.Duration

	VPNMode           VPNMode
	VPNContainer      string
	VPNContainer2     string
	VPNAPIPort        int
	VPNPortRange1     PortRange
	VPNPortRange2     PortRange
	VPNPortCacheTTL   time.Duration
	VPNStabilization  time.Duration
	VPNUnhealthyRestartTimeout time.Duration

	LoopDetectionEnabled  bool
	LoopDetectionThreshold time.Duration
	LoopCheckInterval     time.Duration
	LoopRetention         time.Duration

	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration

	DebugMode   bool
	DebugLogDir string

	SQLitePath string
}

// PortRange is an inclusive [Lo, Hi] range of host ports dedicated to one
// VPN (or the single global range when VPNMode is none).
type PortRange struct {
	Lo, Hi int
}

func (r PortRange) Size() int {
	if r.Hi < r.Lo {
		return 0
	}
	return r.Hi - r.Lo + 1
}

func (r PortRange) Empty() bool { return r.Size() == 0 }

// Load reads Config from the process environment, applying the defaults
// documented in the spec for anything unset.
func Load() (*Config, error) {
	c := &Config{
		ListenAddr:          getEnv("ORCHESTRATORD_ADDR", ":8600"),
		MinReplicas:         getEnvInt("MIN_REPLICAS", 1),
		MaxReplicas:         getEnvInt("MAX_REPLICAS", 10),
		MaxActiveReplicas:   getEnvInt("MAX_ACTIVE_REPLICAS", 10),
		MaxStreamsPerEngine: getEnvInt("MAX_STREAMS_PER_ENGINE", 1),
		AutoDelete:          getEnvBool("AUTO_DELETE", true),
		EngineGracePeriod:   getEnvSeconds("ENGINE_GRACE_PERIOD_S", 300),
		AutoscaleInterval:   getEnvSeconds("AUTOSCALE_INTERVAL_S", 15),
		HealthCheckInterval: getEnvSeconds("HEALTH_CHECK_INTERVAL_S", 30),

		VPNMode:          VPNMode(getEnv("VPN_MODE", string(VPNModeNone))),
		VPNContainer:     getEnv("VPN_CONTAINER", ""),
		VPNContainer2:    getEnv("VPN_CONTAINER_2", ""),
		VPNAPIPort:       getEnvInt("VPN_API_PORT", 8080),
		VPNPortCacheTTL:  getEnvSeconds("VPN_PORT_CACHE_TTL_S", 30),
		VPNStabilization: getEnvSeconds("VPN_STABILIZATION_S", 120),
		VPNUnhealthyRestartTimeout: getEnvSeconds("VPN_UNHEALTHY_RESTART_TIMEOUT_S", 60),

		LoopDetectionEnabled:   getEnvBool("STREAM_LOOP_DETECTION_ENABLED", true),
		LoopDetectionThreshold: getEnvSeconds("STREAM_LOOP_DETECTION_THRESHOLD_S", 3600),
		LoopCheckInterval:      getEnvSeconds("STREAM_LOOP_CHECK_INTERVAL_S", 60),
		LoopRetention:          time.Duration(getEnvInt("STREAM_LOOP_RETENTION_MINUTES", 60)) * time.Minute,

		CircuitBreakerThreshold: getEnvInt("CIRCUIT_BREAKER_THRESHOLD", 5),
		CircuitBreakerTimeout:   getEnvSeconds("CIRCUIT_BREAKER_TIMEOUT_S", 60),

		DebugMode:   getEnvBool("DEBUG_MODE", false),
		DebugLogDir: getEnv("DEBUG_LOG_DIR", "/tmp/orchestratord-debug"),

		SQLitePath: getEnv("ORCHESTRATORD_DB", "orchestratord.db"),
	}

	r1, err := parsePortRange(getEnv("VPN_PORT_RANGE_1", "40000-40999"))
	if err != nil {
		return nil, fmt.Errorf("VPN_PORT_RANGE_1: %w", err)
	}
	c.VPNPortRange1 = r1

	if raw := os.Getenv("VPN_PORT_RANGE_2"); raw != "" {
		r2, err := parsePortRange(raw)
		if err != nil {
			return nil, fmt.Errorf("VPN_PORT_RANGE_2: %w", err)
		}
		c.VPNPortRange2 = r2
	}

	if c.MinReplicas < 1 {
		return nil, fmt.Errorf("MIN_REPLICAS must be >= 1, got %d", c.MinReplicas)
	}
	if c.VPNMode != VPNModeNone && c.VPNMode != VPNModeSingle && c.VPNMode != VPNModeRedundant {
		return nil, fmt.Errorf("VPN_MODE must be one of none|single|redundant, got %q", c.VPNMode)
	}
	if c.VPNMode == VPNModeRedundant && c.VPNContainer2 == "" {
		return nil, fmt.Errorf("VPN_MODE=redundant requires VPN_CONTAINER_2")
	}

	return c, nil
}

func parsePortRange(s string) (PortRange, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return PortRange{}, fmt.Errorf("expected LO-HI, got %q", s)
	}
	lo, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid lo port %q: %w", parts[0], err)
	}
	hi, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid hi port %q: %w", parts[1], err)
	}
	if hi < lo {
		return PortRange{}, fmt.Errorf("hi port %d is below lo port %d", hi, lo)
	}
	return PortRange{Lo: lo, Hi: hi}, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defSeconds)) * time.Second
}
