// Package debugtrace implements the control plane's optional structured
// trace sink (one JSONL file per category, under a session prefix). It is
// adapted from the acexy proxy's debug logger: same per-category file
// naming and record shape, but records are queued on a bounded channel and
// drained by a single goroutine so a slow or full disk never blocks a
// request handler or periodic worker — a dropped trace record is
// acceptable, a stalled provisioning request is not.
package debugtrace

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Category names the spec assigns to trace records.
type Category string

const (
	CategorySession         Category = "session"
	CategoryProvisioning    Category = "provisioning"
	CategoryHealth          Category = "health"
	CategoryVPN             Category = "vpn"
	CategoryCircuitBreaker  Category = "circuit_breaker"
	CategoryPerformance     Category = "performance"
	CategoryStress          Category = "stress"
	CategoryErrors          Category = "errors"
)

const queueCapacity = 1024

type record struct {
	category Category
	fields   map[string]any
}

// Sink is the asynchronous, bounded debug trace writer. The zero value is
// not usable; construct with New.
type Sink struct {
	enabled      bool
	logDir       string
	sessionID    string
	sessionStart time.Time

	queue    chan record
	done     chan struct{}
	dropped  atomicCounter
	openOnce sync.Once
	files    map[Category]*os.File
	filesMu  sync.Mutex
}

// New creates a Sink. When enabled is false every method is a cheap no-op:
// callers never need to branch on whether debugging is on.
func New(enabled bool, logDir string) *Sink {
	s := &Sink{
		enabled:      enabled,
		logDir:       logDir,
		sessionID:    uuid.NewString()[:8] + "_" + time.Now().Format("20060102_150405"),
		sessionStart: time.Now(),
		queue:        make(chan record, queueCapacity),
		done:         make(chan struct{}),
		files:        make(map[Category]*os.File),
	}
	if enabled {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			slog.Warn("debugtrace: failed to create log dir", "dir", logDir, "error", err)
			s.enabled = false
			return s
		}
		go s.drain()
		s.emit(CategorySession, map[string]any{"event": "session_start", "session_id": s.sessionID})
	}
	return s
}

// Close stops the drain goroutine and closes any open files. Queued
// records that have not yet been drained are flushed best-effort.
func (s *Sink) Close() {
	if !s.enabled {
		return
	}
	close(s.queue)
	<-s.done
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	for _, f := range s.files {
		_ = f.Close()
	}
}

func (s *Sink) drain() {
	defer close(s.done)
	for rec := range s.queue {
		s.write(rec)
	}
}

func (s *Sink) emit(cat Category, fields map[string]any) {
	if !s.enabled {
		return
	}
	select {
	case s.queue <- record{category: cat, fields: fields}:
	default:
		s.dropped.add(1)
	}
}

func (s *Sink) write(rec record) {
	entry := map[string]any{
		"session_id":      s.sessionID,
		"timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
		"elapsed_seconds": time.Since(s.sessionStart).Seconds(),
	}
	for k, v := range rec.fields {
		entry[k] = v
	}

	s.filesMu.Lock()
	f, ok := s.files[rec.category]
	if !ok {
		path := filepath.Join(s.logDir, fmt.Sprintf("%s_%s.jsonl", s.sessionID, rec.category))
		var err error
		f, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			s.filesMu.Unlock()
			return
		}
		s.files[rec.category] = f
	}
	s.filesMu.Unlock()

	b, err := json.Marshal(entry)
	if err != nil {
		return
	}
	b = append(b, '\n')
	_, _ = f.Write(b)
}

// Dropped returns how many records have been discarded because the queue
// was full. Useful for surfacing on /health/ready under heavy load.
func (s *Sink) Dropped() uint64 { return s.dropped.load() }

func (s *Sink) LogProvisioning(operation string, duration time.Duration, success bool, errMsg string, attempt int) {
	s.emit(CategoryProvisioning, map[string]any{
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
		"success":     success,
		"error":       errMsg,
		"attempt":     attempt,
	})
}

func (s *Sink) LogEngineSelection(operation, host string, port int, containerID string, duration time.Duration, errMsg string) {
	s.emit(CategoryPerformance, map[string]any{
		"operation":     operation,
		"selected_host": host,
		"selected_port": port,
		"container_id":  containerID,
		"duration_ms":   duration.Milliseconds(),
		"error":         errMsg,
	})
}

func (s *Sink) LogStreamEvent(eventType, streamID, engineID string, extra map[string]any) {
	data := map[string]any{
		"event_type": eventType,
		"stream_id":  streamID,
		"engine_id":  engineID,
	}
	for k, v := range extra {
		data[k] = v
	}
	s.emit(CategoryPerformance, data)
}

func (s *Sink) LogVPNTransition(vpn, from, to, reason string) {
	s.emit(CategoryVPN, map[string]any{
		"vpn":    vpn,
		"from":   from,
		"to":     to,
		"reason": reason,
	})
}

func (s *Sink) LogCircuitBreaker(event, state string, failures int) {
	s.emit(CategoryCircuitBreaker, map[string]any{
		"event":    event,
		"state":    state,
		"failures": failures,
	})
}

func (s *Sink) LogHealth(component, status string, extra map[string]any) {
	data := map[string]any{"component": component, "status": status}
	for k, v := range extra {
		data[k] = v
	}
	s.emit(CategoryHealth, data)
}

func (s *Sink) LogStress(eventType, severity, description string, details map[string]any) {
	data := map[string]any{
		"event_type":  eventType,
		"severity":    severity,
		"description": description,
	}
	for k, v := range details {
		data[k] = v
	}
	s.emit(CategoryStress, data)
}

func (s *Sink) LogError(component, operation string, err error, context map[string]any) {
	data := map[string]any{
		"component":     component,
		"operation":     operation,
		"error_message": err.Error(),
	}
	for k, v := range context {
		data[k] = v
	}
	s.emit(CategoryErrors, data)
}

// atomicCounter avoids importing sync/atomic's typed counters pre-1.19 style
// boilerplate at call sites.
type atomicCounter struct {
	mu sync.Mutex
	n  uint64
}

func (c *atomicCounter) add(d uint64) {
	c.mu.Lock()
	c.n += d
	c.mu.Unlock()
}

func (c *atomicCounter) load() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
