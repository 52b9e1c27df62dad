// Package loopdetector implements the stream loop detector (C8): detects
// live streams whose source timestamp stalls past a threshold, stops
// them, and maintains the shared looping-streams blocklist the proxy
// consults before allowing playback of a given content key.
package loopdetector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/krinkuto11/acestream-orchestratord/internal/enginestore"
)

// StatFetcher fetches a stream's stat_url and returns the source's most
// recent timestamp.
type StatFetcher interface {
	FetchLiveLast(ctx context.Context, statURL string) (time.Time, error)
}

// Stopper issues the stop command for a stalled stream.
type Stopper interface {
	Stop(ctx context.Context, commandURL string) error
}

// Config bounds the detector.
type Config struct {
	Enabled         bool
	Threshold       time.Duration
	RetentionPeriod time.Duration // 0 means indefinite
	FetchTimeout    time.Duration
}

// entry is one looping-streams blocklist record.
type entry struct {
	key        string
	detectedAt time.Time
}

// Detector runs periodic loop-detection cycles and owns the blocklist.
type Detector struct {
	cfg     Config
	store   *enginestore.Store
	fetcher StatFetcher
	stopper Stopper
	log     *slog.Logger

	mu        sync.Mutex
	blocklist map[string]entry // content key -> entry
}

func New(cfg Config, store *enginestore.Store, fetcher StatFetcher, stopper Stopper, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{cfg: cfg, store: store, fetcher: fetcher, stopper: stopper, log: log, blocklist: make(map[string]entry)}
}

// Run checks every started, live stream for a stalled source timestamp.
func (d *Detector) Run(ctx context.Context) {
	if !d.enabled() {
		return
	}
	for _, st := range d.store.ListStreams() {
		if st.Status != enginestore.StreamStarted || !st.IsLive {
			continue
		}
		d.checkOne(ctx, st)
	}
}

// enabled honors a runtime-mutable override of the static config toggle.
func (d *Detector) enabled() bool {
	if v := d.store.GetRuntimeConfig().LoopDetectionEnabled; v != nil {
		return *v
	}
	return d.cfg.Enabled
}

func (d *Detector) checkOne(ctx context.Context, st enginestore.Stream) {
	fetchCtx, cancel := context.WithTimeout(ctx, d.cfg.FetchTimeout)
	liveLast, err := d.fetcher.FetchLiveLast(fetchCtx, st.StatURL)
	cancel()
	if err != nil {
		d.log.Warn("loopdetector: failed to fetch stat_url", "stream_id", st.ID, "error", err)
		return
	}

	if time.Since(liveLast) <= d.cfg.Threshold {
		return
	}

	stopCtx, stopCancel := context.WithTimeout(ctx, d.cfg.FetchTimeout)
	if err := d.stopper.Stop(stopCtx, st.CommandURL); err != nil {
		d.log.Warn("loopdetector: failed to stop stalled stream", "stream_id", st.ID, "error", err)
	}
	stopCancel()

	if _, err := d.store.OnStreamEnded(enginestore.StreamEndedEvent{StreamID: st.ID, Reason: "loop_detected"}); err != nil {
		d.log.Warn("loopdetector: failed to mark stream ended", "stream_id", st.ID, "error", err)
	}

	d.mu.Lock()
	d.blocklist[st.Key] = entry{key: st.Key, detectedAt: time.Now()}
	d.mu.Unlock()
}

// CleanupRetention removes blocklist entries older than RetentionPeriod.
// A zero RetentionPeriod means entries are retained indefinitely.
func (d *Detector) CleanupRetention() {
	if d.cfg.RetentionPeriod == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for k, e := range d.blocklist {
		if now.Sub(e.detectedAt) > d.cfg.RetentionPeriod {
			delete(d.blocklist, k)
		}
	}
}

// Snapshot returns a read-only view of the looping-streams blocklist.
func (d *Detector) Snapshot() map[string]time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]time.Time, len(d.blocklist))
	for k, e := range d.blocklist {
		out[k] = e.detectedAt
	}
	return out
}

// IsBlocked reports whether key is currently on the looping-streams list —
// the check the proxy is expected to make before allowing playback.
func (d *Detector) IsBlocked(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.blocklist[key]
	return ok
}
