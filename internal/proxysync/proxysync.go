// Package proxysync implements the stream-proxy sync hook (C11): when a
// stream ends through any path, every registered proxy is told to drop
// its client-side tracking for that stream's key. Failures are logged and
// never propagated — ending a stream must never be blocked by proxy
// cleanup.
package proxysync

import (
	"log/slog"
	"sync"
)

// Proxy is one registered downstream consumer (a TS or HLS proxy
// variant) that tracks active streams by key and needs to be told when
// one ends.
type Proxy interface {
	StopStreamByKey(key string) error
	Name() string
}

// Hub fans a stream-ended notification out to every registered proxy.
type Hub struct {
	mu     sync.RWMutex
	log    *slog.Logger
	proxies []Proxy
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log}
}

// Register adds a proxy to the notification fan-out.
func (h *Hub) Register(p Proxy) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.proxies = append(h.proxies, p)
}

// StopStreamByKey satisfies enginestore.ProxyNotifier. It is called
// synchronously from inside the state mutation that flips a stream to
// ended, so every proxy callback must be fast and non-blocking; it never
// returns an error because the store must not be able to fail a stream
// end over proxy cleanup.
func (h *Hub) StopStreamByKey(key string) {
	h.mu.RLock()
	proxies := make([]Proxy, len(h.proxies))
	copy(proxies, h.proxies)
	h.mu.RUnlock()

	for _, p := range proxies {
		if err := p.StopStreamByKey(key); err != nil {
			h.log.Warn("proxy cleanup failed", "proxy", p.Name(), "key", key, "err", err)
		}
	}
}
