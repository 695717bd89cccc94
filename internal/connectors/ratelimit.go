package connectors

import (
	"sync"
	"time"
)

// Webhook rate limiter defaults. The key cap keeps memory bounded when a
// caller rotates source addresses.
const (
	defaultMaxTrackedKeys = 4096
	defaultWindow         = 60 * time.Second
	defaultMaxHits        = 30
)

type hitWindow struct {
	start time.Time
	hits  int
}

// WebhookRateLimiter counts webhook posts per remote key over a fixed
// window. Tracked keys are capped; stale windows are pruned first and the
// remainder evicted arbitrarily. Safe for concurrent use.
type WebhookRateLimiter struct {
	maxKeys int
	window  time.Duration
	maxHits int

	mu      sync.Mutex
	windows map[string]*hitWindow
}

// NewWebhookRateLimiter creates a limiter with the default bounds.
func NewWebhookRateLimiter() *WebhookRateLimiter {
	return &WebhookRateLimiter{
		maxKeys: defaultMaxTrackedKeys,
		window:  defaultWindow,
		maxHits: defaultMaxHits,
		windows: make(map[string]*hitWindow),
	}
}

// Allow records one hit for the key and reports whether it stays within the
// window limit.
func (r *WebhookRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if len(r.windows) >= r.maxKeys {
		r.evict(now)
	}

	w, ok := r.windows[key]
	if !ok || now.Sub(w.start) >= r.window {
		r.windows[key] = &hitWindow{start: now, hits: 1}
		return true
	}
	w.hits++
	return w.hits <= r.maxHits
}

// evict drops expired windows, then arbitrary ones until under the cap.
func (r *WebhookRateLimiter) evict(now time.Time) {
	for key, w := range r.windows {
		if now.Sub(w.start) >= r.window {
			delete(r.windows, key)
		}
	}
	for len(r.windows) >= r.maxKeys {
		for key := range r.windows {
			delete(r.windows, key)
			break
		}
	}
}
