package gateway

import (
	"sync"
	"time"
)

const (
	// maxTrackedSources caps tracked callback sources to prevent memory
	// exhaustion from rotating source IPs.
	maxTrackedSources = 4096

	// rateWindow is the sliding window duration for rate counting.
	rateWindow = 60 * time.Second

	// rateMaxHits is the max callbacks per source within a window. The
	// messaging gateway delivers from one address, so a legitimate
	// deployment never comes close.
	rateMaxHits = 600
)

type rateEntry struct {
	windowStart time.Time
	count       int
}

// SourceRateLimiter bounds per-source callback volume. Over-limit sources
// are still acknowledged, just not processed. Safe for concurrent use.
type SourceRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateEntry
}

// NewSourceRateLimiter creates a bounded callback rate limiter.
func NewSourceRateLimiter() *SourceRateLimiter {
	return &SourceRateLimiter{entries: make(map[string]*rateEntry)}
}

// Allow returns true if the source is within rate limits. Automatically
// prunes stale entries and enforces a hard cap on tracked sources.
func (r *SourceRateLimiter) Allow(source string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	// Prune stale entries when approaching the cap
	if len(r.entries) >= maxTrackedSources {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= rateWindow {
				delete(r.entries, k)
			}
		}
		// Hard eviction if still at cap (FIFO-ish via map iteration)
		for len(r.entries) >= maxTrackedSources {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[source]
	if !ok || now.Sub(e.windowStart) >= rateWindow {
		r.entries[source] = &rateEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= rateMaxHits
}
