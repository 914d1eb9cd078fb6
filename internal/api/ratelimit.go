package api

import (
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

// rateLimiter is a fixed-window counter per client key. Limits are passed
// on each call so config hot-reloads apply immediately.
type rateLimiter struct {
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// allow records one submission for key and reports whether it is within
// max per span. The first over-limit submission and all later ones in the
// same window are rejected.
func (rl *rateLimiter) allow(key string, max int, span time.Duration) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) >= span {
		rl.sweepLocked(now, span)
		w = &window{start: now}
		rl.windows[key] = w
	}
	w.count++
	return w.count <= max
}

// sweepLocked drops windows that ended at least one span ago so the map
// tracks active clients only. Called with mu held, on window rollover.
func (rl *rateLimiter) sweepLocked(now time.Time, span time.Duration) {
	for k, w := range rl.windows {
		if now.Sub(w.start) >= 2*span {
			delete(rl.windows, k)
		}
	}
}
