package middleware

import (
	"log"
	"net/http"
	"sync"
	"time"
)

// RateLimiter enforces per-operator, per-project limits on mutation
// endpoints. Read endpoints are not limited.
//
// Sliding window: each key tracks a request count per minute window and
// expired windows are garbage-collected periodically.
type RateLimiter struct {
	mu       sync.RWMutex
	windows  map[string]*rateLimitWindow
	defaults RateLimitConfig
	logger   *log.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// RateLimitConfig defines the rate limiting thresholds.
type RateLimitConfig struct {
	MaxCallsPerMinute int // max mutations per minute per operator+project
	BurstSize         int // temporary bursts above the limit
}

type rateLimitWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a new rate limiter with the given defaults.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxCallsPerMinute == 0 {
		cfg.MaxCallsPerMinute = 60
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute * 2
	}

	rl := &RateLimiter{
		windows:  make(map[string]*rateLimitWindow),
		defaults: cfg,
		logger:   log.New(log.Writer(), "[RateLimit] ", log.LstdFlags),
		stop:     make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// Allow checks whether a request under the given key (operator:project)
// fits the current window.
//
// Read-first: existing-window checks run under RLock and only new or
// expired windows take the write lock. The count++ race under RLock is
// acceptable, this is a soft limit.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.RLock()
	window, exists := rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		count := window.count
		rl.mu.RUnlock()

		if count > rl.defaults.BurstSize {
			rl.logger.Printf("🚫 Rate limit exceeded (burst): key=%s count=%d limit=%d",
				key, count, rl.defaults.BurstSize)
			return false
		}
		if count > rl.defaults.MaxCallsPerMinute {
			rl.logger.Printf("⚠️ Rate limit exceeded: key=%s count=%d limit=%d",
				key, count, rl.defaults.MaxCallsPerMinute)
			return false
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Another goroutine may have rolled the window already.
	window, exists = rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		return window.count <= rl.defaults.BurstSize
	}

	rl.windows[key] = &rateLimitWindow{
		count:       1,
		windowStart: now,
	}
	return true
}

// Middleware limits mutation verbs only. The key combines the operator
// resolved by the auth layer with the project the request targets, so one
// noisy operator cannot starve a project's other investigators.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			next.ServeHTTP(w, r)
			return
		}

		operator := OperatorFrom(r.Context())
		if operator == "" {
			operator = "anonymous"
		}
		project := ProjectFrom(r.Context())
		if project == "" {
			project = r.Header.Get(headerProject)
		}
		if project == "" {
			project = "global"
		}

		if !rl.Allow(operator + ":" + project) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":60}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Close stops the background cleanup goroutine.
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// cleanup periodically removes expired windows.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, window := range rl.windows {
				if now.Sub(window.windowStart) > 2*time.Minute {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stats returns current rate limiter statistics.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return map[string]interface{}{
		"active_windows":    len(rl.windows),
		"max_calls_per_min": rl.defaults.MaxCallsPerMinute,
		"burst_size":        rl.defaults.BurstSize,
	}
}
