package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter enforces a global per-client token bucket across the HTTP
// surface. Grounded on the teacher's visitor-map limiter, narrowed to
// the single global RequestsPerSecond/BurstSize knob
// config.RateLimitConfig actually exposes: this deployment never
// configures per-endpoint, per-API-key, or DDoS-specific limits, so
// that surface isn't carried.
type RateLimiter struct {
	visitors map[string]*visitor
	mu       sync.RWMutex
	config   RateLimitConfig
	logger   *zap.Logger
}

// RateLimitConfig carries config.RateLimitConfig's two knobs (BurstSize
// is its Burst; the caller copies the values across) plus the
// visitor-cleanup tunings, each defaulted by NewRateLimiter when zero.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int

	CleanupInterval time.Duration
	VisitorTimeout  time.Duration
}

// visitor tracks rate limiting state per client.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(config RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if config.RequestsPerSecond == 0 {
		config.RequestsPerSecond = 100
	}
	if config.BurstSize == 0 {
		config.BurstSize = 200
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Minute
	}
	if config.VisitorTimeout == 0 {
		config.VisitorTimeout = 3 * time.Minute
	}

	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		config:   config,
		logger:   logger,
	}

	go rl.cleanupVisitors()

	return rl
}

// Middleware returns HTTP middleware enforcing the global rate limit.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := rl.getClientID(r)
		v := rl.getVisitor(clientID)

		if !v.limiter.Allow() {
			rl.handleRateLimitExceeded(w, r, clientID)
			return
		}

		v.lastSeen = time.Now()
		next.ServeHTTP(w, r)
	})
}

// getVisitor retrieves or creates a visitor.
func (rl *RateLimiter) getVisitor(key string) *visitor {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{
			limiter:  rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize),
			lastSeen: time.Now(),
		}
		rl.visitors[key] = v
	}

	return v
}

// getClientID extracts a client identifier from the request, preferring
// the caller's API key (device UUID or operator bearer token) over its
// IP so a client behind a shared NAT gateway isn't throttled alongside
// its neighbors.
func (rl *RateLimiter) getClientID(r *http.Request) string {
	if apiKey := rl.getAPIKey(r); apiKey != "" {
		return "api:" + apiKey
	}
	return rl.getClientIP(r)
}

// getClientIP extracts the client IP address.
func (rl *RateLimiter) getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	return ip
}

// getAPIKey extracts the caller's bearer credential, if any.
func (rl *RateLimiter) getAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.Split(auth, " ")
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			return parts[1]
		}
	}
	return r.Header.Get("X-API-Key")
}

// handleRateLimitExceeded responds to rate limit violations.
func (rl *RateLimiter) handleRateLimitExceeded(w http.ResponseWriter, r *http.Request, clientID string) {
	if rl.logger != nil {
		rl.logger.Debug("rate limit exceeded",
			zap.String("path", r.URL.Path),
			zap.String("client", clientID),
		)
	}

	w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(rl.config.RequestsPerSecond, 'f', -1, 64))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("Retry-After", "1")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(map[string]any{
		"error":   "rate_limit_exceeded",
		"message": "rate limit exceeded",
	})
}

// cleanupVisitors removes old visitor entries.
func (rl *RateLimiter) cleanupVisitors() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, v := range rl.visitors {
			if now.Sub(v.lastSeen) > rl.config.VisitorTimeout {
				delete(rl.visitors, key)
			}
		}
		rl.mu.Unlock()
	}
}
