package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRateLimiterMiddlewareAllowsBurstThenRejects(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2}, zap.NewNop())

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	server := httptest.NewServer(handler)
	defer server.Close()

	for i := 0; i < 2; i++ {
		resp, err := http.Get(server.URL)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	resp.Body.Close()
}

func TestRateLimiterClientIDPrefersAPIKeyOverIP(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 10}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "key-123")
	req.RemoteAddr = "10.0.0.1:5555"

	assert.Equal(t, "api:key-123", rl.getClientID(req))
}

func TestRateLimiterClientIDFallsBackToIP(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 10}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:5555"

	assert.Equal(t, "10.0.0.2", rl.getClientID(req))
}

func TestRateLimiterSeparatesVisitorsByClient(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, zap.NewNop())

	v1 := rl.getVisitor("client-1")
	v2 := rl.getVisitor("client-2")

	assert.True(t, v1.limiter.Allow())
	assert.False(t, v1.limiter.Allow())
	assert.True(t, v2.limiter.Allow())
}

func TestRateLimiterCleanupRemovesStaleVisitors(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{
		RequestsPerSecond: 10,
		BurstSize:         10,
		CleanupInterval:   20 * time.Millisecond,
		VisitorTimeout:    30 * time.Millisecond,
	}, zap.NewNop())

	rl.getVisitor("stale-client")

	time.Sleep(150 * time.Millisecond)

	rl.mu.RLock()
	_, exists := rl.visitors["stale-client"]
	rl.mu.RUnlock()
	assert.False(t, exists)
}

func TestRateLimiterDefaultsAppliedWhenUnset(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{}, zap.NewNop())

	assert.Equal(t, float64(100), rl.config.RequestsPerSecond)
	assert.Equal(t, 200, rl.config.BurstSize)
	assert.Equal(t, time.Minute, rl.config.CleanupInterval)
	assert.Equal(t, 3*time.Minute, rl.config.VisitorTimeout)
}
