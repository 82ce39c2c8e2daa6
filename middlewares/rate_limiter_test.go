package middlewares_test

import (
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"spg/config"
	"spg/middlewares"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestAllowDisabledPolicy verifies a disabled policy never limits.
func TestAllowDisabledPolicy(t *testing.T) {
	rl := middlewares.NewRateLimiter(nil, testLogger())

	policy := config.RateLimiting{Enabled: false}
	for i := 0; i < 50; i++ {
		assert.True(t, rl.Allow("route", "10.0.0.1", policy))
	}
}

// TestAllowEnforcesBudget verifies the in-memory token bucket.
func TestAllowEnforcesBudget(t *testing.T) {
	rl := middlewares.NewRateLimiter(nil, testLogger())
	policy := config.RateLimiting{Enabled: true, RequestsPerSecond: 1, Burst: 2}

	assert.True(t, rl.Allow("route", "10.0.0.1", policy))
	assert.True(t, rl.Allow("route", "10.0.0.1", policy))
	assert.False(t, rl.Allow("route", "10.0.0.1", policy))
}

// TestAllowIsPerClient verifies isolation between client IPs.
func TestAllowIsPerClient(t *testing.T) {
	rl := middlewares.NewRateLimiter(nil, testLogger())
	policy := config.RateLimiting{Enabled: true, RequestsPerSecond: 1, Burst: 1}

	assert.True(t, rl.Allow("route", "10.0.0.1", policy))
	assert.False(t, rl.Allow("route", "10.0.0.1", policy))
	assert.True(t, rl.Allow("route", "10.0.0.2", policy))
}

// TestAllowIsPerRoute verifies isolation between routes for one client.
func TestAllowIsPerRoute(t *testing.T) {
	rl := middlewares.NewRateLimiter(nil, testLogger())
	policy := config.RateLimiting{Enabled: true, RequestsPerSecond: 1, Burst: 1}

	assert.True(t, rl.Allow("a", "10.0.0.1", policy))
	assert.True(t, rl.Allow("b", "10.0.0.1", policy))
}

type stubRedisLimiter struct {
	allowed bool
	err     error
	calls   int
}

func (s *stubRedisLimiter) Allow(key string, policy config.RateLimiting) (bool, error) {
	s.calls++
	return s.allowed, s.err
}

// TestRedisBackendUsed verifies the Redis backend is consulted when set.
func TestRedisBackendUsed(t *testing.T) {
	stub := &stubRedisLimiter{allowed: false}
	rl := middlewares.NewRateLimiter(stub, testLogger())
	policy := config.RateLimiting{Enabled: true, RequestsPerSecond: 5}

	assert.False(t, rl.Allow("route", "10.0.0.1", policy))
	assert.Equal(t, 1, stub.calls)
}

// TestRedisErrorFailsOpen verifies a backend outage does not block traffic.
func TestRedisErrorFailsOpen(t *testing.T) {
	stub := &stubRedisLimiter{err: errors.New("connection refused")}
	rl := middlewares.NewRateLimiter(stub, testLogger())
	policy := config.RateLimiting{Enabled: true, RequestsPerSecond: 5}

	assert.True(t, rl.Allow("route", "10.0.0.1", policy))
}

// TestClientIP verifies the header precedence for the client address.
func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.9:4444"
	assert.Equal(t, "192.0.2.9", middlewares.ClientIP(req))

	req.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")
	assert.Equal(t, "198.51.100.1", middlewares.ClientIP(req))

	req.Header.Set("X-Real-IP", "203.0.113.5")
	assert.Equal(t, "203.0.113.5", middlewares.ClientIP(req))
}
