package middlewares

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"spg/config"
)

// clientLimiter tracks the token bucket for one route+IP pair.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen int64 // Unix timestamp for cleanup decisions.
}

const (
	clientIdleExpiry = 3 * time.Minute
	cleanupInterval  = time.Minute
)

// RateLimiter applies per-route, per-client-IP rate limiting. Without a
// Redis backend it keeps an in-memory token bucket per client; with one it
// uses a shared fixed window so multiple workers enforce a common limit.
type RateLimiter struct {
	logger *slog.Logger
	redis  RedisLimiter

	mu      sync.Mutex
	clients map[string]*clientLimiter
	started bool
}

// NewRateLimiter creates a rate limiter. redisLimiter may be nil, which
// selects the in-memory token bucket.
func NewRateLimiter(redisLimiter RedisLimiter, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		logger:  logger,
		redis:   redisLimiter,
		clients: make(map[string]*clientLimiter),
	}
}

// Allow reports whether a request from ip may proceed under the route's
// policy. A disabled policy always allows. Redis errors fail open with a
// warning so a limiter outage does not take down forwarding.
func (rl *RateLimiter) Allow(routeName, ip string, policy config.RateLimiting) bool {
	if !policy.Enabled {
		return true
	}
	key := routeName + "|" + ip

	if rl.redis != nil {
		allowed, err := rl.redis.Allow(key, policy)
		if err != nil {
			rl.logger.Warn("Rate limiter backend error, allowing request",
				slog.String("route", routeName), slog.Any("error", err))
			return true
		}
		return allowed
	}

	limiter := rl.getOrCreateLimiter(key, policy)
	return limiter.Allow()
}

func (rl *RateLimiter) getOrCreateLimiter(key string, policy config.RateLimiting) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if !rl.started {
		rl.started = true
		go rl.cleanupLoop()
	}

	entry, ok := rl.clients[key]
	if !ok {
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		entry = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(policy.RequestsPerSecond), burst),
		}
		rl.clients[key] = entry
	}
	entry.lastSeen = time.Now().Unix()
	return entry.limiter
}

// cleanupLoop evicts limiters for clients not seen recently.
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-clientIdleExpiry).Unix()
		rl.mu.Lock()
		for key, entry := range rl.clients {
			if entry.lastSeen < cutoff {
				delete(rl.clients, key)
			}
		}
		rl.mu.Unlock()
	}
}

// ClientIP extracts the client address for rate limiting: X-Real-IP first,
// then the first entry of X-Forwarded-For, then the connection peer.
func ClientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
