package control

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// rateLimiter applies a per-client token bucket to the control endpoint.
type rateLimiter struct {
	logger  zerolog.Logger
	mu      sync.Mutex
	clients map[string]*rateLimiterEntry
	rate    rate.Limit
	burst   int
	enabled bool
}

type rateLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func newRateLimiter(logger zerolog.Logger, enabled bool, r float64, b int) *rateLimiter {
	rl := &rateLimiter{
		logger:  logger,
		clients: make(map[string]*rateLimiterEntry),
		rate:    rate.Limit(r),
		burst:   b,
		enabled: enabled,
	}
	if enabled {
		go rl.cleanupStaleClients()
	}
	return rl
}

func (rl *rateLimiter) getClientLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.clients[ip]
	if !exists {
		entry = &rateLimiterEntry{
			limiter:    rate.NewLimiter(rl.rate, rl.burst),
			lastAccess: time.Now(),
		}
		rl.clients[ip] = entry
	} else {
		entry.lastAccess = time.Now()
	}
	return entry.limiter
}

func (rl *rateLimiter) cleanupStaleClients() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		for ip, entry := range rl.clients {
			if time.Since(entry.lastAccess) > 30*time.Minute {
				delete(rl.clients, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware is the rate-limiting handler wrapper.
func (rl *rateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.enabled {
			next.ServeHTTP(w, r)
			return
		}

		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		if !rl.getClientLimiter(ip).Allow() {
			rl.logger.Warn().Str("ip", ip).Msg("Control endpoint rate limit exceeded")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
