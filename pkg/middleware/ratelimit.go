package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/authgate/pkg/httputil"
	"github.com/platinummonkey/authgate/pkg/observability"
)

// Limiter decides whether the caller identified by key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// DefaultRateLimitConfig returns the per-IP limit for auth endpoints
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 100,
		WindowDuration:    time.Minute,
		BurstSize:         10,
	}
}

// OTPSendRateLimitConfig returns the per-email limit for code sends
func OTPSendRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 5,
		WindowDuration:    15 * time.Minute,
		BurstSize:         0,
	}
}

// RateLimiter is an in-process token bucket limiter keyed by caller.
// Idle buckets are evicted after two windows.
type RateLimiter struct {
	config  *RateLimitConfig
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
}

// NewRateLimiter creates a new in-memory rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	burst := config.RequestsPerWindow + config.BurstSize
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		config:  config,
		limit:   rate.Limit(float64(config.RequestsPerWindow) / config.WindowDuration.Seconds()),
		burst:   burst,
		buckets: expirable.NewLRU[string, *rate.Limiter](100000, nil, config.WindowDuration*2),
	}
}

func (rl *RateLimiter) bucket(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets.Get(key)
	if !ok {
		b = rate.NewLimiter(rl.limit, rl.burst)
	}
	// re-add to refresh the idle timer
	rl.buckets.Add(key, b)
	return b
}

// Allow consumes one token for key
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return rl.bucket(key).Allow(), nil
}

// Remaining returns the whole tokens currently available for key
func (rl *RateLimiter) Remaining(key string) int {
	rl.mu.Lock()
	b, ok := rl.buckets.Peek(key)
	rl.mu.Unlock()
	if !ok {
		return rl.burst
	}
	tokens := int(b.Tokens())
	if tokens < 0 {
		return 0
	}
	return tokens
}

// Config returns the limiter configuration
func (rl *RateLimiter) Config() *RateLimitConfig {
	return rl.config
}

// KeyFunc derives the rate limit key for a request
type KeyFunc func(r *http.Request) string

// ClientIPKey keys requests by client address
func ClientIPKey(r *http.Request) string {
	return "ip:" + ClientIP(r)
}

// RateLimit rejects requests over the limit with 429. Limiter errors fail open.
func RateLimit(limiter Limiter, keyFn KeyFunc, logger *observability.Logger) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = ClientIPKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, err := limiter.Allow(r.Context(), keyFn(r))
			if err != nil {
				if logger != nil {
					logger.WithError(err).Warn("rate limiter unavailable, allowing request")
				}
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				if cfg, ok := limiter.(interface{ Config() *RateLimitConfig }); ok {
					w.Header().Set("Retry-After", fmt.Sprintf("%.0f", cfg.Config().WindowDuration.Seconds()))
				}
				httputil.WriteTooManyRequests(w, "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the originating client address, preferring the first
// X-Forwarded-For hop, then X-Real-IP, then the connection address.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
