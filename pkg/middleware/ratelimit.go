package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/tollgate/pkg/auth"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// DefaultRateLimitConfig returns default rate limit settings
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 100,
		WindowDuration:    time.Minute,
		BurstSize:         10,
	}
}

func (c *RateLimitConfig) capacity() int {
	return c.RequestsPerWindow + c.BurstSize
}

// RateLimitResult describes the state of one key after a request
type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter admits or rejects requests per key
type Limiter interface {
	Allow(ctx context.Context, key string) (RateLimitResult, error)
}

const (
	defaultMaxKeys = 100_000
)

// RateLimiter is an in-process token bucket per key. Buckets live in a bounded
// LRU and are dropped after two idle windows. Limits are only accurate when
// every request for a key reaches the same instance.
type RateLimiter struct {
	config  *RateLimitConfig
	buckets *expirable.LRU[string, *rate.Limiter]
	every   rate.Limit
	mu      sync.Mutex
	now     func() time.Time
}

var _ Limiter = (*RateLimiter)(nil)

// RateLimiterOption configures a RateLimiter
type RateLimiterOption func(*RateLimiter)

// WithMaxKeys bounds the number of tracked keys
func WithMaxKeys(n int) RateLimiterOption {
	return func(rl *RateLimiter) {
		if n > 0 {
			rl.buckets.Resize(n)
		}
	}
}

// WithLimiterClock overrides the time source
func WithLimiterClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.now = now
	}
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig, opts ...RateLimiterOption) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	requests := config.RequestsPerWindow
	if requests <= 0 {
		requests = 1
	}
	rl := &RateLimiter{
		config:  config,
		every:   rate.Every(config.WindowDuration / time.Duration(requests)),
		buckets: expirable.NewLRU[string, *rate.Limiter](defaultMaxKeys, nil, 2*config.WindowDuration),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

func (rl *RateLimiter) bucket(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	lim, ok := rl.buckets.Get(key)
	if !ok {
		lim = rate.NewLimiter(rl.every, rl.config.capacity())
	}
	// Re-adding refreshes the idle expiry.
	rl.buckets.Add(key, lim)
	return lim
}

// Allow consumes one token for key
func (rl *RateLimiter) Allow(_ context.Context, key string) (RateLimitResult, error) {
	lim := rl.bucket(key)
	now := rl.now()

	res := RateLimitResult{Limit: rl.config.capacity()}
	if lim.AllowN(now, 1) {
		res.Allowed = true
	} else {
		r := lim.ReserveN(now, 1)
		res.RetryAfter = r.DelayFrom(now)
		r.CancelAt(now)
	}

	tokens := lim.TokensAt(now)
	if tokens < 0 {
		tokens = 0
	}
	res.Remaining = int(tokens)
	missing := float64(res.Limit) - tokens
	res.ResetAt = now.Add(time.Duration(missing / float64(lim.Limit()) * float64(time.Second)))
	return res, nil
}

// Len returns the number of tracked keys
func (rl *RateLimiter) Len() int {
	return rl.buckets.Len()
}

// KeyFunc derives the rate-limit key of a request
type KeyFunc func(r *http.Request) string

// DefaultKey keys authenticated requests by user id and the rest by client IP
func DefaultKey(r *http.Request) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		return "user:" + p.UserID.String()
	}
	return "ip:" + ClientIP(r)
}

// ClientIP returns the first X-Forwarded-For hop, X-Real-IP, or the remote host
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
