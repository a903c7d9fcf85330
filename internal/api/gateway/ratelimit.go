// Package gateway provides API gateway functionality including rate limiting
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const window = time.Minute

// incrScript counts a request and starts the window on the first one.
var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RateLimiter limits event intake per source. Counters live in Redis so
// every replica shares them; without a client each process counts locally.
type RateLimiter struct {
	redis       *redis.Client
	logger      *zap.Logger
	config      RateLimitConfig
	now         func() time.Time
	localLimits sync.Map // key -> *localWindow
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	Enabled                  bool                      `yaml:"enabled"`
	DefaultRequestsPerMinute int                       `yaml:"default_requests_per_minute"`
	Sources                  map[string]SourceLimits   `yaml:"sources"`
	Endpoints                map[string]EndpointLimits `yaml:"endpoints"`
	IncludeHeaders           bool                      `yaml:"include_headers"`
	KeyPrefix                string                    `yaml:"key_prefix"`
}

// SourceLimits overrides the default limit for one event source.
type SourceLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// EndpointLimits defines rate limits for specific endpoints
type EndpointLimits struct {
	Path              string `yaml:"path"`
	Method            string `yaml:"method"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	CostMultiplier    int    `yaml:"cost_multiplier"`
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Source     string
	Reason     string
}

type localWindow struct {
	mu    sync.Mutex
	start time.Time
	count int
}

// Option customizes a RateLimiter.
type Option func(*RateLimiter)

// WithClock sets the clock used by local counters.
func WithClock(now func() time.Time) Option {
	return func(rl *RateLimiter) { rl.now = now }
}

// DefaultRateLimitConfig returns defaults sized for collector fleets.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:                  true,
		DefaultRequestsPerMinute: 6000,
		Endpoints:                DefaultEndpointLimits(),
		IncludeHeaders:           true,
		KeyPrefix:                "incidentforge:ratelimit:",
	}
}

// DefaultEndpointLimits weights batch intake above single events.
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		"POST:/api/v1/events/batch": {
			Path:           "/api/v1/events/batch",
			Method:         "POST",
			CostMultiplier: 10,
		},
		"POST:/services/collector/event": {
			Path:           "/services/collector/event",
			Method:         "POST",
			CostMultiplier: 10,
		},
	}
}

// NewRateLimiter creates a new rate limiter. redisClient may be nil.
func NewRateLimiter(redisClient *redis.Client, cfg RateLimitConfig, logger *zap.Logger, opts ...Option) *RateLimiter {
	if cfg.DefaultRequestsPerMinute <= 0 {
		cfg.DefaultRequestsPerMinute = DefaultRateLimitConfig().DefaultRequestsPerMinute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultRateLimitConfig().KeyPrefix
	}
	rl := &RateLimiter{
		redis:  redisClient,
		logger: logger.Named("ratelimit"),
		config: cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Check counts one request from source and reports whether it is allowed.
// Redis failures allow the request.
func (rl *RateLimiter) Check(ctx context.Context, source, endpoint, method string) (*RateLimitResult, error) {
	limit := rl.effectiveLimit(source, endpoint, method)
	key := rl.config.KeyPrefix + source + ":" + method + ":" + endpoint
	now := rl.now()

	var count int
	var ttl time.Duration
	if rl.redis == nil {
		count, ttl = rl.checkLocal(key, now)
	} else {
		n, err := incrScript.Run(ctx, rl.redis, []string{key}, window.Milliseconds()).Int()
		if err != nil {
			rl.logger.Warn("Rate limit check failed, allowing request", zap.String("source", source), zap.Error(err))
			return &RateLimitResult{Allowed: true, Limit: limit, Source: source}, nil
		}
		count = n
		ttl, err = rl.redis.PTTL(ctx, key).Result()
		if err != nil || ttl < 0 {
			ttl = window
		}
	}

	result := &RateLimitResult{
		Allowed:   count <= limit,
		Remaining: limit - count,
		Limit:     limit,
		ResetAt:   now.Add(ttl),
		Source:    source,
	}
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	if !result.Allowed {
		result.RetryAfter = ttl
		result.Reason = "Rate limit exceeded"
	}
	return result, nil
}

func (rl *RateLimiter) checkLocal(key string, now time.Time) (int, time.Duration) {
	v, _ := rl.localLimits.LoadOrStore(key, &localWindow{start: now})
	w := v.(*localWindow)
	w.mu.Lock()
	defer w.mu.Unlock()
	if now.Sub(w.start) >= window {
		w.start = now
		w.count = 0
	}
	w.count++
	return w.count, w.start.Add(window).Sub(now)
}

func (rl *RateLimiter) effectiveLimit(source, endpoint, method string) int {
	limit := rl.config.DefaultRequestsPerMinute
	if s, ok := rl.config.Sources[source]; ok && s.RequestsPerMinute > 0 {
		limit = s.RequestsPerMinute
	}
	if ep, ok := rl.config.Endpoints[method+":"+endpoint]; ok {
		if ep.RequestsPerMinute > 0 && ep.RequestsPerMinute < limit {
			limit = ep.RequestsPerMinute
		}
		if ep.CostMultiplier > 1 {
			limit /= ep.CostMultiplier
		}
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Middleware returns an HTTP middleware for rate limiting. sourceOf names
// the event source of a request; requests without one are keyed by client
// address.
func (rl *RateLimiter) Middleware(sourceOf func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.config.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			source := sourceOf(r)
			if source == "" {
				source = getClientIP(r)
			}

			result, err := rl.Check(r.Context(), source, r.URL.Path, r.Method)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				retry := int(result.RetryAfter.Round(time.Second).Seconds())
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limit_exceeded","message":%q,"retry_after":%d}`, result.Reason, retry)
				rl.logger.Debug("Rate limited intake", zap.String("source", source), zap.String("path", r.URL.Path))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
