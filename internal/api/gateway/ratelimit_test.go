package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRedisLimiter(t *testing.T, cfg RateLimitConfig) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRateLimiter(client, cfg, zap.NewNop()), mr
}

// =============================================================================
// Check
// =============================================================================

// TestCheckPerSource verifies each source has its own window.
func TestCheckPerSource(t *testing.T) {
	rl, mr := newRedisLimiter(t, RateLimitConfig{
		Enabled:                  true,
		DefaultRequestsPerMinute: 3,
		Sources:                  map[string]SourceLimits{"edr": {RequestsPerMinute: 5}},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := rl.Check(ctx, "ids", "/api/v1/events", "POST")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i+1)
	}
	res, err := rl.Check(ctx, "ids", "/api/v1/events", "POST")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	// another source is unaffected and has its own limit
	res, err = rl.Check(ctx, "edr", "/api/v1/events", "POST")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 5, res.Limit)

	mr.FastForward(time.Minute)
	res, err = rl.Check(ctx, "ids", "/api/v1/events", "POST")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "window reset")
}

// TestEffectiveLimit covers endpoint caps and cost multipliers.
func TestEffectiveLimit(t *testing.T) {
	rl := NewRateLimiter(nil, RateLimitConfig{
		DefaultRequestsPerMinute: 100,
		Endpoints: map[string]EndpointLimits{
			"POST:/api/v1/events/batch": {RequestsPerMinute: 50, CostMultiplier: 10},
			"POST:/api/v1/events":       {RequestsPerMinute: 500},
			"POST:/heavy":               {CostMultiplier: 1000},
		},
	}, zap.NewNop())

	tests := []struct {
		name     string
		endpoint string
		want     int
	}{
		{name: "default", endpoint: "/api/v1/incidents", want: 100},
		{name: "capped and weighted", endpoint: "/api/v1/events/batch", want: 5},
		{name: "endpoint cap above default is ignored", endpoint: "/api/v1/events", want: 100},
		{name: "never below one", endpoint: "/heavy", want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rl.effectiveLimit("src", tt.endpoint, "POST"))
		})
	}
}

// TestCheckLocalFallback verifies counting without Redis.
func TestCheckLocalFallback(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(nil, RateLimitConfig{DefaultRequestsPerMinute: 2}, zap.NewNop(), WithClock(clock.Now))
	ctx := context.Background()

	for _, want := range []bool{true, true, false} {
		res, err := rl.Check(ctx, "ids", "/api/v1/events", "POST")
		require.NoError(t, err)
		assert.Equal(t, want, res.Allowed)
	}

	clock.Advance(time.Minute)
	res, err := rl.Check(ctx, "ids", "/api/v1/events", "POST")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

// TestCheckFailsOpen verifies a Redis outage does not block intake.
func TestCheckFailsOpen(t *testing.T) {
	rl, mr := newRedisLimiter(t, RateLimitConfig{DefaultRequestsPerMinute: 1})
	mr.Close()

	for i := 0; i < 3; i++ {
		res, err := rl.Check(context.Background(), "ids", "/api/v1/events", "POST")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

// =============================================================================
// Middleware
// =============================================================================

// TestMiddleware verifies headers and the 429 response.
func TestMiddleware(t *testing.T) {
	rl, _ := newRedisLimiter(t, RateLimitConfig{
		Enabled:                  true,
		DefaultRequestsPerMinute: 1,
		IncludeHeaders:           true,
	})
	handler := rl.Middleware(func(r *http.Request) string { return r.Header.Get("X-Event-Source") })(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) }),
	)

	send := func(source string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
		req.Header.Set("X-Event-Source", source)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := send("edr")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = send("edr")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limit_exceeded")

	assert.Equal(t, http.StatusAccepted, send("ids").Code)
}

// TestMiddlewareDisabled verifies a disabled limiter passes everything.
func TestMiddlewareDisabled(t *testing.T) {
	rl := NewRateLimiter(nil, RateLimitConfig{DefaultRequestsPerMinute: 1}, zap.NewNop())
	handler := rl.Middleware(func(*http.Request) string { return "" })(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }),
	)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/events", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

// TestGetClientIP covers forwarding headers.
func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	assert.Equal(t, "192.0.2.10", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")
	assert.Equal(t, "198.51.100.1", getClientIP(req))
}
