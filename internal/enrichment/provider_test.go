package enrichment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// StaticAliases
// =============================================================================

// TestStaticAliases verifies group membership is case-insensitive and
// unrelated actors are not linked.
func TestStaticAliases(t *testing.T) {
	s := NewStaticAliases([][]string{
		{"alice@corp.com", "svc-alice", "10.0.0.12"},
		{"bob@corp.com", "svc-bob"},
	})
	ctx := context.Background()

	assert.True(t, s.Aliased(ctx, "Alice@corp.com", "svc-alice"))
	assert.True(t, s.Aliased(ctx, "10.0.0.12", "alice@corp.com"))
	assert.False(t, s.Aliased(ctx, "alice@corp.com", "svc-bob"))
	assert.False(t, s.Aliased(ctx, "mallory", "svc-bob"))
}

// =============================================================================
// IdentityProvider
// =============================================================================

func newIdentityServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	directory := map[string]identityResponse{
		"alice@corp.com": {Canonical: "u-100", Aliases: []string{"svc-alice"}},
		"svc-ci":         {Canonical: "u-200"},
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		actor := strings.TrimPrefix(r.URL.Path, "/api/v1/identities/")
		resp, ok := directory[actor]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		resp.Actor = actor
		json.NewEncoder(w).Encode(resp)
	}))
}

// TestIdentityProviderAliased verifies canonical ids link aliases and the
// cache absorbs repeat lookups.
func TestIdentityProviderAliased(t *testing.T) {
	var calls int32
	server := newIdentityServer(t, &calls)
	defer server.Close()

	p := NewIdentityProvider(ProviderConfig{BaseURL: server.URL}, "tok", zap.NewNop())
	ctx := context.Background()

	assert.True(t, p.Aliased(ctx, "alice@corp.com", "svc-alice"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "alias was cached from the first response")

	assert.False(t, p.Aliased(ctx, "alice@corp.com", "svc-ci"))
	assert.False(t, p.Aliased(ctx, "unknown", "unknown-2"))

	before := atomic.LoadInt32(&calls)
	c, err := p.Canonical(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, "", c)
	assert.Equal(t, before, atomic.LoadInt32(&calls), "misses are cached too")
}

// TestIdentityProviderUnavailable verifies service errors count as not
// aliased.
func TestIdentityProviderUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := NewIdentityProvider(ProviderConfig{BaseURL: server.URL}, "", zap.NewNop())
	_, err := p.Canonical(context.Background(), "alice")
	require.Error(t, err)
	assert.False(t, p.Aliased(context.Background(), "alice", "svc-alice"))
}

// TestChainResolver verifies the first positive resolver wins.
func TestChainResolver(t *testing.T) {
	chain := ChainResolver{
		NewStaticAliases([][]string{{"a", "b"}}),
		nil,
		NewStaticAliases([][]string{{"c", "d"}}),
	}
	ctx := context.Background()
	assert.True(t, chain.Aliased(ctx, "a", "b"))
	assert.True(t, chain.Aliased(ctx, "c", "d"))
	assert.False(t, chain.Aliased(ctx, "a", "d"))
}
