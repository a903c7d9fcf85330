// Package enrichment resolves actor identities so the correlation engine
// can recognise the same principal behind different names (a user, their
// service accounts, the workstation IP they log in from).
package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// AliasResolver reports whether two distinct actor identifiers are known
// aliases of one principal. Implementations must be safe for concurrent use
// and should not block for long; failures count as "not aliased".
type AliasResolver interface {
	Aliased(ctx context.Context, a, b string) bool
}

// ProviderConfig holds identity service configuration.
type ProviderConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BaseURL   string        `yaml:"base_url"`
	TokenEnv  string        `yaml:"token_env"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	CacheSize int           `yaml:"cache_size"`
}

// DefaultProviderConfig returns sensible defaults.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout:   2 * time.Second,
		CacheTTL:  15 * time.Minute,
		CacheSize: 10000,
	}
}

// StaticAliases resolves aliases from configured groups.
type StaticAliases struct {
	mu     sync.RWMutex
	groups map[string]int // normalized actor -> group index
}

// NewStaticAliases builds a resolver from alias groups; each inner slice
// lists identifiers of one principal.
func NewStaticAliases(groups [][]string) *StaticAliases {
	s := &StaticAliases{groups: make(map[string]int)}
	for i, g := range groups {
		for _, actor := range g {
			s.groups[normalizeActor(actor)] = i
		}
	}
	return s
}

// Aliased reports whether a and b are in the same group.
func (s *StaticAliases) Aliased(_ context.Context, a, b string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ga, okA := s.groups[normalizeActor(a)]
	gb, okB := s.groups[normalizeActor(b)]
	return okA && okB && ga == gb
}

// identityResponse is the identity service payload.
type identityResponse struct {
	Actor     string   `json:"actor"`
	Canonical string   `json:"canonical"`
	Aliases   []string `json:"aliases,omitempty"`
}

// IdentityProvider resolves actors through an identity service:
//
//	GET {base_url}/api/v1/identities/{actor} -> {"canonical": "..."}
//
// Two actors are aliases when they resolve to the same canonical id.
// Lookups, including misses, are cached for CacheTTL.
type IdentityProvider struct {
	config     ProviderConfig
	token      string
	httpClient *http.Client
	cache      *expirable.LRU[string, string]
	logger     *zap.Logger
}

// NewIdentityProvider creates a new identity service client
func NewIdentityProvider(cfg ProviderConfig, token string, logger *zap.Logger) *IdentityProvider {
	def := DefaultProviderConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	return &IdentityProvider{
		config:     cfg,
		token:      token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cache:      expirable.NewLRU[string, string](cfg.CacheSize, nil, cfg.CacheTTL),
		logger:     logger.Named("identity"),
	}
}

// Aliased reports whether a and b share a canonical identity.
func (p *IdentityProvider) Aliased(ctx context.Context, a, b string) bool {
	ca, err := p.Canonical(ctx, a)
	if err != nil || ca == "" {
		return false
	}
	cb, err := p.Canonical(ctx, b)
	if err != nil || cb == "" {
		return false
	}
	return ca == cb
}

// Canonical returns the canonical identity of actor, or "" when the service
// does not know it.
func (p *IdentityProvider) Canonical(ctx context.Context, actor string) (string, error) {
	key := normalizeActor(actor)
	if key == "" {
		return "", nil
	}
	if v, ok := p.cache.Get(key); ok {
		return v, nil
	}

	reqURL := strings.TrimRight(p.config.BaseURL, "/") + "/api/v1/identities/" + url.PathEscape(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Debug("Identity lookup failed", zap.String("actor", key), zap.Error(err))
		return "", fmt.Errorf("identity lookup: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		p.cache.Add(key, "")
		return "", nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("identity service returned %d: %s", resp.StatusCode, string(body))
	}

	var out identityResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode identity response: %w", err)
	}
	canonical := normalizeActor(out.Canonical)
	p.cache.Add(key, canonical)
	for _, alias := range out.Aliases {
		p.cache.Add(normalizeActor(alias), canonical)
	}
	return canonical, nil
}

// ChainResolver consults resolvers in order and reports the first positive.
type ChainResolver []AliasResolver

// Aliased reports whether any resolver links a and b.
func (c ChainResolver) Aliased(ctx context.Context, a, b string) bool {
	for _, r := range c {
		if r != nil && r.Aliased(ctx, a, b) {
			return true
		}
	}
	return false
}

func normalizeActor(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
