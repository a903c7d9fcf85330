package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  port: 9090
store:
  backend: redis
  redis:
    addr: redis:6379
nats:
  url: nats://nats:4222
correlation:
  window: 30m
  join_threshold: 0.5
  weights: {temporal: 0.4, spatial: 0.2, causal: 0.2, actor: 0.2}
  resource_groups:
    payments: [db-1, db-2]
routing:
  escalation_threshold: 0.75
breaker:
  failure_threshold: 3
  stages:
    remediation: {failure_threshold: 1, recovery_timeout: 2m}
stages:
  endpoints:
    analysis: {url: "nats://incidentforge.stage.analysis", timeout: 90s}
    communication: {url: "https://notify.internal/v1/transfers"}
logging:
  level: debug
  format: console
`

// =============================================================================
// Loading
// =============================================================================

// TestLoad verifies YAML overrides land on top of the defaults.
func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, "incidentforge:", cfg.Store.Redis.KeyPrefix, "unset fields keep defaults")

	assert.Equal(t, 30*time.Minute, cfg.Correlation.Window)
	assert.InDelta(t, 0.5, cfg.Correlation.JoinThreshold, 1e-9)
	assert.InDelta(t, 0.4, cfg.Correlation.Weights.Temporal, 1e-9)
	assert.Equal(t, []string{"db-1", "db-2"}, cfg.Correlation.ResourceGroups["payments"])
	assert.NotEmpty(t, cfg.Correlation.CausalPairs)

	assert.InDelta(t, 0.75, cfg.Routing.EscalationThreshold, 1e-9)
	assert.InDelta(t, 0.3, cfg.Routing.LowConfidenceThreshold, 1e-9)

	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Breaker.Stages["remediation"].RecoveryTimeout)

	assert.Equal(t, 90*time.Second, cfg.Stages.Endpoints["analysis"].Timeout)
	assert.Equal(t, "https://notify.internal/v1/transfers", cfg.Stages.Endpoints["communication"].URL)

	obs := cfg.Observability("1.2.3")
	assert.Equal(t, "debug", obs.LogLevel)
	assert.Equal(t, "console", obs.LogFormat)
	assert.Equal(t, "1.2.3", obs.ServiceVersion)
}

// TestLoadMissingFile verifies a read error is reported.
func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

// TestDefaultConfigValid verifies the defaults pass validation.
func TestDefaultConfigValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

// =============================================================================
// Validation
// =============================================================================

// TestValidate covers rejected settings.
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "malformed yaml", yaml: "server: [", wantErr: "failed to parse config"},
		{name: "threshold above one", yaml: "routing: {escalation_threshold: 1.5}", wantErr: "routing.escalation_threshold"},
		{name: "negative join threshold", yaml: "correlation: {join_threshold: -0.1}", wantErr: "correlation.join_threshold"},
		{name: "zero window", yaml: "correlation: {window: 0s}", wantErr: "correlation.window"},
		{name: "negative weight", yaml: "correlation: {weights: {temporal: -1, spatial: 1, causal: 1, actor: 1}}", wantErr: "non-negative"},
		{name: "all weights zero", yaml: "correlation: {weights: {temporal: 0, spatial: 0, causal: 0, actor: 0}}", wantErr: "all be zero"},
		{name: "unknown backend", yaml: "store: {backend: etcd}", wantErr: "store.backend"},
		{name: "endpoint without url", yaml: "stages: {endpoints: {analysis: {timeout: 5s}}}", wantErr: "stages.endpoints.analysis.url"},
		{name: "max delay below base", yaml: "routing: {base_delay: 10s, max_delay: 1s}", wantErr: "routing.max_delay"},
		{name: "tracing without endpoint", yaml: "telemetry: {tracing_enabled: true}", wantErr: "otlp_endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// TestValidateReportsAll verifies every problem appears in one error.
func TestValidateReportsAll(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Routing.LowConfidenceThreshold = 2
	cfg.Orchestrator.Workers = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "routing.low_confidence_threshold")
	assert.Contains(t, err.Error(), "orchestrator.workers")
}

// TestSecret verifies env indirection.
func TestSecret(t *testing.T) {
	t.Setenv("INCIDENTFORGE_TEST_SECRET", "s3cret")
	assert.Equal(t, "s3cret", Secret("INCIDENTFORGE_TEST_SECRET"))
	assert.Empty(t, Secret(""))
}
