package playbooks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/incident"
	"github.com/lvonguyen/incidentforge/internal/telemetry"
	"github.com/lvonguyen/incidentforge/internal/telemetry/correlation"
)

func clusterIncident(sev incident.Severity, tactics []string, types ...telemetry.EventType) *incident.Incident {
	return &incident.Incident{
		ID:       "inc-1",
		Severity: sev,
		Cluster:  &correlation.Summary{ClusterID: "c-1", EventTypes: types, Tactics: tactics},
	}
}

const customPlaybook = `
id: pb-scan-001
name: Perimeter Scan
category: reconnaissance
triggers:
  - event_types: [port-scan, reconnaissance]
    min_severity: low
steps:
  - id: step-1
    name: Block scanner
    stage: remediation
    actions:
      - type: block
        target: source_ip
        automated: true
escalation:
  notify_roles: [network_team]
  channels: [email]
`

// =============================================================================
// Selection
// =============================================================================

// TestSelect covers trigger matching and specificity.
func TestSelect(t *testing.T) {
	pm := NewPlaybookManager(zap.NewNop())

	tests := []struct {
		name     string
		inc      *incident.Incident
		wantID   string
		channels []string
	}{
		{
			name:     "credential compromise",
			inc:      clusterIncident(incident.SeverityHigh, []string{"credential-access"}, telemetry.EventSSHBruteForce, telemetry.EventCredentialAccess),
			wantID:   "pb-credential-001",
			channels: []string{"slack", "pagerduty"},
		},
		{
			name:     "exfiltration by tactic",
			inc:      clusterIncident(incident.SeverityMedium, []string{"exfiltration"}, telemetry.EventDataExfiltration),
			wantID:   "pb-breach-001",
			channels: []string{"pagerduty", "phone"},
		},
		{
			name:     "credential trigger below min severity",
			inc:      clusterIncident(incident.SeverityLow, nil, telemetry.EventSSHBruteForce),
			wantID:   "pb-generic-001",
			channels: []string{"slack"},
		},
		{
			name:     "manual incident without cluster",
			inc:      &incident.Incident{ID: "inc-2", Severity: incident.SeverityCritical},
			wantID:   "pb-generic-001",
			channels: []string{"slack"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, notify := pm.Select(tt.inc)
			require.NotNil(t, ref)
			assert.Equal(t, tt.wantID, ref.ID)
			require.NotNil(t, notify)
			assert.Equal(t, tt.channels, notify.Channels)
		})
	}
}

// TestSelectActions verifies the reference lists step actions in order.
func TestSelectActions(t *testing.T) {
	pm := NewPlaybookManager(zap.NewNop())
	ref, _ := pm.Select(clusterIncident(incident.SeverityCritical, nil, telemetry.EventMalwareExecution))

	require.NotNil(t, ref)
	assert.Equal(t, "pb-malware-001", ref.ID)
	assert.Equal(t, []string{"collect:memory", "collect:artifacts", "isolate:endpoint"}, ref.Actions)
}

// =============================================================================
// Loading
// =============================================================================

// TestLoadPlaybook verifies parsing, validation and export.
func TestLoadPlaybook(t *testing.T) {
	pm := NewPlaybookManager(zap.NewNop())
	require.NoError(t, pm.LoadPlaybook([]byte(customPlaybook)))

	ref, notify := pm.Select(clusterIncident(incident.SeverityLow, nil, telemetry.EventPortScan))
	assert.Equal(t, "pb-scan-001", ref.ID)
	assert.Equal(t, []string{"network_team"}, notify.Roles)

	out, err := pm.ExportPlaybook("pb-scan-001")
	require.NoError(t, err)
	assert.Contains(t, string(out), "Perimeter Scan")

	assert.Error(t, pm.LoadPlaybook([]byte("name: no id\ntriggers: [{}]")))
	assert.Error(t, pm.LoadPlaybook([]byte("id: x\ntriggers: [{min_severity: severe}]")))
	assert.Error(t, pm.LoadPlaybook([]byte("id: x")))
}

// TestLoadDir verifies directory loading, overrides and partial failure.
func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scan.yaml"), []byte(customPlaybook), 0o600))
	override := "id: pb-generic-001\nname: Custom Fallback\ntriggers: [{}]\nescalation: {channels: [teams]}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "generic.yml"), []byte(override), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("id: [unterminated"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))

	pm := NewPlaybookManager(zap.NewNop())
	err := pm.LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yaml")

	_, ok := pm.GetPlaybook("pb-scan-001")
	assert.True(t, ok)
	generic, ok := pm.GetPlaybook("pb-generic-001")
	require.True(t, ok)
	assert.Equal(t, "Custom Fallback", generic.Name)
	assert.Len(t, pm.ListPlaybooks(), 5)

	_, notify := pm.Select(&incident.Incident{Severity: incident.SeverityLow})
	assert.Equal(t, []string{"teams"}, notify.Channels)
}

// TestWatchReloads verifies new files are picked up without a restart.
func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	pm := NewPlaybookManager(zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pm.Watch(ctx, dir) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	// allow the watcher to register before writing
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scan.yaml"), []byte(customPlaybook), 0o600))

	assert.Eventually(t, func() bool {
		_, ok := pm.GetPlaybook("pb-scan-001")
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}
