package mitre

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/incidentforge/internal/telemetry"
)

func TestMapEventType(t *testing.T) {
	af := NewAttackFramework()

	m, ok := af.MapEventType(telemetry.EventSSHBruteForce)
	require.True(t, ok)
	assert.Equal(t, "T1110", m.TechniqueID)
	assert.Equal(t, "TA0006", m.TacticID)

	_, ok = af.MapEventType(telemetry.EventPolicyViolation)
	assert.False(t, ok)
}

func TestTacticChainOrder(t *testing.T) {
	af := NewAttackFramework()

	chain := af.TacticChain([]telemetry.EventType{
		telemetry.EventDataExfiltration,
		telemetry.EventPrivilegeEscalation,
		telemetry.EventSSHBruteForce,
		telemetry.EventPortScan,
		telemetry.EventSSHBruteForce,
		telemetry.EventType("UNMAPPED"),
	})
	assert.Equal(t, []string{"reconnaissance", "privilege-escalation", "credential-access", "exfiltration"}, chain)
}

func TestRegister(t *testing.T) {
	af := NewAttackFramework()

	require.NoError(t, af.Register("CLOUD_API_ABUSE", Technique{ID: "t1526", Name: "Cloud Service Discovery", Tactics: []string{"discovery"}}))
	tech, ok := af.GetTechnique("T1526")
	require.True(t, ok)
	assert.Equal(t, "https://attack.mitre.org/techniques/T1526/", tech.URL)

	assert.Error(t, af.Register("X", Technique{ID: "T9999"}))
	assert.Error(t, af.Register("X", Technique{ID: "T9999", Tactics: []string{"time-travel"}}))

	tactic, ok := af.GetTactic("TA0008")
	require.True(t, ok)
	assert.Equal(t, "lateral-movement", tactic.ShortName)
}
