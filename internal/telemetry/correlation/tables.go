package correlation

import "github.com/lvonguyen/incidentforge/internal/telemetry"

// CausalPair is an ordered (earlier, later) event type progression that
// indicates attack-chain advancement.
type CausalPair struct {
	From telemetry.EventType `yaml:"from" json:"from"`
	To   telemetry.EventType `yaml:"to" json:"to"`
}

// DefaultCausalPairs returns the built-in attack progression table.
func DefaultCausalPairs() []CausalPair {
	return []CausalPair{
		{telemetry.EventPortScan, telemetry.EventSSHBruteForce},
		{telemetry.EventPortScan, telemetry.EventCredentialAccess},
		{telemetry.EventReconnaissance, telemetry.EventSSHBruteForce},
		{telemetry.EventReconnaissance, telemetry.EventCredentialAccess},
		{telemetry.EventPhishingClick, telemetry.EventCredentialAccess},
		{telemetry.EventPhishingClick, telemetry.EventMalwareExecution},
		{telemetry.EventSSHBruteForce, telemetry.EventAnomalousLogin},
		{telemetry.EventSSHBruteForce, telemetry.EventPrivilegeEscalation},
		{telemetry.EventCredentialAccess, telemetry.EventAnomalousLogin},
		{telemetry.EventCredentialAccess, telemetry.EventPrivilegeEscalation},
		{telemetry.EventCredentialAccess, telemetry.EventLateralMovement},
		{telemetry.EventAnomalousLogin, telemetry.EventPrivilegeEscalation},
		{telemetry.EventAnomalousLogin, telemetry.EventDataStaging},
		{telemetry.EventMalwareExecution, telemetry.EventPersistence},
		{telemetry.EventMalwareExecution, telemetry.EventPrivilegeEscalation},
		{telemetry.EventPrivilegeEscalation, telemetry.EventPersistence},
		{telemetry.EventPrivilegeEscalation, telemetry.EventLateralMovement},
		{telemetry.EventPrivilegeEscalation, telemetry.EventDataStaging},
		{telemetry.EventPersistence, telemetry.EventLateralMovement},
		{telemetry.EventLateralMovement, telemetry.EventDataStaging},
		{telemetry.EventLateralMovement, telemetry.EventDataExfiltration},
		{telemetry.EventDataStaging, telemetry.EventDataExfiltration},
	}
}

var severityRank = map[string]int{
	"low":      1,
	"medium":   2,
	"high":     3,
	"critical": 4,
}

func eventSeverity(et telemetry.EventType) string {
	switch et {
	case telemetry.EventDataExfiltration:
		return "critical"
	case telemetry.EventPrivilegeEscalation, telemetry.EventCredentialAccess,
		telemetry.EventMalwareExecution, telemetry.EventLateralMovement,
		telemetry.EventPersistence:
		return "high"
	case telemetry.EventSSHBruteForce, telemetry.EventAnomalousLogin,
		telemetry.EventPhishingClick, telemetry.EventDataStaging:
		return "medium"
	default:
		return "low"
	}
}
