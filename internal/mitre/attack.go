// Package mitre maps correlated event types onto MITRE ATT&CK techniques and
// orders the resulting tactics along the kill chain.
package mitre

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lvonguyen/incidentforge/internal/telemetry"
)

// Technique represents a MITRE ATT&CK technique
type Technique struct {
	ID      string   `json:"id"`      // e.g., "T1110"
	Name    string   `json:"name"`    // e.g., "Brute Force"
	Tactics []string `json:"tactics"` // e.g., ["credential-access"]
	URL     string   `json:"url"`
}

// Tactic represents a MITRE ATT&CK tactic
type Tactic struct {
	ID        string `json:"id"`         // e.g., "TA0006"
	Name      string `json:"name"`       // e.g., "Credential Access"
	ShortName string `json:"short_name"` // e.g., "credential-access"
	Order     int    `json:"order"`      // kill-chain position
	URL       string `json:"url"`
}

// Mapping represents a technique mapping for an event type
type Mapping struct {
	EventType     telemetry.EventType `json:"event_type"`
	TechniqueID   string              `json:"technique_id"`
	TechniqueName string              `json:"technique_name"`
	TacticID      string              `json:"tactic_id"`
	TacticName    string              `json:"tactic_name"`
}

// AttackFramework provides MITRE ATT&CK lookups
type AttackFramework struct {
	mu         sync.RWMutex
	techniques map[string]*Technique
	tactics    map[string]*Tactic
	byType     map[telemetry.EventType]string // event type -> technique id
}

// NewAttackFramework creates a framework seeded with the techniques the
// built-in event types map to.
func NewAttackFramework() *AttackFramework {
	af := &AttackFramework{
		techniques: make(map[string]*Technique),
		tactics:    make(map[string]*Tactic),
		byType:     make(map[telemetry.EventType]string),
	}
	af.initializeTactics()
	af.initializeTechniques()
	return af
}

// MapEventType returns the technique mapping for an event type. Unknown
// types and POLICY_VIOLATION have no mapping.
func (af *AttackFramework) MapEventType(et telemetry.EventType) (Mapping, bool) {
	af.mu.RLock()
	defer af.mu.RUnlock()

	id, ok := af.byType[et]
	if !ok {
		return Mapping{}, false
	}
	tech := af.techniques[id]
	tactic := af.tactics[tech.Tactics[0]]
	return Mapping{
		EventType:     et,
		TechniqueID:   tech.ID,
		TechniqueName: tech.Name,
		TacticID:      tactic.ID,
		TacticName:    tactic.Name,
	}, true
}

// TacticChain returns the distinct tactics touched by the given event types,
// ordered along the kill chain.
func (af *AttackFramework) TacticChain(types []telemetry.EventType) []string {
	af.mu.RLock()
	defer af.mu.RUnlock()

	seen := make(map[string]*Tactic)
	for _, et := range types {
		id, ok := af.byType[et]
		if !ok {
			continue
		}
		for _, short := range af.techniques[id].Tactics {
			seen[short] = af.tactics[short]
		}
	}

	chain := make([]*Tactic, 0, len(seen))
	for _, t := range seen {
		chain = append(chain, t)
	}
	sort.Slice(chain, func(i, j int) bool { return chain[i].Order < chain[j].Order })

	out := make([]string, len(chain))
	for i, t := range chain {
		out[i] = t.ShortName
	}
	return out
}

// Register adds or replaces the technique an event type maps to.
func (af *AttackFramework) Register(et telemetry.EventType, tech Technique) error {
	af.mu.Lock()
	defer af.mu.Unlock()

	if len(tech.Tactics) == 0 {
		return fmt.Errorf("technique %s has no tactics", tech.ID)
	}
	for _, short := range tech.Tactics {
		if _, ok := af.tactics[short]; !ok {
			return fmt.Errorf("technique %s: unknown tactic %q", tech.ID, short)
		}
	}
	tech.ID = strings.ToUpper(tech.ID)
	tech.URL = techniqueURL(tech.ID)
	af.techniques[tech.ID] = &tech
	af.byType[et] = tech.ID
	return nil
}

// GetTechnique returns a technique by ID
func (af *AttackFramework) GetTechnique(id string) (*Technique, bool) {
	af.mu.RLock()
	defer af.mu.RUnlock()
	t, ok := af.techniques[strings.ToUpper(id)]
	return t, ok
}

// GetTactic returns a tactic by ID or short name
func (af *AttackFramework) GetTactic(id string) (*Tactic, bool) {
	af.mu.RLock()
	defer af.mu.RUnlock()
	t, ok := af.tactics[id]
	return t, ok
}

func (af *AttackFramework) initializeTechniques() {
	seed := map[telemetry.EventType]Technique{
		telemetry.EventPortScan:            {ID: "T1595", Name: "Active Scanning", Tactics: []string{"reconnaissance"}},
		telemetry.EventReconnaissance:      {ID: "T1595", Name: "Active Scanning", Tactics: []string{"reconnaissance"}},
		telemetry.EventPhishingClick:       {ID: "T1566", Name: "Phishing", Tactics: []string{"initial-access"}},
		telemetry.EventAnomalousLogin:      {ID: "T1078", Name: "Valid Accounts", Tactics: []string{"initial-access", "persistence"}},
		telemetry.EventSSHBruteForce:       {ID: "T1110", Name: "Brute Force", Tactics: []string{"credential-access"}},
		telemetry.EventCredentialAccess:    {ID: "T1003", Name: "OS Credential Dumping", Tactics: []string{"credential-access"}},
		telemetry.EventMalwareExecution:    {ID: "T1204", Name: "User Execution", Tactics: []string{"execution"}},
		telemetry.EventPrivilegeEscalation: {ID: "T1068", Name: "Exploitation for Privilege Escalation", Tactics: []string{"privilege-escalation"}},
		telemetry.EventPersistence:         {ID: "T1547", Name: "Boot or Logon Autostart Execution", Tactics: []string{"persistence", "privilege-escalation"}},
		telemetry.EventLateralMovement:     {ID: "T1021", Name: "Remote Services", Tactics: []string{"lateral-movement"}},
		telemetry.EventDataStaging:         {ID: "T1074", Name: "Data Staged", Tactics: []string{"collection"}},
		telemetry.EventDataExfiltration:    {ID: "T1041", Name: "Exfiltration Over C2 Channel", Tactics: []string{"exfiltration"}},
	}
	for et, tech := range seed {
		// seed tactics are all registered above
		_ = af.Register(et, tech)
	}
}

func (af *AttackFramework) initializeTactics() {
	tactics := []*Tactic{
		{ID: "TA0043", Name: "Reconnaissance", ShortName: "reconnaissance"},
		{ID: "TA0001", Name: "Initial Access", ShortName: "initial-access"},
		{ID: "TA0002", Name: "Execution", ShortName: "execution"},
		{ID: "TA0003", Name: "Persistence", ShortName: "persistence"},
		{ID: "TA0004", Name: "Privilege Escalation", ShortName: "privilege-escalation"},
		{ID: "TA0005", Name: "Defense Evasion", ShortName: "defense-evasion"},
		{ID: "TA0006", Name: "Credential Access", ShortName: "credential-access"},
		{ID: "TA0007", Name: "Discovery", ShortName: "discovery"},
		{ID: "TA0008", Name: "Lateral Movement", ShortName: "lateral-movement"},
		{ID: "TA0009", Name: "Collection", ShortName: "collection"},
		{ID: "TA0011", Name: "Command and Control", ShortName: "command-and-control"},
		{ID: "TA0010", Name: "Exfiltration", ShortName: "exfiltration"},
		{ID: "TA0040", Name: "Impact", ShortName: "impact"},
	}

	af.mu.Lock()
	defer af.mu.Unlock()
	for i, t := range tactics {
		t.Order = i
		t.URL = fmt.Sprintf("https://attack.mitre.org/tactics/%s/", t.ID)
		af.tactics[t.ShortName] = t
		af.tactics[t.ID] = t
	}
}

func techniqueURL(id string) string {
	return fmt.Sprintf("https://attack.mitre.org/techniques/%s/", id)
}

