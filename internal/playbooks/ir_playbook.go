// Package playbooks provides incident response playbook management
package playbooks

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/incidentforge/internal/incident"
	"github.com/lvonguyen/incidentforge/internal/telemetry"
)

// IRPlaybook represents an incident response playbook
type IRPlaybook struct {
	ID          string     `yaml:"id" json:"id"`
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description" json:"description"`
	Category    string     `yaml:"category" json:"category"` // credential_compromise, malware, data_breach, ...
	Triggers    []Trigger  `yaml:"triggers" json:"triggers"`
	Steps       []Step     `yaml:"steps" json:"steps"`
	Escalation  Escalation `yaml:"escalation" json:"escalation"`
	Metadata    Metadata   `yaml:"metadata" json:"metadata"`
}

// Trigger matches correlated clusters. Empty EventTypes and Tactics match
// any incident at or above MinSeverity.
type Trigger struct {
	EventTypes  []string `yaml:"event_types" json:"event_types"`
	Tactics     []string `yaml:"tactics" json:"tactics"` // ATT&CK short names
	MinSeverity string   `yaml:"min_severity" json:"min_severity"`
}

// Step represents a single step in the playbook
type Step struct {
	ID      string        `yaml:"id" json:"id"`
	Name    string        `yaml:"name" json:"name"`
	Stage   string        `yaml:"stage" json:"stage"` // analysis, remediation, communication
	Owner   string        `yaml:"owner" json:"owner"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	Actions []Action      `yaml:"actions" json:"actions"`
}

// Action represents an action within a step
type Action struct {
	Type      string            `yaml:"type" json:"type"`     // isolate, collect, notify, revoke
	Target    string            `yaml:"target" json:"target"` // what to act on
	Params    map[string]string `yaml:"parameters" json:"parameters,omitempty"`
	Automated bool              `yaml:"automated" json:"automated"`
}

// Escalation defines who the communication stage notifies
type Escalation struct {
	NotifyRoles  []string `yaml:"notify_roles" json:"notify_roles"`
	Channels     []string `yaml:"channels" json:"channels"` // slack, email, pagerduty
	ExternalTeam string   `yaml:"external_team" json:"external_team"`
}

// Metadata contains playbook metadata
type Metadata struct {
	Author       string   `yaml:"author" json:"author"`
	Version      string   `yaml:"version" json:"version"`
	MITRETactics []string `yaml:"mitre_tactics" json:"mitre_tactics"`
	Compliance   []string `yaml:"compliance" json:"compliance"`
}

// Validate checks the fields selection depends on.
func (pb *IRPlaybook) Validate() error {
	if pb.ID == "" {
		return fmt.Errorf("playbook id is required")
	}
	if len(pb.Triggers) == 0 {
		return fmt.Errorf("playbook %s has no triggers", pb.ID)
	}
	for _, t := range pb.Triggers {
		if t.MinSeverity == "" {
			continue
		}
		if _, ok := incident.ParseSeverity(t.MinSeverity); !ok {
			return fmt.Errorf("playbook %s: invalid min_severity %q", pb.ID, t.MinSeverity)
		}
	}
	return nil
}

// PlaybookManager holds built-in playbooks plus those loaded from a
// directory. Directory playbooks replace built-ins with the same id.
type PlaybookManager struct {
	mu      sync.RWMutex
	builtin map[string]*IRPlaybook
	loaded  map[string]*IRPlaybook
	logger  *zap.Logger
}

// NewPlaybookManager creates a new playbook manager
func NewPlaybookManager(logger *zap.Logger) *PlaybookManager {
	pm := &PlaybookManager{
		builtin: make(map[string]*IRPlaybook),
		loaded:  make(map[string]*IRPlaybook),
		logger:  logger.Named("playbooks"),
	}
	pm.loadDefaultPlaybooks()
	return pm
}

// GetPlaybook returns a playbook by ID
func (pm *PlaybookManager) GetPlaybook(id string) (*IRPlaybook, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pb, ok := pm.loaded[id]; ok {
		return pb, true
	}
	pb, ok := pm.builtin[id]
	return pb, ok
}

// ListPlaybooks returns the effective playbooks sorted by id.
func (pm *PlaybookManager) ListPlaybooks() []*IRPlaybook {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.effectiveLocked()
}

func (pm *PlaybookManager) effectiveLocked() []*IRPlaybook {
	merged := make(map[string]*IRPlaybook, len(pm.builtin)+len(pm.loaded))
	for id, pb := range pm.builtin {
		merged[id] = pb
	}
	for id, pb := range pm.loaded {
		merged[id] = pb
	}
	out := make([]*IRPlaybook, 0, len(merged))
	for _, pb := range merged {
		out = append(out, pb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ParsePlaybook decodes and validates a playbook from YAML.
func ParsePlaybook(data []byte) (*IRPlaybook, error) {
	var pb IRPlaybook
	if err := yaml.Unmarshal(data, &pb); err != nil {
		return nil, fmt.Errorf("parsing playbook YAML: %w", err)
	}
	if err := pb.Validate(); err != nil {
		return nil, err
	}
	return &pb, nil
}

// LoadPlaybook adds a single playbook from YAML.
func (pm *PlaybookManager) LoadPlaybook(data []byte) error {
	pb, err := ParsePlaybook(data)
	if err != nil {
		return err
	}
	pm.mu.Lock()
	pm.loaded[pb.ID] = pb
	pm.mu.Unlock()

	pm.logger.Info("Playbook loaded",
		zap.String("id", pb.ID),
		zap.String("name", pb.Name),
	)
	return nil
}

// LoadDir replaces the loaded playbooks with the *.yaml and *.yml files in
// dir. A file that fails to parse is skipped and reported in the returned
// error; the remaining files still load.
func (pm *PlaybookManager) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading playbook dir: %w", err)
	}

	loaded := make(map[string]*IRPlaybook)
	var problems []string
	for _, e := range entries {
		if e.IsDir() || !isPlaybookFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", e.Name(), err))
			continue
		}
		pb, err := ParsePlaybook(data)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", e.Name(), err))
			continue
		}
		loaded[pb.ID] = pb
	}

	pm.mu.Lock()
	pm.loaded = loaded
	pm.mu.Unlock()

	pm.logger.Info("Playbook directory loaded",
		zap.String("dir", dir),
		zap.Int("count", len(loaded)),
		zap.Int("errors", len(problems)),
	)
	if len(problems) > 0 {
		return fmt.Errorf("invalid playbooks: %s", strings.Join(problems, "; "))
	}
	return nil
}

func isPlaybookFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// ExportPlaybook exports a playbook to YAML
func (pm *PlaybookManager) ExportPlaybook(id string) ([]byte, error) {
	pb, ok := pm.GetPlaybook(id)
	if !ok {
		return nil, fmt.Errorf("playbook not found: %s", id)
	}
	return yaml.Marshal(pb)
}

// Select picks the playbook whose triggers best match the incident's
// cluster and returns the reference and notification plan carried in the
// transfer context. The most specific match wins; ties go to the lower id.
func (pm *PlaybookManager) Select(inc *incident.Incident) (*incident.PlaybookRef, *incident.NotifyPlan) {
	pm.mu.RLock()
	candidates := pm.effectiveLocked()
	pm.mu.RUnlock()

	var types, tactics []string
	if inc.Cluster != nil {
		for _, et := range inc.Cluster.EventTypes {
			types = append(types, string(et))
		}
		tactics = inc.Cluster.Tactics
	}

	var best *IRPlaybook
	bestScore := -1
	for _, pb := range candidates {
		score := pb.match(inc.Severity, types, tactics)
		if score > bestScore {
			best, bestScore = pb, score
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.ref(), &incident.NotifyPlan{
		Roles:    append([]string(nil), best.Escalation.NotifyRoles...),
		Channels: append([]string(nil), best.Escalation.Channels...),
	}
}

// match returns -1 when no trigger fires, otherwise the number of matched
// event types and tactics of the best trigger.
func (pb *IRPlaybook) match(sev incident.Severity, types, tactics []string) int {
	best := -1
	for _, t := range pb.Triggers {
		if t.MinSeverity != "" {
			floor, _ := incident.ParseSeverity(t.MinSeverity)
			if sev.Rank() < floor.Rank() {
				continue
			}
		}
		if len(t.EventTypes) == 0 && len(t.Tactics) == 0 {
			best = max(best, 0)
			continue
		}
		n := 0
		for _, et := range t.EventTypes {
			if containsFold(types, string(telemetry.ParseEventType(et))) {
				n++
			}
		}
		for _, tac := range t.Tactics {
			if containsFold(tactics, tac) {
				n++
			}
		}
		if n > 0 {
			best = max(best, n)
		}
	}
	return best
}

func (pb *IRPlaybook) ref() *incident.PlaybookRef {
	ref := &incident.PlaybookRef{ID: pb.ID, Name: pb.Name}
	for _, s := range pb.Steps {
		for _, a := range s.Actions {
			ref.Actions = append(ref.Actions, a.Type+":"+a.Target)
		}
	}
	return ref
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func (pm *PlaybookManager) loadDefaultPlaybooks() {
	pm.builtin["pb-generic-001"] = &IRPlaybook{
		ID:          "pb-generic-001",
		Name:        "Generic Security Incident",
		Description: "Fallback triage for incidents no specific playbook covers",
		Category:    "generic",
		Triggers:    []Trigger{{}},
		Steps: []Step{
			{
				ID: "step-1", Name: "Triage", Stage: "analysis", Owner: "security_analyst", Timeout: time.Hour,
				Actions: []Action{{Type: "collect", Target: "logs", Automated: true}},
			},
		},
		Escalation: Escalation{
			NotifyRoles: []string{"security_analyst"},
			Channels:    []string{"slack"},
		},
		Metadata: Metadata{Author: "Security Team", Version: "1.0"},
	}

	pm.builtin["pb-credential-001"] = &IRPlaybook{
		ID:          "pb-credential-001",
		Name:        "Credential Compromise Response",
		Description: "Brute force or anomalous login followed by credential access",
		Category:    "credential_compromise",
		Triggers: []Trigger{
			{EventTypes: []string{"SSH_BRUTE_FORCE", "ANOMALOUS_LOGIN", "CREDENTIAL_ACCESS"}, MinSeverity: "medium"},
			{Tactics: []string{"credential-access"}, MinSeverity: "medium"},
		},
		Steps: []Step{
			{
				ID: "step-1", Name: "Scope Affected Accounts", Stage: "analysis", Owner: "security_analyst", Timeout: 30 * time.Minute,
				Actions: []Action{
					{Type: "collect", Target: "auth_logs", Automated: true},
					{Type: "enrich", Target: "identity", Automated: true},
				},
			},
			{
				ID: "step-2", Name: "Contain Credentials", Stage: "remediation", Owner: "security_analyst", Timeout: 15 * time.Minute,
				Actions: []Action{
					{Type: "revoke", Target: "sessions", Automated: true},
					{Type: "reset", Target: "credentials"},
					{Type: "block", Target: "source_ip", Automated: true},
				},
			},
		},
		Escalation: Escalation{
			NotifyRoles: []string{"security_lead", "identity_team"},
			Channels:    []string{"slack", "pagerduty"},
		},
		Metadata: Metadata{
			Author:       "Security Team",
			Version:      "1.0",
			MITRETactics: []string{"TA0006", "TA0001"},
			Compliance:   []string{"SOC2"},
		},
	}

	pm.builtin["pb-malware-001"] = &IRPlaybook{
		ID:          "pb-malware-001",
		Name:        "Malware Execution Response",
		Description: "Malware execution, persistence or privilege escalation on a host",
		Category:    "malware",
		Triggers: []Trigger{
			{EventTypes: []string{"MALWARE_EXECUTION", "PERSISTENCE", "PRIVILEGE_ESCALATION"}},
		},
		Steps: []Step{
			{
				ID: "step-1", Name: "Collect Forensic Evidence", Stage: "analysis", Owner: "security_analyst", Timeout: 30 * time.Minute,
				Actions: []Action{
					{Type: "collect", Target: "memory", Automated: true},
					{Type: "collect", Target: "artifacts", Automated: true},
				},
			},
			{
				ID: "step-2", Name: "Isolate Endpoint", Stage: "remediation", Owner: "security_analyst", Timeout: 5 * time.Minute,
				Actions: []Action{{Type: "isolate", Target: "endpoint", Automated: true}},
			},
		},
		Escalation: Escalation{
			NotifyRoles:  []string{"security_lead", "ciso"},
			Channels:     []string{"pagerduty", "email"},
			ExternalTeam: "incident_response_vendor",
		},
		Metadata: Metadata{
			Author:       "Security Team",
			Version:      "1.0",
			MITRETactics: []string{"TA0002", "TA0003", "TA0004"},
			Compliance:   []string{"SOC2", "PCI-DSS"},
		},
	}

	pm.builtin["pb-breach-001"] = &IRPlaybook{
		ID:          "pb-breach-001",
		Name:        "Data Breach Response",
		Description: "Data staging or exfiltration, possibly after lateral movement",
		Category:    "data_breach",
		Triggers: []Trigger{
			{EventTypes: []string{"DATA_STAGING", "DATA_EXFILTRATION", "LATERAL_MOVEMENT"}, MinSeverity: "high"},
			{Tactics: []string{"exfiltration", "collection"}},
		},
		Steps: []Step{
			{
				ID: "step-1", Name: "Assess Impact", Stage: "analysis", Owner: "security_lead", Timeout: 4 * time.Hour,
				Actions: []Action{{Type: "analyze", Target: "dlp_events"}},
			},
			{
				ID: "step-2", Name: "Contain the Breach", Stage: "remediation", Owner: "security_analyst", Timeout: 30 * time.Minute,
				Actions: []Action{
					{Type: "isolate", Target: "affected_systems", Automated: true},
					{Type: "block", Target: "exfil_destination", Automated: true},
				},
			},
			{
				ID: "step-3", Name: "Legal and Regulatory Notification", Stage: "communication", Owner: "legal", Timeout: 72 * time.Hour,
				Actions: []Action{{Type: "notify", Target: "regulatory_bodies"}},
			},
		},
		Escalation: Escalation{
			NotifyRoles:  []string{"ciso", "legal", "privacy_officer"},
			Channels:     []string{"pagerduty", "phone"},
			ExternalTeam: "forensics_firm",
		},
		Metadata: Metadata{
			Author:       "Security Team",
			Version:      "1.0",
			MITRETactics: []string{"TA0009", "TA0010"},
			Compliance:   []string{"GDPR", "CCPA", "PCI-DSS", "HIPAA"},
		},
	}

	pm.logger.Info("Default playbooks loaded",
		zap.Int("count", len(pm.builtin)),
	)
}
