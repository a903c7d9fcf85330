// Package incident owns the canonical incident record: its model, the
// status/stage transition table, a store-backed repository and the state
// machine through which every mutation flows.
package incident

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/lvonguyen/incidentforge/internal/telemetry/correlation"
)

// Severity is the incident severity level.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Urgent reports whether s is high or critical.
func (s Severity) Urgent() bool {
	return s.Rank() >= SeverityHigh.Rank()
}

// ParseSeverity maps a case-insensitive name to a Severity.
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	return sev, sev.Rank() > 0
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Status is the incident lifecycle status.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusContained     Status = "contained"
	StatusRemediated    Status = "remediated"
	StatusClosed        Status = "closed"
	StatusFalsePositive Status = "false_positive"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusFalsePositive
}

// ValidStatus reports whether s is a known status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusOpen, StatusInvestigating, StatusContained, StatusRemediated, StatusClosed, StatusFalsePositive:
		return true
	}
	return false
}

// Stage is the processing stage an incident has completed.
type Stage string

const (
	StageDetection     Stage = "detection"
	StageAnalysis      Stage = "analysis"
	StageRemediation   Stage = "remediation"
	StageCommunication Stage = "communication"
	StageDone          Stage = "done"
)

// WorkerStages are the stages executed by external workers.
var WorkerStages = []Stage{StageAnalysis, StageRemediation, StageCommunication}

// Next returns the stage that follows s, or "" for done.
func (s Stage) Next() Stage {
	switch s {
	case StageDetection:
		return StageAnalysis
	case StageAnalysis:
		return StageRemediation
	case StageRemediation:
		return StageCommunication
	case StageCommunication:
		return StageDone
	}
	return ""
}

// Outcome is the result of one transfer attempt.
type Outcome string

const (
	OutcomePending     Outcome = "pending"
	OutcomeSuccess     Outcome = "success"
	OutcomeFailed      Outcome = "failed"
	OutcomeCircuitOpen Outcome = "circuit_open"
)

// EntryKind classifies timeline entries.
type EntryKind string

const (
	EntryCreated      EntryKind = "created"
	EntryTransfer     EntryKind = "transfer"
	EntryMerge        EntryKind = "merge"
	EntryOverride     EntryKind = "override"
	EntryReview       EntryKind = "review"
	EntryManualReview EntryKind = "manual_review"
	EntryRelated      EntryKind = "related"
	EntryResume       EntryKind = "resume"
)

// TimelineEntry is one committed fact in an incident's history. Seq is the
// commit order and never changes once assigned.
type TimelineEntry struct {
	Seq        int             `json:"seq"`
	Kind       EntryKind       `json:"kind"`
	FromStage  Stage           `json:"from_stage,omitempty"`
	Stage      Stage           `json:"stage,omitempty"`
	Outcome    Outcome         `json:"outcome,omitempty"`
	TransferID string          `json:"transfer_id,omitempty"`
	Attempt    int             `json:"attempt,omitempty"`
	RetryDelay time.Duration   `json:"retry_delay,omitempty"`
	Message    string          `json:"message,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ClusterRef links an incident to the correlation cluster(s) it came from.
type ClusterRef struct {
	ClusterID   string    `json:"cluster_id"`
	Merged      []string  `json:"merged,omitempty"`
	Keys        []string  `json:"keys"`
	Resources   []string  `json:"resources"`
	Actors      []string  `json:"actors,omitempty"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	EventCount  int       `json:"event_count"`
}

// References reports whether the ref covers clusterID.
func (r *ClusterRef) References(clusterID string) bool {
	if r == nil {
		return false
	}
	if r.ClusterID == clusterID {
		return true
	}
	for _, id := range r.Merged {
		if id == clusterID {
			return true
		}
	}
	return false
}

// Incident is the canonical unit of response.
type Incident struct {
	ID                   string               `json:"id"`
	Title                string               `json:"title"`
	Severity             Severity             `json:"severity"`
	Status               Status               `json:"status"`
	CurrentStage         Stage                `json:"current_stage"`
	ClusterRef           *ClusterRef          `json:"cluster_ref,omitempty"`
	Cluster              *correlation.Summary `json:"cluster,omitempty"`
	Confidence           float64              `json:"confidence"`
	Timeline             []TimelineEntry      `json:"timeline"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
	RelatedIncidents     []string             `json:"related_incidents,omitempty"`
	RequiresManualReview bool                 `json:"requires_manual_review"`
	PendingReview        bool                 `json:"pending_review"`
	Reviewed             bool                 `json:"reviewed"`

	// Version is the store version the incident was loaded at.
	Version int64 `json:"-"`
}

// Terminal reports whether the incident reached a terminal status.
func (i *Incident) Terminal() bool {
	return i.Status.Terminal()
}

// Active reports whether the router should consider the incident.
func (i *Incident) Active() bool {
	return !i.Terminal() && i.CurrentStage != StageDone
}

// LastEntry returns the most recent timeline entry, if any.
func (i *Incident) LastEntry() (TimelineEntry, bool) {
	if len(i.Timeline) == 0 {
		return TimelineEntry{}, false
	}
	return i.Timeline[len(i.Timeline)-1], true
}

// appendEntry assigns the next commit sequence and appends e.
func (i *Incident) appendEntry(e TimelineEntry) {
	e.Seq = len(i.Timeline) + 1
	i.Timeline = append(i.Timeline, e)
	i.UpdatedAt = e.Timestamp
}

// hasTransfer reports whether a transfer outcome with id was recorded.
func (i *Incident) hasTransfer(id string) bool {
	for _, e := range i.Timeline {
		if e.Kind == EntryTransfer && e.TransferID == id {
			return true
		}
	}
	return false
}

func (i *Incident) addRelated(id string) bool {
	if id == i.ID {
		return false
	}
	for _, r := range i.RelatedIncidents {
		if r == id {
			return false
		}
	}
	i.RelatedIncidents = append(i.RelatedIncidents, id)
	return true
}

// SuccessfulResults returns the latest successful worker payload per stage.
func (i *Incident) SuccessfulResults() map[Stage]json.RawMessage {
	out := make(map[Stage]json.RawMessage)
	for _, e := range i.Timeline {
		if e.Kind == EntryTransfer && e.Outcome == OutcomeSuccess && len(e.Payload) > 0 {
			out[e.Stage] = e.Payload
		}
	}
	return out
}

// TransferResult is a stage worker's reply.
type TransferResult struct {
	Success   bool            `json:"success"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
}

// ContextVersion is the current ContextPayload schema version.
const ContextVersion = 1

// PlaybookRef names the response playbook selected for an incident.
type PlaybookRef struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Actions []string `json:"actions,omitempty"`
}

// NotifyPlan tells the communication stage whom to reach and how.
type NotifyPlan struct {
	Roles    []string `json:"roles"`
	Channels []string `json:"channels"`
}

// ContextPayload is the immutable, versioned data a stage worker receives.
type ContextPayload struct {
	Version          int                       `json:"version"`
	IncidentID       string                    `json:"incident_id"`
	Title            string                    `json:"title"`
	Severity         Severity                  `json:"severity"`
	Confidence       float64                   `json:"confidence"`
	Stage            Stage                     `json:"stage"`
	Cluster          *correlation.Summary      `json:"cluster,omitempty"`
	PriorResults     map[Stage]json.RawMessage `json:"prior_results,omitempty"`
	Playbook         *PlaybookRef              `json:"playbook,omitempty"`
	RequiresApproval bool                      `json:"requires_approval"`
	AutoRemediate    bool                      `json:"auto_remediate"`
	Notify           *NotifyPlan               `json:"notify,omitempty"`
}

// WorkflowTransfer is one attempted hand-off between stages.
type WorkflowTransfer struct {
	ID            string          `json:"id"`
	IncidentID    string          `json:"incident_id"`
	FromStage     Stage           `json:"from_stage"`
	ToStage       Stage           `json:"to_stage"`
	Context       ContextPayload  `json:"context"`
	AttemptNumber int             `json:"attempt_number"`
	CreatedAt     time.Time       `json:"created_at"`
	Outcome       Outcome         `json:"outcome"`
	Result        *TransferResult `json:"result,omitempty"`
	RetryDelay    time.Duration   `json:"retry_delay,omitempty"`
	Error         string          `json:"error,omitempty"`
}
