// Package telemetry defines the security event model consumed by the
// correlation engine and the contract for upstream event sources.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType is the enumerated category of an observed security fact.
type EventType string

const (
	EventPortScan            EventType = "PORT_SCAN"
	EventReconnaissance      EventType = "RECONNAISSANCE"
	EventPhishingClick       EventType = "PHISHING_CLICK"
	EventSSHBruteForce       EventType = "SSH_BRUTE_FORCE"
	EventAnomalousLogin      EventType = "ANOMALOUS_LOGIN"
	EventCredentialAccess    EventType = "CREDENTIAL_ACCESS"
	EventMalwareExecution    EventType = "MALWARE_EXECUTION"
	EventPrivilegeEscalation EventType = "PRIVILEGE_ESCALATION"
	EventPersistence         EventType = "PERSISTENCE"
	EventLateralMovement     EventType = "LATERAL_MOVEMENT"
	EventDataStaging         EventType = "DATA_STAGING"
	EventDataExfiltration    EventType = "DATA_EXFILTRATION"
	EventPolicyViolation     EventType = "POLICY_VIOLATION"
)

// KnownEventTypes lists the categories the built-in severity and causal
// tables know about. Other upper-case categories are accepted as-is.
var KnownEventTypes = []EventType{
	EventPortScan,
	EventReconnaissance,
	EventPhishingClick,
	EventSSHBruteForce,
	EventAnomalousLogin,
	EventCredentialAccess,
	EventMalwareExecution,
	EventPrivilegeEscalation,
	EventPersistence,
	EventLateralMovement,
	EventDataStaging,
	EventDataExfiltration,
	EventPolicyViolation,
}

// ParseEventType normalizes a category name ("ssh-brute-force",
// "ssh_brute_force") into its canonical upper snake case form.
func ParseEventType(s string) EventType {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("-", "_", " ", "_", ".", "_").Replace(s)
	return EventType(strings.ToUpper(s))
}

// Event represents one observed security-relevant fact.
// Events are immutable once created; Attributes must not be modified after
// the event has been ingested.
type Event struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Source     string         `json:"source"`          // collector identity
	Actor      string         `json:"actor,omitempty"` // user, IP or service account; empty when unknown
	Resource   string         `json:"resource"`        // affected asset identifier
	EventType  EventType      `json:"event_type"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Key returns the (resource, actor) ordering key of the event.
func (e Event) Key() string {
	return e.Resource + "|" + e.Actor
}

// SeverityHint returns the "severity" attribute if the collector supplied one.
func (e Event) SeverityHint() string {
	if e.Attributes == nil {
		return ""
	}
	if s, ok := e.Attributes["severity"].(string); ok {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return ""
}

// ValidationError reports malformed input. Events failing validation are
// rejected and never retried.
type ValidationError struct {
	EventID string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid event %s: %s %s", e.EventID, e.Field, e.Reason)
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks required fields and rejects timestamps more than maxSkew
// ahead of now. A zero maxSkew disables the skew check.
func (e Event) Validate(now time.Time, maxSkew time.Duration) error {
	switch {
	case strings.TrimSpace(e.ID) == "":
		return &ValidationError{Field: "id", Reason: "is required"}
	case e.Timestamp.IsZero():
		return &ValidationError{EventID: e.ID, Field: "timestamp", Reason: "is required"}
	case strings.TrimSpace(e.Source) == "":
		return &ValidationError{EventID: e.ID, Field: "source", Reason: "is required"}
	case strings.TrimSpace(e.Resource) == "":
		return &ValidationError{EventID: e.ID, Field: "resource", Reason: "is required"}
	case strings.TrimSpace(string(e.EventType)) == "":
		return &ValidationError{EventID: e.ID, Field: "event_type", Reason: "is required"}
	}
	if maxSkew > 0 && e.Timestamp.After(now.Add(maxSkew)) {
		return &ValidationError{
			EventID: e.ID,
			Field:   "timestamp",
			Reason:  fmt.Sprintf("is %s ahead of the ingest clock (max skew %s)", e.Timestamp.Sub(now).Round(time.Second), maxSkew),
		}
	}
	return nil
}

// EventSource is the durable log query layer that supplies raw events.
// Implementations may return gaps or duplicates; consumers dedup by event id.
type EventSource interface {
	// Name returns the source name
	Name() string
	// FetchEvents returns up to limit events observed at or after since
	FetchEvents(ctx context.Context, since time.Time, limit int) ([]Event, error)
}
