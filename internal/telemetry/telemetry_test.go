package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEvent(now time.Time) Event {
	return Event{
		ID:        "evt-1",
		Timestamp: now,
		Source:    "crowdstrike",
		Actor:     "svc-ci@corp.com",
		Resource:  "db-1",
		EventType: EventSSHBruteForce,
	}
}

func TestValidate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		mutate func(*Event)
		field  string
	}{
		{"missing id", func(e *Event) { e.ID = " " }, "id"},
		{"missing timestamp", func(e *Event) { e.Timestamp = time.Time{} }, "timestamp"},
		{"missing source", func(e *Event) { e.Source = "" }, "source"},
		{"missing resource", func(e *Event) { e.Resource = "" }, "resource"},
		{"missing type", func(e *Event) { e.EventType = "" }, "event_type"},
		{"too far in future", func(e *Event) { e.Timestamp = now.Add(10 * time.Minute) }, "timestamp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent(now)
			tt.mutate(&ev)

			err := ev.Validate(now, time.Minute)
			require.Error(t, err)
			assert.True(t, IsValidationError(err))

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	t.Run("actor is optional", func(t *testing.T) {
		ev := validEvent(now)
		ev.Actor = ""
		assert.NoError(t, ev.Validate(now, time.Minute))
	})

	t.Run("skew within tolerance", func(t *testing.T) {
		ev := validEvent(now)
		ev.Timestamp = now.Add(30 * time.Second)
		assert.NoError(t, ev.Validate(now, time.Minute))
	})
}

func TestParseEventType(t *testing.T) {
	assert.Equal(t, EventSSHBruteForce, ParseEventType("ssh-brute-force"))
	assert.Equal(t, EventPrivilegeEscalation, ParseEventType(" privilege_escalation "))
	assert.Equal(t, EventType("CLOUD_API_ABUSE"), ParseEventType("cloud.api abuse"))
}

func TestSeverityHint(t *testing.T) {
	ev := Event{Attributes: map[string]any{"severity": " HIGH "}}
	assert.Equal(t, "high", ev.SeverityHint())
	assert.Equal(t, "", Event{}.SeverityHint())
}
