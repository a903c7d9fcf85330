package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/lvonguyen/incidentforge/internal/incident"
)

// contextSchema describes ContextPayload version 1.
const contextSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "incident_id", "severity", "confidence", "stage", "requires_approval", "auto_remediate"],
  "properties": {
    "version": {"const": 1},
    "incident_id": {"type": "string", "minLength": 1},
    "title": {"type": "string"},
    "severity": {"enum": ["low", "medium", "high", "critical"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "stage": {"enum": ["analysis", "remediation", "communication"]},
    "cluster": {"type": "object", "required": ["cluster_id", "event_count"]},
    "prior_results": {"type": "object"},
    "playbook": {"type": "object", "required": ["id"]},
    "requires_approval": {"type": "boolean"},
    "auto_remediate": {"type": "boolean"},
    "notify": {
      "type": "object",
      "properties": {
        "roles": {"type": "array", "items": {"type": "string"}},
        "channels": {"type": "array", "items": {"type": "string"}}
      }
    }
  },
  "not": {
    "properties": {"requires_approval": {"const": true}, "auto_remediate": {"const": true}},
    "required": ["requires_approval", "auto_remediate"]
  }
}`

// SchemaError lists the payload fields that failed validation.
type SchemaError struct {
	Problems []string
}

func (e *SchemaError) Error() string {
	return "invalid context payload: " + strings.Join(e.Problems, "; ")
}

// IsSchemaError reports whether err is a payload rejection. Resending the
// same payload cannot succeed.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// Validator checks context payloads at the worker boundary.
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator compiles the context payload schema.
func NewValidator() (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(contextSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to load context schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate returns a *SchemaError when p does not match the schema.
func (v *Validator) Validate(p incident.ContextPayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode context payload: %w", err)
	}
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return &SchemaError{Problems: problems}
	}
	return nil
}

// Wrap returns a worker that validates the transfer context before
// delegating to w. Invalid payloads fail with a *SchemaError without a
// send.
func (v *Validator) Wrap(w Worker) Worker {
	return FuncWorker(func(ctx context.Context, t incident.WorkflowTransfer) (incident.TransferResult, error) {
		if err := v.Validate(t.Context); err != nil {
			return incident.TransferResult{}, err
		}
		return w.Submit(ctx, t)
	})
}
