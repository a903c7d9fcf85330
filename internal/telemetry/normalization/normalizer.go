// Package normalization converts collector-specific payloads into the
// canonical telemetry.Event shape.
package normalization

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lvonguyen/incidentforge/internal/telemetry"
)

// NormalizerConfig holds configuration for normalization
type NormalizerConfig struct {
	// DefaultSource is used when a payload carries no collector identity.
	DefaultSource string `yaml:"default_source"`
	// KeepUnmapped copies fields that were not mapped into Attributes.
	KeepUnmapped bool `yaml:"keep_unmapped"`
}

// Normalizer maps raw payload fields onto telemetry.Event
type Normalizer struct {
	config NormalizerConfig
}

// NewNormalizer creates a new normalizer
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	return &Normalizer{config: cfg}
}

// Field aliases accepted from upstream collectors, in priority order.
var (
	idFields        = []string{"id", "event_id", "uid"}
	timestampFields = []string{"timestamp", "time", "ts", "@timestamp"}
	sourceFields    = []string{"source", "collector", "product"}
	actorFields     = []string{"actor", "user", "principal", "src_ip", "source_ip"}
	resourceFields  = []string{"resource", "asset", "host", "target", "hostname"}
	typeFields      = []string{"event_type", "type", "category"}
)

var vendorMap = map[string]string{
	"crowdstrike":    "CrowdStrike",
	"sentinelone":    "SentinelOne",
	"defender":       "Microsoft",
	"splunk":         "Splunk",
	"aws-cloudtrail": "Amazon Web Services",
	"azure-activity": "Microsoft",
	"gcp-audit":      "Google Cloud",
}

// NormalizeJSON decodes a JSON object and normalizes it.
func (n *Normalizer) NormalizeJSON(data []byte) (telemetry.Event, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return telemetry.Event{}, &telemetry.ValidationError{Field: "body", Reason: fmt.Sprintf("is not a JSON object: %v", err)}
	}
	return n.Normalize(raw)
}

// Normalize converts a raw payload to an Event. It does not run the skew
// check; that belongs to the ingest buffer, which owns the ingest clock.
func (n *Normalizer) Normalize(raw map[string]any) (telemetry.Event, error) {
	if raw == nil {
		return telemetry.Event{}, &telemetry.ValidationError{Field: "body", Reason: "is empty"}
	}

	used := make(map[string]bool)
	pick := func(fields []string) string {
		for _, f := range fields {
			if v, ok := raw[f]; ok {
				if s := stringValue(v); s != "" {
					used[f] = true
					return s
				}
			}
		}
		return ""
	}

	ev := telemetry.Event{
		ID:        pick(idFields),
		Source:    pick(sourceFields),
		Actor:     pick(actorFields),
		Resource:  pick(resourceFields),
		EventType: telemetry.ParseEventType(pick(typeFields)),
	}
	if ev.Source == "" {
		ev.Source = n.config.DefaultSource
	}

	for _, f := range timestampFields {
		v, ok := raw[f]
		if !ok {
			continue
		}
		ts, err := parseTimestamp(v)
		if err != nil {
			return telemetry.Event{}, &telemetry.ValidationError{EventID: ev.ID, Field: "timestamp", Reason: err.Error()}
		}
		ev.Timestamp = ts
		used[f] = true
		break
	}

	attrs := make(map[string]any)
	if a, ok := raw["attributes"].(map[string]any); ok {
		for k, v := range a {
			attrs[k] = v
		}
		used["attributes"] = true
	}
	if n.config.KeepUnmapped {
		for k, v := range raw {
			if !used[k] {
				attrs[k] = v
			}
		}
	}
	if vendor, ok := vendorMap[strings.ToLower(ev.Source)]; ok {
		attrs["vendor"] = vendor
	}
	if len(attrs) > 0 {
		ev.Attributes = attrs
	}

	// Validate required fields; skew is checked at ingest.
	if err := ev.Validate(ev.Timestamp, 0); err != nil {
		return telemetry.Event{}, err
	}
	return ev, nil
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

// parseTimestamp accepts RFC3339 strings, unix seconds and unix milliseconds.
func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC(), nil
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return fromEpoch(f), nil
		}
		return time.Time{}, fmt.Errorf("unparseable value %q", t)
	case float64:
		return fromEpoch(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, err
		}
		return fromEpoch(f), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported type %T", v)
	}
}

// fromEpoch treats values past year 33658 in seconds as milliseconds.
func fromEpoch(f float64) time.Time {
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
