package api

import (
	"bufio"
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// HEC response codes, as collectors expect them.
const (
	hecSuccess     = 0
	hecInvalidAuth = 3
	hecBadToken    = 4
	hecNoData      = 5
	hecInvalidData = 6
	hecHealthy     = 17
)

// HECEvent is one event in the HEC envelope.
type HECEvent struct {
	Time       float64        `json:"time,omitempty"`
	Host       string         `json:"host,omitempty"`
	Source     string         `json:"source,omitempty"`
	SourceType string         `json:"sourcetype,omitempty"`
	Index      string         `json:"index,omitempty"`
	Event      any            `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
}

type hecResponse struct {
	Text               string `json:"text"`
	Code               int    `json:"code"`
	InvalidEventNumber *int   `json:"invalid-event-number,omitempty"`
}

func writeHEC(w http.ResponseWriter, status int, resp hecResponse) {
	writeJSON(w, status, resp)
}

// validateToken accepts only "Authorization: Splunk <token>". Query string
// tokens are refused and an unset token rejects everything.
func (s *Server) validateToken(req *http.Request) (int, bool) {
	auth := req.Header.Get("Authorization")
	if auth == "" {
		return hecInvalidAuth, false
	}
	token, ok := strings.CutPrefix(auth, "Splunk ")
	if !ok || s.hec.Token == "" {
		return hecBadToken, false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.hec.Token)) != 1 {
		return hecBadToken, false
	}
	return 0, true
}

func (s *Server) handleHECEvent(w http.ResponseWriter, req *http.Request) {
	if code, ok := s.validateToken(req); !ok {
		writeHEC(w, http.StatusUnauthorized, hecResponse{Text: "Invalid token", Code: code})
		return
	}

	limit := int64(s.hec.MaxEventSize) * int64(s.hec.MaxBatchSize)
	body, err := io.ReadAll(io.LimitReader(req.Body, limit))
	if err != nil {
		writeHEC(w, http.StatusBadRequest, hecResponse{Text: "Error reading body", Code: hecInvalidData})
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeHEC(w, http.StatusBadRequest, hecResponse{Text: "No data", Code: hecNoData})
		return
	}

	events, err := parseHECEvents(body)
	if err != nil {
		writeHEC(w, http.StatusBadRequest, hecResponse{Text: err.Error(), Code: hecInvalidData})
		return
	}
	if len(events) > s.hec.MaxBatchSize {
		writeHEC(w, http.StatusRequestEntityTooLarge, hecResponse{
			Text: fmt.Sprintf("Batch exceeds %d events", s.hec.MaxBatchSize),
			Code: hecInvalidData,
		})
		return
	}

	// events before an invalid one stay ingested, as with Splunk
	for i, hev := range events {
		if err := s.ingestHEC(hev); err != nil {
			n := i
			s.logger.Debug("Rejected HEC event", zap.Int("index", i), zap.Error(err))
			s.signalBackpressure(w)
			writeHEC(w, http.StatusBadRequest, hecResponse{Text: "Invalid data format", Code: hecInvalidData, InvalidEventNumber: &n})
			return
		}
	}

	s.signalBackpressure(w)
	writeHEC(w, http.StatusOK, hecResponse{Text: "Success", Code: hecSuccess})
}

// handleHECRaw treats each non-empty line as one JSON event; envelope
// metadata comes from the query string.
func (s *Server) handleHECRaw(w http.ResponseWriter, req *http.Request) {
	if code, ok := s.validateToken(req); !ok {
		writeHEC(w, http.StatusUnauthorized, hecResponse{Text: "Invalid token", Code: code})
		return
	}

	q := req.URL.Query()
	scanner := bufio.NewScanner(io.LimitReader(req.Body, int64(s.hec.MaxEventSize)*int64(s.hec.MaxBatchSize)))
	scanner.Buffer(make([]byte, 0, 64*1024), s.hec.MaxEventSize)

	n := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var payload any
		err := json.Unmarshal(line, &payload)
		if err == nil {
			err = s.ingestHEC(HECEvent{
				Event:  payload,
				Host:   q.Get("host"),
				Source: q.Get("source"),
			})
		}
		if err != nil {
			idx := n
			s.signalBackpressure(w)
			writeHEC(w, http.StatusBadRequest, hecResponse{Text: "Invalid data format", Code: hecInvalidData, InvalidEventNumber: &idx})
			return
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		writeHEC(w, http.StatusBadRequest, hecResponse{Text: "Error reading body", Code: hecInvalidData})
		return
	}
	if n == 0 {
		writeHEC(w, http.StatusBadRequest, hecResponse{Text: "No data", Code: hecNoData})
		return
	}

	s.signalBackpressure(w)
	writeHEC(w, http.StatusOK, hecResponse{Text: "Success", Code: hecSuccess})
}

func (s *Server) handleHECHealth(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Buffer.Backpressure() {
		w.Header().Set(backpressureHeader, "true")
	}
	writeHEC(w, http.StatusOK, hecResponse{Text: "HEC is healthy", Code: hecHealthy})
}

// ingestHEC flattens the envelope onto the event object so envelope
// metadata fills fields the event does not carry.
func (s *Server) ingestHEC(hev HECEvent) error {
	raw := make(map[string]any)
	switch e := hev.Event.(type) {
	case map[string]any:
		for k, v := range e {
			raw[k] = v
		}
	case nil:
		return errors.New("event is empty")
	default:
		return fmt.Errorf("event must be a JSON object, got %T", e)
	}

	setDefault := func(key string, v any) {
		if _, ok := raw[key]; !ok {
			raw[key] = v
		}
	}
	if hev.Time > 0 {
		setDefault("time", hev.Time)
	}
	if hev.Host != "" {
		setDefault("host", hev.Host)
	}
	if hev.Source != "" {
		setDefault("source", hev.Source)
	}
	if len(hev.Fields) > 0 {
		attrs, _ := raw["attributes"].(map[string]any)
		if attrs == nil {
			attrs = make(map[string]any)
		}
		for k, v := range hev.Fields {
			if _, ok := attrs[k]; !ok {
				attrs[k] = v
			}
		}
		raw["attributes"] = attrs
	}

	ev, err := s.deps.Normalizer.Normalize(raw)
	if err != nil {
		return err
	}
	return s.deps.Buffer.Ingest(ev)
}

// parseHECEvents accepts one envelope or several concatenated ones.
func parseHECEvents(body []byte) ([]HECEvent, error) {
	var events []HECEvent
	decoder := json.NewDecoder(bytes.NewReader(body))
	for decoder.More() {
		var event HECEvent
		if err := decoder.Decode(&event); err != nil {
			return nil, fmt.Errorf("failed to parse event %s: %w", strconv.Itoa(len(events)), err)
		}
		events = append(events, event)
	}
	if len(events) == 0 {
		return nil, errors.New("no valid events found")
	}
	return events, nil
}
