package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lvonguyen/incidentforge/internal/incident"
)

// NATSWorker reaches a stage worker through NATS request/reply. The
// request body is the JSON transfer and the reply a JSON TransferResult.
type NATSWorker struct {
	nc      *nats.Conn
	subject string
}

// NewNATSWorker creates a NATS transport for subject.
func NewNATSWorker(nc *nats.Conn, subject string) *NATSWorker {
	return &NATSWorker{nc: nc, subject: subject}
}

// Submit sends the transfer and waits for the reply or ctx expiry.
func (w *NATSWorker) Submit(ctx context.Context, t incident.WorkflowTransfer) (incident.TransferResult, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return incident.TransferResult{}, fmt.Errorf("failed to encode transfer: %w", err)
	}
	msg, err := w.nc.RequestWithContext(ctx, w.subject, data)
	if err != nil {
		return incident.TransferResult{}, fmt.Errorf("nats request to %s failed: %w", w.subject, err)
	}
	return decodeResult(msg.Data)
}

// HTTPWorker reaches a stage worker with a JSON POST.
type HTTPWorker struct {
	url    string
	client *http.Client
}

// NewHTTPWorker creates an HTTP transport. client may be nil.
func NewHTTPWorker(url string, client *http.Client) *HTTPWorker {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPWorker{url: url, client: client}
}

// Submit posts the transfer. Non-2xx responses are failures.
func (w *HTTPWorker) Submit(ctx context.Context, t incident.WorkflowTransfer) (incident.TransferResult, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return incident.TransferResult{}, fmt.Errorf("failed to encode transfer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return incident.TransferResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Transfer-ID", t.ID)
	req.Header.Set("X-Incident-ID", t.IncidentID)

	resp, err := w.client.Do(req)
	if err != nil {
		return incident.TransferResult{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return incident.TransferResult{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return incident.TransferResult{}, fmt.Errorf("worker returned status %d: %s", resp.StatusCode, truncate(body, 256))
	}
	return decodeResult(body)
}

func decodeResult(data []byte) (incident.TransferResult, error) {
	var res incident.TransferResult
	if err := json.Unmarshal(data, &res); err != nil {
		return incident.TransferResult{}, fmt.Errorf("failed to decode worker result: %w", err)
	}
	return res, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
