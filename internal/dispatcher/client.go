package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"synapse/internal/registry"
)

// Task is one unit of work to route.
type Task struct {
	ID      string          `json:"task_id"`
	Concept string          `json:"concept"`
	Intent  string          `json:"intent,omitempty"`
	Region  string          `json:"region,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InvokeResult is the worker's verdict on a task.
type InvokeResult struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

// Invoker delivers a task to a worker and reports the outcome. A transport
// failure is an error; a worker that ran the task and failed it comes back
// as Success=false with a nil error.
type Invoker interface {
	Invoke(ctx context.Context, w registry.Worker, task Task) (InvokeResult, error)
}

// HTTPInvoker posts tasks as JSON to the worker's /invoke endpoint.
type HTTPInvoker struct {
	client *http.Client
}

// NewHTTPInvoker creates an invoker with the given per-request timeout.
func NewHTTPInvoker(timeout time.Duration) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPInvoker{client: &http.Client{Timeout: timeout}}
}

func (h *HTTPInvoker) Invoke(ctx context.Context, w registry.Worker, task Task) (InvokeResult, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return InvokeResult{}, fmt.Errorf("marshal task %s: %w", task.ID, err)
	}

	url := invokeURL(w.Address)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return InvokeResult{}, fmt.Errorf("build request for %s: %w", w.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return InvokeResult{}, fmt.Errorf("invoke %s at %s: %w", w.Name, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return InvokeResult{}, fmt.Errorf("invoke %s: status %d: %s", w.Name, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var result InvokeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return InvokeResult{}, fmt.Errorf("decode response from %s: %w", w.Name, err)
	}
	return result, nil
}

// invokeURL normalizes a registered address into a full endpoint URL.
// Bare host:port addresses get an http scheme.
func invokeURL(address string) string {
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return strings.TrimRight(address, "/") + "/invoke"
	}
	return "http://" + address + "/invoke"
}

// =============================================================================
// RUNTIME TELEMETRY
// =============================================================================

// workerCapacity is the assumed per-worker concurrency used to turn in-flight
// counts into a load ratio for scoring.
const workerCapacity = 4

// telemetry tracks in-flight counts and latency history per worker. Purely
// in-memory; it resets on restart while the learned weights persist.
type telemetry struct {
	mu     sync.Mutex
	byName map[string]*workerStats
}

type workerStats struct {
	inflight       int64
	invocations    int64
	totalLatencyMs float64
}

func newTelemetry() *telemetry {
	return &telemetry{byName: make(map[string]*workerStats)}
}

func (t *telemetry) begin(worker string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats(worker)
	s.inflight++
}

func (t *telemetry) end(worker string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats(worker)
	if s.inflight > 0 {
		s.inflight--
	}
	s.invocations++
	s.totalLatencyMs += float64(latency.Milliseconds())
}

// snapshot returns (loadRatio, avgLatencyMillis) for the worker.
func (t *telemetry) snapshot(worker string) (float64, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats(worker)
	load := float64(s.inflight) / workerCapacity
	avg := 0.0
	if s.invocations > 0 {
		avg = s.totalLatencyMs / float64(s.invocations)
	}
	return load, avg
}

func (t *telemetry) stats(worker string) *workerStats {
	s, ok := t.byName[worker]
	if !ok {
		s = &workerStats{}
		t.byName[worker] = s
	}
	return s
}
