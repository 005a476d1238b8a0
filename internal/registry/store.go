package registry

import (
	"context"
	"net"
	"net/url"
	"strings"
	"time"
)

// Store is the registry contract consumed by the dispatcher, the Hebbian
// learning engine, and the worker lifecycle manager. One method per query
// shape; implementations must make every edge mutation atomic so the store
// is the serialization point for concurrent updates to the same edge.
type Store interface {
	// UpsertWorker registers or refreshes a worker. Re-registering an
	// existing name with a different kind is a ConflictError.
	UpsertWorker(ctx context.Context, w Worker) (Worker, error)

	// GetWorker fetches a worker by name, ErrNotFound if absent.
	GetWorker(ctx context.Context, name string) (Worker, error)

	// UpdateWorkerStatus persists a lifecycle transition.
	UpdateWorkerStatus(ctx context.Context, name string, status WorkerStatus) error

	// TouchWorker updates the worker's last-used timestamp.
	TouchWorker(ctx context.Context, name string, t time.Time) error

	// UpsertConcept creates the concept if absent; idempotent. The name is
	// normalized before lookup.
	UpsertConcept(ctx context.Context, name, category string) (Concept, error)

	// UpsertRegion lazily creates a region.
	UpsertRegion(ctx context.Context, name string) (Region, error)

	// UpdateEdge loads (or creates with defaults) the worker-concept edge,
	// applies the supplied mutation, and persists the result in one
	// transaction. The numeric update itself belongs to the learning
	// engine; the store only guarantees atomicity.
	UpdateEdge(ctx context.Context, worker, concept string, apply func(*Edge)) (Edge, error)

	// GetEdge fetches one edge, ErrNotFound if absent.
	GetEdge(ctx context.Context, worker, concept string) (Edge, error)

	// FindCandidates returns all edges for the concept joined with live
	// worker info, excluding workers not in Healthy status. A non-empty
	// region narrows the result to that region.
	FindCandidates(ctx context.Context, concept, intent, region string) ([]Candidate, error)

	// EdgesTouchedSince lists edges updated at or after the given time.
	EdgesTouchedSince(ctx context.Context, since time.Time) ([]Edge, error)

	// AllEdges lists every edge.
	AllEdges(ctx context.Context) ([]Edge, error)

	// ListWorkers returns all workers, optionally filtered by status.
	ListWorkers(ctx context.Context, status WorkerStatus) ([]Worker, error)

	// WorkerPerformance aggregates a worker's history across all edges.
	WorkerPerformance(ctx context.Context, name string) (Performance, error)

	// Stats returns row counts per entity for observability.
	Stats(ctx context.Context) (map[string]int64, error)

	Close() error
}

// validateWorker checks identity and endpoint shape before any write.
func validateWorker(w Worker) error {
	if strings.TrimSpace(w.Name) == "" {
		return &ValidationError{Field: "name", Reason: "must be non-empty"}
	}
	if w.Kind != KindStatic && w.Kind != KindDynamic {
		return &ValidationError{Field: "kind", Reason: "must be static or dynamic"}
	}
	if !wellFormedEndpoint(w.Address) {
		return &ValidationError{Field: "address", Reason: "must be host:port or an http(s) URL"}
	}
	return nil
}

// wellFormedEndpoint accepts host:port pairs and absolute http(s) URLs.
func wellFormedEndpoint(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		u, err := url.Parse(addr)
		return err == nil && u.Host != ""
	}
	host, port, err := net.SplitHostPort(addr)
	return err == nil && host != "" && port != ""
}
