// Package registry is the typed adapter over the graph store that backs the
// routing engine: workers, concepts, regions, and the worker-handles-concept
// edges that the Hebbian learning loop updates. All edge mutations commit as
// single-edge transactions; concurrent updates to different edges never block
// each other.
package registry

import (
	"strings"
	"time"
)

// WorkerKind distinguishes bootstrap workers from dynamically grown ones.
type WorkerKind string

const (
	KindStatic  WorkerKind = "static"  // Registered at system bootstrap
	KindDynamic WorkerKind = "dynamic" // Provisioned on demand by the lifecycle manager
)

// WorkerStatus is the lifecycle state of a worker.
type WorkerStatus string

const (
	StatusProvisioning WorkerStatus = "provisioning"
	StatusHealthy      WorkerStatus = "healthy"
	StatusDegraded     WorkerStatus = "degraded"
	StatusStopping     WorkerStatus = "stopping"
	StatusStopped      WorkerStatus = "stopped" // Terminal
	StatusFailed       WorkerStatus = "failed"  // Terminal, provisioning never completed
)

// Terminal reports whether a status has no outgoing transitions.
func (s WorkerStatus) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// Worker is a unit of specialized execution registered to handle concepts.
type Worker struct {
	Name           string
	Kind           WorkerKind
	Address        string // host:port or http(s) URL
	Status         WorkerStatus
	Region         string
	Specialization string   // Concept the worker was grown for (dynamic workers)
	Intents        []string // Intents the worker declares support for
	CreatedAt      time.Time
	LastUsed       time.Time
}

// Concept is a normalized topic a worker can be matched against.
// Names are lower-cased and trimmed before every create or lookup.
type Concept struct {
	Name      string
	Category  string
	CreatedAt time.Time
}

// Region is a coarse partition used to scope worker/concept grouping.
type Region struct {
	Name      string
	CreatedAt time.Time
}

// Edge is a worker-handles-concept association with Hebbian learning fields.
// Weight stays clamped to [0,1]; usage_count == success_count + failure_count.
type Edge struct {
	Worker       string
	Concept      string
	Weight       float64
	UsageCount   int64
	SuccessCount int64
	FailureCount int64
	DecayRate    float64
	LastUpdated  time.Time
}

// DefaultWeight is assigned to every newly created edge.
const DefaultWeight = 0.5

// SuccessRate returns success_count/usage_count, or 0.5 for an unused edge.
func (e Edge) SuccessRate() float64 {
	if e.UsageCount == 0 {
		return DefaultWeight
	}
	return float64(e.SuccessCount) / float64(e.UsageCount)
}

// Candidate joins an edge with the live info of its worker, as returned by
// FindCandidates. Workers not in Healthy status are excluded at the query.
type Candidate struct {
	Edge   Edge
	Worker Worker
}

// Performance aggregates a worker's history across all of its edges.
type Performance struct {
	UsageCount   int64
	SuccessCount int64
}

// SuccessRate returns the cross-concept success rate, 0.5 when unused.
func (p Performance) SuccessRate() float64 {
	if p.UsageCount == 0 {
		return DefaultWeight
	}
	return float64(p.SuccessCount) / float64(p.UsageCount)
}

// NormalizeConcept applies the canonical concept-name normalization. It is
// called before every create and lookup so concepts differing only by case or
// padding never duplicate.
func NormalizeConcept(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
