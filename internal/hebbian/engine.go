// Package hebbian implements outcome-driven weight learning over the
// registry's worker-concept edges: successes strengthen an association,
// failures weaken it, and a background sweeper decays weights so stale
// associations fade without being deleted.
package hebbian

import (
	"context"
	"errors"
	"fmt"
	"time"

	"synapse/internal/logging"
	"synapse/internal/registry"
)

// ErrLearningUnavailable is returned when an outcome could not be recorded
// even after a retry. Routing continues on stale weights; the caller must
// not fail the dispatch over it.
var ErrLearningUnavailable = errors.New("hebbian: learning unavailable")

// Default reinforcement deltas. A failure moves the weight less than a
// success so one bad run does not erase an established association.
const (
	DefaultDeltaSuccess = 0.05
	DefaultDeltaFailure = 0.02
)

// Engine records task outcomes against registry edges. The numeric update is
// pure (see Apply); the engine only adds persistence and retry behavior.
type Engine struct {
	store        registry.Store
	deltaSuccess float64
	deltaFailure float64
	retryBackoff time.Duration
}

// NewEngine creates a learning engine with the given reinforcement deltas.
// A transient store failure is retried once after retryBackoff.
func NewEngine(store registry.Store, deltaSuccess, deltaFailure float64, retryBackoff time.Duration) *Engine {
	if deltaSuccess <= 0 {
		deltaSuccess = DefaultDeltaSuccess
	}
	if deltaFailure <= 0 {
		deltaFailure = DefaultDeltaFailure
	}
	return &Engine{
		store:        store,
		deltaSuccess: deltaSuccess,
		deltaFailure: deltaFailure,
		retryBackoff: retryBackoff,
	}
}

// Apply performs the Hebbian update on a single edge: the weight moves by
// deltaSuccess or deltaFailure and the counters advance. The weight is
// clamped to [0,1] here as well as at the store, so Apply stays correct for
// callers that never persist.
func Apply(e *registry.Edge, success bool, deltaSuccess, deltaFailure float64) {
	e.UsageCount++
	if success {
		e.SuccessCount++
		e.Weight += deltaSuccess
	} else {
		e.FailureCount++
		e.Weight -= deltaFailure
	}
	if e.Weight > 1 {
		e.Weight = 1
	}
	if e.Weight < 0 {
		e.Weight = 0
	}
}

// RecordOutcome applies one task outcome to the worker-concept edge,
// creating the edge at the default weight first if the pairing is new.
// Returns the edge as persisted.
func (en *Engine) RecordOutcome(ctx context.Context, worker, concept string, success bool) (registry.Edge, error) {
	timer := logging.StartTimer(logging.CategoryHebbian, "RecordOutcome")
	defer timer.Stop()

	apply := func(e *registry.Edge) {
		Apply(e, success, en.deltaSuccess, en.deltaFailure)
	}

	edge, err := en.store.UpdateEdge(ctx, worker, concept, apply)
	if err != nil && registry.IsTransient(err) && en.retryBackoff > 0 {
		logging.Get(logging.CategoryHebbian).Warn("Transient store error recording outcome for %s->%s, retrying once: %v",
			worker, concept, err)
		select {
		case <-time.After(en.retryBackoff):
		case <-ctx.Done():
			return registry.Edge{}, fmt.Errorf("%w: %v", ErrLearningUnavailable, ctx.Err())
		}
		edge, err = en.store.UpdateEdge(ctx, worker, concept, apply)
	}
	if err != nil {
		logging.Get(logging.CategoryHebbian).Error("Failed to record outcome for %s->%s: %v", worker, concept, err)
		return registry.Edge{}, fmt.Errorf("%w: %v", ErrLearningUnavailable, err)
	}

	logging.HebbianDebug("Outcome recorded: %s->%s success=%t weight=%.4f usage=%d",
		worker, concept, success, edge.Weight, edge.UsageCount)
	return edge, nil
}
