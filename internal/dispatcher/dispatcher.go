// Package dispatcher is the routing entry point: it looks up candidate
// workers for a task's concept, ranks them with the relevance scorer, routes
// to the winner, and feeds the outcome back into the Hebbian learning loop.
// When no candidate clears the dispatch threshold it asks the lifecycle
// manager to grow a specialized worker instead.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"synapse/internal/hebbian"
	"synapse/internal/lifecycle"
	"synapse/internal/logging"
	"synapse/internal/registry"
	"synapse/internal/scorer"
)

// Outcome classifies what Dispatch did with a task.
type Outcome string

const (
	// OutcomeDispatched means the task was delivered to a worker.
	OutcomeDispatched Outcome = "dispatched"
	// OutcomeQueued means no worker qualified and the provision request
	// was parked; the caller should retry later.
	OutcomeQueued Outcome = "queued"
	// OutcomeNoCapacity means the pool and the provision queue are both
	// full; the task was refused.
	OutcomeNoCapacity Outcome = "no_capacity"
)

// Result describes one dispatch attempt.
type Result struct {
	TaskID  string
	Outcome Outcome
	Worker  string
	Score   float64
	Success bool
	Latency time.Duration
}

// defaultMinScore applies when Options.MinScore is nil.
const defaultMinScore = 0.35

// Options tunes the dispatcher.
type Options struct {
	// MinScore is the dispatch threshold: the best candidate must reach
	// it or the dispatcher grows a new worker instead. nil means the
	// default; an explicit zero dispatches to any ranked candidate.
	MinScore *float64
	// LookupRetryBackoff is the pause before the single retry of a
	// transient candidate-lookup failure.
	LookupRetryBackoff time.Duration
}

// Dispatcher orchestrates routing. Weights and threshold are swappable at
// runtime so a config reload takes effect without a restart.
type Dispatcher struct {
	store     registry.Store
	engine    *hebbian.Engine
	lifecycle *lifecycle.Manager
	invoker   Invoker
	telemetry *telemetry

	mu       sync.RWMutex
	weights  scorer.Weights
	minScore float64
	backoff  time.Duration
}

// New wires a dispatcher. weights must already be validated.
func New(store registry.Store, engine *hebbian.Engine, lc *lifecycle.Manager, invoker Invoker, weights scorer.Weights, opts Options) *Dispatcher {
	minScore := defaultMinScore
	if opts.MinScore != nil {
		minScore = *opts.MinScore
	}
	return &Dispatcher{
		store:     store,
		engine:    engine,
		lifecycle: lc,
		invoker:   invoker,
		telemetry: newTelemetry(),
		weights:   weights,
		minScore:  minScore,
		backoff:   opts.LookupRetryBackoff,
	}
}

// SetWeights swaps the scoring weights, e.g. after a config reload.
func (d *Dispatcher) SetWeights(w scorer.Weights) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.weights = w
}

// SetMinScore swaps the dispatch threshold.
func (d *Dispatcher) SetMinScore(min float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.minScore = min
}

func (d *Dispatcher) scoringParams() (scorer.Weights, float64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.weights, d.minScore
}

// Dispatch routes one task. Routing failures (no capacity, queued growth)
// come back in the Result; an error means the attempt itself broke.
func (d *Dispatcher) Dispatch(ctx context.Context, task Task) (Result, error) {
	timer := logging.StartTimer(logging.CategoryDispatch, "Dispatch")
	defer timer.Stop()

	if task.Concept == "" {
		return Result{}, &registry.ValidationError{Field: "concept", Reason: "must be non-empty"}
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}

	concept, err := d.store.UpsertConcept(ctx, task.Concept, "")
	if err != nil {
		return Result{}, fmt.Errorf("ensure concept: %w", err)
	}

	candidates, err := d.lookupCandidates(ctx, concept.Name, task.Intent, task.Region)
	if err != nil {
		return Result{}, err
	}

	weights, minScore := d.scoringParams()
	req := scorer.Request{Concept: concept.Name, Intent: task.Intent, Region: task.Region}
	ranked := d.rank(ctx, weights, req, concept.Category, candidates)

	if len(ranked) > 0 && ranked[0].Score >= minScore {
		best := ranked[0]
		logging.Dispatch("Task %s -> worker %s (score %.4f, %d candidates)",
			task.ID, best.Candidate.Worker, best.Score, len(ranked))
		return d.dispatchTo(ctx, task, best.Candidate.Worker, best.Score)
	}

	if len(ranked) > 0 {
		logging.Dispatch("Task %s: best score %.4f below threshold %.4f, growing worker",
			task.ID, ranked[0].Score, minScore)
	} else {
		logging.Dispatch("Task %s: no candidates for concept %s, growing worker", task.ID, concept.Name)
	}
	return d.growAndDispatch(ctx, task, concept.Name)
}

// lookupCandidates queries the registry, retrying once on a transient error.
func (d *Dispatcher) lookupCandidates(ctx context.Context, concept, intent, region string) ([]registry.Candidate, error) {
	candidates, err := d.store.FindCandidates(ctx, concept, intent, region)
	if err != nil && registry.IsTransient(err) && d.backoff > 0 {
		logging.Get(logging.CategoryDispatch).Warn("Transient candidate lookup failure, retrying once: %v", err)
		select {
		case <-time.After(d.backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		candidates, err = d.store.FindCandidates(ctx, concept, intent, region)
	}
	if err != nil {
		return nil, fmt.Errorf("candidate lookup: %w", err)
	}
	return candidates, nil
}

// rank converts registry candidates into scorer inputs and sorts them.
func (d *Dispatcher) rank(ctx context.Context, weights scorer.Weights, req scorer.Request, category string, candidates []registry.Candidate) []scorer.Scored {
	inputs := make([]scorer.Candidate, 0, len(candidates))
	for _, c := range candidates {
		load, avgLatency := d.telemetry.snapshot(c.Worker.Name)

		perf, err := d.store.WorkerPerformance(ctx, c.Worker.Name)
		if err != nil {
			logging.DispatchDebug("Performance lookup for %s failed, scoring without history: %v", c.Worker.Name, err)
		}

		inputs = append(inputs, scorer.Candidate{
			Worker:           c.Worker.Name,
			Specialization:   c.Worker.Specialization,
			Intents:          c.Worker.Intents,
			Region:           c.Worker.Region,
			Category:         category,
			Healthy:          c.Worker.Status == registry.StatusHealthy,
			Degraded:         c.Worker.Status == registry.StatusDegraded,
			LoadRatio:        load,
			SuccessRate:      perf.SuccessRate(),
			AvgLatencyMillis: avgLatency,
			EdgeWeight:       c.Edge.Weight,
			UsageCount:       c.Edge.UsageCount,
		})
	}
	return scorer.Rank(weights, req, inputs)
}

// growAndDispatch asks the lifecycle manager for a specialized worker. An
// immediately provisioned worker gets the task along with a fresh edge at
// the default weight; a parked or refused request is reported in the Result.
func (d *Dispatcher) growAndDispatch(ctx context.Context, task Task, concept string) (Result, error) {
	w, queued, err := d.lifecycle.RequestProvision(ctx, concept, task.Region, task.Intent)
	if errors.Is(err, lifecycle.ErrNoCapacity) {
		logging.Dispatch("Task %s refused: no capacity", task.ID)
		return Result{TaskID: task.ID, Outcome: OutcomeNoCapacity}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("provision for concept %s: %w", concept, err)
	}
	if queued {
		logging.Dispatch("Task %s parked: worker growth queued for concept %s", task.ID, concept)
		return Result{TaskID: task.ID, Outcome: OutcomeQueued}, nil
	}

	// Materialize the fresh edge so the new pairing starts learning from
	// the default weight.
	edge, err := d.store.UpdateEdge(ctx, w.Name, concept, nil)
	if err != nil {
		return Result{}, fmt.Errorf("create edge for %s: %w", w.Name, err)
	}

	weights, _ := d.scoringParams()
	score := scorer.Score(weights, scorer.Derive(
		scorer.Request{Concept: concept, Intent: task.Intent, Region: task.Region},
		scorer.Candidate{
			Worker:         w.Name,
			Specialization: w.Specialization,
			Intents:        w.Intents,
			Region:         w.Region,
			Healthy:        true,
			SuccessRate:    registry.DefaultWeight,
			EdgeWeight:     edge.Weight,
		},
	))

	logging.Dispatch("Task %s -> fresh worker %s for concept %s", task.ID, w.Name, concept)
	return d.dispatchTo(ctx, task, w.Name, score)
}

// dispatchTo delivers the task and records the outcome. A learning failure
// never fails the dispatch; routing continues on stale weights.
func (d *Dispatcher) dispatchTo(ctx context.Context, task Task, worker string, score float64) (Result, error) {
	w, err := d.store.GetWorker(ctx, worker)
	if err != nil {
		return Result{}, fmt.Errorf("load worker %s: %w", worker, err)
	}

	d.telemetry.begin(worker)
	start := time.Now()
	invokeRes, invokeErr := d.invoker.Invoke(ctx, w, task)
	latency := time.Since(start)
	d.telemetry.end(worker, latency)

	success := invokeErr == nil && invokeRes.Success
	if invokeErr != nil {
		logging.Get(logging.CategoryDispatch).Warn("Task %s: invoke of %s failed: %v", task.ID, worker, invokeErr)
	}

	if _, err := d.engine.RecordOutcome(ctx, worker, task.Concept, success); err != nil {
		logging.Get(logging.CategoryDispatch).Warn("Task %s: outcome not recorded: %v", task.ID, err)
	}
	if err := d.lifecycle.RecordUsage(ctx, worker); err != nil {
		logging.DispatchDebug("Task %s: usage stamp for %s failed: %v", task.ID, worker, err)
	}

	logging.DispatchDebug("Task %s completed by %s: success=%t latency=%s", task.ID, worker, success, latency)
	return Result{
		TaskID:  task.ID,
		Outcome: OutcomeDispatched,
		Worker:  worker,
		Score:   score,
		Success: success,
		Latency: latency,
	}, nil
}
