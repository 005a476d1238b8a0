package hebbian

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/goleak"

	"synapse/internal/registry"
)

const epsilon = 1e-9

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

func newTestEngine() (*Engine, *registry.MemStore) {
	store := registry.NewMemStore(DefaultDecayRate)
	return NewEngine(store, DefaultDeltaSuccess, DefaultDeltaFailure, 10*time.Millisecond), store
}

func TestRecordOutcomeCreatesEdgeThenReinforces(t *testing.T) {
	engine, _ := newTestEngine()
	ctx := context.Background()

	// First outcome against an unseen pairing creates the edge at the
	// default weight, then applies the success delta.
	edge, err := engine.RecordOutcome(ctx, "w1", "parsing", true)
	if err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}
	if !almostEqual(edge.Weight, 0.55) {
		t.Errorf("weight after first success = %v, want 0.55", edge.Weight)
	}
	if edge.UsageCount != 1 || edge.SuccessCount != 1 || edge.FailureCount != 0 {
		t.Errorf("counters wrong: %+v", edge)
	}

	edge, err = engine.RecordOutcome(ctx, "w1", "parsing", false)
	if err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}
	if !almostEqual(edge.Weight, 0.53) {
		t.Errorf("weight after failure = %v, want 0.53", edge.Weight)
	}
	if edge.UsageCount != 2 || edge.FailureCount != 1 {
		t.Errorf("counters wrong after failure: %+v", edge)
	}
	if edge.UsageCount != edge.SuccessCount+edge.FailureCount {
		t.Errorf("usage count must equal success+failure: %+v", edge)
	}
}

func TestApplyClampsAtBounds(t *testing.T) {
	e := registry.Edge{Weight: 0.98}
	Apply(&e, true, DefaultDeltaSuccess, DefaultDeltaFailure)
	if e.Weight != 1.0 {
		t.Errorf("weight = %v, want clamp at 1.0", e.Weight)
	}

	e = registry.Edge{Weight: 0.01}
	Apply(&e, false, DefaultDeltaSuccess, DefaultDeltaFailure)
	if e.Weight != 0.0 {
		t.Errorf("weight = %v, want clamp at 0.0", e.Weight)
	}
}

func TestApplyAsymmetricDeltas(t *testing.T) {
	e := registry.Edge{Weight: 0.5}
	Apply(&e, false, DefaultDeltaSuccess, DefaultDeltaFailure)
	if !almostEqual(e.Weight, 0.48) {
		t.Errorf("weight after failure = %v, want 0.48", e.Weight)
	}
	Apply(&e, true, DefaultDeltaSuccess, DefaultDeltaFailure)
	if !almostEqual(e.Weight, 0.53) {
		t.Errorf("weight after recovery = %v, want 0.53", e.Weight)
	}
}

// flakyStore fails UpdateEdge with a transient error a fixed number of
// times before delegating to the real store.
type flakyStore struct {
	registry.Store
	failures int
}

func (f *flakyStore) UpdateEdge(ctx context.Context, worker, concept string, apply func(*registry.Edge)) (registry.Edge, error) {
	if f.failures > 0 {
		f.failures--
		return registry.Edge{}, context.DeadlineExceeded
	}
	return f.Store.UpdateEdge(ctx, worker, concept, apply)
}

func TestRecordOutcomeRetriesTransientOnce(t *testing.T) {
	flaky := &flakyStore{Store: registry.NewMemStore(DefaultDecayRate), failures: 1}
	engine := NewEngine(flaky, DefaultDeltaSuccess, DefaultDeltaFailure, time.Millisecond)

	edge, err := engine.RecordOutcome(context.Background(), "w1", "parsing", true)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if !almostEqual(edge.Weight, 0.55) {
		t.Errorf("weight = %v, want 0.55", edge.Weight)
	}
}

func TestRecordOutcomeGivesUpAfterRetry(t *testing.T) {
	flaky := &flakyStore{Store: registry.NewMemStore(DefaultDecayRate), failures: 2}
	engine := NewEngine(flaky, DefaultDeltaSuccess, DefaultDeltaFailure, time.Millisecond)

	_, err := engine.RecordOutcome(context.Background(), "w1", "parsing", true)
	if err == nil {
		t.Fatal("expected error after exhausted retry")
	}
	if !errors.Is(err, ErrLearningUnavailable) {
		t.Errorf("expected ErrLearningUnavailable, got %v", err)
	}
}

func TestSweepOnceDecaysWeights(t *testing.T) {
	store := registry.NewMemStore(DefaultDecayRate)
	ctx := context.Background()

	seeds := map[string]float64{"parsing": 0.8, "linting": 0.53}
	for concept, weight := range seeds {
		weight := weight
		_, err := store.UpdateEdge(ctx, "w1", concept, func(e *registry.Edge) {
			e.Weight = weight
		})
		if err != nil {
			t.Fatalf("seed edge failed: %v", err)
		}
	}

	sweeper := NewSweeper(store, time.Hour, false)
	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}

	for concept, want := range map[string]float64{"parsing": 0.792, "linting": 0.5247} {
		edge, err := store.GetEdge(ctx, "w1", concept)
		if err != nil {
			t.Fatalf("GetEdge failed: %v", err)
		}
		if !almostEqual(edge.Weight, want) {
			t.Errorf("decayed weight for %s = %v, want %v", concept, edge.Weight, want)
		}
	}

	sweeps, decayed, _ := sweeper.Stats()
	if sweeps != 1 || decayed != 2 {
		t.Errorf("sweep stats wrong: sweeps=%d decayed=%d", sweeps, decayed)
	}
}

func TestSweepNeverDeletesEdges(t *testing.T) {
	store := registry.NewMemStore(DefaultDecayRate)
	ctx := context.Background()

	if _, err := store.UpdateEdge(ctx, "w1", "parsing", func(e *registry.Edge) { e.Weight = 0.001 }); err != nil {
		t.Fatalf("seed edge failed: %v", err)
	}

	sweeper := NewSweeper(store, time.Hour, false)
	for i := 0; i < 50; i++ {
		if err := sweeper.SweepOnce(ctx); err != nil {
			t.Fatalf("sweep %d failed: %v", i, err)
		}
	}

	edge, err := store.GetEdge(ctx, "w1", "parsing")
	if err != nil {
		t.Fatalf("edge deleted by decay: %v", err)
	}
	if edge.Weight < 0 {
		t.Errorf("weight went negative: %v", edge.Weight)
	}
}

func TestSelectiveDecayOnlyTouchedEdges(t *testing.T) {
	store := registry.NewMemStore(DefaultDecayRate)
	ctx := context.Background()

	for _, concept := range []string{"hot", "cold"} {
		if _, err := store.UpdateEdge(ctx, "w1", concept, func(e *registry.Edge) { e.Weight = 0.8 }); err != nil {
			t.Fatalf("seed edge failed: %v", err)
		}
	}

	sweeper := NewSweeper(store, time.Hour, true)

	// First selective sweep only records the usage baseline; nothing
	// decays because there is no previous tick to compare against.
	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("first sweep failed: %v", err)
	}
	for _, concept := range []string{"hot", "cold"} {
		edge, _ := store.GetEdge(ctx, "w1", concept)
		if !almostEqual(edge.Weight, 0.8) {
			t.Errorf("edge %s decayed on baseline sweep: %v", concept, edge.Weight)
		}
	}

	// Use only the hot edge, then sweep again: the touched edge decays,
	// the idle one is left for the unselective full pass.
	engine := NewEngine(store, DefaultDeltaSuccess, DefaultDeltaFailure, 0)
	if _, err := engine.RecordOutcome(ctx, "w1", "hot", true); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}
	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}

	hot, _ := store.GetEdge(ctx, "w1", "hot")
	if !almostEqual(hot.Weight, 0.85*0.99) {
		t.Errorf("touched edge should decay: weight = %v, want %v", hot.Weight, 0.85*0.99)
	}
	cold, _ := store.GetEdge(ctx, "w1", "cold")
	if !almostEqual(cold.Weight, 0.8) {
		t.Errorf("untouched edge should be skipped: weight = %v, want 0.8", cold.Weight)
	}

	// A third sweep with no traffic decays nothing further.
	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("third sweep failed: %v", err)
	}
	hot, _ = store.GetEdge(ctx, "w1", "hot")
	if !almostEqual(hot.Weight, 0.85*0.99) {
		t.Errorf("idle edge decayed again: weight = %v", hot.Weight)
	}
}

func TestSweeperStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := registry.NewMemStore(DefaultDecayRate)
	sweeper := NewSweeper(store, 5*time.Millisecond, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper.Start(ctx)
	time.Sleep(25 * time.Millisecond)
	sweeper.Stop()

	sweeps, _, _ := sweeper.Stats()
	if sweeps == 0 {
		t.Error("expected at least one sweep before stop")
	}
}
