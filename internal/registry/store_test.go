package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

const testDecay = 0.01

// storeImpls lets every test run against both backends, since the rest of
// the engine treats them interchangeably.
func storeImpls(t *testing.T) map[string]Store {
	t.Helper()

	sqlStore, err := NewSQLStore(filepath.Join(t.TempDir(), "registry.db"), testDecay)
	if err != nil {
		t.Fatalf("NewSQLStore failed: %v", err)
	}
	t.Cleanup(func() { sqlStore.Close() })

	return map[string]Store{
		"sqlite": sqlStore,
		"memory": NewMemStore(testDecay),
	}
}

func healthyWorker(name, region string) Worker {
	return Worker{
		Name:    name,
		Kind:    KindStatic,
		Address: "localhost:9100",
		Status:  StatusHealthy,
		Region:  region,
	}
}

func TestUpsertWorkerRoundTrip(t *testing.T) {
	for label, store := range storeImpls(t) {
		t.Run(label, func(t *testing.T) {
			ctx := context.Background()
			w := Worker{
				Name:           "parser-1",
				Kind:           KindDynamic,
				Address:        "http://localhost:9101",
				Status:         StatusHealthy,
				Region:         "us-east",
				Specialization: "parsing",
				Intents:        []string{"analyze", "transform"},
			}
			if _, err := store.UpsertWorker(ctx, w); err != nil {
				t.Fatalf("UpsertWorker failed: %v", err)
			}

			got, err := store.GetWorker(ctx, "parser-1")
			if err != nil {
				t.Fatalf("GetWorker failed: %v", err)
			}
			if got.Kind != KindDynamic || got.Address != "http://localhost:9101" {
				t.Errorf("worker round trip mismatch: %+v", got)
			}
			if len(got.Intents) != 2 || got.Intents[0] != "analyze" {
				t.Errorf("intents not preserved: %v", got.Intents)
			}
			if got.CreatedAt.IsZero() || got.LastUsed.IsZero() {
				t.Error("timestamps should be populated on insert")
			}
		})
	}
}

func TestUpsertWorkerPreservesCreatedAt(t *testing.T) {
	for label, store := range storeImpls(t) {
		t.Run(label, func(t *testing.T) {
			ctx := context.Background()
			w := healthyWorker("w1", "")
			first, err := store.UpsertWorker(ctx, w)
			if err != nil {
				t.Fatalf("first upsert failed: %v", err)
			}

			time.Sleep(20 * time.Millisecond)
			w.Address = "localhost:9999"
			second, err := store.UpsertWorker(ctx, w)
			if err != nil {
				t.Fatalf("second upsert failed: %v", err)
			}

			if d := second.CreatedAt.Sub(first.CreatedAt); d < -time.Millisecond || d > time.Millisecond {
				t.Errorf("created_at re-stamped on upsert: first=%v second=%v",
					first.CreatedAt, second.CreatedAt)
			}
			stored, err := store.GetWorker(ctx, "w1")
			if err != nil {
				t.Fatalf("GetWorker failed: %v", err)
			}
			if d := stored.CreatedAt.Sub(first.CreatedAt); d < -time.Millisecond || d > time.Millisecond {
				t.Errorf("stored created_at drifted: first=%v stored=%v",
					first.CreatedAt, stored.CreatedAt)
			}
			if stored.Address != "localhost:9999" {
				t.Errorf("address not refreshed: %s", stored.Address)
			}
		})
	}
}

func TestUpsertWorkerKindConflict(t *testing.T) {
	for label, store := range storeImpls(t) {
		t.Run(label, func(t *testing.T) {
			ctx := context.Background()
			w := healthyWorker("w1", "")
			if _, err := store.UpsertWorker(ctx, w); err != nil {
				t.Fatalf("first upsert failed: %v", err)
			}

			w.Kind = KindDynamic
			_, err := store.UpsertWorker(ctx, w)
			var ce *ConflictError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ConflictError, got %v", err)
			}
			if IsTransient(err) {
				t.Error("conflict errors must not be treated as transient")
			}
		})
	}
}

func TestUpsertWorkerValidation(t *testing.T) {
	cases := []struct {
		name   string
		worker Worker
	}{
		{"empty name", Worker{Name: "  ", Kind: KindStatic, Address: "localhost:1"}},
		{"bad kind", Worker{Name: "w", Kind: "ephemeral", Address: "localhost:1"}},
		{"empty address", Worker{Name: "w", Kind: KindStatic, Address: ""}},
		{"no port", Worker{Name: "w", Kind: KindStatic, Address: "localhost"}},
		{"hostless url", Worker{Name: "w", Kind: KindStatic, Address: "http://"}},
	}

	for label, store := range storeImpls(t) {
		t.Run(label, func(t *testing.T) {
			for _, tc := range cases {
				_, err := store.UpsertWorker(context.Background(), tc.worker)
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Errorf("%s: expected ValidationError, got %v", tc.name, err)
				}
			}
		})
	}
}

func TestConceptNormalization(t *testing.T) {
	for label, store := range storeImpls(t) {
		t.Run(label, func(t *testing.T) {
			ctx := context.Background()
			first, err := store.UpsertConcept(ctx, "  Database-Migration  ", "infra")
			if err != nil {
				t.Fatalf("UpsertConcept failed: %v", err)
			}
			if first.Name != "database-migration" {
				t.Errorf("expected normalized name, got %q", first.Name)
			}

			// Same concept under a different casing must not duplicate.
			second, err := store.UpsertConcept(ctx, "DATABASE-MIGRATION", "")
			if err != nil {
				t.Fatalf("second UpsertConcept failed: %v", err)
			}
			if second.Name != first.Name {
				t.Errorf("normalization produced distinct concepts: %q vs %q", first.Name, second.Name)
			}
			if second.Category != "infra" {
				t.Errorf("empty category overwrote existing: %q", second.Category)
			}

			stats, err := store.Stats(ctx)
			if err != nil {
				t.Fatalf("Stats failed: %v", err)
			}
			if stats["concepts"] != 1 {
				t.Errorf("expected 1 concept, got %d", stats["concepts"])
			}
		})
	}
}

func TestUpdateEdgeCreatesWithDefaults(t *testing.T) {
	for label, store := range storeImpls(t) {
		t.Run(label, func(t *testing.T) {
			ctx := context.Background()
			edge, err := store.UpdateEdge(ctx, "w1", "Parsing", nil)
			if err != nil {
				t.Fatalf("UpdateEdge failed: %v", err)
			}
			if edge.Weight != DefaultWeight {
				t.Errorf("new edge weight = %v, want %v", edge.Weight, DefaultWeight)
			}
			if edge.DecayRate != testDecay {
				t.Errorf("new edge decay = %v, want %v", edge.DecayRate, testDecay)
			}
			if edge.Concept != "parsing" {
				t.Errorf("concept not normalized on edge: %q", edge.Concept)
			}

			got, err := store.GetEdge(ctx, "w1", "parsing")
			if err != nil {
				t.Fatalf("GetEdge failed: %v", err)
			}
			if got.Weight != DefaultWeight {
				t.Errorf("persisted weight = %v", got.Weight)
			}
		})
	}
}

func TestUpdateEdgeAppliesAndClamps(t *testing.T) {
	for label, store := range storeImpls(t) {
		t.Run(label, func(t *testing.T) {
			ctx := context.Background()
			edge, err := store.UpdateEdge(ctx, "w1", "parsing", func(e *Edge) {
				e.Weight += 10 // Way past the ceiling
				e.UsageCount++
				e.SuccessCount++
			})
			if err != nil {
				t.Fatalf("UpdateEdge failed: %v", err)
			}
			if edge.Weight != 1.0 {
				t.Errorf("weight not clamped to 1.0: %v", edge.Weight)
			}
			if edge.UsageCount != 1 || edge.SuccessCount != 1 {
				t.Errorf("counters not applied: %+v", edge)
			}

			edge, err = store.UpdateEdge(ctx, "w1", "parsing", func(e *Edge) {
				e.Weight -= 10
			})
			if err != nil {
				t.Fatalf("second UpdateEdge failed: %v", err)
			}
			if edge.Weight != 0.0 {
				t.Errorf("weight not clamped to 0.0: %v", edge.Weight)
			}
			if edge.UsageCount != 1 {
				t.Errorf("usage count lost across updates: %d", edge.UsageCount)
			}
		})
	}
}

func TestFindCandidatesFiltersUnhealthy(t *testing.T) {
	for label, store := range storeImpls(t) {
		t.Run(label, func(t *testing.T) {
			ctx := context.Background()

			for _, w := range []Worker{
				healthyWorker("alive", "us-east"),
				healthyWorker("elsewhere", "eu-west"),
			} {
				if _, err := store.UpsertWorker(ctx, w); err != nil {
					t.Fatalf("UpsertWorker failed: %v", err)
				}
			}
			dead := healthyWorker("dead", "us-east")
			dead.Status = StatusDegraded
			if _, err := store.UpsertWorker(ctx, dead); err != nil {
				t.Fatalf("UpsertWorker failed: %v", err)
			}

			for _, name := range []string{"alive", "dead", "elsewhere"} {
				if _, err := store.UpdateEdge(ctx, name, "parsing", nil); err != nil {
					t.Fatalf("UpdateEdge failed: %v", err)
				}
			}

			all, err := store.FindCandidates(ctx, "parsing", "", "")
			if err != nil {
				t.Fatalf("FindCandidates failed: %v", err)
			}
			if len(all) != 2 {
				t.Fatalf("expected 2 healthy candidates, got %d", len(all))
			}
			for _, c := range all {
				if c.Worker.Status != StatusHealthy {
					t.Errorf("non-healthy worker %s in candidates", c.Worker.Name)
				}
			}

			scoped, err := store.FindCandidates(ctx, "parsing", "", "us-east")
			if err != nil {
				t.Fatalf("scoped FindCandidates failed: %v", err)
			}
			if len(scoped) != 1 || scoped[0].Worker.Name != "alive" {
				t.Errorf("region filter wrong: %+v", scoped)
			}

			none, err := store.FindCandidates(ctx, "unknown-concept", "", "")
			if err != nil {
				t.Fatalf("FindCandidates for unknown concept failed: %v", err)
			}
			if len(none) != 0 {
				t.Errorf("expected empty result for unknown concept, got %d", len(none))
			}
		})
	}
}

func TestWorkerStatusAndTouch(t *testing.T) {
	for label, store := range storeImpls(t) {
		t.Run(label, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.UpsertWorker(ctx, healthyWorker("w1", "")); err != nil {
				t.Fatalf("UpsertWorker failed: %v", err)
			}

			if err := store.UpdateWorkerStatus(ctx, "w1", StatusStopping); err != nil {
				t.Fatalf("UpdateWorkerStatus failed: %v", err)
			}
			w, _ := store.GetWorker(ctx, "w1")
			if w.Status != StatusStopping {
				t.Errorf("status = %s, want stopping", w.Status)
			}

			stamp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
			if err := store.TouchWorker(ctx, "w1", stamp); err != nil {
				t.Fatalf("TouchWorker failed: %v", err)
			}
			w, _ = store.GetWorker(ctx, "w1")
			if !w.LastUsed.Equal(stamp) {
				t.Errorf("last used = %v, want %v", w.LastUsed, stamp)
			}

			if err := store.UpdateWorkerStatus(ctx, "ghost", StatusStopped); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound for unknown worker, got %v", err)
			}
		})
	}
}

func TestWorkerPerformanceAggregation(t *testing.T) {
	for label, store := range storeImpls(t) {
		t.Run(label, func(t *testing.T) {
			ctx := context.Background()
			for _, concept := range []string{"parsing", "linting"} {
				_, err := store.UpdateEdge(ctx, "w1", concept, func(e *Edge) {
					e.UsageCount += 10
					e.SuccessCount += 7
					e.FailureCount += 3
				})
				if err != nil {
					t.Fatalf("UpdateEdge failed: %v", err)
				}
			}

			p, err := store.WorkerPerformance(ctx, "w1")
			if err != nil {
				t.Fatalf("WorkerPerformance failed: %v", err)
			}
			if p.UsageCount != 20 || p.SuccessCount != 14 {
				t.Errorf("aggregation wrong: %+v", p)
			}
			if got := p.SuccessRate(); got != 0.7 {
				t.Errorf("success rate = %v, want 0.7", got)
			}

			empty, err := store.WorkerPerformance(ctx, "never-used")
			if err != nil {
				t.Fatalf("WorkerPerformance for unused worker failed: %v", err)
			}
			if got := empty.SuccessRate(); got != 0.5 {
				t.Errorf("unused worker success rate = %v, want 0.5", got)
			}
		})
	}
}

func TestEdgesTouchedSince(t *testing.T) {
	for label, store := range storeImpls(t) {
		t.Run(label, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.UpdateEdge(ctx, "w1", "old", nil); err != nil {
				t.Fatalf("UpdateEdge failed: %v", err)
			}

			cutoff := time.Now().Add(-time.Minute)
			touched, err := store.EdgesTouchedSince(ctx, cutoff)
			if err != nil {
				t.Fatalf("EdgesTouchedSince failed: %v", err)
			}
			if len(touched) != 1 {
				t.Errorf("expected 1 recent edge, got %d", len(touched))
			}

			future := time.Now().Add(time.Minute)
			touched, err = store.EdgesTouchedSince(ctx, future)
			if err != nil {
				t.Fatalf("EdgesTouchedSince failed: %v", err)
			}
			if len(touched) != 0 {
				t.Errorf("expected no edges after future cutoff, got %d", len(touched))
			}
		})
	}
}

func TestEdgeSuccessRateDefaults(t *testing.T) {
	e := Edge{}
	if got := e.SuccessRate(); got != 0.5 {
		t.Errorf("unused edge success rate = %v, want 0.5", got)
	}
	e = Edge{UsageCount: 4, SuccessCount: 3}
	if got := e.SuccessRate(); got != 0.75 {
		t.Errorf("success rate = %v, want 0.75", got)
	}
}
