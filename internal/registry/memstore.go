package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by tests and by callers that want the
// engine without a database file. It holds the same invariants as SQLStore:
// every edge mutation happens under the lock, so the store stays the
// serialization point for concurrent updates.
type MemStore struct {
	mu           sync.RWMutex
	workers      map[string]Worker
	concepts     map[string]Concept
	regions      map[string]Region
	edges        map[string]Edge // key: worker + "\x00" + concept
	defaultDecay float64
	closed       bool
}

// NewMemStore creates an empty in-memory store. defaultDecay is stamped onto
// every newly created edge, mirroring NewSQLStore.
func NewMemStore(defaultDecay float64) *MemStore {
	return &MemStore{
		workers:      make(map[string]Worker),
		concepts:     make(map[string]Concept),
		regions:      make(map[string]Region),
		edges:        make(map[string]Edge),
		defaultDecay: defaultDecay,
	}
}

func edgeKey(worker, concept string) string {
	return worker + "\x00" + concept
}

func (s *MemStore) UpsertWorker(ctx context.Context, w Worker) (Worker, error) {
	if err := validateWorker(w); err != nil {
		return Worker{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.workers[w.Name]; ok {
		if existing.Kind != w.Kind {
			return Worker{}, &ConflictError{
				Name:   w.Name,
				Reason: fmt.Sprintf("registered as %s, re-registered as %s", existing.Kind, w.Kind),
			}
		}
		w.CreatedAt = existing.CreatedAt
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	if w.LastUsed.IsZero() {
		w.LastUsed = now
	}
	if w.Status == "" {
		w.Status = StatusProvisioning
	}
	s.workers[w.Name] = w
	if w.Region != "" {
		if _, ok := s.regions[w.Region]; !ok {
			s.regions[w.Region] = Region{Name: w.Region, CreatedAt: now}
		}
	}
	return w, nil
}

func (s *MemStore) GetWorker(ctx context.Context, name string) (Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workers[name]
	if !ok {
		return Worker{}, ErrNotFound
	}
	return w, nil
}

func (s *MemStore) UpdateWorkerStatus(ctx context.Context, name string, status WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[name]
	if !ok {
		return ErrNotFound
	}
	w.Status = status
	s.workers[name] = w
	return nil
}

func (s *MemStore) TouchWorker(ctx context.Context, name string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[name]
	if !ok {
		return ErrNotFound
	}
	w.LastUsed = t.UTC()
	s.workers[name] = w
	return nil
}

func (s *MemStore) UpsertConcept(ctx context.Context, name, category string) (Concept, error) {
	name = NormalizeConcept(name)
	if name == "" {
		return Concept{}, &ValidationError{Field: "concept", Reason: "must be non-empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.concepts[name]
	if !ok {
		c = Concept{Name: name, Category: category, CreatedAt: time.Now().UTC()}
	} else if category != "" {
		c.Category = category
	}
	s.concepts[name] = c
	return c, nil
}

func (s *MemStore) UpsertRegion(ctx context.Context, name string) (Region, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Region{}, &ValidationError{Field: "region", Reason: "must be non-empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.regions[name]
	if !ok {
		r = Region{Name: name, CreatedAt: time.Now().UTC()}
		s.regions[name] = r
	}
	return r, nil
}

func (s *MemStore) UpdateEdge(ctx context.Context, worker, concept string, apply func(*Edge)) (Edge, error) {
	concept = NormalizeConcept(concept)
	if worker == "" || concept == "" {
		return Edge{}, &ValidationError{Field: "edge", Reason: "worker and concept must be non-empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if _, ok := s.concepts[concept]; !ok {
		s.concepts[concept] = Concept{Name: concept, CreatedAt: now}
	}

	key := edgeKey(worker, concept)
	edge, ok := s.edges[key]
	if !ok {
		edge = Edge{
			Worker:      worker,
			Concept:     concept,
			Weight:      DefaultWeight,
			DecayRate:   s.defaultDecay,
			LastUpdated: now,
		}
	}
	if apply != nil {
		apply(&edge)
	}
	edge.Weight = clampWeight(edge.Weight)
	edge.LastUpdated = now
	s.edges[key] = edge
	return edge, nil
}

func (s *MemStore) GetEdge(ctx context.Context, worker, concept string) (Edge, error) {
	concept = NormalizeConcept(concept)

	s.mu.RLock()
	defer s.mu.RUnlock()

	edge, ok := s.edges[edgeKey(worker, concept)]
	if !ok {
		return Edge{}, ErrNotFound
	}
	return edge, nil
}

func (s *MemStore) FindCandidates(ctx context.Context, concept, intent, region string) ([]Candidate, error) {
	concept = NormalizeConcept(concept)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []Candidate
	for _, e := range s.edges {
		if e.Concept != concept {
			continue
		}
		w, ok := s.workers[e.Worker]
		if !ok || w.Status != StatusHealthy {
			continue
		}
		if region != "" && w.Region != region {
			continue
		}
		candidates = append(candidates, Candidate{Edge: e, Worker: w})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Edge.Weight != candidates[j].Edge.Weight {
			return candidates[i].Edge.Weight > candidates[j].Edge.Weight
		}
		return candidates[i].Edge.Worker < candidates[j].Edge.Worker
	})
	return candidates, nil
}

func (s *MemStore) EdgesTouchedSince(ctx context.Context, since time.Time) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var edges []Edge
	for _, e := range s.edges {
		if !e.LastUpdated.Before(since) {
			edges = append(edges, e)
		}
	}
	return edges, nil
}

func (s *MemStore) AllEdges(ctx context.Context) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	edges := make([]Edge, 0, len(s.edges))
	for _, e := range s.edges {
		edges = append(edges, e)
	}
	return edges, nil
}

func (s *MemStore) ListWorkers(ctx context.Context, status WorkerStatus) ([]Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var workers []Worker
	for _, w := range s.workers {
		if status != "" && w.Status != status {
			continue
		}
		workers = append(workers, w)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })
	return workers, nil
}

func (s *MemStore) WorkerPerformance(ctx context.Context, name string) (Performance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p Performance
	for _, e := range s.edges {
		if e.Worker == name {
			p.UsageCount += e.UsageCount
			p.SuccessCount += e.SuccessCount
		}
	}
	return p, nil
}

func (s *MemStore) Stats(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]int64{
		"workers":         int64(len(s.workers)),
		"concepts":        int64(len(s.concepts)),
		"regions":         int64(len(s.regions)),
		"handles_concept": int64(len(s.edges)),
	}, nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
