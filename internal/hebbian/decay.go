package hebbian

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"synapse/internal/logging"
	"synapse/internal/registry"
)

// DefaultDecayRate is the per-sweep multiplicative decay applied to each
// edge weight: weight *= (1 - rate). Edges carry their own rate; this is
// the value stamped onto new edges.
const DefaultDecayRate = 0.01

// Sweeper periodically decays edge weights so associations fade unless
// their successes keep outpacing the decay. In selective mode each tick
// decays only the edges whose usage advanced since the previous tick,
// keeping the sweep proportional to traffic instead of graph size; the
// unselective variant decays every edge. Weights only shrink toward zero;
// edges are never deleted by decay.
type Sweeper struct {
	store     registry.Store
	interval  time.Duration
	selective bool

	// usage counts observed at the previous sweep, keyed worker+concept.
	// An edge whose count moved past its snapshot was used this period.
	// Tracking counts rather than last_updated keeps the sweep's own
	// writes from counting as usage.
	mu       sync.Mutex
	lastSeen map[string]int64
	primed   bool
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}

	sweepsRun    atomic.Int64
	edgesDecayed atomic.Int64
	edgesSkipped atomic.Int64
}

// NewSweeper creates a decay sweeper. interval must be positive; selective
// restricts each tick to edges used since the previous one.
func NewSweeper(store registry.Store, interval time.Duration, selective bool) *Sweeper {
	return &Sweeper{
		store:     store,
		interval:  interval,
		selective: selective,
		lastSeen:  make(map[string]int64),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the sweep loop. Non-blocking; the loop exits on Stop or
// context cancellation.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	logging.Hebbian("Decay sweeper started (interval=%s, selective=%t)", s.interval, s.selective)
	go s.loop(ctx)
}

// Stop stops the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh
	logging.Hebbian("Decay sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				logging.Get(logging.CategoryHebbian).Warn("Decay sweep failed: %v", err)
			}
		}
	}
}

// SweepOnce runs a single decay pass over every edge. Exported so callers
// can trigger a sweep outside the timer, e.g. on shutdown or in tests.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryHebbian, "SweepOnce")
	defer timer.Stop()

	edges, err := s.store.AllEdges(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.lastSeen
	primed := s.primed
	next := make(map[string]int64, len(edges))
	s.mu.Unlock()

	// The first selective pass only records usage counts: with no prior
	// snapshot there is no way to tell which edges were actually used.
	observeOnly := s.selective && !primed

	var decayed, skipped int64
	for _, e := range edges {
		key := e.Worker + "\x00" + e.Concept
		next[key] = e.UsageCount

		if observeOnly {
			skipped++
			continue
		}
		if s.selective {
			seen, ok := prev[key]
			touched := !ok || e.UsageCount > seen
			if !touched {
				skipped++
				continue
			}
		}

		_, err := s.store.UpdateEdge(ctx, e.Worker, e.Concept, func(edge *registry.Edge) {
			edge.Weight *= (1 - edge.DecayRate)
		})
		if err != nil {
			logging.Get(logging.CategoryHebbian).Warn("Decay of %s->%s failed: %v", e.Worker, e.Concept, err)
			continue
		}
		decayed++
	}

	s.mu.Lock()
	s.lastSeen = next
	s.primed = true
	s.mu.Unlock()

	s.sweepsRun.Add(1)
	s.edgesDecayed.Add(decayed)
	s.edgesSkipped.Add(skipped)

	logging.HebbianDebug("Decay sweep complete: %d decayed, %d skipped of %d edges",
		decayed, skipped, len(edges))
	return nil
}

// Stats reports cumulative sweep counters.
func (s *Sweeper) Stats() (sweeps, decayed, skipped int64) {
	return s.sweepsRun.Load(), s.edgesDecayed.Load(), s.edgesSkipped.Load()
}
