package lifecycle

import (
	"context"
	"time"

	"synapse/internal/logging"
	"synapse/internal/registry"
)

// Start launches the background sweep loop. Each pass retires idle and aged
// dynamic workers, then drains the provision queue into the freed capacity.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	logging.Lifecycle("Sweep loop started (interval=%s, idle=%s, maxAge=%s)",
		m.opts.SweepInterval, m.opts.IdleTimeout, m.opts.MaxAge)
	go m.loop(ctx)
}

// Stop stops the sweep loop and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	<-m.doneCh
	logging.Lifecycle("Sweep loop stopped")
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.SweepOnce(ctx); err != nil {
				logging.LifecycleWarn("Sweep failed: %v", err)
			}
		}
	}
}

// SweepOnce runs a single eviction-then-drain pass. Exported for shutdown
// paths and tests.
func (m *Manager) SweepOnce(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryLifecycle, "SweepOnce")
	defer timer.Stop()

	workers, err := m.store.ListWorkers(ctx, "")
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	evicted := 0
	for _, w := range workers {
		// Static workers are permanent; only the dynamically grown pool
		// is subject to idle and age limits.
		if w.Kind != registry.KindDynamic {
			continue
		}
		if w.Status != registry.StatusHealthy && w.Status != registry.StatusDegraded {
			continue
		}

		idle := now.Sub(w.LastUsed) > m.opts.IdleTimeout
		aged := now.Sub(w.CreatedAt) > m.opts.MaxAge
		if !idle && !aged {
			continue
		}

		reason := "idle"
		if aged {
			reason = "max age"
		}
		logging.Lifecycle("Evicting worker %s (%s: idle=%s age=%s)",
			w.Name, reason, now.Sub(w.LastUsed).Round(time.Second), now.Sub(w.CreatedAt).Round(time.Second))

		if err := m.Terminate(ctx, w); err != nil {
			logging.LifecycleWarn("Eviction of %s failed: %v", w.Name, err)
			continue
		}
		if aged {
			m.evictedAged.Add(1)
		} else {
			m.evictedIdle.Add(1)
		}
		evicted++
	}

	drained := m.Drain(ctx)
	if evicted > 0 || drained > 0 {
		logging.Lifecycle("Sweep complete: %d evicted, %d drained from queue", evicted, drained)
	}
	return nil
}

// Drain provisions parked requests in FIFO order while capacity allows.
// A request whose provision fails is re-queued once; a second failure drops
// it. Returns the number of workers successfully brought up.
func (m *Manager) Drain(ctx context.Context) int {
	drained := 0
	for {
		ok, err := m.reserveSlot(ctx)
		if err != nil {
			logging.LifecycleWarn("Drain aborted, cannot count active workers: %v", err)
			return drained
		}
		if !ok {
			return drained
		}

		req, found := m.queue.Dequeue()
		if !found {
			m.releaseSlot()
			return drained
		}

		if _, err := m.provision(ctx, req); err != nil {
			logging.ProvisionWarn("Queued provision %s failed: %v", req.ID, err)
			if req.Attempts < 2 {
				if !m.queue.Requeue(req) {
					m.droppedRequests.Add(1)
				}
			} else {
				m.droppedRequests.Add(1)
				logging.ProvisionWarn("Dropping provision request %s for concept %s after %d attempts",
					req.ID, req.Concept, req.Attempts)
			}
			continue
		}
		drained++
	}
}
