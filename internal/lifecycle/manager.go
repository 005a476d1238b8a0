// Package lifecycle governs the worker pool: capacity-bounded provisioning
// with a FIFO overflow queue, health polling for workers coming up, and a
// periodic sweep that retires idle or aged dynamic workers and drains the
// queue into the freed capacity.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"synapse/internal/logging"
	"synapse/internal/registry"
)

// Options tunes the manager. Zero fields fall back to the defaults below.
type Options struct {
	MaxConcurrent      int
	IdleTimeout        time.Duration
	MaxAge             time.Duration
	SweepInterval      time.Duration
	ProvisionTimeout   time.Duration
	HealthPollInterval time.Duration
	QueueCapacity      int
}

const (
	defaultMaxConcurrent    = 20
	defaultIdleTimeout      = 30 * time.Minute
	defaultMaxAge           = 24 * time.Hour
	defaultSweepInterval    = 60 * time.Second
	defaultProvisionTimeout = 90 * time.Second
	defaultHealthPoll       = 2 * time.Second
)

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = defaultMaxConcurrent
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.MaxAge <= 0 {
		o.MaxAge = defaultMaxAge
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = defaultSweepInterval
	}
	if o.ProvisionTimeout <= 0 {
		o.ProvisionTimeout = defaultProvisionTimeout
	}
	if o.HealthPollInterval <= 0 {
		o.HealthPollInterval = defaultHealthPoll
	}
	return o
}

// Manager owns worker state transitions. Every transition is persisted to
// the registry, so the pool survives a restart with its history intact.
type Manager struct {
	store registry.Store
	prov  Provisioner
	opts  Options
	queue *ProvisionQueue

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// slotMu serializes the capacity check against worker registration.
	// reserved counts provisions in flight that have not yet written their
	// worker row, so concurrent requests cannot all observe the same free
	// slot.
	slotMu   sync.Mutex
	reserved int

	provisionOK     atomic.Int64
	provisionFailed atomic.Int64
	evictedIdle     atomic.Int64
	evictedAged     atomic.Int64
	droppedRequests atomic.Int64
}

// NewManager wires the manager to a registry store and a provisioner backend.
func NewManager(store registry.Store, prov Provisioner, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		store:  store,
		prov:   prov,
		opts:   opts,
		queue:  NewProvisionQueue(opts.QueueCapacity),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// ActiveCount counts workers holding a capacity slot: provisioning, healthy,
// or degraded. Stopping and terminal workers have released theirs.
func (m *Manager) ActiveCount(ctx context.Context) (int, error) {
	workers, err := m.store.ListWorkers(ctx, "")
	if err != nil {
		return 0, err
	}
	count := 0
	for _, w := range workers {
		switch w.Status {
		case registry.StatusProvisioning, registry.StatusHealthy, registry.StatusDegraded:
			count++
		}
	}
	return count, nil
}

// RequestProvision asks for a dynamic worker specialized for the concept.
// With free capacity the worker is provisioned synchronously and returned
// healthy. At capacity the request is parked FIFO and queued=true comes
// back. A full queue is ErrNoCapacity.
func (m *Manager) RequestProvision(ctx context.Context, concept, region, intent string) (registry.Worker, bool, error) {
	timer := logging.StartTimer(logging.CategoryProvision, "RequestProvision")
	defer timer.Stop()

	ok, err := m.reserveSlot(ctx)
	if err != nil {
		return registry.Worker{}, false, err
	}

	if ok {
		req := Request{
			ID:         uuid.New().String(),
			Concept:    registry.NormalizeConcept(concept),
			Region:     region,
			Intent:     intent,
			EnqueuedAt: time.Now().UTC(),
			Attempts:   1,
		}
		w, err := m.provision(ctx, req)
		if err == nil {
			return w, false, nil
		}
		// A failed bring-up is parked for one retry from the sweep drain
		// rather than surfaced to the caller.
		logging.ProvisionWarn("Provision for concept %s failed, re-queueing: %v", req.Concept, err)
		if m.queue.Requeue(req) {
			return registry.Worker{}, true, nil
		}
		m.droppedRequests.Add(1)
		return registry.Worker{}, false, ErrNoCapacity
	}

	logging.Provision("Pool at capacity (max %d), queueing request for concept %s",
		m.opts.MaxConcurrent, concept)
	if _, ok := m.queue.Enqueue(registry.NormalizeConcept(concept), region, intent); !ok {
		return registry.Worker{}, false, ErrNoCapacity
	}
	return registry.Worker{}, true, nil
}

// reserveSlot claims a capacity slot when one is free. The reservation
// covers the window between the count check and the worker row existing,
// after which the Provisioning row holds the slot.
func (m *Manager) reserveSlot(ctx context.Context) (bool, error) {
	m.slotMu.Lock()
	defer m.slotMu.Unlock()

	active, err := m.ActiveCount(ctx)
	if err != nil {
		return false, err
	}
	if active+m.reserved >= m.opts.MaxConcurrent {
		return false, nil
	}
	m.reserved++
	return true, nil
}

func (m *Manager) releaseSlot() {
	m.slotMu.Lock()
	m.reserved--
	m.slotMu.Unlock()
}

// provision runs the full bring-up: start the backend, register the worker
// as Provisioning, poll health until it comes up or the timeout fires.
// The caller must hold a slot reservation; it is handed off to the worker
// row once registered, or released on an earlier failure.
func (m *Manager) provision(ctx context.Context, req Request) (registry.Worker, error) {
	released := false
	release := func() {
		if !released {
			released = true
			m.releaseSlot()
		}
	}
	defer release()

	name := workerName(req.Concept)
	spec := WorkerSpec{
		Name:           name,
		Specialization: req.Concept,
		Region:         req.Region,
		Intent:         req.Intent,
	}

	logging.Provision("Provisioning worker %s for concept %s (attempt %d)", name, req.Concept, req.Attempts)

	address, err := m.prov.Provision(ctx, spec)
	if err != nil {
		m.provisionFailed.Add(1)
		return registry.Worker{}, &ProvisionError{Worker: name, Reason: "backend start failed", Err: err}
	}

	var intents []string
	if req.Intent != "" {
		intents = []string{req.Intent}
	}
	w, err := m.store.UpsertWorker(ctx, registry.Worker{
		Name:           name,
		Kind:           registry.KindDynamic,
		Address:        address,
		Status:         registry.StatusProvisioning,
		Region:         req.Region,
		Specialization: req.Concept,
		Intents:        intents,
	})
	if err != nil {
		m.provisionFailed.Add(1)
		_ = m.prov.Terminate(ctx, registry.Worker{Name: name, Address: address})
		return registry.Worker{}, &ProvisionError{Worker: name, Reason: "registry write failed", Err: err}
	}
	release()

	if err := m.awaitHealthy(ctx, w); err != nil {
		m.provisionFailed.Add(1)
		_ = m.store.UpdateWorkerStatus(ctx, name, registry.StatusFailed)
		_ = m.prov.Terminate(ctx, w)
		return registry.Worker{}, err
	}

	if err := m.store.UpdateWorkerStatus(ctx, name, registry.StatusHealthy); err != nil {
		m.provisionFailed.Add(1)
		return registry.Worker{}, &ProvisionError{Worker: name, Reason: "registry write failed", Err: err}
	}
	w.Status = registry.StatusHealthy

	m.provisionOK.Add(1)
	logging.Provision("Worker %s healthy at %s", name, address)
	return w, nil
}

// awaitHealthy polls the backend until it reports ready or the provision
// timeout elapses.
func (m *Manager) awaitHealthy(ctx context.Context, w registry.Worker) error {
	deadline, cancel := context.WithTimeout(ctx, m.opts.ProvisionTimeout)
	defer cancel()

	ticker := time.NewTicker(m.opts.HealthPollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = m.prov.HealthCheck(deadline, w); lastErr == nil {
			return nil
		}
		logging.ProvisionDebug("Worker %s not ready: %v", w.Name, lastErr)

		select {
		case <-deadline.Done():
			return &ProvisionError{
				Worker: w.Name,
				Reason: fmt.Sprintf("not healthy within %s", m.opts.ProvisionTimeout),
				Err:    lastErr,
			}
		case <-ticker.C:
		}
	}
}

// RecordUsage refreshes the worker's last-used timestamp. Called by the
// dispatcher on every task it routes, so the idle sweep sees live workers.
func (m *Manager) RecordUsage(ctx context.Context, name string) error {
	return m.store.TouchWorker(ctx, name, time.Now().UTC())
}

// Terminate retires one worker: Stopping, backend teardown, Stopped. Used
// by the sweep and by operator-driven shutdown.
func (m *Manager) Terminate(ctx context.Context, w registry.Worker) error {
	if err := m.store.UpdateWorkerStatus(ctx, w.Name, registry.StatusStopping); err != nil {
		return err
	}
	if err := m.prov.Terminate(ctx, w); err != nil {
		logging.LifecycleWarn("Backend terminate of %s failed: %v", w.Name, err)
	}
	return m.store.UpdateWorkerStatus(ctx, w.Name, registry.StatusStopped)
}

// QueueStats exposes the provision queue counters.
func (m *Manager) QueueStats() QueueStats {
	return m.queue.Stats()
}

// ManagerStats is a snapshot of pool counters for status reporting.
type ManagerStats struct {
	Active          int
	MaxConcurrent   int
	Queue           QueueStats
	ProvisionOK     int64
	ProvisionFailed int64
	EvictedIdle     int64
	EvictedAged     int64
	DroppedRequests int64
}

// Stats snapshots the manager counters.
func (m *Manager) Stats(ctx context.Context) (ManagerStats, error) {
	active, err := m.ActiveCount(ctx)
	if err != nil {
		return ManagerStats{}, err
	}
	return ManagerStats{
		Active:          active,
		MaxConcurrent:   m.opts.MaxConcurrent,
		Queue:           m.queue.Stats(),
		ProvisionOK:     m.provisionOK.Load(),
		ProvisionFailed: m.provisionFailed.Load(),
		EvictedIdle:     m.evictedIdle.Load(),
		EvictedAged:     m.evictedAged.Load(),
		DroppedRequests: m.droppedRequests.Load(),
	}, nil
}

// workerName derives a stable, readable dynamic-worker name from the concept.
func workerName(concept string) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r == ' ', r == '_', r == '.':
			return '-'
		default:
			return -1
		}
	}, concept)
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "worker"
	}
	return fmt.Sprintf("%s-%s", slug, uuid.New().String()[:8])
}
