package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"synapse/internal/registry"
)

func testOptions() Options {
	return Options{
		MaxConcurrent:      2,
		IdleTimeout:        30 * time.Minute,
		MaxAge:             24 * time.Hour,
		SweepInterval:      time.Hour,
		ProvisionTimeout:   200 * time.Millisecond,
		HealthPollInterval: 10 * time.Millisecond,
		QueueCapacity:      10,
	}
}

func newTestManager(opts Options) (*Manager, *registry.MemStore, *LocalProvisioner) {
	store := registry.NewMemStore(0.01)
	prov := NewLocalProvisioner(9100)
	return NewManager(store, prov, opts), store, prov
}

func TestQueueFIFOOrder(t *testing.T) {
	q := NewProvisionQueue(5)

	for _, concept := range []string{"first", "second", "third"} {
		if _, ok := q.Enqueue(concept, "", ""); !ok {
			t.Fatalf("enqueue %s rejected", concept)
		}
	}
	if q.Depth() != 3 {
		t.Fatalf("depth = %d, want 3", q.Depth())
	}

	for _, want := range []string{"first", "second", "third"} {
		req, ok := q.Dequeue()
		if !ok {
			t.Fatalf("dequeue returned empty, want %s", want)
		}
		if req.Concept != want {
			t.Errorf("dequeue order broken: got %s, want %s", req.Concept, want)
		}
		if req.ID == "" || req.EnqueuedAt.IsZero() {
			t.Errorf("request missing identity: %+v", req)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("dequeue on empty queue should report empty")
	}
}

func TestQueueCapacityBound(t *testing.T) {
	q := NewProvisionQueue(2)
	q.Enqueue("a", "", "")
	q.Enqueue("b", "", "")
	if _, ok := q.Enqueue("c", "", ""); ok {
		t.Error("enqueue past capacity should be rejected")
	}
	stats := q.Stats()
	if stats.Rejected != 1 || stats.Enqueued != 2 {
		t.Errorf("queue stats wrong: %+v", stats)
	}
}

func TestRequestProvisionImmediate(t *testing.T) {
	mgr, store, _ := newTestManager(testOptions())
	ctx := context.Background()

	w, queued, err := mgr.RequestProvision(ctx, "Parsing", "us-east", "analyze")
	if err != nil {
		t.Fatalf("RequestProvision failed: %v", err)
	}
	if queued {
		t.Fatal("expected immediate provision with free capacity")
	}
	if w.Status != registry.StatusHealthy {
		t.Errorf("worker status = %s, want healthy", w.Status)
	}
	if w.Kind != registry.KindDynamic {
		t.Errorf("worker kind = %s, want dynamic", w.Kind)
	}
	if w.Specialization != "parsing" {
		t.Errorf("specialization = %q, want normalized concept", w.Specialization)
	}

	stored, err := store.GetWorker(ctx, w.Name)
	if err != nil {
		t.Fatalf("worker not persisted: %v", err)
	}
	if stored.Status != registry.StatusHealthy {
		t.Errorf("persisted status = %s, want healthy", stored.Status)
	}
}

func TestRequestProvisionQueuesAtCapacity(t *testing.T) {
	mgr, _, _ := newTestManager(testOptions())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, queued, err := mgr.RequestProvision(ctx, "filler", "", ""); err != nil || queued {
			t.Fatalf("filler %d: queued=%t err=%v", i, queued, err)
		}
	}

	w, queued, err := mgr.RequestProvision(ctx, "overflow", "", "")
	if err != nil {
		t.Fatalf("RequestProvision at capacity failed: %v", err)
	}
	if !queued {
		t.Fatal("expected request to queue at capacity")
	}
	if w.Name != "" {
		t.Errorf("queued request should not return a worker, got %s", w.Name)
	}
	if mgr.QueueStats().Depth != 1 {
		t.Errorf("queue depth = %d, want 1", mgr.QueueStats().Depth)
	}
}

func TestRequestProvisionNoCapacityWhenQueueFull(t *testing.T) {
	opts := testOptions()
	opts.MaxConcurrent = 1
	opts.QueueCapacity = 1
	mgr, _, _ := newTestManager(opts)
	ctx := context.Background()

	if _, _, err := mgr.RequestProvision(ctx, "filler", "", ""); err != nil {
		t.Fatalf("filler failed: %v", err)
	}
	if _, queued, err := mgr.RequestProvision(ctx, "parked", "", ""); err != nil || !queued {
		t.Fatalf("expected parked request, queued=%t err=%v", queued, err)
	}

	_, _, err := mgr.RequestProvision(ctx, "rejected", "", "")
	if !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity with full queue, got %v", err)
	}
}

// unhealthyProvisioner starts workers that never become ready.
type unhealthyProvisioner struct {
	*LocalProvisioner
}

func (p *unhealthyProvisioner) HealthCheck(ctx context.Context, w registry.Worker) error {
	return errors.New("still warming up")
}

func TestProvisionTimeoutMarksWorkerFailed(t *testing.T) {
	store := registry.NewMemStore(0.01)
	prov := &unhealthyProvisioner{LocalProvisioner: NewLocalProvisioner(9100)}
	mgr := NewManager(store, prov, testOptions())
	ctx := context.Background()

	// The failed bring-up is parked for a retry rather than surfaced.
	_, queued, err := mgr.RequestProvision(ctx, "parsing", "", "")
	if err != nil {
		t.Fatalf("RequestProvision failed: %v", err)
	}
	if !queued {
		t.Fatal("failed provision should come back as queued")
	}
	if mgr.QueueStats().Requeued != 1 {
		t.Errorf("requeued = %d, want 1", mgr.QueueStats().Requeued)
	}

	workers, err := store.ListWorkers(ctx, registry.StatusFailed)
	if err != nil {
		t.Fatalf("ListWorkers failed: %v", err)
	}
	if len(workers) != 1 {
		t.Fatalf("expected 1 failed worker, got %d", len(workers))
	}
	if !workers[0].Status.Terminal() {
		t.Error("failed must be a terminal status")
	}
}

func TestFailedProvisionRequeuedOnceThenDropped(t *testing.T) {
	store := registry.NewMemStore(0.01)
	prov := &unhealthyProvisioner{LocalProvisioner: NewLocalProvisioner(9100)}
	mgr := NewManager(store, prov, testOptions())
	ctx := context.Background()

	if _, queued, err := mgr.RequestProvision(ctx, "parsing", "", ""); err != nil || !queued {
		t.Fatalf("expected parked request, queued=%t err=%v", queued, err)
	}
	if mgr.QueueStats().Depth != 1 {
		t.Fatalf("queue depth = %d, want 1", mgr.QueueStats().Depth)
	}

	// The drain retries the parked request; its second failure drops it.
	if err := mgr.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if mgr.QueueStats().Depth != 0 {
		t.Errorf("queue depth after drop = %d, want 0", mgr.QueueStats().Depth)
	}
	stats, err := mgr.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.DroppedRequests != 1 {
		t.Errorf("dropped requests = %d, want 1", stats.DroppedRequests)
	}
}

func TestNoCapacityWhenQueueFullAfterFailedProvision(t *testing.T) {
	opts := testOptions()
	opts.QueueCapacity = 1
	store := registry.NewMemStore(0.01)
	prov := &unhealthyProvisioner{LocalProvisioner: NewLocalProvisioner(9100)}
	mgr := NewManager(store, prov, opts)
	ctx := context.Background()

	if _, queued, err := mgr.RequestProvision(ctx, "first", "", ""); err != nil || !queued {
		t.Fatalf("expected parked request, queued=%t err=%v", queued, err)
	}

	// Queue is full, so the next failed bring-up cannot be parked.
	_, _, err := mgr.RequestProvision(ctx, "second", "", "")
	if !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}
}

// slowProvisioner stretches the bring-up so capacity races have a window.
type slowProvisioner struct {
	*LocalProvisioner
	delay time.Duration
}

func (p *slowProvisioner) Provision(ctx context.Context, spec WorkerSpec) (string, error) {
	time.Sleep(p.delay)
	return p.LocalProvisioner.Provision(ctx, spec)
}

func TestConcurrentProvisionRespectsCapacity(t *testing.T) {
	opts := testOptions()
	opts.MaxConcurrent = 1
	store := registry.NewMemStore(0.01)
	prov := &slowProvisioner{LocalProvisioner: NewLocalProvisioner(9100), delay: 100 * time.Millisecond}
	mgr := NewManager(store, prov, opts)
	ctx := context.Background()

	var wg sync.WaitGroup
	var immediate atomic.Int64
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, queued, err := mgr.RequestProvision(ctx, "parsing", "", "")
			if err == nil && !queued {
				immediate.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := immediate.Load(); got != 1 {
		t.Errorf("immediate provisions = %d, want exactly 1", got)
	}
	healthy, err := store.ListWorkers(ctx, registry.StatusHealthy)
	if err != nil {
		t.Fatalf("ListWorkers failed: %v", err)
	}
	if len(healthy) > opts.MaxConcurrent {
		t.Errorf("healthy workers = %d, exceeds max %d", len(healthy), opts.MaxConcurrent)
	}
	if mgr.QueueStats().Depth != 3 {
		t.Errorf("queue depth = %d, want 3", mgr.QueueStats().Depth)
	}
}

func TestSweepEvictsIdleAndDrainsFIFO(t *testing.T) {
	opts := testOptions()
	opts.IdleTimeout = time.Minute
	mgr, store, _ := newTestManager(opts)
	ctx := context.Background()

	// Fill the pool, then park two requests.
	w1, _, err := mgr.RequestProvision(ctx, "filler-one", "", "")
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if _, _, err := mgr.RequestProvision(ctx, "filler-two", "", ""); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	for _, concept := range []string{"queued-first", "queued-second"} {
		if _, queued, err := mgr.RequestProvision(ctx, concept, "", ""); err != nil || !queued {
			t.Fatalf("expected %s to queue: queued=%t err=%v", concept, queued, err)
		}
	}

	// Make one worker idle past the limit and sweep.
	stale := time.Now().Add(-2 * time.Minute).UTC()
	if err := store.TouchWorker(ctx, w1.Name, stale); err != nil {
		t.Fatalf("TouchWorker failed: %v", err)
	}
	if err := mgr.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}

	evictedWorker, err := store.GetWorker(ctx, w1.Name)
	if err != nil {
		t.Fatalf("GetWorker failed: %v", err)
	}
	if evictedWorker.Status != registry.StatusStopped {
		t.Errorf("evicted worker status = %s, want stopped", evictedWorker.Status)
	}

	// The freed slot goes to the oldest parked request.
	healthy, err := store.ListWorkers(ctx, registry.StatusHealthy)
	if err != nil {
		t.Fatalf("ListWorkers failed: %v", err)
	}
	found := false
	for _, w := range healthy {
		if w.Specialization == "queued-first" {
			found = true
		}
		if w.Specialization == "queued-second" {
			t.Error("second parked request drained before the first")
		}
	}
	if !found {
		t.Error("oldest parked request was not drained into freed capacity")
	}
	if mgr.QueueStats().Depth != 1 {
		t.Errorf("queue depth after drain = %d, want 1", mgr.QueueStats().Depth)
	}
}

func TestSweepSparesStaticWorkers(t *testing.T) {
	mgr, store, _ := newTestManager(testOptions())
	ctx := context.Background()

	ancient := time.Now().Add(-48 * time.Hour).UTC()
	w := registry.Worker{
		Name:      "bootstrap",
		Kind:      registry.KindStatic,
		Address:   "localhost:9000",
		Status:    registry.StatusHealthy,
		CreatedAt: ancient,
		LastUsed:  ancient,
	}
	if _, err := store.UpsertWorker(ctx, w); err != nil {
		t.Fatalf("UpsertWorker failed: %v", err)
	}

	if err := mgr.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}

	got, err := store.GetWorker(ctx, "bootstrap")
	if err != nil {
		t.Fatalf("GetWorker failed: %v", err)
	}
	if got.Status != registry.StatusHealthy {
		t.Errorf("static worker evicted: status = %s", got.Status)
	}
}

func TestSweepEvictsAgedWorkers(t *testing.T) {
	opts := testOptions()
	opts.MaxAge = time.Hour
	mgr, store, _ := newTestManager(opts)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour).UTC()
	w := registry.Worker{
		Name:      "veteran",
		Kind:      registry.KindDynamic,
		Address:   "localhost:9001",
		Status:    registry.StatusHealthy,
		CreatedAt: old,
		LastUsed:  time.Now().UTC(), // Recently used, but past max age
	}
	if _, err := store.UpsertWorker(ctx, w); err != nil {
		t.Fatalf("UpsertWorker failed: %v", err)
	}

	if err := mgr.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}

	got, _ := store.GetWorker(ctx, "veteran")
	if got.Status != registry.StatusStopped {
		t.Errorf("aged worker status = %s, want stopped", got.Status)
	}

	stats, err := mgr.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.EvictedAged != 1 {
		t.Errorf("evicted-aged counter = %d, want 1", stats.EvictedAged)
	}
}

func TestRecordUsageRefreshesLastUsed(t *testing.T) {
	mgr, store, _ := newTestManager(testOptions())
	ctx := context.Background()

	w, _, err := mgr.RequestProvision(ctx, "parsing", "", "")
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	stale := time.Now().Add(-time.Hour).UTC()
	if err := store.TouchWorker(ctx, w.Name, stale); err != nil {
		t.Fatalf("TouchWorker failed: %v", err)
	}
	if err := mgr.RecordUsage(ctx, w.Name); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}

	got, _ := store.GetWorker(ctx, w.Name)
	if !got.LastUsed.After(stale) {
		t.Errorf("last used not refreshed: %v", got.LastUsed)
	}
}

func TestManagerStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	opts := testOptions()
	opts.SweepInterval = 5 * time.Millisecond
	mgr, _, _ := newTestManager(opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.Start(ctx)
	time.Sleep(25 * time.Millisecond)
	mgr.Stop()
}
