package lifecycle

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"synapse/internal/logging"
)

// Request is a deferred ask for a new worker, parked while the pool is at
// capacity. Requests drain strictly in arrival order.
type Request struct {
	ID         string
	Concept    string
	Region     string
	Intent     string
	EnqueuedAt time.Time
	Attempts   int
}

// ProvisionQueue is a bounded FIFO of pending provision requests. All
// counters are atomics so Stats never contends with Enqueue/Dequeue.
type ProvisionQueue struct {
	mu       sync.Mutex
	items    []Request
	capacity int

	enqueued atomic.Int64
	dequeued atomic.Int64
	rejected atomic.Int64
	requeued atomic.Int64
}

// NewProvisionQueue creates a queue bounded at capacity requests.
func NewProvisionQueue(capacity int) *ProvisionQueue {
	if capacity <= 0 {
		capacity = 100
	}
	return &ProvisionQueue{capacity: capacity}
}

// Enqueue parks a new request at the tail. Returns the assigned request and
// false when the queue is full.
func (q *ProvisionQueue) Enqueue(concept, region, intent string) (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		q.rejected.Add(1)
		logging.ProvisionWarn("Provision queue full (%d), rejecting request for concept %s", q.capacity, concept)
		return Request{}, false
	}

	req := Request{
		ID:         uuid.New().String(),
		Concept:    concept,
		Region:     region,
		Intent:     intent,
		EnqueuedAt: time.Now().UTC(),
		Attempts:   1,
	}
	q.items = append(q.items, req)
	q.enqueued.Add(1)

	logging.ProvisionDebug("Queued provision request %s for concept %s (depth=%d)", req.ID, concept, len(q.items))
	return req, true
}

// Requeue puts a previously dequeued request back at the tail after a failed
// provision attempt. Returns false when the queue is full.
func (q *ProvisionQueue) Requeue(req Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		q.rejected.Add(1)
		return false
	}
	req.Attempts++
	q.items = append(q.items, req)
	q.requeued.Add(1)
	return true
}

// Dequeue removes and returns the oldest request, false when empty.
func (q *ProvisionQueue) Dequeue() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Request{}, false
	}
	req := q.items[0]
	copy(q.items, q.items[1:])
	q.items = q.items[:len(q.items)-1]
	q.dequeued.Add(1)

	logging.ProvisionDebug("Dequeued provision request %s for concept %s (waited %s)",
		req.ID, req.Concept, time.Since(req.EnqueuedAt).Round(time.Millisecond))
	return req, true
}

// Depth returns the current number of parked requests.
func (q *ProvisionQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// QueueStats is a point-in-time snapshot of queue counters.
type QueueStats struct {
	Depth    int
	Capacity int
	Enqueued int64
	Dequeued int64
	Rejected int64
	Requeued int64
}

// Stats snapshots the queue counters.
func (q *ProvisionQueue) Stats() QueueStats {
	return QueueStats{
		Depth:    q.Depth(),
		Capacity: q.capacity,
		Enqueued: q.enqueued.Load(),
		Dequeued: q.dequeued.Load(),
		Rejected: q.rejected.Load(),
		Requeued: q.requeued.Load(),
	}
}
