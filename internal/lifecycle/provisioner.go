package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"synapse/internal/registry"
)

// ErrNoCapacity is returned when the pool is full and the provision queue
// cannot absorb another request.
var ErrNoCapacity = errors.New("lifecycle: no capacity")

// ProvisionError reports a provisioning attempt that did not produce a
// healthy worker.
type ProvisionError struct {
	Worker string
	Reason string
	Err    error
}

func (e *ProvisionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lifecycle: provision %s failed: %s: %v", e.Worker, e.Reason, e.Err)
	}
	return fmt.Sprintf("lifecycle: provision %s failed: %s", e.Worker, e.Reason)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// WorkerSpec describes the worker the manager wants brought up.
type WorkerSpec struct {
	Name           string
	Specialization string
	Region         string
	Intent         string
}

// Provisioner is the backend that actually starts, checks, and stops worker
// processes. The manager owns naming, registry state, and health polling;
// the provisioner only touches the runtime.
type Provisioner interface {
	// Provision starts a worker and returns its serving address. The
	// worker may still be warming up; the manager polls HealthCheck.
	Provision(ctx context.Context, spec WorkerSpec) (address string, err error)

	// HealthCheck returns nil once the worker is ready to serve.
	HealthCheck(ctx context.Context, w registry.Worker) error

	// Terminate stops the worker. Must be idempotent.
	Terminate(ctx context.Context, w registry.Worker) error
}

// LocalProvisioner is a loopback Provisioner that hands out sequential ports
// and treats every worker as immediately healthy. It backs single-node
// deployments and tests; real process supervision plugs in behind the same
// interface.
type LocalProvisioner struct {
	mu       sync.Mutex
	nextPort int
	stopped  map[string]bool

	provisioned atomic.Int64
	terminated  atomic.Int64
}

// NewLocalProvisioner allocates addresses starting at portStart.
func NewLocalProvisioner(portStart int) *LocalProvisioner {
	if portStart <= 0 {
		portStart = 9100
	}
	return &LocalProvisioner{nextPort: portStart, stopped: make(map[string]bool)}
}

func (p *LocalProvisioner) Provision(ctx context.Context, spec WorkerSpec) (string, error) {
	p.mu.Lock()
	port := p.nextPort
	p.nextPort++
	p.mu.Unlock()

	p.provisioned.Add(1)
	return fmt.Sprintf("127.0.0.1:%d", port), nil
}

func (p *LocalProvisioner) HealthCheck(ctx context.Context, w registry.Worker) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped[w.Name] {
		return fmt.Errorf("worker %s is stopped", w.Name)
	}
	return nil
}

func (p *LocalProvisioner) Terminate(ctx context.Context, w registry.Worker) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped[w.Name] {
		p.stopped[w.Name] = true
		p.terminated.Add(1)
	}
	return nil
}

// Counts returns cumulative provision/terminate totals.
func (p *LocalProvisioner) Counts() (provisioned, terminated int64) {
	return p.provisioned.Load(), p.terminated.Load()
}
