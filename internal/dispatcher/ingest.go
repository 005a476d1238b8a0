package dispatcher

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"synapse/internal/logging"
)

// ConceptSeed is one concept to pre-register, typically from a bootstrap
// manifest so routing starts with a populated concept space.
type ConceptSeed struct {
	Name     string `yaml:"name" json:"name"`
	Category string `yaml:"category,omitempty" json:"category,omitempty"`
	Region   string `yaml:"region,omitempty" json:"region,omitempty"`
}

// defaultIngestParallelism bounds concurrent registry writes during ingest.
const defaultIngestParallelism = 8

// IngestConcepts registers a batch of concepts (and their regions) in
// parallel. Individual failures are logged and skipped; the returned count
// is the number successfully registered. The batch only errors when the
// context dies.
func (d *Dispatcher) IngestConcepts(ctx context.Context, seeds []ConceptSeed, parallelism int) (int, error) {
	timer := logging.StartTimer(logging.CategoryDispatch, "IngestConcepts")
	defer timer.Stop()

	if parallelism <= 0 {
		parallelism = defaultIngestParallelism
	}

	var ingested atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	for _, seed := range seeds {
		seed := seed
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, err := d.store.UpsertConcept(gctx, seed.Name, seed.Category); err != nil {
				logging.Get(logging.CategoryDispatch).Warn("Ingest: concept %q rejected: %v", seed.Name, err)
				return nil
			}
			if seed.Region != "" {
				if _, err := d.store.UpsertRegion(gctx, seed.Region); err != nil {
					logging.Get(logging.CategoryDispatch).Warn("Ingest: region %q rejected: %v", seed.Region, err)
				}
			}
			ingested.Add(1)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(ingested.Load()), err
	}

	logging.Dispatch("Ingested %d/%d concepts", ingested.Load(), len(seeds))
	return int(ingested.Load()), nil
}
