package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"synapse/internal/registry"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status",
	RunE:  runStatus,
}

// statusReport is the status payload shared by the CLI and the HTTP API.
type statusReport struct {
	Graph   map[string]int64       `json:"graph"`
	Workers map[string]int         `json:"workers"`
	Pool    map[string]interface{} `json:"pool"`
}

func collectStatus(ctx context.Context, eng *engine) (*statusReport, error) {
	graph, err := eng.store.Stats(ctx)
	if err != nil {
		return nil, err
	}

	workers, err := eng.store.ListWorkers(ctx, "")
	if err != nil {
		return nil, err
	}
	byStatus := make(map[string]int)
	for _, w := range workers {
		byStatus[string(w.Status)]++
	}

	poolStats, err := eng.manager.Stats(ctx)
	if err != nil {
		return nil, err
	}

	return &statusReport{
		Graph:   graph,
		Workers: byStatus,
		Pool: map[string]interface{}{
			"active":           poolStats.Active,
			"max_concurrent":   poolStats.MaxConcurrent,
			"queue_depth":      poolStats.Queue.Depth,
			"queue_capacity":   poolStats.Queue.Capacity,
			"provision_ok":     poolStats.ProvisionOK,
			"provision_failed": poolStats.ProvisionFailed,
			"evicted_idle":     poolStats.EvictedIdle,
			"evicted_aged":     poolStats.EvictedAged,
			"dropped_requests": poolStats.DroppedRequests,
		},
	}, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}
	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	report, err := collectStatus(ctx, eng)
	if err != nil {
		return err
	}

	fmt.Printf("synapse %s (config: %s)\n\n", cfg.Version, cfgPath)

	fmt.Println("Graph:")
	for _, table := range []string{"workers", "concepts", "regions", "handles_concept"} {
		fmt.Printf("  %-16s %d\n", table, report.Graph[table])
	}

	fmt.Println("\nWorkers by status:")
	for _, st := range []registry.WorkerStatus{
		registry.StatusProvisioning, registry.StatusHealthy, registry.StatusDegraded,
		registry.StatusStopping, registry.StatusStopped, registry.StatusFailed,
	} {
		if n := report.Workers[string(st)]; n > 0 {
			fmt.Printf("  %-16s %d\n", st, n)
		}
	}

	fmt.Println("\nPool:")
	fmt.Printf("  capacity         %v/%v\n", report.Pool["active"], report.Pool["max_concurrent"])
	fmt.Printf("  queue            %v/%v\n", report.Pool["queue_depth"], report.Pool["queue_capacity"])
	fmt.Printf("  provisioned      %v (failed %v)\n", report.Pool["provision_ok"], report.Pool["provision_failed"])
	fmt.Printf("  evicted          idle %v, aged %v\n", report.Pool["evicted_idle"], report.Pool["evicted_aged"])
	return nil
}
