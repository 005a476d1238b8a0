package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"synapse/internal/dispatcher"
)

var ingestParallelism int

var ingestCmd = &cobra.Command{
	Use:   "ingest [manifest.yaml]",
	Short: "Pre-register concepts from a manifest",
	Long: `Loads a YAML manifest of concepts and registers them in parallel so
routing starts with a populated concept space.

Manifest format:
  concepts:
    - name: database-migration
      category: infra
      region: us-east
    - name: parsing
      category: language`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().IntVar(&ingestParallelism, "parallelism", 8, "Concurrent registry writes")
}

type conceptManifest struct {
	Concepts []dispatcher.ConceptSeed `yaml:"concepts"`
}

func runIngest(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	var manifest conceptManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	if len(manifest.Concepts) == 0 {
		return fmt.Errorf("manifest %s contains no concepts", args[0])
	}

	cfg, _, err := loadConfig()
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

	count, err := eng.dispatcher.IngestConcepts(ctx, manifest.Concepts, ingestParallelism)
	if err != nil {
		return err
	}

	logger.Info("Ingest complete", zap.Int("ingested", count), zap.Int("total", len(manifest.Concepts)))
	fmt.Printf("Ingested %d/%d concepts\n", count, len(manifest.Concepts))
	return nil
}
