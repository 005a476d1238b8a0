package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"synapse/internal/config"
	"synapse/internal/logging"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string
	timeout    time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "synapse",
	Short: "synapse - Adaptive routing and worker lifecycle engine",
	Long: `synapse routes tasks to specialized workers through a graph-backed
registry. Worker-concept associations carry Hebbian weights: successful
dispatches strengthen them, failures and decay weaken them, so routing
adapts to observed outcomes rather than static assignment.

When no registered worker is a good fit, the lifecycle manager grows a
specialized worker on demand, bounded by a capacity limit with a FIFO
provisioning queue.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ws, err := resolveWorkspace()
		if err != nil {
			return err
		}
		if err := logging.Initialize(ws); err != nil {
			logger.Warn("Category logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: .synapse/config.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(initCmd)
}

// resolveWorkspace returns the absolute workspace directory.
func resolveWorkspace() (string, error) {
	if workspace != "" {
		return filepath.Abs(workspace)
	}
	return os.Getwd()
}

// resolveConfigPath returns the config file location inside the workspace.
func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	if env := os.Getenv("SYNAPSE_CONFIG"); env != "" {
		return env, nil
	}
	ws, err := resolveWorkspace()
	if err != nil {
		return "", err
	}
	return filepath.Join(ws, ".synapse", "config.yaml"), nil
}

// loadConfig loads and validates the effective configuration.
func loadConfig() (*config.Config, string, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

// initCmd writes a default config into the workspace.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize synapse in the current workspace",
	Long: `Creates the .synapse/ directory with a default config.yaml and the
data directory for the registry database. Run once per workspace.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveConfigPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s", path)
		}

		cfg := config.DefaultConfig()
		if err := cfg.Save(path); err != nil {
			return err
		}
		logger.Info("Workspace initialized", zap.String("config", path))
		fmt.Printf("Initialized synapse workspace (config: %s)\n", path)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
