package main

import (
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"synapse/internal/config"
	"synapse/internal/dispatcher"
	"synapse/internal/hebbian"
	"synapse/internal/lifecycle"
	"synapse/internal/registry"
)

// engine bundles the assembled runtime: registry store, learning engine,
// decay sweeper, lifecycle manager, and dispatcher.
type engine struct {
	cfg        *config.Config
	store      registry.Store
	learner    *hebbian.Engine
	sweeper    *hebbian.Sweeper
	manager    *lifecycle.Manager
	dispatcher *dispatcher.Dispatcher
}

// buildEngine assembles the runtime from configuration. The database path is
// resolved relative to the workspace unless absolute.
func buildEngine(cfg *config.Config) (*engine, error) {
	ws, err := resolveWorkspace()
	if err != nil {
		return nil, err
	}

	dbPath := cfg.Database.Path
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(ws, dbPath)
	}

	store, err := registry.NewSQLStore(dbPath, cfg.Learning.DecayRate)
	if err != nil {
		return nil, err
	}

	learner := hebbian.NewEngine(store,
		cfg.Learning.DeltaSuccess,
		cfg.Learning.DeltaFailure,
		cfg.GetUpdateRetryBackoff())

	sweeper := hebbian.NewSweeper(store, cfg.GetDecayInterval(), cfg.Learning.SelectiveDecay)

	manager := lifecycle.NewManager(store,
		lifecycle.NewLocalProvisioner(cfg.Lifecycle.WorkerPortStart),
		lifecycle.Options{
			MaxConcurrent:      cfg.Lifecycle.MaxConcurrentWorkers,
			IdleTimeout:        cfg.GetIdleTimeout(),
			MaxAge:             cfg.GetMaxAge(),
			SweepInterval:      cfg.GetSweepInterval(),
			ProvisionTimeout:   cfg.GetProvisionTimeout(),
			HealthPollInterval: cfg.GetHealthPollInterval(),
			QueueCapacity:      cfg.Lifecycle.QueueCapacity,
		})

	disp := dispatcher.New(store, learner, manager,
		dispatcher.NewHTTPInvoker(30*time.Second),
		cfg.Routing.Weights,
		dispatcher.Options{
			MinScore:           &cfg.Routing.MinDispatchThreshold,
			LookupRetryBackoff: cfg.GetLookupRetryBackoff(),
		})

	logger.Debug("Engine assembled",
		zap.String("db", dbPath),
		zap.Int("max_workers", cfg.Lifecycle.MaxConcurrentWorkers),
		zap.Float64("min_threshold", cfg.Routing.MinDispatchThreshold))

	return &engine{
		cfg:        cfg,
		store:      store,
		learner:    learner,
		sweeper:    sweeper,
		manager:    manager,
		dispatcher: disp,
	}, nil
}

// applyConfig pushes reloadable settings into the running components.
func (e *engine) applyConfig(cfg *config.Config) {
	e.dispatcher.SetWeights(cfg.Routing.Weights)
	e.dispatcher.SetMinScore(cfg.Routing.MinDispatchThreshold)
	logger.Info("Config reloaded",
		zap.Float64("min_threshold", cfg.Routing.MinDispatchThreshold))
}

// close releases the store.
func (e *engine) close() {
	if err := e.store.Close(); err != nil {
		logger.Warn("Store close failed", zap.Error(err))
	}
}
