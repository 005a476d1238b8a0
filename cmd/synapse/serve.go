package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"synapse/internal/config"
	"synapse/internal/dispatcher"
	"synapse/internal/registry"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the routing engine as a service",
	Long: `Starts the full engine: the dispatch HTTP API, the Hebbian decay
sweeper, and the worker lifecycle sweep loop. The config file is watched
and reloadable settings (scorer weights, dispatch threshold) take effect
without a restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:8750", "HTTP listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}

	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	eng.sweeper.Start(ctx)
	defer eng.sweeper.Stop()
	eng.manager.Start(ctx)
	defer eng.manager.Stop()

	watcher, err := config.NewWatcher(cfgPath, eng.applyConfig)
	if err != nil {
		logger.Warn("Config watcher unavailable", zap.Error(err))
	} else {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("Config watcher failed to start", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	srv := &http.Server{
		Addr:              serveAddr,
		Handler:           newAPIHandler(eng),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving", zap.String("addr", serveAddr))
		fmt.Printf("synapse listening on %s\n", serveAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// newAPIHandler exposes the engine over HTTP: dispatch, status, workers.
func newAPIHandler(eng *engine) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	mux.HandleFunc("/dispatch", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var task dispatcher.Task
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
			http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
			return
		}

		res, err := eng.dispatcher.Dispatch(r.Context(), task)
		if err != nil {
			var ve *registry.ValidationError
			if errors.As(err, &ve) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			logger.Error("Dispatch failed", zap.Error(err))
			http.Error(w, "dispatch failed", http.StatusInternalServerError)
			return
		}

		status := http.StatusOK
		if res.Outcome == dispatcher.OutcomeNoCapacity {
			status = http.StatusServiceUnavailable
		} else if res.Outcome == dispatcher.OutcomeQueued {
			status = http.StatusAccepted
		}
		writeJSON(w, status, map[string]interface{}{
			"task_id": res.TaskID,
			"outcome": res.Outcome,
			"worker":  res.Worker,
			"score":   res.Score,
			"success": res.Success,
			"latency": res.Latency.String(),
		})
	})

	mux.HandleFunc("/workers", func(w http.ResponseWriter, r *http.Request) {
		workers, err := eng.store.ListWorkers(r.Context(), registry.WorkerStatus(r.URL.Query().Get("status")))
		if err != nil {
			http.Error(w, "list failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, workers)
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		stats, err := collectStatus(r.Context(), eng)
		if err != nil {
			http.Error(w, "status failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
