package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"synapse/internal/logging"
)

// SQLStore implements Store on SQLite. The schema is a small typed graph:
// workers and concepts are nodes, handles_concept rows are the weighted
// edges between them. Every edge mutation runs as a single transaction.
type SQLStore struct {
	db           *sql.DB
	mu           sync.RWMutex
	dbPath       string
	defaultDecay float64
}

// NewSQLStore initializes the SQLite database at the given path.
// defaultDecay is stamped onto every newly created edge.
func NewSQLStore(path string, defaultDecay float64) (*SQLStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLStore")
	defer timer.Stop()

	logging.Store("Initializing registry store at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	store := &SQLStore{db: db, dbPath: path, defaultDecay: defaultDecay}
	if err := store.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}

	logging.Store("Registry store initialization complete")
	return store, nil
}

// initialize creates the required tables.
func (s *SQLStore) initialize() error {
	workersTable := `
	CREATE TABLE IF NOT EXISTS workers (
		name TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		address TEXT NOT NULL,
		status TEXT NOT NULL,
		region TEXT DEFAULT '',
		specialization TEXT DEFAULT '',
		intents TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		last_used DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status);
	CREATE INDEX IF NOT EXISTS idx_workers_region ON workers(region);
	`

	conceptsTable := `
	CREATE TABLE IF NOT EXISTS concepts (
		name TEXT PRIMARY KEY,
		category TEXT DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_concepts_category ON concepts(category);
	`

	regionsTable := `
	CREATE TABLE IF NOT EXISTS regions (
		name TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL
	);
	`

	edgesTable := `
	CREATE TABLE IF NOT EXISTS handles_concept (
		worker TEXT NOT NULL,
		concept TEXT NOT NULL,
		weight REAL NOT NULL DEFAULT 0.5,
		usage_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		decay_rate REAL NOT NULL,
		last_updated DATETIME NOT NULL,
		PRIMARY KEY (worker, concept)
	);
	CREATE INDEX IF NOT EXISTS idx_handles_concept ON handles_concept(concept);
	CREATE INDEX IF NOT EXISTS idx_handles_touched ON handles_concept(last_updated);
	`

	for _, table := range []string{workersTable, conceptsTable, regionsTable, edgesTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	logging.Store("Closing registry store database connection")
	return s.db.Close()
}

// =============================================================================
// WORKERS
// =============================================================================

// UpsertWorker registers or refreshes a worker node.
func (s *SQLStore) UpsertWorker(ctx context.Context, w Worker) (Worker, error) {
	timer := logging.StartTimer(logging.CategoryStore, "UpsertWorker")
	defer timer.Stop()

	if err := validateWorker(w); err != nil {
		return Worker{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Worker{}, fmt.Errorf("begin upsert worker: %w", err)
	}
	defer tx.Rollback()

	var (
		existingKind    string
		existingCreated time.Time
	)
	err = tx.QueryRowContext(ctx, `SELECT kind, created_at FROM workers WHERE name = ?`, w.Name).Scan(&existingKind, &existingCreated)
	switch {
	case err == nil:
		if existingKind != string(w.Kind) {
			return Worker{}, &ConflictError{
				Name:   w.Name,
				Reason: fmt.Sprintf("registered as %s, re-registered as %s", existingKind, w.Kind),
			}
		}
		// The stored creation time wins; a re-upsert refreshes liveness
		// fields only.
		w.CreatedAt = existingCreated
	case errors.Is(err, sql.ErrNoRows):
		// New worker
	default:
		return Worker{}, fmt.Errorf("lookup worker %s: %w", w.Name, err)
	}

	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	if w.LastUsed.IsZero() {
		w.LastUsed = now
	}
	if w.Status == "" {
		w.Status = StatusProvisioning
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workers (name, kind, address, status, region, specialization, intents, created_at, last_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			address = excluded.address,
			status = excluded.status,
			region = excluded.region,
			specialization = excluded.specialization,
			intents = excluded.intents,
			last_used = excluded.last_used`,
		w.Name, string(w.Kind), w.Address, string(w.Status), w.Region,
		w.Specialization, strings.Join(w.Intents, ","), w.CreatedAt, w.LastUsed,
	)
	if err != nil {
		return Worker{}, fmt.Errorf("upsert worker %s: %w", w.Name, err)
	}

	if w.Region != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO regions (name, created_at) VALUES (?, ?)`, w.Region, now); err != nil {
			return Worker{}, fmt.Errorf("upsert region %s: %w", w.Region, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Worker{}, fmt.Errorf("commit upsert worker: %w", err)
	}

	logging.RegistryDebug("Upserted worker %s (kind=%s, status=%s, region=%s)", w.Name, w.Kind, w.Status, w.Region)
	return w, nil
}

// GetWorker fetches a worker by name.
func (s *SQLStore) GetWorker(ctx context.Context, name string) (Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT name, kind, address, status, region, specialization, intents, created_at, last_used
		FROM workers WHERE name = ?`, name)
	return scanWorker(row)
}

// UpdateWorkerStatus persists a lifecycle transition.
func (s *SQLStore) UpdateWorkerStatus(ctx context.Context, name string, status WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE workers SET status = ? WHERE name = ?`, string(status), name)
	if err != nil {
		return fmt.Errorf("update status for %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	logging.RegistryDebug("Worker %s status -> %s", name, status)
	return nil
}

// TouchWorker updates the worker's last-used timestamp.
func (s *SQLStore) TouchWorker(ctx context.Context, name string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE workers SET last_used = ? WHERE name = ?`, t.UTC(), name)
	if err != nil {
		return fmt.Errorf("touch worker %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWorkers returns all workers, optionally filtered by status.
func (s *SQLStore) ListWorkers(ctx context.Context, status WorkerStatus) ([]Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT name, kind, address, status, region, specialization, intents, created_at, last_used
		FROM workers`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Worker row scan failed: %v", err)
			continue
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// =============================================================================
// CONCEPTS AND REGIONS
// =============================================================================

// UpsertConcept creates the concept if absent. Idempotent.
func (s *SQLStore) UpsertConcept(ctx context.Context, name, category string) (Concept, error) {
	name = NormalizeConcept(name)
	if name == "" {
		return Concept{}, &ValidationError{Field: "concept", Reason: "must be non-empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO concepts (name, category, created_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			category = CASE WHEN excluded.category != '' THEN excluded.category ELSE concepts.category END`,
		name, category, now)
	if err != nil {
		return Concept{}, fmt.Errorf("upsert concept %s: %w", name, err)
	}

	var c Concept
	err = s.db.QueryRowContext(ctx,
		`SELECT name, category, created_at FROM concepts WHERE name = ?`, name).
		Scan(&c.Name, &c.Category, &c.CreatedAt)
	if err != nil {
		return Concept{}, fmt.Errorf("read back concept %s: %w", name, err)
	}
	return c, nil
}

// UpsertRegion lazily creates a region node.
func (s *SQLStore) UpsertRegion(ctx context.Context, name string) (Region, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Region{}, &ValidationError{Field: "region", Reason: "must be non-empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO regions (name, created_at) VALUES (?, ?)`, name, now); err != nil {
		return Region{}, fmt.Errorf("upsert region %s: %w", name, err)
	}

	var r Region
	err := s.db.QueryRowContext(ctx,
		`SELECT name, created_at FROM regions WHERE name = ?`, name).
		Scan(&r.Name, &r.CreatedAt)
	if err != nil {
		return Region{}, fmt.Errorf("read back region %s: %w", name, err)
	}
	return r, nil
}

// =============================================================================
// EDGES
// =============================================================================

// UpdateEdge loads or creates the edge, applies the mutation, and persists it
// in one transaction. The transaction is the serialization point for
// concurrent updates to the same edge.
func (s *SQLStore) UpdateEdge(ctx context.Context, worker, concept string, apply func(*Edge)) (Edge, error) {
	timer := logging.StartTimer(logging.CategoryStore, "UpdateEdge")
	defer timer.Stop()

	concept = NormalizeConcept(concept)
	if worker == "" || concept == "" {
		return Edge{}, &ValidationError{Field: "edge", Reason: "worker and concept must be non-empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Edge{}, fmt.Errorf("begin edge update: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO concepts (name, category, created_at) VALUES (?, '', ?)`, concept, now); err != nil {
		return Edge{}, fmt.Errorf("ensure concept %s: %w", concept, err)
	}

	edge := Edge{
		Worker:      worker,
		Concept:     concept,
		Weight:      DefaultWeight,
		DecayRate:   s.defaultDecay,
		LastUpdated: now,
	}
	err = tx.QueryRowContext(ctx, `
		SELECT weight, usage_count, success_count, failure_count, decay_rate, last_updated
		FROM handles_concept WHERE worker = ? AND concept = ?`, worker, concept).
		Scan(&edge.Weight, &edge.UsageCount, &edge.SuccessCount, &edge.FailureCount,
			&edge.DecayRate, &edge.LastUpdated)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Edge{}, fmt.Errorf("load edge %s->%s: %w", worker, concept, err)
	}

	if apply != nil {
		apply(&edge)
	}
	edge.Weight = clampWeight(edge.Weight)
	edge.LastUpdated = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO handles_concept (worker, concept, weight, usage_count, success_count, failure_count, decay_rate, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker, concept) DO UPDATE SET
			weight = excluded.weight,
			usage_count = excluded.usage_count,
			success_count = excluded.success_count,
			failure_count = excluded.failure_count,
			decay_rate = excluded.decay_rate,
			last_updated = excluded.last_updated`,
		edge.Worker, edge.Concept, edge.Weight, edge.UsageCount, edge.SuccessCount,
		edge.FailureCount, edge.DecayRate, edge.LastUpdated)
	if err != nil {
		return Edge{}, fmt.Errorf("persist edge %s->%s: %w", worker, concept, err)
	}

	if err := tx.Commit(); err != nil {
		return Edge{}, fmt.Errorf("commit edge update: %w", err)
	}

	logging.StoreDebug("Edge %s -[handles]-> %s persisted (weight=%.4f, usage=%d)",
		edge.Worker, edge.Concept, edge.Weight, edge.UsageCount)
	return edge, nil
}

// GetEdge fetches one edge.
func (s *SQLStore) GetEdge(ctx context.Context, worker, concept string) (Edge, error) {
	concept = NormalizeConcept(concept)

	s.mu.RLock()
	defer s.mu.RUnlock()

	edge := Edge{Worker: worker, Concept: concept}
	err := s.db.QueryRowContext(ctx, `
		SELECT weight, usage_count, success_count, failure_count, decay_rate, last_updated
		FROM handles_concept WHERE worker = ? AND concept = ?`, worker, concept).
		Scan(&edge.Weight, &edge.UsageCount, &edge.SuccessCount, &edge.FailureCount,
			&edge.DecayRate, &edge.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return Edge{}, ErrNotFound
	}
	if err != nil {
		return Edge{}, fmt.Errorf("load edge %s->%s: %w", worker, concept, err)
	}
	return edge, nil
}

// FindCandidates returns the concept's edges joined with live worker info.
// Only Healthy workers qualify; a non-empty region narrows the result.
func (s *SQLStore) FindCandidates(ctx context.Context, concept, intent, region string) ([]Candidate, error) {
	timer := logging.StartTimer(logging.CategoryStore, "FindCandidates")
	defer timer.Stop()

	concept = NormalizeConcept(concept)
	logging.RegistryDebug("Candidate lookup: concept=%s intent=%s region=%s", concept, intent, region)

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT e.worker, e.concept, e.weight, e.usage_count, e.success_count, e.failure_count,
		       e.decay_rate, e.last_updated,
		       w.name, w.kind, w.address, w.status, w.region, w.specialization, w.intents,
		       w.created_at, w.last_used
		FROM handles_concept e
		JOIN workers w ON w.name = e.worker
		WHERE e.concept = ? AND w.status = ?`
	args := []interface{}{concept, string(StatusHealthy)}
	if region != "" {
		query += ` AND w.region = ?`
		args = append(args, region)
	}
	query += ` ORDER BY e.weight DESC, e.worker`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find candidates for %s: %w", concept, err)
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		var intents string
		err := rows.Scan(
			&c.Edge.Worker, &c.Edge.Concept, &c.Edge.Weight, &c.Edge.UsageCount,
			&c.Edge.SuccessCount, &c.Edge.FailureCount, &c.Edge.DecayRate, &c.Edge.LastUpdated,
			&c.Worker.Name, &c.Worker.Kind, &c.Worker.Address, &c.Worker.Status,
			&c.Worker.Region, &c.Worker.Specialization, &intents,
			&c.Worker.CreatedAt, &c.Worker.LastUsed)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Candidate row scan failed: %v", err)
			continue
		}
		c.Worker.Intents = splitIntents(intents)
		candidates = append(candidates, c)
	}

	logging.RegistryDebug("Candidate lookup returned %d edges for %s", len(candidates), concept)
	return candidates, rows.Err()
}

// EdgesTouchedSince lists edges updated at or after the given time.
func (s *SQLStore) EdgesTouchedSince(ctx context.Context, since time.Time) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT worker, concept, weight, usage_count, success_count, failure_count, decay_rate, last_updated
		FROM handles_concept WHERE last_updated >= ?`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("edges touched since %v: %w", since, err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// AllEdges lists every edge.
func (s *SQLStore) AllEdges(ctx context.Context) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT worker, concept, weight, usage_count, success_count, failure_count, decay_rate, last_updated
		FROM handles_concept`)
	if err != nil {
		return nil, fmt.Errorf("all edges: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// WorkerPerformance aggregates a worker's history across all of its edges.
func (s *SQLStore) WorkerPerformance(ctx context.Context, name string) (Performance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p Performance
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(usage_count), 0), COALESCE(SUM(success_count), 0)
		FROM handles_concept WHERE worker = ?`, name).
		Scan(&p.UsageCount, &p.SuccessCount)
	if err != nil {
		return Performance{}, fmt.Errorf("worker performance for %s: %w", name, err)
	}
	return p, nil
}

// Stats returns row counts per entity.
func (s *SQLStore) Stats(ctx context.Context) (map[string]int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Stats")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"workers", "concepts", "regions", "handles_concept"} {
		var count int64
		err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			logging.StoreDebug("Table %s count failed: %v", table, err)
			continue
		}
		stats[table] = count
	}
	return stats, nil
}

// =============================================================================
// HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorker(row rowScanner) (Worker, error) {
	var w Worker
	var intents string
	err := row.Scan(&w.Name, &w.Kind, &w.Address, &w.Status, &w.Region,
		&w.Specialization, &intents, &w.CreatedAt, &w.LastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return Worker{}, ErrNotFound
	}
	if err != nil {
		return Worker{}, err
	}
	w.Intents = splitIntents(intents)
	return w, nil
}

func scanEdges(rows *sql.Rows) ([]Edge, error) {
	var edges []Edge
	for rows.Next() {
		var e Edge
		err := rows.Scan(&e.Worker, &e.Concept, &e.Weight, &e.UsageCount,
			&e.SuccessCount, &e.FailureCount, &e.DecayRate, &e.LastUpdated)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Edge row scan failed: %v", err)
			continue
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func splitIntents(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func clampWeight(w float64) float64 {
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}
