// Package store is the execution log and durability layer. One SQLite
// database holds goal executions, tool invocations, derived statistics,
// lifecycle records, tool versions, pathways, decomposition patterns,
// deployment sessions and the namespaced tool key-value storage.
//
// The store is the single serial point for durability: other components keep
// domain logic and in-memory indexes, but every on-disk write lands here.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"goalforge/internal/logging"
)

// Store wraps the SQLite database shared by all components.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string

	// toolLocks serializes write-back per tool name so no two tasks touch
	// the same tool's version row concurrently.
	toolLocksMu sync.Mutex
	toolLocks   map[string]*sync.Mutex

	// vec0 virtual tables created so far, by table name. Only touched when
	// the sqlite_vec build tag is on.
	vecMu     sync.Mutex
	vecTables map[string]bool
}

// New opens (or creates) the store at the given path. Use ":memory:" in tests.
func New(path string) (*Store, error) {
	logging.StoreDebug("opening store at %s", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps SQLite happy under concurrent writers and
	// makes ":memory:" databases behave (each conn would get its own DB).
	db.SetMaxOpenConns(1)

	s := &Store{
		db:        db,
		dbPath:    path,
		toolLocks: make(map[string]*sync.Mutex),
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Store("store initialized at %s", path)
	return s, nil
}

// initialize creates the schema.
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS goal_executions (
		id TEXT PRIMARY KEY,
		goal TEXT NOT NULL,
		intent TEXT,
		success INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		metadata TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_goal_executions_created ON goal_executions(created_at);

	CREATE TABLE IF NOT EXISTS tool_invocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		input TEXT,
		output TEXT,
		success INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_tool_invocations_execution ON tool_invocations(execution_id);
	CREATE INDEX IF NOT EXISTS idx_tool_invocations_tool ON tool_invocations(tool_name, created_at);

	CREATE TABLE IF NOT EXISTS tool_statistics (
		tool_name TEXT PRIMARY KEY,
		total_uses INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		mean_ms REAL NOT NULL DEFAULT 0,
		median_ms REAL NOT NULL DEFAULT 0,
		p95_ms REAL NOT NULL DEFAULT 0,
		p99_ms REAL NOT NULL DEFAULT 0,
		first_used DATETIME,
		last_used DATETIME,
		computed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS tool_lifecycle (
		tool_name TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		status_changed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		reason TEXT
	);

	CREATE TABLE IF NOT EXISTS lifecycle_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tool_name TEXT NOT NULL,
		from_status TEXT,
		to_status TEXT NOT NULL,
		reason TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_audit_tool ON lifecycle_audit(tool_name);

	CREATE TABLE IF NOT EXISTS tool_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tool_name TEXT NOT NULL,
		version INTEGER NOT NULL,
		content_hash TEXT NOT NULL,
		author TEXT NOT NULL,
		reason TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(tool_name, version)
	);

	CREATE TABLE IF NOT EXISTS pathways (
		id TEXT PRIMARY KEY,
		goal TEXT NOT NULL,
		embedding TEXT NOT NULL,
		trace TEXT NOT NULL,
		tools_used TEXT NOT NULL,
		tool_hashes TEXT NOT NULL,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		valid INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_used DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_pathways_valid ON pathways(valid);

	CREATE TABLE IF NOT EXISTS decomposition_patterns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		goal TEXT NOT NULL,
		normalized_goal TEXT NOT NULL UNIQUE,
		goal_type TEXT,
		embedding TEXT NOT NULL,
		subgoals TEXT NOT NULL,
		success INTEGER NOT NULL DEFAULT 1,
		execution_ms INTEGER NOT NULL DEFAULT 0,
		tools_used TEXT,
		usage_count INTEGER NOT NULL DEFAULT 1,
		efficiency REAL NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_used DATETIME
	);

	CREATE TABLE IF NOT EXISTS deployment_sessions (
		id TEXT PRIMARY KEY,
		tool_name TEXT NOT NULL,
		version INTEGER NOT NULL,
		old_hash TEXT NOT NULL,
		new_hash TEXT NOT NULL,
		backup_path TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		deployed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		window_ends_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deployment_sessions_status ON deployment_sessions(status);

	CREATE TABLE IF NOT EXISTS deployment_health_checks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		rolling_success REAL,
		baseline_success REAL,
		invocations INTEGER NOT NULL DEFAULT 0,
		verdict TEXT NOT NULL,
		checked_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_health_checks_session ON deployment_health_checks(session_id);

	CREATE TABLE IF NOT EXISTS deployment_rollbacks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		tier TEXT NOT NULL,
		reason TEXT,
		from_hash TEXT,
		to_hash TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS improvement_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tool_name TEXT NOT NULL,
		strategy TEXT,
		status TEXT NOT NULL,
		detail TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS tool_storage (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (namespace, key)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// WithToolLock runs fn while holding the per-tool write lock. Writes across
// different tools proceed independently.
func (s *Store) WithToolLock(toolName string, fn func() error) error {
	s.toolLocksMu.Lock()
	lock, ok := s.toolLocks[toolName]
	if !ok {
		lock = &sync.Mutex{}
		s.toolLocks[toolName] = lock
	}
	s.toolLocksMu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		logging.Store("closing store at %s", s.dbPath)
		return s.db.Close()
	}
	return nil
}
