// Package store is the authoritative record store for task context
// orchestration: task contexts with a trigger-enforced version chain,
// relationship edges, conflicts, sessions, checkpoints, and the global
// project context. Every other tier (cache, file mirror, graph index) is
// derived from this package and can be rebuilt from it at any time.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "cs-v1-2026-08-20-context-store"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".ctxstore", "ctxstore.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	if err := applySchemaV1(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionV1, schemaChecksumV1); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func applySchemaV1(ctx context.Context, tx *sql.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS task_contexts (
			task_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending','in_progress','completed','blocked','archived')),
			priority INTEGER NOT NULL DEFAULT 100,
			current_phase TEXT NOT NULL DEFAULT '',
			iteration INTEGER NOT NULL DEFAULT 0,
			score REAL,
			locked_elements TEXT NOT NULL DEFAULT '[]',
			immediate_context TEXT NOT NULL DEFAULT '{}',
			key_files TEXT NOT NULL DEFAULT '[]',
			technical_decisions TEXT NOT NULL DEFAULT '[]',
			resume_prompt TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS context_versions (
			task_id TEXT NOT NULL REFERENCES task_contexts(task_id),
			version INTEGER NOT NULL,
			snapshot TEXT NOT NULL,
			change_summary TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (task_id, version)
		);`,
		`CREATE TABLE IF NOT EXISTS task_relationships (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_task_id TEXT NOT NULL REFERENCES task_contexts(task_id),
			target_task_id TEXT NOT NULL REFERENCES task_contexts(task_id),
			rel_type TEXT NOT NULL
				CHECK (rel_type IN ('blocks','blocked_by','depends_on','dependency_of','related_to','parent_of','child_of')),
			strength REAL NOT NULL DEFAULT 1.0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (source_task_id, target_task_id, rel_type)
		);`,
		`CREATE TABLE IF NOT EXISTS active_sessions (
			session_id TEXT PRIMARY KEY,
			task_id TEXT REFERENCES task_contexts(task_id),
			status TEXT NOT NULL DEFAULT 'active'
				CHECK (status IN ('active','ended','crashed','compacted','recovered')),
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_heartbeat DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			recovery_needed INTEGER NOT NULL DEFAULT 0,
			recovery_type TEXT NOT NULL DEFAULT ''
				CHECK (recovery_type IN ('','crash','compaction','timeout','manual')),
			conversation_summary TEXT NOT NULL DEFAULT '',
			unsaved_changes TEXT NOT NULL DEFAULT '[]',
			environment TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS session_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES active_sessions(session_id),
			method TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS context_conflicts (
			conflict_id TEXT PRIMARY KEY,
			task_a_id TEXT NOT NULL REFERENCES task_contexts(task_id),
			task_b_id TEXT,
			conflict_type TEXT NOT NULL
				CHECK (conflict_type IN ('state_mismatch','file_conflict','spec_contradiction','version_divergence','lock_collision','data_inconsistency')),
			severity TEXT NOT NULL DEFAULT 'medium'
				CHECK (severity IN ('low','medium','high','critical')),
			strength REAL NOT NULL DEFAULT 0.5,
			evidence TEXT NOT NULL DEFAULT '{}',
			resolution_status TEXT NOT NULL DEFAULT 'unresolved'
				CHECK (resolution_status IN ('unresolved','investigating','resolved','ignored','escalated')),
			resolution TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			checkpoint_id TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			checkpoint_type TEXT NOT NULL DEFAULT 'manual'
				CHECK (checkpoint_type IN ('manual','milestone','pre_migration','recovery_point','auto')),
			scope TEXT NOT NULL DEFAULT 'task'
				CHECK (scope IN ('task','global','multi_task')),
			included_tasks TEXT NOT NULL DEFAULT '[]',
			snapshot TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS global_context (
			project_id TEXT PRIMARY KEY,
			hard_rules TEXT NOT NULL DEFAULT '[]',
			tech_stack TEXT NOT NULL DEFAULT '[]',
			key_paths TEXT NOT NULL DEFAULT '{}',
			service_endpoints TEXT NOT NULL DEFAULT '{}',
			active_task_id TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_contexts_status ON task_contexts(status);`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_source ON task_relationships(source_task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_target ON task_relationships(target_task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_recovery ON active_sessions(recovery_needed, status);`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_conflicts_status ON context_conflicts(resolution_status);`,

		// The version/audit invariant lives in the database, not the
		// application: no caller can update a task without bumping its
		// version and appending a context_versions snapshot.
		`CREATE TRIGGER IF NOT EXISTS trg_task_contexts_seed_version
		AFTER INSERT ON task_contexts
		BEGIN
			INSERT INTO context_versions (task_id, version, snapshot, change_summary)
			VALUES (
				NEW.task_id,
				NEW.version,
				json_object(
					'taskId', NEW.task_id,
					'name', NEW.name,
					'status', NEW.status,
					'priority', NEW.priority,
					'currentPhase', NEW.current_phase,
					'iteration', NEW.iteration,
					'score', NEW.score,
					'lockedElements', json(NEW.locked_elements),
					'immediateContext', json(NEW.immediate_context),
					'keyFiles', json(NEW.key_files),
					'technicalDecisions', json(NEW.technical_decisions),
					'resumePrompt', NEW.resume_prompt,
					'version', NEW.version
				),
				'created'
			);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS trg_task_contexts_bump_version
		AFTER UPDATE OF name, status, priority, current_phase, iteration, score,
			locked_elements, immediate_context, key_files, technical_decisions, resume_prompt
		ON task_contexts
		WHEN NEW.version = OLD.version
		BEGIN
			UPDATE task_contexts
			SET version = OLD.version + 1, updated_at = CURRENT_TIMESTAMP
			WHERE task_id = NEW.task_id;
			INSERT INTO context_versions (task_id, version, snapshot, change_summary)
			VALUES (
				NEW.task_id,
				OLD.version + 1,
				json_object(
					'taskId', NEW.task_id,
					'name', NEW.name,
					'status', NEW.status,
					'priority', NEW.priority,
					'currentPhase', NEW.current_phase,
					'iteration', NEW.iteration,
					'score', NEW.score,
					'lockedElements', json(NEW.locked_elements),
					'immediateContext', json(NEW.immediate_context),
					'keyFiles', json(NEW.key_files),
					'technicalDecisions', json(NEW.technical_decisions),
					'resumePrompt', NEW.resume_prompt,
					'version', OLD.version + 1
				),
				TRIM(
					CASE WHEN NEW.current_phase IS NOT OLD.current_phase THEN 'phase ' ELSE '' END ||
					CASE WHEN NEW.iteration IS NOT OLD.iteration THEN 'iteration ' ELSE '' END ||
					CASE WHEN NEW.status IS NOT OLD.status THEN 'status ' ELSE '' END ||
					CASE WHEN NEW.immediate_context IS NOT OLD.immediate_context THEN 'immediate_context' ELSE '' END
				)
			);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS trg_global_context_bump_version
		AFTER UPDATE OF hard_rules, tech_stack, key_paths, service_endpoints, active_task_id
		ON global_context
		WHEN NEW.version = OLD.version
		BEGIN
			UPDATE global_context
			SET version = OLD.version + 1, updated_at = CURRENT_TIMESTAMP
			WHERE project_id = NEW.project_id;
		END;`,
	}

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
	}
	return nil
}
