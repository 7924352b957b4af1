package store_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/basket/ctxstore/internal/store"
)

func openTestStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "context.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st, dbPath
}

func mustCreateTask(t *testing.T, st *store.Store, taskID, name string) *store.TaskContext {
	t.Helper()
	task, err := st.CreateTask(context.Background(), store.NewTask{TaskID: taskID, Name: name})
	if err != nil {
		t.Fatalf("create task %s: %v", taskID, err)
	}
	return task
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	st, _ := openTestStore(t)
	db := st.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	requiredTables := []string{
		"schema_migrations", "task_contexts", "context_versions", "task_relationships",
		"active_sessions", "session_events", "context_conflicts", "checkpoints", "global_context",
	}
	for _, table := range requiredTables {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_MigrationLedgerHasChecksum(t *testing.T) {
	st, _ := openTestStore(t)
	db := st.DB()

	var version int
	var checksum string
	if err := db.QueryRow("SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;").Scan(&version, &checksum); err != nil {
		t.Fatalf("read migration ledger: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected schema version 1, got %d", version)
	}
	if checksum == "" {
		t.Fatalf("expected non-empty checksum")
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	st, dbPath := openTestStore(t)
	mustCreateTask(t, st, "task-reopen", "survives reopen")
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	again, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer again.Close()

	task, err := again.GetTask(context.Background(), "task-reopen")
	if err != nil {
		t.Fatalf("get task after reopen: %v", err)
	}
	if task.Name != "survives reopen" {
		t.Fatalf("unexpected task name %q", task.Name)
	}

	var count int
	if err := again.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations;").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single migration row after reopen, got %d", count)
	}
}

func TestStore_ChecksumMismatchRefusesOpen(t *testing.T) {
	st, dbPath := openTestStore(t)
	if _, err := st.DB().Exec("UPDATE schema_migrations SET checksum = 'tampered';"); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	if _, err := store.Open(dbPath); err == nil {
		t.Fatalf("expected open to fail on checksum mismatch")
	}
}

func countRows(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count query %q: %v", query, err)
	}
	return n
}
