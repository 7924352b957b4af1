package mirror_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/ctxstore/internal/hotcache"
	"github.com/basket/ctxstore/internal/mirror"
	"github.com/basket/ctxstore/internal/store"
)

func newTestMirror(t *testing.T) (*mirror.Mirror, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := mirror.New(dir)
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}
	return m, dir
}

func sampleTask(id string, keyFiles []string) store.TaskContext {
	return store.TaskContext{
		TaskID:       id,
		Name:         "mirrored task",
		Status:       store.TaskStatusInProgress,
		CurrentPhase: "implementation",
		KeyFiles:     keyFiles,
		Version:      2,
	}
}

func TestMirror_WriteTaskRoundTrip(t *testing.T) {
	m, dir := newTestMirror(t)

	entry, err := m.WriteTask(sampleTask("task-a", []string{"internal/api/server.go"}))
	if err != nil {
		t.Fatalf("write task: %v", err)
	}
	if entry.TaskID != "task-a" || entry.Version != 2 {
		t.Fatalf("unexpected registry entry %+v", entry)
	}
	if entry.File != filepath.Join("tasks", "task-a.json") {
		t.Fatalf("unexpected artifact path %q", entry.File)
	}
	if entry.TokenEstimate <= 0 {
		t.Fatalf("token estimate missing")
	}

	task, err := m.ReadTask("task-a")
	if err != nil {
		t.Fatalf("read task: %v", err)
	}
	if task.Name != "mirrored task" || task.Version != 2 {
		t.Fatalf("round trip corrupted task: %+v", task)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Join(dir, "tasks"))
	if err != nil {
		t.Fatalf("read tasks dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Fatalf("stale temp file %s", e.Name())
		}
	}
}

func TestMirror_WriteHotTruncatesKeyFiles(t *testing.T) {
	m, _ := newTestMirror(t)

	keyFiles := []string{"a.go", "b.go", "c.go", "d.go", "e.go", "f.go", "g.go"}
	task := sampleTask("task-a", keyFiles)
	if err := m.WriteHot(hotcache.HotEntry{
		ActiveTaskID: "task-a",
		ActiveTask:   &task,
		GlobalRules:  []string{"rule"},
		SyncedAt:     time.Now().UTC(),
	}); err != nil {
		t.Fatalf("write hot: %v", err)
	}

	entry, err := m.ReadHot()
	if err != nil {
		t.Fatalf("read hot: %v", err)
	}
	if len(entry.ActiveTask.KeyFiles) != 5 {
		t.Fatalf("expected key files truncated to 5, got %d", len(entry.ActiveTask.KeyFiles))
	}
	// The caller's task must not be mutated by the truncation.
	if len(task.KeyFiles) != 7 {
		t.Fatalf("caller task mutated: %d key files", len(task.KeyFiles))
	}
}

func TestMirror_RegistryRoundTrip(t *testing.T) {
	m, _ := newTestMirror(t)

	entryA, err := m.WriteTask(sampleTask("task-a", nil))
	if err != nil {
		t.Fatalf("write task: %v", err)
	}
	entryB, err := m.WriteTask(sampleTask("task-b", nil))
	if err != nil {
		t.Fatalf("write task: %v", err)
	}

	if err := m.WriteRegistry([]mirror.RegistryEntry{entryA, entryB}); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	reg, err := m.ReadRegistry()
	if err != nil {
		t.Fatalf("read registry: %v", err)
	}
	if len(reg.Tasks) != 2 {
		t.Fatalf("expected 2 registry entries, got %d", len(reg.Tasks))
	}
	if reg.SyncedAt.IsZero() {
		t.Fatalf("registry missing sync timestamp")
	}
}

func TestMirror_MissingArtifactsFail(t *testing.T) {
	m, _ := newTestMirror(t)

	if _, err := m.ReadTask("ghost"); err == nil {
		t.Fatalf("expected error for missing task file")
	}
	if _, err := m.ReadRegistry(); err == nil {
		t.Fatalf("expected error for missing registry")
	}
	if _, err := m.ReadHot(); err == nil {
		t.Fatalf("expected error for missing hot artifact")
	}
	if _, err := mirror.New(""); err == nil {
		t.Fatalf("expected error for empty mirror dir")
	}
}
