package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"

	"github.com/basket/ctxstore/internal/store"
)

func TestConflicts_ReportAndGet(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateTask(t, st, "task-a", "writer a")
	mustCreateTask(t, st, "task-b", "writer b")

	conflict, err := st.ReportConflict(ctx, store.NewConflict{
		TaskAID:  "task-a",
		TaskBID:  "task-b",
		Type:     store.ConflictStateMismatch,
		Severity: store.SeverityHigh,
		Strength: 0.9,
		Evidence: map[string]any{"field": "status"},
	})
	if err != nil {
		t.Fatalf("report conflict: %v", err)
	}
	if conflict.ConflictID == "" {
		t.Fatalf("expected generated conflict id")
	}
	if conflict.ResolutionStatus != store.ResolutionUnresolved {
		t.Fatalf("expected unresolved, got %s", conflict.ResolutionStatus)
	}

	got, err := st.GetConflict(ctx, conflict.ConflictID)
	if err != nil {
		t.Fatalf("get conflict: %v", err)
	}
	var evidence map[string]any
	if err := json.Unmarshal(got.Evidence, &evidence); err != nil {
		t.Fatalf("decode evidence: %v", err)
	}
	if evidence["field"] != "status" {
		t.Fatalf("evidence lost: %v", evidence)
	}
}

func TestConflicts_ReportDefaultsAndValidation(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateTask(t, st, "task-a", "writer a")

	conflict, err := st.ReportConflict(ctx, store.NewConflict{
		TaskAID: "task-a",
		Type:    store.ConflictFile,
	})
	if err != nil {
		t.Fatalf("report conflict: %v", err)
	}
	if conflict.Severity != store.SeverityMedium {
		t.Fatalf("expected default severity medium, got %s", conflict.Severity)
	}
	if conflict.Strength != 0.5 {
		t.Fatalf("expected default strength 0.5, got %f", conflict.Strength)
	}

	if _, err := st.ReportConflict(ctx, store.NewConflict{Type: store.ConflictFile}); err == nil {
		t.Fatalf("expected error for missing task_a_id")
	}
	if _, err := st.ReportConflict(ctx, store.NewConflict{TaskAID: "ghost", Type: store.ConflictFile}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown task, got %v", err)
	}
}

func TestConflicts_UnresolvedFilterByTask(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateTask(t, st, "task-a", "a")
	mustCreateTask(t, st, "task-b", "b")
	mustCreateTask(t, st, "task-c", "c")

	first, err := st.ReportConflict(ctx, store.NewConflict{TaskAID: "task-a", TaskBID: "task-b", Type: store.ConflictStateMismatch})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if _, err := st.ReportConflict(ctx, store.NewConflict{TaskAID: "task-c", Type: store.ConflictDataInconsistency}); err != nil {
		t.Fatalf("report: %v", err)
	}

	all, err := st.GetUnresolvedConflicts(ctx, "")
	if err != nil {
		t.Fatalf("get unresolved: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 unresolved, got %d", len(all))
	}

	forB, err := st.GetUnresolvedConflicts(ctx, "task-b")
	if err != nil {
		t.Fatalf("get unresolved for task-b: %v", err)
	}
	if len(forB) != 1 || forB[0].ConflictID != first.ConflictID {
		t.Fatalf("unexpected task-b conflicts: %+v", forB)
	}
}

func TestConflicts_ResolveIsTerminalAndAtomic(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	lockedA, err := st.CreateTask(ctx, store.NewTask{TaskID: "task-a", Name: "holder"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	locked := []string{"internal/auth/handler.go", "internal/auth/token.go"}
	if _, err := st.UpdateTask(ctx, "task-a", lockedA.Version, store.TaskPatch{LockedElements: locked}); err != nil {
		t.Fatalf("seed locks: %v", err)
	}
	mustCreateTask(t, st, "task-b", "contender")

	conflict, err := st.ReportConflict(ctx, store.NewConflict{
		TaskAID: "task-a", TaskBID: "task-b", Type: store.ConflictLockCollision,
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	resolution, _ := json.Marshal(map[string]any{"action": "use_b", "resolvedBy": "operator"})
	prev, updated, err := st.ResolveConflict(ctx, conflict.ConflictID, store.ResolutionResolved, resolution,
		[]store.LockRelease{{TaskID: "task-a", Element: "internal/auth/handler.go"}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if prev != store.ResolutionUnresolved {
		t.Fatalf("expected previous status unresolved, got %s", prev)
	}
	if updated.ResolutionStatus != store.ResolutionResolved {
		t.Fatalf("expected resolved, got %s", updated.ResolutionStatus)
	}

	task, err := st.GetTask(ctx, "task-a")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if slices.Contains(task.LockedElements, "internal/auth/handler.go") {
		t.Fatalf("lock not released: %v", task.LockedElements)
	}
	if !slices.Contains(task.LockedElements, "internal/auth/token.go") {
		t.Fatalf("unrelated lock dropped: %v", task.LockedElements)
	}
	// The lock release is a content update, so it lands in the audit chain.
	if task.Version <= 2 {
		t.Fatalf("expected lock release to bump version, got %d", task.Version)
	}
}

func TestConflicts_ResolveReplayFailsWithoutSideEffects(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	taskA, err := st.CreateTask(ctx, store.NewTask{TaskID: "task-a", Name: "holder"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := st.UpdateTask(ctx, "task-a", taskA.Version, store.TaskPatch{LockedElements: []string{"x", "y"}}); err != nil {
		t.Fatalf("seed locks: %v", err)
	}

	conflict, err := st.ReportConflict(ctx, store.NewConflict{TaskAID: "task-a", Type: store.ConflictLockCollision})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	resolution, _ := json.Marshal(map[string]any{"action": "use_a"})
	if _, _, err := st.ResolveConflict(ctx, conflict.ConflictID, store.ResolutionResolved, resolution,
		[]store.LockRelease{{TaskID: "task-a", Element: "x"}}); err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	before, err := st.GetTask(ctx, "task-a")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}

	_, _, err = st.ResolveConflict(ctx, conflict.ConflictID, store.ResolutionResolved, resolution,
		[]store.LockRelease{{TaskID: "task-a", Element: "y"}})
	if !errors.Is(err, store.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}

	after, err := st.GetTask(ctx, "task-a")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if after.Version != before.Version || !slices.Contains(after.LockedElements, "y") {
		t.Fatalf("replay applied side effects: before v%d after v%d locks %v", before.Version, after.Version, after.LockedElements)
	}
}

func TestConflicts_ResolveMissingFailsNotFound(t *testing.T) {
	st, _ := openTestStore(t)
	_, _, err := st.ResolveConflict(context.Background(), "no-such-conflict", store.ResolutionResolved, json.RawMessage(`{}`), nil)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
