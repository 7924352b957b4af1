package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/basket/ctxstore/internal/store"
)

func TestTasks_CreateSeedsVersionOne(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, store.NewTask{
		TaskID:       "task-auth",
		Name:         "Implement auth flow",
		CurrentPhase: "design",
		KeyFiles:     []string{"internal/auth/handler.go"},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Version != 1 {
		t.Fatalf("expected version 1 on create, got %d", task.Version)
	}
	if task.Status != store.TaskStatusPending {
		t.Fatalf("expected default status pending, got %s", task.Status)
	}
	if task.Priority != 100 {
		t.Fatalf("expected default priority 100, got %d", task.Priority)
	}

	versions, err := st.VersionHistory(ctx, "task-auth", 10)
	if err != nil {
		t.Fatalf("version history: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("expected 1 seeded version, got %d", len(versions))
	}
	if versions[0].Version != 1 || versions[0].ChangeSummary != "created" {
		t.Fatalf("unexpected seed version %d summary %q", versions[0].Version, versions[0].ChangeSummary)
	}

	var snapshot map[string]any
	if err := json.Unmarshal(versions[0].Snapshot, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot["taskId"] != "task-auth" || snapshot["currentPhase"] != "design" {
		t.Fatalf("snapshot missing fields: %v", snapshot)
	}
}

func TestTasks_CreateRejectsInvalidInput(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := st.CreateTask(ctx, store.NewTask{Name: "no id"}); err == nil {
		t.Fatalf("expected error for missing task id")
	}
	if _, err := st.CreateTask(ctx, store.NewTask{TaskID: "t1"}); err == nil {
		t.Fatalf("expected error for missing name")
	}
	if _, err := st.CreateTask(ctx, store.NewTask{TaskID: "t1", Name: "x", Status: "bogus"}); err == nil {
		t.Fatalf("expected error for invalid status")
	}
}

func TestTasks_CreateRejectsPathCharactersInID(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	// Ids are used as mirror file names, so none of these may land on disk.
	for _, id := range []string{"tasks/escape", `tasks\escape`, "../escape", "a/../b"} {
		if _, err := st.CreateTask(ctx, store.NewTask{TaskID: id, Name: "escape attempt"}); err == nil {
			t.Fatalf("expected rejection of task id %q", id)
		}
	}

	if _, err := st.CreateTask(ctx, store.NewTask{TaskID: "task.v2", Name: "dots are fine"}); err != nil {
		t.Fatalf("plain dotted id rejected: %v", err)
	}
}

func TestTasks_UpdateBumpsVersionAndAppendsSnapshot(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateTask(t, st, "task-api", "API surface")

	phase := "implementation"
	iteration := 3
	updated, err := st.UpdateTask(ctx, "task-api", 1, store.TaskPatch{
		CurrentPhase: &phase,
		Iteration:    &iteration,
	})
	if err != nil {
		t.Fatalf("update task: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2 after update, got %d", updated.Version)
	}
	if updated.CurrentPhase != "implementation" || updated.Iteration != 3 {
		t.Fatalf("patch not applied: %+v", updated)
	}

	versions, err := st.VersionHistory(ctx, "task-api", 10)
	if err != nil {
		t.Fatalf("version history: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	// Newest first.
	if versions[0].Version != 2 || versions[1].Version != 1 {
		t.Fatalf("unexpected version order: %d, %d", versions[0].Version, versions[1].Version)
	}
	summary := versions[0].ChangeSummary
	if summary != "phase iteration" {
		t.Fatalf("expected change summary to name changed fields, got %q", summary)
	}
}

func TestTasks_VersionChainHasNoGaps(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateTask(t, st, "task-chain", "chained updates")

	for i := 0; i < 5; i++ {
		task, err := st.GetTask(ctx, "task-chain")
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		iteration := i + 1
		if _, err := st.UpdateTask(ctx, "task-chain", task.Version, store.TaskPatch{Iteration: &iteration}); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	versions, err := st.VersionHistory(ctx, "task-chain", 50)
	if err != nil {
		t.Fatalf("version history: %v", err)
	}
	if len(versions) != 6 {
		t.Fatalf("expected 6 versions, got %d", len(versions))
	}
	for i, v := range versions {
		want := int64(6 - i)
		if v.Version != want {
			t.Fatalf("version gap at index %d: got %d want %d", i, v.Version, want)
		}
	}
}

func TestTasks_StaleVersionFailsWithConflict(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateTask(t, st, "task-race", "contended task")

	phase := "first"
	if _, err := st.UpdateTask(ctx, "task-race", 1, store.TaskPatch{CurrentPhase: &phase}); err != nil {
		t.Fatalf("first update: %v", err)
	}

	stale := "second"
	_, err := st.UpdateTask(ctx, "task-race", 1, store.TaskPatch{CurrentPhase: &stale})
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	// The losing writer must not have left a snapshot behind.
	versions, err := st.VersionHistory(ctx, "task-race", 10)
	if err != nil {
		t.Fatalf("version history: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions after rejected write, got %d", len(versions))
	}
	task, err := st.GetTask(ctx, "task-race")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.CurrentPhase != "first" {
		t.Fatalf("losing write leaked through: %q", task.CurrentPhase)
	}
}

func TestTasks_ConcurrentWritersExactlyOneWins(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateTask(t, st, "task-cc", "concurrent writers")

	const writers = 4
	var wg sync.WaitGroup
	results := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			phase := "writer"
			_, results[i] = st.UpdateTask(ctx, "task-cc", 1, store.TaskPatch{CurrentPhase: &phase})
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected writer error: %v", err)
		}
	}
	if wins != 1 || conflicts != writers-1 {
		t.Fatalf("expected exactly one winner, got %d wins %d conflicts", wins, conflicts)
	}

	task, err := st.GetTask(ctx, "task-cc")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Version != 2 {
		t.Fatalf("expected version 2 after contended round, got %d", task.Version)
	}
}

func TestTasks_UpdateMissingTaskFailsNotFound(t *testing.T) {
	st, _ := openTestStore(t)
	phase := "x"
	_, err := st.UpdateTask(context.Background(), "no-such-task", 1, store.TaskPatch{CurrentPhase: &phase})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTasks_EmptyPatchIsReadOnly(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateTask(t, st, "task-noop", "noop patch")

	task, err := st.UpdateTask(ctx, "task-noop", 1, store.TaskPatch{})
	if err != nil {
		t.Fatalf("empty patch: %v", err)
	}
	if task.Version != 1 {
		t.Fatalf("empty patch must not bump version, got %d", task.Version)
	}
}

func TestTasks_ListFiltersByStatus(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	mustCreateTask(t, st, "task-a", "a")
	mustCreateTask(t, st, "task-b", "b")
	done := store.TaskStatusCompleted
	if _, err := st.UpdateTask(ctx, "task-b", 1, store.TaskPatch{Status: &done}); err != nil {
		t.Fatalf("complete task-b: %v", err)
	}

	pending, err := st.ListTasks(ctx, store.TaskFilter{Statuses: []store.TaskStatus{store.TaskStatusPending}})
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].TaskID != "task-a" {
		t.Fatalf("unexpected pending set: %+v", pending)
	}

	active, err := st.ListTasks(ctx, store.TaskFilter{ExcludeStatuses: []store.TaskStatus{store.TaskStatusCompleted, store.TaskStatusArchived}})
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].TaskID != "task-a" {
		t.Fatalf("unexpected active set: %+v", active)
	}
}

func TestVersions_GetVersionReturnsExactSnapshot(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateTask(t, st, "task-v", "versioned")

	phase := "later"
	if _, err := st.UpdateTask(ctx, "task-v", 1, store.TaskPatch{CurrentPhase: &phase}); err != nil {
		t.Fatalf("update: %v", err)
	}

	v1, err := st.GetVersion(ctx, "task-v", 1)
	if err != nil {
		t.Fatalf("get version 1: %v", err)
	}
	var snap map[string]any
	if err := json.Unmarshal(v1.Snapshot, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap["currentPhase"] != "" {
		t.Fatalf("version 1 snapshot shows later state: %v", snap["currentPhase"])
	}

	if _, err := st.GetVersion(ctx, "task-v", 99); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing version, got %v", err)
	}
}
