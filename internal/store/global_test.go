package store_test

import (
	"context"
	"testing"

	"github.com/basket/ctxstore/internal/store"
)

func TestGlobal_FirstAccessSeedsEmptyRow(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	gc, err := st.GetGlobalContext(ctx, "")
	if err != nil {
		t.Fatalf("get global context: %v", err)
	}
	if gc.ProjectID != "default" {
		t.Fatalf("expected default project, got %q", gc.ProjectID)
	}
	if gc.Version != 1 {
		t.Fatalf("expected seeded version 1, got %d", gc.Version)
	}
	if gc.ActiveTaskID != "" || len(gc.HardRules) != 0 {
		t.Fatalf("seeded row not empty: %+v", gc)
	}
}

func TestGlobal_PatchBumpsVersion(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateTask(t, st, "task-a", "focus")

	active := "task-a"
	gc, err := st.UpdateGlobalContext(ctx, "default", store.GlobalPatch{
		HardRules:    []string{"never force push"},
		TechStack:    []string{"go", "sqlite"},
		KeyPaths:     map[string]string{"api": "internal/api"},
		ActiveTaskID: &active,
	})
	if err != nil {
		t.Fatalf("update global context: %v", err)
	}
	if gc.Version != 2 {
		t.Fatalf("expected version 2 after patch, got %d", gc.Version)
	}
	if gc.ActiveTaskID != "task-a" {
		t.Fatalf("active task not set: %q", gc.ActiveTaskID)
	}
	if len(gc.HardRules) != 1 || gc.KeyPaths["api"] != "internal/api" {
		t.Fatalf("patch dropped fields: %+v", gc)
	}

	// Untouched fields survive a later partial patch.
	gc, err = st.UpdateGlobalContext(ctx, "default", store.GlobalPatch{
		TechStack: []string{"go"},
	})
	if err != nil {
		t.Fatalf("partial patch: %v", err)
	}
	if gc.Version != 3 {
		t.Fatalf("expected version 3, got %d", gc.Version)
	}
	if len(gc.HardRules) != 1 {
		t.Fatalf("partial patch clobbered hard rules: %v", gc.HardRules)
	}
}

func TestGlobal_ClearActiveTask(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateTask(t, st, "task-a", "focus")

	active := "task-a"
	if _, err := st.UpdateGlobalContext(ctx, "default", store.GlobalPatch{ActiveTaskID: &active}); err != nil {
		t.Fatalf("set active task: %v", err)
	}
	cleared := ""
	gc, err := st.UpdateGlobalContext(ctx, "default", store.GlobalPatch{ActiveTaskID: &cleared})
	if err != nil {
		t.Fatalf("clear active task: %v", err)
	}
	if gc.ActiveTaskID != "" {
		t.Fatalf("active task not cleared: %q", gc.ActiveTaskID)
	}
}

func TestGlobal_ProjectsAreIsolated(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := st.UpdateGlobalContext(ctx, "alpha", store.GlobalPatch{HardRules: []string{"alpha rule"}}); err != nil {
		t.Fatalf("update alpha: %v", err)
	}
	beta, err := st.GetGlobalContext(ctx, "beta")
	if err != nil {
		t.Fatalf("get beta: %v", err)
	}
	if len(beta.HardRules) != 0 {
		t.Fatalf("alpha rules leaked into beta: %v", beta.HardRules)
	}
}
