// Package checkpoint creates named snapshots and rolls the store back
// to them. A rollback restores recorded state by appending fresh
// versions on each affected task; history is never rewritten and the
// checkpoint row itself is never mutated, so the same checkpoint can be
// rolled back again later.
package checkpoint

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/basket/ctxstore/internal/hotcache"
	"github.com/basket/ctxstore/internal/mirror"
	"github.com/basket/ctxstore/internal/store"
)

// CreateRequest names what to snapshot. Scope task requires exactly one
// task id, multi_task an explicit set, global everything non-archived
// plus the global context.
type CreateRequest struct {
	Label     string                `json:"label"`
	Type      store.CheckpointType  `json:"type"`
	Scope     store.CheckpointScope `json:"scope"`
	ProjectID string                `json:"projectId,omitempty"`
	TaskIDs   []string              `json:"taskIds,omitempty"`
}

// RollbackResult reports which tasks were restored and the fresh
// version each one landed on.
type RollbackResult struct {
	CheckpointID  string               `json:"checkpointId"`
	RestoredTasks []store.RestoredTask `json:"restoredTasks"`
	RolledBackAt  time.Time            `json:"rolledBackAt"`
}

type Manager struct {
	st         *store.Store
	cache      *hotcache.Cache
	fileMirror *mirror.Mirror
	logger     *slog.Logger
}

func New(st *store.Store, cache *hotcache.Cache, fileMirror *mirror.Mirror, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{st: st, cache: cache, fileMirror: fileMirror, logger: logger}
}

func (m *Manager) Create(ctx context.Context, req CreateRequest) (*store.Checkpoint, error) {
	cpType := req.Type
	if cpType == "" {
		cpType = store.CheckpointManual
	}
	cp, err := m.st.CreateCheckpoint(ctx, req.Label, cpType, req.Scope, req.ProjectID, req.TaskIDs)
	if err != nil {
		return nil, err
	}
	m.logger.Info("checkpoint created",
		"checkpoint_id", cp.CheckpointID, "label", cp.Label,
		"scope", string(cp.Scope), "tasks", len(cp.IncludedTasks))
	return cp, nil
}

func (m *Manager) Get(ctx context.Context, checkpointID string) (*store.Checkpoint, error) {
	return m.st.GetCheckpoint(ctx, checkpointID)
}

func (m *Manager) List(ctx context.Context, limit int) ([]store.Checkpoint, error) {
	return m.st.ListCheckpoints(ctx, limit)
}

// Rollback restores the checkpoint's snapshot and refreshes the cache
// and file mirror for every restored task. The restore itself is one
// transaction in the store; the refreshes are best effort on top of
// already committed state.
func (m *Manager) Rollback(ctx context.Context, checkpointID string) (*RollbackResult, error) {
	restored, err := m.st.RollbackTo(ctx, checkpointID)
	if err != nil {
		return nil, err
	}

	for _, rt := range restored {
		task, err := m.st.GetTask(ctx, rt.TaskID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				m.logger.Warn("refresh after rollback failed", "task_id", rt.TaskID, "error", err)
			}
			continue
		}
		if m.cache != nil {
			m.cache.SetTask(*task)
		}
		if m.fileMirror != nil {
			if _, err := m.fileMirror.WriteTask(*task); err != nil {
				m.logger.Warn("mirror refresh after rollback failed", "task_id", rt.TaskID, "error", err)
			}
		}
	}
	if m.cache != nil {
		m.cache.Wait()
	}

	m.logger.Info("rollback applied", "checkpoint_id", checkpointID, "restored_tasks", len(restored))
	return &RollbackResult{
		CheckpointID:  checkpointID,
		RestoredTasks: restored,
		RolledBackAt:  time.Now().UTC(),
	}, nil
}
