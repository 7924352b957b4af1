package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// RestoredTask reports one task affected by a rollback and the fresh
// version number the restore produced.
type RestoredTask struct {
	TaskID     string `json:"taskId"`
	NewVersion int64  `json:"newVersion"`
}

// CreateCheckpoint snapshots the selected scope into an immutable row.
// Scope task snapshots taskIDs[0]; multi_task the explicit set; global
// the project context plus every non-archived task.
func (s *Store) CreateCheckpoint(ctx context.Context, label string, cpType CheckpointType, scope CheckpointScope, projectID string, taskIDs []string) (*Checkpoint, error) {
	if label == "" {
		return nil, fmt.Errorf("label is required")
	}
	if cpType == "" {
		cpType = CheckpointManual
	}

	var snapshot CheckpointSnapshot
	var included []string

	switch scope {
	case ScopeTask:
		if len(taskIDs) != 1 {
			return nil, fmt.Errorf("task scope requires exactly one task id")
		}
		task, err := s.GetTask(ctx, taskIDs[0])
		if err != nil {
			return nil, err
		}
		snapshot.Tasks = []TaskContext{*task}
		included = taskIDs
	case ScopeMultiTask:
		if len(taskIDs) == 0 {
			return nil, fmt.Errorf("multi_task scope requires task ids")
		}
		for _, id := range taskIDs {
			task, err := s.GetTask(ctx, id)
			if err != nil {
				return nil, err
			}
			snapshot.Tasks = append(snapshot.Tasks, *task)
		}
		included = taskIDs
	case ScopeGlobal:
		gc, err := s.GetGlobalContext(ctx, projectID)
		if err != nil {
			return nil, err
		}
		snapshot.Global = gc
		tasks, err := s.ListTasks(ctx, TaskFilter{ExcludeStatuses: []TaskStatus{TaskStatusArchived}})
		if err != nil {
			return nil, err
		}
		snapshot.Tasks = tasks
		for _, t := range tasks {
			included = append(included, t.TaskID)
		}
	default:
		return nil, fmt.Errorf("invalid checkpoint scope %q", scope)
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint snapshot: %w", err)
	}

	checkpointID := uuid.NewString()
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO checkpoints (checkpoint_id, label, checkpoint_type, scope, included_tasks, snapshot)
			VALUES (?, ?, ?, ?, ?, ?);
		`, checkpointID, label, string(cpType), string(scope), marshalJSONStrings(included), string(payload))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}
	return s.GetCheckpoint(ctx, checkpointID)
}

func (s *Store) GetCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	var cp Checkpoint
	var cpType, scope, included, snapshot string
	err := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, label, checkpoint_type, scope, included_tasks, snapshot, created_at
		FROM checkpoints WHERE checkpoint_id = ?;
	`, checkpointID).Scan(&cp.CheckpointID, &cp.Label, &cpType, &scope, &included, &snapshot, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("checkpoint %s: %w", checkpointID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query checkpoint %s: %w", checkpointID, err)
	}
	cp.Type = CheckpointType(cpType)
	cp.Scope = CheckpointScope(scope)
	cp.IncludedTasks = unmarshalJSONStrings(included)
	cp.Snapshot = json.RawMessage(snapshot)
	return &cp, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, limit int) ([]Checkpoint, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT checkpoint_id, label, checkpoint_type, scope, included_tasks, snapshot, created_at
		FROM checkpoints
		ORDER BY created_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var cpType, scope, included, snapshot string
		if err := rows.Scan(&cp.CheckpointID, &cp.Label, &cpType, &scope, &included, &snapshot, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.Type = CheckpointType(cpType)
		cp.Scope = CheckpointScope(scope)
		cp.IncludedTasks = unmarshalJSONStrings(included)
		cp.Snapshot = json.RawMessage(snapshot)
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint rows: %w", err)
	}
	return out, nil
}

// RollbackTo restores every task embedded in a checkpoint inside one
// transaction. The checkpoint row is never mutated; each restore is a
// fresh content update, so the version trigger appends new snapshot rows
// and old version numbers are never reused. Running the same rollback
// twice therefore produces two distinct new versions per task.
func (s *Store) RollbackTo(ctx context.Context, checkpointID string) ([]RestoredTask, error) {
	cp, err := s.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	var snapshot CheckpointSnapshot
	if err := json.Unmarshal(cp.Snapshot, &snapshot); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s snapshot: %w", checkpointID, err)
	}

	var restored []RestoredTask
	err = retryOnBusy(ctx, 5, func() error {
		restored = restored[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, task := range snapshot.Tasks {
			newVersion, err := restoreTaskTx(ctx, tx, task)
			if err != nil {
				return err
			}
			restored = append(restored, RestoredTask{TaskID: task.TaskID, NewVersion: newVersion})
		}

		if snapshot.Global != nil {
			if err := restoreGlobalTx(ctx, tx, *snapshot.Global); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return restored, nil
}

func restoreTaskTx(ctx context.Context, tx *sql.Tx, task TaskContext) (int64, error) {
	var score any
	if task.Score != nil {
		score = *task.Score
	}

	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM task_contexts WHERE task_id = ?;`, task.TaskID).Scan(&exists)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_contexts
				(task_id, name, status, priority, current_phase, iteration, score,
				 locked_elements, immediate_context, key_files, technical_decisions, resume_prompt)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, task.TaskID, task.Name, string(task.Status), task.Priority, task.CurrentPhase,
			task.Iteration, score, marshalJSONStrings(task.LockedElements),
			marshalJSONMap(task.ImmediateContext), marshalJSONStrings(task.KeyFiles),
			marshalJSONStrings(task.TechnicalDecisions), task.ResumePrompt); err != nil {
			return 0, fmt.Errorf("restore insert task %s: %w", task.TaskID, err)
		}
	case err != nil:
		return 0, fmt.Errorf("check task %s: %w", task.TaskID, err)
	default:
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_contexts
			SET name = ?, status = ?, priority = ?, current_phase = ?, iteration = ?, score = ?,
			    locked_elements = ?, immediate_context = ?, key_files = ?,
			    technical_decisions = ?, resume_prompt = ?
			WHERE task_id = ?;
		`, task.Name, string(task.Status), task.Priority, task.CurrentPhase, task.Iteration, score,
			marshalJSONStrings(task.LockedElements), marshalJSONMap(task.ImmediateContext),
			marshalJSONStrings(task.KeyFiles), marshalJSONStrings(task.TechnicalDecisions),
			task.ResumePrompt, task.TaskID); err != nil {
			return 0, fmt.Errorf("restore update task %s: %w", task.TaskID, err)
		}
	}

	var version int64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM task_contexts WHERE task_id = ?;`, task.TaskID).Scan(&version); err != nil {
		return 0, fmt.Errorf("read restored version of %s: %w", task.TaskID, err)
	}
	return version, nil
}

func restoreGlobalTx(ctx context.Context, tx *sql.Tx, gc GlobalContext) error {
	var activeTask any
	if gc.ActiveTaskID != "" {
		activeTask = gc.ActiveTaskID
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO global_context (project_id, hard_rules, tech_stack, key_paths, service_endpoints, active_task_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			hard_rules = excluded.hard_rules,
			tech_stack = excluded.tech_stack,
			key_paths = excluded.key_paths,
			service_endpoints = excluded.service_endpoints,
			active_task_id = excluded.active_task_id;
	`, gc.ProjectID, marshalJSONStrings(gc.HardRules), marshalJSONStrings(gc.TechStack),
		marshalStringMap(gc.KeyPaths), marshalStringMap(gc.ServiceEndpoints), activeTask); err != nil {
		return fmt.Errorf("restore global context %s: %w", gc.ProjectID, err)
	}
	return nil
}
