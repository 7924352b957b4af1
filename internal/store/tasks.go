package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// TaskPatch is a partial update to a task context. Nil fields are left
// untouched. The version bump and snapshot append happen in the database
// trigger, not here.
type TaskPatch struct {
	Name               *string
	Status             *TaskStatus
	Priority           *int
	CurrentPhase       *string
	Iteration          *int
	Score              *float64
	LockedElements     []string
	ImmediateContext   map[string]any
	KeyFiles           []string
	TechnicalDecisions []string
	ResumePrompt       *string
}

// NewTask holds the caller-supplied fields for task creation.
type NewTask struct {
	TaskID             string
	Name               string
	Status             TaskStatus
	Priority           int
	CurrentPhase       string
	ImmediateContext   map[string]any
	KeyFiles           []string
	TechnicalDecisions []string
	ResumePrompt       string
}

// TaskFilter narrows ListTasks. Zero value lists everything.
type TaskFilter struct {
	Statuses        []TaskStatus
	ExcludeStatuses []TaskStatus
	Limit           int
}

func (s *Store) CreateTask(ctx context.Context, in NewTask) (*TaskContext, error) {
	if strings.TrimSpace(in.TaskID) == "" {
		return nil, fmt.Errorf("task_id is required")
	}
	// Task ids become mirror file names under tasks/; keep them path-safe.
	if strings.ContainsAny(in.TaskID, `/\`) || strings.Contains(in.TaskID, "..") {
		return nil, fmt.Errorf("invalid task_id %q: path characters are not allowed", in.TaskID)
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("name is required")
	}
	status := in.Status
	if status == "" {
		status = TaskStatusPending
	}
	if !ValidTaskStatus(status) {
		return nil, fmt.Errorf("invalid status %q", status)
	}
	priority := in.Priority
	if priority == 0 {
		priority = 100
	}

	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_contexts
				(task_id, name, status, priority, current_phase, immediate_context, key_files, technical_decisions, resume_prompt)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, in.TaskID, in.Name, string(status), priority, in.CurrentPhase,
			marshalJSONMap(in.ImmediateContext), marshalJSONStrings(in.KeyFiles),
			marshalJSONStrings(in.TechnicalDecisions), in.ResumePrompt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert task %s: %w", in.TaskID, err)
	}
	return s.GetTask(ctx, in.TaskID)
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*TaskContext, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, name, status, priority, current_phase, iteration, score,
		       locked_elements, immediate_context, key_files, technical_decisions,
		       resume_prompt, version, created_at, updated_at
		FROM task_contexts WHERE task_id = ?;
	`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query task %s: %w", taskID, err)
	}
	return task, nil
}

// UpdateTask applies patch if and only if the row is still at
// expectedVersion. A version mismatch returns ErrVersionConflict so the
// caller can re-read and retry; this is the only concurrency control for
// task writes. The database trigger bumps version by exactly 1 and
// appends the context_versions snapshot in the same statement cycle.
func (s *Store) UpdateTask(ctx context.Context, taskID string, expectedVersion int64, patch TaskPatch) (*TaskContext, error) {
	set, args := buildTaskPatch(patch)
	if len(set) == 0 {
		return s.GetTask(ctx, taskID)
	}
	if patch.Status != nil && !ValidTaskStatus(*patch.Status) {
		return nil, fmt.Errorf("invalid status %q", *patch.Status)
	}

	var task *TaskContext
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		query := fmt.Sprintf(`UPDATE task_contexts SET %s WHERE task_id = ? AND version = ?;`, strings.Join(set, ", "))
		res, err := tx.ExecContext(ctx, query, append(args, taskID, expectedVersion)...)
		if err != nil {
			return fmt.Errorf("update task %s: %w", taskID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update task %s rows: %w", taskID, err)
		}
		if affected == 0 {
			var current int64
			scanErr := tx.QueryRowContext(ctx, `SELECT version FROM task_contexts WHERE task_id = ?;`, taskID).Scan(&current)
			if scanErr == sql.ErrNoRows {
				return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
			}
			if scanErr != nil {
				return fmt.Errorf("read task %s version: %w", taskID, scanErr)
			}
			return fmt.Errorf("task %s at version %d, caller read %d: %w", taskID, current, expectedVersion, ErrVersionConflict)
		}

		row := tx.QueryRowContext(ctx, `
			SELECT task_id, name, status, priority, current_phase, iteration, score,
			       locked_elements, immediate_context, key_files, technical_decisions,
			       resume_prompt, version, created_at, updated_at
			FROM task_contexts WHERE task_id = ?;
		`, taskID)
		task, err = scanTask(row)
		if err != nil {
			return fmt.Errorf("read back task %s: %w", taskID, err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]TaskContext, error) {
	var where []string
	var args []any
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if len(filter.ExcludeStatuses) > 0 {
		where = append(where, "status NOT IN ("+placeholders(len(filter.ExcludeStatuses))+")")
		for _, st := range filter.ExcludeStatuses {
			args = append(args, string(st))
		}
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 500
	}

	query := `
		SELECT task_id, name, status, priority, current_phase, iteration, score,
		       locked_elements, immediate_context, key_files, technical_decisions,
		       resume_prompt, version, created_at, updated_at
		FROM task_contexts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority ASC, task_id ASC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskContext
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

func buildTaskPatch(patch TaskPatch) ([]string, []any) {
	var set []string
	var args []any
	add := func(column string, value any) {
		set = append(set, column+" = ?")
		args = append(args, value)
	}
	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.Priority != nil {
		add("priority", *patch.Priority)
	}
	if patch.CurrentPhase != nil {
		add("current_phase", *patch.CurrentPhase)
	}
	if patch.Iteration != nil {
		add("iteration", *patch.Iteration)
	}
	if patch.Score != nil {
		add("score", *patch.Score)
	}
	if patch.LockedElements != nil {
		add("locked_elements", marshalJSONStrings(patch.LockedElements))
	}
	if patch.ImmediateContext != nil {
		add("immediate_context", marshalJSONMap(patch.ImmediateContext))
	}
	if patch.KeyFiles != nil {
		add("key_files", marshalJSONStrings(patch.KeyFiles))
	}
	if patch.TechnicalDecisions != nil {
		add("technical_decisions", marshalJSONStrings(patch.TechnicalDecisions))
	}
	if patch.ResumePrompt != nil {
		add("resume_prompt", *patch.ResumePrompt)
	}
	return set, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*TaskContext, error) {
	var t TaskContext
	var status string
	var score sql.NullFloat64
	var locked, immediate, keyFiles, decisions string
	if err := row.Scan(&t.TaskID, &t.Name, &status, &t.Priority, &t.CurrentPhase,
		&t.Iteration, &score, &locked, &immediate, &keyFiles, &decisions,
		&t.ResumePrompt, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	if score.Valid {
		t.Score = &score.Float64
	}
	t.LockedElements = unmarshalJSONStrings(locked)
	t.ImmediateContext = unmarshalJSONMap(immediate)
	t.KeyFiles = unmarshalJSONStrings(keyFiles)
	t.TechnicalDecisions = unmarshalJSONStrings(decisions)
	return &t, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func marshalJSONStrings(values []string) string {
	if values == nil {
		values = []string{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func unmarshalJSONStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func marshalJSONMap(values map[string]any) string {
	if values == nil {
		values = map[string]any{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func unmarshalJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
