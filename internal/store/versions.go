package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// VersionHistory returns up to limit snapshots for a task, newest first.
func (s *Store) VersionHistory(ctx context.Context, taskID string, limit int) ([]ContextVersion, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, version, snapshot, change_summary, created_at
		FROM context_versions
		WHERE task_id = ?
		ORDER BY version DESC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query versions for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []ContextVersion
	for rows.Next() {
		var v ContextVersion
		var snapshot string
		if err := rows.Scan(&v.TaskID, &v.Version, &snapshot, &v.ChangeSummary, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		v.Snapshot = json.RawMessage(snapshot)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("version rows: %w", err)
	}
	return out, nil
}

// GetVersion returns one snapshot by (taskID, version).
func (s *Store) GetVersion(ctx context.Context, taskID string, version int64) (*ContextVersion, error) {
	var v ContextVersion
	var snapshot string
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, version, snapshot, change_summary, created_at
		FROM context_versions
		WHERE task_id = ? AND version = ?;
	`, taskID, version).Scan(&v.TaskID, &v.Version, &snapshot, &v.ChangeSummary, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("version %d of task %s: %w", version, taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query version %d of task %s: %w", version, taskID, err)
	}
	v.Snapshot = json.RawMessage(snapshot)
	return &v, nil
}
