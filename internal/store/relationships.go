package store

import (
	"context"
	"fmt"
	"strings"
)

// CreateRelationship inserts a directed typed edge. The (source, target,
// type) triple is unique; re-creating an existing edge refreshes its
// strength instead of failing.
func (s *Store) CreateRelationship(ctx context.Context, sourceTaskID, targetTaskID string, relType RelationshipType, strength float64) (*TaskRelationship, error) {
	if !ValidRelationshipType(relType) {
		return nil, fmt.Errorf("invalid relationship type %q", relType)
	}
	if sourceTaskID == targetTaskID {
		return nil, fmt.Errorf("relationship source and target must differ")
	}
	if strength <= 0 {
		strength = 1.0
	}

	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_relationships (source_task_id, target_task_id, rel_type, strength)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(source_task_id, target_task_id, rel_type)
			DO UPDATE SET strength = excluded.strength, updated_at = CURRENT_TIMESTAMP;
		`, sourceTaskID, targetTaskID, string(relType), strength)
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return nil, fmt.Errorf("relationship %s -> %s: %w", sourceTaskID, targetTaskID, ErrNotFound)
		}
		return nil, fmt.Errorf("insert relationship %s -> %s: %w", sourceTaskID, targetTaskID, err)
	}

	var rel TaskRelationship
	var typ string
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_task_id, target_task_id, rel_type, strength, created_at, updated_at
		FROM task_relationships
		WHERE source_task_id = ? AND target_task_id = ? AND rel_type = ?;
	`, sourceTaskID, targetTaskID, string(relType))
	if err := row.Scan(&rel.ID, &rel.SourceTaskID, &rel.TargetTaskID, &typ, &rel.Strength, &rel.CreatedAt, &rel.UpdatedAt); err != nil {
		return nil, fmt.Errorf("read back relationship: %w", err)
	}
	rel.Type = RelationshipType(typ)
	return &rel, nil
}

// GetRelationships returns every edge touching taskID, as source or target.
func (s *Store) GetRelationships(ctx context.Context, taskID string) ([]TaskRelationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_task_id, target_task_id, rel_type, strength, created_at, updated_at
		FROM task_relationships
		WHERE source_task_id = ? OR target_task_id = ?
		ORDER BY id ASC;
	`, taskID, taskID)
	if err != nil {
		return nil, fmt.Errorf("query relationships for %s: %w", taskID, err)
	}
	defer rows.Close()
	return scanRelationships(rows)
}

// ListRelationships returns every edge in the store, for index rebuilds.
func (s *Store) ListRelationships(ctx context.Context) ([]TaskRelationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_task_id, target_task_id, rel_type, strength, created_at, updated_at
		FROM task_relationships
		ORDER BY id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query relationships: %w", err)
	}
	defer rows.Close()
	return scanRelationships(rows)
}

// BlockingTaskIDs returns the ids of non-completed, non-archived tasks
// that taskID is blocked by or depends on. This is the required fallback
// readiness computation when the relationship index is offline.
func (s *Store) BlockingTaskIDs(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT t.task_id
		FROM task_relationships r
		JOIN task_contexts t ON t.task_id = r.target_task_id
		WHERE r.source_task_id = ?
		  AND r.rel_type IN ('blocked_by', 'depends_on')
		  AND t.status NOT IN ('completed', 'archived');
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query blockers for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan blocker: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("blocker rows: %w", err)
	}
	return out, nil
}

func scanRelationships(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]TaskRelationship, error) {
	var out []TaskRelationship
	for rows.Next() {
		var rel TaskRelationship
		var typ string
		if err := rows.Scan(&rel.ID, &rel.SourceTaskID, &rel.TargetTaskID, &typ, &rel.Strength, &rel.CreatedAt, &rel.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		rel.Type = RelationshipType(typ)
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("relationship rows: %w", err)
	}
	return out, nil
}
