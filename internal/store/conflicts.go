package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// NewConflict holds the caller-supplied fields for conflict detection
// writers. Strength is opaque confidence metadata; nothing in the store
// orders or filters by it.
type NewConflict struct {
	TaskAID  string
	TaskBID  string
	Type     ConflictType
	Severity ConflictSeverity
	Strength float64
	Evidence map[string]any
}

// LockRelease names one locked element to release from a task as a
// conflict-resolution side effect.
type LockRelease struct {
	TaskID  string
	Element string
}

func (s *Store) ReportConflict(ctx context.Context, in NewConflict) (*ContextConflict, error) {
	if strings.TrimSpace(in.TaskAID) == "" {
		return nil, fmt.Errorf("task_a_id is required")
	}
	severity := in.Severity
	if severity == "" {
		severity = SeverityMedium
	}
	strength := in.Strength
	if strength <= 0 || strength > 1 {
		strength = 0.5
	}

	conflictID := uuid.NewString()
	var taskB any
	if in.TaskBID != "" {
		taskB = in.TaskBID
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO context_conflicts
				(conflict_id, task_a_id, task_b_id, conflict_type, severity, strength, evidence)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, conflictID, in.TaskAID, taskB, string(in.Type), string(severity), strength, marshalJSONMap(in.Evidence))
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return nil, fmt.Errorf("conflict task %s: %w", in.TaskAID, ErrNotFound)
		}
		return nil, fmt.Errorf("insert conflict: %w", err)
	}
	return s.GetConflict(ctx, conflictID)
}

func (s *Store) GetConflict(ctx context.Context, conflictID string) (*ContextConflict, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conflict_id, task_a_id, task_b_id, conflict_type, severity, strength,
		       evidence, resolution_status, resolution, created_at, updated_at
		FROM context_conflicts WHERE conflict_id = ?;
	`, conflictID)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conflict %s: %w", conflictID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query conflict %s: %w", conflictID, err)
	}
	return c, nil
}

// GetUnresolvedConflicts returns unresolved conflicts touching taskID, or
// all unresolved conflicts when taskID is empty.
func (s *Store) GetUnresolvedConflicts(ctx context.Context, taskID string) ([]ContextConflict, error) {
	var rows *sql.Rows
	var err error
	if taskID == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT conflict_id, task_a_id, task_b_id, conflict_type, severity, strength,
			       evidence, resolution_status, resolution, created_at, updated_at
			FROM context_conflicts
			WHERE resolution_status IN ('unresolved', 'investigating')
			ORDER BY created_at ASC;
		`)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT conflict_id, task_a_id, task_b_id, conflict_type, severity, strength,
			       evidence, resolution_status, resolution, created_at, updated_at
			FROM context_conflicts
			WHERE resolution_status IN ('unresolved', 'investigating')
			  AND (task_a_id = ? OR task_b_id = ?)
			ORDER BY created_at ASC;
		`, taskID, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("query unresolved conflicts: %w", err)
	}
	defer rows.Close()

	var out []ContextConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conflict rows: %w", err)
	}
	return out, nil
}

// ResolveConflict transitions a conflict into a terminal status and
// applies the given lock releases in the same transaction, so resolution
// is never partially applied. Returns the previous status and the
// updated row. A missing conflict fails ErrNotFound; a replay against a
// non-unresolved conflict fails ErrAlreadyResolved and leaves the row
// untouched.
func (s *Store) ResolveConflict(ctx context.Context, conflictID string, newStatus ResolutionStatus, resolution json.RawMessage, releases []LockRelease) (ResolutionStatus, *ContextConflict, error) {
	var prev ResolutionStatus
	var updated *ContextConflict

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin resolve tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status string
		err = tx.QueryRowContext(ctx, `SELECT resolution_status FROM context_conflicts WHERE conflict_id = ?;`, conflictID).Scan(&status)
		if err == sql.ErrNoRows {
			return fmt.Errorf("conflict %s: %w", conflictID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read conflict %s: %w", conflictID, err)
		}
		prev = ResolutionStatus(status)
		if prev != ResolutionUnresolved && prev != ResolutionInvestigating {
			return fmt.Errorf("conflict %s is %s: %w", conflictID, prev, ErrAlreadyResolved)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE context_conflicts
			SET resolution_status = ?, resolution = ?, updated_at = CURRENT_TIMESTAMP
			WHERE conflict_id = ?;
		`, string(newStatus), string(resolution), conflictID); err != nil {
			return fmt.Errorf("update conflict %s: %w", conflictID, err)
		}

		for _, rel := range releases {
			if err := releaseLockedElementTx(ctx, tx, rel); err != nil {
				return err
			}
		}

		row := tx.QueryRowContext(ctx, `
			SELECT conflict_id, task_a_id, task_b_id, conflict_type, severity, strength,
			       evidence, resolution_status, resolution, created_at, updated_at
			FROM context_conflicts WHERE conflict_id = ?;
		`, conflictID)
		updated, err = scanConflict(row)
		if err != nil {
			return fmt.Errorf("read back conflict %s: %w", conflictID, err)
		}
		return tx.Commit()
	})
	if err != nil {
		return "", nil, err
	}
	return prev, updated, nil
}

// releaseLockedElementTx removes one element from a task's locked set.
// The content update fires the version trigger, so the release shows up
// in the task's audit chain.
func releaseLockedElementTx(ctx context.Context, tx *sql.Tx, rel LockRelease) error {
	var locked string
	err := tx.QueryRowContext(ctx, `SELECT locked_elements FROM task_contexts WHERE task_id = ?;`, rel.TaskID).Scan(&locked)
	if err == sql.ErrNoRows {
		return fmt.Errorf("lock release task %s: %w", rel.TaskID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read locked elements of %s: %w", rel.TaskID, err)
	}

	elements := unmarshalJSONStrings(locked)
	filtered := slices.DeleteFunc(slices.Clone(elements), func(e string) bool { return e == rel.Element })
	if len(filtered) == len(elements) {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE task_contexts SET locked_elements = ? WHERE task_id = ?;
	`, marshalJSONStrings(filtered), rel.TaskID); err != nil {
		return fmt.Errorf("release lock %q on %s: %w", rel.Element, rel.TaskID, err)
	}
	return nil
}

func scanConflict(row rowScanner) (*ContextConflict, error) {
	var c ContextConflict
	var taskB sql.NullString
	var typ, severity, status, evidence string
	var resolution sql.NullString
	if err := row.Scan(&c.ConflictID, &c.TaskAID, &taskB, &typ, &severity, &c.Strength,
		&evidence, &status, &resolution, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.TaskBID = taskB.String
	c.Type = ConflictType(typ)
	c.Severity = ConflictSeverity(severity)
	c.ResolutionStatus = ResolutionStatus(status)
	c.Evidence = json.RawMessage(evidence)
	if resolution.Valid {
		c.Resolution = json.RawMessage(resolution.String)
	}
	return &c, nil
}
