package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// GlobalPatch is a partial update to the project's global context. Nil
// fields are left untouched.
type GlobalPatch struct {
	HardRules        []string
	TechStack        []string
	KeyPaths         map[string]string
	ServiceEndpoints map[string]string
	ActiveTaskID     *string
}

// GetGlobalContext returns the singleton row for a project, creating an
// empty one on first access so callers never see ErrNotFound for a valid
// project id.
func (s *Store) GetGlobalContext(ctx context.Context, projectID string) (*GlobalContext, error) {
	if projectID == "" {
		projectID = "default"
	}
	gc, err := s.readGlobalContext(ctx, projectID)
	if err == nil {
		return gc, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("query global context %s: %w", projectID, err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO global_context (project_id) VALUES (?)
		ON CONFLICT(project_id) DO NOTHING;
	`, projectID); err != nil {
		return nil, fmt.Errorf("seed global context %s: %w", projectID, err)
	}
	gc, err = s.readGlobalContext(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("read global context %s: %w", projectID, err)
	}
	return gc, nil
}

// UpdateGlobalContext applies patch. The database trigger bumps the
// singleton's own version.
func (s *Store) UpdateGlobalContext(ctx context.Context, projectID string, patch GlobalPatch) (*GlobalContext, error) {
	if projectID == "" {
		projectID = "default"
	}
	// Ensure the row exists before patching it.
	if _, err := s.GetGlobalContext(ctx, projectID); err != nil {
		return nil, err
	}

	var set []string
	var args []any
	if patch.HardRules != nil {
		set = append(set, "hard_rules = ?")
		args = append(args, marshalJSONStrings(patch.HardRules))
	}
	if patch.TechStack != nil {
		set = append(set, "tech_stack = ?")
		args = append(args, marshalJSONStrings(patch.TechStack))
	}
	if patch.KeyPaths != nil {
		set = append(set, "key_paths = ?")
		args = append(args, marshalStringMap(patch.KeyPaths))
	}
	if patch.ServiceEndpoints != nil {
		set = append(set, "service_endpoints = ?")
		args = append(args, marshalStringMap(patch.ServiceEndpoints))
	}
	if patch.ActiveTaskID != nil {
		set = append(set, "active_task_id = ?")
		if *patch.ActiveTaskID == "" {
			args = append(args, nil)
		} else {
			args = append(args, *patch.ActiveTaskID)
		}
	}
	if len(set) == 0 {
		return s.GetGlobalContext(ctx, projectID)
	}

	query := "UPDATE global_context SET "
	for i, clause := range set {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += " WHERE project_id = ?;"
	args = append(args, projectID)

	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update global context %s: %w", projectID, err)
	}
	gc, err := s.readGlobalContext(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("read back global context %s: %w", projectID, err)
	}
	return gc, nil
}

func (s *Store) readGlobalContext(ctx context.Context, projectID string) (*GlobalContext, error) {
	var gc GlobalContext
	var hardRules, techStack, keyPaths, endpoints string
	var activeTask sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, hard_rules, tech_stack, key_paths, service_endpoints,
		       active_task_id, version, created_at, updated_at
		FROM global_context WHERE project_id = ?;
	`, projectID).Scan(&gc.ProjectID, &hardRules, &techStack, &keyPaths, &endpoints,
		&activeTask, &gc.Version, &gc.CreatedAt, &gc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	gc.HardRules = unmarshalJSONStrings(hardRules)
	gc.TechStack = unmarshalJSONStrings(techStack)
	gc.KeyPaths = unmarshalStringMap(keyPaths)
	gc.ServiceEndpoints = unmarshalStringMap(endpoints)
	gc.ActiveTaskID = activeTask.String
	return &gc, nil
}

func marshalStringMap(values map[string]string) string {
	if values == nil {
		values = map[string]string{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func unmarshalStringMap(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
