package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OpenSession registers a live working session. A blank sessionID gets a
// fresh uuid; a supplied one must parse as a uuid.
func (s *Store) OpenSession(ctx context.Context, sessionID, taskID string, environment map[string]any) (*ActiveSession, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	} else if _, err := uuid.Parse(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session_id: %w", err)
	}

	var task any
	if taskID != "" {
		task = taskID
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO active_sessions (session_id, task_id, environment)
			VALUES (?, ?, ?)
			ON CONFLICT(session_id) DO NOTHING;
		`, sessionID, task, marshalJSONMap(environment))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s.GetSession(ctx, sessionID)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*ActiveSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, task_id, status, started_at, last_heartbeat, recovery_needed,
		       recovery_type, conversation_summary, unsaved_changes, environment,
		       created_at, updated_at
		FROM active_sessions WHERE session_id = ?;
	`, sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query session %s: %w", sessionID, err)
	}
	return sess, nil
}

// Heartbeat refreshes last_heartbeat and, when provided, the conversation
// summary and pending-change descriptors. Only active sessions accept
// heartbeats.
func (s *Store) Heartbeat(ctx context.Context, sessionID, summary string, unsavedChanges []string) error {
	query := `UPDATE active_sessions SET last_heartbeat = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP`
	args := []any{}
	if summary != "" {
		query += `, conversation_summary = ?`
		args = append(args, summary)
	}
	if unsavedChanges != nil {
		query += `, unsaved_changes = ?`
		args = append(args, marshalJSONStrings(unsavedChanges))
	}
	query += ` WHERE session_id = ? AND status = 'active';`
	args = append(args, sessionID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("heartbeat session %s: %w", sessionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat session %s rows: %w", sessionID, err)
	}
	if affected == 0 {
		return fmt.Errorf("active session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE active_sessions
		SET status = 'ended', updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ? AND status = 'active';
	`, sessionID)
	if err != nil {
		return fmt.Errorf("end session %s: %w", sessionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end session %s rows: %w", sessionID, err)
	}
	if affected == 0 {
		return fmt.Errorf("active session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// FlagStaleSessions marks active sessions whose heartbeat gap exceeds
// timeout as crashed and needing recovery. Returns how many were flagged.
func (s *Store) FlagStaleSessions(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	res, err := s.db.ExecContext(ctx, `
		UPDATE active_sessions
		SET status = 'crashed', recovery_needed = 1, recovery_type = 'timeout',
		    updated_at = CURRENT_TIMESTAMP
		WHERE status = 'active' AND last_heartbeat < ?;
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("flag stale sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("flag stale sessions rows: %w", err)
	}
	return int(affected), nil
}

// FlagSessionForRecovery records an externally observed abnormal
// termination or compaction signal for one session.
func (s *Store) FlagSessionForRecovery(ctx context.Context, sessionID string, recoveryType RecoveryType) error {
	status := SessionCrashed
	if recoveryType == RecoveryCompaction {
		status = SessionCompacted
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE active_sessions
		SET status = ?, recovery_needed = 1, recovery_type = ?, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ? AND status != 'recovered';
	`, string(status), string(recoveryType), sessionID)
	if err != nil {
		return fmt.Errorf("flag session %s: %w", sessionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("flag session %s rows: %w", sessionID, err)
	}
	if affected == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// SessionsNeedingRecovery returns sessions with recovery_needed set that
// have not yet been recovered, oldest heartbeat first.
func (s *Store) SessionsNeedingRecovery(ctx context.Context) ([]ActiveSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, task_id, status, started_at, last_heartbeat, recovery_needed,
		       recovery_type, conversation_summary, unsaved_changes, environment,
		       created_at, updated_at
		FROM active_sessions
		WHERE recovery_needed = 1 AND status != 'recovered'
		ORDER BY last_heartbeat ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query recovery sessions: %w", err)
	}
	defer rows.Close()

	var out []ActiveSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}

// MarkSessionRecovered transitions a session to recovered. Idempotent:
// repeating the call against an already-recovered session is a no-op.
func (s *Store) MarkSessionRecovered(ctx context.Context, sessionID string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM active_sessions WHERE session_id = ?;`, sessionID).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read session %s: %w", sessionID, err)
	}
	if SessionStatus(status) == SessionRecovered {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE active_sessions
		SET status = 'recovered', recovery_needed = 0, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ?;
	`, sessionID); err != nil {
		return fmt.Errorf("mark session %s recovered: %w", sessionID, err)
	}
	return nil
}

// AppendSessionEvent records one tool invocation for later resume
// descriptors. Unknown sessions are ignored rather than failing the
// operation that triggered the append.
func (s *Store) AppendSessionEvent(ctx context.Context, sessionID, method, summary string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_events (session_id, method, summary)
		SELECT ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM active_sessions WHERE session_id = ?);
	`, sessionID, method, summary, sessionID)
	if err != nil {
		return fmt.Errorf("append session event: %w", err)
	}
	return nil
}

// RecentSessionEvents returns the last limit events for a session,
// oldest first.
func (s *Store) RecentSessionEvents(ctx context.Context, sessionID string, limit int) ([]SessionEvent, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, method, summary, created_at FROM (
			SELECT id, session_id, method, summary, created_at
			FROM session_events
			WHERE session_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	var out []SessionEvent
	for rows.Next() {
		var ev SessionEvent
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Method, &ev.Summary, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session event rows: %w", err)
	}
	return out, nil
}

// RecentSessions returns the most recent sessions associated with a task.
func (s *Store) RecentSessions(ctx context.Context, taskID string, limit int) ([]ActiveSession, error) {
	if limit <= 0 || limit > 50 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, task_id, status, started_at, last_heartbeat, recovery_needed,
		       recovery_type, conversation_summary, unsaved_changes, environment,
		       created_at, updated_at
		FROM active_sessions
		WHERE task_id = ?
		ORDER BY last_heartbeat DESC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []ActiveSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}

func scanSession(row rowScanner) (*ActiveSession, error) {
	var sess ActiveSession
	var taskID sql.NullString
	var status, recoveryType, unsaved, environment string
	var recoveryNeeded int
	if err := row.Scan(&sess.SessionID, &taskID, &status, &sess.StartedAt, &sess.LastHeartbeat,
		&recoveryNeeded, &recoveryType, &sess.ConversationSummary, &unsaved, &environment,
		&sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.TaskID = taskID.String
	sess.Status = SessionStatus(status)
	sess.RecoveryNeeded = recoveryNeeded != 0
	sess.RecoveryType = RecoveryType(recoveryType)
	sess.UnsavedChanges = unmarshalJSONStrings(unsaved)
	sess.Environment = json.RawMessage(environment)
	return &sess, nil
}
