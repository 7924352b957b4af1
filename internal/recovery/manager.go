// Package recovery builds resume descriptors for sessions that ended
// abnormally. Detection is driven by the recovery_needed flag on active
// sessions; stale-session sweeps and compaction both set it through the
// store, and a session stops appearing once it is marked recovered.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/ctxstore/internal/store"
)

const eventHistoryLimit = 10

// Descriptor carries everything a client needs to resume one
// interrupted session.
type Descriptor struct {
	SessionID      string               `json:"sessionId"`
	TaskID         string               `json:"taskId,omitempty"`
	TaskName       string               `json:"taskName,omitempty"`
	RecoveryType   store.RecoveryType   `json:"recoveryType"`
	LastActivity   time.Time            `json:"lastActivity"`
	ResumePrompt   string               `json:"resumePrompt,omitempty"`
	UnsavedChanges []string             `json:"unsavedChanges,omitempty"`
	RecentEvents   []store.SessionEvent `json:"recentEvents,omitempty"`
}

// Report is the result of one recovery check.
type Report struct {
	RecoveryNeeded bool         `json:"recoveryNeeded"`
	Sessions       []Descriptor `json:"sessions"`
	CheckedAt      time.Time    `json:"checkedAt"`
}

type Manager struct {
	st           *store.Store
	staleTimeout time.Duration
	logger       *slog.Logger
}

func New(st *store.Store, staleTimeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if staleTimeout <= 0 {
		staleTimeout = 10 * time.Minute
	}
	return &Manager{st: st, staleTimeout: staleTimeout, logger: logger}
}

// Check sweeps stale sessions, then assembles a descriptor for every
// session still flagged for recovery. A descriptor survives a missing
// task row: the session is still worth surfacing even if its task was
// deleted or never set.
func (m *Manager) Check(ctx context.Context, includeHistory bool) (*Report, error) {
	flagged, err := m.st.FlagStaleSessions(ctx, m.staleTimeout)
	if err != nil {
		return nil, fmt.Errorf("flag stale sessions: %w", err)
	}
	if flagged > 0 {
		m.logger.Info("flagged stale sessions for recovery", "count", flagged, "timeout", m.staleTimeout)
	}

	sessions, err := m.st.SessionsNeedingRecovery(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{
		RecoveryNeeded: len(sessions) > 0,
		Sessions:       make([]Descriptor, 0, len(sessions)),
		CheckedAt:      time.Now().UTC(),
	}
	for _, sess := range sessions {
		desc, err := m.describe(ctx, sess, includeHistory)
		if err != nil {
			return nil, err
		}
		report.Sessions = append(report.Sessions, *desc)
	}
	return report, nil
}

// MarkRecovered acknowledges a session; it no longer appears in later
// checks. Acknowledging twice is a no-op.
func (m *Manager) MarkRecovered(ctx context.Context, sessionID string) error {
	if err := m.st.MarkSessionRecovered(ctx, sessionID); err != nil {
		return err
	}
	m.logger.Info("session marked recovered", "session_id", sessionID)
	return nil
}

func (m *Manager) describe(ctx context.Context, sess store.ActiveSession, includeHistory bool) (*Descriptor, error) {
	desc := &Descriptor{
		SessionID:      sess.SessionID,
		TaskID:         sess.TaskID,
		RecoveryType:   sess.RecoveryType,
		LastActivity:   sess.LastHeartbeat,
		ResumePrompt:   sess.ConversationSummary,
		UnsavedChanges: sess.UnsavedChanges,
	}
	if desc.RecoveryType == "" {
		desc.RecoveryType = store.RecoveryManual
	}

	if sess.TaskID != "" {
		task, err := m.st.GetTask(ctx, sess.TaskID)
		switch {
		case err == nil:
			desc.TaskName = task.Name
			if task.ResumePrompt != "" {
				desc.ResumePrompt = task.ResumePrompt
			}
		case errors.Is(err, store.ErrNotFound):
			m.logger.Warn("recovery session references missing task", "session_id", sess.SessionID, "task_id", sess.TaskID)
		default:
			return nil, err
		}
	}

	if includeHistory {
		events, err := m.st.RecentSessionEvents(ctx, sess.SessionID, eventHistoryLimit)
		if err != nil {
			return nil, err
		}
		desc.RecentEvents = events
	}
	return desc, nil
}
