// Package conflict applies typed resolution actions to recorded context
// conflicts. Transitions are terminal and atomic: the status change and
// any lock release commit together or not at all, while cache refresh is
// an advisory side effect applied after commit.
package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/ctxstore/internal/hotcache"
	"github.com/basket/ctxstore/internal/store"
)

type Action string

const (
	ActionUseA   Action = "use_a"
	ActionUseB   Action = "use_b"
	ActionMerge  Action = "merge"
	ActionCustom Action = "custom"
	ActionIgnore Action = "ignore"
)

// Resolution is the caller's chosen action for one conflict.
type Resolution struct {
	Action     Action         `json:"action"`
	ResolvedBy string         `json:"resolvedBy,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Outcome reports a completed resolution.
type Outcome struct {
	ConflictID     string                 `json:"conflictId"`
	PreviousStatus store.ResolutionStatus `json:"previousStatus"`
	NewStatus      store.ResolutionStatus `json:"newStatus"`
	ReleasedLocks  []store.LockRelease    `json:"releasedLocks,omitempty"`
	CacheRefreshed bool                   `json:"cacheRefreshed"`
}

type Manager struct {
	st     *store.Store
	cache  *hotcache.Cache
	logger *slog.Logger
}

func New(st *store.Store, cache *hotcache.Cache, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{st: st, cache: cache, logger: logger}
}

// Resolve transitions a conflict into its terminal status. ignore maps
// to ignored; every other action maps to resolved. A lock_collision
// releases the lock held under the losing task's identity no matter
// which action was chosen: the collision itself, not the choice, is
// what requires the release. A state_mismatch resolved by use_a/use_b
// re-pushes the winner's context into the cache, which had been serving
// the loser's view.
func (m *Manager) Resolve(ctx context.Context, conflictID string, res Resolution) (*Outcome, error) {
	if !validAction(res.Action) {
		return nil, fmt.Errorf("invalid resolution action %q", res.Action)
	}

	// Read outside the transaction to plan side effects; the store
	// re-checks the status atomically, so a concurrent resolver loses
	// with ErrAlreadyResolved instead of double-applying.
	c, err := m.st.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}

	newStatus := store.ResolutionResolved
	if res.Action == ActionIgnore {
		newStatus = store.ResolutionIgnored
	}

	var releases []store.LockRelease
	if c.Type == store.ConflictLockCollision {
		releases = lockReleases(c, res.Action)
	}

	payload, err := json.Marshal(struct {
		Resolution
		ResolvedAt time.Time `json:"resolvedAt"`
	}{Resolution: res, ResolvedAt: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("marshal resolution: %w", err)
	}

	prev, _, err := m.st.ResolveConflict(ctx, conflictID, newStatus, payload, releases)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{
		ConflictID:     conflictID,
		PreviousStatus: prev,
		NewStatus:      newStatus,
		ReleasedLocks:  releases,
	}

	if c.Type == store.ConflictStateMismatch && (res.Action == ActionUseA || res.Action == ActionUseB) {
		outcome.CacheRefreshed = m.refreshWinner(ctx, c, res.Action)
	}

	m.logger.Info("conflict resolved",
		"conflict_id", conflictID, "type", string(c.Type),
		"action", string(res.Action), "status", string(newStatus))
	return outcome, nil
}

// refreshWinner pushes the winning task's current context back into the
// cache. Failures degrade to a warning; the cache is advisory.
func (m *Manager) refreshWinner(ctx context.Context, c *store.ContextConflict, action Action) bool {
	winnerID := c.TaskAID
	if action == ActionUseB && c.TaskBID != "" {
		winnerID = c.TaskBID
	}
	if m.cache == nil {
		return false
	}
	task, err := m.st.GetTask(ctx, winnerID)
	if err != nil {
		m.logger.Warn("cache refresh after resolution failed", "task_id", winnerID, "error", err)
		return false
	}
	m.cache.SetTask(*task)
	m.cache.Wait()
	return true
}

// lockReleases derives which locks to release from the conflict
// evidence. The losing identity is the action's loser for use_a/use_b;
// otherwise the recorded holder, falling back to task B then task A.
func lockReleases(c *store.ContextConflict, action Action) []store.LockRelease {
	var evidence map[string]any
	if len(c.Evidence) > 0 {
		_ = json.Unmarshal(c.Evidence, &evidence)
	}

	loser := ""
	switch action {
	case ActionUseA:
		loser = c.TaskBID
	case ActionUseB:
		loser = c.TaskAID
	default:
		loser, _ = evidence["holder"].(string)
	}
	if loser == "" {
		loser = c.TaskBID
	}
	if loser == "" {
		loser = c.TaskAID
	}

	var elements []string
	if element, ok := evidence["element"].(string); ok && element != "" {
		elements = append(elements, element)
	}
	if raw, ok := evidence["elements"].([]any); ok {
		for _, item := range raw {
			if element, ok := item.(string); ok && element != "" {
				elements = append(elements, element)
			}
		}
	}

	releases := make([]store.LockRelease, 0, len(elements))
	for _, element := range elements {
		releases = append(releases, store.LockRelease{TaskID: loser, Element: element})
	}
	return releases
}

func validAction(a Action) bool {
	switch a {
	case ActionUseA, ActionUseB, ActionMerge, ActionCustom, ActionIgnore:
		return true
	}
	return false
}
