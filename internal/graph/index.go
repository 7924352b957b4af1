// Package graph is the relationship index: a queryable projection of
// task relationship edges plus session associations, built for traversal
// queries (blocked-by closure, ready-task computation) that are awkward
// in the relational model. It owns no data; it is rebuilt from the
// record store and callers fall back to store scans when it is offline.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/basket/ctxstore/internal/store"
)

const (
	memoSize = 128
	memoTTL  = 30 * time.Second

	maxDepth = 3
)

// FocusView is the detail view around one task.
type FocusView struct {
	Task           store.TaskContext     `json:"task"`
	BlockedBy      []store.TaskContext   `json:"blockedBy,omitempty"`
	Blocks         []store.TaskContext   `json:"blocks,omitempty"`
	DependsOn      []store.TaskContext   `json:"dependsOn,omitempty"`
	DependencyOf   []store.TaskContext   `json:"dependencyOf,omitempty"`
	RelatedTo      []store.TaskContext   `json:"relatedTo,omitempty"`
	Agents         []string              `json:"agents,omitempty"`
	RecentSessions []store.ActiveSession `json:"recentSessions,omitempty"`
	Subgraph       []string              `json:"subgraph,omitempty"`
}

// Index holds the in-memory projection. Rebuild loads from the store
// without holding the index lock across store I/O; the loaded state is
// swapped in under the lock afterwards.
type Index struct {
	st *store.Store

	mu        sync.RWMutex
	available bool
	tasks     map[string]store.TaskContext
	outgoing  map[string][]store.TaskRelationship
	incoming  map[string][]store.TaskRelationship
	builtAt   time.Time

	memo *lru.LRU[string, *FocusView]
}

func New(st *store.Store) *Index {
	return &Index{
		st:   st,
		memo: lru.NewLRU[string, *FocusView](memoSize, nil, memoTTL),
	}
}

// Rebuild reloads tasks and edges from the record store and marks the
// index available. Safe to call concurrently with queries.
func (idx *Index) Rebuild(ctx context.Context) error {
	tasks, err := idx.st.ListTasks(ctx, store.TaskFilter{Limit: 1000})
	if err != nil {
		return fmt.Errorf("rebuild index tasks: %w", err)
	}
	edges, err := idx.st.ListRelationships(ctx)
	if err != nil {
		return fmt.Errorf("rebuild index edges: %w", err)
	}

	taskMap := make(map[string]store.TaskContext, len(tasks))
	for _, t := range tasks {
		taskMap[t.TaskID] = t
	}
	outgoing := make(map[string][]store.TaskRelationship)
	incoming := make(map[string][]store.TaskRelationship)
	for _, e := range edges {
		outgoing[e.SourceTaskID] = append(outgoing[e.SourceTaskID], e)
		incoming[e.TargetTaskID] = append(incoming[e.TargetTaskID], e)
	}

	idx.mu.Lock()
	idx.tasks = taskMap
	idx.outgoing = outgoing
	idx.incoming = incoming
	idx.available = true
	idx.builtAt = time.Now().UTC()
	idx.mu.Unlock()

	idx.memo.Purge()
	return nil
}

// Available reports whether the projection has been built. When false,
// callers must compute readiness from the record store directly.
func (idx *Index) Available() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.available
}

// SetAvailable forces the availability flag; used to take the index
// offline without dropping its state.
func (idx *Index) SetAvailable(available bool) {
	idx.mu.Lock()
	idx.available = available
	idx.mu.Unlock()
	if !available {
		idx.memo.Purge()
	}
}

// BuiltAt returns when the projection was last rebuilt.
func (idx *Index) BuiltAt() time.Time {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.builtAt
}

// TaskGraph returns the focus view around taskID: typed direct
// neighbors, associated agents and recent sessions, and the id set of
// the subgraph reachable within depth hops. Session lookups hit the
// store after the index lock is released.
func (idx *Index) TaskGraph(ctx context.Context, taskID string, depth int) (*FocusView, error) {
	if !idx.Available() {
		return nil, fmt.Errorf("relationship index: %w", store.ErrBackendUnavailable)
	}
	if depth <= 0 {
		depth = 1
	}
	if depth > maxDepth {
		depth = maxDepth
	}

	memoKey := fmt.Sprintf("%s:%d", taskID, depth)
	if view, ok := idx.memo.Get(memoKey); ok {
		return view, nil
	}

	idx.mu.RLock()
	task, ok := idx.tasks[taskID]
	if !ok {
		idx.mu.RUnlock()
		return nil, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	view := &FocusView{Task: task}
	for _, e := range idx.outgoing[taskID] {
		neighbor, ok := idx.tasks[e.TargetTaskID]
		if !ok {
			continue
		}
		switch e.Type {
		case store.RelBlockedBy:
			view.BlockedBy = append(view.BlockedBy, neighbor)
		case store.RelBlocks:
			view.Blocks = append(view.Blocks, neighbor)
		case store.RelDependsOn:
			view.DependsOn = append(view.DependsOn, neighbor)
		case store.RelDependencyOf:
			view.DependencyOf = append(view.DependencyOf, neighbor)
		case store.RelRelatedTo:
			view.RelatedTo = append(view.RelatedTo, neighbor)
		}
	}
	view.Subgraph = idx.reachableLocked(taskID, depth)
	idx.mu.RUnlock()

	sessions, err := idx.st.RecentSessions(ctx, taskID, 5)
	if err == nil {
		view.RecentSessions = sessions
		view.Agents = agentsFromSessions(sessions)
	}

	idx.memo.Add(memoKey, view)
	return view, nil
}

// ReadyTaskIDs returns non-completed, non-archived tasks with no
// blocking or dependency edge to a non-completed target: the
// topological frontier.
func (idx *Index) ReadyTaskIDs() ([]string, error) {
	if !idx.Available() {
		return nil, fmt.Errorf("relationship index: %w", store.ErrBackendUnavailable)
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []string
	for id, task := range idx.tasks {
		if task.Status == store.TaskStatusCompleted || task.Status == store.TaskStatusArchived {
			continue
		}
		if !idx.blockedLocked(id) {
			out = append(out, id)
		}
	}
	return out, nil
}

// BlockedTaskIDs returns non-completed, non-archived tasks with at least
// one unresolved blocking or dependency edge.
func (idx *Index) BlockedTaskIDs() ([]string, error) {
	if !idx.Available() {
		return nil, fmt.Errorf("relationship index: %w", store.ErrBackendUnavailable)
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []string
	for id, task := range idx.tasks {
		if task.Status == store.TaskStatusCompleted || task.Status == store.TaskStatusArchived {
			continue
		}
		if idx.blockedLocked(id) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (idx *Index) blockedLocked(taskID string) bool {
	for _, e := range idx.outgoing[taskID] {
		if e.Type != store.RelBlockedBy && e.Type != store.RelDependsOn {
			continue
		}
		target, ok := idx.tasks[e.TargetTaskID]
		if !ok {
			continue
		}
		if target.Status != store.TaskStatusCompleted && target.Status != store.TaskStatusArchived {
			return true
		}
	}
	return false
}

func (idx *Index) reachableLocked(taskID string, depth int) []string {
	seen := map[string]bool{taskID: true}
	frontier := []string{taskID}
	order := []string{taskID}
	for hop := 0; hop < depth; hop++ {
		var next []string
		for _, id := range frontier {
			for _, e := range idx.outgoing[id] {
				if !seen[e.TargetTaskID] {
					seen[e.TargetTaskID] = true
					next = append(next, e.TargetTaskID)
					order = append(order, e.TargetTaskID)
				}
			}
			for _, e := range idx.incoming[id] {
				if !seen[e.SourceTaskID] {
					seen[e.SourceTaskID] = true
					next = append(next, e.SourceTaskID)
					order = append(order, e.SourceTaskID)
				}
			}
		}
		frontier = next
	}
	return order
}

func agentsFromSessions(sessions []store.ActiveSession) []string {
	seen := map[string]bool{}
	var out []string
	for _, sess := range sessions {
		env := map[string]any{}
		if len(sess.Environment) > 0 {
			// Best effort; environment is free-form metadata.
			_ = json.Unmarshal(sess.Environment, &env)
		}
		agent, _ := env["agent"].(string)
		if agent != "" && !seen[agent] {
			seen[agent] = true
			out = append(out, agent)
		}
	}
	return out
}
