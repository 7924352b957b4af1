package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/basket/ctxstore/internal/graph"
	"github.com/basket/ctxstore/internal/store"
)

// UnifiedContext is the single-call read path: global context, the
// focused or active task, and whatever supporting detail was requested.
type UnifiedContext struct {
	Global        *store.GlobalContext     `json:"global,omitempty"`
	GlobalRules   []string                 `json:"globalRules,omitempty"`
	ActiveTask    *store.TaskContext       `json:"activeTask,omitempty"`
	Task          *store.TaskContext       `json:"task,omitempty"`
	Relationships []store.TaskRelationship `json:"relationships,omitempty"`
	History       []store.ContextVersion   `json:"history,omitempty"`
	Conflicts     []store.ContextConflict  `json:"conflicts,omitempty"`
	Metadata      ContextMetadata          `json:"metadata"`
}

// ContextMetadata reports where the response was served from.
type ContextMetadata struct {
	Source      string    `json:"source"` // cache, database or hybrid
	CacheHit    bool      `json:"cacheHit"`
	RetrievedAt time.Time `json:"retrievedAt"`
}

const defaultMaxVersions = 5

func (s *Service) unifiedContext(ctx context.Context, input unifiedContextInput) (*UnifiedContext, error) {
	now := time.Now().UTC()

	// Conflicts ride along on every database read unless declined;
	// only an explicit request for them defeats the cache fast path.
	wantConflicts := input.IncludeConflicts == nil || *input.IncludeConflicts
	forceConflicts := input.IncludeConflicts != nil && *input.IncludeConflicts

	// Fast path: no specific task and no extras requested, serve the
	// hot entry without touching the database.
	if input.TaskID == "" && !input.IncludeVersionHistory && !forceConflicts && s.cache != nil {
		if hot, ok := s.cache.GetHot(); ok {
			s.countCache(ctx, true)
			return &UnifiedContext{
				GlobalRules: hot.GlobalRules,
				ActiveTask:  hot.ActiveTask,
				Metadata:    ContextMetadata{Source: "cache", CacheHit: true, RetrievedAt: now},
			}, nil
		}
		s.countCache(ctx, false)
	}

	gc, err := s.st.GetGlobalContext(ctx, s.resolveProject(input.ProjectID))
	if err != nil {
		return nil, err
	}

	out := &UnifiedContext{
		Global:      gc,
		GlobalRules: gc.HardRules,
		Metadata:    ContextMetadata{Source: "database", RetrievedAt: now},
	}

	focusID := input.TaskID
	if focusID == "" {
		focusID = gc.ActiveTaskID
	}

	if focusID != "" {
		task, fromCache, err := s.lookupTask(ctx, focusID)
		if err != nil {
			// The active task pointer may be stale; only an explicit
			// taskId is a hard requirement.
			if input.TaskID == "" && errors.Is(err, store.ErrNotFound) {
				task = nil
			} else {
				return nil, err
			}
		}
		if task != nil {
			if input.TaskID != "" {
				out.Task = task
			} else {
				out.ActiveTask = task
			}
			if fromCache {
				out.Metadata.CacheHit = true
				out.Metadata.Source = "hybrid"
			}

			// Relationships come back unless explicitly declined.
			if input.IncludeRelationships == nil || *input.IncludeRelationships {
				rels, err := s.st.GetRelationships(ctx, task.TaskID)
				if err != nil {
					return nil, err
				}
				out.Relationships = rels
			}

			if input.IncludeVersionHistory {
				limit := input.MaxVersions
				if limit <= 0 {
					limit = defaultMaxVersions
				}
				history, err := s.st.VersionHistory(ctx, task.TaskID, limit)
				if err != nil {
					return nil, err
				}
				out.History = history
			}
		}
	}

	if wantConflicts {
		conflicts, err := s.st.GetUnresolvedConflicts(ctx, input.TaskID)
		if err != nil {
			return nil, err
		}
		out.Conflicts = conflicts
	}

	return out, nil
}

// lookupTask reads through the cache. A stale cached version is still
// served; updates and syncs re-push fresh state.
func (s *Service) lookupTask(ctx context.Context, taskID string) (*store.TaskContext, bool, error) {
	if s.cache != nil {
		if entry, ok := s.cache.GetTask(taskID); ok {
			s.countCache(ctx, true)
			return &entry.Task, true, nil
		}
		s.countCache(ctx, false)
	}
	task, err := s.st.GetTask(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	if s.cache != nil {
		s.cache.SetTask(*task)
	}
	return task, false, nil
}

func (s *Service) countCache(ctx context.Context, hit bool) {
	if s.metrics == nil {
		return
	}
	if hit {
		s.metrics.CacheHits.Add(ctx, 1)
	} else {
		s.metrics.CacheMisses.Add(ctx, 1)
	}
}

// GraphNode is one task in a graph response.
type GraphNode struct {
	TaskID   string           `json:"taskId"`
	Name     string           `json:"name"`
	Status   store.TaskStatus `json:"status"`
	Priority int              `json:"priority"`
	Version  int64            `json:"version"`
}

// GraphEdge is one typed relationship in a graph response.
type GraphEdge struct {
	SourceTaskID string                 `json:"sourceTaskId"`
	TargetTaskID string                 `json:"targetTaskId"`
	Type         store.RelationshipType `json:"type"`
	Strength     float64                `json:"strength"`
}

// GraphSummary counts tasks by status across the whole graph.
type GraphSummary struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"inProgress"`
	Blocked    int `json:"blocked"`
	Completed  int `json:"completed"`
}

// TaskGraphResult is the get_task_graph response. Source names where
// the ready/blocked analysis came from: the in-memory index, or a
// direct store scan when the index is offline.
type TaskGraphResult struct {
	Focus        *graph.FocusView `json:"focus,omitempty"`
	Nodes        []GraphNode      `json:"nodes"`
	Edges        []GraphEdge      `json:"edges"`
	ReadyTasks   []string         `json:"readyTasks"`
	BlockedTasks []string         `json:"blockedTasks"`
	Summary      GraphSummary     `json:"summary"`
	Source       string           `json:"source"`
}

func (s *Service) taskGraph(ctx context.Context, input taskGraphInput) (*TaskGraphResult, error) {
	tasks, err := s.st.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return nil, err
	}
	rels, err := s.st.ListRelationships(ctx)
	if err != nil {
		return nil, err
	}

	result := &TaskGraphResult{Source: "index"}
	byID := make(map[string]store.TaskContext, len(tasks))
	for _, task := range tasks {
		byID[task.TaskID] = task
		switch task.Status {
		case store.TaskStatusPending:
			result.Summary.Pending++
		case store.TaskStatusInProgress:
			result.Summary.InProgress++
		case store.TaskStatusBlocked:
			result.Summary.Blocked++
		case store.TaskStatusCompleted:
			result.Summary.Completed++
		}
		result.Summary.Total++

		if !input.IncludeCompleted &&
			(task.Status == store.TaskStatusCompleted || task.Status == store.TaskStatusArchived) {
			continue
		}
		result.Nodes = append(result.Nodes, GraphNode{
			TaskID:   task.TaskID,
			Name:     task.Name,
			Status:   task.Status,
			Priority: task.Priority,
			Version:  task.Version,
		})
	}
	for _, rel := range rels {
		result.Edges = append(result.Edges, GraphEdge{
			SourceTaskID: rel.SourceTaskID,
			TargetTaskID: rel.TargetTaskID,
			Type:         rel.Type,
			Strength:     rel.Strength,
		})
	}

	ready, blocked, focus, err := s.graphAnalysis(ctx, input, byID)
	if err != nil {
		return nil, err
	}
	result.ReadyTasks = ready
	result.BlockedTasks = blocked
	result.Focus = focus
	if s.graph == nil || !s.graph.Available() {
		result.Source = "store"
	}
	return result, nil
}

// graphAnalysis prefers the in-memory index and degrades to direct
// store queries when it is offline.
func (s *Service) graphAnalysis(ctx context.Context, input taskGraphInput, byID map[string]store.TaskContext) (ready, blocked []string, focus *graph.FocusView, err error) {
	if s.graph != nil && s.graph.Available() {
		ready, err = s.graph.ReadyTaskIDs()
		if err == nil {
			blocked, err = s.graph.BlockedTaskIDs()
		}
		if err == nil && input.TaskID != "" {
			focus, err = s.graph.TaskGraph(ctx, input.TaskID, input.Depth)
		}
		if err == nil {
			return ready, blocked, focus, nil
		}
		if !errors.Is(err, store.ErrBackendUnavailable) {
			return nil, nil, nil, err
		}
		s.logger.Warn("relationship index unavailable, falling back to store scan", "error", err)
	}
	return s.storeGraphAnalysis(ctx, input, byID)
}

func (s *Service) storeGraphAnalysis(ctx context.Context, input taskGraphInput, byID map[string]store.TaskContext) (ready, blocked []string, focus *graph.FocusView, err error) {
	for id, task := range byID {
		if task.Status == store.TaskStatusCompleted || task.Status == store.TaskStatusArchived {
			continue
		}
		blocking, err := s.st.BlockingTaskIDs(ctx, id)
		if err != nil {
			return nil, nil, nil, err
		}
		if len(blocking) == 0 {
			ready = append(ready, id)
		} else {
			blocked = append(blocked, id)
		}
	}

	if input.TaskID != "" {
		task, ok := byID[input.TaskID]
		if !ok {
			fetched, err := s.st.GetTask(ctx, input.TaskID)
			if err != nil {
				return nil, nil, nil, err
			}
			task = *fetched
		}
		focus = &graph.FocusView{Task: task}
		rels, err := s.st.GetRelationships(ctx, input.TaskID)
		if err != nil {
			return nil, nil, nil, err
		}
		for _, rel := range rels {
			if rel.SourceTaskID != input.TaskID {
				continue
			}
			neighbor, ok := byID[rel.TargetTaskID]
			if !ok {
				continue
			}
			switch rel.Type {
			case store.RelBlockedBy:
				focus.BlockedBy = append(focus.BlockedBy, neighbor)
			case store.RelBlocks:
				focus.Blocks = append(focus.Blocks, neighbor)
			case store.RelDependsOn:
				focus.DependsOn = append(focus.DependsOn, neighbor)
			case store.RelDependencyOf:
				focus.DependencyOf = append(focus.DependencyOf, neighbor)
			case store.RelRelatedTo:
				focus.RelatedTo = append(focus.RelatedTo, neighbor)
			}
		}
	}
	return ready, blocked, focus, nil
}
