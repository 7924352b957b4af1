// Package syncer implements the hot-context resync: it pulls the
// currently relevant subset from the record store and fans it out to the
// cache and the file mirror. Artifact writes are independent and
// idempotent; one task's failure never blocks the rest, and re-running
// the sync repairs any incomplete prior run.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/ctxstore/internal/hotcache"
	"github.com/basket/ctxstore/internal/mirror"
	"github.com/basket/ctxstore/internal/store"
)

// Options selects which artifacts to refresh and for which tasks.
// Zero TaskIDs means every non-completed, non-archived task.
type Options struct {
	SyncCache      bool
	SyncFiles      bool
	UpdateRegistry bool
	TaskIDs        []string
	ProjectID      string
}

// Result reports per-artifact outcomes. Success is true only when no
// artifact failed; individual failures are strings in Errors rather
// than an error return, because the cache and mirror are advisory.
type Result struct {
	CacheSynced     int       `json:"cacheSynced"`
	FilesSynced     int       `json:"filesSynced"`
	HotCacheWritten bool      `json:"hotCacheWritten"`
	HotFileWritten  bool      `json:"hotFileWritten"`
	RegistryUpdated bool      `json:"registryUpdated"`
	TaskCount       int       `json:"taskCount"`
	Errors          []string  `json:"errors"`
	Success         bool      `json:"success"`
	SyncedAt        time.Time `json:"syncedAt"`
}

type Syncer struct {
	st     *store.Store
	cache  *hotcache.Cache
	mirror *mirror.Mirror
	logger *slog.Logger
}

func New(st *store.Store, cache *hotcache.Cache, fileMirror *mirror.Mirror, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{st: st, cache: cache, mirror: fileMirror, logger: logger}
}

// Sync refreshes the selected artifacts. Record-store failures surface
// as the error return (the store is the source of truth); cache and
// file failures are collected per artifact and per task in the result.
func (s *Syncer) Sync(ctx context.Context, opts Options) (*Result, error) {
	result := &Result{SyncedAt: time.Now().UTC()}

	gc, err := s.st.GetGlobalContext(ctx, opts.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load global context: %w", err)
	}

	tasks, loadErrors := s.loadTasks(ctx, opts.TaskIDs)
	result.Errors = append(result.Errors, loadErrors...)
	result.TaskCount = len(tasks)

	hot := s.buildHotEntry(ctx, gc, tasks)

	var mu sync.Mutex
	var wg sync.WaitGroup
	registry := make([]mirror.RegistryEntry, 0, len(tasks))

	for _, task := range tasks {
		task := task
		wg.Add(1)
		go func() {
			defer wg.Done()
			if opts.SyncCache && s.cache != nil {
				admitted := s.cache.SetTask(task)
				mu.Lock()
				if admitted {
					result.CacheSynced++
				} else {
					result.Errors = append(result.Errors, fmt.Sprintf("cache rejected task %s", task.TaskID))
				}
				mu.Unlock()
			}
			if opts.SyncFiles && s.mirror != nil {
				entry, err := s.mirror.WriteTask(task)
				mu.Lock()
				if err != nil {
					result.Errors = append(result.Errors, err.Error())
				} else {
					result.FilesSynced++
					registry = append(registry, entry)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if opts.SyncCache && s.cache != nil {
		result.HotCacheWritten = s.cache.SetHot(hot)
		s.cache.Wait()
	}
	if opts.SyncFiles && s.mirror != nil {
		if err := s.mirror.WriteHot(hot); err != nil {
			result.Errors = append(result.Errors, err.Error())
		} else {
			result.HotFileWritten = true
		}
	}
	if opts.UpdateRegistry && opts.SyncFiles && s.mirror != nil {
		sort.Slice(registry, func(i, j int) bool { return registry[i].TaskID < registry[j].TaskID })
		if err := s.mirror.WriteRegistry(registry); err != nil {
			result.Errors = append(result.Errors, err.Error())
		} else {
			result.RegistryUpdated = true
		}
	}

	result.Success = len(result.Errors) == 0
	if !result.Success {
		s.logger.Warn("hot context sync completed with errors",
			"errors", len(result.Errors), "tasks", result.TaskCount)
	}
	return result, nil
}

// loadTasks resolves the sync set. Explicit ids that fail to load become
// per-task error strings; a missing id must not abort the others.
func (s *Syncer) loadTasks(ctx context.Context, taskIDs []string) ([]store.TaskContext, []string) {
	if len(taskIDs) == 0 {
		tasks, err := s.st.ListTasks(ctx, store.TaskFilter{
			ExcludeStatuses: []store.TaskStatus{store.TaskStatusCompleted, store.TaskStatusArchived},
		})
		if err != nil {
			return nil, []string{fmt.Sprintf("list tasks: %v", err)}
		}
		return tasks, nil
	}

	var out []store.TaskContext
	var errs []string
	for _, id := range taskIDs {
		task, err := s.st.GetTask(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Sprintf("load task %s: %v", id, err))
			continue
		}
		out = append(out, *task)
	}
	return out, errs
}

func (s *Syncer) buildHotEntry(ctx context.Context, gc *store.GlobalContext, tasks []store.TaskContext) hotcache.HotEntry {
	entry := hotcache.HotEntry{
		ActiveTaskID: gc.ActiveTaskID,
		GlobalRules:  gc.HardRules,
		SyncedAt:     time.Now().UTC(),
	}
	if gc.ActiveTaskID == "" {
		return entry
	}
	for i := range tasks {
		if tasks[i].TaskID == gc.ActiveTaskID {
			entry.ActiveTask = &tasks[i]
			return entry
		}
	}
	// Active task outside the sync set (e.g. completed); still include it.
	if task, err := s.st.GetTask(ctx, gc.ActiveTaskID); err == nil {
		entry.ActiveTask = task
	}
	return entry
}
