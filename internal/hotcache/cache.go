// Package hotcache is the low-latency mirror of the currently relevant
// context subset. It is an advisory accelerator over the record store:
// entries may be stale or missing and the whole cache can be rebuilt by
// a resync at any time.
package hotcache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/basket/ctxstore/internal/store"
)

const (
	defaultNumCounters = 1e5
	defaultMaxCost     = 1e7 // 10MB
	defaultBufferItems = 64
	defaultTTL         = 10 * time.Minute

	hotKey     = "hot_context"
	taskPrefix = "task:"
)

// HotEntry is the single "hot context" cache entry: the active task plus
// the global rules low-latency consumers need on every turn.
type HotEntry struct {
	ActiveTaskID string             `json:"activeTaskId,omitempty"`
	ActiveTask   *store.TaskContext `json:"activeTask,omitempty"`
	GlobalRules  []string           `json:"globalRules,omitempty"`
	SyncedAt     time.Time          `json:"syncedAt"`
}

// TaskEntry is one cached task context.
type TaskEntry struct {
	Task     store.TaskContext `json:"task"`
	SyncedAt time.Time         `json:"syncedAt"`
}

// Config sizes the cache. Zero fields take defaults.
type Config struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	TTL         time.Duration
}

// Cache wraps ristretto with hit/miss accounting and a closed guard.
type Cache struct {
	cache *ristretto.Cache
	ttl   time.Duration

	hits   atomic.Int64
	misses atomic.Int64

	mu     sync.RWMutex
	closed bool
}

func New(cfg Config) (*Cache, error) {
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = defaultNumCounters
	}
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = defaultMaxCost
	}
	if cfg.BufferItems <= 0 {
		cfg.BufferItems = defaultBufferItems
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}

	inner, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{cache: inner, ttl: cfg.TTL}, nil
}

// SetHot stores the hot context entry.
func (c *Cache) SetHot(entry HotEntry) bool {
	if c.isClosed() {
		return false
	}
	return c.cache.SetWithTTL(hotKey, &entry, hotEntryCost(entry), c.ttl)
}

// GetHot returns the hot context entry if present.
func (c *Cache) GetHot() (*HotEntry, bool) {
	if c.isClosed() {
		return nil, false
	}
	value, found := c.cache.Get(hotKey)
	if !found {
		c.misses.Add(1)
		return nil, false
	}
	entry, ok := value.(*HotEntry)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return entry, true
}

// SetTask stores one task context entry.
func (c *Cache) SetTask(task store.TaskContext) bool {
	if c.isClosed() {
		return false
	}
	entry := &TaskEntry{Task: task, SyncedAt: time.Now().UTC()}
	return c.cache.SetWithTTL(taskPrefix+task.TaskID, entry, taskEntryCost(task), c.ttl)
}

// GetTask returns one cached task context if present.
func (c *Cache) GetTask(taskID string) (*TaskEntry, bool) {
	if c.isClosed() {
		return nil, false
	}
	value, found := c.cache.Get(taskPrefix + taskID)
	if !found {
		c.misses.Add(1)
		return nil, false
	}
	entry, ok := value.(*TaskEntry)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return entry, true
}

// DeleteTask drops one task entry.
func (c *Cache) DeleteTask(taskID string) {
	if c.isClosed() {
		return
	}
	c.cache.Del(taskPrefix + taskID)
}

// Clear drops every entry. A following resync rebuilds the cache.
func (c *Cache) Clear() {
	if c.isClosed() {
		return
	}
	c.cache.Clear()
}

// Wait blocks until pending async sets are applied. Tests and the sync
// fan-out use it before reading back.
func (c *Cache) Wait() {
	if c.isClosed() {
		return
	}
	c.cache.Wait()
}

// Stats returns hit/miss counts since start.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cache.Close()
}

func (c *Cache) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func hotEntryCost(entry HotEntry) int64 {
	cost := int64(128)
	if entry.ActiveTask != nil {
		cost += taskEntryCost(*entry.ActiveTask)
	}
	for _, rule := range entry.GlobalRules {
		cost += int64(len(rule))
	}
	return cost
}

func taskEntryCost(task store.TaskContext) int64 {
	cost := int64(256)
	cost += int64(len(task.Name) + len(task.CurrentPhase) + len(task.ResumePrompt))
	for _, f := range task.KeyFiles {
		cost += int64(len(f))
	}
	for _, d := range task.TechnicalDecisions {
		cost += int64(len(d))
	}
	for _, e := range task.LockedElements {
		cost += int64(len(e))
	}
	cost += int64(len(task.ImmediateContext)) * 64
	return cost
}
