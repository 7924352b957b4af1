// Package mirror maintains the on-disk JSON mirror of the hot context
// subset, for collaborators that read context over process-local file
// I/O instead of store connections (stdio-transport tools). Like the
// cache it is derived data: any artifact can be rebuilt by a resync.
package mirror

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/ctxstore/internal/hotcache"
	"github.com/basket/ctxstore/internal/store"
)

const (
	registryFile = "registry.json"
	hotFile      = "hot_context.json"
	tasksDir     = "tasks"

	// Only the first few key files of the active task go into the hot
	// context artifact, to bound its payload for low-latency consumers.
	hotKeyFileLimit = 5
)

// RegistryEntry indexes one synced task in the registry artifact.
type RegistryEntry struct {
	TaskID        string    `json:"taskId"`
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	Version       int64     `json:"version"`
	File          string    `json:"file"`
	TokenEstimate int       `json:"tokenEstimate"`
	SyncedAt      time.Time `json:"syncedAt"`
}

// Registry is the index artifact over all synced task files.
type Registry struct {
	SyncedAt time.Time       `json:"syncedAt"`
	Tasks    []RegistryEntry `json:"tasks"`
}

type Mirror struct {
	dir string
}

func New(dir string) (*Mirror, error) {
	if dir == "" {
		return nil, fmt.Errorf("mirror dir is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, tasksDir), 0o755); err != nil {
		return nil, fmt.Errorf("create mirror dir: %w", err)
	}
	return &Mirror{dir: dir}, nil
}

func (m *Mirror) Dir() string {
	return m.dir
}

// WriteTask mirrors one task context to tasks/<id>.json and returns the
// registry entry describing the artifact.
func (m *Mirror) WriteTask(task store.TaskContext) (RegistryEntry, error) {
	payload, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return RegistryEntry{}, fmt.Errorf("marshal task %s: %w", task.TaskID, err)
	}
	rel := filepath.Join(tasksDir, task.TaskID+".json")
	if err := m.writeAtomic(rel, payload); err != nil {
		return RegistryEntry{}, fmt.Errorf("write task file %s: %w", task.TaskID, err)
	}
	return RegistryEntry{
		TaskID:        task.TaskID,
		Name:          task.Name,
		Status:        string(task.Status),
		Version:       task.Version,
		File:          rel,
		TokenEstimate: estimateTokens(payload),
		SyncedAt:      time.Now().UTC(),
	}, nil
}

// WriteHot mirrors the hot context entry, truncating the active task's
// key files to the first hotKeyFileLimit entries.
func (m *Mirror) WriteHot(entry hotcache.HotEntry) error {
	if entry.ActiveTask != nil && len(entry.ActiveTask.KeyFiles) > hotKeyFileLimit {
		truncated := *entry.ActiveTask
		truncated.KeyFiles = truncated.KeyFiles[:hotKeyFileLimit]
		entry.ActiveTask = &truncated
	}
	payload, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal hot context: %w", err)
	}
	if err := m.writeAtomic(hotFile, payload); err != nil {
		return fmt.Errorf("write hot context: %w", err)
	}
	return nil
}

// WriteRegistry replaces the registry artifact.
func (m *Mirror) WriteRegistry(entries []RegistryEntry) error {
	reg := Registry{SyncedAt: time.Now().UTC(), Tasks: entries}
	payload, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := m.writeAtomic(registryFile, payload); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}

// ReadRegistry loads the registry artifact, if present.
func (m *Mirror) ReadRegistry() (*Registry, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, registryFile))
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	return &reg, nil
}

// ReadTask loads one mirrored task file.
func (m *Mirror) ReadTask(taskID string) (*store.TaskContext, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, tasksDir, taskID+".json"))
	if err != nil {
		return nil, fmt.Errorf("read task file %s: %w", taskID, err)
	}
	var task store.TaskContext
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode task file %s: %w", taskID, err)
	}
	return &task, nil
}

// ReadHot loads the hot context artifact.
func (m *Mirror) ReadHot() (*hotcache.HotEntry, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, hotFile))
	if err != nil {
		return nil, fmt.Errorf("read hot context: %w", err)
	}
	var entry hotcache.HotEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode hot context: %w", err)
	}
	return &entry, nil
}

// writeAtomic writes to a temp file and renames into place, so readers
// never see a half-written artifact and an abandoned sync leaves the
// previous artifact intact.
func (m *Mirror) writeAtomic(rel string, payload []byte) error {
	path := filepath.Join(m.dir, rel)
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// estimateTokens approximates the LLM token footprint of a payload.
// Four bytes per token is close enough for a registry hint.
func estimateTokens(payload []byte) int {
	return (len(payload) + 3) / 4
}
