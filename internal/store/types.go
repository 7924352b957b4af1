package store

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusArchived   TaskStatus = "archived"
)

// ValidTaskStatus reports whether s is one of the canonical task states.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusBlocked, TaskStatusArchived:
		return true
	}
	return false
}

// TaskContext is one unit of work. version is bumped by a database trigger
// on every content update; context_versions receives a snapshot row in the
// same statement cycle, so the audit chain cannot be bypassed by callers.
type TaskContext struct {
	TaskID             string         `json:"taskId"`
	Name               string         `json:"name"`
	Status             TaskStatus     `json:"status"`
	Priority           int            `json:"priority"`
	CurrentPhase       string         `json:"currentPhase"`
	Iteration          int            `json:"iteration"`
	Score              *float64       `json:"score,omitempty"`
	LockedElements     []string       `json:"lockedElements,omitempty"`
	ImmediateContext   map[string]any `json:"immediateContext,omitempty"`
	KeyFiles           []string       `json:"keyFiles,omitempty"`
	TechnicalDecisions []string       `json:"technicalDecisions,omitempty"`
	ResumePrompt       string         `json:"resumePrompt,omitempty"`
	Version            int64          `json:"version"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// ContextVersion is an immutable snapshot of a task at one version.
type ContextVersion struct {
	TaskID        string          `json:"taskId"`
	Version       int64           `json:"version"`
	Snapshot      json.RawMessage `json:"snapshot"`
	ChangeSummary string          `json:"changeSummary,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

type RelationshipType string

const (
	RelBlocks       RelationshipType = "blocks"
	RelBlockedBy    RelationshipType = "blocked_by"
	RelDependsOn    RelationshipType = "depends_on"
	RelDependencyOf RelationshipType = "dependency_of"
	RelRelatedTo    RelationshipType = "related_to"
	RelParentOf     RelationshipType = "parent_of"
	RelChildOf      RelationshipType = "child_of"
)

// ValidRelationshipType reports whether t is a known edge type.
func ValidRelationshipType(t RelationshipType) bool {
	switch t {
	case RelBlocks, RelBlockedBy, RelDependsOn, RelDependencyOf, RelRelatedTo, RelParentOf, RelChildOf:
		return true
	}
	return false
}

// TaskRelationship is a directed typed edge between two tasks. Inverse
// pairs (blocks/blocked_by etc.) are the writer's responsibility; the
// store only enforces (source, target, type) uniqueness.
type TaskRelationship struct {
	ID           int64            `json:"id"`
	SourceTaskID string           `json:"sourceTaskId"`
	TargetTaskID string           `json:"targetTaskId"`
	Type         RelationshipType `json:"type"`
	Strength     float64          `json:"strength"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionEnded     SessionStatus = "ended"
	SessionCrashed   SessionStatus = "crashed"
	SessionCompacted SessionStatus = "compacted"
	SessionRecovered SessionStatus = "recovered"
)

type RecoveryType string

const (
	RecoveryCrash      RecoveryType = "crash"
	RecoveryCompaction RecoveryType = "compaction"
	RecoveryTimeout    RecoveryType = "timeout"
	RecoveryManual     RecoveryType = "manual"
)

// ActiveSession is one live working session, heartbeat-refreshed until it
// ends or is flagged for recovery.
type ActiveSession struct {
	SessionID           string          `json:"sessionId"`
	TaskID              string          `json:"taskId,omitempty"`
	Status              SessionStatus   `json:"status"`
	StartedAt           time.Time       `json:"startedAt"`
	LastHeartbeat       time.Time       `json:"lastHeartbeat"`
	RecoveryNeeded      bool            `json:"recoveryNeeded"`
	RecoveryType        RecoveryType    `json:"recoveryType,omitempty"`
	ConversationSummary string          `json:"conversationSummary,omitempty"`
	UnsavedChanges      []string        `json:"unsavedChanges,omitempty"`
	Environment         json.RawMessage `json:"environment,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// SessionEvent is one recorded tool invocation for a session, used to
// reconstruct recent activity in resume descriptors.
type SessionEvent struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Method    string    `json:"method"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type ConflictType string

const (
	ConflictStateMismatch     ConflictType = "state_mismatch"
	ConflictFile              ConflictType = "file_conflict"
	ConflictSpecContradiction ConflictType = "spec_contradiction"
	ConflictVersionDivergence ConflictType = "version_divergence"
	ConflictLockCollision     ConflictType = "lock_collision"
	ConflictDataInconsistency ConflictType = "data_inconsistency"
)

type ConflictSeverity string

const (
	SeverityLow      ConflictSeverity = "low"
	SeverityMedium   ConflictSeverity = "medium"
	SeverityHigh     ConflictSeverity = "high"
	SeverityCritical ConflictSeverity = "critical"
)

type ResolutionStatus string

const (
	ResolutionUnresolved    ResolutionStatus = "unresolved"
	ResolutionInvestigating ResolutionStatus = "investigating"
	ResolutionResolved      ResolutionStatus = "resolved"
	ResolutionIgnored       ResolutionStatus = "ignored"
	ResolutionEscalated     ResolutionStatus = "escalated"
)

// ContextConflict records one detected disagreement between writers.
// Rows are kept forever for audit; resolution mutates the status exactly
// once into a terminal state.
type ContextConflict struct {
	ConflictID       string           `json:"conflictId"`
	TaskAID          string           `json:"taskAId"`
	TaskBID          string           `json:"taskBId,omitempty"`
	Type             ConflictType     `json:"conflictType"`
	Severity         ConflictSeverity `json:"severity"`
	Strength         float64          `json:"strength"`
	Evidence         json.RawMessage  `json:"evidence,omitempty"`
	ResolutionStatus ResolutionStatus `json:"resolutionStatus"`
	Resolution       json.RawMessage  `json:"resolution,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

type CheckpointType string

const (
	CheckpointManual        CheckpointType = "manual"
	CheckpointMilestone     CheckpointType = "milestone"
	CheckpointPreMigration  CheckpointType = "pre_migration"
	CheckpointRecoveryPoint CheckpointType = "recovery_point"
	CheckpointAuto          CheckpointType = "auto"
)

type CheckpointScope string

const (
	ScopeTask      CheckpointScope = "task"
	ScopeGlobal    CheckpointScope = "global"
	ScopeMultiTask CheckpointScope = "multi_task"
)

// Checkpoint is a named immutable snapshot. Restoring never mutates the
// checkpoint row; it re-creates task rows and appends fresh versions.
type Checkpoint struct {
	CheckpointID  string          `json:"checkpointId"`
	Label         string          `json:"label"`
	Type          CheckpointType  `json:"checkpointType"`
	Scope         CheckpointScope `json:"scope"`
	IncludedTasks []string        `json:"includedTasks,omitempty"`
	Snapshot      json.RawMessage `json:"snapshot"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// CheckpointSnapshot is the payload stored inside a Checkpoint row.
type CheckpointSnapshot struct {
	Global *GlobalContext `json:"global,omitempty"`
	Tasks  []TaskContext  `json:"tasks,omitempty"`
}

// GlobalContext is the per-project singleton: hard rules, stack, paths,
// and the currently active task.
type GlobalContext struct {
	ProjectID        string          `json:"projectId"`
	HardRules        []string        `json:"hardRules,omitempty"`
	TechStack        []string        `json:"techStack,omitempty"`
	KeyPaths         map[string]string `json:"keyPaths,omitempty"`
	ServiceEndpoints map[string]string `json:"serviceEndpoints,omitempty"`
	ActiveTaskID     string          `json:"activeTaskId,omitempty"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}
