// Package orchestrator exposes the context store as a set of tools
// behind one Handle entry point. It validates params against JSON
// schemas, dispatches to the store and managers, and records request
// telemetry and per-session activity events.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/ctxstore/internal/checkpoint"
	"github.com/basket/ctxstore/internal/conflict"
	"github.com/basket/ctxstore/internal/graph"
	"github.com/basket/ctxstore/internal/hotcache"
	"github.com/basket/ctxstore/internal/mirror"
	otelpkg "github.com/basket/ctxstore/internal/otel"
	"github.com/basket/ctxstore/internal/recovery"
	"github.com/basket/ctxstore/internal/store"
	"github.com/basket/ctxstore/internal/syncer"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Deps carries the wired components for a Service.
type Deps struct {
	Store       *store.Store
	Cache       *hotcache.Cache
	Mirror      *mirror.Mirror
	Graph       *graph.Index
	Syncer      *syncer.Syncer
	Conflicts   *conflict.Manager
	Recovery    *recovery.Manager
	Checkpoints *checkpoint.Manager

	ProjectID string
	Metrics   *otelpkg.Metrics
	Tracer    trace.Tracer
	Logger    *slog.Logger
}

type Service struct {
	st          *store.Store
	cache       *hotcache.Cache
	mirror      *mirror.Mirror
	graph       *graph.Index
	syncer      *syncer.Syncer
	conflicts   *conflict.Manager
	recovery    *recovery.Manager
	checkpoints *checkpoint.Manager

	projectID string
	metrics   *otelpkg.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	schemas   map[string]*jsonschema.Schema
}

func NewService(deps Deps) (*Service, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	projectID := deps.ProjectID
	if projectID == "" {
		projectID = "default"
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Service{
		st:          deps.Store,
		cache:       deps.Cache,
		mirror:      deps.Mirror,
		graph:       deps.Graph,
		syncer:      deps.Syncer,
		conflicts:   deps.Conflicts,
		recovery:    deps.Recovery,
		checkpoints: deps.Checkpoints,
		projectID:   projectID,
		metrics:     deps.Metrics,
		tracer:      deps.Tracer,
		logger:      logger,
		schemas:     schemas,
	}, nil
}

func (s *Service) Close() error {
	if s.cache != nil {
		s.cache.Close()
	}
	return s.st.Close()
}

// Handle validates and dispatches one tool request.
func (s *Service) Handle(ctx context.Context, method string, rawParams json.RawMessage) (any, error) {
	start := time.Now()
	if s.tracer != nil {
		var span trace.Span
		ctx, span = otelpkg.StartServerSpan(ctx, s.tracer, "ctxstore."+method,
			otelpkg.AttrMethod.String(method))
		defer span.End()
	}

	if err := s.validateParams(method, rawParams); err != nil {
		return nil, err
	}

	result, err := s.dispatch(ctx, method, rawParams)

	if s.metrics != nil {
		s.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("method", method),
				attribute.Bool("error", err != nil),
			))
	}
	if err != nil {
		s.logger.Warn("tool request failed", "method", method, "error", err)
		return nil, err
	}

	s.recordSessionEvent(ctx, method, rawParams)
	return result, nil
}

func (s *Service) dispatch(ctx context.Context, method string, rawParams json.RawMessage) (any, error) {
	switch method {
	case "get_unified_context":
		var input unifiedContextInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return s.unifiedContext(ctx, input)
	case "sync_hot_context":
		var input syncInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return s.syncHotContext(ctx, input)
	case "check_recovery":
		var input checkRecoveryInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return s.checkRecovery(ctx, input)
	case "resolve_conflict":
		var input resolveConflictInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		outcome, err := s.conflicts.Resolve(ctx, input.ConflictID, conflict.Resolution{
			Action:     conflict.Action(input.Action),
			ResolvedBy: input.ResolvedBy,
			Details:    input.Details,
		})
		if err != nil {
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.ConflictsResolved.Add(ctx, 1)
		}
		return outcome, nil
	case "get_task_graph":
		var input taskGraphInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return s.taskGraph(ctx, input)
	case "create_checkpoint":
		var input createCheckpointInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		cp, err := s.checkpoints.Create(ctx, checkpoint.CreateRequest{
			Label:     input.Label,
			Type:      store.CheckpointType(input.Type),
			Scope:     store.CheckpointScope(input.Scope),
			ProjectID: s.resolveProject(input.ProjectID),
			TaskIDs:   input.TaskIDs,
		})
		if err != nil {
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.CheckpointsCreated.Add(ctx, 1)
		}
		return cp, nil
	case "rollback_to":
		var input rollbackInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return s.checkpoints.Rollback(ctx, input.CheckpointID)
	case "create_task":
		var input createTaskInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return s.st.CreateTask(ctx, store.NewTask{
			TaskID:             input.TaskID,
			Name:               input.Name,
			Status:             store.TaskStatus(input.Status),
			Priority:           input.Priority,
			CurrentPhase:       input.CurrentPhase,
			ImmediateContext:   input.ImmediateContext,
			KeyFiles:           input.KeyFiles,
			TechnicalDecisions: input.TechnicalDecisions,
			ResumePrompt:       input.ResumePrompt,
		})
	case "update_task":
		var input updateTaskInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return s.updateTask(ctx, input)
	case "list_tasks":
		var input listTasksInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return s.st.ListTasks(ctx, store.TaskFilter{
			Statuses:        toStatuses(input.Statuses),
			ExcludeStatuses: toStatuses(input.ExcludeStatuses),
			Limit:           input.Limit,
		})
	case "create_relationship":
		var input createRelationshipInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		strength := 0.5
		if input.Strength != nil {
			strength = *input.Strength
		}
		return s.st.CreateRelationship(ctx, input.SourceTaskID, input.TargetTaskID,
			store.RelationshipType(input.Type), strength)
	case "update_global_context":
		var input updateGlobalInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return s.st.UpdateGlobalContext(ctx, s.resolveProject(input.ProjectID), store.GlobalPatch{
			HardRules:        input.HardRules,
			TechStack:        input.TechStack,
			KeyPaths:         input.KeyPaths,
			ServiceEndpoints: input.ServiceEndpoints,
			ActiveTaskID:     input.ActiveTaskID,
		})
	case "report_conflict":
		var input reportConflictInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return s.reportConflict(ctx, input)
	case "open_session":
		var input openSessionInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		var env map[string]any
		if len(input.Environment) > 0 {
			if err := json.Unmarshal(input.Environment, &env); err != nil {
				return nil, &ParamError{msg: fmt.Sprintf("invalid environment: %s", err)}
			}
		}
		sess, err := s.st.OpenSession(ctx, input.SessionID, input.TaskID, env)
		if err != nil {
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.ActiveSessions.Add(ctx, 1)
		}
		return sess, nil
	case "heartbeat":
		var input heartbeatInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		if err := s.st.Heartbeat(ctx, input.SessionID, input.ConversationSummary, input.UnsavedChanges); err != nil {
			return nil, err
		}
		return map[string]any{"sessionId": input.SessionID, "status": "active"}, nil
	case "end_session":
		var input endSessionInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		if err := s.st.EndSession(ctx, input.SessionID); err != nil {
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.ActiveSessions.Add(ctx, -1)
		}
		return map[string]any{"sessionId": input.SessionID, "status": "completed"}, nil
	case "get_version_history":
		var input versionHistoryInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		if input.Version > 0 {
			return s.st.GetVersion(ctx, input.TaskID, input.Version)
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 20
		}
		versions, err := s.st.VersionHistory(ctx, input.TaskID, limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"taskId": input.TaskID, "versions": versions}, nil
	default:
		return nil, &ParamError{msg: fmt.Sprintf("unsupported method: %s", method)}
	}
}

func (s *Service) updateTask(ctx context.Context, input updateTaskInput) (*store.TaskContext, error) {
	patch := store.TaskPatch{
		Name:               input.Name,
		Priority:           input.Priority,
		CurrentPhase:       input.CurrentPhase,
		Iteration:          input.Iteration,
		Score:              input.Score,
		LockedElements:     input.LockedElements,
		ImmediateContext:   input.ImmediateContext,
		KeyFiles:           input.KeyFiles,
		TechnicalDecisions: input.TechnicalDecisions,
		ResumePrompt:       input.ResumePrompt,
	}
	if input.Status != nil {
		status := store.TaskStatus(*input.Status)
		patch.Status = &status
	}

	task, err := s.st.UpdateTask(ctx, input.TaskID, input.Version, patch)
	if err != nil {
		if s.metrics != nil && ErrorCode(err) == CodeVersionConflict {
			s.metrics.VersionConflicts.Add(ctx, 1)
		}
		return nil, err
	}

	// Keep the cache coherent with the committed row; advisory.
	if s.cache != nil {
		s.cache.SetTask(*task)
	}
	return task, nil
}

func (s *Service) reportConflict(ctx context.Context, input reportConflictInput) (*store.ContextConflict, error) {
	severity := store.ConflictSeverity(input.Severity)
	if severity == "" {
		severity = store.SeverityMedium
	}
	strength := 0.5
	if input.Strength != nil {
		strength = *input.Strength
	}
	var evidence map[string]any
	if len(input.Evidence) > 0 {
		if err := json.Unmarshal(input.Evidence, &evidence); err != nil {
			return nil, &ParamError{msg: fmt.Sprintf("invalid evidence: %s", err)}
		}
	}
	return s.st.ReportConflict(ctx, store.NewConflict{
		TaskAID:  input.TaskAID,
		TaskBID:  input.TaskBID,
		Type:     store.ConflictType(input.Type),
		Severity: severity,
		Strength: strength,
		Evidence: evidence,
	})
}

func (s *Service) checkRecovery(ctx context.Context, input checkRecoveryInput) (*recovery.Report, error) {
	if input.MarkRecovered != "" {
		if err := s.recovery.MarkRecovered(ctx, input.MarkRecovered); err != nil {
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.SessionsRecovered.Add(ctx, 1)
		}
	}
	return s.recovery.Check(ctx, input.IncludeHistory)
}

func (s *Service) syncHotContext(ctx context.Context, input syncInput) (*syncer.Result, error) {
	opts := syncer.Options{
		SyncCache:      true,
		SyncFiles:      true,
		UpdateRegistry: true,
		TaskIDs:        input.TaskIDs,
		ProjectID:      s.resolveProject(input.ProjectID),
	}
	// syncRedis is the historical wire name for the cache artifact;
	// both spellings are honored, explicit false wins.
	if input.SyncCache != nil {
		opts.SyncCache = *input.SyncCache
	} else if input.SyncRedis != nil {
		opts.SyncCache = *input.SyncRedis
	}
	if input.SyncFiles != nil {
		opts.SyncFiles = *input.SyncFiles
	}
	if input.UpdateRegistry != nil {
		opts.UpdateRegistry = *input.UpdateRegistry
	}

	result, err := s.syncer.Sync(ctx, opts)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil && len(result.Errors) > 0 {
		s.metrics.SyncErrors.Add(ctx, int64(len(result.Errors)))
	}
	return result, nil
}

// recordSessionEvent appends an activity event when the request names a
// session. Best effort: a failed append never fails the request.
func (s *Service) recordSessionEvent(ctx context.Context, method string, rawParams json.RawMessage) {
	switch method {
	case "open_session", "heartbeat", "end_session":
		return
	}
	var probe struct {
		SessionID string `json:"sessionId"`
		TaskID    string `json:"taskId"`
	}
	if err := json.Unmarshal(rawParams, &probe); err != nil || probe.SessionID == "" {
		return
	}
	summary := ""
	if probe.TaskID != "" {
		summary = "task " + probe.TaskID
	}
	if err := s.st.AppendSessionEvent(ctx, probe.SessionID, method, summary); err != nil {
		s.logger.Debug("session event append failed", "session_id", probe.SessionID, "error", err)
	}
}

func (s *Service) resolveProject(projectID string) string {
	if projectID != "" {
		return projectID
	}
	return s.projectID
}

func toStatuses(values []string) []store.TaskStatus {
	if len(values) == 0 {
		return nil
	}
	statuses := make([]store.TaskStatus, 0, len(values))
	for _, v := range values {
		statuses = append(statuses, store.TaskStatus(v))
	}
	return statuses
}

func decodeParams(rawParams json.RawMessage, destination any) error {
	if len(rawParams) == 0 {
		rawParams = []byte("{}")
	}
	if err := json.Unmarshal(rawParams, destination); err != nil {
		return &ParamError{msg: fmt.Sprintf("invalid params: %s", err)}
	}
	return nil
}

type unifiedContextInput struct {
	TaskID                string `json:"taskId"`
	ProjectID             string `json:"projectId"`
	IncludeRelationships  *bool  `json:"includeRelationships"`
	IncludeVersionHistory bool   `json:"includeVersionHistory"`
	MaxVersions           int    `json:"maxVersions"`
	IncludeConflicts      *bool  `json:"includeConflicts"`
	SessionID             string `json:"sessionId"`
}

type syncInput struct {
	SyncCache      *bool    `json:"syncCache"`
	SyncRedis      *bool    `json:"syncRedis"`
	SyncFiles      *bool    `json:"syncFiles"`
	UpdateRegistry *bool    `json:"updateRegistry"`
	TaskIDs        []string `json:"taskIds"`
	ProjectID      string   `json:"projectId"`
	SessionID      string   `json:"sessionId"`
}

type checkRecoveryInput struct {
	MarkRecovered  string `json:"markRecovered"`
	IncludeHistory bool   `json:"includeHistory"`
	SessionID      string `json:"sessionId"`
}

type resolveConflictInput struct {
	ConflictID string         `json:"conflictId"`
	Action     string         `json:"action"`
	ResolvedBy string         `json:"resolvedBy"`
	Details    map[string]any `json:"details"`
	SessionID  string         `json:"sessionId"`
}

type taskGraphInput struct {
	TaskID           string `json:"taskId"`
	Depth            int    `json:"depth"`
	IncludeCompleted bool   `json:"includeCompleted"`
	SessionID        string `json:"sessionId"`
}

type createCheckpointInput struct {
	Label     string   `json:"label"`
	Type      string   `json:"type"`
	Scope     string   `json:"scope"`
	ProjectID string   `json:"projectId"`
	TaskIDs   []string `json:"taskIds"`
	SessionID string   `json:"sessionId"`
}

type rollbackInput struct {
	CheckpointID string `json:"checkpointId"`
	SessionID    string `json:"sessionId"`
}

type createTaskInput struct {
	TaskID             string         `json:"taskId"`
	Name               string         `json:"name"`
	Status             string         `json:"status"`
	Priority           int            `json:"priority"`
	CurrentPhase       string         `json:"currentPhase"`
	ImmediateContext   map[string]any `json:"immediateContext"`
	KeyFiles           []string       `json:"keyFiles"`
	TechnicalDecisions []string       `json:"technicalDecisions"`
	ResumePrompt       string         `json:"resumePrompt"`
	SessionID          string         `json:"sessionId"`
}

type updateTaskInput struct {
	TaskID             string         `json:"taskId"`
	Version            int64          `json:"version"`
	Name               *string        `json:"name"`
	Status             *string        `json:"status"`
	Priority           *int           `json:"priority"`
	CurrentPhase       *string        `json:"currentPhase"`
	Iteration          *int           `json:"iteration"`
	Score              *float64       `json:"score"`
	LockedElements     []string       `json:"lockedElements"`
	ImmediateContext   map[string]any `json:"immediateContext"`
	KeyFiles           []string       `json:"keyFiles"`
	TechnicalDecisions []string       `json:"technicalDecisions"`
	ResumePrompt       *string        `json:"resumePrompt"`
	SessionID          string         `json:"sessionId"`
}

type listTasksInput struct {
	Statuses        []string `json:"statuses"`
	ExcludeStatuses []string `json:"excludeStatuses"`
	Limit           int      `json:"limit"`
	SessionID       string   `json:"sessionId"`
}

type createRelationshipInput struct {
	SourceTaskID string   `json:"sourceTaskId"`
	TargetTaskID string   `json:"targetTaskId"`
	Type         string   `json:"type"`
	Strength     *float64 `json:"strength"`
	SessionID    string   `json:"sessionId"`
}

type updateGlobalInput struct {
	ProjectID        string            `json:"projectId"`
	HardRules        []string          `json:"hardRules"`
	TechStack        []string          `json:"techStack"`
	KeyPaths         map[string]string `json:"keyPaths"`
	ServiceEndpoints map[string]string `json:"serviceEndpoints"`
	ActiveTaskID     *string           `json:"activeTaskId"`
	SessionID        string            `json:"sessionId"`
}

type reportConflictInput struct {
	TaskAID   string          `json:"taskAId"`
	TaskBID   string          `json:"taskBId"`
	Type      string          `json:"type"`
	Severity  string          `json:"severity"`
	Strength  *float64        `json:"strength"`
	Evidence  json.RawMessage `json:"evidence"`
	SessionID string          `json:"sessionId"`
}

type openSessionInput struct {
	SessionID   string          `json:"sessionId"`
	TaskID      string          `json:"taskId"`
	Environment json.RawMessage `json:"environment"`
}

type heartbeatInput struct {
	SessionID           string   `json:"sessionId"`
	ConversationSummary string   `json:"conversationSummary"`
	UnsavedChanges      []string `json:"unsavedChanges"`
}

type endSessionInput struct {
	SessionID string `json:"sessionId"`
}

type versionHistoryInput struct {
	TaskID    string `json:"taskId"`
	Version   int64  `json:"version"`
	Limit     int    `json:"limit"`
	SessionID string `json:"sessionId"`
}
