package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToolDef describes one exposed tool for tools/list.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type toolSpec struct {
	description string
	schema      string
}

// toolSpecs declares every exposed method with its param schema. The
// schemas reject unknown top-level fields so typos fail fast instead of
// being silently ignored.
var toolSpecs = map[string]toolSpec{
	"get_unified_context": {
		description: "Return the global context plus, when taskId is given, that task with relationships, recent version history and unresolved conflicts.",
		schema: `{
			"type": "object",
			"properties": {
				"taskId":                {"type": "string"},
				"projectId":             {"type": "string"},
				"includeRelationships":  {"type": "boolean"},
				"includeVersionHistory": {"type": "boolean"},
				"maxVersions":           {"type": "integer", "minimum": 1, "maximum": 100},
				"includeConflicts":      {"type": "boolean"},
				"sessionId":             {"type": "string"}
			},
			"additionalProperties": false
		}`,
	},
	"sync_hot_context": {
		description: "Refresh the hot cache and file mirror from the record store. Partial artifact failures are reported in errors[], not as a request failure.",
		schema: `{
			"type": "object",
			"properties": {
				"syncCache":      {"type": "boolean"},
				"syncRedis":      {"type": "boolean"},
				"syncFiles":      {"type": "boolean"},
				"updateRegistry": {"type": "boolean"},
				"taskIds":        {"type": "array", "items": {"type": "string"}},
				"projectId":      {"type": "string"},
				"sessionId":      {"type": "string"}
			},
			"additionalProperties": false
		}`,
	},
	"check_recovery": {
		description: "Sweep stale sessions and list sessions needing recovery, optionally acknowledging one as recovered.",
		schema: `{
			"type": "object",
			"properties": {
				"markRecovered":  {"type": "string"},
				"includeHistory": {"type": "boolean"},
				"sessionId":      {"type": "string"}
			},
			"additionalProperties": false
		}`,
	},
	"resolve_conflict": {
		description: "Apply a terminal resolution action to a recorded conflict.",
		schema: `{
			"type": "object",
			"properties": {
				"conflictId": {"type": "string"},
				"action":     {"type": "string", "enum": ["use_a", "use_b", "merge", "custom", "ignore"]},
				"resolvedBy": {"type": "string"},
				"details":    {"type": "object"},
				"sessionId":  {"type": "string"}
			},
			"required": ["conflictId", "action"],
			"additionalProperties": false
		}`,
	},
	"get_task_graph": {
		description: "Return the relationship graph with ready/blocked task sets and status summary, focused on one task when taskId is given.",
		schema: `{
			"type": "object",
			"properties": {
				"taskId":           {"type": "string"},
				"depth":            {"type": "integer", "minimum": 1, "maximum": 3},
				"includeCompleted": {"type": "boolean"},
				"sessionId":        {"type": "string"}
			},
			"additionalProperties": false
		}`,
	},
	"create_checkpoint": {
		description: "Snapshot the current state of one task, a task set, or the whole project.",
		schema: `{
			"type": "object",
			"properties": {
				"label":     {"type": "string"},
				"type":      {"type": "string", "enum": ["manual", "milestone", "pre_migration", "recovery_point", "auto"]},
				"scope":     {"type": "string", "enum": ["task", "global", "multi_task"]},
				"projectId": {"type": "string"},
				"taskIds":   {"type": "array", "items": {"type": "string"}},
				"sessionId": {"type": "string"}
			},
			"required": ["label", "scope"],
			"additionalProperties": false
		}`,
	},
	"rollback_to": {
		description: "Restore the state recorded in a checkpoint by appending fresh versions; history is never rewritten.",
		schema: `{
			"type": "object",
			"properties": {
				"checkpointId": {"type": "string"},
				"sessionId":    {"type": "string"}
			},
			"required": ["checkpointId"],
			"additionalProperties": false
		}`,
	},
	"create_task": {
		description: "Create a task context at version 1.",
		schema: `{
			"type": "object",
			"properties": {
				"taskId":             {"type": "string"},
				"name":               {"type": "string"},
				"status":             {"type": "string", "enum": ["pending", "in_progress", "completed", "blocked", "archived"]},
				"priority":           {"type": "integer"},
				"currentPhase":       {"type": "string"},
				"immediateContext":   {"type": "object"},
				"keyFiles":           {"type": "array", "items": {"type": "string"}},
				"technicalDecisions": {"type": "array", "items": {"type": "string"}},
				"resumePrompt":       {"type": "string"},
				"sessionId":          {"type": "string"}
			},
			"required": ["taskId", "name"],
			"additionalProperties": false
		}`,
	},
	"update_task": {
		description: "Apply a partial update under optimistic concurrency; fails with a version conflict when the caller's version is stale.",
		schema: `{
			"type": "object",
			"properties": {
				"taskId":             {"type": "string"},
				"version":            {"type": "integer", "minimum": 1},
				"name":               {"type": "string"},
				"status":             {"type": "string", "enum": ["pending", "in_progress", "completed", "blocked", "archived"]},
				"priority":           {"type": "integer"},
				"currentPhase":       {"type": "string"},
				"iteration":          {"type": "integer"},
				"score":              {"type": "number"},
				"lockedElements":     {"type": "array", "items": {"type": "string"}},
				"immediateContext":   {"type": "object"},
				"keyFiles":           {"type": "array", "items": {"type": "string"}},
				"technicalDecisions": {"type": "array", "items": {"type": "string"}},
				"resumePrompt":       {"type": "string"},
				"sessionId":          {"type": "string"}
			},
			"required": ["taskId", "version"],
			"additionalProperties": false
		}`,
	},
	"list_tasks": {
		description: "List task contexts, optionally filtered by status.",
		schema: `{
			"type": "object",
			"properties": {
				"statuses":        {"type": "array", "items": {"type": "string"}},
				"excludeStatuses": {"type": "array", "items": {"type": "string"}},
				"limit":           {"type": "integer", "minimum": 1},
				"sessionId":       {"type": "string"}
			},
			"additionalProperties": false
		}`,
	},
	"create_relationship": {
		description: "Create or refresh a typed relationship between two tasks.",
		schema: `{
			"type": "object",
			"properties": {
				"sourceTaskId": {"type": "string"},
				"targetTaskId": {"type": "string"},
				"type":         {"type": "string", "enum": ["blocks", "blocked_by", "depends_on", "dependency_of", "related_to", "parent_of", "child_of"]},
				"strength":     {"type": "number", "minimum": 0, "maximum": 1},
				"sessionId":    {"type": "string"}
			},
			"required": ["sourceTaskId", "targetTaskId", "type"],
			"additionalProperties": false
		}`,
	},
	"update_global_context": {
		description: "Patch the project-wide context; omitted fields are untouched.",
		schema: `{
			"type": "object",
			"properties": {
				"projectId":        {"type": "string"},
				"hardRules":        {"type": "array", "items": {"type": "string"}},
				"techStack":        {"type": "array", "items": {"type": "string"}},
				"keyPaths":         {"type": "object", "additionalProperties": {"type": "string"}},
				"serviceEndpoints": {"type": "object", "additionalProperties": {"type": "string"}},
				"activeTaskId":     {"type": "string"},
				"sessionId":        {"type": "string"}
			},
			"additionalProperties": false
		}`,
	},
	"report_conflict": {
		description: "Record a detected conflict between task contexts for later resolution.",
		schema: `{
			"type": "object",
			"properties": {
				"taskAId":  {"type": "string"},
				"taskBId":  {"type": "string"},
				"type":     {"type": "string", "enum": ["state_mismatch", "file_conflict", "spec_contradiction", "version_divergence", "lock_collision", "data_inconsistency"]},
				"severity": {"type": "string", "enum": ["low", "medium", "high", "critical"]},
				"strength": {"type": "number", "minimum": 0, "maximum": 1},
				"evidence": {"type": "object"},
				"sessionId": {"type": "string"}
			},
			"required": ["taskAId", "type"],
			"additionalProperties": false
		}`,
	},
	"open_session": {
		description: "Register a working session, optionally bound to a task.",
		schema: `{
			"type": "object",
			"properties": {
				"sessionId":   {"type": "string"},
				"taskId":      {"type": "string"},
				"environment": {"type": "object"}
			},
			"additionalProperties": false
		}`,
	},
	"heartbeat": {
		description: "Refresh a session's liveness, optionally updating its conversation summary and unsaved changes.",
		schema: `{
			"type": "object",
			"properties": {
				"sessionId":           {"type": "string"},
				"conversationSummary": {"type": "string"},
				"unsavedChanges":      {"type": "array", "items": {"type": "string"}}
			},
			"required": ["sessionId"],
			"additionalProperties": false
		}`,
	},
	"end_session": {
		description: "Close a session cleanly so it never appears as a recovery candidate.",
		schema: `{
			"type": "object",
			"properties": {
				"sessionId": {"type": "string"}
			},
			"required": ["sessionId"],
			"additionalProperties": false
		}`,
	},
	"get_version_history": {
		description: "Return a task's version snapshots, newest first, or one specific version.",
		schema: `{
			"type": "object",
			"properties": {
				"taskId":    {"type": "string"},
				"version":   {"type": "integer", "minimum": 1},
				"limit":     {"type": "integer", "minimum": 1, "maximum": 100},
				"sessionId": {"type": "string"}
			},
			"required": ["taskId"],
			"additionalProperties": false
		}`,
	},
}

// compileSchemas compiles every tool schema once at service startup.
func compileSchemas() (map[string]*jsonschema.Schema, error) {
	compiled := make(map[string]*jsonschema.Schema, len(toolSpecs))
	for method, spec := range toolSpecs {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(spec.schema))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema for %s: %w", method, err)
		}
		name := method + ".json"
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema resource for %s: %w", method, err)
		}
		schema, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", method, err)
		}
		compiled[method] = schema
	}
	return compiled, nil
}

// Tools lists every exposed tool with its input schema, sorted by name.
func (s *Service) Tools() []ToolDef {
	defs := make([]ToolDef, 0, len(toolSpecs))
	for name, spec := range toolSpecs {
		var buf bytes.Buffer
		if err := json.Compact(&buf, []byte(spec.schema)); err != nil {
			continue
		}
		defs = append(defs, ToolDef{
			Name:        name,
			Description: spec.description,
			InputSchema: json.RawMessage(buf.Bytes()),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// validateParams checks params against the method's schema. Unknown
// methods and schema violations both map to invalid-params on the wire.
func (s *Service) validateParams(method string, raw json.RawMessage) error {
	schema, ok := s.schemas[method]
	if !ok {
		return &ParamError{msg: fmt.Sprintf("unsupported method: %s", method)}
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ParamError{msg: fmt.Sprintf("invalid params: %s", err)}
	}
	if err := schema.Validate(parsed); err != nil {
		return &ParamError{msg: fmt.Sprintf("invalid params for %s: %s", method, err)}
	}
	return nil
}
