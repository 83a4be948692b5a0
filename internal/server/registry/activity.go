package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/systemshift/registry/internal/core"
	"github.com/systemshift/registry/internal/idgen"
)

// activityIDLength is the length of thought and log identifiers
const activityIDLength = 10

// DefaultLogLevel is used when a log entry does not name one
const DefaultLogLevel = "INFO"

// ThoughtRequest records one reasoning step of an agent
type ThoughtRequest struct {
	AgentID   string
	TaskID    string
	Content   string
	StepIndex int
	Metadata  map[string]any
}

// RecordThought stores a thought in the graph, linked to its agent and, when
// given, its task. Both must already exist.
func (o *Orchestrator) RecordThought(ctx context.Context, req ThoughtRequest) (*core.Thought, error) {
	agentID := strings.TrimSpace(req.AgentID)
	taskID := strings.TrimSpace(req.TaskID)
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent_id is required", core.ErrInvalidArgument)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", core.ErrInvalidArgument)
	}

	if err := o.requireVertex(ctx, core.LabelAgent, agentID); err != nil {
		return nil, err
	}
	if taskID != "" {
		if err := o.requireVertex(ctx, core.LabelTask, taskID); err != nil {
			return nil, err
		}
	}

	id, err := idgen.Generate(activityIDLength, false, "")
	if err != nil {
		return nil, err
	}
	th := &core.Thought{
		ID:        id,
		AgentID:   agentID,
		TaskID:    taskID,
		Content:   req.Content,
		StepIndex: req.StepIndex,
		Metadata:  req.Metadata,
		CreatedAt: time.Now().UTC(),
	}

	props := mergeProps(req.Metadata, map[string]any{
		"name":       "Thought " + id,
		"content":    th.Content,
		"step_index": th.StepIndex,
		"agent_id":   agentID,
		"created_at": th.CreatedAt.Format(time.RFC3339),
	})
	if taskID != "" {
		props["task_id"] = taskID
	}

	if err := o.graph.UpsertVertex(ctx, core.LabelThought, id, props); err != nil {
		return nil, fmt.Errorf("%w: storing thought: %v", core.ErrUnavailable, err)
	}
	if err := o.graph.UpsertEdge(ctx, core.LabelAgent, agentID, core.LabelThought, id, core.EdgeGeneratedThought); err != nil {
		return nil, fmt.Errorf("%w: linking thought to agent: %v", core.ErrUnavailable, err)
	}
	if taskID != "" {
		if err := o.graph.UpsertEdge(ctx, core.LabelTask, taskID, core.LabelThought, id, core.EdgeHasThought); err != nil {
			return nil, fmt.Errorf("%w: linking thought to task: %v", core.ErrUnavailable, err)
		}
	}

	o.logger.InfoContext(ctx, "thought recorded", "id", id, "agent_id", agentID, "task_id", taskID, "step", th.StepIndex)
	return th, nil
}

// LogRequest is a raw log line submitted by an agent
type LogRequest struct {
	AgentID  string
	TaskID   string
	Level    string
	Message  string
	Metadata map[string]any
}

// IngestLog stores a log entry in the primary store. The graph mirror is
// best-effort: failures are logged and do not fail the call.
func (o *Orchestrator) IngestLog(ctx context.Context, req LogRequest) (*core.LogEntry, error) {
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent_id is required", core.ErrInvalidArgument)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", core.ErrInvalidArgument)
	}
	level := strings.ToUpper(strings.TrimSpace(req.Level))
	if level == "" {
		level = DefaultLogLevel
	}

	id, err := idgen.Generate(activityIDLength, false, "")
	if err != nil {
		return nil, err
	}
	entry := &core.LogEntry{
		ID:        id,
		AgentID:   agentID,
		TaskID:    strings.TrimSpace(req.TaskID),
		Level:     level,
		Message:   req.Message,
		Metadata:  req.Metadata,
		CreatedAt: time.Now().UTC(),
	}

	if err := o.primary.WriteLog(ctx, entry); err != nil {
		if errors.Is(err, core.ErrInvalidArgument) || errors.Is(err, core.ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: storing log: %v", core.ErrUnavailable, err)
	}

	if err := o.mirrorLog(ctx, entry); err != nil {
		o.logger.WarnContext(ctx, "log not mirrored to graph", "id", id, "agent_id", agentID, "error", err)
	}
	return entry, nil
}

func (o *Orchestrator) mirrorLog(ctx context.Context, entry *core.LogEntry) error {
	props := mergeProps(entry.Metadata, map[string]any{
		"name":       "Log " + entry.ID,
		"level":      entry.Level,
		"message":    entry.Message,
		"agent_id":   entry.AgentID,
		"created_at": entry.CreatedAt.Format(time.RFC3339),
	})
	if entry.TaskID != "" {
		props["task_id"] = entry.TaskID
	}
	if err := o.graph.UpsertVertex(ctx, core.LabelLog, entry.ID, props); err != nil {
		return err
	}
	if err := o.graph.UpsertEdge(ctx, core.LabelAgent, entry.AgentID, core.LabelLog, entry.ID, core.EdgeGeneratedLog); err != nil {
		return err
	}
	if entry.TaskID != "" {
		if err := o.graph.UpsertEdge(ctx, core.LabelTask, entry.TaskID, core.LabelLog, entry.ID, core.EdgeHasLog); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) requireVertex(ctx context.Context, label, id string) error {
	state, err := o.graph.Exists(ctx, label, id)
	switch state {
	case core.Exists:
		return nil
	case core.Missing:
		return fmt.Errorf("%w: %s %s", core.ErrNotFound, strings.ToLower(label), id)
	default:
		return fmt.Errorf("%w: checking %s %s: %v", core.ErrUnavailable, strings.ToLower(label), id, err)
	}
}

// mergeProps overlays fields on a copy of meta
func mergeProps(meta map[string]any, fields map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+len(fields))
	for k, v := range meta {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}
