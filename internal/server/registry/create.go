package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/systemshift/registry/internal/core"
	"github.com/systemshift/registry/internal/idgen"
	"github.com/systemshift/registry/internal/server/similarity"
	"github.com/systemshift/registry/internal/server/telemetry"
)

// CreateRequest carries the create_id parameters
type CreateRequest struct {
	Length        int
	Deterministic bool
	Seed          string
	Metadata      map[string]any
	AgentID       string // tasks only
}

// Result is the outcome of a successful registration
type Result struct {
	ID            string
	Collection    string
	SimilarAgents []core.SimilarityHit // agents only
}

// CreateAgent registers a new agent. Similar existing agents are looked up
// before the id is generated and returned alongside it.
func (o *Orchestrator) CreateAgent(ctx context.Context, req CreateRequest) (*Result, error) {
	return o.create(ctx, core.KindAgent, req)
}

// CreateTask registers a task owned by req.AgentID, which must exist in the
// graph store.
func (o *Orchestrator) CreateTask(ctx context.Context, req CreateRequest) (*Result, error) {
	return o.create(ctx, core.KindTask, req)
}

func (o *Orchestrator) create(ctx context.Context, kind core.Kind, req CreateRequest) (res *Result, err error) {
	collection := kind.Collection()
	ctx, span := o.tracer.Start(ctx, "registry.create",
		trace.WithAttributes(telemetry.AttrCollection.String(collection)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	r := &run{span: span, logger: o.logger.With("collection", collection)}
	defer func() {
		outcome := "ok"
		switch {
		case err == nil:
			r.enter(ctx, StageDone)
			span.SetAttributes(telemetry.AttrRecordID.String(res.ID))
		case errors.Is(err, core.ErrInvalidArgument), errors.Is(err, core.ErrNotFound), errors.Is(err, core.ErrConflict):
			outcome = "rejected"
			failedAt := r.stage
			r.enter(ctx, StageRejected)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.logger.WarnContext(ctx, "registration rejected", "stage", string(failedAt), "error", err)
		default:
			outcome = "failed"
			failedAt := r.stage
			r.enter(ctx, StageFailed)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.logger.ErrorContext(ctx, "registration failed", "stage", string(failedAt), "error", err)
		}
		o.metrics.Registrations.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrCollection.String(collection),
			telemetry.AttrOutcome.String(outcome),
		))
	}()

	r.enter(ctx, StageValidating)
	meta := req.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	agentID := strings.TrimSpace(req.AgentID)
	if kind == core.KindTask && agentID == "" {
		return nil, fmt.Errorf("%w: agent_id is required to create a task", core.ErrInvalidArgument)
	}
	if kind == core.KindAgent {
		agentID = ""
	}
	length := req.Length
	if length == 0 {
		length = idgen.DefaultLength
	}

	if kind == core.KindTask {
		r.enter(ctx, StageCheckAgentExists)
		state, err := o.graph.Exists(ctx, core.LabelAgent, agentID)
		switch state {
		case core.Exists:
		case core.Missing:
			return nil, fmt.Errorf("%w: agent %s", core.ErrNotFound, agentID)
		default:
			return nil, fmt.Errorf("%w: checking agent %s: %v", core.ErrUnavailable, agentID, err)
		}
	}

	var similar []core.SimilarityHit
	if kind == core.KindAgent {
		similar = o.gate.FindSimilar(ctx, collection, meta, nil, 0)
		o.metrics.SimilarityHits.Record(ctx, int64(len(similar)),
			metric.WithAttributes(telemetry.AttrCollection.String(collection)))
		span.SetAttributes(attribute.Int("registry.similar.count", len(similar)))
	}

	r.enter(ctx, StageGenerateID)
	id, err := idgen.Generate(length, req.Deterministic, req.Seed)
	if err != nil {
		return nil, err
	}

	rec := &core.Record{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Kind:      kind,
		Metadata:  meta,
		AgentID:   agentID,
	}

	r.enter(ctx, StageWritePrimary)
	if err := o.primary.Write(ctx, rec); err != nil {
		if errors.Is(err, core.ErrConflict) || errors.Is(err, core.ErrInvalidArgument) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: writing primary record: %v", core.ErrUnavailable, err)
	}
	r.logger = r.logger.With("id", id)

	r.enter(ctx, StageWriteVector)
	if err := o.writeVector(ctx, rec); err != nil {
		o.enqueue(ctx, *rec, core.TargetVector, err)
	}

	r.enter(ctx, StageWriteGraph)
	if err := o.writeGraph(ctx, rec); err != nil {
		o.enqueue(ctx, *rec, core.TargetGraph, err)
	}

	r.logger.InfoContext(ctx, "registered", "kind", string(kind), "similar", len(similar))
	res = &Result{ID: id, Collection: collection}
	if kind == core.KindAgent {
		res.SimilarAgents = similar
	}
	return res, nil
}

// writeVector embeds and upserts rec. Records without descriptive text are
// not indexed.
func (o *Orchestrator) writeVector(ctx context.Context, rec *core.Record) error {
	text := similarity.BuildText(rec.Metadata)
	if text == "" {
		o.logger.DebugContext(ctx, "no descriptive text, skipping vector write", "id", rec.ID)
		return nil
	}

	vec, err := o.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("%w: embedding %s: %v", core.ErrTransient, rec.ID, err)
	}
	if err := o.vector.Upsert(ctx, rec.Kind.Collection(), rec.ID, vec, vectorMetadata(rec)); err != nil {
		return fmt.Errorf("%w: upserting vector %s: %v", core.ErrTransient, rec.ID, err)
	}
	return nil
}

// writeGraph upserts rec's vertex and, for tasks, the edge to its agent
func (o *Orchestrator) writeGraph(ctx context.Context, rec *core.Record) error {
	label := rec.Kind.Label()
	if err := o.graph.UpsertVertex(ctx, label, rec.ID, rec.Metadata); err != nil {
		return fmt.Errorf("%w: upserting %s vertex: %v", core.ErrTransient, label, err)
	}
	if rec.Kind != core.KindTask {
		return nil
	}
	if err := o.graph.UpsertEdge(ctx, core.LabelTask, rec.ID, core.LabelAgent, rec.AgentID, core.EdgeBelongsTo); err != nil {
		return fmt.Errorf("%w: linking task to agent %s: %v", core.ErrTransient, rec.AgentID, err)
	}
	return nil
}

func (o *Orchestrator) enqueue(ctx context.Context, rec core.Record, target string, cause error) {
	item, err := o.queue.Enqueue(core.RetryItem{
		Record:     rec,
		Collection: rec.Kind.Collection(),
		Target:     target,
		LastError:  cause.Error(),
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "could not queue secondary write", "id", rec.ID, "target", target, "cause", cause, "error", err)
		return
	}
	o.metrics.RetryEnqueued.Add(ctx, 1, metric.WithAttributes(telemetry.AttrTarget.String(target)))
	o.logger.WarnContext(ctx, "secondary write queued for retry",
		"id", rec.ID,
		"target", target,
		"item", item.ID,
		"error", cause,
	)
}

// vectorMetadata is what similarity hits report for a record
func vectorMetadata(rec *core.Record) map[string]any {
	meta := make(map[string]any, len(rec.Metadata)+2)
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	meta["created_at"] = rec.CreatedAt.Format(time.RFC3339)
	if rec.AgentID != "" {
		meta["agent_id"] = rec.AgentID
	}
	return meta
}
