// Package registry registers agents and tasks across the primary, vector and
// graph stores. The primary write is synchronous and authoritative; vector
// and graph writes are best-effort and reconciled through the retry queue.
package registry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/systemshift/registry/internal/core"
	"github.com/systemshift/registry/internal/embed"
	"github.com/systemshift/registry/internal/server/telemetry"
)

// PrimaryStore is the source of truth for records and logs
type PrimaryStore interface {
	Write(ctx context.Context, rec *core.Record) error
	WriteLog(ctx context.Context, entry *core.LogEntry) error
	Ping(ctx context.Context) error
}

// VectorStore indexes record embeddings
type VectorStore interface {
	Upsert(ctx context.Context, collection, id string, embedding []float32, metadata map[string]any) error
	Ping(ctx context.Context) error
}

// GraphStore holds vertices and relationships
type GraphStore interface {
	UpsertVertex(ctx context.Context, label, id string, metadata map[string]any) error
	Exists(ctx context.Context, label, id string) (core.Existence, error)
	UpsertEdge(ctx context.Context, fromLabel, fromID, toLabel, toID, edgeType string) error
	Ping(ctx context.Context) error
}

// SimilarityGate finds near-duplicates before an agent is created
type SimilarityGate interface {
	FindSimilar(ctx context.Context, collection string, metadata map[string]any, threshold *float64, limit int) []core.SimilarityHit
	SetDefaults(threshold float64, limit int)
}

// RetryQueue accepts failed secondary writes
type RetryQueue interface {
	Enqueue(item core.RetryItem) (core.RetryItem, error)
	Len() int
}

// Deps are the collaborators an Orchestrator is built from. Tracer, Metrics
// and Logger may be nil.
type Deps struct {
	Primary  PrimaryStore
	Vector   VectorStore
	Graph    GraphStore
	Embedder embed.Embedder
	Gate     SimilarityGate
	Queue    RetryQueue
	Tracer   trace.Tracer
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

// Orchestrator runs the registration pipeline. It is safe for concurrent use.
type Orchestrator struct {
	primary  PrimaryStore
	vector   VectorStore
	graph    GraphStore
	embedder embed.Embedder
	gate     SimilarityGate
	queue    RetryQueue
	tracer   trace.Tracer
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// New creates an Orchestrator
func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		primary:  d.Primary,
		vector:   d.Vector,
		graph:    d.Graph,
		embedder: d.Embedder,
		gate:     d.Gate,
		queue:    d.Queue,
		tracer:   d.Tracer,
		metrics:  d.Metrics,
		logger:   d.Logger,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "registry")
	if o.tracer == nil {
		o.tracer = nooptrace.NewTracerProvider().Tracer(telemetry.ScopeName)
	}
	if o.metrics == nil {
		// Instruments from a no-op meter never fail
		o.metrics, _ = telemetry.NewMetrics(noop.NewMeterProvider().Meter(telemetry.ScopeName))
	}
	return o
}

// SetSimilarity replaces the gate's default threshold and limit
func (o *Orchestrator) SetSimilarity(threshold float64, limit int) {
	o.gate.SetDefaults(threshold, limit)
	o.logger.Info("similarity defaults updated", "threshold", threshold, "limit", limit)
}

// Health probes every store
func (o *Orchestrator) Health(ctx context.Context) core.Health {
	return core.Health{
		Primary:       o.primary.Ping(ctx) == nil,
		Vector:        o.vector.Ping(ctx) == nil,
		Graph:         o.graph.Ping(ctx) == nil,
		Embedder:      embed.Ping(ctx, o.embedder) == nil,
		RetryQueueLen: o.queue.Len(),
	}
}
