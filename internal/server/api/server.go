// Package api exposes the registry over HTTP: JSON-RPC create_id on /agents
// and /tasks, plus REST endpoints for similarity lookups, activity records
// and store inspection.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/systemshift/registry/internal/core"
	"github.com/systemshift/registry/internal/embed"
	"github.com/systemshift/registry/internal/server/graph"
	"github.com/systemshift/registry/internal/server/registry"
	"github.com/systemshift/registry/internal/server/vector"
)

// Registrar runs registrations and activity ingestion
type Registrar interface {
	CreateAgent(ctx context.Context, req registry.CreateRequest) (*registry.Result, error)
	CreateTask(ctx context.Context, req registry.CreateRequest) (*registry.Result, error)
	RecordThought(ctx context.Context, req registry.ThoughtRequest) (*core.Thought, error)
	IngestLog(ctx context.Context, req registry.LogRequest) (*core.LogEntry, error)
	Health(ctx context.Context) core.Health
}

// SimilarityFinder answers nearest-neighbour lookups
type SimilarityFinder interface {
	FindSimilar(ctx context.Context, collection string, metadata map[string]any, threshold *float64, limit int) []core.SimilarityHit
	FindSimilarTo(ctx context.Context, collection, id string, threshold *float64, limit int) ([]core.SimilarityHit, error)
	ResolvedThreshold(t *float64) float64
}

// PrimaryReader reads primary records and logs
type PrimaryReader interface {
	Get(ctx context.Context, id string) (*core.Record, error)
	ListByKind(ctx context.Context, kind core.Kind, limit, offset int) ([]*core.Record, error)
	ListLogs(ctx context.Context, agentID string, limit, offset int) ([]*core.LogEntry, error)
}

// VectorReader lists indexed vectors
type VectorReader interface {
	List(ctx context.Context, collection string, limit int) ([]vector.Entry, error)
}

// GraphReader lists vertices and edges
type GraphReader interface {
	ListVertices(ctx context.Context, label string, limit int) ([]graph.Vertex, error)
	ListEdges(ctx context.Context, edgeType string, limit int) ([]graph.Edge, error)
}

// RetryView exposes the pending and dead-lettered retry items
type RetryView interface {
	Len() int
	Snapshot() []core.RetryItem
	DeadLetters() ([]core.RetryItem, error)
}

// Deps are the collaborators the HTTP layer reads from
type Deps struct {
	Registry Registrar
	Gate     SimilarityFinder
	Embedder embed.Embedder
	Primary  PrimaryReader
	Vector   VectorReader
	Graph    GraphReader
	Retry    RetryView
	Logger   *slog.Logger
}

// Server holds the HTTP server dependencies
type Server struct {
	registry Registrar
	gate     SimilarityFinder
	embedder embed.Embedder
	primary  PrimaryReader
	vector   VectorReader
	graph    GraphReader
	retry    RetryView
	rpc      *rpcValidator
	logger   *slog.Logger
}

// New creates a new API server
func New(d Deps) (*Server, error) {
	v, err := newRPCValidator()
	if err != nil {
		return nil, err
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry: d.Registry,
		gate:     d.Gate,
		embedder: d.Embedder,
		primary:  d.Primary,
		vector:   d.Vector,
		graph:    d.Graph,
		retry:    d.Retry,
		rpc:      v,
		logger:   logger.With("component", "api"),
	}, nil
}

// Routes builds the router with the standard middleware stack
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.HealthCheck)

	r.Post("/agents", s.rpcHandler(core.KindAgent))
	r.Post("/tasks", s.rpcHandler(core.KindTask))

	r.Get("/similar/{collection}", s.SimilarTo)
	r.Post("/similar/{collection}/description", s.SimilarToDescription)
	r.Post("/embed", s.Embed)

	r.Post("/thoughts", s.CreateThought)
	r.Post("/logs", s.CreateLog)
	r.Get("/logs", s.ListLogs)

	r.Get("/primary/{collection}", s.ListPrimary)
	r.Get("/primary/{collection}/{id}", s.GetPrimary)
	r.Get("/vector/{collection}", s.ListVector)
	r.Get("/graph", s.GraphMap)
	r.Get("/graph/{collection}", s.ListGraph)
	r.Get("/retry", s.RetryStatus)

	return r
}
