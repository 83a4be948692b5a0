package graph

import (
	"context"
	"fmt"

	"github.com/systemshift/registry/internal/core"
)

// Store defines the interface for graph storage backends.
// Both SQLite and Neo4j implement this interface.
type Store interface {
	// Lifecycle
	Close(ctx context.Context) error
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error

	// Vertex operations. Vertices are keyed by (label, id).
	UpsertVertex(ctx context.Context, label, id string, metadata map[string]any) error
	Exists(ctx context.Context, label, id string) (core.Existence, error)
	ListVertices(ctx context.Context, label string, limit int) ([]Vertex, error)

	// Edge operations. UpsertEdge returns core.ErrNotFound when either
	// endpoint is absent.
	UpsertEdge(ctx context.Context, fromLabel, fromID, toLabel, toID, edgeType string) error
	ListEdges(ctx context.Context, edgeType string, limit int) ([]Edge, error)
}

// Vertex is a labelled node
type Vertex struct {
	Label    string         `json:"label"`
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata"`
}

// Edge is a typed, directed relationship between two vertices
type Edge struct {
	Type      string `json:"type"`
	FromLabel string `json:"from_label"`
	FromID    string `json:"from_id"`
	ToLabel   string `json:"to_label"`
	ToID      string `json:"to_id"`
}

// Labels and edge types are interpolated into Cypher, so only known values
// are accepted.
var (
	knownLabels = map[string]bool{
		core.LabelAgent:   true,
		core.LabelTask:    true,
		core.LabelThought: true,
		core.LabelLog:     true,
	}
	knownEdgeTypes = map[string]bool{
		core.EdgeBelongsTo:        true,
		core.EdgeGeneratedThought: true,
		core.EdgeHasThought:       true,
		core.EdgeGeneratedLog:     true,
		core.EdgeHasLog:           true,
	}
)

// ValidateLabel rejects labels outside the registry's vocabulary
func ValidateLabel(label string) error {
	if !knownLabels[label] {
		return fmt.Errorf("%w: unknown vertex label %q", core.ErrInvalidArgument, label)
	}
	return nil
}

// ValidateEdgeType rejects edge types outside the registry's vocabulary
func ValidateEdgeType(edgeType string) error {
	if !knownEdgeTypes[edgeType] {
		return fmt.Errorf("%w: unknown edge type %q", core.ErrInvalidArgument, edgeType)
	}
	return nil
}
