// Package similarity finds registered records whose descriptions are close
// to a candidate's, so near-duplicate agents can be surfaced at creation.
package similarity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/systemshift/registry/internal/core"
	"github.com/systemshift/registry/internal/embed"
)

const (
	DefaultThreshold = 0.65
	DefaultLimit     = 10
)

// textFields are joined, in this order, to form the text that is embedded
var textFields = []string{"role", "goal", "backstory", "description", "expected_output", "agent"}

// Index is the subset of the vector store the gate reads from
type Index interface {
	Query(ctx context.Context, collection string, embedding []float32, limit int) ([]core.Neighbor, error)
	Get(ctx context.Context, collection, id string) ([]float32, map[string]any, error)
}

// Gate runs nearest-neighbour lookups against the vector store
type Gate struct {
	embedder embed.Embedder
	index    Index
	logger   *slog.Logger

	mu        sync.RWMutex
	threshold float64
	limit     int
}

// NewGate creates a gate with the default threshold and limit
func NewGate(embedder embed.Embedder, index Index, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		embedder:  embedder,
		index:     index,
		logger:    logger.With("component", "similarity"),
		threshold: DefaultThreshold,
		limit:     DefaultLimit,
	}
}

// SetDefaults replaces the threshold and limit used when callers pass none.
// The threshold is normalised on use, not here.
func (g *Gate) SetDefaults(threshold float64, limit int) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	g.mu.Lock()
	g.threshold = threshold
	g.limit = limit
	g.mu.Unlock()
}

// Defaults returns the current default threshold (as configured) and limit
func (g *Gate) Defaults() (threshold float64, limit int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.threshold, g.limit
}

// NormalizeThreshold reads t as a fraction when at most 1 and as a
// percentage otherwise. Values at or below 0 disable filtering. Percentages
// above 100 stay above 1 and so admit nothing.
func NormalizeThreshold(t float64) float64 {
	switch {
	case t <= 0:
		return 0
	case t <= 1:
		return t
	default:
		return t / 100
	}
}

// Threshold returns a pointer to t for the threshold arguments, where nil
// selects the gate's default
func Threshold(t float64) *float64 {
	return &t
}

// BuildText returns the text embedded for metadata. Known descriptive fields
// are used when present; otherwise every other string value, in key order.
func BuildText(metadata map[string]any) string {
	var parts []string
	for _, field := range textFields {
		if s, ok := metadata[field].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				parts = append(parts, s)
			}
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, ". ")
	}

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := metadata[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, ". ")
}

// FindSimilar returns records in collection whose similarity to metadata is
// at least threshold. A nil threshold or limit <= 0 selects the gate's
// defaults. Store and embedder failures are logged and yield no hits.
func (g *Gate) FindSimilar(ctx context.Context, collection string, metadata map[string]any, threshold *float64, limit int) []core.SimilarityHit {
	text := BuildText(metadata)
	if text == "" {
		return []core.SimilarityHit{}
	}
	return g.FindSimilarText(ctx, collection, text, threshold, limit)
}

// FindSimilarText is FindSimilar for an already built text
func (g *Gate) FindSimilarText(ctx context.Context, collection, text string, threshold *float64, limit int) []core.SimilarityHit {
	if strings.TrimSpace(text) == "" {
		return []core.SimilarityHit{}
	}
	cutoff, limit := g.resolve(threshold, limit)

	vec, err := g.embedder.Embed(ctx, text)
	if err != nil {
		g.logger.Warn("embedding similarity input failed", "collection", collection, "error", err)
		return []core.SimilarityHit{}
	}

	neighbors, err := g.index.Query(ctx, collection, vec, limit)
	if err != nil {
		g.logger.Warn("similarity query failed", "collection", collection, "error", err)
		return []core.SimilarityHit{}
	}
	return filterHits(neighbors, cutoff, "", limit)
}

// FindSimilarTo returns records similar to the stored record id, excluding
// the record itself. An id missing from the index returns core.ErrNotFound.
func (g *Gate) FindSimilarTo(ctx context.Context, collection, id string, threshold *float64, limit int) ([]core.SimilarityHit, error) {
	cutoff, limit := g.resolve(threshold, limit)

	vec, _, err := g.index.Get(ctx, collection, id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: loading embedding for %s: %v", core.ErrUnavailable, id, err)
	}

	// One extra neighbour since the record matches itself
	neighbors, err := g.index.Query(ctx, collection, vec, limit+1)
	if err != nil {
		return nil, fmt.Errorf("%w: similarity query: %v", core.ErrUnavailable, err)
	}
	return filterHits(neighbors, cutoff, id, limit), nil
}

// ResolvedThreshold returns the threshold a call with t would apply
func (g *Gate) ResolvedThreshold(t *float64) float64 {
	cutoff, _ := g.resolve(t, 0)
	return cutoff
}

func (g *Gate) resolve(threshold *float64, limit int) (float64, int) {
	t, defLimit := g.Defaults()
	if threshold != nil {
		t = *threshold
	}
	if limit <= 0 {
		limit = defLimit
	}
	return NormalizeThreshold(t), limit
}

func filterHits(neighbors []core.Neighbor, threshold float64, exclude string, limit int) []core.SimilarityHit {
	hits := make([]core.SimilarityHit, 0, len(neighbors))
	for _, n := range neighbors {
		if exclude != "" && n.ID == exclude {
			continue
		}
		sim := clamp01(1 - n.Distance)
		if sim < threshold {
			continue
		}
		fields := n.Metadata
		if fields == nil {
			fields = map[string]any{}
		}
		hits = append(hits, core.SimilarityHit{ID: n.ID, Similarity: sim, Fields: fields})
		if len(hits) == limit {
			break
		}
	}
	return hits
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
