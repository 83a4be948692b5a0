package graph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/registry/internal/core"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	ctx := context.Background()
	s, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "graph.db"), 0)
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema(ctx))
	t.Cleanup(func() { s.Close(ctx) })
	return s
}

func TestUpsertVertexAndExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state, err := s.Exists(ctx, core.LabelAgent, "a1")
	require.NoError(t, err)
	assert.Equal(t, core.Missing, state)

	require.NoError(t, s.UpsertVertex(ctx, core.LabelAgent, "a1", map[string]any{"role": "v1"}))
	require.NoError(t, s.UpsertVertex(ctx, core.LabelAgent, "a1", map[string]any{"role": "v2"}))

	state, err = s.Exists(ctx, core.LabelAgent, "a1")
	require.NoError(t, err)
	assert.Equal(t, core.Exists, state)

	// Same id under another label is a different vertex
	state, err = s.Exists(ctx, core.LabelTask, "a1")
	require.NoError(t, err)
	assert.Equal(t, core.Missing, state)

	vertices, err := s.ListVertices(ctx, core.LabelAgent, 10)
	require.NoError(t, err)
	require.Len(t, vertices, 1)
	assert.Equal(t, "v2", vertices[0].Metadata["role"])
}

func TestUpsertEdge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertVertex(ctx, core.LabelAgent, "a1", nil))
	require.NoError(t, s.UpsertVertex(ctx, core.LabelTask, "t1", nil))

	for i := 0; i < 2; i++ {
		require.NoError(t, s.UpsertEdge(ctx, core.LabelTask, "t1", core.LabelAgent, "a1", core.EdgeBelongsTo))
	}

	edges, err := s.ListEdges(ctx, core.EdgeBelongsTo, 10)
	require.NoError(t, err)
	require.Len(t, edges, 1, "repeated upserts must not duplicate the edge")
	assert.Equal(t, Edge{
		Type:      core.EdgeBelongsTo,
		FromLabel: core.LabelTask,
		FromID:    "t1",
		ToLabel:   core.LabelAgent,
		ToID:      "a1",
	}, edges[0])
}

func TestUpsertEdge_MissingEndpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertVertex(ctx, core.LabelTask, "t1", nil))
	err := s.UpsertEdge(ctx, core.LabelTask, "t1", core.LabelAgent, "ghost", core.EdgeBelongsTo)
	assert.ErrorIs(t, err, core.ErrNotFound)

	edges, err := s.ListEdges(ctx, core.EdgeBelongsTo, 10)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestRejectsUnknownVocabulary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.UpsertVertex(ctx, "Person", "p1", nil), core.ErrInvalidArgument)
	assert.ErrorIs(t, s.UpsertEdge(ctx, core.LabelTask, "t1", core.LabelAgent, "a1", "KNOWS"), core.ErrInvalidArgument)

	state, err := s.Exists(ctx, "Agent) DETACH DELETE n //", "x")
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
	assert.Equal(t, core.Unknown, state)
}

func TestExistsAfterCloseIsUnknown(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "g.db"), 0)
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	state, err := s.Exists(ctx, core.LabelAgent, "a1")
	assert.ErrorIs(t, err, core.ErrUnavailable)
	assert.Equal(t, core.Unknown, state)
	assert.ErrorIs(t, s.Ping(ctx), core.ErrUnavailable)
}
