package graph

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/registry/internal/core"
)

func TestValidateLabel(t *testing.T) {
	for _, label := range []string{core.LabelAgent, core.LabelTask, core.LabelThought, core.LabelLog} {
		assert.NoError(t, ValidateLabel(label))
	}
	for _, label := range []string{"", "agent", "Node", "Agent`) RETURN 1 //"} {
		assert.ErrorIs(t, ValidateLabel(label), core.ErrInvalidArgument, label)
	}
}

func TestValidateEdgeType(t *testing.T) {
	assert.NoError(t, ValidateEdgeType(core.EdgeBelongsTo))
	assert.NoError(t, ValidateEdgeType(core.EdgeHasLog))
	assert.ErrorIs(t, ValidateEdgeType("belongs_to"), core.ErrInvalidArgument)
}

func TestCypherBuilders(t *testing.T) {
	q := mergeVertexQuery(core.LabelAgent)
	assert.Contains(t, q, "MERGE (n:Agent {shortid: $id})")
	assert.Contains(t, q, "SET n.metadata = $metadata")

	q = mergeEdgeQuery(core.LabelTask, core.LabelAgent, core.EdgeBelongsTo)
	assert.Contains(t, q, "MATCH (a:Task {shortid: $from})")
	assert.Contains(t, q, "MATCH (b:Agent {shortid: $to})")
	assert.Contains(t, q, "MERGE (a)-[r:BELONGS_TO]->(b)")

	assert.Contains(t, existsQuery(core.LabelTask), "(n:Task {shortid: $id})")
	assert.Contains(t, listVerticesQuery(core.LabelLog), "MATCH (n:Log)")
	assert.Contains(t, listEdgesQuery(core.EdgeHasThought), "[r:HAS_THOUGHT]")
}

func TestConstraintStatements(t *testing.T) {
	stmts := constraintStatements()
	require.Len(t, stmts, 4)
	assert.True(t, strings.HasPrefix(stmts[0], "CREATE CONSTRAINT agent_shortid IF NOT EXISTS FOR (n:Agent)"))
	for _, stmt := range stmts {
		assert.Contains(t, stmt, "REQUIRE n.shortid IS UNIQUE")
	}
}

func TestNewNeo4jDefaults(t *testing.T) {
	s, err := NewNeo4j(Config{URI: "bolt://localhost:7687", Username: "neo4j", Password: "password"})
	require.NoError(t, err)
	defer s.driver.Close(t.Context())

	assert.Equal(t, "neo4j", s.database)
	assert.Equal(t, DefaultTimeout, s.timeout)
}
