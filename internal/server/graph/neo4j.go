package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/systemshift/registry/internal/core"
)

// DefaultTimeout bounds each graph call when the configured timeout is zero
const DefaultTimeout = 5 * time.Second

// Neo4jStore implements Store on a Neo4j server
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
	timeout  time.Duration
}

// Config holds Neo4j connection configuration
type Config struct {
	URI      string
	Username string
	Password string
	Database string
	Timeout  time.Duration
}

// NewNeo4j creates a Neo4j store. Connectivity is not verified here so that
// the registry can start while the graph is down; call Ping or EnsureSchema.
func NewNeo4j(cfg Config) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}

	if cfg.Database == "" {
		cfg.Database = "neo4j"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Neo4jStore{driver: driver, database: cfg.Database, timeout: cfg.Timeout}, nil
}

// Close closes the Neo4j connection
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ping verifies the server is reachable
func (s *Neo4jStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("%w: neo4j: %v", core.ErrUnavailable, err)
	}
	return nil
}

// EnsureSchema creates a uniqueness constraint on shortid for every label
func (s *Neo4jStore) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	for _, stmt := range constraintStatements() {
		result, err := session.Run(ctx, stmt, nil)
		if err == nil {
			_, err = result.Consume(ctx)
		}
		if err != nil {
			return fmt.Errorf("%w: creating constraint: %v", core.ErrUnavailable, err)
		}
	}
	return nil
}

// UpsertVertex merges a vertex on (label, shortid) and replaces its metadata
func (s *Neo4jStore) UpsertVertex(ctx context.Context, label, id string, metadata map[string]any) error {
	if err := ValidateLabel(label); err != nil {
		return err
	}

	// Neo4j doesn't support nested maps, so metadata is stored as JSON
	metaJSON, err := marshalMeta(metadata)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, mergeVertexQuery(label), map[string]any{
			"id":       id,
			"metadata": metaJSON,
		})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("%w: merging %s %s: %v", core.ErrUnavailable, label, id, err)
	}
	return nil
}

// Exists looks a vertex up. Any driver failure yields core.Unknown.
func (s *Neo4jStore) Exists(ctx context.Context, label, id string) (core.Existence, error) {
	if err := ValidateLabel(label); err != nil {
		return core.Unknown, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	found, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, existsQuery(label), map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, err
		}
		v, _ := record.Get("found")
		b, _ := v.(bool)
		return b, nil
	})
	if err != nil {
		return core.Unknown, fmt.Errorf("%w: looking up %s %s: %v", core.ErrUnavailable, label, id, err)
	}
	if found.(bool) {
		return core.Exists, nil
	}
	return core.Missing, nil
}

// UpsertEdge merges an edge between two existing vertices
func (s *Neo4jStore) UpsertEdge(ctx context.Context, fromLabel, fromID, toLabel, toID, edgeType string) error {
	if err := ValidateLabel(fromLabel); err != nil {
		return err
	}
	if err := ValidateLabel(toLabel); err != nil {
		return err
	}
	if err := ValidateEdgeType(edgeType); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	merged, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, mergeEdgeQuery(fromLabel, toLabel, edgeType), map[string]any{
			"from": fromID,
			"to":   toID,
		})
		if err != nil {
			return nil, err
		}
		// MATCH yields no rows when an endpoint is absent
		return result.Next(ctx), result.Err()
	})
	if err != nil {
		return fmt.Errorf("%w: merging %s edge: %v", core.ErrUnavailable, edgeType, err)
	}
	if !merged.(bool) {
		return fmt.Errorf("%w: %s %s or %s %s", core.ErrNotFound, fromLabel, fromID, toLabel, toID)
	}
	return nil
}

// ListVertices returns up to limit vertices with the given label
func (s *Neo4jStore) ListVertices(ctx context.Context, label string, limit int) ([]Vertex, error) {
	if err := ValidateLabel(label); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, listVerticesQuery(label), map[string]any{"limit": int64(limit)})
		if err != nil {
			return nil, err
		}

		vertices := make([]Vertex, 0)
		for result.Next(ctx) {
			record := result.Record()
			id, _ := record.Get("id")
			metaValue, _ := record.Get("metadata")

			v := Vertex{Label: label}
			v.ID, _ = id.(string)
			if metaStr, ok := metaValue.(string); ok && metaStr != "" {
				if err := json.Unmarshal([]byte(metaStr), &v.Metadata); err != nil {
					return nil, fmt.Errorf("unmarshaling metadata: %w", err)
				}
			}
			vertices = append(vertices, v)
		}
		return vertices, result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s vertices: %v", core.ErrUnavailable, label, err)
	}
	return result.([]Vertex), nil
}

// ListEdges returns up to limit edges of the given type
func (s *Neo4jStore) ListEdges(ctx context.Context, edgeType string, limit int) ([]Edge, error) {
	if err := ValidateEdgeType(edgeType); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, listEdgesQuery(edgeType), map[string]any{"limit": int64(limit)})
		if err != nil {
			return nil, err
		}

		edges := make([]Edge, 0)
		for result.Next(ctx) {
			record := result.Record()
			e := Edge{Type: edgeType}
			if v, ok := record.Get("from_label"); ok {
				e.FromLabel, _ = v.(string)
			}
			if v, ok := record.Get("from_id"); ok {
				e.FromID, _ = v.(string)
			}
			if v, ok := record.Get("to_label"); ok {
				e.ToLabel, _ = v.(string)
			}
			if v, ok := record.Get("to_id"); ok {
				e.ToID, _ = v.(string)
			}
			edges = append(edges, e)
		}
		return edges, result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s edges: %v", core.ErrUnavailable, edgeType, err)
	}
	return result.([]Edge), nil
}

func (s *Neo4jStore) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   mode,
	})
}

// Cypher builders. Callers validate label and edge type first.

func mergeVertexQuery(label string) string {
	return fmt.Sprintf(`
		MERGE (n:%s {shortid: $id})
		SET n.metadata = $metadata
	`, label)
}

func existsQuery(label string) string {
	return fmt.Sprintf(`
		OPTIONAL MATCH (n:%s {shortid: $id})
		RETURN n IS NOT NULL AS found
		LIMIT 1
	`, label)
}

func mergeEdgeQuery(fromLabel, toLabel, edgeType string) string {
	return fmt.Sprintf(`
		MATCH (a:%s {shortid: $from})
		MATCH (b:%s {shortid: $to})
		MERGE (a)-[r:%s]->(b)
		RETURN type(r) AS type
	`, fromLabel, toLabel, edgeType)
}

func listVerticesQuery(label string) string {
	return fmt.Sprintf(`
		MATCH (n:%s)
		RETURN n.shortid AS id, n.metadata AS metadata
		ORDER BY n.shortid
		LIMIT $limit
	`, label)
}

func listEdgesQuery(edgeType string) string {
	return fmt.Sprintf(`
		MATCH (a)-[r:%s]->(b)
		RETURN labels(a)[0] AS from_label, a.shortid AS from_id,
		       labels(b)[0] AS to_label, b.shortid AS to_id
		LIMIT $limit
	`, edgeType)
}

func constraintStatements() []string {
	labels := []string{core.LabelAgent, core.LabelTask, core.LabelThought, core.LabelLog}
	stmts := make([]string, 0, len(labels))
	for _, label := range labels {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE CONSTRAINT %s_shortid IF NOT EXISTS FOR (n:%s) REQUIRE n.shortid IS UNIQUE",
			lowerFirst(label), label,
		))
	}
	return stmts
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'A' && b[0] <= 'Z' {
		b[0] += 'a' - 'A'
	}
	return string(b)
}

func marshalMeta(meta map[string]any) (string, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("%w: marshaling metadata: %v", core.ErrInvalidArgument, err)
	}
	return string(b), nil
}

var _ Store = (*Neo4jStore)(nil)
