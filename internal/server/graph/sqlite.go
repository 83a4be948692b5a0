package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/systemshift/registry/internal/core"
	"github.com/systemshift/registry/internal/server/sqlitedb"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	timeout time.Duration
}

// NewSQLite opens (creating if needed) the graph database at dbPath
func NewSQLite(ctx context.Context, dbPath string, timeout time.Duration) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(ctx, dbPath, allSchemaStatements())
	if err != nil {
		return nil, fmt.Errorf("%w: graph store: %v", core.ErrUnavailable, err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SQLiteStore{db: db, timeout: timeout}, nil
}

// Close closes the SQLite connection
func (s *SQLiteStore) Close(ctx context.Context) error {
	return s.db.Close()
}

// EnsureSchema is a no-op; the schema is created in NewSQLite
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	return nil
}

// Ping checks the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: graph store: %v", core.ErrUnavailable, err)
	}
	return nil
}

// UpsertVertex inserts a vertex or replaces its metadata
func (s *SQLiteStore) UpsertVertex(ctx context.Context, label, id string, metadata map[string]any) error {
	if err := ValidateLabel(label); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: vertex id is required", core.ErrInvalidArgument)
	}
	metaJSON, err := marshalMeta(metadata)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	query := `
		INSERT INTO vertices (label, id, metadata, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(label, id) DO UPDATE SET
			metadata = excluded.metadata,
			modified_at = excluded.modified_at
	`
	if _, err := s.db.ExecContext(ctx, query, label, id, metaJSON, now, now); err != nil {
		return fmt.Errorf("%w: upserting %s %s: %v", core.ErrUnavailable, label, id, err)
	}
	return nil
}

// Exists looks a vertex up
func (s *SQLiteStore) Exists(ctx context.Context, label, id string) (core.Existence, error) {
	if err := ValidateLabel(label); err != nil {
		return core.Unknown, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	found, err := s.vertexExists(ctx, s.db, label, id)
	if err != nil {
		return core.Unknown, fmt.Errorf("%w: looking up %s %s: %v", core.ErrUnavailable, label, id, err)
	}
	if found {
		return core.Exists, nil
	}
	return core.Missing, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) vertexExists(ctx context.Context, q queryRower, label, id string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vertices WHERE label = ? AND id = ?`,
		label, id,
	).Scan(&n)
	return n > 0, err
}

// UpsertEdge inserts an edge between two existing vertices. Repeating the
// call is a no-op.
func (s *SQLiteStore) UpsertEdge(ctx context.Context, fromLabel, fromID, toLabel, toID, edgeType string) error {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %v", core.ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, end := range [][2]string{{fromLabel, fromID}, {toLabel, toID}} {
		found, err := s.vertexExists(ctx, tx, end[0], end[1])
		if err != nil {
			return fmt.Errorf("%w: looking up %s %s: %v", core.ErrUnavailable, end[0], end[1], err)
		}
		if !found {
			return fmt.Errorf("%w: %s %s", core.ErrNotFound, end[0], end[1])
		}
	}

	query := `
		INSERT OR IGNORE INTO edges (type, from_label, from_id, to_label, to_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, query,
		edgeType, fromLabel, fromID, toLabel, toID,
		time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("%w: inserting %s edge: %v", core.ErrUnavailable, edgeType, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing edge: %v", core.ErrUnavailable, err)
	}
	return nil
}

// ListVertices returns up to limit vertices with the given label
func (s *SQLiteStore) ListVertices(ctx context.Context, label string, limit int) ([]Vertex, error) {
	if err := ValidateLabel(label); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, metadata FROM vertices WHERE label = ? ORDER BY id LIMIT ?`,
		label, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s vertices: %v", core.ErrUnavailable, label, err)
	}
	defer rows.Close()

	vertices := make([]Vertex, 0)
	for rows.Next() {
		v := Vertex{Label: label}
		var metaJSON string
		if err := rows.Scan(&v.ID, &metaJSON); err != nil {
			return nil, fmt.Errorf("scanning vertex: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &v.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata: %w", err)
		}
		vertices = append(vertices, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing %s vertices: %v", core.ErrUnavailable, label, err)
	}
	return vertices, nil
}

// ListEdges returns up to limit edges of the given type in insertion order
func (s *SQLiteStore) ListEdges(ctx context.Context, edgeType string, limit int) ([]Edge, error) {
	if err := ValidateEdgeType(edgeType); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT from_label, from_id, to_label, to_id
		FROM edges
		WHERE type = ?
		ORDER BY rowid
		LIMIT ?
	`, edgeType, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s edges: %v", core.ErrUnavailable, edgeType, err)
	}
	defer rows.Close()

	edges := make([]Edge, 0)
	for rows.Next() {
		e := Edge{Type: edgeType}
		if err := rows.Scan(&e.FromLabel, &e.FromID, &e.ToLabel, &e.ToID); err != nil {
			return nil, fmt.Errorf("scanning edge: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing %s edges: %v", core.ErrUnavailable, edgeType, err)
	}
	return edges, nil
}

var _ Store = (*SQLiteStore)(nil)
