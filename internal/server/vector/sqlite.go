// Package vector is the semantic index used for near-duplicate detection.
// Embeddings live in SQLite as BLOBs and are ranked by a brute-force cosine
// scan over the collection.
package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/viant/vec/search"

	"github.com/systemshift/registry/internal/core"
	"github.com/systemshift/registry/internal/server/sqlitedb"
)

// timeFormat sorts lexically in time order
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// DefaultTimeout bounds each store call when Options.Timeout is zero
const DefaultTimeout = 5 * time.Second

// Options configures a SQLiteStore
type Options struct {
	Timeout time.Duration
}

// Entry is a stored vector without its embedding
type Entry struct {
	ID         string         `json:"id"`
	Metadata   map[string]any `json:"metadata"`
	Dimensions int            `json:"dimensions"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// SQLiteStore keeps one embedding per (collection, id)
type SQLiteStore struct {
	db      *sql.DB
	timeout time.Duration
}

// NewSQLite opens (creating if needed) the vector database at dbPath
func NewSQLite(ctx context.Context, dbPath string, opts Options) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(ctx, dbPath, allSchemaStatements())
	if err != nil {
		return nil, fmt.Errorf("%w: vector store: %v", core.ErrUnavailable, err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &SQLiteStore{db: db, timeout: opts.Timeout}, nil
}

// Close closes the database
func (s *SQLiteStore) Close(ctx context.Context) error {
	return s.db.Close()
}

// Ping checks the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: vector store: %v", core.ErrUnavailable, err)
	}
	return nil
}

// Upsert stores embedding and metadata under (collection, id), replacing
// any previous value.
func (s *SQLiteStore) Upsert(ctx context.Context, collection, id string, embedding []float32, metadata map[string]any) error {
	if collection == "" || id == "" {
		return fmt.Errorf("%w: collection and id are required", core.ErrInvalidArgument)
	}
	if len(embedding) == 0 {
		return fmt.Errorf("%w: empty embedding", core.ErrInvalidArgument)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("%w: marshaling metadata: %v", core.ErrInvalidArgument, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO vectors (collection, id, embedding, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			embedding = excluded.embedding,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		collection,
		id,
		EncodeEmbedding(embedding),
		string(metaJSON),
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("%w: upserting vector: %v", core.ErrUnavailable, err)
	}
	return nil
}

// Get returns the stored embedding and metadata for id
func (s *SQLiteStore) Get(ctx context.Context, collection, id string) ([]float32, map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var blob []byte
	var metaJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT embedding, metadata FROM vectors WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&blob, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s/%s", core.ErrNotFound, collection, id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading vector: %v", core.ErrUnavailable, err)
	}

	vec, err := DecodeEmbedding(blob)
	if err != nil {
		return nil, nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling metadata: %w", err)
	}
	return vec, meta, nil
}

// Query returns up to limit neighbours of embedding in collection, nearest
// first. Stored vectors of a different dimension or zero magnitude are
// skipped.
func (s *SQLiteStore) Query(ctx context.Context, collection string, embedding []float32, limit int) ([]core.Neighbor, error) {
	if limit <= 0 {
		return []core.Neighbor{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding, metadata FROM vectors WHERE collection = ?`,
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: scanning vectors: %v", core.ErrUnavailable, err)
	}
	defer rows.Close()

	type scored struct {
		id       string
		metaJSON string
		dist     float64
	}
	qm := search.Float32s(embedding).Magnitude()
	var candidates []scored
	for rows.Next() {
		var id, metaJSON string
		var blob []byte
		if err := rows.Scan(&id, &blob, &metaJSON); err != nil {
			return nil, fmt.Errorf("scanning vector: %w", err)
		}
		vec, err := DecodeEmbedding(blob)
		if err != nil {
			continue
		}
		dist, ok := CosineDistance(embedding, vec, qm)
		if !ok {
			continue
		}
		candidates = append(candidates, scored{id: id, metaJSON: metaJSON, dist: dist})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: scanning vectors: %v", core.ErrUnavailable, err)
	}

	sort.SliceStable(candidates, func(a, b int) bool { return candidates[a].dist < candidates[b].dist })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]core.Neighbor, 0, len(candidates))
	for _, c := range candidates {
		var meta map[string]any
		if err := json.Unmarshal([]byte(c.metaJSON), &meta); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata: %w", err)
		}
		out = append(out, core.Neighbor{ID: c.id, Metadata: meta, Distance: c.dist})
	}
	return out, nil
}

// List returns up to limit stored entries in collection, most recently
// updated first.
func (s *SQLiteStore) List(ctx context.Context, collection string, limit int) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, length(embedding), metadata, updated_at
		FROM vectors
		WHERE collection = ?
		ORDER BY updated_at DESC, id
		LIMIT ?
	`, collection, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: listing vectors: %v", core.ErrUnavailable, err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var size int
		var metaJSON, updatedAt string
		if err := rows.Scan(&e.ID, &size, &metaJSON, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning vector: %w", err)
		}
		e.Dimensions = size / 4
		if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata: %w", err)
		}
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing vectors: %v", core.ErrUnavailable, err)
	}
	return entries, nil
}
