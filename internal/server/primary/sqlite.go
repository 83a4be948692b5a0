// Package primary is the durable source of truth for registered records.
package primary

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

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

// SQLiteStore keeps records and agent logs in SQLite
type SQLiteStore struct {
	db      *sql.DB
	timeout time.Duration
}

// NewSQLite opens (creating if needed) the primary database at dbPath
func NewSQLite(ctx context.Context, dbPath string, opts Options) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(ctx, dbPath, allSchemaStatements())
	if err != nil {
		return nil, fmt.Errorf("%w: primary store: %v", core.ErrUnavailable, err)
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
		return fmt.Errorf("%w: primary store: %v", core.ErrUnavailable, err)
	}
	return nil
}

// Write inserts a new record. A duplicate id returns core.ErrConflict.
func (s *SQLiteStore) Write(ctx context.Context, rec *core.Record) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: record id is required", core.ErrInvalidArgument)
	}

	metaJSON, err := marshalMeta(rec.Metadata)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO records (id, kind, agent_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		string(rec.Kind),
		nullString(rec.AgentID),
		metaJSON,
		rec.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if sqlitedb.IsUniqueViolation(err) {
			return fmt.Errorf("%w: id %s already registered", core.ErrConflict, rec.ID)
		}
		return fmt.Errorf("%w: inserting record: %v", core.ErrUnavailable, err)
	}
	return nil
}

// Get returns the record with the given id
func (s *SQLiteStore) Get(ctx context.Context, id string) (*core.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT id, kind, agent_id, metadata, created_at
		FROM records
		WHERE id = ?
	`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: record %s", core.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading record: %v", core.ErrUnavailable, err)
	}
	return rec, nil
}

// ListByKind lists records newest first. An empty kind lists every record.
func (s *SQLiteStore) ListByKind(ctx context.Context, kind core.Kind, limit, offset int) ([]*core.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT id, kind, agent_id, metadata, created_at
		FROM records
		WHERE (? = '' OR kind = ?)
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, string(kind), string(kind), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: listing records: %v", core.ErrUnavailable, err)
	}
	defer rows.Close()

	records := make([]*core.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing records: %v", core.ErrUnavailable, err)
	}
	return records, nil
}

// WriteLog stores a raw agent log line
func (s *SQLiteStore) WriteLog(ctx context.Context, entry *core.LogEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("%w: log id is required", core.ErrInvalidArgument)
	}

	metaJSON, err := marshalMeta(entry.Metadata)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO logs (id, agent_id, task_id, level, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		entry.ID,
		entry.AgentID,
		nullString(entry.TaskID),
		entry.Level,
		entry.Message,
		metaJSON,
		entry.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if sqlitedb.IsUniqueViolation(err) {
			return fmt.Errorf("%w: log %s already stored", core.ErrConflict, entry.ID)
		}
		return fmt.Errorf("%w: inserting log: %v", core.ErrUnavailable, err)
	}
	return nil
}

// ListLogs lists an agent's logs oldest first. An empty agentID lists all logs.
func (s *SQLiteStore) ListLogs(ctx context.Context, agentID string, limit, offset int) ([]*core.LogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT id, agent_id, task_id, level, message, metadata, created_at
		FROM logs
		WHERE (? = '' OR agent_id = ?)
		ORDER BY rowid
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, agentID, agentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: listing logs: %v", core.ErrUnavailable, err)
	}
	defer rows.Close()

	entries := make([]*core.LogEntry, 0)
	for rows.Next() {
		var e core.LogEntry
		var taskID sql.NullString
		var metaJSON, createdAt string
		if err := rows.Scan(&e.ID, &e.AgentID, &taskID, &e.Level, &e.Message, &metaJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning log: %w", err)
		}
		if taskID.Valid {
			e.TaskID = taskID.String
		}
		if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling log metadata: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing logs: %v", core.ErrUnavailable, err)
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*core.Record, error) {
	var rec core.Record
	var kind, metaJSON, createdAt string
	var agentID sql.NullString

	if err := row.Scan(&rec.ID, &kind, &agentID, &metaJSON, &createdAt); err != nil {
		return nil, err
	}

	rec.Kind = core.Kind(kind)
	if agentID.Valid {
		rec.AgentID = agentID.String
	}
	if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = t
	}
	return &rec, nil
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

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
