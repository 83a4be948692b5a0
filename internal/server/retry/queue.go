// Package retry persists secondary-store writes that failed and replays them
// in the background until they succeed.
package retry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/systemshift/registry/internal/core"
)

// Options configures a Queue
type Options struct {
	// MaxAttempts moves an item to the dead-letter file once it has failed
	// this many times. Zero retries forever.
	MaxAttempts int
	Logger      *slog.Logger
}

// Queue is an ordered list of RetryItems mirrored to a JSON file. Every
// mutation rewrites the file before returning.
type Queue struct {
	mu          sync.Mutex
	path        string
	deadPath    string
	items       []core.RetryItem
	maxAttempts int
	logger      *slog.Logger
}

// Open loads the queue stored at path. A missing file is an empty queue.
func Open(path string, opts Options) (*Queue, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		path:        path,
		deadPath:    path + ".dead.json",
		maxAttempts: opts.MaxAttempts,
		logger:      logger.With("component", "retry"),
	}

	items, err := readItems(path)
	if err != nil {
		return nil, err
	}
	for i := range items {
		normalize(&items[i])
	}
	q.items = items

	if len(items) > 0 {
		q.logger.Info("loaded retry queue", "path", path, "items", len(items))
	}
	return q, nil
}

// legacyCollections maps the collection names of older queue files
var legacyCollections = map[string]string{
	"AgentMetadata": core.CollectionAgents,
	"TaskMetadata":  core.CollectionTasks,
}

// normalize fills the fields older queue files did not carry. An item whose
// kind cannot be derived is left without one and rejected on replay.
func normalize(item *core.RetryItem) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Target == "" {
		item.Target = core.TargetVector
	}
	if c, ok := legacyCollections[item.Collection]; ok {
		item.Collection = c
	}
	if item.Collection == "" && item.Record.Kind != "" {
		item.Collection = item.Record.Kind.Collection()
	}
	if item.Record.Kind == "" {
		if kind, ok := core.KindForCollection(item.Collection); ok {
			item.Record.Kind = kind
		}
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
}

// Path returns the queue file location
func (q *Queue) Path() string {
	return q.path
}

// Enqueue appends item to the tail and persists the queue. The stored copy
// (with its assigned id) is returned.
func (q *Queue) Enqueue(item core.RetryItem) (core.RetryItem, error) {
	if item.Record.ID == "" {
		return item, fmt.Errorf("%w: retry item without record id", core.ErrInvalidArgument)
	}
	item.ID = ""
	item.EnqueuedAt = time.Time{}
	normalize(&item)

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, item)
	if err := q.persistLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return item, err
	}
	return item, nil
}

// Len returns the number of pending items
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the pending items in order
func (q *Queue) Snapshot() []core.RetryItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]core.RetryItem, len(q.items))
	copy(out, q.items)
	return out
}

// Head returns the first pending item without removing it
func (q *Queue) Head() (core.RetryItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return core.RetryItem{}, false
	}
	return q.items[0], true
}

// Complete removes the item with the given id after a successful replay
func (q *Queue) Complete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: retry item %s", core.ErrNotFound, id)
	}
	q.items = append(q.items[:i], q.items[i+1:]...)
	return q.persistLocked()
}

// Rotate moves the item to the tail without counting an attempt
func (q *Queue) Rotate(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: retry item %s", core.ErrNotFound, id)
	}
	item := q.items[i]
	q.items = append(append(q.items[:i], q.items[i+1:]...), item)
	return q.persistLocked()
}

// Fail records a failed attempt and moves the item to the tail. Permanent
// failures, and items that exhaust MaxAttempts, go to the dead-letter file
// instead; dead reports whether that happened.
func (q *Queue) Fail(id string, attemptErr error, permanent bool) (dead bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(id)
	if i < 0 {
		return false, fmt.Errorf("%w: retry item %s", core.ErrNotFound, id)
	}

	item := q.items[i]
	item.Attempts++
	if attemptErr != nil {
		item.LastError = attemptErr.Error()
	}
	rest := append(q.items[:i:i], q.items[i+1:]...)

	if permanent || (q.maxAttempts > 0 && item.Attempts >= q.maxAttempts) {
		if err := q.appendDeadLocked(item); err != nil {
			return false, err
		}
		q.items = rest
		q.logger.Error("retry item dead-lettered",
			"item", item.ID,
			"record", item.Record.ID,
			"target", item.Target,
			"attempts", item.Attempts,
			"error", item.LastError,
		)
		return true, q.persistLocked()
	}

	q.items = append(rest, item)
	return false, q.persistLocked()
}

// DeadLetters returns the items that were given up on
func (q *Queue) DeadLetters() ([]core.RetryItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return readItems(q.deadPath)
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.items {
		if q.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) persistLocked() error {
	return writeItems(q.path, q.items)
}

func (q *Queue) appendDeadLocked(item core.RetryItem) error {
	dead, err := readItems(q.deadPath)
	if err != nil {
		return err
	}
	return writeItems(q.deadPath, append(dead, item))
}

func readItems(path string) ([]core.RetryItem, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return []core.RetryItem{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading retry file: %w", err)
	}
	if len(data) == 0 {
		return []core.RetryItem{}, nil
	}

	var items []core.RetryItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parsing retry file %s: %w", path, err)
	}
	if items == nil {
		items = []core.RetryItem{}
	}
	return items, nil
}

// writeItems replaces path atomically
func writeItems(path string, items []core.RetryItem) error {
	if items == nil {
		items = []core.RetryItem{}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling retry items: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating retry directory: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("replacing retry file: %w", err)
	}
	return nil
}
