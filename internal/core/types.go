package core

import (
	"time"
)

// Kind identifies what a Record registers
type Kind string

const (
	KindAgent Kind = "Agent"
	KindTask  Kind = "Task"
)

// Collection names shared by the primary, vector and graph stores
const (
	CollectionAgents = "agents"
	CollectionTasks  = "tasks"
)

// Graph labels and edge types
const (
	LabelAgent   = "Agent"
	LabelTask    = "Task"
	LabelThought = "Thought"
	LabelLog     = "Log"

	EdgeBelongsTo        = "BELONGS_TO"
	EdgeGeneratedThought = "GENERATED_THOUGHT"
	EdgeHasThought       = "HAS_THOUGHT"
	EdgeGeneratedLog     = "GENERATED_LOG"
	EdgeHasLog           = "HAS_LOG"
)

// Collection returns the store collection a kind is written to
func (k Kind) Collection() string {
	if k == KindTask {
		return CollectionTasks
	}
	return CollectionAgents
}

// Label returns the graph label for a kind
func (k Kind) Label() string {
	if k == KindTask {
		return LabelTask
	}
	return LabelAgent
}

// KindForCollection maps a collection name back to its kind
func KindForCollection(collection string) (Kind, bool) {
	switch collection {
	case CollectionAgents:
		return KindAgent, true
	case CollectionTasks:
		return KindTask, true
	}
	return "", false
}

// Record is a registered agent or task
type Record struct {
	ID        string         `json:"id"`                 // Short identifier, join key across stores
	CreatedAt time.Time      `json:"created_at"`         // Creation timestamp (UTC)
	Kind      Kind           `json:"kind"`               // Agent or Task
	Metadata  map[string]any `json:"metadata"`           // Descriptive metadata
	AgentID   string         `json:"agent_id,omitempty"` // Owning agent, tasks only
}

// Retry targets
const (
	TargetVector = "vector"
	TargetGraph  = "graph"
)

// RetryItem is a secondary-store write waiting to be replayed
type RetryItem struct {
	ID         string    `json:"id"`
	Record     Record    `json:"record"`
	Collection string    `json:"collection"`
	Target     string    `json:"target"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
}

// SimilarityHit is a near-duplicate found in the vector store
type SimilarityHit struct {
	ID         string         `json:"id"`
	Similarity float64        `json:"similarity"`
	Fields     map[string]any `json:"fields"`
}

// Neighbor is a raw nearest-neighbour result from the vector store
type Neighbor struct {
	ID       string
	Metadata map[string]any
	Distance float64 // Cosine distance, 1 - cosine similarity
}

// Existence is the outcome of a tri-state lookup
type Existence int

const (
	Unknown Existence = iota // the store could not answer
	Exists
	Missing
)

func (e Existence) String() string {
	switch e {
	case Exists:
		return "exists"
	case Missing:
		return "missing"
	default:
		return "unknown"
	}
}

// Health is the reachability of every backing store
type Health struct {
	Primary       bool `json:"primary"`
	Vector        bool `json:"vector"`
	Graph         bool `json:"graph"`
	Embedder      bool `json:"embedder"`
	RetryQueueLen int  `json:"retry_queue_len"`
}

// OK reports whether every store is reachable
func (h Health) OK() bool {
	return h.Primary && h.Vector && h.Graph && h.Embedder
}

// Thought is an intermediate reasoning step recorded by an agent
type Thought struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	TaskID    string         `json:"task_id,omitempty"`
	Content   string         `json:"content"`
	StepIndex int            `json:"step_index"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// LogEntry is a raw log line emitted by an agent
type LogEntry struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	TaskID    string         `json:"task_id,omitempty"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
