package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/systemshift/registry/internal/core"
	"github.com/systemshift/registry/internal/server/registry"
	"github.com/systemshift/registry/internal/server/similarity"
)

// HealthCheck handles GET /healthz
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h := s.registry.Health(r.Context())
	status := "ok"
	code := http.StatusOK
	if !h.OK() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":          status,
		"primary":         h.Primary,
		"vector":          h.Vector,
		"graph":           h.Graph,
		"embedder":        h.Embedder,
		"retry_queue_len": h.RetryQueueLen,
	})
}

// SimilarTo handles GET /similar/{collection}?id=X
func (s *Server) SimilarTo(w http.ResponseWriter, r *http.Request) {
	collection, ok := collectionParam(w, r)
	if !ok {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id query parameter is required", http.StatusBadRequest)
		return
	}
	threshold, limit, err := parseSimilarityParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	hits, err := s.gate.FindSimilarTo(r.Context(), collection, id, threshold, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        id,
		"count":     len(hits),
		"threshold": s.gate.ResolvedThreshold(threshold),
		"items":     hits,
	})
}

// DescriptionRequest is the body of POST /similar/{collection}/description
type DescriptionRequest struct {
	Role           string         `json:"role,omitempty"`
	Goal           string         `json:"goal,omitempty"`
	Backstory      string         `json:"backstory,omitempty"`
	Description    string         `json:"description,omitempty"`
	ExpectedOutput string         `json:"expected_output,omitempty"`
	Agent          string         `json:"agent,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Similarity     *float64       `json:"similarity,omitempty"`
	Limit          int            `json:"limit,omitempty"`
}

// fields merges Metadata with the explicit fields, which take precedence
func (d DescriptionRequest) fields() map[string]any {
	out := make(map[string]any, len(d.Metadata)+6)
	for k, v := range d.Metadata {
		out[k] = v
	}
	for k, v := range map[string]string{
		"role":            d.Role,
		"goal":            d.Goal,
		"backstory":       d.Backstory,
		"description":     d.Description,
		"expected_output": d.ExpectedOutput,
		"agent":           d.Agent,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// SimilarToDescription handles POST /similar/{collection}/description
func (s *Server) SimilarToDescription(w http.ResponseWriter, r *http.Request) {
	collection, ok := collectionParam(w, r)
	if !ok {
		return
	}
	var req DescriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fields := req.fields()
	if similarity.BuildText(fields) == "" {
		http.Error(w, "no descriptive fields given", http.StatusBadRequest)
		return
	}

	var input any
	if req.Similarity != nil {
		input = *req.Similarity
	}
	hits := s.gate.FindSimilar(r.Context(), collection, fields, req.Similarity, req.Limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"count":            len(hits),
		"threshold":        s.gate.ResolvedThreshold(req.Similarity),
		"similarity_input": input,
		"items":            hits,
	})
}

// EmbedRequest is the body of POST /embed
type EmbedRequest struct {
	Text string `json:"text"`
}

// Embed handles POST /embed
func (s *Server) Embed(w http.ResponseWriter, r *http.Request) {
	var req EmbedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	vec, err := s.embedder.Embed(r.Context(), req.Text)
	if err != nil {
		s.logger.Warn("embedding failed", "error", err)
		writeError(w, fmt.Errorf("%w: %v", core.ErrUnavailable, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"text":          req.Text,
		"embedding_dim": len(vec),
		"embedding":     vec,
	})
}

// ThoughtRequest is the body of POST /thoughts
type ThoughtRequest struct {
	AgentID   string         `json:"agent_id"`
	TaskID    string         `json:"task_id,omitempty"`
	Content   string         `json:"content"`
	StepIndex int            `json:"step_index,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CreateThought handles POST /thoughts
func (s *Server) CreateThought(w http.ResponseWriter, r *http.Request) {
	var req ThoughtRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	th, err := s.registry.RecordThought(r.Context(), registry.ThoughtRequest{
		AgentID:   req.AgentID,
		TaskID:    req.TaskID,
		Content:   req.Content,
		StepIndex: req.StepIndex,
		Metadata:  req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"status":     "ok",
		"thought_id": th.ID,
		"agent_id":   th.AgentID,
		"task_id":    th.TaskID,
	})
}

// LogRequest is the body of POST /logs
type LogRequest struct {
	AgentID  string         `json:"agent_id"`
	TaskID   string         `json:"task_id,omitempty"`
	Level    string         `json:"level,omitempty"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CreateLog handles POST /logs
func (s *Server) CreateLog(w http.ResponseWriter, r *http.Request) {
	var req LogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entry, err := s.registry.IngestLog(r.Context(), registry.LogRequest{
		AgentID:  req.AgentID,
		TaskID:   req.TaskID,
		Level:    req.Level,
		Message:  req.Message,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"status":   "ok",
		"log_id":   entry.ID,
		"agent_id": entry.AgentID,
		"task_id":  entry.TaskID,
	})
}

// ListLogs handles GET /logs, optionally filtered by agent_id
func (s *Server) ListLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	entries, err := s.primary.ListLogs(r.Context(), r.URL.Query().Get("agent_id"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": entries,
		"count": len(entries),
	})
}

// GetPrimary handles GET /primary/{agents|tasks|all}/{id}
func (s *Server) GetPrimary(w http.ResponseWriter, r *http.Request) {
	var kind core.Kind
	if c := chi.URLParam(r, "collection"); c != "all" {
		k, ok := core.KindForCollection(c)
		if !ok {
			http.Error(w, fmt.Sprintf("unknown collection %q", c), http.StatusNotFound)
			return
		}
		kind = k
	}
	id := chi.URLParam(r, "id")

	rec, err := s.primary.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if kind != "" && rec.Kind != kind {
		http.Error(w, fmt.Sprintf("record %s is not in %s", id, kind.Collection()), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListPrimary handles GET /primary/{agents|tasks|all}
func (s *Server) ListPrimary(w http.ResponseWriter, r *http.Request) {
	var kind core.Kind
	if c := chi.URLParam(r, "collection"); c != "all" {
		k, ok := core.KindForCollection(c)
		if !ok {
			http.Error(w, fmt.Sprintf("unknown collection %q", c), http.StatusNotFound)
			return
		}
		kind = k
	}
	limit, offset := parsePagination(r)

	records, err := s.primary.ListByKind(r.Context(), kind, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": records,
		"count": len(records),
	})
}

// ListVector handles GET /vector/{collection}
func (s *Server) ListVector(w http.ResponseWriter, r *http.Request) {
	collection, ok := collectionParam(w, r)
	if !ok {
		return
	}
	limit, _ := parsePagination(r)

	entries, err := s.vector.List(r.Context(), collection, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"collection": collection,
		"items":      entries,
		"count":      len(entries),
	})
}

// ListGraph handles GET /graph/{collection}
func (s *Server) ListGraph(w http.ResponseWriter, r *http.Request) {
	collection, ok := collectionParam(w, r)
	if !ok {
		return
	}
	kind, _ := core.KindForCollection(collection)
	limit, _ := parsePagination(r)

	vertices, err := s.graph.ListVertices(r.Context(), kind.Label(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"label": kind.Label(),
		"items": vertices,
		"count": len(vertices),
	})
}

// GraphMap handles GET /graph, returning agents, tasks and the edges
// between them
func (s *Server) GraphMap(w http.ResponseWriter, r *http.Request) {
	limit, _ := parsePagination(r)
	ctx := r.Context()

	agents, err := s.graph.ListVertices(ctx, core.LabelAgent, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.graph.ListVertices(ctx, core.LabelTask, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	edges, err := s.graph.ListEdges(ctx, core.EdgeBelongsTo, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	nodes := append(agents, tasks...)
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes":      nodes,
		"edges":      edges,
		"node_count": len(nodes),
		"edge_count": len(edges),
	})
}

// RetryStatus handles GET /retry
func (s *Server) RetryStatus(w http.ResponseWriter, r *http.Request) {
	items := s.retry.Snapshot()
	dead, err := s.retry.DeadLetters()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":      len(items),
		"items":        items,
		"dead":         len(dead),
		"dead_letters": dead,
	})
}

// parsePagination extracts limit and offset from query parameters
func parsePagination(r *http.Request) (limit int, offset int) {
	limit = 100 // default limit
	offset = 0

	query := r.URL.Query()
	if l := query.Get("limit"); l != "" {
		fmt.Sscanf(l, "%d", &limit)
	}
	if o := query.Get("offset"); o != "" {
		fmt.Sscanf(o, "%d", &offset)
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	return limit, offset
}

// parseSimilarityParams reads threshold and limit; absent values select the
// gate's defaults
func parseSimilarityParams(r *http.Request) (threshold *float64, limit int, err error) {
	query := r.URL.Query()
	if t := query.Get("threshold"); t != "" {
		v, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid threshold %q", t)
		}
		threshold = &v
	}
	if l := query.Get("limit"); l != "" {
		limit, err = strconv.Atoi(l)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid limit %q", l)
		}
	}
	return threshold, limit, nil
}

// collectionParam resolves {collection} to agents or tasks
func collectionParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	c := chi.URLParam(r, "collection")
	if _, ok := core.KindForCollection(c); !ok {
		http.Error(w, fmt.Sprintf("unknown collection %q", c), http.StatusNotFound)
		return "", false
	}
	return c, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the core error taxonomy onto HTTP status codes
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrInvalidArgument):
		code = http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, core.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, core.ErrUnavailable):
		code = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), code)
}
