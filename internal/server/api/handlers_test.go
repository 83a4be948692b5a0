package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/registry/internal/core"
	"github.com/systemshift/registry/internal/embed"
	"github.com/systemshift/registry/internal/server/graph"
	"github.com/systemshift/registry/internal/server/primary"
	"github.com/systemshift/registry/internal/server/registry"
	"github.com/systemshift/registry/internal/server/retry"
	"github.com/systemshift/registry/internal/server/similarity"
	"github.com/systemshift/registry/internal/server/vector"
)

// setupTestServer wires the full stack against temporary SQLite databases
func setupTestServer(t *testing.T) http.Handler {
	t.Helper()
	h, _ := setupTestStack(t)
	return h
}

func setupTestStack(t *testing.T) (http.Handler, *retry.Queue) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p, err := primary.NewSQLite(ctx, filepath.Join(dir, "primary.db"), primary.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close(ctx) })
	v, err := vector.NewSQLite(ctx, filepath.Join(dir, "vector.db"), vector.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { v.Close(ctx) })
	g, err := graph.NewSQLite(ctx, filepath.Join(dir, "graph.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close(ctx) })
	q, err := retry.Open(filepath.Join(dir, "retry.json"), retry.Options{Logger: logger})
	require.NoError(t, err)

	embedder := embed.NewHash(64)
	gate := similarity.NewGate(embedder, v, logger)
	orch := registry.New(registry.Deps{
		Primary:  p,
		Vector:   v,
		Graph:    g,
		Embedder: embedder,
		Gate:     gate,
		Queue:    q,
		Logger:   logger,
	})

	s, err := New(Deps{
		Registry: orch,
		Gate:     gate,
		Embedder: embedder,
		Primary:  p,
		Vector:   v,
		Graph:    g,
		Retry:    q,
		Logger:   logger,
	})
	require.NoError(t, err)
	return s.Routes(), q
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

type testRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  *createIDResult `json:"result"`
	Error   *struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	} `json:"error"`
}

func rpc(t *testing.T, h http.Handler, path, body string) testRPCResponse {
	t.Helper()
	w := do(t, h, http.MethodPost, path, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp testRPCResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "2.0", resp.JSONRPC)
	return resp
}

func createAgent(t *testing.T, h http.Handler, meta string) string {
	t.Helper()
	resp := rpc(t, h, "/agents", `{"jsonrpc":"2.0","method":"create_id","params":{"metadata":`+meta+`},"id":1}`)
	require.Nil(t, resp.Error)
	require.NotNil(t, resp.Result)
	return resp.Result.ID
}

const auditorMeta = `{"role":"security auditor","goal":"review smart contracts"}`

func TestHealthCheck(t *testing.T) {
	h := setupTestServer(t)

	w := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, true, resp["graph"])
	assert.Equal(t, float64(0), resp["retry_queue_len"])
}

func TestCreateID_Agent(t *testing.T) {
	h := setupTestServer(t)

	resp := rpc(t, h, "/agents", `{"jsonrpc":"2.0","method":"create_id","params":{"length":8,"metadata":{"role":"auditor"}},"id":"req-1"}`)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `"req-1"`, string(resp.ID))
	assert.Equal(t, "ok", resp.Result.Status)
	assert.Len(t, resp.Result.ID, 8)
	assert.Equal(t, core.CollectionAgents, resp.Result.Collection)
}

func TestCreateID_DefaultParams(t *testing.T) {
	h := setupTestServer(t)

	resp := rpc(t, h, "/agents", `{"jsonrpc":"2.0","method":"create_id","id":7}`)
	require.Nil(t, resp.Error)
	assert.Len(t, resp.Result.ID, 6)
}

func TestCreateID_SimilarAgents(t *testing.T) {
	h := setupTestServer(t)

	first := createAgent(t, h, auditorMeta)
	resp := rpc(t, h, "/agents", `{"jsonrpc":"2.0","method":"create_id","params":{"metadata":`+auditorMeta+`},"id":2}`)
	require.Nil(t, resp.Error)
	require.Len(t, resp.Result.SimilarAgents, 1)
	assert.Equal(t, first, resp.Result.SimilarAgents[0].ID)
}

func TestCreateID_Task(t *testing.T) {
	h := setupTestServer(t)

	agent := createAgent(t, h, auditorMeta)
	resp := rpc(t, h, "/tasks", `{"jsonrpc":"2.0","method":"create_id","params":{"agent_id":"`+agent+`","metadata":{"description":"audit"}},"id":3}`)
	require.Nil(t, resp.Error)
	assert.Equal(t, core.CollectionTasks, resp.Result.Collection)
	assert.Empty(t, resp.Result.SimilarAgents)
}

func TestCreateID_Errors(t *testing.T) {
	h := setupTestServer(t)

	tests := []struct {
		name       string
		path       string
		body       string
		wantCode   int
		schemaFail bool
	}{
		{name: "parse error", path: "/agents", body: `{invalid`, wantCode: ErrCodeParse},
		{name: "wrong version", path: "/agents", body: `{"jsonrpc":"1.0","method":"create_id","id":1}`, wantCode: ErrCodeInvalidRequest},
		{name: "missing method", path: "/agents", body: `{"jsonrpc":"2.0","id":1}`, wantCode: ErrCodeInvalidRequest},
		{name: "unknown method", path: "/agents", body: `{"jsonrpc":"2.0","method":"delete_id","id":1}`, wantCode: ErrCodeMethodNotFound},
		{name: "length too long", path: "/agents", body: `{"jsonrpc":"2.0","method":"create_id","params":{"length":65},"id":1}`, wantCode: ErrCodeInvalidParams, schemaFail: true},
		{name: "length not integer", path: "/agents", body: `{"jsonrpc":"2.0","method":"create_id","params":{"length":2.5},"id":1}`, wantCode: ErrCodeInvalidParams, schemaFail: true},
		{name: "metadata not object", path: "/agents", body: `{"jsonrpc":"2.0","method":"create_id","params":{"metadata":"x"},"id":1}`, wantCode: ErrCodeInvalidParams, schemaFail: true},
		{name: "params array", path: "/agents", body: `{"jsonrpc":"2.0","method":"create_id","params":[1],"id":1}`, wantCode: ErrCodeInvalidParams, schemaFail: true},
		{name: "deterministic without seed", path: "/agents", body: `{"jsonrpc":"2.0","method":"create_id","params":{"deterministic":true},"id":1}`, wantCode: ErrCodeInvalidParams},
		{name: "task without agent", path: "/tasks", body: `{"jsonrpc":"2.0","method":"create_id","params":{},"id":1}`, wantCode: ErrCodeInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := rpc(t, h, tt.path, tt.body)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
			assert.Nil(t, resp.Result)

			if tt.schemaFail {
				// Schema failures carry the validator's message as data
				var detail string
				require.NoError(t, json.Unmarshal(resp.Error.Data, &detail))
				assert.NotEmpty(t, detail)
				assert.Equal(t, "invalid params", resp.Error.Message)
			}
		})
	}
}

func TestCreateID_UnknownAgent(t *testing.T) {
	h := setupTestServer(t)

	resp := rpc(t, h, "/tasks", `{"jsonrpc":"2.0","method":"create_id","params":{"agent_id":"ghost"},"id":1}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeAgentNotFound, resp.Error.Code)
	var data map[string]string
	require.NoError(t, json.Unmarshal(resp.Error.Data, &data))
	assert.Equal(t, "ghost", data["agent_id"])
}

func TestCreateID_Conflict(t *testing.T) {
	h := setupTestServer(t)
	body := `{"jsonrpc":"2.0","method":"create_id","params":{"deterministic":true,"seed":"hello"},"id":1}`

	resp := rpc(t, h, "/agents", body)
	require.Nil(t, resp.Error)
	assert.Equal(t, "qvTGHd", resp.Result.ID)

	resp = rpc(t, h, "/agents", body)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeConflict, resp.Error.Code)
}

func TestSimilarTo(t *testing.T) {
	h := setupTestServer(t)
	a := createAgent(t, h, auditorMeta)
	b := createAgent(t, h, auditorMeta)

	w := do(t, h, http.MethodGet, "/similar/agents?id="+a, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		ID        string               `json:"id"`
		Count     int                  `json:"count"`
		Threshold float64              `json:"threshold"`
		Items     []core.SimilarityHit `json:"items"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, a, resp.ID)
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, similarity.DefaultThreshold, resp.Threshold)
	assert.Equal(t, b, resp.Items[0].ID)
}

func TestSimilarTo_NegativeThresholdDisablesFiltering(t *testing.T) {
	h := setupTestServer(t)
	a := createAgent(t, h, auditorMeta)
	b := createAgent(t, h, `{"role":"pastry chef","goal":"bake croissants"}`)

	w := do(t, h, http.MethodGet, "/similar/agents?id="+a+"&threshold=-5", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Threshold float64              `json:"threshold"`
		Items     []core.SimilarityHit `json:"items"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Zero(t, resp.Threshold)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, b, resp.Items[0].ID)

	// Without a threshold the default keeps the unrelated agent out
	w = do(t, h, http.MethodGet, "/similar/agents?id="+a, "")
	require.Equal(t, http.StatusOK, w.Code)
	var def map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&def))
	assert.Equal(t, float64(0), def["count"])
}

func TestSimilarToDescription_NegativeSimilarity(t *testing.T) {
	h := setupTestServer(t)
	createAgent(t, h, `{"role":"pastry chef","goal":"bake croissants"}`)

	w := do(t, h, http.MethodPost, "/similar/agents/description", `{"role":"security auditor","similarity":-5}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, float64(-5), resp["similarity_input"])
	assert.Equal(t, float64(0), resp["threshold"])
	assert.Equal(t, float64(1), resp["count"])
}

func TestSimilarTo_BadRequests(t *testing.T) {
	h := setupTestServer(t)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/similar/agents", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/similar/agents?id=x&threshold=high", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/similar/thoughts?id=x", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/similar/agents?id=missing", "").Code)
}

func TestSimilarToDescription(t *testing.T) {
	h := setupTestServer(t)
	a := createAgent(t, h, auditorMeta)

	w := do(t, h, http.MethodPost, "/similar/agents/description",
		`{"metadata":{"role":"chef"},"role":"security auditor","goal":"review smart contracts","similarity":0.9}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, float64(1), resp["count"])
	assert.Equal(t, 0.9, resp["similarity_input"])
	assert.Equal(t, 0.9, resp["threshold"])
	items := resp["items"].([]any)
	assert.Equal(t, a, items[0].(map[string]any)["id"])
}

func TestSimilarToDescription_EmptyInput(t *testing.T) {
	h := setupTestServer(t)
	w := do(t, h, http.MethodPost, "/similar/agents/description", `{"metadata":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEmbed(t *testing.T) {
	h := setupTestServer(t)

	w := do(t, h, http.MethodPost, "/embed", `{"text":"hello world"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, float64(64), resp["embedding_dim"])
	assert.Len(t, resp["embedding"], 64)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/embed", `{"text":""}`).Code)
}

func TestThoughtsAndLogs(t *testing.T) {
	h := setupTestServer(t)
	agent := createAgent(t, h, auditorMeta)

	w := do(t, h, http.MethodPost, "/thoughts", `{"agent_id":"`+agent+`","content":"check the overflow","step_index":1}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var th map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&th))
	assert.Len(t, th["thought_id"], 10)

	w = do(t, h, http.MethodPost, "/thoughts", `{"agent_id":"ghost","content":"x"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPost, "/logs", `{"agent_id":"`+agent+`","message":"started"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var lg map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&lg))
	assert.Equal(t, "ok", lg["status"])
	assert.Len(t, lg["log_id"], 10)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/logs", `{"agent_id":"`+agent+`"}`).Code)
}

func TestReadEndpoints(t *testing.T) {
	h := setupTestServer(t)
	agent := createAgent(t, h, auditorMeta)
	rpc(t, h, "/tasks", `{"jsonrpc":"2.0","method":"create_id","params":{"agent_id":"`+agent+`"},"id":1}`)

	tests := []struct {
		path      string
		countKey  string
		wantCount float64
	}{
		{path: "/primary/all", countKey: "count", wantCount: 2},
		{path: "/primary/agents", countKey: "count", wantCount: 1},
		{path: "/vector/agents", countKey: "count", wantCount: 1},
		{path: "/graph/tasks", countKey: "count", wantCount: 1},
		{path: "/graph", countKey: "edge_count", wantCount: 1},
		{path: "/retry", countKey: "pending", wantCount: 0},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := do(t, h, http.MethodGet, tt.path, "")
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			var resp map[string]any
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.wantCount, resp[tt.countKey])
		})
	}

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/primary/thoughts", "").Code)
}

func TestGetPrimary(t *testing.T) {
	h := setupTestServer(t)
	agent := createAgent(t, h, auditorMeta)

	for _, collection := range []string{"agents", "all"} {
		w := do(t, h, http.MethodGet, "/primary/"+collection+"/"+agent, "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var rec core.Record
		require.NoError(t, json.NewDecoder(w.Body).Decode(&rec))
		assert.Equal(t, agent, rec.ID)
		assert.Equal(t, core.KindAgent, rec.Kind)
		assert.Equal(t, "security auditor", rec.Metadata["role"])
	}

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/primary/tasks/"+agent, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/primary/agents/ghost", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/primary/thoughts/"+agent, "").Code)
}

func TestListLogs(t *testing.T) {
	h := setupTestServer(t)
	first := createAgent(t, h, auditorMeta)
	second := createAgent(t, h, `{"role":"pastry chef","goal":"bake croissants"}`)

	for _, body := range []string{
		`{"agent_id":"` + first + `","message":"started"}`,
		`{"agent_id":"` + first + `","message":"finished","level":"warn"}`,
		`{"agent_id":"` + second + `","message":"preheating"}`,
	} {
		require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/logs", body).Code)
	}

	tests := []struct {
		query     string
		wantCount int
		wantFirst string
	}{
		{query: "", wantCount: 3, wantFirst: "started"},
		{query: "?agent_id=" + first, wantCount: 2, wantFirst: "started"},
		{query: "?agent_id=" + first + "&offset=1", wantCount: 1, wantFirst: "finished"},
		{query: "?agent_id=" + second, wantCount: 1, wantFirst: "preheating"},
		{query: "?agent_id=ghost", wantCount: 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := do(t, h, http.MethodGet, "/logs"+tt.query, "")
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			var resp struct {
				Items []core.LogEntry `json:"items"`
				Count int             `json:"count"`
			}
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.wantCount, resp.Count)
			require.Len(t, resp.Items, tt.wantCount)
			if tt.wantCount > 0 {
				assert.Equal(t, tt.wantFirst, resp.Items[0].Message)
			}
		})
	}
}

func TestRetryStatus_IncludesDeadLetters(t *testing.T) {
	h, q := setupTestStack(t)

	pending, err := q.Enqueue(core.RetryItem{
		Record: core.Record{ID: "agt001", Kind: core.KindAgent},
		Target: core.TargetVector,
	})
	require.NoError(t, err)
	doomed, err := q.Enqueue(core.RetryItem{
		Record: core.Record{ID: "tsk001", Kind: core.KindTask},
		Target: core.TargetGraph,
	})
	require.NoError(t, err)
	dead, err := q.Fail(doomed.ID, errors.New("task has no agent_id"), true)
	require.NoError(t, err)
	require.True(t, dead)

	w := do(t, h, http.MethodGet, "/retry", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Pending     int              `json:"pending"`
		Items       []core.RetryItem `json:"items"`
		Dead        int              `json:"dead"`
		DeadLetters []core.RetryItem `json:"dead_letters"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Pending)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, pending.ID, resp.Items[0].ID)
	assert.Equal(t, 1, resp.Dead)
	require.Len(t, resp.DeadLetters, 1)
	assert.Equal(t, "tsk001", resp.DeadLetters[0].Record.ID)
	assert.Equal(t, "task has no agent_id", resp.DeadLetters[0].LastError)
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{query: "", wantLimit: 100, wantOffset: 0},
		{query: "?limit=10&offset=20", wantLimit: 10, wantOffset: 20},
		{query: "?limit=-5&offset=-1", wantLimit: 100, wantOffset: 0},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/primary/all"+tt.query, nil)
		limit, offset := parsePagination(req)
		assert.Equal(t, tt.wantLimit, limit, tt.query)
		assert.Equal(t, tt.wantOffset, offset, tt.query)
	}
}
