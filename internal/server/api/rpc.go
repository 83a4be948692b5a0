package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/systemshift/registry/internal/core"
	"github.com/systemshift/registry/internal/server/registry"
)

// JSON-RPC 2.0 version string
const jsonRPCVersion = "2.0"

// JSON-RPC error codes
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
	ErrCodeAgentNotFound  = -32001
	ErrCodeConflict       = -32002
)

const methodCreateID = "create_id"

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// createIDParams are the create_id parameters
type createIDParams struct {
	Length        int            `json:"length"`
	Deterministic bool           `json:"deterministic"`
	Seed          string         `json:"seed"`
	Metadata      map[string]any `json:"metadata"`
	AgentID       string         `json:"agent_id"`
}

type createIDResult struct {
	Status        string               `json:"status"`
	ID            string               `json:"id"`
	Collection    string               `json:"collection"`
	SimilarAgents []core.SimilarityHit `json:"similar_agents,omitempty"`
}

const createIDSchema = `{
	"type": "object",
	"properties": {
		"length": {"type": "integer", "minimum": 1, "maximum": 64},
		"deterministic": {"type": "boolean"},
		"seed": {"type": "string"},
		"metadata": {"type": "object"},
		"agent_id": {"type": "string"}
	}
}`

type rpcValidator struct {
	createID *jsonschema.Schema
}

func newRPCValidator() (*rpcValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(createIDSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal create_id schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("create_id.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("create_id.json")
	if err != nil {
		return nil, fmt.Errorf("compile create_id schema: %w", err)
	}
	return &rpcValidator{createID: schema}, nil
}

// validate checks raw params against the create_id schema
func (v *rpcValidator) validate(raw json.RawMessage) error {
	// UnmarshalJSON keeps numbers as json.Number so integer checks are exact
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return v.createID.Validate(inst)
}

// rpcHandler serves create_id for one collection
func (s *Server) rpcHandler(kind core.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeRPC(w, rpcResponse{Error: &rpcError{Code: ErrCodeParse, Message: "parse error"}})
			return
		}
		if req.JSONRPC != jsonRPCVersion || req.Method == "" {
			writeRPC(w, rpcResponse{ID: req.ID, Error: &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"}})
			return
		}
		if req.Method != methodCreateID {
			writeRPC(w, rpcResponse{ID: req.ID, Error: &rpcError{
				Code:    ErrCodeMethodNotFound,
				Message: fmt.Sprintf("method %q not found", req.Method),
			}})
			return
		}

		raw := req.Params
		if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			raw = json.RawMessage(`{}`)
		}
		if err := s.rpc.validate(raw); err != nil {
			writeRPC(w, rpcResponse{ID: req.ID, Error: &rpcError{Code: ErrCodeInvalidParams, Message: "invalid params", Data: err.Error()}})
			return
		}
		var params createIDParams
		if err := json.Unmarshal(raw, &params); err != nil {
			writeRPC(w, rpcResponse{ID: req.ID, Error: &rpcError{Code: ErrCodeInvalidParams, Message: "invalid params", Data: err.Error()}})
			return
		}

		creq := registry.CreateRequest{
			Length:        params.Length,
			Deterministic: params.Deterministic,
			Seed:          params.Seed,
			Metadata:      params.Metadata,
			AgentID:       params.AgentID,
		}
		var (
			res *registry.Result
			err error
		)
		if kind == core.KindTask {
			res, err = s.registry.CreateTask(r.Context(), creq)
		} else {
			res, err = s.registry.CreateAgent(r.Context(), creq)
		}
		if err != nil {
			writeRPC(w, rpcResponse{ID: req.ID, Error: toRPCError(err, params.AgentID)})
			return
		}

		writeRPC(w, rpcResponse{ID: req.ID, Result: createIDResult{
			Status:        "ok",
			ID:            res.ID,
			Collection:    res.Collection,
			SimilarAgents: res.SimilarAgents,
		}})
	}
}

// toRPCError maps the core error taxonomy onto JSON-RPC codes
func toRPCError(err error, agentID string) *rpcError {
	switch {
	case errors.Is(err, core.ErrInvalidArgument):
		return &rpcError{Code: ErrCodeInvalidParams, Message: err.Error()}
	case errors.Is(err, core.ErrNotFound):
		return &rpcError{Code: ErrCodeAgentNotFound, Message: "agent not found", Data: map[string]string{"agent_id": agentID}}
	case errors.Is(err, core.ErrConflict):
		return &rpcError{Code: ErrCodeConflict, Message: err.Error()}
	default:
		return &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	resp.JSONRPC = jsonRPCVersion
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
