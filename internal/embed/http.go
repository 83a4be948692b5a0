package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/systemshift/registry/internal/core"
)

// DefaultModel is requested when HTTPConfig.Model is empty
const DefaultModel = "text-embedding-3-small"

// HTTPConfig configures an OpenAI-compatible embeddings endpoint
type HTTPConfig struct {
	URL     string
	Model   string
	APIKey  string
	Timeout time.Duration
}

// HTTP calls a remote embeddings API
type HTTP struct {
	url        string
	model      string
	apiKey     string
	httpClient *http.Client
}

// NewHTTP creates an embedder for an OpenAI-compatible /embeddings endpoint
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: embedder url is required", core.ErrInvalidArgument)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTP{
		url:    cfg.URL,
		model:  cfg.Model,
		apiKey: cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed requests the embedding of text
func (h *HTTP) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embeddingRequest{Model: h.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: embedder request: %v", core.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading embedder response: %v", core.ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: embedder returned status %d: %s", core.ErrUnavailable, resp.StatusCode, truncate(body, 200))
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decoding embedder response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("%w: embedder error: %s", core.ErrUnavailable, parsed.Error.Message)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedder returned no embedding")
	}
	return parsed.Data[0].Embedding, nil
}

// Ping embeds a one-word probe
func (h *HTTP) Ping(ctx context.Context) error {
	_, err := h.Embed(ctx, "ping")
	return err
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
