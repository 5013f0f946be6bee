package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hindsight-dev/hindsight/internal/config"
)

// httpEngine calls a local embedding server speaking the Ollama shape:
// POST {endpoint}/api/embeddings with {"model": ..., "prompt": ...}
// responding {"embedding": [...]}.
type httpEngine struct {
	endpoint  string
	model     string
	dimension int
	batchSize int
	client    *http.Client
}

var _ Engine = (*httpEngine)(nil)

const defaultBatchSize = 32

func newHTTPEngine(cfg config.EmbeddingConfig) *httpEngine {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &httpEngine{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		model:     cfg.Model,
		dimension: cfg.Dimension,
		batchSize: batch,
		client:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (e *httpEngine) Name() string    { return e.model }
func (e *httpEngine) Dimensions() int { return e.dimension }

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates the embedding for one text.
func (e *httpEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding server returned %d: %s", resp.StatusCode, string(snippet))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, fmt.Errorf("embedding server returned an empty vector")
	}
	if e.dimension > 0 && len(parsed.Embedding) != e.dimension {
		return nil, fmt.Errorf("embedding dimension mismatch: want %d, got %d", e.dimension, len(parsed.Embedding))
	}
	return parsed.Embedding, nil
}

// EmbedBatch embeds texts sequentially in batches; the server itself is
// single-request.
func (e *httpEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, v)
	}
	return vectors, nil
}
