// Package embed generates vector embeddings for knowledge nodes through a
// pluggable engine interface.
package embed

import (
	"context"
	"fmt"

	"github.com/hindsight-dev/hindsight/internal/config"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch generates embeddings for multiple texts, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the dimensionality of produced vectors.
	Dimensions() int
	// Name returns the engine's model name as stored with each vector.
	Name() string
}

// NewEngine builds an engine from configuration. The "none" provider
// returns (nil, nil): embedding is disabled and callers skip the step.
func NewEngine(cfg config.EmbeddingConfig) (Engine, error) {
	switch cfg.Provider {
	case config.EmbeddingProviderNone, "":
		return nil, nil
	case config.EmbeddingProviderHTTP:
		return newHTTPEngine(cfg), nil
	case config.EmbeddingProviderMock:
		return NewMockEngine(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
