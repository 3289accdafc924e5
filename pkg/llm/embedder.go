package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
)

// ErrDimensionMismatch is returned when the provider yields vectors of a
// different size than the index was created with.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// EmbedderConfig represents the configuration for an embedder.
type EmbedderConfig struct {
	Provider   string
	Model      string
	APIKey     string
	BaseURL    string // Ollama server URL
	BatchSize  int
	Dimensions int
}

func NewEmbedderWithConfig(ctx context.Context, config EmbedderConfig) (embeddings.Embedder, error) {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}

	var (
		client embeddings.EmbedderClient
		err    error
	)
	switch config.Provider {
	case ProviderGoogleAI, "":
		if config.Model == "" {
			config.Model = "text-embedding-004"
		}
		client, err = googleai.New(ctx,
			googleai.WithAPIKey(config.APIKey),
			googleai.WithDefaultEmbeddingModel(config.Model))
	case ProviderOllama:
		if config.Model == "" {
			config.Model = "nomic-embed-text:latest"
		}
		if config.BaseURL == "" {
			config.BaseURL = "http://localhost:11434"
		}
		client, err = ollama.New(ollama.WithModel(config.Model),
			ollama.WithServerURL(config.BaseURL))
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", config.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	emb, err := embeddings.NewEmbedder(client, embeddings.WithBatchSize(config.BatchSize))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	if config.Dimensions > 0 {
		return EnforceDimensions(emb, config.Dimensions), nil
	}
	return emb, nil
}

// EnforceDimensions rejects any vector whose length differs from dim.
func EnforceDimensions(e embeddings.Embedder, dim int) embeddings.Embedder {
	return &fixedDimEmbedder{Embedder: e, dim: dim}
}

type fixedDimEmbedder struct {
	embeddings.Embedder
	dim int
}

func (e *fixedDimEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := e.Embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}
	for _, v := range vectors {
		if err := e.check(v); err != nil {
			return nil, err
		}
	}
	return vectors, nil
}

func (e *fixedDimEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v, err := e.Embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	return v, e.check(v)
}

func (e *fixedDimEmbedder) check(v []float32) error {
	if len(v) != e.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), e.dim)
	}
	return nil
}
