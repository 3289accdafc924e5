package llm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/ragchat/pkg/llm"
)

type fakeEmbedder struct {
	dim int
}

func (f fakeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}

func (f fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, f.dim), nil
}

func TestNewEmbedderWithConfig(t *testing.T) {
	emb, err := llm.NewEmbedderWithConfig(context.Background(), llm.EmbedderConfig{
		Provider:   llm.ProviderOllama,
		Model:      "nomic-embed-text:latest",
		BaseURL:    "http://localhost:11434",
		Dimensions: 768,
	})
	require.NoError(t, err)
	assert.NotNil(t, emb)

	_, err = llm.NewEmbedderWithConfig(context.Background(), llm.EmbedderConfig{Provider: "nope"})
	assert.Error(t, err)
}

func TestEnforceDimensions(t *testing.T) {
	ctx := context.Background()

	ok := llm.EnforceDimensions(fakeEmbedder{dim: 4}, 4)
	vectors, err := ok.EmbedDocuments(ctx, []string{"first chunk", "second chunk"})
	require.NoError(t, err)
	assert.Len(t, vectors, 2)

	query, err := ok.EmbedQuery(ctx, "chunk")
	require.NoError(t, err)
	assert.Len(t, query, 4)

	bad := llm.EnforceDimensions(fakeEmbedder{dim: 3}, 4)
	_, err = bad.EmbedDocuments(ctx, []string{"first chunk"})
	assert.True(t, errors.Is(err, llm.ErrDimensionMismatch))

	_, err = bad.EmbedQuery(ctx, "chunk")
	assert.True(t, errors.Is(err, llm.ErrDimensionMismatch))
}
