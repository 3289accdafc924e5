package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/tools"

	"github.com/xhad/ragchat/internal/types"
)

// scriptedModel replies with canned completions and records every prompt.
type scriptedModel struct {
	mu        sync.Mutex
	responses []string
	prompts   []string
	err       error
}

func (m *scriptedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var prompt strings.Builder
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if text, ok := part.(llms.TextContent); ok {
				prompt.WriteString(text.Text)
			}
		}
	}
	m.prompts = append(m.prompts, prompt.String())

	if m.err != nil {
		return nil, m.err
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: resp}}}, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

type stubRetriever struct {
	docs  []schema.Document
	err   error
	calls int
}

func (r *stubRetriever) GetRelevantDocuments(ctx context.Context, query string) ([]schema.Document, error) {
	r.calls++
	return r.docs, r.err
}

type stubKnowledge struct {
	retriever *stubRetriever
	k         int
}

func (s *stubKnowledge) Load(ctx context.Context, recreate bool, progress types.ProgressReporter) error {
	return nil
}

func (s *stubKnowledge) Retriever(k int) types.Retriever {
	s.k = k
	return s.retriever
}

func (s *stubKnowledge) Table() string { return "recipes" }

type stubTool struct {
	inputs []string
}

func (t *stubTool) Name() string        { return "fake_search" }
func (t *stubTool) Description() string { return "Looks things up on the fake web." }
func (t *stubTool) Call(ctx context.Context, input string) (string, error) {
	t.inputs = append(t.inputs, input)
	return "Lasagna comes from Naples.", nil
}

var _ tools.Tool = (*stubTool)(nil)

func recipeReferences() []schema.Document {
	return []schema.Document{
		{PageContent: "Layer pasta sheets with ricotta and ragu.", Metadata: map[string]any{"source": "recipe_book.pdf", "page": 3}},
		{PageContent: "Bake for forty minutes.", Metadata: map[string]any{"source": "recipe_book.pdf", "page": float64(4)}},
	}
}

func TestAnswerInjectsReferences(t *testing.T) {
	model := &scriptedModel{responses: []string{"Do I need to use a tool? No\nAI: Layer pasta with ricotta, then bake."}}
	kb := &stubKnowledge{retriever: &stubRetriever{docs: recipeReferences()}}
	tool := &stubTool{}

	factory := NewFactory(model, []tools.Tool{tool}, Config{Description: "You are a friendly RAG agent.", References: 3}, nil)
	a, err := factory.New(kb, "Sam")
	require.NoError(t, err)
	assert.Equal(t, 3, kb.k)

	answer, err := a.Answer(context.Background(), "How do I make lasagna?")
	require.NoError(t, err)
	assert.Equal(t, "Layer pasta with ricotta, then bake.", answer)

	require.Len(t, model.prompts, 1)
	prompt := model.prompts[0]
	assert.Contains(t, prompt, "You are a friendly RAG agent.")
	assert.Contains(t, prompt, "You are talking to Sam.")
	assert.Contains(t, prompt, "Looks things up on the fake web.")
	assert.Contains(t, prompt, "[1] (recipe_book.pdf, page 3)\nLayer pasta sheets with ricotta and ragu.")
	assert.Contains(t, prompt, "[2] (recipe_book.pdf, page 4)")
	assert.Contains(t, prompt, "Question: How do I make lasagna?")
	assert.Empty(t, tool.inputs)
}

func TestAnswerKeepsHistory(t *testing.T) {
	model := &scriptedModel{responses: []string{
		"Do I need to use a tool? No\nAI: Layer pasta with ricotta, then bake.",
		"Do I need to use a tool? No\nAI: About forty minutes.",
	}}
	kb := &stubKnowledge{retriever: &stubRetriever{}}

	a, err := NewFactory(model, nil, Config{Description: "You are a friendly RAG agent."}, nil).New(kb, "Sam")
	require.NoError(t, err)

	_, err = a.Answer(context.Background(), "How do I make lasagna?")
	require.NoError(t, err)
	answer, err := a.Answer(context.Background(), "How long does it bake?")
	require.NoError(t, err)
	assert.Equal(t, "About forty minutes.", answer)

	require.Len(t, model.prompts, 2)
	assert.Contains(t, model.prompts[1], "How do I make lasagna?")
	assert.Contains(t, model.prompts[1], "Layer pasta with ricotta, then bake.")
	assert.Contains(t, model.prompts[1], "How long does it bake?")
}

func TestAnswerFallsBackToTool(t *testing.T) {
	model := &scriptedModel{responses: []string{
		"Do I need to use a tool? Yes\nAction: fake_search\nAction Input: lasagna origin",
		"Do I need to use a tool? No\nAI: Lasagna comes from Naples.",
	}}
	kb := &stubKnowledge{retriever: &stubRetriever{}}
	tool := &stubTool{}

	a, err := NewFactory(model, []tools.Tool{tool}, Config{}, nil).New(kb, "")
	require.NoError(t, err)

	answer, err := a.Answer(context.Background(), "Where does lasagna come from?")
	require.NoError(t, err)
	assert.Equal(t, "Lasagna comes from Naples.", answer)

	require.Len(t, tool.inputs, 1)
	assert.Contains(t, tool.inputs[0], "lasagna origin")
	require.Len(t, model.prompts, 2)
	assert.Contains(t, model.prompts[1], "Lasagna comes from Naples.")
}

func TestAnswerErrors(t *testing.T) {
	t.Run("retrieval failure", func(t *testing.T) {
		model := &scriptedModel{responses: []string{"AI: unused"}}
		kb := &stubKnowledge{retriever: &stubRetriever{err: errors.New("connection refused")}}

		a, err := NewFactory(model, nil, Config{}, nil).New(kb, "Sam")
		require.NoError(t, err)

		_, err = a.Answer(context.Background(), "How do I make lasagna?")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "search knowledge base: connection refused")
		assert.Empty(t, model.prompts)
	})

	t.Run("model failure", func(t *testing.T) {
		model := &scriptedModel{err: errors.New("quota exceeded")}
		kb := &stubKnowledge{retriever: &stubRetriever{docs: recipeReferences()}}

		a, err := NewFactory(model, nil, Config{}, nil).New(kb, "Sam")
		require.NoError(t, err)

		_, err = a.Answer(context.Background(), "How do I make lasagna?")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "run agent")
	})
}

func TestNewWithoutKnowledge(t *testing.T) {
	_, err := NewFactory(&scriptedModel{}, nil, Config{}, nil).New(nil, "Sam")
	assert.ErrorIs(t, err, ErrNoKnowledge)
}

func TestWithReferences(t *testing.T) {
	assert.Equal(t, "What is ragu?", withReferences("What is ragu?", nil))

	got := withReferences("What is ragu?", []schema.Document{{PageContent: " Meat sauce. "}})
	assert.Equal(t, "Use the following references from the knowledge base if they help answer the question.\n\n"+
		"[1] (document)\nMeat sauce.\n\nQuestion: What is ragu?", got)
}

func TestPromptPrefixEscapesTemplates(t *testing.T) {
	prefix := promptPrefix("Answer {{.input}} politely.", "Sam")
	assert.NotContains(t, prefix, "{{.input}}")
	assert.Contains(t, prefix, "{{.tool_descriptions}}")
}
