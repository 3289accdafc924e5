package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/agents"
	"github.com/tmc/langchaingo/chains"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/memory"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/tools"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/xhad/ragchat/internal/tracing"
	"github.com/xhad/ragchat/internal/types"
)

var ErrNoKnowledge = errors.New("agent needs a knowledge base")

const tracerName = "github.com/xhad/ragchat/pkg/agent"

type Config struct {
	Description   string
	HistoryTurns  int
	MaxIterations int
	References    int
}

// Factory builds one agent per loaded knowledge base. The model and tools
// are shared between agents; memory is not.
type Factory struct {
	model  llms.Model
	tools  []tools.Tool
	config Config
	logger *zap.Logger
}

func NewFactory(model llms.Model, agentTools []tools.Tool, config Config, logger *zap.Logger) *Factory {
	if config.HistoryTurns == 0 {
		config.HistoryTurns = 5
	}
	if config.MaxIterations == 0 {
		config.MaxIterations = 5
	}
	if config.References == 0 {
		config.References = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		model:  model,
		tools:  agentTools,
		config: config,
		logger: logger,
	}
}

// New returns an agent that searches kb before every answer and may fall
// back to the web tools.
func (f *Factory) New(kb types.KnowledgeBase, userID string) (types.ConversationalAgent, error) {
	if kb == nil {
		return nil, ErrNoKnowledge
	}

	conversational := agents.NewConversationalAgent(f.model, f.tools,
		agents.WithPromptPrefix(promptPrefix(f.config.Description, userID)),
	)
	executor := agents.NewExecutor(conversational,
		agents.WithMemory(memory.NewConversationWindowBuffer(f.config.HistoryTurns)),
		agents.WithMaxIterations(f.config.MaxIterations),
	)

	return &Agent{
		executor:  executor,
		retriever: kb.Retriever(f.config.References),
		table:     kb.Table(),
		userID:    userID,
		logger:    f.logger,
	}, nil
}

func promptPrefix(description, userID string) string {
	// The prefix is parsed as a template.
	description = strings.ReplaceAll(description, "{{", "{ {")
	userID = strings.ReplaceAll(userID, "{{", "{ {")

	var b strings.Builder
	b.WriteString(description)
	b.WriteString("\n\n")
	if userID != "" {
		fmt.Fprintf(&b, "You are talking to %s.\n", userID)
	}
	b.WriteString("When the question comes with references from the knowledge base, prefer them and cite the source and page. ")
	b.WriteString("Format answers in markdown.\n\n")
	b.WriteString("TOOLS:\n------\n\nAssistant has access to the following tools:\n\n{{.tool_descriptions}}\n")
	return b.String()
}

// Agent answers questions about one knowledge base and keeps the last few
// turns of the conversation.
type Agent struct {
	executor  *agents.Executor
	retriever types.Retriever
	table     string
	userID    string
	logger    *zap.Logger
}

func (a *Agent) Answer(ctx context.Context, question string) (answer string, err error) {
	ctx, span := tracing.Tracer(tracerName).Start(ctx, "agent.Answer")
	span.SetAttributes(attribute.String("table", a.table))
	defer func() {
		tracing.Fail(span, err)
		span.End()
	}()

	start := time.Now()

	refs, err := a.retriever.GetRelevantDocuments(ctx, question)
	if err != nil {
		return "", fmt.Errorf("search knowledge base: %w", err)
	}
	span.SetAttributes(attribute.Int("references", len(refs)))

	answer, err = chains.Run(ctx, a.executor, withReferences(question, refs))
	if err != nil {
		return "", fmt.Errorf("run agent: %w", err)
	}

	a.logger.Debug("agent answered",
		zap.String("table", a.table),
		zap.Int("references", len(refs)),
		zap.Duration("took", time.Since(start)),
	)
	return strings.TrimSpace(answer), nil
}

// withReferences prepends the retrieved chunks to the question.
func withReferences(question string, refs []schema.Document) string {
	if len(refs) == 0 {
		return question
	}

	var b strings.Builder
	b.WriteString("Use the following references from the knowledge base if they help answer the question.\n\n")
	for i, doc := range refs {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, label(doc.Metadata), strings.TrimSpace(doc.PageContent))
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}

func label(metadata map[string]any) string {
	source, _ := metadata["source"].(string)
	if source == "" {
		source = "document"
	}
	// JSONB round trips turn numbers into float64.
	switch page := metadata["page"].(type) {
	case int:
		return fmt.Sprintf("(%s, page %d)", source, page)
	case float64:
		return fmt.Sprintf("(%s, page %d)", source, int(page))
	}
	return "(" + source + ")"
}
