package types

import (
	"context"

	"github.com/tmc/langchaingo/schema"
)

// Ingestible parses, embeds and indexes a document.
type Ingestible interface {
	Load(ctx context.Context, recreate bool, progress ProgressReporter) error
}

// Retriever returns ranked chunks for a query.
type Retriever interface {
	GetRelevantDocuments(ctx context.Context, query string) ([]schema.Document, error)
}

// KnowledgeBase is an ingested document that the agent can search.
type KnowledgeBase interface {
	Ingestible
	Retriever(k int) Retriever
	Table() string
}

// ConversationalAgent answers a question using whatever knowledge and tools
// it was built with.
type ConversationalAgent interface {
	Answer(ctx context.Context, question string) (string, error)
}

// KnowledgeBuilder turns a persisted file into a loaded knowledge base.
type KnowledgeBuilder interface {
	Build(ctx context.Context, path, table string, progress ProgressReporter) (KnowledgeBase, error)
}

// AgentFactory binds a new agent to a knowledge base.
type AgentFactory interface {
	New(kb KnowledgeBase, userID string) (ConversationalAgent, error)
}

// ProgressReporter receives ingestion progress in percent.
type ProgressReporter interface {
	Report(percent int, stage string)
}

// ProgressFunc adapts a function to ProgressReporter.
type ProgressFunc func(percent int, stage string)

func (f ProgressFunc) Report(percent int, stage string) { f(percent, stage) }

// NopProgress discards progress updates.
var NopProgress ProgressReporter = ProgressFunc(func(int, string) {})
