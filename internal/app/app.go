// Package app wires the configured providers, store and factories into the
// session dependencies shared by the web server and the terminal chat.
package app

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/tools"
	"go.uber.org/zap"

	"github.com/xhad/ragchat/pkg/agent"
	"github.com/xhad/ragchat/pkg/config"
	"github.com/xhad/ragchat/pkg/docstore"
	"github.com/xhad/ragchat/pkg/knowledge"
	"github.com/xhad/ragchat/pkg/llm"
	"github.com/xhad/ragchat/pkg/processor"
	"github.com/xhad/ragchat/pkg/session"
	"github.com/xhad/ragchat/pkg/store"
	"github.com/xhad/ragchat/pkg/websearch"
)

type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Docs     *docstore.Store
	Store    *store.VectorStore
	Deps     session.Deps
	Sessions *session.Registry
}

func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	model, err := llm.NewWithConfig(ctx, llm.ChatConfig{
		Provider:    cfg.LLM.Provider,
		Model:       cfg.LLM.Model,
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chat model: %w", err)
	}

	embedder, err := llm.NewEmbedderWithConfig(ctx, llm.EmbedderConfig{
		Provider:   cfg.LLM.Provider,
		Model:      cfg.LLM.EmbeddingModel,
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		BatchSize:  cfg.Database.BatchSize,
		Dimensions: cfg.Database.VectorDim,
	})
	if err != nil {
		return nil, err
	}

	splitter, err := processor.NewSplitter(cfg.Processor.Splitter, cfg.Processor.ChunkSize, cfg.Processor.ChunkOverlap)
	if err != nil {
		return nil, err
	}

	vs, err := store.NewWithConfig(ctx, store.VectorStoreConfig{
		ConnString:  cfg.Database.URL,
		TableName:   cfg.Database.TableName,
		VectorDim:   cfg.Database.VectorDim,
		BatchSize:   cfg.Database.BatchSize,
		SearchLimit: cfg.Database.SearchLimit,
	}, embedder)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector store: %w", err)
	}

	builder := knowledge.NewBuilder(knowledge.PDFLoader{}, splitter, func(table string) (knowledge.Index, error) {
		index, err := vs.WithTable(table)
		if err != nil {
			return nil, err
		}
		return index, nil
	}, logger)

	factory := agent.NewFactory(model, searchTools(cfg, logger), agent.Config{
		Description:   cfg.Agent.Description,
		HistoryTurns:  cfg.Agent.HistoryTurns,
		MaxIterations: cfg.Agent.MaxIterations,
		References:    cfg.Agent.References,
	}, logger)

	docs := docstore.New(cfg.Server.DataDir)
	deps := session.Deps{
		Docs:    docs,
		Builder: builder,
		Agents:  factory,
		Table:   session.SharedTable(cfg.Database.TableName),
		UserID:  cfg.Agent.UserID,
		Logger:  logger,
	}
	if cfg.Database.IsolateSessions {
		deps.Table = session.IsolatedTable(cfg.Database.TableName)
		deps.Release = func(ctx context.Context, table string) error {
			index, err := vs.WithTable(table)
			if err != nil {
				return err
			}
			return index.Drop(ctx)
		}
	}

	logger.Info("application initialized",
		zap.String("provider", cfg.LLM.Provider),
		zap.String("model", cfg.LLM.Model),
		zap.String("table", cfg.Database.TableName),
		zap.Bool("isolate_sessions", cfg.Database.IsolateSessions),
		zap.Bool("web_search", cfg.Search.Enabled),
	)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Docs:     docs,
		Store:    vs,
		Deps:     deps,
		Sessions: session.NewRegistry(cfg.Server.SessionTTL, deps),
	}, nil
}

func searchTools(cfg *config.Config, logger *zap.Logger) []tools.Tool {
	if !cfg.Search.Enabled {
		return nil
	}
	client := websearch.NewWithConfig(websearch.SearchConfig{
		MaxResults: cfg.Search.MaxResults,
		RateLimit:  cfg.Search.RateLimit,
		Timeout:    cfg.Search.Timeout,
		UserAgent:  cfg.Search.UserAgent,
	})
	return []tools.Tool{
		websearch.NewSearchTool(client, logger),
		websearch.NewPageReader(client, logger),
	}
}

func (a *App) Close() {
	a.Store.Close()
}
