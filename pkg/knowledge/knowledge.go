package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/tmc/langchaingo/vectorstores"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/xhad/ragchat/internal/tracing"
	"github.com/xhad/ragchat/internal/types"
)

// ErrNoContent is returned when a document yields no text to index.
var ErrNoContent = errors.New("document has no extractable text")

const tracerName = "github.com/xhad/ragchat/pkg/knowledge"

// Loader reads a file into one document per page.
type Loader interface {
	Load(ctx context.Context, path string) ([]schema.Document, error)
}

// PDFLoader reads PDF files with langchaingo's PDF document loader.
type PDFLoader struct {
	Password string
}

func (l PDFLoader) Load(ctx context.Context, path string) ([]schema.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var opts []documentloaders.PDFOptions
	if l.Password != "" {
		opts = append(opts, documentloaders.WithPassword(l.Password))
	}

	return documentloaders.NewPDF(f, info.Size(), opts...).Load(ctx)
}

// Index is a vector store that can be rebuilt from scratch in one step.
type Index interface {
	vectorstores.VectorStore
	Replace(ctx context.Context, docs []schema.Document) ([]string, error)
	Table() string
}

// IndexFactory returns the index for a logical table name.
type IndexFactory func(table string) (Index, error)

// Builder assembles knowledge bases from a reader, a chunking policy and an
// index. It is safe for concurrent use.
type Builder struct {
	loader   Loader
	splitter textsplitter.TextSplitter
	indexes  IndexFactory
	logger   *zap.Logger
}

func NewBuilder(loader Loader, splitter textsplitter.TextSplitter, indexes IndexFactory, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		loader:   loader,
		splitter: splitter,
		indexes:  indexes,
		logger:   logger,
	}
}

// Build creates the knowledge base for the file at path and loads it with
// recreate set, replacing whatever the table held before.
func (b *Builder) Build(ctx context.Context, path, table string, progress types.ProgressReporter) (types.KnowledgeBase, error) {
	index, err := b.indexes(table)
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", table, err)
	}

	kb := &KnowledgeBase{
		path:     path,
		loader:   b.loader,
		splitter: b.splitter,
		index:    index,
		logger:   b.logger,
	}
	if err := kb.Load(ctx, true, progress); err != nil {
		return nil, err
	}
	return kb, nil
}

// KnowledgeBase is one document indexed under one table.
type KnowledgeBase struct {
	path     string
	loader   Loader
	splitter textsplitter.TextSplitter
	index    Index
	logger   *zap.Logger
}

var _ types.KnowledgeBase = (*KnowledgeBase)(nil)

func (kb *KnowledgeBase) Table() string {
	return kb.index.Table()
}

// Retriever returns the k most similar chunks for a query.
func (kb *KnowledgeBase) Retriever(k int) types.Retriever {
	return vectorstores.ToRetriever(kb.index, k)
}

// Load parses, chunks, embeds and indexes the document. With recreate the
// table is rebuilt and holds only this document afterwards.
func (kb *KnowledgeBase) Load(ctx context.Context, recreate bool, progress types.ProgressReporter) (err error) {
	if progress == nil {
		progress = types.NopProgress
	}
	name := filepath.Base(kb.path)

	ctx, span := tracing.Tracer(tracerName).Start(ctx, "knowledge.Load")
	span.SetAttributes(
		attribute.String("document", name),
		attribute.String("table", kb.index.Table()),
		attribute.Bool("recreate", recreate),
	)
	defer func() {
		tracing.Fail(span, err)
		span.End()
	}()

	start := time.Now()

	pages, err := kb.loader.Load(ctx, kb.path)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}

	progress.Report(30, "Splitting into chunks...")
	chunks, err := kb.chunk(name, pages)
	if err != nil {
		return fmt.Errorf("split %s: %w", name, err)
	}
	if len(chunks) == 0 {
		return fmt.Errorf("parse %s: %w", name, ErrNoContent)
	}
	span.SetAttributes(attribute.Int("pages", len(pages)), attribute.Int("chunks", len(chunks)))

	progress.Report(40, fmt.Sprintf("Embedding and indexing %d chunks...", len(chunks)))
	if recreate {
		_, err = kb.index.Replace(ctx, chunks)
	} else {
		_, err = kb.index.AddDocuments(ctx, chunks)
	}
	if err != nil {
		return fmt.Errorf("index %s: %w", name, err)
	}
	progress.Report(90, "Knowledge base created")

	kb.logger.Info("knowledge base loaded",
		zap.String("document", name),
		zap.String("table", kb.index.Table()),
		zap.Bool("recreate", recreate),
		zap.Int("pages", len(pages)),
		zap.Int("chunks", len(chunks)),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// chunk splits pages and tags every chunk with its source, page and
// position in the document.
func (kb *KnowledgeBase) chunk(name string, pages []schema.Document) ([]schema.Document, error) {
	split, err := textsplitter.SplitDocuments(kb.splitter, pages)
	if err != nil {
		return nil, err
	}

	chunks := make([]schema.Document, 0, len(split))
	for _, doc := range split {
		if strings.TrimSpace(doc.PageContent) == "" {
			continue
		}
		metadata := make(map[string]any, len(doc.Metadata)+2)
		for k, v := range doc.Metadata {
			metadata[k] = v
		}
		metadata["source"] = name
		metadata["chunk"] = len(chunks)
		chunks = append(chunks, schema.Document{
			PageContent: doc.PageContent,
			Metadata:    metadata,
		})
	}
	return chunks, nil
}
