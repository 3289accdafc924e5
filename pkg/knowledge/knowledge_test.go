package knowledge

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-pdf/fpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/tmc/langchaingo/vectorstores"

	"github.com/xhad/ragchat/internal/types"
)

// memIndex keeps documents in memory and matches on shared words.
type memIndex struct {
	mu       sync.Mutex
	table    string
	docs     []schema.Document
	replaced int
	added    int
	err      error
}

func (m *memIndex) Table() string { return m.table }

func (m *memIndex) Replace(ctx context.Context, docs []schema.Document) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.replaced++
	m.docs = append([]schema.Document(nil), docs...)
	return make([]string, len(docs)), nil
}

func (m *memIndex) AddDocuments(ctx context.Context, docs []schema.Document, _ ...vectorstores.Option) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.added++
	m.docs = append(m.docs, docs...)
	return make([]string, len(docs)), nil
}

func (m *memIndex) SimilaritySearch(ctx context.Context, query string, n int, _ ...vectorstores.Option) ([]schema.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schema.Document
	for _, doc := range m.docs {
		for _, word := range strings.Fields(strings.ToLower(query)) {
			if strings.Contains(strings.ToLower(doc.PageContent), word) {
				out = append(out, doc)
				break
			}
		}
		if len(out) == n {
			break
		}
	}
	return out, nil
}

type stubLoader struct {
	pages []schema.Document
	err   error
}

func (s stubLoader) Load(ctx context.Context, path string) ([]schema.Document, error) {
	return s.pages, s.err
}

func recipePages() []schema.Document {
	return []schema.Document{
		{PageContent: "Lasagna. Layer pasta sheets with ricotta and beef ragu.", Metadata: map[string]any{"page": 1, "total_pages": 2}},
		{PageContent: "Tiramisu. Soak ladyfingers in coffee and layer with mascarpone.", Metadata: map[string]any{"page": 2, "total_pages": 2}},
	}
}

func newTestBuilder(loader Loader, index *memIndex) *Builder {
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(40),
		textsplitter.WithChunkOverlap(0),
	)
	return NewBuilder(loader, splitter, func(table string) (Index, error) {
		index.table = table
		return index, nil
	}, nil)
}

func TestBuildReplacesIndex(t *testing.T) {
	index := &memIndex{}
	b := newTestBuilder(stubLoader{pages: recipePages()}, index)

	var percents []int
	progress := types.ProgressFunc(func(p int, _ string) { percents = append(percents, p) })

	kb, err := b.Build(context.Background(), "/data/recipe_book.pdf", "recipes", progress)
	require.NoError(t, err)

	assert.Equal(t, "recipes", kb.Table())
	assert.Equal(t, 1, index.replaced)
	assert.Equal(t, 0, index.added)
	require.Greater(t, len(index.docs), 2)

	for i, doc := range index.docs {
		assert.Equal(t, "recipe_book.pdf", doc.Metadata["source"])
		assert.Equal(t, i, doc.Metadata["chunk"])
		assert.Contains(t, []any{1, 2}, doc.Metadata["page"])
	}
	assert.IsIncreasing(t, percents)
}

func TestLoadAppends(t *testing.T) {
	index := &memIndex{}
	b := newTestBuilder(stubLoader{pages: recipePages()}, index)

	kb, err := b.Build(context.Background(), "recipe_book.pdf", "recipes", nil)
	require.NoError(t, err)
	before := len(index.docs)

	require.NoError(t, kb.Load(context.Background(), false, nil))
	assert.Equal(t, 1, index.added)
	assert.Len(t, index.docs, 2*before)
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name    string
		loader  Loader
		index   *memIndex
		want    error
		message string
	}{
		{
			name:    "unreadable document",
			loader:  stubLoader{err: errors.New("malformed PDF")},
			index:   &memIndex{},
			message: "parse broken.pdf",
		},
		{
			name:   "no text",
			loader: stubLoader{pages: []schema.Document{{PageContent: "   \n "}}},
			index:  &memIndex{},
			want:   ErrNoContent,
		},
		{
			name:    "index failure",
			loader:  stubLoader{pages: recipePages()},
			index:   &memIndex{err: errors.New("connection refused")},
			message: "index broken.pdf",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBuilder(tt.loader, tt.index)

			kb, err := b.Build(context.Background(), "broken.pdf", "recipes", nil)
			require.Error(t, err)
			assert.Nil(t, kb)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			if tt.message != "" {
				assert.Contains(t, err.Error(), tt.message)
			}
			assert.Empty(t, tt.index.docs)
		})
	}
}

func TestBuildIndexFactoryError(t *testing.T) {
	b := NewBuilder(stubLoader{pages: recipePages()}, textsplitter.NewRecursiveCharacter(), func(string) (Index, error) {
		return nil, errors.New("invalid table name")
	}, nil)

	_, err := b.Build(context.Background(), "recipe_book.pdf", "bad name", nil)
	assert.ErrorContains(t, err, "open index bad name")
}

func TestRetriever(t *testing.T) {
	index := &memIndex{}
	b := newTestBuilder(stubLoader{pages: recipePages()}, index)

	kb, err := b.Build(context.Background(), "recipe_book.pdf", "recipes", nil)
	require.NoError(t, err)

	docs, err := kb.Retriever(1).GetRelevantDocuments(context.Background(), "ricotta")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Contains(t, docs[0].PageContent, "ricotta")
}

func writeTestPDF(t *testing.T, dir string, lines ...string) string {
	t.Helper()

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Helvetica", "", 12)
	pdf.AddPage()
	for _, line := range lines {
		pdf.Cell(40, 10, line)
		pdf.Ln(12)
	}

	var buf bytes.Buffer
	require.NoError(t, pdf.Output(&buf))

	path := filepath.Join(dir, "recipe_book.pdf")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestPDFLoader(t *testing.T) {
	path := writeTestPDF(t, t.TempDir(), "Lasagna", "Bake for forty minutes")

	pages, err := PDFLoader{}.Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Contains(t, pages[0].PageContent, "Lasagna")
	assert.Equal(t, 1, pages[0].Metadata["page"])
}

func TestPDFLoaderRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.pdf")
	require.NoError(t, os.WriteFile(path, []byte("this is not a pdf"), 0o644))

	_, err := PDFLoader{}.Load(context.Background(), path)
	assert.Error(t, err)

	_, err = PDFLoader{}.Load(context.Background(), filepath.Join(t.TempDir(), "missing.pdf"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
