package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/vectorstores"
)

var (
	ErrInvalidTable = errors.New("invalid table name")
	ErrNoEmbedder   = errors.New("vector store has no embedder")
)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

type VectorStoreConfig struct {
	ConnString  string
	TableName   string
	VectorDim   int
	BatchSize   int
	SearchLimit int
}

// VectorStore keeps document chunks and their embeddings in one pgvector
// table. Copies made with WithTable share the connection pool.
type VectorStore struct {
	config   VectorStoreConfig
	pool     *pgxpool.Pool
	embedder embeddings.Embedder
	owner    bool
}

var _ vectorstores.VectorStore = (*VectorStore)(nil)

func NewWithConfig(ctx context.Context, config VectorStoreConfig, embedder embeddings.Embedder) (*VectorStore, error) {
	config = withDefaults(config)
	if err := validateTable(config.TableName); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	vs := &VectorStore{
		config:   config,
		pool:     pool,
		embedder: embedder,
		owner:    true,
	}

	// Enable pgvector extension
	if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create vector extension: %w", err)
	}

	return vs, nil
}

func withDefaults(config VectorStoreConfig) VectorStoreConfig {
	if config.TableName == "" {
		config.TableName = "recipes"
	}
	if config.VectorDim == 0 {
		config.VectorDim = 768
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if config.SearchLimit == 0 {
		config.SearchLimit = 5
	}
	return config
}

func validateTable(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidTable, name)
	}
	return nil
}

// WithTable returns a store bound to another table on the same pool.
func (vs *VectorStore) WithTable(name string) (*VectorStore, error) {
	if err := validateTable(name); err != nil {
		return nil, err
	}
	cp := *vs
	cp.config.TableName = name
	cp.owner = false
	return &cp, nil
}

func (vs *VectorStore) Table() string {
	return vs.config.TableName
}

func (vs *VectorStore) ident() string {
	return pgx.Identifier{vs.config.TableName}.Sanitize()
}

func createTableSQL(ident string, dim int) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			metadata JSONB
		)`, ident, dim)
}

func createIndexSQL(table string, ident string, rows int) string {
	return fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s
		ON %s
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = %d)`,
		pgx.Identifier{table + "_embedding_idx"}.Sanitize(), ident, ivfflatLists(rows))
}

// ivfflatLists follows the pgvector guidance of rows/1000 lists.
func ivfflatLists(rows int) int {
	lists := rows / 1000
	if lists < 1 {
		return 1
	}
	if lists > 1000 {
		return 1000
	}
	return lists
}

func insertSQL(ident string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (id, content, embedding, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata`, ident)
}

type row struct {
	id       string
	content  string
	vector   pgvector.Vector
	metadata map[string]any
}

func (vs *VectorStore) embed(ctx context.Context, docs []schema.Document) ([]row, error) {
	if vs.embedder == nil {
		return nil, ErrNoEmbedder
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = sanitizeUTF8(doc.PageContent)
	}

	vectors, err := vs.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings: %w", err)
	}
	if len(vectors) != len(docs) {
		return nil, fmt.Errorf("got %d embeddings for %d documents", len(vectors), len(docs))
	}

	rows := make([]row, len(docs))
	for i, doc := range docs {
		rows[i] = row{
			id:       uuid.NewString(),
			content:  texts[i],
			vector:   pgvector.NewVector(vectors[i]),
			metadata: doc.Metadata,
		}
	}
	return rows, nil
}

func (vs *VectorStore) insert(ctx context.Context, tx pgx.Tx, rows []row) error {
	stmt := insertSQL(vs.ident())

	for start := 0; start < len(rows); start += vs.config.BatchSize {
		end := start + vs.config.BatchSize
		if end > len(rows) {
			end = len(rows)
		}

		batch := &pgx.Batch{}
		for _, r := range rows[start:end] {
			batch.Queue(stmt, r.id, r.content, r.vector, r.metadata)
		}

		results := tx.SendBatch(ctx, batch)
		for range rows[start:end] {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return fmt.Errorf("failed to insert document: %w", err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("failed to insert document: %w", err)
		}
	}
	return nil
}

// Replace discards the table and fills it with docs. Embeddings are computed
// before the transaction starts, and the drop, create and inserts commit
// together, so a failure leaves the previous contents untouched.
func (vs *VectorStore) Replace(ctx context.Context, docs []schema.Document) ([]string, error) {
	rows, err := vs.embed(ctx, docs)
	if err != nil {
		return nil, err
	}

	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ident := vs.ident()
	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+ident); err != nil {
		return nil, fmt.Errorf("failed to drop table: %w", err)
	}
	if _, err := tx.Exec(ctx, createTableSQL(ident, vs.config.VectorDim)); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	if err := vs.insert(ctx, tx, rows); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, createIndexSQL(vs.config.TableName, ident, len(rows))); err != nil {
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return ids(rows), nil
}

// AddDocuments implements vectorstores.VectorStore. It appends to the table,
// creating it when missing.
func (vs *VectorStore) AddDocuments(ctx context.Context, docs []schema.Document, _ ...vectorstores.Option) ([]string, error) {
	rows, err := vs.embed(ctx, docs)
	if err != nil {
		return nil, err
	}

	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ident := vs.ident()
	if _, err := tx.Exec(ctx, createTableSQL(ident, vs.config.VectorDim)); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	if err := vs.insert(ctx, tx, rows); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return ids(rows), nil
}

// searchSQL orders rows by cosine distance to $1. The score filter is only
// added when a threshold is set, so the limit is $2 or $3.
func searchSQL(ident string, threshold bool) string {
	if !threshold {
		return fmt.Sprintf(`
		SELECT content, metadata, 1 - (embedding <=> $1) AS score
		FROM %s
		ORDER BY embedding <=> $1
		LIMIT $2`, ident)
	}
	return fmt.Sprintf(`
		SELECT content, metadata, 1 - (embedding <=> $1) AS score
		FROM %s
		WHERE 1 - (embedding <=> $1) >= $2
		ORDER BY embedding <=> $1
		LIMIT $3`, ident)
}

// SimilaritySearch implements vectorstores.VectorStore using cosine distance.
// The ScoreThreshold and Embedder options are honoured.
func (vs *VectorStore) SimilaritySearch(ctx context.Context, query string, numDocuments int, options ...vectorstores.Option) ([]schema.Document, error) {
	opts := vectorstores.Options{}
	for _, opt := range options {
		opt(&opts)
	}

	embedder := vs.embedder
	if opts.Embedder != nil {
		embedder = opts.Embedder
	}
	if embedder == nil {
		return nil, ErrNoEmbedder
	}

	if numDocuments <= 0 {
		numDocuments = vs.config.SearchLimit
	}

	queryEmbedding, err := embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	args := []any{pgvector.NewVector(queryEmbedding)}
	if opts.ScoreThreshold > 0 {
		args = append(args, float64(opts.ScoreThreshold))
	}
	args = append(args, numDocuments)

	rows, err := vs.pool.Query(ctx, searchSQL(vs.ident(), opts.ScoreThreshold > 0), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []schema.Document
	for rows.Next() {
		var (
			doc   schema.Document
			score float64
		)
		if err := rows.Scan(&doc.PageContent, &doc.Metadata, &score); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		doc.Score = float32(score)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}

	return docs, nil
}

// Drop removes the table. Used when a session that owned its own table ends.
func (vs *VectorStore) Drop(ctx context.Context) error {
	if _, err := vs.pool.Exec(ctx, "DROP TABLE IF EXISTS "+vs.ident()); err != nil {
		return fmt.Errorf("failed to drop table: %w", err)
	}
	return nil
}

// Close releases the pool. Copies from WithTable do not own it.
func (vs *VectorStore) Close() {
	if vs.owner && vs.pool != nil {
		vs.pool.Close()
	}
}

func ids(rows []row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.id
	}
	return out
}

// sanitizeUTF8 drops invalid byte sequences and NUL characters, both of
// which PostgreSQL rejects in TEXT columns.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, 0) {
		return s
	}
	v := make([]rune, 0, len(s))
	for i, r := range s {
		if r == 0 {
			continue
		}
		if r == utf8.RuneError {
			_, size := utf8.DecodeRuneInString(s[i:])
			if size == 1 {
				continue
			}
		}
		v = append(v, r)
	}
	return string(v)
}
