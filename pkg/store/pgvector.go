package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/embeddings"

	"github.com/xhad/ragchat/internal/models"
	"github.com/xhad/ragchat/pkg/apperr"
)

type VectorStoreConfig struct {
	TableName   string
	QueryName   string
	VectorDim   int
	SearchLimit int
	Timeout     time.Duration
}

// Filter restricts a similarity search. A nil OwnerID matches every owner;
// Metadata must be contained in a row's metadata for the row to match.
type Filter struct {
	OwnerID  *int64
	Metadata map[string]any
}

// VectorStore keeps chunk text, metadata and embeddings in a pgvector table
// and searches them through a server-side match function.
type VectorStore struct {
	config      VectorStoreConfig
	db          DB
	embedder    embeddings.Embedder
	log         zerolog.Logger
	initialized atomic.Bool
}

func New(db DB, config VectorStoreConfig, embedder embeddings.Embedder, log zerolog.Logger) *VectorStore {
	if config.TableName == "" {
		config.TableName = "documents_rag"
	}
	if config.QueryName == "" {
		config.QueryName = "match_documents_rag"
	}
	if config.VectorDim == 0 {
		config.VectorDim = 768
	}
	if config.SearchLimit == 0 {
		config.SearchLimit = 4
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &VectorStore{
		config:   config,
		db:       db,
		embedder: embedder,
		log:      log.With().Str("component", "vector_store").Str("table", config.TableName).Logger(),
	}
}

func (vs *VectorStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, vs.config.Timeout)
}

// Initialize creates the extension, table, indexes and match function. An
// existing table with a different vector dimension is a configuration error.
func (vs *VectorStore) Initialize(ctx context.Context) error {
	const op = "store.Initialize"
	ctx, cancel := vs.withTimeout(ctx)
	defer cancel()

	if _, err := vs.db.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return apperr.E(apperr.PersistenceFailed, op, "failed to create vector extension", err)
	}

	var existing int
	err := vs.db.QueryRow(ctx, `
		SELECT atttypmod FROM pg_attribute
		WHERE attrelid = to_regclass($1) AND attname = 'embedding'`,
		vs.config.TableName).Scan(&existing)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return apperr.E(apperr.PersistenceFailed, op, "failed to inspect table", err)
	case existing > 0 && existing != vs.config.VectorDim:
		return apperr.E(apperr.ConfigurationError, op,
			fmt.Sprintf("table %s stores %d-dimensional vectors, configured %d", vs.config.TableName, existing, vs.config.VectorDim), nil)
	}

	for _, stmt := range vs.schema() {
		if _, err := vs.db.Exec(ctx, stmt); err != nil {
			return apperr.E(apperr.PersistenceFailed, op, "failed to create schema", err)
		}
	}

	vs.initialized.Store(true)
	vs.log.Info().Int("dimension", vs.config.VectorDim).Msg("Vector store initialized")
	return nil
}

func (vs *VectorStore) schema() []string {
	t, fn, dim := vs.config.TableName, vs.config.QueryName, vs.config.VectorDim
	return []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			owner_id BIGINT,
			file_id TEXT,
			chunk_index INTEGER,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			embedding vector(%d) NOT NULL
		)`, t, dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)`, t, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_owner_idx ON %s (owner_id)`, t, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_metadata_idx ON %s USING gin (metadata jsonb_path_ops)`, t, t),
		fmt.Sprintf(`
		CREATE OR REPLACE FUNCTION %s(
			query_embedding vector(%d),
			match_count INT DEFAULT NULL,
			filter JSONB DEFAULT '{}',
			owner BIGINT DEFAULT NULL
		) RETURNS TABLE (id BIGINT, content TEXT, metadata JSONB, similarity FLOAT)
		LANGUAGE sql STABLE AS $$
			SELECT d.id, d.content, d.metadata, 1 - (d.embedding <=> query_embedding) AS similarity
			FROM %s d
			WHERE d.metadata @> filter
			  AND (owner IS NULL OR d.owner_id = owner)
			ORDER BY d.embedding <=> query_embedding, d.created_at DESC
			LIMIT match_count
		$$`, fn, dim, t),
	}
}

// AddBatch embeds the chunks and stores them in one transaction, returning
// the row ids in chunk order. Either every chunk is stored or none is.
func (vs *VectorStore) AddBatch(ctx context.Context, chunks []models.Chunk) ([]int64, error) {
	const op = "store.AddBatch"
	if len(chunks) == 0 {
		return nil, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = sanitizeText(c.Text)
	}

	vectors, err := vs.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		if apperr.KindOf(err) == "" {
			err = apperr.E(apperr.EmbeddingFailed, op, "", err)
		}
		return nil, err
	}
	if len(vectors) != len(chunks) {
		return nil, apperr.E(apperr.EmbeddingFailed, op,
			fmt.Sprintf("got %d embeddings for %d chunks", len(vectors), len(chunks)), nil)
	}
	for _, v := range vectors {
		if len(v) != vs.config.VectorDim {
			return nil, apperr.E(apperr.ConfigurationError, op,
				fmt.Sprintf("embedding dimension %d does not match configured %d", len(v), vs.config.VectorDim), nil)
		}
	}

	ctx, cancel := vs.withTimeout(ctx)
	defer cancel()

	tx, err := vs.db.Begin(ctx)
	if err != nil {
		return nil, apperr.E(apperr.PersistenceFailed, op, "failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	stmt := fmt.Sprintf(`
		INSERT INTO %s (content, metadata, owner_id, file_id, chunk_index, created_at, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`, vs.config.TableName)

	ids := make([]int64, 0, len(chunks))
	for i, c := range chunks {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return nil, apperr.E(apperr.PersistenceFailed, op, "failed to encode metadata", err)
		}
		createdAt := c.Metadata.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}

		var id int64
		err = tx.QueryRow(ctx, stmt,
			texts[i],
			meta,
			c.Metadata.OwnerID,
			c.Metadata.FileID,
			c.Metadata.ChunkIndex,
			createdAt,
			pgvector.NewVector(vectors[i]),
		).Scan(&id)
		if err != nil {
			return nil, apperr.E(apperr.PersistenceFailed, op, fmt.Sprintf("failed to insert chunk %d", i), err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.E(apperr.PersistenceFailed, op, "failed to commit transaction", err)
	}

	vs.log.Debug().Int("chunks", len(ids)).Msg("Stored batch")
	return ids, nil
}

// SimilaritySearch returns up to k chunks closest to query. An uninitialized
// store or an empty result is not an error.
func (vs *VectorStore) SimilaritySearch(ctx context.Context, query string, k int, filter *Filter) ([]models.ScoredChunk, error) {
	const op = "store.SimilaritySearch"
	if k <= 0 {
		k = vs.config.SearchLimit
	}
	if !vs.initialized.Load() {
		return []models.ScoredChunk{}, nil
	}

	vector, err := vs.embedder.EmbedQuery(ctx, query)
	if err != nil {
		if apperr.KindOf(err) == "" {
			err = apperr.E(apperr.EmbeddingFailed, op, "", err)
		}
		return nil, err
	}
	if len(vector) != vs.config.VectorDim {
		return nil, apperr.E(apperr.ConfigurationError, op,
			fmt.Sprintf("query embedding dimension %d does not match configured %d", len(vector), vs.config.VectorDim), nil)
	}

	metaFilter := []byte("{}")
	var owner *int64
	if filter != nil {
		owner = filter.OwnerID
		if len(filter.Metadata) > 0 {
			if metaFilter, err = json.Marshal(filter.Metadata); err != nil {
				return nil, apperr.E(apperr.InvalidArgument, op, "invalid metadata filter", err)
			}
		}
	}

	ctx, cancel := vs.withTimeout(ctx)
	defer cancel()

	sql := fmt.Sprintf(`SELECT id, content, metadata, similarity FROM %s($1, $2, $3, $4)`, vs.config.QueryName)
	rows, err := vs.db.Query(ctx, sql, pgvector.NewVector(vector), k, metaFilter, owner)
	if err != nil {
		return vs.searchFailed(err)
	}
	defer rows.Close()

	results := []models.ScoredChunk{}
	for rows.Next() {
		var (
			sc   models.ScoredChunk
			meta []byte
		)
		if err := rows.Scan(&sc.ID, &sc.Text, &meta, &sc.Similarity); err != nil {
			return nil, apperr.E(apperr.PersistenceFailed, op, "failed to scan row", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &sc.Metadata); err != nil {
				return nil, apperr.E(apperr.PersistenceFailed, op, "failed to decode metadata", err)
			}
		}
		results = append(results, sc)
	}
	if err := rows.Err(); err != nil {
		return vs.searchFailed(err)
	}
	return results, nil
}

func (vs *VectorStore) searchFailed(err error) ([]models.ScoredChunk, error) {
	switch pgCode(err) {
	case codeUndefinedTable, codeUndefinedFunction:
		vs.log.Warn().Err(err).Msg("Vector store schema missing, returning no results")
		return []models.ScoredChunk{}, nil
	}
	return nil, apperr.E(apperr.PersistenceFailed, "store.SimilaritySearch", "failed to query documents", err)
}

// Count returns the number of stored chunks, for one owner when ownerID is
// set. On failure it returns 0 along with the error.
func (vs *VectorStore) Count(ctx context.Context, ownerID *int64) (int64, error) {
	ctx, cancel := vs.withTimeout(ctx)
	defer cancel()

	var n int64
	sql := fmt.Sprintf(`SELECT count(*) FROM %s WHERE ($1::bigint IS NULL OR owner_id = $1)`, vs.config.TableName)
	if err := vs.db.QueryRow(ctx, sql, ownerID).Scan(&n); err != nil {
		return 0, apperr.E(apperr.PersistenceFailed, "store.Count", "failed to count documents", err)
	}
	return n, nil
}

// Clear deletes stored chunks, only those of ownerID when it is set.
func (vs *VectorStore) Clear(ctx context.Context, ownerID *int64) (int64, error) {
	ctx, cancel := vs.withTimeout(ctx)
	defer cancel()

	sql := fmt.Sprintf(`DELETE FROM %s WHERE ($1::bigint IS NULL OR owner_id = $1)`, vs.config.TableName)
	tag, err := vs.db.Exec(ctx, sql, ownerID)
	if err != nil {
		return 0, apperr.E(apperr.PersistenceFailed, "store.Clear", "failed to clear documents", err)
	}
	vs.log.Info().Int64("deleted", tag.RowsAffected()).Msg("Cleared documents")
	return tag.RowsAffected(), nil
}

// sanitizeText drops bytes Postgres text columns reject.
func sanitizeText(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.ReplaceAll(strings.ToValidUTF8(s, ""), "\x00", "")
}
