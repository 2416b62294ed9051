package knowledge

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgvector/pgvector-go"
)

// DBTX is the subset of pgx operations the queries need.
// Both *pgxpool.Pool and pgx.Tx satisfy it.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries executes document SQL against a DBTX.
type Queries struct {
	db DBTX
}

// NewQueries creates a Queries instance.
func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

// UpsertDocumentParams holds the columns for an upsert.
type UpsertDocumentParams struct {
	ID          string
	SourceKey   string
	Content     string
	ContentHash string
	Metadata    []byte
	Embedding   *pgvector.Vector
	CreatedAt   pgtype.Timestamptz
}

const upsertDocumentSQL = `
INSERT INTO documents (id, source_key, content, content_hash, metadata, embedding, created_at)
VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
ON CONFLICT (id) DO UPDATE SET
    source_key = EXCLUDED.source_key,
    content = EXCLUDED.content,
    content_hash = EXCLUDED.content_hash,
    metadata = EXCLUDED.metadata,
    embedding = EXCLUDED.embedding`

// UpsertDocument inserts or updates a document by ID.
func (q *Queries) UpsertDocument(ctx context.Context, arg UpsertDocumentParams) error {
	var createdAt any
	if arg.CreatedAt.Valid {
		createdAt = arg.CreatedAt
	}
	_, err := q.db.Exec(ctx, upsertDocumentSQL,
		arg.ID, arg.SourceKey, arg.Content, arg.ContentHash, arg.Metadata, arg.Embedding, createdAt)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// SearchDocumentsParams holds the vector search inputs.
type SearchDocumentsParams struct {
	QueryEmbedding *pgvector.Vector
	MinSimilarity  float32
	ResultLimit    int32
}

// DocumentRow is one row of a vector search.
type DocumentRow struct {
	ID          string
	SourceKey   string
	Content     string
	ContentHash string
	Metadata    []byte
	CreatedAt   pgtype.Timestamptz
	Similarity  float32
}

// Cosine distance operator <=> maps to similarity via 1 - distance.
// The threshold comparison is strict so a score exactly at the minimum
// is excluded.
const searchDocumentsSQL = `
SELECT id, source_key, content, content_hash, metadata, created_at,
       1 - (embedding <=> $1) AS similarity
FROM documents
WHERE 1 - (embedding <=> $1) > $2
ORDER BY embedding <=> $1
LIMIT $3`

// SearchDocuments performs cosine similarity search above a threshold.
func (q *Queries) SearchDocuments(ctx context.Context, arg SearchDocumentsParams) ([]DocumentRow, error) {
	rows, err := q.db.Query(ctx, searchDocumentsSQL,
		arg.QueryEmbedding, arg.MinSimilarity, arg.ResultLimit)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()

	var out []DocumentRow
	for rows.Next() {
		var r DocumentRow
		if err := rows.Scan(&r.ID, &r.SourceKey, &r.Content, &r.ContentHash,
			&r.Metadata, &r.CreatedAt, &r.Similarity); err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search documents rows: %w", err)
	}
	return out, nil
}

// SourceRow pairs a source key with its stored content hash.
type SourceRow struct {
	SourceKey   string
	ContentHash string
}

const listSourcesSQL = `
SELECT DISTINCT source_key, content_hash
FROM documents
ORDER BY source_key`

// ListSources returns the distinct (source_key, content_hash) pairs present
// in the store. Used by the ingestion pipeline for change detection.
func (q *Queries) ListSources(ctx context.Context) ([]SourceRow, error) {
	rows, err := q.db.Query(ctx, listSourcesSQL)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []SourceRow
	for rows.Next() {
		var r SourceRow
		if err := rows.Scan(&r.SourceKey, &r.ContentHash); err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sources rows: %w", err)
	}
	return out, nil
}

const deleteBySourceKeySQL = `DELETE FROM documents WHERE source_key = $1`

// DeleteBySourceKey removes all chunks of one source. Returns the number of
// rows deleted.
func (q *Queries) DeleteBySourceKey(ctx context.Context, sourceKey string) (int64, error) {
	tag, err := q.db.Exec(ctx, deleteBySourceKeySQL, sourceKey)
	if err != nil {
		return 0, fmt.Errorf("delete by source key: %w", err)
	}
	return tag.RowsAffected(), nil
}

const deleteAllDocumentsSQL = `DELETE FROM documents`

// DeleteAllDocuments empties the store. Returns the number of rows deleted.
func (q *Queries) DeleteAllDocuments(ctx context.Context) (int64, error) {
	tag, err := q.db.Exec(ctx, deleteAllDocumentsSQL)
	if err != nil {
		return 0, fmt.Errorf("delete all documents: %w", err)
	}
	return tag.RowsAffected(), nil
}

const countDocumentsSQL = `SELECT count(*) FROM documents`

// CountDocuments returns the total number of stored chunks.
func (q *Queries) CountDocuments(ctx context.Context) (int64, error) {
	var count int64
	if err := q.db.QueryRow(ctx, countDocumentsSQL).Scan(&count); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return count, nil
}
