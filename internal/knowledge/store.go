package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgvector/pgvector-go"
)

// Querier defines the database operations the Store depends on.
// Defined by the consumer so tests can substitute an in-memory fake.
type Querier interface {
	UpsertDocument(ctx context.Context, arg UpsertDocumentParams) error
	SearchDocuments(ctx context.Context, arg SearchDocumentsParams) ([]DocumentRow, error)
	ListSources(ctx context.Context) ([]SourceRow, error)
	DeleteBySourceKey(ctx context.Context, sourceKey string) (int64, error)
	DeleteAllDocuments(ctx context.Context) (int64, error)
	CountDocuments(ctx context.Context) (int64, error)
}

// Store manages knowledge documents with vector search.
// It handles embedding generation and similarity search over
// PostgreSQL + pgvector.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	queries  Querier
	embedder ai.Embedder
	logger   *slog.Logger
}

// New creates a Store. A nil logger falls back to slog.Default().
func New(querier Querier, embedder ai.Embedder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		queries:  querier,
		embedder: embedder,
		logger:   logger,
	}
}

// Add embeds and upserts a single document.
func (s *Store) Add(ctx context.Context, doc Document) error {
	return s.AddBatch(ctx, []Document{doc})
}

// AddBatch embeds all documents in one embedder call, then upserts each.
// Batching keeps ingestion to one provider round trip per source file.
func (s *Store) AddBatch(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	input := make([]*ai.Document, len(docs))
	for i, doc := range docs {
		input[i] = ai.DocumentFromText(doc.Content, nil)
	}

	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{Input: input})
	if err != nil {
		return fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(resp.Embeddings) != len(docs) {
		return fmt.Errorf("embedder returned %d embeddings for %d documents",
			len(resp.Embeddings), len(docs))
	}

	for i, doc := range docs {
		vec := resp.Embeddings[i].Embedding
		if len(vec) == 0 {
			return fmt.Errorf("empty embedding returned for document %q", doc.ID)
		}
		embedding := pgvector.NewVector(vec)

		metadataJSON, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for %q: %w", doc.ID, err)
		}

		createdAt := pgtype.Timestamptz{
			Time:  doc.CreatedAt,
			Valid: !doc.CreatedAt.IsZero(),
		}

		err = s.queries.UpsertDocument(ctx, UpsertDocumentParams{
			ID:          doc.ID,
			SourceKey:   doc.SourceKey,
			Content:     doc.Content,
			ContentHash: doc.ContentHash,
			Metadata:    metadataJSON,
			Embedding:   &embedding,
			CreatedAt:   createdAt,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert document %q: %w", doc.ID, err)
		}

		s.logger.Debug("added document",
			"id", doc.ID,
			"source", doc.SourceKey,
			"content_length", len(doc.Content))
	}

	return nil
}

// Search performs semantic search on the store.
// Results are ordered by similarity, most similar first. No matches above
// the threshold yields an empty slice, not an error.
// A per-search timeout prevents long-running vector queries from blocking.
func (s *Store) Search(ctx context.Context, query string, opts ...SearchOption) ([]Result, error) {
	cfg := buildSearchConfig(opts)

	queryCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	resp, err := s.embedder.Embed(queryCtx, &ai.EmbedRequest{
		Input: []*ai.Document{ai.DocumentFromText(query, nil)},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("embedding generation timeout: %w", err)
		}
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned for query")
	}

	queryEmbedding := pgvector.NewVector(resp.Embeddings[0].Embedding)

	limit := cfg.limit
	if limit > math.MaxInt32 {
		limit = math.MaxInt32
	}
	rows, err := s.queries.SearchDocuments(queryCtx, SearchDocumentsParams{
		QueryEmbedding: &queryEmbedding,
		MinSimilarity:  cfg.minSimilarity,
		ResultLimit:    int32(limit),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("search query timeout: %w", err)
		}
		return nil, fmt.Errorf("search failed: %w", err)
	}

	return s.rowsToResults(rows), nil
}

// Sources returns the stored source_key -> content_hash mapping.
func (s *Store) Sources(ctx context.Context) (map[string]string, error) {
	rows, err := s.queries.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.SourceKey] = r.ContentHash
	}
	return out, nil
}

// DeleteSource removes all chunks belonging to one source.
func (s *Store) DeleteSource(ctx context.Context, sourceKey string) (int64, error) {
	n, err := s.queries.DeleteBySourceKey(ctx, sourceKey)
	if err != nil {
		return 0, fmt.Errorf("failed to delete source %q: %w", sourceKey, err)
	}
	s.logger.Debug("deleted source", "source", sourceKey, "chunks", n)
	return n, nil
}

// DeleteAll empties the store. Used by rebuild ingestion.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	n, err := s.queries.DeleteAllDocuments(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to delete all documents: %w", err)
	}
	s.logger.Debug("deleted all documents", "chunks", n)
	return n, nil
}

// Count returns the number of stored chunks.
func (s *Store) Count(ctx context.Context) (int, error) {
	count, err := s.queries.CountDocuments(ctx)
	if err != nil {
		return 0, fmt.Errorf("count failed: %w", err)
	}
	// Overflow protection for 32-bit platforms.
	if count > math.MaxInt {
		return 0, fmt.Errorf("document count %d exceeds platform int capacity", count)
	}
	return int(count), nil
}

func (s *Store) rowsToResults(rows []DocumentRow) []Result {
	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		var metadata map[string]string
		if len(row.Metadata) > 0 {
			if err := json.Unmarshal(row.Metadata, &metadata); err != nil {
				s.logger.Warn("failed to parse metadata", "document_id", row.ID, "error", err)
				metadata = nil
			}
		}

		var createdAt time.Time
		if row.CreatedAt.Valid {
			createdAt = row.CreatedAt.Time
		}

		results = append(results, Result{
			Document: Document{
				ID:          row.ID,
				SourceKey:   row.SourceKey,
				Content:     row.Content,
				ContentHash: row.ContentHash,
				Metadata:    metadata,
				CreatedAt:   createdAt,
			},
			Similarity: row.Similarity,
		})
	}
	return results
}
