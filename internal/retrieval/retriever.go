// Package retrieval turns visitor questions into knowledge store lookups.
//
// The Retriever is the single entry point the chat tool uses: it embeds the
// query (via the store), applies the similarity threshold and result limit,
// and formats hits into a context block for the model.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nikhilsnayak/sage/internal/knowledge"
)

// Searcher is the knowledge store surface the retriever needs.
type Searcher interface {
	Search(ctx context.Context, query string, opts ...knowledge.SearchOption) ([]knowledge.Result, error)
}

// Config bounds retrieval. Zero values fall back to the knowledge package
// defaults.
type Config struct {
	Limit         int
	MinSimilarity float32
}

// Retriever performs threshold-filtered similarity search.
type Retriever struct {
	searcher Searcher
	cfg      Config
	logger   *slog.Logger
}

// New creates a Retriever. A nil logger falls back to slog.Default().
func New(searcher Searcher, cfg Config, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Limit <= 0 {
		cfg.Limit = knowledge.DefaultSearchLimit
	}
	if cfg.MinSimilarity <= 0 || cfg.MinSimilarity > 1 {
		cfg.MinSimilarity = knowledge.DefaultMinSimilarity
	}
	return &Retriever{
		searcher: searcher,
		cfg:      cfg,
		logger:   logger,
	}
}

// Retrieve returns the most relevant chunks for a query, most similar
// first. A blank query or an empty store yields an empty slice, not an
// error.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]knowledge.Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	results, err := r.searcher.Search(ctx, query,
		knowledge.WithLimit(r.cfg.Limit),
		knowledge.WithMinSimilarity(r.cfg.MinSimilarity))
	if err != nil {
		return nil, fmt.Errorf("retrieval search: %w", err)
	}

	r.logger.Debug("retrieved context",
		"query_length", len(query),
		"results", len(results))

	return results, nil
}

// FormatContext renders results into the context block handed to the model.
// Returns "" for no results; the caller decides how to signal an empty
// knowledge base.
func FormatContext(results []knowledge.Result) string {
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Relevant site content:\n")
	for i, res := range results {
		fmt.Fprintf(&b, "\n[%d] (source: %s)\n%s\n", i+1, res.Document.SourceKey, res.Document.Content)
	}
	return b.String()
}
