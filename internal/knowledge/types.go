package knowledge

import "time"

// VectorDimension is the embedding dimension of the documents table schema.
// text-embedding-004 outputs 768-dimensional vectors.
const VectorDimension = 768

// Document represents one stored chunk of site content.
type Document struct {
	ID          string            // Unique identifier, stable across re-ingestion
	SourceKey   string            // Origin of the chunk (relative file path)
	Content     string            // Chunk text
	ContentHash string            // Hash of the full source content, for diffing
	Metadata    map[string]string // Optional metadata (title, section, etc.)
	CreatedAt   time.Time         // Creation timestamp
}

// Result is a single search hit.
type Result struct {
	Document   Document
	Similarity float32 // Cosine similarity score (0-1)
}

// SearchOption configures search behavior using the functional options pattern.
type SearchOption func(*searchConfig)

type searchConfig struct {
	limit         int
	minSimilarity float32
	timeout       time.Duration
}

const (
	// DefaultSearchLimit bounds results when WithLimit is not given.
	DefaultSearchLimit = 10

	// DefaultMinSimilarity filters weak matches when WithMinSimilarity is
	// not given.
	DefaultMinSimilarity float32 = 0.5

	defaultSearchTimeout = 10 * time.Second
)

// WithLimit sets the maximum number of results to return.
func WithLimit(n int) SearchOption {
	return func(c *searchConfig) {
		c.limit = n
	}
}

// WithMinSimilarity sets the similarity threshold. Documents scoring at or
// below the threshold are excluded.
func WithMinSimilarity(min float32) SearchOption {
	return func(c *searchConfig) {
		c.minSimilarity = min
	}
}

// WithTimeout overrides the per-search timeout.
func WithTimeout(d time.Duration) SearchOption {
	return func(c *searchConfig) {
		c.timeout = d
	}
}

// buildSearchConfig applies options over defaults and clamps out-of-range
// values back to the defaults.
func buildSearchConfig(opts []SearchOption) *searchConfig {
	cfg := &searchConfig{
		limit:         DefaultSearchLimit,
		minSimilarity: DefaultMinSimilarity,
		timeout:       defaultSearchTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.limit <= 0 {
		cfg.limit = DefaultSearchLimit
	}
	if cfg.minSimilarity < 0 || cfg.minSimilarity > 1 {
		cfg.minSimilarity = DefaultMinSimilarity
	}
	if cfg.timeout <= 0 {
		cfg.timeout = defaultSearchTimeout
	}
	return cfg
}
