package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// API key is required for all embedding and generation calls.
	if os.Getenv("GEMINI_API_KEY") == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required\n"+
			"Get your API key at: https://ai.google.dev/gemini-api/docs/api-key",
			ErrMissingAPIKey)
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}

	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidEmbedderModel)
	}

	if c.RetrievalLimit < 1 || c.RetrievalLimit > 100 {
		return fmt.Errorf("%w: retrieval_limit must be between 1 and 100, got %d",
			ErrInvalidRetrieval, c.RetrievalLimit)
	}

	if c.MinSimilarity < 0 || c.MinSimilarity > 1 {
		return fmt.Errorf("%w: min_similarity must be between 0.0 and 1.0, got %.2f",
			ErrInvalidRetrieval, c.MinSimilarity)
	}

	if c.ChunkMaxSize < 100 || c.ChunkMaxSize > 100000 {
		return fmt.Errorf("%w: chunk_max_size must be between 100 and 100,000, got %d",
			ErrInvalidChunkSize, c.ChunkMaxSize)
	}

	if c.RateLimitQuota < 1 {
		return fmt.Errorf("%w: rate_limit_quota must be at least 1, got %d",
			ErrInvalidRateLimit, c.RateLimitQuota)
	}

	if c.RateLimitWindow < 1 {
		return fmt.Errorf("%w: rate_limit_window must be at least 1 second, got %d",
			ErrInvalidRateLimit, c.RateLimitWindow)
	}

	if c.MaxToolSteps < 0 {
		return fmt.Errorf("%w: max_tool_steps cannot be negative, got %d",
			ErrInvalidRetrieval, c.MaxToolSteps)
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}

	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}

	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}

	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set in config.yaml",
			ErrInvalidPostgresPassword)
	}

	if c.PostgresPassword == "sage_dev_password" {
		slog.Warn("Using default development password for PostgreSQL",
			"warning", "Change postgres_password in config.yaml for production deployments")
	}

	if len(c.PostgresPassword) < 8 {
		return fmt.Errorf("%w: postgres_password must be at least 8 characters (got %d)",
			ErrInvalidPostgresPassword, len(c.PostgresPassword))
	}

	// Modern SSL modes only; allow/prefer are deprecated.
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if c.PostgresSSLMode == "" {
		return fmt.Errorf("%w: postgres_ssl_mode is empty (should have default from setDefaults)",
			ErrInvalidPostgresSSLMode)
	}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	return nil
}
