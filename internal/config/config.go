// Package config provides application configuration with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.sage/config.yaml)
//  3. Default values
//
// Sensitive data (passwords) is masked in MarshalJSON and String; the config
// directory uses 0750 permissions. Validation is fail-fast with sentinel
// errors checkable via errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresPassword indicates the PostgreSQL password is invalid.
	ErrInvalidPostgresPassword = errors.New("invalid PostgreSQL password")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidRetrieval indicates a retrieval parameter is out of range.
	ErrInvalidRetrieval = errors.New("invalid retrieval configuration")

	// ErrInvalidChunkSize indicates the chunk size cap is out of range.
	ErrInvalidChunkSize = errors.New("invalid chunk size")

	// ErrInvalidRateLimit indicates an admission control parameter is out of range.
	ErrInvalidRateLimit = errors.New("invalid rate limit configuration")
)

const (
	// DefaultEmbedderModel is the default Gemini embedder model.
	// text-embedding-004 outputs 768 dimensions, matching the pgvector
	// schema; see knowledge.VectorDimension.
	DefaultEmbedderModel = "text-embedding-004"

	// DefaultModelName is the default chat model.
	DefaultModelName = "gemini-2.5-flash"
)

// Config stores application configuration.
// SECURITY: Sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields, update MarshalJSON.
type Config struct {
	// AI model configuration
	ModelName     string `mapstructure:"model_name" json:"model_name"`
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`

	// ContactEmail is surfaced to visitors when the knowledge base cannot
	// answer a question.
	ContactEmail string `mapstructure:"contact_email" json:"contact_email"`

	// ContentDir is the directory ingested by `sage ingest`.
	ContentDir string `mapstructure:"content_dir" json:"content_dir"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// RedisURL selects the shared admission counter store. Empty means the
	// in-process counter (single instance deployments only).
	RedisURL string `mapstructure:"redis_url" json:"redis_url"` // SENSITIVE: masked in MarshalJSON

	// Retrieval configuration
	RetrievalLimit int     `mapstructure:"retrieval_limit" json:"retrieval_limit"`
	MinSimilarity  float32 `mapstructure:"min_similarity" json:"min_similarity"`

	// ChunkMaxSize caps chunk length in characters for all content types.
	ChunkMaxSize int `mapstructure:"chunk_max_size" json:"chunk_max_size"`

	// Admission control (fixed window)
	RateLimitQuota  int `mapstructure:"rate_limit_quota" json:"rate_limit_quota"`
	RateLimitWindow int `mapstructure:"rate_limit_window" json:"rate_limit_window"` // seconds

	// MaxToolSteps bounds tool round trips per conversation turn.
	MaxToolSteps int `mapstructure:"max_tool_steps" json:"max_tool_steps"`

	// MaxRetries for transient provider failures. 0 disables retries.
	MaxRetries int `mapstructure:"max_retries" json:"max_retries"`

	// Serve mode configuration
	Addr        string   `mapstructure:"addr" json:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"` // Trust X-Real-IP/X-Forwarded-For (set true behind reverse proxy)

	// Observability configuration (see observability.go)
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".sage")

	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// Missing config file is fine, defaults apply.
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	viper.SetDefault("model_name", DefaultModelName)
	viper.SetDefault("embedder_model", DefaultEmbedderModel)
	viper.SetDefault("contact_email", "nikhilsnayak3473@gmail.com")
	viper.SetDefault("content_dir", "content")

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "sage")
	viper.SetDefault("postgres_password", "sage_dev_password")
	viper.SetDefault("postgres_db_name", "sage")
	viper.SetDefault("postgres_ssl_mode", "disable")

	viper.SetDefault("redis_url", "")

	viper.SetDefault("retrieval_limit", 10)
	viper.SetDefault("min_similarity", 0.5)
	viper.SetDefault("chunk_max_size", 1000)

	viper.SetDefault("rate_limit_quota", 2)
	viper.SetDefault("rate_limit_window", 60)

	viper.SetDefault("max_tool_steps", 2)
	viper.SetDefault("max_retries", 0)

	viper.SetDefault("addr", ":8080")
	viper.SetDefault("cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("trust_proxy", false)

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.endpoint", "localhost:4318")
	viper.SetDefault("tracing.environment", "dev")
	viper.SetDefault("tracing.service_name", "sage")
}

// bindEnvVariables binds environment variables explicitly.
// GEMINI_API_KEY is read directly by Genkit, not via Viper; Validate()
// checks its presence.
func bindEnvVariables() {
	// Hardcoded keys cannot fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("redis_url", "REDIS_URL")
	mustBind("contact_email", "SAGE_CONTACT_EMAIL")
	mustBind("content_dir", "SAGE_CONTENT_DIR")
	mustBind("model_name", "SAGE_MODEL_NAME")
	mustBind("addr", "SAGE_ADDR")
	mustBind("cors_origins", "SAGE_CORS_ORIGINS")
	mustBind("trust_proxy", "SAGE_TRUST_PROXY")
	mustBind("tracing.enabled", "SAGE_TRACING_ENABLED")
	mustBind("tracing.endpoint", "SAGE_TRACING_ENDPOINT")
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks avoid substring matching against real secret content.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Secrets of 8 chars or fewer are fully masked; longer secrets keep the
// first and last 2 characters for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
//
// Sensitive fields masked:
//   - PostgresPassword
//   - RedisURL (may embed credentials)
//
// When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.RedisURL = maskSecret(a.RedisURL)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// FullModelName returns the provider-qualified model name for Genkit.
// If ModelName already contains a "/", it is returned as-is.
func (c *Config) FullModelName() string {
	if strings.Contains(c.ModelName, "/") {
		return c.ModelName
	}
	return "googleai/" + c.ModelName
}

// FullEmbedderName returns the provider-qualified embedder name for Genkit.
func (c *Config) FullEmbedderName() string {
	if strings.Contains(c.EmbedderModel, "/") {
		return c.EmbedderModel
	}
	return "googleai/" + c.EmbedderModel
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
