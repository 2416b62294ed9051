// Package app provides application bootstrap shared by the serve and
// ingest commands: database migration and connection, Genkit
// initialization, and the knowledge store.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nikhilsnayak/sage/db"
	"github.com/nikhilsnayak/sage/internal/config"
	"github.com/nikhilsnayak/sage/internal/knowledge"
)

// App holds the core services every command needs.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Genkit    *genkit.Genkit
	Embedder  ai.Embedder
	Pool      *pgxpool.Pool
	Knowledge *knowledge.Store
}

// Setup migrates the schema, connects to PostgreSQL, initializes Genkit
// with the Google AI plugin, and builds the knowledge store. Callers own
// the returned App and must Close it.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, config.ErrConfigNil
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := db.Migrate(cfg.PostgresURL(), logger); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	embedder := googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)

	store := knowledge.New(knowledge.NewQueries(pool), embedder, logger)

	return &App{
		Config:    cfg,
		Logger:    logger,
		Genkit:    g,
		Embedder:  embedder,
		Pool:      pool,
		Knowledge: store,
	}, nil
}

// Close releases held resources.
func (a *App) Close() error {
	if a.Pool != nil {
		a.Pool.Close()
		a.Logger.Debug("database pool closed")
	}
	return nil
}
