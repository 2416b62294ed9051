package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nikhilsnayak/sage/internal/api"
	"github.com/nikhilsnayak/sage/internal/app"
	"github.com/nikhilsnayak/sage/internal/chat"
	"github.com/nikhilsnayak/sage/internal/config"
	"github.com/nikhilsnayak/sage/internal/log"
	"github.com/nikhilsnayak/sage/internal/observability"
	"github.com/nikhilsnayak/sage/internal/ratelimit"
	"github.com/nikhilsnayak/sage/internal/retrieval"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// parseFloodBurst reads SAGE_FLOOD_BURST from the environment.
// Returns 0 (use default) if unset or invalid.
func parseFloodBurst() int {
	v := os.Getenv("SAGE_FLOOD_BURST")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := log.New(log.Config{JSON: true})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting chat API server", "version", AppVersion)

	if cfg.Tracing.Enabled {
		shutdown, err := observability.Setup(ctx, observability.Config{
			Endpoint:    cfg.Tracing.Endpoint,
			Environment: cfg.Tracing.Environment,
			ServiceName: cfg.Tracing.ServiceName,
		}, logger)
		if err != nil {
			return fmt.Errorf("setting up tracing: %w", err)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("tracing shutdown", "error", err)
			}
		}()
	}

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	retriever := retrieval.New(a.Knowledge, retrieval.Config{
		Limit:         cfg.RetrievalLimit,
		MinSimilarity: cfg.MinSimilarity,
	}, logger)

	counter, closeCounter, err := newCounter(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating admission counter: %w", err)
	}
	defer closeCounter()

	limiter := ratelimit.New(counter, ratelimit.Config{
		Quota:  cfg.RateLimitQuota,
		Window: time.Duration(cfg.RateLimitWindow) * time.Second,
	}, logger)

	retry := chat.DefaultRetryConfig()
	retry.MaxRetries = cfg.MaxRetries

	agent, err := chat.New(chat.Config{
		Genkit:       a.Genkit,
		Retriever:    retriever,
		Limiter:      limiter,
		Logger:       logger,
		ModelName:    cfg.FullModelName(),
		ContactEmail: cfg.ContactEmail,
		MaxToolSteps: cfg.MaxToolSteps,
		RetryConfig:  retry,
	})
	if err != nil {
		return fmt.Errorf("creating chat agent: %w", err)
	}

	flow := chat.NewFlow(a.Genkit, agent)

	server, err := api.NewServer(api.ServerConfig{
		Logger:      logger,
		Agent:       agent,
		Flow:        flow,
		Pool:        a.Pool,
		CORSOrigins: cfg.CORSOrigins,
		TrustProxy:  cfg.TrustProxy,
		FloodBurst:  parseFloodBurst(),
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	return server.ListenAndServe(ctx, cfg.Addr)
}

// newCounter selects the admission counter backend: Redis when
// configured, otherwise the in-process counter.
func newCounter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ratelimit.Counter, func(), error) {
	if cfg.RedisURL == "" {
		logger.Info("using in-process admission counter")
		return ratelimit.NewLocalCounter(), func() {}, nil
	}

	rc, err := ratelimit.NewRedisCounterFromURL(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using redis admission counter")
	closeCounter := func() {
		if err := rc.Close(); err != nil {
			logger.Warn("closing redis counter", "error", err)
		}
	}
	return rc, closeCounter, nil
}
