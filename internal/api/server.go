// Package api exposes the chat service over HTTP: a synchronous JSON
// endpoint, an SSE streaming endpoint, and health probes.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nikhilsnayak/sage/internal/chat"
)

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger      *slog.Logger
	Agent       *chat.Agent   // Required
	Flow        *chat.Flow    // Required: backs the synchronous endpoint
	Pool        *pgxpool.Pool // Optional: nil disables pool stats in /ready
	CORSOrigins []string      // Allowed origins for CORS
	TrustProxy  bool          // Trust X-Real-IP/X-Forwarded-For (behind reverse proxy)
	FloodBurst  int           // Per-IP token bucket burst (0 = default 60)
}

// Server is the JSON API HTTP server.
type Server struct {
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewServer creates a server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Agent == nil {
		return nil, errors.New("chat agent is required")
	}
	if cfg.Flow == nil {
		return nil, errors.New("chat flow is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ch := &chatHandler{
		agent:      cfg.Agent,
		logger:     logger,
		trustProxy: cfg.TrustProxy,
	}

	mux := http.NewServeMux()
	// The sync endpoint decodes flow input straight from the body, so the
	// admission key must come from the connection, never the payload.
	mux.Handle("POST /api/chat",
		clientKeyMiddleware(cfg.TrustProxy)(genkit.Handler(cfg.Flow)))
	mux.HandleFunc("POST /api/chat/stream", ch.stream)

	burst := cfg.FloodBurst
	if burst <= 0 {
		burst = 60
	}
	fl := newFloodLimiter(1.0, burst)

	// Middleware stack, outermost first:
	//   Recovery -> Logging -> CORS -> FloodLimit -> Routes
	// CORS sits before the flood limiter so preflight OPTIONS always gets
	// its headers.
	var handler http.Handler = mux
	handler = floodLimitMiddleware(fl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probes bypass the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health(logger))
	topMux.Handle("GET /ready", readiness(cfg.Pool, logger))
	topMux.Handle("/", handler)

	return &Server{mux: topMux, logger: logger}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe runs the server on addr until ctx is canceled, then shuts
// down gracefully. Write timeout is deliberately long: SSE responses stay
// open for the duration of a model turn.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s.logger.Info("shutting down http server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
