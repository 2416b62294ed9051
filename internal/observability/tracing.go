// Package observability wires OpenTelemetry trace export into Genkit.
//
// Genkit already records spans for flows, model calls, and tool calls on
// its own TracerProvider; this package only attaches an OTLP HTTP exporter
// so those spans reach a collector. Export is optional: a missing or
// unreachable collector degrades to no tracing, never to a startup
// failure.
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/firebase/genkit/go/core/tracing"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// DefaultEndpoint is the default OTLP HTTP collector endpoint.
const DefaultEndpoint = "localhost:4318"

// Config for OTLP trace export.
type Config struct {
	// Endpoint is the collector's OTLP HTTP endpoint (host:port).
	Endpoint string
	// Environment is the deployment environment tag (dev, staging, prod).
	Environment string
	// ServiceName is the service name reported on spans.
	ServiceName string
}

// Setup registers an OTLP exporter with Genkit's TracerProvider and
// returns a shutdown function that flushes pending spans.
//
// Exporter construction failure disables tracing with a warning instead
// of propagating the error.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (shutdown func(context.Context) error, err error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Genkit's TracerProvider reads these at span-resource construction.
	if cfg.ServiceName != "" {
		_ = os.Setenv("OTEL_SERVICE_NAME", cfg.ServiceName)
	}
	if cfg.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+cfg.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		logger.Warn("creating OTLP exporter failed, tracing disabled", "error", err)
		return func(context.Context) error { return nil }, nil
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	logger.Debug("trace export enabled",
		"endpoint", endpoint,
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
	)

	return tracing.TracerProvider().Shutdown, nil
}
