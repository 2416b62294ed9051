package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// RetryConfig configures retry behavior for model calls.
// MaxRetries 0 means a single attempt; retries are opt-in.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns the default retry policy: no retries, with
// backoff intervals ready for callers that enable them.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      0,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// retryablePatterns groups error substrings by category, matched
// case-insensitively against err.Error().
//
// String matching is used because Genkit and provider SDKs do not expose
// typed errors for transient failures. Re-evaluate if Genkit adds
// structured error types.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},
	{"500", "502", "503", "504", "unavailable"},
	{"connection reset", "timeout", "temporary"},
}

// retryableError reports whether err is transient.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	for _, group := range retryablePatterns {
		if containsAny(errStr, group...) {
			return true
		}
	}
	return false
}

func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// generateWithRetry runs genkit.Generate with exponential backoff on
// transient errors. With MaxRetries 0 this is a single attempt.
func (a *Agent) generateWithRetry(ctx context.Context, opts []ai.GenerateOption) (*ai.ModelResponse, error) {
	var lastErr error
	delay := a.retryConfig.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= a.retryConfig.MaxRetries; attempt++ {
		resp, err := genkit.Generate(ctx, a.g, opts...)
		if err == nil {
			a.logger.Debug("generation succeeded",
				"attempts", attempt+1,
				"elapsed", time.Since(start),
			)
			return resp, nil
		}

		lastErr = err

		if !retryableError(err) {
			return nil, fmt.Errorf("generate: %w", err)
		}
		if attempt == a.retryConfig.MaxRetries {
			break
		}

		a.logger.Debug("retrying after transient error",
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, a.retryConfig.MaxInterval)
		}
	}

	return nil, fmt.Errorf("generate after %d retries (elapsed: %v): %w",
		a.retryConfig.MaxRetries, time.Since(start), lastErr)
}
