package chat

import (
	"errors"
	"testing"
)

func TestRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", errors.New("googleai: rate limit exceeded"), true},
		{"quota", errors.New("Quota Exceeded for project"), true},
		{"http 429", errors.New("unexpected status 429"), true},
		{"http 503", errors.New("503 service unavailable"), true},
		{"timeout", errors.New("request timeout"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"bad request", errors.New("invalid argument: schema mismatch"), false},
		{"auth", errors.New("401 unauthorized"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryableError(tt.err); got != tt.want {
				t.Errorf("retryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	if cfg.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0 (retries are opt-in)", cfg.MaxRetries)
	}
	if cfg.InitialInterval <= 0 || cfg.MaxInterval < cfg.InitialInterval {
		t.Errorf("intervals = %v / %v", cfg.InitialInterval, cfg.MaxInterval)
	}
}
