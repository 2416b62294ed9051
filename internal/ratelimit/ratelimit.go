// Package ratelimit admits or rejects conversation turns before any
// embedding or model call is made.
//
// Admission uses a fixed window per client identity: the first request in a
// window starts the clock, and once the quota is consumed every further
// request is rejected until the window expires. Clients without a known
// identity share one bucket, so an anonymous flood cannot multiply quota.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

const (
	// DefaultQuota is the number of turns allowed per window.
	DefaultQuota = 2

	// DefaultWindow is the fixed window length.
	DefaultWindow = time.Minute

	// AnonymousKey is the shared bucket for clients without an identity.
	AnonymousKey = "anonymous"

	keyPrefix = "ratelimit:"
)

// Counter is the storage backend for window counters.
// Incr atomically increments the counter for key, starting the window on
// the first hit, and returns the post-increment count plus the time left
// in the window.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, expiresIn time.Duration, err error)
}

// Decision is the outcome of one admission check. Limit, Remaining, and
// Reset map directly onto the X-RateLimit-* response headers.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
	// RetryAfter is how long a rejected client should wait. Zero when
	// Allowed.
	RetryAfter time.Duration
}

// Config bounds admission. Zero values fall back to the defaults.
type Config struct {
	Quota  int
	Window time.Duration
}

// Limiter performs fixed-window admission control over a Counter.
// Safe for concurrent use.
type Limiter struct {
	counter Counter
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Limiter. A nil logger falls back to slog.Default().
func New(counter Counter, cfg Config, logger *slog.Logger) *Limiter {
	if cfg.Quota <= 0 {
		cfg.Quota = DefaultQuota
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		counter: counter,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Admit consumes one unit of quota for key and reports the decision.
// An empty key falls into the shared anonymous bucket.
//
// Counter failures admit the request: a broken redis must degrade the
// rate limit, not take the chat down. The failure is logged.
func (l *Limiter) Admit(ctx context.Context, key string) Decision {
	if key == "" {
		key = AnonymousKey
	}

	count, expiresIn, err := l.counter.Incr(ctx, keyPrefix+key, l.cfg.Window)
	if err != nil {
		l.logger.Warn("admission counter failed, admitting request",
			"key", key, "error", err)
		return Decision{
			Allowed:   true,
			Limit:     l.cfg.Quota,
			Remaining: 0,
			Reset:     l.now().Add(l.cfg.Window),
		}
	}

	remaining := int64(l.cfg.Quota) - count
	if remaining < 0 {
		remaining = 0
	}

	d := Decision{
		Allowed:   count <= int64(l.cfg.Quota),
		Limit:     l.cfg.Quota,
		Remaining: int(remaining),
		Reset:     l.now().Add(expiresIn),
	}
	if !d.Allowed {
		d.RetryAfter = expiresIn
	}
	return d
}

// Quota returns the configured per-window quota.
func (l *Limiter) Quota() int { return l.cfg.Quota }

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.cfg.Window }

// ClientKey derives a stable admission key from a client IP. The IP is
// hashed so raw addresses never reach the counter store. An empty IP maps
// to the anonymous bucket.
func ClientKey(ip string) string {
	if ip == "" {
		return AnonymousKey
	}
	sum := sha256.Sum256([]byte(ip))
	return "ip_" + hex.EncodeToString(sum[:])[:16]
}
