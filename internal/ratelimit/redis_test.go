package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nikhilsnayak/sage/internal/log"
)

func newRedisCounter(t *testing.T) (*RedisCounter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Errorf("closing redis client: %v", err)
		}
	})
	return NewRedisCounter(client), mr
}

func TestRedisCounterIncr(t *testing.T) {
	counter, _ := newRedisCounter(t)
	ctx := context.Background()

	count, expiresIn, err := counter.Incr(ctx, "ratelimit:test", time.Minute)
	if err != nil {
		t.Fatalf("Incr() error: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
	if expiresIn <= 0 || expiresIn > time.Minute {
		t.Errorf("expiresIn = %v", expiresIn)
	}

	count, _, err = counter.Incr(ctx, "ratelimit:test", time.Minute)
	if err != nil {
		t.Fatalf("Incr() error: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestRedisCounterWindowExpiry(t *testing.T) {
	counter, mr := newRedisCounter(t)
	ctx := context.Background()

	if _, _, err := counter.Incr(ctx, "ratelimit:test", time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, _, err := counter.Incr(ctx, "ratelimit:test", time.Minute); err != nil {
		t.Fatal(err)
	}

	mr.FastForward(61 * time.Second)

	count, _, err := counter.Incr(ctx, "ratelimit:test", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("count after expiry = %d, want 1", count)
	}
}

func TestLimiterOverRedis(t *testing.T) {
	counter, mr := newRedisCounter(t)
	limiter := New(counter, Config{Quota: 2, Window: time.Minute}, log.NewNop())
	ctx := context.Background()

	decisions := []bool{
		limiter.Admit(ctx, "client-a").Allowed,
		limiter.Admit(ctx, "client-a").Allowed,
		limiter.Admit(ctx, "client-a").Allowed,
	}
	want := []bool{true, true, false}
	for i := range want {
		if decisions[i] != want[i] {
			t.Fatalf("decision %d = %v, want %v", i+1, decisions[i], want[i])
		}
	}

	mr.FastForward(61 * time.Second)

	if d := limiter.Admit(ctx, "client-a"); !d.Allowed {
		t.Fatalf("rollover must reset the quota: %+v", d)
	}
}

func TestNewRedisCounterFromURLInvalid(t *testing.T) {
	if _, err := NewRedisCounterFromURL(context.Background(), "not-a-url"); err == nil {
		t.Fatal("expected error for malformed redis url")
	}
}
