package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nikhilsnayak/sage/internal/testutil"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		realIP     string
		forwarded  string
		trustProxy bool
		want       string
	}{
		{"remote addr only", "203.0.113.5:4321", "", "", false, "203.0.113.5"},
		{"headers ignored without trust", "203.0.113.5:4321", "198.51.100.1", "", false, "203.0.113.5"},
		{"x-real-ip trusted", "10.0.0.1:80", "198.51.100.1", "", true, "198.51.100.1"},
		{"x-forwarded-for trusted", "10.0.0.1:80", "", "198.51.100.2, 10.0.0.1", true, "198.51.100.2"},
		{"real-ip wins over forwarded", "10.0.0.1:80", "198.51.100.1", "198.51.100.2", true, "198.51.100.1"},
		{"invalid real-ip falls through", "10.0.0.1:80", "not-an-ip", "198.51.100.2", true, "198.51.100.2"},
		{"all invalid falls to remote", "10.0.0.1:80", "junk", "junk", true, "10.0.0.1"},
		{"ipv6 remote", "[2001:db8::1]:443", "", "", false, "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(r, tt.trustProxy); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFloodLimiter(t *testing.T) {
	fl := newFloodLimiter(0, 3) // no refill, 3 token burst

	for i := range 3 {
		if !fl.allow("1.2.3.4") {
			t.Fatalf("request %d should be allowed within burst", i+1)
		}
	}
	if fl.allow("1.2.3.4") {
		t.Error("request beyond burst should be denied")
	}
	if !fl.allow("5.6.7.8") {
		t.Error("different IP should have its own bucket")
	}
}

func TestFloodLimitMiddleware(t *testing.T) {
	fl := newFloodLimiter(0, 1)
	handler := floodLimitMiddleware(fl, false, testutil.DiscardLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:1000"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestCORSMiddleware(t *testing.T) {
	handler := corsMiddleware([]string{"https://nikhilsnayak.dev"})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://nikhilsnayak.dev")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://nikhilsnayak.dev" {
			t.Errorf("Allow-Origin = %q", got)
		}
	})

	t.Run("disallowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Allow-Origin = %q for disallowed origin", got)
		}
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "https://nikhilsnayak.dev")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Errorf("preflight status = %d, want 204", rec.Code)
		}
	})
}

func TestLoggingMiddlewareRequestID(t *testing.T) {
	handler := loggingMiddleware(testutil.DiscardLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))

	a, b := first.Header().Get("X-Request-ID"), second.Header().Get("X-Request-ID")
	if a == "" || b == "" {
		t.Fatal("X-Request-ID header not set")
	}
	if a == b {
		t.Errorf("request IDs not unique: %q", a)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := recoveryMiddleware(testutil.DiscardLogger())(
		http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
			panic("boom")
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
