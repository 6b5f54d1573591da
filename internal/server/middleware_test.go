package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashita-ai/mure/internal/ratelimit"
)

func TestRateLimitedRoute(t *testing.T) {
	// MemoryLimiter with rate=1 token/sec and burst=2 allows the first 2
	// rapid requests (initial burst capacity) then rejects until refill.
	limiter := ratelimit.NewMemoryLimiter(1, 2)
	defer func() { _ = limiter.Close() }()

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, nil)(inner)

	for i := range 3 {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/some-path", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		handler.ServeHTTP(rec, req)

		if i < 2 {
			if rec.Code != http.StatusOK {
				t.Errorf("request %d: got status %d, want %d (within burst)", i+1, rec.Code, http.StatusOK)
			}
		} else {
			if rec.Code != http.StatusTooManyRequests {
				t.Errorf("request %d: got status %d, want %d (burst exhausted)", i+1, rec.Code, http.StatusTooManyRequests)
			}
			if rec.Header().Get("Retry-After") == "" {
				t.Error("rate-limited response should include Retry-After header")
			}
		}
	}

	// A different IP has its own bucket.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/some-path", nil)
	req.RemoteAddr = "10.0.0.2:1000"
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("fresh IP: got status %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := requestIDMiddleware(inner)

	// Absent header: an ID is generated and echoed back.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if seen == "" {
		t.Error("expected a generated request ID in the context")
	}
	if rec.Header().Get("X-Request-ID") != seen {
		t.Errorf("response header %q does not match context ID %q", rec.Header().Get("X-Request-ID"), seen)
	}

	// Provided header: passed through unchanged.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "caller-chosen")
	handler.ServeHTTP(rec, req)
	if seen != "caller-chosen" {
		t.Errorf("got context ID %q, want caller-chosen", seen)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	securityHeadersMiddleware(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s: got %q, want %q", header, got, want)
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	inner := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("handler exploded")
	})

	rec := httptest.NewRecorder()
	recoveryMiddleware(logger, inner).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if body.Error.Code != "INTERNAL_ERROR" {
		t.Errorf("got error code %q, want INTERNAL_ERROR", body.Error.Code)
	}
}

func TestDecodeJSONBodyLimit(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"message": "`+strings.Repeat("x", 100)+`"}`))

	var target struct {
		Message string `json:"message"`
	}
	err := decodeJSON(rec, req, &target, 10)
	if err == nil {
		t.Fatal("expected an error for a body over the limit")
	}
	var tooLarge *http.MaxBytesError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("got %T, want *http.MaxBytesError", err)
	}

	rec = httptest.NewRecorder()
	handleDecodeError(rec, req, err)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("got status %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
}
