package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mediaforge/internal/observability/logging"
)

func TestCORSMiddlewareAllowsConfiguredOrigin(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"https://Player.Example.com"}})
	if err != nil {
		t.Fatalf("newCORSPolicy error: %v", err)
	}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/videos/v1/stream/abc", nil)
	req.Header.Set("Origin", "https://player.example.com")
	req.Host = "api.example.com"
	rec := httptest.NewRecorder()
	corsMiddleware(policy, nil)(next).ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected next handler to be called")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://player.example.com" {
		t.Fatalf("unexpected allow origin header: %q", got)
	}
	if got := rec.Header().Get("Access-Control-Expose-Headers"); !strings.Contains(got, "Content-Range") {
		t.Fatalf("expected Content-Range to be exposed, got %q", got)
	}
}

func TestCORSMiddlewarePreflight(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"https://player.example.com"}})
	if err != nil {
		t.Fatalf("newCORSPolicy error: %v", err)
	}
	req := httptest.NewRequest(http.MethodOptions, "/api/videos/v1/upload", nil)
	req.Header.Set("Origin", "https://player.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	corsMiddleware(policy, nil)(http.NotFoundHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != corsAllowHeaders {
		t.Fatalf("unexpected allow headers: %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, http.MethodDelete) {
		t.Fatalf("expected DELETE in allow methods, got %q", got)
	}
}

func TestCORSMiddlewareBlocksUnknownOrigin(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{})
	if err != nil {
		t.Fatalf("newCORSPolicy error: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/videos/v1/abc", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Host = "api.example.com"
	rec := httptest.NewRecorder()
	corsMiddleware(policy, logging.Discard())(http.NotFoundHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestCORSMiddlewareAllowsSameOrigin(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{})
	if err != nil {
		t.Fatalf("newCORSPolicy error: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/videos/v1/abc", nil)
	req.Header.Set("Origin", "http://api.example.com")
	req.Host = "api.example.com"
	rec := httptest.NewRecorder()
	corsMiddleware(policy, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected same-origin request to pass, got %d", rec.Code)
	}
}

func TestNewCORSPolicyRejectsBareHost(t *testing.T) {
	if _, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"player.example.com"}}); err == nil {
		t.Fatal("expected origin without scheme to be rejected")
	}
}

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		name string
		cfg  SecurityConfig
		want map[string]string
	}{
		{
			name: "defaults",
			cfg:  SecurityConfig{},
			want: map[string]string{
				"Content-Security-Policy":      defaultContentSecurityPolicy,
				"X-Frame-Options":              "DENY",
				"X-Content-Type-Options":       "nosniff",
				"Referrer-Policy":              "no-referrer",
				"Cross-Origin-Resource-Policy": "cross-origin",
			},
		},
		{
			name: "overrides",
			cfg: SecurityConfig{
				FrameOptions:              "SAMEORIGIN",
				CrossOriginResourcePolicy: "same-site",
			},
			want: map[string]string{
				"X-Frame-Options":              "SAMEORIGIN",
				"Cross-Origin-Resource-Policy": "same-site",
				"Referrer-Policy":              "no-referrer",
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			securityHeadersMiddleware(tc.cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusAccepted)
			})).ServeHTTP(rec, req)
			for header, want := range tc.want {
				if got := rec.Header().Get(header); got != want {
					t.Fatalf("%s = %q, want %q", header, got, want)
				}
			}
		})
	}
}

func TestRequestIDMiddlewarePreservesIncomingID(t *testing.T) {
	t.Parallel()

	handler := requestIDMiddlewareWithGenerator(slog.Default(), func() string { return "generated" })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, _ := logging.RequestIDFromContext(r.Context())
		if requestID != "incoming" {
			t.Errorf("expected request id to be preserved, got %q", requestID)
		}
		if logging.LoggerFromContext(r.Context()) == nil {
			t.Error("expected request logger on context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "incoming")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Header().Get("X-Request-Id") != "incoming" {
		t.Fatalf("expected response header to carry request id, got %q", rr.Header().Get("X-Request-Id"))
	}
}

func TestRequestIDMiddlewareAnnotatesLogs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := requestIDMiddlewareWithGenerator(logger, func() string { return "generated-id" })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logging.LoggerFromContext(r.Context()).Info("handled")
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/videos/v1/abc", nil))

	if rr.Header().Get("X-Request-Id") != "generated-id" {
		t.Fatalf("expected generated request id header, got %q", rr.Header().Get("X-Request-Id"))
	}
	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if payload["request_id"] != "generated-id" {
		t.Fatalf("expected request_id in log, got %v", payload["request_id"])
	}
}
