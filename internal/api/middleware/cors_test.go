// Package middleware provides HTTP middleware components for the harvester control surface.
package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubCORSConfig struct {
	origins []string
	methods []string
	headers []string
	maxAge  int
}

func (c stubCORSConfig) GetAllowedOrigins() []string { return c.origins }
func (c stubCORSConfig) GetAllowedMethods() []string { return c.methods }
func (c stubCORSConfig) GetAllowedHeaders() []string { return c.headers }
func (c stubCORSConfig) GetMaxAge() int              { return c.maxAge }

func TestCORS_WildcardOriginAllowsAny(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handler := CORS(stubCORSConfig{origins: []string{"*"}})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected wildcard origin header, got %q", got)
	}
}

func TestCORS_OnlyEchoesAllowlistedOrigin(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handler := CORS(stubCORSConfig{origins: []string{"https://ops.example"}})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://attacker.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no Access-Control-Allow-Origin for a disallowed origin, got %q", got)
	}
}

func TestCORS_PreflightShortCircuitsWithNoContent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	called := false
	handler := CORS(stubCORSConfig{origins: []string{"*"}})(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/internal/jobs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if called {
		t.Error("preflight OPTIONS request should not reach the wrapped handler")
	}

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected status 204, got %d", rec.Code)
	}
}
