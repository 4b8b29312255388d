// Package middleware provides HTTP middleware components for the harvester control surface.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/thereferee/harvester/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type stubAuthenticator struct {
	token *store.OperatorToken
	err   error
}

func (s *stubAuthenticator) Authenticate(_ context.Context, _ string) (*store.OperatorToken, error) {
	return s.token, s.err
}

func TestExtractToken_XOperatorTokenHeader(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	req := httptest.NewRequest(http.MethodGet, "/internal/jobs", nil)
	req.Header.Set("X-Operator-Token", "harvestctl_test123")

	token, found := extractToken(req)
	if !found {
		t.Fatal("extractToken should return true when X-Operator-Token header is present")
	}

	if token != "harvestctl_test123" { // pragma: allowlist secret
		t.Errorf("expected token %q, got %q", "harvestctl_test123", token)
	}
}

func TestExtractToken_AuthorizationBearerFallback(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	req := httptest.NewRequest(http.MethodGet, "/internal/jobs", nil)
	req.Header.Set("Authorization", "Bearer harvestctl_test456")

	token, found := extractToken(req)
	if !found {
		t.Fatal("extractToken should return true when Authorization: Bearer header is present")
	}

	if token != "harvestctl_test456" { // pragma: allowlist secret
		t.Errorf("expected token %q, got %q", "harvestctl_test456", token)
	}
}

func TestExtractToken_MissingHeaders(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	req := httptest.NewRequest(http.MethodGet, "/internal/jobs", nil)

	if _, found := extractToken(req); found {
		t.Fatal("extractToken should return false when no token header is present")
	}
}

func TestExtractToken_RejectsHeaderInjection(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	req := httptest.NewRequest(http.MethodGet, "/internal/jobs", nil)
	req.Header.Set("X-Operator-Token", "harvestctl_good\r\nX-Injected: true")

	if _, found := extractToken(req); found {
		t.Fatal("extractToken should reject tokens containing CR/LF")
	}
}

func TestAuthenticateOperator_BypassesPublicEndpoints(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	RegisterPublicEndpoint("/healthz")

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := AuthenticateOperator(&stubAuthenticator{err: ErrInvalidToken}, testLogger())(next)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Fatal("a registered public endpoint must bypass authentication entirely")
	}

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
}

func TestAuthenticateOperator_RejectsMissingToken(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("next handler must not run without a token")
	})

	handler := AuthenticateOperator(&stubAuthenticator{}, testLogger())(next)

	req := httptest.NewRequest(http.MethodPost, "/internal/jobs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
}

func TestAuthenticateOperator_EnrichesContextOnSuccess(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var gotIdentity OperatorIdentity

	next := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		identity, ok := GetOperatorIdentity(r.Context())
		if !ok {
			t.Fatal("operator identity should be attached to the request context")
		}

		gotIdentity = identity
	})

	authenticator := &stubAuthenticator{token: &store.OperatorToken{ID: "op-1", Name: "ci"}}
	handler := AuthenticateOperator(authenticator, testLogger())(next)

	req := httptest.NewRequest(http.MethodPost, "/internal/jobs", nil)
	req.Header.Set("X-Operator-Token", "harvestctl_valid")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if gotIdentity.ID != "op-1" || gotIdentity.Name != "ci" {
		t.Errorf("expected identity {op-1 ci}, got %+v", gotIdentity)
	}
}
