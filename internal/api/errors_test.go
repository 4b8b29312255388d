// Package api provides HTTP API server implementation for the harvester control surface.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewProblemDetail_SetsDomainType(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	problem := NewProblemDetail(http.StatusBadRequest, "Bad Request", "missing field")

	expectedType := "https://thereferee.dev/problems/400"
	if problem.Type != expectedType {
		t.Errorf("expected type %q, got %q", expectedType, problem.Type)
	}

	if problem.Status != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", problem.Status)
	}
}

func TestProblemDetail_WithInstanceAndCorrelationID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	problem := NewProblemDetail(http.StatusNotFound, "Not Found", "no such job").
		WithInstance("/internal/jobs/123").
		WithCorrelationID("corr-abc")

	if problem.Instance != "/internal/jobs/123" {
		t.Errorf("expected instance to be set, got %q", problem.Instance)
	}

	if problem.CorrelationID != "corr-abc" {
		t.Errorf("expected correlation id to be set, got %q", problem.CorrelationID)
	}
}

func TestWriteErrorResponse_FillsInstanceAndCorrelationIDFromRequest(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	req := httptest.NewRequest(http.MethodGet, "/internal/jobs", nil)
	rec := httptest.NewRecorder()
	logger := slog.New(slog.DiscardHandler)

	WriteErrorResponse(rec, req, logger, BadRequest("invalid kind"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json content type, got %q", ct)
	}

	var decoded ProblemDetail
	if err := json.NewDecoder(rec.Body).Decode(&decoded); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}

	if decoded.Instance != "/internal/jobs" {
		t.Errorf("expected instance to default to request path, got %q", decoded.Instance)
	}
}

func TestErrorConstructors_MapToExpectedStatusCodes(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cases := []struct {
		problem  *ProblemDetail
		expected int
	}{
		{InternalServerError("boom"), http.StatusInternalServerError},
		{BadRequest("boom"), http.StatusBadRequest},
		{NotFound("boom"), http.StatusNotFound},
		{MethodNotAllowed("boom"), http.StatusMethodNotAllowed},
	}

	for _, c := range cases {
		if c.problem.Status != c.expected {
			t.Errorf("expected status %d, got %d", c.expected, c.problem.Status)
		}
	}
}
