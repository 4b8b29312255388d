// Package api provides HTTP API server implementation for the harvester control surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/thereferee/harvester/internal/api/middleware"
	"github.com/thereferee/harvester/internal/model"
)

const healthCheckTimeout = 2 * time.Second

type (
	// HealthStatus is the /healthz response body.
	HealthStatus struct {
		Status string `json:"status"`
		Uptime string `json:"uptime,omitempty"`
	}

	// EnqueueRequest is the POST /internal/jobs request body.
	EnqueueRequest struct {
		Kind           model.JobKind   `json:"kind"`
		SeedPaperID    string          `json:"seed_paper_id,omitempty"`
		Priority       int             `json:"priority,omitempty"`
		CallbackURL    string          `json:"callback_url,omitempty"`
		CallbackSecret string          `json:"callback_secret,omitempty"`
		Params         model.JobParams `json:"params"`
	}

	// EnqueueResponse is the POST /internal/jobs response body.
	EnqueueResponse struct {
		JobID  string         `json:"job_id"`
		Status model.JobStatus `json:"status"`
	}
)

// supportedJobKinds are the Job Engine kinds operators may enqueue through
// the control surface (§4.1 item list; thinker_* kinds stay Non-goal).
var supportedJobKinds = map[model.JobKind]bool{
	model.JobKindResolve:              true,
	model.JobKindExtractCitations:     true,
	model.JobKindPartitionHarvestTest: true,
	model.JobKindRetryFailedFetches:   true,
	model.JobKindVerifyAndRepair:      true,
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	enqueue := middleware.RateLimit(s.limiter, s.logger)(http.HandlerFunc(s.handleEnqueueJob))
	mux.Handle("POST /internal/jobs", enqueue)
}

// handleHealthz reports liveness: a DB ping and a page-buffer directory
// writability probe (§4.8).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.conn.HealthCheck(ctx); err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("database unreachable: "+err.Error()))

		return
	}

	probe := filepath.Join(s.buffer.Root(), ".healthz-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("page buffer directory not writable: "+err.Error()))

		return
	}

	_ = os.Remove(probe)

	status := HealthStatus{Status: "ok"}
	if !s.startTime.IsZero() {
		status.Uptime = time.Since(s.startTime).String()
	}

	writeJSON(w, http.StatusOK, status)
}

// handleMetrics reports plain-text counters: Jobs by status and recent API
// call log tallies (§4.8: "no Prometheus dep since none is in the pack").
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	window := time.Hour

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	for _, status := range []model.JobStatus{
		model.JobPending, model.JobRunning, model.JobCompleted, model.JobFailed, model.JobCancelled,
	} {
		count, err := s.jobs.CountRecentByStatus(ctx, status, window)
		if err != nil {
			s.logger.Error("metrics: count jobs by status failed", slog.String("status", string(status)), slog.Any("error", err))

			continue
		}

		fmt.Fprintf(w, "harvester_jobs_total{status=%q,window=%q} %d\n", status, window, count)
	}

	if s.apiCallLogs == nil {
		return
	}

	total, failed, err := s.apiCallLogs.TallySince(ctx, time.Now().Add(-window))
	if err != nil {
		s.logger.Error("metrics: api call log tally failed", slog.Any("error", err))

		return
	}

	fmt.Fprintf(w, "harvester_api_calls_total{window=%q} %d\n", window, total)
	fmt.Fprintf(w, "harvester_api_calls_failed_total{window=%q} %d\n", window, failed)
}

// handleEnqueueJob is the thin operator wrapper over jobengine.Enqueue
// (§4.8: "for operator/cron use only, not the disambiguation UI's REST
// surface").
func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("invalid request body: "+err.Error()))

		return
	}

	if !supportedJobKinds[req.Kind] {
		WriteErrorResponse(w, r, s.logger, BadRequest(fmt.Sprintf("unsupported job kind %q", req.Kind)))

		return
	}

	req.Params.Kind = req.Kind

	job, err := s.engine.Enqueue(r.Context(), req.Kind, req.Params, req.Priority, req.SeedPaperID, req.CallbackURL, req.CallbackSecret)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("enqueue failed: "+err.Error()))

		return
	}

	writeJSON(w, http.StatusAccepted, EnqueueResponse{JobID: job.ID, Status: job.Status})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
