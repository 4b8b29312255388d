// Package api provides HTTP API server implementation for the harvester control surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thereferee/harvester/internal/api/middleware"
	"github.com/thereferee/harvester/internal/jobengine"
	"github.com/thereferee/harvester/internal/pagebuffer"
	"github.com/thereferee/harvester/internal/store"
)

// Server is the Operator Control Surface (SPEC_FULL.md §4.8): a
// deliberately tiny HTTP server, not a reimplementation of the REST
// surface the spec places out of scope. It exposes liveness, metrics, and
// a thin operator wrapper over jobengine.Engine.Enqueue.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	config      *ServerConfig
	startTime   time.Time
	engine      *jobengine.Engine
	conn        *store.Connection
	buffer      *pagebuffer.Buffer
	jobs        *store.JobStore
	apiCallLogs *store.APICallLogStore
	operators   *store.OperatorTokenStore
	limiter     *middleware.InMemoryRateLimiter
}

// NewServer creates the operator control surface HTTP server. operators
// may be nil, which disables operator-token authentication entirely — the
// same nil-disables convention the middleware chain already follows for
// rate limiting.
func NewServer(
	cfg *ServerConfig,
	engine *jobengine.Engine,
	conn *store.Connection,
	buffer *pagebuffer.Buffer,
	jobs *store.JobStore,
	apiCallLogs *store.APICallLogStore,
	operators *store.OperatorTokenStore,
) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	if engine == nil || conn == nil || buffer == nil || jobs == nil {
		logger.Error("engine, conn, buffer, and jobs are required - cannot start control surface")
		panic("api: engine, conn, buffer, and jobs must not be nil")
	}

	mux := http.NewServeMux()

	server := &Server{
		logger:      logger,
		config:      cfg,
		engine:      engine,
		conn:        conn,
		buffer:      buffer,
		jobs:        jobs,
		apiCallLogs: apiCallLogs,
		operators:   operators,
		limiter:     middleware.NewInMemoryRateLimiter(middleware.LoadConfig()),
	}

	server.setupRoutes(mux)

	if operators != nil {
		logger.Info("operator token authentication enabled")
	} else {
		logger.Warn("OperatorTokenStore not configured - /internal/jobs is unauthenticated")
	}

	// healthz and metrics stay reachable without an operator token so a
	// load balancer or scrape job never needs one.
	middleware.RegisterPublicEndpoint("/healthz")
	middleware.RegisterPublicEndpoint("/metrics")

	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithOperatorAuth(server.authenticator(), logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// authenticator adapts operators to middleware.OperatorAuthenticator,
// returning nil when operator auth is disabled so WithOperatorAuth's
// nil-check skips the middleware entirely.
func (s *Server) authenticator() middleware.OperatorAuthenticator {
	if s.operators == nil {
		return nil
	}

	return s.operators
}

// Start starts the HTTP server and blocks until shutdown. It handles
// graceful shutdown on SIGINT and SIGTERM.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("starting operator control surface",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("received shutdown signal", slog.String("signal", sig.String()))

		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("initiating server shutdown", slog.Duration("shutdown_timeout", s.config.ShutdownTimeout))

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.limiter.Close()

	s.logger.Info("server shutdown completed")

	return nil
}
