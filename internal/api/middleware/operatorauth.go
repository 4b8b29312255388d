// Package middleware provides HTTP middleware components for the harvester control surface.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/thereferee/harvester/internal/store"
)

type (
	// AuthError represents an authentication error with a specific type.
	AuthError struct {
		Type    error
		Message string
	}

	// OperatorAuthenticator verifies a plaintext operator token, the one
	// method of *store.OperatorTokenStore this middleware depends on.
	OperatorAuthenticator interface {
		Authenticate(ctx context.Context, plaintext string) (*store.OperatorToken, error)
	}

	// OperatorIdentity is the minimal identity this middleware enriches the
	// request context with.
	OperatorIdentity struct {
		ID   string
		Name string
	}

	operatorContextKey struct{}
)

// publicEndpoints defines endpoints that bypass operator-token authentication.
// Only health/monitoring endpoints belong here — never business-logic routes.
var publicEndpoints = map[string]bool{} //nolint: gochecknoglobals

// RegisterPublicEndpoint marks endpoint as exempt from operator authentication.
// Call this during route setup for health check endpoints only.
func RegisterPublicEndpoint(endpoint string) {
	publicEndpoints[endpoint] = true
}

// Authentication error types for granular error handling.
var (
	// ErrMissingToken is returned when no operator token is provided in headers.
	ErrMissingToken = errors.New("missing operator token")

	// ErrInvalidToken is returned for invalid token format or not found.
	// Generic error prevents enumeration attacks.
	ErrInvalidToken = errors.New("invalid operator token")
)

// extractToken extracts the operator token from request headers. It checks
// X-Operator-Token (primary) then falls back to Authorization: Bearer.
func extractToken(r *http.Request) (string, bool) {
	if token := r.Header.Get("X-Operator-Token"); token != "" {
		return cleanToken(token)
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return cleanToken(strings.TrimPrefix(authHeader, "Bearer "))
	}

	return "", false
}

func cleanToken(token string) (string, bool) {
	if strings.ContainsAny(token, "\r\n") {
		return "", false
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}

	return token, true
}

// Error implements the error interface for AuthError.
func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication failed: %s: %s", e.Type.Error(), e.Message)
	}

	return "authentication failed: " + e.Type.Error()
}

// Unwrap returns the wrapped error type, enabling errors.Is()/errors.As().
func (e *AuthError) Unwrap() error {
	return e.Type
}

// SetOperatorIdentity attaches an OperatorIdentity to ctx.
func SetOperatorIdentity(ctx context.Context, id OperatorIdentity) context.Context {
	return context.WithValue(ctx, operatorContextKey{}, id)
}

// GetOperatorIdentity returns the OperatorIdentity attached to ctx, if any.
func GetOperatorIdentity(ctx context.Context) (OperatorIdentity, bool) {
	id, ok := ctx.Value(operatorContextKey{}).(OperatorIdentity)

	return id, ok
}

// AuthenticateOperator creates authentication middleware for the §4.8
// Operator Control Surface: validates the bearer token against auth and
// enriches the request context with OperatorIdentity on success.
func AuthenticateOperator(auth OperatorAuthenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicEndpoints[r.URL.Path] {
				next.ServeHTTP(w, r)

				return
			}

			start := time.Now()

			token, found := extractToken(r)
			if !found {
				writeAuthError(w, r, logger, &AuthError{Type: ErrMissingToken})

				return
			}

			authenticated, err := auth.Authenticate(r.Context(), token)
			if err != nil {
				writeAuthError(w, r, logger, &AuthError{Type: ErrInvalidToken})

				return
			}

			identity := OperatorIdentity{ID: authenticated.ID, Name: authenticated.Name}
			ctx := SetOperatorIdentity(r.Context(), identity)

			logger.Info("operator token authenticated",
				slog.String("operator_id", identity.ID),
				slog.Duration("auth_latency", time.Since(start)),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
				slog.String("endpoint", r.URL.Path),
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	correlationID := GetCorrelationID(r.Context())

	statusCode := http.StatusUnauthorized

	logger.Warn("operator authentication failed",
		slog.String("reason", err.Error()),
		slog.String("correlation_id", correlationID),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
	)

	problem := map[string]any{
		"type":          fmt.Sprintf("https://thereferee.dev/problems/%d", statusCode),
		"title":         "Unauthorized",
		"status":        statusCode,
		"detail":        err.Error(),
		"instance":      r.URL.Path,
		"correlationId": correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("failed to encode auth error response", slog.String("error", err.Error()))
	}
}
