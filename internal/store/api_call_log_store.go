package store

import (
	"context"
	"fmt"
	"time"

	"github.com/thereferee/harvester/internal/model"
)

// APICallLogStore persists model.APICallLog rows, the observability trail
// for Search Client attempts (§3 expansion).
type APICallLogStore struct {
	conn *Connection
}

// NewAPICallLogStore returns an APICallLogStore backed by conn.
func NewAPICallLogStore(conn *Connection) *APICallLogStore {
	return &APICallLogStore{conn: conn}
}

// Record inserts one APICallLog row. Best-effort: callers should log and
// continue on error rather than fail the harvest for an observability write.
func (s *APICallLogStore) Record(ctx context.Context, l *model.APICallLog) error {
	if l == nil {
		return ErrNilRecord
	}

	query := `
		INSERT INTO api_call_logs (kind, success, status, latency_ms)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	return s.conn.QueryRowContext(ctx, query, l.Kind, l.Success, l.Status, l.LatencyMS).Scan(&l.ID, &l.CreatedAt)
}

// FailureRateSince returns the fraction of failed calls of the given kind
// since since.
func (s *APICallLogStore) FailureRateSince(ctx context.Context, kind string, since time.Time) (float64, error) {
	var total, failed int

	err := s.conn.QueryRowContext(ctx, `
		SELECT count(*), count(*) FILTER (WHERE NOT success)
		FROM api_call_logs WHERE kind = $1 AND created_at > $2
	`, kind, since).Scan(&total, &failed)
	if err != nil {
		return 0, fmt.Errorf("api_call_log_store: failure rate: %w", err)
	}

	if total == 0 {
		return 0, nil
	}

	return float64(failed) / float64(total), nil
}

// TallySince returns the total and failed call counts across all kinds
// since since, for the operator control surface's /metrics endpoint.
func (s *APICallLogStore) TallySince(ctx context.Context, since time.Time) (total, failed int, err error) {
	err = s.conn.QueryRowContext(ctx, `
		SELECT count(*), count(*) FILTER (WHERE NOT success)
		FROM api_call_logs WHERE created_at > $1
	`, since).Scan(&total, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("api_call_log_store: tally: %w", err)
	}

	return total, failed, nil
}
