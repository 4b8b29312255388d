package store

import (
	"context"
	"fmt"

	"github.com/thereferee/harvester/internal/model"
)

// FailedFetchStore persists model.FailedFetch records, the retry queue for
// pages whose in-call retries were exhausted (§4.1 retry_failed_fetches).
type FailedFetchStore struct {
	conn *Connection
}

// NewFailedFetchStore returns a FailedFetchStore backed by conn.
func NewFailedFetchStore(conn *Connection) *FailedFetchStore {
	return &FailedFetchStore{conn: conn}
}

// Create inserts a new FailedFetch in pending status.
func (s *FailedFetchStore) Create(ctx context.Context, f *model.FailedFetch) error {
	if f == nil {
		return ErrNilRecord
	}

	query := `
		INSERT INTO failed_fetches (edition_id, partition_key, page_num, url, retry_count, last_error, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	return s.conn.QueryRowContext(ctx, query,
		f.EditionID, f.PartitionKey, f.PageNum, f.URL, f.RetryCount, f.LastError, model.FailedFetchPending,
	).Scan(&f.ID, &f.CreatedAt, &f.UpdatedAt)
}

// ListPending returns FailedFetches eligible for another retry pass, up to limit.
func (s *FailedFetchStore) ListPending(ctx context.Context, limit int) ([]*model.FailedFetch, error) {
	query := `
		SELECT id, edition_id, partition_key, page_num, url, retry_count, last_error, status,
		       recovered_citations, created_at, updated_at
		FROM failed_fetches WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`

	rows, err := s.conn.QueryContext(ctx, query, model.FailedFetchPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed_fetch_store: list pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var fetches []*model.FailedFetch

	for rows.Next() {
		f := &model.FailedFetch{}

		if err := rows.Scan(
			&f.ID, &f.EditionID, &f.PartitionKey, &f.PageNum, &f.URL, &f.RetryCount, &f.LastError,
			&f.Status, &f.RecoveredCitations, &f.CreatedAt, &f.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed_fetch_store: scan: %w", err)
		}

		fetches = append(fetches, f)
	}

	return fetches, rows.Err()
}

// MarkSucceeded transitions a FailedFetch to succeeded and records how many
// citations the retry recovered.
func (s *FailedFetchStore) MarkSucceeded(ctx context.Context, id string, recovered int) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE failed_fetches SET status = $1, recovered_citations = $2, updated_at = now() WHERE id = $3
	`, model.FailedFetchSucceeded, recovered, id)
	if err != nil {
		return fmt.Errorf("failed_fetch_store: mark succeeded: %w", err)
	}

	return checkRowsAffected(res)
}

// MarkAbandoned transitions a FailedFetch to abandoned after MaxRetries is exhausted.
func (s *FailedFetchStore) MarkAbandoned(ctx context.Context, id, lastError string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE failed_fetches SET status = $1, last_error = $2, updated_at = now() WHERE id = $3
	`, model.FailedFetchAbandoned, lastError, id)
	if err != nil {
		return fmt.Errorf("failed_fetch_store: mark abandoned: %w", err)
	}

	return checkRowsAffected(res)
}

// IncrementRetry bumps retry_count and transitions to retrying.
func (s *FailedFetchStore) IncrementRetry(ctx context.Context, id, lastError string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE failed_fetches
		SET retry_count = retry_count + 1, last_error = $1, status = $2, updated_at = now()
		WHERE id = $3
	`, lastError, model.FailedFetchRetrying, id)
	if err != nil {
		return fmt.Errorf("failed_fetch_store: increment retry: %w", err)
	}

	return checkRowsAffected(res)
}
