package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/thereferee/harvester/internal/model"
)

// HarvestTargetStore persists model.HarvestTarget records.
type HarvestTargetStore struct {
	conn *Connection
}

// NewHarvestTargetStore returns a HarvestTargetStore backed by conn.
func NewHarvestTargetStore(conn *Connection) *HarvestTargetStore {
	return &HarvestTargetStore{conn: conn}
}

// Upsert creates or updates a HarvestTarget keyed on (edition_id, partition_key).
func (s *HarvestTargetStore) Upsert(ctx context.Context, t *model.HarvestTarget) error {
	if t == nil {
		return ErrNilRecord
	}

	query := `
		INSERT INTO harvest_targets
			(edition_id, partition_key, expected_count, actual_count, original_expected,
			 final_gs_count, status, gap_reason, gap_details, pages_attempted, pages_succeeded, pages_failed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, '')::jsonb, $10, $11, $12)
		ON CONFLICT (edition_id, partition_key) DO UPDATE SET
			expected_count = EXCLUDED.expected_count,
			actual_count = EXCLUDED.actual_count,
			final_gs_count = EXCLUDED.final_gs_count,
			status = EXCLUDED.status,
			gap_reason = EXCLUDED.gap_reason,
			gap_details = EXCLUDED.gap_details,
			pages_attempted = EXCLUDED.pages_attempted,
			pages_succeeded = EXCLUDED.pages_succeeded,
			pages_failed = EXCLUDED.pages_failed,
			updated_at = now()
		RETURNING id, created_at, updated_at
	`

	return s.conn.QueryRowContext(ctx, query,
		t.EditionID, t.PartitionKey, t.ExpectedCount, t.ActualCount, t.OriginalExpected,
		t.FinalGSCount, t.Status, t.GapReason, t.GapDetails, t.PagesAttempted, t.PagesSucceeded, t.PagesFailed,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
}

// Get retrieves a HarvestTarget by (edition_id, partition_key).
func (s *HarvestTargetStore) Get(ctx context.Context, editionID, partitionKey string) (*model.HarvestTarget, error) {
	query := `
		SELECT id, edition_id, partition_key, expected_count, actual_count, original_expected,
		       final_gs_count, status, gap_reason, COALESCE(gap_details::text, ''),
		       pages_attempted, pages_succeeded, pages_failed, created_at, updated_at
		FROM harvest_targets WHERE edition_id = $1 AND partition_key = $2
	`

	t := &model.HarvestTarget{}

	err := s.conn.QueryRowContext(ctx, query, editionID, partitionKey).Scan(
		&t.ID, &t.EditionID, &t.PartitionKey, &t.ExpectedCount, &t.ActualCount, &t.OriginalExpected,
		&t.FinalGSCount, &t.Status, &t.GapReason, &t.GapDetails,
		&t.PagesAttempted, &t.PagesSucceeded, &t.PagesFailed, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("harvest_target_store: get: %w", err)
	}

	return t, nil
}

// ListByEdition returns every HarvestTarget for an Edition regardless of
// status, used to synthesise a resume state for an orphaned Edition (§4.1
// orphan recovery: "a resume state is synthesised from their completed
// HarvestTargets").
func (s *HarvestTargetStore) ListByEdition(ctx context.Context, editionID string) ([]*model.HarvestTarget, error) {
	query := `
		SELECT id, edition_id, partition_key, expected_count, actual_count, original_expected,
		       final_gs_count, status, gap_reason, COALESCE(gap_details::text, ''),
		       pages_attempted, pages_succeeded, pages_failed, created_at, updated_at
		FROM harvest_targets WHERE edition_id = $1
		ORDER BY partition_key
	`

	rows, err := s.conn.QueryContext(ctx, query, editionID)
	if err != nil {
		return nil, fmt.Errorf("harvest_target_store: list by edition: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var targets []*model.HarvestTarget

	for rows.Next() {
		t := &model.HarvestTarget{}

		if err := rows.Scan(
			&t.ID, &t.EditionID, &t.PartitionKey, &t.ExpectedCount, &t.ActualCount, &t.OriginalExpected,
			&t.FinalGSCount, &t.Status, &t.GapReason, &t.GapDetails,
			&t.PagesAttempted, &t.PagesSucceeded, &t.PagesFailed, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("harvest_target_store: scan: %w", err)
		}

		targets = append(targets, t)
	}

	return targets, rows.Err()
}

// ListIncompleteByEdition returns the HarvestTargets an Edition still has
// gaps on, used by verify_and_repair (§4.1).
func (s *HarvestTargetStore) ListIncompleteByEdition(ctx context.Context, editionID string) ([]*model.HarvestTarget, error) {
	query := `
		SELECT id, edition_id, partition_key, expected_count, actual_count, original_expected,
		       final_gs_count, status, gap_reason, COALESCE(gap_details::text, ''),
		       pages_attempted, pages_succeeded, pages_failed, created_at, updated_at
		FROM harvest_targets WHERE edition_id = $1 AND status = $2
		ORDER BY partition_key
	`

	rows, err := s.conn.QueryContext(ctx, query, editionID, model.TargetIncomplete)
	if err != nil {
		return nil, fmt.Errorf("harvest_target_store: list incomplete: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var targets []*model.HarvestTarget

	for rows.Next() {
		t := &model.HarvestTarget{}

		if err := rows.Scan(
			&t.ID, &t.EditionID, &t.PartitionKey, &t.ExpectedCount, &t.ActualCount, &t.OriginalExpected,
			&t.FinalGSCount, &t.Status, &t.GapReason, &t.GapDetails,
			&t.PagesAttempted, &t.PagesSucceeded, &t.PagesFailed, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("harvest_target_store: scan: %w", err)
		}

		targets = append(targets, t)
	}

	return targets, rows.Err()
}
