package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/thereferee/harvester/internal/model"
)

// PartitionStore persists the partition-planner audit trail: one PartitionRun
// per invocation, with its PartitionTermAttempt, PartitionQuery, and
// PartitionLLMCall children (§4.4, §6).
type PartitionStore struct {
	conn *Connection
}

// NewPartitionStore returns a PartitionStore backed by conn.
func NewPartitionStore(conn *Connection) *PartitionStore {
	return &PartitionStore{conn: conn}
}

// CreateRun inserts a new PartitionRun.
func (s *PartitionStore) CreateRun(ctx context.Context, r *model.PartitionRun) error {
	if r == nil {
		return ErrNilRecord
	}

	query := `
		INSERT INTO partition_runs
			(parent_run_id, edition_id, depth, language_filter, initial_count, target_count, status)
		VALUES (NULLIF($1, '')::uuid, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	return s.conn.QueryRowContext(ctx, query,
		r.ParentRunID, r.EditionID, r.Depth, r.LanguageFilter, r.InitialCount, r.TargetCount, model.PartitionRunPending,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
}

// FinishRun transitions a PartitionRun to a terminal state with its final counts.
func (s *PartitionStore) FinishRun(ctx context.Context, r *model.PartitionRun) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE partition_runs
		SET exclusion_set_count = $1, inclusion_set_count = $2, exclusion_harvested = $3,
		    inclusion_harvested = $4, terms_kept = $5, status = $6, error_stage = $7,
		    gap_details = NULLIF($8, '')::jsonb, updated_at = now()
		WHERE id = $9
	`, r.ExclusionSetCount, r.InclusionSetCount, r.ExclusionHarvested, r.InclusionHarvested,
		r.TermsKept, r.Status, r.ErrorStage, r.GapDetails, r.ID)
	if err != nil {
		return fmt.Errorf("partition_store: finish run: %w", err)
	}

	return checkRowsAffected(res)
}

// GetRun retrieves a PartitionRun by id.
func (s *PartitionStore) GetRun(ctx context.Context, id string) (*model.PartitionRun, error) {
	query := `
		SELECT id, COALESCE(parent_run_id::text, ''), edition_id, depth, language_filter, initial_count,
		       target_count, exclusion_set_count, inclusion_set_count, exclusion_harvested,
		       inclusion_harvested, terms_kept, status, error_stage, COALESCE(gap_details::text, ''),
		       created_at, updated_at
		FROM partition_runs WHERE id = $1
	`

	r := &model.PartitionRun{}

	err := s.conn.QueryRowContext(ctx, query, id).Scan(
		&r.ID, &r.ParentRunID, &r.EditionID, &r.Depth, &r.LanguageFilter, &r.InitialCount,
		&r.TargetCount, &r.ExclusionSetCount, &r.InclusionSetCount, &r.ExclusionHarvested,
		&r.InclusionHarvested, &r.TermsKept, &r.Status, &r.ErrorStage, &r.GapDetails,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("partition_store: get run: %w", err)
	}

	return r, nil
}

// CountChildRuns returns how many child PartitionRuns a run already spawned.
func (s *PartitionStore) CountChildRuns(ctx context.Context, parentRunID string) (int, error) {
	var count int

	err := s.conn.QueryRowContext(ctx,
		`SELECT count(*) FROM partition_runs WHERE parent_run_id = $1`, parentRunID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("partition_store: count child runs: %w", err)
	}

	return count, nil
}

// RecordTermAttempt logs one candidate exclusion term's before/after counts.
func (s *PartitionStore) RecordTermAttempt(ctx context.Context, a *model.PartitionTermAttempt) error {
	if a == nil {
		return ErrNilRecord
	}

	query := `
		INSERT INTO partition_term_attempts (run_id, call_number, term, count_before, count_after, reduction, kept)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`

	return s.conn.QueryRowContext(ctx, query,
		a.RunID, a.CallNumber, a.Term, a.CountBefore, a.CountAfter, a.Reduction, a.Kept,
	).Scan(&a.ID, &a.CreatedAt)
}

// CountTermAttempts returns how many terms have been recorded as attempted
// for a run. The planner keeps its own in-memory attempt count.
func (s *PartitionStore) CountTermAttempts(ctx context.Context, runID string) (int, error) {
	var count int

	err := s.conn.QueryRowContext(ctx,
		`SELECT count(*) FROM partition_term_attempts WHERE run_id = $1`, runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("partition_store: count term attempts: %w", err)
	}

	return count, nil
}

// RecentZeroReductionStreak returns the number of most-recent term attempts,
// in call order, with reduction <= 0 — the consecutive-zero-reduction bailout
// signal.
func (s *PartitionStore) RecentZeroReductionStreak(ctx context.Context, runID string) (int, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT reduction FROM partition_term_attempts
		WHERE run_id = $1 ORDER BY call_number DESC
	`, runID)
	if err != nil {
		return 0, fmt.Errorf("partition_store: zero reduction streak: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var streak int

	for rows.Next() {
		var reduction int

		if err := rows.Scan(&reduction); err != nil {
			return 0, fmt.Errorf("partition_store: scan reduction: %w", err)
		}

		if reduction > 0 {
			break
		}

		streak++
	}

	return streak, rows.Err()
}

// RecordQuery logs one count-only or harvest query issued during partitioning.
func (s *PartitionStore) RecordQuery(ctx context.Context, q *model.PartitionQuery) error {
	if q == nil {
		return ErrNilRecord
	}

	query := `
		INSERT INTO partition_queries (run_id, purpose, query, count, gap_details)
		VALUES ($1, $2, $3, $4, NULLIF($5, '')::jsonb)
		RETURNING id, created_at
	`

	return s.conn.QueryRowContext(ctx, query,
		q.RunID, q.Purpose, q.Query, q.Count, q.GapDetails,
	).Scan(&q.ID, &q.CreatedAt)
}

// RecordLLMCall logs one call to the LLM oracle for candidate exclusion terms.
func (s *PartitionStore) RecordLLMCall(ctx context.Context, c *model.PartitionLLMCall) error {
	if c == nil {
		return ErrNilRecord
	}

	query := `
		INSERT INTO partition_llm_calls (run_id, call_number, prompt, response, input_tokens, output_tokens, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`

	return s.conn.QueryRowContext(ctx, query,
		c.RunID, c.CallNumber, c.Prompt, c.Response, c.InputTokens, c.OutputTokens, c.LatencyMS,
	).Scan(&c.ID, &c.CreatedAt)
}
