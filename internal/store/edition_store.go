package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/thereferee/harvester/internal/model"
)

// EditionStore persists model.Edition records and their resume checkpoints.
type EditionStore struct {
	conn *Connection
}

// NewEditionStore returns an EditionStore backed by conn.
func NewEditionStore(conn *Connection) *EditionStore {
	return &EditionStore{conn: conn}
}

// Create inserts a new Edition.
func (s *EditionStore) Create(ctx context.Context, e *model.Edition) error {
	if e == nil {
		return ErrNilRecord
	}

	resumeJSON, err := marshalResumeState(e.HarvestResumeState)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO editions
			(seed_paper_id, external_id, title, language, publication_year, min_year,
			 reported_count, merged_into_edition_id, selected, excluded, harvest_paused, harvest_resume_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`

	return s.conn.QueryRowContext(ctx, query,
		e.SeedPaperID, e.ExternalID, e.Title, e.Language, e.PublicationYear, e.MinYear,
		e.ReportedCount, e.MergedIntoEditionID, e.Selected, e.Excluded, e.HarvestPaused, resumeJSON,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
}

// Get retrieves an Edition by id.
func (s *EditionStore) Get(ctx context.Context, id string) (*model.Edition, error) {
	query := editionSelectQuery + ` WHERE id = $1`

	e, err := scanEdition(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	return e, err
}

// ListBySeedPaper returns every Edition belonging to a SeedPaper, selected
// ones first, used when fanning out an extract_citations job.
func (s *EditionStore) ListBySeedPaper(ctx context.Context, seedPaperID string) ([]*model.Edition, error) {
	query := editionSelectQuery + ` WHERE seed_paper_id = $1 ORDER BY selected DESC, created_at`

	rows, err := s.conn.QueryContext(ctx, query, seedPaperID)
	if err != nil {
		return nil, fmt.Errorf("edition_store: list by seed paper: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var editions []*model.Edition

	for rows.Next() {
		e, err := scanEditionRows(rows)
		if err != nil {
			return nil, err
		}

		editions = append(editions, e)
	}

	return editions, rows.Err()
}

// MergedInto returns the merged_into_edition_id of id, or "" if id is a root.
// This is the model.EditionLookup shape internal/canonical.ResolveCanonicalRoot expects.
func (s *EditionStore) MergedInto(ctx context.Context, id string) (string, error) {
	var mergedInto sql.NullString

	err := s.conn.QueryRowContext(ctx,
		`SELECT merged_into_edition_id FROM editions WHERE id = $1`, id).Scan(&mergedInto)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}

	if err != nil {
		return "", fmt.Errorf("edition_store: merged into: %w", err)
	}

	return mergedInto.String, nil
}

// UpdateResumeState persists the per-Edition harvest checkpoint (§4.3c).
func (s *EditionStore) UpdateResumeState(ctx context.Context, id string, state *model.HarvestResumeState) error {
	resumeJSON, err := marshalResumeState(state)
	if err != nil {
		return err
	}

	res, err := s.conn.ExecContext(ctx,
		`UPDATE editions SET harvest_resume_state = $1, updated_at = now() WHERE id = $2`, resumeJSON, id)
	if err != nil {
		return fmt.Errorf("edition_store: update resume state: %w", err)
	}

	return checkRowsAffected(res)
}

// IncrementHarvestedCount bumps the per-Edition harvested counter and stamps
// last_harvested_at, resetting harvest_stall_count to zero.
func (s *EditionStore) IncrementHarvestedCount(ctx context.Context, id string, delta int) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE editions
		SET harvested_count = harvested_count + $1, last_harvested_at = now(),
		    harvest_stall_count = 0, updated_at = now()
		WHERE id = $2
	`, delta, id)
	if err != nil {
		return fmt.Errorf("edition_store: increment harvested count: %w", err)
	}

	return checkRowsAffected(res)
}

// RecomputeHarvestedCount recomputes harvested_count from the Citation
// table's authoritative count and stamps last_harvested_at, the Aggregate
// Updater's per-Edition recompute (§4.7: "recompute Edition.harvested_
// citation_count = count(Citations where edition_id = ...)").
func (s *EditionStore) RecomputeHarvestedCount(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE editions
		SET harvested_count = (SELECT count(*) FROM citations WHERE edition_id = $1),
		    last_harvested_at = now(), updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("edition_store: recompute harvested count: %w", err)
	}

	return checkRowsAffected(res)
}

// ListMergedChildren returns the Editions whose merged_into_edition_id
// points at rootID, the descendants whose citations get recorded against
// the canonical root (§3, §4.3: "canonical Editions also harvest from their
// merged descendants' external ids").
func (s *EditionStore) ListMergedChildren(ctx context.Context, rootID string) ([]*model.Edition, error) {
	query := editionSelectQuery + ` WHERE merged_into_edition_id = $1 ORDER BY created_at`

	rows, err := s.conn.QueryContext(ctx, query, rootID)
	if err != nil {
		return nil, fmt.Errorf("edition_store: list merged children: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var editions []*model.Edition

	for rows.Next() {
		e, err := scanEditionRows(rows)
		if err != nil {
			return nil, err
		}

		editions = append(editions, e)
	}

	return editions, rows.Err()
}

// RecordStall increments harvest_stall_count without touching harvested_count,
// used when a partition run completes with zero new citations (§7).
func (s *EditionStore) RecordStall(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE editions SET harvest_stall_count = harvest_stall_count + 1, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("edition_store: record stall: %w", err)
	}

	return checkRowsAffected(res)
}

// SetMergedInto links a duplicate Edition into another Edition's forest
// (§3 "forms a forest whose roots are canonical editions").
func (s *EditionStore) SetMergedInto(ctx context.Context, id, mergedIntoID string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE editions SET merged_into_edition_id = NULLIF($1, ''), updated_at = now() WHERE id = $2`,
		mergedIntoID, id)
	if err != nil {
		return fmt.Errorf("edition_store: set merged into: %w", err)
	}

	return checkRowsAffected(res)
}

// ListAutoResumeCandidates returns selected, unpaused Editions with a
// meaningful harvest gap and at least one incomplete HarvestTarget, the
// predicate the auto-resume scan runs every 15 seconds (§4.1):
// "selected ∧ ¬paused ∧ harvested < reported ∧ reported ≤ 50_000 ∧
// stall_count < 20 ∧ ¬harvest_complete ∧ (gap ≥ 50 ∨ gap_ratio ≥ 0.05) ∧
// ∃ incomplete HarvestTarget".
func (s *EditionStore) ListAutoResumeCandidates(ctx context.Context) ([]*model.Edition, error) {
	query := editionSelectQuery + `
		WHERE selected AND NOT harvest_paused
		  AND harvested_count < reported_count
		  AND reported_count <= 50000
		  AND harvest_stall_count < 20
		  AND (reported_count - harvested_count >= 50
		       OR (reported_count > 0 AND (reported_count - harvested_count)::float / reported_count >= 0.05))
		  AND EXISTS (
		        SELECT 1 FROM harvest_targets ht
		        WHERE ht.edition_id = editions.id AND ht.status = $1
		      )
		ORDER BY seed_paper_id, created_at
	`

	rows, err := s.conn.QueryContext(ctx, query, model.TargetIncomplete)
	if err != nil {
		return nil, fmt.Errorf("edition_store: list auto resume candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var editions []*model.Edition

	for rows.Next() {
		e, err := scanEditionRows(rows)
		if err != nil {
			return nil, err
		}

		editions = append(editions, e)
	}

	return editions, rows.Err()
}

// ListOrphanedResumeState returns Editions whose reported_count crossed the
// year-partitioning threshold and which have made harvesting progress but
// carry no resume checkpoint, the startup orphan-recovery predicate (§4.1):
// "Editions whose reported_count exceeds the year-partitioning threshold
// (1000) and whose harvested_count > 100 but whose harvest_resume_state is
// null".
func (s *EditionStore) ListOrphanedResumeState(ctx context.Context, partitionThreshold, harvestedFloor int) ([]*model.Edition, error) {
	query := editionSelectQuery + `
		WHERE reported_count > $1 AND harvested_count > $2 AND harvest_resume_state IS NULL
		ORDER BY created_at
	`

	rows, err := s.conn.QueryContext(ctx, query, partitionThreshold, harvestedFloor)
	if err != nil {
		return nil, fmt.Errorf("edition_store: list orphaned resume state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var editions []*model.Edition

	for rows.Next() {
		e, err := scanEditionRows(rows)
		if err != nil {
			return nil, err
		}

		editions = append(editions, e)
	}

	return editions, rows.Err()
}

const editionSelectQuery = `
	SELECT id, seed_paper_id, external_id, title, language, publication_year, min_year,
	       reported_count, harvested_count, last_harvested_at, harvest_stall_count,
	       COALESCE(merged_into_edition_id::text, ''), selected, excluded, harvest_paused,
	       harvest_resume_state, created_at, updated_at
	FROM editions
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEdition(row rowScanner) (*model.Edition, error) {
	return scanEditionRows(row)
}

func scanEditionRows(row rowScanner) (*model.Edition, error) {
	e := &model.Edition{}

	var resumeJSON []byte

	err := row.Scan(
		&e.ID, &e.SeedPaperID, &e.ExternalID, &e.Title, &e.Language, &e.PublicationYear, &e.MinYear,
		&e.ReportedCount, &e.HarvestedCount, &e.LastHarvestedAt, &e.HarvestStallCount,
		&e.MergedIntoEditionID, &e.Selected, &e.Excluded, &e.HarvestPaused,
		&resumeJSON, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("edition_store: scan: %w", err)
	}

	if len(resumeJSON) > 0 {
		state := &model.HarvestResumeState{}
		if err := json.Unmarshal(resumeJSON, state); err != nil {
			return nil, fmt.Errorf("edition_store: unmarshal resume state: %w", err)
		}

		e.HarvestResumeState = state
	}

	return e, nil
}

func marshalResumeState(state *model.HarvestResumeState) ([]byte, error) {
	if state == nil {
		return []byte("null"), nil
	}

	b, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("edition_store: marshal resume state: %w", err)
	}

	return b, nil
}
