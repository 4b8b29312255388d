package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/thereferee/harvester/internal/model"
)

// SeedPaperStore persists model.SeedPaper records.
type SeedPaperStore struct {
	conn *Connection
}

// NewSeedPaperStore returns a SeedPaperStore backed by conn.
func NewSeedPaperStore(conn *Connection) *SeedPaperStore {
	return &SeedPaperStore{conn: conn}
}

// Create inserts a new SeedPaper, generating its ID if empty.
func (s *SeedPaperStore) Create(ctx context.Context, p *model.SeedPaper) error {
	if p == nil {
		return ErrNilRecord
	}

	query := `
		INSERT INTO seed_papers
			(canonical_title, authors, year, venue, external_id, reported_citation_count,
			 resolution_state, harvest_paused, thinker_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`

	return s.conn.QueryRowContext(ctx, query,
		p.CanonicalTitle, pq.Array(p.Authors), p.Year, p.Venue, p.ExternalID,
		p.ReportedCitationCount, p.ResolutionState, p.HarvestPaused, p.ThinkerID,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

// Get retrieves a SeedPaper by id.
func (s *SeedPaperStore) Get(ctx context.Context, id string) (*model.SeedPaper, error) {
	query := `
		SELECT id, canonical_title, authors, year, venue, external_id, reported_citation_count,
		       resolution_state, harvest_paused, total_harvested_citations, any_edition_harvested_at,
		       thinker_id, created_at, updated_at
		FROM seed_papers WHERE id = $1
	`

	p := &model.SeedPaper{}

	err := s.conn.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.CanonicalTitle, pq.Array(&p.Authors), &p.Year, &p.Venue, &p.ExternalID,
		&p.ReportedCitationCount, &p.ResolutionState, &p.HarvestPaused, &p.TotalHarvestedCitations,
		&p.AnyEditionHarvestedAt, &p.ThinkerID, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("seed_paper_store: get: %w", err)
	}

	return p, nil
}

// UpdateResolution sets the resolution state and external id once the
// external-index lookup completes (spec.md §4.1 "resolve" job).
func (s *SeedPaperStore) UpdateResolution(ctx context.Context, id string, state model.ResolutionState, externalID string) error {
	query := `
		UPDATE seed_papers
		SET resolution_state = $1, external_id = $2, updated_at = now()
		WHERE id = $3
	`

	res, err := s.conn.ExecContext(ctx, query, state, externalID, id)
	if err != nil {
		return fmt.Errorf("seed_paper_store: update resolution: %w", err)
	}

	return checkRowsAffected(res)
}

// IncrementHarvestedCitations atomically bumps the rollup counter and stamps
// the first-harvest timestamp if unset.
func (s *SeedPaperStore) IncrementHarvestedCitations(ctx context.Context, id string, delta int) error {
	query := `
		UPDATE seed_papers
		SET total_harvested_citations = total_harvested_citations + $1,
		    any_edition_harvested_at = COALESCE(any_edition_harvested_at, now()),
		    updated_at = now()
		WHERE id = $2
	`

	res, err := s.conn.ExecContext(ctx, query, delta, id)
	if err != nil {
		return fmt.Errorf("seed_paper_store: increment harvested citations: %w", err)
	}

	return checkRowsAffected(res)
}

// RecomputeRollups recomputes total_harvested_citations from the authoritative
// sum across a paper's Editions and backfills any_edition_harvested_at from
// the earliest Edition harvest timestamp, the Aggregate Updater's per-SeedPaper
// recompute (§4.7: "recompute SeedPaper rollups after every page/edition/paper
// completion").
func (s *SeedPaperStore) RecomputeRollups(ctx context.Context, id string) error {
	query := `
		UPDATE seed_papers
		SET total_harvested_citations = COALESCE(
		        (SELECT sum(harvested_count) FROM editions WHERE seed_paper_id = $1), 0),
		    any_edition_harvested_at = COALESCE(any_edition_harvested_at,
		        (SELECT min(last_harvested_at) FROM editions
		         WHERE seed_paper_id = $1 AND last_harvested_at IS NOT NULL)),
		    updated_at = now()
		WHERE id = $1
	`

	res, err := s.conn.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("seed_paper_store: recompute rollups: %w", err)
	}

	return checkRowsAffected(res)
}

// SetHarvestPaused toggles the harvest_paused flag (e.g. manual operator
// pause, or automatic pause after repeated stalls).
func (s *SeedPaperStore) SetHarvestPaused(ctx context.Context, id string, paused bool) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE seed_papers SET harvest_paused = $1, updated_at = now() WHERE id = $2`, paused, id)
	if err != nil {
		return fmt.Errorf("seed_paper_store: set harvest paused: %w", err)
	}

	return checkRowsAffected(res)
}

// ListByResolutionState returns all SeedPapers in the given state.
func (s *SeedPaperStore) ListByResolutionState(ctx context.Context, state model.ResolutionState) ([]*model.SeedPaper, error) {
	query := `
		SELECT id, canonical_title, authors, year, venue, external_id, reported_citation_count,
		       resolution_state, harvest_paused, total_harvested_citations, any_edition_harvested_at,
		       thinker_id, created_at, updated_at
		FROM seed_papers WHERE resolution_state = $1
		ORDER BY created_at
	`

	rows, err := s.conn.QueryContext(ctx, query, state)
	if err != nil {
		return nil, fmt.Errorf("seed_paper_store: list by resolution state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var papers []*model.SeedPaper

	for rows.Next() {
		p := &model.SeedPaper{}

		if err := rows.Scan(
			&p.ID, &p.CanonicalTitle, pq.Array(&p.Authors), &p.Year, &p.Venue, &p.ExternalID,
			&p.ReportedCitationCount, &p.ResolutionState, &p.HarvestPaused, &p.TotalHarvestedCitations,
			&p.AnyEditionHarvestedAt, &p.ThinkerID, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("seed_paper_store: scan: %w", err)
		}

		papers = append(papers, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("seed_paper_store: rows: %w", err)
	}

	return papers, nil
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}

	if n == 0 {
		return ErrNotFound
	}

	return nil
}
