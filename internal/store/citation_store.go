package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/thereferee/harvester/internal/model"
)

// CitationStore persists model.Citation records.
type CitationStore struct {
	conn *Connection
}

// NewCitationStore returns a CitationStore backed by conn.
func NewCitationStore(conn *Connection) *CitationStore {
	return &CitationStore{conn: conn}
}

// UpsertResult reports whether Upsert inserted a new row or matched an
// existing one, so callers can maintain citations_saved vs duplicates_skipped
// counters (§4.1 JobResult).
type UpsertResult struct {
	Inserted        bool
	EncounterCount  int
}

// Upsert inserts a Citation or, if (seed_paper_id, external_result_id)
// already exists, bumps its encounter_count and refreshes mutable fields
// (§4.6 "Citation Store Writer performs an upsert keyed on the natural key").
func (s *CitationStore) Upsert(ctx context.Context, c *model.Citation) (UpsertResult, error) {
	if c == nil {
		return UpsertResult{}, ErrNilRecord
	}

	query := `
		INSERT INTO citations
			(seed_paper_id, edition_id, external_result_id, title, authors_raw, year, venue,
			 abstract, link, citation_count, encounter_count, intersection_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, 1)
		ON CONFLICT (seed_paper_id, external_result_id) DO UPDATE SET
			title = EXCLUDED.title,
			citation_count = EXCLUDED.citation_count,
			encounter_count = citations.encounter_count + 1,
			updated_at = now()
		RETURNING id, encounter_count, (xmax = 0) AS inserted, created_at, updated_at
	`

	var inserted bool

	err := s.conn.QueryRowContext(ctx, query,
		c.SeedPaperID, c.EditionID, c.ExternalResultID, c.Title, c.AuthorsRaw, c.Year, c.Venue,
		c.Abstract, c.Link, c.CitationCount,
	).Scan(&c.ID, &c.EncounterCount, &inserted, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("citation_store: upsert: %w", err)
	}

	return UpsertResult{Inserted: inserted, EncounterCount: c.EncounterCount}, nil
}

// CountByEdition returns the number of Citations recorded against an Edition,
// across all publication years.
func (s *CitationStore) CountByEdition(ctx context.Context, editionID string) (int, error) {
	var count int

	err := s.conn.QueryRowContext(ctx,
		`SELECT count(*) FROM citations WHERE edition_id = $1`, editionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("citation_store: count by edition: %w", err)
	}

	return count, nil
}

// CountByEditionYear returns the number of Citations recorded against an
// Edition whose publication year matches a year-sweep partition, used to
// scope smart-skip and completion checks to the partition actually being
// harvested rather than the whole Edition (§4.3c, §8 actual_count invariant).
func (s *CitationStore) CountByEditionYear(ctx context.Context, editionID string, year int) (int, error) {
	var count int

	err := s.conn.QueryRowContext(ctx,
		`SELECT count(*) FROM citations WHERE edition_id = $1 AND year = $2`, editionID, year).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("citation_store: count by edition year: %w", err)
	}

	return count, nil
}

// Get retrieves a Citation by id.
func (s *CitationStore) Get(ctx context.Context, id string) (*model.Citation, error) {
	query := `
		SELECT id, seed_paper_id, edition_id, external_result_id, title, authors_raw, year, venue,
		       abstract, link, citation_count, encounter_count, intersection_count, created_at, updated_at
		FROM citations WHERE id = $1
	`

	c := &model.Citation{}

	err := s.conn.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.SeedPaperID, &c.EditionID, &c.ExternalResultID, &c.Title, &c.AuthorsRaw, &c.Year,
		&c.Venue, &c.Abstract, &c.Link, &c.CitationCount, &c.EncounterCount, &c.IntersectionCount,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("citation_store: get: %w", err)
	}

	return c, nil
}
