// Package aggregate recomputes the denormalized rollup counters on Edition
// and SeedPaper after every page, edition, or paper completion (§4.7
// Aggregate Updater). Recomputation always derives from the Citation table's
// authoritative count rather than accumulating deltas, so a crash mid-write
// can never leave a rollup permanently wrong.
package aggregate

import (
	"context"
	"fmt"

	"github.com/thereferee/harvester/internal/store"
)

// Updater recomputes Edition and SeedPaper rollups.
type Updater struct {
	editions *store.EditionStore
	seeds    *store.SeedPaperStore
}

// New returns an Updater backed by editions and seeds.
func New(editions *store.EditionStore, seeds *store.SeedPaperStore) *Updater {
	return &Updater{editions: editions, seeds: seeds}
}

// RefreshEdition recomputes editionID's harvested_count from the Citation
// table, then cascades into its SeedPaper's rollups. Called after every
// durably-saved page (§4.6, §4.7).
func (u *Updater) RefreshEdition(ctx context.Context, editionID string) error {
	if err := u.editions.RecomputeHarvestedCount(ctx, editionID); err != nil {
		return fmt.Errorf("aggregate: refresh edition %s: %w", editionID, err)
	}

	e, err := u.editions.Get(ctx, editionID)
	if err != nil {
		return fmt.Errorf("aggregate: refresh edition %s: load: %w", editionID, err)
	}

	if err := u.seeds.RecomputeRollups(ctx, e.SeedPaperID); err != nil {
		return fmt.Errorf("aggregate: refresh edition %s: seed rollup: %w", editionID, err)
	}

	return nil
}

// RefreshCanonicalTree recomputes rootEditionID and every Edition merged
// into it, then the owning SeedPaper once at the end. Called after a
// harvest pass finishes on an edition that has merged descendants, since a
// descendant's citations are recorded under the descendant's own edition_id
// but roll up to the canonical root's harvested_count only through this
// pass (§3 "citations of merged descendants roll up to the canonical root").
func (u *Updater) RefreshCanonicalTree(ctx context.Context, rootEditionID string) error {
	if err := u.editions.RecomputeHarvestedCount(ctx, rootEditionID); err != nil {
		return fmt.Errorf("aggregate: refresh canonical tree %s: root: %w", rootEditionID, err)
	}

	children, err := u.editions.ListMergedChildren(ctx, rootEditionID)
	if err != nil {
		return fmt.Errorf("aggregate: refresh canonical tree %s: list children: %w", rootEditionID, err)
	}

	for _, child := range children {
		if err := u.editions.RecomputeHarvestedCount(ctx, child.ID); err != nil {
			return fmt.Errorf("aggregate: refresh canonical tree %s: child %s: %w", rootEditionID, child.ID, err)
		}
	}

	root, err := u.editions.Get(ctx, rootEditionID)
	if err != nil {
		return fmt.Errorf("aggregate: refresh canonical tree %s: load root: %w", rootEditionID, err)
	}

	if err := u.seeds.RecomputeRollups(ctx, root.SeedPaperID); err != nil {
		return fmt.Errorf("aggregate: refresh canonical tree %s: seed rollup: %w", rootEditionID, err)
	}

	return nil
}

// RefreshSeedPaper recomputes a SeedPaper's rollups directly, used by the
// verify_and_repair job to correct drift without touching any Edition.
func (u *Updater) RefreshSeedPaper(ctx context.Context, seedPaperID string) error {
	if err := u.seeds.RecomputeRollups(ctx, seedPaperID); err != nil {
		return fmt.Errorf("aggregate: refresh seed paper %s: %w", seedPaperID, err)
	}

	return nil
}
