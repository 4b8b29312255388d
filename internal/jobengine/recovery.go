package jobengine

import (
	"context"
	"log/slog"
	"time"

	"github.com/thereferee/harvester/internal/model"
)

// recoverZombies resets every running Job to pending at startup, the
// "any previous worker is presumed dead" half of §4.1's zombie recovery.
func (e *Engine) recoverZombies(ctx context.Context) error {
	n, err := e.jobs.ResetAllRunningToPending(ctx)
	if err != nil {
		return err
	}

	if n > 0 {
		e.logger.Info("reset running jobs to pending at startup", slog.Int64("count", n))
	}

	return nil
}

// zombieLoop runs every ZombieScanInterval, reclaiming running Jobs whose
// heartbeat is stale AND whose id is not in this process's in-memory
// running set (§4.1: "whose id is not in the in-process 'currently
// running' set is also reset").
func (e *Engine) zombieLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ZombieScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.scanZombies(ctx)
		}
	}
}

func (e *Engine) scanZombies(ctx context.Context) {
	zombies, err := e.jobs.ListZombies(ctx, e.cfg.ZombieTimeout)
	if err != nil {
		e.logger.Error("list zombies failed", slog.Any("error", err))

		return
	}

	for _, z := range zombies {
		e.mu.Lock()
		_, inFlight := e.running[z.ID]
		e.mu.Unlock()

		if inFlight {
			continue
		}

		if err := e.jobs.RequeueOrphan(ctx, z.ID); err != nil {
			e.logger.Error("requeue zombie job failed", slog.String("job_id", z.ID), slog.Any("error", err))

			continue
		}

		e.logger.Warn("requeued zombie job", slog.String("job_id", z.ID), slog.String("kind", string(z.Kind)))
	}
}

// recoverOrphans flags Editions whose harvest progressed past the
// partitioning threshold but which carry no resume checkpoint, and
// synthesises one from their completed HarvestTargets (§4.1).
func (e *Engine) recoverOrphans(ctx context.Context) error {
	orphans, err := e.editions.ListOrphanedResumeState(ctx, e.cfg.OrphanPartitionThreshold, e.cfg.OrphanHarvestedFloor)
	if err != nil {
		return err
	}

	for _, edition := range orphans {
		state, err := e.synthesizeResumeState(ctx, edition)
		if err != nil {
			e.logger.Error("synthesize resume state failed", slog.String("edition_id", edition.ID), slog.Any("error", err))

			continue
		}

		if err := e.editions.UpdateResumeState(ctx, edition.ID, state); err != nil {
			e.logger.Error("persist synthesized resume state failed", slog.String("edition_id", edition.ID), slog.Any("error", err))

			continue
		}

		e.logger.Info("synthesized resume state for orphaned edition",
			slog.String("edition_id", edition.ID), slog.Int("completed_years", len(state.CompletedYears)))
	}

	return nil
}

// synthesizeResumeState builds a HarvestResumeState from an Edition's
// completed HarvestTargets, so an orphaned Edition resumes at the next
// incomplete partition rather than restarting from scratch.
func (e *Engine) synthesizeResumeState(ctx context.Context, edition *model.Edition) (*model.HarvestResumeState, error) {
	targets, err := e.targets.ListByEdition(ctx, edition.ID)
	if err != nil {
		return nil, err
	}

	state := &model.HarvestResumeState{CurrentYear: edition.MinYear}

	for _, t := range targets {
		if t.Status != model.TargetComplete {
			continue
		}

		year, ok := parseYearKey(t.PartitionKey)
		if !ok {
			continue
		}

		state.CompletedYears = append(state.CompletedYears, year)

		if year > state.CurrentYear {
			state.CurrentYear = year
		}
	}

	return state, nil
}

func parseYearKey(key string) (int, bool) {
	if len(key) != 4 {
		return 0, false
	}

	year := 0

	for _, c := range key {
		if c < '0' || c > '9' {
			return 0, false
		}

		year = year*10 + int(c-'0')
	}

	return year, true
}

// autoResumeLoop runs every AutoResumeInterval, enqueueing extract_citations
// jobs for Editions whose harvest is incomplete and has a meaningful gap
// (§4.1 "Auto-resume"), as long as free worker slots exist.
func (e *Engine) autoResumeLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.AutoResumeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.autoResumeTick(ctx)
		}
	}
}

func (e *Engine) autoResumeTick(ctx context.Context) {
	if len(e.sem) >= cap(e.sem) {
		return // no spare worker slots
	}

	candidates, err := e.editions.ListAutoResumeCandidates(ctx)
	if err != nil {
		e.logger.Error("list auto resume candidates failed", slog.Any("error", err))

		return
	}

	// Group by SeedPaper first so every incomplete Edition of the same paper
	// rides in a single extract_citations job (§4.1 "Auto-resume... Group
	// by SeedPaper to prevent duplicate work per paper"), preserving
	// candidate order within each group.
	order := make([]string, 0, len(candidates))
	groups := make(map[string][]string)

	for _, edition := range candidates {
		if _, ok := groups[edition.SeedPaperID]; !ok {
			order = append(order, edition.SeedPaperID)
		}

		groups[edition.SeedPaperID] = append(groups[edition.SeedPaperID], edition.ID)
	}

	for _, seedPaperID := range order {
		editionIDs := groups[seedPaperID]

		job, err := e.Enqueue(ctx, model.JobKindExtractCitations, model.JobParams{
			Kind: model.JobKindExtractCitations,
			ExtractCitations: &model.ExtractCitationsParams{
				EditionIDs: editionIDs,
				IsResume:   true,
			},
		}, 0, seedPaperID, "", "")
		if err != nil {
			e.logger.Error("auto-resume enqueue failed", slog.String("seed_paper_id", seedPaperID), slog.Any("error", err))

			continue
		}

		e.logger.Info("auto-resumed extract_citations job",
			slog.String("job_id", job.ID), slog.String("seed_paper_id", seedPaperID),
			slog.Int("edition_count", len(editionIDs)))
	}
}

// rateMonitorLoop periodically checks the job-creation rate and logs a
// warning when it exceeds the configured threshold (§4.1).
func (e *Engine) rateMonitorLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.RateMonitorWindow / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkRateMonitor(ctx)
		}
	}
}

func (e *Engine) checkRateMonitor(ctx context.Context) {
	count, err := e.jobs.CountRecentlyCreated(ctx, e.cfg.RateMonitorWindow)
	if err != nil {
		e.logger.Error("job creation rate check failed", slog.Any("error", err))

		return
	}

	if count > e.cfg.RateMonitorThreshold {
		e.logger.Warn("job creation rate exceeds threshold",
			slog.Int("count", count), slog.Duration("window", e.cfg.RateMonitorWindow),
			slog.Int("threshold", e.cfg.RateMonitorThreshold))
	}
}
