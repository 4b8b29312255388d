package harvester

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/thereferee/harvester/internal/model"
	"github.com/thereferee/harvester/internal/partition"
	"github.com/thereferee/harvester/internal/retry"
	"github.com/thereferee/harvester/internal/searchclient"
)

// HandleResolve is the resolve Job kind (§4.1 item 1): bind a SeedPaper to
// an external-index identifier by issuing a keyword search on its canonical
// title and taking the closest-matching result's ExternalResultID (its cites=
// id, falling back to the cluster id). This is the one
// job kind that talks to the Search Client directly rather than through the
// Stratified Harvester's per-Edition strategy, since there is no Edition yet
// to harvest.
func (h *Harvester) HandleResolve(ctx context.Context, job *model.Job) (*model.JobResult, error) {
	if job.SeedPaperID == "" {
		return nil, fmt.Errorf("harvester: resolve: job has no seed_paper_id")
	}

	seed, err := h.seeds.Get(ctx, job.SeedPaperID)
	if err != nil {
		return nil, fmt.Errorf("harvester: resolve: load seed paper: %w", err)
	}

	res, err := h.search.Search(ctx, seed.CanonicalTitle, "en", 0, 0)
	if err != nil {
		_ = h.seeds.UpdateResolution(ctx, seed.ID, model.ResolutionError, "")

		return nil, fmt.Errorf("harvester: resolve: search: %w", err)
	}

	match := bestTitleMatch(seed.CanonicalTitle, res.Papers)
	if match == nil {
		if err := h.seeds.UpdateResolution(ctx, seed.ID, model.ResolutionNeedsReconciliation, ""); err != nil {
			return nil, fmt.Errorf("harvester: resolve: mark needs_reconciliation: %w", err)
		}

		return &model.JobResult{}, nil
	}

	if err := h.seeds.UpdateResolution(ctx, seed.ID, model.ResolutionResolved, match.ExternalResultID); err != nil {
		return nil, fmt.Errorf("harvester: resolve: mark resolved: %w", err)
	}

	return &model.JobResult{}, nil
}

// bestTitleMatch picks the first result whose title exactly matches (case
// insensitively); falls back to the top hit since Scholar already ranks by
// relevance to the query we issued.
func bestTitleMatch(title string, papers []model.ScrapedPaper) *model.ScrapedPaper {
	for i := range papers {
		if equalFold(papers[i].Title, title) {
			return &papers[i]
		}
	}

	if len(papers) > 0 {
		return &papers[0]
	}

	return nil
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]

		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}

		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}

		if ca != cb {
			return false
		}
	}

	return true
}

// HandlePartitionHarvestTest is the partition_harvest_test Job kind (§4.1
// item 5): a manual single-year partition diagnostic that runs the planner
// against one Edition/year pair without folding the result into a regular
// harvest pass, for operators probing whether a known-overflowing year can
// be partitioned at all.
func (h *Harvester) HandlePartitionHarvestTest(ctx context.Context, job *model.Job) (*model.JobResult, error) {
	params := job.Params.PartitionHarvestTst
	if params == nil || params.EditionID == "" {
		return nil, fmt.Errorf("harvester: partition_harvest_test: missing edition_id")
	}

	source, err := h.editions.Get(ctx, params.EditionID)
	if err != nil {
		return nil, fmt.Errorf("harvester: partition_harvest_test: load edition: %w", err)
	}

	totalCount := params.TotalCount
	if totalCount <= 0 {
		totalCount, err = h.search.CountOnly(ctx, source.ExternalID, "",
			searchclient.Filters{YearLow: params.Year, YearHigh: params.Year})
		if err != nil {
			return nil, fmt.Errorf("harvester: partition_harvest_test: count_only: %w", err)
		}
	}

	result := &model.JobResult{}
	partitionKey := fmt.Sprintf("%d:test", params.Year)
	hooks := h.buildPartitionHooks(job, source, source, partitionKey, params.Year, "en", result)

	outcome, err := h.planner.Run(ctx, partition.Input{
		EditionID:    source.ID,
		Title:        source.Title,
		Year:         params.Year,
		InitialCount: totalCount,
	}, hooks)
	if err != nil {
		return nil, fmt.Errorf("harvester: partition_harvest_test: %w", err)
	}

	result.CitationsSaved = outcome.ExclusionHarvested + outcome.InclusionHarvested

	return result, nil
}

// HandleRetryFailedFetches is the retry_failed_fetches Job kind (§4.1 item
// 6, §2 "Retry / Failed-Fetch Store"): drains FailedFetch rows under the
// retry cap, re-issuing each page's fetch and upserting any recovered
// citations.
func (h *Harvester) HandleRetryFailedFetches(ctx context.Context, job *model.Job) (*model.JobResult, error) {
	maxRetries := 50
	if p := job.Params.RetryFailedFetches; p != nil && p.MaxRetries > 0 {
		maxRetries = p.MaxRetries
	}

	pending, err := h.failed.ListPending(ctx, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("harvester: retry_failed_fetches: list pending: %w", err)
	}

	result := &model.JobResult{}

	for _, f := range pending {
		if h.isCancelled(ctx, job.ID) {
			return result, errCancelled
		}

		recovered, err := h.retryOneFetch(ctx, f)
		if err != nil {
			if markErr := h.failed.IncrementRetry(ctx, f.ID, err.Error()); markErr != nil {
				h.logger.Error("increment retry failed", slog.String("failed_fetch_id", f.ID), slog.Any("error", markErr))
			}

			continue
		}

		if err := h.failed.MarkSucceeded(ctx, f.ID, recovered); err != nil {
			h.logger.Warn("mark succeeded failed", slog.String("failed_fetch_id", f.ID), slog.Any("error", err))
		}

		result.CitationsSaved += recovered
		result.PagesProcessed++
	}

	return result, nil
}

// retryOneFetch re-issues a single FailedFetch's citing-works page and
// upserts whatever it returns. The partition key is parsed back into a year
// filter when it is a bare year, so the retried page hits the same
// query the original harvest pass used.
func (h *Harvester) retryOneFetch(ctx context.Context, f *model.FailedFetch) (int, error) {
	filters := searchclient.Filters{}
	if year, ok := parseYearKey(f.PartitionKey); ok {
		filters.YearLow, filters.YearHigh = year, year
	}

	edition, err := h.editions.Get(ctx, f.EditionID)
	if err != nil {
		return 0, fmt.Errorf("load edition: %w", err)
	}

	psc := &pageSaveContext{}

	err = h.search.FetchCitingPages(ctx, edition.ExternalID, filters, f.PageNum, 1,
		func(page int, papers []model.ScrapedPaper, reportedTotal int) error {
			return h.upsertPage(ctx, psc, model.BufferedPage{
				JobID:           f.ID,
				SeedPaperID:     edition.SeedPaperID,
				EditionID:       edition.ID,
				TargetEditionID: edition.ID,
				PartitionKey:    f.PartitionKey,
				PageNum:         page,
				Papers:          papers,
			})
		},
		func(page int, err error) {},
	)
	if err != nil {
		return 0, err
	}

	return psc.totalNew + psc.totalUpdated, nil
}

// HandleVerifyAndRepair is the verify_and_repair Job kind (§4.1 item 7): for
// each year in the requested range, fetch the first and last page, compare
// the reported count the index gives now against what is stored, and
// optionally re-harvest the year when fix_gaps is set and a gap remains.
func (h *Harvester) HandleVerifyAndRepair(ctx context.Context, job *model.Job) (*model.JobResult, error) {
	params := job.Params.VerifyAndRepair
	if params == nil {
		return nil, fmt.Errorf("harvester: verify_and_repair: missing params")
	}

	editionIDs := params.EditionIDs
	if len(editionIDs) == 0 {
		all, err := h.editions.ListBySeedPaper(ctx, params.PaperID)
		if err != nil {
			return nil, fmt.Errorf("harvester: verify_and_repair: list editions: %w", err)
		}

		for _, e := range all {
			editionIDs = append(editionIDs, e.ID)
		}
	}

	result := &model.JobResult{}

	for _, editionID := range editionIDs {
		if h.isCancelled(ctx, job.ID) {
			return result, errCancelled
		}

		if err := h.verifyAndRepairEdition(ctx, job, editionID, params, result); err != nil {
			h.logger.Error("verify_and_repair edition failed", slog.String("edition_id", editionID), slog.Any("error", err))
		}

		result.EditionsProcessed++
	}

	return result, nil
}

func (h *Harvester) verifyAndRepairEdition(ctx context.Context, job *model.Job, editionID string, params *model.VerifyAndRepairParams, result *model.JobResult) error {
	source, err := h.editions.Get(ctx, editionID)
	if err != nil {
		return fmt.Errorf("load edition: %w", err)
	}

	root := source
	if source.MergedIntoEditionID != "" {
		root, err = h.editions.Get(ctx, source.MergedIntoEditionID)
		if err != nil {
			return fmt.Errorf("load canonical root: %w", err)
		}
	}

	for year := params.YearStart; year <= params.YearEnd; year++ {
		partitionKey := fmt.Sprintf("%d", year)

		target, err := h.targets.Get(ctx, source.ID, partitionKey)
		if err != nil {
			continue // nothing harvested for this year yet; nothing to verify
		}

		lastPagePapers, err := h.search.VerifyLastPage(ctx, source.ExternalID, target.ExpectedCount,
			searchclient.Filters{YearLow: year, YearHigh: year})
		if err != nil {
			h.logger.Warn("verify last page failed", slog.String("source_id", source.ID), slog.Int("year", year), slog.Any("error", err))

			continue
		}

		currentCount, err := h.search.CountOnly(ctx, source.ExternalID, "", searchclient.Filters{YearLow: year, YearHigh: year})
		if err != nil {
			continue
		}

		gapReason := model.GapReasonNone
		if currentCount != target.ExpectedCount {
			gapReason = model.GapReasonGSEstimateChanged
		}

		target.FinalGSCount = currentCount
		target.GapReason = gapReason

		if ratio(target.ActualCount, currentCount) < h.cfg.AutoCompleteRatio && params.FixGaps {
			if err := h.harvestYearPages(ctx, job, root, source, partitionKey, year, h.cfg.MaxCitationsPerEdition, result); err != nil {
				h.logger.Warn("repair harvest failed", slog.String("source_id", source.ID), slog.Int("year", year), slog.Any("error", err))
			}

			if _, err := h.citations.CountByEdition(ctx, source.ID); err != nil {
				h.logger.Warn("recount after repair failed", slog.Any("error", err))
			}
		} else if len(lastPagePapers) == 0 && currentCount > 0 {
			target.GapReason = model.GapReasonParseError
		}

		if err := retry.Do(ctx, retry.DBWritePolicy(), func(ctx context.Context) error {
			return h.targets.Upsert(ctx, target)
		}); err != nil {
			h.logger.Warn("upsert repaired target failed", slog.Any("error", err))
		}
	}

	return nil
}
