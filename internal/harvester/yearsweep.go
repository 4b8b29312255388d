package harvester

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/thereferee/harvester/internal/model"
	"github.com/thereferee/harvester/internal/partition"
	"github.com/thereferee/harvester/internal/searchclient"
)

// yearSweep implements the year-by-year strategy for reported > 1000 (§4.3
// item 2): walk backwards from the current year to a computed min_year,
// probing each year's expected count and dispatching to a simple fetch,
// language stratification, or author-letter partitioning as the year's own
// count demands.
func (h *Harvester) yearSweep(ctx context.Context, job *model.Job, root, source *model.Edition, maxResults int, result *model.JobResult) error {
	minYear := h.minYearFor(source)
	currentYear := time.Now().Year()

	startYear := currentYear
	if source.HarvestResumeState != nil && source.HarvestResumeState.CurrentYear > 0 {
		startYear = source.HarvestResumeState.CurrentYear
	}

	consecutiveEmpty := 0
	emptyYearCutoff := currentYear - h.cfg.EmptyYearAgeThreshold

	for year := startYear; year >= minYear; year-- {
		if h.isCancelled(ctx, job.ID) {
			return errCancelled
		}

		if yearAlreadyCompleted(source, year) {
			continue
		}

		partitionKey := strconv.Itoa(year)

		expected, err := h.search.CountOnly(ctx, source.ExternalID, "", searchclient.Filters{YearLow: year, YearHigh: year})
		if err != nil {
			h.logger.Warn("year count_only failed", slog.String("source_id", source.ID), slog.Int("year", year), slog.Any("error", err))

			continue
		}

		dbCount := h.targetActual(ctx, source.ID, partitionKey)

		if expected > 0 && ratio(dbCount, expected) >= h.cfg.SmartSkipRatio {
			h.finishPartitionKey(ctx, source, partitionKey, expected, model.GapReasonNearComplete)
			h.persistProgress(ctx, source, partitionKey, 0, true)
			consecutiveEmpty = 0

			continue
		}

		if expected <= 0 {
			consecutiveEmpty++
			h.finishPartitionKey(ctx, source, partitionKey, 0, model.GapReasonNone)
			h.persistProgress(ctx, source, partitionKey, 0, true)

			if consecutiveEmpty >= h.cfg.ConsecutiveEmptyYearLimit && year <= emptyYearCutoff {
				h.logger.Info("year sweep terminating on consecutive empty years",
					slog.String("source_id", source.ID), slog.Int("year", year))

				return nil
			}

			if err := sleepPace(ctx, h.cfg.YearPause); err != nil {
				return err
			}

			continue
		}

		consecutiveEmpty = 0

		var harvestErr error

		if expected <= partition.OverflowThreshold {
			harvestErr = h.harvestYearPages(ctx, job, root, source, partitionKey, year, maxResults, result)
		} else {
			harvestErr = h.harvestYearOverflow(ctx, job, root, source, partitionKey, year, expected, maxResults, result)
		}

		if harvestErr == errCancelled {
			return errCancelled
		}

		if harvestErr != nil {
			h.logger.Warn("year harvest failed", slog.String("source_id", source.ID), slog.Int("year", year), slog.Any("error", harvestErr))
		}

		h.finishPartitionKey(ctx, source, partitionKey, expected, model.GapReasonNone)
		h.persistProgress(ctx, source, partitionKey, 0, true)

		if year > minYear {
			if err := sleepPace(ctx, h.cfg.YearPause); err != nil {
				return err
			}
		}
	}

	return nil
}

// harvestYearPages fetches one year's citing pages directly, for a year
// whose expected count fits under the overflow threshold.
func (h *Harvester) harvestYearPages(ctx context.Context, job *model.Job, root, source *model.Edition, partitionKey string, year, maxResults int, result *model.JobResult) error {
	psc := &pageSaveContext{}
	startPage := h.resumeStartPage(ctx, source, partitionKey)
	filters := searchclient.Filters{YearLow: year, YearHigh: year}

	err := h.search.FetchCitingPages(ctx, source.ExternalID, filters, startPage, maxResults,
		func(page int, papers []model.ScrapedPaper, reportedTotal int) error {
			if h.isCancelled(ctx, job.ID) {
				return errCancelled
			}

			if err := h.savePage(ctx, psc, job, root, source, partitionKey, page, papers); err != nil {
				return err
			}

			h.persistProgress(ctx, source, partitionKey, page, false)

			return sleepPace(ctx, jitter(h.cfg.PagePauseMin, h.cfg.PagePauseMax))
		},
		func(page int, err error) {
			h.recordFailedFetch(ctx, source.ID, partitionKey, page, err)
		},
	)

	result.CitationsSaved += psc.totalNew
	result.DuplicatesSkipped += psc.totalUpdated
	result.PagesProcessed += psc.pagesProcessed

	if err != nil && err != errCancelled {
		h.logger.Warn("year page fetch ended early", slog.String("source_id", source.ID), slog.Int("year", year), slog.Any("error", err))
	}

	if err == errCancelled {
		return errCancelled
	}

	return nil
}

func (h *Harvester) targetActual(ctx context.Context, editionID, partitionKey string) int {
	count, err := h.partitionActualCount(ctx, editionID, partitionKey)
	if err != nil {
		return 0
	}

	return count
}

// leadingYear extracts the sweep year a partition key was derived from,
// whether it's a bare year ("2015"), a language bucket ("2015:en"), or an
// author-letter bucket ("2015:letter:a"), so per-partition counts can stay
// scoped to that year's Citations instead of the whole Edition.
func leadingYear(key string) (int, bool) {
	if idx := strings.IndexByte(key, ':'); idx >= 0 {
		key = key[:idx]
	}

	return parseYearKey(key)
}

// minYearFor computes the floor year for a source Edition's sweep (§4.3
// item 2: "derived from the Edition or SeedPaper publication year; defaults
// to 1950 if the metadata is suspiciously recent").
func (h *Harvester) minYearFor(source *model.Edition) int {
	if source.MinYear > 0 {
		return source.MinYear
	}

	if source.PublicationYear == nil {
		return h.cfg.DefaultMinYear
	}

	year := *source.PublicationYear
	if year >= time.Now().Year()-suspiciousRecencyYears {
		return h.cfg.DefaultMinYear
	}

	return year
}

// suspiciousRecencyYears is the window a publication year falling inside is
// treated as too recent to trust as a sweep floor.
const suspiciousRecencyYears = 3

func yearAlreadyCompleted(source *model.Edition, year int) bool {
	if source.HarvestResumeState == nil {
		return false
	}

	for _, y := range source.HarvestResumeState.CompletedYears {
		if y == year {
			return true
		}
	}

	return false
}

func parseYearKey(key string) (int, bool) {
	y, err := strconv.Atoi(key)
	if err != nil || y < 1000 || y > 3000 {
		return 0, false
	}

	return y, true
}
