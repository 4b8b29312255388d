package harvester

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/thereferee/harvester/internal/llmoracle"
	"github.com/thereferee/harvester/internal/model"
	"github.com/thereferee/harvester/internal/partition"
	"github.com/thereferee/harvester/internal/searchclient"
)

// authorLetterPartition is the fallback strategy (§4.3b) for the English
// bucket when language stratification and the Partition Planner still leave
// the count too large: partition by author-surname initial a-z, then by
// venue within any letter that itself overflows.
func (h *Harvester) authorLetterPartition(ctx context.Context, job *model.Job, root, source *model.Edition, baseKey string, year int, result *model.JobResult) error {
	for _, letter := range "abcdefghijklmnopqrstuvwxyz" {
		if h.isCancelled(ctx, job.ID) {
			return errCancelled
		}

		letterKey := fmt.Sprintf("%s:letter:%c", baseKey, letter)
		query := fmt.Sprintf(`author:"%c*"`, letter)

		count, err := h.search.CountOnly(ctx, source.ExternalID, "",
			searchclient.Filters{YearLow: year, YearHigh: year, AdditionalQuery: query})
		if err != nil {
			h.logger.Warn("author letter count_only failed", slog.String("source_id", source.ID), slog.String("letter_key", letterKey), slog.Any("error", err))

			continue
		}

		switch {
		case count <= 0:
			// no citing works with this initial
		case count < partition.OverflowThreshold:
			if err := h.harvestAuthorLetterBucket(ctx, job, root, source, letterKey, year, query, count, result); err == errCancelled {
				return errCancelled
			}
		default:
			if err := h.partitionLetterByVenue(ctx, job, root, source, letterKey, year, query, count, result); err == errCancelled {
				return errCancelled
			}
		}

		if err := sleepPace(ctx, jitter(h.cfg.LanguagePauseMin, h.cfg.LanguagePauseMax)); err != nil {
			return err
		}
	}

	return nil
}

// partitionLetterByVenue splits an overflowing author-letter bucket into a
// pool excluding the venues that dominate the set and a pool requiring one
// of them, escalating the exclusion list through three tiers before giving
// up: the default list, an extended list, then that extended list
// augmented with LLM-suggested venue names (§4.3b "default list, extended
// if still overflowed, then LLM-augmented"). Flags manual review only once
// all three tiers leave both pools overflowing.
func (h *Harvester) partitionLetterByVenue(ctx context.Context, job *model.Job, root, source *model.Edition, letterKey string, year int, authorQuery string, expected int, result *model.JobResult) error {
	venues := h.cfg.CommonExcludedVenues

	excludeQuery, excludeCount, includeQuery, includeCount, err := h.countVenuePools(ctx, source, year, authorQuery, venues)
	if err != nil {
		return err
	}

	if excludeCount >= partition.OverflowThreshold && includeCount >= partition.OverflowThreshold {
		venues = h.cfg.ExtendedExcludedVenues

		excludeQuery, excludeCount, includeQuery, includeCount, err = h.countVenuePools(ctx, source, year, authorQuery, venues)
		if err != nil {
			return err
		}
	}

	if excludeCount >= partition.OverflowThreshold && includeCount >= partition.OverflowThreshold {
		augmented, augErr := h.augmentVenuesWithOracle(ctx, source, year, venues, includeCount)
		if augErr != nil {
			h.logger.Warn("llm venue augmentation failed, falling back to extended list",
				slog.String("source_id", source.ID), slog.String("letter_key", letterKey), slog.Any("error", augErr))
		} else if len(augmented) > len(venues) {
			venues = augmented

			excludeQuery, excludeCount, includeQuery, includeCount, err = h.countVenuePools(ctx, source, year, authorQuery, venues)
			if err != nil {
				return err
			}
		}
	}

	if excludeCount >= partition.OverflowThreshold && includeCount >= partition.OverflowThreshold {
		h.logger.Warn("author letter venue split still overflowing after llm augmentation, flagging for manual review",
			slog.String("source_id", source.ID), slog.String("letter_key", letterKey))
		h.finishPartitionKey(ctx, source, letterKey, expected, model.GapReasonManualReview)

		return nil
	}

	if excludeCount > 0 && excludeCount < partition.OverflowThreshold {
		if err := h.harvestAuthorLetterBucket(ctx, job, root, source, letterKey+":excl_venue", year, excludeQuery, excludeCount, result); err == errCancelled {
			return errCancelled
		}
	}

	if includeCount > 0 && includeCount < partition.OverflowThreshold {
		if err := h.harvestAuthorLetterBucket(ctx, job, root, source, letterKey+":incl_venue", year, includeQuery, includeCount, result); err == errCancelled {
			return errCancelled
		}
	}

	h.finishPartitionKey(ctx, source, letterKey, expected, model.GapReasonNone)

	return nil
}

// countVenuePools runs the count_only pair for a venue-exclusion tier:
// the "excludes all of venues" pool and the "includes at least one of
// venues" pool.
func (h *Harvester) countVenuePools(ctx context.Context, source *model.Edition, year int, authorQuery string, venues []string) (excludeQuery string, excludeCount int, includeQuery string, includeCount int, err error) {
	excludeQuery = authorQuery + " " + buildVenueExcludeClause(venues)
	includeQuery = authorQuery + " " + buildVenueIncludeClause(venues)

	excludeCount, err = h.search.CountOnly(ctx, source.ExternalID, "",
		searchclient.Filters{YearLow: year, YearHigh: year, AdditionalQuery: excludeQuery})
	if err != nil {
		return "", 0, "", 0, fmt.Errorf("venue exclude count_only: %w", err)
	}

	includeCount, err = h.search.CountOnly(ctx, source.ExternalID, "",
		searchclient.Filters{YearLow: year, YearHigh: year, AdditionalQuery: includeQuery})
	if err != nil {
		return "", 0, "", 0, fmt.Errorf("venue include count_only: %w", err)
	}

	return excludeQuery, excludeCount, includeQuery, includeCount, nil
}

// augmentVenuesWithOracle asks the LLM oracle for additional dominant
// venue names to extend venues with, reusing the same "suggest exclusion
// terms" collaborator the Partition Planner drives (§4.4) since both ask
// the same question — "what should the query exclude to shrink this
// count?" — over a different axis (venue names instead of title terms). A
// nil oracle (no LLM endpoint configured) is reported as an error so the
// caller falls back to the extended list.
func (h *Harvester) augmentVenuesWithOracle(ctx context.Context, source *model.Edition, year int, venues []string, currentCount int) ([]string, error) {
	if h.oracle == nil {
		return nil, fmt.Errorf("no llm oracle configured")
	}

	resp, err := h.oracle.SuggestExclusionTerms(ctx, llmoracle.Request{
		Title:           fmt.Sprintf("academic venues publishing papers citing %s", source.ExternalID),
		Year:            year,
		CurrentCount:    currentCount,
		AlreadyExcluded: venues,
	})
	if err != nil {
		return nil, fmt.Errorf("llmoracle: suggest venue terms: %w", err)
	}

	if len(resp.Terms) == 0 {
		return venues, nil
	}

	return append(append([]string{}, venues...), resp.Terms...), nil
}

// harvestAuthorLetterBucket fetches one author-letter (or letter+venue)
// bucket already known to fit under the overflow threshold.
func (h *Harvester) harvestAuthorLetterBucket(ctx context.Context, job *model.Job, root, source *model.Edition, partitionKey string, year int, query string, expected int, result *model.JobResult) error {
	psc := &pageSaveContext{}
	filters := searchclient.Filters{YearLow: year, YearHigh: year, AdditionalQuery: query}

	err := h.search.FetchCitingPages(ctx, source.ExternalID, filters, 0, partition.OverflowThreshold,
		func(page int, papers []model.ScrapedPaper, reportedTotal int) error {
			if h.isCancelled(ctx, job.ID) {
				return errCancelled
			}

			if err := h.savePage(ctx, psc, job, root, source, partitionKey, page, papers); err != nil {
				return err
			}

			return sleepPace(ctx, jitter(h.cfg.PagePauseMin, h.cfg.PagePauseMax))
		},
		func(page int, err error) {
			h.recordFailedFetch(ctx, source.ID, partitionKey, page, err)
		},
	)

	result.CitationsSaved += psc.totalNew
	result.DuplicatesSkipped += psc.totalUpdated
	result.PagesProcessed += psc.pagesProcessed

	h.finishPartitionKey(ctx, source, partitionKey, expected, model.GapReasonNone)

	if err != nil && err != errCancelled {
		h.logger.Warn("author letter bucket harvest ended early", slog.String("partition_key", partitionKey), slog.Any("error", err))
	}

	if err == errCancelled {
		return errCancelled
	}

	return nil
}

func buildVenueExcludeClause(venues []string) string {
	parts := make([]string, 0, len(venues))
	for _, v := range venues {
		parts = append(parts, fmt.Sprintf(`-source:"%s"`, v))
	}

	return strings.Join(parts, " ")
}

func buildVenueIncludeClause(venues []string) string {
	parts := make([]string, 0, len(venues))
	for _, v := range venues {
		parts = append(parts, fmt.Sprintf(`source:"%s"`, v))
	}

	return strings.Join(parts, " OR ")
}
