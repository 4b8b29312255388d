package harvester

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/thereferee/harvester/internal/model"
	"github.com/thereferee/harvester/internal/partition"
	"github.com/thereferee/harvester/internal/searchclient"
)

// harvestYearOverflow handles a year whose expected count exceeds the
// overflow threshold via language stratification (§4.3a), falling back to
// author-letter partitioning (§4.3b) when the English bucket's Partition
// Planner run cannot bring the count down.
func (h *Harvester) harvestYearOverflow(ctx context.Context, job *model.Job, root, source *model.Edition, partitionKey string, year, expected, maxResults int, result *model.JobResult) error {
	for _, lang := range nonEnglishLanguages {
		if h.isCancelled(ctx, job.ID) {
			return errCancelled
		}

		langKey := partitionKey + ":" + lang

		count, err := h.search.CountOnly(ctx, source.ExternalID, "",
			searchclient.Filters{YearLow: year, YearHigh: year, LanguageFilter: lang})
		if err != nil {
			h.logger.Warn("language count_only failed", slog.String("source_id", source.ID), slog.String("language", lang), slog.Any("error", err))

			continue
		}

		switch {
		case count <= 0:
			// nothing in this language for the year
		case count < partition.OverflowThreshold:
			if err := h.harvestLanguageBucket(ctx, job, root, source, langKey, year, lang, count, result); err == errCancelled {
				return errCancelled
			}
		default:
			h.logger.Warn("non-English language bucket itself overflows, flagging for manual review",
				slog.String("source_id", source.ID), slog.String("language", lang), slog.Int("count", count))
			h.finishPartitionKey(ctx, source, langKey, count, model.GapReasonManualReview)
		}

		if err := sleepPace(ctx, jitter(h.cfg.LanguagePauseMin, h.cfg.LanguagePauseMax)); err != nil {
			return err
		}
	}

	englishKey := partitionKey + ":en"

	englishCount, err := h.search.CountOnly(ctx, source.ExternalID, "",
		searchclient.Filters{YearLow: year, YearHigh: year, LanguageFilter: "en"})
	if err != nil {
		return fmt.Errorf("english count_only: %w", err)
	}

	if englishCount < partition.OverflowThreshold {
		return h.harvestLanguageBucket(ctx, job, root, source, englishKey, year, "en", englishCount, result)
	}

	hooks := h.buildPartitionHooks(job, root, source, englishKey, year, "en", result)

	outcome, err := h.planner.Run(ctx, partition.Input{
		EditionID:      source.ID,
		Title:          source.Title,
		Year:           year,
		LanguageFilter: "en",
		InitialCount:   englishCount,
	}, hooks)
	if err != nil {
		return fmt.Errorf("partition run: %w", err)
	}

	if outcome.Success {
		h.finishPartitionKey(ctx, source, englishKey, englishCount, model.GapReasonNone)

		return nil
	}

	h.logger.Warn("partition planner could not reduce English bucket, falling back to author-letter partitioning",
		slog.String("source_id", source.ID), slog.Int("year", year))

	return h.authorLetterPartition(ctx, job, root, source, englishKey, year, result)
}

// harvestLanguageBucket fetches a single (year, language) bucket already
// known to fit under the overflow threshold.
func (h *Harvester) harvestLanguageBucket(ctx context.Context, job *model.Job, root, source *model.Edition, partitionKey string, year int, lang string, expected int, result *model.JobResult) error {
	psc := &pageSaveContext{}
	filters := searchclient.Filters{YearLow: year, YearHigh: year, LanguageFilter: lang}

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
		h.logger.Warn("language bucket harvest ended early", slog.String("partition_key", partitionKey), slog.Any("error", err))
	}

	if err == errCancelled {
		return errCancelled
	}

	return nil
}

// buildPartitionHooks wires partition.Hooks to this Edition's Search Client
// calls, scoped to (year, lang) and a base partition key the exclusion and
// inclusion harvests key their buffered pages under.
func (h *Harvester) buildPartitionHooks(job *model.Job, root, source *model.Edition, baseKey string, year int, lang string, result *model.JobResult) partition.Hooks {
	return partition.Hooks{
		ProbeExclusion: func(ctx context.Context, terms []string) (string, int, error) {
			return h.countFiltered(ctx, source, year, lang, buildExclusionQuery(terms))
		},
		CountExclusion: func(ctx context.Context, terms []string) (string, int, error) {
			return h.countFiltered(ctx, source, year, lang, buildExclusionQuery(terms))
		},
		HarvestExclusion: func(ctx context.Context, terms []string, capAt int) (string, int, error) {
			return h.harvestFiltered(ctx, job, root, source, baseKey+":excl", year, lang, buildExclusionQuery(terms), capAt, result)
		},
		CountInclusion: func(ctx context.Context, terms []string) (string, int, error) {
			return h.countFiltered(ctx, source, year, lang, buildInclusionQuery(terms))
		},
		HarvestInclusion: func(ctx context.Context, terms []string, capAt int) (string, int, error) {
			return h.harvestFiltered(ctx, job, root, source, baseKey+":incl", year, lang, buildInclusionQuery(terms), capAt, result)
		},
		Narrow: func(terms []string) partition.Hooks {
			return h.buildPartitionHooks(job, root, source, baseKey+":incl", year, lang, result)
		},
		KeepAlive: func(ctx context.Context) error {
			_, err := h.editions.Get(ctx, source.ID)

			return err
		},
	}
}

func (h *Harvester) countFiltered(ctx context.Context, source *model.Edition, year int, lang, additional string) (string, int, error) {
	f := searchclient.Filters{YearLow: year, YearHigh: year, LanguageFilter: lang, AdditionalQuery: additional}

	count, err := h.search.CountOnly(ctx, source.ExternalID, "", f)

	return additional, count, err
}

func (h *Harvester) harvestFiltered(ctx context.Context, job *model.Job, root, source *model.Edition, partitionKey string, year int, lang, additional string, capAt int, result *model.JobResult) (string, int, error) {
	f := searchclient.Filters{YearLow: year, YearHigh: year, LanguageFilter: lang, AdditionalQuery: additional}

	psc := &pageSaveContext{}
	fetched := 0

	err := h.search.FetchCitingPages(ctx, source.ExternalID, f, 0, capAt,
		func(page int, papers []model.ScrapedPaper, reportedTotal int) error {
			if h.isCancelled(ctx, job.ID) {
				return errCancelled
			}

			if err := h.savePage(ctx, psc, job, root, source, partitionKey, page, papers); err != nil {
				return err
			}

			fetched += len(papers)

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
		h.logger.Warn("partition harvest query ended early", slog.String("partition_key", partitionKey), slog.Any("error", err))
	}

	return additional, fetched, err
}

// buildExclusionQuery builds the "title contains none of terms" clause the
// Partition Planner's exclusion set queries against (§4.4 step 6).
func buildExclusionQuery(terms []string) string {
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		parts = append(parts, fmt.Sprintf(`-intitle:"%s"`, t))
	}

	return strings.Join(parts, " ")
}

// buildInclusionQuery builds the "title contains at least one of terms"
// clause (§4.4 step 6: `intitle:"t1" OR intitle:"t2" OR …`).
func buildInclusionQuery(terms []string) string {
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		parts = append(parts, fmt.Sprintf(`intitle:"%s"`, t))
	}

	return strings.Join(parts, " OR ")
}
