// Package harvester implements the Stratified Harvester (SPEC_FULL.md §4.3):
// the per-Edition strategy that turns a reported citation count into pages
// of fetched results, durably buffered and upserted one page at a time.
//
// The harvester never talks to the HTTP layer directly; every fetch goes
// through searchclient.Client, and every persisted page goes through
// pagebuffer.Buffer before a Citation row exists, so a crash mid-page can
// never silently drop results.
package harvester

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/thereferee/harvester/internal/aggregate"
	"github.com/thereferee/harvester/internal/llmoracle"
	"github.com/thereferee/harvester/internal/model"
	"github.com/thereferee/harvester/internal/partition"
	"github.com/thereferee/harvester/internal/pagebuffer"
	"github.com/thereferee/harvester/internal/retry"
	"github.com/thereferee/harvester/internal/searchclient"
	"github.com/thereferee/harvester/internal/store"
)

// Config tunes pacing and thresholds the harvester applies while fetching
// (§4.3, §5 "rate limits: sleep delays between pages/years/editions").
type Config struct {
	DefaultMinYear            int
	SkipThreshold             int // max reported count an Edition is still eligible for (§6 default 50000)
	MaxCitationsPerEdition    int
	PagePauseMin              time.Duration
	PagePauseMax              time.Duration
	YearPause                 time.Duration
	EditionPause              time.Duration
	LanguagePauseMin          time.Duration
	LanguagePauseMax          time.Duration
	SmartSkipRatio            float64
	AutoCompleteRatio         float64
	ConsecutiveEmptyYearLimit int
	EmptyYearAgeThreshold     int // years
	CommonExcludedVenues      []string
	ExtendedExcludedVenues    []string
}

// DefaultConfig returns the Config matching SPEC_FULL.md §4.3/§5 defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMinYear:            1950,
		SkipThreshold:             50000,
		MaxCitationsPerEdition:    1000,
		PagePauseMin:              2 * time.Second,
		PagePauseMax:              4 * time.Second,
		YearPause:                 2 * time.Second,
		EditionPause:              3 * time.Second,
		LanguagePauseMin:          2 * time.Second,
		LanguagePauseMax:          3 * time.Second,
		SmartSkipRatio:            0.90,
		AutoCompleteRatio:         0.95,
		ConsecutiveEmptyYearLimit: 10,
		EmptyYearAgeThreshold:     20,
		CommonExcludedVenues:      []string{"arXiv", "SSRN", "ResearchGate", "Academia.edu"},
		ExtendedExcludedVenues: []string{
			"arXiv", "SSRN", "ResearchGate", "Academia.edu",
			"bioRxiv", "medRxiv", "ChemRxiv", "Zenodo", "CORE", "Semantic Scholar",
		},
	}
}

// nonEnglishLanguages is the fixed stratification list (§4.3a), tried in
// order before the English/Partition-Planner fallback.
var nonEnglishLanguages = []string{
	"zh-CN", "zh-TW", "ja", "ko", "de", "fr", "es", "pt", "it", "nl", "pl", "tr",
}

// Deps bundles the stores and collaborators the Harvester needs, the same
// constructor-injection shape jobengine.Deps and searchclient.New use.
type Deps struct {
	Search    *searchclient.Client
	Buffer    *pagebuffer.Buffer
	Citations *store.CitationStore
	Editions  *store.EditionStore
	Seeds     *store.SeedPaperStore
	Targets   *store.HarvestTargetStore
	Failed    *store.FailedFetchStore
	Jobs      *store.JobStore
	Aggregate *aggregate.Updater
	Planner   *partition.Planner
	Oracle    llmoracle.Oracle
}

// Harvester drives the per-Edition harvest strategy and owns the per-page
// durable-write-then-upsert contract (§4.3c).
type Harvester struct {
	cfg Config

	search    *searchclient.Client
	buffer    *pagebuffer.Buffer
	citations *store.CitationStore
	editions  *store.EditionStore
	seeds     *store.SeedPaperStore
	targets   *store.HarvestTargetStore
	failed    *store.FailedFetchStore
	jobs      *store.JobStore
	agg       *aggregate.Updater
	planner   *partition.Planner
	oracle    llmoracle.Oracle

	logger *slog.Logger
}

// New builds a Harvester.
func New(cfg Config, deps Deps, logger *slog.Logger) *Harvester {
	return &Harvester{
		cfg:       cfg,
		search:    deps.Search,
		buffer:    deps.Buffer,
		citations: deps.Citations,
		editions:  deps.Editions,
		seeds:     deps.Seeds,
		targets:   deps.Targets,
		failed:    deps.Failed,
		jobs:      deps.Jobs,
		agg:       deps.Aggregate,
		planner:   deps.Planner,
		oracle:    deps.Oracle,
		logger:    logger,
	}
}

// errCancelled signals that the owning Job was cancelled mid-harvest; it
// propagates up to HandleExtractCitations so the handler can stop cleanly
// without treating the cancellation as a failure.
var errCancelled = fmt.Errorf("harvester: job cancelled")

// HandleExtractCitations is the extract_citations jobengine.Handler (§4.1
// item 4, §4.3). It fans out over the SeedPaper's selected, eligible
// Editions, harvesting each with its merged descendants folded in.
func (h *Harvester) HandleExtractCitations(ctx context.Context, job *model.Job) (*model.JobResult, error) {
	params := job.Params.ExtractCitations
	if params == nil {
		params = &model.ExtractCitationsParams{}
	}

	skipThreshold := params.SkipThreshold
	if skipThreshold <= 0 {
		skipThreshold = h.cfg.SkipThreshold
	}

	maxPerEdition := params.MaxCitationsPerEdition
	if maxPerEdition <= 0 {
		maxPerEdition = h.cfg.MaxCitationsPerEdition
	}

	roots, err := h.eligibleRoots(ctx, job.SeedPaperID, params.EditionIDs, skipThreshold)
	if err != nil {
		return nil, fmt.Errorf("harvester: load editions: %w", err)
	}

	result := &model.JobResult{}

	for i, root := range roots {
		if h.isCancelled(ctx, job.ID) {
			return result, errCancelled
		}

		if err := h.harvestRoot(ctx, job, root, maxPerEdition, result); err != nil {
			if err == errCancelled {
				return result, errCancelled
			}

			h.logger.Error("harvest edition failed", slog.String("edition_id", root.ID), slog.Any("error", err))
		}

		result.EditionsProcessed++

		if i < len(roots)-1 {
			if err := sleepPace(ctx, h.cfg.EditionPause); err != nil {
				return result, err
			}
		}
	}

	return result, nil
}

// eligibleRoots loads the canonical-root Editions a harvest pass should
// visit: selected, not excluded, not itself a merge target, with an
// external id, nonzero reported count, and harvested < reported (§4.3
// "Inputs").
func (h *Harvester) eligibleRoots(ctx context.Context, seedPaperID string, explicit []string, skipThreshold int) ([]*model.Edition, error) {
	var candidates []*model.Edition

	if len(explicit) > 0 {
		for _, id := range explicit {
			e, err := h.editions.Get(ctx, id)
			if err != nil {
				return nil, err
			}

			candidates = append(candidates, e)
		}
	} else {
		all, err := h.editions.ListBySeedPaper(ctx, seedPaperID)
		if err != nil {
			return nil, err
		}

		candidates = all
	}

	var roots []*model.Edition

	for _, e := range candidates {
		if !e.Selected || e.Excluded || e.MergedIntoEditionID != "" {
			continue
		}

		if e.ExternalID == "" || e.ReportedCount <= 0 {
			continue
		}

		if e.ReportedCount > skipThreshold {
			continue
		}

		if e.HarvestedCount >= e.ReportedCount {
			continue
		}

		roots = append(roots, e)
	}

	return roots, nil
}

// harvestRoot harvests a canonical root Edition and every Edition merged
// into it, recording every citation against root.ID (§3, §4.3 "Canonical
// Editions also harvest from their merged descendants' external ids").
func (h *Harvester) harvestRoot(ctx context.Context, job *model.Job, root *model.Edition, maxResults int, result *model.JobResult) error {
	children, err := h.editions.ListMergedChildren(ctx, root.ID)
	if err != nil {
		return fmt.Errorf("list merged children: %w", err)
	}

	sources := append([]*model.Edition{root}, children...)
	before := *result

	for _, source := range sources {
		if h.isCancelled(ctx, job.ID) {
			return errCancelled
		}

		if source.ExternalID == "" || source.ReportedCount <= 0 {
			continue
		}

		if err := h.harvestSource(ctx, job, root, source, maxResults, result); err != nil {
			if err == errCancelled {
				return err
			}

			h.logger.Error("harvest source failed",
				slog.String("root_id", root.ID), slog.String("source_id", source.ID), slog.Any("error", err))
		}
	}

	if err := h.agg.RefreshCanonicalTree(ctx, root.ID); err != nil {
		h.logger.Warn("refresh canonical tree failed", slog.String("root_id", root.ID), slog.Any("error", err))
	}

	if refreshed, err := h.editions.Get(ctx, root.ID); err == nil {
		root = refreshed
	}

	h.trackStall(ctx, root, before, *result)

	return nil
}

// trackStall implements §7's stall classification: a harvest pass over an
// Edition that still has incomplete HarvestTargets but added or re-observed
// zero citations increments harvest_stall_count; at 20 the Edition drops out
// of auto-resume eligibility (enforced by the ListAutoResumeCandidates
// predicate) until a human unpauses it. The near-complete special case
// resets the counter and auto-completes the remaining targets instead of
// letting a small unfetchable tail stall forever.
func (h *Harvester) trackStall(ctx context.Context, root *model.Edition, before, after model.JobResult) {
	progressed := (after.CitationsSaved-before.CitationsSaved)+(after.DuplicatesSkipped-before.DuplicatesSkipped) > 0

	incomplete, err := h.targets.ListIncompleteByEdition(ctx, root.ID)
	if err != nil {
		h.logger.Warn("list incomplete targets for stall check failed", slog.String("root_id", root.ID), slog.Any("error", err))

		return
	}

	if len(incomplete) == 0 {
		return
	}

	if root.ReportedCount > 0 {
		gap := root.ReportedCount - root.HarvestedCount
		if ratio(root.HarvestedCount, root.ReportedCount) >= h.cfg.AutoCompleteRatio || gap < nearCompleteGapFloor {
			for _, t := range incomplete {
				t.Status = model.TargetComplete
				t.GapReason = model.GapReasonNearComplete

				if err := h.targets.Upsert(ctx, t); err != nil {
					h.logger.Warn("auto-complete residual target failed", slog.String("target_id", t.ID), slog.Any("error", err))
				}
			}

			// A zero delta leaves harvested_count as it is and resets harvest_stall_count.
			if err := h.editions.IncrementHarvestedCount(ctx, root.ID, 0); err != nil {
				h.logger.Warn("reset stall count failed", slog.String("root_id", root.ID), slog.Any("error", err))
			}

			return
		}
	}

	if progressed {
		return
	}

	if err := h.editions.RecordStall(ctx, root.ID); err != nil {
		h.logger.Warn("record stall failed", slog.String("root_id", root.ID), slog.Any("error", err))
	}
}

// nearCompleteGapFloor is the residual-gap threshold below which a stalled
// Edition auto-completes rather than looping indefinitely on an unfetchable
// tail (§7 "residual gap < 100").
const nearCompleteGapFloor = 100

// harvestSource dispatches one source Edition's citing-works query to the
// simple or year-sweep strategy based on its own reported count (§4.3 "Per-
// Edition strategy chosen by reported count").
func (h *Harvester) harvestSource(ctx context.Context, job *model.Job, root, source *model.Edition, maxResults int, result *model.JobResult) error {
	if source.ReportedCount <= partition.OverflowThreshold {
		return h.simpleHarvest(ctx, job, root, source, maxResults, result)
	}

	return h.yearSweep(ctx, job, root, source, maxResults, result)
}

// simpleHarvest handles reported <= 1000: a single paginated fetch over the
// whole citing-works set (§4.3 item 1).
func (h *Harvester) simpleHarvest(ctx context.Context, job *model.Job, root, source *model.Edition, maxResults int, result *model.JobResult) error {
	psc := &pageSaveContext{}

	startPage := h.resumeStartPage(ctx, source, "ALL")

	err := h.search.FetchCitingPages(ctx, source.ExternalID, searchclient.Filters{}, startPage, maxResults,
		func(page int, papers []model.ScrapedPaper, reportedTotal int) error {
			if h.isCancelled(ctx, job.ID) {
				return errCancelled
			}

			if err := h.savePage(ctx, psc, job, root, source, "ALL", page, papers); err != nil {
				return err
			}

			h.persistProgress(ctx, source, "ALL", page, false)

			return sleepPace(ctx, jitter(h.cfg.PagePauseMin, h.cfg.PagePauseMax))
		},
		func(page int, err error) {
			h.recordFailedFetch(ctx, source.ID, "ALL", page, err)
		},
	)

	if err != nil && err != errCancelled {
		h.logger.Warn("simple harvest ended early", slog.String("source_id", source.ID), slog.Any("error", err))
	}

	h.finishPartitionKey(ctx, source, "ALL", source.ReportedCount, model.GapReasonNone)

	result.CitationsSaved += psc.totalNew
	result.DuplicatesSkipped += psc.totalUpdated
	result.PagesProcessed += psc.pagesProcessed

	if err == errCancelled {
		return errCancelled
	}

	return nil
}

// pageSaveContext accumulates per-call counters across a sequence of page
// callbacks, passed by reference instead of captured by closures so a
// strategy function's counters stay a plain value the caller can read back
// (§9 Design Notes "nested mutable counters captured by closures").
type pageSaveContext struct {
	totalNew       int
	totalUpdated   int
	pagesProcessed int
}

// savePage is the single most important invariant of the harvester (§4.3c):
// after every parsed page, papers are written to the durable Page Buffer and
// upserted into the Citation store before the fetch loop continues. A DB
// failure moves the buffer entry to the retryable queue; the harvester does
// not abort the page loop over it.
func (h *Harvester) savePage(ctx context.Context, psc *pageSaveContext, job *model.Job, root, source *model.Edition, partitionKey string, pageNum int, papers []model.ScrapedPaper) error {
	page := model.BufferedPage{
		JobID:           job.ID,
		SeedPaperID:     root.SeedPaperID,
		EditionID:       source.ID,
		TargetEditionID: root.ID,
		PartitionKey:    partitionKey,
		PageNum:         pageNum,
		Papers:          papers,
	}

	if err := h.buffer.SavePage(page); err != nil {
		return fmt.Errorf("buffer save page: %w", err)
	}

	if ctx.Err() != nil {
		// A cancellation observed mid-write cannot assume the upsert below
		// went through; leave the page in the retryable buffer (§5).
		if markErr := h.buffer.MarkFailed(job.ID, pageNum, "cancelled before upsert"); markErr != nil {
			h.logger.Error("mark failed on cancellation failed", slog.Any("error", markErr))
		}

		psc.pagesProcessed++

		return errCancelled
	}

	if err := h.upsertPage(ctx, psc, page); err != nil {
		if markErr := h.buffer.MarkFailed(job.ID, pageNum, err.Error()); markErr != nil {
			h.logger.Error("mark failed failed", slog.String("job_id", job.ID), slog.Int("page_num", pageNum), slog.Any("error", markErr))
		}

		h.logger.Warn("page upsert failed, queued for retry",
			slog.String("job_id", job.ID), slog.Int("page_num", pageNum), slog.Any("error", err))

		psc.pagesProcessed++

		return nil
	}

	if err := h.buffer.MarkSaved(job.ID, pageNum); err != nil {
		h.logger.Warn("mark saved failed", slog.Any("error", err))
	}

	psc.pagesProcessed++

	return nil
}

func (h *Harvester) upsertPage(ctx context.Context, psc *pageSaveContext, page model.BufferedPage) error {
	for _, sp := range page.Papers {
		c := &model.Citation{
			SeedPaperID:      page.SeedPaperID,
			EditionID:        page.TargetEditionID,
			ExternalResultID: sp.ExternalResultID,
			Title:            sp.Title,
			AuthorsRaw:       sp.AuthorsRaw,
			Year:             sp.Year,
			Venue:            sp.Venue,
			Abstract:         sp.Abstract,
			Link:             sp.Link,
			CitationCount:    sp.CitationCount,
		}

		var res store.UpsertResult

		err := retry.Do(ctx, retry.DBWritePolicy(), func(ctx context.Context) error {
			var err error
			res, err = h.citations.Upsert(ctx, c)

			return err
		})
		if err != nil {
			return fmt.Errorf("citation upsert: %w", err)
		}

		if res.Inserted {
			psc.totalNew++
		} else {
			psc.totalUpdated++
		}
	}

	if err := h.agg.RefreshEdition(ctx, page.TargetEditionID); err != nil {
		return fmt.Errorf("aggregate refresh: %w", err)
	}

	return nil
}

// persistProgress updates the Edition's harvest_resume_state after every
// page (§4.3c). A partitionKey that is not a bare year (ALL, author-letter,
// language) leaves CurrentYear unchanged and, once completed, is appended to
// CompletedLabels.
func (h *Harvester) persistProgress(ctx context.Context, source *model.Edition, partitionKey string, pageNum int, yearCompleted bool) {
	state := source.HarvestResumeState
	if state == nil {
		state = &model.HarvestResumeState{}
	}

	state.CurrentPage = pageNum

	if year, ok := parseYearKey(partitionKey); ok {
		state.CurrentYear = year

		if yearCompleted {
			state.CompletedYears = append(state.CompletedYears, year)
		}
	} else if yearCompleted {
		state.CompletedLabels = append(state.CompletedLabels, partitionKey)
	}

	if err := h.editions.UpdateResumeState(ctx, source.ID, state); err != nil {
		h.logger.Warn("update resume state failed", slog.String("source_id", source.ID), slog.Any("error", err))

		return
	}

	source.HarvestResumeState = state
}

// resumeStartPage computes the page to resume from (§4.3c "Resume
// semantics"): max(resume_state.last_page, db_count_for_partition_key / 10).
// This lets the harvester resume correctly even if the previous run crashed
// between writing citations and writing resume state.
func (h *Harvester) resumeStartPage(ctx context.Context, source *model.Edition, partitionKey string) int {
	lastPage := 0

	if source.HarvestResumeState != nil && resumeMatchesKey(source.HarvestResumeState, partitionKey) {
		lastPage = source.HarvestResumeState.CurrentPage
	}

	dbFloor := 0

	if target, err := h.targets.Get(ctx, source.ID, partitionKey); err == nil {
		dbFloor = target.ActualCount / 10
	}

	if dbFloor > lastPage {
		return dbFloor
	}

	return lastPage
}

// resumeMatchesKey reports whether a persisted resume checkpoint still
// applies to partitionKey, so a checkpoint left over from a different year
// never misdirects a fresh sweep.
func resumeMatchesKey(state *model.HarvestResumeState, partitionKey string) bool {
	if year, ok := parseYearKey(partitionKey); ok {
		return state.CurrentYear == year
	}

	return partitionKey == "ALL"
}

// finishPartitionKey upserts a HarvestTarget's final status once a
// (Edition, partition_key) pair stops being actively fetched, comparing
// the authoritative DB count to the expected count (§4.3 "After the year
// completes... >= 95% -> complete; else -> incomplete").
func (h *Harvester) finishPartitionKey(ctx context.Context, source *model.Edition, partitionKey string, expected int, gapReason model.GapReason) {
	actual, err := h.partitionActualCount(ctx, source.ID, partitionKey)
	if err != nil {
		h.logger.Warn("count by edition failed", slog.String("source_id", source.ID), slog.Any("error", err))

		return
	}

	status := model.TargetIncomplete

	if expected <= 0 || ratio(actual, expected) >= h.cfg.AutoCompleteRatio {
		status = model.TargetComplete
	}

	target := &model.HarvestTarget{
		EditionID:        source.ID,
		PartitionKey:     partitionKey,
		ExpectedCount:    expected,
		ActualCount:      actual,
		OriginalExpected: expected,
		FinalGSCount:     expected,
		Status:           status,
		GapReason:        gapReason,
	}

	err = retry.Do(ctx, retry.DBWritePolicy(), func(ctx context.Context) error {
		return h.targets.Upsert(ctx, target)
	})
	if err != nil {
		h.logger.Warn("upsert harvest target failed", slog.String("source_id", source.ID), slog.Any("error", err))
	}
}

// partitionActualCount returns the Citation count scoped to partitionKey:
// the whole Edition for the non-year-swept "ALL" key, otherwise just the
// Citations bearing that year, so a multi-year Edition's later years are
// judged against their own progress instead of the Edition's running total
// (§4.3, §8 actual_count invariant).
func (h *Harvester) partitionActualCount(ctx context.Context, editionID, partitionKey string) (int, error) {
	if year, ok := leadingYear(partitionKey); ok {
		return h.citations.CountByEditionYear(ctx, editionID, year)
	}

	return h.citations.CountByEdition(ctx, editionID)
}

func (h *Harvester) recordFailedFetch(ctx context.Context, editionID, partitionKey string, pageNum int, cause error) {
	f := &model.FailedFetch{
		EditionID:    editionID,
		PartitionKey: partitionKey,
		PageNum:      pageNum,
		LastError:    cause.Error(),
	}

	if err := h.failed.Create(ctx, f); err != nil {
		h.logger.Warn("record failed fetch failed", slog.String("edition_id", editionID), slog.Any("error", err))
	}
}

// isCancelled polls the Job's current status. The Job Engine cancels a Job's
// DB state without cancelling the handler's context (jobengine.Engine.Cancel
// doc comment), so a long-running handler must observe the transition itself
// at page/year boundaries (§5 "currently running work observes this at the
// next heartbeat").
func (h *Harvester) isCancelled(ctx context.Context, jobID string) bool {
	job, err := h.jobs.Get(ctx, jobID)
	if err != nil {
		return false
	}

	return job.Status == model.JobCancelled
}

func sleepPace(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}

	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func ratio(actual, expected int) float64 {
	if expected <= 0 {
		return 1
	}

	return float64(actual) / float64(expected)
}
