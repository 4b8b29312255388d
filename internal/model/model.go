// Package model provides the core domain types for the citation harvester.
//
// The types carry no SQL tags; storage and API layers map to/from them
// explicitly. The types stored or buffered as JSON documents
// (HarvestResumeState, JobResult, BufferedPage, ScrapedPaper, AuthorProfile)
// carry json tags.
package model

import "time"

type (
	// ResolutionState is the lifecycle state of a SeedPaper's binding to the
	// external scholarly index.
	ResolutionState string

	// SeedPaper is the canonical work whose citation graph is harvested.
	SeedPaper struct {
		ID                      string
		CanonicalTitle          string
		Authors                 []string
		Year                    *int
		Venue                   string
		ExternalID              string // external-index identifier, empty until resolved
		ReportedCitationCount   int
		ResolutionState         ResolutionState
		HarvestPaused           bool
		TotalHarvestedCitations int
		AnyEditionHarvestedAt   *time.Time
		ThinkerID               string // optional rollup target, empty if unbound
		CreatedAt               time.Time
		UpdatedAt               time.Time
	}

	// Edition is one observed edition/translation of a SeedPaper.
	Edition struct {
		ID                  string
		SeedPaperID         string
		ExternalID          string
		Title               string
		Language            string
		PublicationYear     *int
		MinYear             int // computed floor for the year-by-year sweep, §3 (expansion)
		ReportedCount       int
		HarvestedCount      int
		LastHarvestedAt     *time.Time
		HarvestStallCount   int
		MergedIntoEditionID string // empty if this Edition is a root
		Selected            bool
		Excluded            bool
		HarvestPaused       bool
		HarvestResumeState  *HarvestResumeState
		CreatedAt           time.Time
		UpdatedAt           time.Time
	}

	// HarvestResumeState is the opaque per-Edition resume checkpoint persisted
	// as JSON on Edition.harvest_resume_state (§4.3c).
	HarvestResumeState struct {
		CurrentYear     int      `json:"current_year"`
		CurrentPage     int      `json:"current_page"`
		CompletedYears  []int    `json:"completed_years"`
		CompletedLabels []string `json:"completed_labels,omitempty"` // author-letter/language partitions completed
	}

	// Citation is one work observed to cite an Edition.
	Citation struct {
		ID                string
		SeedPaperID       string
		EditionID         string // the canonical (root) Edition this citation is recorded against
		ExternalResultID  string
		Title             string
		AuthorsRaw        string
		Year              *int
		Venue             string
		Abstract          string
		Link              string
		CitationCount     int
		EncounterCount    int
		IntersectionCount int // always 1, see Open Questions in SPEC_FULL.md
		CreatedAt         time.Time
		UpdatedAt         time.Time
	}

	// JobKind enumerates the recognised background job kinds (§4.1).
	JobKind string

	// JobStatus is a Job's lifecycle state.
	JobStatus string

	// Job is a unit of background work owned by the Job Engine.
	Job struct {
		ID              string
		Kind            JobKind
		Status          JobStatus
		Priority        int
		Progress        int // percent, 0-100
		ProgressMessage string
		Params          JobParams
		Result          *JobResult
		Error           string
		SeedPaperID     string // optional
		CallbackURL     string
		CallbackSecret  string // plaintext; signs the webhook HMAC, so it cannot be one-way hashed like an operator token
		CreatedAt       time.Time
		StartedAt       *time.Time
		UpdatedAt       time.Time // heartbeat while running
		FinishedAt      *time.Time
	}

	// JobParams is the sum-typed parameter blob for a Job (§9 Design Notes:
	// "define per-kind tagged variants"). Exactly one of the pointer fields
	// is set, matching Params.Kind.
	JobParams struct {
		Kind                JobKind
		ExtractCitations    *ExtractCitationsParams
		FetchMoreEditions   *FetchMoreEditionsParams
		RetryFailedFetches  *RetryFailedFetchesParams
		VerifyAndRepair     *VerifyAndRepairParams
		PartitionHarvestTst *PartitionHarvestTestParams
		ThinkerDiscover     *ThinkerDiscoverWorksParams
		ThinkerHarvest      *ThinkerHarvestCitationsParams
	}

	// ExtractCitationsParams are the params of an extract_citations Job.
	ExtractCitationsParams struct {
		EditionIDs            []string // empty = all selected
		MaxCitationsPerEdition int
		SkipThreshold          int
		IsRefresh              bool
		YearLow                *int
		BatchID                string
		IsResume               bool
		ResumeState            *HarvestResumeState
	}

	// FetchMoreEditionsParams are the params of a fetch_more_editions Job.
	FetchMoreEditionsParams struct {
		Language   string
		MaxResults int
	}

	// RetryFailedFetchesParams are the params of a retry_failed_fetches Job.
	RetryFailedFetchesParams struct {
		MaxRetries int
	}

	// VerifyAndRepairParams are the params of a verify_and_repair Job.
	VerifyAndRepairParams struct {
		PaperID    string
		EditionIDs []string
		YearStart  int
		YearEnd    int
		FixGaps    bool
	}

	// PartitionHarvestTestParams are the params of a partition_harvest_test Job.
	PartitionHarvestTestParams struct {
		EditionID  string
		Year       int
		TotalCount int
	}

	// ThinkerDiscoverWorksParams are the params of a thinker_discover_works Job.
	ThinkerDiscoverWorksParams struct {
		ThinkerID string
	}

	// ThinkerHarvestCitationsParams are the params of a thinker_harvest_citations Job.
	ThinkerHarvestCitationsParams struct {
		ThinkerID string
	}

	// JobResult is the sum-typed result blob for a completed Job.
	JobResult struct {
		CitationsSaved    int `json:"citations_saved"`
		DuplicatesSkipped int `json:"duplicates_skipped"`
		PagesProcessed    int `json:"pages_processed"`
		EditionsProcessed int `json:"editions_processed"`
		Error             string `json:"error,omitempty"`
	}

	// GapReason classifies why a HarvestTarget's actual count falls short of
	// expected (§7).
	GapReason string

	// TargetStatus is a HarvestTarget's completion state.
	TargetStatus string

	// HarvestTarget tracks expected/actual counts for one (Edition, partition
	// key) pair, where the partition key is a year or an author-letter bucket.
	HarvestTarget struct {
		ID               string
		EditionID        string
		PartitionKey     string // e.g. "2020", "letter:a", "ALL"
		ExpectedCount    int
		ActualCount      int
		OriginalExpected int
		FinalGSCount     int
		Status           TargetStatus
		GapReason        GapReason
		GapDetails       string // JSON, see PartitionQuery.gap_details shape
		PagesAttempted   int
		PagesSucceeded   int
		PagesFailed      int
		CreatedAt        time.Time
		UpdatedAt        time.Time
	}

	// FailedFetchStatus is a FailedFetch's retry state.
	FailedFetchStatus string

	// FailedFetch records one (Edition, partition-key, page offset) triple
	// whose in-call retries were exhausted.
	FailedFetch struct {
		ID                 string
		EditionID          string
		PartitionKey       string
		PageNum            int
		URL                string
		RetryCount         int
		LastError          string
		Status             FailedFetchStatus
		RecoveredCitations int
		CreatedAt          time.Time
		UpdatedAt          time.Time
	}

	// PartitionRunStatus is a PartitionRun's completion state.
	PartitionRunStatus string

	// PartitionRun is the audit root of one partition-planner invocation.
	PartitionRun struct {
		ID                string
		ParentRunID        string // empty for a top-level run
		EditionID          string
		Depth              int
		LanguageFilter     string
		InitialCount       int
		TargetCount        int
		ExclusionSetCount  int
		InclusionSetCount  int
		ExclusionHarvested int
		InclusionHarvested int
		TermsKept          int
		Status             PartitionRunStatus
		ErrorStage         string
		GapDetails         string
		CreatedAt          time.Time
		UpdatedAt          time.Time
	}

	// PartitionTermAttempt records the outcome of testing one candidate
	// exclusion term.
	PartitionTermAttempt struct {
		ID           string
		RunID        string
		CallNumber   int
		Term         string
		CountBefore  int
		CountAfter   int
		Reduction    int
		Kept         bool
		CreatedAt    time.Time
	}

	// PartitionQuery records one count-only or harvest query issued by the
	// planner or harvester during partitioning.
	PartitionQuery struct {
		ID         string
		RunID      string
		Purpose    string // "exclusion_probe", "exclusion_harvest", "inclusion_count", "inclusion_harvest", "reverify"
		Query      string
		Count      int
		GapDetails string // JSON
		CreatedAt  time.Time
	}

	// PartitionLLMCall records one call to the LLM oracle for candidate terms.
	PartitionLLMCall struct {
		ID           string
		RunID        string
		CallNumber   int
		Prompt       string
		Response     string
		InputTokens  int
		OutputTokens int
		LatencyMS    int64
		CreatedAt    time.Time
	}

	// BufferedPageState is a BufferedPage's location in the durable buffer.
	BufferedPageState string

	// BufferedPage is an on-disk record of one scraped page pending a DB
	// write, §4.5 / §6.
	BufferedPage struct {
		JobID           string       `json:"job_id"`
		SeedPaperID     string       `json:"seed_paper_id"`
		EditionID       string       `json:"edition_id"`
		TargetEditionID string       `json:"target_edition_id"`
		PartitionKey    string       `json:"partition_key"`
		PageNum         int          `json:"page_num"`
		Papers          []ScrapedPaper `json:"papers"`
		CreatedAt       time.Time    `json:"created_at"`
		RetryCount      int          `json:"retry_count"`
		LastError       string       `json:"last_error,omitempty"`
	}

	// ScrapedPaper is one parsed result-page entry, before it becomes a Citation.
	ScrapedPaper struct {
		ExternalResultID string          `json:"external_result_id"`
		ClusterID        string          `json:"cluster_id,omitempty"`
		Title            string          `json:"title"`
		AuthorsRaw       string          `json:"authors_raw"`
		Year             *int            `json:"year,omitempty"`
		Venue            string          `json:"venue,omitempty"`
		Abstract         string          `json:"abstract,omitempty"`
		Link             string          `json:"link,omitempty"`
		CitationCount    int             `json:"citation_count"`
		AuthorProfiles   []AuthorProfile `json:"author_profiles,omitempty"`
	}

	// AuthorProfile is an author-profile hyperlink extracted from a result row.
	AuthorProfile struct {
		Name       string `json:"name"`
		ProfileURL string `json:"profile_url,omitempty"`
	}

	// APICallLog is one observability row for a Search Client attempt (§3 expansion).
	APICallLog struct {
		ID        string
		Kind      string // "fetch_proxy", "direct_fetch", "page_fetch", ...
		Success   bool
		Status    string
		LatencyMS int64
		CreatedAt time.Time
	}
)

// Resolution states.
const (
	ResolutionPending             ResolutionState = "pending"
	ResolutionNeedsReconciliation ResolutionState = "needs_reconciliation"
	ResolutionResolved            ResolutionState = "resolved"
	ResolutionError               ResolutionState = "error"
)

// Job kinds (§4.1).
const (
	JobKindResolve                  JobKind = "resolve"
	JobKindDiscoverEditions         JobKind = "discover_editions"
	JobKindFetchMoreEditions        JobKind = "fetch_more_editions"
	JobKindExtractCitations         JobKind = "extract_citations"
	JobKindPartitionHarvestTest     JobKind = "partition_harvest_test"
	JobKindRetryFailedFetches       JobKind = "retry_failed_fetches"
	JobKindVerifyAndRepair          JobKind = "verify_and_repair"
	JobKindThinkerDiscoverWorks     JobKind = "thinker_discover_works"
	JobKindThinkerHarvestCitations  JobKind = "thinker_harvest_citations"
)

// Job statuses.
const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Gap reasons (§7).
const (
	GapReasonNone               GapReason = ""
	GapReasonParseError         GapReason = "parse_error"
	GapReasonGSEstimateChanged  GapReason = "gs_estimate_changed"
	GapReasonNearComplete       GapReason = "near_complete"
	GapReasonPartitionFailed    GapReason = "partition_cannot_reduce"
	GapReasonRecursionExceeded  GapReason = "recursion_depth_exceeded"
	GapReasonReverifyExceeded   GapReason = "reverify_exceeded_cap"
	GapReasonManualReview       GapReason = "manual_review"
	GapReasonNoScholarID        GapReason = "no_scholar_id"
)

// HarvestTarget statuses.
const (
	TargetHarvesting TargetStatus = "harvesting"
	TargetComplete   TargetStatus = "complete"
	TargetIncomplete TargetStatus = "incomplete"
)

// FailedFetch statuses.
const (
	FailedFetchPending   FailedFetchStatus = "pending"
	FailedFetchRetrying  FailedFetchStatus = "retrying"
	FailedFetchSucceeded FailedFetchStatus = "succeeded"
	FailedFetchAbandoned FailedFetchStatus = "abandoned"
)

// PartitionRun statuses.
const (
	PartitionRunPending   PartitionRunStatus = "pending"
	PartitionRunCompleted PartitionRunStatus = "completed"
	PartitionRunFailed    PartitionRunStatus = "failed"
)

// HasPermission-free helpers on Job.

// IsTerminal reports whether the Job status is a terminal state.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}
