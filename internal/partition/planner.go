// Package partition implements the Partition Planner: given an overflowing
// query (reported count >= 1000), it asks an LLM oracle for candidate
// title-exclusion terms until the exclusion query's count drops below a
// target, then harvests the resulting exclusion and inclusion sets,
// recursing into the inclusion set if it is itself still overflowing
// (SPEC_FULL.md §4.4).
//
// The planner never builds query strings or talks to the search client
// itself; every external effect is a caller-supplied hook, so it stays
// decoupled from how a term list becomes a Scholar query.
package partition

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/thereferee/harvester/internal/llmoracle"
	"github.com/thereferee/harvester/internal/model"
	"github.com/thereferee/harvester/internal/retry"
	"github.com/thereferee/harvester/internal/store"
)

const (
	// TargetCount is the count an exclusion query must drop below (§4.4).
	TargetCount = 990

	// MaxTermAttempts is the hard cap on candidate terms tried in one run.
	MaxTermAttempts = 200

	// ZeroReductionStreak triggers a bailout after this many consecutive
	// no-op term attempts.
	ZeroReductionStreak = 15

	// MaxRecursionDepth bounds how many times an overflowing inclusion set
	// may itself be partitioned.
	MaxRecursionDepth = 3

	// OverflowThreshold is the reported count that triggers partitioning.
	OverflowThreshold = 1000
)

// Hooks are the query-construction and search-execution primitives the
// planner needs but does not implement itself. Every hook receives the
// current candidate exclusion/inclusion term list and returns a query string
// (for audit logging) alongside its result.
type Hooks struct {
	// ProbeExclusion issues a count-only query for one candidate exclusion
	// term list while the term search is in progress (§4.4 step 3).
	ProbeExclusion func(ctx context.Context, terms []string) (query string, count int, err error)

	// CountExclusion issues a count-only query with terms excluded from the
	// title and returns the reported count.
	CountExclusion func(ctx context.Context, terms []string) (query string, count int, err error)

	// HarvestExclusion harvests the exclusion query (title excludes all of
	// terms), capped at capAt results, returning how many were harvested.
	HarvestExclusion func(ctx context.Context, terms []string, capAt int) (query string, harvested int, err error)

	// CountInclusion issues a count-only query for titles containing at
	// least one of terms.
	CountInclusion func(ctx context.Context, terms []string) (query string, count int, err error)

	// HarvestInclusion harvests the inclusion query, capped at capAt.
	HarvestInclusion func(ctx context.Context, terms []string, capAt int) (query string, harvested int, err error)

	// Narrow returns a Hooks instance scoped to the inclusion subset, for
	// recursive partitioning. Nil disables recursion: an overflowing
	// inclusion set is harvested capped at 1000 and flagged incomplete.
	Narrow func(terms []string) Hooks

	// KeepAlive pings the DB connection, run between the LLM call and the
	// search-client calls so a long-lived transaction's connection doesn't
	// go stale (§4.4 "DB hygiene").
	KeepAlive func(ctx context.Context) error
}

// Input parametrizes one top-level planner invocation.
type Input struct {
	EditionID      string
	Title          string
	Year           int
	LanguageFilter string
	InitialCount   int
	ParentRunID    string
	Depth          int
}

// Outcome summarizes a completed (or failed) PartitionRun for the caller.
type Outcome struct {
	Run                *model.PartitionRun
	Success            bool
	ExclusionTerms     []string
	ExclusionHarvested int
	InclusionHarvested int
}

// Planner drives the term-search and harvest-recursion algorithm, logging a
// full audit trail to PartitionStore.
type Planner struct {
	store  *store.PartitionStore
	oracle llmoracle.Oracle
	logger *slog.Logger
}

// New returns a Planner backed by store and oracle.
func New(partitionStore *store.PartitionStore, oracle llmoracle.Oracle, logger *slog.Logger) *Planner {
	return &Planner{store: partitionStore, oracle: oracle, logger: logger}
}

// Run executes the full partition algorithm for in, recursing into the
// inclusion set (up to MaxRecursionDepth) when it still overflows.
func (p *Planner) Run(ctx context.Context, in Input, hooks Hooks) (Outcome, error) {
	run := &model.PartitionRun{
		ParentRunID:    in.ParentRunID,
		EditionID:      in.EditionID,
		Depth:          in.Depth,
		LanguageFilter: in.LanguageFilter,
		InitialCount:   in.InitialCount,
		TargetCount:    TargetCount,
	}

	if err := p.createRun(ctx, run); err != nil {
		return Outcome{}, err
	}

	terms, err := p.findExclusionTerms(ctx, run, in, hooks)
	if err != nil {
		return p.fail(ctx, run, "term_discovery", model.GapReasonPartitionFailed, err)
	}

	if terms == nil {
		return p.fail(ctx, run, "term_discovery", model.GapReasonPartitionFailed, nil)
	}

	if hooks.KeepAlive != nil {
		_ = hooks.KeepAlive(ctx)
	}

	verifiedQuery, verifiedCount, err := hooks.CountExclusion(ctx, terms)
	if err != nil {
		return p.fail(ctx, run, "reverify", model.GapReasonNone, err)
	}

	p.logQuery(ctx, run.ID, "reverify", verifiedQuery, verifiedCount, "")

	run.ExclusionSetCount = verifiedCount

	if verifiedCount >= OverflowThreshold {
		// Redesigned from the source's "harvest anyway, capped at 1000":
		// a reverify slip back above the cap fails the step outright rather
		// than silently harvesting an uncovered subset.
		return p.fail(ctx, run, "reverify", model.GapReasonReverifyExceeded, nil)
	}

	exclusionQuery, exclusionHarvested, err := hooks.HarvestExclusion(ctx, terms, OverflowThreshold)
	if err != nil {
		return p.fail(ctx, run, "exclusion_harvest", model.GapReasonNone, err)
	}

	p.logQuery(ctx, run.ID, "exclusion_harvest", exclusionQuery, exclusionHarvested, "")
	run.ExclusionHarvested = exclusionHarvested

	if hooks.KeepAlive != nil {
		_ = hooks.KeepAlive(ctx)
	}

	inclusionQuery, inclusionCount, err := hooks.CountInclusion(ctx, terms)
	if err != nil {
		return p.fail(ctx, run, "inclusion_count", model.GapReasonNone, err)
	}

	p.logQuery(ctx, run.ID, "inclusion_count", inclusionQuery, inclusionCount, "")
	run.InclusionSetCount = inclusionCount

	inclusionHarvested, gapReason, err := p.resolveInclusion(ctx, run, in, hooks, terms, inclusionCount)
	if err != nil {
		return p.fail(ctx, run, "inclusion_harvest", model.GapReasonNone, err)
	}

	run.InclusionHarvested = inclusionHarvested
	run.TermsKept = len(terms)
	run.Status = model.PartitionRunCompleted

	if gapReason != model.GapReasonNone {
		run.GapDetails = fmt.Sprintf(`{"gap_reason":%q}`, gapReason)
	}

	if err := p.finish(ctx, run); err != nil {
		return Outcome{}, err
	}

	return Outcome{
		Run:                run,
		Success:            true,
		ExclusionTerms:     terms,
		ExclusionHarvested: exclusionHarvested,
		InclusionHarvested: inclusionHarvested,
	}, nil
}

// resolveInclusion harvests the inclusion set directly if it fits, recurses
// if Narrow is available and depth allows, or caps the harvest at 1000 and
// flags recursion_depth_exceeded otherwise (§7).
func (p *Planner) resolveInclusion(
	ctx context.Context,
	run *model.PartitionRun,
	in Input,
	hooks Hooks,
	terms []string,
	inclusionCount int,
) (int, model.GapReason, error) {
	if inclusionCount < OverflowThreshold {
		query, harvested, err := hooks.HarvestInclusion(ctx, terms, OverflowThreshold)
		if err != nil {
			return 0, model.GapReasonNone, err
		}

		p.logQuery(ctx, run.ID, "inclusion_harvest", query, harvested, "")

		return harvested, model.GapReasonNone, nil
	}

	if hooks.Narrow == nil || in.Depth >= MaxRecursionDepth {
		query, harvested, err := hooks.HarvestInclusion(ctx, terms, OverflowThreshold)
		if err != nil {
			return 0, model.GapReasonNone, err
		}

		p.logQuery(ctx, run.ID, "inclusion_harvest", query, harvested, "")

		return harvested, model.GapReasonRecursionExceeded, nil
	}

	sub := Input{
		EditionID:      in.EditionID,
		Title:          in.Title,
		Year:           in.Year,
		LanguageFilter: in.LanguageFilter,
		InitialCount:   inclusionCount,
		ParentRunID:    run.ID,
		Depth:          in.Depth + 1,
	}

	childOutcome, err := p.Run(ctx, sub, hooks.Narrow(terms))
	if err != nil {
		return 0, model.GapReasonNone, err
	}

	if !childOutcome.Success {
		return childOutcome.ExclusionHarvested + childOutcome.InclusionHarvested, model.GapReasonPartitionFailed, nil
	}

	return childOutcome.ExclusionHarvested + childOutcome.InclusionHarvested, model.GapReasonNone, nil
}

// findExclusionTerms runs the LLM batch loop (§4.4 steps 2-4): request a
// batch of candidate terms, test each one's count-only reduction, stop at
// the first success, request another batch on exhaustion, and bail out on
// a stuck or no-progress oracle.
func (p *Planner) findExclusionTerms(ctx context.Context, run *model.PartitionRun, in Input, hooks Hooks) ([]string, error) {
	var (
		kept         []string
		excluded     []string
		callNumber   int
		attempts     int
		currentCount = in.InitialCount
	)

	for attempts < MaxTermAttempts {
		callNumber++

		req := llmoracle.Request{
			Title:           in.Title,
			Year:            in.Year,
			CurrentCount:    currentCount,
			AlreadyExcluded: excluded,
		}

		resp, err := p.oracle.SuggestExclusionTerms(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("partition: suggest exclusion terms: %w", err)
		}

		p.logLLMCall(ctx, run.ID, callNumber, resp)

		if len(resp.Terms) == 0 {
			p.logger.Warn("partition: oracle returned no new terms", slog.String("run_id", run.ID))
			return nil, nil
		}

		for _, term := range resp.Terms {
			if attempts >= MaxTermAttempts {
				break
			}

			attempts++
			excluded = append(excluded, term)

			countAfter, ok := p.probeTerm(ctx, run, hooks, excluded)
			if !ok {
				excluded = excluded[:len(excluded)-1]
				continue
			}

			reduction := currentCount - countAfter
			termKept := reduction > 0

			p.logTermAttempt(ctx, run.ID, attempts, term, currentCount, countAfter, reduction, termKept)

			if !termKept {
				excluded = excluded[:len(excluded)-1]
			} else {
				kept = append(kept, term)
				currentCount = countAfter
			}

			if countAfter < TargetCount {
				return kept, nil
			}

			streak, err := p.store.RecentZeroReductionStreak(ctx, run.ID)
			if err == nil && streak >= ZeroReductionStreak {
				p.logger.Warn("partition: zero-reduction streak bailout", slog.String("run_id", run.ID))
				return nil, nil
			}
		}
	}

	p.logger.Warn("partition: max term attempts reached", slog.String("run_id", run.ID), slog.Int("attempts", attempts))

	return nil, nil
}

// probeTerm issues a count-only query with the current exclusion set and
// logs it as a PartitionQuery.
func (p *Planner) probeTerm(ctx context.Context, run *model.PartitionRun, hooks Hooks, excluded []string) (int, bool) {
	if hooks.ProbeExclusion == nil {
		return 0, false
	}

	query, count, err := hooks.ProbeExclusion(ctx, excluded)
	if err != nil {
		p.logger.Warn("partition: probe term failed", slog.String("run_id", run.ID), slog.Any("error", err))
		return 0, false
	}

	p.logQuery(ctx, run.ID, "exclusion_probe", query, count, "")

	return count, true
}

func (p *Planner) createRun(ctx context.Context, run *model.PartitionRun) error {
	err := retry.Do(ctx, retry.DBWritePolicy(), func(ctx context.Context) error {
		return p.store.CreateRun(ctx, run)
	})
	if err != nil {
		return fmt.Errorf("partition: create run: %w", err)
	}

	return nil
}

func (p *Planner) finish(ctx context.Context, run *model.PartitionRun) error {
	err := retry.Do(ctx, retry.DBWritePolicy(), func(ctx context.Context) error {
		return p.store.FinishRun(ctx, run)
	})
	if err != nil {
		return fmt.Errorf("partition: finish run: %w", err)
	}

	return nil
}

func (p *Planner) fail(ctx context.Context, run *model.PartitionRun, stage string, gapReason model.GapReason, cause error) (Outcome, error) {
	run.Status = model.PartitionRunFailed
	run.ErrorStage = stage

	if gapReason != model.GapReasonNone {
		run.GapDetails = fmt.Sprintf(`{"gap_reason":%q}`, gapReason)
	}

	if err := p.finish(ctx, run); err != nil {
		return Outcome{}, err
	}

	if cause != nil {
		p.logger.Error("partition: run failed", slog.String("run_id", run.ID), slog.String("stage", stage), slog.Any("error", cause))
	}

	return Outcome{Run: run, Success: false}, nil
}

func (p *Planner) logQuery(ctx context.Context, runID, purpose, query string, count int, gapDetails string) {
	q := &model.PartitionQuery{RunID: runID, Purpose: purpose, Query: query, Count: count, GapDetails: gapDetails}

	if err := p.store.RecordQuery(ctx, q); err != nil {
		p.logger.Warn("partition: record query failed", slog.Any("error", err))
	}
}

func (p *Planner) logLLMCall(ctx context.Context, runID string, callNumber int, resp llmoracle.Response) {
	c := &model.PartitionLLMCall{
		RunID:        runID,
		CallNumber:   callNumber,
		Prompt:       resp.Prompt,
		Response:     resp.RawResponse,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		LatencyMS:    resp.Latency.Milliseconds(),
	}

	if err := p.store.RecordLLMCall(ctx, c); err != nil {
		p.logger.Warn("partition: record llm call failed", slog.Any("error", err))
	}
}

func (p *Planner) logTermAttempt(ctx context.Context, runID string, callNumber int, term string, before, after, reduction int, kept bool) {
	a := &model.PartitionTermAttempt{
		RunID:       runID,
		CallNumber:  callNumber,
		Term:        term,
		CountBefore: before,
		CountAfter:  after,
		Reduction:   reduction,
		Kept:        kept,
	}

	if err := p.store.RecordTermAttempt(ctx, a); err != nil {
		p.logger.Warn("partition: record term attempt failed", slog.Any("error", err))
	}
}
