package jobengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/thereferee/harvester/internal/model"
	"github.com/thereferee/harvester/internal/store"
)

// DefaultWorkerCount is the default size of the bounded worker pool
// (§5: "N = 20 concurrent harvest tasks").
const DefaultWorkerCount = 20

// Handler executes one Job of a given kind and returns its result. Handlers
// are supplied by the caller (cmd/harvestctl) so the Job Engine has no
// direct dependency on the harvester, partition, or search-client packages
// — the same separation the teacher shows between a Manager (CRUD) and the
// task-type packages that do the actual work.
type Handler func(ctx context.Context, job *model.Job) (*model.JobResult, error)

// Config tunes the Job Engine's loops and limits.
type Config struct {
	Workers              int
	ZombieScanInterval   time.Duration
	ZombieTimeout        time.Duration
	AutoResumeInterval   time.Duration
	RateMonitorWindow    time.Duration
	RateMonitorThreshold int
	OrphanPartitionThreshold int
	OrphanHarvestedFloor     int
}

// DefaultConfig returns the Config matching SPEC_FULL.md §4.1's defaults.
func DefaultConfig() Config {
	return Config{
		Workers:                  DefaultWorkerCount,
		ZombieScanInterval:       5 * time.Minute,
		ZombieTimeout:            30 * time.Minute,
		AutoResumeInterval:       15 * time.Second,
		RateMonitorWindow:        60 * time.Second,
		RateMonitorThreshold:     50,
		OrphanPartitionThreshold: 1000,
		OrphanHarvestedFloor:     100,
	}
}

// Engine is the Job Engine (§4.1, §5): a persistent Postgres-backed queue
// executed by a bounded worker pool, the Go core's analogue of the
// teacher's Manager/execution split.
type Engine struct {
	cfg Config

	jobs      *store.JobStore
	editions  *store.EditionStore
	targets   *store.HarvestTargetStore
	seeds     *store.SeedPaperStore

	handlers map[model.JobKind]Handler

	sem        chan struct{}
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.Mutex
	running map[string]struct{} // job ids currently held by a worker in this process
}

// Deps bundles the stores the Engine needs, mirroring the teacher's
// NewServer(cfg, ...deps) dependency-injection convention.
type Deps struct {
	Jobs     *store.JobStore
	Editions *store.EditionStore
	Targets  *store.HarvestTargetStore
	Seeds    *store.SeedPaperStore
}

// NewEngine constructs an Engine. handlers maps each supported JobKind to
// the function that executes it; a kind with no handler fails immediately
// when claimed.
func NewEngine(cfg Config, deps Deps, handlers map[model.JobKind]Handler, logger *slog.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkerCount
	}

	return &Engine{
		cfg:        cfg,
		jobs:       deps.Jobs,
		editions:   deps.Editions,
		targets:    deps.Targets,
		seeds:      deps.Seeds,
		handlers:   handlers,
		sem:        make(chan struct{}, cfg.Workers),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		running:    make(map[string]struct{}),
	}
}

// Enqueue creates a Job, or returns an existing pending|running Job of the
// same kind and SeedPaper unchanged when the kind carries the
// single-pending-per-SeedPaper invariant (§4.1 idempotency rule).
func (e *Engine) Enqueue(ctx context.Context, kind model.JobKind, params model.JobParams, priority int, seedPaperID, callbackURL, callbackSecret string) (*model.Job, error) {
	if HasSinglePendingInvariant(kind) {
		existing, err := e.jobs.FindActive(ctx, kind, seedPaperID)
		if err == nil {
			return existing, nil
		}

		if err != nil && err != store.ErrNotFound {
			return nil, fmt.Errorf("jobengine: check existing job: %w", err)
		}
	}

	job := &model.Job{
		Kind:           kind,
		Priority:       priority,
		Params:         params,
		SeedPaperID:    seedPaperID,
		CallbackURL:    callbackURL,
		CallbackSecret: callbackSecret,
	}

	if err := e.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("jobengine: create job: %w", err)
	}

	e.checkRateMonitor(ctx)

	return job, nil
}

// Cancel transitions a pending or running Job to cancelled. No context is
// cancelled: a running handler notices the change when it next reads the
// Job's status, and the worker slot, if any, is released when that handler
// returns — the Engine cannot forcibly kill a goroutine mid-flight.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	job, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("jobengine: cancel lookup: %w", err)
	}

	if job.Status.IsTerminal() {
		return fmt.Errorf("jobengine: cannot cancel job %s: %w", jobID, ErrTerminalStateImmutable)
	}

	if err := ValidateJobTransition(job.Status, model.JobCancelled); err != nil {
		return err
	}

	if err := e.jobs.Cancel(ctx, jobID); err != nil {
		return fmt.Errorf("jobengine: cancel: %w", err)
	}

	e.mu.Lock()
	delete(e.running, jobID)
	e.mu.Unlock()

	return nil
}

// Run starts the Engine's dispatch loop and background recovery loops. It
// blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.recoverZombies(ctx); err != nil {
		e.logger.Error("startup zombie recovery failed", slog.Any("error", err))
	}

	if err := e.recoverOrphans(ctx); err != nil {
		e.logger.Error("startup orphan recovery failed", slog.Any("error", err))
	}

	var wg sync.WaitGroup

	wg.Add(4)

	go func() { defer wg.Done(); e.dispatchLoop(ctx) }()
	go func() { defer wg.Done(); e.zombieLoop(ctx) }()
	go func() { defer wg.Done(); e.autoResumeLoop(ctx) }()
	go func() { defer wg.Done(); e.rateMonitorLoop(ctx) }()

	wg.Wait()

	return ctx.Err()
}

// dispatchLoop polls for pending Jobs and executes each on a worker slot.
func (e *Engine) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drainPending(ctx)
		}
	}
}

// drainPending claims and dispatches as many pending Jobs as there are
// free worker slots, without blocking the dispatch loop's ticker cadence.
func (e *Engine) drainPending(ctx context.Context) {
	for {
		select {
		case e.sem <- struct{}{}:
		default:
			return // pool saturated
		}

		job, err := e.jobs.ClaimNextPending(ctx)
		if err != nil {
			<-e.sem

			if err != store.ErrNotFound {
				e.logger.Error("claim next pending job failed", slog.Any("error", err))
			}

			return
		}

		e.mu.Lock()
		e.running[job.ID] = struct{}{}
		e.mu.Unlock()

		go e.execute(ctx, job)
	}
}

// execute runs job's Handler, persists the terminal transition, and fires
// the webhook callback if configured.
func (e *Engine) execute(ctx context.Context, job *model.Job) {
	defer func() {
		<-e.sem

		e.mu.Lock()
		delete(e.running, job.ID)
		e.mu.Unlock()
	}()

	handler, ok := e.handlers[job.Kind]
	if !ok {
		e.finish(ctx, job, model.JobFailed, nil, fmt.Sprintf("no handler registered for kind %q", job.Kind))

		return
	}

	result, err := handler(ctx, job)
	if err != nil {
		e.finish(ctx, job, model.JobFailed, result, err.Error())

		return
	}

	e.finish(ctx, job, model.JobCompleted, result, "")
}

func (e *Engine) finish(ctx context.Context, job *model.Job, status model.JobStatus, result *model.JobResult, jobErr string) {
	if err := e.jobs.Finish(ctx, job.ID, status, result, jobErr); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Job already reached a terminal state — most commonly
			// Engine.Cancel marked it cancelled while the handler was
			// still cooperatively winding down. Nothing left to do.
			e.logger.Info("finish skipped, job already terminal", slog.String("job_id", job.ID), slog.String("attempted_status", string(status)))

			return
		}

		e.logger.Error("finish job failed", slog.String("job_id", job.ID), slog.Any("error", err))

		return
	}

	job.Status = status
	job.Result = result
	job.Error = jobErr

	if job.CallbackURL == "" {
		return
	}

	if err := e.sendWebhook(ctx, job, job.CallbackSecret); err != nil {
		e.logger.Warn("webhook callback failed",
			slog.String("job_id", job.ID), slog.String("callback_url", job.CallbackURL), slog.Any("error", err))
	}
}

// Heartbeat records progress and a status message for a running Job through
// the JobStore. The harvest handlers in this repository do not call it.
func (e *Engine) Heartbeat(ctx context.Context, jobID string, progress int, message string) error {
	return e.jobs.Heartbeat(ctx, jobID, progress, message)
}
