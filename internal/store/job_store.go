package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/thereferee/harvester/internal/model"
)

// JobStore persists model.Job records and the queries the Job Engine needs
// for scheduling, zombie recovery, and rate monitoring.
type JobStore struct {
	conn *Connection
}

// NewJobStore returns a JobStore backed by conn.
func NewJobStore(conn *Connection) *JobStore {
	return &JobStore{conn: conn}
}

// Create inserts a new pending Job.
func (s *JobStore) Create(ctx context.Context, j *model.Job) error {
	if j == nil {
		return ErrNilRecord
	}

	paramsJSON, err := json.Marshal(j.Params)
	if err != nil {
		return fmt.Errorf("job_store: marshal params: %w", err)
	}

	query := `
		INSERT INTO jobs (kind, status, priority, params, seed_paper_id, callback_url, callback_secret)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
		RETURNING id, created_at, updated_at
	`

	return s.conn.QueryRowContext(ctx, query,
		j.Kind, model.JobPending, j.Priority, paramsJSON, j.SeedPaperID, j.CallbackURL, j.CallbackSecret,
	).Scan(&j.ID, &j.CreatedAt, &j.UpdatedAt)
}

// Get retrieves a Job by id.
func (s *JobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	query := jobSelectQuery + ` WHERE id = $1`

	j, err := scanJob(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	return j, err
}

// ClaimNextPending atomically claims the highest-priority pending Job and
// transitions it to running, using SKIP LOCKED so concurrent workers never
// double-claim (the Job Engine's semaphore bounds concurrency separately).
func (s *JobStore) ClaimNextPending(ctx context.Context) (*model.Job, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("job_store: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE status = $1
		ORDER BY priority DESC, created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, model.JobPending)

	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("job_store: claim scan: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = $1, started_at = now(), updated_at = now() WHERE id = $2
	`, model.JobRunning, id); err != nil {
		return nil, fmt.Errorf("job_store: claim update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("job_store: claim commit: %w", err)
	}

	return s.Get(ctx, id)
}

// Heartbeat bumps updated_at on a running Job so the zombie scan does not
// reclaim it.
func (s *JobStore) Heartbeat(ctx context.Context, id string, progress int, message string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE jobs SET progress = $1, progress_message = $2, updated_at = now()
		WHERE id = $3 AND status = $4
	`, progress, message, id, model.JobRunning)
	if err != nil {
		return fmt.Errorf("job_store: heartbeat: %w", err)
	}

	return checkRowsAffected(res)
}

// Finish transitions a Job to a terminal state with its result or error. The
// WHERE clause excludes Jobs already in a terminal state so a handler that
// keeps running after Engine.Cancel marked the row cancelled (cooperative
// cancellation only stops the handler eventually, not instantly) can never
// overwrite that cancellation with completed/failed — it returns
// ErrNotFound instead, which the caller treats as a no-op.
func (s *JobStore) Finish(ctx context.Context, id string, status model.JobStatus, result *model.JobResult, jobErr string) error {
	var resultJSON []byte

	if result != nil {
		var err error

		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("job_store: marshal result: %w", err)
		}
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE jobs SET status = $1, result = $2, error = $3, finished_at = now(), updated_at = now()
		WHERE id = $4 AND status NOT IN ($5, $6, $7)
	`, status, resultJSON, jobErr, id, model.JobCompleted, model.JobFailed, model.JobCancelled)
	if err != nil {
		return fmt.Errorf("job_store: finish: %w", err)
	}

	return checkRowsAffected(res)
}

// Cancel transitions a pending or running Job to cancelled.
func (s *JobStore) Cancel(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE jobs SET status = $1, finished_at = now(), updated_at = now()
		WHERE id = $2 AND status IN ($3, $4)
	`, model.JobCancelled, id, model.JobPending, model.JobRunning)
	if err != nil {
		return fmt.Errorf("job_store: cancel: %w", err)
	}

	return checkRowsAffected(res)
}

// ListZombies returns running Jobs whose updated_at heartbeat is older than
// olderThan, for the recovery scan to requeue (§4.1 zombie recovery).
func (s *JobStore) ListZombies(ctx context.Context, olderThan time.Duration) ([]*model.Job, error) {
	query := jobSelectQuery + ` WHERE status = $1 AND updated_at < $2`

	rows, err := s.conn.QueryContext(ctx, query, model.JobRunning, time.Now().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("job_store: list zombies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanJobRows(rows)
}

// RequeueOrphan transitions a zombie Job back to pending so it can be re-claimed.
func (s *JobStore) RequeueOrphan(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE jobs SET status = $1, started_at = NULL, updated_at = now()
		WHERE id = $2 AND status = $3
	`, model.JobPending, id, model.JobRunning)
	if err != nil {
		return fmt.Errorf("job_store: requeue orphan: %w", err)
	}

	return checkRowsAffected(res)
}

// FindActive returns a pending or running Job of kind bound to seedPaperID,
// or ErrNotFound if none exists. Used by the Job Engine's enqueue idempotency
// rule (§4.1): "if a pending|running job matches, return it unchanged".
func (s *JobStore) FindActive(ctx context.Context, kind model.JobKind, seedPaperID string) (*model.Job, error) {
	query := jobSelectQuery + `
		WHERE kind = $1 AND seed_paper_id = $2 AND status IN ($3, $4)
		ORDER BY created_at DESC
		LIMIT 1
	`

	j, err := scanJob(s.conn.QueryRowContext(ctx, query, kind, seedPaperID, model.JobPending, model.JobRunning))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	return j, err
}

// ResetAllRunningToPending resets every running Job to pending, the startup
// half of zombie recovery (§4.1): "at startup, every running job is reset to
// pending".
func (s *JobStore) ResetAllRunningToPending(ctx context.Context) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE jobs SET status = $1, started_at = NULL, updated_at = now() WHERE status = $2
	`, model.JobPending, model.JobRunning)
	if err != nil {
		return 0, fmt.Errorf("job_store: reset all running: %w", err)
	}

	return res.RowsAffected()
}

// CountRecentByStatus returns the number of Jobs in status created within
// the last window, used by the rate monitor's 60s sliding window.
func (s *JobStore) CountRecentByStatus(ctx context.Context, status model.JobStatus, window time.Duration) (int, error) {
	var count int

	err := s.conn.QueryRowContext(ctx, `
		SELECT count(*) FROM jobs WHERE status = $1 AND created_at > $2
	`, status, time.Now().Add(-window)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("job_store: count recent by status: %w", err)
	}

	return count, nil
}

// CountRecentlyCreated returns the number of Jobs created within the last
// window regardless of status, the job-creation rate monitor's sliding
// window (§4.1: "track creation timestamps in a sliding 60-second window").
func (s *JobStore) CountRecentlyCreated(ctx context.Context, window time.Duration) (int, error) {
	var count int

	err := s.conn.QueryRowContext(ctx, `
		SELECT count(*) FROM jobs WHERE created_at > $1
	`, time.Now().Add(-window)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("job_store: count recently created: %w", err)
	}

	return count, nil
}

const jobSelectQuery = `
	SELECT id, kind, status, priority, progress, progress_message, params, result, error,
	       COALESCE(seed_paper_id::text, ''), callback_url, callback_secret,
	       created_at, started_at, updated_at, finished_at
	FROM jobs
`

func scanJob(row rowScanner) (*model.Job, error) {
	j := &model.Job{}

	var (
		paramsJSON []byte
		resultJSON []byte
	)

	err := row.Scan(
		&j.ID, &j.Kind, &j.Status, &j.Priority, &j.Progress, &j.ProgressMessage, &paramsJSON, &resultJSON,
		&j.Error, &j.SeedPaperID, &j.CallbackURL, &j.CallbackSecret,
		&j.CreatedAt, &j.StartedAt, &j.UpdatedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("job_store: scan: %w", err)
	}

	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &j.Params); err != nil {
			return nil, fmt.Errorf("job_store: unmarshal params: %w", err)
		}
	}

	if len(resultJSON) > 0 {
		result := &model.JobResult{}
		if err := json.Unmarshal(resultJSON, result); err != nil {
			return nil, fmt.Errorf("job_store: unmarshal result: %w", err)
		}

		j.Result = result
	}

	return j, nil
}

func scanJobRows(rows *sql.Rows) ([]*model.Job, error) {
	var jobs []*model.Job

	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, j)
	}

	return jobs, rows.Err()
}
