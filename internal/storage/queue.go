package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/RyderHornbeck/waterai-server/internal/models"
)

const jobColumns = `id, user_id, job_type, payload, status, attempts, max_attempts,
	result, error_message, created_at, started_at, completed_at, lease_expires_at`

// CreateJob stores a new pending job.
func (s *Storage) CreateJob(ctx context.Context, userID uuid.UUID, jobType models.JobType, payload json.RawMessage, maxAttempts int) (*models.AnalysisJob, error) {
	const op = "storage.CreateJob"

	j := &models.AnalysisJob{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        jobType,
		Payload:     payload,
		Status:      models.JobPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO analysis_jobs (id, user_id, job_type, payload, status, attempts, max_attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7)`,
		j.ID, j.UserID, j.Type, []byte(j.Payload), j.Status, j.MaxAttempts, j.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return j, nil
}

// GetJob returns one job, or ErrNotFound.
func (s *Storage) GetJob(ctx context.Context, id uuid.UUID) (*models.AnalysisJob, error) {
	const op = "storage.GetJob"

	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM analysis_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return j, nil
}

// ListJobs returns a user's jobs, newest first.
func (s *Storage) ListJobs(ctx context.Context, userID uuid.UUID, limit int) ([]*models.AnalysisJob, error) {
	const op = "storage.ListJobs"

	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM analysis_jobs
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var jobs []*models.AnalysisJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return jobs, nil
}

// ClaimBatch atomically takes ownership of up to n of the oldest pending
// jobs. Rows locked by a racing claim are skipped rather than waited on, so
// any number of workers can share one backlog without handing the same job to
// two of them. Claimed jobs move to processing with a fresh lease and a
// bumped attempt count, all in one transaction.
func (s *Storage) ClaimBatch(ctx context.Context, n int, lease time.Duration) ([]*models.AnalysisJob, error) {
	const op = "storage.ClaimBatch"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id FROM analysis_jobs
		WHERE status = $1 AND attempts < max_attempts
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		models.JobPending, n)
	if err != nil {
		return nil, fmt.Errorf("%s: select: %w", op, err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%s: scan id: %w", op, err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	claimed, err := tx.Query(ctx, `
		UPDATE analysis_jobs
		SET status = $1, started_at = now(), attempts = attempts + 1,
		    lease_expires_at = now() + make_interval(secs => $2)
		WHERE id = ANY($3)
		RETURNING `+jobColumns,
		models.JobProcessing, lease.Seconds(), ids)
	if err != nil {
		return nil, fmt.Errorf("%s: update: %w", op, err)
	}
	var jobs []*models.AnalysisJob
	for claimed.Next() {
		j, err := scanJob(claimed)
		if err != nil {
			claimed.Close()
			return nil, fmt.Errorf("%s: scan job: %w", op, err)
		}
		jobs = append(jobs, j)
	}
	claimed.Close()
	if err := claimed.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%s: commit: %w", op, err)
	}
	return jobs, nil
}

// Complete marks a job done and attaches its result.
func (s *Storage) Complete(ctx context.Context, id uuid.UUID, result *models.AnalysisResult) error {
	const op = "storage.Complete"

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%s: marshal result: %w", op, err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE analysis_jobs
		SET status = $1, result = $2, completed_at = now(), lease_expires_at = NULL
		WHERE id = $3`,
		models.JobComplete, data, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// FailTransient records a retryable failure: the job returns to pending while
// attempts remain, otherwise it lands in error.
func (s *Storage) FailTransient(ctx context.Context, id uuid.UUID, message string) error {
	const op = "storage.FailTransient"

	_, err := s.pool.Exec(ctx, `
		UPDATE analysis_jobs
		SET status = CASE WHEN attempts < max_attempts THEN $1 ELSE $2 END,
		    error_message = $3,
		    completed_at = CASE WHEN attempts < max_attempts THEN NULL ELSE now() END,
		    lease_expires_at = NULL
		WHERE id = $4`,
		models.JobPending, models.JobError, message, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// FailPermanent moves a job straight to error regardless of remaining
// attempts.
func (s *Storage) FailPermanent(ctx context.Context, id uuid.UUID, message string) error {
	const op = "storage.FailPermanent"

	_, err := s.pool.Exec(ctx, `
		UPDATE analysis_jobs
		SET status = $1, error_message = $2, completed_at = now(), lease_expires_at = NULL
		WHERE id = $3`,
		models.JobError, message, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ReapExpired requeues processing jobs whose lease has run out, which happens
// when a worker dies mid-job. Jobs with no attempts left are errored out
// instead. Returns how many rows were swept.
func (s *Storage) ReapExpired(ctx context.Context) (int64, error) {
	const op = "storage.ReapExpired"

	tag, err := s.pool.Exec(ctx, `
		UPDATE analysis_jobs
		SET status = CASE WHEN attempts < max_attempts THEN $1 ELSE $2 END,
		    error_message = CASE WHEN attempts < max_attempts THEN error_message ELSE 'worker lease expired' END,
		    completed_at = CASE WHEN attempts < max_attempts THEN NULL ELSE now() END,
		    started_at = CASE WHEN attempts < max_attempts THEN NULL ELSE started_at END,
		    lease_expires_at = NULL
		WHERE status = $3 AND lease_expires_at IS NOT NULL AND lease_expires_at < now()`,
		models.JobPending, models.JobError, models.JobProcessing)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (*models.AnalysisJob, error) {
	j := &models.AnalysisJob{}
	var payload, result []byte
	err := row.Scan(
		&j.ID, &j.UserID, &j.Type, &payload, &j.Status, &j.Attempts, &j.MaxAttempts,
		&result, &j.ErrorMessage, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.LeaseExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	j.Payload = payload
	j.Result = result
	return j, nil
}
