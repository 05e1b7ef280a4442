package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JakeFAU/recipe-importer/internal/importer"
)

const jobColumns = `id, owner_id, source_kind, source_locator, idempotency_key, status,
	progress_percent, status_message, result_recipe_id, error_code, error_message,
	created_at, started_at, completed_at`

const terminalRank = 3

// Create inserts a pending job.
func (s *Store) Create(ctx context.Context, job importer.Job) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO import_jobs (
	id, owner_id, source_kind, source_locator, idempotency_key,
	status, status_rank, progress_percent, status_message, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		job.ID,
		job.OwnerID,
		string(job.SourceKind),
		job.SourceLocator,
		nullable(job.IdempotencyKey),
		string(job.Status),
		job.Status.Rank(),
		job.ProgressPercent,
		job.StatusMessage,
		job.CreatedAt,
	)
	if isUniqueViolation(err, idemIndex) {
		return importer.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateProgress advances status and progress without ever moving backwards.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, update importer.ProgressUpdate) error {
	if update.Status.IsTerminal() || !update.Status.Valid() {
		return fmt.Errorf("update progress: invalid status %q", update.Status)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE import_jobs SET
	status = CASE WHEN $2::smallint >= status_rank THEN $3 ELSE status END,
	status_rank = GREATEST(status_rank, $2::smallint),
	progress_percent = GREATEST(progress_percent, $4::smallint),
	status_message = CASE WHEN $5::text <> '' THEN $5::text ELSE status_message END,
	started_at = COALESCE(started_at, CASE WHEN $2::smallint > 0 THEN $6::timestamptz END)
WHERE id = $1 AND status_rank < 3`,
		jobID,
		update.Status.Rank(),
		string(update.Status),
		importer.ClampPercent(update.Percent),
		update.Message,
		update.At,
	)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrTerminal(ctx, jobID)
	}
	return nil
}

// MarkCompleted finishes the job with its recipe.
func (s *Store) MarkCompleted(ctx context.Context, jobID, recipeID string, at time.Time) error {
	return s.finish(ctx, jobID, `
UPDATE import_jobs SET status = 'completed', status_rank = 3, progress_percent = 100,
	status_message = 'recipe imported', result_recipe_id = $2, completed_at = $3
WHERE id = $1 AND status_rank < 3`, jobID, recipeID, at)
}

// MarkFailed finishes the job with an error code.
func (s *Store) MarkFailed(ctx context.Context, jobID string, code importer.ErrorCode, message string, at time.Time) error {
	return s.finish(ctx, jobID, `
UPDATE import_jobs SET status = 'failed', status_rank = 3, status_message = 'import failed',
	error_code = $2, error_message = $3, completed_at = $4
WHERE id = $1 AND status_rank < 3`, jobID, string(code), message, at)
}

// MarkCancelled finishes the job as cancelled.
func (s *Store) MarkCancelled(ctx context.Context, jobID, message string, at time.Time) error {
	return s.finish(ctx, jobID, `
UPDATE import_jobs SET status = 'cancelled', status_rank = 3, status_message = 'import cancelled',
	error_code = 'CANCELLED', error_message = $2, completed_at = $3
WHERE id = $1 AND status_rank < 3`, jobID, message, at)
}

func (s *Store) finish(ctx context.Context, jobID, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrTerminal(ctx, jobID)
	}
	return nil
}

func (s *Store) missOrTerminal(ctx context.Context, jobID string) error {
	var rank int
	err := s.pool.QueryRow(ctx, `SELECT status_rank FROM import_jobs WHERE id = $1`, jobID).Scan(&rank)
	if errors.Is(err, pgx.ErrNoRows) {
		return importer.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup job: %w", err)
	}
	if rank >= terminalRank {
		return importer.ErrJobTerminal
	}
	return fmt.Errorf("job %s was not updated", jobID)
}

// GetByID fetches a job by ID.
func (s *Store) GetByID(ctx context.Context, jobID string) (importer.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM import_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return importer.Job{}, importer.ErrNotFound
	}
	if err != nil {
		return importer.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListByOwner returns the owner's jobs, most recent first.
func (s *Store) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]importer.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM import_jobs
WHERE owner_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// FindByIdempotencyKey returns the job currently holding the key.
func (s *Store) FindByIdempotencyKey(ctx context.Context, ownerID, key string) (importer.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM import_jobs
WHERE owner_id = $1 AND idempotency_key = $2 AND status NOT IN ('failed', 'cancelled')
ORDER BY created_at DESC LIMIT 1`, ownerID, key)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return importer.Job{}, importer.ErrNotFound
	}
	if err != nil {
		return importer.Job{}, fmt.Errorf("find job by idempotency key: %w", err)
	}
	return job, nil
}

// ListStale returns non-terminal jobs created before the cutoff, oldest first.
func (s *Store) ListStale(ctx context.Context, createdBefore time.Time, limit int) ([]importer.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM import_jobs
WHERE status_rank < 3 AND created_at < $1 ORDER BY created_at LIMIT $2`, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]importer.Job, error) {
	defer rows.Close()
	jobs := []importer.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (importer.Job, error) {
	var (
		job                          importer.Job
		kind, status                 string
		key, recipeID, code, message pgtype.Text
		started, completed           pgtype.Timestamptz
	)
	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&kind,
		&job.SourceLocator,
		&key,
		&status,
		&job.ProgressPercent,
		&job.StatusMessage,
		&recipeID,
		&code,
		&message,
		&job.CreatedAt,
		&started,
		&completed,
	)
	if err != nil {
		return importer.Job{}, err
	}
	job.SourceKind = importer.SourceKind(kind)
	job.Status = importer.Status(status)
	job.IdempotencyKey = key.String
	job.ResultRecipeID = recipeID.String
	job.ErrorCode = importer.ErrorCode(code.String)
	job.ErrorMessage = message.String
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	return job, nil
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time.UTC()
	return &t
}
