package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/recipe-importer/internal/importer"
)

const jobColumns = `id, owner_id, source_kind, source_locator, idempotency_key, status,
	progress_percent, status_message, result_recipe_id, error_code, error_message,
	created_at, started_at, completed_at`

// Create inserts a pending job.
func (s *Store) Create(ctx context.Context, job importer.Job) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO import_jobs (
    id, owner_id, source_kind, source_locator, idempotency_key,
    status, status_rank, progress_percent, status_message, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.OwnerID,
		string(job.SourceKind),
		job.SourceLocator,
		nullableString(job.IdempotencyKey),
		string(job.Status),
		job.Status.Rank(),
		job.ProgressPercent,
		job.StatusMessage,
		unixNano(job.CreatedAt),
	)
	if isUniqueViolation(err) {
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
	rank := update.Status.Rank()
	var started any
	if rank > 0 {
		started = unixNano(update.At)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE import_jobs SET
    status = CASE WHEN ? >= status_rank THEN ? ELSE status END,
    status_rank = MAX(status_rank, ?),
    progress_percent = MAX(progress_percent, ?),
    status_message = CASE WHEN ? <> '' THEN ? ELSE status_message END,
    started_at = COALESCE(started_at, ?)
WHERE id = ? AND status_rank < 3`,
		rank, string(update.Status),
		rank,
		importer.ClampPercent(update.Percent),
		update.Message, update.Message,
		started,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return s.checkAffected(ctx, jobID, res)
}

// MarkCompleted finishes the job with its recipe.
func (s *Store) MarkCompleted(ctx context.Context, jobID, recipeID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE import_jobs SET status = 'completed', status_rank = 3,
    progress_percent = 100, status_message = 'recipe imported', result_recipe_id = ?, completed_at = ?
WHERE id = ? AND status_rank < 3`, recipeID, unixNano(at), jobID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return s.checkAffected(ctx, jobID, res)
}

// MarkFailed finishes the job with an error code.
func (s *Store) MarkFailed(ctx context.Context, jobID string, code importer.ErrorCode, message string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE import_jobs SET status = 'failed', status_rank = 3,
    status_message = 'import failed', error_code = ?, error_message = ?, completed_at = ?
WHERE id = ? AND status_rank < 3`, string(code), message, unixNano(at), jobID)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return s.checkAffected(ctx, jobID, res)
}

// MarkCancelled finishes the job as cancelled.
func (s *Store) MarkCancelled(ctx context.Context, jobID, message string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE import_jobs SET status = 'cancelled', status_rank = 3,
    status_message = 'import cancelled', error_code = ?, error_message = ?, completed_at = ?
WHERE id = ? AND status_rank < 3`, string(importer.CodeCancelled), message, unixNano(at), jobID)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return s.checkAffected(ctx, jobID, res)
}

func (s *Store) checkAffected(ctx context.Context, jobID string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var rank int
	err = s.db.QueryRowContext(ctx, `SELECT status_rank FROM import_jobs WHERE id = ?`, jobID).Scan(&rank)
	if errors.Is(err, sql.ErrNoRows) {
		return importer.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup job: %w", err)
	}
	if rank >= importer.StatusCompleted.Rank() {
		return importer.ErrJobTerminal
	}
	return fmt.Errorf("job %s was not updated", jobID)
}

// GetByID fetches a job by ID.
func (s *Store) GetByID(ctx context.Context, jobID string) (importer.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM import_jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return importer.Job{}, importer.ErrNotFound
	}
	if err != nil {
		return importer.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListByOwner returns the owner's jobs, most recent first.
func (s *Store) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]importer.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM import_jobs
WHERE owner_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// FindByIdempotencyKey returns the job currently holding the key.
func (s *Store) FindByIdempotencyKey(ctx context.Context, ownerID, key string) (importer.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM import_jobs
WHERE owner_id = ? AND idempotency_key = ? AND status NOT IN ('failed', 'cancelled')
ORDER BY created_at DESC LIMIT 1`, ownerID, key)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return importer.Job{}, importer.ErrNotFound
	}
	if err != nil {
		return importer.Job{}, fmt.Errorf("find job by idempotency key: %w", err)
	}
	return job, nil
}

// ListStale returns non-terminal jobs created before the cutoff, oldest first.
func (s *Store) ListStale(ctx context.Context, createdBefore time.Time, limit int) ([]importer.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM import_jobs
WHERE status_rank < 3 AND created_at < ? ORDER BY created_at LIMIT ?`, unixNano(createdBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]importer.Job, error) {
	defer func() { _ = rows.Close() }()
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (importer.Job, error) {
	var (
		job                          importer.Job
		kind, status                 string
		key, recipeID, code, message sql.NullString
		created                      int64
		started, completed           sql.NullInt64
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
		&created,
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
	job.CreatedAt = time.Unix(0, created).UTC()
	job.StartedAt = fromUnixNano(started)
	job.CompletedAt = fromUnixNano(completed)
	return job, nil
}
