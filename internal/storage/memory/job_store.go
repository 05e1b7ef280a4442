// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/recipe-importer/internal/importer"
)

// JobStore provides an in-memory importer.JobStore.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]importer.Job
	// keys indexes owner/idempotency key pairs held by live or completed jobs.
	keys map[idemKey]string
}

type idemKey struct {
	owner string
	key   string
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]importer.Job),
		keys: make(map[idemKey]string),
	}
}

// Create stores a new job. A key held by a pending, running or completed job
// of the same owner yields importer.ErrDuplicateIdempotencyKey.
func (s *JobStore) Create(_ context.Context, job importer.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.IdempotencyKey != "" {
		k := idemKey{owner: job.OwnerID, key: job.IdempotencyKey}
		if holder, ok := s.keys[k]; ok && holdsKey(s.jobs[holder]) {
			return importer.ErrDuplicateIdempotencyKey
		}
		s.keys[k] = job.ID
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateProgress applies a non-terminal transition, refusing regressions.
func (s *JobStore) UpdateProgress(_ context.Context, jobID string, update importer.ProgressUpdate) error {
	if update.Status.IsTerminal() {
		return fmt.Errorf("update progress: %s is terminal", update.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return importer.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return importer.ErrJobTerminal
	}
	if importer.CanAdvance(job.Status, update.Status) {
		job.Status = update.Status
	}
	if p := importer.ClampPercent(update.Percent); p > job.ProgressPercent {
		job.ProgressPercent = p
	}
	if update.Message != "" {
		job.StatusMessage = update.Message
	}
	if job.StartedAt == nil && job.Status != importer.StatusPending {
		job.StartedAt = pointerTime(update.At)
	}
	s.jobs[jobID] = job
	return nil
}

// MarkCompleted records the result recipe and finishes the job.
func (s *JobStore) MarkCompleted(_ context.Context, jobID, recipeID string, at time.Time) error {
	return s.finish(jobID, func(job *importer.Job) {
		job.Status = importer.StatusCompleted
		job.ProgressPercent = 100
		job.StatusMessage = "recipe imported"
		job.ResultRecipeID = recipeID
	}, at)
}

// MarkFailed finishes the job with an error code.
func (s *JobStore) MarkFailed(_ context.Context, jobID string, code importer.ErrorCode, message string, at time.Time) error {
	return s.finish(jobID, func(job *importer.Job) {
		job.Status = importer.StatusFailed
		job.StatusMessage = "import failed"
		job.ErrorCode = code
		job.ErrorMessage = message
	}, at)
}

// MarkCancelled finishes the job as cancelled.
func (s *JobStore) MarkCancelled(_ context.Context, jobID, message string, at time.Time) error {
	return s.finish(jobID, func(job *importer.Job) {
		job.Status = importer.StatusCancelled
		job.StatusMessage = "import cancelled"
		job.ErrorCode = importer.CodeCancelled
		job.ErrorMessage = message
	}, at)
}

func (s *JobStore) finish(jobID string, apply func(*importer.Job), at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return importer.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return importer.ErrJobTerminal
	}
	apply(&job)
	job.CompletedAt = pointerTime(at)
	s.jobs[jobID] = job
	return nil
}

// GetByID fetches a job by ID.
func (s *JobStore) GetByID(_ context.Context, jobID string) (importer.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return importer.Job{}, importer.ErrNotFound
	}
	return job, nil
}

// ListByOwner returns the owner's jobs, most recent first.
func (s *JobStore) ListByOwner(_ context.Context, ownerID string, limit, offset int) ([]importer.Job, error) {
	s.mu.RLock()
	var out []importer.Job
	for _, job := range s.jobs {
		if job.OwnerID == ownerID {
			out = append(out, job)
		}
	}
	s.mu.RUnlock()
	sortNewestFirst(out)
	return page(out, limit, offset), nil
}

// FindByIdempotencyKey returns the job currently holding the key.
func (s *JobStore) FindByIdempotencyKey(_ context.Context, ownerID, key string) (importer.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keys[idemKey{owner: ownerID, key: key}]
	if !ok {
		return importer.Job{}, importer.ErrNotFound
	}
	job := s.jobs[id]
	if !holdsKey(job) {
		return importer.Job{}, importer.ErrNotFound
	}
	return job, nil
}

// ListStale returns non-terminal jobs created before the cutoff, oldest first.
func (s *JobStore) ListStale(_ context.Context, createdBefore time.Time, limit int) ([]importer.Job, error) {
	s.mu.RLock()
	var out []importer.Job
	for _, job := range s.jobs {
		if !job.Status.IsTerminal() && job.CreatedAt.Before(createdBefore) {
			out = append(out, job)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, limit, 0), nil
}

// holdsKey reports whether a job blocks reuse of its idempotency key. Failed
// and cancelled jobs release it so clients can retry by resubmitting.
func holdsKey(job importer.Job) bool {
	return job.Status != importer.StatusFailed && job.Status != importer.StatusCancelled
}

func sortNewestFirst(jobs []importer.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}

func page(jobs []importer.Job, limit, offset int) []importer.Job {
	if offset >= len(jobs) {
		return []importer.Job{}
	}
	jobs = jobs[offset:]
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
