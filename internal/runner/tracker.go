package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-importer/internal/importer"
	"github.com/JakeFAU/recipe-importer/internal/progress"
)

// tracker holds one job's in-flight progress. It keeps status rank and
// percent from moving backwards before anything reaches the store.
type tracker struct {
	r      *Runner
	job    importer.Job
	logger *zap.Logger

	mu      sync.Mutex
	status  importer.Status
	percent int
	started time.Time
}

func newTracker(r *Runner, job importer.Job) *tracker {
	return &tracker{
		r:       r,
		job:     job,
		logger:  r.logger.With(zap.String("job_id", job.ID), zap.String("source_kind", string(job.SourceKind))),
		status:  importer.StatusPending,
		percent: job.ProgressPercent,
	}
}

func (t *tracker) start() {
	now := t.r.deps.Clock.Now()
	t.mu.Lock()
	t.started = now
	t.mu.Unlock()
	t.logger.Info("job started")
	t.r.deps.Events.Emit(progress.Event{
		JobID:   t.job.ID,
		OwnerID: t.job.OwnerID,
		TS:      now,
		Stage:   progress.StageJobStart,
		Status:  importer.StatusPending,
		Percent: t.percent,
		Message: "job started",
	})
}

// advance records a non-terminal transition. Lower ranks and percentages are
// raised to the current high-water mark.
func (t *tracker) advance(ctx context.Context, status importer.Status, percent int, message string) {
	t.mu.Lock()
	if status.Rank() < t.status.Rank() {
		status = t.status
	}
	percent = importer.ClampPercent(percent)
	if percent < t.percent {
		percent = t.percent
	}
	if status == t.status && percent == t.percent && message == "" {
		t.mu.Unlock()
		return
	}
	t.status, t.percent = status, percent
	t.mu.Unlock()

	now := t.r.deps.Clock.Now()
	err := t.r.deps.Jobs.UpdateProgress(ctx, t.job.ID, importer.ProgressUpdate{
		Status:  status,
		Percent: percent,
		Message: message,
		At:      now,
	})
	switch {
	case err == nil:
	case ctx.Err() != nil, errors.Is(err, importer.ErrJobTerminal):
		t.logger.Debug("progress update skipped", zap.Error(err))
	default:
		t.logger.Warn("progress update failed", zap.Error(err))
	}
	t.r.deps.Events.Emit(progress.Event{
		JobID:   t.job.ID,
		OwnerID: t.job.OwnerID,
		TS:      now,
		Stage:   progress.StageJobProgress,
		Status:  status,
		Percent: percent,
		Message: message,
	})
}

func (t *tracker) runtime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started.IsZero() {
		return 0
	}
	return t.r.deps.Clock.Now().Sub(t.started)
}

func (t *tracker) emitTerminal(out outcome, at time.Time) {
	evt := progress.Event{
		JobID:     t.job.ID,
		OwnerID:   t.job.OwnerID,
		TS:        at,
		Status:    out.status,
		Message:   out.message,
		ErrorCode: out.code,
		RecipeID:  out.recipeID,
		Dur:       max(t.runtime(), 0),
	}
	t.mu.Lock()
	evt.Percent = t.percent
	t.mu.Unlock()
	switch out.status {
	case importer.StatusCompleted:
		evt.Stage = progress.StageJobDone
		evt.Percent = PercentCompleted
	case importer.StatusCancelled:
		evt.Stage = progress.StageJobCancelled
	default:
		evt.Stage = progress.StageJobError
	}
	t.r.deps.Events.Emit(evt)
}
