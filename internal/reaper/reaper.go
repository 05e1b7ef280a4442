// Package reaper fails jobs that were left non-terminal by a previous process
// or that outlived their time budget without a runner noticing.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-importer/internal/importer"
	"github.com/JakeFAU/recipe-importer/internal/metrics"
)

// Message is recorded on every reaped job.
const Message = "job exceeded its time budget or was orphaned by a restart"

const (
	defaultInterval  = time.Minute
	defaultBatchSize = 100
)

// Running reports whether a job has a live runner in this process.
type Running interface {
	Has(jobID string) bool
}

// Config controls the sweep.
type Config struct {
	// StaleAfter is the job age past which a non-terminal job is reaped.
	StaleAfter time.Duration
	Interval   time.Duration
	BatchSize  int
}

// Reaper sweeps the Job Store for orphaned jobs.
type Reaper struct {
	jobs    importer.JobStore
	running Running
	clock   importer.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Reaper. running may be nil when no runners live in this
// process, as with the one-shot CLI sweep.
func New(jobs importer.JobStore, running Running, clock importer.Clock, cfg Config, logger *zap.Logger) (*Reaper, error) {
	if jobs == nil || clock == nil {
		return nil, errors.New("reaper: job store and clock are required")
	}
	if cfg.StaleAfter <= 0 {
		return nil, errors.New("reaper: stale age must be positive")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{jobs: jobs, running: running, clock: clock, cfg: cfg, logger: logger.Named("reaper")}, nil
}

// Run sweeps once immediately and then on every interval until ctx ends.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep fails every stale job without a live runner and returns them as they
// were before the sweep.
func (r *Reaper) Sweep(ctx context.Context) ([]importer.Job, error) {
	now := r.clock.Now()
	cutoff := now.Add(-r.cfg.StaleAfter)
	var reaped []importer.Job
	for {
		batch, err := r.jobs.ListStale(ctx, cutoff, r.cfg.BatchSize)
		if err != nil {
			return reaped, fmt.Errorf("list stale jobs: %w", err)
		}
		progressed := false
		for _, job := range batch {
			if r.running != nil && r.running.Has(job.ID) {
				continue
			}
			err := r.jobs.MarkFailed(ctx, job.ID, importer.CodeTimeout, Message, now)
			switch {
			case errors.Is(err, importer.ErrJobTerminal):
				continue
			case err != nil:
				return reaped, fmt.Errorf("fail job %s: %w", job.ID, err)
			}
			progressed = true
			reaped = append(reaped, job)
			r.logger.Warn("reaped orphaned job",
				zap.String("job_id", job.ID),
				zap.String("status", string(job.Status)),
				zap.Time("created_at", job.CreatedAt))
		}
		if !progressed || len(batch) < r.cfg.BatchSize {
			break
		}
	}
	if len(reaped) > 0 {
		metrics.ObserveReaped(len(reaped))
		r.logger.Info("sweep finished", zap.Int("reaped", len(reaped)))
	}
	return reaped, nil
}
