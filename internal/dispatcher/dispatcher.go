// Package dispatcher launches one goroutine per admitted job and owns the
// process-scoped lifecycle of their contexts.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-importer/internal/importer"
	"github.com/JakeFAU/recipe-importer/internal/registry"
)

// DefaultJobTimeout is the wall-clock budget applied when none is configured.
const DefaultJobTimeout = 30 * time.Minute

// Runner executes a single job under ctx.
type Runner interface {
	Run(ctx context.Context, job importer.Job)
}

// Config controls per-job contexts.
type Config struct {
	JobTimeout time.Duration
}

// Dispatcher starts runners and tracks them until Shutdown.
type Dispatcher struct {
	runner   Runner
	registry *registry.Registry
	cfg      Config
	logger   *zap.Logger

	base context.Context
	stop context.CancelCauseFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Dispatcher. Its base context lives until Shutdown.
func New(runner Runner, reg *registry.Registry, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, stop := context.WithCancelCause(context.Background())
	return &Dispatcher{
		runner:   runner,
		registry: reg,
		cfg:      cfg,
		logger:   logger.Named("dispatcher"),
		base:     base,
		stop:     stop,
	}
}

// Dispatch registers the job's cancel handle and starts its runner. The handle
// is registered before Dispatch returns so an immediate Cancel reaches it.
func (d *Dispatcher) Dispatch(job importer.Job) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("dispatch job %s: %w", job.ID, importer.ErrShutdown)
	}
	ctx, cancel := context.WithCancelCause(d.base)
	ctx, stopTimer := context.WithTimeoutCause(ctx, d.cfg.JobTimeout, importer.ErrJobTimeout)
	d.registry.Register(job.ID, cancel)
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer func() {
			stopTimer()
			cancel(nil)
			d.registry.Remove(job.ID)
			d.wg.Done()
		}()
		d.runner.Run(ctx, job)
	}()
	d.logger.Debug("job dispatched", zap.String("job_id", job.ID))
	return nil
}

// Running reports how many jobs currently hold a cancel handle.
func (d *Dispatcher) Running() int {
	return d.registry.Len()
}

// Shutdown refuses new jobs, cancels running ones with importer.ErrShutdown
// and waits for their runners to record a terminal state or for ctx to end.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.logger.Info("stopping job runners", zap.Int("running", d.registry.Len()))
	d.stop(importer.ErrShutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for job runners: %w", ctx.Err())
	}
}
