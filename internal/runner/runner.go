// Package runner drives one import job through fetch, extract, refine and
// persist, and records exactly one terminal outcome for it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-importer/internal/importer"
	"github.com/JakeFAU/recipe-importer/internal/limiter"
	"github.com/JakeFAU/recipe-importer/internal/metrics"
	"github.com/JakeFAU/recipe-importer/internal/progress"
)

// Progress milestones written to the Job Store.
const (
	PercentDownloading  = 10
	PercentExtractStart = 20
	PercentExtractEnd   = 90
	PercentRefining     = 92
	PercentPersisting   = 95
	PercentCompleted    = 100
)

const (
	defaultTerminalWriteTimeout = 10 * time.Second
	defaultThumbnailPrefix      = "thumbnails"
	notStartedMessage           = "job was cancelled before it reached execution"
)

// Config tunes the Runner.
type Config struct {
	// TerminalWriteTimeout bounds the final Job Store write, which runs on a
	// context detached from the job's own.
	TerminalWriteTimeout time.Duration
	// ThumbnailPrefix is the blob path prefix for uploaded video thumbnails.
	ThumbnailPrefix string
}

// Deps are the collaborators a Runner drives. Blobs, Refiner and Events may
// be nil.
type Deps struct {
	Jobs      importer.JobStore
	Recipes   importer.RecipeStore
	Blobs     importer.BlobStore
	Fetcher   importer.Fetcher
	Extractor importer.Extractor
	Refiner   importer.Refiner
	Limiter   *limiter.Limiter
	Clock     importer.Clock
	IDs       importer.IDGenerator
	Events    progress.Emitter
}

// Runner executes jobs. One Runner serves every job; per-job state lives on
// the stack of Run.
type Runner struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New validates deps and builds a Runner.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Runner, error) {
	switch {
	case deps.Jobs == nil:
		return nil, errors.New("runner: job store is required")
	case deps.Recipes == nil:
		return nil, errors.New("runner: recipe store is required")
	case deps.Fetcher == nil:
		return nil, errors.New("runner: fetcher is required")
	case deps.Extractor == nil:
		return nil, errors.New("runner: extractor is required")
	case deps.Limiter == nil:
		return nil, errors.New("runner: limiter is required")
	case deps.Clock == nil:
		return nil, errors.New("runner: clock is required")
	case deps.IDs == nil:
		return nil, errors.New("runner: id generator is required")
	}
	if deps.Events == nil {
		deps.Events = progress.Discard{}
	}
	if cfg.TerminalWriteTimeout <= 0 {
		cfg.TerminalWriteTimeout = defaultTerminalWriteTimeout
	}
	if cfg.ThumbnailPrefix == "" {
		cfg.ThumbnailPrefix = defaultThumbnailPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{deps: deps, cfg: cfg, logger: logger.Named("runner")}, nil
}

// outcome is a classified terminal result.
type outcome struct {
	status   importer.Status
	code     importer.ErrorCode
	message  string
	recipeID string
}

// Run executes job under ctx, which carries the job's cancel handle and time
// budget. Stage errors never escape; they end up on the job record.
func (r *Runner) Run(ctx context.Context, job importer.Job) {
	st := newTracker(r, job)

	if ctx.Err() != nil {
		r.finish(ctx, st, cancellation(ctx))
		return
	}

	slot, err := r.deps.Limiter.Acquire(ctx)
	if err != nil {
		st.logger.Info("job never acquired an execution slot", zap.Error(context.Cause(ctx)))
		r.finish(ctx, st, outcome{
			status:  importer.StatusFailed,
			code:    importer.CodeTimeout,
			message: notStartedMessage,
		})
		return
	}
	defer slot.Release()

	st.start()
	r.finish(ctx, st, r.execute(ctx, st))
}

// execute runs the stages. Content cleanup is deferred here so it happens
// before the terminal write in Run.
func (r *Runner) execute(ctx context.Context, st *tracker) (out outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			st.logger.Error("pipeline panicked", zap.Any("panic", rec), zap.Stack("stack"))
			out = outcome{
				status:  importer.StatusFailed,
				code:    importer.CodeInternal,
				message: fmt.Sprintf("internal error: %v", rec),
			}
		}
	}()

	st.advance(ctx, importer.StatusDownloading, PercentDownloading, "downloading source")
	content, err := r.fetch(ctx, st)
	if err != nil {
		return stageFailure(ctx, importer.CodeDownloadFailed, err)
	}
	defer func() {
		if cerr := content.Cleanup(); cerr != nil {
			st.logger.Warn("content cleanup failed", zap.Error(cerr))
		}
	}()
	if ctx.Err() != nil {
		return cancellation(ctx)
	}

	st.advance(ctx, importer.StatusExtracting, PercentExtractStart, "extracting recipe")
	draft, err := r.extract(ctx, st, content)
	if err != nil {
		return stageFailure(ctx, importer.CodeExtractionFailed, err)
	}
	if ctx.Err() != nil {
		return cancellation(ctx)
	}

	st.advance(ctx, importer.StatusProcessing, PercentRefining, "refining recipe")
	draft = r.refine(ctx, st, draft)
	if ctx.Err() != nil {
		return cancellation(ctx)
	}

	st.advance(ctx, importer.StatusProcessing, PercentPersisting, "saving recipe")
	recipeID, err := r.persist(ctx, st, content, draft)
	if err != nil {
		return stageFailure(ctx, importer.CodeSaveFailed, err)
	}
	return outcome{status: importer.StatusCompleted, recipeID: recipeID}
}

func (r *Runner) fetch(ctx context.Context, st *tracker) (*importer.Content, error) {
	start := time.Now()
	content, err := r.deps.Fetcher.Fetch(ctx, st.job)
	observeStage("fetch", err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("fetch source: %w", err)
	}
	if content == nil {
		return nil, errors.New("fetch source: fetcher returned no content")
	}
	st.logger.Debug("source fetched",
		zap.Int("files", len(content.Files)),
		zap.Bool("thumbnail", content.ThumbnailPath != ""),
		zap.Duration("took", time.Since(start)))
	return content, nil
}

func (r *Runner) extract(ctx context.Context, st *tracker, content *importer.Content) (importer.Recipe, error) {
	start := time.Now()
	draft, err := r.deps.Extractor.Extract(ctx, content, func(p importer.ExtractProgress) {
		phase := p.Phase
		if phase.Rank() != importer.StatusExtracting.Rank() {
			phase = importer.StatusExtracting
		}
		st.advance(ctx, phase, extractPercent(p.Percent), p.Message)
	})
	observeStage("extract", err, time.Since(start))
	if err != nil {
		return importer.Recipe{}, fmt.Errorf("extract recipe: %w", err)
	}
	return draft, nil
}

// refine never fails the job; on any error the draft is kept as is.
func (r *Runner) refine(ctx context.Context, st *tracker, draft importer.Recipe) importer.Recipe {
	if r.deps.Refiner == nil {
		return draft
	}
	start := time.Now()
	refined, err := r.deps.Refiner.Refine(ctx, draft.Clone())
	observeStage("refine", err, time.Since(start))
	if err != nil {
		st.logger.Warn("refinement failed, keeping draft", zap.Error(err))
		return draft
	}
	return refined
}

func (r *Runner) persist(
	ctx context.Context,
	st *tracker,
	content *importer.Content,
	draft importer.Recipe,
) (string, error) {
	start := time.Now()
	id, err := r.savePersisted(ctx, st, content, draft)
	observeStage("persist", err, time.Since(start))
	return id, err
}

func (r *Runner) savePersisted(
	ctx context.Context,
	st *tracker,
	content *importer.Content,
	draft importer.Recipe,
) (string, error) {
	current, err := r.deps.Jobs.GetByID(ctx, st.job.ID)
	if err != nil {
		return "", fmt.Errorf("reload job: %w", err)
	}
	recipeID, err := r.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("recipe id: %w", err)
	}

	recipe := draft.Clone()
	recipe.ID = recipeID
	recipe.OwnerID = current.OwnerID
	recipe.JobID = current.ID
	recipe.CreatedAt = r.deps.Clock.Now()
	if recipe.SourceKind == "" {
		recipe.SourceKind = current.SourceKind
	}
	if recipe.SourceURL == "" && current.SourceKind != importer.SourceImage {
		recipe.SourceURL = current.SourceLocator
	}
	recipe.Ingredients = usableIngredients(recipe.Ingredients, st.logger)
	recipe.Steps = numberedSteps(recipe.Steps)

	if content.ThumbnailPath != "" {
		if uri, err := r.uploadThumbnail(ctx, recipeID, content.ThumbnailPath); err != nil {
			st.logger.Warn("thumbnail upload failed", zap.Error(err))
		} else if uri != "" {
			recipe.ImageURL = uri
		}
	}

	saved, err := r.deps.Recipes.CreateRecipe(ctx, recipe)
	if err != nil {
		return "", fmt.Errorf("save recipe: %w", err)
	}
	return saved, nil
}

func (r *Runner) uploadThumbnail(ctx context.Context, recipeID, path string) (string, error) {
	if r.deps.Blobs == nil {
		return "", nil
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("detect thumbnail type: %w", err)
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("open thumbnail: %w", err)
	}
	defer func() { _ = f.Close() }()

	key := fmt.Sprintf("%s/%s%s", strings.Trim(r.cfg.ThumbnailPrefix, "/"), recipeID, mt.Extension())
	uri, err := r.deps.Blobs.PutObject(ctx, key, mt.String(), f)
	if err != nil {
		return "", fmt.Errorf("put thumbnail: %w", err)
	}
	return uri, nil
}

// finish writes the terminal state on a context detached from the job so a
// cancelled or timed out job can still record how it ended.
func (r *Runner) finish(ctx context.Context, st *tracker, out outcome) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.TerminalWriteTimeout)
	defer cancel()

	now := r.deps.Clock.Now()
	var err error
	switch out.status {
	case importer.StatusCompleted:
		err = r.deps.Jobs.MarkCompleted(writeCtx, st.job.ID, out.recipeID, now)
	case importer.StatusCancelled:
		err = r.deps.Jobs.MarkCancelled(writeCtx, st.job.ID, out.message, now)
	default:
		err = r.deps.Jobs.MarkFailed(writeCtx, st.job.ID, out.code, out.message, now)
	}

	fields := []zap.Field{
		zap.String("status", string(out.status)),
		zap.String("error_code", string(out.code)),
		zap.Duration("runtime", st.runtime()),
	}
	switch {
	case errors.Is(err, importer.ErrJobTerminal):
		// A concurrent Cancel already closed the record; report what it says.
		st.logger.Warn("job was already terminal when the runner finished", fields...)
		if stored, getErr := r.deps.Jobs.GetByID(writeCtx, st.job.ID); getErr == nil {
			out = storedOutcome(stored)
			if stored.CompletedAt != nil {
				now = *stored.CompletedAt
			}
		} else {
			st.logger.Error("re-read terminal job failed", zap.Error(getErr))
		}
	case err != nil:
		st.logger.Error("terminal job write failed", append(fields, zap.Error(err))...)
	default:
		st.logger.Info("job finished", append(fields, zap.String("message", out.message))...)
	}

	metrics.ObserveJobOutcome(string(out.status), string(out.code))
	st.emitTerminal(out, now)
}

// storedOutcome describes a terminal record written by someone else.
func storedOutcome(job importer.Job) outcome {
	return outcome{
		status:   job.Status,
		code:     job.ErrorCode,
		message:  job.ErrorMessage,
		recipeID: job.ResultRecipeID,
	}
}

// cancellation classifies why ctx ended.
func cancellation(ctx context.Context) outcome {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, importer.ErrJobTimeout), errors.Is(cause, context.DeadlineExceeded):
		return outcome{
			status:  importer.StatusFailed,
			code:    importer.CodeTimeout,
			message: "job exceeded its time budget",
		}
	case errors.Is(cause, importer.ErrShutdown):
		return outcome{
			status:  importer.StatusCancelled,
			code:    importer.CodeCancelled,
			message: "job cancelled because the service is shutting down",
		}
	default:
		return outcome{
			status:  importer.StatusCancelled,
			code:    importer.CodeCancelled,
			message: "job cancelled by request",
		}
	}
}

func stageFailure(ctx context.Context, code importer.ErrorCode, err error) outcome {
	if ctx.Err() != nil {
		return cancellation(ctx)
	}
	return outcome{status: importer.StatusFailed, code: code, message: err.Error()}
}

// extractPercent maps the extractor's 0..100 onto the job's extract window.
func extractPercent(p int) int {
	p = importer.ClampPercent(p)
	return PercentExtractStart + p*(PercentExtractEnd-PercentExtractStart)/100
}

func usableIngredients(in []importer.Ingredient, logger *zap.Logger) []importer.Ingredient {
	out := make([]importer.Ingredient, 0, len(in))
	for _, ing := range in {
		ing.Name = strings.TrimSpace(ing.Name)
		if ing.Name == "" {
			continue
		}
		out = append(out, ing)
	}
	if dropped := len(in) - len(out); dropped > 0 {
		logger.Debug("skipped ingredients without a name", zap.Int("dropped", dropped))
	}
	return out
}

func numberedSteps(in []importer.Step) []importer.Step {
	out := make([]importer.Step, 0, len(in))
	for _, step := range in {
		step.Text = strings.TrimSpace(step.Text)
		if step.Text == "" {
			continue
		}
		step.Position = len(out) + 1
		out = append(out, step)
	}
	return out
}

func observeStage(stage string, err error, took time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ObserveStage(stage, result, took)
}
