package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-importer/internal/clock/system"
	"github.com/JakeFAU/recipe-importer/internal/id/uuid"
	"github.com/JakeFAU/recipe-importer/internal/importer"
	"github.com/JakeFAU/recipe-importer/internal/limiter"
	"github.com/JakeFAU/recipe-importer/internal/progress"
	"github.com/JakeFAU/recipe-importer/internal/storage/memory"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

type fakeFetcher struct {
	err   error
	thumb bool
	calls atomic.Int32

	mu   sync.Mutex
	dirs []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, job importer.Job) (*importer.Content, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}
	dir, err := os.MkdirTemp("", "runner-test-")
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.dirs = append(f.dirs, dir)
	f.mu.Unlock()
	page := filepath.Join(dir, "page.html")
	if err := os.WriteFile(page, []byte("<html></html>"), 0o600); err != nil {
		return nil, err
	}
	content := &importer.Content{
		Kind:      job.SourceKind,
		SourceURL: job.SourceLocator,
		Dir:       dir,
		Files:     []importer.ContentFile{{Path: page, MIMEType: "text/html"}},
	}
	if f.thumb {
		thumb := filepath.Join(dir, "video.png")
		if err := os.WriteFile(thumb, pngHeader, 0o600); err != nil {
			return nil, err
		}
		content.ThumbnailPath = thumb
	}
	return content, nil
}

func (f *fakeFetcher) lastDir() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.dirs) == 0 {
		return ""
	}
	return f.dirs[len(f.dirs)-1]
}

type fakeExtractor struct {
	calls   atomic.Int32
	steps   []int
	err     error
	recipe  importer.Recipe
	block   bool
	started chan string
	release chan struct{}
	panics  bool
	during  func(ctx context.Context)
}

func (e *fakeExtractor) Extract(
	ctx context.Context,
	content *importer.Content,
	report importer.ProgressFunc,
) (importer.Recipe, error) {
	e.calls.Add(1)
	if e.started != nil {
		e.started <- content.SourceURL
	}
	if e.panics {
		panic("extractor exploded")
	}
	for _, p := range e.steps {
		report(importer.ExtractProgress{Phase: importer.StatusExtracting, Percent: p, Message: "working"})
	}
	if e.during != nil {
		e.during(ctx)
	}
	if e.block {
		select {
		case <-ctx.Done():
			return importer.Recipe{}, context.Cause(ctx)
		case <-e.release:
		}
	}
	if e.err != nil {
		return importer.Recipe{}, e.err
	}
	if e.recipe.Title != "" {
		return e.recipe.Clone(), nil
	}
	return importer.Recipe{
		Title:       "Leek soup",
		Ingredients: []importer.Ingredient{{Name: "leek", Quantity: "2"}, {Name: "water", Unit: "l"}},
		Steps:       []importer.Step{{Position: 1, Text: "Chop."}, {Position: 2, Text: "Simmer."}},
	}, nil
}

type fakeRefiner struct {
	err error
}

func (f fakeRefiner) Refine(_ context.Context, draft importer.Recipe) (importer.Recipe, error) {
	if f.err != nil {
		return importer.Recipe{}, f.err
	}
	draft.Title += " (refined)"
	return draft, nil
}

type failingRecipes struct{}

func (failingRecipes) CreateRecipe(context.Context, importer.Recipe) (string, error) {
	return "", errors.New("disk full")
}

func (failingRecipes) GetRecipe(context.Context, string) (importer.Recipe, error) {
	return importer.Recipe{}, importer.ErrNotFound
}

// recordingJobs captures every progress percentage written for a job.
type recordingJobs struct {
	importer.JobStore

	mu       sync.Mutex
	percents map[string][]int
	statuses map[string][]importer.Status
}

func (r *recordingJobs) UpdateProgress(ctx context.Context, jobID string, update importer.ProgressUpdate) error {
	r.mu.Lock()
	r.percents[jobID] = append(r.percents[jobID], update.Percent)
	r.statuses[jobID] = append(r.statuses[jobID], update.Status)
	r.mu.Unlock()
	return r.JobStore.UpdateProgress(ctx, jobID, update)
}

func (r *recordingJobs) history(jobID string) ([]int, []importer.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.percents[jobID]...), append([]importer.Status(nil), r.statuses[jobID]...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Stage)
	}
	return out
}

type harness struct {
	runner    *Runner
	jobs      *recordingJobs
	recipes   *memory.RecipeStore
	blobs     *memory.BlobStore
	limiter   *limiter.Limiter
	fetcher   *fakeFetcher
	extractor *fakeExtractor
	events    *recordingEmitter
	clock     *system.Manual
}

type harnessOption func(*Deps)

func newHarness(t *testing.T, capacity int, opts ...harnessOption) *harness {
	t.Helper()
	lim, err := limiter.New(capacity, nil)
	require.NoError(t, err)
	h := &harness{
		jobs: &recordingJobs{
			JobStore: memory.NewJobStore(),
			percents: map[string][]int{},
			statuses: map[string][]importer.Status{},
		},
		recipes:   memory.NewRecipeStore(),
		blobs:     memory.NewBlobStore(),
		limiter:   lim,
		fetcher:   &fakeFetcher{},
		extractor: &fakeExtractor{},
		events:    &recordingEmitter{},
		clock:     system.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	deps := Deps{
		Jobs:      h.jobs,
		Recipes:   h.recipes,
		Blobs:     h.blobs,
		Fetcher:   h.fetcher,
		Extractor: h.extractor,
		Refiner:   fakeRefiner{},
		Limiter:   lim,
		Clock:     h.clock,
		IDs:       uuid.New(),
		Events:    h.events,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	r, err := New(deps, Config{TerminalWriteTimeout: time.Second}, zap.NewNop())
	require.NoError(t, err)
	h.runner = r
	return h
}

func (h *harness) submit(t *testing.T, id string, kind importer.SourceKind) importer.Job {
	t.Helper()
	job := importer.Job{
		ID:            id,
		OwnerID:       "u1",
		SourceKind:    kind,
		SourceLocator: "https://example.com/" + id,
		Status:        importer.StatusPending,
		CreatedAt:     h.clock.Now(),
	}
	require.NoError(t, h.jobs.Create(context.Background(), job))
	return job
}

func (h *harness) job(t *testing.T, id string) importer.Job {
	t.Helper()
	job, err := h.jobs.GetByID(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestRunCompletesVideoJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.fetcher.thumb = true
	job := h.submit(t, "job-video", importer.SourceVideo)

	h.runner.Run(context.Background(), job)

	got := h.job(t, job.ID)
	require.Equal(t, importer.StatusCompleted, got.Status)
	require.Equal(t, 100, got.ProgressPercent)
	require.NotEmpty(t, got.ResultRecipeID)
	require.Empty(t, got.ErrorCode)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)

	recipe, err := h.recipes.GetRecipe(context.Background(), got.ResultRecipeID)
	require.NoError(t, err)
	require.Equal(t, "Leek soup (refined)", recipe.Title)
	require.Equal(t, "u1", recipe.OwnerID)
	require.Equal(t, job.ID, recipe.JobID)
	require.Equal(t, importer.SourceVideo, recipe.SourceKind)
	require.Equal(t, job.SourceLocator, recipe.SourceURL)
	require.Equal(t, "memory://thumbnails/"+got.ResultRecipeID+".png", recipe.ImageURL)

	_, err = os.Stat(h.fetcher.lastDir())
	require.True(t, os.IsNotExist(err), "fetched content should be removed")
	require.Zero(t, h.limiter.InUse())

	stages := h.events.stages()
	require.Equal(t, progress.StageJobStart, stages[0])
	require.Equal(t, progress.StageJobDone, stages[len(stages)-1])
}

func TestRunFetchFailureMarksDownloadFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.fetcher.err = errors.New("status 503")
	job := h.submit(t, "job-web", importer.SourceWebpage)

	h.runner.Run(context.Background(), job)

	got := h.job(t, job.ID)
	require.Equal(t, importer.StatusFailed, got.Status)
	require.Equal(t, importer.CodeDownloadFailed, got.ErrorCode)
	require.Contains(t, got.ErrorMessage, "status 503")
	require.Empty(t, got.ResultRecipeID)
	require.Zero(t, h.recipes.Len())
	require.Zero(t, h.extractor.calls.Load())
	require.Zero(t, h.limiter.InUse())
}

func TestRunExtractionFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.extractor.err = errors.New("model returned nothing")
	job := h.submit(t, "job-extract", importer.SourceWebpage)

	h.runner.Run(context.Background(), job)

	got := h.job(t, job.ID)
	require.Equal(t, importer.StatusFailed, got.Status)
	require.Equal(t, importer.CodeExtractionFailed, got.ErrorCode)
	require.Zero(t, h.recipes.Len())
	_, err := os.Stat(h.fetcher.lastDir())
	require.True(t, os.IsNotExist(err))
}

func TestRunRefineFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5, func(d *Deps) { d.Refiner = fakeRefiner{err: errors.New("quota exceeded")} })
	job := h.submit(t, "job-refine", importer.SourceWebpage)

	h.runner.Run(context.Background(), job)

	got := h.job(t, job.ID)
	require.Equal(t, importer.StatusCompleted, got.Status)
	recipe, err := h.recipes.GetRecipe(context.Background(), got.ResultRecipeID)
	require.NoError(t, err)
	require.Equal(t, "Leek soup", recipe.Title)
}

func TestRunSaveFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5, func(d *Deps) { d.Recipes = failingRecipes{} })
	job := h.submit(t, "job-save", importer.SourceWebpage)

	h.runner.Run(context.Background(), job)

	got := h.job(t, job.ID)
	require.Equal(t, importer.StatusFailed, got.Status)
	require.Equal(t, importer.CodeSaveFailed, got.ErrorCode)
	require.Contains(t, got.ErrorMessage, "disk full")
}

func TestRunSkipsIngredientsWithoutName(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5, func(d *Deps) { d.Refiner = nil })
	h.extractor.recipe = importer.Recipe{
		Title:       "Toast",
		Ingredients: []importer.Ingredient{{Name: " bread "}, {Name: "  ", Quantity: "1"}, {Name: "butter"}},
		Steps:       []importer.Step{{Position: 4, Text: "Toast."}, {Position: 5, Text: " "}, {Position: 9, Text: "Butter."}},
	}
	job := h.submit(t, "job-blank", importer.SourceWebpage)

	h.runner.Run(context.Background(), job)

	got := h.job(t, job.ID)
	require.Equal(t, importer.StatusCompleted, got.Status)
	recipe, err := h.recipes.GetRecipe(context.Background(), got.ResultRecipeID)
	require.NoError(t, err)
	require.Equal(t, []importer.Ingredient{{Name: "bread"}, {Name: "butter"}}, recipe.Ingredients)
	require.Equal(t, []importer.Step{{Position: 1, Text: "Toast."}, {Position: 2, Text: "Butter."}}, recipe.Steps)
}

func TestRunAlreadyCancelledSkipsEverything(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	job := h.submit(t, "job-early", importer.SourceWebpage)
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(importer.ErrCancelRequested)

	h.runner.Run(ctx, job)

	got := h.job(t, job.ID)
	require.Equal(t, importer.StatusCancelled, got.Status)
	require.Equal(t, importer.CodeCancelled, got.ErrorCode)
	require.Zero(t, h.fetcher.calls.Load())
	require.Zero(t, h.extractor.calls.Load())
	require.Nil(t, got.StartedAt)
}

func TestRunCancelledWhileWaitingForSlot(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	held, err := h.limiter.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	job := h.submit(t, "job-queued", importer.SourceWebpage)
	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.runner.Run(ctx, job)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel(importer.ErrCancelRequested)
	<-done

	got := h.job(t, job.ID)
	require.Equal(t, importer.StatusFailed, got.Status)
	require.Equal(t, importer.CodeTimeout, got.ErrorCode)
	require.Equal(t, notStartedMessage, got.ErrorMessage)
	require.Zero(t, h.fetcher.calls.Load())
	require.Zero(t, h.extractor.calls.Load())
	require.Equal(t, 1, h.limiter.InUse())
}

func TestRunCancelDuringExtractCleansUp(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.extractor.block = true
	h.extractor.started = make(chan string, 1)
	job := h.submit(t, "job-cancel", importer.SourceWebpage)

	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.runner.Run(ctx, job)
	}()

	<-h.extractor.started
	require.Eventually(t, func() bool {
		return h.job(t, job.ID).Status == importer.StatusExtracting
	}, time.Second, 5*time.Millisecond)
	cancel(importer.ErrCancelRequested)
	<-done

	got := h.job(t, job.ID)
	require.Equal(t, importer.StatusCancelled, got.Status)
	require.Equal(t, importer.CodeCancelled, got.ErrorCode)
	require.Zero(t, h.recipes.Len())
	_, err := os.Stat(h.fetcher.lastDir())
	require.True(t, os.IsNotExist(err), "temp content must be removed on cancel")
	require.Zero(t, h.limiter.InUse())
	stages := h.events.stages()
	require.Equal(t, progress.StageJobCancelled, stages[len(stages)-1])
}

func TestRunTimeoutMarksFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.extractor.block = true
	job := h.submit(t, "job-slow", importer.SourceWebpage)

	ctx, cancel := context.WithTimeoutCause(context.Background(), 30*time.Millisecond, importer.ErrJobTimeout)
	defer cancel()
	h.runner.Run(ctx, job)

	got := h.job(t, job.ID)
	require.Equal(t, importer.StatusFailed, got.Status)
	require.Equal(t, importer.CodeTimeout, got.ErrorCode)
}

func TestRunShutdownCancelsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.extractor.block = true
	h.extractor.started = make(chan string, 1)
	job := h.submit(t, "job-shutdown", importer.SourceWebpage)

	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.runner.Run(ctx, job)
	}()
	<-h.extractor.started
	cancel(importer.ErrShutdown)
	<-done

	got := h.job(t, job.ID)
	require.Equal(t, importer.StatusCancelled, got.Status)
	require.Contains(t, got.ErrorMessage, "shutting down")
}

func TestRunRecoversFromPanic(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.extractor.panics = true
	job := h.submit(t, "job-panic", importer.SourceWebpage)

	require.NotPanics(t, func() { h.runner.Run(context.Background(), job) })

	got := h.job(t, job.ID)
	require.Equal(t, importer.StatusFailed, got.Status)
	require.Equal(t, importer.CodeInternal, got.ErrorCode)
	require.Zero(t, h.limiter.InUse())
	_, err := os.Stat(h.fetcher.lastDir())
	require.True(t, os.IsNotExist(err))
}

func TestRunProgressIsMonotonic(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.extractor.steps = []int{10, 50, 30, 100, 80}
	job := h.submit(t, "job-progress", importer.SourceWebpage)

	h.runner.Run(context.Background(), job)

	percents, statuses := h.jobs.history(job.ID)
	require.NotEmpty(t, percents)
	require.Equal(t, PercentDownloading, percents[0])
	for i := 1; i < len(percents); i++ {
		require.GreaterOrEqual(t, percents[i], percents[i-1], "progress regressed: %v", percents)
		require.GreaterOrEqual(t, statuses[i].Rank(), statuses[i-1].Rank(), "status regressed: %v", statuses)
	}
	require.Contains(t, percents, extractPercent(50))
	require.Contains(t, percents, PercentExtractEnd)
	require.Equal(t, PercentPersisting, percents[len(percents)-1])
	require.Equal(t, 100, h.job(t, job.ID).ProgressPercent)
}

func TestRunBoundsConcurrency(t *testing.T) {
	t.Parallel()

	const capacity = 5
	h := newHarness(t, capacity)
	h.extractor.block = true
	h.extractor.started = make(chan string, capacity+1)
	h.extractor.release = make(chan struct{})

	var wg sync.WaitGroup
	for i := range capacity + 1 {
		job := h.submit(t, "job-"+string(rune('a'+i)), importer.SourceWebpage)
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.runner.Run(context.Background(), job)
		}()
	}

	for range capacity {
		<-h.extractor.started
	}
	require.Never(t, func() bool {
		return h.extractor.calls.Load() > capacity
	}, 100*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, capacity, h.limiter.InUse())

	h.extractor.release <- struct{}{}
	<-h.extractor.started
	require.Equal(t, int32(capacity+1), h.extractor.calls.Load())

	close(h.extractor.release)
	wg.Wait()
	require.Zero(t, h.limiter.InUse())
	require.Equal(t, capacity+1, h.recipes.Len())
}

func TestRunCompletionLosesToEarlierCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	job := h.submit(t, "job-race", importer.SourceWebpage)
	h.extractor.during = func(ctx context.Context) {
		require.NoError(t, h.jobs.MarkCancelled(ctx, job.ID, "cancelled by user", h.clock.Now()))
	}

	h.runner.Run(context.Background(), job)

	got := h.job(t, job.ID)
	require.Equal(t, importer.StatusCancelled, got.Status)
	require.Empty(t, got.ResultRecipeID)

	h.events.mu.Lock()
	last := h.events.events[len(h.events.events)-1]
	h.events.mu.Unlock()
	require.Equal(t, progress.StageJobCancelled, last.Stage)
	require.Equal(t, got.Status, last.Status)
	require.Equal(t, importer.CodeCancelled, last.ErrorCode)
	require.Equal(t, "cancelled by user", last.Message)
	require.Empty(t, last.RecipeID)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{}, nil)
	require.Error(t, err)
}

func TestExtractPercentWindow(t *testing.T) {
	t.Parallel()

	require.Equal(t, PercentExtractStart, extractPercent(-5))
	require.Equal(t, 55, extractPercent(50))
	require.Equal(t, PercentExtractEnd, extractPercent(100))
	require.Equal(t, PercentExtractEnd, extractPercent(400))
}

func TestCancellationClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		cause  error
		status importer.Status
		code   importer.ErrorCode
	}{
		{importer.ErrCancelRequested, importer.StatusCancelled, importer.CodeCancelled},
		{importer.ErrShutdown, importer.StatusCancelled, importer.CodeCancelled},
		{importer.ErrJobTimeout, importer.StatusFailed, importer.CodeTimeout},
		{context.DeadlineExceeded, importer.StatusFailed, importer.CodeTimeout},
	}
	for _, tc := range cases {
		ctx, cancel := context.WithCancelCause(context.Background())
		cancel(tc.cause)
		out := cancellation(ctx)
		require.Equal(t, tc.status, out.status, "cause %v", tc.cause)
		require.Equal(t, tc.code, out.code, "cause %v", tc.cause)
	}
}
