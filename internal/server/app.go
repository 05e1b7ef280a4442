// Package server assembles the recipe importer from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-importer/internal/api"
	"github.com/JakeFAU/recipe-importer/internal/clock/system"
	"github.com/JakeFAU/recipe-importer/internal/config"
	"github.com/JakeFAU/recipe-importer/internal/dispatcher"
	"github.com/JakeFAU/recipe-importer/internal/extract"
	"github.com/JakeFAU/recipe-importer/internal/fetcher"
	collyfetcher "github.com/JakeFAU/recipe-importer/internal/fetcher/colly"
	"github.com/JakeFAU/recipe-importer/internal/fetcher/detector"
	headlessfetcher "github.com/JakeFAU/recipe-importer/internal/fetcher/headless"
	imagefetcher "github.com/JakeFAU/recipe-importer/internal/fetcher/image"
	"github.com/JakeFAU/recipe-importer/internal/fetcher/video"
	"github.com/JakeFAU/recipe-importer/internal/hash/sha256"
	"github.com/JakeFAU/recipe-importer/internal/id/uuid"
	"github.com/JakeFAU/recipe-importer/internal/importer"
	"github.com/JakeFAU/recipe-importer/internal/jobs"
	"github.com/JakeFAU/recipe-importer/internal/limiter"
	"github.com/JakeFAU/recipe-importer/internal/llm"
	"github.com/JakeFAU/recipe-importer/internal/metrics"
	"github.com/JakeFAU/recipe-importer/internal/policy/hostblock"
	"github.com/JakeFAU/recipe-importer/internal/policy/ratelimit"
	"github.com/JakeFAU/recipe-importer/internal/progress"
	progresssinks "github.com/JakeFAU/recipe-importer/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/recipe-importer/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/recipe-importer/internal/publisher/pubsub"
	"github.com/JakeFAU/recipe-importer/internal/reaper"
	"github.com/JakeFAU/recipe-importer/internal/refine"
	"github.com/JakeFAU/recipe-importer/internal/registry"
	"github.com/JakeFAU/recipe-importer/internal/runner"
	gcsstorage "github.com/JakeFAU/recipe-importer/internal/storage/gcs"
	localstorage "github.com/JakeFAU/recipe-importer/internal/storage/local"
	memoryStorage "github.com/JakeFAU/recipe-importer/internal/storage/memory"
	"github.com/JakeFAU/recipe-importer/internal/telemetry"
)

// eventsTopic is the logical topic name handed to the publish sink when no
// Pub/Sub topic is configured.
const eventsTopic = "recipe-import-events"

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	reaper    *reaper.Reaper

	stores         Stores
	progressHub    *progress.Hub
	pubsubClient   *pubsub.Client
	topicPublisher *gcppublisher.Publisher
	storageClient  *storage.Client
	renderer       *headlessfetcher.Renderer
}

// Build creates the application's dependencies. On error everything already
// opened is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	metrics.Init()
	telemetry.Init()

	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.WithoutCancel(ctx))
		}
	}()

	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("blob_backend", cfg.Blob.Backend),
		zap.Int("max_concurrency", cfg.Pipeline.MaxConcurrency),
		zap.Duration("job_timeout", cfg.Pipeline.JobTimeout),
	)

	app.stores, err = OpenStores(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	blobs, err := app.setupBlobs(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	events, err := app.setupProgress(ctx, publisher)
	if err != nil {
		return nil, err
	}

	slots, err := limiter.New(cfg.Pipeline.MaxConcurrency, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("limiter init failed: %w", err)
	}
	clock := system.New()
	ids := uuid.New()
	running := registry.New()

	model := llm.NewClient(llm.Config{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		VisionModel:    cfg.LLM.VisionModel,
		TimeoutSeconds: cfg.LLM.TimeoutSeconds,
	}, llm.WithRetry(cfg.LLM.MaxRetries+1, cfg.LLM.RetryBase, cfg.LLM.RetryMax))
	if !model.Configured() {
		app.logger.Warn("llm api key not set; only webpages with structured recipe data can be imported")
	}

	deps := runner.Deps{
		Jobs:      app.stores.Jobs,
		Recipes:   app.stores.Recipes,
		Blobs:     blobs,
		Fetcher:   app.setupFetchers(blobs),
		Extractor: extract.New(model, logger.Named("extract")),
		Limiter:   slots,
		Clock:     clock,
		IDs:       ids,
		Events:    events,
	}
	if cfg.LLM.Refine {
		deps.Refiner = refine.New(model, extract.DecodeDraft)
	}
	run, err := runner.New(deps, runner.Config{TerminalWriteTimeout: cfg.Pipeline.TerminalWriteTimeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("runner init failed: %w", err)
	}

	app.dispatch = dispatcher.New(run, running, dispatcher.Config{JobTimeout: cfg.Pipeline.JobTimeout}, logger)

	svc, err := jobs.New(jobs.Deps{
		Jobs:       app.stores.Jobs,
		Dispatcher: app.dispatch,
		Canceller:  running,
		Blobs:      blobs,
		Hasher:     sha256.NewWithShardWidth(cfg.Blob.UploadShardWidth),
		IDs:        ids,
		Clock:      clock,
		Hosts:      hostblock.New(cfg.Fetch.BlockedHosts),
	}, jobs.Config{MaxUploadBytes: cfg.Blob.MaxUploadBytes}, logger)
	if err != nil {
		return nil, fmt.Errorf("job service init failed: %w", err)
	}

	if cfg.Reaper.Enabled {
		app.reaper, err = reaper.New(app.stores.Jobs, running, clock, reaper.Config{
			StaleAfter: cfg.StaleAfter(),
			Interval:   cfg.Reaper.Interval,
			BatchSize:  cfg.Reaper.BatchSize,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("reaper init failed: %w", err)
		}
	}

	opts := api.Options{
		OwnerHeader:    cfg.Server.OwnerHeader,
		RequestTimeout: cfg.Server.RequestTimeout,
		Readiness:      map[string]api.ReadinessCheck{},
	}
	if cfg.Auth.Enabled {
		opts.APIKey = cfg.Auth.APIKey
	}
	if app.stores.Ping != nil {
		opts.Readiness["storage"] = app.stores.Ping
	}
	app.apiServer = api.NewServer(svc, opts, logger)
	return app, nil
}

func (a *App) setupBlobs(ctx context.Context) (importer.BlobStore, error) {
	switch a.cfg.Blob.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS blob backend", zap.String("bucket", a.cfg.Blob.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storageClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Blob.GCSBucket,
			Prefix: a.cfg.Blob.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case config.BackendLocal:
		a.logger.Info("using local blob backend", zap.String("path", a.cfg.Blob.LocalDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Blob.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		a.logger.Info("using in-memory blob backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (importer.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.NewBounded(a.cfg.Progress.BufferSize), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.topicPublisher = gcppublisher.New(client.Topic(a.cfg.PubSub.TopicName))
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.topicPublisher, nil
}

func (a *App) setupProgress(ctx context.Context, publisher importer.Publisher) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("progress metrics sink init failed: %w", err)
	}
	topic := a.cfg.PubSub.TopicName
	if topic == "" {
		topic = eventsTopic
	}
	sinks := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
		progresssinks.NewPublishSink(publisher, topic, a.logger.Named("progress_publish")),
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinks...)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return a.progressHub, nil
}

func (a *App) setupFetchers(blobs importer.BlobStore) importer.Fetcher {
	pacer := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Fetch.RateLimitRPS,
		DefaultBurst: a.cfg.Fetch.RateLimitBurst,
	})
	a.logger.Info("source pacing configured",
		zap.Float64("rps", a.cfg.Fetch.RateLimitRPS),
		zap.Int("burst", a.cfg.Fetch.RateLimitBurst),
	)

	var opts []collyfetcher.Option
	if a.cfg.Headless.Enabled {
		renderer, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Fetch.UserAgent,
			NavigationTimeout: a.cfg.Headless.NavigationTimeout,
		})
		if err != nil {
			a.logger.Warn("headless renderer init failed; script-rendered pages will use static HTML", zap.Error(err))
		} else {
			a.renderer = renderer
			opts = append(opts, collyfetcher.WithHeadless(renderer, detector.NewHeuristic(a.cfg.Headless.PromotionMinBytes, nil)))
			a.logger.Info("headless rendering enabled", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		}
	}

	webpage := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Fetch.UserAgent,
		RespectRobots: a.cfg.Fetch.RespectRobots,
		Timeout:       a.cfg.Fetch.Timeout,
		MaxBodyBytes:  a.cfg.Fetch.MaxPageBytes,
		TempRoot:      a.cfg.Pipeline.TempDir,
	}, a.logger.Named("fetch_webpage"), opts...)
	videos := video.New(video.Config{
		Binary:       a.cfg.Video.Binary,
		SubLanguages: strings.Join(a.cfg.Video.SubLanguages, ","),
		TempRoot:     a.cfg.Pipeline.TempDir,
	}, nil, a.logger.Named("fetch_video"))
	images := imagefetcher.New(imagefetcher.Config{
		MaxBytes: a.cfg.Image.MaxBytes,
		Timeout:  a.cfg.Image.Timeout,
		TempRoot: a.cfg.Pipeline.TempDir,
	}, blobs, pacer, nil)

	return fetcher.NewRouter(pacer, videos, webpage, images)
}

// Handler exposes the HTTP surface, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP and runs the reaper until ctx is cancelled or the process
// receives SIGINT or SIGTERM, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reaperDone := make(chan struct{})
	if a.reaper != nil {
		go func() {
			defer close(reaperDone)
			a.logger.Info("reaper started", zap.Duration("stale_after", a.cfg.StaleAfter()))
			a.reaper.Run(ctx)
		}()
	} else {
		close(reaperDone)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-reaperDone

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close stops accepting jobs, cancels the ones in flight and waits for their
// terminal writes before releasing infrastructure.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.dispatch != nil {
		if shutdownErr := a.dispatch.Shutdown(ctx); shutdownErr != nil {
			a.logger.Error("jobs did not finish before the shutdown deadline", zap.Error(shutdownErr))
			err = shutdownErr
		}
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	if syncErr := a.logger.Sync(); syncErr != nil {
		a.logger.Debug("logger sync failed", zap.Error(syncErr))
	}
	return err
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.topicPublisher != nil {
		a.topicPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if err := a.stores.Close(); err != nil {
		a.logger.Warn("store close failed", zap.Error(err))
	}
}
