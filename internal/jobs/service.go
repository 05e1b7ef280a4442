// Package jobs implements job admission: submit, status, list, cancel and
// image uploads.
package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	imagefetch "github.com/JakeFAU/recipe-importer/internal/fetcher/image"
	"github.com/JakeFAU/recipe-importer/internal/importer"
	"github.com/JakeFAU/recipe-importer/internal/metrics"
)

const (
	defaultPageSize       = 20
	maxPageSize           = 100
	maxIdempotencyKeyLen  = 255
	defaultMaxUploadBytes = 15 << 20
	defaultUploadPrefix   = "uploads"
	queuedMessage         = "queued"
)

// Dispatcher starts a runner for an admitted job.
type Dispatcher interface {
	Dispatch(job importer.Job) error
}

// Canceller signals a running job's cancel handle. It reports false when the
// job is not running in this process.
type Canceller interface {
	Cancel(jobID string) bool
}

// HostPolicy rejects source URLs the service must not fetch.
type HostPolicy interface {
	BlockedURL(rawURL string) bool
}

// Config tunes admission.
type Config struct {
	MaxUploadBytes int64
	UploadPrefix   string
}

// Deps are the Service's collaborators. Blobs and Hasher are only needed for
// uploads.
type Deps struct {
	Jobs       importer.JobStore
	Dispatcher Dispatcher
	Canceller  Canceller
	Blobs      importer.BlobStore
	Hasher     importer.Hasher
	IDs        importer.IDGenerator
	Clock      importer.Clock
	// Hosts may be nil to allow every host.
	Hosts HostPolicy
}

// Service admits jobs and answers status queries.
type Service struct {
	deps   Deps
	cfg    Config
	flight singleflight.Group
	logger *zap.Logger
}

// SubmitRequest is a client's request to import a source.
type SubmitRequest struct {
	OwnerID        string
	SourceKind     string
	SourceLocator  string
	IdempotencyKey string
}

// SubmitResult is the admitted job. Replayed is true when an earlier
// submission with the same idempotency key was returned instead.
type SubmitResult struct {
	Job      importer.Job
	Replayed bool
}

// New constructs a Service.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Service, error) {
	if deps.Jobs == nil || deps.Dispatcher == nil || deps.Canceller == nil {
		return nil, errors.New("jobs: job store, dispatcher and canceller are required")
	}
	if deps.IDs == nil || deps.Clock == nil {
		return nil, errors.New("jobs: id generator and clock are required")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.UploadPrefix == "" {
		cfg.UploadPrefix = defaultUploadPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deps: deps, cfg: cfg, logger: logger.Named("jobs")}, nil
}

// Submit validates req, creates a pending job and hands it to the dispatcher.
// It returns without waiting on any pipeline stage.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		return SubmitResult{}, &importer.ValidationError{Field: "owner_id", Reason: "is required"}
	}
	kind, err := importer.ParseSourceKind(req.SourceKind)
	if err != nil {
		return SubmitResult{}, err
	}
	locator, err := normalizeLocator(kind, req.SourceLocator)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := s.checkHosts(locator); err != nil {
		return SubmitResult{}, err
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if len(key) > maxIdempotencyKeyLen {
		return SubmitResult{}, &importer.ValidationError{
			Field:  "idempotency_key",
			Reason: fmt.Sprintf("longer than %d bytes", maxIdempotencyKeyLen),
		}
	}

	job := importer.Job{
		OwnerID:        owner,
		SourceKind:     kind,
		SourceLocator:  locator,
		IdempotencyKey: key,
	}
	if key == "" {
		created, err := s.create(ctx, job)
		if err != nil {
			return SubmitResult{}, err
		}
		metrics.ObserveSubmission(string(kind), false)
		return SubmitResult{Job: created}, nil
	}

	// Concurrent submissions for the same key share one admission. Only the
	// caller whose closure ran can have created the job.
	ran := false
	v, err, _ := s.flight.Do(owner+"\x00"+key, func() (any, error) {
		ran = true
		return s.submitKeyed(ctx, job)
	})
	if err != nil {
		return SubmitResult{}, err
	}
	res, ok := v.(SubmitResult)
	if !ok {
		return SubmitResult{}, fmt.Errorf("submit: unexpected result %T", v)
	}
	if !ran {
		res.Replayed = true
	}
	metrics.ObserveSubmission(string(kind), res.Replayed)
	return res, nil
}

func (s *Service) submitKeyed(ctx context.Context, job importer.Job) (SubmitResult, error) {
	existing, err := s.deps.Jobs.FindByIdempotencyKey(ctx, job.OwnerID, job.IdempotencyKey)
	switch {
	case err == nil:
		return SubmitResult{Job: existing, Replayed: true}, nil
	case !errors.Is(err, importer.ErrNotFound):
		return SubmitResult{}, fmt.Errorf("lookup idempotency key: %w", err)
	}

	created, err := s.create(ctx, job)
	if errors.Is(err, importer.ErrDuplicateIdempotencyKey) {
		// Another process won the insert.
		existing, ferr := s.deps.Jobs.FindByIdempotencyKey(ctx, job.OwnerID, job.IdempotencyKey)
		if ferr != nil {
			return SubmitResult{}, fmt.Errorf("reload idempotent job: %w", ferr)
		}
		return SubmitResult{Job: existing, Replayed: true}, nil
	}
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Job: created}, nil
}

func (s *Service) create(ctx context.Context, job importer.Job) (importer.Job, error) {
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return importer.Job{}, fmt.Errorf("job id: %w", err)
	}
	job.ID = id
	job.Status = importer.StatusPending
	job.StatusMessage = queuedMessage
	job.CreatedAt = s.deps.Clock.Now()

	if err := s.deps.Jobs.Create(ctx, job); err != nil {
		if errors.Is(err, importer.ErrDuplicateIdempotencyKey) {
			return importer.Job{}, err
		}
		return importer.Job{}, fmt.Errorf("create job: %w", err)
	}
	if err := s.deps.Dispatcher.Dispatch(job); err != nil {
		if merr := s.deps.Jobs.MarkCancelled(
			context.WithoutCancel(ctx), job.ID, "service is shutting down", s.deps.Clock.Now(),
		); merr != nil {
			s.logger.Warn("could not close undispatched job", zap.String("job_id", job.ID), zap.Error(merr))
		}
		return importer.Job{}, fmt.Errorf("dispatch job: %w", err)
	}
	s.logger.Info("job admitted",
		zap.String("job_id", job.ID),
		zap.String("owner_id", job.OwnerID),
		zap.String("source_kind", string(job.SourceKind)),
		zap.Bool("idempotent", job.IdempotencyKey != ""))
	return job, nil
}

// GetStatus returns the job if it exists and belongs to owner.
func (s *Service) GetStatus(ctx context.Context, jobID, owner string) (importer.Job, error) {
	job, err := s.deps.Jobs.GetByID(ctx, jobID)
	if errors.Is(err, importer.ErrNotFound) {
		return importer.Job{}, importer.ErrNotFound
	}
	if err != nil {
		return importer.Job{}, fmt.Errorf("get job: %w", err)
	}
	if job.OwnerID != owner {
		return importer.Job{}, importer.ErrNotFound
	}
	return job, nil
}

// ListJobs returns the owner's jobs, newest first. A zero limit selects the
// default page size and larger limits are capped.
func (s *Service) ListJobs(ctx context.Context, owner string, limit, offset int) ([]importer.Job, error) {
	switch {
	case limit < 0:
		return nil, &importer.ValidationError{Field: "limit", Reason: "must not be negative"}
	case offset < 0:
		return nil, &importer.ValidationError{Field: "offset", Reason: "must not be negative"}
	case limit == 0:
		limit = defaultPageSize
	case limit > maxPageSize:
		limit = maxPageSize
	}
	jobs, err := s.deps.Jobs.ListByOwner(ctx, owner, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Cancel asks a running job to stop and optimistically records it as
// cancelled. Terminal jobs and jobs without a live handle are left untouched.
func (s *Service) Cancel(ctx context.Context, jobID, owner string) error {
	job, err := s.GetStatus(ctx, jobID, owner)
	if err != nil {
		return err
	}
	logger := s.logger.With(zap.String("job_id", jobID))
	if job.Status.IsTerminal() {
		logger.Debug("cancel ignored for terminal job", zap.String("status", string(job.Status)))
		return nil
	}
	if !s.deps.Canceller.Cancel(jobID) {
		logger.Info("cancel requested for job not running in this process")
		return nil
	}
	err = s.deps.Jobs.MarkCancelled(ctx, jobID, "cancelled by user", s.deps.Clock.Now())
	switch {
	case err == nil, errors.Is(err, importer.ErrJobTerminal):
		logger.Info("job cancel requested")
		return nil
	default:
		return fmt.Errorf("mark cancelled: %w", err)
	}
}

// Upload stores image bytes for a later image job and returns the blob
// locator to submit.
func (s *Service) Upload(ctx context.Context, owner string, body io.Reader) (string, error) {
	if strings.TrimSpace(owner) == "" {
		return "", &importer.ValidationError{Field: "owner_id", Reason: "is required"}
	}
	if s.deps.Blobs == nil || s.deps.Hasher == nil {
		return "", errors.New("uploads are not configured")
	}
	data, err := io.ReadAll(io.LimitReader(body, s.cfg.MaxUploadBytes+1))
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	switch {
	case len(data) == 0:
		return "", &importer.ValidationError{Field: "body", Reason: "is empty"}
	case int64(len(data)) > s.cfg.MaxUploadBytes:
		return "", &importer.ValidationError{
			Field:  "body",
			Reason: fmt.Sprintf("exceeds %d bytes", s.cfg.MaxUploadBytes),
		}
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return "", &importer.ValidationError{Field: "body", Reason: fmt.Sprintf("%s is not an image", mt.String())}
	}
	sum, err := s.deps.Hasher.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash upload: %w", err)
	}
	key := fmt.Sprintf("%s/%s%s", strings.Trim(s.cfg.UploadPrefix, "/"), sum, mt.Extension())
	if _, err := s.deps.Blobs.PutObject(ctx, key, mt.String(), bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("store upload: %w", err)
	}
	s.logger.Info("image uploaded", zap.String("owner_id", owner), zap.String("key", key), zap.Int("bytes", len(data)))
	return imagefetch.BlobScheme + key, nil
}

// normalizeLocator validates the locator for kind and returns it in the form
// stored on the job.
func normalizeLocator(kind importer.SourceKind, raw string) (string, error) {
	refs := strings.Fields(raw)
	if len(refs) == 0 {
		return "", &importer.ValidationError{Field: "source_locator", Reason: "is required"}
	}
	if kind != importer.SourceImage {
		if len(refs) != 1 {
			return "", &importer.ValidationError{Field: "source_locator", Reason: "must be a single URL"}
		}
		if err := checkHTTPURL(refs[0]); err != nil {
			return "", err
		}
		return refs[0], nil
	}

	if len(refs) > imagefetch.MaxImages {
		return "", &importer.ValidationError{
			Field:  "source_locator",
			Reason: fmt.Sprintf("at most %d images per job", imagefetch.MaxImages),
		}
	}
	for _, ref := range refs {
		if key, ok := strings.CutPrefix(ref, imagefetch.BlobScheme); ok {
			if key == "" || strings.Contains(key, "..") {
				return "", &importer.ValidationError{Field: "source_locator", Reason: fmt.Sprintf("bad blob reference %q", ref)}
			}
			continue
		}
		if err := checkHTTPURL(ref); err != nil {
			return "", err
		}
	}
	return strings.Join(refs, "\n"), nil
}

func (s *Service) checkHosts(locator string) error {
	if s.deps.Hosts == nil {
		return nil
	}
	for _, ref := range strings.Fields(locator) {
		if strings.HasPrefix(ref, imagefetch.BlobScheme) {
			continue
		}
		if s.deps.Hosts.BlockedURL(ref) {
			return &importer.ValidationError{Field: "source_locator", Reason: fmt.Sprintf("host of %q is not allowed", ref)}
		}
	}
	return nil
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &importer.ValidationError{Field: "source_locator", Reason: fmt.Sprintf("%q is not an absolute http(s) URL", raw)}
	}
	return nil
}
