package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-importer/internal/clock/system"
	"github.com/JakeFAU/recipe-importer/internal/hash/sha256"
	"github.com/JakeFAU/recipe-importer/internal/id/uuid"
	"github.com/JakeFAU/recipe-importer/internal/importer"
	"github.com/JakeFAU/recipe-importer/internal/jobs"
	"github.com/JakeFAU/recipe-importer/internal/registry"
	"github.com/JakeFAU/recipe-importer/internal/storage/memory"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

type nopDispatcher struct {
	mu    sync.Mutex
	count int
}

func (d *nopDispatcher) Dispatch(importer.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count++
	return nil
}

type apiFixture struct {
	server   *Server
	store    *memory.JobStore
	registry *registry.Registry
}

func newAPIFixture(t *testing.T, opts Options) *apiFixture {
	t.Helper()
	store := memory.NewJobStore()
	reg := registry.New()
	svc, err := jobs.New(jobs.Deps{
		Jobs:       store,
		Dispatcher: &nopDispatcher{},
		Canceller:  reg,
		Blobs:      memory.NewBlobStore(),
		Hasher:     sha256.New(),
		IDs:        uuid.New(),
		Clock:      system.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	}, jobs.Config{}, zap.NewNop())
	require.NoError(t, err)
	return &apiFixture{server: NewServer(svc, opts, zap.NewNop()), store: store, registry: reg}
}

func (f *apiFixture) do(t *testing.T, method, path, owner string, body io.Reader, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if owner != "" {
		req.Header.Set("X-User-ID", owner)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSubmitJobReturnsCreated(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Options{})
	rec := f.do(t, http.MethodPost, "/v1/jobs", "u1",
		strings.NewReader(`{"source_kind":"webpage","source_locator":"https://food.example/soup"}`))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode[map[string]string](t, rec)
	require.NotEmpty(t, body["job_id"])
	require.Equal(t, "pending", body["status"])
	require.Equal(t, "/v1/jobs/"+body["job_id"], rec.Header().Get("Location"))
}

func TestSubmitJobIdempotentReplay(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Options{})
	payload := `{"source_kind":"video","source_locator":"https://videos.example/v/1"}`
	first := f.do(t, http.MethodPost, "/v1/jobs", "u1", strings.NewReader(payload), "Idempotency-Key", "k1")
	require.Equal(t, http.StatusCreated, first.Code)
	second := f.do(t, http.MethodPost, "/v1/jobs", "u1", strings.NewReader(payload), "Idempotency-Key", "k1")
	require.Equal(t, http.StatusOK, second.Code)

	created := decode[map[string]string](t, first)
	replayed := decode[jobView](t, second)
	require.Equal(t, created["job_id"], replayed.JobID)
	require.Equal(t, "video", replayed.SourceKind)
}

func TestSubmitJobImageLocators(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Options{})
	rec := f.do(t, http.MethodPost, "/v1/jobs", "u1", strings.NewReader(
		`{"source_kind":"image","source_locators":["blob://uploads/a.png","https://img.example/b.jpg"]}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	id := decode[map[string]string](t, rec)["job_id"]
	job, err := f.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, []string{"blob://uploads/a.png", "https://img.example/b.jpg"}, job.Locators())
}

func TestSubmitJobRejectsBadInput(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Options{})
	cases := map[string]string{
		"invalid json":  `{invalid`,
		"unknown field": `{"source_kind":"webpage","source_locator":"https://a.example","extra":1}`,
		"bad kind":      `{"source_kind":"podcast","source_locator":"https://a.example"}`,
		"bad locator":   `{"source_kind":"webpage","source_locator":"not a url"}`,
	}
	for name, body := range cases {
		rec := f.do(t, http.MethodPost, "/v1/jobs", "u1", strings.NewReader(body))
		require.Equal(t, http.StatusBadRequest, rec.Code, name)
		require.NotEmpty(t, decode[map[string]string](t, rec)["error"], name)
	}
}

func TestRequestsWithoutOwnerAreUnauthorized(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Options{})
	rec := f.do(t, http.MethodGet, "/v1/jobs", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCustomOwnerHeader(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Options{OwnerHeader: "X-Account"})
	rec := f.do(t, http.MethodGet, "/v1/jobs", "", nil, "X-Account", "acct-1")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetJobStatus(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Options{})
	rec := f.do(t, http.MethodPost, "/v1/jobs", "u1",
		strings.NewReader(`{"source_kind":"webpage","source_locator":"https://food.example/soup"}`))
	id := decode[map[string]string](t, rec)["job_id"]
	require.NoError(t, f.store.MarkFailed(context.Background(), id, importer.CodeDownloadFailed, "status 503", time.Now()))

	rec = f.do(t, http.MethodGet, "/v1/jobs/"+id, "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[jobView](t, rec)
	require.Equal(t, id, view.JobID)
	require.Equal(t, "failed", view.Status)
	require.Equal(t, "DOWNLOAD_FAILED", view.ErrorCode)
	require.Equal(t, "status 503", view.ErrorMessage)
	require.NotNil(t, view.CompletedAt)
	require.Empty(t, view.ResultRecipeID)

	rec = f.do(t, http.MethodGet, "/v1/jobs/"+id, "u2", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodGet, "/v1/jobs/missing", "u1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobs(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Options{})
	for _, u := range []string{"https://a.example/1", "https://a.example/2"} {
		rec := f.do(t, http.MethodPost, "/v1/jobs", "u1",
			strings.NewReader(`{"source_kind":"webpage","source_locator":"`+u+`"}`))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/v1/jobs?limit=1", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[map[string][]jobView](t, rec)["jobs"], 1)

	rec = f.do(t, http.MethodGet, "/v1/jobs", "u2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decode[map[string][]jobView](t, rec)["jobs"])

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/jobs?limit=abc", "u1", nil).Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/jobs?offset=-1", "u1", nil).Code)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Options{})
	rec := f.do(t, http.MethodPost, "/v1/jobs", "u1",
		strings.NewReader(`{"source_kind":"webpage","source_locator":"https://food.example/soup"}`))
	id := decode[map[string]string](t, rec)["job_id"]

	var cause error
	f.registry.Register(id, func(c error) { cause = c })

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/jobs/"+id+"/cancel", "u2", nil).Code)
	require.Nil(t, cause)

	rec = f.do(t, http.MethodPost, "/v1/jobs/"+id+"/cancel", "u1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.ErrorIs(t, cause, importer.ErrCancelRequested)

	job, err := f.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, importer.StatusCancelled, job.Status)
}

func TestUploadReturnsLocator(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Options{})
	rec := f.do(t, http.MethodPost, "/v1/uploads", "u1", bytes.NewReader(pngBytes))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.True(t, strings.HasPrefix(decode[map[string]string](t, rec)["locator"], "blob://uploads/"))

	rec = f.do(t, http.MethodPost, "/v1/uploads", "u1", strings.NewReader("plain text"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Options{APIKey: "secret"})
	require.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/v1/jobs", "u1", nil).Code)
	require.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/v1/jobs", "u1", nil, "X-API-Key", "wrong").Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/jobs", "u1", nil, "X-API-Key", "secret").Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", nil).Code)
}

func TestProbesAndMetrics(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Options{Readiness: map[string]ReadinessCheck{
		"store": func(context.Context) error { return nil },
	}})
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", nil).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", "", nil).Code)
	rec := f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	down := newAPIFixture(t, Options{Readiness: map[string]ReadinessCheck{
		"store": func(context.Context) error { return errors.New("connection refused") },
	}})
	rec = down.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Options{})
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	generated := rec.Header().Get(requestIDHeader)
	require.True(t, uuid.Valid(generated))

	incoming := uuid.NewRequestID()
	rec = f.do(t, http.MethodGet, "/healthz", "", nil, requestIDHeader, incoming)
	require.Equal(t, incoming, rec.Header().Get(requestIDHeader))

	rec = f.do(t, http.MethodGet, "/healthz", "", nil, requestIDHeader, "<script>")
	require.NotEqual(t, "<script>", rec.Header().Get(requestIDHeader))
}

type panickyService struct{ JobService }

func (panickyService) ListJobs(context.Context, string, int, int) ([]importer.Job, error) {
	panic("boom")
}

type brokenService struct{ JobService }

func (brokenService) GetStatus(context.Context, string, string) (importer.Job, error) {
	return importer.Job{}, errors.New("database is on fire")
}

func (brokenService) Submit(context.Context, jobs.SubmitRequest) (jobs.SubmitResult, error) {
	return jobs.SubmitResult{}, importer.ErrShutdown
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	srv := NewServer(panickyService{}, Options{}, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	srv = NewServer(brokenService{}, Options{}, zap.NewNop())
	req = httptest.NewRequest(http.MethodGet, "/v1/jobs/abc", nil)
	req.Header.Set("X-User-ID", "u1")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "on fire")

	req = httptest.NewRequest(http.MethodPost, "/v1/jobs",
		strings.NewReader(`{"source_kind":"webpage","source_locator":"https://a.example"}`))
	req.Header.Set("X-User-ID", "u1")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
