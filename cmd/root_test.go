package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recipe-importer/internal/importer"
	"github.com/JakeFAU/recipe-importer/internal/storage/sqlite"
	"github.com/JakeFAU/recipe-importer/internal/storage/storetest"
)

func writeConfig(t *testing.T, dbPath string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "logging:\n  development: false\n  level: error\n" +
		"pipeline:\n  job_timeout: 1m\n" +
		"reaper:\n  grace: 1m\n" +
		"storage:\n  backend: sqlite\n  sqlite:\n    path: " + dbPath + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func seed(t *testing.T, dbPath string, jobs ...importer.Job) {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, dbPath)
	require.NoError(t, err)
	for _, job := range jobs {
		require.NoError(t, store.Create(ctx, job))
	}
	require.NoError(t, store.Close())
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--env-file", ""))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestReapCommandFailsStaleJobs(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "recipes.db")
	now := time.Now().UTC()
	seed(t, dbPath,
		storetest.NewJob("stale-job", "u1", "", now.Add(-time.Hour)),
		storetest.NewJob("fresh-job", "u1", "", now),
	)

	out, err := execute(t, "reap", "--config", writeConfig(t, dbPath))
	require.NoError(t, err)
	assert.Contains(t, out, "stale-job")
	assert.NotContains(t, out, "fresh-job")
	assert.Contains(t, out, "1 job(s) reaped")

	store, err := sqlite.Open(context.Background(), dbPath)
	require.NoError(t, err)
	defer store.Close()
	stale, err := store.GetByID(context.Background(), "stale-job")
	require.NoError(t, err)
	assert.Equal(t, importer.StatusFailed, stale.Status)
	assert.Equal(t, importer.CodeTimeout, stale.ErrorCode)
	fresh, err := store.GetByID(context.Background(), "fresh-job")
	require.NoError(t, err)
	assert.Equal(t, importer.StatusPending, fresh.Status)
}

func TestJobsCommandListsOwnerJobs(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "recipes.db")
	now := time.Now().UTC()
	seed(t, dbPath,
		storetest.NewJob("mine", "u1", "", now),
		storetest.NewJob("theirs", "u2", "", now),
	)

	out, err := execute(t, "jobs", "--owner", "u1", "--config", writeConfig(t, dbPath))
	require.NoError(t, err)
	assert.Contains(t, out, "mine")
	assert.NotContains(t, out, "theirs")
	assert.Contains(t, out, "pending")
}

func TestJobsCommandRequiresOwner(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "recipes.db")
	_, err := execute(t, "jobs", "--config", writeConfig(t, dbPath))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--owner")
}

func TestRootRejectsMissingConfigFile(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "jobs", "--owner", "u1", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestRenderJobsShowsFailureDetail(t *testing.T) {
	t.Parallel()

	job := storetest.NewJob("job-9", "u1", "", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	job.Status = importer.StatusFailed
	job.ErrorCode = importer.CodeDownloadFailed
	job.ErrorMessage = "404"

	var out bytes.Buffer
	renderJobs(&out, []importer.Job{job})
	assert.Contains(t, out.String(), "DOWNLOAD_FAILED: 404")
	assert.Contains(t, out.String(), "2026-03-01T12:00:00Z")
}
