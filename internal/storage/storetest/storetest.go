// Package storetest holds behavioural checks shared by every JobStore and
// RecipeStore backend.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recipe-importer/internal/importer"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewJob returns a pending job fixture.
func NewJob(id, owner, key string, createdAt time.Time) importer.Job {
	return importer.Job{
		ID:             id,
		OwnerID:        owner,
		SourceKind:     importer.SourceWebpage,
		SourceLocator:  "https://example.com/" + id,
		IdempotencyKey: key,
		Status:         importer.StatusPending,
		StatusMessage:  "queued",
		CreatedAt:      createdAt,
	}
}

// RunJobStore exercises the JobStore lifecycle rules against a fresh store
// produced by factory for every subtest.
func RunJobStore(t *testing.T, factory func(t *testing.T) importer.JobStore) {
	t.Helper()

	t.Run("CreateAndGet", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		job := NewJob("job-1", "u1", "", base)
		require.NoError(t, store.Create(ctx, job))

		got, err := store.GetByID(ctx, "job-1")
		require.NoError(t, err)
		require.Equal(t, importer.StatusPending, got.Status)
		require.Equal(t, "u1", got.OwnerID)
		require.Nil(t, got.StartedAt)
		require.True(t, got.CreatedAt.Equal(base))

		_, err = store.GetByID(ctx, "missing")
		require.ErrorIs(t, err, importer.ErrNotFound)
	})

	t.Run("ProgressIsMonotonic", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, NewJob("job-1", "u1", "", base)))

		at := base.Add(time.Second)
		require.NoError(t, store.UpdateProgress(ctx, "job-1", importer.ProgressUpdate{
			Status: importer.StatusDownloading, Percent: 10, Message: "downloading", At: at,
		}))
		require.NoError(t, store.UpdateProgress(ctx, "job-1", importer.ProgressUpdate{
			Status: importer.StatusExtracting, Percent: 40, Message: "extracting", At: at.Add(time.Second),
		}))
		require.NoError(t, store.UpdateProgress(ctx, "job-1", importer.ProgressUpdate{
			Status: importer.StatusDownloading, Percent: 20, Message: "late", At: at.Add(2 * time.Second),
		}))

		got, err := store.GetByID(ctx, "job-1")
		require.NoError(t, err)
		require.Equal(t, importer.StatusExtracting, got.Status)
		require.Equal(t, 40, got.ProgressPercent)
		require.NotNil(t, got.StartedAt)
		require.True(t, got.StartedAt.Equal(at))
	})

	t.Run("TerminalIsFinal", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, NewJob("job-1", "u1", "", base)))

		done := base.Add(time.Minute)
		require.NoError(t, store.MarkCompleted(ctx, "job-1", "recipe-1", done))
		require.ErrorIs(t, store.MarkFailed(ctx, "job-1", importer.CodeTimeout, "late", done), importer.ErrJobTerminal)
		require.ErrorIs(t, store.MarkCancelled(ctx, "job-1", "late", done), importer.ErrJobTerminal)
		require.ErrorIs(t, store.UpdateProgress(ctx, "job-1", importer.ProgressUpdate{
			Status: importer.StatusExtracting, Percent: 50, At: done,
		}), importer.ErrJobTerminal)

		got, err := store.GetByID(ctx, "job-1")
		require.NoError(t, err)
		require.Equal(t, importer.StatusCompleted, got.Status)
		require.Equal(t, 100, got.ProgressPercent)
		require.Equal(t, "recipe-1", got.ResultRecipeID)
		require.Empty(t, got.ErrorCode)
		require.NotNil(t, got.CompletedAt)
	})

	t.Run("FailedAndCancelledCarryCodes", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, NewJob("job-f", "u1", "", base)))
		require.NoError(t, store.Create(ctx, NewJob("job-c", "u1", "", base)))

		require.NoError(t, store.MarkFailed(ctx, "job-f", importer.CodeDownloadFailed, "404", base))
		require.NoError(t, store.MarkCancelled(ctx, "job-c", "user asked", base))

		failed, err := store.GetByID(ctx, "job-f")
		require.NoError(t, err)
		require.Equal(t, importer.StatusFailed, failed.Status)
		require.Equal(t, importer.CodeDownloadFailed, failed.ErrorCode)
		require.Equal(t, "404", failed.ErrorMessage)
		require.Empty(t, failed.ResultRecipeID)

		cancelled, err := store.GetByID(ctx, "job-c")
		require.NoError(t, err)
		require.Equal(t, importer.StatusCancelled, cancelled.Status)
		require.Equal(t, importer.CodeCancelled, cancelled.ErrorCode)

		require.ErrorIs(t, store.MarkFailed(ctx, "missing", importer.CodeTimeout, "", base), importer.ErrNotFound)
	})

	t.Run("IdempotencyKeyUniqueness", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, NewJob("job-1", "u1", "k1", base)))
		require.ErrorIs(t, store.Create(ctx, NewJob("job-2", "u1", "k1", base)), importer.ErrDuplicateIdempotencyKey)
		require.NoError(t, store.Create(ctx, NewJob("job-3", "u2", "k1", base)))
		require.NoError(t, store.Create(ctx, NewJob("job-4", "u1", "", base)))
		require.NoError(t, store.Create(ctx, NewJob("job-5", "u1", "", base)))

		found, err := store.FindByIdempotencyKey(ctx, "u1", "k1")
		require.NoError(t, err)
		require.Equal(t, "job-1", found.ID)

		require.NoError(t, store.MarkFailed(ctx, "job-1", importer.CodeDownloadFailed, "boom", base))
		_, err = store.FindByIdempotencyKey(ctx, "u1", "k1")
		require.ErrorIs(t, err, importer.ErrNotFound)
		require.NoError(t, store.Create(ctx, NewJob("job-6", "u1", "k1", base.Add(time.Minute))))

		found, err = store.FindByIdempotencyKey(ctx, "u1", "k1")
		require.NoError(t, err)
		require.Equal(t, "job-6", found.ID)
	})

	t.Run("ListByOwnerNewestFirst", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, store.Create(ctx, NewJob(fmt.Sprintf("job-%d", i), "u1", "", base.Add(time.Duration(i)*time.Minute))))
		}
		require.NoError(t, store.Create(ctx, NewJob("other", "u2", "", base)))

		jobs, err := store.ListByOwner(ctx, "u1", 2, 0)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		require.Equal(t, "job-4", jobs[0].ID)
		require.Equal(t, "job-3", jobs[1].ID)

		jobs, err = store.ListByOwner(ctx, "u1", 10, 3)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		require.Equal(t, "job-1", jobs[0].ID)

		jobs, err = store.ListByOwner(ctx, "nobody", 10, 0)
		require.NoError(t, err)
		require.Empty(t, jobs)
	})

	t.Run("ListStale", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, NewJob("old", "u1", "", base)))
		require.NoError(t, store.Create(ctx, NewJob("old-done", "u1", "", base)))
		require.NoError(t, store.Create(ctx, NewJob("fresh", "u1", "", base.Add(time.Hour))))
		require.NoError(t, store.MarkCompleted(ctx, "old-done", "r", base))

		stale, err := store.ListStale(ctx, base.Add(30*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		require.Equal(t, "old", stale[0].ID)
	})
}

// RunRecipeStore checks that recipes round-trip with their children.
func RunRecipeStore(t *testing.T, store importer.RecipeStore) {
	t.Helper()
	ctx := context.Background()

	recipe := importer.Recipe{
		ID:          "recipe-1",
		OwnerID:     "u1",
		JobID:       "job-1",
		Title:       "Leek soup",
		Description: "Warm",
		SourceKind:  importer.SourceWebpage,
		SourceURL:   "https://example.com/soup",
		Servings:    "4",
		PrepMinutes: 10,
		CookMinutes: 30,
		Ingredients: []importer.Ingredient{
			{Name: "leek", Quantity: "2"},
			{Name: "stock", Quantity: "1", Unit: "l", Note: "hot"},
		},
		Steps: []importer.Step{
			{Position: 1, Text: "Chop."},
			{Position: 2, Text: "Simmer."},
		},
		Tags:      []string{"soup", "vegetarian"},
		CreatedAt: base,
	}
	id, err := store.CreateRecipe(ctx, recipe)
	require.NoError(t, err)
	require.Equal(t, "recipe-1", id)

	got, err := store.GetRecipe(ctx, id)
	require.NoError(t, err)
	require.Equal(t, recipe.Title, got.Title)
	require.Equal(t, recipe.Ingredients, got.Ingredients)
	require.Equal(t, recipe.Steps, got.Steps)
	require.Equal(t, recipe.Tags, got.Tags)
	require.Equal(t, "u1", got.OwnerID)

	_, err = store.GetRecipe(ctx, "missing")
	require.ErrorIs(t, err, importer.ErrNotFound)
}
