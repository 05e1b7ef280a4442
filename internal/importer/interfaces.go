package importer

import (
	"context"
	"io"
	"time"
)

// JobStore persists job records. Implementations enforce the lifecycle:
// status rank never decreases, progress never decreases, and Mark* calls on a
// terminal job return ErrJobTerminal.
type JobStore interface {
	Create(ctx context.Context, job Job) error
	UpdateProgress(ctx context.Context, jobID string, update ProgressUpdate) error
	MarkCompleted(ctx context.Context, jobID, recipeID string, at time.Time) error
	MarkFailed(ctx context.Context, jobID string, code ErrorCode, message string, at time.Time) error
	MarkCancelled(ctx context.Context, jobID, message string, at time.Time) error
	GetByID(ctx context.Context, jobID string) (Job, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Job, error)
	FindByIdempotencyKey(ctx context.Context, ownerID, key string) (Job, error)
	ListStale(ctx context.Context, createdBefore time.Time, limit int) ([]Job, error)
}

// RecipeStore persists finished recipes.
type RecipeStore interface {
	CreateRecipe(ctx context.Context, recipe Recipe) (string, error)
	GetRecipe(ctx context.Context, recipeID string) (Recipe, error)
}

// Fetcher materializes a job's source into local content.
type Fetcher interface {
	Fetch(ctx context.Context, job Job) (*Content, error)
}

// Extractor turns fetched content into a draft recipe.
type Extractor interface {
	Extract(ctx context.Context, content *Content, report ProgressFunc) (Recipe, error)
}

// Refiner optionally improves a draft. Errors are non-fatal to the caller.
type Refiner interface {
	Refine(ctx context.Context, draft Recipe) (Recipe, error)
}

// BlobStore writes and reads binary artifacts such as uploads and thumbnails.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	OpenObject(ctx context.Context, path string) (io.ReadCloser, error)
}

// Publisher pushes job events to a message bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and recipe IDs.
type IDGenerator interface {
	NewID() (string, error)
}
