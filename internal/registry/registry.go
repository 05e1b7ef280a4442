// Package registry tracks cancellation handles for jobs running in this
// process.
package registry

import (
	"context"
	"sync"

	"github.com/JakeFAU/recipe-importer/internal/importer"
)

// Registry maps job IDs to the cancel function of their running context. It
// is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	handles map[string]context.CancelCauseFunc
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{handles: make(map[string]context.CancelCauseFunc)}
}

// Register stores the handle for jobID, replacing any previous one.
func (r *Registry) Register(jobID string, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[jobID] = cancel
}

// Cancel signals the job's context with importer.ErrCancelRequested. It
// returns false when no handle is registered. The handle stays registered
// until the runner removes it.
func (r *Registry) Cancel(jobID string) bool {
	r.mu.Lock()
	cancel, ok := r.handles[jobID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancel(importer.ErrCancelRequested)
	return true
}

// CancelAll signals every registered job with cause and returns how many
// handles were signalled.
func (r *Registry) CancelAll(cause error) int {
	r.mu.Lock()
	handles := make([]context.CancelCauseFunc, 0, len(r.handles))
	for _, cancel := range r.handles {
		handles = append(handles, cancel)
	}
	r.mu.Unlock()
	for _, cancel := range handles {
		cancel(cause)
	}
	return len(handles)
}

// Remove drops the handle for jobID. Removing an unknown job is a no-op.
func (r *Registry) Remove(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, jobID)
}

// Has reports whether jobID is currently registered.
func (r *Registry) Has(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[jobID]
	return ok
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
