// Package fetcher routes a job to the Fetcher for its source kind.
package fetcher

import (
	"context"
	"fmt"

	"github.com/JakeFAU/recipe-importer/internal/importer"
)

// Pacer delays outbound requests per host.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Router implements importer.Fetcher by dispatching on Job.SourceKind.
type Router struct {
	byKind map[importer.SourceKind]importer.Fetcher
	pacer  Pacer
}

// NewRouter builds a Router. Video and webpage fetches wait on pacer first;
// image fetchers pace their own downloads.
func NewRouter(pacer Pacer, video, webpage, image importer.Fetcher) *Router {
	r := &Router{byKind: map[importer.SourceKind]importer.Fetcher{}, pacer: pacer}
	if video != nil {
		r.byKind[importer.SourceVideo] = video
	}
	if webpage != nil {
		r.byKind[importer.SourceWebpage] = webpage
	}
	if image != nil {
		r.byKind[importer.SourceImage] = image
	}
	return r
}

// Fetch implements importer.Fetcher.
func (r *Router) Fetch(ctx context.Context, job importer.Job) (*importer.Content, error) {
	f, ok := r.byKind[job.SourceKind]
	if !ok {
		return nil, fmt.Errorf("no fetcher for source kind %q", job.SourceKind)
	}
	if r.pacer != nil && job.SourceKind != importer.SourceImage {
		if err := r.pacer.Wait(ctx, job.SourceLocator); err != nil {
			return nil, err
		}
	}
	content, err := f.Fetch(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", job.SourceKind, err)
	}
	return content, nil
}
