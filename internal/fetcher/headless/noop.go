package headless

import "context"

// Noop is the Renderer used when no browser is available.
type Noop struct{}

// NewNoop creates a Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Render always fails with ErrUnavailable.
func (Noop) Render(_ context.Context, _ string) (Page, error) {
	return Page{}, ErrUnavailable
}
