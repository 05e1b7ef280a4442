// Package headless renders JavaScript-heavy recipe pages with headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// ErrUnavailable is returned by renderers that cannot run a browser.
var ErrUnavailable = errors.New("headless rendering not configured")

// Config controls the headless renderer.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// Settle is how long to wait after the body is ready for client scripts.
	Settle time.Duration
}

// Page is a rendered document.
type Page struct {
	URL        string
	StatusCode int
	HTML       []byte
}

// Renderer drives a shared Chrome allocator; each Render gets its own tab.
type Renderer struct {
	cfg         Config
	slots       chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a Renderer backed by chromedp.
func NewChromedp(cfg Config) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 750 * time.Millisecond
	}
	var slots chan struct{}
	if cfg.MaxParallel > 0 {
		slots = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		slots:       slots,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Render navigates to url and returns the DOM after client scripts ran.
func (r *Renderer) Render(ctx context.Context, url string) (Page, error) {
	if err := r.acquire(ctx); err != nil {
		return Page{}, err
	}
	defer r.release()

	tabCtx, tabCancel := chromedp.NewContext(r.allocator)
	defer tabCancel()
	tabCtx, cancel := context.WithTimeout(tabCtx, r.cfg.NavigationTimeout)
	defer cancel()
	// tie the tab to the caller so a job cancel closes it promptly
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	status := &documentStatus{}
	chromedp.ListenTarget(tabCtx, status.observe)

	var html, finalURL string
	err := chromedp.Run(tabCtx,
		r.userAgentAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.cfg.Settle),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return Page{}, fmt.Errorf("headless render canceled: %w", context.Cause(ctx))
		}
		return Page{}, fmt.Errorf("chromedp run: %w", err)
	}
	code := status.get()
	if code == 0 {
		code = http.StatusOK
	}
	if finalURL == "" {
		finalURL = url
	}
	return Page{URL: finalURL, StatusCode: code, HTML: []byte(html)}, nil
}

func (r *Renderer) userAgentAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.slots == nil {
		return nil
	}
	select {
	case r.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.slots == nil {
		return
	}
	<-r.slots
}

// documentStatus records the HTTP status of the top-level document.
type documentStatus struct {
	mu   sync.Mutex
	code int
}

func (s *documentStatus) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	s.mu.Lock()
	s.code = int(resp.Response.Status)
	s.mu.Unlock()
}

func (s *documentStatus) get() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}
