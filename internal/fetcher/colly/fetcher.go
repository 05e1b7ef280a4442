// Package collyfetcher downloads recipe webpages with gocolly, promoting
// script-rendered pages to a headless browser when one is configured.
package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-importer/internal/fetcher/headless"
	"github.com/JakeFAU/recipe-importer/internal/importer"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int
	// TempRoot is where per-job directories are created; empty means os.TempDir.
	TempRoot string
}

// Renderer re-fetches a page through a browser.
type Renderer interface {
	Render(ctx context.Context, url string) (headless.Page, error)
}

// Detector decides whether a static page needs rendering.
type Detector interface {
	ShouldPromote(body []byte) bool
}

// Option customizes the Fetcher.
type Option func(*Fetcher)

// WithHeadless enables browser promotion for pages the detector flags.
func WithHeadless(r Renderer, d Detector) Option {
	return func(f *Fetcher) {
		f.renderer = r
		f.detector = d
	}
}

// Fetcher implements importer.Fetcher for webpage sources.
type Fetcher struct {
	cfg           Config
	logger        *zap.Logger
	baseCollector *colly.Collector
	robots        *robotsTransport
	renderer      Renderer
	detector      Detector
}

type page struct {
	url    string
	status int
	body   []byte
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	robots := &robotsTransport{base: newHTTPTransport()}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(robots)

	f := &Fetcher{
		cfg:           cfg,
		logger:        logger,
		baseCollector: c,
		robots:        robots,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads the job's page into a fresh temp directory.
func (f *Fetcher) Fetch(ctx context.Context, job importer.Job) (*importer.Content, error) {
	target := strings.TrimSpace(job.SourceLocator)
	if target == "" {
		return nil, errors.New("webpage locator is empty")
	}
	logger := f.logger.With(zap.String("job_id", job.ID), zap.String("url", target))

	pg, err := f.visit(ctx, target)
	if err != nil {
		return nil, err
	}
	if f.renderer != nil && f.detector != nil && f.detector.ShouldPromote(pg.body) {
		rendered, renderErr := f.renderer.Render(ctx, pg.url)
		switch {
		case renderErr == nil:
			logger.Debug("page promoted to headless render")
			pg = page{url: rendered.URL, status: rendered.StatusCode, body: rendered.HTML}
		case ctx.Err() != nil:
			return nil, fmt.Errorf("headless render: %w", renderErr)
		default:
			logger.Warn("headless render failed; keeping static page", zap.Error(renderErr))
		}
	}

	dir, err := os.MkdirTemp(f.cfg.TempRoot, "recipe-page-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	content := &importer.Content{
		Kind:      importer.SourceWebpage,
		SourceURL: pg.url,
		Title:     pageTitle(pg.body),
		Dir:       dir,
	}
	path := filepath.Join(dir, "page.html")
	if err := os.WriteFile(path, pg.body, 0o600); err != nil {
		_ = content.Cleanup()
		return nil, fmt.Errorf("write page: %w", err)
	}
	content.Files = []importer.ContentFile{{Path: path, MIMEType: "text/html", SourceURL: pg.url}}
	return content, nil
}

func (f *Fetcher) visit(ctx context.Context, target string) (page, error) {
	var (
		result   page
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.MaxBodySize = f.cfg.MaxBodyBytes
	collector.SetRequestTimeout(f.cfg.Timeout)
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.WithTransport(f.robots)

	collector.OnResponse(func(r *colly.Response) {
		result = page{
			url:    r.Request.URL.String(),
			status: r.StatusCode,
			body:   append([]byte(nil), r.Body...),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		fetchErr = err
	})

	if err := runCollector(ctx, collector, target, &fetchErr); err != nil {
		return page{}, err
	}
	if len(result.body) == 0 {
		return page{}, errors.New("webpage returned an empty body")
	}
	return result, nil
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", context.Cause(ctx))
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func pageTitle(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && strings.TrimSpace(og) != "" {
		return strings.TrimSpace(og)
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
