// Package image gathers the photos of an image-sourced job from http(s) URLs
// or previously uploaded blobs.
package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/JakeFAU/recipe-importer/internal/importer"
)

// BlobScheme prefixes locators that reference uploaded bytes.
const BlobScheme = "blob://"

// MaxImages caps how many images a single job may reference.
const MaxImages = 10

// Pacer delays outbound requests per host.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls image retrieval.
type Config struct {
	MaxBytes int64
	Timeout  time.Duration
	TempRoot string
}

// Fetcher implements importer.Fetcher for image sources.
type Fetcher struct {
	cfg    Config
	blobs  importer.BlobStore
	client *http.Client
	pacer  Pacer
}

// New builds a Fetcher. blobs may be nil when uploads are disabled.
func New(cfg Config, blobs importer.BlobStore, pacer Pacer, client *http.Client) *Fetcher {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 15 << 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Fetcher{cfg: cfg, blobs: blobs, client: client, pacer: pacer}
}

// Fetch copies every referenced image into a temp directory.
func (f *Fetcher) Fetch(ctx context.Context, job importer.Job) (*importer.Content, error) {
	locators := job.Locators()
	if len(locators) == 0 {
		return nil, errors.New("no image locators")
	}
	if len(locators) > MaxImages {
		return nil, fmt.Errorf("too many images: %d > %d", len(locators), MaxImages)
	}
	dir, err := os.MkdirTemp(f.cfg.TempRoot, "recipe-images-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	content := &importer.Content{Kind: importer.SourceImage, SourceURL: locators[0], Dir: dir}

	for i, loc := range locators {
		file, err := f.fetchOne(ctx, dir, i+1, loc)
		if err != nil {
			_ = content.Cleanup()
			return nil, fmt.Errorf("image %d: %w", i+1, err)
		}
		content.Files = append(content.Files, file)
	}
	return content, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, dir string, n int, loc string) (importer.ContentFile, error) {
	body, err := f.open(ctx, loc)
	if err != nil {
		return importer.ContentFile{}, err
	}
	defer func() { _ = body.Close() }()

	path := filepath.Join(dir, fmt.Sprintf("image_%02d", n))
	out, err := os.Create(path)
	if err != nil {
		return importer.ContentFile{}, fmt.Errorf("create image file: %w", err)
	}
	written, copyErr := io.Copy(out, io.LimitReader(body, f.cfg.MaxBytes+1))
	closeErr := out.Close()
	if copyErr != nil {
		if ctx.Err() != nil {
			return importer.ContentFile{}, fmt.Errorf("download canceled: %w", context.Cause(ctx))
		}
		return importer.ContentFile{}, fmt.Errorf("copy image: %w", copyErr)
	}
	if closeErr != nil {
		return importer.ContentFile{}, fmt.Errorf("close image file: %w", closeErr)
	}
	if written > f.cfg.MaxBytes {
		return importer.ContentFile{}, fmt.Errorf("image exceeds %d bytes", f.cfg.MaxBytes)
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return importer.ContentFile{}, fmt.Errorf("detect image type: %w", err)
	}
	if !strings.HasPrefix(mt.String(), "image/") {
		return importer.ContentFile{}, fmt.Errorf("unsupported content type %s", mt.String())
	}
	final := path + mt.Extension()
	if err := os.Rename(path, final); err != nil {
		return importer.ContentFile{}, fmt.Errorf("rename image: %w", err)
	}
	return importer.ContentFile{Path: final, MIMEType: mt.String(), SourceURL: loc}, nil
}

func (f *Fetcher) open(ctx context.Context, loc string) (io.ReadCloser, error) {
	if key, ok := strings.CutPrefix(loc, BlobScheme); ok {
		if f.blobs == nil {
			return nil, errors.New("uploads are not configured")
		}
		rc, err := f.blobs.OpenObject(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("open upload: %w", err)
		}
		return rc, nil
	}
	if f.pacer != nil {
		if err := f.pacer.Wait(ctx, loc); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("download canceled: %w", context.Cause(ctx))
		}
		return nil, fmt.Errorf("download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
