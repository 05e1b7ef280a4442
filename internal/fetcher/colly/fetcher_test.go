package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recipe-importer/internal/fetcher/headless"
	"github.com/JakeFAU/recipe-importer/internal/importer"
)

const soupPage = `<html><head><title>Leek Soup</title></head><body><p>Chop leeks.</p></body></html>`

type fakeRenderer struct {
	page  headless.Page
	err   error
	calls int
}

func (r *fakeRenderer) Render(_ context.Context, url string) (headless.Page, error) {
	r.calls++
	if r.err != nil {
		return headless.Page{}, r.err
	}
	p := r.page
	p.URL = url
	return p, nil
}

type fixedDetector bool

func (d fixedDetector) ShouldPromote([]byte) bool { return bool(d) }

func webJob(url string) importer.Job {
	return importer.Job{ID: "job-1", SourceKind: importer.SourceWebpage, SourceLocator: url}
}

func TestFetchWritesPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprint(w, soupPage)
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second, TempRoot: t.TempDir()}, nil)
	for i := 0; i < 2; i++ {
		content, err := f.Fetch(context.Background(), webJob(srv.URL+"/soup"))
		require.NoError(t, err)
		require.Equal(t, "Leek Soup", content.Title)
		require.Len(t, content.Files, 1)
		data, err := os.ReadFile(content.Files[0].Path)
		require.NoError(t, err)
		require.Equal(t, soupPage, string(data))

		dir := content.Dir
		require.NoError(t, content.Cleanup())
		_, err = os.Stat(dir)
		require.True(t, os.IsNotExist(err))
	}
}

func TestFetchHTTPErrorLeavesNoTempDir(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	root := t.TempDir()
	f := New(Config{Timeout: time.Second, TempRoot: root}, nil)
	_, err := f.Fetch(context.Background(), webJob(srv.URL))
	require.Error(t, err)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFetchHonoursCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = fmt.Fprint(w, soupPage)
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel(importer.ErrCancelRequested)
	}()

	f := New(Config{Timeout: 5 * time.Second, TempRoot: t.TempDir()}, nil)
	_, err := f.Fetch(ctx, webJob(srv.URL))
	require.ErrorIs(t, err, importer.ErrCancelRequested)
}

func TestFetchPromotesToHeadless(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `<html><body><div id="root"></div></body></html>`)
	}))
	defer srv.Close()

	renderer := &fakeRenderer{page: headless.Page{StatusCode: 200, HTML: []byte(soupPage)}}
	f := New(Config{Timeout: time.Second, TempRoot: t.TempDir()}, nil, WithHeadless(renderer, fixedDetector(true)))
	content, err := f.Fetch(context.Background(), webJob(srv.URL))
	require.NoError(t, err)
	defer func() { _ = content.Cleanup() }()
	require.Equal(t, 1, renderer.calls)
	require.Equal(t, "Leek Soup", content.Title)
}

func TestFetchKeepsStaticPageWhenRenderFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, soupPage)
	}))
	defer srv.Close()

	renderer := &fakeRenderer{err: errors.New("chrome missing")}
	f := New(Config{Timeout: time.Second, TempRoot: t.TempDir()}, nil, WithHeadless(renderer, fixedDetector(true)))
	content, err := f.Fetch(context.Background(), webJob(srv.URL))
	require.NoError(t, err)
	defer func() { _ = content.Cleanup() }()
	require.Equal(t, "Leek Soup", content.Title)
}

func TestFetchRejectsEmptyLocator(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil).Fetch(context.Background(), webJob("  "))
	require.Error(t, err)
}

func TestPageTitlePrefersOpenGraph(t *testing.T) {
	t.Parallel()

	body := `<html><head><title>Site | Soup</title><meta property="og:title" content="Soup"></head></html>`
	require.Equal(t, "Soup", pageTitle([]byte(body)))
}
