// Package video fetches recipe video metadata, subtitles and thumbnails by
// driving the yt-dlp binary. Media streams are never downloaded.
package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-importer/internal/importer"
)

// Config controls the yt-dlp invocation.
type Config struct {
	Binary       string
	SubLanguages string
	TempRoot     string
	ExtraArgs    []string
}

// CommandRunner executes a binary and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Fetcher implements importer.Fetcher for video sources.
type Fetcher struct {
	cfg    Config
	run    CommandRunner
	logger *zap.Logger
}

// Metadata is the subset of yt-dlp's info JSON the extractor reads.
type Metadata struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Uploader    string   `json:"uploader"`
	Duration    float64  `json:"duration"`
	WebpageURL  string   `json:"webpage_url"`
	Tags        []string `json:"tags"`
}

// New builds a Fetcher. A nil runner executes the real binary.
func New(cfg Config, run CommandRunner, logger *zap.Logger) *Fetcher {
	if strings.TrimSpace(cfg.Binary) == "" {
		cfg.Binary = "yt-dlp"
	}
	if cfg.SubLanguages == "" {
		cfg.SubLanguages = "en.*,en"
	}
	if run == nil {
		run = execRunner
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, run: run, logger: logger}
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Fetch writes info JSON, subtitles and thumbnail for the job's video into a
// temp directory.
func (f *Fetcher) Fetch(ctx context.Context, job importer.Job) (*importer.Content, error) {
	target := strings.TrimSpace(job.SourceLocator)
	if target == "" {
		return nil, errors.New("video locator is empty")
	}
	dir, err := os.MkdirTemp(f.cfg.TempRoot, "recipe-video-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	content := &importer.Content{Kind: importer.SourceVideo, SourceURL: target, Dir: dir}

	args := []string{
		"--skip-download",
		"--no-playlist",
		"--no-progress",
		"--write-info-json",
		"--write-subs",
		"--write-auto-subs",
		"--sub-langs", f.cfg.SubLanguages,
		"--sub-format", "vtt/srt/best",
		"--write-thumbnail",
		"--convert-thumbnails", "jpg",
		"-o", filepath.Join(dir, "video.%(ext)s"),
	}
	args = append(args, f.cfg.ExtraArgs...)
	args = append(args, "--", target)

	output, err := f.run(ctx, f.cfg.Binary, args...)
	if err != nil {
		_ = content.Cleanup()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("yt-dlp canceled: %w", context.Cause(ctx))
		}
		return nil, fmt.Errorf("yt-dlp: %w: %s", err, lastLine(output))
	}

	if err := f.collect(content); err != nil {
		_ = content.Cleanup()
		return nil, err
	}
	f.logger.Debug("video metadata fetched",
		zap.String("job_id", job.ID),
		zap.Int("files", len(content.Files)),
		zap.Bool("thumbnail", content.ThumbnailPath != ""),
	)
	return content, nil
}

func (f *Fetcher) collect(content *importer.Content) error {
	entries, err := os.ReadDir(content.Dir)
	if err != nil {
		return fmt.Errorf("read yt-dlp output: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var haveInfo bool
	for _, name := range names {
		path := filepath.Join(content.Dir, name)
		switch {
		case strings.HasSuffix(name, ".info.json"):
			meta, err := ReadMetadata(path)
			if err != nil {
				return err
			}
			haveInfo = true
			content.Title = meta.Title
			if meta.WebpageURL != "" {
				content.SourceURL = meta.WebpageURL
			}
			content.Files = append(content.Files, importer.ContentFile{Path: path, MIMEType: "application/json"})
		case strings.HasSuffix(name, ".vtt"):
			content.Files = append(content.Files, importer.ContentFile{Path: path, MIMEType: "text/vtt"})
		case strings.HasSuffix(name, ".srt"):
			content.Files = append(content.Files, importer.ContentFile{Path: path, MIMEType: "application/x-subrip"})
		default:
			mt, err := mimetype.DetectFile(path)
			if err == nil && strings.HasPrefix(mt.String(), "image/") {
				content.ThumbnailPath = path
				content.Files = append(content.Files, importer.ContentFile{Path: path, MIMEType: mt.String()})
			}
		}
	}
	if !haveInfo {
		return errors.New("yt-dlp produced no metadata")
	}
	return nil
}

// ReadMetadata decodes a yt-dlp info JSON file.
func ReadMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("read video metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse video metadata: %w", err)
	}
	return meta, nil
}

func lastLine(output []byte) string {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
