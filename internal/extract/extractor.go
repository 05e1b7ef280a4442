// Package extract turns fetched content into draft recipes, preferring
// structured page data and falling back to a language model.
package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-importer/internal/fetcher/video"
	"github.com/JakeFAU/recipe-importer/internal/importer"
	"github.com/JakeFAU/recipe-importer/internal/llm"
)

// maxPromptChars bounds the text sent to the model.
const maxPromptChars = 24000

// Completer is the model surface the extractor needs.
type Completer interface {
	Configured() bool
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	CompleteJSONWithImages(ctx context.Context, systemPrompt, userPrompt string, imageURLs []string) (string, error)
}

// Extractor implements importer.Extractor.
type Extractor struct {
	model  Completer
	logger *zap.Logger
}

// New builds an Extractor. model may be nil, in which case only webpages with
// structured recipe data can be extracted.
func New(model Completer, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{model: model, logger: logger}
}

// Extract dispatches on the content kind.
func (e *Extractor) Extract(ctx context.Context, content *importer.Content, report importer.ProgressFunc) (importer.Recipe, error) {
	if content == nil {
		return importer.Recipe{}, errors.New("no content to extract")
	}
	if report == nil {
		report = func(importer.ExtractProgress) {}
	}
	var (
		recipe importer.Recipe
		err    error
	)
	switch content.Kind {
	case importer.SourceWebpage:
		recipe, err = e.webpage(ctx, content, report)
	case importer.SourceVideo:
		recipe, err = e.video(ctx, content, report)
	case importer.SourceImage:
		recipe, err = e.images(ctx, content, report)
	default:
		err = fmt.Errorf("unsupported content kind %q", content.Kind)
	}
	if err != nil {
		return importer.Recipe{}, err
	}
	if recipe.SourceURL == "" {
		recipe.SourceURL = content.SourceURL
	}
	recipe.SourceKind = content.Kind
	if err := recipe.Validate(); err != nil {
		return importer.Recipe{}, fmt.Errorf("no recipe found: %w", err)
	}
	report(importer.ExtractProgress{Phase: importer.StatusExtracting, Percent: 100, Message: "recipe extracted"})
	return recipe, nil
}

func (e *Extractor) webpage(ctx context.Context, content *importer.Content, report importer.ProgressFunc) (importer.Recipe, error) {
	report(importer.ExtractProgress{Phase: importer.StatusProcessing, Percent: 10, Message: "reading page"})
	files := content.FilesOfType("text/html")
	if len(files) == 0 {
		return importer.Recipe{}, errors.New("page content missing")
	}
	raw, err := os.ReadFile(files[0].Path)
	if err != nil {
		return importer.Recipe{}, fmt.Errorf("read page: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return importer.Recipe{}, fmt.Errorf("parse page: %w", err)
	}
	if recipe, ok := FromJSONLD(doc); ok {
		e.logger.Debug("recipe taken from structured data", zap.String("url", content.SourceURL))
		return recipe, nil
	}

	text := PageText(doc)
	if text == "" {
		return importer.Recipe{}, errors.New("page has no readable text")
	}
	report(importer.ExtractProgress{Phase: importer.StatusExtracting, Percent: 30, Message: "reading recipe text"})
	return e.ask(ctx, fmt.Sprintf(webpagePrompt, content.Title, content.SourceURL, truncate(text)))
}

func (e *Extractor) video(ctx context.Context, content *importer.Content, report importer.ProgressFunc) (importer.Recipe, error) {
	report(importer.ExtractProgress{Phase: importer.StatusProcessing, Percent: 10, Message: "reading video details"})
	infos := content.FilesOfType("application/json")
	if len(infos) == 0 {
		return importer.Recipe{}, errors.New("video metadata missing")
	}
	meta, err := video.ReadMetadata(infos[0].Path)
	if err != nil {
		return importer.Recipe{}, err
	}
	var transcript string
	if subs := content.FilesOfType("text/vtt"); len(subs) > 0 {
		transcript, err = SubtitleText(subs[0].Path)
		if err != nil {
			e.logger.Warn("subtitles unreadable", zap.Error(err))
		}
	} else if subs := content.FilesOfType("application/x-subrip"); len(subs) > 0 {
		transcript, err = SubtitleText(subs[0].Path)
		if err != nil {
			e.logger.Warn("subtitles unreadable", zap.Error(err))
		}
	}
	if strings.TrimSpace(meta.Description) == "" && transcript == "" {
		return importer.Recipe{}, errors.New("video has neither description nor transcript")
	}
	report(importer.ExtractProgress{Phase: importer.StatusExtracting, Percent: 30, Message: "reading transcript"})
	recipe, err := e.ask(ctx, fmt.Sprintf(videoPrompt, meta.Title, content.SourceURL, meta.Description, truncate(transcript)))
	if err != nil {
		return importer.Recipe{}, err
	}
	if recipe.Title == "" {
		recipe.Title = meta.Title
	}
	return recipe, nil
}

func (e *Extractor) images(ctx context.Context, content *importer.Content, report importer.ProgressFunc) (importer.Recipe, error) {
	files := content.FilesOfType("image/")
	if len(files) == 0 {
		return importer.Recipe{}, errors.New("no images to read")
	}
	urls := make([]string, 0, len(files))
	for i, f := range files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return importer.Recipe{}, fmt.Errorf("read image: %w", err)
		}
		urls = append(urls, "data:"+f.MIMEType+";base64,"+base64.StdEncoding.EncodeToString(data))
		report(importer.ExtractProgress{
			Phase:   importer.StatusProcessing,
			Percent: 20 * (i + 1) / len(files),
			Message: fmt.Sprintf("prepared image %d of %d", i+1, len(files)),
		})
	}
	if e.model == nil || !e.model.Configured() {
		return importer.Recipe{}, llm.ErrNotConfigured
	}
	report(importer.ExtractProgress{Phase: importer.StatusExtracting, Percent: 30, Message: "reading images"})
	out, err := e.model.CompleteJSONWithImages(ctx, systemPrompt, fmt.Sprintf(imagePrompt, len(urls)), urls)
	if err != nil {
		return importer.Recipe{}, fmt.Errorf("model extraction: %w", err)
	}
	return DecodeDraft(out)
}

func (e *Extractor) ask(ctx context.Context, prompt string) (importer.Recipe, error) {
	if e.model == nil || !e.model.Configured() {
		return importer.Recipe{}, fmt.Errorf("no structured recipe data: %w", llm.ErrNotConfigured)
	}
	out, err := e.model.CompleteJSON(ctx, systemPrompt, prompt)
	if err != nil {
		return importer.Recipe{}, fmt.Errorf("model extraction: %w", err)
	}
	return DecodeDraft(out)
}

func truncate(s string) string {
	if r := []rune(s); len(r) > maxPromptChars {
		return string(r[:maxPromptChars])
	}
	return s
}
