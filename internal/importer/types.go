package importer

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Status enumerates job lifecycle states.
type Status string

// Supported job statuses.
const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusProcessing  Status = "processing"
	StatusExtracting  Status = "extracting"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// SourceKind identifies what a job imports from.
type SourceKind string

// Supported source kinds.
const (
	SourceVideo   SourceKind = "video"
	SourceWebpage SourceKind = "webpage"
	SourceImage   SourceKind = "image"
)

// ErrorCode classifies a terminal failure.
type ErrorCode string

// Terminal error codes recorded on failed or cancelled jobs.
const (
	CodeDownloadFailed   ErrorCode = "DOWNLOAD_FAILED"
	CodeExtractionFailed ErrorCode = "EXTRACTION_FAILED"
	CodeSaveFailed       ErrorCode = "SAVE_FAILED"
	CodeCancelled        ErrorCode = "CANCELLED"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// ParseSourceKind validates a user supplied source kind.
func ParseSourceKind(raw string) (SourceKind, error) {
	switch kind := SourceKind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case SourceVideo, SourceWebpage, SourceImage:
		return kind, nil
	default:
		return "", &ValidationError{Field: "source_kind", Reason: fmt.Sprintf("unsupported value %q", raw)}
	}
}

// Job is the unit of work tracked by the Job Store.
type Job struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	SourceKind      SourceKind `json:"source_kind"`
	SourceLocator   string     `json:"source_locator"`
	IdempotencyKey  string     `json:"idempotency_key,omitempty"`
	Status          Status     `json:"status"`
	ProgressPercent int        `json:"progress_percent"`
	StatusMessage   string     `json:"status_message,omitempty"`
	ResultRecipeID  string     `json:"result_recipe_id,omitempty"`
	ErrorCode       ErrorCode  `json:"error_code,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Locators splits the source locator into its individual references. Image
// jobs may carry several whitespace separated references.
func (j Job) Locators() []string {
	return strings.Fields(j.SourceLocator)
}

// ProgressUpdate is a non-terminal status transition.
type ProgressUpdate struct {
	Status  Status
	Percent int
	Message string
	At      time.Time
}

// Ingredient is a single recipe ingredient line.
type Ingredient struct {
	Name     string `json:"name"`
	Quantity string `json:"quantity,omitempty"`
	Unit     string `json:"unit,omitempty"`
	Note     string `json:"note,omitempty"`
}

// Step is a single ordered instruction.
type Step struct {
	Position int    `json:"position"`
	Text     string `json:"text"`
}

// Recipe is both the draft produced by extraction and the persisted record.
type Recipe struct {
	ID          string       `json:"id,omitempty"`
	OwnerID     string       `json:"owner_id,omitempty"`
	JobID       string       `json:"job_id,omitempty"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	SourceKind  SourceKind   `json:"source_kind,omitempty"`
	SourceURL   string       `json:"source_url,omitempty"`
	Servings    string       `json:"servings,omitempty"`
	PrepMinutes int          `json:"prep_minutes,omitempty"`
	CookMinutes int          `json:"cook_minutes,omitempty"`
	Ingredients []Ingredient `json:"ingredients"`
	Steps       []Step       `json:"steps"`
	Tags        []string     `json:"tags,omitempty"`
	ImageURL    string       `json:"image_url,omitempty"`
	CreatedAt   time.Time    `json:"created_at,omitempty"`
}

// Validate reports whether the draft carries enough to be worth saving.
func (r Recipe) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return errors.New("recipe title is empty")
	}
	for _, ing := range r.Ingredients {
		if strings.TrimSpace(ing.Name) != "" {
			return nil
		}
	}
	return errors.New("recipe has no ingredients")
}

// Clone returns a deep copy so callers may mutate slices freely.
func (r Recipe) Clone() Recipe {
	cp := r
	cp.Ingredients = append([]Ingredient(nil), r.Ingredients...)
	cp.Steps = append([]Step(nil), r.Steps...)
	cp.Tags = append([]string(nil), r.Tags...)
	return cp
}

// ContentFile is one fetched artifact on local disk.
type ContentFile struct {
	Path      string
	MIMEType  string
	SourceURL string
}

// Content is the local material produced by a Fetcher. Everything lives under
// Dir, which Cleanup removes.
type Content struct {
	Kind          SourceKind
	SourceURL     string
	Title         string
	Files         []ContentFile
	ThumbnailPath string
	Dir           string
}

// Cleanup removes the temporary directory holding the content. It is safe to
// call on a zero value and more than once.
func (c *Content) Cleanup() error {
	if c == nil || c.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(c.Dir); err != nil {
		return fmt.Errorf("remove content dir: %w", err)
	}
	c.Dir = ""
	return nil
}

// FilesOfType returns the files whose MIME type starts with prefix.
func (c *Content) FilesOfType(prefix string) []ContentFile {
	if c == nil {
		return nil
	}
	var out []ContentFile
	for _, f := range c.Files {
		if strings.HasPrefix(f.MIMEType, prefix) {
			out = append(out, f)
		}
	}
	return out
}

// ExtractProgress is reported by an Extractor while it works.
type ExtractProgress struct {
	Phase   Status
	Percent int
	Message string
}

// ProgressFunc receives extraction progress. Implementations must not block.
type ProgressFunc func(ExtractProgress)
