package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/recipe-importer/internal/importer"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart     Stage = "JOB_START"
	StageJobProgress  Stage = "JOB_PROGRESS"
	StageJobDone      Stage = "JOB_DONE"
	StageJobError     Stage = "JOB_ERROR"
	StageJobCancelled Stage = "JOB_CANCELLED"
)

// Event captures one observable change in a job's lifecycle.
type Event struct {
	// JobID identifies the job.
	JobID string `json:"job_id"`
	// OwnerID is the requester the job belongs to.
	OwnerID string `json:"owner_id,omitempty"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage `json:"stage"`
	// Status and Percent mirror what was written to the Job Store.
	Status  importer.Status `json:"status"`
	Percent int             `json:"progress_percent"`
	// Message is the human readable status message.
	Message string `json:"message,omitempty"`
	// ErrorCode is set on JOB_ERROR and JOB_CANCELLED.
	ErrorCode importer.ErrorCode `json:"error_code,omitempty"`
	// RecipeID is set on JOB_DONE.
	RecipeID string `json:"recipe_id,omitempty"`
	// Dur is the wall time since the job started, set on terminal events.
	Dur time.Duration `json:"duration_ns,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobProgress:
	case StageJobDone:
		if e.RecipeID == "" {
			return errors.New("job done requires recipe id")
		}
	case StageJobError, StageJobCancelled:
		if e.ErrorCode == "" {
			return errors.New("terminal failure requires error code")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Percent < 0 || e.Percent > 100 {
		return errors.New("percent must be within 0..100")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event closes the job's lifecycle.
func (e Event) Terminal() bool {
	switch e.Stage {
	case StageJobDone, StageJobError, StageJobCancelled:
		return true
	default:
		return false
	}
}

// Attributes exposes routing metadata for message buses.
func (e Event) Attributes() map[string]string {
	attrs := map[string]string{
		"job_id": e.JobID,
		"stage":  string(e.Stage),
		"status": string(e.Status),
	}
	if e.OwnerID != "" {
		attrs["owner_id"] = e.OwnerID
	}
	if e.ErrorCode != "" {
		attrs["error_code"] = string(e.ErrorCode)
	}
	return attrs
}
