package models

import (
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the possible states of a generation job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// WorkflowType selects the generation workflow shape.
type WorkflowType string

const (
	WorkflowImage WorkflowType = "image"
	WorkflowVideo WorkflowType = "video"
)

// GenerationSettings are the sampler parameters for a job. They are immutable
// after job creation; defaults are applied for anything the caller omits.
type GenerationSettings struct {
	Seed       int64   `json:"seed"`
	Steps      int     `json:"steps"`
	CFGScale   float64 `json:"cfg_scale"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Sampler    string  `json:"sampler"`
	Checkpoint string  `json:"checkpoint"`
	FrameCount int     `json:"frame_count,omitempty"` // video only
	FPS        int     `json:"fps,omitempty"`         // video only
}

// ApplyDefaults fills zero-valued settings. A zero seed is replaced with a
// random one so repeated requests do not collide.
func (s *GenerationSettings) ApplyDefaults(workflow WorkflowType) {
	if s.Seed == 0 {
		s.Seed = rand.Int63n(1_000_000_000)
	}
	if s.Steps == 0 {
		s.Steps = 25
	}
	if s.CFGScale == 0 {
		s.CFGScale = 7
	}
	if s.Width == 0 {
		s.Width = 512
	}
	if s.Height == 0 {
		s.Height = 768
	}
	if s.Sampler == "" {
		s.Sampler = "euler_ancestral"
	}
	if s.Checkpoint == "" {
		s.Checkpoint = "dreamshaper_8.safetensors"
	}
	if workflow == WorkflowVideo {
		if s.FrameCount == 0 {
			s.FrameCount = 16
		}
		if s.FPS == 0 {
			s.FPS = 8
		}
	}
}

// Job is one generation request. Invariant: once status leaves processing,
// exactly one of the result fields or ErrorMessage is populated.
type Job struct {
	JobID          string             `json:"job_id"`
	MuseID         string             `json:"muse_id,omitempty"`
	Prompt         string             `json:"prompt"`
	NegativePrompt string             `json:"negative_prompt"`
	WorkflowType   WorkflowType       `json:"workflow_type"`
	Settings       GenerationSettings `json:"settings"`
	Status         JobStatus          `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	ResultPath     string             `json:"result_path,omitempty"`
	ResultURL      string             `json:"result_url,omitempty"`
	ThumbnailPath  string             `json:"thumbnail_path,omitempty"`
	ErrorMessage   string             `json:"error_message,omitempty"`
	EnginePromptID string             `json:"comfyui_prompt_id,omitempty"`
	InstanceID     string             `json:"gpu_instance_id,omitempty"`
}

// NewJobID generates a unique job identifier.
func NewJobID() string {
	return "job_" + uuid.NewString()
}

// Progress is a coarse heuristic, not a true percentage: the upstream engine
// does not expose fine-grained progress, so callers get submitted vs.
// dispatched vs. done.
func (j *Job) Progress() int {
	switch j.Status {
	case JobCompleted:
		return 100
	case JobFailed:
		return 0
	case JobProcessing:
		if j.EnginePromptID != "" {
			return 50
		}
		return 25
	default:
		return 10
	}
}
