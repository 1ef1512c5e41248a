package store

import (
	"context"

	"github.com/museforge/muse-backend/internal/models"
)

// StateStore persists the warm pool's singleton state record. Every state
// mutation in the orchestrator is followed synchronously by SaveState, so a
// crash can only lose the most recent uncommitted change.
type StateStore interface {
	// GetState retrieves the persisted warm-pool state, or nil when nothing
	// has been saved yet.
	GetState(ctx context.Context) (*models.WarmPoolState, error)

	// SaveState durably writes the complete state record.
	SaveState(ctx context.Context, state *models.WarmPoolState) error
}

// JobStore defines the interface for storing and retrieving generation jobs.
// This allows for different backend implementations (in-memory, file, SQL).
type JobStore interface {
	// CreateJob persists a new job. The job's ID must be unique.
	CreateJob(ctx context.Context, job *models.Job) error

	// GetJob retrieves a job by its ID.
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// UpdateJob saves the complete state of an existing job.
	UpdateJob(ctx context.Context, job *models.Job) error

	// ListJobsByStatus retrieves up to limit jobs in the given status.
	ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error)

	// DeleteJob removes a job from the store.
	DeleteJob(ctx context.Context, jobID string) error
}
