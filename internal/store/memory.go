package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/museforge/muse-backend/internal/models"
)

// ErrJobAlreadyExists is returned when creating a job whose ID is taken.
var ErrJobAlreadyExists = errors.New("job already exists with this ID")

// MemoryStore is a thread-safe in-memory implementation of both StateStore
// and JobStore, used in tests and as the default when no file path is
// configured.
type MemoryStore struct {
	mu    sync.RWMutex
	state []byte // JSON snapshot; copying through JSON keeps readers isolated
	jobs  map[string]*models.Job
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*models.Job)}
}

func (s *MemoryStore) GetState(ctx context.Context) (*models.WarmPoolState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state == nil {
		return nil, nil
	}
	var state models.WarmPoolState
	if err := json.Unmarshal(s.state, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *MemoryStore) SaveState(ctx context.Context, state *models.WarmPoolState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.state = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.JobID]; exists {
		return ErrJobAlreadyExists
	}
	s.jobs[job.JobID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, models.ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.JobID]; !exists {
		return models.ErrJobNotFound
	}
	s.jobs[job.JobID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Job
	for _, job := range s.jobs {
		if job.Status != status {
			continue
		}
		out = append(out, cloneJob(job))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[jobID]; !exists {
		return models.ErrJobNotFound
	}
	delete(s.jobs, jobID)
	return nil
}

func cloneJob(job *models.Job) *models.Job {
	copied := *job
	return &copied
}
