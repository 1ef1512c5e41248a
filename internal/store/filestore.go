package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/museforge/muse-backend/internal/models"
)

// fileDocument is the on-disk schema. Version gates future migrations: a
// loader seeing an older version rewrites the document once instead of
// sniffing columns at runtime.
type fileDocument struct {
	Version int                    `json:"version"`
	State   *models.WarmPoolState  `json:"state,omitempty"`
	Jobs    map[string]*models.Job `json:"jobs,omitempty"`
}

const currentSchemaVersion = 1

// FileStore persists warm-pool state and jobs as a single JSON document,
// written atomically via a temp file + rename so a crash mid-write cannot
// corrupt earlier state.
type FileStore struct {
	mu   sync.Mutex
	path string
	doc  fileDocument
}

// NewFileStore opens or creates the store file at path.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		doc:  fileDocument{Version: currentSchemaVersion, Jobs: make(map[string]*models.Job)},
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	if err := json.Unmarshal(data, &fs.doc); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	if fs.doc.Jobs == nil {
		fs.doc.Jobs = make(map[string]*models.Job)
	}
	if fs.doc.Version < currentSchemaVersion {
		fs.doc.Version = currentSchemaVersion
		if err := fs.flushLocked(); err != nil {
			return nil, fmt.Errorf("failed to migrate state file: %w", err)
		}
	}
	return fs, nil
}

func (s *FileStore) GetState(ctx context.Context) (*models.WarmPoolState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc.State == nil {
		return nil, nil
	}
	return copyThroughJSON(s.doc.State)
}

func (s *FileStore) SaveState(ctx context.Context, state *models.WarmPoolState) error {
	copied, err := copyThroughJSON(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.State = copied
	return s.flushLocked()
}

func (s *FileStore) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.doc.Jobs[job.JobID]; exists {
		return ErrJobAlreadyExists
	}
	s.doc.Jobs[job.JobID] = cloneJob(job)
	return s.flushLocked()
}

func (s *FileStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.doc.Jobs[jobID]
	if !exists {
		return nil, models.ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (s *FileStore) UpdateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.doc.Jobs[job.JobID]; !exists {
		return models.ErrJobNotFound
	}
	s.doc.Jobs[job.JobID] = cloneJob(job)
	return s.flushLocked()
}

func (s *FileStore) ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Job
	for _, job := range s.doc.Jobs {
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

func (s *FileStore) DeleteJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.doc.Jobs[jobID]; !exists {
		return models.ErrJobNotFound
	}
	delete(s.doc.Jobs, jobID)
	return s.flushLocked()
}

func (s *FileStore) flushLocked() error {
	data, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func copyThroughJSON(state *models.WarmPoolState) (*models.WarmPoolState, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var copied models.WarmPoolState
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, err
	}
	return &copied, nil
}
