package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/museforge/muse-backend/internal/models"
)

func sampleState() *models.WarmPoolState {
	return &models.WarmPoolState{
		DesiredSize: 1,
		LastAction:  time.Now().UTC().Truncate(time.Second),
		Instance: &models.Instance{
			ContractID:    "12345678",
			Status:        models.StatusReady,
			ConnectionURL: "http://203.0.113.7:18188",
			GPUName:       "RTX 4090",
			CreatedAt:     time.Now().UTC().Truncate(time.Second),
		},
	}
}

func sampleJob(id string, status models.JobStatus) *models.Job {
	return &models.Job{
		JobID:        id,
		Prompt:       "an oil painting of a lighthouse",
		WorkflowType: models.WorkflowImage,
		Status:       status,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestFileStoreStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "pool.json")
	ctx := context.Background()

	fs, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	got, err := fs.GetState(ctx)
	if err != nil {
		t.Fatalf("get on empty store failed: %v", err)
	}
	if got != nil {
		t.Fatal("empty store must return nil state")
	}

	want := sampleState()
	if err := fs.SaveState(ctx, want); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// A fresh store over the same file must see the saved state.
	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	got, err = reopened.GetState(ctx)
	if err != nil {
		t.Fatalf("get after reopen failed: %v", err)
	}
	if got == nil || got.Instance == nil {
		t.Fatal("state did not survive reload")
	}
	if got.Instance.ContractID != want.Instance.ContractID {
		t.Fatalf("contract id mismatch: got %s, want %s", got.Instance.ContractID, want.Instance.ContractID)
	}
	if got.Instance.ConnectionURL != want.Instance.ConnectionURL {
		t.Fatalf("connection url mismatch: got %s", got.Instance.ConnectionURL)
	}
}

func TestFileStoreReturnsCopies(t *testing.T) {
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "pool.json"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()

	if err := fs.SaveState(ctx, sampleState()); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	first, _ := fs.GetState(ctx)
	first.Instance.ContractID = "mutated"

	second, _ := fs.GetState(ctx)
	if second.Instance.ContractID == "mutated" {
		t.Fatal("caller mutation must not leak into the store")
	}
}

func TestFileStoreWritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.json")
	fs, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	if err := fs.SaveState(context.Background(), sampleState()); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file must be renamed away after a flush")
	}

	var doc struct {
		Version int `json:"version"`
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read state file: %v", err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("state file is not valid JSON: %v", err)
	}
	if doc.Version != currentSchemaVersion {
		t.Fatalf("expected schema version %d, got %d", currentSchemaVersion, doc.Version)
	}
}

func TestFileStoreMigratesOldSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.json")
	if err := os.WriteFile(path, []byte(`{"version":0,"state":{"desired_size":1}}`), 0o644); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	fs, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	state, err := fs.GetState(context.Background())
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if state == nil || state.DesiredSize != 1 {
		t.Fatal("migrated state must be readable")
	}

	data, _ := os.ReadFile(path)
	var doc struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("state file is not valid JSON: %v", err)
	}
	if doc.Version != currentSchemaVersion {
		t.Fatalf("migration must bump version on disk, got %d", doc.Version)
	}
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.json")
	if err := os.WriteFile(path, []byte("{truncated"), 0o644); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := NewFileStore(path); err == nil {
		t.Fatal("expected error opening corrupt state file")
	}
}

func TestFileStoreJobsSurviveReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.json")
	ctx := context.Background()

	fs, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := fs.CreateJob(ctx, sampleJob("job_a", models.JobPending)); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	job, err := reopened.GetJob(ctx, "job_a")
	if err != nil {
		t.Fatalf("get after reopen failed: %v", err)
	}
	if job.Prompt == "" || job.Status != models.JobPending {
		t.Fatal("job did not survive reload intact")
	}
}

func TestJobStoreCRUD(t *testing.T) {
	stores := map[string]JobStore{
		"memory": NewMemoryStore(),
	}
	fileStore, err := NewFileStore(filepath.Join(t.TempDir(), "pool.json"))
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}
	stores["file"] = fileStore

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, models.ErrJobNotFound) {
				t.Fatalf("expected ErrJobNotFound, got %v", err)
			}

			job := sampleJob("job_1", models.JobPending)
			if err := s.CreateJob(ctx, job); err != nil {
				t.Fatalf("create failed: %v", err)
			}
			if err := s.CreateJob(ctx, job); !errors.Is(err, ErrJobAlreadyExists) {
				t.Fatalf("expected ErrJobAlreadyExists, got %v", err)
			}

			job.Status = models.JobProcessing
			if err := s.UpdateJob(ctx, job); err != nil {
				t.Fatalf("update failed: %v", err)
			}
			got, err := s.GetJob(ctx, "job_1")
			if err != nil {
				t.Fatalf("get failed: %v", err)
			}
			if got.Status != models.JobProcessing {
				t.Fatalf("expected processing, got %s", got.Status)
			}

			if err := s.UpdateJob(ctx, sampleJob("job_ghost", models.JobPending)); !errors.Is(err, models.ErrJobNotFound) {
				t.Fatalf("updating unknown job: expected ErrJobNotFound, got %v", err)
			}

			if err := s.DeleteJob(ctx, "job_1"); err != nil {
				t.Fatalf("delete failed: %v", err)
			}
			if err := s.DeleteJob(ctx, "job_1"); !errors.Is(err, models.ErrJobNotFound) {
				t.Fatalf("double delete: expected ErrJobNotFound, got %v", err)
			}
		})
	}
}

func TestListJobsByStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i, status := range []models.JobStatus{
		models.JobPending, models.JobPending, models.JobPending,
		models.JobCompleted, models.JobFailed,
	} {
		job := sampleJob(models.NewJobID(), status)
		job.Prompt = job.Prompt + string(rune('a'+i))
		if err := s.CreateJob(ctx, job); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	pending, err := s.ListJobsByStatus(ctx, models.JobPending, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending jobs, got %d", len(pending))
	}

	limited, err := s.ListJobsByStatus(ctx, models.JobPending, 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected limit to cap results at 2, got %d", len(limited))
	}

	failed, err := s.ListJobsByStatus(ctx, models.JobFailed, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed job, got %d", len(failed))
	}
}
