package generation

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/museforge/muse-backend/internal/config"
	"github.com/museforge/muse-backend/internal/engine"
	"github.com/museforge/muse-backend/internal/models"
	"github.com/museforge/muse-backend/internal/store"
)

type fakePool struct {
	mu            sync.Mutex
	claimErrs     []error
	instance      *models.Instance
	prewarms      int
	activityPokes int
}

func (f *fakePool) Claim(ctx context.Context, maxMinutes int) (*models.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.claimErrs) > 0 {
		err := f.claimErrs[0]
		f.claimErrs = f.claimErrs[1:]
		return nil, err
	}
	return f.instance, nil
}

func (f *fakePool) Prewarm(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prewarms++
	return nil
}

func (f *fakePool) MarkActivity(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activityPokes++
}

type fakeEngine struct {
	mu          sync.Mutex
	submitErr   error
	promptID    string
	pollResults []*engine.PollResult
	pollErr     error
	output      []byte
	downloadErr error
	submitted   []json.RawMessage
}

func (f *fakeEngine) SubmitPrompt(ctx context.Context, baseURL string, workflow json.RawMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, workflow)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.promptID, nil
}

func (f *fakeEngine) PollHistory(ctx context.Context, baseURL, promptID string) (*engine.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if len(f.pollResults) == 0 {
		return &engine.PollResult{}, nil
	}
	res := f.pollResults[0]
	if len(f.pollResults) > 1 {
		f.pollResults = f.pollResults[1:]
	}
	return res, nil
}

func (f *fakeEngine) DownloadOutput(ctx context.Context, baseURL string, file engine.OutputFile) ([]byte, error) {
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return f.output, nil
}

func testPipelineConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		ReadyTimeout:           200 * time.Millisecond,
		DefaultLeaseMinutes:    30,
		GenerationPollInterval: 5 * time.Millisecond,
		ImageTimeout:           500 * time.Millisecond,
		VideoTimeout:           time.Second,
		ResultDir:              t.TempDir(),
	}
}

func readyInstance() *models.Instance {
	return &models.Instance{
		ContractID:    "7001",
		Status:        models.StatusReady,
		ConnectionURL: "http://203.0.113.7:18188",
	}
}

func newTestPipeline(t *testing.T, pool *fakePool, eng *fakeEngine) (*Pipeline, store.JobStore) {
	t.Helper()
	jobs := store.NewMemoryStore()
	p := NewPipeline(testPipelineConfig(t), pool, eng, jobs, nil, zap.NewNop())
	return p, jobs
}

func waitForStatus(t *testing.T, jobs store.JobStore, jobID string, want models.JobStatus) *models.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := jobs.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job failed: %v", err)
		}
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := jobs.GetJob(context.Background(), jobID)
	t.Fatalf("job never reached %s, stuck at %s (error: %s)", want, job.Status, job.ErrorMessage)
	return nil
}

func TestCreateJobValidation(t *testing.T) {
	p, _ := newTestPipeline(t, &fakePool{instance: readyInstance()}, &fakeEngine{})
	ctx := context.Background()

	if _, err := p.CreateJob(ctx, SubmitRequest{}); err == nil {
		t.Fatal("expected error for empty prompt")
	}
	if _, err := p.CreateJob(ctx, SubmitRequest{Prompt: "x", WorkflowType: "hologram"}); err == nil {
		t.Fatal("expected error for unknown workflow type")
	}

	job, err := p.CreateJob(ctx, SubmitRequest{Prompt: "a quiet harbor at dawn"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if job.Status != models.JobPending {
		t.Fatalf("new job must be pending, got %s", job.Status)
	}
	if job.WorkflowType != models.WorkflowImage {
		t.Fatalf("workflow must default to image, got %s", job.WorkflowType)
	}
	if job.Settings.Steps == 0 || job.Settings.Checkpoint == "" {
		t.Fatal("settings defaults must be applied at creation")
	}
}

func TestJobRunsToCompletion(t *testing.T) {
	pool := &fakePool{instance: readyInstance()}
	eng := &fakeEngine{
		promptID: "prompt-abc",
		pollResults: []*engine.PollResult{
			{},
			{Done: true, Outputs: []engine.OutputFile{{Filename: "out.png", Type: "output"}}},
		},
		output: []byte("png-bytes"),
	}
	p, jobs := newTestPipeline(t, pool, eng)

	p.Start()
	defer p.Stop()

	job, err := p.CreateJob(context.Background(), SubmitRequest{Prompt: "a quiet harbor at dawn"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	done := waitForStatus(t, jobs, job.JobID, models.JobCompleted)
	if done.EnginePromptID != "prompt-abc" {
		t.Fatalf("prompt id not persisted, got %q", done.EnginePromptID)
	}
	if done.InstanceID != "7001" {
		t.Fatalf("instance id not recorded, got %q", done.InstanceID)
	}
	if !strings.HasPrefix(done.ResultURL, "/results/"+job.JobID+"/") {
		t.Fatalf("unexpected result url %q", done.ResultURL)
	}
	data, err := os.ReadFile(done.ResultPath)
	if err != nil {
		t.Fatalf("result file missing: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Fatalf("result content mismatch: %q", data)
	}
	if done.StartedAt == nil || done.CompletedAt == nil {
		t.Fatal("timestamps must be set on a completed job")
	}
}

func TestJobFailsWhenEngineReportsError(t *testing.T) {
	pool := &fakePool{instance: readyInstance()}
	eng := &fakeEngine{
		promptID:    "prompt-err",
		pollResults: []*engine.PollResult{{Done: true, Err: "CUDA out of memory"}},
	}
	p, jobs := newTestPipeline(t, pool, eng)

	p.Start()
	defer p.Stop()

	job, err := p.CreateJob(context.Background(), SubmitRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	failed := waitForStatus(t, jobs, job.JobID, models.JobFailed)
	if !strings.Contains(failed.ErrorMessage, "CUDA out of memory") {
		t.Fatalf("error message must carry the engine failure, got %q", failed.ErrorMessage)
	}
}

func TestJobTimesOutWhenEngineNeverFinishes(t *testing.T) {
	pool := &fakePool{instance: readyInstance()}
	eng := &fakeEngine{promptID: "prompt-slow"} // polls always return not done
	p, jobs := newTestPipeline(t, pool, eng)

	p.Start()
	defer p.Stop()

	job, err := p.CreateJob(context.Background(), SubmitRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	failed := waitForStatus(t, jobs, job.JobID, models.JobFailed)
	if !strings.Contains(failed.ErrorMessage, models.ErrGenerationTimeout.Error()) {
		t.Fatalf("expected timeout error, got %q", failed.ErrorMessage)
	}
}

func TestClaimTriggersPrewarmWhenPoolEmpty(t *testing.T) {
	pool := &fakePool{
		claimErrs: []error{models.ErrNoInstance},
		instance:  readyInstance(),
	}
	eng := &fakeEngine{promptID: "p"}
	p, _ := newTestPipeline(t, pool, eng)

	// The retry pacing is long; a short context bounds the test. The prewarm
	// request must have happened before the wait.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.claimWithPrewarm(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
	pool.mu.Lock()
	prewarms := pool.prewarms
	pool.mu.Unlock()
	if prewarms == 0 {
		t.Fatal("empty pool must trigger a prewarm")
	}
}

func TestClaimPropagatesUnexpectedErrors(t *testing.T) {
	pool := &fakePool{claimErrs: []error{models.ErrSafeMode}}
	p, _ := newTestPipeline(t, pool, &fakeEngine{})

	if _, err := p.claimWithPrewarm(context.Background()); !errors.Is(err, models.ErrSafeMode) {
		t.Fatalf("expected safe mode error to propagate, got %v", err)
	}
	if pool.prewarms != 0 {
		t.Fatal("non-empty-pool errors must not trigger prewarm")
	}
}

func TestStartRecoversPendingJobs(t *testing.T) {
	jobs := store.NewMemoryStore()
	pending := &models.Job{
		JobID:        "job_recovered",
		Prompt:       "x",
		WorkflowType: models.WorkflowImage,
		Status:       models.JobPending,
		CreatedAt:    time.Now().UTC(),
	}
	pending.Settings.ApplyDefaults(models.WorkflowImage)
	if err := jobs.CreateJob(context.Background(), pending); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	pool := &fakePool{instance: readyInstance()}
	eng := &fakeEngine{
		promptID:    "p",
		pollResults: []*engine.PollResult{{Done: true, Outputs: []engine.OutputFile{{Filename: "out.png"}}}},
		output:      []byte("data"),
	}
	p := NewPipeline(testPipelineConfig(t), pool, eng, jobs, nil, zap.NewNop())

	p.Start()
	defer p.Stop()

	waitForStatus(t, jobs, "job_recovered", models.JobCompleted)
}

func TestResultFileLandsUnderJobDirectory(t *testing.T) {
	pool := &fakePool{instance: readyInstance()}
	eng := &fakeEngine{
		promptID:    "p",
		pollResults: []*engine.PollResult{{Done: true, Outputs: []engine.OutputFile{{Filename: "frame.webp", Type: "output"}}}},
		output:      []byte("webp"),
	}
	p, jobs := newTestPipeline(t, pool, eng)

	p.Start()
	defer p.Stop()

	job, err := p.CreateJob(context.Background(), SubmitRequest{Prompt: "x", WorkflowType: models.WorkflowVideo})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	done := waitForStatus(t, jobs, job.JobID, models.JobCompleted)

	wantDir := filepath.Join(p.cfg.ResultDir, job.JobID)
	if filepath.Dir(done.ResultPath) != wantDir {
		t.Fatalf("result stored at %s, want under %s", done.ResultPath, wantDir)
	}
}
