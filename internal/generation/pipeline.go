// Package generation runs the job pipeline: accept a request, persist it,
// and drive it through the rented instance's engine in the background.
// Submission always returns immediately; callers poll job status.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/museforge/muse-backend/internal/config"
	"github.com/museforge/muse-backend/internal/engine"
	"github.com/museforge/muse-backend/internal/metrics"
	"github.com/museforge/muse-backend/internal/models"
	"github.com/museforge/muse-backend/internal/store"
	"go.uber.org/zap"
)

// Pool is the slice of the warm-pool orchestrator the pipeline needs.
type Pool interface {
	Claim(ctx context.Context, maxMinutes int) (*models.Instance, error)
	Prewarm(ctx context.Context) error
	MarkActivity(ctx context.Context)
}

// EngineClient drives workflows on a claimed instance.
type EngineClient interface {
	SubmitPrompt(ctx context.Context, baseURL string, workflow json.RawMessage) (string, error)
	PollHistory(ctx context.Context, baseURL, promptID string) (*engine.PollResult, error)
	DownloadOutput(ctx context.Context, baseURL string, file engine.OutputFile) ([]byte, error)
}

// claimRetryInterval paces claim attempts while a prewarm is in flight.
const claimRetryInterval = 10 * time.Second

// Pipeline accepts generation jobs and processes them one at a time; the
// pool holds a single GPU, so there is no parallelism to exploit.
type Pipeline struct {
	cfg     *config.Config
	pool    Pool
	engine  EngineClient
	jobs    store.JobStore
	metrics *metrics.Metrics
	logger  *zap.Logger

	queue  chan string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPipeline creates the pipeline. metrics may be nil.
func NewPipeline(cfg *config.Config, pool Pool, eng EngineClient, jobs store.JobStore, m *metrics.Metrics, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		pool:    pool,
		engine:  eng,
		jobs:    jobs,
		metrics: m,
		logger:  logger,
		queue:   make(chan string, 64),
	}
}

// SubmitRequest is the caller-facing job submission payload.
type SubmitRequest struct {
	MuseID         string                    `json:"muse_id,omitempty"`
	Prompt         string                    `json:"prompt"`
	NegativePrompt string                    `json:"negative_prompt,omitempty"`
	WorkflowType   models.WorkflowType       `json:"workflow_type,omitempty"`
	Settings       models.GenerationSettings `json:"settings,omitempty"`
}

// CreateJob validates, persists, and enqueues a job, returning it in pending
// state immediately. Processing happens in the background worker.
func (p *Pipeline) CreateJob(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	workflow := req.WorkflowType
	if workflow == "" {
		workflow = models.WorkflowImage
	}
	if workflow != models.WorkflowImage && workflow != models.WorkflowVideo {
		return nil, fmt.Errorf("unknown workflow type %q", workflow)
	}

	settings := req.Settings
	settings.ApplyDefaults(workflow)

	job := &models.Job{
		JobID:          models.NewJobID(),
		MuseID:         req.MuseID,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		WorkflowType:   workflow,
		Settings:       settings,
		Status:         models.JobPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := p.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	if p.metrics != nil {
		p.metrics.JobsSubmitted.WithLabelValues(string(workflow)).Inc()
	}
	p.logger.Info("Job created",
		zap.String("job_id", job.JobID),
		zap.String("workflow", string(workflow)))

	select {
	case p.queue <- job.JobID:
	default:
		// Queue full; the startup recovery sweep also picks up pending jobs,
		// but a caller-visible error is more honest here.
		return nil, fmt.Errorf("job queue is full")
	}
	return job, nil
}

// GetJob returns a job by ID.
func (p *Pipeline) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return p.jobs.GetJob(ctx, jobID)
}

// Start launches the worker and re-enqueues jobs that were pending when the
// process last stopped.
func (p *Pipeline) Start() {
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	pending, err := p.jobs.ListJobsByStatus(ctx, models.JobPending, cap(p.queue))
	if err != nil {
		p.logger.Warn("Failed to recover pending jobs", zap.Error(err))
	}
	for _, job := range pending {
		select {
		case p.queue <- job.JobID:
		default:
		}
	}
	if len(pending) > 0 {
		p.logger.Info("Recovered pending jobs", zap.Int("count", len(pending)))
	}

	go func() {
		defer close(p.done)
		for {
			select {
			case <-ctx.Done():
				return
			case jobID := <-p.queue:
				p.process(ctx, jobID)
			}
		}
	}()
	p.logger.Info("Generation pipeline started")
}

// Stop halts the worker after the in-flight job finishes its current step.
func (p *Pipeline) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
}

func (p *Pipeline) process(ctx context.Context, jobID string) {
	job, err := p.jobs.GetJob(ctx, jobID)
	if err != nil {
		p.logger.Error("Queued job missing from store",
			zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if job.Status != models.JobPending {
		return
	}

	now := time.Now().UTC()
	job.Status = models.JobProcessing
	job.StartedAt = &now
	if err := p.jobs.UpdateJob(ctx, job); err != nil {
		p.logger.Error("Failed to mark job processing", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	if err := p.run(ctx, job); err != nil {
		p.fail(ctx, job, err)
		return
	}
	p.complete(ctx, job)
}

func (p *Pipeline) run(ctx context.Context, job *models.Job) error {
	inst, err := p.claimWithPrewarm(ctx)
	if err != nil {
		return err
	}
	job.InstanceID = inst.ContractID

	workflow, err := BuildWorkflow(job)
	if err != nil {
		return err
	}

	promptID, err := p.engine.SubmitPrompt(ctx, inst.ConnectionURL, workflow)
	if err != nil {
		return fmt.Errorf("workflow submission failed: %w", err)
	}
	job.EnginePromptID = promptID
	if err := p.jobs.UpdateJob(ctx, job); err != nil {
		p.logger.Warn("Failed to persist prompt id", zap.String("job_id", job.JobID), zap.Error(err))
	}
	p.pool.MarkActivity(ctx)
	p.logger.Info("Workflow submitted",
		zap.String("job_id", job.JobID),
		zap.String("prompt_id", promptID))

	outputs, err := p.pollUntilDone(ctx, job, inst.ConnectionURL, promptID)
	if err != nil {
		return err
	}
	return p.storeResult(ctx, job, inst.ConnectionURL, outputs)
}

// claimWithPrewarm claims the warm instance, kicking off a prewarm and
// retrying while the pool is empty, bounded by the ready timeout.
func (p *Pipeline) claimWithPrewarm(ctx context.Context) (*models.Instance, error) {
	deadline := time.Now().Add(p.cfg.ReadyTimeout)

	for {
		inst, err := p.pool.Claim(ctx, p.cfg.DefaultLeaseMinutes)
		if err == nil {
			return inst, nil
		}
		if !errors.Is(err, models.ErrNoInstance) {
			return nil, err
		}

		if prewarmErr := p.pool.Prewarm(ctx); prewarmErr != nil &&
			!errors.Is(prewarmErr, models.ErrAlreadyPrewarming) {
			return nil, fmt.Errorf("prewarm for job failed: %w", prewarmErr)
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no instance became claimable within %s", p.cfg.ReadyTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(claimRetryInterval):
		}
	}
}

func (p *Pipeline) pollUntilDone(ctx context.Context, job *models.Job, baseURL, promptID string) ([]engine.OutputFile, error) {
	timeout := p.cfg.ImageTimeout
	if job.WorkflowType == models.WorkflowVideo {
		timeout = p.cfg.VideoTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w after %s", models.ErrGenerationTimeout, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.cfg.GenerationPollInterval):
		}

		result, err := p.engine.PollHistory(ctx, baseURL, promptID)
		if err != nil {
			p.logger.Warn("History poll failed",
				zap.String("job_id", job.JobID), zap.Error(err))
			continue
		}
		if !result.Done {
			continue
		}
		if result.Err != "" {
			return nil, fmt.Errorf("engine reported failure: %s", result.Err)
		}
		if len(result.Outputs) == 0 {
			return nil, fmt.Errorf("workflow finished with no outputs")
		}
		return result.Outputs, nil
	}
}

func (p *Pipeline) storeResult(ctx context.Context, job *models.Job, baseURL string, outputs []engine.OutputFile) error {
	out := outputs[0]
	data, err := p.engine.DownloadOutput(ctx, baseURL, out)
	if err != nil {
		return err
	}

	dir := filepath.Join(p.cfg.ResultDir, job.JobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create result directory: %w", err)
	}
	path := filepath.Join(dir, out.Filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write result file: %w", err)
	}

	job.ResultPath = path
	job.ResultURL = "/results/" + job.JobID + "/" + out.Filename
	return nil
}

func (p *Pipeline) complete(ctx context.Context, job *models.Job) {
	now := time.Now().UTC()
	job.Status = models.JobCompleted
	job.CompletedAt = &now
	job.ErrorMessage = ""
	if err := p.jobs.UpdateJob(ctx, job); err != nil {
		p.logger.Error("Failed to persist completed job",
			zap.String("job_id", job.JobID), zap.Error(err))
	}
	p.observeFinish(job, "completed")
	p.pool.MarkActivity(ctx)
	p.logger.Info("Job completed",
		zap.String("job_id", job.JobID),
		zap.String("result_path", job.ResultPath))
}

func (p *Pipeline) fail(ctx context.Context, job *models.Job, cause error) {
	now := time.Now().UTC()
	job.Status = models.JobFailed
	job.CompletedAt = &now
	job.ErrorMessage = cause.Error()
	if err := p.jobs.UpdateJob(ctx, job); err != nil {
		p.logger.Error("Failed to persist failed job",
			zap.String("job_id", job.JobID), zap.Error(err))
	}
	p.observeFinish(job, "failed")
	p.logger.Error("Job failed",
		zap.String("job_id", job.JobID),
		zap.Error(cause))
}

func (p *Pipeline) observeFinish(job *models.Job, outcome string) {
	if p.metrics == nil {
		return
	}
	p.metrics.JobsCompleted.WithLabelValues(string(job.WorkflowType), outcome).Inc()
	if job.StartedAt != nil && job.CompletedAt != nil {
		p.metrics.JobDuration.WithLabelValues(string(job.WorkflowType)).
			Observe(job.CompletedAt.Sub(*job.StartedAt).Seconds())
	}
}
