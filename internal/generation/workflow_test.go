package generation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/museforge/muse-backend/internal/models"
)

type graphNode struct {
	ClassType string                     `json:"class_type"`
	Inputs    map[string]json.RawMessage `json:"inputs"`
}

func buildGraph(t *testing.T, job *models.Job) map[string]graphNode {
	t.Helper()
	raw, err := BuildWorkflow(job)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	var graph map[string]graphNode
	if err := json.Unmarshal(raw, &graph); err != nil {
		t.Fatalf("workflow is not valid JSON: %v", err)
	}
	return graph
}

func workflowJob(wt models.WorkflowType) *models.Job {
	job := &models.Job{
		JobID:          "job_wf",
		Prompt:         "a mossy forest shrine",
		NegativePrompt: "blurry",
		WorkflowType:   wt,
		CreatedAt:      time.Now().UTC(),
	}
	job.Settings.ApplyDefaults(wt)
	return job
}

func TestBuildWorkflowImageGraph(t *testing.T) {
	job := workflowJob(models.WorkflowImage)
	graph := buildGraph(t, job)

	wantClasses := map[string]string{
		"1": "CheckpointLoaderSimple",
		"2": "CLIPTextEncode",
		"3": "CLIPTextEncode",
		"4": "EmptyLatentImage",
		"5": "KSampler",
		"6": "VAEDecode",
		"7": "SaveImage",
	}
	if len(graph) != len(wantClasses) {
		t.Fatalf("expected %d nodes, got %d", len(wantClasses), len(graph))
	}
	for id, class := range wantClasses {
		node, ok := graph[id]
		if !ok {
			t.Fatalf("missing node %s", id)
		}
		if node.ClassType != class {
			t.Fatalf("node %s: expected %s, got %s", id, class, node.ClassType)
		}
	}

	var prompt string
	if err := json.Unmarshal(graph["2"].Inputs["text"], &prompt); err != nil || prompt != job.Prompt {
		t.Fatalf("positive prompt not wired, got %q", prompt)
	}
	var negative string
	if err := json.Unmarshal(graph["3"].Inputs["text"], &negative); err != nil || negative != "blurry" {
		t.Fatalf("negative prompt not wired, got %q", negative)
	}

	var batch int
	if err := json.Unmarshal(graph["4"].Inputs["batch_size"], &batch); err != nil || batch != 1 {
		t.Fatalf("image batch size must be 1, got %d", batch)
	}
	var steps int
	if err := json.Unmarshal(graph["5"].Inputs["steps"], &steps); err != nil || steps != job.Settings.Steps {
		t.Fatalf("sampler steps not wired, got %d", steps)
	}
	var prefix string
	if err := json.Unmarshal(graph["7"].Inputs["filename_prefix"], &prefix); err != nil || prefix != job.JobID {
		t.Fatalf("output prefix must be the job id, got %q", prefix)
	}
}

func TestBuildWorkflowVideoGraph(t *testing.T) {
	job := workflowJob(models.WorkflowVideo)
	graph := buildGraph(t, job)

	if graph["7"].ClassType != "SaveAnimatedWEBP" {
		t.Fatalf("video output node: expected SaveAnimatedWEBP, got %s", graph["7"].ClassType)
	}

	var batch int
	if err := json.Unmarshal(graph["4"].Inputs["batch_size"], &batch); err != nil || batch != job.Settings.FrameCount {
		t.Fatalf("video batch must equal frame count %d, got %d", job.Settings.FrameCount, batch)
	}
	var fps int
	if err := json.Unmarshal(graph["7"].Inputs["fps"], &fps); err != nil || fps != job.Settings.FPS {
		t.Fatalf("fps not wired, got %d", fps)
	}
}

func TestBuildWorkflowSamplerReferencesLatent(t *testing.T) {
	graph := buildGraph(t, workflowJob(models.WorkflowImage))

	var latentRef []json.RawMessage
	if err := json.Unmarshal(graph["5"].Inputs["latent_image"], &latentRef); err != nil {
		t.Fatalf("latent_image is not a node reference: %v", err)
	}
	var refID string
	if err := json.Unmarshal(latentRef[0], &refID); err != nil || refID != "4" {
		t.Fatalf("sampler must consume node 4, got %q", refID)
	}
}

func TestBuildWorkflowRejectsUnknownType(t *testing.T) {
	job := workflowJob(models.WorkflowImage)
	job.WorkflowType = "audio"
	if _, err := BuildWorkflow(job); err == nil {
		t.Fatal("expected error for unknown workflow type")
	}
}
