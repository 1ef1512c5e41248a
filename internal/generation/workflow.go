package generation

import (
	"encoding/json"
	"fmt"

	"github.com/museforge/muse-backend/internal/models"
)

// node is one vertex of the engine's workflow graph. Inputs reference other
// nodes as ["<node id>", <output index>].
type node struct {
	ClassType string                 `json:"class_type"`
	Inputs    map[string]interface{} `json:"inputs"`
}

// BuildWorkflow assembles the engine graph for a job. The graph shape is
// fixed per workflow type; only the sampler parameters vary.
func BuildWorkflow(job *models.Job) (json.RawMessage, error) {
	s := job.Settings
	graph := map[string]node{
		"1": {
			ClassType: "CheckpointLoaderSimple",
			Inputs:    map[string]interface{}{"ckpt_name": s.Checkpoint},
		},
		"2": {
			ClassType: "CLIPTextEncode",
			Inputs: map[string]interface{}{
				"text": job.Prompt,
				"clip": []interface{}{"1", 1},
			},
		},
		"3": {
			ClassType: "CLIPTextEncode",
			Inputs: map[string]interface{}{
				"text": job.NegativePrompt,
				"clip": []interface{}{"1", 1},
			},
		},
		"5": {
			ClassType: "KSampler",
			Inputs: map[string]interface{}{
				"model":        []interface{}{"1", 0},
				"positive":     []interface{}{"2", 0},
				"negative":     []interface{}{"3", 0},
				"latent_image": []interface{}{"4", 0},
				"seed":         s.Seed,
				"steps":        s.Steps,
				"cfg":          s.CFGScale,
				"sampler_name": s.Sampler,
				"scheduler":    "normal",
				"denoise":      1.0,
			},
		},
		"6": {
			ClassType: "VAEDecode",
			Inputs: map[string]interface{}{
				"samples": []interface{}{"5", 0},
				"vae":     []interface{}{"1", 2},
			},
		},
	}

	switch job.WorkflowType {
	case models.WorkflowImage:
		graph["4"] = node{
			ClassType: "EmptyLatentImage",
			Inputs: map[string]interface{}{
				"width":      s.Width,
				"height":     s.Height,
				"batch_size": 1,
			},
		}
		graph["7"] = node{
			ClassType: "SaveImage",
			Inputs: map[string]interface{}{
				"images":          []interface{}{"6", 0},
				"filename_prefix": job.JobID,
			},
		}
	case models.WorkflowVideo:
		graph["4"] = node{
			ClassType: "EmptyLatentImage",
			Inputs: map[string]interface{}{
				"width":      s.Width,
				"height":     s.Height,
				"batch_size": s.FrameCount,
			},
		}
		graph["7"] = node{
			ClassType: "SaveAnimatedWEBP",
			Inputs: map[string]interface{}{
				"images":          []interface{}{"6", 0},
				"filename_prefix": job.JobID,
				"fps":             s.FPS,
				"lossless":        false,
			},
		}
	default:
		return nil, fmt.Errorf("unknown workflow type %q", job.WorkflowType)
	}

	data, err := json.Marshal(graph)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow graph: %w", err)
	}
	return data, nil
}
