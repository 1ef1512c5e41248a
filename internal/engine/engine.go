// Package engine is the client for the generation engine (ComfyUI API)
// running on a rented instance: system stats, model inventory, workflow
// submission, history polling, and result download.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/museforge/muse-backend/internal/httpx"
	"github.com/museforge/muse-backend/internal/models"
	"go.uber.org/zap"
)

// vramExhaustedRatio: a GPU with more than this fraction of VRAM in use
// cannot reliably load a checkpoint; treat it as non-functional.
const vramExhaustedRatio = 0.9

// Client talks to one engine instance, addressed by its validated base URL.
type Client struct {
	http   *httpx.Client
	logger *zap.Logger
}

// NewClient creates an engine client.
func NewClient(httpClient *httpx.Client, logger *zap.Logger) *Client {
	return &Client{http: httpClient, logger: logger}
}

// SystemStats is the engine's device report.
type SystemStats struct {
	Devices []struct {
		Name      string `json:"name"`
		Type      string `json:"type"`
		VRAMTotal int64  `json:"vram_total"`
		VRAMFree  int64  `json:"vram_free"`
		TorchVRAM int64  `json:"torch_vram_total"`
	} `json:"devices"`
}

// GetSystemStats fetches device state from the instance.
func (c *Client) GetSystemStats(ctx context.Context, baseURL string) (*SystemStats, error) {
	resp, err := c.http.Do(ctx, http.MethodGet, baseURL+"/system_stats", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("system stats request failed: %w", err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("system stats returned %d", resp.StatusCode)
	}
	var stats SystemStats
	if err := json.Unmarshal(resp.Body, &stats); err != nil {
		return nil, fmt.Errorf("failed to decode system stats: %w", err)
	}
	return &stats, nil
}

// FetchInventory queries the engine's node metadata for loaded models. A
// partially failed fetch still returns what was found, with the failures
// recorded on the inventory.
func (c *Client) FetchInventory(ctx context.Context, baseURL string) (*models.ModelInventory, error) {
	resp, err := c.http.Do(ctx, http.MethodGet, baseURL+"/object_info", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("object info request failed: %w", err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("object info returned %d", resp.StatusCode)
	}

	var objectInfo map[string]nodeSpec
	if err := json.Unmarshal(resp.Body, &objectInfo); err != nil {
		return nil, fmt.Errorf("failed to decode object info: %w", err)
	}

	inv := &models.ModelInventory{FetchedAt: time.Now().UTC()}
	inv.Checkpoints = nodeChoices(objectInfo, "CheckpointLoaderSimple", "ckpt_name", inv)
	inv.Loras = nodeChoices(objectInfo, "LoraLoader", "lora_name", inv)
	inv.VAEs = nodeChoices(objectInfo, "VAELoader", "vae_name", inv)
	for name := range objectInfo {
		inv.CustomNodes = append(inv.CustomNodes, name)
	}
	return inv, nil
}

type nodeSpec struct {
	Input struct {
		Required map[string][]json.RawMessage `json:"required"`
	} `json:"input"`
}

// nodeChoices extracts the option list of one node input. The engine encodes
// choices as the first element of the input's spec array.
func nodeChoices(objectInfo map[string]nodeSpec, node, input string, inv *models.ModelInventory) []string {
	spec, ok := objectInfo[node]
	if !ok {
		inv.Errors = append(inv.Errors, fmt.Sprintf("node %s not present", node))
		return nil
	}
	raw, ok := spec.Input.Required[input]
	if !ok || len(raw) == 0 {
		inv.Errors = append(inv.Errors, fmt.Sprintf("node %s has no %s input", node, input))
		return nil
	}
	var choices []string
	if err := json.Unmarshal(raw[0], &choices); err != nil {
		inv.Errors = append(inv.Errors, fmt.Sprintf("node %s %s choices undecodable", node, input))
		return nil
	}
	return choices
}

// CheckHealth runs the full readiness battery: API reachability, GPU
// presence, VRAM headroom, and loaded checkpoints. It always returns a
// report; the error is non-nil when the instance cannot serve jobs.
func (c *Client) CheckHealth(ctx context.Context, baseURL string) (*models.HealthReport, error) {
	report := &models.HealthReport{Timestamp: time.Now().UTC()}

	stats, err := c.GetSystemStats(ctx, baseURL)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report, &models.HealthCheckError{Reason: models.ReasonAPIUnreachable, Report: report}
	}
	report.APIResponding = true

	for _, d := range stats.Devices {
		if !strings.EqualFold(d.Type, "cuda") {
			continue
		}
		report.GPUAvailable = true
		report.VRAMTotal = d.VRAMTotal
		report.VRAMFree = d.VRAMFree
		if d.VRAMTotal > 0 {
			used := float64(d.VRAMTotal-d.VRAMFree) / float64(d.VRAMTotal)
			report.GPUFunctional = used < vramExhaustedRatio
		}
		break
	}
	if !report.GPUAvailable {
		report.Errors = append(report.Errors, "no CUDA device reported")
		return report, &models.HealthCheckError{Reason: models.ReasonGPUExhausted, Report: report}
	}
	if !report.GPUFunctional {
		report.Errors = append(report.Errors, "GPU VRAM effectively exhausted")
		return report, &models.HealthCheckError{Reason: models.ReasonGPUExhausted, Report: report}
	}

	inv, err := c.FetchInventory(ctx, baseURL)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report, &models.HealthCheckError{Reason: models.ReasonMissingCapability, Report: report}
	}
	report.CheckpointCount = len(inv.Checkpoints)
	report.ModelsLoaded = report.CheckpointCount > 0
	if !report.ModelsLoaded {
		report.Errors = append(report.Errors, "no checkpoints loaded")
		return report, &models.HealthCheckError{Reason: models.ReasonMissingCapability, Report: report}
	}
	return report, nil
}

// SubmitPrompt posts a workflow graph and returns the engine's prompt ID.
// The workflow payload is opaque to this layer.
func (c *Client) SubmitPrompt(ctx context.Context, baseURL string, workflow json.RawMessage) (string, error) {
	body, err := json.Marshal(map[string]json.RawMessage{"prompt": workflow})
	if err != nil {
		return "", fmt.Errorf("failed to marshal prompt: %w", err)
	}

	resp, err := c.http.DoWithRetry(ctx, http.MethodPost, baseURL+"/prompt",
		map[string]string{"Content-Type": "application/json"}, body)
	if err != nil {
		return "", fmt.Errorf("prompt submission failed: %w", err)
	}
	if !resp.OK() {
		return "", fmt.Errorf("prompt submission returned %d: %s",
			resp.StatusCode, string(resp.Body))
	}

	var result struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return "", fmt.Errorf("failed to decode prompt response: %w", err)
	}
	if result.PromptID == "" {
		return "", fmt.Errorf("engine returned no prompt id")
	}
	return result.PromptID, nil
}

// OutputFile identifies one produced artifact in the engine's output store.
type OutputFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// PollResult is the outcome of one history poll.
type PollResult struct {
	Done    bool
	Outputs []OutputFile
	Err     string
}

// PollHistory checks whether a prompt has finished. A prompt absent from
// history is still queued or executing.
func (c *Client) PollHistory(ctx context.Context, baseURL, promptID string) (*PollResult, error) {
	resp, err := c.http.Do(ctx, http.MethodGet, baseURL+"/history/"+promptID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("history request failed: %w", err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("history returned %d", resp.StatusCode)
	}

	var history map[string]struct {
		Status struct {
			Completed bool   `json:"completed"`
			StatusStr string `json:"status_str"`
		} `json:"status"`
		Outputs map[string]struct {
			Images []OutputFile `json:"images"`
			GIFs   []OutputFile `json:"gifs"`
		} `json:"outputs"`
	}
	if err := json.Unmarshal(resp.Body, &history); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}

	entry, ok := history[promptID]
	if !ok {
		return &PollResult{Done: false}, nil
	}
	if entry.Status.StatusStr == "error" {
		return &PollResult{Done: true, Err: "workflow execution failed"}, nil
	}

	var outputs []OutputFile
	for _, node := range entry.Outputs {
		outputs = append(outputs, node.Images...)
		outputs = append(outputs, node.GIFs...)
	}
	done := entry.Status.Completed || len(outputs) > 0
	return &PollResult{Done: done, Outputs: outputs}, nil
}

// DownloadOutput fetches one produced file's bytes.
func (c *Client) DownloadOutput(ctx context.Context, baseURL string, file OutputFile) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", file.Filename)
	q.Set("subfolder", file.Subfolder)
	q.Set("type", file.Type)

	resp, err := c.http.DoWithRetry(ctx, http.MethodGet, baseURL+"/view?"+q.Encode(), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("result download failed: %w", err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("result download returned %d", resp.StatusCode)
	}
	if len(resp.Body) == 0 {
		return nil, fmt.Errorf("result download returned empty body")
	}
	return resp.Body, nil
}
