package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/museforge/muse-backend/internal/httpx"
	"github.com/museforge/muse-backend/internal/models"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	hc := httpx.New(2*time.Second, httpx.RetryConfig{MaxAttempts: 1}, zap.NewNop())
	return NewClient(hc, zap.NewNop()), srv.URL
}

func statsBody(vramTotal, vramFree int64) string {
	return fmt.Sprintf(`{"devices":[{"name":"NVIDIA RTX 4090","type":"cuda","vram_total":%d,"vram_free":%d}]}`,
		vramTotal, vramFree)
}

const objectInfoBody = `{
	"CheckpointLoaderSimple": {"input": {"required": {"ckpt_name": [["dreamshaper_8.safetensors", "sdxl_base.safetensors"]]}}},
	"LoraLoader": {"input": {"required": {"lora_name": [["detail_tweaker.safetensors"]]}}},
	"VAELoader": {"input": {"required": {"vae_name": [["vae-ft-mse.safetensors"]]}}}
}`

func TestCheckHealthHealthyInstance(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, statsBody(24_000_000_000, 20_000_000_000))
	})
	mux.HandleFunc("/object_info", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, objectInfoBody)
	})
	c, url := newTestClient(t, mux)

	report, err := c.CheckHealth(context.Background(), url)
	if err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}
	if !report.Healthy() {
		t.Fatalf("report must be healthy: %+v", report)
	}
	if report.CheckpointCount != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", report.CheckpointCount)
	}
}

func TestCheckHealthFailureReasons(t *testing.T) {
	tests := []struct {
		name       string
		stats      func(w http.ResponseWriter)
		objectInfo func(w http.ResponseWriter)
		wantReason models.HealthFailureReason
	}{
		{
			name:       "api unreachable",
			stats:      func(w http.ResponseWriter) { w.WriteHeader(http.StatusBadGateway) },
			wantReason: models.ReasonAPIUnreachable,
		},
		{
			name: "no cuda device",
			stats: func(w http.ResponseWriter) {
				fmt.Fprint(w, `{"devices":[{"name":"cpu","type":"cpu"}]}`)
			},
			wantReason: models.ReasonGPUExhausted,
		},
		{
			name: "vram exhausted",
			stats: func(w http.ResponseWriter) {
				// 95% used, above the functional threshold.
				fmt.Fprint(w, statsBody(24_000_000_000, 1_200_000_000))
			},
			wantReason: models.ReasonGPUExhausted,
		},
		{
			name:  "no checkpoints loaded",
			stats: func(w http.ResponseWriter) { fmt.Fprint(w, statsBody(24_000_000_000, 20_000_000_000)) },
			objectInfo: func(w http.ResponseWriter) {
				fmt.Fprint(w, `{"CheckpointLoaderSimple": {"input": {"required": {"ckpt_name": [[]]}}}}`)
			},
			wantReason: models.ReasonMissingCapability,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) { tt.stats(w) })
			mux.HandleFunc("/object_info", func(w http.ResponseWriter, r *http.Request) {
				if tt.objectInfo != nil {
					tt.objectInfo(w)
					return
				}
				fmt.Fprint(w, objectInfoBody)
			})
			c, url := newTestClient(t, mux)

			report, err := c.CheckHealth(context.Background(), url)
			if report == nil {
				t.Fatal("health check must always return a report")
			}
			var hcErr *models.HealthCheckError
			if !errors.As(err, &hcErr) {
				t.Fatalf("expected HealthCheckError, got %v", err)
			}
			if hcErr.Reason != tt.wantReason {
				t.Fatalf("expected reason %s, got %s", tt.wantReason, hcErr.Reason)
			}
		})
	}
}

func TestFetchInventoryRecordsPartialFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/object_info", func(w http.ResponseWriter, r *http.Request) {
		// Only the checkpoint loader is present.
		fmt.Fprint(w, `{"CheckpointLoaderSimple": {"input": {"required": {"ckpt_name": [["model_a.safetensors"]]}}}}`)
	})
	c, url := newTestClient(t, mux)

	inv, err := c.FetchInventory(context.Background(), url)
	if err != nil {
		t.Fatalf("partial inventory must not error: %v", err)
	}
	if len(inv.Checkpoints) != 1 || inv.Checkpoints[0] != "model_a.safetensors" {
		t.Fatalf("unexpected checkpoints %v", inv.Checkpoints)
	}
	if len(inv.Errors) != 2 {
		t.Fatalf("missing loaders must be recorded, got %v", inv.Errors)
	}
}

func TestSubmitPrompt(t *testing.T) {
	var received json.RawMessage
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Prompt json.RawMessage `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received = body.Prompt
		fmt.Fprint(w, `{"prompt_id": "abc-123"}`)
	})
	c, url := newTestClient(t, mux)

	workflow := json.RawMessage(`{"1": {"class_type": "KSampler"}}`)
	id, err := c.SubmitPrompt(context.Background(), url, workflow)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if id != "abc-123" {
		t.Fatalf("unexpected prompt id %q", id)
	}
	if string(received) != string(workflow) {
		t.Fatalf("workflow not forwarded intact: %s", received)
	}
}

func TestSubmitPromptRejectsEmptyPromptID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	})
	c, url := newTestClient(t, mux)

	if _, err := c.SubmitPrompt(context.Background(), url, json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for missing prompt id")
	}
}

func TestPollHistory(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantDone    bool
		wantErr     string
		wantOutputs int
	}{
		{
			name:     "absent prompt still queued",
			body:     `{}`,
			wantDone: false,
		},
		{
			name:     "engine error is terminal",
			body:     `{"p1": {"status": {"status_str": "error"}}}`,
			wantDone: true,
			wantErr:  "workflow execution failed",
		},
		{
			name: "completed with images",
			body: `{"p1": {"status": {"completed": true, "status_str": "success"},
				"outputs": {"7": {"images": [{"filename": "out.png", "type": "output"}]}}}}`,
			wantDone:    true,
			wantOutputs: 1,
		},
		{
			name:        "outputs imply done even without completed flag",
			body:        `{"p1": {"outputs": {"7": {"gifs": [{"filename": "anim.webp"}]}}}}`,
			wantDone:    true,
			wantOutputs: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/history/p1", func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			})
			c, url := newTestClient(t, mux)

			res, err := c.PollHistory(context.Background(), url, "p1")
			if err != nil {
				t.Fatalf("poll failed: %v", err)
			}
			if res.Done != tt.wantDone {
				t.Fatalf("done = %v, want %v", res.Done, tt.wantDone)
			}
			if res.Err != tt.wantErr {
				t.Fatalf("err = %q, want %q", res.Err, tt.wantErr)
			}
			if len(res.Outputs) != tt.wantOutputs {
				t.Fatalf("outputs = %d, want %d", len(res.Outputs), tt.wantOutputs)
			}
		})
	}
}

func TestDownloadOutput(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("filename") != "out.png" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("image-bytes"))
	})
	c, url := newTestClient(t, mux)

	data, err := c.DownloadOutput(context.Background(), url, OutputFile{Filename: "out.png", Type: "output"})
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if string(data) != "image-bytes" {
		t.Fatalf("unexpected payload %q", data)
	}
}

func TestDownloadOutputRejectsEmptyBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {})
	c, url := newTestClient(t, mux)

	if _, err := c.DownloadOutput(context.Background(), url, OutputFile{Filename: "x"}); err == nil {
		t.Fatal("expected error for empty download")
	}
}
