package models

import (
	"testing"
	"time"
)

func TestRuntimeBuildFor(t *testing.T) {
	tests := []struct {
		name       string
		capability float64
		wantLegacy bool
		wantCuda   string
	}{
		{"pascal card gets pinned legacy stack", 6.1, true, "11.8"},
		{"volta boundary gets modern stack", 7.0, false, "12.8"},
		{"ampere gets modern stack", 8.6, false, "12.8"},
		{"hopper gets modern stack", 9.0, false, "12.8"},
		{"unknown capability defaults to modern", 0, false, "12.8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			build := RuntimeBuildFor(tt.capability)
			if build.Legacy != tt.wantLegacy {
				t.Errorf("legacy = %v, want %v", build.Legacy, tt.wantLegacy)
			}
			if build.CudaVersion != tt.wantCuda {
				t.Errorf("cuda = %s, want %s", build.CudaVersion, tt.wantCuda)
			}
			if build.Torch == "" || build.IndexURL == "" {
				t.Error("build must always pin torch and index URL")
			}
		})
	}
}

func TestGPUCompatible(t *testing.T) {
	tests := []struct {
		capability float64
		minimum    float64
		want       bool
	}{
		{6.1, 6.0, true},
		{5.2, 6.0, false},
		{8.6, 6.0, true},
		{0, 6.0, true}, // unknown passes; it fails later at the health check
		{6.0, 6.0, true},
	}
	for _, tt := range tests {
		if got := GPUCompatible(tt.capability, tt.minimum); got != tt.want {
			t.Errorf("GPUCompatible(%v, %v) = %v, want %v", tt.capability, tt.minimum, got, tt.want)
		}
	}
}

func TestHealthReportHealthy(t *testing.T) {
	healthy := HealthReport{
		APIResponding: true, GPUAvailable: true, GPUFunctional: true,
		ModelsLoaded: true, CheckpointCount: 3,
	}
	if !healthy.Healthy() {
		t.Fatal("fully green report must be healthy")
	}

	noModels := healthy
	noModels.CheckpointCount = 0
	noModels.ModelsLoaded = false
	if noModels.Healthy() {
		t.Fatal("an engine with zero checkpoints is a failed provision, not healthy")
	}

	exhausted := healthy
	exhausted.GPUFunctional = false
	if exhausted.Healthy() {
		t.Fatal("an exhausted GPU must not be healthy")
	}
}

func TestInstanceLeaseAndUsability(t *testing.T) {
	now := time.Now()
	inst := &Instance{Status: StatusReady, ConnectionURL: "http://1.2.3.4:8188"}

	if inst.Leased(now) {
		t.Fatal("instance without a lease must not report leased")
	}

	until := now.Add(10 * time.Minute)
	inst.LeasedUntil = &until
	if !inst.Leased(now) {
		t.Fatal("instance with a future lease must report leased")
	}
	if inst.Leased(until.Add(time.Second)) {
		t.Fatal("expired lease must not report leased")
	}

	if !inst.Usable() {
		t.Fatal("ready instance with URL must be usable")
	}
	inst.ConnectionURL = ""
	if inst.Usable() {
		t.Fatal("instance without a validated URL must never be usable")
	}
	inst.ConnectionURL = "http://1.2.3.4:8188"
	inst.Status = StatusInitializing
	if inst.Usable() {
		t.Fatal("initializing instance must not be usable")
	}
}

func TestJobProgressHeuristic(t *testing.T) {
	job := &Job{Status: JobPending}
	if got := job.Progress(); got != 10 {
		t.Errorf("pending progress = %d, want 10", got)
	}
	job.Status = JobProcessing
	if got := job.Progress(); got != 25 {
		t.Errorf("processing-before-dispatch progress = %d, want 25", got)
	}
	job.EnginePromptID = "abc"
	if got := job.Progress(); got != 50 {
		t.Errorf("dispatched progress = %d, want 50", got)
	}
	job.Status = JobCompleted
	if got := job.Progress(); got != 100 {
		t.Errorf("completed progress = %d, want 100", got)
	}
	job.Status = JobFailed
	if got := job.Progress(); got != 0 {
		t.Errorf("failed progress = %d, want 0", got)
	}
}

func TestGenerationSettingsDefaults(t *testing.T) {
	var s GenerationSettings
	s.ApplyDefaults(WorkflowImage)
	if s.Seed == 0 || s.Steps != 25 || s.Width != 512 || s.Height != 768 {
		t.Fatalf("unexpected image defaults: %+v", s)
	}
	if s.FrameCount != 0 {
		t.Fatal("image settings must not get video defaults")
	}

	var v GenerationSettings
	v.ApplyDefaults(WorkflowVideo)
	if v.FrameCount != 16 || v.FPS != 8 {
		t.Fatalf("unexpected video defaults: %+v", v)
	}
}

func TestOfferTotalVRAM(t *testing.T) {
	o := Offer{NumGPUs: 2, GPURAMMB: 12000}
	if got := o.TotalVRAMMB(); got != 24000 {
		t.Fatalf("TotalVRAMMB = %d, want 24000", got)
	}
	single := Offer{NumGPUs: 0, GPURAMMB: 24000}
	if got := single.TotalVRAMMB(); got != 24000 {
		t.Fatalf("zero gpu count should count as one, got %d", got)
	}
}
