package models

import "time"

// InstanceStatus represents the lifecycle states of a rented GPU instance.
type InstanceStatus string

const (
	StatusStarting     InstanceStatus = "starting"
	StatusInitializing InstanceStatus = "initializing"
	StatusRunning      InstanceStatus = "running"
	StatusReady        InstanceStatus = "ready"
	StatusTerminating  InstanceStatus = "terminating"
	StatusFailed       InstanceStatus = "failed"
)

// Instance is the single tracked rental. It is created when an offer is
// rented, mutated by status polls and lease claims, and set to nil once the
// contract has been deleted.
type Instance struct {
	ContractID    string          `json:"contract_id"`
	Status        InstanceStatus  `json:"status"`
	ConnectionURL string          `json:"connection_url,omitempty"` // set only after a port passed validation
	PortSource    string          `json:"port_source,omitempty"`    // which candidate resolved (direct / mapped)
	GPUName       string          `json:"gpu_name,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	LastHeartbeat time.Time       `json:"last_heartbeat,omitempty"`
	LeasedUntil   *time.Time      `json:"leased_until,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	LastStatusMsg string          `json:"last_status_msg,omitempty"`
	HealthReport  *HealthReport   `json:"health_report,omitempty"`
	Inventory     *ModelInventory `json:"model_inventory,omitempty"`
}

// Leased reports whether the instance currently holds an unexpired lease.
func (i *Instance) Leased(now time.Time) bool {
	return i.LeasedUntil != nil && now.Before(*i.LeasedUntil)
}

// Usable reports whether the instance can be claimed by a caller: it must be
// settled (ready or running) and have a validated connection URL.
func (i *Instance) Usable() bool {
	if i.Status != StatusReady && i.Status != StatusRunning {
		return false
	}
	return i.ConnectionURL != ""
}

// WarmPoolState is the durable singleton record driving the orchestrator.
// IsPrewarming is volatile: it is held only for the duration of one in-flight
// provisioning attempt and is reset on load so a crash cannot wedge the pool.
type WarmPoolState struct {
	DesiredSize      int       `json:"desired_size"`
	Instance         *Instance `json:"instance,omitempty"`
	LastAction       time.Time `json:"last_action"`
	IsPrewarming     bool      `json:"is_prewarming"`
	SafeMode         bool      `json:"safe_mode"`
	ProvisionAttempt int       `json:"provision_attempt"`
	UseDefaultScript bool      `json:"use_default_script"` // fallback after a failed custom provision script
}

// NewWarmPoolState returns the initial state: one desired instance, nothing
// rented yet.
func NewWarmPoolState() *WarmPoolState {
	return &WarmPoolState{DesiredSize: 1, LastAction: time.Now().UTC()}
}

// HealthReport holds the result of a comprehensive instance health check:
// engine API responsiveness, GPU presence, VRAM headroom, and loaded models.
type HealthReport struct {
	APIResponding   bool      `json:"api_responding"`
	GPUAvailable    bool      `json:"gpu_available"`
	GPUFunctional   bool      `json:"gpu_functional"` // false when VRAM is effectively exhausted
	ModelsLoaded    bool      `json:"models_loaded"`
	VRAMTotal       int64     `json:"vram_total"`
	VRAMFree        int64     `json:"vram_free"`
	CheckpointCount int       `json:"checkpoint_count"`
	Timestamp       time.Time `json:"timestamp"`
	Errors          []string  `json:"errors,omitempty"`
}

// Healthy reports whether the instance can serve generation jobs. The API
// must answer, the GPU must exist with VRAM headroom, and at least one
// checkpoint must be loaded; a running engine with no models is a failed
// provision, not a healthy instance.
func (h *HealthReport) Healthy() bool {
	return h.APIResponding && h.GPUAvailable && h.GPUFunctional &&
		h.ModelsLoaded && h.CheckpointCount > 0
}

// ModelInventory is the set of models and capabilities discovered on a ready
// instance, cached for pre-flight workflow validation.
type ModelInventory struct {
	Checkpoints []string  `json:"checkpoints"`
	Loras       []string  `json:"loras"`
	VAEs        []string  `json:"vaes"`
	CustomNodes []string  `json:"custom_nodes"`
	FetchedAt   time.Time `json:"fetched_at"`
	Errors      []string  `json:"errors,omitempty"`
}
