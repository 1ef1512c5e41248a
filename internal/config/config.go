package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration for the muse-backend service.
// It covers the HTTP server, the GPU marketplace client, the warm pool's
// lifecycle policy, the generation pipeline, and the supporting monitors
// (keepalive, token validation, process watchdog).
type Config struct {
	Port           string        `yaml:"port"`
	LogLevel       string        `yaml:"log_level"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Marketplace Configuration
	MarketplaceBaseURL string `yaml:"marketplace_base_url"`
	MarketplaceAPIKey  string `yaml:"marketplace_api_key"`

	// Offer eligibility
	MaxPricePerHour    string        `yaml:"max_price_per_hour"`    // decimal string, $/hr ceiling
	MinGPURAMMB        int           `yaml:"min_gpu_ram_mb"`        // total VRAM floor across GPUs
	MinDiskGB          int           `yaml:"min_disk_gb"`           // disk floor, clamped to [100, 2000]
	MinCudaCapability  float64       `yaml:"min_cuda_capability"`   // excludes pre-Volta legacy cards by default
	MinReliability     float64       `yaml:"min_reliability"`       // marketplace host reliability floor
	MinInetDownMbps    float64       `yaml:"min_inet_down_mbps"`    // download speed floor
	MaxInetDownCostTB  string        `yaml:"max_inet_down_cost_tb"` // decimal string, $/TB download ceiling
	MaxInetUpCostTB    string        `yaml:"max_inet_up_cost_tb"`   // decimal string, $/TB upload ceiling
	ExcludedRegions    []string      `yaml:"excluded_regions"`
	OfferSearchRetries int           `yaml:"offer_search_retries"`
	OfferSearchDelay   time.Duration `yaml:"offer_search_delay"`

	// Warm pool lifecycle
	PollInterval        time.Duration `yaml:"poll_interval"`       // idle-poll tick; timing resolution of lease/idle checks
	IdleTimeout         time.Duration `yaml:"idle_timeout"`        // terminate after this much inactivity
	ReadyTimeout        time.Duration `yaml:"ready_timeout"`       // max wait for a fresh instance to become healthy
	ReadyPollInterval   time.Duration `yaml:"ready_poll_interval"` // health re-check cadence while waiting
	DefaultLeaseMinutes int           `yaml:"default_lease_minutes"`

	// Generation pipeline
	GenerationPollInterval time.Duration `yaml:"generation_poll_interval"`
	ImageTimeout           time.Duration `yaml:"image_timeout"`
	VideoTimeout           time.Duration `yaml:"video_timeout"`
	ResultDir              string        `yaml:"result_dir"`

	// Resilient HTTP client
	HTTPTimeout       time.Duration `yaml:"http_timeout"`
	RetryMaxAttempts  int           `yaml:"retry_max_attempts"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`

	// Port validation
	TCPProbeTimeout  time.Duration `yaml:"tcp_probe_timeout"`
	HTTPProbeTimeout time.Duration `yaml:"http_probe_timeout"`

	// Keepalive monitor
	KeepaliveInterval    time.Duration `yaml:"keepalive_interval"`
	KeepaliveTimeout     time.Duration `yaml:"keepalive_timeout"`
	KeepaliveMaxFailures int           `yaml:"keepalive_max_failures"`

	// Token validation
	TokenCacheTTL         time.Duration `yaml:"token_cache_ttl"`
	TokenRevalidatePeriod time.Duration `yaml:"token_revalidate_period"`
	HuggingFaceToken      string        `yaml:"huggingface_token"`
	CivitaiToken          string        `yaml:"civitai_token"`

	// Process watchdog
	WatchdogHealthInterval time.Duration `yaml:"watchdog_health_interval"`
	WatchdogStableRuntime  time.Duration `yaml:"watchdog_stable_runtime"`
	WatchdogMaxBackoff     time.Duration `yaml:"watchdog_max_backoff"`

	// SSH credential provisioning
	SSHKeyPath string `yaml:"ssh_key_path"` // private key path; .pub alongside

	// State persistence
	StateFile string `yaml:"state_file"`

	// Audit trail
	AuditLogPath    string        `yaml:"audit_log_path"`
	AuditHMACSecret string        `yaml:"audit_hmac_secret"` // keys admin fingerprints; env AUDIT_HMAC_SECRET
	AuditRetention  time.Duration `yaml:"audit_retention"`
}

// LoadConfig reads configuration from the given YAML file path.
// It creates a default config file if it doesn't exist.
func LoadConfig(path string) (*Config, error) {
	defaults := defaultConfig()

	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		data, marshalErr := yaml.Marshal(defaults)
		if marshalErr != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", marshalErr)
		}
		if mkdirErr := os.MkdirAll(filepath.Dir(path), 0755); mkdirErr != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", mkdirErr)
		}
		if writeErr := os.WriteFile(path, data, 0644); writeErr != nil {
			return nil, fmt.Errorf("failed to write default config file: %w", writeErr)
		}
		applyEnvOverrides(defaults)
		return defaults, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to check config file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
	}

	applyDefaultsIfNotSet(&cfg, defaults)
	applyEnvOverrides(&cfg)

	// Clamp disk to sane bounds so a typo cannot request a 20TB volume.
	if cfg.MinDiskGB < 100 {
		cfg.MinDiskGB = 100
	}
	if cfg.MinDiskGB > 2000 {
		cfg.MinDiskGB = 2000
	}

	return &cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Port:           ":8010",
		LogLevel:       "info",
		RequestTimeout: 30 * time.Second,

		MarketplaceBaseURL: "https://console.vast.ai/api/v0",

		MaxPricePerHour:    "3.00",
		MinGPURAMMB:        16000,
		MinDiskGB:          150,
		MinCudaCapability:  6.0,
		MinReliability:     0.95,
		MinInetDownMbps:    900,
		MaxInetDownCostTB:  "3.00",
		MaxInetUpCostTB:    "5.00",
		ExcludedRegions:    []string{"ukraine", "china"},
		OfferSearchRetries: 3,
		OfferSearchDelay:   time.Second,

		PollInterval:        30 * time.Second,
		IdleTimeout:         15 * time.Minute,
		ReadyTimeout:        15 * time.Minute,
		ReadyPollInterval:   30 * time.Second,
		DefaultLeaseMinutes: 30,

		GenerationPollInterval: 5 * time.Second,
		ImageTimeout:           5 * time.Minute,
		VideoTimeout:           10 * time.Minute,
		ResultDir:              "data/generated",

		HTTPTimeout:       30 * time.Second,
		RetryMaxAttempts:  3,
		RetryInitialDelay: time.Second,

		TCPProbeTimeout:  5 * time.Second,
		HTTPProbeTimeout: 10 * time.Second,

		KeepaliveInterval:    30 * time.Second,
		KeepaliveTimeout:     5 * time.Second,
		KeepaliveMaxFailures: 5,

		TokenCacheTTL:         5 * time.Minute,
		TokenRevalidatePeriod: 10 * time.Minute,

		WatchdogHealthInterval: 30 * time.Second,
		WatchdogStableRuntime:  60 * time.Second,
		WatchdogMaxBackoff:     60 * time.Second,

		SSHKeyPath: defaultSSHKeyPath(),

		StateFile: "data/warm_pool.json",

		AuditLogPath:   "data/audit.jsonl",
		AuditRetention: 90 * 24 * time.Hour,
	}
}

func defaultSSHKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".ssh", "id_ed25519_muse")
	}
	return filepath.Join(home, ".ssh", "id_ed25519_muse")
}

func applyDefaultsIfNotSet(cfg *Config, defaults *Config) {
	if cfg.Port == "" {
		cfg.Port = defaults.Port
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.MarketplaceBaseURL == "" {
		cfg.MarketplaceBaseURL = defaults.MarketplaceBaseURL
	}
	if cfg.MaxPricePerHour == "" {
		cfg.MaxPricePerHour = defaults.MaxPricePerHour
	}
	if cfg.MinGPURAMMB == 0 {
		cfg.MinGPURAMMB = defaults.MinGPURAMMB
	}
	if cfg.MinDiskGB == 0 {
		cfg.MinDiskGB = defaults.MinDiskGB
	}
	if cfg.MinCudaCapability == 0 {
		cfg.MinCudaCapability = defaults.MinCudaCapability
	}
	if cfg.MinReliability == 0 {
		cfg.MinReliability = defaults.MinReliability
	}
	if cfg.MinInetDownMbps == 0 {
		cfg.MinInetDownMbps = defaults.MinInetDownMbps
	}
	if cfg.MaxInetDownCostTB == "" {
		cfg.MaxInetDownCostTB = defaults.MaxInetDownCostTB
	}
	if cfg.MaxInetUpCostTB == "" {
		cfg.MaxInetUpCostTB = defaults.MaxInetUpCostTB
	}
	if len(cfg.ExcludedRegions) == 0 {
		cfg.ExcludedRegions = defaults.ExcludedRegions
	}
	if cfg.OfferSearchRetries == 0 {
		cfg.OfferSearchRetries = defaults.OfferSearchRetries
	}
	if cfg.OfferSearchDelay == 0 {
		cfg.OfferSearchDelay = defaults.OfferSearchDelay
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaults.IdleTimeout
	}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = defaults.ReadyTimeout
	}
	if cfg.ReadyPollInterval == 0 {
		cfg.ReadyPollInterval = defaults.ReadyPollInterval
	}
	if cfg.DefaultLeaseMinutes == 0 {
		cfg.DefaultLeaseMinutes = defaults.DefaultLeaseMinutes
	}
	if cfg.GenerationPollInterval == 0 {
		cfg.GenerationPollInterval = defaults.GenerationPollInterval
	}
	if cfg.ImageTimeout == 0 {
		cfg.ImageTimeout = defaults.ImageTimeout
	}
	if cfg.VideoTimeout == 0 {
		cfg.VideoTimeout = defaults.VideoTimeout
	}
	if cfg.ResultDir == "" {
		cfg.ResultDir = defaults.ResultDir
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = defaults.HTTPTimeout
	}
	if cfg.RetryMaxAttempts == 0 {
		cfg.RetryMaxAttempts = defaults.RetryMaxAttempts
	}
	if cfg.RetryInitialDelay == 0 {
		cfg.RetryInitialDelay = defaults.RetryInitialDelay
	}
	if cfg.TCPProbeTimeout == 0 {
		cfg.TCPProbeTimeout = defaults.TCPProbeTimeout
	}
	if cfg.HTTPProbeTimeout == 0 {
		cfg.HTTPProbeTimeout = defaults.HTTPProbeTimeout
	}
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = defaults.KeepaliveInterval
	}
	if cfg.KeepaliveTimeout == 0 {
		cfg.KeepaliveTimeout = defaults.KeepaliveTimeout
	}
	if cfg.KeepaliveMaxFailures == 0 {
		cfg.KeepaliveMaxFailures = defaults.KeepaliveMaxFailures
	}
	if cfg.TokenCacheTTL == 0 {
		cfg.TokenCacheTTL = defaults.TokenCacheTTL
	}
	if cfg.TokenRevalidatePeriod == 0 {
		cfg.TokenRevalidatePeriod = defaults.TokenRevalidatePeriod
	}
	if cfg.WatchdogHealthInterval == 0 {
		cfg.WatchdogHealthInterval = defaults.WatchdogHealthInterval
	}
	if cfg.WatchdogStableRuntime == 0 {
		cfg.WatchdogStableRuntime = defaults.WatchdogStableRuntime
	}
	if cfg.WatchdogMaxBackoff == 0 {
		cfg.WatchdogMaxBackoff = defaults.WatchdogMaxBackoff
	}
	if cfg.SSHKeyPath == "" {
		cfg.SSHKeyPath = defaults.SSHKeyPath
	}
	if cfg.StateFile == "" {
		cfg.StateFile = defaults.StateFile
	}
	if cfg.AuditLogPath == "" {
		cfg.AuditLogPath = defaults.AuditLogPath
	}
	if cfg.AuditRetention == 0 {
		cfg.AuditRetention = defaults.AuditRetention
	}
}

// applyEnvOverrides lets secrets come from the environment so they never have
// to live in the config file on disk.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MARKETPLACE_API_KEY"); v != "" {
		cfg.MarketplaceAPIKey = v
	}
	if v := os.Getenv("HUGGINGFACE_HUB_TOKEN"); v != "" {
		cfg.HuggingFaceToken = v
	}
	if v := os.Getenv("CIVITAI_TOKEN"); v != "" {
		cfg.CivitaiToken = v
	}
	if v := os.Getenv("AUDIT_HMAC_SECRET"); v != "" {
		cfg.AuditHMACSecret = v
	}
}
