// Package tokens validates external service credentials before expensive
// operations depend on them. Validation is a cheap format check followed by
// a minimal authenticated read against the live API; results are cached per
// service with a TTL, and a background loop revalidates periodically,
// emitting typed transition events.
package tokens

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/museforge/muse-backend/internal/httpx"
	"go.uber.org/zap"
)

// Service identifies a credentialed external service.
type Service string

const (
	ServiceMarketplace Service = "marketplace"
	ServiceHuggingFace Service = "huggingface"
	ServiceCivitai     Service = "civitai"
)

// Result is the outcome of one validation.
type Result struct {
	Valid    bool      `json:"valid"`
	Error    string    `json:"error,omitempty"`
	TestedAt time.Time `json:"tested_at,omitempty"`
}

// EventKind tags a validation transition.
type EventKind int

const (
	TokenValidated EventKind = iota
	TokenInvalid
)

// Event is emitted on the validator's event channel whenever a fresh (non
// cached) validation completes.
type Event struct {
	Kind    EventKind
	Service Service
	Result  Result
}

type cacheEntry struct {
	result    Result
	timestamp time.Time
}

// Config holds validator endpoints and credentials. Endpoints are
// overridable so tests can point them at a local server.
type Config struct {
	MarketplaceBaseURL string
	MarketplaceAPIKey  string
	HuggingFaceBaseURL string
	HuggingFaceToken   string
	CivitaiBaseURL     string
	CivitaiToken       string
	CacheTTL           time.Duration
}

// Validator checks service credentials with TTL caching.
type Validator struct {
	cfg    Config
	client *httpx.Client
	logger *zap.Logger

	mu    sync.Mutex
	cache map[Service]cacheEntry

	events chan Event

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// NewValidator creates a token validator.
func NewValidator(cfg Config, client *httpx.Client, logger *zap.Logger) *Validator {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.HuggingFaceBaseURL == "" {
		cfg.HuggingFaceBaseURL = "https://huggingface.co"
	}
	if cfg.CivitaiBaseURL == "" {
		cfg.CivitaiBaseURL = "https://civitai.com"
	}
	return &Validator{
		cfg:    cfg,
		client: client,
		logger: logger,
		cache:  make(map[Service]cacheEntry),
		events: make(chan Event, 16),
	}
}

// Events exposes the transition event stream. The channel is buffered;
// events are dropped rather than blocking validation when nobody listens.
func (v *Validator) Events() <-chan Event { return v.events }

// ValidateFormat performs the cheap pre-network checks: minimum length and
// obvious placeholder detection.
func ValidateFormat(service Service, token string) error {
	if token == "" {
		return fmt.Errorf("token is missing")
	}

	minLength := 20
	switch service {
	case ServiceMarketplace, ServiceCivitai:
		minLength = 32
	case ServiceHuggingFace:
		minLength = 30
	}
	if len(token) < minLength {
		return fmt.Errorf("token too short (min %d chars)", minLength)
	}

	placeholders := []string{"your_token_here", "replace_me", "example", "test123"}
	lower := strings.ToLower(token)
	for _, p := range placeholders {
		if strings.Contains(lower, p) {
			return fmt.Errorf("token appears to be a placeholder")
		}
	}
	return nil
}

// Validate checks one service's credential, serving a cached result when
// useCache is set and the entry is within its TTL.
func (v *Validator) Validate(ctx context.Context, service Service, useCache bool) Result {
	if useCache {
		if cached, ok := v.cached(service); ok {
			return cached
		}
	}

	result := v.validateLive(ctx, service)
	v.store(service, result)
	v.emit(service, result)
	return result
}

// ValidateAll validates every configured service.
func (v *Validator) ValidateAll(ctx context.Context, useCache bool) map[Service]Result {
	out := make(map[Service]Result, 3)
	for _, svc := range []Service{ServiceMarketplace, ServiceHuggingFace, ServiceCivitai} {
		out[svc] = v.Validate(ctx, svc, useCache)
	}
	return out
}

// StartPeriodic begins a background loop that forces fresh validation on the
// given interval. Stop cancels it deterministically.
func (v *Validator) StartPeriodic(interval time.Duration) {
	if v.loopCancel != nil {
		v.logger.Debug("Periodic token validation already running")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	v.loopCancel = cancel
	v.loopDone = make(chan struct{})

	v.logger.Info("Starting periodic token validation", zap.Duration("interval", interval))

	go func() {
		defer close(v.loopDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		v.ValidateAll(ctx, false)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				v.ValidateAll(ctx, false)
			}
		}
	}()
}

// Stop cancels the periodic loop and waits for it to exit.
func (v *Validator) Stop() {
	if v.loopCancel == nil {
		return
	}
	v.loopCancel()
	<-v.loopDone
	v.loopCancel = nil
}

// ClearCache drops all cached validation results.
func (v *Validator) ClearCache() {
	v.mu.Lock()
	v.cache = make(map[Service]cacheEntry)
	v.mu.Unlock()
}

func (v *Validator) cached(service Service) (Result, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, ok := v.cache[service]
	if !ok {
		return Result{}, false
	}
	if time.Since(entry.timestamp) > v.cfg.CacheTTL {
		delete(v.cache, service)
		return Result{}, false
	}
	return entry.result, true
}

func (v *Validator) store(service Service, result Result) {
	v.mu.Lock()
	v.cache[service] = cacheEntry{result: result, timestamp: time.Now()}
	v.mu.Unlock()
}

func (v *Validator) emit(service Service, result Result) {
	kind := TokenValidated
	if !result.Valid {
		kind = TokenInvalid
	}
	select {
	case v.events <- Event{Kind: kind, Service: service, Result: result}:
	default:
	}
}

func (v *Validator) validateLive(ctx context.Context, service Service) Result {
	token := v.token(service)
	if token == "" {
		return Result{Valid: false, Error: "token not configured"}
	}
	if err := ValidateFormat(service, token); err != nil {
		return Result{Valid: false, Error: err.Error()}
	}

	var url string
	headers := map[string]string{"Accept": "application/json"}
	switch service {
	case ServiceMarketplace:
		url = v.cfg.MarketplaceBaseURL + "/instances/"
		headers["Authorization"] = "Bearer " + token
	case ServiceHuggingFace:
		url = v.cfg.HuggingFaceBaseURL + "/api/whoami-v2"
		headers["Authorization"] = "Bearer " + token
	case ServiceCivitai:
		url = v.cfg.CivitaiBaseURL + "/api/v1/models?limit=1&token=" + token
	default:
		return Result{Valid: false, Error: "unknown service"}
	}

	resp, err := v.client.Do(ctx, http.MethodGet, url, headers, nil)
	if err != nil {
		return Result{Valid: false, Error: fmt.Sprintf("API test failed: %v", err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return Result{Valid: false, Error: "token authentication failed (401)"}
	case resp.StatusCode == http.StatusForbidden:
		return Result{Valid: false, Error: "token forbidden (403)"}
	case !resp.OK():
		return Result{Valid: false, Error: fmt.Sprintf("API returned %d", resp.StatusCode)}
	}
	return Result{Valid: true, TestedAt: time.Now().UTC()}
}

func (v *Validator) token(service Service) string {
	switch service {
	case ServiceMarketplace:
		return v.cfg.MarketplaceAPIKey
	case ServiceHuggingFace:
		return v.cfg.HuggingFaceToken
	case ServiceCivitai:
		return v.cfg.CivitaiToken
	}
	return ""
}
