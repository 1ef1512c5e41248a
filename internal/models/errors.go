package models

import (
	"errors"
	"fmt"
)

// Predefined errors for the warm pool, port validation, and job pipeline.
var (
	// ErrNoOffersAvailable: no eligible offer survived the filtered search,
	// its retries, and the relaxed fallback. Fatal for the provisioning
	// attempt; never retried beyond the built-in offer-search retries.
	ErrNoOffersAvailable = errors.New("no eligible offers available")

	// ErrRentalFailed: the rent request against the ask failed. The offer is
	// likely already gone, so this layer does not retry.
	ErrRentalFailed = errors.New("offer rental failed")

	// ErrFirewallSuspected: every port candidate failed the TCP probe, which
	// points at a blocked host rather than a slow service.
	ErrFirewallSuspected = errors.New("all ports blocked, firewall suspected")

	// ErrServiceNotReady: at least one port accepted TCP but none passed the
	// HTTP probe; the service is probably still starting. Callers should
	// keep polling rather than escalate.
	ErrServiceNotReady = errors.New("service not ready on any candidate port")

	// ErrAlreadyPrewarming is the single-flight response to a concurrent
	// prewarm call.
	ErrAlreadyPrewarming = errors.New("prewarm already in flight")

	// ErrSafeMode: rentals are suppressed until safe mode is disabled.
	ErrSafeMode = errors.New("safe mode active, rentals suppressed")

	// ErrOfferGone: the ask disappeared between search and rent. The caller
	// rotates to the next candidate.
	ErrOfferGone = errors.New("offer no longer exists")

	// ErrRateLimited: the marketplace returned 429; skip the cycle, do not
	// treat the instance as gone.
	ErrRateLimited = errors.New("marketplace rate limited")

	// ErrInstanceGone: the marketplace no longer knows the contract (404).
	// Local state must be cleared.
	ErrInstanceGone = errors.New("instance no longer exists")

	ErrNoInstance  = errors.New("no instance tracked")
	ErrJobNotFound = errors.New("job not found")

	ErrGenerationTimeout = errors.New("generation timed out")
)

// HealthFailureReason classifies why a health check failed.
type HealthFailureReason string

const (
	ReasonAPIUnreachable    HealthFailureReason = "api_unreachable"
	ReasonGPUExhausted      HealthFailureReason = "gpu_exhausted"
	ReasonMissingCapability HealthFailureReason = "missing_capability"
)

// HealthCheckError carries the sub-reason so callers can distinguish an
// exhausted GPU from a provisioning failure.
type HealthCheckError struct {
	Reason HealthFailureReason
	Report *HealthReport
}

func (e *HealthCheckError) Error() string {
	return fmt.Sprintf("instance health check failed: %s", e.Reason)
}
