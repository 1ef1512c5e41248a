// Package marketplace is the REST client for the GPU rental marketplace:
// offer search, rent-by-ask, instance status, teardown, and account SSH key
// management.
package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/museforge/muse-backend/internal/httpx"
	"github.com/museforge/muse-backend/internal/models"
	"go.uber.org/zap"
)

// Client talks to the marketplace API.
type Client struct {
	baseURL string
	apiKey  string
	http    *httpx.Client
	logger  *zap.Logger
}

// NewClient creates a marketplace client.
func NewClient(baseURL, apiKey string, httpClient *httpx.Client, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
		logger:  logger,
	}
}

func (c *Client) headers() map[string]string {
	return map[string]string{
		"Accept":        "application/json",
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + c.apiKey,
	}
}

// SearchOffers queries the marketplace with server-side filters built from
// the criteria, then applies the client-side eligibility pass the API cannot
// express (region exclusion, bandwidth cost ceilings, multi-GPU VRAM floor).
func (c *Client) SearchOffers(ctx context.Context, criteria Criteria, relaxed bool) ([]models.Offer, error) {
	query := buildQuery(criteria, relaxed)
	data, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal offer query: %w", err)
	}

	searchURL := fmt.Sprintf("%s/bundles/?q=%s", c.baseURL, url.QueryEscape(string(data)))
	resp, err := c.http.DoWithRetry(ctx, http.MethodGet, searchURL, c.headers(), nil)
	if err != nil {
		return nil, fmt.Errorf("offer search request failed: %w", err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("offer search returned %d", resp.StatusCode)
	}

	var envelope struct {
		Offers []models.Offer `json:"offers"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode offer search response: %w", err)
	}

	eligible := FilterEligible(envelope.Offers, criteria, relaxed)
	c.logger.Info("Offer search completed",
		zap.Int("returned", len(envelope.Offers)),
		zap.Int("eligible", len(eligible)),
		zap.Bool("relaxed", relaxed))
	return eligible, nil
}

// RentAsk rents a specific ask. The returned contract ID identifies the
// instance for all later calls. An ask that vanished between search and rent
// surfaces as models.ErrOfferGone so the caller can rotate candidates.
func (c *Client) RentAsk(ctx context.Context, askID int64, req RentRequest) (int64, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal rent request: %w", err)
	}

	rentURL := fmt.Sprintf("%s/asks/%d/", c.baseURL, askID)
	// No retry wrapper here: a rent PUT is not idempotent, and a failed ask
	// is handled by rotating to the next candidate instead.
	resp, err := c.http.Do(ctx, http.MethodPut, rentURL, c.headers(), body)
	if err != nil {
		return 0, fmt.Errorf("rent request failed: %w", err)
	}

	bodyText := string(resp.Body)
	if !resp.OK() {
		if strings.Contains(bodyText, "no_such_ask") {
			return 0, models.ErrOfferGone
		}
		return 0, fmt.Errorf("%w: marketplace returned %d: %s",
			models.ErrRentalFailed, resp.StatusCode, truncate(bodyText, 200))
	}

	var result struct {
		Success     bool   `json:"success"`
		NewContract int64  `json:"new_contract"`
		Error       string `json:"error"`
	}
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return 0, fmt.Errorf("failed to decode rent response: %w", err)
	}
	if !result.Success || result.NewContract == 0 {
		if strings.Contains(result.Error, "no_such_ask") {
			return 0, models.ErrOfferGone
		}
		return 0, fmt.Errorf("%w: %s", models.ErrRentalFailed, result.Error)
	}

	c.logger.Info("Offer rented",
		zap.Int64("ask_id", askID),
		zap.Int64("contract_id", result.NewContract))
	return result.NewContract, nil
}

// GetInstance fetches the marketplace's view of a contract. A 404 means the
// contract is gone and local state must be cleared; a 429 means back off for
// this cycle without drawing conclusions.
func (c *Client) GetInstance(ctx context.Context, contractID int64) (*models.InstanceInfo, error) {
	instURL := fmt.Sprintf("%s/instances/%d/", c.baseURL, contractID)
	resp, err := c.http.Do(ctx, http.MethodGet, instURL, c.headers(), nil)
	if err != nil {
		return nil, fmt.Errorf("instance status request failed: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, models.ErrInstanceGone
	case http.StatusTooManyRequests:
		return nil, models.ErrRateLimited
	}
	if !resp.OK() {
		return nil, fmt.Errorf("instance status returned %d", resp.StatusCode)
	}

	var envelope struct {
		Instances models.InstanceInfo `json:"instances"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode instance response: %w", err)
	}
	return &envelope.Instances, nil
}

// DestroyInstance tears down a contract. A 404 counts as success: the goal
// state (no instance) already holds.
func (c *Client) DestroyInstance(ctx context.Context, contractID int64) error {
	instURL := fmt.Sprintf("%s/instances/%d/", c.baseURL, contractID)
	resp, err := c.http.Do(ctx, http.MethodDelete, instURL, c.headers(), nil)
	if err != nil {
		return fmt.Errorf("destroy request failed: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		c.logger.Debug("Instance already gone on destroy", zap.Int64("contract_id", contractID))
		return nil
	}
	if !resp.OK() {
		return fmt.Errorf("destroy returned %d", resp.StatusCode)
	}
	return nil
}

// ListSSHKeys returns the account's registered public keys in
// authorized_keys format. Implements sshkey.Registrar.
func (c *Client) ListSSHKeys(ctx context.Context) ([]string, error) {
	resp, err := c.http.DoWithRetry(ctx, http.MethodGet, c.baseURL+"/ssh/", c.headers(), nil)
	if err != nil {
		return nil, fmt.Errorf("ssh key list request failed: %w", err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("ssh key list returned %d", resp.StatusCode)
	}

	var envelope struct {
		SSHKeys []struct {
			PublicKey string `json:"public_key"`
		} `json:"ssh_keys"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode ssh key list: %w", err)
	}

	keys := make([]string, 0, len(envelope.SSHKeys))
	for _, k := range envelope.SSHKeys {
		keys = append(keys, k.PublicKey)
	}
	return keys, nil
}

// RegisterSSHKey attaches a public key to the account. Implements
// sshkey.Registrar.
func (c *Client) RegisterSSHKey(ctx context.Context, publicKey string) error {
	body, err := json.Marshal(map[string]string{"ssh_key": publicKey})
	if err != nil {
		return fmt.Errorf("failed to marshal ssh key: %w", err)
	}
	resp, err := c.http.Do(ctx, http.MethodPost, c.baseURL+"/ssh/", c.headers(), body)
	if err != nil {
		return fmt.Errorf("ssh key register request failed: %w", err)
	}
	if !resp.OK() {
		return fmt.Errorf("ssh key register returned %d: %s",
			resp.StatusCode, truncate(string(resp.Body), 200))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
