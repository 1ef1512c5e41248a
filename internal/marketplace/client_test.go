package marketplace

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/museforge/muse-backend/internal/httpx"
	"github.com/museforge/muse-backend/internal/models"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	httpClient := httpx.New(2*time.Second, httpx.RetryConfig{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
	}, zap.NewNop())
	return NewClient(srv.URL, "test-key", httpClient, zap.NewNop())
}

func TestRentAskSuccess(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		if r.URL.Path != "/asks/42/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"success": true, "new_contract": 9001}`))
	}))

	contractID, err := c.RentAsk(context.Background(), 42, RentRequest{ClientID: "me"})
	if err != nil {
		t.Fatalf("expected rent success, got %v", err)
	}
	if contractID != 9001 {
		t.Fatalf("expected contract 9001, got %d", contractID)
	}
}

func TestRentAskGoneOffer(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"success": false, "error": "no_such_ask"}`))
	}))

	_, err := c.RentAsk(context.Background(), 42, RentRequest{ClientID: "me"})
	if !errors.Is(err, models.ErrOfferGone) {
		t.Fatalf("expected ErrOfferGone, got %v", err)
	}
}

func TestGetInstanceStatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"gone contract maps to ErrInstanceGone", http.StatusNotFound, `{}`, models.ErrInstanceGone},
		{"rate limit maps to ErrRateLimited", http.StatusTooManyRequests, `{}`, models.ErrRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			_, err := c.GetInstance(context.Background(), 9001)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestGetInstanceDecodesEnvelope(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"instances": {"id": 9001, "actual_status": "running",
			"public_ipaddr": "1.2.3.4",
			"ports": {"8188/tcp": [{"HostIp": "0.0.0.0", "HostPort": "40001"}]}}}`))
	}))

	info, err := c.GetInstance(context.Background(), 9001)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.ActualStatus != "running" || info.PublicIP != "1.2.3.4" {
		t.Fatalf("unexpected instance info: %+v", info)
	}
	if len(info.Ports["8188/tcp"]) != 1 {
		t.Fatal("port mappings must survive decoding")
	}
}

func TestDestroyInstanceTreats404AsSuccess(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	if err := c.DestroyInstance(context.Background(), 9001); err != nil {
		t.Fatalf("destroying an already-gone instance must succeed, got %v", err)
	}
}

func TestSearchOffersAppliesClientFilters(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "" {
			t.Error("search must carry the server-side query")
		}
		w.Write([]byte(`{"offers": [
			{"id": 1, "gpu_name": "RTX 4090", "num_gpus": 1, "gpu_ram": 24000,
			 "disk_space": 200, "dph_total": 0.8, "cuda_max_good": 8.9,
			 "rentable": true, "verified": true, "geolocation": "Germany",
			 "reliability": 0.99, "inet_down": 1500,
			 "internet_down_cost_per_tb": 1, "internet_up_cost_per_tb": 1},
			{"id": 2, "gpu_name": "GTX 1080", "num_gpus": 1, "gpu_ram": 8000,
			 "disk_space": 200, "dph_total": 0.2, "cuda_max_good": 6.1,
			 "rentable": true, "verified": true, "geolocation": "Germany",
			 "reliability": 0.99, "inet_down": 1500,
			 "internet_down_cost_per_tb": 1, "internet_up_cost_per_tb": 1}
		]}`))
	}))

	offers, err := c.SearchOffers(context.Background(), testCriteria(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(offers) != 1 || offers[0].ID != 1 {
		t.Fatalf("client-side filter should drop the 8GB card, got %+v", offers)
	}
}

func TestListSSHKeys(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ssh_keys": [{"public_key": "ssh-ed25519 AAAA key1"}]}`))
	}))
	keys, err := c.ListSSHKeys(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 1 || keys[0] != "ssh-ed25519 AAAA key1" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}
