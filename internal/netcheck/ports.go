// Package netcheck probes a rented instance's candidate ports to find one
// that is actually reachable before the instance is marked ready. Each
// candidate gets a TCP connect probe first; only if that succeeds is the
// service's status endpoint probed over HTTP.
package netcheck

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/museforge/muse-backend/internal/models"
	"go.uber.org/zap"
)

const (
	directPort      = 8188
	mappedPortKey   = "8188/tcp"
	fallbackPortKey = "18188/tcp"
	statusPath      = "/system_stats"
)

// Candidate is one (port, source) pair to probe, in priority order.
type Candidate struct {
	Port   int
	Source string
}

// Result is a successfully resolved endpoint.
type Result struct {
	ConnectionURL string
	Port          int
	Source        string
}

// Validator probes candidate ports with independent TCP and HTTP timeouts.
type Validator struct {
	tcpTimeout  time.Duration
	httpTimeout time.Duration
	logger      *zap.Logger
}

// NewValidator creates a port validator.
func NewValidator(tcpTimeout, httpTimeout time.Duration, logger *zap.Logger) *Validator {
	if tcpTimeout <= 0 {
		tcpTimeout = 5 * time.Second
	}
	if httpTimeout <= 0 {
		httpTimeout = 10 * time.Second
	}
	return &Validator{tcpTimeout: tcpTimeout, httpTimeout: httpTimeout, logger: logger}
}

// BuildCandidates ranks the ports worth probing for an instance: the direct
// expected port first, then the host port mapped for it, then the fallback
// mapping some templates use.
func BuildCandidates(info *models.InstanceInfo) []Candidate {
	candidates := []Candidate{{Port: directPort, Source: "direct"}}

	if mapped := firstHostPort(info, mappedPortKey); mapped > 0 && mapped != directPort {
		candidates = append(candidates, Candidate{Port: mapped, Source: mappedPortKey + " mapped"})
	}
	if fallback := firstHostPort(info, fallbackPortKey); fallback > 0 {
		candidates = append(candidates, Candidate{Port: fallback, Source: fallbackPortKey + " mapped"})
	}
	return candidates
}

func firstHostPort(info *models.InstanceInfo, key string) int {
	mappings, ok := info.Ports[key]
	if !ok || len(mappings) == 0 {
		return 0
	}
	port, err := strconv.Atoi(mappings[0].HostPort)
	if err != nil {
		return 0
	}
	return port
}

// Resolve probes each candidate in order and returns the first that passes
// both the TCP and the HTTP probe. When everything fails, the error
// distinguishes structurally blocked ports (ErrFirewallSuspected) from a
// service that has not come up yet (ErrServiceNotReady) so callers know
// whether to keep polling or escalate.
func (v *Validator) Resolve(ctx context.Context, host string, candidates []Candidate) (*Result, error) {
	if host == "" {
		return nil, fmt.Errorf("no public IP address available")
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no port candidates to probe")
	}

	anyTCP := false
	for _, c := range candidates {
		addr := net.JoinHostPort(host, strconv.Itoa(c.Port))
		if err := v.probeTCP(ctx, addr); err != nil {
			v.logger.Debug("TCP probe failed",
				zap.String("source", c.Source),
				zap.String("addr", addr),
				zap.Error(err),
			)
			continue
		}
		anyTCP = true

		url := fmt.Sprintf("http://%s", addr)
		if err := v.probeHTTP(ctx, url+statusPath); err != nil {
			v.logger.Debug("HTTP probe failed",
				zap.String("source", c.Source),
				zap.String("url", url),
				zap.Error(err),
			)
			continue
		}

		v.logger.Info("Resolved reachable endpoint",
			zap.String("url", url),
			zap.Int("port", c.Port),
			zap.String("source", c.Source),
		)
		return &Result{ConnectionURL: url, Port: c.Port, Source: c.Source}, nil
	}

	if !anyTCP && len(candidates) >= 2 {
		return nil, models.ErrFirewallSuspected
	}
	return nil, models.ErrServiceNotReady
}

func (v *Validator) probeTCP(ctx context.Context, addr string) error {
	dialer := net.Dialer{Timeout: v.tcpTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (v *Validator) probeHTTP(ctx context.Context, url string) error {
	probeCtx, cancel := context.WithTimeout(ctx, v.httpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d %s", resp.StatusCode, resp.Status)
	}
	return nil
}
