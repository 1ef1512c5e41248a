// Package keepalive pings the active instance's engine endpoint on an
// interval and raises a connection-lost event once failures accumulate past
// a threshold. A single successful ping resets the failure streak.
package keepalive

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/museforge/muse-backend/internal/httpx"
	"github.com/museforge/muse-backend/internal/metrics"
	"go.uber.org/zap"
)

// EventKind tags a keepalive event.
type EventKind int

const (
	PingFailed EventKind = iota
	ConnectionLost
	ConnectionRestored
)

// Event is emitted on the monitor's event channel.
type Event struct {
	Kind                EventKind
	URL                 string
	ConsecutiveFailures int
	Err                 error
}

// Config holds monitor tunables.
type Config struct {
	Interval       time.Duration
	PingTimeout    time.Duration
	MaxConsecutive int
}

// DefaultConfig returns the stock keepalive policy.
func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Second,
		PingTimeout:    5 * time.Second,
		MaxConsecutive: 5,
	}
}

const pingPath = "/system_stats"

// Monitor pings one target URL while running.
type Monitor struct {
	cfg     Config
	client  *httpx.Client
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu        sync.Mutex
	targetURL string
	failures  int
	lost      bool
	cancel    context.CancelFunc
	done      chan struct{}

	events chan Event
}

// New creates a keepalive monitor. metrics may be nil.
func New(cfg Config, client *httpx.Client, m *metrics.Metrics, logger *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultConfig().PingTimeout
	}
	if cfg.MaxConsecutive <= 0 {
		cfg.MaxConsecutive = DefaultConfig().MaxConsecutive
	}
	return &Monitor{
		cfg:     cfg,
		client:  client,
		metrics: m,
		logger:  logger,
		events:  make(chan Event, 16),
	}
}

// Events exposes the event stream. Buffered; drops rather than blocks.
func (m *Monitor) Events() <-chan Event { return m.events }

// Start begins pinging url. A running monitor is retargeted in place.
func (m *Monitor) Start(url string) {
	m.mu.Lock()
	m.targetURL = url
	m.failures = 0
	m.lost = false
	if m.cancel != nil {
		m.mu.Unlock()
		m.logger.Debug("Keepalive retargeted", zap.String("url", url))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info("Keepalive monitor started",
		zap.String("url", url),
		zap.Duration("interval", m.cfg.Interval))

	go m.loop(ctx)
}

// Stop halts pinging and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("Keepalive monitor stopped")
}

// Failures returns the current consecutive failure count.
func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ping(ctx)
		}
	}
}

func (m *Monitor) ping(ctx context.Context) {
	m.mu.Lock()
	url := m.targetURL
	m.mu.Unlock()
	if url == "" {
		return
	}

	if m.metrics != nil {
		m.metrics.KeepalivePings.Inc()
	}

	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	resp, err := m.client.Do(pingCtx, http.MethodGet, url+pingPath, nil, nil)
	cancel()

	if err == nil && resp.OK() {
		m.recordSuccess(url)
		return
	}
	if err == nil {
		err = &statusError{code: resp.StatusCode}
	}
	m.recordFailure(url, err)
}

func (m *Monitor) recordSuccess(url string) {
	if m.metrics != nil {
		m.metrics.KeepaliveSuccesses.Inc()
	}

	m.mu.Lock()
	wasLost := m.lost
	m.failures = 0
	m.lost = false
	m.mu.Unlock()

	if wasLost {
		m.logger.Info("Instance connection restored", zap.String("url", url))
		m.emit(Event{Kind: ConnectionRestored, URL: url})
	}
}

func (m *Monitor) recordFailure(url string, err error) {
	if m.metrics != nil {
		m.metrics.KeepaliveFailures.Inc()
	}

	m.mu.Lock()
	m.failures++
	failures := m.failures
	crossed := failures >= m.cfg.MaxConsecutive && !m.lost
	if crossed {
		m.lost = true
	}
	m.mu.Unlock()

	m.logger.Warn("Keepalive ping failed",
		zap.String("url", url),
		zap.Int("consecutive_failures", failures),
		zap.Error(err))
	m.emit(Event{Kind: PingFailed, URL: url, ConsecutiveFailures: failures, Err: err})

	if crossed {
		if m.metrics != nil {
			m.metrics.ConnectionLost.Inc()
		}
		m.logger.Error("Instance connection lost",
			zap.String("url", url),
			zap.Int("consecutive_failures", failures))
		m.emit(Event{Kind: ConnectionLost, URL: url, ConsecutiveFailures: failures, Err: err})
	}
}

func (m *Monitor) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("ping returned status %d", e.code)
}
