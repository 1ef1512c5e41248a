// Package pool implements the warm-pool orchestrator. It tracks exactly one
// rented GPU instance through its lifecycle: offer search, rental, readiness
// validation, lease claims, idle shutdown, and teardown. Every state
// mutation is persisted synchronously before control returns.
package pool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/museforge/muse-backend/internal/audit"
	"github.com/museforge/muse-backend/internal/config"
	"github.com/museforge/muse-backend/internal/keepalive"
	"github.com/museforge/muse-backend/internal/marketplace"
	"github.com/museforge/muse-backend/internal/metrics"
	"github.com/museforge/muse-backend/internal/models"
	"github.com/museforge/muse-backend/internal/netcheck"
	"github.com/museforge/muse-backend/internal/sshkey"
	"github.com/museforge/muse-backend/internal/store"
	"go.uber.org/zap"
)

// Marketplace is the slice of the marketplace client the pool needs.
type Marketplace interface {
	SearchOffers(ctx context.Context, criteria marketplace.Criteria, relaxed bool) ([]models.Offer, error)
	RentAsk(ctx context.Context, askID int64, req marketplace.RentRequest) (int64, error)
	GetInstance(ctx context.Context, contractID int64) (*models.InstanceInfo, error)
	DestroyInstance(ctx context.Context, contractID int64) error
}

// Engine is the slice of the engine client the pool needs for readiness.
type Engine interface {
	CheckHealth(ctx context.Context, baseURL string) (*models.HealthReport, error)
	FetchInventory(ctx context.Context, baseURL string) (*models.ModelInventory, error)
}

// PortResolver probes a fresh instance's candidate ports.
type PortResolver interface {
	Resolve(ctx context.Context, host string, candidates []netcheck.Candidate) (*netcheck.Result, error)
}

// KeyProvisioner guarantees the account SSH credential before a rental.
type KeyProvisioner interface {
	EnsureRegistered(ctx context.Context, registrar sshkey.Registrar) error
}

// Deps collects the manager's collaborators. Audit, Metrics, Keepalive,
// Keys, and Registrar are optional; nil disables that concern.
type Deps struct {
	Market    Marketplace
	Engine    Engine
	Resolver  PortResolver
	Store     store.StateStore
	Keys      KeyProvisioner
	Registrar sshkey.Registrar
	Audit     *audit.Logger
	Metrics   *metrics.Metrics
	Keepalive *keepalive.Monitor
	Logger    *zap.Logger
}

// Manager is the warm-pool orchestrator. All exported methods are safe for
// concurrent use.
type Manager struct {
	cfg      *config.Config
	criteria marketplace.Criteria
	deps     Deps
	logger   *zap.Logger

	mu    sync.Mutex
	state *models.WarmPoolState

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// NewManager loads persisted state (or initializes it) and builds the
// orchestrator. The volatile prewarm flag is reset on load so a crash during
// provisioning cannot wedge the pool.
func NewManager(ctx context.Context, cfg *config.Config, deps Deps) (*Manager, error) {
	state, err := deps.Store.GetState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load warm pool state: %w", err)
	}
	if state == nil {
		state = models.NewWarmPoolState()
	}
	state.IsPrewarming = false

	m := &Manager{
		cfg:      cfg,
		criteria: marketplace.CriteriaFromConfig(cfg),
		deps:     deps,
		logger:   deps.Logger,
		state:    state,
	}
	if err := deps.Store.SaveState(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to persist warm pool state: %w", err)
	}
	m.publishGauges()
	return m, nil
}

// Status returns a deep-enough copy of the current pool state for reporting.
func (m *Manager) Status() models.WarmPoolState {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := *m.state
	if m.state.Instance != nil {
		inst := *m.state.Instance
		snapshot.Instance = &inst
	}
	return snapshot
}

// Prewarm rents and validates one instance. It is single-flight: a second
// call while one is in progress returns models.ErrAlreadyPrewarming
// immediately. Any tracked instance, usable or still provisioning, makes it
// a no-op; renting alongside an existing contract would leak the billed
// rental. The reconcile loop resolves stale contracts, not Prewarm.
func (m *Manager) Prewarm(ctx context.Context) error {
	m.mu.Lock()
	if m.state.SafeMode {
		m.mu.Unlock()
		return models.ErrSafeMode
	}
	if m.state.Instance != nil {
		m.mu.Unlock()
		m.logger.Debug("Prewarm skipped, instance already present")
		return nil
	}
	if m.state.IsPrewarming {
		m.mu.Unlock()
		return models.ErrAlreadyPrewarming
	}
	m.state.IsPrewarming = true
	m.persistLocked(ctx)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.state.IsPrewarming = false
		m.persistLocked(ctx)
		m.mu.Unlock()
	}()

	if m.deps.Metrics != nil {
		m.deps.Metrics.PrewarmAttempts.Inc()
	}

	err := m.provision(ctx)
	if err != nil && m.deps.Metrics != nil {
		m.deps.Metrics.PrewarmFailures.Inc()
	}
	return err
}

func (m *Manager) provision(ctx context.Context) error {
	if m.deps.Keys != nil && m.deps.Registrar != nil {
		if err := m.deps.Keys.EnsureRegistered(ctx, m.deps.Registrar); err != nil {
			return fmt.Errorf("ssh credential provisioning failed: %w", err)
		}
	}

	offers, err := m.searchWithRetries(ctx)
	if err != nil {
		return err
	}

	offer, contractID, err := m.rentFirstAvailable(ctx, marketplace.RankOffers(offers))
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	inst := &models.Instance{
		ContractID: strconv.FormatInt(contractID, 10),
		Status:     models.StatusStarting,
		GPUName:    offer.GPUName,
		CreatedAt:  now,
	}
	m.mu.Lock()
	m.state.Instance = inst
	m.state.LastAction = now
	m.state.ProvisionAttempt++
	m.persistLocked(ctx)
	m.mu.Unlock()

	if m.deps.Metrics != nil {
		m.deps.Metrics.InstancesRented.Inc()
	}
	m.recordAudit(ctx, audit.Entry{
		Action:      audit.ActionPrewarm,
		ContractID:  inst.ContractID,
		Detail:      offer.GPUName,
		CostPerHour: offer.PricePerHour,
	})

	if err := m.waitReady(ctx, contractID); err != nil {
		// The instance never became usable; tear it down so a broken rental
		// does not keep billing.
		m.mu.Lock()
		m.state.UseDefaultScript = true
		m.persistLocked(ctx)
		m.mu.Unlock()
		if termErr := m.Terminate(ctx, "ready_timeout"); termErr != nil {
			m.logger.Error("Failed to tear down unready instance", zap.Error(termErr))
		}
		return err
	}
	return nil
}

// searchWithRetries runs the strict offer search up to the configured retry
// count, then falls back once to a relaxed search before giving up.
func (m *Manager) searchWithRetries(ctx context.Context) ([]models.Offer, error) {
	retries := m.cfg.OfferSearchRetries
	if retries < 1 {
		retries = 1
	}

	for attempt := 1; attempt <= retries; attempt++ {
		offers, err := m.deps.Market.SearchOffers(ctx, m.criteria, false)
		if err != nil {
			m.logger.Warn("Offer search failed", zap.Int("attempt", attempt), zap.Error(err))
		} else if len(offers) > 0 {
			return offers, nil
		}
		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.cfg.OfferSearchDelay):
			}
		}
	}

	m.logger.Info("Strict offer search exhausted, trying relaxed criteria")
	offers, err := m.deps.Market.SearchOffers(ctx, m.criteria, true)
	if err != nil {
		return nil, fmt.Errorf("relaxed offer search failed: %w", err)
	}
	if len(offers) == 0 {
		return nil, models.ErrNoOffersAvailable
	}
	return offers, nil
}

// rentFirstAvailable walks ranked candidates, rotating past asks that
// vanished between search and rent. An image-manifest failure on a candidate
// is retried once without the pinned image before moving on.
func (m *Manager) rentFirstAvailable(ctx context.Context, offers []models.Offer) (models.Offer, int64, error) {
	m.mu.Lock()
	opts := marketplace.ProvisionOptions{
		DiskGB:           m.cfg.MinDiskGB,
		UseDefaultScript: m.state.UseDefaultScript,
		HuggingFaceToken: m.cfg.HuggingFaceToken,
		CivitaiToken:     m.cfg.CivitaiToken,
	}
	m.mu.Unlock()

	var lastErr error
	for _, offer := range offers {
		contractID, err := m.deps.Market.RentAsk(ctx, offer.ID, marketplace.BuildRentRequest(offer, opts))
		if err == nil {
			return offer, contractID, nil
		}
		if errors.Is(err, models.ErrOfferGone) {
			m.logger.Info("Offer gone, rotating to next candidate", zap.Int64("ask_id", offer.ID))
			lastErr = err
			continue
		}
		if strings.Contains(err.Error(), "manifest") {
			m.logger.Warn("Image manifest failure, retrying without pinned image",
				zap.Int64("ask_id", offer.ID))
			retryOpts := opts
			retryOpts.OmitImage = true
			contractID, err = m.deps.Market.RentAsk(ctx, offer.ID, marketplace.BuildRentRequest(offer, retryOpts))
			if err == nil {
				return offer, contractID, nil
			}
		}
		return models.Offer{}, 0, err
	}
	if lastErr == nil {
		lastErr = models.ErrNoOffersAvailable
	}
	return models.Offer{}, 0, fmt.Errorf("%w: every candidate was gone", models.ErrNoOffersAvailable)
}

// waitReady polls the marketplace until the instance is running, resolves a
// working port, and passes the health battery, within the ready timeout.
func (m *Manager) waitReady(ctx context.Context, contractID int64) error {
	deadline := time.Now().Add(m.cfg.ReadyTimeout)

	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("instance %d not ready within %s", contractID, m.cfg.ReadyTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.ReadyPollInterval):
		}

		info, err := m.deps.Market.GetInstance(ctx, contractID)
		if err != nil {
			if errors.Is(err, models.ErrInstanceGone) {
				m.clearInstance(ctx, "contract vanished during provisioning")
				return fmt.Errorf("instance %d disappeared while provisioning: %w", contractID, err)
			}
			if errors.Is(err, models.ErrRateLimited) {
				m.logger.Debug("Rate limited polling instance status")
				continue
			}
			m.logger.Warn("Instance status poll failed", zap.Error(err))
			continue
		}

		m.noteStatus(ctx, info)
		if info.ActualStatus != "running" || info.PublicIP == "" {
			continue
		}

		result, err := m.deps.Resolver.Resolve(ctx, info.PublicIP, netcheck.BuildCandidates(info))
		if err != nil {
			m.noteError(ctx, err)
			continue
		}

		report, err := m.deps.Engine.CheckHealth(ctx, result.ConnectionURL)
		m.storeHealth(ctx, report)
		if err != nil {
			m.noteError(ctx, err)
			continue
		}

		inv, invErr := m.deps.Engine.FetchInventory(ctx, result.ConnectionURL)
		if invErr != nil {
			m.logger.Warn("Model inventory fetch failed", zap.Error(invErr))
		}

		now := time.Now().UTC()
		m.mu.Lock()
		if m.state.Instance == nil {
			m.mu.Unlock()
			return models.ErrNoInstance
		}
		m.state.Instance.Status = models.StatusReady
		m.state.Instance.ConnectionURL = result.ConnectionURL
		m.state.Instance.PortSource = result.Source
		m.state.Instance.LastHeartbeat = now
		m.state.Instance.LastError = ""
		m.state.Instance.Inventory = inv
		m.state.LastAction = now
		// A successful provision clears the default-script fallback.
		m.state.UseDefaultScript = false
		m.persistLocked(ctx)
		m.mu.Unlock()

		if m.deps.Keepalive != nil {
			m.deps.Keepalive.Start(result.ConnectionURL)
		}
		m.publishGauges()
		m.logger.Info("Instance ready",
			zap.Int64("contract_id", contractID),
			zap.String("connection_url", result.ConnectionURL),
			zap.String("port_source", result.Source))
		return nil
	}
}

// CheckInstance reconciles local state against the marketplace's view. A 404
// clears local state; a 429 skips this cycle without conclusions.
func (m *Manager) CheckInstance(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Instance == nil {
		m.mu.Unlock()
		return models.ErrNoInstance
	}
	contractID, err := strconv.ParseInt(m.state.Instance.ContractID, 10, 64)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("corrupt contract id: %w", err)
	}

	info, err := m.deps.Market.GetInstance(ctx, contractID)
	if err != nil {
		if errors.Is(err, models.ErrInstanceGone) {
			m.logger.Warn("Marketplace no longer knows the contract, clearing state",
				zap.Int64("contract_id", contractID))
			m.clearInstance(ctx, "contract gone on marketplace")
			return models.ErrInstanceGone
		}
		if errors.Is(err, models.ErrRateLimited) {
			m.logger.Debug("Rate limited, skipping instance check cycle")
			return nil
		}
		m.noteError(ctx, err)
		return err
	}

	m.noteStatus(ctx, info)
	return nil
}

// Claim leases the warm instance for exclusive use. The returned instance
// always carries a validated connection URL; a pool with no usable instance
// returns models.ErrNoInstance instead of a partial record.
func (m *Manager) Claim(ctx context.Context, maxMinutes int) (*models.Instance, error) {
	if maxMinutes <= 0 {
		maxMinutes = m.cfg.DefaultLeaseMinutes
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Instance == nil || !m.state.Instance.Usable() {
		return nil, models.ErrNoInstance
	}

	now := time.Now().UTC()
	until := now.Add(time.Duration(maxMinutes) * time.Minute)
	m.state.Instance.LeasedUntil = &until
	m.state.LastAction = now
	m.persistLocked(ctx)

	inst := *m.state.Instance
	m.recordAudit(ctx, audit.Entry{
		Action:     audit.ActionClaim,
		ContractID: inst.ContractID,
		Detail:     fmt.Sprintf("leased for %dm", maxMinutes),
	})
	return &inst, nil
}

// MarkActivity refreshes the idle clock without taking a lease.
func (m *Manager) MarkActivity(ctx context.Context) {
	m.mu.Lock()
	m.state.LastAction = time.Now().UTC()
	m.persistLocked(ctx)
	m.mu.Unlock()
}

// Terminate destroys the tracked instance. Local state is cleared even when
// the marketplace delete fails, so the pool can always recover by renting
// fresh; an orphaned contract is caught by the next reconcile.
func (m *Manager) Terminate(ctx context.Context, reason string) error {
	m.mu.Lock()
	if m.state.Instance == nil {
		m.mu.Unlock()
		return nil
	}
	contractStr := m.state.Instance.ContractID
	m.state.Instance.Status = models.StatusTerminating
	m.mu.Unlock()

	var destroyErr error
	if contractID, err := strconv.ParseInt(contractStr, 10, 64); err == nil {
		destroyErr = m.deps.Market.DestroyInstance(ctx, contractID)
		if destroyErr != nil {
			m.logger.Error("Marketplace destroy failed, clearing local state anyway",
				zap.String("contract_id", contractStr), zap.Error(destroyErr))
		}
	} else {
		m.logger.Error("Corrupt contract id at terminate, clearing local state",
			zap.String("contract_id", contractStr))
	}

	m.clearInstance(ctx, reason)
	if m.deps.Metrics != nil {
		m.deps.Metrics.InstancesDestroyed.Inc()
	}
	m.recordAudit(ctx, audit.Entry{
		Action:     audit.ActionTerminate,
		ContractID: contractStr,
		Detail:     reason,
	})
	m.logger.Info("Instance terminated",
		zap.String("contract_id", contractStr),
		zap.String("reason", reason))
	return destroyErr
}

// SetDesiredSize sets the pool target (0 or 1). Shrinking terminates the
// tracked instance; growing kicks off a background prewarm.
func (m *Manager) SetDesiredSize(ctx context.Context, size int) error {
	if size < 0 || size > 1 {
		return fmt.Errorf("desired size must be 0 or 1, got %d", size)
	}

	m.mu.Lock()
	m.state.DesiredSize = size
	m.persistLocked(ctx)
	hasInstance := m.state.Instance != nil
	m.mu.Unlock()

	m.recordAudit(ctx, audit.Entry{
		Action: audit.ActionSetPoolSize,
		Detail: strconv.Itoa(size),
	})

	if size == 0 && hasInstance {
		return m.Terminate(ctx, "pool size set to zero")
	}
	if size == 1 && !hasInstance {
		go func() {
			if err := m.Prewarm(context.Background()); err != nil &&
				!errors.Is(err, models.ErrAlreadyPrewarming) {
				m.logger.Error("Background prewarm failed", zap.Error(err))
			}
		}()
	}
	return nil
}

// SetSafeMode toggles the rental kill-switch. Enabling it terminates any
// tracked instance and suppresses all rentals until disabled.
func (m *Manager) SetSafeMode(ctx context.Context, on bool) error {
	m.mu.Lock()
	m.state.SafeMode = on
	m.persistLocked(ctx)
	hasInstance := m.state.Instance != nil
	m.mu.Unlock()

	m.publishGauges()
	m.recordAudit(ctx, audit.Entry{
		Action: audit.ActionSetSafeMode,
		Detail: strconv.FormatBool(on),
	})
	m.logger.Info("Safe mode changed", zap.Bool("enabled", on))

	if on && hasInstance {
		return m.Terminate(ctx, "safe mode enabled")
	}
	return nil
}

// Start launches the maintenance loop: instance reconcile, lease expiry,
// idle shutdown, and keepalive connection-loss handling.
func (m *Manager) Start() {
	if m.loopCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.loopCancel = cancel
	m.loopDone = make(chan struct{})

	var keepaliveEvents <-chan keepalive.Event
	if m.deps.Keepalive != nil {
		keepaliveEvents = m.deps.Keepalive.Events()
	}

	go func() {
		defer close(m.loopDone)
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-keepaliveEvents:
				if !ok {
					keepaliveEvents = nil
					continue
				}
				if ev.Kind == keepalive.ConnectionLost {
					m.logger.Warn("Keepalive lost connection, reconciling instance")
					if err := m.CheckInstance(ctx); err != nil && !errors.Is(err, models.ErrNoInstance) {
						m.logger.Warn("Reconcile after connection loss failed", zap.Error(err))
					}
				}
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}()
	m.logger.Info("Warm pool maintenance loop started",
		zap.Duration("poll_interval", m.cfg.PollInterval))
}

// Stop cancels the maintenance loop and waits for it.
func (m *Manager) Stop() {
	if m.loopCancel == nil {
		return
	}
	m.loopCancel()
	<-m.loopDone
	m.loopCancel = nil
}

// tick runs one maintenance pass.
func (m *Manager) tick(ctx context.Context) {
	now := time.Now().UTC()

	m.mu.Lock()
	inst := m.state.Instance
	shedAll := m.state.SafeMode || m.state.DesiredSize == 0
	lastAction := m.state.LastAction

	// Expired leases are cleared in place; the instance goes back to being
	// idle-eligible rather than torn down immediately.
	if inst != nil && inst.LeasedUntil != nil && !now.Before(*inst.LeasedUntil) {
		m.logger.Info("Lease expired", zap.String("contract_id", inst.ContractID))
		inst.LeasedUntil = nil
		m.persistLocked(ctx)
	}
	leased := inst != nil && inst.Leased(now)
	m.mu.Unlock()

	if inst == nil {
		return
	}

	// Safe mode and a zero target both mean no instance should survive a tick.
	if shedAll {
		if err := m.Terminate(ctx, "pool target enforcement"); err != nil {
			m.logger.Error("Enforced termination failed", zap.Error(err))
		}
		return
	}

	if err := m.CheckInstance(ctx); err != nil {
		if errors.Is(err, models.ErrInstanceGone) || errors.Is(err, models.ErrNoInstance) {
			return
		}
		m.logger.Warn("Instance check failed", zap.Error(err))
	}

	if !leased && now.Sub(lastAction) > m.cfg.IdleTimeout {
		m.logger.Info("Idle timeout reached, shutting instance down",
			zap.Duration("idle", now.Sub(lastAction).Round(time.Second)))
		m.recordAudit(ctx, audit.Entry{
			Action:     audit.ActionIdleShutdown,
			ContractID: inst.ContractID,
		})
		if err := m.Terminate(ctx, "idle timeout"); err != nil {
			m.logger.Error("Idle shutdown failed", zap.Error(err))
		}
	}
}

// clearInstance drops the tracked instance from local state and stops the
// keepalive monitor.
func (m *Manager) clearInstance(ctx context.Context, reason string) {
	if m.deps.Keepalive != nil {
		m.deps.Keepalive.Stop()
	}

	m.mu.Lock()
	m.state.Instance = nil
	m.state.LastAction = time.Now().UTC()
	m.persistLocked(ctx)
	m.mu.Unlock()

	m.publishGauges()
	m.logger.Info("Local instance state cleared", zap.String("reason", reason))
}

// noteStatus records the marketplace's latest view on the tracked instance.
func (m *Manager) noteStatus(ctx context.Context, info *models.InstanceInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Instance == nil {
		return
	}
	m.state.Instance.LastHeartbeat = time.Now().UTC()
	m.state.Instance.LastStatusMsg = info.StatusMsg
	if m.state.Instance.Status != models.StatusReady {
		switch info.ActualStatus {
		case "running":
			m.state.Instance.Status = models.StatusRunning
		case "loading", "created":
			m.state.Instance.Status = models.StatusInitializing
		}
	}
	m.persistLocked(ctx)
}

func (m *Manager) noteError(ctx context.Context, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Instance == nil {
		return
	}
	m.state.Instance.LastError = err.Error()
	m.persistLocked(ctx)
}

func (m *Manager) storeHealth(ctx context.Context, report *models.HealthReport) {
	if report == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Instance == nil {
		return
	}
	m.state.Instance.HealthReport = report
	m.persistLocked(ctx)
}

// persistLocked writes state while m.mu is held. Persistence failures are
// logged, not propagated: losing a snapshot is recoverable, wedging the
// orchestrator is not.
func (m *Manager) persistLocked(ctx context.Context) {
	if err := m.deps.Store.SaveState(ctx, m.state); err != nil {
		m.logger.Error("Failed to persist warm pool state", zap.Error(err))
	}
}

func (m *Manager) publishGauges() {
	if m.deps.Metrics == nil {
		return
	}
	m.mu.Lock()
	ready := m.state.Instance != nil && m.state.Instance.Usable()
	safeMode := m.state.SafeMode
	m.mu.Unlock()

	m.deps.Metrics.PoolReady.Set(boolGauge(ready))
	m.deps.Metrics.SafeMode.Set(boolGauge(safeMode))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (m *Manager) recordAudit(ctx context.Context, entry audit.Entry) {
	if m.deps.Audit == nil {
		return
	}
	if err := m.deps.Audit.Record(ctx, entry, ""); err != nil {
		m.logger.Warn("Failed to record audit entry", zap.Error(err))
	}
}
