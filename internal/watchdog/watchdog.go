// Package watchdog supervises long-running local helper processes. Each
// registered process is launched, monitored for exit, and restarted with
// exponential backoff when it crash-loops. A process that exhausts its
// restart budget is marked terminal until explicitly restarted.
package watchdog

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// ProcessState describes where a supervised process is in its lifecycle.
type ProcessState string

const (
	StateStopped    ProcessState = "stopped"
	StateRunning    ProcessState = "running"
	StateRestarting ProcessState = "restarting"
	StateFailed     ProcessState = "failed"
)

// EventKind tags a watchdog event.
type EventKind int

const (
	ProcessStarted EventKind = iota
	ProcessExited
	ProcessRestarting
	ProcessFailed
)

// Event is emitted on process lifecycle transitions.
type Event struct {
	Kind    EventKind
	Name    string
	PID     int
	Crashes int
	Err     error
}

// Spec declares a process the watchdog should keep alive.
type Spec struct {
	Name string
	Cmd  string
	Args []string
	Dir  string
	Env  []string
}

// Config holds supervision tunables.
type Config struct {
	// RestartDelay is the base backoff before a restart attempt.
	RestartDelay time.Duration
	// MinHealthyRuntime is how long a process must survive for its crash
	// counter to reset.
	MinHealthyRuntime time.Duration
	// MaxRestarts is the restart budget before the process goes terminal.
	MaxRestarts int
	// ProbeInterval controls the PID liveness sweep.
	ProbeInterval time.Duration
	// MaxBackoff caps the restart delay.
	MaxBackoff time.Duration
}

// DefaultConfig returns conservative supervision defaults.
func DefaultConfig() Config {
	return Config{
		RestartDelay:      2 * time.Second,
		MinHealthyRuntime: 60 * time.Second,
		MaxRestarts:       10,
		ProbeInterval:     30 * time.Second,
		MaxBackoff:        maxBackoff,
	}
}

const (
	maxBackoffShift = 6
	maxBackoff      = 60 * time.Second
)

type supervised struct {
	spec               Spec
	state              ProcessState
	pid                int
	consecutiveCrashes int
	totalRestarts      int
	startedAt          time.Time
	cancel             context.CancelFunc
	lastErr            error
}

// Status is a read-only snapshot of one supervised process.
type Status struct {
	Name               string       `json:"name"`
	State              ProcessState `json:"state"`
	PID                int          `json:"pid,omitempty"`
	ConsecutiveCrashes int          `json:"consecutive_crashes"`
	TotalRestarts      int          `json:"total_restarts"`
	StartedAt          time.Time    `json:"started_at,omitempty"`
	LastError          string       `json:"last_error,omitempty"`
}

// Watchdog supervises registered processes.
type Watchdog struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	procs map[string]*supervised

	events chan Event

	probeCancel context.CancelFunc
	probeDone   chan struct{}
}

// New creates a watchdog.
func New(cfg Config, logger *zap.Logger) *Watchdog {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultConfig().RestartDelay
	}
	if cfg.MinHealthyRuntime <= 0 {
		cfg.MinHealthyRuntime = DefaultConfig().MinHealthyRuntime
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = DefaultConfig().MaxRestarts
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultConfig().ProbeInterval
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = maxBackoff
	}
	return &Watchdog{
		cfg:    cfg,
		logger: logger,
		procs:  make(map[string]*supervised),
		events: make(chan Event, 32),
	}
}

// Events exposes the lifecycle event stream. Buffered; events are dropped
// rather than blocking supervision when nobody listens.
func (w *Watchdog) Events() <-chan Event { return w.events }

// Register adds a process spec without starting it. Registering an existing
// name replaces the spec only when the process is not running.
func (w *Watchdog) Register(spec Spec) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if p, ok := w.procs[spec.Name]; ok && p.state == StateRunning {
		w.logger.Warn("Refusing to replace spec of running process", zap.String("name", spec.Name))
		return
	}
	w.procs[spec.Name] = &supervised{spec: spec, state: StateStopped}
}

// Start launches a registered process and begins supervising it. A process
// in the failed state gets a fresh restart budget.
func (w *Watchdog) Start(name string) error {
	w.mu.Lock()
	p, ok := w.procs[name]
	if !ok {
		w.mu.Unlock()
		return &NotRegisteredError{Name: name}
	}
	if p.state == StateRunning || p.state == StateRestarting {
		w.mu.Unlock()
		return nil
	}
	p.consecutiveCrashes = 0
	p.totalRestarts = 0
	p.lastErr = nil
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	w.mu.Unlock()

	go w.supervise(ctx, name)
	return nil
}

// Stop terminates a supervised process and disables its restarts.
func (w *Watchdog) Stop(name string) error {
	w.mu.Lock()
	p, ok := w.procs[name]
	if !ok {
		w.mu.Unlock()
		return &NotRegisteredError{Name: name}
	}
	cancel := p.cancel
	p.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// StopAll stops every supervised process and the liveness probe.
func (w *Watchdog) StopAll() {
	w.mu.Lock()
	names := make([]string, 0, len(w.procs))
	for name := range w.procs {
		names = append(names, name)
	}
	w.mu.Unlock()

	for _, name := range names {
		_ = w.Stop(name)
	}
	w.StopProbe()
}

// StatusAll snapshots every registered process.
func (w *Watchdog) StatusAll() []Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Status, 0, len(w.procs))
	for _, p := range w.procs {
		out = append(out, snapshot(p))
	}
	return out
}

// ProcessStatus snapshots one process.
func (w *Watchdog) ProcessStatus(name string) (Status, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.procs[name]
	if !ok {
		return Status{}, &NotRegisteredError{Name: name}
	}
	return snapshot(p), nil
}

func snapshot(p *supervised) Status {
	s := Status{
		Name:               p.spec.Name,
		State:              p.state,
		PID:                p.pid,
		ConsecutiveCrashes: p.consecutiveCrashes,
		TotalRestarts:      p.totalRestarts,
		StartedAt:          p.startedAt,
	}
	if p.lastErr != nil {
		s.LastError = p.lastErr.Error()
	}
	return s
}

// supervise runs the launch/wait/backoff loop for one process until ctx is
// cancelled or the restart budget is exhausted.
func (w *Watchdog) supervise(ctx context.Context, name string) {
	for {
		w.mu.Lock()
		p, ok := w.procs[name]
		if !ok {
			w.mu.Unlock()
			return
		}
		spec := p.spec
		w.mu.Unlock()

		cmd := exec.CommandContext(ctx, spec.Cmd, spec.Args...)
		cmd.Dir = spec.Dir
		if len(spec.Env) > 0 {
			cmd.Env = spec.Env
		}

		startedAt := time.Now()
		if err := cmd.Start(); err != nil {
			w.logger.Error("Failed to start process", zap.String("name", name), zap.Error(err))
			if w.recordExit(name, startedAt, err) {
				return
			}
			if !w.waitBackoff(ctx, name) {
				return
			}
			continue
		}

		w.mu.Lock()
		p.state = StateRunning
		p.pid = cmd.Process.Pid
		p.startedAt = startedAt
		w.mu.Unlock()

		w.logger.Info("Process started", zap.String("name", name), zap.Int("pid", cmd.Process.Pid))
		w.emit(Event{Kind: ProcessStarted, Name: name, PID: cmd.Process.Pid})

		err := cmd.Wait()

		if ctx.Err() != nil {
			w.mu.Lock()
			// The sweep may already have taken over the entry; only mark it
			// stopped while it still belongs to this launch.
			if p.pid == cmd.Process.Pid {
				p.state = StateStopped
				p.pid = 0
			}
			w.mu.Unlock()
			w.logger.Info("Process stopped", zap.String("name", name))
			return
		}

		w.emit(Event{Kind: ProcessExited, Name: name, Err: err})
		if w.recordExit(name, startedAt, err) {
			return
		}
		if !w.waitBackoff(ctx, name) {
			return
		}
	}
}

// recordExit updates crash accounting after an exit. It returns true when
// the process has gone terminal.
func (w *Watchdog) recordExit(name string, startedAt time.Time, err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.procs[name]
	if !ok {
		return true
	}
	p.pid = 0
	p.lastErr = err

	runtime := time.Since(startedAt)
	if runtime < w.cfg.MinHealthyRuntime {
		p.consecutiveCrashes++
	} else {
		p.consecutiveCrashes = 0
	}
	p.totalRestarts++

	if p.consecutiveCrashes > w.cfg.MaxRestarts {
		p.state = StateFailed
		w.logger.Error("Process exceeded restart budget, giving up",
			zap.String("name", name),
			zap.Int("consecutive_crashes", p.consecutiveCrashes))
		w.emitLocked(Event{Kind: ProcessFailed, Name: name, Crashes: p.consecutiveCrashes, Err: err})
		return true
	}

	p.state = StateRestarting
	w.logger.Warn("Process exited, will restart",
		zap.String("name", name),
		zap.Duration("runtime", runtime.Round(time.Second)),
		zap.Int("consecutive_crashes", p.consecutiveCrashes),
		zap.Error(err))
	w.emitLocked(Event{Kind: ProcessRestarting, Name: name, Crashes: p.consecutiveCrashes, Err: err})
	return false
}

// waitBackoff sleeps the crash-scaled backoff. Returns false if ctx was
// cancelled while waiting.
func (w *Watchdog) waitBackoff(ctx context.Context, name string) bool {
	w.mu.Lock()
	crashes := 0
	if p, ok := w.procs[name]; ok {
		crashes = p.consecutiveCrashes
	}
	w.mu.Unlock()

	delay := Backoff(w.cfg.RestartDelay, crashes)
	if delay > w.cfg.MaxBackoff {
		delay = w.cfg.MaxBackoff
	}
	select {
	case <-ctx.Done():
		w.mu.Lock()
		if p, ok := w.procs[name]; ok {
			p.state = StateStopped
		}
		w.mu.Unlock()
		return false
	case <-time.After(delay):
		return true
	}
}

// Backoff computes the restart delay for a given crash streak. The delay
// doubles per crash with the shift clamped, then the whole thing is capped.
func Backoff(base time.Duration, crashes int) time.Duration {
	shift := crashes
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	if shift < 0 {
		shift = 0
	}
	d := base * (1 << uint(shift))
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// StartProbe begins a periodic PID liveness sweep. cmd.Wait already catches
// exits of processes we launched; the probe additionally catches a PID that
// was recycled or a process table entry that vanished without Wait firing.
func (w *Watchdog) StartProbe() {
	if w.probeCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.probeCancel = cancel
	w.probeDone = make(chan struct{})

	go func() {
		defer close(w.probeDone)
		ticker := time.NewTicker(w.cfg.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.sweep()
			}
		}
	}()
}

// StopProbe cancels the liveness sweep.
func (w *Watchdog) StopProbe() {
	if w.probeCancel == nil {
		return
	}
	w.probeCancel()
	<-w.probeDone
	w.probeCancel = nil
}

func (w *Watchdog) sweep() {
	w.mu.Lock()
	type probe struct {
		name string
		pid  int
	}
	var probes []probe
	for name, p := range w.procs {
		if p.state == StateRunning && p.pid > 0 {
			probes = append(probes, probe{name: name, pid: p.pid})
		}
	}
	w.mu.Unlock()

	for _, pr := range probes {
		alive, err := process.PidExists(int32(pr.pid))
		if err != nil {
			w.logger.Debug("Liveness probe error", zap.String("name", pr.name), zap.Error(err))
			continue
		}
		if !alive {
			w.logger.Warn("Supervised PID no longer exists, relaunching",
				zap.String("name", pr.name), zap.Int("pid", pr.pid))
			w.relaunch(pr.name, pr.pid)
		}
	}
}

// errProcessVanished marks an exit the watchdog inferred from the PID sweep
// rather than observed through Wait.
var errProcessVanished = errors.New("process disappeared without an exit event")

// relaunch puts a vanished process back through the crash-accounting and
// restart path. The stale supervise loop, if any, is cancelled first; its
// launch no longer owns the entry once the PID is reset here.
func (w *Watchdog) relaunch(name string, pid int) {
	w.mu.Lock()
	p, ok := w.procs[name]
	if !ok || p.state != StateRunning || p.pid != pid {
		w.mu.Unlock()
		return
	}
	oldCancel := p.cancel
	startedAt := p.startedAt
	w.mu.Unlock()

	w.emit(Event{Kind: ProcessExited, Name: name, Err: errProcessVanished})
	if w.recordExit(name, startedAt, errProcessVanished) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	if p, ok := w.procs[name]; ok {
		p.cancel = cancel
	}
	w.mu.Unlock()
	if oldCancel != nil {
		oldCancel()
	}

	go func() {
		if !w.waitBackoff(ctx, name) {
			return
		}
		w.supervise(ctx, name)
	}()
}

func (w *Watchdog) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
	}
}

// emitLocked is emit for callers already holding w.mu; the channel send
// itself never touches the mutex.
func (w *Watchdog) emitLocked(ev Event) { w.emit(ev) }

// NotRegisteredError indicates an operation on an unknown process name.
type NotRegisteredError struct {
	Name string
}

func (e *NotRegisteredError) Error() string {
	return "process not registered: " + e.Name
}
