// Package supervisor owns the lifecycle of the long-running pipeline
// units: start, health monitoring, bounded restart, and signal-driven
// coordinated shutdown.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"autofanfic/internal/config"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	case StateRestarting:
		return "restarting"
	}
	return "unknown"
}

// ErrShutdownTimeout reports that one or more units outlived the shutdown
// budget and were abandoned.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// RunFunc is a unit body. It must return promptly once its context is
// cancelled; a non-nil error outside shutdown marks the unit FAILED.
type RunFunc func(ctx context.Context) error

type unit struct {
	name string
	run  RunFunc

	mu       sync.Mutex
	state    State
	done     chan struct{}
	restarts int
	lastErr  error
}

func (u *unit) setState(s State) {
	u.mu.Lock()
	u.state = s
	u.mu.Unlock()
}

func (u *unit) getState() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Supervisor registers named units and drives them through the lifecycle
// state machine.
type Supervisor struct {
	logger *slog.Logger
	cfg    config.Process

	mu      sync.Mutex
	units   []*unit
	names   map[string]*unit
	started bool

	shuttingDown atomic.Bool

	rootCancel    context.CancelFunc
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

func New(logger *slog.Logger, cfg config.Process) *Supervisor {
	return &Supervisor{
		logger: logger,
		cfg:    cfg,
		names:  make(map[string]*unit),
	}
}

// Register adds a named unit. Registration order is start order.
func (s *Supervisor) Register(name string, run RunFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.names[name]; dup {
		s.logger.Warn("unit already registered, ignoring", "unit", name)
		return
	}
	u := &unit{name: name, run: run, state: StateStopped}
	s.units = append(s.units, u)
	s.names[name] = u
}

// Start launches every registered unit plus the health monitor. Calling
// Start again without an intervening shutdown is a no-op.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.logger.Debug("supervisor already started")
		return
	}
	s.started = true

	rootCtx, rootCancel := context.WithCancel(ctx)
	s.rootCancel = rootCancel

	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	s.monitorCancel = monitorCancel
	s.monitorDone = make(chan struct{})

	units := make([]*unit, len(s.units))
	copy(units, s.units)
	s.mu.Unlock()

	for _, u := range units {
		s.startUnit(rootCtx, u)
	}
	go s.monitor(monitorCtx, rootCtx)
}

func (s *Supervisor) startUnit(ctx context.Context, u *unit) {
	u.mu.Lock()
	u.state = StateStarting
	u.done = make(chan struct{})
	done := u.done
	u.mu.Unlock()

	s.logger.Info("starting unit", "unit", u.name)

	go func() {
		u.setState(StateRunning)
		err := u.run(ctx)

		u.mu.Lock()
		u.lastErr = err
		if err != nil && !s.shuttingDown.Load() {
			u.state = StateFailed
		} else {
			u.state = StateStopped
		}
		u.mu.Unlock()

		if err != nil && !s.shuttingDown.Load() {
			s.logger.Error("unit terminated unexpectedly", "unit", u.name, "error", err)
		} else {
			s.logger.Debug("unit stopped", "unit", u.name)
		}
		close(done)
	}()
}

// monitor periodically restarts failed units within their restart budget
// and, when enabled, samples the process itself.
func (s *Supervisor) monitor(ctx, rootCtx context.Context) {
	defer close(s.monitorDone)

	interval := s.cfg.HealthInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var proc *process.Process
	if s.cfg.EnableMonitoring {
		proc, _ = process.NewProcess(int32(os.Getpid()))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, u := range s.snapshotUnits() {
			if u.getState() != StateFailed {
				continue
			}
			u.mu.Lock()
			exhausted := !s.cfg.AutoRestart || u.restarts >= s.cfg.MaxRestartAttempts
			if !exhausted {
				u.restarts++
				u.state = StateRestarting
			}
			attempt := u.restarts
			u.mu.Unlock()

			if exhausted {
				continue
			}
			s.logger.Warn("restarting unit", "unit", u.name, "attempt", attempt, "max", s.cfg.MaxRestartAttempts)

			// The wait runs off the scan loop so one pending restart
			// cannot delay health sampling or other units' restarts.
			// The RESTARTING state keeps the scan from re-triggering.
			go func(u *unit) {
				select {
				case <-time.After(s.cfg.RestartWait()):
				case <-ctx.Done():
					return
				}
				if s.shuttingDown.Load() {
					return
				}
				s.startUnit(rootCtx, u)
			}(u)
		}

		if proc != nil {
			cpu, _ := proc.CPUPercent()
			var rss uint64
			if mem, err := proc.MemoryInfo(); err == nil {
				rss = mem.RSS
			}
			s.logger.Debug("process health", "cpu_percent", cpu, "rss_bytes", rss, "units", s.States())
		}
	}
}

func (s *Supervisor) snapshotUnits() []*unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*unit, len(s.units))
	copy(out, s.units)
	return out
}

// Run starts everything and blocks until a termination signal or parent
// context cancellation, then performs the coordinated shutdown. Repeated
// signals during shutdown are logged and otherwise ignored.
func (s *Supervisor) Run(ctx context.Context) error {
	s.Start(ctx)

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case sig := <-sigCh:
		s.logger.Info("signal received, shutting down", "signal", sig.String())
	}

	done := make(chan error, 1)
	go func() { done <- s.Shutdown() }()
	for {
		select {
		case err := <-done:
			return err
		case sig := <-sigCh:
			s.logger.Info("already shutting down, ignoring signal", "signal", sig.String())
		}
	}
}

// Shutdown is latched: only the first caller performs the phased stop.
func (s *Supervisor) Shutdown() error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	s.logger.Info("shutdown initiated", "budget", s.cfg.ShutdownBudget())

	// Stop the monitor first so it cannot restart units mid-shutdown.
	s.monitorCancel()
	<-s.monitorDone

	// Parallel stop of all units under the shutdown budget.
	units := s.snapshotUnits()
	for _, u := range units {
		if u.getState() == StateRunning || u.getState() == StateStarting {
			u.setState(StateStopping)
		}
	}
	s.rootCancel()

	allDone := make(chan struct{})
	go func() {
		for _, u := range units {
			u.mu.Lock()
			done := u.done
			u.mu.Unlock()
			if done != nil {
				<-done
			}
		}
		close(allDone)
	}()

	var err error
	select {
	case <-allDone:
	case <-time.After(s.cfg.ShutdownBudget()):
		for _, u := range units {
			if st := u.getState(); st == StateStopping {
				s.logger.Error("unit exceeded shutdown budget, abandoning", "unit", u.name)
				u.setState(StateFailed)
			}
		}
		err = ErrShutdownTimeout
	}

	for _, u := range units {
		u.mu.Lock()
		if u.lastErr != nil {
			s.logger.Info("unit exit status", "unit", u.name, "error", u.lastErr)
		}
		u.mu.Unlock()
	}
	s.logger.Info("shutdown complete")
	return err
}

// States snapshots unit states for the monitoring API.
func (s *Supervisor) States() map[string]string {
	out := make(map[string]string)
	for _, u := range s.snapshotUnits() {
		out[u.name] = u.getState().String()
	}
	return out
}
