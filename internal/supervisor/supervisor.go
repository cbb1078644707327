// Package supervisor runs the start/stop/reload/kill state machine of
// single units: it executes the configured command sequences, tracks the
// main process and persists the result in the status store.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/config"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/execx"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/expand"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/fs"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/journal"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/lock"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/log"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/process"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/state"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/unit"
)

var (
	// ErrExec is returned when a command could not be spawned.
	ErrExec = errors.New("exec failed")
	// ErrTimeout is returned when a wait ran out of time.
	ErrTimeout = errors.New("timeout")
	// ErrFailed is returned when a checked command exited unsuccessfully.
	ErrFailed = errors.New("command failed")
	// ErrMasked is returned for operations on masked units.
	ErrMasked = errors.New("unit is masked")
	// ErrNotLoaded is returned for units without a unit file.
	ErrNotLoaded = errors.New("unit not loaded")
	// ErrUnsupported is returned for unit kinds or service types we do not run.
	ErrUnsupported = errors.New("not supported")
	// ErrInactive is returned when reloading a unit that is not running.
	ErrInactive = errors.New("unit is not active")
)

// Sockets opens and closes the sockets of socket units.
type Sockets interface {
	Open(ctx context.Context, d *unit.Description) error
	Close(name string) error
	IsOpen(name string) bool
}

// Supervisor executes operations on single units.
type Supervisor struct {
	cfg     *config.Settings
	logger  log.Logger
	files   *fs.Service
	status  *state.Store
	locks   *lock.Locker
	expand  *expand.Expander
	journal *journal.Journal
	runner  execx.Runner
	sockets Sockets
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithRunner replaces the process spawner.
func WithRunner(r execx.Runner) Option {
	return func(s *Supervisor) { s.runner = r }
}

// WithExpander replaces the variable expander, e.g. to pass extra vars.
func WithExpander(e *expand.Expander) Option {
	return func(s *Supervisor) { s.expand = e }
}

// WithStatusStore replaces the status store.
func WithStatusStore(st *state.Store) Option {
	return func(s *Supervisor) { s.status = st }
}

// WithSockets sets the socket owner used for socket units.
func WithSockets(sockets Sockets) Option {
	return func(s *Supervisor) { s.sockets = sockets }
}

// New creates a Supervisor. Collaborators not given as options are built
// from cfg.
func New(cfg *config.Settings, logger log.Logger, opts ...Option) *Supervisor {
	files := fs.NewServiceWithLogger(cfg, logger)
	s := &Supervisor{
		cfg:     cfg,
		logger:  logger,
		files:   files,
		status:  state.NewStore(files, logger, process.BootTime),
		locks:   lock.NewLocker(files.LockFile, cfg.LockAttempts(), cfg.LockRetryInterval, logger),
		expand:  expand.New(cfg, logger, nil),
		journal: journal.New(files.JournalFolder(), logger),
		runner:  execx.NewRealRunner(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Status returns the status store.
func (s *Supervisor) Status() *state.Store {
	return s.status
}

// Journal returns the unit log locations.
func (s *Supervisor) Journal() *journal.Journal {
	return s.journal
}

// Files returns the runtime file layout.
func (s *Supervisor) Files() *fs.Service {
	return s.files
}

// withLock runs fn while holding the unit lock.
func (s *Supervisor) withLock(ctx context.Context, d *unit.Description, fn func() error) error {
	lk, err := s.locks.Acquire(ctx, d.Name())
	if err != nil {
		return err
	}
	defer func() {
		if err := lk.Release(); err != nil {
			s.logger.Warn("Failed to release unit lock", "unit", d.Name(), "error", err)
		}
	}()
	return fn()
}

func (s *Supervisor) check(d *unit.Description) error {
	switch {
	case d.IsMasked():
		return fmt.Errorf("%w: %s", ErrMasked, d.Name())
	case !d.Loaded():
		return fmt.Errorf("%w: %s", ErrNotLoaded, d.Name())
	}
	return nil
}

// Start starts a unit.
func (s *Supervisor) Start(ctx context.Context, d *unit.Description) error {
	if err := s.check(d); err != nil {
		return err
	}
	return s.withLock(ctx, d, func() error { return s.startLocked(ctx, d) })
}

// Stop stops a unit.
func (s *Supervisor) Stop(ctx context.Context, d *unit.Description) error {
	if err := s.check(d); err != nil {
		return err
	}
	return s.withLock(ctx, d, func() error { return s.stopLocked(ctx, d) })
}

// Restart stops and starts a unit under one lock acquisition.
func (s *Supervisor) Restart(ctx context.Context, d *unit.Description) error {
	if err := s.check(d); err != nil {
		return err
	}
	return s.withLock(ctx, d, func() error {
		if err := s.stopLocked(ctx, d); err != nil {
			s.logger.Warn("Stop before restart failed", "unit", d.Name(), "error", err)
		}
		return s.startLocked(ctx, d)
	})
}

// Reload runs ExecReload= of an active unit.
func (s *Supervisor) Reload(ctx context.Context, d *unit.Description) error {
	if err := s.check(d); err != nil {
		return err
	}
	return s.withLock(ctx, d, func() error { return s.reloadLocked(ctx, d) })
}

// Kill signals the processes of a unit.
func (s *Supervisor) Kill(ctx context.Context, d *unit.Description) error {
	if err := s.check(d); err != nil {
		return err
	}
	return s.withLock(ctx, d, func() error {
		_, err := s.killLocked(ctx, d)
		return err
	})
}

// ResetFailed forgets the failed state of a unit.
func (s *Supervisor) ResetFailed(ctx context.Context, d *unit.Description) error {
	return s.withLock(ctx, d, func() error {
		switch s.ActiveState(d) {
		case StateFailed, StateError:
			s.logger.Info("Resetting failed state", "unit", d.Name())
			return s.status.Clean(d)
		}
		return nil
	})
}

// CanReload reports whether the unit declares ExecReload=.
func (s *Supervisor) CanReload(d *unit.Description) bool {
	return len(d.GetList(unit.SectionService, "ExecReload")) > 0
}

// MainPID returns the main process of a unit: the PIDFile= content when
// one is declared, the recorded MainPID otherwise.
func (s *Supervisor) MainPID(d *unit.Description) int {
	if path := s.pidFile(d); path != "" {
		pid, _ := fs.ReadPIDFile(path)
		return pid
	}
	pid := 0
	_, _ = fmt.Sscanf(s.status.Get(d, state.MainPID, "0"), "%d", &pid)
	return pid
}

func (s *Supervisor) pidFile(d *unit.Description) string {
	path := s.files.PIDFile(d)
	if path == "" {
		return ""
	}
	return s.expand.Special(path, d)
}

func (s *Supervisor) startTimeout(d *unit.Description) time.Duration {
	def := d.GetDuration(unit.SectionService, "TimeoutSec", s.cfg.DefaultTimeoutStart, s.cfg.MaximumTimeout)
	return d.GetDuration(unit.SectionService, "TimeoutStartSec", def, s.cfg.MaximumTimeout)
}

func (s *Supervisor) stopTimeout(d *unit.Description) time.Duration {
	def := d.GetDuration(unit.SectionService, "TimeoutSec", s.cfg.DefaultTimeoutStop, s.cfg.MaximumTimeout)
	return d.GetDuration(unit.SectionService, "TimeoutStopSec", def, s.cfg.MaximumTimeout)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
