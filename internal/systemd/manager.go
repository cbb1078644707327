// Package systemd implements the systemctl operations on top of the unit
// store, the process supervisor and the init loop. Every operation works
// on a batch of unit names, keeps going past single failures and records
// the failure categories in the manager's error flags.
package systemd

import (
	"context"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/config"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/dependency"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/initloop"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/log"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/socket"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/supervisor"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/unit"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/unitstore"
)

// Manager runs systemctl operations.
type Manager struct {
	cfg      *config.Settings
	logger   log.Logger
	units    *unitstore.Store
	sup      *supervisor.Supervisor
	sockets  *socket.Activator
	loopOpts []initloop.Option
	initPID  int

	mu    sync.Mutex
	flags ErrorFlags
}

// Option customizes a Manager.
type Option func(*Manager)

// WithSockets hands the socket activator to the init loop.
func WithSockets(a *socket.Activator) Option {
	return func(m *Manager) { m.sockets = a }
}

// WithLoopOptions passes options to the init loop.
func WithLoopOptions(opts ...initloop.Option) Option {
	return func(m *Manager) { m.loopOpts = append(m.loopOpts, opts...) }
}

// WithInitPID sets the process that halt signals.
func WithInitPID(pid int) Option {
	return func(m *Manager) { m.initPID = pid }
}

// NewManager creates a Manager.
func NewManager(cfg *config.Settings, logger log.Logger, units *unitstore.Store, sup *supervisor.Supervisor, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		units:   units,
		sup:     sup,
		initPID: 1,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Flags returns the failure categories seen so far.
func (m *Manager) Flags() ErrorFlags {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags
}

func (m *Manager) flag(f ErrorFlags) {
	m.mu.Lock()
	m.flags |= f
	m.mu.Unlock()
}

// Units returns the unit store.
func (m *Manager) Units() *unitstore.Store {
	return m.units
}

// Supervisor returns the process supervisor.
func (m *Manager) Supervisor() *supervisor.Supervisor {
	return m.sup
}

// lookup is the outcome of resolving one name.
type lookup struct {
	Name string
	Unit *unit.Description
	Err  error
}

func isPattern(arg string) bool {
	return strings.ContainsAny(arg, "*?[")
}

// lookupAll resolves names. A name without a suffix is a service, a glob
// pattern stands for every known unit it matches.
func (m *Manager) lookupAll(args []string) []lookup {
	var result []lookup
	for _, arg := range args {
		names := []string{unit.Complete(arg)}
		if isPattern(arg) {
			names = m.units.Match([]string{arg})
			if len(names) == 0 {
				result = append(result, lookup{Name: arg, Err: NewUnitNotFoundError(arg)})
				continue
			}
		}
		for _, name := range names {
			result = append(result, m.lookupOne(name))
		}
	}
	return result
}

func (m *Manager) lookupOne(name string) lookup {
	d, err := m.units.Resolve(name)
	if err != nil {
		return lookup{Name: name, Err: NewError("load", name, unit.ParseName(name).Kind().String(), err)}
	}
	if d.Origin() == unit.OriginNotFound && !m.groupingTarget(d) {
		return lookup{Name: name, Unit: d, Err: NewUnitNotFoundError(name)}
	}
	return lookup{Name: name, Unit: d}
}

// groupingTarget reports whether a target without a unit file still
// groups units: the default target always does, others when something is
// linked into their wants or requires folders.
func (m *Manager) groupingTarget(d *unit.Description) bool {
	if d.Kind() != unit.KindTarget {
		return false
	}
	if d.Name() == m.cfg.DefaultTarget {
		return true
	}
	return len(m.units.Wants(d.Name()))+len(m.units.Requires(d.Name())) > 0
}

// resolve returns the units behind args and flags the names that could
// not be resolved.
func (m *Manager) resolve(args []string) ([]*unit.Description, error) {
	var units []*unit.Description
	var errs *multierror.Error
	for _, l := range m.lookupAll(args) {
		if l.Err != nil {
			m.fail(l.Err)
			errs = multierror.Append(errs, l.Err)
			continue
		}
		units = append(units, l.Unit)
	}
	return units, errs.ErrorOrNil()
}

func (m *Manager) fail(err error) {
	if IsUnitNotFoundError(err) {
		m.logger.Error("Unit not found", "error", err)
		m.flag(FlagNotFound)
		return
	}
	m.flag(FlagNotOK)
}

// targetUnits returns a target followed by everything it pulls in.
func (m *Manager) targetUnits(name string) []*unit.Description {
	exp := dependency.Expand(m.units, []string{name}, m.logger)
	units := make([]*unit.Description, 0, len(exp.Units))
	for _, d := range exp.Units {
		if d.Loaded() || d.IsMasked() || m.groupingTarget(d) {
			units = append(units, d)
		}
	}
	return units
}

// withTargets replaces every target by its expansion, dropping repeats.
func (m *Manager) withTargets(units []*unit.Description) []*unit.Description {
	seen := make(map[string]bool)
	var result []*unit.Description
	add := func(d *unit.Description) {
		if !seen[d.Name()] {
			seen[d.Name()] = true
			result = append(result, d)
		}
	}
	for _, d := range units {
		switch d.Kind() {
		case unit.KindTarget:
			for _, dep := range m.targetUnits(d.Name()) {
				add(dep)
			}
		default:
			add(d)
		}
	}
	return result
}

// each runs op on every unit of an ordered batch. Targets without a unit
// file only group their members and are skipped.
func (m *Manager) each(ctx context.Context, op string, units []*unit.Description, fn func(context.Context, *unit.Description) error) error {
	var errs *multierror.Error
	for _, d := range units {
		if d.Origin() == unit.OriginNotFound {
			continue
		}
		m.logger.Debug("Running operation", "operation", op, "unit", d.Name())
		if err := fn(ctx, d); err != nil {
			m.logger.Error("Operation failed", "operation", op, "unit", d.Name(), "error", err)
			m.flag(FlagNotOK)
			errs = multierror.Append(errs, NewError(op, d.Name(), d.Kind().String(), err))
		}
	}
	return errs.ErrorOrNil()
}

// masked reports the masked units of a batch, which ordering drops.
func (m *Manager) masked(op string, units []*unit.Description) error {
	var errs *multierror.Error
	for _, d := range units {
		if d.IsMasked() {
			m.flag(FlagNotOK)
			errs = multierror.Append(errs, NewError(op, d.Name(), d.Kind().String(), supervisor.ErrMasked))
		}
	}
	return errs.ErrorOrNil()
}

// batch resolves args, expands targets and runs op in start order, or in
// stop order when reverse is set.
func (m *Manager) batch(ctx context.Context, op string, args []string, reverse bool, fn func(context.Context, *unit.Description) error) error {
	units, err := m.resolve(args)
	errs := multierror.Append(nil, err)
	units = m.withTargets(units)
	errs = multierror.Append(errs, m.masked(op, units))
	ordered := dependency.Order(units)
	if reverse {
		ordered = dependency.OrderForStop(units)
	}
	errs = multierror.Append(errs, m.each(ctx, op, ordered, fn))
	return errs.ErrorOrNil()
}

// Start starts units in dependency order.
func (m *Manager) Start(ctx context.Context, args []string) error {
	return m.batch(ctx, "start", args, false, m.sup.Start)
}

// Stop stops units in reverse dependency order.
func (m *Manager) Stop(ctx context.Context, args []string) error {
	return m.batch(ctx, "stop", args, true, m.sup.Stop)
}

// Restart restarts units in dependency order.
func (m *Manager) Restart(ctx context.Context, args []string) error {
	return m.batch(ctx, "restart", args, false, m.sup.Restart)
}

// TryRestart restarts the units that are active.
func (m *Manager) TryRestart(ctx context.Context, args []string) error {
	return m.batch(ctx, "try-restart", args, false, func(ctx context.Context, d *unit.Description) error {
		if !m.IsActiveUnit(d) {
			return nil
		}
		return m.sup.Restart(ctx, d)
	})
}

// Reload runs ExecReload= of each unit.
func (m *Manager) Reload(ctx context.Context, args []string) error {
	return m.batch(ctx, "reload", args, false, m.sup.Reload)
}

// ReloadOrRestart starts inactive units, reloads active ones that declare
// ExecReload= and restarts the others.
func (m *Manager) ReloadOrRestart(ctx context.Context, args []string) error {
	return m.batch(ctx, "reload-or-restart", args, false, func(ctx context.Context, d *unit.Description) error {
		switch {
		case !m.IsActiveUnit(d):
			return m.sup.Start(ctx, d)
		case m.sup.CanReload(d):
			return m.sup.Reload(ctx, d)
		default:
			return m.sup.Restart(ctx, d)
		}
	})
}

// ReloadOrTryRestart is ReloadOrRestart that leaves inactive units alone.
func (m *Manager) ReloadOrTryRestart(ctx context.Context, args []string) error {
	return m.batch(ctx, "reload-or-try-restart", args, false, func(ctx context.Context, d *unit.Description) error {
		switch {
		case !m.IsActiveUnit(d):
			return nil
		case m.sup.CanReload(d):
			return m.sup.Reload(ctx, d)
		default:
			return m.sup.Restart(ctx, d)
		}
	})
}

// Kill signals the processes of each unit.
func (m *Manager) Kill(ctx context.Context, args []string) error {
	return m.batch(ctx, "kill", args, true, m.sup.Kill)
}

// ResetFailed clears the failed state of each unit.
func (m *Manager) ResetFailed(ctx context.Context, args []string) error {
	if len(args) == 0 {
		args = m.units.Match(nil)
	}
	units, err := m.resolve(args)
	errs := multierror.Append(nil, err)
	errs = multierror.Append(errs, m.each(ctx, "reset-failed", units, m.sup.ResetFailed))
	return errs.ErrorOrNil()
}

// DaemonReload drops the unit caches so changed files are read again.
func (m *Manager) DaemonReload() {
	m.units.Rescan()
}
