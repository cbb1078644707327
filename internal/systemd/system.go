package systemd

import (
	"context"
	"os"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/dependency"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/initloop"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/process"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/supervisor"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/unit"
)

// DefaultUnits returns the units of the default target in start order.
func (m *Manager) DefaultUnits() []*unit.Description {
	return dependency.Order(m.targetUnits(m.cfg.DefaultTarget))
}

// Default starts the default target.
func (m *Manager) Default(ctx context.Context) error {
	units := m.targetUnits(m.cfg.DefaultTarget)
	errs := multierror.Append(nil, m.masked("start", units))
	errs = multierror.Append(errs, m.each(ctx, "start", dependency.Order(units), m.sup.Start))
	return errs.ErrorOrNil()
}

// Halt stops the default target and asks the init process to exit once
// no other process is left.
func (m *Manager) Halt(ctx context.Context) error {
	units := m.targetUnits(m.cfg.DefaultTarget)
	err := m.each(ctx, "stop", dependency.OrderForStop(units), m.sup.Stop)
	if m.initPID > 0 && m.initPID != os.Getpid() {
		m.logger.Info("Signalling init to exit", "pid", m.initPID)
		if kerr := process.Kill(m.initPID, unix.SIGQUIT); kerr != nil {
			m.flag(FlagNotOK)
			err = multierror.Append(err, kerr)
		}
	}
	return err
}

// Init starts units and supervises them until a stop signal arrives or
// ctx is done, then stops them in reverse order. Without arguments the
// default target is run; with arguments the loop also ends once none of
// the named units is active. The returned string is the signal name that
// ended the loop.
func (m *Manager) Init(ctx context.Context, args []string) (string, error) {
	opts := append([]initloop.Option(nil), m.loopOpts...)
	if m.sockets != nil {
		opts = append(opts, initloop.WithSockets(m.sockets))
	}

	var errs *multierror.Error
	var units []*unit.Description
	if len(args) == 0 {
		units = m.targetUnits(m.cfg.DefaultTarget)
	} else {
		resolved, err := m.resolve(args)
		errs = multierror.Append(errs, err)
		units = m.withTargets(resolved)
		opts = append(opts, initloop.WithExitWhenNoMoreServices(true))
	}
	ordered := dependency.Order(units)

	status := m.sup.Status()
	if err := initloop.RecordSystemState(status, supervisor.StateActivating, "starting"); err != nil {
		m.logger.Warn("Failed to record system state", "error", err)
	}
	m.logger.Info("Starting units", "units", dependency.Names(ordered))
	errs = multierror.Append(errs, m.masked("start", units))
	errs = multierror.Append(errs, m.each(ctx, "start", ordered, m.sup.Start))

	loop := initloop.New(m.cfg, m.logger, m.sup, m.units, opts...)
	result, err := loop.Run(ctx, dependency.Names(ordered))
	errs = multierror.Append(errs, err)
	m.logger.Info("Init loop ended", "result", result)

	if err := initloop.RecordSystemState(status, supervisor.StateDeactivating, "stopping"); err != nil {
		m.logger.Warn("Failed to record system state", "error", err)
	}
	stopCtx := context.WithoutCancel(ctx)
	errs = multierror.Append(errs, m.each(stopCtx, "stop", dependency.OrderForStop(ordered), m.sup.Stop))
	if err := initloop.RecordSystemState(status, "", "degraded"); err != nil {
		m.logger.Warn("Failed to record system state", "error", err)
	}
	return result, errs.ErrorOrNil()
}

// IsSystemRunning returns the state of the init process. Anything but
// running sets FlagNotOK.
func (m *Manager) IsSystemRunning() string {
	st := initloop.SystemState(m.sup.Status())
	if st != "running" {
		m.flag(FlagNotOK)
	}
	return st
}
