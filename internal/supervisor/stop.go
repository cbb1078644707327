package supervisor

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/process"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/state"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/unit"
)

func (s *Supervisor) stopLocked(ctx context.Context, d *unit.Description) error {
	switch d.Kind() {
	case unit.KindService:
		return s.stopService(ctx, d)
	case unit.KindSocket:
		if s.sockets != nil {
			if err := s.sockets.Close(d.Name()); err != nil {
				s.logger.Warn("Failed to close socket", "unit", d.Name(), "error", err)
			}
		}
		return s.status.Clean(d)
	case unit.KindTarget:
		return nil
	default:
		return fmt.Errorf("%w: stop of %s", ErrUnsupported, d.Name())
	}
}

// stopService runs ExecStop= or, without it, kills the main process. The
// unit ends up inactive even when its processes outlive the stop timeout.
func (s *Supervisor) stopService(ctx context.Context, d *unit.Description) error {
	rc, err := s.prepare(d)
	if err != nil {
		return err
	}
	m := s.machine(d)
	if m.current() == StateInactive && s.MainPID(d) == 0 {
		s.logger.Debug("Service is not running", "unit", d.Name())
		return nil
	}
	if err := m.fire(ctx, eventStop, "stop", nil); err != nil {
		return err
	}

	timeout := s.stopTimeout(d)
	mainPID := s.MainPID(d)
	var stopErr error
	switch {
	case len(d.GetList(unit.SectionService, "ExecStop")) == 0:
		if d.Type() != "oneshot" {
			remaining, err := s.killLocked(ctx, d)
			if err != nil {
				stopErr = err
			} else if len(remaining) > 0 {
				s.logger.Warn("Processes survived stop", "unit", d.Name(), "pids", remaining)
			}
		}
	default:
		for _, line := range d.GetList(unit.SectionService, "ExecStop") {
			rc.env["MAINPID"] = strconv.Itoa(s.MainPID(d))
			r := s.run(ctx, rc, line, execTimeout{phase: "ExecStop", d: timeout})
			if r.failed() {
				stopErr = r.err
				break
			}
		}
		if mainPID > 0 {
			if alive := s.waitGone(ctx, []int{mainPID}, timeout); len(alive) > 0 {
				s.logger.Warn("Main process still running after stop", "unit", d.Name(), "pid", mainPID)
			}
		}
	}

	result := "success"
	if stopErr != nil {
		result = "exit-code"
	}
	rc.env["SERVICE_RESULT"] = result
	delete(rc.env, "MAINPID")
	for _, line := range d.GetList(unit.SectionService, "ExecStopPost") {
		if r := s.run(ctx, rc, line, execTimeout{phase: "ExecStopPost", d: timeout}); r.err != nil {
			s.logger.Warn("Post-stop command failed", "unit", d.Name(), "error", r.err)
		}
	}
	if err := s.files.RemoveRuntimeDirectories(d); err != nil {
		s.logger.Warn("Failed to remove runtime directories", "unit", d.Name(), "error", err)
	}
	if path := s.pidFile(d); path != "" && (mainPID == 0 || !process.IsActive(mainPID)) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove pid file", "unit", d.Name(), "path", path, "error", err)
		}
	}

	if stopErr != nil {
		_ = m.fire(ctx, eventFail, StateFailed, map[string]string{state.MainPID: ""})
		return stopErr
	}
	return m.fire(ctx, eventStopped, "dead", map[string]string{state.MainPID: ""})
}

// killLocked signals the main process and, depending on KillMode=, its
// descendants. It waits up to the stop timeout and escalates to SIGKILL if
// SendSIGKILL= allows it. The pids still alive are returned.
func (s *Supervisor) killLocked(ctx context.Context, d *unit.Description) ([]int, error) {
	mainPID := s.MainPID(d)
	if mainPID <= 0 {
		s.logger.Debug("No main process to kill", "unit", d.Name())
		return nil, nil
	}

	mode := d.Get(unit.SectionService, "KillMode", "control-group")
	sig := signalNum(d.Get(unit.SectionService, "KillSignal", "SIGTERM"))
	if sig == 0 {
		return nil, fmt.Errorf("bad KillSignal in %s", d.Name())
	}

	var targets []int
	switch mode {
	case "none":
		return nil, nil
	case "process", "mixed":
		targets = []int{mainPID}
	default:
		targets = append([]int{mainPID}, process.Descendants(mainPID, s.cfg.ProcMaxDepth)...)
	}

	if d.GetBool(unit.SectionService, "SendSIGHUP", false) {
		s.signal(d, targets, unix.SIGHUP)
	}
	s.signal(d, targets, sig)

	alive := s.waitGone(ctx, targets, s.stopTimeout(d))
	if mode == "mixed" {
		alive = append(alive, process.Descendants(mainPID, s.cfg.ProcMaxDepth)...)
	}
	if len(alive) > 0 && d.GetBool(unit.SectionService, "SendSIGKILL", true) {
		s.logger.Warn("Escalating to SIGKILL", "unit", d.Name(), "pids", alive)
		s.signal(d, alive, unix.SIGKILL)
		alive = s.waitGone(ctx, alive, s.cfg.MinimumTimeoutStop)
	}
	return alive, nil
}

func (s *Supervisor) signal(d *unit.Description, pids []int, sig unix.Signal) {
	for _, pid := range pids {
		s.logger.Info("Sending signal", "unit", d.Name(), "pid", pid, "signal", unix.SignalName(sig))
		if err := process.Kill(pid, sig); err != nil {
			s.logger.Warn("Failed to signal", "unit", d.Name(), "pid", pid, "error", err)
		}
	}
}

// reloadLocked runs ExecReload= with MAINPID exported. A failing reload is
// reported but the unit stays active.
func (s *Supervisor) reloadLocked(ctx context.Context, d *unit.Description) error {
	switch d.Kind() {
	case unit.KindService:
	case unit.KindTarget:
		return nil
	default:
		return fmt.Errorf("%w: reload of %s", ErrUnsupported, d.Name())
	}
	if !s.CanReload(d) {
		return fmt.Errorf("%w: %s has no ExecReload", ErrUnsupported, d.Name())
	}
	if !s.IsActive(d) {
		return fmt.Errorf("%w: %s", ErrInactive, d.Name())
	}
	rc, err := s.prepare(d)
	if err != nil {
		return err
	}
	m := s.machine(d)
	if err := m.fire(ctx, eventReload, "reload", nil); err != nil {
		return err
	}
	rc.env["MAINPID"] = strconv.Itoa(s.MainPID(d))
	r := s.runAll(ctx, rc, "ExecReload", s.startTimeout(d))
	sub := "running"
	if s.MainPID(d) == 0 {
		sub = "exited"
	}
	if err := m.fire(ctx, eventReloaded, sub, nil); err != nil {
		return err
	}
	if r.failed() {
		return r.err
	}
	return nil
}
