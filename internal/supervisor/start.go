package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/fs"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/notify"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/process"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/state"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/unit"
)

func (s *Supervisor) startLocked(ctx context.Context, d *unit.Description) error {
	switch d.Kind() {
	case unit.KindService:
		return s.startService(ctx, d)
	case unit.KindSocket:
		return s.startSocket(ctx, d)
	case unit.KindTarget:
		s.logger.Debug("Target reached", "unit", d.Name())
		return nil
	default:
		return fmt.Errorf("%w: start of %s", ErrUnsupported, d.Name())
	}
}

func (s *Supervisor) startSocket(ctx context.Context, d *unit.Description) error {
	if s.sockets == nil {
		return fmt.Errorf("%w: socket units need a running init", ErrUnsupported)
	}
	m := s.machine(d)
	if err := m.fire(ctx, eventStart, "start", nil); err != nil {
		return err
	}
	if err := s.sockets.Open(ctx, d); err != nil {
		_ = m.fire(ctx, eventFail, StateFailed, nil)
		return err
	}
	return m.fire(ctx, eventStarted, "listening", nil)
}

func (s *Supervisor) startService(ctx context.Context, d *unit.Description) error {
	runs := d.Type()
	switch runs {
	case "oneshot":
		if s.status.Get(d, state.ActiveState, "") == StateActive {
			s.logger.Info("Oneshot service was already started", "unit", d.Name())
			return nil
		}
	case "simple", "exec", "idle", "notify", "forking":
		if pid := s.MainPID(d); pid > 0 && process.IsActive(pid) {
			s.logger.Info("Service is already running", "unit", d.Name(), "pid", pid)
			return nil
		}
	default:
		return fmt.Errorf("%w: service type %q of %s", ErrUnsupported, runs, d.Name())
	}

	rc, err := s.prepare(d)
	if err != nil {
		return err
	}
	uid, gid := -1, -1
	if cred := rc.identity.Credential; cred != nil {
		uid, gid = int(cred.Uid), int(cred.Gid)
	}
	if err := s.files.CreateDirectories(d, uid, gid); err != nil {
		s.logger.Warn("Failed to create service directories", "unit", d.Name(), "error", err)
	}

	m := s.machine(d)
	if err := m.fire(ctx, eventStart, "start-pre", map[string]string{state.MainPID: ""}); err != nil {
		return err
	}
	timeout := s.startTimeout(d)
	if pre := s.runAll(ctx, rc, "ExecStartPre", timeout); pre.failed() {
		return s.startFailed(ctx, m, rc, pre.handle, "exit-code", pre.err)
	}
	if err := m.fire(ctx, eventRun, "start", nil); err != nil {
		return err
	}

	var startErr error
	switch runs {
	case "oneshot":
		startErr = s.startOneshot(ctx, m, rc, timeout)
	case "forking":
		startErr = s.startForking(ctx, m, rc, timeout)
	case "notify":
		startErr = s.startNotify(ctx, m, rc, timeout)
	default:
		startErr = s.startSimple(ctx, m, rc)
	}
	if startErr != nil {
		return startErr
	}

	rc.env["MAINPID"] = strconv.Itoa(s.MainPID(d))
	for _, line := range d.GetList(unit.SectionService, "ExecStartPost") {
		if r := s.run(ctx, rc, line, execTimeout{phase: "ExecStartPost", d: timeout}); r.err != nil {
			s.logger.Warn("Post-start command failed", "unit", d.Name(), "error", r.err)
		}
	}
	return nil
}

func (s *Supervisor) startOneshot(ctx context.Context, m *machine, rc *runContext, timeout time.Duration) error {
	r := s.runAll(ctx, rc, "ExecStart", timeout)
	code := map[string]string{state.ExecMainCode: strconv.Itoa(max(r.handle.Code(), 0))}
	if r.failed() {
		return s.startFailed(ctx, m, rc, r.handle, "exit-code", r.err)
	}
	// recorded as active/exited so that a second start is a no-op
	return m.fire(ctx, eventStarted, "exited", code)
}

// startSimple forks every ExecStart= command, records the last pid as
// MainPID and checks after a short yield that it did not exit right away.
func (s *Supervisor) startSimple(ctx context.Context, m *machine, rc *runContext) error {
	d := rc.d
	remain := d.GetBool(unit.SectionService, "RemainAfterExit", false)
	mainPID := 0
	for _, line := range d.GetList(unit.SectionService, "ExecStart") {
		rc.env["MAINPID"] = strconv.Itoa(mainPID)
		pid, mode, err := s.spawn(rc, line)
		if err != nil {
			if !mode.Check {
				s.logger.Info("Ignoring failed start", "unit", d.Name(), "error", err)
				continue
			}
			return s.startFailed(ctx, m, rc, process.Handle{}, "exec", err)
		}
		mainPID = pid
		if err := s.status.Write(d, map[string]string{state.MainPID: strconv.Itoa(pid)}); err != nil {
			s.logger.Warn("Failed to record main pid", "unit", d.Name(), "error", err)
		}
		s.logger.Info("Started", "unit", d.Name(), "pid", pid)

		if err := sleep(ctx, s.cfg.MinimumYield); err != nil {
			return err
		}
		h := process.Poll(pid)
		if h.Running() {
			continue
		}
		s.logger.Info("Main process exited", "unit", d.Name(), "pid", pid, "code", h.Code())
		if !s.exitOK(d, h) && mode.Check {
			return s.startFailed(ctx, m, rc, h, "exit-code",
				fmt.Errorf("%w: %s exited with code %d", ErrFailed, d.Name(), h.Code()))
		}
		if !remain {
			return m.fire(ctx, eventFinish, "dead", map[string]string{
				state.MainPID: "", state.ExecMainCode: strconv.Itoa(h.Code()),
			})
		}
		mainPID = 0
	}
	if mainPID == 0 && !remain {
		return s.startFailed(ctx, m, rc, process.Handle{}, "exec", fmt.Errorf("%w: no main process for %s", ErrFailed, d.Name()))
	}
	if path := s.pidFile(d); path != "" {
		pid, err := s.waitPIDFile(ctx, path, s.startTimeout(d))
		if err != nil {
			return s.startFailed(ctx, m, rc, process.Handle{}, "timeout", err)
		}
		mainPID = pid
	}
	sub := "running"
	if mainPID == 0 {
		sub = "exited"
	}
	return m.fire(ctx, eventStarted, sub, mainPIDUpdate(mainPID))
}

// startForking runs ExecStart= to completion and then reads the daemon pid
// from PIDFile=.
func (s *Supervisor) startForking(ctx context.Context, m *machine, rc *runContext, timeout time.Duration) error {
	r := s.runAll(ctx, rc, "ExecStart", timeout)
	if r.failed() {
		return s.startFailed(ctx, m, rc, r.handle, "exit-code", r.err)
	}
	path := s.pidFile(rc.d)
	if path == "" {
		s.logger.Warn("No PIDFile for forking service", "unit", rc.d.Name())
		if err := sleep(ctx, s.cfg.MinimumYield); err != nil {
			return err
		}
		return m.fire(ctx, eventStarted, "exited", map[string]string{state.ExecMainCode: "0"})
	}
	pid, err := s.waitPIDFile(ctx, path, timeout/2)
	if err != nil {
		return s.startFailed(ctx, m, rc, r.handle, "timeout", err)
	}
	s.logger.Info("Forking service started", "unit", rc.d.Name(), "pid", pid, "pidfile", path)
	return m.fire(ctx, eventStarted, "running", mainPIDUpdate(pid))
}

// startNotify forks like startSimple and then waits on the notify socket
// for READY=1.
func (s *Supervisor) startNotify(ctx context.Context, m *machine, rc *runContext, timeout time.Duration) error {
	d := rc.d
	ch, err := notify.Open(
		notify.SocketPath(s.files.NotifySocketFolder(), d.Name()),
		s.logger,
		notify.WithMainPIDGrace(s.cfg.NotifyMainPIDGrace),
		notify.WithPollInterval(s.notifyPoll()))
	if err != nil {
		return s.startFailed(ctx, m, rc, process.Handle{}, "resources", err)
	}
	defer func() { _ = ch.Close() }()
	rc.env[notify.EnvVar] = ch.Path()

	mainPID := 0
	for _, line := range d.GetList(unit.SectionService, "ExecStart") {
		rc.env["MAINPID"] = strconv.Itoa(mainPID)
		pid, mode, err := s.spawn(rc, line)
		if err != nil {
			if !mode.Check {
				continue
			}
			return s.startFailed(ctx, m, rc, process.Handle{}, "exec", err)
		}
		mainPID = pid
		if err := s.status.Write(d, map[string]string{state.MainPID: strconv.Itoa(pid)}); err != nil {
			s.logger.Warn("Failed to record main pid", "unit", d.Name(), "error", err)
		}
		if err := sleep(ctx, s.cfg.MinimumYield); err != nil {
			return err
		}
		if h := process.Poll(pid); !h.Running() && (!s.exitOK(d, h) && mode.Check) {
			return s.startFailed(ctx, m, rc, h, "exit-code",
				fmt.Errorf("%w: %s exited with code %d", ErrFailed, d.Name(), h.Code()))
		}
	}
	if mainPID == 0 {
		return s.startFailed(ctx, m, rc, process.Handle{}, "exec", fmt.Errorf("%w: no main process for %s", ErrFailed, d.Name()))
	}

	pidFile := s.pidFile(d)
	results, err := ch.Wait(ctx, timeout, mainPID, pidFile != "")
	if errors.Is(err, notify.ErrTimeout) {
		err = fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if err != nil {
		return s.startFailed(ctx, m, rc, process.Poll(mainPID), "timeout", err)
	}
	if v, ok := results["MAINPID"]; ok {
		if pid, err := strconv.Atoi(v); err == nil && pid > 0 && pid != mainPID {
			s.logger.Info("New main pid from notification", "unit", d.Name(), "pid", pid, "was", mainPID)
			mainPID = pid
		}
	}
	if pidFile != "" {
		if pid, ok := fs.ReadPIDFile(pidFile); ok {
			mainPID = pid
		}
	}
	extra := mainPIDUpdate(mainPID)
	if status, ok := results["STATUS"]; ok {
		extra[state.StatusText] = status
	}
	return m.fire(ctx, eventStarted, "running", extra)
}

// defaultNotifyPoll is the receive timeout of one notify socket poll.
const defaultNotifyPoll = time.Second

func (s *Supervisor) notifyPoll() time.Duration {
	if s.cfg.MinimumYield > 0 && s.cfg.MinimumYield < defaultNotifyPoll {
		return s.cfg.MinimumYield * 2
	}
	return defaultNotifyPoll
}

// startFailed runs ExecStopPost=, kills what is left of the unit, removes
// runtime directories and records the failure.
func (s *Supervisor) startFailed(ctx context.Context, m *machine, rc *runContext, h process.Handle, reason string, cause error) error {
	d := rc.d
	s.logger.Error("Start failed", "unit", d.Name(), "result", reason, "error", cause)
	if _, err := s.killLocked(ctx, d); err != nil {
		s.logger.Warn("Failed to kill remaining processes", "unit", d.Name(), "error", err)
	}
	rc.env["SERVICE_RESULT"] = reason
	for _, line := range d.GetList(unit.SectionService, "ExecStopPost") {
		if r := s.run(ctx, rc, line, execTimeout{phase: "ExecStopPost", d: s.stopTimeout(d)}); r.err != nil {
			s.logger.Warn("Post-stop command failed", "unit", d.Name(), "error", r.err)
		}
	}
	if err := s.files.RemoveRuntimeDirectories(d); err != nil {
		s.logger.Warn("Failed to remove runtime directories", "unit", d.Name(), "error", err)
	}
	code := h.Code()
	if code < 0 {
		code = 1
	}
	if err := m.fire(ctx, eventFail, reason, map[string]string{
		state.MainPID:      "",
		state.ExecMainCode: strconv.Itoa(code),
	}); err != nil {
		s.logger.Warn("Failed to record failure", "unit", d.Name(), "error", err)
	}
	if errors.Is(cause, ErrExec) || errors.Is(cause, ErrTimeout) || errors.Is(cause, ErrFailed) {
		return cause
	}
	return fmt.Errorf("%w: %s: %v", ErrFailed, d.Name(), cause)
}

func mainPIDUpdate(pid int) map[string]string {
	if pid <= 0 {
		return map[string]string{state.MainPID: ""}
	}
	return map[string]string{state.MainPID: strconv.Itoa(pid)}
}
