package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/execx"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/expand"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/process"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/unit"
)

// runContext is the per-operation execution setup of a unit.
type runContext struct {
	d        *unit.Description
	env      map[string]string
	identity execx.Identity
}

func (s *Supervisor) prepare(d *unit.Description) (*runContext, error) {
	rc := &runContext{d: d, env: s.expand.Env(d)}
	id, err := execx.LookupIdentity(
		d.Get(unit.SectionService, "User", ""),
		d.Get(unit.SectionService, "Group", ""),
		d.GetWords(unit.SectionService, "SupplementaryGroups"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user of %s: %w", d.Name(), err)
	}
	if id.Credential != nil && os.Getuid() != 0 && int(id.Credential.Uid) != os.Getuid() {
		s.logger.Warn("Can not switch user without root, running as current user", "unit", d.Name(), "user", id.Name)
		id.Credential = nil
	}
	rc.identity = id
	if d.Has(unit.SectionService, "User") {
		rc.env["HOME"] = id.Home
		rc.env["USER"] = id.Name
		rc.env["LOGNAME"] = id.Name
		rc.env["SHELL"] = id.Shell
	}
	return rc, nil
}

// spawn starts one Exec command of a unit and returns the child pid.
func (s *Supervisor) spawn(rc *runContext, line string) (int, expand.ExecMode, error) {
	cmd, err := s.expand.Command(line, rc.env, rc.d)
	if err != nil {
		return 0, expand.ExecMode{Check: true}, err
	}

	dir, err := s.files.WorkingDirectory(rc.d, rc.identity.Home)
	if err != nil {
		return 0, cmd.Mode, err
	}
	if dir == "" {
		dir = s.cfg.Path("/")
	}

	stdio, err := s.openStdio(rc.d)
	if err != nil {
		return 0, cmd.Mode, err
	}
	defer stdio.close()

	spec := execx.Spec{
		Path:   cmd.Path,
		Args:   cmd.Args,
		Env:    s.expand.ExecEnv(rc.env),
		Dir:    dir,
		Stdin:  stdio.in,
		Stdout: stdio.out,
		Stderr: stdio.err,
		Setsid: true,
	}
	if !cmd.Mode.NoUser {
		spec.Credential = rc.identity.Credential
	}
	s.logger.Info("Exec", "unit", rc.d.Name(), "command", strings.Join(cmd.Args, " "))
	pid, err := s.runner.Start(spec)
	if err != nil {
		return 0, cmd.Mode, fmt.Errorf("%w: %s: %v", ErrExec, rc.d.Name(), err)
	}
	return pid, cmd.Mode, nil
}

// result of running a command to completion.
type result struct {
	handle process.Handle
	mode   expand.ExecMode
	err    error
}

// failed reports a failure that has to abort the current phase.
func (r result) failed() bool {
	return r.err != nil && r.mode.Check
}

// run spawns a command and waits for it within timeout.
func (s *Supervisor) run(ctx context.Context, rc *runContext, line string, timeout execTimeout) result {
	pid, mode, err := s.spawn(rc, line)
	if err != nil {
		return result{mode: mode, err: err}
	}
	h, err := s.waitChild(ctx, pid, timeout.d)
	r := result{handle: h, mode: mode}
	switch {
	case err != nil:
		r.err = err
	case !s.exitOK(rc.d, h):
		r.err = fmt.Errorf("%w: %s exited with code %d", ErrFailed, rc.d.Name(), h.Code())
	}
	if r.err != nil && !mode.Check {
		s.logger.Info("Ignoring failure", "unit", rc.d.Name(), "phase", timeout.phase, "error", r.err)
	}
	return r
}

type execTimeout struct {
	phase string
	d     time.Duration
}

// runAll runs the commands of a phase in order. A failing checked command
// aborts the phase.
func (s *Supervisor) runAll(ctx context.Context, rc *runContext, key string, timeout time.Duration) result {
	var last result
	for _, line := range rc.d.GetList(unit.SectionService, key) {
		last = s.run(ctx, rc, line, execTimeout{phase: key, d: timeout})
		if last.failed() {
			s.logger.Error("Command failed", "unit", rc.d.Name(), "phase", key, "error", last.err)
			return last
		}
	}
	return result{handle: last.handle, mode: last.mode}
}

// exitOK honors SuccessExitStatus= in addition to a clean exit.
func (s *Supervisor) exitOK(d *unit.Description, h process.Handle) bool {
	if h.Succeeded() {
		return true
	}
	for _, word := range d.GetWords(unit.SectionService, "SuccessExitStatus") {
		if code, err := strconv.Atoi(word); err == nil && h.Signal == 0 && code == h.Code() {
			return true
		}
		if sig := signalNum(word); sig != 0 && int(sig) == h.Signal {
			return true
		}
	}
	return false
}

func signalNum(name string) unix.Signal {
	name = strings.ToUpper(strings.TrimSpace(name))
	if n, err := strconv.Atoi(name); err == nil {
		return unix.Signal(n)
	}
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	return unix.SignalNum(name)
}

type stdio struct {
	in, out, err *os.File
	opened       []*os.File
}

func (st *stdio) close() {
	for _, f := range st.opened {
		_ = f.Close()
	}
}

// openStdio opens the StandardInput=, StandardOutput= and StandardError=
// targets. Output defaults to the unit journal log, error to output.
func (s *Supervisor) openStdio(d *unit.Description) (*stdio, error) {
	st := &stdio{}
	open := func(target string, write bool) (*os.File, error) {
		switch {
		case target == "" || target == "null":
			return nil, nil
		case target == "inherit" || target == "tty":
			if write {
				return os.Stdout, nil
			}
			return os.Stdin, nil
		case target == "journal" || target == "kmsg" || target == "syslog" || strings.HasPrefix(target, "journal+"):
			f, err := s.journal.Open(d)
			if err == nil {
				st.opened = append(st.opened, f)
			}
			return f, err
		case strings.HasPrefix(target, "file:"), strings.HasPrefix(target, "append:"), strings.HasPrefix(target, "truncate:"):
			kind, path, _ := strings.Cut(target, ":")
			path = s.cfg.Path(s.expand.Special(path, d))
			flags := os.O_RDONLY
			if write {
				flags = os.O_WRONLY | os.O_CREATE
				switch kind {
				case "append":
					flags |= os.O_APPEND
				case "truncate":
					flags |= os.O_TRUNC
				}
			}
			if write {
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return nil, err
				}
			}
			f, err := os.OpenFile(path, flags, 0o644) //nolint:gosec // paths come from unit configuration
			if err == nil {
				st.opened = append(st.opened, f)
			}
			return f, err
		default:
			s.logger.Debug("Unsupported standard io target", "unit", d.Name(), "target", target)
			return nil, nil
		}
	}

	var err error
	if st.in, err = open(d.Get(unit.SectionService, "StandardInput", "null"), false); err != nil {
		st.close()
		return nil, err
	}
	if st.out, err = open(d.Get(unit.SectionService, "StandardOutput", "journal"), true); err != nil {
		st.close()
		return nil, err
	}
	errTarget := d.Get(unit.SectionService, "StandardError", "inherit")
	if errTarget == "inherit" {
		st.err = st.out
	} else if st.err, err = open(errTarget, true); err != nil {
		st.close()
		return nil, err
	}
	return st, nil
}
