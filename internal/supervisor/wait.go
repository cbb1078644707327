package supervisor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/fs"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/process"
)

// waitChild waits for a spawned child to exit. On timeout the child is
// killed and ErrTimeout returned.
func (s *Supervisor) waitChild(ctx context.Context, pid int, timeout time.Duration) (process.Handle, error) {
	type waited struct {
		h   process.Handle
		err error
	}
	done := make(chan waited, 1)
	go func() {
		h, err := process.Wait(pid)
		done <- waited{h, err}
	}()

	collect := func(w waited) (process.Handle, error) {
		if errors.Is(w.err, unix.ECHILD) {
			// reaped elsewhere, the exit code is lost
			code := 0
			return process.Handle{PID: pid, ExitCode: &code}, nil
		}
		return w.h, w.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case w := <-done:
		return collect(w)
	case <-timer.C:
		s.logger.Warn("Command timed out, killing", "pid", pid, "timeout", timeout)
	case <-ctx.Done():
		s.logger.Warn("Command cancelled, killing", "pid", pid)
	}
	_ = process.Kill(pid, unix.SIGKILL)
	w := <-done
	h, _ := collect(w)
	if ctx.Err() != nil {
		return h, ctx.Err()
	}
	return h, fmt.Errorf("%w: pid %d after %s", ErrTimeout, pid, timeout)
}

// pollInterval is the wait between process table checks.
func (s *Supervisor) pollInterval() time.Duration {
	interval := s.cfg.MinimumYield
	if interval <= 0 || interval > 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return interval
}

// waitGone waits until none of pids is alive. Our own children are reaped
// on the way. The pids still alive at the deadline are returned.
func (s *Supervisor) waitGone(ctx context.Context, pids []int, timeout time.Duration) []int {
	deadline := time.Now().Add(timeout)
	for {
		var alive []int
		for _, pid := range pids {
			if h := process.Poll(pid); !h.Running() {
				continue
			}
			if process.IsActive(pid) {
				alive = append(alive, pid)
			}
		}
		if len(alive) == 0 || time.Now().After(deadline) {
			return alive
		}
		if err := sleep(ctx, s.pollInterval()); err != nil {
			return alive
		}
	}
}

// waitPIDFile waits for path to name a live process and returns its pid.
// File system events wake the wait early.
func (s *Supervisor) waitPIDFile(ctx context.Context, path string, timeout time.Duration) (int, error) {
	if timeout < s.cfg.MinimumTimeoutStart {
		timeout = s.cfg.MinimumTimeoutStart
	}
	deadline := time.Now().Add(timeout)

	var events <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer func() { _ = watcher.Close() }()
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			events = watcher.Events
		}
	}

	for {
		if pid, ok := fs.ReadPIDFile(path); ok && process.Exists(pid) {
			return pid, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, fmt.Errorf("%w: no pid in %s after %s", ErrTimeout, path, timeout)
		}
		wait := time.Second
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-events:
		case <-timer.C:
		}
		timer.Stop()
	}
}
