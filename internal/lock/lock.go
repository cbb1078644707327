// Package lock serializes operations on a unit across goroutines and
// separate processes with an advisory flock on a per-unit lock file.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/log"
)

// ErrLockTimeout is returned when the lock stayed busy for every attempt.
var ErrLockTimeout = errors.New("unit lock not acquired")

// Locker hands out unit locks.
type Locker struct {
	path     func(name string) string
	attempts int
	interval time.Duration
	logger   log.Logger
}

// NewLocker creates a Locker. path maps a unit name to its lock file.
func NewLocker(path func(string) string, attempts int, interval time.Duration, logger log.Logger) *Locker {
	if attempts < 1 {
		attempts = 1
	}
	return &Locker{path: path, attempts: attempts, interval: interval, logger: logger}
}

// Lock is a held unit lock.
type Lock struct {
	name string
	file *os.File
}

// Acquire takes the exclusive lock for name, retrying at a constant
// interval for the configured number of attempts.
func (l *Locker) Acquire(ctx context.Context, name string) (*Lock, error) {
	path := l.path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock folder: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600) //nolint:gosec // lock files live in the pid folder
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	attempt := 0
	op := func() error {
		attempt++
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			l.logger.Debug("Unit lock busy", "unit", name, "attempt", attempt)
			return err
		}
		return backoff.Permanent(err)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(l.interval), uint64(l.attempts-1)),
		ctx)
	if err := backoff.Retry(op, policy); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return nil, fmt.Errorf("%w: %s after %d attempts", ErrLockTimeout, name, attempt)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, name, ctx.Err())
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	l.logger.Debug("Unit lock acquired", "unit", name, "path", path)
	return &Lock{name: name, file: f}, nil
}

// Release drops the lock. The lock file is left in place.
func (lk *Lock) Release() error {
	if lk == nil || lk.file == nil {
		return nil
	}
	_ = unix.Flock(int(lk.file.Fd()), unix.LOCK_UN)
	err := lk.file.Close()
	lk.file = nil
	return err
}
