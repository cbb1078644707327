// Package notify implements the readiness side channel of notify-type
// services: a unixgram socket whose path is handed to the child in
// NOTIFY_SOCKET.
package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/log"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/process"
)

// EnvVar names the environment variable carrying the socket path.
const EnvVar = "NOTIFY_SOCKET"

// maxSocketPath stays below the sun_path limit of every platform we run on.
const maxSocketPath = 100

var (
	// ErrTimeout is returned when READY=1 did not arrive in time.
	ErrTimeout = errors.New("no readiness notification")
	// ErrDied is returned when the watched process went away while waiting.
	ErrDied = errors.New("process exited before readiness notification")
)

var pairPattern = regexp.MustCompile(`(\w+)=("[^"]*"|\S*)`)

// ParseMessage splits a notification datagram into NAME=VALUE pairs.
// Double quoted values lose their quotes.
func ParseMessage(msg string) map[string]string {
	result := make(map[string]string)
	for _, m := range pairPattern.FindAllStringSubmatch(msg, -1) {
		value := m[2]
		if len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
			value = value[1 : len(value)-1]
		}
		result[m[1]] = value
	}
	return result
}

// SocketPath returns the socket path for a unit in folder. Names that would
// overflow the socket path limit get a hashed basename, and folders that are
// too long on their own fall back to the temp folder.
func SocketPath(folder, unitName string) string {
	path := filepath.Join(folder, "notify."+unitName)
	if len(path) <= maxSocketPath {
		return path
	}
	sum := sha256.Sum256([]byte(unitName))
	short := "notify." + hex.EncodeToString(sum[:])[:16]
	path = filepath.Join(folder, short)
	if len(path) <= maxSocketPath {
		return path
	}
	return filepath.Join(os.TempDir(), short)
}

// Option tunes a Channel.
type Option func(*Channel)

// WithPollInterval sets how long each receive waits.
func WithPollInterval(d time.Duration) Option {
	return func(c *Channel) { c.interval = d }
}

// WithMainPIDGrace sets how many polls to wait for MAINPID after READY=1.
func WithMainPIDGrace(polls int) Option {
	return func(c *Channel) { c.grace = polls }
}

// Channel is one open notify socket.
type Channel struct {
	path     string
	conn     *net.UnixConn
	logger   log.Logger
	interval time.Duration
	grace    int
}

// Open binds a fresh notify socket at path, replacing a leftover one.
func Open(path string, logger log.Logger, opts ...Option) (*Channel, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create notify folder: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove old notify socket: %w", err)
	}
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("failed to bind notify socket %s: %w", path, err)
	}
	c := &Channel{
		path:     path,
		conn:     conn,
		logger:   logger,
		interval: time.Second,
		grace:    3,
	}
	for _, opt := range opts {
		opt(c)
	}
	logger.Debug("Opened notify socket", "path", path)
	return c, nil
}

// Path returns the socket path to export as NOTIFY_SOCKET.
func (c *Channel) Path() string {
	return c.path
}

// Wait collects notification pairs until READY=1 has been seen together
// with MAINPID=, or with hasPIDFile set. pid is the forked child; if it
// dies first Wait returns ErrDied. The pairs received so far are always
// returned.
func (c *Channel) Wait(ctx context.Context, timeout time.Duration, pid int, hasPIDFile bool) (map[string]string, error) {
	result := make(map[string]string)
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 4096)
	pollsSinceReady := 0

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if time.Now().After(deadline) {
			return result, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		if pid > 0 && !process.IsActive(pid) {
			// a last message may have been sent right before exiting
			c.drain(buf, result)
			if result["READY"] == "1" {
				return result, nil
			}
			return result, fmt.Errorf("%w: pid %d", ErrDied, pid)
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(c.interval))
		n, _, err := c.conn.ReadFromUnix(buf)
		switch {
		case err == nil:
			msg := string(buf[:n])
			c.logger.Debug("Notify message", "path", c.path, "message", strings.TrimSpace(msg))
			for k, v := range ParseMessage(msg) {
				result[k] = v
			}
		case isTimeout(err):
			if result["READY"] == "1" {
				pollsSinceReady++
			}
		default:
			return result, fmt.Errorf("failed to read notify socket: %w", err)
		}

		if result["READY"] != "1" {
			continue
		}
		if result["MAINPID"] != "" || hasPIDFile {
			return result, nil
		}
		if pollsSinceReady >= c.grace {
			c.logger.Warn("Ready without MAINPID", "path", c.path)
			return result, nil
		}
	}
}

func (c *Channel) drain(buf []byte, result map[string]string) {
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
		n, _, err := c.conn.ReadFromUnix(buf)
		if err != nil {
			return
		}
		for k, v := range ParseMessage(string(buf[:n])) {
			result[k] = v
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Close closes the socket and removes its path.
func (c *Channel) Close() error {
	err := c.conn.Close()
	if rmErr := os.Remove(c.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}
