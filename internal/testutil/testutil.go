// Package testutil provides common test utilities and helpers to reduce boilerplate in test files.
package testutil

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/config"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/log"
)

// NewTestLogger creates a logger that writes to t.Logf for testing.
// This ensures test output is properly captured by the test framework.
func NewTestLogger(t testing.TB) log.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}

	handler := &testHandler{t: t, opts: opts}
	return log.NewSlogAdapter(slog.New(handler))
}

// ConfigOption allows customization of test config settings.
type ConfigOption func(*config.Settings)

// WithVerbose sets verbose logging.
func WithVerbose(verbose bool) ConfigOption {
	return func(cfg *config.Settings) {
		cfg.Verbose = verbose
	}
}

// WithUserMode sets user mode.
func WithUserMode(userMode bool) ConfigOption {
	return func(cfg *config.Settings) {
		cfg.UserMode = userMode
	}
}

// WithInitLoopSleep sets the init loop tick.
func WithInitLoopSleep(d time.Duration) ConfigOption {
	return func(cfg *config.Settings) {
		cfg.InitLoopSleep = d
	}
}

// WithTimeouts sets start and stop timeouts, including their minimums.
func WithTimeouts(d time.Duration) ConfigOption {
	return func(cfg *config.Settings) {
		cfg.DefaultTimeoutStart = d
		cfg.DefaultTimeoutStop = d
		cfg.MinimumTimeoutStart = d
		cfg.MinimumTimeoutStop = d
	}
}

// WithLockWait sets the per-unit lock wait.
func WithLockWait(wait, interval time.Duration) ConfigOption {
	return func(cfg *config.Settings) {
		cfg.MaxLockWait = wait
		cfg.LockRetryInterval = interval
	}
}

// NewMockConfig creates a config provider for testing with optional customizations.
// All folders live below a fresh temporary root.
func NewMockConfig(t testing.TB, opts ...ConfigOption) config.Provider {
	tmpDir, err := os.MkdirTemp("", "systemctl-test-*")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = os.RemoveAll(tmpDir)
	})

	cfg := config.Defaults()
	cfg.Verbose = true
	cfg.SystemFolders = []string{filepath.Join(tmpDir, "etc/systemd/system"), filepath.Join(tmpDir, "lib/systemd/system")}
	cfg.UserFolders = []string{filepath.Join(tmpDir, "home/.config/systemd/user")}
	cfg.InitFolders = []string{filepath.Join(tmpDir, "etc/init.d")}
	cfg.PidFileFolder = filepath.Join(tmpDir, "run")
	cfg.NotifySocketFolder = filepath.Join(tmpDir, "run/systemd")
	cfg.JournalLogFolder = filepath.Join(tmpDir, "log/journal")
	cfg.LocaleConf = filepath.Join(tmpDir, "etc/locale.conf")
	cfg.MinimumYield = 50 * time.Millisecond
	cfg.MaxLockWait = 2 * time.Second
	cfg.LockRetryInterval = 100 * time.Millisecond

	for _, folder := range append(append([]string{}, cfg.SystemFolders...), cfg.PidFileFolder) {
		require.NoError(t, os.MkdirAll(folder, 0o755))
	}

	for _, opt := range opts {
		opt(cfg)
	}

	configProvider := config.NewDefaultConfigProvider()
	configProvider.SetConfig(cfg)
	return configProvider
}

// WriteUnit writes a unit file into the first configured unit folder and
// returns its path.
func WriteUnit(t testing.TB, cfg *config.Settings, name, content string) string {
	folder := cfg.SystemFolders[0]
	if cfg.UserMode {
		folder = cfg.UserFolders[0]
	}
	path := filepath.Join(folder, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// testHandler implements slog.Handler to write to testing.TB.
type testHandler struct {
	t     testing.TB
	opts  *slog.HandlerOptions
	attrs []slog.Attr
}

func (h *testHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *testHandler) Handle(_ context.Context, record slog.Record) error {
	args := make([]any, 0, record.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		args = append(args, a)
	}
	record.Attrs(func(a slog.Attr) bool {
		args = append(args, a)
		return true
	})
	h.t.Logf("[%s] %s %v", record.Level.String(), record.Message, args)
	return nil
}

func (h *testHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &testHandler{t: h.t, opts: h.opts, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}

func (h *testHandler) WithGroup(_ string) slog.Handler {
	return &testHandler{t: h.t, opts: h.opts, attrs: h.attrs}
}
