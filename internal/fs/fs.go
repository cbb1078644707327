// Package fs provides the runtime file layout of the service manager:
// status, pid, lock and log locations plus per-unit service directories.
package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/config"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/log"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/unit"
)

// Service provides file system operations with configurable paths.
type Service struct {
	cfg    *config.Settings
	logger log.Logger
}

// NewServiceWithLogger creates a new filesystem service with explicit logger injection.
func NewServiceWithLogger(cfg *config.Settings, logger log.Logger) *Service {
	return &Service{
		cfg:    cfg,
		logger: logger,
	}
}

// Config returns the settings the service was built with.
func (s *Service) Config() *config.Settings {
	return s.cfg
}

// PidFileFolder returns the folder for status, pid and lock files.
func (s *Service) PidFileFolder() string {
	return s.cfg.Path(s.cfg.PidFileFolder)
}

// NotifySocketFolder returns the folder for notify sockets.
func (s *Service) NotifySocketFolder() string {
	return s.cfg.Path(s.cfg.NotifySocketFolder)
}

// JournalFolder returns the folder for per-unit log files.
func (s *Service) JournalFolder() string {
	return s.cfg.Path(s.cfg.JournalLogFolder)
}

// StatusFile returns Service StatusFile= or <pid folder>/<unit>.status.
func (s *Service) StatusFile(d *unit.Description) string {
	if custom := d.Get(unit.SectionService, "StatusFile", ""); custom != "" {
		return s.cfg.Path(custom)
	}
	return filepath.Join(s.PidFileFolder(), d.Name()+".status")
}

// PIDFile returns Service PIDFile= under root, or "".
func (s *Service) PIDFile(d *unit.Description) string {
	custom := d.Get(unit.SectionService, "PIDFile", "")
	if custom == "" {
		return ""
	}
	return s.cfg.Path(custom)
}

// LockFile returns the advisory lock file for a unit.
func (s *Service) LockFile(name string) string {
	if name == "" {
		name = "global"
	}
	return filepath.Join(s.PidFileFolder(), name+".lock")
}

// WriteFileAtomic replaces path with data, creating parent folders.
func (s *Service) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := renameio.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ReadPIDFile returns the first line of path that parses as a pid.
func ReadPIDFile(path string) (int, bool) {
	if path == "" {
		return 0, false
	}
	data, err := os.ReadFile(path) //nolint:gosec // pid files come from unit configuration
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		return pid, pid > 0
	}
	return 0, false
}

// directoryKind ties a [Service] directory key to its system and user roots.
type directoryKind struct {
	key        string
	system     string
	user       string
	runtimeDir bool
}

var directoryKinds = []directoryKind{
	{key: "RuntimeDirectory", system: "/run", user: "$XDG_RUNTIME_DIR", runtimeDir: true},
	{key: "StateDirectory", system: "/var/lib", user: "$HOME/.config"},
	{key: "CacheDirectory", system: "/var/cache", user: "$HOME/.cache"},
	{key: "LogsDirectory", system: "/var/log", user: "$HOME/.config/log"},
	{key: "ConfigurationDirectory", system: "/etc", user: "$HOME/.config"},
}

func (s *Service) directoryRoot(k directoryKind) string {
	if s.cfg.UserMode {
		if k.runtimeDir && os.Getenv("XDG_RUNTIME_DIR") == "" {
			return filepath.Join(os.TempDir(), "run-"+strconv.Itoa(os.Getuid()))
		}
		return s.cfg.Path(k.user)
	}
	return s.cfg.Path(k.system)
}

// ServiceDirectories returns the directories configured for a unit,
// optionally only the runtime ones.
func (s *Service) ServiceDirectories(d *unit.Description, runtimeOnly bool) []string {
	var dirs []string
	for _, k := range directoryKinds {
		if runtimeOnly && !k.runtimeDir {
			continue
		}
		for _, name := range d.GetWords(unit.SectionService, k.key) {
			dirs = append(dirs, filepath.Join(s.directoryRoot(k), name))
		}
	}
	return dirs
}

// CreateDirectories creates the service directories of a unit and hands
// them to uid/gid when they are not negative.
func (s *Service) CreateDirectories(d *unit.Description, uid, gid int) error {
	var errs []error
	for _, k := range directoryKinds {
		mode := os.FileMode(0o755)
		if m := d.Get(unit.SectionService, k.key+"Mode", ""); m != "" {
			if parsed, err := strconv.ParseUint(m, 8, 32); err == nil {
				mode = os.FileMode(parsed)
			}
		}
		for _, name := range d.GetWords(unit.SectionService, k.key) {
			dir := filepath.Join(s.directoryRoot(k), name)
			s.logger.Debug("Creating service directory", "unit", d.Name(), "path", dir)
			if err := os.MkdirAll(dir, mode); err != nil {
				errs = append(errs, err)
				continue
			}
			if uid >= 0 || gid >= 0 {
				if err := os.Chown(dir, uid, gid); err != nil {
					s.logger.Warn("Failed to chown service directory", "path", dir, "error", err)
				}
			}
		}
	}
	return errors.Join(errs...)
}

// RemoveRuntimeDirectories removes RuntimeDirectory= folders unless the unit
// asks to preserve them.
func (s *Service) RemoveRuntimeDirectories(d *unit.Description) error {
	preserve := d.Get(unit.SectionService, "RuntimeDirectoryPreserve", "no")
	if unit.ParseBool(preserve, false) || preserve == "restart" {
		return nil
	}
	var errs []error
	for _, dir := range s.ServiceDirectories(d, true) {
		s.logger.Debug("Removing runtime directory", "unit", d.Name(), "path", dir)
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WorkingDirectory returns the configured working directory. A leading "-"
// tolerates a missing directory, "~" means the user's home.
func (s *Service) WorkingDirectory(d *unit.Description, home string) (string, error) {
	dir := d.Get(unit.SectionService, "WorkingDirectory", "")
	if dir == "" {
		return "", nil
	}
	optional := strings.HasPrefix(dir, "-")
	dir = strings.TrimPrefix(dir, "-")
	if dir == "~" {
		dir = home
	}
	dir = s.cfg.Path(dir)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		if optional {
			return "", nil
		}
		return "", fmt.Errorf("working directory %s: not available", dir)
	}
	return dir, nil
}
