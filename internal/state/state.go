// Package state persists per-unit status (ActiveState, SubState, MainPID
// and friends) in status files that survive separate invocations within one
// container lifetime but not across a container restart.
package state

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/ini.v1"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/fs"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/log"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/unit"
)

// Well-known status keys.
const (
	ActiveState  = "ActiveState"
	SubState     = "SubState"
	MainPID      = "MainPID"
	ExecMainCode = "ExecMainCode"
	StatusText   = "StatusText"
)

// epsilon is the slack given to file times compared against boot time.
const epsilon = 100 * time.Millisecond

// Store reads and writes unit status files.
type Store struct {
	files    *fs.Service
	logger   log.Logger
	bootTime func() time.Time

	mu     sync.Mutex
	mtimes map[string]time.Time
}

// NewStore creates a status store. bootTime reports when the container
// started; status files older than that are discarded.
func NewStore(files *fs.Service, logger log.Logger, bootTime func() time.Time) *Store {
	return &Store{
		files:    files,
		logger:   logger,
		bootTime: bootTime,
		mtimes:   make(map[string]time.Time),
	}
}

// Path returns the status file of a unit.
func (s *Store) Path(d *unit.Description) string {
	return s.files.StatusFile(d)
}

// Stale reports whether path was last written before the container booted.
// A stale file is truncated.
func (s *Store) Stale(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	boot := s.bootTime()
	if boot.IsZero() || !info.ModTime().Add(-epsilon).Before(boot) {
		return false
	}
	s.logger.Info("Truncating status from before boot", "path", path, "mtime", info.ModTime(), "boot", boot)
	if err := os.Truncate(path, 0); err != nil {
		s.logger.Warn("Failed to truncate stale file", "path", path, "error", err)
	}
	return true
}

// Read returns the status of a unit. Missing, unreadable or stale files
// read as empty. The result is cached on the description until the file
// changes.
func (s *Store) Read(d *unit.Description) map[string]string {
	path := s.Path(d)
	info, err := os.Stat(path)
	if err != nil {
		return map[string]string{}
	}

	s.mu.Lock()
	cachedAt, known := s.mtimes[path]
	s.mu.Unlock()
	if known && cachedAt.Equal(info.ModTime()) {
		if status, ok := d.CachedStatus(); ok {
			return status
		}
	}

	if s.Stale(path) {
		s.remember(d, path, map[string]string{})
		return map[string]string{}
	}

	status, err := readStatusFile(path)
	if err != nil {
		s.logger.Warn("Bad read of status file", "path", path, "error", err)
		return map[string]string{}
	}
	s.remember(d, path, status)
	return status
}

func (s *Store) remember(d *unit.Description, path string, status map[string]string) {
	d.CacheStatus(status)
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.mtimes[path] = info.ModTime()
	s.mu.Unlock()
}

// Get returns one status value or def.
func (s *Store) Get(d *unit.Description, key, def string) string {
	if value, ok := s.Read(d)[key]; ok && value != "" {
		return value
	}
	return def
}

// Write merges updates into the status file. An empty value deletes the
// key and MainPID=0 is never stored.
func (s *Store) Write(d *unit.Description, updates map[string]string) error {
	path := s.Path(d)
	status := map[string]string{}
	if _, err := os.Stat(path); err == nil && !s.Stale(path) {
		current, err := readStatusFile(path)
		if err != nil {
			s.logger.Warn("Bad read of status file", "path", path, "error", err)
		} else {
			status = current
		}
	}
	for key, value := range updates {
		if value == "" || (key == MainPID && value == "0") {
			delete(status, key)
			continue
		}
		status[key] = value
	}
	if status[MainPID] == "0" {
		delete(status, MainPID)
	}

	keys := make([]string, 0, len(status))
	for key := range status {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, key := range keys {
		fmt.Fprintf(&b, "%s=%s\n", key, encodeValue(status[key]))
	}
	if err := s.files.WriteFileAtomic(path, []byte(b.String()), 0o644); err != nil {
		return err
	}
	s.logger.Debug("Wrote status", "unit", d.Name(), "status", b.String())
	s.remember(d, path, status)
	return nil
}

// Clean removes the status file of a unit.
func (s *Store) Clean(d *unit.Description) error {
	path := s.Path(d)
	d.ForgetStatus()
	s.mu.Lock()
	delete(s.mtimes, path)
	s.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// encodeValue keeps a value on one line and wraps it in backticks when
// the reader would otherwise trim it or take it as the start of a quoted
// or multi-line value. The reader returns everything up to the last
// backtick, so the wrapped value comes back unchanged.
func encodeValue(value string) string {
	value = strings.ReplaceAll(value, "\n", " ")
	if value != strings.TrimSpace(value) || strings.HasPrefix(value, "`") || strings.HasPrefix(value, `"""`) {
		return "`" + value + "`"
	}
	return value
}

// readStatusFile parses Key=Value or Key:Value lines. A line without any
// delimiter is the ActiveState on its own.
func readStatusFile(path string) (map[string]string, error) {
	f, err := os.Open(path) //nolint:gosec // status files live in the configured pid folder
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.ContainsAny(line, "=:") {
			line = ActiveState + "=" + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	file, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment:     true,
		IgnoreContinuation:      true,
		KeyValueDelimiters:      "=:",
		PreserveSurroundedQuote: true,
		SkipUnrecognizableLines: true,
	}, []byte(b.String()))
	if err != nil {
		return nil, err
	}
	status := make(map[string]string)
	for _, key := range file.Section(ini.DefaultSection).Keys() {
		status[key.Name()] = key.String()
	}
	return status, nil
}
