// Package unitstore resolves unit names to loaded unit descriptions.
package unitstore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/config"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/log"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/unit"
)

// Store scans the unit search path once and caches every description it
// loads, keyed by the resolved file path.
type Store struct {
	cfg    *config.Settings
	logger log.Logger

	mu      sync.Mutex
	scanned bool
	folders []string
	native  map[string]string
	scripts map[string]string
	cache   map[string]*unit.Description
}

// New creates a unit store over the configured search folders.
func New(cfg *config.Settings, logger log.Logger) *Store {
	return &Store{
		cfg:     cfg,
		logger:  logger,
		folders: cfg.UnitFolders(),
		native:  make(map[string]string),
		scripts: make(map[string]string),
		cache:   make(map[string]*unit.Description),
	}
}

// Folders returns the unit search path.
func (s *Store) Folders() []string {
	return append([]string(nil), s.folders...)
}

func (s *Store) scan() {
	if s.scanned {
		return
	}
	s.scanned = true
	for _, folder := range s.folders {
		entries, err := os.ReadDir(folder)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			path := filepath.Join(folder, entry.Name())
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				continue
			}
			if _, ok := s.native[entry.Name()]; !ok {
				s.native[entry.Name()] = path
			}
		}
	}
	if s.cfg.UserMode {
		return
	}
	for _, folder := range s.cfg.InitFolders {
		folder = s.cfg.Path(folder)
		entries, err := os.ReadDir(folder)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			name := entry.Name() + ".service"
			if _, ok := s.scripts[name]; !ok {
				s.scripts[name] = filepath.Join(folder, entry.Name())
			}
		}
	}
}

// Rescan drops the name index so the next lookup reads the folders again.
// Loaded descriptions stay cached.
func (s *Store) Rescan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanned = false
	s.native = make(map[string]string)
	s.scripts = make(map[string]string)
}

// UnitFile returns the file backing name and whether it is a legacy init
// script.
func (s *Store) UnitFile(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unitFile(name)
}

func (s *Store) unitFile(name string) (string, bool) {
	s.scan()
	if path, ok := s.native[name]; ok {
		return path, false
	}
	if tmpl := unit.ParseName(name).Template(); tmpl != "" {
		if path, ok := s.native[tmpl]; ok {
			return path, false
		}
	}
	if path, ok := s.scripts[name]; ok {
		return path, true
	}
	return "", false
}

// Resolve returns the description for name. A unit without a file yields a
// not-found placeholder and no error; a malformed file yields an error.
func (s *Store) Resolve(name string) (*unit.Description, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, script := s.unitFile(name)
	if path == "" {
		s.logger.Debug("Unit not found", "unit", name)
		return unit.NotFound(name), nil
	}

	key := path
	if n := unit.ParseName(name); n.Template() != "" && filepath.Base(path) == n.Template() {
		key = path + "#" + n.Instance
	}
	if d, ok := s.cache[key]; ok {
		return d, nil
	}

	var d *unit.Description
	var err error
	switch {
	case script:
		d, err = s.loadInitScript(name, path)
	default:
		d, err = s.loadNative(name, path)
	}
	if err != nil {
		return nil, err
	}
	s.cache[key] = d
	return d, nil
}

func (s *Store) loadNative(name, path string) (*unit.Description, error) {
	if target, err := os.Readlink(path); err == nil && strings.HasPrefix(target, "/dev") {
		s.logger.Debug("Unit is masked", "unit", name, "target", target)
		return unit.Masked(name, path, target), nil
	}

	d := unit.NewDescription(name)
	d.SetPath(path)
	if err := d.ReadFile(path); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	for _, dropIn := range s.dropIns(name) {
		if err := d.ReadFile(dropIn); err != nil {
			return nil, fmt.Errorf("loading drop-in %s: %w", dropIn, err)
		}
		d.AddDropIn(dropIn)
	}
	return d, nil
}

// dropIns collects <unit>.d/*.conf across every folder, keyed by basename.
// The first folder providing a basename wins; the result is sorted by
// basename regardless of directory.
func (s *Store) dropIns(name string) []string {
	names := []string{name}
	if tmpl := unit.ParseName(name).Template(); tmpl != "" {
		names = append(names, tmpl)
	}
	found := make(map[string]string)
	for _, folder := range s.folders {
		for _, n := range names {
			matches, err := filepath.Glob(filepath.Join(folder, n+".d", "*.conf"))
			if err != nil {
				continue
			}
			for _, match := range matches {
				base := filepath.Base(match)
				if _, ok := found[base]; !ok {
					found[base] = match
				}
			}
		}
	}
	bases := make([]string, 0, len(found))
	for base := range found {
		bases = append(bases, base)
	}
	sort.Strings(bases)
	result := make([]string, 0, len(bases))
	for _, base := range bases {
		result = append(result, found[base])
	}
	return result
}

// loadInitScript wraps a legacy init script as a oneshot service that
// stays active after "start" succeeded.
func (s *Store) loadInitScript(name, path string) (*unit.Description, error) {
	d := unit.NewDescription(name)
	d.SetPath(path)
	d.SetOrigin(unit.OriginInitScript)
	desc := initScriptDescription(path)
	if desc == "" {
		desc = "LSB: " + strings.TrimSuffix(name, ".service")
	}
	d.Set(unit.SectionUnit, "Description", desc)
	d.Set(unit.SectionUnit, "SourcePath", path)
	d.Set(unit.SectionService, "Type", "oneshot")
	d.Set(unit.SectionService, "RemainAfterExit", "yes")
	d.Set(unit.SectionService, "ExecStart", path+" start")
	d.Set(unit.SectionService, "ExecStop", path+" stop")
	d.Set(unit.SectionService, "ExecReload", path+" reload")
	d.Set(unit.SectionInstall, "WantedBy", config.DefaultTarget)
	return d, nil
}

func initScriptDescription(path string) string {
	f, err := os.Open(path) //nolint:gosec // init scripts come from the configured init folders
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()
	scanner := bufio.NewScanner(f)
	inHeader := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "### BEGIN INIT INFO"):
			inHeader = true
		case strings.HasPrefix(line, "### END INIT INFO"):
			return ""
		case inHeader && strings.HasPrefix(line, "# Short-Description:"):
			return strings.TrimSpace(strings.TrimPrefix(line, "# Short-Description:"))
		}
	}
	return ""
}

// Match returns the unit names matching any of the glob patterns, sorted
// by name with native units first, then templates, then init scripts. An
// empty pattern list matches everything.
func (s *Store) Match(patterns []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scan()

	var natives, templates, scripts []string
	for name := range s.native {
		if !matches(name, patterns) {
			continue
		}
		if unit.ParseName(name).IsTemplate() {
			templates = append(templates, name)
		} else {
			natives = append(natives, name)
		}
	}
	for name := range s.scripts {
		if _, ok := s.native[name]; ok {
			continue
		}
		if matches(name, patterns) {
			scripts = append(scripts, name)
		}
	}
	sort.Strings(natives)
	sort.Strings(templates)
	sort.Strings(scripts)
	result := append(natives, templates...)
	return append(result, scripts...)
}

func matches(name string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if pattern == name {
			return true
		}
		if ok, err := filepath.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Linked returns the unit names found in <name>.<suffix>/ folders, e.g.
// "multi-user.target.wants".
func (s *Store) Linked(name, suffix string) []string {
	seen := make(map[string]bool)
	var result []string
	for _, folder := range s.folders {
		entries, err := os.ReadDir(filepath.Join(folder, name+"."+suffix))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !seen[entry.Name()] {
				seen[entry.Name()] = true
				result = append(result, entry.Name())
			}
		}
	}
	sort.Strings(result)
	return result
}

// Wants returns the units pulled in by name through its wants folders.
// The multi-user target also pulls in init scripts linked into the
// runlevel 3 or 5 rc folders.
func (s *Store) Wants(name string) []string {
	wants := s.Linked(name, "wants")
	if name != config.DefaultTarget {
		return wants
	}
	for _, script := range s.Match(nil) {
		if path, isScript := s.UnitFile(script); isScript && s.scriptEnabled(path) {
			wants = append(wants, script)
		}
	}
	return wants
}

func (s *Store) scriptEnabled(path string) bool {
	base := filepath.Base(path)
	for _, level := range []string{"rc3.d", "rc5.d"} {
		matches, err := filepath.Glob(filepath.Join(s.cfg.Path("/etc"), level, "S??"+base))
		if err == nil && len(matches) > 0 {
			return true
		}
	}
	return false
}

// Requires returns the units pulled in by name through its requires folders.
func (s *Store) Requires(name string) []string {
	return s.Linked(name, "requires")
}

// UnitFileState reports enabled, disabled, static or masked for a unit
// following its [Install] WantedBy/RequiredBy targets.
func (s *Store) UnitFileState(d *unit.Description) string {
	if d.IsMasked() {
		return "masked"
	}
	if !d.Loaded() {
		return ""
	}
	targets := append(d.GetWords(unit.SectionInstall, "WantedBy"), d.GetWords(unit.SectionInstall, "RequiredBy")...)
	if len(targets) == 0 {
		return "static"
	}
	for _, target := range targets {
		for _, linked := range append(s.Wants(target), s.Requires(target)...) {
			if linked == d.Name() {
				return "enabled"
			}
		}
	}
	if d.Origin() == unit.OriginInitScript && s.scriptEnabled(d.Path()) {
		return "enabled"
	}
	return "disabled"
}
