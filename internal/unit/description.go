// Package unit holds the parsed representation of unit files.
package unit

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Section names used throughout the service manager.
const (
	SectionUnit    = "Unit"
	SectionService = "Service"
	SectionSocket  = "Socket"
	SectionInstall = "Install"
)

// Origin tells where a description came from.
type Origin int

// Description origins.
const (
	OriginNative Origin = iota
	OriginInitScript
	OriginNotFound
)

// Section is an ordered multimap of key to raw values.
type Section struct {
	Name   string
	keys   []string
	values map[string][]string
}

func newSection(name string) *Section {
	return &Section{Name: name, values: make(map[string][]string)}
}

// Keys returns the keys in first-seen order.
func (s *Section) Keys() []string {
	return append([]string(nil), s.keys...)
}

// Values returns every value recorded for key.
func (s *Section) Values(key string) []string {
	return append([]string(nil), s.values[key]...)
}

func (s *Section) set(key, value string) {
	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}
	if value == "" {
		s.values[key] = []string{}
		return
	}
	s.values[key] = append(s.values[key], value)
}

// Description is one loaded unit. Apart from the status cache it is not
// mutated after the store hands it out.
type Description struct {
	name     Name
	kind     Kind
	origin   Origin
	path     string
	masked   string
	dropIns  []string
	sections []*Section
	index    map[string]*Section

	mu     sync.Mutex
	status map[string]string
}

// NewDescription creates an empty description for the named unit.
func NewDescription(name string) *Description {
	n := ParseName(name)
	return &Description{
		name:  n,
		kind:  n.Kind(),
		index: make(map[string]*Section),
	}
}

// NotFound builds the placeholder returned for units that have no file.
func NotFound(name string) *Description {
	d := NewDescription(name)
	d.origin = OriginNotFound
	d.Set(SectionUnit, "Id", name)
	d.Set(SectionUnit, "Names", name)
	d.Set(SectionUnit, "Description", "NOT-FOUND "+name)
	return d
}

// Masked builds the description of a unit whose file links to /dev/null.
func Masked(name, path, target string) *Description {
	d := NewDescription(name)
	d.path = path
	d.masked = target
	return d
}

// Name returns the full unit name.
func (d *Description) Name() string { return d.name.Full }

// Identity returns the parsed unit name.
func (d *Description) Identity() Name { return d.name }

// Kind returns the unit kind.
func (d *Description) Kind() Kind { return d.kind }

// Origin returns where the description was loaded from.
func (d *Description) Origin() Origin { return d.origin }

// SetOrigin records where the description was loaded from.
func (d *Description) SetOrigin(o Origin) { d.origin = o }

// Path returns the unit file path, empty for placeholders.
func (d *Description) Path() string { return d.path }

// SetPath records the file the description was read from.
func (d *Description) SetPath(p string) { d.path = p }

// IsMasked reports whether the unit links to a null device.
func (d *Description) IsMasked() bool { return d.masked != "" }

// MaskTarget returns the link target of a masked unit.
func (d *Description) MaskTarget() string { return d.masked }

// Loaded reports whether a unit file backs this description.
func (d *Description) Loaded() bool {
	return d.origin != OriginNotFound && !d.IsMasked()
}

// DropIns returns the override files merged into the description.
func (d *Description) DropIns() []string {
	return append([]string(nil), d.dropIns...)
}

// AddDropIn records a merged override file.
func (d *Description) AddDropIn(path string) {
	d.dropIns = append(d.dropIns, path)
}

// Sections returns sections in file order.
func (d *Description) Sections() []*Section {
	return append([]*Section(nil), d.sections...)
}

func (d *Description) section(name string, create bool) *Section {
	if s, ok := d.index[name]; ok {
		return s
	}
	if !create {
		return nil
	}
	s := newSection(name)
	d.sections = append(d.sections, s)
	d.index[name] = s
	return s
}

// Set appends a value to section/key. An empty value clears the list.
func (d *Description) Set(section, key, value string) {
	d.section(section, true).set(key, value)
}

// Has reports whether the key was assigned at all.
func (d *Description) Has(section, key string) bool {
	s := d.section(section, false)
	if s == nil {
		return false
	}
	_, ok := s.values[key]
	return ok
}

// Get returns the first value of section/key or def.
func (d *Description) Get(section, key, def string) string {
	s := d.section(section, false)
	if s == nil {
		return def
	}
	values := s.values[key]
	if len(values) == 0 {
		return def
	}
	return values[0]
}

// GetList returns all values of section/key.
func (d *Description) GetList(section, key string) []string {
	s := d.section(section, false)
	if s == nil {
		return nil
	}
	return append([]string(nil), s.values[key]...)
}

// GetWords returns all values of section/key split on whitespace.
func (d *Description) GetWords(section, key string) []string {
	var words []string
	for _, value := range d.GetList(section, key) {
		words = append(words, strings.Fields(value)...)
	}
	return words
}

// GetBool interprets section/key as a systemd boolean.
func (d *Description) GetBool(section, key string, def bool) bool {
	value := d.Get(section, key, "")
	if value == "" {
		return def
	}
	return ParseBool(value, def)
}

// GetInt interprets section/key as an integer.
func (d *Description) GetInt(section, key string, def int) int {
	value := strings.TrimSpace(d.Get(section, key, ""))
	if value == "" {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return n
}

// GetDuration interprets section/key as a time span, clamped to maximum.
func (d *Description) GetDuration(section, key string, def, maximum time.Duration) time.Duration {
	value := d.Get(section, key, "")
	if value == "" {
		return def
	}
	return ParseTimespan(value, maximum)
}

// Description returns the human readable description.
func (d *Description) Description() string {
	return d.Get(SectionUnit, "Description", "")
}

// Type returns Service Type, defaulting to simple.
func (d *Description) Type() string {
	t := d.Get(SectionService, "Type", "simple")
	if t == "" {
		return "simple"
	}
	return t
}

// CachedStatus returns the status cached on the description.
func (d *Description) CachedStatus() (map[string]string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status == nil {
		return nil, false
	}
	result := make(map[string]string, len(d.status))
	for k, v := range d.status {
		result[k] = v
	}
	return result, true
}

// CacheStatus stores a status snapshot on the description.
func (d *Description) CacheStatus(status map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = make(map[string]string, len(status))
	for k, v := range status {
		d.status[k] = v
	}
}

// ForgetStatus drops the cached status.
func (d *Description) ForgetStatus() {
	d.mu.Lock()
	d.status = nil
	d.mu.Unlock()
}

// ParseBool accepts the boolean spellings systemd does.
func ParseBool(value string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "yes", "true", "on", "y":
		return true
	case "0", "no", "false", "off", "n":
		return false
	default:
		return def
	}
}

// ParseTimespan reads systemd time spans like "90", "5s", "1min 30s",
// "200ms" or "infinity". Values above maximum are clamped when maximum > 0.
func ParseTimespan(value string, maximum time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if value == "infinity" {
		if maximum > 0 {
			return maximum
		}
		return time.Duration(1<<63 - 1)
	}
	var total time.Duration
	for _, part := range strings.Fields(value) {
		total += parseTimePart(part)
	}
	if maximum > 0 && total > maximum {
		return maximum
	}
	return total
}

var timeUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"usec", time.Microsecond},
	{"us", time.Microsecond},
	{"msec", time.Millisecond},
	{"ms", time.Millisecond},
	{"seconds", time.Second},
	{"second", time.Second},
	{"sec", time.Second},
	{"s", time.Second},
	{"minutes", time.Minute},
	{"minute", time.Minute},
	{"min", time.Minute},
	{"m", time.Minute},
	{"hours", time.Hour},
	{"hour", time.Hour},
	{"hr", time.Hour},
	{"h", time.Hour},
	{"days", 24 * time.Hour},
	{"day", 24 * time.Hour},
	{"d", 24 * time.Hour},
}

func parseTimePart(part string) time.Duration {
	for _, u := range timeUnits {
		if strings.HasSuffix(part, u.suffix) {
			num := strings.TrimSuffix(part, u.suffix)
			f, err := strconv.ParseFloat(num, 64)
			if err != nil {
				continue
			}
			return time.Duration(f * float64(u.unit))
		}
	}
	f, err := strconv.ParseFloat(part, 64)
	if err != nil {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

// SortNames sorts unit names in place and returns them.
func SortNames(names []string) []string {
	sort.Strings(names)
	return names
}
