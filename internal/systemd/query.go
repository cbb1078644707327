package systemd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/dependency"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/state"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/supervisor"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/unit"
)

// ActiveState returns the active state of a unit. A target is active when
// every unit it pulls in is active.
func (m *Manager) ActiveState(d *unit.Description) string {
	switch d.Kind() {
	case unit.KindTarget:
		if !d.Loaded() && !m.groupingTarget(d) {
			return supervisor.StateInactive
		}
		for _, dep := range m.targetUnits(d.Name()) {
			if dep.Name() == d.Name() || dep.Kind() == unit.KindTarget || !dep.Loaded() {
				continue
			}
			if m.sup.ActiveState(dep) != supervisor.StateActive {
				return supervisor.StateInactive
			}
		}
		return supervisor.StateActive
	default:
		return m.sup.ActiveState(d)
	}
}

// SubState returns the sub state of a unit.
func (m *Manager) SubState(d *unit.Description) string {
	switch d.Kind() {
	case unit.KindTarget:
		if m.ActiveState(d) == supervisor.StateActive {
			return "active"
		}
		return "dead"
	default:
		return m.sup.SubState(d)
	}
}

// IsActiveUnit reports whether a unit is active.
func (m *Manager) IsActiveUnit(d *unit.Description) bool {
	return m.ActiveState(d) == supervisor.StateActive
}

// LoadState returns loaded, masked or not-found.
func LoadState(d *unit.Description) string {
	switch {
	case d.IsMasked():
		return "masked"
	case d.Loaded():
		return "loaded"
	default:
		return "not-found"
	}
}

// IsActive returns the active state of each unit. Units that are not
// active, including unknown ones, set FlagNotActive.
func (m *Manager) IsActive(args []string) []string {
	var states []string
	for _, l := range m.lookupAll(args) {
		if l.Err != nil || l.Unit == nil {
			m.flag(FlagNotActive)
			states = append(states, "unknown")
			continue
		}
		st := m.ActiveState(l.Unit)
		if st != supervisor.StateActive {
			m.flag(FlagNotActive)
		}
		states = append(states, st)
	}
	return states
}

// IsFailed returns the active state of each unit. When none of them has
// failed FlagNotOK is set.
func (m *Manager) IsFailed(args []string) []string {
	var states []string
	failed := false
	for _, l := range m.lookupAll(args) {
		if l.Err != nil || l.Unit == nil {
			states = append(states, "unknown")
			continue
		}
		st := m.ActiveState(l.Unit)
		if st == supervisor.StateFailed || st == supervisor.StateError {
			failed = true
		}
		states = append(states, st)
	}
	if !failed {
		m.flag(FlagNotOK)
	}
	return states
}

// UnitStatus is what status reports about one unit.
type UnitStatus struct {
	Name          string   `json:"name" yaml:"name"`
	Description   string   `json:"description" yaml:"description"`
	Path          string   `json:"path,omitempty" yaml:"path,omitempty"`
	DropIns       []string `json:"dropIns,omitempty" yaml:"dropIns,omitempty"`
	LoadState     string   `json:"loadState" yaml:"loadState"`
	UnitFileState string   `json:"unitFileState,omitempty" yaml:"unitFileState,omitempty"`
	ActiveState   string   `json:"activeState" yaml:"activeState"`
	SubState      string   `json:"subState" yaml:"subState"`
	MainPID       int      `json:"mainPID,omitempty" yaml:"mainPID,omitempty"`
	StatusText    string   `json:"statusText,omitempty" yaml:"statusText,omitempty"`
}

func (m *Manager) unitStatus(d *unit.Description) UnitStatus {
	st := UnitStatus{
		Name:          d.Name(),
		Description:   d.Description(),
		Path:          d.Path(),
		DropIns:       d.DropIns(),
		LoadState:     LoadState(d),
		UnitFileState: m.units.UnitFileState(d),
		ActiveState:   m.ActiveState(d),
		SubState:      m.SubState(d),
	}
	if d.Kind() == unit.KindService && st.ActiveState == supervisor.StateActive {
		st.MainPID = m.sup.MainPID(d)
	}
	if d.Loaded() {
		st.StatusText = m.sup.Status().Get(d, state.StatusText, "")
	}
	return st
}

// Status reports the state of each unit. Unknown units set FlagNotFound,
// units that are not active set FlagNotActive.
func (m *Manager) Status(args []string) ([]UnitStatus, error) {
	var result []UnitStatus
	var errs *multierror.Error
	for _, l := range m.lookupAll(args) {
		if l.Err != nil {
			m.fail(l.Err)
			errs = multierror.Append(errs, l.Err)
			if l.Unit != nil {
				result = append(result, m.unitStatus(l.Unit))
			}
			continue
		}
		st := m.unitStatus(l.Unit)
		if st.ActiveState != supervisor.StateActive {
			m.flag(FlagNotActive)
		}
		result = append(result, st)
	}
	return result, errs.ErrorOrNil()
}

// Property is one name=value line of show.
type Property struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// UnitProperties are the properties of one unit.
type UnitProperties struct {
	Unit       string     `json:"unit" yaml:"unit"`
	Properties []Property `json:"properties" yaml:"properties"`
}

// Show returns the runtime properties of each unit followed by the keys
// of its unit file. A non-empty filter keeps only the named properties.
func (m *Manager) Show(args, filter []string) ([]UnitProperties, error) {
	keep := func(name string) bool {
		if len(filter) == 0 {
			return true
		}
		for _, f := range filter {
			if f == name {
				return true
			}
		}
		return false
	}

	var result []UnitProperties
	var errs *multierror.Error
	for _, l := range m.lookupAll(args) {
		if l.Unit == nil {
			m.fail(l.Err)
			errs = multierror.Append(errs, l.Err)
			continue
		}
		d := l.Unit
		st := m.unitStatus(d)
		props := []Property{
			{"Id", d.Name()},
			{"Names", d.Name()},
			{"Description", st.Description},
			{"LoadState", st.LoadState},
			{"UnitFileState", st.UnitFileState},
			{"ActiveState", st.ActiveState},
			{"SubState", st.SubState},
			{"MainPID", strconv.Itoa(st.MainPID)},
			{"FragmentPath", st.Path},
			{"DropInPaths", strings.Join(st.DropIns, " ")},
			{"StatusText", st.StatusText},
		}
		seen := make(map[string]bool, len(props))
		for _, p := range props {
			seen[p.Name] = true
		}
		for _, section := range d.Sections() {
			for _, key := range section.Keys() {
				if seen[key] {
					continue
				}
				seen[key] = true
				props = append(props, Property{key, strings.Join(section.Values(key), " ")})
			}
		}

		up := UnitProperties{Unit: d.Name()}
		for _, p := range props {
			if keep(p.Name) {
				up.Properties = append(up.Properties, p)
			}
		}
		result = append(result, up)
	}
	return result, errs.ErrorOrNil()
}

// UnitInfo is one row of list-units.
type UnitInfo struct {
	Name        string `json:"name" yaml:"name"`
	Kind        string `json:"kind" yaml:"kind"`
	LoadState   string `json:"loadState" yaml:"loadState"`
	ActiveState string `json:"activeState" yaml:"activeState"`
	SubState    string `json:"subState" yaml:"subState"`
	Description string `json:"description" yaml:"description"`
}

// ListUnits lists the known units matching the patterns. Template files
// are left out since they cannot run without an instance.
func (m *Manager) ListUnits(patterns []string) []UnitInfo {
	var result []UnitInfo
	for _, name := range m.units.Match(patterns) {
		if unit.ParseName(name).IsTemplate() {
			continue
		}
		d, err := m.units.Resolve(name)
		if err != nil {
			result = append(result, UnitInfo{
				Name:        name,
				Kind:        unit.ParseName(name).Kind().String(),
				LoadState:   "error",
				ActiveState: supervisor.StateInactive,
				SubState:    "dead",
			})
			continue
		}
		result = append(result, UnitInfo{
			Name:        name,
			Kind:        d.Kind().String(),
			LoadState:   LoadState(d),
			ActiveState: m.ActiveState(d),
			SubState:    m.SubState(d),
			Description: d.Description(),
		})
	}
	return result
}

// UnitFileInfo is one row of list-unit-files.
type UnitFileInfo struct {
	Name  string `json:"name" yaml:"name"`
	State string `json:"state" yaml:"state"`
}

// ListUnitFiles lists unit files with their enablement state.
func (m *Manager) ListUnitFiles(patterns []string) []UnitFileInfo {
	var result []UnitFileInfo
	for _, name := range m.units.Match(patterns) {
		d, err := m.units.Resolve(name)
		if err != nil {
			continue
		}
		fileState := m.units.UnitFileState(d)
		if unit.ParseName(name).IsTemplate() {
			fileState = "static"
		}
		result = append(result, UnitFileInfo{Name: name, State: fileState})
	}
	return result
}

// ListDependencies returns the requirement tree below a unit.
func (m *Manager) ListDependencies(name string, maxDepth int) ([]dependency.TreeLine, error) {
	l := m.lookupOne(unit.Complete(name))
	if l.Err != nil {
		m.fail(l.Err)
		return nil, l.Err
	}
	exp := dependency.Expand(m.units, []string{l.Name}, m.logger)
	if cycles := exp.Graph.Cycles(); len(cycles) > 0 {
		m.logger.Warn("Dependency cycle", "unit", l.Name, "cycles", cycles)
	}
	return exp.Graph.Tree(l.Name, maxDepth), nil
}

// UnitFile is one file shown by cat.
type UnitFile struct {
	Path    string
	Content string
}

// Cat returns the unit file and drop-ins of each unit.
func (m *Manager) Cat(args []string) ([]UnitFile, error) {
	units, err := m.resolve(args)
	errs := multierror.Append(nil, err)
	var files []UnitFile
	for _, d := range units {
		if !d.Loaded() {
			m.flag(FlagNotFound)
			errs = multierror.Append(errs, NewUnitNotFoundError(d.Name()))
			continue
		}
		for _, path := range append([]string{d.Path()}, d.DropIns()...) {
			data, err := os.ReadFile(path) //nolint:gosec // unit files from the search path
			if err != nil {
				m.flag(FlagNotOK)
				errs = multierror.Append(errs, fmt.Errorf("reading %s: %w", path, err))
				continue
			}
			files = append(files, UnitFile{Path: path, Content: string(data)})
		}
	}
	return files, errs.ErrorOrNil()
}
