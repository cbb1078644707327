package supervisor

import (
	"context"
	"errors"
	"os"

	"github.com/looplab/fsm"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/process"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/state"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/unit"
)

// Active states as shown by is-active.
const (
	StateInactive     = "inactive"
	StateActivating   = "activating"
	StateActive       = "active"
	StateReloading    = "reloading"
	StateDeactivating = "deactivating"
	StateFailed       = "failed"
	// StateError marks a unit whose automatic restarts were refused.
	StateError = "error"
)

// Transition events.
const (
	eventStart    = "start"
	eventRun      = "run"
	eventStarted  = "started"
	eventFinish   = "finish"
	eventFail     = "fail"
	eventStop     = "stop"
	eventStopped  = "stopped"
	eventReload   = "reload"
	eventReloaded = "reloaded"
)

var transitions = fsm.Events{
	{Name: eventStart, Src: []string{StateInactive, StateFailed, StateActive}, Dst: StateActivating},
	{Name: eventRun, Src: []string{StateActivating}, Dst: StateActivating},
	{Name: eventStarted, Src: []string{StateActivating}, Dst: StateActive},
	{Name: eventFinish, Src: []string{StateActivating}, Dst: StateInactive},
	{Name: eventFail, Src: []string{StateInactive, StateActivating, StateActive, StateReloading, StateDeactivating}, Dst: StateFailed},
	{Name: eventStop, Src: []string{StateInactive, StateActivating, StateActive, StateReloading, StateFailed}, Dst: StateDeactivating},
	{Name: eventStopped, Src: []string{StateDeactivating}, Dst: StateInactive},
	{Name: eventReload, Src: []string{StateActive}, Dst: StateReloading},
	{Name: eventReloaded, Src: []string{StateReloading}, Dst: StateActive},
}

// machine drives the ActiveState of one unit through an operation and
// writes every state it enters to the status file.
type machine struct {
	s     *Supervisor
	d     *unit.Description
	fsm   *fsm.FSM
	sub   string
	extra map[string]string
	err   error
}

func (s *Supervisor) machine(d *unit.Description) *machine {
	m := &machine{s: s, d: d}
	initial := s.ActiveState(d)
	switch initial {
	case StateInactive, StateActivating, StateActive, StateReloading, StateDeactivating, StateFailed:
	default:
		initial = StateFailed
	}
	m.fsm = fsm.NewFSM(initial, transitions, fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			m.persist(e.Dst)
		},
	})
	return m
}

// fire runs event and records sub as SubState together with extra status
// values. Re-entering the current state still persists them. An event the
// table does not allow from the current state, which only happens when the
// recorded state is stale, forces the event's target state.
func (m *machine) fire(ctx context.Context, event, sub string, extra map[string]string) error {
	m.sub, m.extra, m.err = sub, extra, nil
	err := m.fsm.Event(ctx, event)
	var same fsm.NoTransitionError
	if errors.As(err, &same) {
		m.persist(m.fsm.Current())
		err = nil
	}
	if err != nil {
		m.s.logger.Warn("Unexpected transition", "unit", m.d.Name(), "event", event, "state", m.fsm.Current(), "error", err)
		m.fsm.SetState(transitionTarget(event))
		m.persist(m.fsm.Current())
	}
	return m.err
}

func transitionTarget(event string) string {
	for _, t := range transitions {
		if t.Name == event {
			return t.Dst
		}
	}
	return StateFailed
}

func (m *machine) persist(activeState string) {
	updates := map[string]string{
		state.ActiveState: activeState,
		state.SubState:    m.sub,
	}
	for k, v := range m.extra {
		updates[k] = v
	}
	if err := m.s.status.Write(m.d, updates); err != nil {
		m.s.logger.Error("Failed to write status", "unit", m.d.Name(), "error", err)
		m.err = err
	}
}

func (m *machine) current() string {
	return m.fsm.Current()
}

// ActiveState derives the active state of a unit from its status file and
// its main process.
func (s *Supervisor) ActiveState(d *unit.Description) string {
	if d.IsMasked() || !d.Loaded() {
		return StateInactive
	}
	switch d.Kind() {
	case unit.KindService:
		return s.serviceActiveState(d)
	case unit.KindSocket:
		if s.sockets != nil && s.sockets.IsOpen(d.Name()) {
			return StateActive
		}
		return s.status.Get(d, state.ActiveState, StateInactive)
	default:
		return s.status.Get(d, state.ActiveState, StateInactive)
	}
}

func (s *Supervisor) serviceActiveState(d *unit.Description) string {
	recorded := s.status.Get(d, state.ActiveState, "")
	if path := s.pidFile(d); path != "" && recorded != StateFailed && recorded != StateError {
		if _, err := os.Stat(path); err != nil && recorded != StateActivating {
			return StateInactive
		}
	}
	switch recorded {
	case StateActivating, StateDeactivating, StateReloading, StateFailed, StateError:
		return recorded
	}
	if pid := s.MainPID(d); pid > 0 {
		if process.IsActive(pid) {
			return StateActive
		}
		return StateFailed
	}
	if recorded != "" {
		return recorded
	}
	return StateInactive
}

// SubState derives the sub state shown next to the active state.
func (s *Supervisor) SubState(d *unit.Description) string {
	active := s.ActiveState(d)
	recorded := s.status.Get(d, state.SubState, "")
	switch active {
	case StateActive:
		if d.Kind() == unit.KindSocket {
			return "listening"
		}
		if pid := s.MainPID(d); pid > 0 && process.IsActive(pid) {
			return "running"
		}
		if recorded != "" {
			return recorded
		}
		return "exited"
	case StateInactive:
		return "dead"
	case StateFailed:
		return StateFailed
	}
	if recorded != "" {
		return recorded
	}
	return active
}

// IsActive reports whether the unit is active.
func (s *Supervisor) IsActive(d *unit.Description) bool {
	return s.ActiveState(d) == StateActive
}
