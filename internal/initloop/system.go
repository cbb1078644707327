package initloop

import (
	"os"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/state"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/unit"
)

// SystemUnitName is the pseudo unit carrying the state of the init process.
const SystemUnitName = "sysinit.target"

// SystemUnit returns the pseudo unit of the init process.
func SystemUnit() *unit.Description {
	d := unit.NewDescription(SystemUnitName)
	d.Set(unit.SectionUnit, "Description", "System Initialization")
	return d
}

// RecordSystemState writes the state of the init process. An empty active
// state removes it and keeps only the sub state.
func RecordSystemState(status *state.Store, active, sub string) error {
	return status.Write(SystemUnit(), map[string]string{
		state.ActiveState: active,
		state.SubState:    sub,
	})
}

// SystemState returns the sub state of the init process (initializing,
// starting, running, degraded, stopping) or "offline" without one.
func SystemState(status *state.Store) string {
	d := SystemUnit()
	if _, err := os.Stat(status.Path(d)); err != nil {
		return "offline"
	}
	return status.Get(d, state.SubState, "unknown")
}
