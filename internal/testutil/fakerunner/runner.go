// Package fakerunner provides a recording implementation of execx.Runner
// for testing.
package fakerunner

import (
	"sync"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/execx"
)

// Runner records every spawn and forwards it to a real runner unless an
// error was configured for the executable.
type Runner struct {
	mu     sync.Mutex
	next   execx.Runner
	errors map[string]error
	calls  []Call
}

// Call represents a captured spawn.
type Call struct {
	Name string
	Args []string
	Env  []string
	Dir  string
}

// New creates a new fake runner in front of execx.RealRunner.
func New() *Runner {
	return &Runner{
		next:   execx.NewRealRunner(),
		errors: make(map[string]error),
	}
}

// SetError makes every spawn of name fail with err.
func (r *Runner) SetError(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[name] = err
}

// Start implements execx.Runner.
func (r *Runner) Start(spec execx.Spec) (int, error) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Name: spec.Path, Args: spec.Args, Env: spec.Env, Dir: spec.Dir})
	err, failing := r.errors[spec.Path]
	r.mu.Unlock()

	if failing {
		return 0, err
	}
	return r.next.Start(spec)
}

// GetCalls returns all captured spawns.
func (r *Runner) GetCalls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Count returns how many spawns used executable name.
func (r *Runner) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Name == name {
			n++
		}
	}
	return n
}

// Reset clears all stored errors and calls.
func (r *Runner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = make(map[string]error)
	r.calls = nil
}
