// Package execx provides a testable abstraction for spawning supervised
// child processes.
package execx

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrNotFound is returned when the executable can not be located.
var ErrNotFound = errors.New("executable not found")

// Spec describes one child process.
type Spec struct {
	// Path is the executable, looked up in the PATH of Env when it has no slash.
	Path string
	Args []string
	Env  []string
	Dir  string
	// Stdin, Stdout and Stderr default to /dev/null when nil.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
	// Credential drops privileges when set.
	Credential *syscall.Credential
	// Setsid detaches the child into its own session.
	Setsid bool
}

// Runner defines an interface for spawning processes.
type Runner interface {
	// Start forks and execs spec and returns the child pid. The child is not
	// waited for; reaping is the caller's business.
	Start(spec Spec) (int, error)
}

// RealRunner implements Runner using os.StartProcess.
type RealRunner struct{}

// NewRealRunner creates a new RealRunner.
func NewRealRunner() *RealRunner {
	return &RealRunner{}
}

// Start implements Runner.
func (r *RealRunner) Start(spec Spec) (int, error) {
	path, err := LookPath(spec.Path, spec.Env)
	if err != nil {
		return 0, err
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", os.DevNull, err)
	}
	defer func() { _ = devNull.Close() }()
	files := []*os.File{spec.Stdin, spec.Stdout, spec.Stderr}
	for i, f := range files {
		if f == nil {
			files[i] = devNull
		}
	}

	args := spec.Args
	if len(args) == 0 {
		args = []string{spec.Path}
	}
	p, err := os.StartProcess(path, args, &os.ProcAttr{
		Dir:   spec.Dir,
		Env:   spec.Env,
		Files: files,
		Sys: &syscall.SysProcAttr{
			Setsid:     spec.Setsid,
			Credential: spec.Credential,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to exec %s: %w", path, err)
	}
	pid := p.Pid
	_ = p.Release()
	return pid, nil
}

// LookPath resolves name against the PATH entry of env.
func LookPath(name string, env []string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty command", ErrNotFound)
	}
	if strings.Contains(name, "/") {
		if executable(name) {
			return name, nil
		}
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	pathVar := ""
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			pathVar = kv[len("PATH="):]
		}
	}
	for _, dir := range filepath.SplitList(pathVar) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if executable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

func executable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Mode()&0o111 != 0
}

// Identity is a resolved User=/Group= setting.
type Identity struct {
	Credential *syscall.Credential
	Name       string
	Home       string
	Shell      string
}

// LookupIdentity resolves user, group and supplementary groups. Empty
// userName and groupName give a nil Credential for the current user.
func LookupIdentity(userName, groupName string, supplementary []string) (Identity, error) {
	id := Identity{}
	cur, err := user.Current()
	if err == nil {
		id.Name, id.Home = cur.Username, cur.HomeDir
	}
	id.Shell = "/bin/sh"
	if userName == "" && groupName == "" {
		return id, nil
	}

	uid, gid := uint32(os.Getuid()), uint32(os.Getgid())
	if userName != "" {
		u, err := lookupUser(userName)
		if err != nil {
			return id, err
		}
		uid, gid = parseID(u.Uid), parseID(u.Gid)
		id.Name, id.Home = u.Username, u.HomeDir
	}
	if groupName != "" {
		g, err := lookupGroup(groupName)
		if err != nil {
			return id, err
		}
		gid = parseID(g.Gid)
	}
	var groups []uint32
	for _, name := range supplementary {
		g, err := lookupGroup(name)
		if err != nil {
			return id, err
		}
		groups = append(groups, parseID(g.Gid))
	}
	id.Credential = &syscall.Credential{Uid: uid, Gid: gid, Groups: groups, NoSetGroups: len(groups) == 0}
	return id, nil
}

func lookupUser(name string) (*user.User, error) {
	if _, err := strconv.Atoi(name); err == nil {
		return user.LookupId(name)
	}
	return user.Lookup(name)
}

func lookupGroup(name string) (*user.Group, error) {
	if _, err := strconv.Atoi(name); err == nil {
		return user.LookupGroupId(name)
	}
	return user.LookupGroup(name)
}

func parseID(s string) uint32 {
	n, _ := strconv.ParseUint(s, 10, 32)
	return uint32(n)
}
