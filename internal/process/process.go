// Package process inspects the process table: liveness, zombies,
// descendants, reaping and the container boot time.
package process

import (
	"errors"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// Handle is the result of a process wait. ExitCode is nil while the process
// is still running.
type Handle struct {
	PID      int
	ExitCode *int
	Signal   int
}

// Running reports whether the wait found the process still running.
func (h Handle) Running() bool {
	return h.ExitCode == nil
}

// Succeeded reports a clean exit.
func (h Handle) Succeeded() bool {
	return h.ExitCode != nil && *h.ExitCode == 0 && h.Signal == 0
}

// Code returns the exit code, or -1 while running.
func (h Handle) Code() int {
	if h.ExitCode == nil {
		return -1
	}
	return *h.ExitCode
}

func exited(pid int, ws unix.WaitStatus) Handle {
	code := 0
	h := Handle{PID: pid}
	switch {
	case ws.Exited():
		code = ws.ExitStatus()
	case ws.Signaled():
		h.Signal = int(ws.Signal())
		code = 128 + h.Signal
	}
	h.ExitCode = &code
	return h
}

// Wait blocks until pid exits and reaps it.
func Wait(pid int) (Handle, error) {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return Handle{PID: pid}, err
		}
		return exited(pid, ws), nil
	}
}

// Poll checks pid without blocking. A process that is not our child is
// reported as running as long as it exists.
func Poll(pid int) Handle {
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	switch {
	case err == nil && wpid == pid:
		return exited(pid, ws)
	case err == nil:
		return Handle{PID: pid}
	case errors.Is(err, unix.ECHILD):
		if IsActive(pid) {
			return Handle{PID: pid}
		}
		code := 0
		return Handle{PID: pid, ExitCode: &code}
	default:
		return Handle{PID: pid}
	}
}

// Exists reports whether pid is in the process table.
func Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// IsZombie reports whether pid has exited but was not reaped.
func IsZombie(pid int) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	status, err := p.Status()
	if err != nil {
		return false
	}
	for _, s := range status {
		if s == process.Zombie {
			return true
		}
	}
	return false
}

// IsActive reports whether pid exists and is not a zombie.
func IsActive(pid int) bool {
	return Exists(pid) && !IsZombie(pid)
}

// parents maps every pid in the table to its parent pid.
func parents() map[int]int {
	pids, err := process.Pids()
	if err != nil {
		return nil
	}
	result := make(map[int]int, len(pids))
	for _, pid := range pids {
		p, err := process.NewProcess(pid)
		if err != nil {
			continue
		}
		ppid, err := p.Ppid()
		if err != nil {
			continue
		}
		result[int(pid)] = int(ppid)
	}
	return result
}

// Descendants returns all processes below pid by following parent links,
// at most maxDepth levels deep. The result is sorted.
func Descendants(pid, maxDepth int) []int {
	table := parents()
	children := make(map[int][]int)
	for child, parent := range table {
		children[parent] = append(children[parent], child)
	}
	var result []int
	var walk func(p, depth int)
	walk = func(p, depth int) {
		if depth > maxDepth {
			return
		}
		for _, child := range children[p] {
			result = append(result, child)
			walk(child, depth+1)
		}
	}
	walk(pid, 1)
	sort.Ints(result)
	return result
}

// Reaped summarizes one zombie reaping pass.
type Reaped struct {
	Reaped  []Handle
	Running int
}

// ReapZombies reaps zombie children of this process and counts the other
// processes still alive, excluding pid 0, 1 and ourselves.
func ReapZombies() Reaped {
	self := os.Getpid()
	var result Reaped
	for pid, ppid := range parents() {
		if pid <= 1 || pid == self {
			continue
		}
		if IsZombie(pid) {
			if ppid != self {
				continue
			}
			h := Poll(pid)
			if !h.Running() {
				result.Reaped = append(result.Reaped, h)
			}
			continue
		}
		result.Running++
	}
	return result
}

// Kill sends sig to pid. A process that is already gone is not an error.
func Kill(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// BootTime estimates when the container started: the modification time of
// the status entry of the lowest pid below 10, or the oldest process
// otherwise.
func BootTime() time.Time {
	pids, err := process.Pids()
	if err != nil || len(pids) == 0 {
		return time.Time{}
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	for _, pid := range pids {
		if pid >= 10 {
			break
		}
		if info, err := os.Stat("/proc/" + strconv.Itoa(int(pid)) + "/status"); err == nil {
			return info.ModTime()
		}
	}
	var oldest time.Time
	for _, pid := range pids {
		p, err := process.NewProcess(pid)
		if err != nil {
			continue
		}
		ms, err := p.CreateTime()
		if err != nil {
			continue
		}
		created := time.UnixMilli(ms)
		if oldest.IsZero() || created.Before(oldest) {
			oldest = created
		}
	}
	return oldest
}
