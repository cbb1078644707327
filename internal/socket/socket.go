// Package socket realizes ListenStream=/ListenDatagram= of socket units as
// bound sockets and reports when one of them becomes readable.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/config"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/log"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/unit"
)

// ErrNotImplemented marks socket settings that are recognized but not
// supported.
var ErrNotImplemented = errors.New("not implemented")

// unsupportedKeys are [Socket] listen settings we refuse explicitly.
var unsupportedKeys = []string{
	"ListenSequentialPacket", "ListenFIFO", "ListenSpecial", "ListenNetlink",
	"ListenMessageQueue", "ListenUSBFunction",
}

// Address is a parsed listen address.
type Address struct {
	Network string
	Address string
}

func (a Address) String() string {
	return a.Network + ":" + a.Address
}

// ParseListen parses a ListenStream= (datagram false) or ListenDatagram=
// value: an absolute path, ip:port, [ipv6]:port or a bare port.
func ParseListen(value string, datagram bool) (Address, error) {
	value = strings.TrimSpace(value)
	stream, packet := "tcp", "udp"
	pick := func(suffix string) string {
		if datagram {
			return packet + suffix
		}
		return stream + suffix
	}
	switch {
	case value == "":
		return Address{}, fmt.Errorf("empty listen address")
	case strings.HasPrefix(value, "/"):
		network := "unix"
		if datagram {
			network = "unixgram"
		}
		return Address{Network: network, Address: value}, nil
	case strings.HasPrefix(value, "@"):
		return Address{}, fmt.Errorf("%w: abstract namespace socket %s", ErrNotImplemented, value)
	case strings.HasPrefix(value, "vsock:"):
		return Address{}, fmt.Errorf("%w: vsock socket %s", ErrNotImplemented, value)
	case strings.HasPrefix(value, "["):
		host, port, err := net.SplitHostPort(value)
		if err != nil || !isPort(port) {
			return Address{}, fmt.Errorf("bad listen address %q", value)
		}
		return Address{Network: pick("6"), Address: net.JoinHostPort(host, port)}, nil
	case isPort(value):
		return Address{Network: pick(""), Address: ":" + value}, nil
	case strings.Contains(value, ":"):
		host, port, err := net.SplitHostPort(value)
		if err != nil || !isPort(port) || net.ParseIP(host) == nil {
			return Address{}, fmt.Errorf("bad listen address %q", value)
		}
		return Address{Network: pick("4"), Address: net.JoinHostPort(host, port)}, nil
	default:
		return Address{}, fmt.Errorf("%w: listen address %q", ErrNotImplemented, value)
	}
}

func isPort(s string) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n >= 0 && n <= 65535
}

// ServiceName returns the service a socket unit activates.
func ServiceName(d *unit.Description) string {
	return d.Get(unit.SectionSocket, "Service", d.Identity().Prefix+".service")
}

// Listening is one open socket and the unit that declared it.
type Listening struct {
	Unit    *unit.Description
	Address Address
	closer  interface{ Close() error }
	fd      int
}

// Activator owns the sockets of all opened socket units.
type Activator struct {
	cfg    *config.Settings
	logger log.Logger

	mu      sync.Mutex
	sockets map[string]*Listening
}

// New creates an Activator.
func New(cfg *config.Settings, logger log.Logger) *Activator {
	return &Activator{cfg: cfg, logger: logger, sockets: make(map[string]*Listening)}
}

// Open binds the socket of d. Accept=yes and the unsupported listen kinds
// fail with ErrNotImplemented.
func (a *Activator) Open(_ context.Context, d *unit.Description) error {
	if d.GetBool(unit.SectionSocket, "Accept", false) {
		return fmt.Errorf("%w: Accept=yes in %s", ErrNotImplemented, d.Name())
	}
	for _, key := range unsupportedKeys {
		if d.Has(unit.SectionSocket, key) {
			return fmt.Errorf("%w: %s in %s", ErrNotImplemented, key, d.Name())
		}
	}

	var addr Address
	var err error
	switch {
	case d.Has(unit.SectionSocket, "ListenStream"):
		addr, err = ParseListen(d.Get(unit.SectionSocket, "ListenStream", ""), false)
	case d.Has(unit.SectionSocket, "ListenDatagram"):
		addr, err = ParseListen(d.Get(unit.SectionSocket, "ListenDatagram", ""), true)
	default:
		return fmt.Errorf("no listen address in %s", d.Name())
	}
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sockets[d.Name()]; ok {
		return nil
	}
	l, err := a.listen(d, addr)
	if err != nil {
		return err
	}
	a.sockets[d.Name()] = l
	a.logger.Info("Listening", "unit", d.Name(), "address", addr.String())
	return nil
}

func (a *Activator) listen(d *unit.Description, addr Address) (*Listening, error) {
	if addr.Network == "unix" || addr.Network == "unixgram" {
		addr.Address = a.cfg.Path(addr.Address)
		if err := os.MkdirAll(filepath.Dir(addr.Address), 0o755); err != nil {
			return nil, err
		}
		if err := os.Remove(addr.Address); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove old socket %s: %w", addr.Address, err)
		}
	}

	l := &Listening{Unit: d, Address: addr}
	var raw syscall.Conn
	switch addr.Network {
	case "unix", "tcp", "tcp4", "tcp6":
		ln, err := net.Listen(addr.Network, addr.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		if ul, ok := ln.(*net.UnixListener); ok {
			ul.SetUnlinkOnClose(true)
		}
		l.closer = ln
		raw, _ = ln.(syscall.Conn)
	default:
		pc, err := net.ListenPacket(addr.Network, addr.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		l.closer = pc
		raw, _ = pc.(syscall.Conn)
	}
	if raw != nil {
		if rc, err := raw.SyscallConn(); err == nil {
			_ = rc.Control(func(fd uintptr) { l.fd = int(fd) })
		}
	}

	if addr.Network == "unix" || addr.Network == "unixgram" {
		a.applyOwnership(d, addr.Address)
	}
	return l, nil
}

func (a *Activator) applyOwnership(d *unit.Description, path string) {
	if mode := d.Get(unit.SectionSocket, "SocketMode", ""); mode != "" {
		if m, err := strconv.ParseUint(mode, 8, 32); err == nil {
			if err := os.Chmod(path, os.FileMode(m)); err != nil {
				a.logger.Warn("Failed to chmod socket", "path", path, "error", err)
			}
		}
	}
	uid, gid := -1, -1
	if name := d.Get(unit.SectionSocket, "SocketUser", ""); name != "" {
		if u, err := user.Lookup(name); err == nil {
			uid, _ = strconv.Atoi(u.Uid)
		}
	}
	if name := d.Get(unit.SectionSocket, "SocketGroup", ""); name != "" {
		if g, err := user.LookupGroup(name); err == nil {
			gid, _ = strconv.Atoi(g.Gid)
		}
	}
	if uid >= 0 || gid >= 0 {
		if err := os.Chown(path, uid, gid); err != nil {
			a.logger.Warn("Failed to chown socket", "path", path, "error", err)
		}
	}
}

// Close closes the socket of a unit. Closing an unknown unit is a no-op.
func (a *Activator) Close(name string) error {
	a.mu.Lock()
	l, ok := a.sockets[name]
	delete(a.sockets, name)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	a.logger.Debug("Closing socket", "unit", name, "address", l.Address.String())
	return l.closer.Close()
}

// CloseAll closes every socket.
func (a *Activator) CloseAll() error {
	var errs []error
	for _, name := range a.Names() {
		errs = append(errs, a.Close(name))
	}
	return errors.Join(errs...)
}

// IsOpen reports whether the socket of a unit is open.
func (a *Activator) IsOpen(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.sockets[name]
	return ok
}

// Get returns the open socket of a unit.
func (a *Activator) Get(name string) (*Listening, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.sockets[name]
	return l, ok
}

// Names returns the socket units with an open socket, sorted.
func (a *Activator) Names() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.sockets))
	for name := range a.sockets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Ready waits up to timeout for any socket to become readable and returns
// the readable socket units.
func (a *Activator) Ready(timeout time.Duration) ([]string, error) {
	a.mu.Lock()
	var fds []unix.PollFd
	var names []string
	for name, l := range a.sockets {
		if l.fd <= 0 {
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(l.fd), Events: unix.POLLIN})
		names = append(names, name)
	}
	a.mu.Unlock()

	if len(fds) == 0 {
		time.Sleep(timeout)
		return nil, nil
	}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	var ready []string
	for i, fd := range fds {
		if fd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			ready = append(ready, names[i])
		}
	}
	sort.Strings(ready)
	return ready, nil
}

// Accept handles activity on a socket without Accept=: the socket is
// closed so the service can bind the address itself, and the service to
// start is returned.
func (a *Activator) Accept(name string) (string, error) {
	l, ok := a.Get(name)
	if !ok {
		return "", fmt.Errorf("no open socket for %s", name)
	}
	if l.Unit.GetBool(unit.SectionSocket, "Accept", false) {
		return "", fmt.Errorf("%w: Accept=yes in %s", ErrNotImplemented, name)
	}
	service := ServiceName(l.Unit)
	if err := a.Close(name); err != nil {
		a.logger.Warn("Failed to close socket", "unit", name, "error", err)
	}
	return service, nil
}
