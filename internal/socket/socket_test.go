package socket

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/testutil"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/unit"
)

func TestParseListen(t *testing.T) {
	tests := []struct {
		value    string
		datagram bool
		want     Address
		wantErr  error
	}{
		{value: "/run/app.sock", want: Address{Network: "unix", Address: "/run/app.sock"}},
		{value: "/run/app.sock", datagram: true, want: Address{Network: "unixgram", Address: "/run/app.sock"}},
		{value: "8080", want: Address{Network: "tcp", Address: ":8080"}},
		{value: "514", datagram: true, want: Address{Network: "udp", Address: ":514"}},
		{value: "127.0.0.1:8080", want: Address{Network: "tcp4", Address: "127.0.0.1:8080"}},
		{value: "[::1]:8080", want: Address{Network: "tcp6", Address: "[::1]:8080"}},
		{value: "@abstract", wantErr: ErrNotImplemented},
		{value: "vsock:2:1234", wantErr: ErrNotImplemented},
		{value: "example.org", wantErr: ErrNotImplemented},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got, err := ParseListen(tt.value, tt.datagram)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseListen("host:99999", false)
	assert.Error(t, err)
	_, err = ParseListen("", false)
	assert.Error(t, err)
}

func TestServiceName(t *testing.T) {
	d := unit.NewDescription("web.socket")
	assert.Equal(t, "web.service", ServiceName(d))
	d.Set(unit.SectionSocket, "Service", "other.service")
	assert.Equal(t, "other.service", ServiceName(d))
}

func socketUnit(name, key, value string) *unit.Description {
	d := unit.NewDescription(name)
	d.Set(unit.SectionSocket, key, value)
	return d
}

func newActivator(t *testing.T) *Activator {
	t.Helper()
	cfg := testutil.NewMockConfig(t).GetConfig()
	a := New(cfg, testutil.NewTestLogger(t))
	t.Cleanup(func() { _ = a.CloseAll() })
	return a
}

func TestOpenUnixAndAccept(t *testing.T) {
	a := newActivator(t)
	dir, err := os.MkdirTemp("", "sock")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "web.sock")

	d := socketUnit("web.socket", "ListenStream", path)
	d.Set(unit.SectionSocket, "SocketMode", "0600")
	require.NoError(t, a.Open(context.Background(), d))
	require.NoError(t, a.Open(context.Background(), d))
	assert.True(t, a.IsOpen("web.socket"))
	assert.Equal(t, []string{"web.socket"}, a.Names())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	ready, err := a.Ready(20 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, ready)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	ready, err = a.Ready(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"web.socket"}, ready)

	service, err := a.Accept("web.socket")
	require.NoError(t, err)
	assert.Equal(t, "web.service", service)
	assert.False(t, a.IsOpen("web.socket"))
	assert.NoFileExists(t, path)

	_, err = a.Accept("web.socket")
	assert.Error(t, err)
}

func TestOpenTCPAndDatagram(t *testing.T) {
	a := newActivator(t)

	require.NoError(t, a.Open(context.Background(), socketUnit("tcp.socket", "ListenStream", "127.0.0.1:0")))
	require.NoError(t, a.Open(context.Background(), socketUnit("udp.socket", "ListenDatagram", "127.0.0.1:0")))

	l, ok := a.Get("udp.socket")
	require.True(t, ok)
	pc := l.closer.(net.PacketConn)
	client, err := net.Dial("udp", pc.LocalAddr().String())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	ready, err := a.Ready(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"udp.socket"}, ready)

	require.NoError(t, a.Close("tcp.socket"))
	require.NoError(t, a.Close("tcp.socket"))
	assert.Equal(t, []string{"udp.socket"}, a.Names())
}

func TestOpenRejects(t *testing.T) {
	a := newActivator(t)

	d := socketUnit("x.socket", "ListenStream", "8080")
	d.Set(unit.SectionSocket, "Accept", "yes")
	assert.ErrorIs(t, a.Open(context.Background(), d), ErrNotImplemented)

	assert.ErrorIs(t, a.Open(context.Background(), socketUnit("f.socket", "ListenFIFO", "/run/fifo")), ErrNotImplemented)
	assert.ErrorIs(t, a.Open(context.Background(), socketUnit("a.socket", "ListenStream", "@abstract")), ErrNotImplemented)
	assert.Error(t, a.Open(context.Background(), unit.NewDescription("empty.socket")))
	assert.Empty(t, a.Names())
}
