package initloop

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/config"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/fs"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/journal"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/process"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/state"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/testutil"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/unit"
)

type fakeSupervisor struct {
	mu       sync.Mutex
	status   *state.Store
	journal  *journal.Journal
	states   map[string]string
	pids     map[string]int
	started  []string
	restarts map[string]int
}

func newFakeSupervisor(t *testing.T, cfg *config.Settings) *fakeSupervisor {
	logger := testutil.NewTestLogger(t)
	files := fs.NewServiceWithLogger(cfg, logger)
	return &fakeSupervisor{
		status:   state.NewStore(files, logger, func() time.Time { return time.Time{} }),
		journal:  journal.New(files.JournalFolder(), logger),
		states:   map[string]string{},
		pids:     map[string]int{},
		restarts: map[string]int{},
	}
}

func (f *fakeSupervisor) Start(_ context.Context, d *unit.Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, d.Name())
	f.states[d.Name()] = "active"
	return nil
}

func (f *fakeSupervisor) Restart(_ context.Context, d *unit.Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts[d.Name()]++
	return fmt.Errorf("still broken")
}

// ActiveState prefers what the loop recorded over the scripted state.
func (f *fakeSupervisor) ActiveState(d *unit.Description) string {
	if recorded := f.status.Get(d, state.ActiveState, ""); recorded != "" {
		return recorded
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.states[d.Name()]; ok {
		return s
	}
	return "inactive"
}

func (f *fakeSupervisor) MainPID(d *unit.Description) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pids[d.Name()]
}

func (f *fakeSupervisor) Status() *state.Store      { return f.status }
func (f *fakeSupervisor) Journal() *journal.Journal { return f.journal }

func (f *fakeSupervisor) startedUnits() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

type fakeResolver map[string]*unit.Description

func (r fakeResolver) Resolve(name string) (*unit.Description, error) {
	if d, ok := r[name]; ok {
		return d, nil
	}
	return unit.NotFound(name), nil
}

func parse(t *testing.T, name, content string) *unit.Description {
	t.Helper()
	d := unit.NewDescription(name)
	require.NoError(t, d.Parse(strings.NewReader(content), name))
	return d
}

type fixture struct {
	cfg      *config.Settings
	sup      *fakeSupervisor
	resolver fakeResolver
	signals  chan os.Signal
	out      *syncBuffer
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newFixture(t *testing.T, opts ...testutil.ConfigOption) *fixture {
	t.Helper()
	opts = append([]testutil.ConfigOption{testutil.WithInitLoopSleep(20 * time.Millisecond)}, opts...)
	cfg := testutil.NewMockConfig(t, opts...).GetConfig()
	cfg.MinimumYield = 10 * time.Millisecond
	return &fixture{
		cfg:      cfg,
		sup:      newFakeSupervisor(t, cfg),
		resolver: fakeResolver{},
		signals:  make(chan os.Signal, 4),
		out:      &syncBuffer{},
	}
}

func (f *fixture) loop(t *testing.T, opts ...Option) *Loop {
	opts = append([]Option{
		WithSignals(f.signals),
		WithOutput(f.out),
		WithReaper(func() process.Reaped { return process.Reaped{Running: 1} }),
	}, opts...)
	return New(f.cfg, testutil.NewTestLogger(t), f.sup, f.resolver, opts...)
}

func (f *fixture) add(t *testing.T, name, content string) *unit.Description {
	d := parse(t, name, content)
	f.resolver[name] = d
	return d
}

func TestRestartLimiter(t *testing.T) {
	r := NewRestartLimiter()
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		require.True(t, r.Allow("a.service", 3, 10*time.Second), "restart %d", i+1)
		r.Record("a.service")
		now = now.Add(time.Second)
	}
	assert.False(t, r.Allow("a.service", 3, 10*time.Second))
	assert.True(t, r.Allow("b.service", 3, 10*time.Second))

	now = now.Add(8 * time.Second)
	assert.True(t, r.Allow("a.service", 3, 10*time.Second), "oldest restart left the window")
	assert.Equal(t, 2, r.Count("a.service"))

	r.Forget("a.service")
	assert.Equal(t, 0, r.Count("a.service"))
}

func TestRunStopsOnSignal(t *testing.T) {
	tests := []struct {
		signal os.Signal
		want   string
	}{
		{unix.SIGTERM, "SIGTERM"},
		{unix.SIGINT, "SIGINT"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			f := newFixture(t)
			l := f.loop(t)
			f.signals <- tt.signal
			result, err := l.Run(context.Background(), nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, result)
			assert.Equal(t, "degraded", SystemState(f.sup.status))
		})
	}
}

func TestRunStopsOnContext(t *testing.T) {
	f := newFixture(t)
	l := f.loop(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	result, err := l.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, Stopped, result)
}

func TestSIGQUITDrainsProcesses(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	running := 3
	l := f.loop(t, WithReaper(func() process.Reaped {
		mu.Lock()
		defer mu.Unlock()
		if running > 0 {
			running--
		}
		return process.Reaped{Running: running}
	}))

	f.signals <- unix.SIGQUIT
	result, err := l.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "", result)
	mu.Lock()
	assert.Equal(t, 0, running)
	mu.Unlock()
}

func TestExitWhenNoMoreServices(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a.service", "[Service]\nExecStart=/bin/true\n")
	f.sup.states["a.service"] = "active"
	l := f.loop(t, WithExitWhenNoMoreServices(true))

	time.AfterFunc(100*time.Millisecond, func() {
		f.sup.mu.Lock()
		f.sup.states["a.service"] = "inactive"
		f.sup.mu.Unlock()
	})
	result, err := l.Run(context.Background(), []string{"a.service"})
	require.NoError(t, err)
	assert.Equal(t, "", result)
}

func TestRestartBurstLimit(t *testing.T) {
	f := newFixture(t)
	d := f.add(t, "crash.service", strings.Join([]string{
		"[Service]",
		"ExecStart=/bin/false",
		"Restart=on-failure",
		"RestartSec=0",
		"StartLimitBurst=3",
		"StartLimitIntervalSec=10",
	}, "\n"))
	f.sup.states["crash.service"] = "failed"
	l := f.loop(t)
	l.units = []string{"crash.service"}

	for i := 0; i < 5; i++ {
		assert.False(t, l.tick(context.Background()))
	}
	assert.Equal(t, 3, f.sup.restarts["crash.service"])
	assert.Equal(t, "error", f.sup.Status().Get(d, state.ActiveState, ""))
}

func TestRestartPolicies(t *testing.T) {
	tests := []struct {
		policy string
		state  string
		want   int
	}{
		{"no", "failed", 0},
		{"on-success", "failed", 0},
		{"on-failure", "failed", 1},
		{"always", "failed", 1},
		{"always", "active", 0},
		{"on-failure", "inactive", 0},
	}
	for _, tt := range tests {
		t.Run(tt.policy+"/"+tt.state, func(t *testing.T) {
			f := newFixture(t)
			f.add(t, "a.service", "[Service]\nExecStart=/bin/true\nRestartSec=0\nRestart="+tt.policy+"\n")
			f.sup.states["a.service"] = tt.state
			l := f.loop(t)
			l.units = []string{"a.service"}
			l.tick(context.Background())
			assert.Equal(t, tt.want, f.sup.restarts["a.service"])
		})
	}
}

func TestRestartWaitsForRestartSec(t *testing.T) {
	f := newFixture(t)
	f.add(t, "slow.service", "[Service]\nExecStart=/bin/false\nRestart=always\nRestartSec=300ms\n")
	f.sup.states["slow.service"] = "failed"
	l := f.loop(t)
	l.units = []string{"slow.service"}

	l.tick(context.Background())
	assert.Equal(t, 0, f.sup.restarts["slow.service"])
	time.Sleep(350 * time.Millisecond)
	l.tick(context.Background())
	assert.Equal(t, 1, f.sup.restarts["slow.service"])
}

func TestRestartDisabled(t *testing.T) {
	f := newFixture(t)
	f.cfg.RestartFailedUnits = false
	f.add(t, "a.service", "[Service]\nExecStart=/bin/false\nRestart=always\nRestartSec=0\n")
	f.sup.states["a.service"] = "failed"
	l := f.loop(t)
	l.units = []string{"a.service"}
	l.tick(context.Background())
	assert.Equal(t, 0, f.sup.restarts["a.service"])
}

func TestReapedMainProcessIsRecorded(t *testing.T) {
	one, zero := 1, 0
	tests := []struct {
		name       string
		handle     process.Handle
		wantActive string
		wantSub    string
		wantCode   string
	}{
		{"failure", process.Handle{PID: 4242, ExitCode: &one}, "failed", "exit-code", "1"},
		{"clean exit", process.Handle{PID: 4242, ExitCode: &zero}, "inactive", "dead", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			d := f.add(t, "main.service", "[Service]\nExecStart=/bin/sleep 10\n")
			f.add(t, "other.service", "[Service]\nExecStart=/bin/sleep 10\n")
			f.sup.pids["main.service"] = 4242
			f.sup.pids["other.service"] = 4343
			f.cfg.RestartFailedUnits = false
			l := f.loop(t, WithReaper(func() process.Reaped {
				return process.Reaped{Reaped: []process.Handle{tt.handle}, Running: 1}
			}))
			l.units = []string{"main.service", "other.service"}

			l.tick(context.Background())
			assert.Equal(t, tt.wantActive, f.sup.Status().Get(d, state.ActiveState, ""))
			assert.Equal(t, tt.wantSub, f.sup.Status().Get(d, state.SubState, ""))
			assert.Equal(t, tt.wantCode, f.sup.Status().Get(d, state.ExecMainCode, ""))
			assert.Empty(t, f.sup.Status().Get(f.resolver["other.service"], state.ActiveState, ""))
		})
	}
}

func TestAdjustSleep(t *testing.T) {
	tests := []struct {
		name       string
		sleep      time.Duration
		restartSec string
		want       time.Duration
	}{
		{"zero restart sec", 5 * time.Second, "0", time.Second},
		{"shorter restart sec", 5 * time.Second, "2", 2 * time.Second},
		{"rounded up", 5 * time.Second, "1.9", 2 * time.Second},
		{"too short to matter", 5 * time.Second, "500ms", 5 * time.Second},
		{"longer restart sec", 5 * time.Second, "10", 5 * time.Second},
		{"never below yield", 20 * time.Millisecond, "0", 20 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testutil.WithInitLoopSleep(tt.sleep))
			d := f.add(t, "a.service", "[Service]\nRestartSec="+tt.restartSec+"\n")
			l := f.loop(t)
			l.adjustSleep(d)
			assert.Equal(t, tt.want, l.Sleep())
		})
	}
}

func TestDrainRelaysUnitLogs(t *testing.T) {
	f := newFixture(t)
	d := f.add(t, "talk.service", "[Service]\nExecStart=/bin/true\n")
	l := f.loop(t)
	l.watch("talk.service")

	log, err := f.sup.Journal().Open(d)
	require.NoError(t, err)
	_, err = log.WriteString("hello\npartial")
	require.NoError(t, err)
	require.NoError(t, log.Close())

	l.tick(context.Background())
	assert.Equal(t, "talk.service: hello\n", f.out.String())

	f.signals <- unix.SIGTERM
	_, err = l.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "talk.service: hello\ntalk.service: partial\n", f.out.String())
}

type fakeSockets struct {
	mu       sync.Mutex
	pending  []string
	accepted []string
	closed   bool
}

func (s *fakeSockets) Ready(timeout time.Duration) ([]string, error) {
	s.mu.Lock()
	ready := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(ready) == 0 {
		time.Sleep(timeout)
	}
	return ready, nil
}

func (s *fakeSockets) Accept(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted = append(s.accepted, name)
	return strings.TrimSuffix(name, ".socket") + ".service", nil
}

func (s *fakeSockets) CloseAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestSocketActivityStartsService(t *testing.T) {
	f := newFixture(t)
	sock := f.add(t, "web.socket", "[Socket]\nListenStream=8080\n")
	f.add(t, "web.service", "[Service]\nExecStart=/bin/sleep 10\n")
	sockets := &fakeSockets{pending: []string{"web.socket"}}
	l := f.loop(t, WithSockets(sockets))

	done := make(chan string, 1)
	go func() {
		result, _ := l.Run(context.Background(), []string{"web.socket"})
		done <- result
	}()

	require.Eventually(t, func() bool {
		return len(f.sup.startedUnits()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"web.service"}, f.sup.startedUnits())
	assert.Equal(t, "running", f.sup.Status().Get(sock, state.SubState, ""))

	f.signals <- unix.SIGTERM
	select {
	case result := <-done:
		assert.Equal(t, "SIGTERM", result)
	case <-time.After(5 * time.Second):
		t.Fatal("init loop did not stop")
	}
	sockets.mu.Lock()
	defer sockets.mu.Unlock()
	assert.True(t, sockets.closed)
	assert.Equal(t, []string{"web.socket"}, sockets.accepted)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Contains(t, l.units, "web.service")
}

func TestSystemState(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "offline", SystemState(f.sup.status))
	require.NoError(t, RecordSystemState(f.sup.status, "active", "running"))
	assert.Equal(t, "running", SystemState(f.sup.status))
	require.NoError(t, RecordSystemState(f.sup.status, "", "degraded"))
	assert.Equal(t, "degraded", SystemState(f.sup.status))
	assert.Empty(t, f.sup.status.Get(SystemUnit(), state.ActiveState, ""))
}
