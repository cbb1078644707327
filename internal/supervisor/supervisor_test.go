package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/config"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/fs"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/lock"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/process"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/state"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/testutil"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/testutil/fakerunner"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/unit"
)

const helperEnv = "SUPERVISOR_TEST_HELPER"

// TestMain lets the test binary act as a notify-type service.
func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "notify":
		time.Sleep(100 * time.Millisecond)
		_, _ = daemon.SdNotify(false, "STATUS=serving\nREADY=1\nMAINPID="+strconv.Itoa(os.Getpid()))
		time.Sleep(30 * time.Second)
		os.Exit(0)
	case "silent":
		time.Sleep(30 * time.Second)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type fixture struct {
	cfg    *config.Settings
	sup    *Supervisor
	runner *fakerunner.Runner
	dir    string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	cfg := testutil.NewMockConfig(t, testutil.WithTimeouts(2*time.Second)).GetConfig()
	logger := testutil.NewTestLogger(t)
	files := fs.NewServiceWithLogger(cfg, logger)
	runner := fakerunner.New()
	noBoot := func() time.Time { return time.Time{} }
	opts = append([]Option{
		WithRunner(runner),
		WithStatusStore(state.NewStore(files, logger, noBoot)),
	}, opts...)
	return &fixture{
		cfg:    cfg,
		sup:    New(cfg, logger, opts...),
		runner: runner,
		dir:    t.TempDir(),
	}
}

func (f *fixture) unit(t *testing.T, name, content string) *unit.Description {
	t.Helper()
	path := testutil.WriteUnit(t, f.cfg, name, content)
	d := unit.NewDescription(name)
	d.SetPath(path)
	require.NoError(t, d.ReadFile(path))
	return d
}

func (f *fixture) path(name string) string {
	return filepath.Join(f.dir, name)
}

func (f *fixture) stopAfter(t *testing.T, d *unit.Description) {
	t.Cleanup(func() { _ = f.sup.Stop(context.Background(), d) })
}

func TestOneshotStartIsIdempotent(t *testing.T) {
	f := newFixture(t)
	marker := f.path("ran")
	d := f.unit(t, "once.service", "[Service]\nType=oneshot\nExecStart=/bin/sh -c 'echo x >> "+marker+"'\n")

	require.NoError(t, f.sup.Start(context.Background(), d))
	assert.Equal(t, StateActive, f.sup.ActiveState(d))
	assert.Equal(t, "exited", f.sup.SubState(d))
	assert.Equal(t, "0", f.sup.Status().Get(d, state.ExecMainCode, ""))
	calls := len(f.runner.GetCalls())

	require.NoError(t, f.sup.Start(context.Background(), d))
	assert.Len(t, f.runner.GetCalls(), calls)

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(data))

	require.NoError(t, f.sup.Stop(context.Background(), d))
	assert.Equal(t, StateInactive, f.sup.ActiveState(d))
	require.NoError(t, f.sup.Start(context.Background(), d))
	assert.Len(t, f.runner.GetCalls(), calls+1)
}

func TestOneshotFailureRunsStopPost(t *testing.T) {
	f := newFixture(t)
	marker := f.path("post")
	d := f.unit(t, "bad.service", strings.Join([]string{
		"[Service]",
		"Type=oneshot",
		"ExecStart=/bin/sh -c 'exit 3'",
		"ExecStart=/bin/sh -c 'echo never > " + f.path("never") + "'",
		"ExecStopPost=/bin/sh -c 'echo $SERVICE_RESULT > " + marker + "'",
	}, "\n"))

	err := f.sup.Start(context.Background(), d)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFailed)
	assert.Equal(t, StateFailed, f.sup.ActiveState(d))
	assert.Equal(t, "3", f.sup.Status().Get(d, state.ExecMainCode, ""))
	assert.NoFileExists(t, f.path("never"))

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "exit-code\n", string(data))
}

func TestBestEffortCommands(t *testing.T) {
	f := newFixture(t)
	d := f.unit(t, "lenient.service", strings.Join([]string{
		"[Service]",
		"Type=oneshot",
		"ExecStartPre=-/bin/false",
		"ExecStart=-/bin/sh -c 'exit 4'",
		"ExecStart=/bin/true",
	}, "\n"))

	require.NoError(t, f.sup.Start(context.Background(), d))
	assert.Equal(t, StateActive, f.sup.ActiveState(d))
}

func TestSuccessExitStatus(t *testing.T) {
	f := newFixture(t)
	d := f.unit(t, "ok.service", "[Service]\nType=oneshot\nSuccessExitStatus=3 SIGUSR1\nExecStart=/bin/sh -c 'exit 3'\n")
	require.NoError(t, f.sup.Start(context.Background(), d))
	assert.Equal(t, StateActive, f.sup.ActiveState(d))
}

func TestSimpleStartStop(t *testing.T) {
	f := newFixture(t)
	d := f.unit(t, "sleeper.service", "[Service]\nExecStart=/bin/sleep 30\n")
	f.stopAfter(t, d)

	require.NoError(t, f.sup.Start(context.Background(), d))
	pid := f.sup.MainPID(d)
	require.Greater(t, pid, 0)
	assert.True(t, process.IsActive(pid))
	assert.Equal(t, StateActive, f.sup.ActiveState(d))
	assert.Equal(t, "running", f.sup.SubState(d))

	calls := len(f.runner.GetCalls())
	require.NoError(t, f.sup.Start(context.Background(), d))
	assert.Len(t, f.runner.GetCalls(), calls, "running service is not started twice")

	require.NoError(t, f.sup.Stop(context.Background(), d))
	assert.False(t, process.IsActive(pid))
	assert.Equal(t, StateInactive, f.sup.ActiveState(d))
	assert.Equal(t, "dead", f.sup.SubState(d))
	assert.Equal(t, 0, f.sup.MainPID(d))
}

func TestSimpleMissingExecutable(t *testing.T) {
	f := newFixture(t)
	marker := f.path("cleanup")
	d := f.unit(t, "missing.service", strings.Join([]string{
		"[Service]",
		"ExecStart=/nonexistent/daemon --foreground",
		"ExecStopPost=/bin/sh -c 'echo $SERVICE_RESULT > " + marker + "'",
	}, "\n"))

	err := f.sup.Start(context.Background(), d)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExec)
	assert.Equal(t, StateFailed, f.sup.ActiveState(d))
	assert.Equal(t, StateFailed, f.sup.Status().Get(d, state.ActiveState, ""))

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "exec\n", string(data))
}

func TestSimpleExitsImmediately(t *testing.T) {
	f := newFixture(t)
	f.cfg.MinimumYield = 300 * time.Millisecond
	d := f.unit(t, "crash.service", "[Service]\nExecStart=/bin/sh -c 'exit 2'\n")

	err := f.sup.Start(context.Background(), d)
	assert.ErrorIs(t, err, ErrFailed)
	assert.Equal(t, StateFailed, f.sup.ActiveState(d))
	assert.Equal(t, "2", f.sup.Status().Get(d, state.ExecMainCode, ""))
}

func TestSimpleRemainAfterExit(t *testing.T) {
	f := newFixture(t)
	f.cfg.MinimumYield = 300 * time.Millisecond
	d := f.unit(t, "remain.service", "[Service]\nRemainAfterExit=yes\nExecStart=/bin/true\n")

	require.NoError(t, f.sup.Start(context.Background(), d))
	assert.Equal(t, StateActive, f.sup.ActiveState(d))
	assert.Equal(t, "exited", f.sup.SubState(d))
}

func TestMainProcessDiedIsFailed(t *testing.T) {
	f := newFixture(t)
	d := f.unit(t, "dies.service", "[Service]\nExecStart=/bin/sleep 30\n")

	require.NoError(t, f.sup.Start(context.Background(), d))
	pid := f.sup.MainPID(d)
	require.NoError(t, process.Kill(pid, unix.SIGKILL))
	_, err := process.Wait(pid)
	require.NoError(t, err)

	assert.Equal(t, StateFailed, f.sup.ActiveState(d))
	require.NoError(t, f.sup.ResetFailed(context.Background(), d))
	assert.Equal(t, StateInactive, f.sup.ActiveState(d))
}

func TestForking(t *testing.T) {
	f := newFixture(t)
	pidFile := f.path("daemon.pid")
	d := f.unit(t, "daemon.service", strings.Join([]string{
		"[Service]",
		"Type=forking",
		"PIDFile=" + pidFile,
		"ExecStart=/bin/sh -c 'sleep 30 & echo $! > " + pidFile + "'",
	}, "\n"))
	f.stopAfter(t, d)

	require.NoError(t, f.sup.Start(context.Background(), d))
	pid := f.sup.MainPID(d)
	require.Greater(t, pid, 0)
	assert.Equal(t, StateActive, f.sup.ActiveState(d))

	require.NoError(t, f.sup.Stop(context.Background(), d))
	assert.False(t, process.IsActive(pid))
	assert.NoFileExists(t, pidFile)
	assert.Equal(t, StateInactive, f.sup.ActiveState(d))
}

func TestForkingWithoutPIDFileTimesOut(t *testing.T) {
	f := newFixture(t)
	d := f.unit(t, "nopid.service", strings.Join([]string{
		"[Service]",
		"Type=forking",
		"TimeoutStartSec=1",
		"PIDFile=" + f.path("never.pid"),
		"ExecStart=/bin/true",
	}, "\n"))

	err := f.sup.Start(context.Background(), d)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateFailed, f.sup.Status().Get(d, state.ActiveState, ""))
}

func helperUnit(mode string, extra ...string) string {
	exe, _ := os.Executable()
	lines := append([]string{
		"[Service]",
		"Type=notify",
		"Environment=" + helperEnv + "=" + mode,
		"ExecStart=" + exe,
	}, extra...)
	return strings.Join(lines, "\n")
}

func TestNotifyReady(t *testing.T) {
	f := newFixture(t)
	d := f.unit(t, "notify.service", helperUnit("notify"))
	f.stopAfter(t, d)

	require.NoError(t, f.sup.Start(context.Background(), d))
	pid := f.sup.MainPID(d)
	require.Greater(t, pid, 0)
	assert.True(t, process.IsActive(pid))
	assert.Equal(t, StateActive, f.sup.ActiveState(d))
	assert.Equal(t, "serving", f.sup.Status().Get(d, state.StatusText, ""))

	require.NoError(t, f.sup.Stop(context.Background(), d))
	assert.False(t, process.IsActive(pid))
}

func TestNotifyTimeout(t *testing.T) {
	f := newFixture(t)
	d := f.unit(t, "silent.service", helperUnit("silent", "TimeoutStartSec=1"))

	err := f.sup.Start(context.Background(), d)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateFailed, f.sup.ActiveState(d))
	assert.Equal(t, 0, f.sup.MainPID(d))
}

func TestReload(t *testing.T) {
	f := newFixture(t)
	marker := f.path("reloaded")
	d := f.unit(t, "reload.service", strings.Join([]string{
		"[Service]",
		"ExecStart=/bin/sleep 30",
		"ExecReload=/bin/sh -c 'echo $MAINPID > " + marker + "'",
	}, "\n"))
	f.stopAfter(t, d)

	assert.ErrorIs(t, f.sup.Reload(context.Background(), d), ErrInactive)

	require.NoError(t, f.sup.Start(context.Background(), d))
	require.NoError(t, f.sup.Reload(context.Background(), d))
	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(f.sup.MainPID(d))+"\n", string(data))
	assert.Equal(t, StateActive, f.sup.ActiveState(d))

	plain := f.unit(t, "plain.service", "[Service]\nExecStart=/bin/sleep 30\n")
	assert.False(t, f.sup.CanReload(plain))
	assert.ErrorIs(t, f.sup.Reload(context.Background(), plain), ErrUnsupported)
}

func TestFailingReloadKeepsActive(t *testing.T) {
	f := newFixture(t)
	d := f.unit(t, "reload.service", "[Service]\nExecStart=/bin/sleep 30\nExecReload=/bin/false\n")
	f.stopAfter(t, d)

	require.NoError(t, f.sup.Start(context.Background(), d))
	assert.ErrorIs(t, f.sup.Reload(context.Background(), d), ErrFailed)
	assert.Equal(t, StateActive, f.sup.ActiveState(d))
}

func TestRestart(t *testing.T) {
	f := newFixture(t)
	d := f.unit(t, "restart.service", "[Service]\nExecStart=/bin/sleep 30\n")
	f.stopAfter(t, d)

	require.NoError(t, f.sup.Start(context.Background(), d))
	first := f.sup.MainPID(d)
	require.NoError(t, f.sup.Restart(context.Background(), d))
	second := f.sup.MainPID(d)
	assert.NotEqual(t, first, second)
	assert.False(t, process.IsActive(first))
	assert.True(t, process.IsActive(second))
}

func TestKillControlGroup(t *testing.T) {
	f := newFixture(t)
	d := f.unit(t, "tree.service", "[Service]\nExecStart=/bin/sh -c 'sleep 30 & sleep 30'\n")
	f.stopAfter(t, d)

	require.NoError(t, f.sup.Start(context.Background(), d))
	pid := f.sup.MainPID(d)
	var children []int
	require.Eventually(t, func() bool {
		children = process.Descendants(pid, 10)
		return len(children) >= 1
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, f.sup.Kill(context.Background(), d))
	assert.False(t, process.IsActive(pid))
	for _, child := range children {
		assert.False(t, process.IsActive(child), "descendant %d", child)
	}
}

func TestStopWithExecStop(t *testing.T) {
	f := newFixture(t)
	d := f.unit(t, "execstop.service", "[Service]\nExecStart=/bin/sleep 30\nExecStop=/bin/sh -c 'kill $MAINPID'\n")

	require.NoError(t, f.sup.Start(context.Background(), d))
	pid := f.sup.MainPID(d)
	require.NoError(t, f.sup.Stop(context.Background(), d))
	assert.False(t, process.IsActive(pid))
	assert.Equal(t, StateInactive, f.sup.ActiveState(d))
}

func TestRuntimeDirectories(t *testing.T) {
	f := newFixture(t)
	f.cfg.Root = f.path("root")
	require.NoError(t, os.MkdirAll(f.cfg.Root, 0o755))
	d := f.unit(t, "dirs.service", "[Service]\nType=oneshot\nRuntimeDirectory=app\nStateDirectory=app\nExecStart=/bin/true\n")

	require.NoError(t, f.sup.Start(context.Background(), d))
	assert.DirExists(t, f.cfg.Path("/run/app"))
	assert.DirExists(t, f.cfg.Path("/var/lib/app"))

	require.NoError(t, f.sup.Stop(context.Background(), d))
	assert.NoDirExists(t, f.cfg.Path("/run/app"))
	assert.DirExists(t, f.cfg.Path("/var/lib/app"))
}

func TestStandardOutputToJournal(t *testing.T) {
	f := newFixture(t)
	d := f.unit(t, "talk.service", "[Service]\nType=oneshot\nExecStart=/bin/sh -c 'echo hello; echo oops >&2'\n")

	require.NoError(t, f.sup.Start(context.Background(), d))
	data, err := os.ReadFile(f.sup.Journal().Path(d))
	require.NoError(t, err)
	assert.Equal(t, "hello\noops\n", string(data))
}

func TestConcurrentStartsAreSerialized(t *testing.T) {
	f := newFixture(t)
	marker := f.path("count")
	d := f.unit(t, "slow.service", "[Service]\nType=oneshot\nExecStart=/bin/sh -c 'sleep 0.3; echo x >> "+marker+"'\n")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.sup.Start(context.Background(), d)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, lock.ErrLockTimeout)
		}
	}
	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(data))
}

func TestUnloadedUnits(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.sup.Start(context.Background(), unit.NotFound("nope.service")), ErrNotLoaded)
	assert.ErrorIs(t, f.sup.Stop(context.Background(), unit.Masked("m.service", "/etc/m.service", "/dev/null")), ErrMasked)
	assert.Equal(t, StateInactive, f.sup.ActiveState(unit.NotFound("nope.service")))

	d := f.unit(t, "weird.service", "[Service]\nType=dbus\nExecStart=/bin/true\n")
	assert.ErrorIs(t, f.sup.Start(context.Background(), d), ErrUnsupported)
}

type fakeSockets struct {
	open map[string]bool
	err  error
}

func (s *fakeSockets) Open(_ context.Context, d *unit.Description) error {
	if s.err != nil {
		return s.err
	}
	s.open[d.Name()] = true
	return nil
}

func (s *fakeSockets) Close(name string) error {
	delete(s.open, name)
	return nil
}

func (s *fakeSockets) IsOpen(name string) bool { return s.open[name] }

func TestSocketAndTargetUnits(t *testing.T) {
	sockets := &fakeSockets{open: map[string]bool{}}
	f := newFixture(t, WithSockets(sockets))

	sock := f.unit(t, "web.socket", "[Socket]\nListenStream=8080\n")
	require.NoError(t, f.sup.Start(context.Background(), sock))
	assert.True(t, sockets.IsOpen("web.socket"))
	assert.Equal(t, StateActive, f.sup.ActiveState(sock))
	assert.Equal(t, "listening", f.sup.SubState(sock))

	require.NoError(t, f.sup.Stop(context.Background(), sock))
	assert.False(t, sockets.IsOpen("web.socket"))
	assert.Equal(t, StateInactive, f.sup.ActiveState(sock))

	sockets.err = errors.New("address in use")
	assert.Error(t, f.sup.Start(context.Background(), sock))
	assert.Equal(t, StateFailed, f.sup.ActiveState(sock))

	target := f.unit(t, "app.target", "[Unit]\nDescription=App\n")
	require.NoError(t, f.sup.Start(context.Background(), target))
	require.NoError(t, f.sup.Stop(context.Background(), target))
}
