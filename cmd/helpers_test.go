package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/config"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/testutil"
)

// SetupCommandContext creates a command with app context for testing.
func SetupCommandContext(cmd *cobra.Command, app *App) {
	ctx := context.WithValue(context.Background(), appContextKey, app)
	cmd.SetContext(ctx)
}

// ExecuteCommandWithCapture executes a cobra command and captures its output.
func ExecuteCommandWithCapture(t *testing.T, cmd *cobra.Command, args []string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// testEnv shares one configuration between commands. Unit state lives
// in files below the configured root, so every run gets a fresh App the
// way separate invocations of the binary do.
type testEnv struct {
	provider config.Provider
	cfg      *config.Settings
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	provider := testutil.NewMockConfig(t, testutil.WithTimeouts(2*time.Second))
	return &testEnv{provider: provider, cfg: provider.GetConfig()}
}

func (e *testEnv) oneshot(t *testing.T, name string) string {
	t.Helper()
	return testutil.WriteUnit(t, e.cfg, name, "[Unit]\nDescription=unit "+name+"\n[Service]\nType=oneshot\nExecStart=/bin/true\n")
}

func (e *testEnv) wants(t *testing.T, target, name string) {
	t.Helper()
	folder := filepath.Join(e.cfg.SystemFolders[0], target+".wants")
	require.NoError(t, os.MkdirAll(folder, 0o755))
	require.NoError(t, os.Symlink(filepath.Join(e.cfg.SystemFolders[0], name), filepath.Join(folder, name)))
}

// run executes args through a fresh root command and returns the output
// and the exit status.
func (e *testEnv) run(t *testing.T, args ...string) (string, int) {
	t.Helper()
	return runWithApp(t, e.newApp(t), args...)
}

func (e *testEnv) newApp(t *testing.T) *App {
	t.Helper()
	return NewApp(testutil.NewTestLogger(t), e.provider, AppOptions{})
}

func runWithApp(t *testing.T, app *App, args ...string) (string, int) {
	t.Helper()
	root := &RootCommand{}
	cmd := root.GetCobraCommand()
	SetupCommandContext(cmd, app)
	out, err := ExecuteCommandWithCapture(t, cmd, args)
	return out, root.ExitCode(cmd, err)
}
