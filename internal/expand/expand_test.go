package expand

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/config"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/testutil"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/unit"
)

func newExpander(t *testing.T, extra ...string) (*Expander, *config.Settings) {
	t.Helper()
	cfg := testutil.NewMockConfig(t).GetConfig()
	return New(cfg, testutil.NewTestLogger(t), extra), cfg
}

func TestParseExecMode(t *testing.T) {
	tests := []struct {
		line string
		mode ExecMode
		rest string
	}{
		{"/bin/true", ExecMode{Check: true}, "/bin/true"},
		{"-/bin/false", ExecMode{}, "/bin/false"},
		{"+/bin/id", ExecMode{Check: true, NoUser: true}, "/bin/id"},
		{"!!/bin/id", ExecMode{Check: true, NoUser: true}, "/bin/id"},
		{":/bin/echo $HOME", ExecMode{Check: true, NoExpand: true}, "/bin/echo $HOME"},
		{"-@/bin/sh sh -c true", ExecMode{Argv0: true}, "/bin/sh sh -c true"},
		{"-", ExecMode{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			mode, rest := ParseExecMode(tt.line)
			assert.Equal(t, tt.mode, mode)
			assert.Equal(t, tt.rest, rest)
		})
	}
}

func TestSpecial(t *testing.T) {
	e, cfg := newExpander(t)
	d := unit.NewDescription("foo-bar@tty1.service")
	d.SetPath("/etc/systemd/system/foo-bar@.service")

	tests := []struct {
		in   string
		want string
	}{
		{"%n", "'foo-bar@tty1.service'"},
		{"%N", "foo-bar@tty1"},
		{"%p", "'foo-bar'"},
		{"%i", "'tty1'"},
		{"%I", "tty1"},
		{"%j", "'bar'"},
		{"%f", "/tty1"},
		{"%t", cfg.Path("/run")},
		{"100%%", "100%"},
		{"%q", "''"},
		{"no specifiers", "no specifiers"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Special(tt.in, d))
		})
	}
}

func TestVars(t *testing.T) {
	env := map[string]string{"A": "one two", "B": "${A}!", "C": "${C}"}
	assert.Equal(t, "one two", Vars("$A", env))
	assert.Equal(t, "one two!", Vars("${B}", env))
	assert.Equal(t, "x  y", Vars("x $MISSING y", env))
	assert.Equal(t, "${C}", Vars("${C}", env), "self reference stops at the depth limit")
	assert.Equal(t, "ab", Vars("a\\\nb", env))
}

func TestParseEnvironment(t *testing.T) {
	pairs := ParseEnvironment(`"VAR1=word word" VAR2=word3 "VAR3=$word 5 6"`)
	assert.Equal(t, []Pair{
		{Name: "VAR1", Value: "word word"},
		{Name: "VAR2", Value: "word3"},
		{Name: "VAR3", Value: "$word 5 6"},
	}, pairs)
}

func TestReadEnvironmentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env")
	content := strings.Join([]string{
		"# comment",
		"",
		"A=plain value",
		"export B='single'",
		`C="double"`,
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	pairs, err := ReadEnvironmentFile(path)
	require.NoError(t, err)
	assert.Equal(t, []Pair{
		{Name: "A", Value: "plain value"},
		{Name: "B", Value: "single"},
		{Name: "C", Value: "double"},
	}, pairs)

	_, err = ReadEnvironmentFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "app.env")
	require.NoError(t, os.WriteFile(envFile, []byte("FROM_FILE=${FROM_UNIT}/x\n"), 0o644))
	extraFile := filepath.Join(dir, "extra.env")
	require.NoError(t, os.WriteFile(extraFile, []byte("FROM_EXTRA_FILE=yes\n"), 0o644))

	e, _ := newExpander(t, "OVERRIDE=cli", "@"+extraFile)
	t.Setenv("FROM_PROCESS", "p")

	d := unit.NewDescription("a.service")
	d.Set(unit.SectionService, "Environment", "FROM_UNIT=u OVERRIDE=unit")
	d.Set(unit.SectionService, "EnvironmentFile", envFile)
	d.Set(unit.SectionService, "EnvironmentFile", "-"+filepath.Join(dir, "missing.env"))

	env := e.Env(d)
	assert.Equal(t, "p", env["FROM_PROCESS"])
	assert.Equal(t, "u", env["FROM_UNIT"])
	assert.Equal(t, "u/x", env["FROM_FILE"])
	assert.Equal(t, "cli", env["OVERRIDE"])
	assert.Equal(t, "yes", env["FROM_EXTRA_FILE"])
}

func TestEnvDropsInvalidAssignments(t *testing.T) {
	e, _ := newExpander(t, "BAD-NAME=x", "GOOD=y")

	d := unit.NewDescription("a.service")
	d.Set(unit.SectionService, "Environment", "1ST=no VALID=yes")

	env := e.Env(d)
	assert.Equal(t, "yes", env["VALID"])
	assert.Equal(t, "y", env["GOOD"])
	assert.NotContains(t, env, "1ST")
	assert.NotContains(t, env, "BAD-NAME")
}

func TestCommand(t *testing.T) {
	e, _ := newExpander(t)
	d := unit.NewDescription("web@8080.service")
	env := map[string]string{"OPTS": "-a -b", "NAME": "two words"}

	tests := []struct {
		name     string
		line     string
		wantPath string
		wantArgs []string
		wantMode ExecMode
	}{
		{
			name:     "plain var splits",
			line:     "/usr/bin/app $OPTS",
			wantPath: "/usr/bin/app",
			wantArgs: []string{"/usr/bin/app", "-a", "-b"},
			wantMode: ExecMode{Check: true},
		},
		{
			name:     "braced var stays one word",
			line:     "/usr/bin/app ${NAME}",
			wantPath: "/usr/bin/app",
			wantArgs: []string{"/usr/bin/app", "two words"},
			wantMode: ExecMode{Check: true},
		},
		{
			name:     "specifier",
			line:     "-/usr/bin/app --port %i",
			wantPath: "/usr/bin/app",
			wantArgs: []string{"/usr/bin/app", "--port", "8080"},
			wantMode: ExecMode{},
		},
		{
			name:     "no expansion",
			line:     ":/bin/echo $OPTS",
			wantPath: "/bin/echo",
			wantArgs: []string{"/bin/echo", "$OPTS"},
			wantMode: ExecMode{Check: true, NoExpand: true},
		},
		{
			name:     "argv0",
			line:     "@/bin/sleep napper 5",
			wantPath: "/bin/sleep",
			wantArgs: []string{"napper", "5"},
			wantMode: ExecMode{Check: true, Argv0: true},
		},
		{
			name:     "continuation",
			line:     "/bin/echo a \\\n b",
			wantPath: "/bin/echo",
			wantArgs: []string{"/bin/echo", "a", "b"},
			wantMode: ExecMode{Check: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := e.Command(tt.line, env, d)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPath, cmd.Path)
			assert.Equal(t, tt.wantArgs, cmd.Args)
			assert.Equal(t, tt.wantMode, cmd.Mode)
		})
	}

	_, err := e.Command("-", env, d)
	assert.Error(t, err)
	_, err = e.Command(`/bin/echo "unterminated`, env, d)
	assert.Error(t, err)
}

func TestExecEnv(t *testing.T) {
	e, cfg := newExpander(t)

	env := map[string]string{"PATH": "/opt/bin:/usr/bin", "LC_ALL": "de_DE", "KEEP": "1"}
	out := toMap(e.ExecEnv(env))
	assert.Equal(t, "1", out["KEEP"])
	assert.NotContains(t, out, "LC_ALL")
	assert.Equal(t, "C", out["LANG"])
	assert.True(t, strings.HasPrefix(out["PATH"], "/opt/bin:/usr/bin:"))
	assert.Contains(t, out["PATH"], "/sbin")
	usrBin := 0
	for _, p := range strings.Split(out["PATH"], ":") {
		if p == "/usr/bin" {
			usrBin++
		}
	}
	assert.Equal(t, 1, usrBin)

	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.LocaleConf), 0o755))
	require.NoError(t, os.WriteFile(cfg.LocaleConf, []byte("LANG=en_US.UTF-8\n"), 0o644))
	out = toMap(e.ExecEnv(env))
	assert.Equal(t, "en_US.UTF-8", out["LANG"])
	assert.Equal(t, "de_DE", env["LC_ALL"], "input map is not modified")
}

func TestWithMainPID(t *testing.T) {
	env := map[string]string{"A": "1"}
	assert.Equal(t, "42", WithMainPID(env, 42)["MAINPID"])
	assert.NotContains(t, WithMainPID(map[string]string{"MAINPID": "7"}, 0), "MAINPID")
	assert.NotContains(t, env, "MAINPID")
}

func toMap(kvs []string) map[string]string {
	m := make(map[string]string)
	for _, kv := range kvs {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	return m
}
