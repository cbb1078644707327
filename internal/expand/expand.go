// Package expand turns Exec command lines and environment settings of a
// unit into argv and environment slices: %-specifiers, $VAR references,
// Environment=/EnvironmentFile= and the exec-mode sigils.
package expand

import (
	"bufio"
	"fmt"
	"os"
	"os/user"
	"regexp"
	"sort"
	"strconv"
	"strings"

	systemdunit "github.com/coreos/go-systemd/v22/unit"
	"github.com/mattn/go-shellwords"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/config"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/log"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/unit"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/validate"
)

// maxDepth bounds repeated ${VAR} expansion.
const maxDepth = 20

// ExecMode describes the sigils in front of an Exec command.
type ExecMode struct {
	// Check is false for "-": a failing exit code is ignored.
	Check bool
	// NoUser is set by "+" or "!": User=/Group= are not applied.
	NoUser bool
	// NoExpand is set by ":": no environment variable expansion.
	NoExpand bool
	// Argv0 is set by "@": the second word becomes argv[0].
	Argv0 bool
}

// ParseExecMode strips the leading sigils of cmd.
func ParseExecMode(cmd string) (ExecMode, string) {
	mode := ExecMode{Check: true}
	for i, r := range cmd {
		switch r {
		case '-':
			mode.Check = false
		case '+', '!':
			mode.NoUser = true
		case ':':
			mode.NoExpand = true
		case '@':
			mode.Argv0 = true
		default:
			return mode, cmd[i:]
		}
	}
	return mode, ""
}

// Command is one expanded Exec line.
type Command struct {
	Mode ExecMode
	// Path is the executable, Args the argv handed to it.
	Path string
	Args []string
}

// Expander resolves specifiers and variables for units.
type Expander struct {
	cfg    *config.Settings
	logger log.Logger
	extra  []string
	env    *validate.EnvValidator
}

// New creates an Expander. extraVars are "NAME=VALUE" assignments or
// "@file" environment files given on the command line; they override the
// unit environment.
func New(cfg *config.Settings, logger log.Logger, extraVars []string) *Expander {
	return &Expander{cfg: cfg, logger: logger, extra: extraVars, env: validate.NewEnvValidator(logger)}
}

var specialPattern = regexp.MustCompile(`%(.)`)

func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `\'`) + "'"
}

// Specials returns the %-specifier table for a unit. The lowercase name
// specifiers are shell quoted, the uppercase ones are unescaped.
func (e *Expander) Specials(d *unit.Description) map[string]string {
	n := d.Identity()
	fileName := d.Path()
	pathSource := n.Instance
	if pathSource == "" {
		pathSource = n.Prefix
	}

	home, userName, uid, shell := "/root", "root", "0", "/bin/sh"
	run, data, logs, cache, conf := "/run", "/var/lib", "/var/log", "/var/cache", "/etc"
	tmp, varTmp := "/tmp", "/var/tmp"
	if e.cfg.UserMode {
		if u, err := user.Current(); err == nil {
			home, userName, uid = u.HomeDir, u.Username, u.Uid
		}
		run = envOr("XDG_RUNTIME_DIR", "/run/user/"+uid)
		conf = envOr("XDG_CONFIG_HOME", home+"/.config")
		cache = envOr("XDG_CACHE_HOME", home+"/.cache")
		data = conf
		logs = conf + "/log"
		shell = envOr("SHELL", shell)
		tmp = envOr("TMPDIR", envOr("TEMP", envOr("TMP", tmp)))
		varTmp = envOr("TMPDIR", envOr("TEMP", envOr("TMP", varTmp)))
	}

	return map[string]string{
		"%": "%",
		"n": shellQuote(n.Full),
		"N": n.WithoutSuffix(),
		"p": shellQuote(n.Prefix),
		"P": systemdunit.UnitNameUnescape(n.Prefix),
		"i": shellQuote(n.Instance),
		"I": systemdunit.UnitNameUnescape(n.Instance),
		"j": shellQuote(n.Component),
		"J": systemdunit.UnitNameUnescape(n.Component),
		"f": systemdunit.UnitNamePathUnescape(pathSource),
		"F": shellQuote(fileName),
		"t": e.cfg.Path(run),
		"T": e.cfg.Path(tmp),
		"V": e.cfg.Path(varTmp),
		"S": e.cfg.Path(data),
		"L": e.cfg.Path(logs),
		"C": e.cfg.Path(cache),
		"E": e.cfg.Path(conf),
		"h": home,
		"u": userName,
		"U": uid,
		"s": shell,
	}
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// Special replaces %-specifiers in s. Unknown specifiers become an empty
// quoted string.
func (e *Expander) Special(s string, d *unit.Description) string {
	if !strings.Contains(s, "%") {
		return s
	}
	specials := e.Specials(d)
	return specialPattern.ReplaceAllStringFunc(s, func(m string) string {
		if v, ok := specials[m[1:]]; ok {
			return v
		}
		e.logger.Warn("Can not expand specifier", "unit", d.Name(), "specifier", m)
		return "''"
	})
}

var (
	plainVar  = regexp.MustCompile(`\$(\w+)`)
	bracedVar = regexp.MustCompile(`\$\{(\w+)\}`)
)

// Vars expands $NAME once and then ${NAME} repeatedly until nothing
// changes. Unknown names expand to "".
func Vars(s string, env map[string]string) string {
	lookup := func(pattern *regexp.Regexp) func(string) string {
		return func(m string) string {
			name := pattern.FindStringSubmatch(m)[1]
			return env[name]
		}
	}
	expanded := plainVar.ReplaceAllStringFunc(strings.ReplaceAll(s, "\\\n", ""), lookup(plainVar))
	for i := 0; i < maxDepth; i++ {
		next := bracedVar.ReplaceAllStringFunc(expanded, lookup(bracedVar))
		if next == expanded {
			break
		}
		expanded = next
	}
	return expanded
}

var (
	envPart  = regexp.MustCompile(`\s*("[\w_]+=[^"]*"|[\w_]+=\S*)`)
	envFileQ = regexp.MustCompile(`^(?:export +)?(\w+)='([^']*)'`)
	envFileD = regexp.MustCompile(`^(?:export +)?(\w+)="([^"]*)"`)
	envFileP = regexp.MustCompile(`^(?:export +)?(\w+)=(.*)`)
)

// Pair is one environment assignment.
type Pair struct {
	Name  string
	Value string
}

// ParseEnvironment splits an Environment= value into its assignments.
// An assignment may be double quoted as a whole to keep spaces.
func ParseEnvironment(part string) []Pair {
	var pairs []Pair
	for _, line := range strings.Split(part, "\n") {
		for _, m := range envPart.FindAllStringSubmatch(strings.TrimSpace(line), -1) {
			assignment := strings.Trim(m[1], `"`)
			name, value, _ := strings.Cut(assignment, "=")
			pairs = append(pairs, Pair{Name: name, Value: value})
		}
	}
	return pairs
}

// ReadEnvironmentFile reads NAME=VALUE lines, optionally prefixed with
// "export" and quoted. Blank lines and # comments are skipped.
func ReadEnvironmentFile(path string) ([]Pair, error) {
	f, err := os.Open(path) //nolint:gosec // environment files come from unit configuration
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var pairs []Pair
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, pattern := range []*regexp.Regexp{envFileQ, envFileD, envFileP} {
			if m := pattern.FindStringSubmatch(line); m != nil {
				pairs = append(pairs, Pair{Name: m[1], Value: m[2]})
				break
			}
		}
	}
	return pairs, scanner.Err()
}

// Env builds the environment of a unit: the process environment, then
// Environment= (values kept literally), then EnvironmentFile= (values
// expanded against what is known so far), then the extra variables.
// Assignments with an invalid name or value are dropped.
func (e *Expander) Env(d *unit.Description) map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if name, value, ok := strings.Cut(kv, "="); ok {
			env[name] = value
		}
	}
	for _, part := range d.GetList(unit.SectionService, "Environment") {
		for _, p := range ParseEnvironment(e.Special(part, d)) {
			e.set(env, d, p.Name, p.Value)
		}
	}
	for _, file := range d.GetList(unit.SectionService, "EnvironmentFile") {
		file = e.Special(file, d)
		optional := strings.HasPrefix(file, "-")
		file = e.cfg.Path(strings.TrimPrefix(file, "-"))
		pairs, err := ReadEnvironmentFile(file)
		if err != nil {
			if !optional {
				e.logger.Warn("Failed to read environment file", "unit", d.Name(), "path", file, "error", err)
			}
			continue
		}
		for _, p := range pairs {
			e.set(env, d, p.Name, Vars(p.Value, env))
		}
	}
	for _, extra := range e.extra {
		if strings.HasPrefix(extra, "@") {
			pairs, err := ReadEnvironmentFile(extra[1:])
			if err != nil {
				e.logger.Warn("Failed to read extra vars", "path", extra[1:], "error", err)
				continue
			}
			for _, p := range pairs {
				e.set(env, d, p.Name, Vars(p.Value, env))
			}
			continue
		}
		for _, p := range ParseEnvironment(extra) {
			e.set(env, d, p.Name, p.Value)
		}
	}
	return env
}

func (e *Expander) set(env map[string]string, d *unit.Description, name, value string) {
	if err := e.env.Validate(name, value); err != nil {
		e.logger.Warn("Ignoring environment assignment", "unit", d.Name(), "error", err)
		return
	}
	e.logger.Debug("Setting environment", "unit", d.Name(), "name", name, "value", validate.SanitizeForLogging(name, value))
	env[name] = value
}

// Command expands one Exec line. Specifiers are replaced first, then $NAME
// is expanded before tokenizing so that it splits into words, and ${NAME}
// is expanded per word afterwards.
func (e *Expander) Command(line string, env map[string]string, d *unit.Description) (Command, error) {
	mode, rest := ParseExecMode(strings.TrimSpace(line))
	rest = e.Special(strings.ReplaceAll(rest, "\\\n", ""), d)
	if !mode.NoExpand {
		rest = plainVar.ReplaceAllStringFunc(rest, func(m string) string {
			return env[m[1:]]
		})
	}

	words, err := shellwords.Parse(rest)
	if err != nil {
		return Command{}, fmt.Errorf("bad command line %q: %w", line, err)
	}
	if !mode.NoExpand {
		for i, w := range words {
			words[i] = bracedVar.ReplaceAllStringFunc(w, func(m string) string {
				return env[m[2:len(m)-1]]
			})
		}
	}
	if len(words) == 0 {
		return Command{}, fmt.Errorf("empty command line in %s", d.Name())
	}

	cmd := Command{Mode: mode, Path: words[0], Args: words}
	if mode.Argv0 {
		if len(words) < 2 {
			return Command{}, fmt.Errorf("command %q has no argv[0]", line)
		}
		cmd.Args = words[1:]
	}
	return cmd, nil
}

// ExecEnv turns env into the child environment: PATH gains the default
// path entries it lacks and the locale variables are reset, then taken
// from the locale configuration file if one exists.
func (e *Expander) ExecEnv(env map[string]string) []string {
	result := make(map[string]string, len(env))
	for k, v := range env {
		result[k] = v
	}
	result["PATH"] = extendPath(result["PATH"], e.cfg.DefaultPath)

	for _, name := range e.cfg.ResetLocale {
		delete(result, name)
	}
	if pairs, err := ReadEnvironmentFile(e.cfg.Path(e.cfg.LocaleConf)); err == nil {
		for _, p := range pairs {
			result[p.Name] = p.Value
		}
	}
	if _, ok := result["LANG"]; !ok {
		lang := "C"
		for _, name := range []string{"LANGUAGE", "LC_CTYPE"} {
			if v := result[name]; v != "" {
				lang = v
				break
			}
		}
		result["LANG"] = lang
	}

	keys := make([]string, 0, len(result))
	for k := range result {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+result[k])
	}
	return out
}

func extendPath(path, defaults string) string {
	if path == "" {
		return defaults
	}
	parts := strings.Split(path, ":")
	have := make(map[string]bool, len(parts))
	for _, p := range parts {
		have[p] = true
	}
	for _, p := range strings.Split(defaults, ":") {
		if p != "" && !have[p] {
			parts = append(parts, p)
			have[p] = true
		}
	}
	return strings.Join(parts, ":")
}

// WithMainPID returns a copy of env with MAINPID set, or removed for pid 0.
func WithMainPID(env map[string]string, pid int) map[string]string {
	result := make(map[string]string, len(env)+1)
	for k, v := range env {
		result[k] = v
	}
	if pid > 0 {
		result["MAINPID"] = strconv.Itoa(pid)
	} else {
		delete(result, "MAINPID")
	}
	return result
}
