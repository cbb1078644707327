package unit

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrParse marks a unit file with a line the parser cannot place.
var ErrParse = errors.New("bad unit file line")

var keyLine = regexp.MustCompile(`^(\w+) *=(.*)$`)

const maxIncludeDepth = 20

// ReadFile parses path into the description. Values accumulate across
// calls, which is how drop-ins are merged.
func (d *Description) ReadFile(path string) error {
	return d.readFile(path, 0)
}

func (d *Description) readFile(path string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("%w: include depth exceeded at %s", ErrParse, path)
	}
	f, err := os.Open(path) //nolint:gosec // unit files come from the configured search path
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return d.parse(f, path, depth)
}

// Parse reads unit file text from r. name is used in error messages and to
// resolve relative .include directives.
func (d *Description) Parse(r io.Reader, name string) error {
	return d.parse(r, name, 0)
}

func (d *Description) parse(r io.Reader, name string, depth int) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	section := ""
	key := ""
	text := ""
	continued := false
	lineno := 0

	for scanner.Scan() {
		lineno++
		raw := scanner.Text()
		if continued {
			text += raw
			trimmed := strings.TrimRight(text, " \t")
			if strings.HasSuffix(trimmed, "\\") {
				text = trimmed + "\n"
				continue
			}
			d.Set(section, key, text)
			continued = false
			continue
		}

		line := strings.TrimSpace(raw)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#"), strings.HasPrefix(line, ";"):
			continue
		case strings.HasPrefix(line, ".include"):
			fields := strings.Fields(line)
			if len(fields) < 2 {
				return fmt.Errorf("%w: %s:%d: %q", ErrParse, name, lineno, line)
			}
			include := fields[1]
			if !filepath.IsAbs(include) {
				include = filepath.Join(filepath.Dir(name), include)
			}
			if _, err := os.Stat(include); err != nil {
				return fmt.Errorf("%w: %s:%d: included file %s does not exist", ErrParse, name, lineno, include)
			}
			if err := d.readFile(include, depth+1); err != nil {
				return err
			}
			continue
		case strings.HasPrefix(line, "["):
			if end := strings.Index(line, "]"); end > 0 {
				section = line[1:end]
				d.section(section, true)
			}
			continue
		}

		m := keyLine.FindStringSubmatch(line)
		if m == nil {
			return fmt.Errorf("%w: %s:%d: %q", ErrParse, name, lineno, line)
		}
		key = m[1]
		text = strings.TrimSpace(m[2])
		if strings.HasSuffix(text, "\\") {
			continued = true
			text += "\n"
			continue
		}
		d.Set(section, key, text)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if continued {
		d.Set(section, key, text)
	}
	return nil
}
