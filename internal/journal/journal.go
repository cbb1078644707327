// Package journal manages the per-unit log files that stand in for the
// systemd journal, and relays their new lines to the init output.
package journal

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/log"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/unit"
)

// Journal knows where unit logs live.
type Journal struct {
	folder string
	logger log.Logger
}

// New creates a Journal writing below folder.
func New(folder string, logger log.Logger) *Journal {
	return &Journal{folder: folder, logger: logger}
}

// Path returns <folder>/<unit file basename>.log, or <unit>.unit.log for
// units without a file.
func (j *Journal) Path(d *unit.Description) string {
	name := filepath.Base(d.Path())
	if d.Path() == "" {
		name = d.Name()
		if name == "" {
			name = "default"
		}
		name += ".unit"
	}
	name = strings.ReplaceAll(name, string(os.PathSeparator), ".") + ".log"
	if strings.HasPrefix(name, ".") {
		name = "dot." + name
	}
	return filepath.Join(j.folder, name)
}

// Open opens the unit log for appending, creating the folder.
func (j *Journal) Open(d *unit.Description) (*os.File, error) {
	path := j.Path(d)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal folder: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644) //nolint:gosec // journal files live in the configured folder
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	return f, nil
}

type tail struct {
	file *os.File
	hold []byte
}

// Drainer relays the lines appended to unit logs as "<unit>: <line>".
// Only new output is relayed: files are followed from their size at Watch.
type Drainer struct {
	journal *Journal
	out     io.Writer

	mu    sync.Mutex
	tails map[string]*tail
	order []string
}

// NewDrainer creates a Drainer writing to out.
func NewDrainer(j *Journal, out io.Writer) *Drainer {
	return &Drainer{journal: j, out: out, tails: make(map[string]*tail)}
}

// Watch starts following the log of d.
func (dr *Drainer) Watch(d *unit.Description) error {
	dr.mu.Lock()
	defer dr.mu.Unlock()
	if _, ok := dr.tails[d.Name()]; ok {
		return nil
	}
	path := dr.journal.Path(d)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0o644) //nolint:gosec // journal files live in the configured folder
	if err != nil {
		dr.journal.logger.Error("Can not open unit log", "unit", d.Name(), "path", path, "error", err)
		return err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return err
	}
	dr.tails[d.Name()] = &tail{file: f}
	dr.order = append(dr.order, d.Name())
	return nil
}

// Drain writes every complete new line. A trailing partial line is held
// back until its newline arrives or Close flushes it.
func (dr *Drainer) Drain() {
	dr.mu.Lock()
	defer dr.mu.Unlock()
	for _, name := range dr.order {
		dr.drain(name, dr.tails[name], false)
	}
}

func (dr *Drainer) drain(name string, t *tail, flush bool) {
	data, err := io.ReadAll(t.file)
	if err != nil {
		dr.journal.logger.Warn("Failed to read unit log", "unit", name, "error", err)
	}
	text := append(t.hold, data...)
	t.hold = nil
	if len(text) == 0 {
		return
	}
	lines := bytes.Split(text, []byte("\n"))
	last := lines[len(lines)-1]
	lines = lines[:len(lines)-1]
	if len(last) > 0 {
		if flush {
			lines = append(lines, last)
		} else {
			t.hold = append([]byte(nil), last...)
		}
	}
	for _, line := range lines {
		_, _ = fmt.Fprintf(dr.out, "%s: %s\n", name, line)
	}
}

// Close flushes held lines and closes all followed logs.
func (dr *Drainer) Close() {
	dr.mu.Lock()
	defer dr.mu.Unlock()
	for _, name := range dr.order {
		t := dr.tails[name]
		dr.drain(name, t, true)
		if err := t.file.Close(); err != nil {
			dr.journal.logger.Warn("Failed to close unit log", "unit", name, "error", err)
		}
	}
	dr.tails = make(map[string]*tail)
	dr.order = nil
}
