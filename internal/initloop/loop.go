// Package initloop runs the supervising loop of the init process: it relays
// unit logs, reaps zombies, starts services on socket activity, restarts
// failed units within their burst limit and returns on a stop signal.
package initloop

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"vawter.tech/stopper"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/config"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/journal"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/log"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/process"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/state"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/unit"
)

const (
	// listenTimeout bounds one socket poll so a stop is seen quickly.
	listenTimeout = 100 * time.Millisecond
	// listenerGrace is how long the listener may take to return on exit.
	listenerGrace = 2 * time.Second
	// maxStartLimitInterval clamps StartLimitIntervalSec=.
	maxStartLimitInterval = 999 * time.Second
	// Stopped is returned when the loop ended through its context.
	Stopped = "STOPPED"
)

// Supervisor is the part of the process supervisor the loop drives.
type Supervisor interface {
	Start(ctx context.Context, d *unit.Description) error
	Restart(ctx context.Context, d *unit.Description) error
	ActiveState(d *unit.Description) string
	MainPID(d *unit.Description) int
	Status() *state.Store
	Journal() *journal.Journal
}

// Resolver loads unit descriptions.
type Resolver interface {
	Resolve(name string) (*unit.Description, error)
}

// Sockets is the socket activator as seen by the listener worker.
type Sockets interface {
	Ready(timeout time.Duration) ([]string, error)
	Accept(name string) (string, error)
	CloseAll() error
}

// Loop is the init loop.
type Loop struct {
	cfg      *config.Settings
	logger   log.Logger
	sup      Supervisor
	resolver Resolver
	sockets  Sockets
	signals  <-chan os.Signal
	reap     func() process.Reaped
	out      io.Writer

	exitNoProcs    atomic.Bool
	exitNoServices bool

	// mu serializes the tick against socket activations.
	mu        sync.Mutex
	units     []string
	drainer   *journal.Drainer
	limiter   *RestartLimiter
	scheduled map[string]time.Time
	exited    map[string]bool
	sleep     time.Duration
}

// Option customizes a Loop.
type Option func(*Loop)

// WithSockets enables the socket listener worker.
func WithSockets(s Sockets) Option {
	return func(l *Loop) { l.sockets = s }
}

// WithSignals replaces the process signal subscription.
func WithSignals(ch <-chan os.Signal) Option {
	return func(l *Loop) { l.signals = ch }
}

// WithReaper replaces the zombie reaper.
func WithReaper(reap func() process.Reaped) Option {
	return func(l *Loop) { l.reap = reap }
}

// WithOutput sets where unit log lines are relayed to.
func WithOutput(w io.Writer) Option {
	return func(l *Loop) { l.out = w }
}

// WithExitWhenNoMoreProcs ends the loop once no other process is left.
func WithExitWhenNoMoreProcs(exit bool) Option {
	return func(l *Loop) { l.exitNoProcs.Store(exit) }
}

// WithExitWhenNoMoreServices ends the loop once none of its units is active.
func WithExitWhenNoMoreServices(exit bool) Option {
	return func(l *Loop) { l.exitNoServices = exit }
}

// New creates an init loop.
func New(cfg *config.Settings, logger log.Logger, sup Supervisor, resolver Resolver, opts ...Option) *Loop {
	l := &Loop{
		cfg:       cfg,
		logger:    logger,
		sup:       sup,
		resolver:  resolver,
		reap:      process.ReapZombies,
		out:       os.Stdout,
		limiter:   NewRestartLimiter(),
		scheduled: make(map[string]time.Time),
		exited:    make(map[string]bool),
		sleep:     cfg.InitLoopSleep,
	}
	l.exitNoProcs.Store(cfg.ExitWhenNoMoreProcs)
	l.exitNoServices = cfg.ExitWhenNoMoreServices
	for _, opt := range opts {
		opt(l)
	}
	l.drainer = journal.NewDrainer(sup.Journal(), l.out)
	if l.sleep < cfg.MinimumYield {
		l.sleep = cfg.MinimumYield
	}
	return l
}

// Limiter returns the restart bookkeeping.
func (l *Loop) Limiter() *RestartLimiter {
	return l.limiter
}

// Sleep returns the current tick period.
func (l *Loop) Sleep() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sleep
}

// Run supervises units until SIGTERM or SIGINT arrives, which is returned
// by name. SIGQUIT switches to exiting once no other process is left; the
// loop then returns an empty name, as it does for the exit-when-no-more
// modes.
func (l *Loop) Run(ctx context.Context, units []string) (string, error) {
	sigs := l.signals
	if sigs == nil {
		ch := make(chan os.Signal, 4)
		signal.Notify(ch, unix.SIGTERM, unix.SIGINT, unix.SIGQUIT)
		defer signal.Stop(ch)
		sigs = ch
	}

	l.mu.Lock()
	for _, name := range units {
		l.watch(name)
	}
	l.mu.Unlock()
	if err := RecordSystemState(l.sup.Status(), "active", "running"); err != nil {
		l.logger.Warn("Failed to record system state", "error", err)
	}

	sctx := stopper.WithContext(ctx)
	if l.sockets != nil {
		sctx.Go(func(sc *stopper.Context) error {
			l.listen(sc)
			return nil
		})
	}

	result := l.loop(sctx, sigs)

	if err := RecordSystemState(l.sup.Status(), "", "degraded"); err != nil {
		l.logger.Warn("Failed to record system state", "error", err)
	}
	sctx.Stop(listenerGrace)
	err := sctx.Wait()
	l.mu.Lock()
	l.drainer.Drain()
	l.drainer.Close()
	l.mu.Unlock()
	l.logger.Debug("Init loop done", "result", result)
	return result, err
}

func (l *Loop) loop(ctx *stopper.Context, sigs <-chan os.Signal) string {
	timer := time.NewTimer(l.Sleep())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Stopping():
			return Stopped
		case <-ctx.Done():
			return Stopped
		case sig := <-sigs:
			if sig == unix.SIGQUIT {
				l.logger.Info("SIGQUIT, exiting once no more processes run")
				l.exitNoProcs.Store(true)
				continue
			}
			name := sig.String()
			if s, ok := sig.(unix.Signal); ok {
				name = unix.SignalName(s)
			}
			l.logger.Info("Interrupted, leaving init loop", "signal", name)
			return name
		case <-timer.C:
		}
		if l.tick(ctx) {
			return ""
		}
		timer.Reset(l.Sleep())
	}
}

// watch adds name to the supervised units and follows its log.
func (l *Loop) watch(name string) {
	for _, known := range l.units {
		if known == name {
			return
		}
	}
	l.units = append(l.units, name)
	d, err := l.resolver.Resolve(name)
	if err != nil || !d.Loaded() {
		return
	}
	if err := l.drainer.Watch(d); err != nil {
		l.logger.Warn("Can not follow unit log", "unit", name, "error", err)
	}
	if d.Kind() == unit.KindService {
		l.adjustSleep(d)
	}
}

// tick runs one loop round and reports whether the loop should end.
func (l *Loop) tick(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.drainer.Drain()
	reaped := l.reap()
	l.recordExits(reaped.Reaped)

	if l.exitNoServices && !l.anyActive() {
		l.logger.Info("No more services, leaving init loop")
		return true
	}
	if l.exitNoProcs.Load() && reaped.Running == 0 {
		l.logger.Info("No more processes, leaving init loop")
		return true
	}
	if l.cfg.RestartFailedUnits {
		l.restartFailed(ctx)
	}
	return false
}

func (l *Loop) descriptions() []*unit.Description {
	var result []*unit.Description
	for _, name := range l.units {
		d, err := l.resolver.Resolve(name)
		if err != nil || !d.Loaded() {
			continue
		}
		result = append(result, d)
	}
	return result
}

func (l *Loop) anyActive() bool {
	for _, d := range l.descriptions() {
		if l.sup.ActiveState(d) == "active" {
			return true
		}
	}
	return false
}

// recordExits writes the exit of reaped main processes to the status of
// their units.
func (l *Loop) recordExits(reaped []process.Handle) {
	if len(reaped) == 0 {
		return
	}
	byPID := make(map[int]process.Handle, len(reaped))
	for _, h := range reaped {
		l.logger.Info("Reaped zombie", "pid", h.PID, "code", h.Code())
		byPID[h.PID] = h
	}
	for _, d := range l.descriptions() {
		if d.Kind() != unit.KindService {
			continue
		}
		h, ok := byPID[l.sup.MainPID(d)]
		if !ok {
			continue
		}
		updates := map[string]string{
			state.MainPID:      "",
			state.ExecMainCode: strconv.Itoa(h.Code()),
		}
		switch {
		case h.Succeeded():
			updates[state.ActiveState] = "inactive"
			updates[state.SubState] = "dead"
			l.exited[d.Name()] = true
		case h.Signal != 0:
			updates[state.ActiveState] = "failed"
			updates[state.SubState] = "signal"
		default:
			updates[state.ActiveState] = "failed"
			updates[state.SubState] = "exit-code"
		}
		l.logger.Info("Main process exited", "unit", d.Name(), "pid", h.PID, "code", h.Code())
		if err := l.sup.Status().Write(d, updates); err != nil {
			l.logger.Warn("Failed to record exit", "unit", d.Name(), "error", err)
		}
	}
}

// adjustSleep shortens the tick when RestartSec= asks for faster restarts.
func (l *Loop) adjustSleep(d *unit.Description) {
	restartSec := l.restartSec(d)
	switch {
	case restartSec == 0:
		if l.sleep > time.Second {
			l.logger.Warn("Shortening init loop sleep", "unit", d.Name(), "from", l.sleep, "to", time.Second, "restartSec", restartSec)
			l.sleep = time.Second
		}
	case restartSec > 900*time.Millisecond && restartSec < l.sleep:
		shorter := time.Duration(int((restartSec + 200*time.Millisecond).Seconds())) * time.Second
		if shorter < l.sleep {
			l.logger.Warn("Shortening init loop sleep", "unit", d.Name(), "from", l.sleep, "to", shorter, "restartSec", restartSec)
			l.sleep = shorter
		}
	}
	if l.sleep < l.cfg.MinimumYield {
		l.sleep = l.cfg.MinimumYield
	}
}

func (l *Loop) restartSec(d *unit.Description) time.Duration {
	return d.GetDuration(unit.SectionService, "RestartSec", l.cfg.DefaultRestartSec, l.cfg.DefaultStartLimitInterval)
}

func (l *Loop) needsRestart(d *unit.Description, policy string) bool {
	switch l.sup.ActiveState(d) {
	case "failed":
		return true
	case "inactive":
		return policy == "always" && l.exited[d.Name()]
	}
	return false
}

// restartFailed schedules failed units for a restart after RestartSec=
// and restarts those that are due, unless the burst limit is reached, in
// which case the unit is put into the error state.
func (l *Loop) restartFailed(ctx context.Context) {
	now := time.Now()
	policies := make(map[string]string)
	for _, d := range l.descriptions() {
		if d.Kind() != unit.KindService {
			continue
		}
		name := d.Name()
		policy := d.Get(unit.SectionService, "Restart", "no")
		switch policy {
		case "no", "on-success":
			continue
		}
		policies[name] = policy
		l.adjustSleep(d)
		if !l.needsRestart(d, policy) {
			delete(l.scheduled, name)
			continue
		}

		burst := d.GetInt(unit.SectionService, "StartLimitBurst",
			d.GetInt(unit.SectionUnit, "StartLimitBurst", l.cfg.DefaultStartLimitBurst))
		interval := d.GetDuration(unit.SectionService, "StartLimitIntervalSec",
			d.GetDuration(unit.SectionUnit, "StartLimitIntervalSec", l.cfg.DefaultStartLimitInterval, maxStartLimitInterval),
			maxStartLimitInterval)
		if burst > 1 && interval >= time.Second && !l.limiter.Allow(name, burst, interval) {
			l.logger.Info("Blocking restart", "unit", name, "burst", burst, "interval", interval)
			if err := l.sup.Status().Write(d, map[string]string{state.ActiveState: "error"}); err != nil {
				l.logger.Warn("Failed to record error state", "unit", name, "error", err)
			}
			delete(l.scheduled, name)
			delete(l.exited, name)
			continue
		}
		if _, ok := l.scheduled[name]; !ok {
			l.scheduled[name] = now.Add(l.restartSec(d))
			l.logger.Debug("Restart scheduled", "unit", name, "in", l.restartSec(d))
		}
	}

	due := make([]string, 0, len(l.scheduled))
	for name, at := range l.scheduled {
		if !at.After(now) {
			due = append(due, name)
		}
	}
	sort.Strings(due)
	for _, name := range due {
		delete(l.scheduled, name)
		d, err := l.resolver.Resolve(name)
		if err != nil || !l.needsRestart(d, policies[name]) {
			continue
		}
		l.logger.Info("Restarting failed unit", "unit", name)
		if err := l.sup.Restart(ctx, d); err != nil {
			l.logger.Error("Restart failed", "unit", name, "error", err)
		}
		l.limiter.Record(name)
		delete(l.exited, name)
	}
}

// listen waits for socket activity and starts the service behind a
// readable socket.
func (l *Loop) listen(ctx *stopper.Context) {
	defer func() {
		if err := l.sockets.CloseAll(); err != nil {
			l.logger.Warn("Failed to close sockets", "error", err)
		}
	}()
	for !ctx.IsStopping() {
		ready, err := l.sockets.Ready(listenTimeout)
		if err != nil {
			l.logger.Warn("Socket poll failed", "error", err)
			select {
			case <-ctx.Stopping():
				return
			case <-time.After(listenTimeout):
			}
			continue
		}
		for _, name := range ready {
			l.accept(ctx, name)
		}
	}
}

func (l *Loop) accept(ctx context.Context, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	service, err := l.sockets.Accept(name)
	if err != nil {
		l.logger.Error("Can not accept socket", "unit", name, "error", err)
		return
	}
	if sock, err := l.resolver.Resolve(name); err == nil {
		if err := l.sup.Status().Write(sock, map[string]string{state.ActiveState: "active", state.SubState: "running"}); err != nil {
			l.logger.Warn("Failed to record socket state", "unit", name, "error", err)
		}
	}
	d, err := l.resolver.Resolve(service)
	if err != nil || !d.Loaded() {
		l.logger.Error("Socket service not found", "unit", name, "service", service, "error", err)
		return
	}
	l.logger.Info("Socket activity, starting service", "unit", name, "service", service)
	if err := l.sup.Start(ctx, d); err != nil {
		l.logger.Error("Socket activated start failed", "service", service, "error", err)
	}
	l.watch(service)
}
