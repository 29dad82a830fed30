package daemonfx

import (
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"daemonfx/errkind"
	"daemonfx/plugins/selfrestart"
)

// Phase is the daemon's lifecycle state (§4.6.1): Created -> Initialized
// -> Running -> Shutting_down -> (Restarting | Exited).
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseInitialized
	PhaseRunning
	PhaseShuttingDown
	PhaseRestarting
	PhaseExited
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseInitialized:
		return "initialized"
	case PhaseRunning:
		return "running"
	case PhaseShuttingDown:
		return "shutting_down"
	case PhaseRestarting:
		return "restarting"
	case PhaseExited:
		return "exited"
	default:
		return "unknown"
	}
}

// DaemonConfig carries the AMBIENT STACK settings of a running daemon
// (§4.6, SPEC_FULL.md "Config").
type DaemonConfig struct {
	// LoopInterval is the fixed cadence between scheduler iterations. Zero
	// means "idle", which is handled by a Bernoulli draw instead of a fixed
	// sleep (§4.6.4).
	LoopInterval time.Duration
	// IdleProbability is the per-iteration chance of a no-op pass when
	// LoopInterval is zero. A negative value selects 0.5; the zero value
	// means never idle.
	IdleProbability float64
	// ShutdownDeadline bounds graceful teardown before processes are
	// force-killed; default 10s.
	ShutdownDeadline time.Duration
	// LogPath, if non-empty, is write-appended for every EventLog publish
	// and watched for rotation via inode change (§4.6.7).
	LogPath string
	// AutoRestart controls whether SIGHUP triggers exec of a fresh copy of
	// this binary instead of a plain shutdown (§4.6.5). A fatal error never
	// triggers a restart.
	AutoRestart bool
}

func (c DaemonConfig) withDefaults() DaemonConfig {
	// Only a negative value is treated as "unset" and defaulted: per §8's
	// boundary property, 0 is a meaningful, explicit "never idle" setting
	// and must not be silently promoted to the 0.5 default.
	if c.IdleProbability < 0 {
		c.IdleProbability = 0.5
	}
	if c.ShutdownDeadline <= 0 {
		c.ShutdownDeadline = 10 * time.Second
	}
	return c
}

// Daemon is the supervised event loop of §4.6: a single-threaded scheduler
// that dispatches fixed lifecycle events every iteration, reaps children,
// and reacts to signals by setting flags consumed at the tail of each
// iteration (never from inside a handler, per §8 invariant 6).
type Daemon struct {
	cfg   DaemonConfig
	Bus   *Bus
	Tasks *ProcessTable

	mediators map[string]*Mediator

	phase   Phase
	phaseMu sync.Mutex

	sigCh chan os.Signal

	flagReload   atomic.Bool
	flagShutdown atomic.Bool
	flagRestart  atomic.Bool
	flagStats    atomic.Bool

	// interruptCount is §3 Daemon state's "interruptCount": every SIGINT
	// delivery bumps it, whether or not it also requests shutdown.
	interruptCount atomic.Int64

	logFile  *os.File
	logInode uint64

	started time.Time
}

// NewDaemon constructs a Daemon in the Created phase.
func NewDaemon(cfg DaemonConfig) *Daemon {
	return &Daemon{
		cfg:       cfg.withDefaults(),
		Bus:       NewBus(),
		Tasks:     NewProcessTable(),
		mediators: make(map[string]*Mediator),
		phase:     PhaseCreated,
	}
}

func (d *Daemon) setPhase(p Phase) {
	d.phaseMu.Lock()
	d.phase = p
	d.phaseMu.Unlock()
}

// Phase returns the current lifecycle phase.
func (d *Daemon) Phase() Phase {
	d.phaseMu.Lock()
	defer d.phaseMu.Unlock()
	return d.phase
}

// AddMediator registers a worker pool mediator under its own alias so the
// daemon's scheduler and signal handling can reach it (reaping, GC,
// teardown).
func (d *Daemon) AddMediator(m *Mediator) {
	d.mediators[m.cfg.Alias] = m
}

// Init moves Created -> Initialized: opens the log file (if configured)
// and installs the signal handlers of §4.6.6. Handlers only flip an
// atomic flag and return; the actual work happens synchronously at the
// tail of the next Tick.
func (d *Daemon) Init() error {
	if d.cfg.LogPath != "" {
		f, err := os.OpenFile(d.cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errkind.New(errkind.Validation, "daemon.init", err)
		}
		d.logFile = f
		if fi, err := f.Stat(); err == nil {
			d.logInode = inodeOf(fi)
		}
	}

	d.sigCh = make(chan os.Signal, 8)
	signal.Notify(d.sigCh,
		syscall.SIGUSR1, syscall.SIGHUP, syscall.SIGINT,
		syscall.SIGTERM, syscall.SIGCHLD,
	)

	d.Bus.Subscribe(EventLog, -100, func(ev *Event) bool {
		d.writeLog(ev)
		return false
	})

	d.setPhase(PhaseInitialized)
	d.Bus.Publish(EventInit, nil)
	return nil
}

func (d *Daemon) writeLog(ev *Event) {
	if d.logFile == nil {
		return
	}
	d.checkLogRotation()
	fmt.Fprintf(d.logFile, "%s %v\n", time.Now().Format(time.RFC3339Nano), ev.Data)
}

// checkLogRotation detects external log rotation (e.g. logrotate renaming
// the path out from under us) by comparing the open file's inode to a
// fresh stat of the configured path, reopening on mismatch (§4.6.7).
func (d *Daemon) checkLogRotation() {
	fi, err := os.Stat(d.cfg.LogPath)
	if err != nil {
		return
	}
	if inodeOf(fi) == d.logInode {
		return
	}
	f, err := os.OpenFile(d.cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	old := d.logFile
	d.logFile = f
	d.logInode = inodeOf(fi)
	_ = old.Close()
}

// Run transitions Initialized -> Running and executes the scheduler until
// a shutdown or restart flag is consumed, then tears down (§4.6.2).
func (d *Daemon) Run() error {
	d.setPhase(PhaseRunning)
	d.started = time.Now()

	for {
		if d.tick() {
			break
		}
	}

	return d.teardownAndExit()
}

// tick runs exactly one scheduler iteration (§4.6.2):
//  1. pre_execute
//  2. reap + post_execute (resolving the reap-vs-return race, see
//     Mediator.reconcileReaped)
//  3. stats (if SIGUSR1 requested it) / idle (per isIdle)
//  4. signal handling (tail-dispatched, never inline in a handler)
//  5. wait (fixed cadence or idle Bernoulli draw, §4.6.3/§4.6.4)
//
// Returns true once a shutdown or restart has been requested and should
// now be actioned by the caller.
func (d *Daemon) tick() bool {
	t0 := time.Now()

	d.Bus.Publish(EventPreExecute, nil)

	reaped := d.Tasks.Reap()
	d.Bus.Publish(EventPostExecute, reaped)

	if d.flagStats.CompareAndSwap(true, false) {
		d.Bus.Publish(EventStats, d.snapshot())
	}

	if d.isIdle(t0) {
		d.Bus.Publish(EventIdle, nil)
	}

	d.handleSignals()

	if d.flagShutdown.Load() || d.flagRestart.Load() {
		return true
	}

	d.wait()
	return false
}

// isIdle implements §4.6.4: the tick is idle if there is time left in the
// current interval (now < t0 + loopInterval - 10ms), or, when
// LoopInterval==0, a Bernoulli draw of IdleProbability succeeds. This is
// independent of whether anything was reaped this tick.
func (d *Daemon) isIdle(t0 time.Time) bool {
	if d.cfg.LoopInterval > 0 {
		return time.Now().Before(t0.Add(d.cfg.LoopInterval - 10*time.Millisecond))
	}
	return rand.Float64() < d.cfg.IdleProbability
}

// handleSignals is the tail-dispatch described in §4.6.6: each flag set by
// a signal handler is consumed here, synchronously, in deterministic
// order (HUP reload/restart, then INT/TERM shutdown); the USR1 stats flag
// is consumed earlier in tick. SIGCHLD
// carries no flag of its own: its only effect is waking the blocked wait
// in time for the next Reap.
func (d *Daemon) handleSignals() {
	if d.flagReload.CompareAndSwap(true, false) {
		d.Bus.Publish(EventSignal, syscall.SIGHUP)
		if d.cfg.AutoRestart {
			d.flagRestart.Store(true)
		}
	}
	if d.flagShutdown.Load() {
		d.Bus.Publish(EventSignal, syscall.SIGTERM)
	}
}

// wait blocks until the next iteration should run: SIGCHLD wakes it
// immediately (so reaping happens promptly); otherwise it observes the
// fixed LoopInterval cadence, or, when LoopInterval is zero, a Bernoulli
// draw against IdleProbability decides whether this pass is a true no-op
// sleep or an immediate re-iteration (§4.6.3/§4.6.4). Signal delivery is
// otherwise left unblocked: the POSIX default of queuing SIGUSR1/HUP/INT/
// TERM while select blocks is exactly the desired behavior, so no
// additional masking is installed here.
func (d *Daemon) wait() {
	interval := d.cfg.LoopInterval
	if interval <= 0 {
		if rand.Float64() < d.cfg.IdleProbability {
			interval = 50 * time.Millisecond
		} else {
			return
		}
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case sig := <-d.sigCh:
		d.dispatchSignal(sig)
	case <-timer.C:
	}

	for {
		select {
		case sig := <-d.sigCh:
			d.dispatchSignal(sig)
		default:
			return
		}
	}
}

// dispatchSignal is the actual handler body, run from the main scheduler
// goroutine (via Notify's channel), not an async-signal-unsafe OS signal
// handler — it only ever sets the atomic flags tick/handleSignals consume.
func (d *Daemon) dispatchSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGUSR1:
		d.flagStats.Store(true)
	case syscall.SIGHUP:
		d.flagReload.Store(true)
	case syscall.SIGINT:
		d.interruptCount.Add(1)
		d.flagShutdown.Store(true)
	case syscall.SIGTERM:
		d.flagShutdown.Store(true)
	case syscall.SIGCHLD:
		// no flag: presence on the channel alone unblocks wait.
	}
}

func (d *Daemon) snapshot() map[string]any {
	stats := map[string]any{
		"phase":   d.phase.String(),
		"uptime":  time.Since(d.started).String(),
		"tasks":   d.Tasks.Count(""),
		"workers": map[string]int{},
	}
	workers := stats["workers"].(map[string]int)
	for alias, m := range d.mediators {
		workers[alias] = m.pt.Count(alias)
	}
	return stats
}

// teardownAndExit runs the Shutting_down phase (§4.6.1): tears down every
// mediator's worker pool and the task table, then either re-execs
// (Restarting) or exits cleanly.
func (d *Daemon) teardownAndExit() error {
	d.setPhase(PhaseShuttingDown)
	d.Bus.Publish(EventShutdown, nil)

	done := make(chan struct{})
	go func() {
		for _, m := range d.mediators {
			m.Shutdown()
		}
		d.Tasks.Teardown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.cfg.ShutdownDeadline):
	}

	_ = CleanupCgroups()

	if d.logFile != nil {
		_ = d.logFile.Close()
	}

	if d.flagRestart.Load() {
		d.setPhase(PhaseRestarting)
		return d.execSelf()
	}
	d.setPhase(PhaseExited)
	return nil
}

// execSelf hands off to plugins/selfrestart, which rebuilds argv and marks
// the environment so IsDaemonized reports true in the new image (§4.6.5
// auto-restart). Only reachable on a platform with syscall.Exec (the
// build-tagged POSIX targets).
func (d *Daemon) execSelf() error {
	if err := selfrestart.Exec(); err != nil {
		return errkind.New(errkind.Fatal, "daemon.restart", err)
	}
	return nil
}

// IsDaemonized reports whether this process is a post-restart continuation
// rather than a first launch (§4.6.5).
func IsDaemonized() bool {
	return selfrestart.IsDaemonized()
}

// RequestShutdown programmatically requests the same graceful shutdown a
// SIGTERM would, for callers embedding the daemon in a larger program.
func (d *Daemon) RequestShutdown() {
	d.flagShutdown.Store(true)
}

// InterruptCount returns how many SIGINT deliveries this daemon has
// observed (§3 Daemon state "interruptCount").
func (d *Daemon) InterruptCount() int64 {
	return d.interruptCount.Load()
}

// DispatchedCounts returns a snapshot of how many times each event name has
// been dispatched on this daemon's Bus (§3 Daemon state "dispatchedCounts
// by event name").
func (d *Daemon) DispatchedCounts() map[string]int64 {
	return d.Bus.DispatchedCounts()
}
