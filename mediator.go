package daemonfx

import (
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"daemonfx/errkind"
)

// ForkingStrategy selects how aggressively a Mediator keeps worker
// children alive, per §4.5.6.
type ForkingStrategy int

const (
	// Lazy forks a single child only when work is pending and none is
	// alive; minimizes resident children at the cost of first-call
	// latency.
	Lazy ForkingStrategy = iota
	// Mixed keeps one warm child alive and forks additional children,
	// up to MaxProcesses, only under sustained queue pressure.
	Mixed
	// Aggressive keeps MaxProcesses children alive at all times.
	Aggressive
)

// MediatorConfig tunes one worker alias's pool (§4.5).
type MediatorConfig struct {
	Alias            string
	Strategy         ForkingStrategy
	MaxProcesses     int
	MaxCallsPerChild int           // 0 disables recycling on call count
	MinRuntime       time.Duration // not read by the child loop; MaxRuntime alone (0 = off) governs runtime recycling
	MaxRuntime       time.Duration
	AutoRestart      bool // restart a child that died without RETURNing its call
	AllowWakeup      bool // send SIGALRM to wake a sleeping child on new work
	CallTimeout      time.Duration
	ChildTimeout     time.Duration // passed to ProcessTable.Fork, teardown grace

	// MemoryLimitBytes, CPUQuotaPercent and PidsLimit, if non-zero, are
	// applied to every forked child via a dedicated cgroup (cgroup.go),
	// adapted from the teacher's resource-limiting supervisor.
	MemoryLimitBytes int64
	CPUQuotaPercent  int
	PidsLimit        int
}

func (c MediatorConfig) withDefaults() MediatorConfig {
	if c.MaxProcesses <= 0 {
		c.MaxProcesses = 1
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.ChildTimeout <= 0 {
		c.ChildTimeout = minProcessTimeout
	}
	return c
}

// Mediator is the per-alias coordinator of §4.5: it owns the worker pool's
// forking policy, issues calls onto the Transport, and reconciles
// RUNNING/RETURN headers back onto in-memory Promises each scheduler tick.
type Mediator struct {
	cfg       MediatorConfig
	bus       *Bus
	pt        *ProcessTable
	transport Transport
	registry  *OperationRegistry

	guid         string
	sentinelPath string

	mu     sync.Mutex
	active map[int64]*Call

	commThreshold       errkind.Threshold
	corruptionThreshold errkind.Threshold
	consecutiveFailures int

	lastGC   time.Time
	warnedBy bool // §4.3 warning-law one-shot latch

	cgroups map[int]*Cgroup // live children's resource-limit cgroups, by pid
}

// NewMediator builds a Mediator for cfg.Alias, deriving its IPC guid from
// the running executable path (§6). bus is the daemon-wide event bus;
// registry lets the mediator's forked children resolve their own Subject.
func NewMediator(cfg MediatorConfig, bus *Bus, registry *OperationRegistry) (*Mediator, error) {
	cfg = cfg.withDefaults()

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("daemonfx: resolve executable: %w", err)
	}
	guid, sentinel, err := GUID(exe, cfg.Alias)
	if err != nil {
		return nil, err
	}

	return &Mediator{
		cfg:                 cfg,
		bus:                 bus,
		pt:                  NewProcessTable(),
		registry:            registry,
		guid:                guid,
		sentinelPath:        sentinel,
		active:              make(map[int64]*Call),
		commThreshold:       errkind.Threshold{Bound: 3},
		corruptionThreshold: errkind.Threshold{Bound: 1},
		cgroups:             make(map[int]*Cgroup),
	}, nil
}

// SetupParent attaches the Transport as the owning parent, subscribes to
// the events the mediator reconciles against, and performs the initial
// fork wave for Aggressive/Mixed strategies (§4.5.1).
func (m *Mediator) SetupParent(transport Transport) error {
	m.transport = transport
	if err := m.transport.Setup(true); err != nil {
		return errkind.New(errkind.Fatal, "mediator.setup", err)
	}
	if m.cfg.MemoryLimitBytes != 0 || m.cfg.CPUQuotaPercent != 0 || m.cfg.PidsLimit != 0 {
		_ = EnsureControllers() // best-effort; cgroup unavailability degrades to no resource isolation
	}

	// §4.5.5/§5: drain RUNNING then RETURN headers in pre_execute, strictly
	// before post_execute's reaped-pid reconciliation, so a call whose
	// RETURN already landed this tick is RETURNED (no longer RUNNING) by the
	// time reconcileReaped looks at it and can't be falsely marked "call
	// died".
	m.bus.Subscribe(EventPreExecute, 0, func(ev *Event) bool {
		m.drain()
		m.tickForking()
		return false
	})
	m.bus.Subscribe(EventPostExecute, 0, func(ev *Event) bool {
		m.reconcileReaped(m.pt.Reap())
		return false
	})
	m.bus.Subscribe(EventIdle, 0, func(ev *Event) bool {
		if time.Since(m.lastGC) >= 30*time.Second {
			m.gc()
			m.lastGC = time.Now()
		}
		return false
	})

	if m.cfg.Strategy == Aggressive {
		for m.pt.Count(m.cfg.Alias) < m.cfg.MaxProcesses {
			if err := m.forkChild(); err != nil {
				return err
			}
		}
	} else if m.cfg.Strategy == Mixed {
		if err := m.forkChild(); err != nil {
			return err
		}
	}
	return nil
}

// SetupChild attaches the Transport as a non-owning child and runs the
// registered Subject's init hook, if any (§4.5.2).
func (m *Mediator) SetupChild(transport Transport, subject *Subject) error {
	m.transport = transport
	if err := m.transport.Setup(false); err != nil {
		return errkind.New(errkind.Fatal, "mediator.setup_child", err)
	}
	if subject.init != nil {
		return subject.init()
	}
	return nil
}

const (
	envMediatorAlias   = "DAEMONFX_MEDIATOR_ALIAS"
	envMediatorGuid    = "DAEMONFX_MEDIATOR_GUID"
	envMediatorMaxCall = "DAEMONFX_MEDIATOR_MAXCALL"
	envMediatorMaxRun  = "DAEMONFX_MEDIATOR_MAXRUN"
)

// forkChild starts one more worker child for this alias, passing along
// enough environment for RunWorkerIfChild to reconstruct identical
// Transport and Subject state (§9 "Forking model").
func (m *Mediator) forkChild() error {
	_, ev := m.bus.Publish(EventFork, m.cfg.Alias)
	_ = ev

	env := map[string]string{
		envMediatorAlias:   m.cfg.Alias,
		envMediatorGuid:    m.guid,
		envMediatorMaxCall: fmt.Sprintf("%d", m.cfg.MaxCallsPerChild),
		envMediatorMaxRun:  m.cfg.MaxRuntime.String(),
	}
	p, ok, err := m.pt.Fork(ForkSpec{Group: m.cfg.Alias, Env: env}, m.cfg.ChildTimeout)
	if err != nil {
		m.consecutiveFailures++
		if m.consecutiveFailures >= 3 {
			return errkind.New(errkind.Fatal, "mediator.fork", fmt.Errorf("%s: 3 consecutive fork failures: %w", m.cfg.Alias, err))
		}
		return errkind.New(errkind.Transient, "mediator.fork", err)
	}
	if !ok {
		// Child died before registration; treated like a failed fork for
		// escalation purposes but isn't itself a hard error.
		m.consecutiveFailures++
		return nil
	}
	m.consecutiveFailures = 0
	m.applyCgroupLimits(p)
	m.bus.Publish(EventParentFork, m.cfg.Alias)
	return nil
}

// applyCgroupLimits confines a freshly forked child to its own cgroup when
// any of MemoryLimitBytes/CPUQuotaPercent/PidsLimit is configured,
// adapting the teacher's resource-limiting approach (cgroup.go) to the
// per-call worker pool instead of the teacher's per-service supervisor.
// Best-effort: cgroups are unavailable in many containers and sandboxes,
// so a failure here only affects resource isolation, never correctness.
func (m *Mediator) applyCgroupLimits(p *Process) {
	if m.cfg.MemoryLimitBytes == 0 && m.cfg.CPUQuotaPercent == 0 && m.cfg.PidsLimit == 0 {
		return
	}
	cg, err := NewCgroup(fmt.Sprintf("%s-%d", m.cfg.Alias, p.PID))
	if err != nil {
		return
	}
	if err := cg.AddProcess(p.PID); err != nil {
		return
	}
	if m.cfg.MemoryLimitBytes > 0 {
		_ = cg.SetMemoryLimit(m.cfg.MemoryLimitBytes)
	}
	if m.cfg.CPUQuotaPercent > 0 {
		_ = cg.SetCPUQuota(m.cfg.CPUQuotaPercent)
	}
	if m.cfg.PidsLimit > 0 {
		_ = cg.SetPidsLimit(m.cfg.PidsLimit)
	}

	m.mu.Lock()
	m.cgroups[p.PID] = cg
	m.mu.Unlock()
}

// tickForking applies the configured ForkingStrategy once per scheduler
// iteration, called from pre_execute (§4.5.6).
func (m *Mediator) tickForking() {
	live := m.pt.Count(m.cfg.Alias)
	switch m.cfg.Strategy {
	case Aggressive:
		for live < m.cfg.MaxProcesses {
			if m.forkChild() != nil {
				return
			}
			live++
		}
	case Mixed:
		if live == 0 {
			_ = m.forkChild()
			return
		}
		if m.pending() > live && live < m.cfg.MaxProcesses {
			_ = m.forkChild()
		}
	case Lazy:
		if live == 0 && m.pending() > 0 {
			_ = m.forkChild()
		}
	}
}

func (m *Mediator) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.active {
		if c.Status == StatusCalled {
			n++
		}
	}
	return n
}

// Call issues method(args) against this alias's pool: creates and records
// the Call, writes it to the Transport as CALLED, and returns its Promise
// immediately without blocking (§4.5.3).
func (m *Mediator) Call(method string, args []any) (*Call, *Promise, error) {
	call := CreateCall(method, args)
	call.Promise = NewPromise()
	if err := call.called(); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	m.active[call.ID] = call
	m.mu.Unlock()

	m.checkWarningLaw(call)

	err := errkind.Retry("mediator.put", 20*time.Millisecond, func() error {
		return m.transport.Put(call)
	})
	if err != nil {
		call.Promise.Reject(err)
		return call, call.Promise, err
	}

	if m.cfg.AllowWakeup {
		for _, p := range m.pt.Live() {
			if p.Group == m.cfg.Alias {
				_ = p.Signal(syscall.SIGALRM)
			}
		}
	}
	return call, call.Promise, nil
}

// Cancel marks an active call CANCELLED (§5 "Cancellation"). Cancellation
// is cooperative: a call still CALLED (not yet dequeued by a child) is
// re-Put onto the transport so the child skips it on sight (runChildLoop's
// CANCELLED check); a call already RUNNING cannot be cancelled this way —
// the only recourse is Kill against the pid servicing it.
func (m *Mediator) Cancel(id int64) error {
	m.mu.Lock()
	call, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("daemonfx: no active call %d", id)
	}
	switch call.Status {
	case StatusRunning:
		return fmt.Errorf("daemonfx: call %d is already running; kill its worker instead", id)
	case StatusReturned, StatusCancelled, StatusTimeout:
		return fmt.Errorf("daemonfx: call %d is already terminal (%s)", id, call.Status)
	}
	if err := call.cancelled(); err != nil {
		return err
	}
	if err := m.transport.Put(call); err != nil {
		return err
	}
	call.Promise.Reject(fmt.Errorf("daemonfx: call %d cancelled", id))
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
	return nil
}

// Kill sends SIGKILL to pid if it is a live worker of this mediator's
// alias (§5 "Cancellation": "kill(pid) sends SIGKILL to the named child").
func (m *Mediator) Kill(pid int) error {
	p := m.pt.Find(pid, m.cfg.Alias)
	if p == nil {
		return fmt.Errorf("daemonfx: pid %d is not a live %s worker", pid, m.cfg.Alias)
	}
	return p.Signal(syscall.SIGKILL)
}

// KillAll sends SIGKILL to every live worker of this mediator's alias
// (§5 "...or to all workers of this mediator").
func (m *Mediator) KillAll() {
	for _, p := range m.pt.Live() {
		if p.Group == m.cfg.Alias {
			_ = p.Signal(syscall.SIGKILL)
		}
	}
}

// Inline runs method(args) synchronously in-process via subject, bypassing
// the fork/Transport path entirely (§4.5.7). Used when the caller doesn't
// need process isolation for this particular call.
func (m *Mediator) Inline(subject *Subject, method string, args []any) (any, error) {
	return subject.Invoke(method, args)
}

// checkWarningLaw implements the §4.3/§7 one-shot log: the first time any
// call's approximate size exceeds 2% of the configured payload store, emit
// exactly one "error" event recommending a store >= 60x that size.
func (m *Mediator) checkWarningLaw(call *Call) {
	if m.warnedBy {
		return
	}
	limit := float64(m.transport.StoreSize()) * warningLawThreshold
	if float64(call.Size) <= limit {
		return
	}
	m.warnedBy = true
	m.bus.Publish(EventError, errkind.New(errkind.Validation, "mediator.warning_law", fmt.Errorf(
		"call %d payload (%d bytes) exceeds %.0f%% of the payload store; grow it to >= %d bytes",
		call.ID, call.Size, warningLawThreshold*100, call.Size*warningLawGrowthFactor,
	)))
}

// drain reads every pending RUNNING and then RETURN header off the
// Transport and reconciles it onto the matching active Call/Promise
// (§4.5.5). RUNNING headers are drained first so a RETURN for the same
// call, if already queued, is observed in the same tick without blocking.
func (m *Mediator) drain() {
	for {
		hdr, err := m.transport.Get(MsgRun, false)
		if err != nil || hdr == nil {
			break
		}
		m.applyRunning(hdr)
	}
	for {
		hdr, err := m.transport.Get(MsgReturn, false)
		if err != nil {
			m.recordTransportError(err)
			break
		}
		if hdr == nil {
			break
		}
		m.applyReturned(hdr)
	}
}

func (m *Mediator) recordTransportError(err error) {
	if errkind.Is(err, errkind.Corruption) {
		if m.corruptionThreshold.Count() {
			m.bus.Publish(EventError, errkind.New(errkind.Fatal, "mediator.drain", err))
		}
		return
	}
	if m.commThreshold.Count() {
		m.bus.Publish(EventError, errkind.New(errkind.Fatal, "mediator.drain", err))
	}
}

func (m *Mediator) applyRunning(hdr *Call) {
	m.mu.Lock()
	call, ok := m.active[hdr.ID]
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = call.running(hdr.PID)
}

func (m *Mediator) applyReturned(hdr *Call) {
	m.mu.Lock()
	call, ok := m.active[hdr.ID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := call.returned(hdr.Result); err != nil {
		return
	}
	call.Err = hdr.Err
	if call.Err != nil {
		call.Promise.Reject(call.Err)
	} else {
		call.Promise.Resolve(hdr.Result)
	}
	_ = m.transport.Drop(call)
}

// reconcileReaped matches pids reaped this tick (post_execute) against
// calls still RUNNING on that pid: a child that exited without emitting
// RETURN is a premature death (§5's race, §7 "died" kind). Whichever of
// {reaped pid observed, RETURN header drained} happens first in a given
// tick wins; post_execute always runs after the drain in pre/post
// ordering, so a RETURN already applied this tick is never double-counted.
func (m *Mediator) reconcileReaped(pids []int) {
	if len(pids) == 0 {
		return
	}
	dead := make(map[int]bool, len(pids))
	for _, pid := range pids {
		dead[pid] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pid := range pids {
		if cg, ok := m.cgroups[pid]; ok {
			_ = cg.Destroy()
			delete(m.cgroups, pid)
		}
	}
	for _, call := range m.active {
		if call.Status != StatusRunning || !dead[call.PID] {
			continue
		}
		err := errkind.New(errkind.Died, "mediator.reap", fmt.Errorf("child pid %d exited before returning call %d", call.PID, call.ID))
		_ = call.timeout(err)
		call.Promise.Reject(err)
		if m.cfg.AutoRestart {
			go func() { _ = m.forkChild() }()
		}
	}

	m.bus.Publish(EventReaped, pids)
}

// gc sweeps terminal, un-collected active calls, freeing their payload
// memory (§4.4 "Garbage collection"); called at most once per 30s, on
// idle.
func (m *Mediator) gc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, call := range m.active {
		call.GC()
		if call.Collected() {
			delete(m.active, id)
		}
	}
}

// Shutdown tears down every live child of this alias and removes the ftok
// sentinel (§4.2, §6).
func (m *Mediator) Shutdown() {
	m.pt.Teardown()
	m.mu.Lock()
	for pid, cg := range m.cgroups {
		_ = cg.Destroy()
		delete(m.cgroups, pid)
	}
	m.mu.Unlock()
	if m.transport != nil {
		_ = m.transport.Close()
	}
	RemoveSentinel(m.sentinelPath)
}

// RunWorkerIfChild inspects the environment for the mediator fork marker.
// If present, it builds the registered Subject, attaches the Transport as
// a child, and runs the §4.5.4 child loop forever (never returning). If
// absent, it returns immediately so normal daemon startup proceeds. Like
// RunTaskIfChild, this must be called at the very top of main.
func RunWorkerIfChild(registry *OperationRegistry) {
	alias := os.Getenv(envMediatorAlias)
	if alias == "" {
		return
	}

	subject, err := registry.Build(alias)
	if err != nil {
		fmt.Fprintf(os.Stderr, "daemonfx: %v\n", err)
		os.Exit(1)
	}
	if err := subject.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "daemonfx: %v\n", err)
		os.Exit(1)
	}

	guid := os.Getenv(envMediatorGuid)
	cfg := SysVTransportConfig{}
	transport := NewSysVTransport(guid, cfg)
	if err := transport.Setup(false); err != nil {
		fmt.Fprintf(os.Stderr, "daemonfx: worker transport setup: %v\n", err)
		os.Exit(1)
	}
	if subject.init != nil {
		if err := subject.init(); err != nil {
			fmt.Fprintf(os.Stderr, "daemonfx: worker init: %v\n", err)
			os.Exit(1)
		}
	}

	runChildLoop(transport, subject)
	os.Exit(0)
}

// runChildLoop is the §4.5.4 child side: pull a CALL header, skip it
// silently if CANCELLED, otherwise announce RUNNING, invoke the operation,
// and Put the RETURN — recycling itself (exiting cleanly so the parent
// forks a fresh replacement) once either side of the jittered
// maxCalls/maxRuntime budget is exhausted. SIGALRM (sent by the parent
// when AllowWakeup is set) is caught so it does not terminate the child;
// it does not interrupt the blocking Get, which polls every 20ms.
func runChildLoop(transport Transport, subject *Subject) {
	maxCalls := envInt(envMediatorMaxCall, 0)
	maxRuntime := envDuration(envMediatorMaxRun, 0)
	if maxCalls > 0 {
		maxCalls = jitter(maxCalls)
	}
	var deadline time.Time
	if maxRuntime > 0 {
		deadline = time.Now().Add(jitterDuration(maxRuntime))
	}

	wake := make(chan os.Signal, 1)
	signal.Notify(wake, syscall.SIGALRM)
	defer signal.Stop(wake)

	calls := 0
	for {
		if maxCalls > 0 && calls >= maxCalls {
			return
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return
		}

		call, err := transport.Get(MsgCall, true)
		if err != nil || call == nil {
			continue
		}
		if call.Status == StatusCancelled {
			_ = transport.Drop(call)
			continue
		}

		call.PID = os.Getpid()
		_ = call.running(call.PID)
		_ = transport.Put(call)

		result, invokeErr := subject.Invoke(call.Method, call.Args)
		if invokeErr != nil {
			call.Err = invokeErr
		}
		_ = call.returned(result)
		_ = transport.Put(call)

		calls++
	}
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// jitter applies the §4.5.4 +/-25% spread to a recycling bound so sibling
// children don't all recycle on the same tick.
func jitter(n int) int {
	spread := int(float64(n) * 0.25)
	if spread == 0 {
		return n
	}
	return n - spread + rand.Intn(2*spread+1)
}

func jitterDuration(d time.Duration) time.Duration {
	spread := time.Duration(float64(d) * 0.25)
	if spread == 0 {
		return d
	}
	return d - spread + time.Duration(rand.Int63n(2*int64(spread)+1))
}
