package daemonfx

import "sort"

// Event names, per §4.1 / §6 "Event surface". Stable strings: part of the
// external contract for user plugins.
const (
	EventInit         = "init"
	EventIdle         = "idle"
	EventFork         = "fork"
	EventParentFork   = "parent_fork"
	EventPIDChange    = "pid_change"
	EventPreExecute   = "pre_execute"
	EventPostExecute  = "post_execute"
	EventAutoRestart  = "auto_restart"
	EventSignal       = "signal"
	EventShutdown     = "shutdown"
	EventError        = "error"
	EventLog          = "log"
	EventStats        = "stats"
	EventGenerateGUID = "generate_guid"
	EventReaped       = "reaped"
)

// Event is the payload handed to subscribers. Unlike the original (which
// mutates one shared, reused object), each dispatch carries its own value;
// "stop and resume propagation" is tracked by the dispatcher, not by
// mutating the Event itself, per the §9 "Reusable event object" redesign
// note.
type Event struct {
	Name string
	Data any
}

// Subscriber is called once per dispatch of the event it was registered
// for. Returning true stops propagation to any remaining (lower-priority)
// subscriber for this dispatch.
type Subscriber func(ev *Event) (stopPropagation bool)

type subscription struct {
	priority int
	seq      int // insertion order, for stable sort among equal priorities
	fn       Subscriber
}

// Bus is a single-threaded, synchronous publish/subscribe registry. It is
// used only from the main loop and from the tail of signal handlers (never
// from inside a handler body directly — handlers only set flags, see §5).
// Not safe for concurrent use.
type Bus struct {
	subs   map[string][]subscription
	seq    int
	counts map[string]int64 // §3 Daemon state "dispatchedCounts by event name"
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscription), counts: make(map[string]int64)}
}

// Subscribe registers fn for name at priority (higher runs first).
// Registration after init is allowed; subscribers must tolerate arbitrary
// insertion/removal order.
func (b *Bus) Subscribe(name string, priority int, fn Subscriber) {
	b.seq++
	b.subs[name] = append(b.subs[name], subscription{priority: priority, seq: b.seq, fn: fn})
	sort.SliceStable(b.subs[name], func(i, j int) bool {
		if b.subs[name][i].priority != b.subs[name][j].priority {
			return b.subs[name][i].priority > b.subs[name][j].priority
		}
		return b.subs[name][i].seq < b.subs[name][j].seq
	})
}

// Dispatch synchronously invokes every subscriber for ev.Name, highest
// priority first, until one returns true (stop propagation) or the list is
// exhausted. Returns whether propagation was stopped.
func (b *Bus) Dispatch(ev *Event) (stopped bool) {
	b.counts[ev.Name]++
	for _, s := range b.subs[ev.Name] {
		if s.fn(ev) {
			return true
		}
	}
	return false
}

// DispatchedCounts returns a snapshot of how many times each event name has
// been dispatched (§3 Daemon state "dispatchedCounts by event name").
func (b *Bus) DispatchedCounts() map[string]int64 {
	out := make(map[string]int64, len(b.counts))
	for k, v := range b.counts {
		out[k] = v
	}
	return out
}

// Publish is sugar for constructing and dispatching an Event in one call.
func (b *Bus) Publish(name string, data any) (ev *Event, stopped bool) {
	ev = &Event{Name: name, Data: data}
	stopped = b.Dispatch(ev)
	return ev, stopped
}
