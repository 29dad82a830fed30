package daemonfx

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// Status is a Call's lifecycle state (§3 "Call").
type Status int

const (
	StatusUncalled Status = iota
	StatusCalled
	StatusRunning
	StatusReturned
	StatusCancelled
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusUncalled:
		return "UNCALLED"
	case StatusCalled:
		return "CALLED"
	case StatusRunning:
		return "RUNNING"
	case StatusReturned:
		return "RETURNED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// rank gives the monotone ordering used by setStatus: UNCALLED < CALLED <
// RUNNING < RETURNED, with CANCELLED/TIMEOUT treated as terminal siblings
// of RETURNED (never revisited, never preceding it).
func (s Status) rank() int {
	switch s {
	case StatusUncalled:
		return 0
	case StatusCalled:
		return 1
	case StatusRunning:
		return 2
	case StatusReturned, StatusCancelled, StatusTimeout:
		return 3
	default:
		return -1
	}
}

// reservedHeaderSlot is the payload-store address of the protocol header
// (§6 "IPC payload layout"); call ids start above it.
const reservedHeaderSlot = 1

// firstCallID is the first id ever handed out, per process lifetime.
const firstCallID = 2

// callIDSeq is the process-unique, monotonically increasing id source
// (§3 invariant 3 in §8: ids never collide with the reserved slot and
// never repeat within one process lifetime).
var callIDSeq int64 = firstCallID - 1

func nextCallID() int64 {
	return atomic.AddInt64(&callIDSeq, 1)
}

// Call is a single remote method invocation record (§3 "Call").
type Call struct {
	ID     int64
	Method string
	Args   []any
	PID    int
	Status Status
	Time   map[Status]time.Time

	Result any
	Err    error

	Size int // approximate byte footprint, for the §4.3 "warning law"

	Attempts int
	Errors   int

	collected bool

	// Promise is parent-side only; never serialized, never transmitted.
	Promise *Promise `json:"-"`
}

// CreateCall is the factory of §4.4: assigns a fresh id and records an
// approximate creation footprint.
func CreateCall(method string, args []any) *Call {
	c := &Call{
		ID:     nextCallID(),
		Method: method,
		Args:   args,
		Status: StatusUncalled,
		Time:   map[Status]time.Time{},
	}
	c.Size = approxSize(method, args)
	c.Time[StatusUncalled] = time.Now()
	return c
}

func approxSize(method string, args []any) int {
	n := len(method) + 32 // header overhead estimate
	for _, a := range args {
		n += approxValueSize(a)
	}
	return n
}

func approxValueSize(v any) int {
	switch x := v.(type) {
	case string:
		return len(x)
	case []byte:
		return len(x)
	case nil:
		return 8
	default:
		return 64 // conservative flat estimate for scalars/structs
	}
}

// setStatus enforces the monotonicity invariant of §3/§8 invariant 4:
// status never strictly decreases except an explicit reset to UNCALLED
// (used by Retry).
func (c *Call) setStatus(s Status) error {
	if s == StatusUncalled {
		c.Status = s
		c.Time[s] = time.Now()
		return nil
	}
	if s.rank() < c.Status.rank() {
		return fmt.Errorf("daemonfx: illegal status transition %s -> %s on call %d", c.Status, s, c.ID)
	}
	c.Status = s
	c.Time[s] = time.Now()
	return nil
}

func (c *Call) called() error { return c.setStatus(StatusCalled) }

func (c *Call) running(pid int) error {
	c.PID = pid
	return c.setStatus(StatusRunning)
}

func (c *Call) returned(result any) error {
	c.Result = result
	return c.setStatus(StatusReturned)
}

func (c *Call) cancelled() error { return c.setStatus(StatusCancelled) }

func (c *Call) timeout(err error) error {
	c.Err = err
	return c.setStatus(StatusTimeout)
}

// Retry resets status to UNCALLED, keeping the same id (§9 Open Question:
// "keeps the id and resets status" — the source-compatible choice, see
// SPEC_FULL.md).
func (c *Call) Retry() {
	c.Attempts++
	c.Result = nil
	c.Err = nil
	c.collected = false
	_ = c.setStatus(StatusUncalled)
}

// wire is the serialized representation of a Call for transport through
// the payload store (§4.4 "Serialization"). Promise is intentionally
// absent. Err carries the worker's error sentinel (§3 "result: the value
// produced by the worker, or an error sentinel") across the payload store,
// since a Go error does not survive encoding/json on its own.
type wire struct {
	ID     int64            `json:"id"`
	PID    int              `json:"pid"`
	Status Status           `json:"status"`
	Method string           `json:"method"`
	Args   []any            `json:"args"`
	Time   map[Status]int64 `json:"time"` // unix nanos
	Result any              `json:"result"`
	Err    string           `json:"err,omitempty"`
}

func (c *Call) toWire() wire {
	w := wire{ID: c.ID, PID: c.PID, Status: c.Status, Method: c.Method, Args: c.Args, Result: c.Result}
	if c.Err != nil {
		w.Err = c.Err.Error()
	}
	w.Time = make(map[Status]int64, len(c.Time))
	for k, v := range c.Time {
		w.Time[k] = v.UnixNano()
	}
	return w
}

func (w wire) toCall() *Call {
	c := &Call{ID: w.ID, PID: w.PID, Status: w.Status, Method: w.Method, Args: w.Args, Result: w.Result}
	if w.Err != "" {
		c.Err = errors.New(w.Err)
	}
	c.Time = make(map[Status]time.Time, len(w.Time))
	for k, v := range w.Time {
		c.Time[k] = time.Unix(0, v)
	}
	return c
}

// GC frees Args and Result on a terminal call and marks it collected, so
// the active table can keep a small history without retaining payloads
// (§4.4 "Garbage collection").
func (c *Call) GC() {
	if c.collected {
		return
	}
	if c.Status != StatusReturned && c.Status != StatusCancelled && c.Status != StatusTimeout {
		return
	}
	c.Args = nil
	c.Result = nil
	c.collected = true
}

// Collected reports whether GC has already run on this call.
func (c *Call) Collected() bool { return c.collected }
