package daemonfx

import "time"

// MessageType identifies a queued header by the small integer values of
// §6 "Message headers".
type MessageType int

const (
	// MsgAny matches any type, used by Transport.Get's non-filtering form.
	MsgAny    MessageType = 0
	MsgReturn MessageType = 10
	MsgRun    MessageType = 20
	MsgCall   MessageType = 30
)

func (t MessageType) String() string {
	switch t {
	case MsgReturn:
		return "RETURN"
	case MsgRun:
		return "RUNNING"
	case MsgCall:
		return "CALL"
	default:
		return "ANY"
	}
}

func statusToMessageType(s Status) MessageType {
	switch s {
	case StatusCalled:
		return MsgCall
	case StatusRunning:
		return MsgRun
	case StatusReturned:
		return MsgReturn
	default:
		return MsgAny
	}
}

// Header is the small, fixed-width message queued alongside the payload
// store entry (§6 "Message headers"): {id, status, time, pid}.
type Header struct {
	Type      MessageType
	ID        int64
	Status    Status
	Time      time.Time
	SenderPID int
}

// defaultPayloadStoreSize is §4.3's "default payload store size is 5 MiB".
const defaultPayloadStoreSize = 5 * 1024 * 1024

// warningLawThreshold is the §4.3/§7 "2% of the payload store" trigger for
// the one-shot grow recommendation.
const warningLawThreshold = 0.02

// warningLawGrowthFactor is "grown to >= 60x the observed size."
const warningLawGrowthFactor = 60

// Transport is the three-way abstraction of §4.3: a lock (mutual
// exclusion between writer and reader), a message queue of small typed
// headers, and a payload store addressed by integer keys (the call id).
// Concrete implementations (e.g. SysVTransport) must honor this contract
// regardless of the underlying OS primitives used.
type Transport interface {
	// Setup attaches or creates the lock, payload store and queue
	// identified by GUID. The parent additionally writes the protocol
	// header record at the reserved slot.
	Setup(isParent bool) error
	// Purge destroys and recreates all three underlying primitives.
	Purge() error
	// Close detaches (but does not destroy) the underlying primitives.
	Close() error

	// Put acquires the lock, writes the payload at call.ID, enqueues a
	// header typed by the call's current status, and releases the lock.
	// Retried up to 3 times on transient errors by the caller via
	// errkind.Retry.
	Put(call *Call) error

	// Get dequeues the next header of the requested type (MsgAny matches
	// any). If block is false and the queue is empty, Get returns
	// (nil, nil) immediately. After dequeuing a MsgReturn header, Get
	// reads and removes the corresponding payload slot and populates the
	// returned Call's Result.
	Get(t MessageType, block bool) (*Call, error)

	// Drop best-effort removes call's payload slot.
	Drop(call *Call) error

	// PendingMessages reports the queue depth, for statistics.
	PendingMessages() int

	// StoreSize reports the configured payload store size in bytes, for
	// the §4.3 warning law.
	StoreSize() int
}
