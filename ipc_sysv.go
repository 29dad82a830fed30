//go:build linux

package daemonfx

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
)

// ringSlots bounds how many in-flight headers the message ring can hold
// at once; generous relative to any realistic maxProcesses/active-calls
// ratio.
const ringSlots = 4096

// ringEntrySize is the on-wire size of one ring slot: valid(1) + type(4) +
// id(8) + status(4) + pid(4) + unixNano(8).
const ringEntrySize = 1 + 4 + 8 + 4 + 4 + 8

// ringHeaderSize reserves space for head/tail counters (uint64 each) at
// the front of the ring segment.
const ringHeaderSize = 16

// slotHeaderSize is the length-prefix on each payload-store slot.
const slotHeaderSize = 4

// SysVTransportConfig tunes a SysVTransport before first use.
type SysVTransportConfig struct {
	// StoreSlots bounds how many distinct call ids can have live payloads
	// at once (slot = id % StoreSlots); default 256.
	StoreSlots int
	// SlotSize bounds the serialized size of one call's payload; default
	// derived from StoreSize/StoreSlots.
	SlotSize int
	// StoreSize is the overall payload-store footprint used for the §4.3
	// 2% warning law; default 5 MiB.
	StoreSize int
}

func (c SysVTransportConfig) withDefaults() SysVTransportConfig {
	if c.StoreSize <= 0 {
		c.StoreSize = defaultPayloadStoreSize
	}
	if c.StoreSlots <= 0 {
		c.StoreSlots = 256
	}
	if c.SlotSize <= 0 {
		c.SlotSize = c.StoreSize / c.StoreSlots
	}
	return c
}

// SysVTransport implements Transport atop two SysV shared-memory segments
// (a payload store and a message ring, see ipc_shm.go) plus an advisory
// file lock (github.com/gofrs/flock) guarding both, identified by the
// guid derived in guid.go (§4.3/§6).
type SysVTransport struct {
	guid string
	cfg  SysVTransportConfig

	lock  *flock.Flock
	store *shmSegment
	ring  *shmSegment
}

// NewSysVTransport constructs a transport for the given guid. Setup must
// be called before use.
func NewSysVTransport(guid string, cfg SysVTransportConfig) *SysVTransport {
	return &SysVTransport{guid: guid, cfg: cfg.withDefaults()}
}

func (t *SysVTransport) lockPath() string {
	return os.TempDir() + "/" + t.guid + ".lock"
}

func (t *SysVTransport) withLock(fn func() error) error {
	if err := t.lock.Lock(); err != nil {
		return fmt.Errorf("daemonfx: ipc lock: %w", err)
	}
	defer t.lock.Unlock()
	return fn()
}

// Setup attaches/creates the lock, payload store and ring; the parent
// additionally writes the protocol header at the reserved slot (§4.3).
func (t *SysVTransport) Setup(isParent bool) error {
	t.lock = flock.New(t.lockPath())

	store, err := openShm(t.guid, 0x5702A7E, t.cfg.StoreSize)
	if err != nil {
		return err
	}
	t.store = store

	ring, err := openShm(t.guid, 0x21096F, ringHeaderSize+ringSlots*ringEntrySize)
	if err != nil {
		return err
	}
	t.ring = ring

	if isParent {
		return t.withLock(func() error {
			return t.writeHeader()
		})
	}
	return nil
}

func (t *SysVTransport) writeHeader() error {
	hdr := map[string]any{"version": "1.0", "size": t.cfg.StoreSize}
	b, err := json.Marshal(hdr)
	if err != nil {
		return err
	}
	return t.writeSlot(reservedHeaderSlot, b)
}

// Purge destroys and recreates all three underlying primitives (§4.3).
func (t *SysVTransport) Purge() error {
	if err := t.Close(); err != nil {
		return err
	}
	_ = t.store.destroy()
	_ = t.ring.destroy()
	return t.Setup(true)
}

// Close detaches (without destroying) the segments.
func (t *SysVTransport) Close() error {
	if t.store != nil {
		_ = t.store.detach()
	}
	if t.ring != nil {
		_ = t.ring.detach()
	}
	return nil
}

func (t *SysVTransport) slotIndex(id int64) int {
	return int(id % int64(t.cfg.StoreSlots))
}

func (t *SysVTransport) writeSlot(index int, data []byte) error {
	if len(data) > t.cfg.SlotSize-slotHeaderSize {
		return fmt.Errorf("daemonfx: payload (%d bytes) exceeds slot size (%d)", len(data), t.cfg.SlotSize-slotHeaderSize)
	}
	off := index * t.cfg.SlotSize
	binary.LittleEndian.PutUint32(t.store.buf[off:], uint32(len(data)))
	copy(t.store.buf[off+slotHeaderSize:], data)
	return nil
}

func (t *SysVTransport) readSlot(index int) []byte {
	off := index * t.cfg.SlotSize
	n := binary.LittleEndian.Uint32(t.store.buf[off:])
	if int(n) > t.cfg.SlotSize-slotHeaderSize {
		return nil
	}
	out := make([]byte, n)
	copy(out, t.store.buf[off+slotHeaderSize:off+slotHeaderSize+int(n)])
	return out
}

func (t *SysVTransport) clearSlot(index int) {
	off := index * t.cfg.SlotSize
	binary.LittleEndian.PutUint32(t.store.buf[off:], 0)
}

// Put acquires the lock, writes the payload, enqueues a header typed by
// call's current status, and releases the lock (§4.3).
func (t *SysVTransport) Put(call *Call) error {
	w := call.toWire()
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("daemonfx: marshal call: %w", err)
	}
	return t.withLock(func() error {
		if err := t.writeSlot(t.slotIndex(call.ID), data); err != nil {
			return err
		}
		return t.enqueue(ringEntry{
			valid:  true,
			typ:    statusToMessageType(call.Status),
			id:     call.ID,
			status: call.Status,
			pid:    int32(call.PID),
			nano:   time.Now().UnixNano(),
		})
	})
}

type ringEntry struct {
	valid  bool
	typ    MessageType
	id     int64
	status Status
	pid    int32
	nano   int64
}

func (t *SysVTransport) ringCounters() (head, tail uint64) {
	head = binary.LittleEndian.Uint64(t.ring.buf[0:8])
	tail = binary.LittleEndian.Uint64(t.ring.buf[8:16])
	return
}

func (t *SysVTransport) setRingCounters(head, tail uint64) {
	binary.LittleEndian.PutUint64(t.ring.buf[0:8], head)
	binary.LittleEndian.PutUint64(t.ring.buf[8:16], tail)
}

func (t *SysVTransport) entryOffset(slot uint64) int {
	return ringHeaderSize + int(slot%ringSlots)*ringEntrySize
}

func (t *SysVTransport) writeEntry(slot uint64, e ringEntry) {
	off := t.entryOffset(slot)
	b := t.ring.buf[off : off+ringEntrySize]
	if e.valid {
		b[0] = 1
	} else {
		b[0] = 0
	}
	binary.LittleEndian.PutUint32(b[1:], uint32(e.typ))
	binary.LittleEndian.PutUint64(b[5:], uint64(e.id))
	binary.LittleEndian.PutUint32(b[13:], uint32(e.status))
	binary.LittleEndian.PutUint32(b[17:], uint32(e.pid))
	binary.LittleEndian.PutUint64(b[21:], uint64(e.nano))
}

func (t *SysVTransport) readEntry(slot uint64) ringEntry {
	off := t.entryOffset(slot)
	b := t.ring.buf[off : off+ringEntrySize]
	return ringEntry{
		valid:  b[0] == 1,
		typ:    MessageType(binary.LittleEndian.Uint32(b[1:])),
		id:     int64(binary.LittleEndian.Uint64(b[5:])),
		status: Status(binary.LittleEndian.Uint32(b[13:])),
		pid:    int32(binary.LittleEndian.Uint32(b[17:])),
		nano:   int64(binary.LittleEndian.Uint64(b[21:])),
	}
}

// enqueue appends e at the tail. Caller must hold the lock.
func (t *SysVTransport) enqueue(e ringEntry) error {
	head, tail := t.ringCounters()
	if tail-head >= ringSlots {
		return fmt.Errorf("daemonfx: message ring full")
	}
	t.writeEntry(tail, e)
	t.setRingCounters(head, tail+1)
	return nil
}

// dequeue scans from head to tail (FIFO order) for the first entry
// matching want (MsgAny matches anything), removes it by shifting later
// entries left by one slot, and returns it. Caller must hold the lock.
func (t *SysVTransport) dequeue(want MessageType) (ringEntry, bool) {
	head, tail := t.ringCounters()
	for i := head; i < tail; i++ {
		e := t.readEntry(i)
		if !e.valid {
			continue
		}
		if want != MsgAny && e.typ != want {
			continue
		}
		for j := i; j+1 < tail; j++ {
			t.writeEntry(j, t.readEntry(j+1))
		}
		t.setRingCounters(head, tail-1)
		return e, true
	}
	return ringEntry{}, false
}

// Get dequeues the next header of type want (MsgAny for any) and reads the
// call's payload slot, clearing it only when the drained header is
// MsgReturn (§4.3). Non-blocking calls return (nil, nil) immediately on an
// empty match.
func (t *SysVTransport) Get(want MessageType, block bool) (*Call, error) {
	for {
		var (
			entry   ringEntry
			found   bool
			payload []byte
		)
		if err := t.withLock(func() error {
			entry, found = t.dequeue(want)
			if found {
				idx := t.slotIndex(entry.id)
				payload = t.readSlot(idx)
				if entry.typ == MsgReturn {
					t.clearSlot(idx)
				}
			}
			return nil
		}); err != nil {
			return nil, err
		}
		if found {
			return entryToCall(entry, payload)
		}
		if !block {
			return nil, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func entryToCall(entry ringEntry, payload []byte) (*Call, error) {
	if len(payload) == 0 {
		return &Call{ID: entry.id, PID: int(entry.pid), Status: entry.status}, nil
	}
	var w wire
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("daemonfx: unmarshal call payload: %w", err)
	}
	c := w.toCall()
	c.PID = int(entry.pid)
	return c, nil
}

// Drop best-effort clears call's payload slot (§4.3).
func (t *SysVTransport) Drop(call *Call) error {
	return t.withLock(func() error {
		t.clearSlot(t.slotIndex(call.ID))
		return nil
	})
}

// PendingMessages reports queue depth for statistics.
func (t *SysVTransport) PendingMessages() int {
	head, tail := t.ringCounters()
	return int(tail - head)
}

// StoreSize reports the configured payload-store footprint.
func (t *SysVTransport) StoreSize() int { return t.cfg.StoreSize }
