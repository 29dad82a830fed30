package daemonfx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memTransport is an in-process, non-shared-memory Transport stand-in used
// only by tests: it satisfies the same contract (lock-free here, since
// tests are single-goroutine) without needing a real SysV segment.
type memTransport struct {
	queue     []*Call
	storeSize int
	dropped   []int64
}

func newMemTransport() *memTransport {
	return &memTransport{storeSize: defaultPayloadStoreSize}
}

func (m *memTransport) Setup(isParent bool) error { return nil }
func (m *memTransport) Purge() error               { m.queue = nil; return nil }
func (m *memTransport) Close() error                { return nil }

func (m *memTransport) Put(call *Call) error {
	cp := *call
	m.queue = append(m.queue, &cp)
	return nil
}

func (m *memTransport) Get(t MessageType, block bool) (*Call, error) {
	for i, c := range m.queue {
		if t == MsgAny || statusToMessageType(c.Status) == t {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return c, nil
		}
	}
	return nil, nil
}

func (m *memTransport) Drop(call *Call) error {
	m.dropped = append(m.dropped, call.ID)
	return nil
}

func (m *memTransport) PendingMessages() int { return len(m.queue) }
func (m *memTransport) StoreSize() int       { return m.storeSize }

func TestMediator_CallRecordsActiveAndWritesTransport(t *testing.T) {
	bus := NewBus()
	registry := NewOperationRegistry()
	m, err := NewMediator(MediatorConfig{Alias: "echo", MaxProcesses: 1}, bus, registry)
	require.NoError(t, err)
	defer RemoveSentinel(m.sentinelPath)

	transport := newMemTransport()
	m.transport = transport

	call, promise, err := m.Call("reflect", []any{"x"})
	require.NoError(t, err)
	assert.Equal(t, StatusCalled, call.Status)
	assert.False(t, promise.Settled())
	assert.Equal(t, 1, transport.PendingMessages())
}

func TestMediator_DrainAppliesRunningThenReturned(t *testing.T) {
	bus := NewBus()
	registry := NewOperationRegistry()
	m, err := NewMediator(MediatorConfig{Alias: "echo", MaxProcesses: 1}, bus, registry)
	require.NoError(t, err)
	defer RemoveSentinel(m.sentinelPath)

	transport := newMemTransport()
	m.transport = transport

	call, promise, err := m.Call("reflect", []any{"x"})
	require.NoError(t, err)

	running := *call
	running.PID = 4242
	_ = running.setStatus(StatusRunning)
	transport.queue = append(transport.queue, &running)

	returned := *call
	returned.PID = 4242
	returned.Result = "done"
	_ = returned.setStatus(StatusRunning)
	_ = returned.setStatus(StatusReturned)
	transport.queue = append(transport.queue, &returned)

	m.drain()

	assert.Equal(t, StatusReturned, call.Status)
	require.True(t, promise.Settled())
	assert.Equal(t, "done", promise.Value())
	assert.Contains(t, transport.dropped, call.ID)
}

func TestMediator_ReconcileReapedRejectsRunningCallsOnDeadPID(t *testing.T) {
	bus := NewBus()
	registry := NewOperationRegistry()
	m, err := NewMediator(MediatorConfig{Alias: "echo", MaxProcesses: 1}, bus, registry)
	require.NoError(t, err)
	defer RemoveSentinel(m.sentinelPath)
	m.transport = newMemTransport()

	call, promise, err := m.Call("reflect", nil)
	require.NoError(t, err)
	_ = call.running(555)

	m.reconcileReaped([]int{555})

	require.True(t, promise.Settled())
	assert.True(t, promise.Rejected())
	assert.Equal(t, StatusTimeout, call.Status)
}

func TestMediator_DrainRejectsPromiseWhenReturnCarriesError(t *testing.T) {
	bus := NewBus()
	registry := NewOperationRegistry()
	m, err := NewMediator(MediatorConfig{Alias: "echo", MaxProcesses: 1}, bus, registry)
	require.NoError(t, err)
	defer RemoveSentinel(m.sentinelPath)

	transport := newMemTransport()
	m.transport = transport

	call, promise, err := m.Call("reflect", []any{"x"})
	require.NoError(t, err)

	returned := *call
	returned.PID = 4242
	returned.Err = errors.New("boom")
	_ = returned.setStatus(StatusRunning)
	_ = returned.setStatus(StatusReturned)
	transport.queue = append(transport.queue, &returned)

	m.drain()

	require.True(t, promise.Settled())
	assert.True(t, promise.Rejected())
	assert.EqualError(t, promise.Err(), "boom")
}

func TestMediator_CancelSkipsNotYetRunningCall(t *testing.T) {
	bus := NewBus()
	registry := NewOperationRegistry()
	m, err := NewMediator(MediatorConfig{Alias: "echo", MaxProcesses: 1}, bus, registry)
	require.NoError(t, err)
	defer RemoveSentinel(m.sentinelPath)
	m.transport = newMemTransport()

	call, promise, err := m.Call("reflect", nil)
	require.NoError(t, err)

	require.NoError(t, m.Cancel(call.ID))
	assert.Equal(t, StatusCancelled, call.Status)
	require.True(t, promise.Settled())
	assert.True(t, promise.Rejected())
}

func TestMediator_CancelRefusesAlreadyRunningCall(t *testing.T) {
	bus := NewBus()
	registry := NewOperationRegistry()
	m, err := NewMediator(MediatorConfig{Alias: "echo", MaxProcesses: 1}, bus, registry)
	require.NoError(t, err)
	defer RemoveSentinel(m.sentinelPath)
	m.transport = newMemTransport()

	call, _, err := m.Call("reflect", nil)
	require.NoError(t, err)
	_ = call.running(123)

	assert.Error(t, m.Cancel(call.ID))
}

func TestMediator_KillRejectsPIDOutsideItsPool(t *testing.T) {
	bus := NewBus()
	registry := NewOperationRegistry()
	m, err := NewMediator(MediatorConfig{Alias: "echo", MaxProcesses: 1}, bus, registry)
	require.NoError(t, err)
	defer RemoveSentinel(m.sentinelPath)

	assert.Error(t, m.Kill(999999))
}

func TestMediator_WarningLawFiresOnce(t *testing.T) {
	bus := NewBus()
	var errorEvents int
	bus.Subscribe(EventError, 0, func(ev *Event) bool {
		errorEvents++
		return false
	})
	registry := NewOperationRegistry()
	m, err := NewMediator(MediatorConfig{Alias: "echo", MaxProcesses: 1}, bus, registry)
	require.NoError(t, err)
	defer RemoveSentinel(m.sentinelPath)
	transport := newMemTransport()
	transport.storeSize = 100
	m.transport = transport

	big := make([]any, 1)
	big[0] = make([]byte, 50) // exceeds 2% of a 100-byte store
	_, _, _ = m.Call("reflect", big)
	_, _, _ = m.Call("reflect", big)

	assert.Equal(t, 1, errorEvents)
}

func TestForkingStrategy_EnumValues(t *testing.T) {
	assert.Equal(t, ForkingStrategy(2), Aggressive)
	assert.Equal(t, ForkingStrategy(0), Lazy)
	assert.Equal(t, ForkingStrategy(1), Mixed)
}

func TestJitter_StaysWithinQuarterSpread(t *testing.T) {
	for i := 0; i < 50; i++ {
		n := jitter(100)
		assert.GreaterOrEqual(t, n, 75)
		assert.LessOrEqual(t, n, 125)
	}
}
