//go:build linux

package daemonfx

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T) *SysVTransport {
	t.Helper()
	guid := fmt.Sprintf("daemonfx-test-%d-%d", time.Now().UnixNano(), 1)
	tr := NewSysVTransport(guid, SysVTransportConfig{StoreSlots: 16, SlotSize: 512})
	require.NoError(t, tr.Setup(true))
	t.Cleanup(func() {
		_ = tr.store.destroy()
		_ = tr.ring.destroy()
	})
	return tr
}

func TestSysVTransport_PutGetRoundTrip(t *testing.T) {
	tr := newTestTransport(t)

	call := CreateCall("reflect", []any{"a", float64(1)})
	require.NoError(t, call.called())
	require.NoError(t, tr.Put(call))
	assert.Equal(t, 1, tr.PendingMessages())

	got, err := tr.Get(MsgCall, false)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, call.ID, got.ID)
	assert.Equal(t, call.Method, got.Method)
	assert.Equal(t, 0, tr.PendingMessages())
}

func TestSysVTransport_GetNonBlockingEmptyReturnsNil(t *testing.T) {
	tr := newTestTransport(t)
	got, err := tr.Get(MsgAny, false)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSysVTransport_ReturnHeaderCarriesPayload(t *testing.T) {
	tr := newTestTransport(t)

	call := CreateCall("reflect", []any{"x"})
	require.NoError(t, call.called())
	require.NoError(t, call.running(123))
	require.NoError(t, call.returned(map[string]any{"ok": true}))
	require.NoError(t, tr.Put(call))

	got, err := tr.Get(MsgReturn, false)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusReturned, got.Status)
	result, ok := got.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, result["ok"])
}

func TestSysVTransport_DequeueIsFIFO(t *testing.T) {
	tr := newTestTransport(t)
	a := CreateCall("a", nil)
	b := CreateCall("b", nil)
	require.NoError(t, a.called())
	require.NoError(t, b.called())
	require.NoError(t, tr.Put(a))
	require.NoError(t, tr.Put(b))

	first, err := tr.Get(MsgCall, false)
	require.NoError(t, err)
	second, err := tr.Get(MsgCall, false)
	require.NoError(t, err)

	assert.Equal(t, a.ID, first.ID)
	assert.Equal(t, b.ID, second.ID)
}

func TestSysVTransport_PurgeClearsQueue(t *testing.T) {
	tr := newTestTransport(t)
	call := CreateCall("a", nil)
	require.NoError(t, call.called())
	require.NoError(t, tr.Put(call))
	require.NoError(t, tr.Purge())
	assert.Equal(t, 0, tr.PendingMessages())
}

func TestShmKey_DiffersBySalt(t *testing.T) {
	assert.NotEqual(t, shmKey("g", 1), shmKey("g", 2))
}
