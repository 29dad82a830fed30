package daemonfx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCall_AssignsIncreasingIDs(t *testing.T) {
	a := CreateCall("m", nil)
	b := CreateCall("m", nil)
	assert.Greater(t, b.ID, a.ID)
	assert.Greater(t, a.ID, int64(reservedHeaderSlot))
}

func TestCall_StatusMonotonicity(t *testing.T) {
	c := CreateCall("m", nil)
	require.NoError(t, c.called())
	require.NoError(t, c.running(123))
	require.NoError(t, c.returned("ok"))
	assert.Error(t, c.called(), "re-entering CALLED after RETURNED must be rejected")
}

func TestCall_RetryResetsToUncalled(t *testing.T) {
	c := CreateCall("m", nil)
	require.NoError(t, c.called())
	require.NoError(t, c.running(1))
	require.NoError(t, c.returned("x"))
	id := c.ID

	c.Retry()
	assert.Equal(t, id, c.ID, "retry keeps the same call id")
	assert.Equal(t, StatusUncalled, c.Status)
	assert.Equal(t, 1, c.Attempts)
	assert.Nil(t, c.Result)
}

func TestCall_WireRoundTrip(t *testing.T) {
	c := CreateCall("reflect", []any{"a", float64(1)})
	require.NoError(t, c.called())
	require.NoError(t, c.running(99))
	require.NoError(t, c.returned(map[string]any{"ok": true}))

	w := c.toWire()
	back := w.toCall()

	assert.Equal(t, c.ID, back.ID)
	assert.Equal(t, c.Method, back.Method)
	assert.Equal(t, c.Status, back.Status)
	assert.Equal(t, c.PID, back.PID)
}

func TestCall_WireRoundTripCarriesWorkerError(t *testing.T) {
	c := CreateCall("reflect", nil)
	require.NoError(t, c.called())
	require.NoError(t, c.running(99))
	c.Err = errors.New("worker blew up")
	require.NoError(t, c.returned(nil))

	back := c.toWire().toCall()

	require.Error(t, back.Err)
	assert.Equal(t, "worker blew up", back.Err.Error())
}

func TestCall_GCFreesPayloadOnTerminalStatus(t *testing.T) {
	c := CreateCall("m", []any{"payload"})
	require.NoError(t, c.called())
	c.GC()
	assert.NotNil(t, c.Args, "GC must not touch a non-terminal call")

	require.NoError(t, c.running(1))
	require.NoError(t, c.returned("result"))
	c.GC()
	assert.True(t, c.Collected())
	assert.Nil(t, c.Args)
	assert.Nil(t, c.Result)
}

func TestCall_GCIsIdempotent(t *testing.T) {
	c := CreateCall("m", nil)
	require.NoError(t, c.called())
	require.NoError(t, c.cancelled())
	c.GC()
	c.GC()
	assert.True(t, c.Collected())
}
