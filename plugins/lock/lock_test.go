package lock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleInstance_SecondAcquireFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")

	first := New(path)
	ok, err := first.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	defer first.Release()

	second := New(path)
	ok, err = second.TryAcquire()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSingleInstance_ReleaseAllowsReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")

	first := New(path)
	ok, err := first.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, first.Release())

	second := New(path)
	ok, err = second.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)
	defer second.Release()
}
