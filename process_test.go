package daemonfx

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// envHelperProcess marks a process as the harmless stand-in this test
// suite forks instead of recursively re-running go test: TestMain exits
// immediately when it sees this set, before the normal test runner starts.
const envHelperProcess = "DAEMONFX_TEST_HELPER_PROCESS"

func TestMain(m *testing.M) {
	if os.Getenv(envHelperProcess) != "" {
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestProcessTable_ForkTracksAndReaps(t *testing.T) {
	pt := NewProcessTable()
	p, ok, err := pt.Fork(ForkSpec{Group: "test", Env: map[string]string{envHelperProcess: "1"}}, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "test", p.Group)

	deadline := time.Now().Add(2 * time.Second)
	var reaped []int
	for time.Now().Before(deadline) {
		reaped = pt.Reap()
		if len(reaped) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Contains(t, reaped, p.PID)
	assert.Nil(t, pt.Find(p.PID, "test"))
}

func TestProcessTable_CountFiltersByGroup(t *testing.T) {
	pt := NewProcessTable()
	_, _, err := pt.Fork(ForkSpec{Group: "a", Env: map[string]string{envHelperProcess: "1"}}, time.Second)
	require.NoError(t, err)
	_, _, err = pt.Fork(ForkSpec{Group: "b", Env: map[string]string{envHelperProcess: "1"}}, time.Second)
	require.NoError(t, err)

	assert.Equal(t, 2, pt.Count(""))
	assert.LessOrEqual(t, pt.Count("a"), 1)
}

func TestProcessTable_ForkRespectsMinimumTimeout(t *testing.T) {
	pt := NewProcessTable()
	p, ok, err := pt.Fork(ForkSpec{Group: "test", Env: map[string]string{envHelperProcess: "1"}}, time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, minProcessTimeout, p.Timeout)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(pt.Reap()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
}

func TestProcess_SignalOnDeadProcessErrorsCleanly(t *testing.T) {
	p := &Process{PID: 0}
	assert.Error(t, p.Signal(syscall.SIGTERM))
}
