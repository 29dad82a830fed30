package errkind

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_NilErrorReturnsNil(t *testing.T) {
	assert.Nil(t, New(Transient, "op", nil))
}

func TestIs_MatchesWrappedKind(t *testing.T) {
	base := errors.New("no message available")
	wrapped := fmt.Errorf("context: %w", New(Transient, "ipc.get", base))
	assert.True(t, Is(wrapped, Transient))
	assert.False(t, Is(wrapped, Fatal))
}

func TestThreshold_ExceededAfterBound(t *testing.T) {
	th := Threshold{Bound: 2}
	assert.False(t, th.Count())
	assert.False(t, th.Count())
	assert.True(t, th.Count())
	assert.Equal(t, 3, th.Value())
}

func TestThreshold_Reset(t *testing.T) {
	th := Threshold{Bound: 1}
	th.Count()
	th.Count()
	th.Reset()
	assert.Equal(t, 0, th.Value())
	assert.False(t, th.Count())
}

func TestCurve_FollowsBaseTimesPowerOfTwoMinusBase(t *testing.T) {
	c := NewCurve(20 * time.Millisecond)
	c.MaxRetries = 10

	first := c.NextBackOff()
	second := c.NextBackOff()
	third := c.NextBackOff()

	assert.Equal(t, 20*time.Millisecond*((1<<0)-1), first)
	assert.Equal(t, 20*time.Millisecond*((1<<1)-1), second)
	assert.Equal(t, 20*time.Millisecond*((1<<2)-1), third)
}

func TestCurve_StopsAfterMaxRetries(t *testing.T) {
	c := NewCurve(time.Millisecond)
	c.MaxRetries = 2
	c.NextBackOff()
	c.NextBackOff()
	assert.Equal(t, c.NextBackOff(), c.NextBackOff()) // both backoff.Stop
}

func TestRetry_SucceedsWithoutExhaustingRetries(t *testing.T) {
	attempts := 0
	err := Retry("op", time.Millisecond, func() error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetry_WrapsExhaustedErrorAsTransient(t *testing.T) {
	err := Retry("op", time.Microsecond, func() error {
		return errors.New("always fails")
	})
	require.Error(t, err)
	assert.True(t, Is(err, Transient))
}
