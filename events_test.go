package daemonfx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DispatchOrdersByPriority(t *testing.T) {
	bus := NewBus()
	var order []string

	bus.Subscribe("x", 0, func(ev *Event) bool {
		order = append(order, "low")
		return false
	})
	bus.Subscribe("x", 10, func(ev *Event) bool {
		order = append(order, "high")
		return false
	})
	bus.Subscribe("x", 5, func(ev *Event) bool {
		order = append(order, "mid")
		return false
	})

	bus.Publish("x", nil)
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestBus_StablePriorityTies(t *testing.T) {
	bus := NewBus()
	var order []string
	bus.Subscribe("x", 1, func(ev *Event) bool { order = append(order, "a"); return false })
	bus.Subscribe("x", 1, func(ev *Event) bool { order = append(order, "b"); return false })
	bus.Publish("x", nil)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestBus_StopPropagation(t *testing.T) {
	bus := NewBus()
	var called []string
	bus.Subscribe("x", 10, func(ev *Event) bool {
		called = append(called, "first")
		return true
	})
	bus.Subscribe("x", 0, func(ev *Event) bool {
		called = append(called, "second")
		return false
	})
	_, stopped := bus.Publish("x", nil)
	require.True(t, stopped)
	assert.Equal(t, []string{"first"}, called)
}

func TestBus_EventsAreIndependentPerDispatch(t *testing.T) {
	bus := NewBus()
	var seen []any
	bus.Subscribe("x", 0, func(ev *Event) bool {
		seen = append(seen, ev.Data)
		ev.Data = "mutated" // mutating this dispatch's event must not leak to the next
		return false
	})
	bus.Publish("x", "first")
	bus.Publish("x", "second")
	assert.Equal(t, []any{"first", "second"}, seen)
}

func TestBus_UnknownEventNoSubscribers(t *testing.T) {
	bus := NewBus()
	ev, stopped := bus.Publish("nothing-registered", 42)
	assert.False(t, stopped)
	assert.Equal(t, 42, ev.Data)
}

func TestBus_DispatchedCountsTracksPerEventName(t *testing.T) {
	bus := NewBus()
	bus.Publish("x", nil)
	bus.Publish("x", nil)
	bus.Publish("y", nil)

	counts := bus.DispatchedCounts()
	assert.Equal(t, int64(2), counts["x"])
	assert.Equal(t, int64(1), counts["y"])
	assert.Equal(t, int64(0), counts["never-published"])
}
