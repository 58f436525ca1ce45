package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDispatchOrder(t *testing.T) {
	bus := NewBus()
	var calls []string

	bus.On(KindAdded, func(Event) { calls = append(calls, "first") })
	bus.On(KindRemoved, func(Event) { calls = append(calls, "other kind") })
	bus.On(KindAdded, func(Event) { calls = append(calls, "second") })

	bus.Emit(Added{Collection: "lists", ID: "1"})
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestBusOff(t *testing.T) {
	bus := NewBus()
	count := 0
	id := bus.On(KindConnected, func(Event) { count++ })

	bus.Emit(Connected{})
	require.True(t, bus.Off(id))
	require.False(t, bus.Off(id))
	bus.Emit(Connected{})

	assert.Equal(t, 1, count)
}

func TestListenTyped(t *testing.T) {
	bus := NewBus()
	var got Changed
	Listen(bus, func(e Changed) { got = e })

	bus.Emit(Changed{Collection: "todos", ID: "a", Fields: map[string]any{"done": true}, Cleared: []string{"tmp"}})

	assert.Equal(t, "todos", got.Collection)
	assert.Equal(t, []string{"tmp"}, got.Cleared)
	assert.Equal(t, true, got.Fields["done"])
}

func TestBusReentrantEmit(t *testing.T) {
	bus := NewBus()
	var order []Kind

	Listen(bus, func(Subscribed) {
		order = append(order, KindSubscribed)
		bus.Emit(Reconnected{})
		bus.On(KindSubscribed, func(Event) { order = append(order, KindUnsubscribed) })
	})
	Listen(bus, func(Reconnected) { order = append(order, KindReconnected) })

	bus.Emit(Subscribed{Name: "publicLists"})
	assert.Equal(t, []Kind{KindSubscribed, KindReconnected}, order)
}

func TestObserverPanicPropagates(t *testing.T) {
	bus := NewBus()
	bus.On(KindFailed, func(Event) { panic("boom") })
	assert.Panics(t, func() { bus.Emit(Failed{Payload: "x"}) })
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "logging_in", KindLoggingIn.String())
	assert.Equal(t, "fatal", Fatal{}.Kind().String())
	assert.Equal(t, "unknown", Kind(200).String())
}
