package cron

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/tempo/logger"
)

func TestBus_PublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus(logger.Logger)

	var got []Event
	unsubscribe := bus.Subscribe(func(e Event) {
		got = append(got, e)
	})
	defer unsubscribe()

	bus.Publish(Event{JobID: "j1", Action: EventAdded})
	bus.Publish(Event{JobID: "j1", Action: EventStarted})

	require.Len(t, got, 2)
	assert.Equal(t, EventAdded, got[0].Action)
	assert.Equal(t, EventStarted, got[1].Action)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(logger.Logger)

	count := 0
	unsubscribe := bus.Subscribe(func(Event) { count++ })

	bus.Publish(Event{JobID: "j1", Action: EventAdded})
	unsubscribe()
	bus.Publish(Event{JobID: "j1", Action: EventRemoved})

	assert.Equal(t, 1, count)

	// Double unsubscribe is harmless
	unsubscribe()
}

func TestBus_NoReplay(t *testing.T) {
	bus := NewBus(logger.Logger)

	bus.Publish(Event{JobID: "j1", Action: EventAdded})

	// A late subscriber misses earlier events
	count := 0
	defer bus.Subscribe(func(Event) { count++ })()

	bus.Publish(Event{JobID: "j1", Action: EventUpdated})
	assert.Equal(t, 1, count)
}

func TestBus_SubscriberPanicIsolated(t *testing.T) {
	bus := NewBus(logger.Logger)

	defer bus.Subscribe(func(Event) { panic("subscriber bug") })()

	delivered := false
	defer bus.Subscribe(func(Event) { delivered = true })()

	// Publish must not propagate the panic and must still reach the
	// healthy subscriber
	assert.NotPanics(t, func() {
		bus.Publish(Event{JobID: "j1", Action: EventFinished})
	})
	assert.True(t, delivered)
}

func TestBus_SubscriberCount(t *testing.T) {
	bus := NewBus(logger.Logger)
	assert.Equal(t, 0, bus.SubscriberCount())

	u1 := bus.Subscribe(func(Event) {})
	u2 := bus.Subscribe(func(Event) {})
	assert.Equal(t, 2, bus.SubscriberCount())

	u1()
	assert.Equal(t, 1, bus.SubscriberCount())
	u2()
	assert.Equal(t, 0, bus.SubscriberCount())
}
