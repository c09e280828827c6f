package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusSynchronousDelivery(t *testing.T) {
	e := NewEventBus()

	var got interface{}
	e.Listen("domain/loaded/camera/cam1", func(topic string, data interface{}) {
		got = data
	})

	e.DispatchEvent("domain/loaded/camera/cam1", "payload", false)
	assert.Equal(t, "payload", got)
}

func TestEventBusWildcardDelivery(t *testing.T) {
	e := NewEventBus()

	var topics []string
	e.Listen("domain/*/*/*", func(topic string, data interface{}) {
		topics = append(topics, topic)
	})

	e.DispatchEvent("domain/loaded/camera/cam1", 1, false)
	e.DispatchEvent("domain/failed/camera/cam2", 2, false)

	assert.Equal(t, []string{"domain/loaded/camera/cam1", "domain/failed/camera/cam2"}, topics)
}

func TestEventBusLastEventAndHistory(t *testing.T) {
	e := NewEventBus()

	_, ok := e.LastEvent("scan_interval/cam1")
	assert.False(t, ok)

	e.DispatchEvent("scan_interval/cam1", 1, true)
	e.DispatchEvent("scan_interval/cam1", 2, true)
	e.DispatchEvent("scan_interval/cam1", 3, true)

	last, ok := e.LastEvent("scan_interval/cam1")
	require.True(t, ok)
	assert.Equal(t, 3, last)

	var replayed []interface{}
	e.ListenWithHistory("scan_interval/cam1", true, func(topic string, data interface{}) {
		replayed = append(replayed, data)
	})
	assert.Equal(t, []interface{}{1, 2, 3}, replayed)
}

func TestEventBusListenerPanicIsolated(t *testing.T) {
	e := NewEventBus()

	var secondCalled bool
	e.Listen("topic", func(topic string, data interface{}) {
		panic("boom")
	})
	e.Listen("topic", func(topic string, data interface{}) {
		secondCalled = true
	})

	require.NotPanics(t, func() {
		e.DispatchEvent("topic", nil, false)
	})
	assert.True(t, secondCalled)
}

func TestEventBusUnsubscribe(t *testing.T) {
	e := NewEventBus()

	var calls int
	id := e.Listen("topic", func(topic string, data interface{}) {
		calls++
	})
	e.DispatchEvent("topic", nil, false)
	e.Unsubscribe(id)
	e.DispatchEvent("topic", nil, false)

	assert.Equal(t, 1, calls)
}
