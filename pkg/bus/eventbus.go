package bus

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// eventRingCapacity bounds the per-topic history ring buffer kept for
// events dispatched with store=true (spec.md §4.A "event bus").
const eventRingCapacity = 50

// EventListener is invoked synchronously, on the calling goroutine of
// DispatchEvent, for every event whose topic matches the listener's
// pattern. Unlike the data bus, delivery here is synchronous: a
// panicking listener is isolated by recover(), never by a queue, and a
// slow listener delays DispatchEvent's caller.
type EventListener func(topic string, data interface{})

type eventListenerEntry struct {
	id      string
	pattern string
	fn      EventListener
}

// EventBus is the synchronous, typed counterpart to DataBus: lower
// throughput, one registered Go type of payload per topic by
// convention, and an optional last-N ring buffer plus last-event cache
// per topic so a late subscriber can catch up (spec.md §4.A).
type EventBus struct {
	mu        sync.RWMutex
	exact     map[string][]*eventListenerEntry
	wildcard  []*eventListenerEntry
	ring      map[string][]eventRecord
	lastEvent map[string]eventRecord
}

type eventRecord struct {
	topic string
	data  interface{}
}

// NewEventBus constructs an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{
		exact:     make(map[string][]*eventListenerEntry),
		ring:      make(map[string][]eventRecord),
		lastEvent: make(map[string]eventRecord),
	}
}

// DispatchEvent synchronously invokes every listener whose pattern
// matches topic, in registration order. If store is true, the event is
// appended to topic's ring buffer (oldest dropped past
// eventRingCapacity) and recorded as topic's last event.
func (e *EventBus) DispatchEvent(topic string, data interface{}, store bool) {
	e.mu.Lock()
	if store {
		rec := eventRecord{topic: topic, data: data}
		e.lastEvent[topic] = rec
		buf := append(e.ring[topic], rec)
		if len(buf) > eventRingCapacity {
			buf = buf[len(buf)-eventRingCapacity:]
		}
		e.ring[topic] = buf
	}

	listeners := append([]*eventListenerEntry{}, e.exact[topic]...)
	for _, l := range e.wildcard {
		if matchTopic(l.pattern, topic) {
			listeners = append(listeners, l)
		}
	}
	e.mu.Unlock()

	for _, l := range listeners {
		e.invokeSafely(l, topic, data)
	}
}

func (e *EventBus) invokeSafely(l *eventListenerEntry, topic string, data interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("listener", l.id).Str("topic", topic).
				Msg("eventbus: listener panicked, isolating listener")
		}
	}()
	l.fn(topic, data)
}

// Listen registers fn for every future event on topics matching pattern
// (exact or `*`-wildcard) and returns an Unsubscribe ID.
func (e *EventBus) Listen(pattern string, fn EventListener) string {
	entry := &eventListenerEntry{id: newSubscriptionID(), pattern: pattern, fn: fn}

	e.mu.Lock()
	defer e.mu.Unlock()
	if isWildcard(pattern) {
		e.wildcard = append(e.wildcard, entry)
	} else {
		e.exact[pattern] = append(e.exact[pattern], entry)
	}
	return entry.id
}

// ListenWithHistory is like Listen but first synchronously replays the
// stored ring buffer (or just the last event, if full is false) for
// every stored topic matching pattern, so a listener that
// subscribes late still observes state it missed.
func (e *EventBus) ListenWithHistory(pattern string, full bool, fn EventListener) string {
	e.mu.RLock()
	var replay []eventRecord
	if isWildcard(pattern) {
		for topic, recs := range e.ring {
			if !matchTopic(pattern, topic) {
				continue
			}
			if full {
				replay = append(replay, recs...)
			} else if rec, ok := e.lastEvent[topic]; ok {
				replay = append(replay, rec)
			}
		}
	} else {
		if full {
			replay = append(replay, e.ring[pattern]...)
		} else if rec, ok := e.lastEvent[pattern]; ok {
			replay = append(replay, rec)
		}
	}
	e.mu.RUnlock()

	for _, rec := range replay {
		fn(rec.topic, rec.data)
	}

	return e.Listen(pattern, fn)
}

// Unsubscribe removes the listener identified by id.
func (e *EventBus) Unsubscribe(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for topic, entries := range e.exact {
		for i, l := range entries {
			if l.id == id {
				e.exact[topic] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
	for i, l := range e.wildcard {
		if l.id == id {
			e.wildcard = append(e.wildcard[:i], e.wildcard[i+1:]...)
			return
		}
	}
}

// LastEvent returns the most recently dispatched (topic, data) stored
// for topic, if any was dispatched with store=true.
func (e *EventBus) LastEvent(topic string) (interface{}, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.lastEvent[topic]
	if !ok {
		return nil, false
	}
	return rec.data, true
}
