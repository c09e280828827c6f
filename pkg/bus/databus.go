// Package bus implements the two pub/sub facilities spec.md §4.A
// describes: a topic-based data bus for frames and high-throughput
// streams, and a lower-rate typed event dispatcher (see eventbus.go).
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Payload is one message published on the data bus.
type Payload struct {
	Topic string
	Data  interface{}
}

// Sink receives forwarded payloads, e.g. a WebSocket connection wrapper.
// Implementations should not block indefinitely; DataBus only guarantees
// ordered, isolated delivery, not backpressure beyond the per-subscriber
// queue.
type Sink interface {
	Send(Payload) error
}

type subscriberKind int

const (
	kindFunc subscriberKind = iota
	kindQueue
	kindSink
)

type subscriber struct {
	id      string
	pattern string
	kind    subscriberKind

	queue   *boundedQueue
	handler func(Payload)
	sink    Sink

	stop chan struct{}
}

// DataBus is an in-process, topic-based publish/subscribe bus backed by
// a single bounded ingress queue with overwrite-on-full semantics. A
// single dispatcher goroutine drains the ingress queue in order and fans
// each payload out to every matching subscriber; each subscriber has its
// own bounded delivery queue and dedicated goroutine, so per-subscriber
// delivery order is preserved and one stuck or panicking subscriber
// never blocks or crashes another (spec.md §4.A).
type DataBus struct {
	mu       sync.RWMutex
	exact    map[string][]*subscriber
	wildcard []*subscriber

	ingress *boundedQueue

	subQueueCapacity int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDataBus starts a bus with the given ingress queue capacity (spec.md
// default 1000) and per-subscriber queue capacity.
func NewDataBus(ingressCapacity, subQueueCapacity int) *DataBus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &DataBus{
		exact:            make(map[string][]*subscriber),
		ingress:          newBoundedQueue(ingressCapacity),
		subQueueCapacity: subQueueCapacity,
		ctx:              ctx,
		cancel:           cancel,
	}
	b.wg.Add(1)
	go b.dispatchLoop()
	return b
}

// Publish writes (topic, data) to the bus's bounded ingress queue. If the
// queue is full, the oldest pending item is dropped.
func (b *DataBus) Publish(topic string, data interface{}) {
	if dropped := b.ingress.Push(Payload{Topic: topic, Data: data}); dropped {
		log.Warn().Str("topic", topic).Msg("bus: ingress queue full, dropped oldest pending item")
	}
}

func (b *DataBus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.ingress.notify:
			for {
				p, ok := b.ingress.pop()
				if !ok {
					break
				}
				b.deliver(p)
			}
		}
	}
}

func (b *DataBus) deliver(p Payload) {
	b.mu.RLock()
	subs := append([]*subscriber{}, b.exact[p.Topic]...)
	for _, s := range b.wildcard {
		if matchTopic(s.pattern, p.Topic) {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if dropped := s.queue.Push(p); dropped {
			log.Warn().Str("topic", p.Topic).Str("subscriber", s.id).
				Msg("bus: subscriber queue full, dropped oldest pending item")
		}
	}
}

// SubscribeFunc registers handler to be invoked, on a dedicated
// goroutine owned by this subscription, for every payload whose topic
// matches pattern (exact or `*`-wildcard). It returns an unsubscribe ID.
func (b *DataBus) SubscribeFunc(pattern string, handler func(Payload)) string {
	s := b.addSubscriber(pattern, kindFunc)
	s.handler = handler
	go b.runFunc(s)
	return s.id
}

// SubscribeSink registers a Sink to receive forwarded payloads on a
// dedicated forwarding goroutine that blocks on the subscription's
// channel and writes to the sink — e.g. a WebSocket connection for UI
// frame streaming (spec.md §9 design note).
func (b *DataBus) SubscribeSink(pattern string, sink Sink) string {
	s := b.addSubscriber(pattern, kindSink)
	s.sink = sink
	go b.runSink(s)
	return s.id
}

// SubQueue is the consumer handle returned by SubscribeQueue.
type SubQueue struct {
	id   string
	bus  *DataBus
	q    *boundedQueue
}

// SubscribeQueue registers a bounded delivery queue for pattern and
// returns a handle the caller polls with Receive. This is the mode the
// Scan-Rate Calculator and NVR pipeline use to pull raw frames and scan
// results without a callback indirection.
func (b *DataBus) SubscribeQueue(pattern string) *SubQueue {
	s := b.addSubscriber(pattern, kindQueue)
	return &SubQueue{id: s.id, bus: b, q: s.queue}
}

// Receive blocks until a payload is available or timeout elapses,
// returning ok=false on timeout so callers can re-check a shutdown
// condition (spec.md §5 "Any queue get with timeout").
func (sq *SubQueue) Receive(timeout time.Duration) (Payload, bool) {
	if p, ok := sq.q.pop(); ok {
		return p, true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-sq.q.notify:
		if p, ok := sq.q.pop(); ok {
			return p, true
		}
		return Payload{}, false
	case <-timer.C:
		return Payload{}, false
	}
}

// Unsubscribe stops delivery to the subscription identified by id.
func (b *DataBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.exact {
		for i, s := range subs {
			if s.id == id {
				close(s.stop)
				b.exact[topic] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
	for i, s := range b.wildcard {
		if s.id == id {
			close(s.stop)
			b.wildcard = append(b.wildcard[:i], b.wildcard[i+1:]...)
			return
		}
	}
}

func (b *DataBus) addSubscriber(pattern string, kind subscriberKind) *subscriber {
	s := &subscriber{
		id:      newSubscriptionID(),
		pattern: pattern,
		kind:    kind,
		queue:   newBoundedQueue(b.subQueueCapacity),
		stop:    make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if isWildcard(pattern) {
		b.wildcard = append(b.wildcard, s)
	} else {
		b.exact[pattern] = append(b.exact[pattern], s)
	}
	return s
}

// runFunc is the dedicated per-subscriber goroutine for SubscribeFunc
// registrations. A panic in handler is recovered and logged so it
// cannot take down the dispatcher or any other subscriber (spec.md §4.A
// "one failing subscriber does not affect others").
func (b *DataBus) runFunc(s *subscriber) {
	for {
		select {
		case <-s.stop:
			return
		case <-s.queue.notify:
			for {
				p, ok := s.queue.pop()
				if !ok {
					break
				}
				b.invokeSafely(s.id, p, s.handler)
			}
		}
	}
}

func (b *DataBus) runSink(s *subscriber) {
	for {
		select {
		case <-s.stop:
			return
		case <-s.queue.notify:
			for {
				p, ok := s.queue.pop()
				if !ok {
					break
				}
				if err := s.sink.Send(p); err != nil {
					log.Error().Err(err).Str("subscriber", s.id).Str("topic", p.Topic).
						Msg("bus: sink delivery failed, isolating subscriber")
				}
			}
		}
	}
}

func (b *DataBus) invokeSafely(subID string, p Payload, handler func(Payload)) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("subscriber", subID).Str("topic", p.Topic).
				Msg("bus: subscriber handler panicked, isolating subscriber")
		}
	}()
	handler(p)
}

// Close stops the dispatcher and every subscriber goroutine.
func (b *DataBus) Close() {
	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.exact {
		for _, s := range subs {
			closeOnce(s)
		}
	}
	for _, s := range b.wildcard {
		closeOnce(s)
	}
}

func closeOnce(s *subscriber) {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}
