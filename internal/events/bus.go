// Package events implements the in-process publish/subscribe bus.
package events

import (
	"sync"
	"time"

	"github.com/cratery/cratery/internal/logger"
	"github.com/cratery/cratery/internal/model"
)

// DefaultBufferSize is the per-subscriber buffer used when none is given.
const DefaultBufferSize = 64

// Bus fans events out to subscribers per topic. Delivery is best-effort and
// ordered per topic; a subscriber whose buffer overflows is dropped so
// producers never block.
type Bus struct {
	logger *logger.Logger

	mu     sync.Mutex
	nextID int
	subs   map[model.Topic]map[int]*subscription
	closed bool
}

type subscription struct {
	id    int
	topic model.Topic
	ch    chan model.Event
}

// Subscription is a handle to a bus subscription.
type Subscription struct {
	bus *Bus
	sub *subscription
}

// Events returns the subscriber's channel. It is closed when the subscriber
// is dropped or unsubscribes.
func (s *Subscription) Events() <-chan model.Event {
	return s.sub.ch
}

// Unsubscribe detaches the subscriber and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.drop(s.sub)
}

// NewBus creates an empty bus.
func NewBus(logger *logger.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[model.Topic]map[int]*subscription),
	}
}

// Subscribe registers a subscriber on a topic with the given buffer size.
func (b *Bus) Subscribe(topic model.Topic, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	sub := &subscription{topic: topic, ch: make(chan model.Event, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub.id = b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]*subscription)
	}
	b.subs[topic][sub.id] = sub
	return &Subscription{bus: b, sub: sub}
}

// Publish delivers the event to every subscriber of the topic. Slow
// subscribers are dropped with a warning.
func (b *Bus) Publish(topic model.Topic, event model.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("dropping slow event subscriber", "topic", string(topic))
			delete(b.subs[topic], sub.id)
			close(sub.ch)
		}
	}
}

// Close drops all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for id, sub := range subs {
			delete(subs, id)
			close(sub.ch)
		}
	}
}

func (b *Bus) drop(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sub.topic]
	if _, ok := subs[sub.id]; !ok {
		return
	}
	delete(subs, sub.id)
	close(sub.ch)
}
