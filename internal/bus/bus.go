// Package bus is the per-session event emitter. It decouples detection from
// reaction inside the client and is the only surface application code uses
// to observe state changes.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "bus")

// Event is one notification delivered to subscribers.
type Event struct {
	ID      string    `json:"id"`  // uuid4
	Seq     int64     `json:"seq"` // monotonic per bus
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Handler receives events synchronously on the publishing goroutine.
type Handler func(Event)

type sub struct {
	id     int64
	prefix string
	fn     Handler
}

// Bus fans events out to every subscriber whose prefix matches the topic.
// Publish is synchronous and reentrant: a handler may publish again.
// Publishers that feed handlers back into themselves bound their own
// nesting; the bus never drops an event.
type Bus struct {
	seq int64

	mu     sync.RWMutex
	subs   []sub
	nextID int64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers fn for topics starting with prefix. An empty prefix
// receives everything. Returns an unsubscribe function.
func (b *Bus) Subscribe(prefix string, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, sub{id: id, prefix: prefix, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeChan delivers matching events on a buffered channel. Events are
// dropped when the channel is full. cancel closes the channel.
func (b *Bus) SubscribeChan(prefix string, size int) (<-chan Event, func()) {
	ch := make(chan Event, size)
	var (
		mu     sync.Mutex
		closed bool
	)
	unsub := b.Subscribe(prefix, func(evt Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- evt:
		default:
			logger.WithField("topic", evt.Topic).Warn("channel subscriber full, dropping event")
		}
	})
	cancel := func() {
		unsub()
		mu.Lock()
		if !closed {
			closed = true
			close(ch)
		}
		mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers payload under topic to every matching subscriber.
func (b *Bus) Publish(topic string, payload any) {
	evt := Event{
		ID:      uuid.NewString(),
		Seq:     atomic.AddInt64(&b.seq, 1),
		Topic:   topic,
		Payload: payload,
		At:      time.Now(),
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if strings.HasPrefix(topic, s.prefix) {
			handlers = append(handlers, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(evt)
	}
}
