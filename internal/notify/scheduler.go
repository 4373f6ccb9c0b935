// Package notify debounces the user-facing notices of a session (support
// and connection-status) so that a flapping link produces one notice per
// settle period instead of a burst.
package notify

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/petervdpas/babelrtc/internal/bus"
	"github.com/petervdpas/babelrtc/internal/util"
)

var logger = logrus.WithField("component", "notify")

const historySize = 64

// Notice is one published notification.
type Notice struct {
	Topic   string    `json:"topic"`
	ID      string    `json:"id"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type pending struct {
	notice Notice
	timer  *time.Timer
}

// Scheduler coalesces notices per topic. Within one debounce window only the
// latest notice of a topic survives; a notice equal to the last one published
// on its topic is dropped.
type Scheduler struct {
	bus      *bus.Bus
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*pending
	last    map[string]string
	closed  bool

	history *util.RingBuffer[Notice]
}

// NewScheduler creates a scheduler publishing on b. A zero debounce
// publishes synchronously.
func NewScheduler(b *bus.Bus, debounce time.Duration) *Scheduler {
	return &Scheduler{
		bus:      b,
		debounce: debounce,
		pending:  make(map[string]*pending),
		last:     make(map[string]string),
		history:  util.NewRingBuffer[Notice](historySize),
	}
}

// Notify schedules id/message on topic.
func (s *Scheduler) Notify(topic, id, message string) {
	n := Notice{Topic: topic, ID: id, Message: message}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.debounce <= 0 {
		s.mu.Unlock()
		s.publish(n)
		return
	}
	if p, ok := s.pending[topic]; ok {
		p.notice = n
		p.timer.Reset(s.debounce)
		s.mu.Unlock()
		return
	}
	p := &pending{notice: n}
	p.timer = time.AfterFunc(s.debounce, func() { s.fire(topic) })
	s.pending[topic] = p
	s.mu.Unlock()
}

func (s *Scheduler) fire(topic string) {
	s.mu.Lock()
	p, ok := s.pending[topic]
	if ok {
		delete(s.pending, topic)
	}
	closed := s.closed
	s.mu.Unlock()
	if ok && !closed {
		s.publish(p.notice)
	}
}

// Flush publishes every pending notice now.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	var out []Notice
	for topic, p := range s.pending {
		p.timer.Stop()
		out = append(out, p.notice)
		delete(s.pending, topic)
	}
	s.mu.Unlock()
	for _, n := range out {
		s.publish(n)
	}
}

func (s *Scheduler) publish(n Notice) {
	s.mu.Lock()
	if s.last[n.Topic] == n.ID {
		s.mu.Unlock()
		logger.WithFields(logrus.Fields{
			"topic": n.Topic,
			"id":    n.ID,
		}).Debug("duplicate notice dropped")
		return
	}
	s.last[n.Topic] = n.ID
	s.mu.Unlock()

	n.At = time.Now()
	s.history.Push(n)
	logger.WithFields(logrus.Fields{
		"topic": n.Topic,
		"id":    n.ID,
	}).Info(n.Message)
	s.bus.Publish(n.Topic, bus.StatusPayload{ID: n.ID, Message: n.Message})
}

// Announce publishes immediately, bypassing the debounce window. Use it for
// one-shot notices that must not replace each other.
func (s *Scheduler) Announce(topic, id, message string) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.publish(Notice{Topic: topic, ID: id, Message: message})
}

// Last returns the newest published notice of topic.
func (s *Scheduler) Last(topic string) (Notice, bool) {
	return s.history.LastMatch(func(n Notice) bool { return n.Topic == topic })
}

// History returns the published notices, oldest first.
func (s *Scheduler) History() []Notice {
	return s.history.Snapshot()
}

// Close drops pending notices and stops further publishing.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for topic, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, topic)
	}
}
