package consumer

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Loop runs closures one at a time on a single goroutine. It is the only
// place registry, language and playback state is touched, so none of that
// state needs a lock. The queue is unbounded: Post never blocks, which
// lets a bus handler running on the loop call back into the consumer.
type Loop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	pending int // queued + running + tracked goroutines
	closed  bool
}

// NewLoop creates a loop and starts its goroutine.
func NewLoop() *Loop {
	l := &Loop{}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Post enqueues fn. Returns false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.queue = append(l.queue, fn)
	l.pending++
	l.cond.Broadcast()
	return true
}

// Go runs fn on its own goroutine but counts it as pending work, so Sync
// also waits for it. fn must not touch loop state; it should Post results.
func (l *Loop) Go(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.pending++
	l.mu.Unlock()

	go func() {
		defer l.finish()
		fn()
	}()
}

// Do runs fn on the loop and waits for it. It must not be called from the
// loop goroutine.
func (l *Loop) Do(fn func()) {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return
	}
	<-done
}

// Sync blocks until the queue is empty and no tracked work is running,
// including work enqueued while waiting.
func (l *Loop) Sync() {
	l.mu.Lock()
	for l.pending > 0 && !l.closed {
		l.cond.Wait()
	}
	l.mu.Unlock()
}

// Close stops accepting work. Already queued closures still run.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
}

func (l *Loop) finish() {
	l.mu.Lock()
	l.pending--
	l.cond.Broadcast()
	l.mu.Unlock()
}

func (l *Loop) run() {
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.exec(fn)
		l.finish()
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(logrus.Fields{
				"function": "Loop.exec",
				"panic":    r,
			}).Error("recovered from panic in loop task")
		}
	}()
	fn()
}
