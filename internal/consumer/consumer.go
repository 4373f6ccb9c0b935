// Package consumer is the subscription and playback state machine of a
// receiving session. It tracks every remote publisher and every language
// channel, reconciles transport events with application intents, and
// reports everything it does on the session bus.
//
// All state lives on a single Loop goroutine. Public methods enqueue work
// and return immediately; failures are published as bus events, never
// returned.
package consumer

import (
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/petervdpas/babelrtc/internal/bus"
	"github.com/petervdpas/babelrtc/internal/surface"
	"github.com/petervdpas/babelrtc/internal/transport"
)

var logger = logrus.WithField("component", "consumer")

// resumeTimeout bounds Stream.Resume.
const resumeTimeout = 5 * time.Second

// maxPublishDepth bounds events published from bus handlers that run
// inside another consumer event.
const maxPublishDepth = 32

var (
	// ErrNilBus indicates Options.Bus was not set.
	ErrNilBus = errors.New("consumer: bus is required")
	// ErrNilRoster indicates Options.Roster was not set.
	ErrNilRoster = errors.New("consumer: roster is required")
	// ErrAlreadyAttached indicates Attach was called twice.
	ErrAlreadyAttached = errors.New("consumer: client already attached")
)

// Options configures a Consumer.
type Options struct {
	Bus      *bus.Bus
	Roster   *Roster
	Surfaces *surface.Registry
	LocalUID uint32

	// IsIOS disables media filters and, on the native transport, turns on
	// batched autoplay.
	IsIOS bool

	// ForceFallbackOnAutoPlayError calls OnForceFallback the first time a
	// play request is refused by the autoplay policy.
	ForceFallbackOnAutoPlayError bool
	OnForceFallback              func(reason string)
}

// Consumer implements the publisher registry, the language channel manager
// and the playback controller on top of one transport client.
type Consumer struct {
	bus      *bus.Bus
	roster   *Roster
	surfaces *surface.Registry
	localUID uint32
	isIOS    bool

	forceFallback   bool
	onForceFallback func(string)

	loop *Loop

	// Loop-owned state.
	client         transport.Client
	ready          bool
	waiting        []func()
	publishers     map[uint32]*Publisher
	languages      map[string]*LanguageState
	autoPlayError  bool
	fallbackForced bool
	publishDepth   int
}

// New creates a consumer with one LanguageState per roster language.
func New(o Options) (*Consumer, error) {
	if o.Bus == nil {
		return nil, ErrNilBus
	}
	if o.Roster == nil {
		return nil, ErrNilRoster
	}
	if o.Surfaces == nil {
		o.Surfaces = surface.NewRegistry("")
	}

	c := &Consumer{
		bus:             o.Bus,
		roster:          o.Roster,
		surfaces:        o.Surfaces,
		localUID:        o.LocalUID,
		isIOS:           o.IsIOS,
		forceFallback:   o.ForceFallbackOnAutoPlayError,
		onForceFallback: o.OnForceFallback,
		loop:            NewLoop(),
		publishers:      make(map[uint32]*Publisher),
		languages:       make(map[string]*LanguageState),
	}
	for _, lang := range o.Roster.Languages() {
		c.languages[lang] = &LanguageState{}
	}

	logger.WithFields(logrus.Fields{
		"function":  "New",
		"languages": o.Roster.Languages(),
		"local_uid": o.LocalUID,
	}).Debug("consumer created")
	return c, nil
}

// Attach binds the transport client and registers the stream handlers.
// Transport calls stay queued until MarkInitialized.
func (c *Consumer) Attach(client transport.Client) error {
	var err error
	c.loop.Do(func() {
		if c.client != nil {
			err = ErrAlreadyAttached
			return
		}
		c.client = client
	})
	if err != nil {
		return err
	}

	client.On(transport.EventStreamAdded, func(e transport.Event) {
		if e.Stream != nil {
			c.OnStreamAdded(e.Stream)
		}
	})
	client.On(transport.EventStreamRemoved, func(e transport.Event) {
		if e.Stream != nil {
			c.OnStreamRemoved(e.Stream.ID())
		}
	})
	client.On(transport.EventPeerLeave, func(e transport.Event) {
		uid := e.UID
		if e.Stream != nil {
			uid = e.Stream.ID()
		}
		c.OnPeerLeave(uid)
	})
	client.On(transport.EventStreamUpdated, func(e transport.Event) {
		if e.Stream != nil {
			c.OnStreamUpdated(e.Stream)
		}
	})
	client.On(transport.EventStreamSubscribed, func(e transport.Event) {
		if e.Stream != nil {
			c.OnSubscribed(e.Stream.ID())
		}
	})
	return nil
}

// MarkInitialized opens the client-initialized gate and flushes the
// subscribe/unsubscribe calls that were waiting for it.
func (c *Consumer) MarkInitialized() {
	c.loop.Post(func() {
		if c.ready {
			return
		}
		c.ready = true
		waiting := c.waiting
		c.waiting = nil
		logger.WithFields(logrus.Fields{
			"function": "MarkInitialized",
			"queued":   len(waiting),
		}).Debug("client initialized, flushing queued calls")
		for _, fn := range waiting {
			fn()
		}
	})
}

// SetIOS records the platform once the capability report is known. It must
// be called before Attach to affect filters and batching of the first
// subscriptions.
func (c *Consumer) SetIOS(v bool) {
	c.loop.Post(func() { c.isIOS = v })
}

// Sync waits until every queued operation and callback has been handled.
func (c *Consumer) Sync() { c.loop.Sync() }

// Close stops the loop. Queued work still runs.
func (c *Consumer) Close() { c.loop.Close() }

// Snapshot returns a copy of the current state.
func (c *Consumer) Snapshot() Snapshot {
	var s Snapshot
	c.loop.Do(func() {
		s.Languages = make(map[string]LanguageState, len(c.languages))
		for lang, st := range c.languages {
			s.Languages[lang] = *st
		}
		for _, pub := range c.sortedPublishers() {
			ps := PublisherStatus{
				UID:            pub.UID,
				DomID:          pub.DomID,
				Language:       pub.Language,
				HasAudio:       pub.HasAudio,
				HasVideo:       pub.HasVideo,
				Subscribed:     pub.Subscribed,
				Confirmed:      pub.Confirmed,
				SubscribeError: pub.SubscribeError,
			}
			if pub.Stream != nil {
				ps.Playing = pub.Stream.IsPlaying()
			}
			s.Publishers = append(s.Publishers, ps)
		}
		s.AutoPlayError = c.autoPlayError
		s.Ready = c.ready
	})
	return s
}

// whenReady runs fn now if the client is initialized, else after
// MarkInitialized. Must be called on the loop.
func (c *Consumer) whenReady(fn func()) {
	if c.ready && c.client != nil {
		fn()
		return
	}
	c.waiting = append(c.waiting, fn)
}

// callback adapts a transport completion to run on the loop.
func (c *Consumer) callback(fn func(error)) func(error) {
	return func(err error) {
		c.loop.Post(func() { fn(err) })
	}
}

func (c *Consumer) sortedPublishers() []*Publisher {
	out := make([]*Publisher, 0, len(c.publishers))
	for _, p := range c.publishers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// publishersOf returns the registry entries of lang, ordered by uid.
func (c *Consumer) publishersOf(lang string) []*Publisher {
	var out []*Publisher
	for _, p := range c.sortedPublishers() {
		if p.Language == lang {
			out = append(out, p)
		}
	}
	return out
}

// connected filters out publishers without a stream handle.
func connected(pubs []*Publisher) []*Publisher {
	out := pubs[:0:0]
	for _, p := range pubs {
		if p.Stream != nil {
			out = append(out, p)
		}
	}
	return out
}

func domIDs(pubs []*Publisher) []string {
	ids := make([]string, 0, len(pubs))
	for _, p := range pubs {
		ids = append(ids, p.DomID)
	}
	return ids
}

func (c *Consumer) lookup(domID string) *Publisher {
	for _, p := range c.publishers {
		if p.DomID == domID {
			return p
		}
	}
	return nil
}

// emitError normalizes err and publishes it on the error topic.
func (c *Consumer) emitError(context string, err error, pub *Publisher) {
	p := bus.ErrorPayload{
		Context: context,
		Message: err.Error(),
		Code:    string(transport.CodeOf(err)),
		Cause:   err,
	}
	if pub != nil {
		p.DomID = pub.DomID
		p.Language = pub.Language
	}
	logger.WithFields(logrus.Fields{
		"context":  context,
		"code":     p.Code,
		"dom_id":   p.DomID,
		"language": p.Language,
		"error":    err,
	}).Error("transport call failed")
	c.publish(bus.TopicError, p)
}

// publish hands an event to the bus from the loop. Handlers run on the loop
// goroutine, so the depth counts one chain of nested events only.
func (c *Consumer) publish(topic string, payload any) {
	if c.publishDepth >= maxPublishDepth {
		logger.WithFields(logrus.Fields{
			"topic": topic,
			"depth": c.publishDepth,
		}).Error("publish reentry too deep, dropping event")
		return
	}
	c.publishDepth++
	defer func() { c.publishDepth-- }()
	c.bus.Publish(topic, payload)
}
