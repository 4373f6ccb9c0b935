// Package transporttest provides a scriptable in-memory transport for tests
// of the consumer and session packages.
package transporttest

import (
	"context"
	"sync"

	"github.com/petervdpas/babelrtc/internal/transport"
)

// Call records one control operation issued against the client.
type Call struct {
	Op       string // "subscribe", "unsubscribe", "set-role"
	StreamID uint32
	Filter   *transport.MediaFilter
}

// Client is a fake transport.Client. By default subscribe and unsubscribe
// stay pending until the test completes them.
type Client struct {
	kind     transport.Kind
	features transport.Features

	mu       sync.Mutex
	handlers map[string][]transport.Handler
	calls    []Call
	pendSub  map[uint32]func(error)
	pendUnsb map[uint32]func(error)
	role     transport.Role
	joined   bool

	// Configured before use.
	InitErr  error
	JoinErr  error
	LeaveErr error
	// UnsubscribeErr, when set, completes every unsubscribe immediately
	// with this error.
	UnsubscribeErr error
	// AutoUnsubscribe completes unsubscribe calls immediately with nil.
	AutoUnsubscribe bool
}

// NewClient creates a fake client of the given kind.
func NewClient(kind transport.Kind, features transport.Features) *Client {
	return &Client{
		kind:     kind,
		features: features,
		handlers: make(map[string][]transport.Handler),
		pendSub:  make(map[uint32]func(error)),
		pendUnsb: make(map[uint32]func(error)),
	}
}

func (c *Client) Kind() transport.Kind         { return c.kind }
func (c *Client) Features() transport.Features { return c.features }

func (c *Client) Init(ctx context.Context, appID string) error { return c.InitErr }

func (c *Client) Join(ctx context.Context, token, channel string, uid uint32) error {
	if c.JoinErr != nil {
		return c.JoinErr
	}
	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()
	return nil
}

func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	c.joined = false
	c.mu.Unlock()
	return c.LeaveErr
}

func (c *Client) Close() error { return nil }

// Joined reports whether Join succeeded and Leave was not called since.
func (c *Client) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

func (c *Client) On(event string, h transport.Handler) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.mu.Unlock()
}

func (c *Client) Subscribe(s transport.Stream, filter *transport.MediaFilter, done func(error)) {
	c.mu.Lock()
	c.calls = append(c.calls, Call{Op: "subscribe", StreamID: s.ID(), Filter: filter})
	c.pendSub[s.ID()] = done
	c.mu.Unlock()
}

func (c *Client) Unsubscribe(s transport.Stream, done func(error)) {
	c.mu.Lock()
	c.calls = append(c.calls, Call{Op: "unsubscribe", StreamID: s.ID()})
	immediate := c.AutoUnsubscribe || c.UnsubscribeErr != nil
	err := c.UnsubscribeErr
	if !immediate {
		c.pendUnsb[s.ID()] = done
	}
	c.mu.Unlock()
	if immediate {
		done(err)
	}
}

func (c *Client) SetClientRole(role transport.Role) error {
	c.mu.Lock()
	c.calls = append(c.calls, Call{Op: "set-role"})
	c.role = role
	c.mu.Unlock()
	return nil
}

// Role returns the last role set.
func (c *Client) Role() transport.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Emit delivers evt to the registered handlers synchronously.
func (c *Client) Emit(evt transport.Event) {
	c.mu.Lock()
	hs := append([]transport.Handler(nil), c.handlers[evt.Name]...)
	c.mu.Unlock()
	for _, h := range hs {
		h(evt)
	}
}

// CompleteSubscribe resolves the pending subscribe of id. On success the
// client also emits stream-subscribed, as real SDKs do.
func (c *Client) CompleteSubscribe(s transport.Stream, err error) bool {
	c.mu.Lock()
	done, ok := c.pendSub[s.ID()]
	delete(c.pendSub, s.ID())
	c.mu.Unlock()
	if !ok {
		return false
	}
	done(err)
	if err == nil {
		c.Emit(transport.Event{Name: transport.EventStreamSubscribed, Stream: s})
	}
	return true
}

// CompleteUnsubscribe resolves the pending unsubscribe of id.
func (c *Client) CompleteUnsubscribe(id uint32, err error) bool {
	c.mu.Lock()
	done, ok := c.pendUnsb[id]
	delete(c.pendUnsb, id)
	c.mu.Unlock()
	if ok {
		done(err)
	}
	return ok
}

// Calls returns a copy of every recorded call.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Count returns how many times op was issued for stream id.
func (c *Client) Count(op string, id uint32) int {
	n := 0
	for _, call := range c.Calls() {
		if call.Op == op && call.StreamID == id {
			n++
		}
	}
	return n
}

// LastFilter returns the filter of the last subscribe for id.
func (c *Client) LastFilter(id uint32) *transport.MediaFilter {
	calls := c.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Op == "subscribe" && calls[i].StreamID == id {
			return calls[i].Filter
		}
	}
	return nil
}

// Stream is a fake transport.Stream. Play completes synchronously with
// PlayErr.
type Stream struct {
	id uint32

	mu         sync.Mutex
	audio      bool
	video      bool
	playing    bool
	audioMuted bool
	videoMuted bool
	volume     int
	playCalls  int
	stopCalls  int
	resumes    int
	lastDomID  string
	playErr    error
}

// NewStream creates a fake stream.
func NewStream(id uint32, audio, video bool) *Stream {
	return &Stream{id: id, audio: audio, video: video, volume: 100}
}

// FailPlay makes later Play calls fail with err (nil restores success).
func (s *Stream) FailPlay(err error) {
	s.mu.Lock()
	s.playErr = err
	s.mu.Unlock()
}

// SetTracks changes the tracks the stream carries, as a stream-updated
// event would.
func (s *Stream) SetTracks(audio, video bool) {
	s.mu.Lock()
	s.audio, s.video = audio, video
	s.mu.Unlock()
}

func (s *Stream) ID() uint32 { return s.id }

func (s *Stream) HasAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

func (s *Stream) HasVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video
}

func (s *Stream) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *Stream) Play(domID string, opts transport.PlayOptions, done func(error)) {
	s.mu.Lock()
	s.playCalls++
	s.lastDomID = domID
	err := s.playErr
	if err == nil {
		s.playing = true
		if opts.Muted {
			s.audioMuted, s.videoMuted = true, true
		}
	}
	s.mu.Unlock()
	done(err)
}

func (s *Stream) Stop() {
	s.mu.Lock()
	s.stopCalls++
	s.playing = false
	s.mu.Unlock()
}

func (s *Stream) setMute(audio bool, muted bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if audio {
		s.audioMuted = muted
	} else {
		s.videoMuted = muted
	}
	return true
}

func (s *Stream) MuteAudio() bool   { return s.setMute(true, true) }
func (s *Stream) UnmuteAudio() bool { return s.setMute(true, false) }
func (s *Stream) MuteVideo() bool   { return s.setMute(false, true) }
func (s *Stream) UnmuteVideo() bool { return s.setMute(false, false) }

func (s *Stream) SetAudioVolume(v int) {
	s.mu.Lock()
	s.volume = v
	s.mu.Unlock()
}

func (s *Stream) Resume(ctx context.Context) error {
	s.mu.Lock()
	s.resumes++
	s.mu.Unlock()
	return nil
}

func (s *Stream) GetStats(fn func(transport.Stats)) { fn(transport.Stats{}) }

// PlayCalls returns how many times Play was issued.
func (s *Stream) PlayCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playCalls
}

// StopCalls returns how many times Stop was issued.
func (s *Stream) StopCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCalls
}

// Resumes returns how many times Resume was issued.
func (s *Stream) Resumes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumes
}

// Muted returns the audio and video mute flags.
func (s *Stream) Muted() (audio, video bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioMuted, s.videoMuted
}

// Volume returns the last volume set.
func (s *Stream) Volume() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// LastDomID returns the placeholder of the last Play call.
func (s *Stream) LastDomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDomID
}

// Factory hands out a prepared client.
type Factory struct {
	K      transport.Kind
	Client *Client
	Err    error

	mu      sync.Mutex
	configs []transport.ClientConfig
}

func (f *Factory) Kind() transport.Kind { return f.K }

func (f *Factory) CreateClient(cfg transport.ClientConfig) (transport.Client, error) {
	f.mu.Lock()
	f.configs = append(f.configs, cfg)
	f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Client, nil
}

// Configs returns every config CreateClient was called with.
func (f *Factory) Configs() []transport.ClientConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.ClientConfig(nil), f.configs...)
}
