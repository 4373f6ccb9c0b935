// Package transport defines the surface the client needs from an RTC SDK.
// The core never talks to pion or to the relay directly; it only sees
// Client and Stream. Adapters live in the native and relay subpackages.
package transport

import (
	"context"

	"github.com/pion/rtp"
)

// Kind names a transport implementation.
type Kind string

const (
	KindNative Kind = "native" // direct WebRTC via pion
	KindRelay  Kind = "relay"  // server-side relay over websocket
)

// Role is the client role in the channel.
type Role string

const (
	RoleHost     Role = "host"
	RoleAudience Role = "audience"
)

// MediaKind distinguishes the tracks of a stream.
type MediaKind uint8

const (
	MediaAudio MediaKind = iota
	MediaVideo
)

func (k MediaKind) String() string {
	if k == MediaVideo {
		return "video"
	}
	return "audio"
}

// Client event names.
const (
	EventError              = "error"
	EventNetworkQuality     = "network-quality"
	EventStreamAdded        = "stream-added"
	EventStreamRemoved      = "stream-removed"
	EventPeerLeave          = "peer-leave"
	EventStreamSubscribed   = "stream-subscribed"
	EventStreamUpdated      = "stream-updated"
	EventStreamFallback     = "stream-fallback"
	EventException          = "exception"
	EventNetworkTypeChanged = "network-type-changed"
)

// Event is delivered to handlers registered with Client.On.
type Event struct {
	Name     string
	Stream   Stream // stream-* events and peer-leave when known
	UID      uint32 // peer-leave
	Downlink int    // network-quality: 0 unknown, 1 excellent .. 6 down
	Uplink   int
	Err      error  // error, exception
	Detail   string // stream-updated, stream-fallback, network-type-changed
}

// Handler receives client events. Adapters may call it from any goroutine.
type Handler func(Event)

// Features advertises optional capabilities of a transport.
type Features struct {
	SupportsResume      bool
	SupportsMediaFilter bool
}

// MediaFilter selects the tracks to receive. A nil filter means "all tracks".
type MediaFilter struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// PlayOptions is passed to Stream.Play.
type PlayOptions struct {
	Muted bool // start with both tracks muted
}

// Stats is a point-in-time snapshot of a stream.
type Stats struct {
	AudioPackets uint64 `json:"audioPackets"`
	VideoPackets uint64 `json:"videoPackets"`
	AudioBytes   uint64 `json:"audioBytes"`
	VideoBytes   uint64 `json:"videoBytes"`
	Dropped      uint64 `json:"dropped"`
}

// Sink receives media for one placeholder.
type Sink interface {
	WriteRTP(kind MediaKind, pkt *rtp.Packet) error
}

// SinkResolver returns the sink bound to a placeholder id. Adapters call it
// from Stream.Play; an autoplay-policy refusal is reported as CodeNotAllowed.
type SinkResolver interface {
	Sink(domID string) (Sink, error)
}

// ClientConfig is consumed by Factory.CreateClient.
type ClientConfig struct {
	SignalURL  string
	ICEServers []string
	Role       Role
	Sinks      SinkResolver
}

// Factory creates clients of one kind.
type Factory interface {
	Kind() Kind
	CreateClient(cfg ClientConfig) (Client, error)
}

// Client is one connection to the media service.
type Client interface {
	Kind() Kind
	Features() Features

	Init(ctx context.Context, appID string) error
	Join(ctx context.Context, token, channel string, uid uint32) error
	Leave(ctx context.Context) error
	Close() error

	On(event string, h Handler)

	// Subscribe and Unsubscribe complete through done, possibly on another
	// goroutine. Errors are *Error values.
	Subscribe(s Stream, filter *MediaFilter, done func(error))
	Unsubscribe(s Stream, done func(error))
	SetClientRole(role Role) error
}

// Stream is a remote publisher's media.
type Stream interface {
	ID() uint32
	HasAudio() bool
	HasVideo() bool
	IsPlaying() bool

	Play(domID string, opts PlayOptions, done func(error))
	Stop()

	MuteAudio() bool
	UnmuteAudio() bool
	MuteVideo() bool
	UnmuteVideo() bool
	SetAudioVolume(v int)

	// Resume is only meaningful when Features.SupportsResume is set.
	Resume(ctx context.Context) error
	GetStats(fn func(Stats))
}
