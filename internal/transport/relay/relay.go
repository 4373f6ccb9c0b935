// Package relay is the fallback transport: the media server terminates
// WebRTC and forwards RTP over the signal websocket. It needs nothing but a
// websocket from the host, so it works where PeerConnections cannot be
// built.
//
// Media frame layout (binary websocket message):
//
//	[0:4] publisher uid, big endian
//	[4]   media kind: 0 audio, 1 video
//	[5:]  one RTP packet
package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/petervdpas/babelrtc/internal/signal"
	"github.com/petervdpas/babelrtc/internal/transport"
	"github.com/petervdpas/babelrtc/internal/transport/remote"
	"github.com/petervdpas/babelrtc/internal/util"
)

var logger = logrus.WithField("component", "relay")

const headerLen = 5

// EncodeFrame builds a media frame for uid. Servers and tests use it.
func EncodeFrame(uid uint32, kind transport.MediaKind, pkt *rtp.Packet) ([]byte, error) {
	raw, err := pkt.Marshal()
	if err != nil {
		return nil, err
	}
	b := make([]byte, headerLen+len(raw))
	binary.BigEndian.PutUint32(b[0:4], uid)
	b[4] = byte(kind)
	copy(b[headerLen:], raw)
	return b, nil
}

// DecodeFrame splits a media frame.
func DecodeFrame(b []byte) (uint32, transport.MediaKind, *rtp.Packet, error) {
	if len(b) < headerLen {
		return 0, 0, nil, errors.New("relay: short frame")
	}
	kind := transport.MediaKind(b[4])
	if kind != transport.MediaAudio && kind != transport.MediaVideo {
		return 0, 0, nil, errors.New("relay: unknown media kind")
	}
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(b[headerLen:]); err != nil {
		return 0, 0, nil, err
	}
	return binary.BigEndian.Uint32(b[0:4]), kind, pkt, nil
}

// Factory creates relay clients.
type Factory struct{}

// NewFactory returns the relay factory.
func NewFactory() *Factory { return &Factory{} }

func (f *Factory) Kind() transport.Kind { return transport.KindRelay }

func (f *Factory) CreateClient(cfg transport.ClientConfig) (transport.Client, error) {
	if cfg.SignalURL == "" {
		return nil, errors.New("relay: signal url is required")
	}
	if cfg.Sinks == nil {
		return nil, errors.New("relay: sink resolver is required")
	}
	c := &Client{cfg: cfg}
	c.hub = remote.NewHub(cfg.Sinks, nil)
	return c, nil
}

// Client implements transport.Client over the relay.
type Client struct {
	cfg transport.ClientConfig
	hub *remote.Hub

	mu      sync.Mutex
	conn    *signal.Conn
	joined  bool
	closing bool
}

func (c *Client) Kind() transport.Kind { return transport.KindRelay }

// Features: the relay re-sends keyframes itself, so there is no resume.
func (c *Client) Features() transport.Features {
	return transport.Features{SupportsMediaFilter: true}
}

func (c *Client) Init(ctx context.Context, appID string) error {
	conn, err := signal.Dial(ctx, c.cfg.SignalURL, signal.Handlers{
		OnEvent:  c.hub.HandleEvent,
		OnBinary: c.handleMedia,
		OnClose:  c.handleClose,
	})
	if err != nil {
		return err
	}
	if err := conn.Call(ctx, signal.MethodConnect, signal.ConnectParams{AppID: appID, Mode: string(transport.KindRelay)}, nil); err != nil {
		conn.Close()
		return transport.Wrap("init", transport.CodeUnknown, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	logger.WithField("app_id", appID).Info("relay client initialized")
	return nil
}

func (c *Client) Join(ctx context.Context, token, channel string, uid uint32) error {
	c.mu.Lock()
	conn, role := c.conn, c.cfg.Role
	c.mu.Unlock()
	if conn == nil {
		return transport.NewError("join", transport.CodeNotJoined, "client not initialized")
	}
	var res signal.JoinResult
	if err := conn.Call(ctx, signal.MethodJoin, signal.JoinParams{
		Token:   token,
		Channel: channel,
		UID:     uid,
		Role:    string(role),
	}, &res); err != nil {
		return err
	}
	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()
	logger.WithFields(logrus.Fields{
		"channel": channel,
		"uid":     uid,
		"streams": len(res.Streams),
	}).Info("joined channel")
	c.hub.Announce(res.Streams)
	return nil
}

func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	conn, joined := c.conn, c.joined
	c.joined = false
	c.mu.Unlock()
	for _, s := range c.hub.Streams() {
		s.Detach()
	}
	if conn == nil || !joined {
		return nil
	}
	return conn.Call(ctx, signal.MethodLeave, struct{}{}, nil)
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.joined = false
	c.mu.Unlock()
	for _, s := range c.hub.Streams() {
		s.Detach()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) On(event string, h transport.Handler) { c.hub.On(event, h) }

func (c *Client) Subscribe(s transport.Stream, filter *transport.MediaFilter, done func(error)) {
	rs, err := c.hub.Resolve("subscribe", s)
	if err != nil {
		go done(err)
		return
	}
	c.mu.Lock()
	conn, joined := c.conn, c.joined
	c.mu.Unlock()
	if conn == nil || !joined {
		go done(transport.NewError("subscribe", transport.CodeNotJoined, "not joined"))
		return
	}

	audio, video := rs.HasAudio(), rs.HasVideo()
	if filter != nil {
		audio = audio && filter.Audio
		video = video && filter.Video
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultRequestTimeout)
		defer cancel()
		err := conn.Call(ctx, signal.MethodSubscribe, signal.SubscribeParams{UID: rs.ID(), Audio: audio, Video: video}, nil)
		if err != nil {
			done(err)
			return
		}
		rs.Attach(func(ctx context.Context) error {
			return conn.Call(ctx, signal.MethodKeyframe, signal.UIDParams{UID: rs.ID()}, nil)
		})
		done(nil)
		c.hub.Emit(transport.Event{Name: transport.EventStreamSubscribed, Stream: rs})
	}()
}

func (c *Client) Unsubscribe(s transport.Stream, done func(error)) {
	if rs, ok := s.(*remote.Stream); ok {
		rs.Detach()
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	go func() {
		if conn == nil {
			done(transport.NewError("unsubscribe", transport.CodeNotJoined, "not joined"))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultRequestTimeout)
		defer cancel()
		done(conn.Call(ctx, signal.MethodUnsubscribe, signal.UIDParams{UID: s.ID()}, nil))
	}()
}

func (c *Client) SetClientRole(role transport.Role) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return transport.NewError("set-role", transport.CodeNotJoined, "client not initialized")
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultRequestTimeout)
	defer cancel()
	if err := conn.Call(ctx, signal.MethodSetRole, signal.RoleParams{Role: string(role)}, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.cfg.Role = role
	c.mu.Unlock()
	return nil
}

// handleMedia routes one relayed packet. Frames for streams that are not
// subscribed are dropped.
func (c *Client) handleMedia(b []byte) {
	uid, kind, pkt, err := DecodeFrame(b)
	if err != nil {
		logger.WithError(err).Debug("bad media frame")
		return
	}
	s := c.hub.Get(uid)
	if s == nil || !s.Attached() {
		return
	}
	s.Deliver(kind, pkt)
}

func (c *Client) handleClose(err error) {
	c.mu.Lock()
	closing := c.closing
	c.joined = false
	c.mu.Unlock()
	if closing || err == nil {
		return
	}
	c.hub.ConnectionLost(err)
}
