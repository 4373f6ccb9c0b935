// Package native is the direct WebRTC transport. Control goes over the
// signal connection; each subscribed stream gets its own receive-only
// PeerConnection negotiated through the subscribe request.
package native

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/petervdpas/babelrtc/internal/signal"
	"github.com/petervdpas/babelrtc/internal/transport"
	"github.com/petervdpas/babelrtc/internal/transport/remote"
	"github.com/petervdpas/babelrtc/internal/util"
)

var logger = logrus.WithField("component", "native")

// Factory creates native clients.
type Factory struct{}

// NewFactory returns the native factory.
func NewFactory() *Factory { return &Factory{} }

func (f *Factory) Kind() transport.Kind { return transport.KindNative }

func (f *Factory) CreateClient(cfg transport.ClientConfig) (transport.Client, error) {
	if cfg.SignalURL == "" {
		return nil, errors.New("native: signal url is required")
	}
	if cfg.Sinks == nil {
		return nil, errors.New("native: sink resolver is required")
	}
	api, err := newAPI()
	if err != nil {
		return nil, transport.Wrap("create", transport.CodePeerConnection, err)
	}
	rtc := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		rtc.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	c := &Client{
		cfg:  cfg,
		api:  api,
		rtc:  rtc,
		subs: make(map[uint32]*webrtc.PeerConnection),
	}
	c.hub = remote.NewHub(cfg.Sinks, c.dropSub)
	return c, nil
}

// newAPI builds a pion API with the default codecs and interceptors (NACK,
// RTCP reports, TWCC).
func newAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	), nil
}

// Client implements transport.Client over pion.
type Client struct {
	cfg transport.ClientConfig
	api *webrtc.API
	rtc webrtc.Configuration
	hub *remote.Hub

	mu      sync.Mutex
	conn    *signal.Conn
	subs    map[uint32]*webrtc.PeerConnection
	joined  bool
	closing bool
}

func (c *Client) Kind() transport.Kind { return transport.KindNative }

func (c *Client) Features() transport.Features {
	return transport.Features{SupportsResume: true, SupportsMediaFilter: true}
}

// Init checks that a PeerConnection can be built on this host, then opens
// the signal connection. A PeerConnection failure is CodePeerConnection so
// the session can fall back to the relay.
func (c *Client) Init(ctx context.Context, appID string) error {
	if err := c.probe(); err != nil {
		return transport.Wrap("init", transport.CodePeerConnection, err)
	}

	conn, err := signal.Dial(ctx, c.cfg.SignalURL, signal.Handlers{
		OnEvent: c.hub.HandleEvent,
		OnClose: c.handleClose,
	})
	if err != nil {
		return err
	}
	if err := conn.Call(ctx, signal.MethodConnect, signal.ConnectParams{AppID: appID, Mode: string(transport.KindNative)}, nil); err != nil {
		conn.Close()
		return transport.Wrap("init", transport.CodeUnknown, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	logger.WithField("app_id", appID).Info("native client initialized")
	return nil
}

func (c *Client) probe() error {
	pc, err := c.api.NewPeerConnection(c.rtc)
	if err != nil {
		return err
	}
	defer pc.Close()
	if err := addRecvOnlyTransceivers(pc, true, true); err != nil {
		return err
	}
	_, err = pc.CreateOffer(nil)
	return err
}

func (c *Client) Join(ctx context.Context, token, channel string, uid uint32) error {
	conn := c.signalConn()
	if conn == nil {
		return transport.NewError("join", transport.CodeNotJoined, "client not initialized")
	}
	c.mu.Lock()
	role := c.cfg.Role
	c.mu.Unlock()

	var res signal.JoinResult
	err := conn.Call(ctx, signal.MethodJoin, signal.JoinParams{
		Token:   token,
		Channel: channel,
		UID:     uid,
		Role:    string(role),
	}, &res)
	if err != nil {
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
	c.dropAll()
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
	c.dropAll()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) On(event string, h transport.Handler) { c.hub.On(event, h) }

func (c *Client) signalConn() *signal.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) SetClientRole(role transport.Role) error {
	conn := c.signalConn()
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

// dropSub closes the PeerConnection of a stream that left the channel.
func (c *Client) dropSub(uid uint32) {
	c.mu.Lock()
	pc := c.subs[uid]
	delete(c.subs, uid)
	c.mu.Unlock()
	if pc != nil {
		go pc.Close()
	}
}

func (c *Client) dropAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[uint32]*webrtc.PeerConnection)
	c.mu.Unlock()
	for uid, pc := range subs {
		if s := c.hub.Get(uid); s != nil {
			s.Detach()
		}
		pc.Close()
	}
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
