package native

import (
	"context"
	"errors"
	"io"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/petervdpas/babelrtc/internal/signal"
	"github.com/petervdpas/babelrtc/internal/transport"
	"github.com/petervdpas/babelrtc/internal/transport/remote"
	"github.com/petervdpas/babelrtc/internal/util"
)

// addRecvOnlyTransceivers adds recvonly transceivers for the selected kinds
// so the offer carries one m-line per wanted track.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection, audio, video bool) error {
	ti := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if video {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, ti); err != nil {
			return err
		}
	}
	if audio {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, ti); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) Subscribe(s transport.Stream, filter *transport.MediaFilter, done func(error)) {
	rs, err := c.hub.Resolve("subscribe", s)
	if err != nil {
		go done(err)
		return
	}
	go func() {
		if err := c.subscribe(rs, filter); err != nil {
			done(err)
			return
		}
		done(nil)
		c.hub.Emit(transport.Event{Name: transport.EventStreamSubscribed, Stream: rs})
	}()
}

func (c *Client) subscribe(rs *remote.Stream, filter *transport.MediaFilter) error {
	c.mu.Lock()
	conn, joined := c.conn, c.joined
	old := c.subs[rs.ID()]
	delete(c.subs, rs.ID())
	c.mu.Unlock()
	if conn == nil || !joined {
		return transport.NewError("subscribe", transport.CodeNotJoined, "not joined")
	}
	if old != nil {
		rs.Detach()
		old.Close()
	}

	audio, video := rs.HasAudio(), rs.HasVideo()
	if filter != nil {
		audio = audio && filter.Audio
		video = video && filter.Video
	}
	log := logger.WithFields(logrus.Fields{
		"uid":   rs.ID(),
		"audio": audio,
		"video": video,
	})

	if !audio && !video {
		// Nothing to negotiate; the server only records the subscription.
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultRequestTimeout)
		defer cancel()
		if err := conn.Call(ctx, signal.MethodSubscribe, signal.SubscribeParams{UID: rs.ID()}, nil); err != nil {
			return err
		}
		rs.Attach(nil)
		return nil
	}

	pc, err := c.api.NewPeerConnection(c.rtc)
	if err != nil {
		return transport.Wrap("subscribe", transport.CodePeerConnection, err)
	}
	fail := func(code transport.Code, err error) error {
		pc.Close()
		return transport.Wrap("subscribe", code, err)
	}
	if err := addRecvOnlyTransceivers(pc, audio, video); err != nil {
		return fail(transport.CodePeerConnection, err)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.WithField("kind", track.Kind().String()).Debug("track received")
		go readTrack(rs, track)
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		if st != webrtc.PeerConnectionStateFailed {
			return
		}
		log.Warn("peer connection failed")
		c.hub.Emit(transport.Event{
			Name:   transport.EventException,
			Stream: rs,
			Err:    transport.NewError("subscribe", transport.CodePeerConnection, "peer connection failed"),
			Detail: "peer connection failed",
		})
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(transport.CodePeerConnection, err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail(transport.CodePeerConnection, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	select {
	case <-gathered:
	case <-ctx.Done():
		return fail(transport.CodeTimeout, errors.New("ice gathering timed out"))
	}

	var res signal.SubscribeResult
	err = conn.Call(ctx, signal.MethodSubscribe, signal.SubscribeParams{
		UID:   rs.ID(),
		Audio: audio,
		Video: video,
		Offer: pc.LocalDescription().SDP,
	}, &res)
	if err != nil {
		return fail(transport.CodeUnknown, err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: res.Answer}); err != nil {
		return fail(transport.CodePeerConnection, err)
	}

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return fail(transport.CodeClosed, errors.New("client closed during subscribe"))
	}
	c.subs[rs.ID()] = pc
	c.mu.Unlock()

	rs.Attach(func(ctx context.Context) error { return c.keyframe(ctx, pc, rs.ID()) })
	log.Info("subscribed")
	return nil
}

func (c *Client) Unsubscribe(s transport.Stream, done func(error)) {
	uid := s.ID()
	c.mu.Lock()
	conn := c.conn
	pc := c.subs[uid]
	delete(c.subs, uid)
	c.mu.Unlock()

	if rs, ok := s.(*remote.Stream); ok {
		rs.Detach()
	}
	go func() {
		if pc != nil {
			pc.Close()
		}
		if conn == nil {
			done(transport.NewError("unsubscribe", transport.CodeNotJoined, "not joined"))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultRequestTimeout)
		defer cancel()
		done(conn.Call(ctx, signal.MethodUnsubscribe, signal.UIDParams{UID: uid}, nil))
	}()
}

// keyframe sends a PLI for every received video track. Before the first
// video packet arrived there is no SSRC to address, so the request goes to
// the server instead.
func (c *Client) keyframe(ctx context.Context, pc *webrtc.PeerConnection, uid uint32) error {
	var pkts []rtcp.Packet
	for _, r := range pc.GetReceivers() {
		track := r.Track()
		if track == nil || track.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		pkts = append(pkts, &rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())})
	}
	if len(pkts) > 0 {
		return pc.WriteRTCP(pkts)
	}
	conn := c.signalConn()
	if conn == nil {
		return transport.NewError("keyframe", transport.CodeClosed, "signal connection closed")
	}
	return conn.Call(ctx, signal.MethodKeyframe, signal.UIDParams{UID: uid}, nil)
}

func readTrack(rs *remote.Stream, track *webrtc.TrackRemote) {
	kind := transport.MediaAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = transport.MediaVideo
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.WithFields(logrus.Fields{
					"uid":   rs.ID(),
					"kind":  kind.String(),
					"error": err,
				}).Debug("track read ended")
			}
			return
		}
		rs.Deliver(kind, pkt)
	}
}
