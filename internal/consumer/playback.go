package consumer

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/petervdpas/babelrtc/internal/bus"
	"github.com/petervdpas/babelrtc/internal/transport"
)

// ── Playback controller ──────────────────────────────────────────────────────
// Every method here runs on the loop.

func sameFilter(a, b *transport.MediaFilter) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// filterFor returns the media filter to send, or nil when the platform or
// the transport cannot filter per track.
func (c *Consumer) filterFor(st LanguageState) *transport.MediaFilter {
	if c.isIOS || c.client == nil || !c.client.Features().SupportsMediaFilter {
		return nil
	}
	return &transport.MediaFilter{Audio: st.SubscribeToAudio, Video: st.SubscribeToVideo}
}

func (c *Consumer) subscribe(pub *Publisher) {
	if pub == nil || pub.Stream == nil {
		logger.Debug("subscribe without stream, skipping")
		return
	}
	st := c.languages[pub.Language]
	if st == nil || !st.Subscribe {
		logger.WithFields(logrus.Fields{
			"dom_id":   pub.DomID,
			"language": pub.Language,
		}).Debug("language not subscribed, skipping subscribe")
		return
	}

	filter := c.filterFor(*st)
	if pub.wanted && !pub.SubscribeError && sameFilter(pub.filter, filter) {
		logger.WithField("dom_id", pub.DomID).Debug("already subscribed with the same filter")
		c.evaluateAutoPlay(pub)
		return
	}

	c.surfaces.Ensure(pub.DomID)

	// Marked before the transport answers so that sibling autoplay checks
	// see this publisher as in progress rather than absent.
	pub.Subscribed = true
	pub.Confirmed = false
	pub.SubscribeError = false
	pub.wanted = true
	pub.filter = filter
	pub.gen++
	gen := pub.gen
	stream := pub.Stream

	c.publish(bus.TopicSubscribedID, bus.SubscribedIDPayload{
		DomID:            pub.DomID,
		HasAudio:         pub.HasAudio,
		HasVideo:         pub.HasVideo,
		SubscribeToAudio: st.SubscribeToAudio,
		SubscribeToVideo: st.SubscribeToVideo,
	})

	c.whenReady(func() {
		if pub.gen != gen {
			logger.WithField("dom_id", pub.DomID).Debug("subscribe superseded before client was ready")
			return
		}
		logger.WithFields(logrus.Fields{
			"dom_id": pub.DomID,
			"filter": filter,
		}).Debug("subscribing")
		c.client.Subscribe(stream, filter, c.callback(func(err error) {
			c.subscribeDone(pub, gen, err)
		}))
	})
}

func (c *Consumer) subscribeDone(pub *Publisher, gen uint64, err error) {
	if err == nil {
		// Success is reported by the stream-subscribed event.
		return
	}
	if pub.gen != gen {
		logger.WithFields(logrus.Fields{
			"dom_id": pub.DomID,
			"error":  err,
		}).Debug("stale subscribe failure ignored")
		return
	}

	pub.Subscribed = false
	pub.Confirmed = false
	pub.SubscribeError = true
	pub.wanted = false
	c.surfaces.Remove(pub.DomID)

	// One failing stream must not hold back the rest of its language.
	c.evaluateLanguage(pub.Language)

	if errors.Is(err, transport.ErrNoSuchRemoteStream) {
		logger.WithField("dom_id", pub.DomID).Debug("subscribe target already gone")
		return
	}
	c.emitError("subscribe "+pub.DomID, err, pub)
}

func (c *Consumer) unsubscribe(pub *Publisher) {
	if pub == nil || pub.Stream == nil {
		logger.Debug("unsubscribe without stream, skipping")
		return
	}
	stream := pub.Stream
	if stream.IsPlaying() {
		stream.Stop()
	}
	c.surfaces.Remove(pub.DomID)

	was := pub.Subscribed || pub.Confirmed || pub.wanted
	pub.Subscribed = false
	pub.Confirmed = false
	pub.wanted = false
	pub.filter = nil
	pub.gen++
	gen := pub.gen

	if was {
		c.publish(bus.TopicUnsubscribedID, bus.IDPayload{DomID: pub.DomID})
	}

	c.whenReady(func() {
		c.client.Unsubscribe(stream, c.callback(func(err error) {
			c.unsubscribeDone(pub, gen, err)
		}))
	})
}

func (c *Consumer) unsubscribeDone(pub *Publisher, gen uint64, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, transport.ErrNoSuchRemoteStream) {
		return
	}
	if pub.gen != gen {
		logger.WithFields(logrus.Fields{
			"dom_id": pub.DomID,
			"error":  err,
		}).Debug("stale unsubscribe failure ignored")
		return
	}
	c.emitError("unsubscribe "+pub.DomID, err, pub)
}

// play starts every subscribed publisher in pubs with the given mute state.
// Already playing streams only get their mute state updated.
func (c *Consumer) play(pubs []*Publisher, playAudio, playVideo bool) {
	for _, pub := range pubs {
		if pub.Stream == nil || !pub.Subscribed {
			logger.WithField("dom_id", pub.DomID).Debug("play on unsubscribed publisher, skipping")
			continue
		}
		stream := pub.Stream
		if stream.IsPlaying() {
			c.applyMute(pub, playAudio, playVideo)
			continue
		}

		gen := pub.gen
		logger.WithFields(logrus.Fields{
			"dom_id":     pub.DomID,
			"play_audio": playAudio,
			"play_video": playVideo,
		}).Debug("play")
		stream.Play(pub.DomID, transport.PlayOptions{}, c.callback(func(err error) {
			c.playDone(pub, gen, err)
		}))
		// Applied right after issuing play, not from its callback: callback
		// timing differs between transports and some never call back for a
		// stream that starts muted.
		c.applyMute(pub, playAudio, playVideo)
	}
}

func (c *Consumer) applyMute(pub *Publisher, playAudio, playVideo bool) {
	s := pub.Stream
	if pub.HasAudio {
		if playAudio {
			s.UnmuteAudio()
		} else {
			s.MuteAudio()
		}
	}
	if pub.HasVideo {
		if playVideo {
			s.UnmuteVideo()
		} else {
			s.MuteVideo()
		}
	}
}

func (c *Consumer) playDone(pub *Publisher, gen uint64, err error) {
	if err == nil {
		if pub.gen == gen {
			c.publish(bus.TopicPlayingID, bus.IDPayload{DomID: pub.DomID})
		}
		return
	}

	switch transport.CodeOf(err) {
	case transport.CodeAborted:
		logger.WithFields(logrus.Fields{
			"dom_id": pub.DomID,
			"error":  err,
		}).Debug("play aborted by a newer request")
	case transport.CodeNotAllowed:
		c.autoPlayError = true
		logger.WithFields(logrus.Fields{
			"dom_id":   pub.DomID,
			"language": pub.Language,
		}).Warn("playback blocked by autoplay policy")
		c.publish(bus.TopicStreamStuck, bus.StreamPayload{DomID: pub.DomID, Language: pub.Language})
		if c.forceFallback && !c.fallbackForced && c.onForceFallback != nil {
			c.fallbackForced = true
			c.onForceFallback("autoplay blocked on " + pub.DomID)
		}
	default:
		c.emitError("play "+pub.DomID, err, pub)
	}
}

func (c *Consumer) stop(pubs []*Publisher) {
	for _, pub := range pubs {
		if pub.Stream == nil || !pub.Stream.IsPlaying() {
			continue
		}
		pub.Stream.Stop()
		c.publish(bus.TopicStoppedID, bus.IDPayload{DomID: pub.DomID})
	}
}

// mute only acts on live streams.
func (c *Consumer) mute(pubs []*Publisher, audio, video bool) {
	for _, pub := range pubs {
		if pub.Stream == nil || !pub.Stream.IsPlaying() {
			logger.WithField("dom_id", pub.DomID).Debug("mute on stream that is not playing, skipping")
			continue
		}
		if audio && pub.HasAudio {
			pub.Stream.MuteAudio()
		}
		if video && pub.HasVideo {
			pub.Stream.MuteVideo()
		}
		c.publish(bus.TopicMutedID, bus.MuteIDPayload{DomID: pub.DomID, Audio: audio, Video: video})
		c.resume(pub)
	}
}

// unmute starts streams that are not playing yet, playing the language's
// tracks plus the selected ones, and unmutes the selected tracks of the
// others. A stopped stream never plays a track its language does not
// subscribe to.
func (c *Consumer) unmute(pubs []*Publisher, audio, video bool) {
	for _, pub := range pubs {
		if pub.Stream == nil {
			continue
		}
		if !pub.Stream.IsPlaying() {
			if !pub.Subscribed {
				logger.WithField("dom_id", pub.DomID).Debug("unmute on unsubscribed publisher, skipping")
				continue
			}
			st := c.languages[pub.Language]
			c.play([]*Publisher{pub},
				(st.PlayAudio || audio) && st.SubscribeToAudio,
				(st.PlayVideo || video) && st.SubscribeToVideo)
		} else {
			if audio && pub.HasAudio {
				pub.Stream.UnmuteAudio()
			}
			if video && pub.HasVideo {
				pub.Stream.UnmuteVideo()
			}
		}
		c.publish(bus.TopicUnmutedID, bus.MuteIDPayload{DomID: pub.DomID, Audio: audio, Video: video})
		c.resume(pub)
	}
}

// resume kicks the transport stream when the transport supports it.
func (c *Consumer) resume(pub *Publisher) {
	if c.client == nil || !c.client.Features().SupportsResume {
		return
	}
	stream := pub.Stream
	c.loop.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), resumeTimeout)
		defer cancel()
		if err := stream.Resume(ctx); err != nil {
			c.loop.Post(func() { c.emitError("resume "+pub.DomID, err, pub) })
		}
	})
}
