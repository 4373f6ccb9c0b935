package consumer

import (
	"github.com/sirupsen/logrus"

	"github.com/petervdpas/babelrtc/internal/bus"
	"github.com/petervdpas/babelrtc/internal/transport"
)

// ── Publisher registry ───────────────────────────────────────────────────────

// OnStreamAdded records a remote stream. Streams whose uid is not in the
// roster, and the session's own stream, are ignored.
func (c *Consumer) OnStreamAdded(s transport.Stream) {
	c.loop.Post(func() { c.streamAdded(s) })
}

// OnStreamRemoved drops the publisher of uid after unsubscribing it.
func (c *Consumer) OnStreamRemoved(uid uint32) {
	c.loop.Post(func() { c.removePublisher(uid, bus.TopicStreamRemoved) })
}

// OnPeerLeave behaves like OnStreamRemoved but reports peer-leave.
func (c *Consumer) OnPeerLeave(uid uint32) {
	c.loop.Post(func() { c.removePublisher(uid, bus.TopicPeerLeave) })
}

// OnStreamUpdated refreshes the tracks of a known publisher. An unknown
// stream is recorded as if it had just been added.
func (c *Consumer) OnStreamUpdated(s transport.Stream) {
	c.loop.Post(func() { c.streamUpdated(s) })
}

// OnSubscribed marks uid's subscription as confirmed by the transport.
func (c *Consumer) OnSubscribed(uid uint32) {
	c.loop.Post(func() { c.subscribed(uid) })
}

func (c *Consumer) streamAdded(s transport.Stream) {
	uid := s.ID()
	if uid == c.localUID {
		logger.WithField("uid", uid).Debug("ignoring own stream")
		return
	}
	lang, ok := c.roster.Language(uid)
	if !ok {
		logger.WithField("uid", uid).Debug("stream not in roster, ignoring")
		return
	}

	pub, exists := c.publishers[uid]
	if !exists {
		pub = &Publisher{UID: uid, DomID: DomID(uid), Language: lang}
		c.publishers[uid] = pub
	} else if pub.Stream != nil && pub.Stream != s && pub.Stream.IsPlaying() {
		pub.Stream.Stop()
	}
	pub.Stream = s
	pub.HasAudio = s.HasAudio()
	pub.HasVideo = s.HasVideo()
	pub.Subscribed = false
	pub.Confirmed = false
	pub.SubscribeError = false
	pub.wanted = false
	pub.filter = nil
	pub.gen++

	logger.WithFields(logrus.Fields{
		"dom_id":    pub.DomID,
		"language":  lang,
		"has_audio": pub.HasAudio,
		"has_video": pub.HasVideo,
		"replaced":  exists,
	}).Info("stream added")

	c.publish(bus.TopicStreamAdded, bus.StreamAddedPayload{
		DomID:    pub.DomID,
		Language: lang,
		HasAudio: pub.HasAudio,
		HasVideo: pub.HasVideo,
	})

	if st := c.languages[lang]; st != nil && st.Subscribe {
		c.subscribe(pub)
	}
}

func (c *Consumer) streamUpdated(s transport.Stream) {
	pub := c.publishers[s.ID()]
	if pub == nil || pub.Stream != s {
		c.streamAdded(s)
		return
	}
	pub.HasAudio = s.HasAudio()
	pub.HasVideo = s.HasVideo()
	logger.WithFields(logrus.Fields{
		"dom_id":    pub.DomID,
		"has_audio": pub.HasAudio,
		"has_video": pub.HasVideo,
	}).Debug("stream updated")

	// A track that appears mid-play follows the language's play flags.
	if st := c.languages[pub.Language]; st != nil && s.IsPlaying() {
		c.applyMute(pub, st.PlayAudio, st.PlayVideo)
	}
}

func (c *Consumer) removePublisher(uid uint32, topic string) {
	pub, ok := c.publishers[uid]
	if !ok {
		logger.WithFields(logrus.Fields{
			"uid":   uid,
			"topic": topic,
		}).Debug("remove for unknown publisher")
		return
	}

	c.unsubscribe(pub)
	delete(c.publishers, uid)

	logger.WithFields(logrus.Fields{
		"dom_id":   pub.DomID,
		"language": pub.Language,
		"topic":    topic,
	}).Info("publisher removed")
	c.publish(topic, bus.IDPayload{DomID: pub.DomID})

	// A departed sibling may have been the one holding back a batch.
	c.evaluateLanguage(pub.Language)
}

func (c *Consumer) subscribed(uid uint32) {
	pub, ok := c.publishers[uid]
	if !ok || pub.Stream == nil {
		logger.WithField("uid", uid).Debug("stream-subscribed for unknown publisher")
		return
	}
	if !pub.wanted {
		logger.WithField("dom_id", pub.DomID).Debug("stream-subscribed after unsubscribe, ignoring")
		return
	}
	pub.Subscribed = true
	pub.Confirmed = true
	pub.SubscribeError = false

	c.evaluateAutoPlay(pub)
	c.publish(bus.TopicStreamSubscribed, bus.IDPayload{DomID: pub.DomID})
}
