package consumer

import (
	"github.com/sirupsen/logrus"

	"github.com/petervdpas/babelrtc/internal/bus"
	"github.com/petervdpas/babelrtc/internal/transport"
)

// ── Language channels ────────────────────────────────────────────────────────

// violatesIntent reports a play flag whose matching subscribe flag is off.
func violatesIntent(playAudio, subscribeToAudio, playVideo, subscribeToVideo bool) bool {
	return (playAudio && !subscribeToAudio) || (playVideo && !subscribeToVideo)
}

func (c *Consumer) state(fn, lang string) *LanguageState {
	st := c.languages[lang]
	if st == nil {
		logger.WithFields(logrus.Fields{
			"function": fn,
			"language": lang,
		}).Warn("unknown language")
	}
	return st
}

func logEmpty(fn, lang string, pubs []*Publisher) {
	if len(pubs) == 0 {
		logger.WithFields(logrus.Fields{
			"function": fn,
			"language": lang,
		}).Debug("no connected publishers, intent stored for later")
	}
}

// SubscribeToLanguage stores the intent for lang and subscribes every
// publisher already known for it. Publishers that appear later are
// subscribed on arrival. Intents with a play flag whose track is not
// subscribed are rejected without changing anything.
func (c *Consumer) SubscribeToLanguage(lang string, in Intent) {
	c.loop.Post(func() {
		st := c.state("SubscribeToLanguage", lang)
		if st == nil {
			return
		}
		if violatesIntent(in.PlayAudio, in.SubscribeToAudio, in.PlayVideo, in.SubscribeToVideo) {
			logger.WithFields(logrus.Fields{
				"function": "SubscribeToLanguage",
				"language": lang,
				"intent":   in,
			}).Warn("rejected intent: play flag set without its subscribe flag")
			return
		}

		*st = LanguageState{
			Subscribe:        true,
			AutoPlay:         in.AutoPlay,
			PlayAudio:        in.PlayAudio,
			PlayVideo:        in.PlayVideo,
			SubscribeToAudio: in.SubscribeToAudio,
			SubscribeToVideo: in.SubscribeToVideo,
		}

		pubs := c.publishersOf(lang)
		logger.WithFields(logrus.Fields{
			"language":   lang,
			"publishers": len(pubs),
			"auto_play":  in.AutoPlay,
		}).Info("subscribe to language")
		c.publish(bus.TopicSubscribedLanguage, bus.SubscribedLanguagePayload{
			Language:         lang,
			Publishers:       domIDs(pubs),
			AutoPlay:         st.AutoPlay,
			PlayAudio:        st.PlayAudio,
			PlayVideo:        st.PlayVideo,
			SubscribeToAudio: st.SubscribeToAudio,
			SubscribeToVideo: st.SubscribeToVideo,
		})
		logEmpty("SubscribeToLanguage", lang, pubs)
		for _, pub := range pubs {
			c.subscribe(pub)
		}
	})
}

// UnsubscribeFromLanguage resets lang to its zero state, then unsubscribes
// its publishers.
func (c *Consumer) UnsubscribeFromLanguage(lang string) {
	c.loop.Post(func() { c.unsubscribeLanguage(lang) })
}

func (c *Consumer) unsubscribeLanguage(lang string) {
	st := c.state("UnsubscribeFromLanguage", lang)
	if st == nil {
		return
	}
	// Reset first so a stream-added handled in between does not
	// resubscribe.
	*st = LanguageState{}

	pubs := c.publishersOf(lang)
	c.publish(bus.TopicUnsubscribedLanguage, bus.LanguagePublishersPayload{
		Language:   lang,
		Publishers: domIDs(pubs),
	})
	logEmpty("UnsubscribeFromLanguage", lang, pubs)
	for _, pub := range pubs {
		c.unsubscribe(pub)
	}
}

// UnsubscribeFromOtherLanguages unsubscribes every language except keep.
func (c *Consumer) UnsubscribeFromOtherLanguages(keep string) {
	c.loop.Post(func() {
		for _, lang := range c.roster.Languages() {
			if lang != keep {
				c.unsubscribeLanguage(lang)
			}
		}
	})
}

// PlayLanguage sets the given play flags of lang and plays its connected
// publishers. Unset fields keep their value.
func (c *Consumer) PlayLanguage(lang string, t Tracks) {
	c.loop.Post(func() {
		st := c.state("PlayLanguage", lang)
		if st == nil {
			return
		}
		playAudio, playVideo := st.PlayAudio, st.PlayVideo
		if t.Audio != nil {
			playAudio = *t.Audio
		}
		if t.Video != nil {
			playVideo = *t.Video
		}
		if violatesIntent(playAudio, st.SubscribeToAudio, playVideo, st.SubscribeToVideo) {
			logger.WithFields(logrus.Fields{
				"function": "PlayLanguage",
				"language": lang,
			}).Warn("rejected: cannot play a track that is not subscribed")
			return
		}
		st.PlayAudio, st.PlayVideo = playAudio, playVideo

		pubs := connected(c.publishersOf(lang))
		c.publish(bus.TopicPlayingLanguage, bus.PlayingLanguagePayload{
			Language:  lang,
			PlayAudio: playAudio,
			PlayVideo: playVideo,
		})
		logEmpty("PlayLanguage", lang, pubs)
		c.play(pubs, playAudio, playVideo)
	})
}

// StopLanguage stops playback of lang and turns its autoplay off.
func (c *Consumer) StopLanguage(lang string) {
	c.loop.Post(func() {
		st := c.state("StopLanguage", lang)
		if st == nil {
			return
		}
		st.AutoPlay = false

		pubs := connected(c.publishersOf(lang))
		logEmpty("StopLanguage", lang, pubs)
		c.stop(pubs)
		c.publish(bus.TopicStoppedLanguage, bus.LanguagePayload{Language: lang})
	})
}

// MuteLanguage clears the selected play flags of lang and mutes those
// tracks on every playing publisher.
func (c *Consumer) MuteLanguage(lang string, t Tracks) {
	c.loop.Post(func() {
		st := c.state("MuteLanguage", lang)
		if st == nil {
			return
		}
		audio, video := t.audio(), t.video()
		if audio {
			st.PlayAudio = false
		}
		if video {
			st.PlayVideo = false
		}

		pubs := connected(c.publishersOf(lang))
		c.publish(bus.TopicMutedLanguage, bus.LanguageMutePayload{Language: lang, Audio: audio, Video: video})
		logEmpty("MuteLanguage", lang, pubs)
		c.mute(pubs, audio, video)
	})
}

// UnmuteLanguage sets the selected play flags of lang, turns autoplay on,
// and unmutes or starts its publishers. The language must be subscribed.
func (c *Consumer) UnmuteLanguage(lang string, t Tracks) {
	c.loop.Post(func() {
		st := c.state("UnmuteLanguage", lang)
		if st == nil {
			return
		}
		if !st.Subscribe {
			logger.WithFields(logrus.Fields{
				"function": "UnmuteLanguage",
				"language": lang,
			}).Warn("language not subscribed")
			return
		}
		audio, video := t.audio(), t.video()
		playAudio := st.PlayAudio || audio
		playVideo := st.PlayVideo || video
		if violatesIntent(playAudio, st.SubscribeToAudio, playVideo, st.SubscribeToVideo) {
			logger.WithFields(logrus.Fields{
				"function": "UnmuteLanguage",
				"language": lang,
			}).Warn("rejected: cannot unmute a track that is not subscribed")
			return
		}
		st.AutoPlay = true
		st.PlayAudio, st.PlayVideo = playAudio, playVideo

		pubs := connected(c.publishersOf(lang))
		c.publish(bus.TopicUnmutedLanguage, bus.LanguageMutePayload{Language: lang, Audio: audio, Video: video})
		logEmpty("UnmuteLanguage", lang, pubs)
		c.unmute(pubs, audio, video)
	})
}

// ── Single publisher controls ────────────────────────────────────────────────

func (c *Consumer) withPublisher(fn, domID string, do func(*Publisher)) {
	c.loop.Post(func() {
		pub := c.lookup(domID)
		if pub == nil || pub.Stream == nil {
			logger.WithFields(logrus.Fields{
				"function": fn,
				"dom_id":   domID,
			}).Debug("unknown publisher")
			return
		}
		do(pub)
	})
}

// PlayID plays one publisher with the play flags of its language.
func (c *Consumer) PlayID(domID string) {
	c.withPublisher("PlayID", domID, func(pub *Publisher) {
		st := c.languages[pub.Language]
		c.play([]*Publisher{pub}, st.PlayAudio, st.PlayVideo)
	})
}

// StopID stops one publisher.
func (c *Consumer) StopID(domID string) {
	c.withPublisher("StopID", domID, func(pub *Publisher) {
		c.stop([]*Publisher{pub})
	})
}

// MuteID mutes the selected tracks of one publisher.
func (c *Consumer) MuteID(domID string, t Tracks) {
	c.withPublisher("MuteID", domID, func(pub *Publisher) {
		c.mute([]*Publisher{pub}, t.audio(), t.video())
	})
}

// UnmuteID unmutes the selected tracks of one publisher, starting it if
// needed.
func (c *Consumer) UnmuteID(domID string, t Tracks) {
	c.withPublisher("UnmuteID", domID, func(pub *Publisher) {
		c.unmute([]*Publisher{pub}, t.audio(), t.video())
	})
}

// SetVolume sets the audio volume (0-100) of one publisher.
func (c *Consumer) SetVolume(domID string, volume int) {
	if volume < 0 {
		volume = 0
	} else if volume > 100 {
		volume = 100
	}
	c.withPublisher("SetVolume", domID, func(pub *Publisher) {
		pub.Stream.SetAudioVolume(volume)
	})
}

// Stats reports the transport counters of one publisher. fn runs on the
// transport's goroutine.
func (c *Consumer) Stats(domID string, fn func(transport.Stats)) {
	c.withPublisher("Stats", domID, func(pub *Publisher) {
		pub.Stream.GetStats(fn)
	})
}
