package consumer

import (
	"github.com/sirupsen/logrus"

	"github.com/petervdpas/babelrtc/internal/bus"
	"github.com/petervdpas/babelrtc/internal/transport"
)

// batched reports whether first playback must wait for every sibling so a
// single user gesture can unlock them all.
func (c *Consumer) batched() bool {
	if c.autoPlayError {
		return true
	}
	return c.isIOS && c.client != nil && c.client.Kind() == transport.KindNative
}

// evaluateAutoPlay starts pub, or pub's whole language when batching, if the
// language wants autoplay.
func (c *Consumer) evaluateAutoPlay(pub *Publisher) {
	st := c.languages[pub.Language]
	if st == nil || !st.AutoPlay {
		return
	}
	if c.batched() {
		c.playBatch(pub.Language, st)
		return
	}
	if !pub.Confirmed || pub.SubscribeError {
		return
	}
	c.play([]*Publisher{pub}, st.PlayAudio, st.PlayVideo)
}

// evaluateLanguage re-checks autoplay after a sibling failed or left.
func (c *Consumer) evaluateLanguage(lang string) {
	st := c.languages[lang]
	if st == nil || !st.AutoPlay {
		return
	}
	if c.batched() {
		c.playBatch(lang, st)
		return
	}
	for _, pub := range c.publishersOf(lang) {
		if pub.Confirmed && !pub.SubscribeError && pub.Stream != nil && !pub.Stream.IsPlaying() {
			c.play([]*Publisher{pub}, st.PlayAudio, st.PlayVideo)
		}
	}
}

func (c *Consumer) playBatch(lang string, st *LanguageState) {
	var ready []*Publisher
	for _, pub := range connected(c.publishersOf(lang)) {
		if pub.SubscribeError {
			continue
		}
		if !pub.Confirmed {
			logger.WithFields(logrus.Fields{
				"language": lang,
				"waiting":  pub.DomID,
			}).Debug("autoplay batch waiting for sibling")
			return
		}
		ready = append(ready, pub)
	}
	if len(ready) == 0 {
		return
	}

	logger.WithFields(logrus.Fields{
		"language":   lang,
		"publishers": domIDs(ready),
	}).Info("autoplay batch")
	for _, pub := range ready {
		if !pub.Stream.IsPlaying() {
			c.publish(bus.TopicAutoPlay, bus.StreamPayload{DomID: pub.DomID, Language: lang})
		}
	}
	c.play(ready, st.PlayAudio, st.PlayVideo)
}

// ResumeAfterGesture lifts the gesture lock and retries playback of every
// autoplay language. Call it from the user's first interaction after a
// stream-stuck event.
func (c *Consumer) ResumeAfterGesture() {
	c.loop.Post(func() {
		c.surfaces.Unlock()
		for _, lang := range c.roster.Languages() {
			st := c.languages[lang]
			if st == nil || !st.AutoPlay {
				continue
			}
			var pubs []*Publisher
			for _, pub := range connected(c.publishersOf(lang)) {
				if pub.Confirmed && !pub.SubscribeError {
					pubs = append(pubs, pub)
				}
			}
			logger.WithFields(logrus.Fields{
				"function":   "ResumeAfterGesture",
				"language":   lang,
				"publishers": len(pubs),
			}).Debug("retrying playback")
			c.play(pubs, st.PlayAudio, st.PlayVideo)
		}
	})
}
