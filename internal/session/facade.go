package session

import (
	"github.com/sirupsen/logrus"

	"github.com/petervdpas/babelrtc/internal/bus"
	"github.com/petervdpas/babelrtc/internal/consumer"
	"github.com/petervdpas/babelrtc/internal/prefs"
	"github.com/petervdpas/babelrtc/internal/transport"
)

// Receiver is an audience session: it exposes the language controls.
type Receiver struct {
	*Session
}

// NewReceiver builds a receiving session.
func NewReceiver(o Options) (*Receiver, error) {
	s, err := New(o)
	if err != nil {
		return nil, err
	}
	return &Receiver{Session: s}, nil
}

// SubscribeToLanguage subscribes to every publisher of lang with in.
func (r *Receiver) SubscribeToLanguage(lang string, in consumer.Intent) {
	r.consumer.SubscribeToLanguage(lang, in)
}

// UnsubscribeFromLanguage drops lang and unsubscribes its publishers.
func (r *Receiver) UnsubscribeFromLanguage(lang string) { r.consumer.UnsubscribeFromLanguage(lang) }

// UnsubscribeFromOtherLanguages drops every language except keep.
func (r *Receiver) UnsubscribeFromOtherLanguages(keep string) {
	r.consumer.UnsubscribeFromOtherLanguages(keep)
}

// PlayLanguage sets the play flags of lang from t and plays it.
func (r *Receiver) PlayLanguage(lang string, t consumer.Tracks) { r.consumer.PlayLanguage(lang, t) }

// StopLanguage stops lang and turns its autoplay off.
func (r *Receiver) StopLanguage(lang string) { r.consumer.StopLanguage(lang) }

// MuteLanguage mutes the selected tracks of lang.
func (r *Receiver) MuteLanguage(lang string, t consumer.Tracks) { r.consumer.MuteLanguage(lang, t) }

// UnmuteLanguage unmutes the selected tracks of lang, starting stopped
// publishers.
func (r *Receiver) UnmuteLanguage(lang string, t consumer.Tracks) {
	r.consumer.UnmuteLanguage(lang, t)
}

// PlayID plays one publisher with its language's play flags.
func (r *Receiver) PlayID(domID string) { r.consumer.PlayID(domID) }

// StopID stops one publisher.
func (r *Receiver) StopID(domID string) { r.consumer.StopID(domID) }

// MuteID mutes the selected tracks of one publisher.
func (r *Receiver) MuteID(domID string, t consumer.Tracks) { r.consumer.MuteID(domID, t) }

// UnmuteID unmutes the selected tracks of one publisher.
func (r *Receiver) UnmuteID(domID string, t consumer.Tracks) { r.consumer.UnmuteID(domID, t) }

// SetVolume sets the audio volume of one publisher, clamped to 0-100.
func (r *Receiver) SetVolume(domID string, volume int) { r.consumer.SetVolume(domID, volume) }

// Stats reports the transport counters of one publisher. fn runs on the
// transport's goroutine and is not called for an unknown publisher.
func (r *Receiver) Stats(domID string, fn func(transport.Stats)) { r.consumer.Stats(domID, fn) }

// ResumeAfterGesture reports a user gesture; playback refused by the
// autoplay policy is retried.
func (r *Receiver) ResumeAfterGesture() { r.consumer.ResumeAfterGesture() }

// SelectLanguage switches to lang: every other language is dropped, lang is
// subscribed with in, and the choice is remembered for the next session.
func (r *Receiver) SelectLanguage(lang string, in consumer.Intent) {
	r.consumer.UnsubscribeFromOtherLanguages(lang)
	r.consumer.SubscribeToLanguage(lang, in)

	if r.store == nil {
		return
	}
	p, err := r.store.Update(func(p *prefs.Preferences) { p.Language = lang })
	if err != nil {
		logger.WithFields(logrus.Fields{
			"session":  r.id,
			"language": lang,
			"error":    err,
		}).Warn("persist language")
		return
	}
	r.mu.Lock()
	r.prefs = p
	r.mu.Unlock()
}

// Broadcaster is a host session: it can change its client role.
type Broadcaster struct {
	*Session
}

// NewBroadcaster builds a broadcasting session.
func NewBroadcaster(o Options) (*Broadcaster, error) {
	s, err := New(o)
	if err != nil {
		return nil, err
	}
	return &Broadcaster{Session: s}, nil
}

// SetRole switches the client role and announces it on new-client-role.
func (b *Broadcaster) SetRole(role transport.Role) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return ErrNotJoined
	}
	if err := client.SetClientRole(role); err != nil {
		b.bus.Publish(bus.TopicError, bus.ErrorPayload{
			Context: "set client role",
			Message: err.Error(),
			Code:    string(transport.CodeOf(err)),
			Cause:   err,
		})
		return err
	}
	logger.WithFields(logrus.Fields{
		"session": b.id,
		"role":    role,
	}).Info("client role changed")
	b.bus.Publish(bus.TopicNewClientRole, bus.RolePayload{Role: string(role)})
	return nil
}
