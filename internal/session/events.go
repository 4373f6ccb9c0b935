package session

import (
	"github.com/sirupsen/logrus"

	"github.com/petervdpas/babelrtc/internal/bus"
	"github.com/petervdpas/babelrtc/internal/transport"
)

// Connection status notice ids.
const (
	StatusConnected = "connected"
	StatusOffline   = "offline"
	StatusOnline    = "online"
)

// Network quality levels reported by the transports.
const (
	qualityUnknown = 0
	qualityBad     = 5 // 5 very bad, 6 down
)

// wire registers the session-level transport handlers. The consumer
// registers its own stream handlers in Attach.
func (s *Session) wire(client transport.Client) {
	client.On(transport.EventNetworkQuality, s.onNetworkQuality)
	client.On(transport.EventError, func(e transport.Event) {
		s.bus.Publish(bus.TopicError, errorPayload("transport", e))
	})
	client.On(transport.EventException, func(e transport.Event) {
		p := errorPayload("exception", e)
		s.bus.Publish(bus.TopicWarn, bus.WarnPayload{Context: p.Context, Message: p.Message, Code: p.Code})
	})
	client.On(transport.EventStreamFallback, func(e transport.Event) {
		s.bus.Publish(bus.TopicWarn, bus.WarnPayload{Context: "stream-fallback", Message: e.Detail})
	})
	client.On(transport.EventNetworkTypeChanged, func(e transport.Event) {
		logger.WithFields(logrus.Fields{
			"session": s.id,
			"network": e.Detail,
		}).Info("network type changed")
	})
	client.On(transport.EventStreamAdded, s.recordSighting)
}

func errorPayload(context string, e transport.Event) bus.ErrorPayload {
	p := bus.ErrorPayload{Context: context, Message: e.Detail, Cause: e.Err}
	if e.Err != nil {
		p.Message = e.Err.Error()
		p.Code = string(transport.CodeOf(e.Err))
	}
	return p
}

// trustNetworkQuality runs when the initial connection window elapsed.
func (s *Session) trustNetworkQuality() {
	s.mu.Lock()
	s.trusted = true
	s.mu.Unlock()
	logger.WithField("session", s.id).Debug("network quality reports trusted")
}

// onNetworkQuality turns quality reports into connection-status notices.
// The first usable report announces the connection. Offline and online
// transitions are only reported once the initial window elapsed, so that
// negotiation noise does not produce a spurious offline notice.
func (s *Session) onNetworkQuality(e transport.Event) {
	q := e.Downlink
	if q == qualityUnknown {
		return
	}

	var id, msg string
	s.mu.Lock()
	switch {
	case !s.connected && q < qualityBad:
		s.connected = true
		s.rtcOnline = true
		id, msg = StatusConnected, "connected to the channel"
	case !s.trusted:
	case q >= qualityBad && s.rtcOnline:
		s.rtcOnline = false
		id, msg = StatusOffline, "network connection lost"
	case q < qualityBad && !s.rtcOnline:
		s.rtcOnline = true
		id, msg = StatusOnline, "network connection restored"
	}
	s.mu.Unlock()

	if id != "" {
		s.notifier.Notify(bus.TopicConnectionStatus, id, msg)
	}
}

// recordSighting remembers roster publishers in the preferences store.
func (s *Session) recordSighting(e transport.Event) {
	if s.store == nil || e.Stream == nil {
		return
	}
	uid := e.Stream.ID()
	lang, ok := s.cfg.Members()[uid]
	if !ok {
		return
	}
	if err := s.store.RecordSighting(uid, lang, e.Stream.HasAudio(), e.Stream.HasVideo()); err != nil {
		logger.WithFields(logrus.Fields{
			"session": s.id,
			"uid":     uid,
			"error":   err,
		}).Warn("record sighting")
	}
}
