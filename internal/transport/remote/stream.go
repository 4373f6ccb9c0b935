// Package remote holds the playback state of a remote stream that both
// transport adapters share: the placeholder it plays into, mute flags,
// volume and counters. Adapters feed it RTP with Deliver and hook keyframe
// requests into it when a subscription is established.
package remote

import (
	"context"
	"sync"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/petervdpas/babelrtc/internal/transport"
)

var logger = logrus.WithField("component", "remote")

// KeyframeFunc asks the sender for a fresh video keyframe.
type KeyframeFunc func(ctx context.Context) error

// Stream implements transport.Stream on top of an adapter subscription.
type Stream struct {
	id    uint32
	sinks transport.SinkResolver

	mu         sync.Mutex
	audio      bool
	video      bool
	keyframe   KeyframeFunc // nil until attached
	playing    bool
	domID      string
	sink       transport.Sink
	audioMuted bool
	videoMuted bool
	volume     int
	stats      transport.Stats
}

// New creates a detached stream.
func New(id uint32, audio, video bool, sinks transport.SinkResolver) *Stream {
	return &Stream{id: id, audio: audio, video: video, sinks: sinks, volume: 100}
}

func (s *Stream) ID() uint32 { return s.id }

func (s *Stream) HasAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

func (s *Stream) HasVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video
}

// SetTracks updates the published tracks after a stream-updated event.
func (s *Stream) SetTracks(audio, video bool) {
	s.mu.Lock()
	s.audio, s.video = audio, video
	s.mu.Unlock()
}

// Attach marks the subscription established. kf may be nil.
func (s *Stream) Attach(kf KeyframeFunc) {
	s.mu.Lock()
	if kf == nil {
		kf = func(context.Context) error { return nil }
	}
	s.keyframe = kf
	s.mu.Unlock()
}

// Detach drops the subscription and stops playback.
func (s *Stream) Detach() {
	s.mu.Lock()
	s.keyframe = nil
	s.playing = false
	s.sink = nil
	s.mu.Unlock()
}

// Attached reports whether a subscription is established.
func (s *Stream) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyframe != nil
}

func (s *Stream) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Play binds the stream to the placeholder domID. It fails with the sink
// resolver's error (NOT_ALLOWED while a gesture is required, ABORTED when
// the placeholder is gone) or when the stream is not subscribed.
func (s *Stream) Play(domID string, opts transport.PlayOptions, done func(error)) {
	s.mu.Lock()
	if s.keyframe == nil {
		s.mu.Unlock()
		done(transport.NewError("play", transport.CodeAborted, "stream is not subscribed"))
		return
	}
	s.mu.Unlock()

	sink, err := s.sinks.Sink(domID)
	if err != nil {
		done(transport.Wrap("play", transport.CodeUnknown, err))
		return
	}

	s.mu.Lock()
	s.playing = true
	s.domID = domID
	s.sink = sink
	if opts.Muted {
		s.audioMuted, s.videoMuted = true, true
	}
	kf, video := s.keyframe, s.video
	s.mu.Unlock()

	if video {
		s.requestKeyframe(kf)
	}
	done(nil)
}

func (s *Stream) Stop() {
	s.mu.Lock()
	s.playing = false
	s.sink = nil
	s.mu.Unlock()
}

func (s *Stream) MuteAudio() bool { return s.setMute(transport.MediaAudio, true) }

func (s *Stream) UnmuteAudio() bool { return s.setMute(transport.MediaAudio, false) }

func (s *Stream) MuteVideo() bool { return s.setMute(transport.MediaVideo, true) }

func (s *Stream) UnmuteVideo() bool {
	if !s.setMute(transport.MediaVideo, false) {
		return false
	}
	s.mu.Lock()
	kf, playing := s.keyframe, s.playing
	s.mu.Unlock()
	if playing {
		s.requestKeyframe(kf)
	}
	return true
}

// setMute reports false when the stream has no such track.
func (s *Stream) setMute(kind transport.MediaKind, muted bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == transport.MediaVideo {
		if !s.video {
			return false
		}
		s.videoMuted = muted
		return true
	}
	if !s.audio {
		return false
	}
	s.audioMuted = muted
	return true
}

// Muted returns the audio and video mute flags.
func (s *Stream) Muted() (audio, video bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioMuted, s.videoMuted
}

// SetAudioVolume stores the volume, clamped to 0..100. Volume is applied by
// the decoder behind the sink.
func (s *Stream) SetAudioVolume(v int) {
	if v < 0 {
		v = 0
	} else if v > 100 {
		v = 100
	}
	s.mu.Lock()
	s.volume = v
	s.mu.Unlock()
}

// Volume returns the last volume set.
func (s *Stream) Volume() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// Resume requests a keyframe so that a stalled decoder recovers.
func (s *Stream) Resume(ctx context.Context) error {
	s.mu.Lock()
	kf := s.keyframe
	s.mu.Unlock()
	if kf == nil {
		return transport.NewError("resume", transport.CodeAborted, "stream is not subscribed")
	}
	if err := kf(ctx); err != nil {
		return transport.Wrap("resume", transport.CodePeerConnection, err)
	}
	return nil
}

func (s *Stream) GetStats(fn func(transport.Stats)) {
	s.mu.Lock()
	st := s.stats
	s.mu.Unlock()
	fn(st)
}

// Deliver hands one received packet to the sink when the stream is playing
// and the track is not muted. Everything else is counted as dropped.
func (s *Stream) Deliver(kind transport.MediaKind, pkt *rtp.Packet) {
	n := uint64(len(pkt.Payload))

	s.mu.Lock()
	if kind == transport.MediaVideo {
		s.stats.VideoPackets++
		s.stats.VideoBytes += n
	} else {
		s.stats.AudioPackets++
		s.stats.AudioBytes += n
	}
	muted := s.audioMuted
	if kind == transport.MediaVideo {
		muted = s.videoMuted
	}
	sink := s.sink
	if !s.playing || muted || sink == nil {
		s.stats.Dropped++
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := sink.WriteRTP(kind, pkt); err != nil {
		s.mu.Lock()
		s.stats.Dropped++
		s.mu.Unlock()
	}
}

func (s *Stream) requestKeyframe(kf KeyframeFunc) {
	if kf == nil {
		return
	}
	go func() {
		if err := kf(context.Background()); err != nil {
			logger.WithFields(logrus.Fields{
				"uid":   s.id,
				"error": err,
			}).Debug("keyframe request failed")
		}
	}()
}
