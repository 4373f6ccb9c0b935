package consumer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/babelrtc/internal/bus"
	"github.com/petervdpas/babelrtc/internal/surface"
	"github.com/petervdpas/babelrtc/internal/transport"
	"github.com/petervdpas/babelrtc/internal/transport/transporttest"
)

const localUID = 1

type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) add(e bus.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) of(topic string) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, e := range r.events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) count(topic string) int { return len(r.of(topic)) }

type harness struct {
	t        *testing.T
	bus      *bus.Bus
	rec      *recorder
	client   *transporttest.Client
	surfaces *surface.Registry
	c        *Consumer
	streams  map[uint32]*transporttest.Stream
}

type setup struct {
	kind     transport.Kind
	features transport.Features
	opts     func(*Options)
	noReady  bool
}

func newHarness(t *testing.T, s setup) *harness {
	t.Helper()
	if s.kind == "" {
		s.kind = transport.KindNative
	}
	b := bus.New()
	rec := &recorder{}
	b.Subscribe("", rec.add)

	roster := NewRoster([]string{"en", "fr"}, map[uint32]string{
		10: "en",
		20: "fr",
		21: "fr",
		22: "fr",
	})
	surfaces := surface.NewRegistry("media")
	o := Options{Bus: b, Roster: roster, Surfaces: surfaces, LocalUID: localUID}
	if s.opts != nil {
		s.opts(&o)
	}
	c, err := New(o)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	client := transporttest.NewClient(s.kind, s.features)
	require.NoError(t, c.Attach(client))
	if !s.noReady {
		c.MarkInitialized()
	}
	return &harness{
		t:        t,
		bus:      b,
		rec:      rec,
		client:   client,
		surfaces: surfaces,
		c:        c,
		streams:  make(map[uint32]*transporttest.Stream),
	}
}

func (h *harness) add(uid uint32, audio, video bool) *transporttest.Stream {
	s := transporttest.NewStream(uid, audio, video)
	h.streams[uid] = s
	h.client.Emit(transport.Event{Name: transport.EventStreamAdded, Stream: s})
	h.c.Sync()
	return s
}

func (h *harness) confirm(uid uint32) {
	h.t.Helper()
	h.c.Sync()
	require.True(h.t, h.client.CompleteSubscribe(h.streams[uid], nil), "no pending subscribe for %d", uid)
	h.c.Sync()
}

func (h *harness) fail(uid uint32, err error) {
	h.t.Helper()
	h.c.Sync()
	require.True(h.t, h.client.CompleteSubscribe(h.streams[uid], err))
	h.c.Sync()
}

func (h *harness) snapshot() Snapshot {
	h.c.Sync()
	return h.c.Snapshot()
}

var frAudio = Intent{AutoPlay: true, PlayAudio: true, SubscribeToAudio: true}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Roster: NewRoster(nil, nil)})
	assert.ErrorIs(t, err, ErrNilBus)

	_, err = New(Options{Bus: bus.New()})
	assert.ErrorIs(t, err, ErrNilRoster)
}

func TestAttachTwice(t *testing.T) {
	h := newHarness(t, setup{})
	err := h.c.Attach(transporttest.NewClient(transport.KindRelay, transport.Features{}))
	assert.ErrorIs(t, err, ErrAlreadyAttached)
}

func TestRegistryIgnoresUnknownAndOwnStreams(t *testing.T) {
	h := newHarness(t, setup{})

	h.add(99, true, false)
	h.add(localUID, true, true)
	h.add(10, true, true)

	snap := h.snapshot()
	require.Len(t, snap.Publishers, 1)
	assert.Equal(t, "stream-10", snap.Publishers[0].DomID)
	for _, p := range snap.Publishers {
		_, known := snap.Languages[p.Language]
		assert.True(t, known, "publisher %s has unknown language %q", p.DomID, p.Language)
	}
	assert.Equal(t, 1, h.rec.count(bus.TopicStreamAdded))
}

func TestStreamAddedWithoutLanguageSubscription(t *testing.T) {
	h := newHarness(t, setup{})

	h.add(20, true, false)

	p, ok := h.snapshot().Publisher("stream-20")
	require.True(t, ok)
	assert.False(t, p.Subscribed)
	assert.False(t, p.SubscribeError)
	assert.Equal(t, "fr", p.Language)
	assert.Empty(t, h.client.Calls())
}

func TestSubscribeThenAutoPlay(t *testing.T) {
	h := newHarness(t, setup{})

	h.c.SubscribeToLanguage("fr", frAudio)
	s := h.add(20, true, false)

	p, _ := h.snapshot().Publisher("stream-20")
	assert.True(t, p.Subscribed, "subscribed is set before the transport answers")
	assert.False(t, p.Confirmed)
	_, ok := h.surfaces.Get("stream-20")
	assert.True(t, ok, "placeholder created on subscribe")

	h.confirm(20)

	playing := h.rec.of(bus.TopicPlayingID)
	require.Len(t, playing, 1)
	assert.Equal(t, bus.IDPayload{DomID: "stream-20"}, playing[0].Payload)
	assert.Zero(t, h.rec.count(bus.TopicStreamStuck))
	assert.Zero(t, h.rec.count(bus.TopicError))
	assert.Equal(t, 1, s.PlayCalls())
	assert.Equal(t, "stream-20", s.LastDomID())
	assert.Equal(t, 1, h.rec.count(bus.TopicStreamSubscribed))
}

func TestSubscribeWaitsForInitialization(t *testing.T) {
	h := newHarness(t, setup{noReady: true})

	h.c.SubscribeToLanguage("fr", frAudio)
	h.add(20, true, false)
	assert.Zero(t, h.client.Count("subscribe", 20))
	assert.False(t, h.snapshot().Ready)

	h.c.MarkInitialized()
	h.c.MarkInitialized()
	h.c.Sync()
	assert.Equal(t, 1, h.client.Count("subscribe", 20))
	assert.True(t, h.snapshot().Ready)
}

func TestUnsubscribeBeforeInitializationSkipsSubscribe(t *testing.T) {
	h := newHarness(t, setup{noReady: true})
	h.client.AutoUnsubscribe = true

	h.c.SubscribeToLanguage("fr", frAudio)
	h.add(20, true, false)
	h.c.UnsubscribeFromLanguage("fr")
	h.c.MarkInitialized()
	h.c.Sync()

	assert.Zero(t, h.client.Count("subscribe", 20))
	assert.Equal(t, 1, h.client.Count("unsubscribe", 20))
}

func TestSubscribeMediaFilter(t *testing.T) {
	t.Run("filtering transport", func(t *testing.T) {
		h := newHarness(t, setup{features: transport.Features{SupportsMediaFilter: true}})
		h.c.SubscribeToLanguage("fr", frAudio)
		h.add(20, true, true)
		h.c.Sync()
		assert.Equal(t, &transport.MediaFilter{Audio: true, Video: false}, h.client.LastFilter(20))
	})
	t.Run("ios omits filter", func(t *testing.T) {
		h := newHarness(t, setup{
			features: transport.Features{SupportsMediaFilter: true},
			opts:     func(o *Options) { o.IsIOS = true },
		})
		h.c.SubscribeToLanguage("fr", frAudio)
		h.add(20, true, true)
		h.c.Sync()
		require.Equal(t, 1, h.client.Count("subscribe", 20))
		assert.Nil(t, h.client.LastFilter(20))
	})
}

func TestSubscribeFailure(t *testing.T) {
	h := newHarness(t, setup{})

	h.c.SubscribeToLanguage("fr", frAudio)
	h.add(20, true, false)
	h.fail(20, transport.NewError("subscribe", transport.CodePeerConnection, "ice failed"))

	p, _ := h.snapshot().Publisher("stream-20")
	assert.False(t, p.Subscribed)
	assert.True(t, p.SubscribeError)
	_, ok := h.surfaces.Get("stream-20")
	assert.False(t, ok)

	errs := h.rec.of(bus.TopicError)
	require.Len(t, errs, 1)
	payload := errs[0].Payload.(bus.ErrorPayload)
	assert.Equal(t, "subscribe stream-20", payload.Context)
	assert.Equal(t, string(transport.CodePeerConnection), payload.Code)
	assert.Equal(t, "fr", payload.Language)
	assert.ErrorIs(t, payload.Cause, transport.ErrPeerConnection)
}

func TestNoSuchStreamDuringUnsubscribeIsSilent(t *testing.T) {
	h := newHarness(t, setup{})
	h.client.AutoUnsubscribe = true

	h.c.SubscribeToLanguage("fr", frAudio)
	h.add(20, true, false)
	h.c.UnsubscribeFromLanguage("fr")
	h.fail(20, transport.ErrNoSuchRemoteStream)

	assert.Zero(t, h.rec.count(bus.TopicError))
	p, _ := h.snapshot().Publisher("stream-20")
	assert.False(t, p.Subscribed)
	assert.False(t, p.SubscribeError)
}

func TestStaleSubscribeCompletionIgnored(t *testing.T) {
	h := newHarness(t, setup{})
	h.client.AutoUnsubscribe = true

	h.c.SubscribeToLanguage("fr", frAudio)
	s := h.add(20, true, false)
	h.c.UnsubscribeFromLanguage("fr")
	h.confirm(20)

	p, _ := h.snapshot().Publisher("stream-20")
	assert.False(t, p.Subscribed)
	assert.False(t, p.Confirmed)
	assert.Zero(t, s.PlayCalls())
	assert.Zero(t, h.rec.count(bus.TopicStreamSubscribed))
}

func TestUnsubscribeErrors(t *testing.T) {
	t.Run("no such stream is swallowed", func(t *testing.T) {
		h := newHarness(t, setup{})
		h.client.UnsubscribeErr = transport.ErrNoSuchRemoteStream
		h.c.SubscribeToLanguage("fr", frAudio)
		h.add(20, true, false)
		h.c.UnsubscribeFromLanguage("fr")
		h.c.Sync()
		assert.Zero(t, h.rec.count(bus.TopicError))
	})
	t.Run("other errors are reported", func(t *testing.T) {
		h := newHarness(t, setup{})
		h.client.UnsubscribeErr = transport.NewError("unsubscribe", transport.CodeTimeout, "no answer")
		h.c.SubscribeToLanguage("fr", frAudio)
		h.add(20, true, false)
		h.c.UnsubscribeFromLanguage("fr")
		h.c.Sync()
		errs := h.rec.of(bus.TopicError)
		require.Len(t, errs, 1)
		assert.Equal(t, "unsubscribe stream-20", errs[0].Payload.(bus.ErrorPayload).Context)
	})
}

func TestUnsubscribeUnknownPublisherIsNoop(t *testing.T) {
	h := newHarness(t, setup{})
	h.add(20, true, false)
	before := h.snapshot()

	h.c.OnStreamRemoved(42)
	h.c.OnPeerLeave(42)
	h.c.Sync()

	assert.Equal(t, before, h.snapshot())
	assert.Zero(t, h.rec.count(bus.TopicError))
	assert.Zero(t, h.rec.count(bus.TopicStreamRemoved))
	assert.Zero(t, h.rec.count(bus.TopicUnsubscribedID))
}

func TestUnsubscribeFromLanguageTwice(t *testing.T) {
	h := newHarness(t, setup{})
	h.client.AutoUnsubscribe = true

	h.c.SubscribeToLanguage("fr", Intent{AutoPlay: true, PlayAudio: true, PlayVideo: true, SubscribeToAudio: true, SubscribeToVideo: true})
	h.add(20, true, true)
	h.add(21, true, true)
	h.confirm(20)
	h.confirm(21)

	h.c.UnsubscribeFromLanguage("fr")
	first := h.snapshot().Languages["fr"]
	h.c.OnStreamRemoved(21)
	h.c.UnsubscribeFromLanguage("fr")
	second := h.snapshot().Languages["fr"]

	assert.Equal(t, LanguageState{}, first)
	assert.Equal(t, first, second)
	assert.Equal(t, 2, h.client.Count("unsubscribe", 20))
	assert.Equal(t, 2, h.client.Count("unsubscribe", 21), "once for the language, once on removal")
	assert.Equal(t, 2, h.rec.count(bus.TopicUnsubscribedLanguage))
	assert.Equal(t, 2, h.rec.count(bus.TopicUnsubscribedID), "only transitions from subscribed are reported")
	assert.Equal(t, 1, h.rec.count(bus.TopicStreamRemoved))
	assert.Zero(t, h.rec.count(bus.TopicError))
}

func TestRejectsPlayWithoutSubscribe(t *testing.T) {
	h := newHarness(t, setup{})
	h.add(20, true, false)

	h.c.SubscribeToLanguage("fr", Intent{AutoPlay: true, PlayAudio: true, SubscribeToAudio: false})
	h.c.SubscribeToLanguage("fr", Intent{PlayVideo: true, SubscribeToAudio: true})
	h.c.SubscribeToLanguage("de", frAudio)

	snap := h.snapshot()
	assert.Equal(t, LanguageState{}, snap.Languages["fr"])
	assert.NotContains(t, snap.Languages, "de")
	assert.Zero(t, h.rec.count(bus.TopicSubscribedLanguage))
	assert.Empty(t, h.client.Calls())
}

func TestLanguageWithoutPublishersKeepsIntent(t *testing.T) {
	h := newHarness(t, setup{})

	h.c.SubscribeToLanguage("en", frAudio)
	h.c.Sync()
	evts := h.rec.of(bus.TopicSubscribedLanguage)
	require.Len(t, evts, 1)
	assert.Empty(t, evts[0].Payload.(bus.SubscribedLanguagePayload).Publishers)

	h.add(10, true, false)
	assert.Equal(t, 1, h.client.Count("subscribe", 10))
}

func TestPlayAbortedIsBenign(t *testing.T) {
	h := newHarness(t, setup{})

	h.c.SubscribeToLanguage("fr", frAudio)
	s := h.add(20, true, false)
	s.FailPlay(transport.ErrAborted)
	h.confirm(20)

	assert.Equal(t, 1, s.PlayCalls())
	assert.Zero(t, h.rec.count(bus.TopicStreamStuck))
	assert.Zero(t, h.rec.count(bus.TopicError))
	assert.False(t, h.snapshot().AutoPlayError)
}

func TestPlayBlockedByAutoplayPolicy(t *testing.T) {
	var reasons []string
	h := newHarness(t, setup{opts: func(o *Options) {
		o.ForceFallbackOnAutoPlayError = true
		o.OnForceFallback = func(reason string) { reasons = append(reasons, reason) }
	}})

	h.c.SubscribeToLanguage("fr", frAudio)
	s := h.add(20, true, false)
	s.FailPlay(transport.ErrNotAllowed)
	h.confirm(20)

	stuck := h.rec.of(bus.TopicStreamStuck)
	require.Len(t, stuck, 1)
	assert.Equal(t, bus.StreamPayload{DomID: "stream-20", Language: "fr"}, stuck[0].Payload)
	assert.Zero(t, h.rec.count(bus.TopicError))
	assert.True(t, h.snapshot().AutoPlayError)

	h.c.PlayID("stream-20")
	h.c.Sync()
	assert.Equal(t, 2, h.rec.count(bus.TopicStreamStuck))
	assert.Equal(t, []string{"autoplay blocked on stream-20"}, reasons, "fallback is forced once")

	s.FailPlay(nil)
	h.c.ResumeAfterGesture()
	h.c.Sync()
	assert.True(t, s.IsPlaying())
	assert.Equal(t, 1, h.rec.count(bus.TopicPlayingID))
}

func TestOtherPlayFailuresAreErrors(t *testing.T) {
	h := newHarness(t, setup{})

	h.c.SubscribeToLanguage("fr", frAudio)
	s := h.add(20, true, false)
	s.FailPlay(transport.NewError("play", transport.CodeUnknown, "decoder"))
	h.confirm(20)

	assert.Zero(t, h.rec.count(bus.TopicStreamStuck))
	errs := h.rec.of(bus.TopicError)
	require.Len(t, errs, 1)
	assert.Equal(t, "play stream-20", errs[0].Payload.(bus.ErrorPayload).Context)
}

func TestBatchedAutoPlayWaitsForAllSiblings(t *testing.T) {
	h := newHarness(t, setup{opts: func(o *Options) { o.IsIOS = true }})

	h.c.SubscribeToLanguage("fr", frAudio)
	s20 := h.add(20, true, false)
	s21 := h.add(21, true, false)
	s22 := h.add(22, true, false)

	h.confirm(20)
	h.confirm(21)
	assert.Zero(t, s20.PlayCalls())
	assert.Zero(t, s21.PlayCalls())
	assert.Zero(t, s22.PlayCalls())

	h.confirm(22)
	assert.Equal(t, 1, s20.PlayCalls())
	assert.Equal(t, 1, s21.PlayCalls())
	assert.Equal(t, 1, s22.PlayCalls())
	assert.Equal(t, 3, h.rec.count(bus.TopicAutoPlay))
}

func TestBatchedAutoPlaySkipsFailedSibling(t *testing.T) {
	h := newHarness(t, setup{opts: func(o *Options) { o.IsIOS = true }})

	h.c.SubscribeToLanguage("fr", frAudio)
	s20 := h.add(20, true, false)
	s21 := h.add(21, true, false)

	h.confirm(20)
	assert.Zero(t, s20.PlayCalls())

	h.fail(21, transport.NewError("subscribe", transport.CodeTimeout, "slow"))
	assert.Equal(t, 1, s20.PlayCalls())
	assert.Zero(t, s21.PlayCalls())
}

func TestBatchedAutoPlayReleasedByDepartingSibling(t *testing.T) {
	h := newHarness(t, setup{opts: func(o *Options) { o.IsIOS = true }})
	h.client.AutoUnsubscribe = true

	h.c.SubscribeToLanguage("fr", frAudio)
	s20 := h.add(20, true, false)
	h.add(21, true, false)
	h.confirm(20)

	h.client.Emit(transport.Event{Name: transport.EventPeerLeave, UID: 21})
	h.c.Sync()

	assert.Equal(t, 1, s20.PlayCalls())
	assert.Equal(t, 1, h.rec.count(bus.TopicPeerLeave))
}

func TestRelayOnIOSIsNotBatched(t *testing.T) {
	h := newHarness(t, setup{kind: transport.KindRelay, opts: func(o *Options) { o.IsIOS = true }})

	h.c.SubscribeToLanguage("fr", frAudio)
	s20 := h.add(20, true, false)
	h.add(21, true, false)
	h.confirm(20)

	assert.Equal(t, 1, s20.PlayCalls())
}

func TestPlayLanguagePreservesUnspecifiedFlags(t *testing.T) {
	h := newHarness(t, setup{})

	h.c.SubscribeToLanguage("fr", Intent{PlayAudio: true, SubscribeToAudio: true, SubscribeToVideo: true})
	s := h.add(20, true, true)
	h.confirm(20)
	assert.Zero(t, s.PlayCalls(), "no autoplay")

	h.c.PlayLanguage("fr", Tracks{Video: Bool(true)})
	h.c.Sync()
	st := h.snapshot().Languages["fr"]
	assert.True(t, st.PlayAudio)
	assert.True(t, st.PlayVideo)
	assert.Equal(t, 1, s.PlayCalls())
	audioMuted, videoMuted := s.Muted()
	assert.False(t, audioMuted)
	assert.False(t, videoMuted)

	h.c.PlayLanguage("fr", Tracks{Audio: Bool(false)})
	h.c.Sync()
	assert.Equal(t, 1, s.PlayCalls(), "live streams only get their mute state changed")
	audioMuted, _ = s.Muted()
	assert.True(t, audioMuted)
}

func TestPlayLanguageRejectsUnsubscribedTrack(t *testing.T) {
	h := newHarness(t, setup{})

	h.c.SubscribeToLanguage("fr", Intent{SubscribeToAudio: true})
	h.c.PlayLanguage("fr", Tracks{Video: Bool(true)})

	assert.False(t, h.snapshot().Languages["fr"].PlayVideo)
	assert.Zero(t, h.rec.count(bus.TopicPlayingLanguage))
}

func TestStopLanguage(t *testing.T) {
	h := newHarness(t, setup{})

	h.c.SubscribeToLanguage("fr", frAudio)
	s := h.add(20, true, false)
	h.confirm(20)
	require.True(t, s.IsPlaying())

	h.c.StopLanguage("fr")
	h.c.Sync()

	assert.False(t, s.IsPlaying())
	assert.False(t, h.snapshot().Languages["fr"].AutoPlay)
	assert.Equal(t, 1, h.rec.count(bus.TopicStoppedID))
	assert.Equal(t, 1, h.rec.count(bus.TopicStoppedLanguage))
}

func TestMuteAndUnmuteLanguage(t *testing.T) {
	h := newHarness(t, setup{features: transport.Features{SupportsResume: true}})

	h.c.SubscribeToLanguage("fr", frAudio)
	s := h.add(20, true, false)
	h.confirm(20)

	h.c.MuteLanguage("fr", Tracks{Audio: Bool(true)})
	h.c.Sync()
	audioMuted, _ := s.Muted()
	assert.True(t, audioMuted)
	assert.False(t, h.snapshot().Languages["fr"].PlayAudio)
	assert.Equal(t, 1, h.rec.count(bus.TopicMutedID))
	assert.Equal(t, 1, s.Resumes())

	h.c.UnmuteLanguage("fr", Tracks{Audio: Bool(true)})
	h.c.Sync()
	audioMuted, _ = s.Muted()
	assert.False(t, audioMuted)
	st := h.snapshot().Languages["fr"]
	assert.True(t, st.PlayAudio)
	assert.True(t, st.AutoPlay)
	assert.Equal(t, 1, h.rec.count(bus.TopicUnmutedID))
	assert.Equal(t, 2, s.Resumes())
}

func TestMuteSkipsStreamsThatAreNotPlaying(t *testing.T) {
	h := newHarness(t, setup{})

	h.c.SubscribeToLanguage("fr", Intent{SubscribeToAudio: true})
	s := h.add(20, true, false)
	h.confirm(20)

	h.c.MuteLanguage("fr", Tracks{Audio: Bool(true)})
	h.c.Sync()
	assert.Zero(t, h.rec.count(bus.TopicMutedID))
	assert.Equal(t, 1, h.rec.count(bus.TopicMutedLanguage))
	audioMuted, _ := s.Muted()
	assert.False(t, audioMuted)
}

func TestUnmuteLanguageRequiresSubscription(t *testing.T) {
	h := newHarness(t, setup{})

	h.c.UnmuteLanguage("en", Tracks{Audio: Bool(true)})
	st := h.snapshot().Languages["en"]
	assert.False(t, st.AutoPlay)
	assert.Zero(t, h.rec.count(bus.TopicUnmutedLanguage))
}

func TestUnmuteStartsStoppedStream(t *testing.T) {
	h := newHarness(t, setup{})

	h.c.SubscribeToLanguage("fr", Intent{SubscribeToAudio: true})
	s := h.add(20, true, false)
	h.confirm(20)
	require.False(t, s.IsPlaying())

	h.c.UnmuteLanguage("fr", Tracks{Audio: Bool(true)})
	h.c.Sync()
	assert.True(t, s.IsPlaying())
	audioMuted, _ := s.Muted()
	assert.False(t, audioMuted)
}

func TestUnsubscribeFromOtherLanguages(t *testing.T) {
	h := newHarness(t, setup{})
	h.client.AutoUnsubscribe = true

	h.c.SubscribeToLanguage("en", frAudio)
	h.c.SubscribeToLanguage("fr", frAudio)
	h.add(10, true, false)
	h.add(20, true, false)

	h.c.UnsubscribeFromOtherLanguages("en")
	snap := h.snapshot()
	assert.True(t, snap.Languages["en"].Subscribe)
	assert.False(t, snap.Languages["fr"].Subscribe)
	assert.Zero(t, h.client.Count("unsubscribe", 10))
	assert.Equal(t, 1, h.client.Count("unsubscribe", 20))
}

func TestPerPublisherControls(t *testing.T) {
	h := newHarness(t, setup{})

	h.c.SubscribeToLanguage("fr", Intent{PlayAudio: true, SubscribeToAudio: true})
	s := h.add(20, true, false)
	h.confirm(20)

	h.c.PlayID("stream-20")
	h.c.SetVolume("stream-20", -3)
	h.c.Sync()
	assert.True(t, s.IsPlaying())
	assert.Equal(t, 0, s.Volume())

	h.c.MuteID("stream-20", Tracks{Audio: Bool(true)})
	h.c.Sync()
	audioMuted, _ := s.Muted()
	assert.True(t, audioMuted)

	h.c.UnmuteID("stream-20", Tracks{Audio: Bool(true)})
	h.c.StopID("stream-20")
	h.c.StopID("stream-404")
	h.c.Sync()
	assert.False(t, s.IsPlaying())
	assert.Equal(t, 1, h.rec.count(bus.TopicStoppedID))
	assert.Zero(t, s.Resumes(), "transport without resume")
}

func TestUnmuteIDStartsSelectedTrack(t *testing.T) {
	h := newHarness(t, setup{})

	h.c.SubscribeToLanguage("fr", Intent{SubscribeToAudio: true})
	s := h.add(20, true, true)
	h.confirm(20)
	require.False(t, s.IsPlaying())

	h.c.UnmuteID("stream-20", Tracks{Audio: Bool(true)})
	h.c.Sync()
	require.True(t, s.IsPlaying())
	audioMuted, videoMuted := s.Muted()
	assert.False(t, audioMuted)
	assert.True(t, videoMuted, "video is not subscribed")
	assert.Equal(t, 1, h.rec.count(bus.TopicUnmutedID))
}

func TestReplacedStreamIsStoppedAndResubscribed(t *testing.T) {
	h := newHarness(t, setup{})

	h.c.SubscribeToLanguage("fr", frAudio)
	old := h.add(20, true, false)
	h.confirm(20)
	require.True(t, old.IsPlaying())

	fresh := h.add(20, true, true)
	assert.False(t, old.IsPlaying())
	assert.Equal(t, 2, h.client.Count("subscribe", 20))

	h.confirm(20)
	assert.True(t, fresh.IsPlaying())
	p, _ := h.snapshot().Publisher("stream-20")
	assert.True(t, p.HasVideo)
}

func TestNestedPublishIsBounded(t *testing.T) {
	h := newHarness(t, setup{})

	calls := 0
	h.bus.Subscribe(bus.TopicWarn, func(bus.Event) {
		calls++
		h.c.publish(bus.TopicWarn, nil)
	})
	h.c.loop.Do(func() { h.c.publish(bus.TopicWarn, nil) })
	assert.Equal(t, maxPublishDepth, calls)

	// The counter unwinds, so the next chain is delivered in full.
	calls = 0
	h.c.loop.Do(func() { h.c.publish(bus.TopicWarn, nil) })
	assert.Equal(t, maxPublishDepth, calls)
}

func TestStreamUpdatedRefreshesTracks(t *testing.T) {
	h := newHarness(t, setup{})

	h.c.SubscribeToLanguage("fr", frAudio)
	s := h.add(20, true, false)
	h.confirm(20)
	require.True(t, s.IsPlaying())

	s.SetTracks(true, true)
	h.client.Emit(transport.Event{Name: transport.EventStreamUpdated, Stream: s})
	p, ok := h.snapshot().Publisher("stream-20")
	require.True(t, ok)
	assert.True(t, p.HasVideo)
	assert.True(t, p.Subscribed)
	_, videoMuted := s.Muted()
	assert.True(t, videoMuted, "language does not play video")
	assert.Equal(t, 1, h.client.Count("subscribe", 20))

	// An update for a stream never seen is recorded as a new one.
	other := transporttest.NewStream(21, true, false)
	h.client.Emit(transport.Event{Name: transport.EventStreamUpdated, Stream: other})
	_, ok = h.snapshot().Publisher("stream-21")
	assert.True(t, ok)
}
