package remote

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/petervdpas/babelrtc/internal/signal"
	"github.com/petervdpas/babelrtc/internal/transport"
)

// Hub tracks the streams a server announced and fans client events out to
// the registered handlers. Adapters feed it the signal events they receive.
type Hub struct {
	sinks   transport.SinkResolver
	removed func(uid uint32)

	mu       sync.Mutex
	handlers map[string][]transport.Handler
	streams  map[uint32]*Stream
}

// NewHub creates a hub. removed, if set, runs for every stream that leaves,
// before the event is emitted.
func NewHub(sinks transport.SinkResolver, removed func(uid uint32)) *Hub {
	return &Hub{
		sinks:    sinks,
		removed:  removed,
		handlers: make(map[string][]transport.Handler),
		streams:  make(map[uint32]*Stream),
	}
}

func (h *Hub) On(event string, fn transport.Handler) {
	h.mu.Lock()
	h.handlers[event] = append(h.handlers[event], fn)
	h.mu.Unlock()
}

// Emit runs the handlers of evt.Name on the calling goroutine.
func (h *Hub) Emit(evt transport.Event) {
	h.mu.Lock()
	hs := append([]transport.Handler(nil), h.handlers[evt.Name]...)
	h.mu.Unlock()
	for _, fn := range hs {
		fn(evt)
	}
}

// Upsert returns the stream of uid, creating it or refreshing its tracks.
func (h *Hub) Upsert(uid uint32, audio, video bool) *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[uid]
	if ok {
		s.SetTracks(audio, video)
		return s
	}
	s = New(uid, audio, video, h.sinks)
	h.streams[uid] = s
	return s
}

// Get returns the stream of uid or nil.
func (h *Hub) Get(uid uint32) *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streams[uid]
}

// Resolve maps s back to the stream this hub announced.
func (h *Hub) Resolve(op string, s transport.Stream) (*Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rs, ok := s.(*Stream)
	if !ok || h.streams[s.ID()] != rs {
		return nil, transport.NewError(op, transport.CodeNoSuchRemoteStream, "stream is not published on this client")
	}
	return rs, nil
}

// Remove forgets uid and detaches its stream. It returns nil for unknown
// uids.
func (h *Hub) Remove(uid uint32) *Stream {
	h.mu.Lock()
	s := h.streams[uid]
	delete(h.streams, uid)
	h.mu.Unlock()
	if s != nil {
		s.Detach()
	}
	if h.removed != nil {
		h.removed(uid)
	}
	return s
}

// Streams returns every known stream ordered by uid.
func (h *Hub) Streams() []*Stream {
	h.mu.Lock()
	out := make([]*Stream, 0, len(h.streams))
	for _, s := range h.streams {
		out = append(out, s)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Announce emits stream-added for the streams a join result listed.
func (h *Hub) Announce(infos []signal.StreamInfo) {
	for _, info := range infos {
		h.Emit(transport.Event{Name: transport.EventStreamAdded, Stream: h.Upsert(info.UID, info.Audio, info.Video)})
	}
}

// HandleEvent maps one signal event onto the client events.
func (h *Hub) HandleEvent(name string, data json.RawMessage) {
	log := logger.WithField("event", name)
	switch name {
	case signal.EventStreamAdded, signal.EventStreamUpdated:
		var info signal.StreamInfo
		if err := json.Unmarshal(data, &info); err != nil {
			log.WithError(err).Warn("bad stream event")
			return
		}
		h.Emit(transport.Event{Name: name, Stream: h.Upsert(info.UID, info.Audio, info.Video)})

	case signal.EventStreamRemoved, signal.EventPeerLeave:
		var p signal.UIDParams
		if err := json.Unmarshal(data, &p); err != nil {
			log.WithError(err).Warn("bad stream event")
			return
		}
		evt := transport.Event{Name: name, UID: p.UID}
		if s := h.Remove(p.UID); s != nil {
			evt.Stream = s
		} else if name == signal.EventStreamRemoved {
			return
		}
		h.Emit(evt)

	case signal.EventNetworkQuality:
		var q signal.QualityData
		if err := json.Unmarshal(data, &q); err != nil {
			log.WithError(err).Warn("bad quality event")
			return
		}
		h.Emit(transport.Event{Name: name, Downlink: q.Downlink, Uplink: q.Uplink})

	case signal.EventNetworkTypeChanged, signal.EventStreamFallback:
		var d signal.DetailData
		_ = json.Unmarshal(data, &d)
		h.Emit(transport.Event{Name: name, Detail: d.Detail})

	case signal.EventError, signal.EventException:
		var e signal.ErrorBody
		if err := json.Unmarshal(data, &e); err != nil {
			log.WithError(err).Warn("bad error event")
			return
		}
		code := transport.Code(e.Code)
		if code == "" {
			code = transport.CodeUnknown
		}
		h.Emit(transport.Event{Name: name, Err: transport.NewError("server", code, e.Message), Detail: e.Message})

	default:
		log.Debug("unhandled signal event")
	}
}

// ConnectionLost reports a signal connection that dropped unexpectedly.
func (h *Hub) ConnectionLost(err error) {
	h.Emit(transport.Event{Name: transport.EventError, Err: transport.Wrap("signal", transport.CodeClosed, err)})
}
