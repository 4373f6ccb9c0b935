// Package surface keeps the per-publisher placeholders that playback binds
// media to. A placeholder exists from subscribe until unsubscribe; the
// transports resolve it by domId when a stream starts playing.
package surface

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/sirupsen/logrus"

	"github.com/petervdpas/babelrtc/internal/transport"
)

var logger = logrus.WithField("component", "surface")

// Surface counts the media delivered to one placeholder and, when the
// registry records, writes its audio to a WebM file.
type Surface struct {
	DomID string

	mu        sync.Mutex
	stats     transport.Stats
	recordDir string
	rec       *webmWriter
	recPath   string
}

// WriteRTP implements transport.Sink.
func (s *Surface) WriteRTP(kind transport.MediaKind, pkt *rtp.Packet) error {
	n := uint64(len(pkt.Payload))
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == transport.MediaVideo {
		s.stats.VideoPackets++
		s.stats.VideoBytes += n
		return nil
	}
	s.stats.AudioPackets++
	s.stats.AudioBytes += n
	if s.recordDir == "" {
		return nil
	}
	return s.recordLocked(pkt)
}

func (s *Surface) recordLocked(pkt *rtp.Packet) error {
	var opus codecs.OpusPacket
	frame, err := opus.Unmarshal(pkt.Payload)
	if err != nil {
		return fmt.Errorf("record %s: %w", s.DomID, err)
	}
	if s.rec == nil {
		path := filepath.Join(s.recordDir, fmt.Sprintf("%s-%d.webm", s.DomID, time.Now().UnixMilli()))
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("record %s: %w", s.DomID, err)
		}
		s.rec = newWebmWriter(f)
		s.recPath = path
		logger.WithFields(logrus.Fields{
			"dom_id": s.DomID,
			"path":   path,
		}).Info("recording started")
	}
	return s.rec.writeFrame(pkt.Timestamp, frame)
}

// Recording returns the path of the current recording, if any.
func (s *Surface) Recording() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recPath, s.rec != nil
}

// closeRecording finishes the file. The surface records into a new file if
// audio keeps arriving.
func (s *Surface) closeRecording() {
	s.mu.Lock()
	rec, path := s.rec, s.recPath
	s.rec, s.recPath = nil, ""
	s.mu.Unlock()
	if rec == nil {
		return
	}
	frames := rec.frames
	if err := rec.Close(); err != nil {
		logger.WithFields(logrus.Fields{
			"dom_id": s.DomID,
			"path":   path,
			"error":  err,
		}).Warn("close recording")
		return
	}
	logger.WithFields(logrus.Fields{
		"dom_id": s.DomID,
		"path":   path,
		"frames": frames,
	}).Info("recording finished")
}

// Stats returns a copy of the counters.
func (s *Surface) Stats() transport.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Registry owns every placeholder of a session, under one container id.
// It also models the autoplay gesture lock: while a gesture is required and
// none was reported, Sink refuses with CodeNotAllowed.
type Registry struct {
	containerID string

	mu              sync.Mutex
	surfaces        map[string]*Surface
	gestureRequired bool
	unlocked        bool
	recordDir       string
}

// NewRegistry creates an empty registry for containerID.
func NewRegistry(containerID string) *Registry {
	return &Registry{
		containerID: containerID,
		surfaces:    make(map[string]*Surface),
	}
}

// ContainerID returns the id placeholders are grouped under.
func (r *Registry) ContainerID() string { return r.containerID }

// Ensure returns the placeholder for domID, creating it if needed.
func (r *Registry) Ensure(domID string) *Surface {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.surfaces[domID]
	if !ok {
		s = &Surface{DomID: domID, recordDir: r.recordDir}
		r.surfaces[domID] = s
	}
	return s
}

// Record makes placeholders created from now on write their audio to
// dir, one Opus WebM file per placeholder lifetime.
func (r *Registry) Record(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}
	r.mu.Lock()
	r.recordDir = dir
	r.mu.Unlock()
	return nil
}

// Remove drops the placeholder and finishes its recording. Missing ids are
// ignored.
func (r *Registry) Remove(domID string) {
	r.mu.Lock()
	s, ok := r.surfaces[domID]
	delete(r.surfaces, domID)
	r.mu.Unlock()
	if ok {
		s.closeRecording()
	}
}

// Close finishes every recording. Placeholders stay registered.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*Surface, 0, len(r.surfaces))
	for _, s := range r.surfaces {
		all = append(all, s)
	}
	r.mu.Unlock()
	for _, s := range all {
		s.closeRecording()
	}
}

// Get looks up a placeholder without creating it.
func (r *Registry) Get(domID string) (*Surface, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.surfaces[domID]
	return s, ok
}

// IDs returns the placeholder ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.surfaces))
	for id := range r.surfaces {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// RequireGesture turns the autoplay lock on or off.
func (r *Registry) RequireGesture(required bool) {
	r.mu.Lock()
	r.gestureRequired = required
	r.mu.Unlock()
}

// Unlock records a user gesture; later Sink calls succeed.
func (r *Registry) Unlock() {
	r.mu.Lock()
	r.unlocked = true
	r.mu.Unlock()
}

// Sink implements transport.SinkResolver.
func (r *Registry) Sink(domID string) (transport.Sink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gestureRequired && !r.unlocked {
		return nil, transport.NewError("play", transport.CodeNotAllowed, "playback requires a user gesture")
	}
	s, ok := r.surfaces[domID]
	if !ok {
		// The placeholder went away between play and resolve: the request
		// was superseded by an unsubscribe.
		return nil, transport.NewError("play", transport.CodeAborted, "placeholder "+domID+" removed")
	}
	return s, nil
}
