package surface

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/babelrtc/internal/transport"
)

type closingBuffer struct {
	bytes.Buffer
	closed bool
}

func (b *closingBuffer) Close() error {
	b.closed = true
	return nil
}

func TestVint(t *testing.T) {
	assert.Equal(t, []byte{0x81}, vint(1))
	assert.Equal(t, []byte{0x40, 0x7F}, vint(0x7F))
	assert.Equal(t, []byte{0x41, 0x00}, vint(0x100))
	assert.Equal(t, []byte{0x20, 0x40, 0x00}, vint(0x4000))
	assert.Equal(t, []byte{0x10, 0x20, 0x00, 0x00}, vint(0x200000))
}

func TestUintBytes(t *testing.T) {
	assert.Equal(t, []byte{0}, uintBytes(0))
	assert.Equal(t, []byte{0x0F, 0x42, 0x40}, uintBytes(1000000))
}

func TestWebmWriterClusters(t *testing.T) {
	buf := &closingBuffer{}
	ww := newWebmWriter(buf)

	frame := []byte{0xFC, 0x01, 0x02}
	for i := uint32(0); i < 10; i++ {
		require.NoError(t, ww.writeFrame(1000+i*960, frame))
	}
	assert.True(t, bytes.HasPrefix(buf.Bytes(), idEBML))
	assert.Contains(t, buf.String(), "A_OPUS")
	assert.Equal(t, 0, bytes.Count(buf.Bytes(), idCluster), "first cluster still open")

	// 1.5 s later: the open cluster is flushed and a new one starts.
	require.NoError(t, ww.writeFrame(1000+72000, frame))
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), idCluster))
	assert.Equal(t, int64(1500), ww.clusterStart)

	require.NoError(t, ww.Close())
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), idCluster))
	assert.True(t, buf.closed)
	assert.Equal(t, 11, ww.frames)
}

func TestWebmWriterTimestampWrap(t *testing.T) {
	ww := newWebmWriter(&closingBuffer{})
	require.NoError(t, ww.writeFrame(0xFFFFFE00, []byte{1}))
	require.NoError(t, ww.writeFrame(0x00000400, []byte{2}))
	assert.True(t, ww.clusterOpen)
	assert.Equal(t, int64(0), ww.clusterStart)
}

func TestRecordingWritesFile(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry("media")
	require.NoError(t, r.Record(dir))
	r.Ensure("stream-10")

	sink, err := r.Sink("stream-10")
	require.NoError(t, err)
	for i := uint32(0); i < 3; i++ {
		pkt := &rtp.Packet{Header: rtp.Header{Timestamp: i * 960}, Payload: []byte{0xFC, 0xFF, 0xFE}}
		require.NoError(t, sink.WriteRTP(transport.MediaAudio, pkt))
	}
	require.NoError(t, sink.WriteRTP(transport.MediaVideo, &rtp.Packet{Payload: []byte{1, 2}}))

	s, _ := r.Get("stream-10")
	path, ok := s.Recording()
	require.True(t, ok)
	assert.Equal(t, dir, filepath.Dir(path))

	r.Remove("stream-10")
	_, ok = s.Recording()
	assert.False(t, ok)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(b, idEBML))
	assert.Equal(t, 1, bytes.Count(b, idCluster))
}

func TestRecordingRejectsEmptyPayload(t *testing.T) {
	r := NewRegistry("media")
	require.NoError(t, r.Record(t.TempDir()))
	s := r.Ensure("stream-11")

	err := s.WriteRTP(transport.MediaAudio, &rtp.Packet{})
	assert.Error(t, err)
	_, ok := s.Recording()
	assert.False(t, ok)
	assert.Equal(t, uint64(1), s.Stats().AudioPackets)
}

func TestNoRecordingByDefault(t *testing.T) {
	r := NewRegistry("media")
	s := r.Ensure("stream-12")
	require.NoError(t, s.WriteRTP(transport.MediaAudio, &rtp.Packet{Payload: []byte{0xFC}}))
	_, ok := s.Recording()
	assert.False(t, ok)
	r.Close()
}
