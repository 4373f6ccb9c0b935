package surface

// Audio-only WebM writer for surface recordings. The stream is written
// live: the Segment has unknown size and every Cluster is flushed with a
// known size once it spans clusterSpanMs.

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
)

const (
	opusClockRate = 48000
	clusterSpanMs = 1000
	audioTrack    = 1
)

// vint encodes v as an EBML element size. Sizes above 2^28 are not used.
func vint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// unknownSize marks a Segment whose length is not known while streaming.
var unknownSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func elem(id []byte, parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	b := make([]byte, 0, len(id)+4+n)
	b = append(b, id...)
	b = append(b, vint(uint64(n))...)
	for _, p := range parts {
		b = append(b, p...)
	}
	return b
}

// uintBytes is v in the fewest big-endian bytes.
func uintBytes(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	var b []byte
	for ; v > 0; v >>= 8 {
		b = append([]byte{byte(v)}, b...)
	}
	return b
}

var (
	idEBML          = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion   = []byte{0x42, 0x86}
	idEBMLReadVer   = []byte{0x42, 0xF7}
	idEBMLMaxIDLen  = []byte{0x42, 0xF2}
	idEBMLMaxSzLen  = []byte{0x42, 0xF3}
	idDocType       = []byte{0x42, 0x82}
	idDocTypeVer    = []byte{0x42, 0x87}
	idDocTypeReadVr = []byte{0x42, 0x85}
	idSegment       = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo          = []byte{0x15, 0x49, 0xA9, 0x66}
	idTimecodeScale = []byte{0x2A, 0xD7, 0xB1}
	idMuxingApp     = []byte{0x4D, 0x80}
	idWritingApp    = []byte{0x57, 0x41}
	idTracks        = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry    = []byte{0xAE}
	idTrackNumber   = []byte{0xD7}
	idTrackUID      = []byte{0x73, 0xC5}
	idTrackType     = []byte{0x83}
	idCodecID       = []byte{0x86}
	idCodecPrivate  = []byte{0x63, 0xA2}
	idAudio         = []byte{0xE1}
	idSamplingFreq  = []byte{0xB5}
	idChannels      = []byte{0x9F}
	idCluster       = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode      = []byte{0xE7}
	idSimpleBlock   = []byte{0xA3}
)

// opusHead is the OpusHead codec private data: mono, 48 kHz, 312 samples
// pre-skip.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01,
	0x01,
	0x38, 0x01,
	0x80, 0xBB, 0x00, 0x00,
	0x00, 0x00,
	0x00,
}

func initSegment() []byte {
	freq := make([]byte, 4)
	binary.BigEndian.PutUint32(freq, math.Float32bits(opusClockRate))

	var b bytes.Buffer
	b.Write(elem(idEBML,
		elem(idEBMLVersion, uintBytes(1)),
		elem(idEBMLReadVer, uintBytes(1)),
		elem(idEBMLMaxIDLen, uintBytes(4)),
		elem(idEBMLMaxSzLen, uintBytes(8)),
		elem(idDocType, []byte("webm")),
		elem(idDocTypeVer, uintBytes(2)),
		elem(idDocTypeReadVr, uintBytes(2)),
	))
	b.Write(idSegment)
	b.Write(unknownSize)
	b.Write(elem(idInfo,
		elem(idTimecodeScale, uintBytes(1000000)),
		elem(idMuxingApp, []byte("babelrtc")),
		elem(idWritingApp, []byte("babelrtc")),
	))
	b.Write(elem(idTracks, elem(idTrackEntry,
		elem(idTrackNumber, uintBytes(audioTrack)),
		elem(idTrackUID, uintBytes(audioTrack)),
		elem(idTrackType, uintBytes(2)),
		elem(idCodecID, []byte("A_OPUS")),
		elem(idCodecPrivate, opusHead),
		elem(idAudio,
			elem(idSamplingFreq, freq),
			elem(idChannels, uintBytes(1)),
		),
	)))
	return b.Bytes()
}

func simpleBlock(relMs int16, frame []byte) []byte {
	head := make([]byte, 4)
	head[0] = vint(audioTrack)[0]
	binary.BigEndian.PutUint16(head[1:3], uint16(relMs))
	head[3] = 0x80 // every Opus frame is a keyframe
	return elem(idSimpleBlock, head, frame)
}

// webmWriter turns Opus frames stamped with RTP timestamps into a WebM
// stream. The first frame is t=0.
type webmWriter struct {
	w io.WriteCloser

	started bool
	baseTS  uint32

	clusterOpen  bool
	clusterStart int64
	blocks       bytes.Buffer
	frames       int
}

func newWebmWriter(w io.WriteCloser) *webmWriter {
	return &webmWriter{w: w}
}

func (ww *webmWriter) writeFrame(ts uint32, frame []byte) error {
	if !ww.started {
		if _, err := ww.w.Write(initSegment()); err != nil {
			return err
		}
		ww.started = true
		ww.baseTS = ts
	}
	// uint32 subtraction keeps the elapsed time right across a wrap.
	ms := int64(ts-ww.baseTS) * 1000 / opusClockRate

	if ww.clusterOpen && (ms-ww.clusterStart >= clusterSpanMs || ms < ww.clusterStart) {
		if err := ww.flush(); err != nil {
			return err
		}
	}
	if !ww.clusterOpen {
		ww.clusterOpen = true
		ww.clusterStart = ms
		ww.blocks.Reset()
	}
	ww.blocks.Write(simpleBlock(int16(ms-ww.clusterStart), frame))
	ww.frames++
	return nil
}

func (ww *webmWriter) flush() error {
	if !ww.clusterOpen {
		return nil
	}
	ww.clusterOpen = false
	cluster := elem(idCluster, elem(idTimecode, uintBytes(uint64(ww.clusterStart))), ww.blocks.Bytes())
	ww.blocks.Reset()
	_, err := ww.w.Write(cluster)
	return err
}

func (ww *webmWriter) Close() error {
	err := ww.flush()
	if cerr := ww.w.Close(); err == nil {
		err = cerr
	}
	return err
}
