package capture

import (
	"encoding/binary"
	"sync"

	"github.com/Mingdididi/EnglishTeacher/internal/vad"
)

// Recorder buffers raw 16-bit PCM for the current turn only. The rtc layer
// feeds it every decoded microphone chunk; buffering happens only between
// Start and Stop. A short pre-roll ring is always fed so the deliberate
// delay before capture start does not lose the first syllable.
type Recorder struct {
	mu         sync.Mutex
	active     bool
	buf        []byte
	pre        *vad.Ring
	preRollMs  int
	sampleRate int
}

// NewRecorder creates a recorder for mono PCM16LE at sampleRate with the
// given pre-roll window.
func NewRecorder(sampleRate, preRollMs int) *Recorder {
	return &Recorder{
		pre:        vad.NewRing(preRollMs+100, sampleRate),
		preRollMs:  preRollMs,
		sampleRate: sampleRate,
	}
}

// Start begins buffering. The previous turn's audio is discarded and the
// pre-roll tail is carried over. Calling Start while already capturing is
// a no-op.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return
	}
	r.buf = r.buf[:0]
	r.buf = append(r.buf, r.pre.TailBytes(r.preRollMs)...)
	r.active = true
}

// Feed accepts a decoded PCM chunk. It always updates the pre-roll ring;
// the turn buffer grows only while capturing.
func (r *Recorder) Feed(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	r.pre.WriteBytes(pcm)
	r.mu.Lock()
	if r.active {
		r.buf = append(r.buf, pcm...)
	}
	r.mu.Unlock()
}

// Stop ends buffering and returns the accumulated audio synchronously.
// A second Stop returns nil.
func (r *Recorder) Stop() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return nil
	}
	r.active = false
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	r.buf = r.buf[:0]
	return out
}

// Active reports whether a capture is in progress.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// SampleRate returns the PCM sample rate the recorder was built for.
func (r *Recorder) SampleRate() int { return r.sampleRate }

// WAV wraps raw mono PCM16LE in a RIFF header so the analysis request can
// carry it as a self-describing attachment.
func WAV(pcm []byte, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	out := make([]byte, 44+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], channels)
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], bitsPerSample)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[44:], pcm)
	return out
}
