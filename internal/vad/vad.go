package vad

import (
	"encoding/binary"
	"math"
	"sync"
)

// RMS computes the root-mean-square energy of 16-bit little-endian mono PCM.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[2*i : 2*i+2])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Energy is a smoothed energy-threshold voice activity detector. It is not
// a speech classifier; it only distinguishes voice energy from silence.
type Energy struct {
	threshold float64
	win       []bool
	smoothN   int
}

// NewEnergy returns a detector with a conservative threshold for 16kHz
// headset/browser microphones.
func NewEnergy() *Energy { return &Energy{threshold: 250.0, smoothN: 4} }

// Voiced feeds one PCM buffer and reports whether the smoothed window
// currently looks like voice.
func (e *Energy) Voiced(pcm []byte) bool {
	b := RMS(pcm) >= e.threshold
	e.win = append(e.win, b)
	if len(e.win) > e.smoothN {
		e.win = e.win[len(e.win)-e.smoothN:]
	}
	trueCount := 0
	for _, x := range e.win {
		if x {
			trueCount++
		}
	}
	return trueCount*2 >= len(e.win)
}

// Ring is a fixed-capacity circular buffer of 16-bit PCM samples. The
// recorder uses it as a pre-roll so that the deliberate delay before
// capture start does not lose the onset of speech.
type Ring struct {
	mu       sync.Mutex
	buf      []int16
	cap      int
	writePos int
	filled   int
	sr       int
}

// NewRing holds up to capacityMs of audio at sampleRate.
func NewRing(capacityMs, sampleRate int) *Ring {
	samples := capacityMs * sampleRate / 1000
	if samples < sampleRate/10 {
		samples = sampleRate / 10
	}
	return &Ring{buf: make([]int16, samples), cap: samples, sr: sampleRate}
}

// WriteBytes appends 16-bit little-endian PCM, overwriting the oldest
// samples once full.
func (r *Ring) WriteBytes(pcm []byte) {
	r.mu.Lock()
	for i := 0; i+1 < len(pcm); i += 2 {
		r.buf[r.writePos] = int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		r.writePos = (r.writePos + 1) % r.cap
		if r.filled < r.cap {
			r.filled++
		}
	}
	r.mu.Unlock()
}

// TailBytes returns the last ms milliseconds of audio as PCM16LE, at most
// as much as has been written.
func (r *Ring) TailBytes(ms int) []byte {
	r.mu.Lock()
	n := ms * r.sr / 1000
	if n > r.filled {
		n = r.filled
	}
	out := make([]byte, n*2)
	start := (r.writePos - n + r.cap) % r.cap
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[2*i:2*i+2], uint16(r.buf[(start+i)%r.cap]))
	}
	r.mu.Unlock()
	return out
}

// Clear drops all buffered samples.
func (r *Ring) Clear() {
	r.mu.Lock()
	r.writePos = 0
	r.filled = 0
	r.mu.Unlock()
}
