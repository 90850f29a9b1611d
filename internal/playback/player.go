package playback

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// Synthesized speech arrives as headerless mono 16-bit linear PCM at 24kHz.
// There is no container to sniff, so the decoder below is the format.
const (
	SourceRate = 24000
	OutputRate = 48000
)

// Sink consumes 48kHz mono PCM16LE and delivers it to the listener (the
// paced opus writer in production). Resume undoes a prior suspend/reset
// of the output device before audio is written.
type Sink interface {
	WritePCM(pcm []byte)
	FlushTail()
	Resume()
}

// Player turns raw synthesized speech bytes into output audio and signals
// completion exactly once per play. At most one playback is active; a
// second Play call waits for the first to finish.
type Player struct {
	sink Sink
	mu   sync.Mutex

	// tailPad approximates the sink's drain time after the last write.
	tailPad time.Duration
	sleep   func(time.Duration)
	now     func() time.Time
}

func NewPlayer(sink Sink) *Player {
	return &Player{
		sink:    sink,
		tailPad: 250 * time.Millisecond,
		sleep:   time.Sleep,
		now:     time.Now,
	}
}

// Play decodes and plays one utterance. The returned channel is closed
// exactly once, when the audio has (approximately) finished sounding.
func (p *Player) Play(raw []byte) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.mu.Lock()
		defer p.mu.Unlock()

		samples := DecodePCM16(raw)
		if len(samples) == 0 {
			return
		}
		started := p.now()
		audible := time.Duration(len(samples)) * time.Second / SourceRate

		p.sink.Resume()
		out := encodePCM16(Upsample2x(samples))
		// 20ms write granularity keeps the sink's backlog shallow.
		const chunk = OutputRate / 50 * 2
		for off := 0; off < len(out); off += chunk {
			end := off + chunk
			if end > len(out) {
				end = len(out)
			}
			p.sink.WritePCM(out[off:end])
		}
		p.sink.FlushTail()

		if remaining := audible + p.tailPad - p.now().Sub(started); remaining > 0 {
			p.sleep(remaining)
		}
	}()
	return done
}

// DecodePCM16 reads headerless little-endian signed 16-bit samples and
// normalizes them into [-1.0, 1.0]. A trailing odd byte is dropped.
func DecodePCM16(raw []byte) []float64 {
	n := len(raw) / 2
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(raw[2*i : 2*i+2]))
		out[i] = float64(s) / 32768.0
	}
	return out
}

// Upsample2x linearly interpolates 24kHz samples to the 48kHz track rate.
func Upsample2x(in []float64) []float64 {
	if len(in) == 0 {
		return nil
	}
	out := make([]float64, len(in)*2)
	for i, s := range in {
		out[2*i] = s
		next := s
		if i+1 < len(in) {
			next = in[i+1]
		}
		out[2*i+1] = (s + next) / 2
	}
	return out
}

func encodePCM16(in []float64) []byte {
	out := make([]byte, len(in)*2)
	for i, f := range in {
		v := f * 32767.0
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[2*i:2*i+2], uint16(int16(v)))
	}
	return out
}

// Duration reports how long raw synthesized bytes will sound for.
func Duration(raw []byte) time.Duration {
	return time.Duration(len(raw)/2) * time.Second / SourceRate
}

func (p *Player) String() string {
	return fmt.Sprintf("playback.Player(src=%dHz out=%dHz)", SourceRate, OutputRate)
}
