package vad

import (
	"encoding/binary"
	"math"
	"testing"
)

func pcmSine(sr int, hz float64, durMs int, amp float64) []byte {
	n := sr * durMs / 1000
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(amp * math.Sin(2*math.Pi*hz*float64(i)/float64(sr)))
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(v))
	}
	return out
}

func TestEnergy_DistinguishesVoiceFromSilence(t *testing.T) {
	e := NewEnergy()
	loud := pcmSine(16000, 220, 20, 8000)
	quiet := make([]byte, len(loud))
	for i := 0; i < 4; i++ {
		if !e.Voiced(loud) && i == 3 {
			t.Fatalf("expected loud frames to read as voiced")
		}
	}
	e2 := NewEnergy()
	for i := 0; i < 4; i++ {
		if e2.Voiced(quiet) && i == 3 {
			t.Fatalf("expected silence to read as unvoiced")
		}
	}
}

func TestRing_TailReturnsMostRecentSamples(t *testing.T) {
	r := NewRing(100, 16000) // 1600 samples
	first := pcmSine(16000, 440, 50, 1000)
	second := pcmSine(16000, 440, 100, 2000)
	r.WriteBytes(first)
	r.WriteBytes(second)

	tail := r.TailBytes(100)
	if len(tail) != len(second) {
		t.Fatalf("expected %d bytes of tail, got %d", len(second), len(tail))
	}
	for i := range tail {
		if tail[i] != second[i] {
			t.Fatalf("tail byte %d mismatch", i)
		}
	}
}

func TestRing_TailBoundedByWritten(t *testing.T) {
	r := NewRing(200, 16000)
	r.WriteBytes(pcmSine(16000, 440, 30, 500))
	tail := r.TailBytes(200)
	want := 30 * 16000 / 1000 * 2
	if len(tail) != want {
		t.Fatalf("expected tail bounded to written %d bytes, got %d", want, len(tail))
	}
	r.Clear()
	if got := r.TailBytes(200); len(got) != 0 {
		t.Fatalf("expected empty tail after clear, got %d bytes", len(got))
	}
}
