package capture

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestRecorder_DoubleStartIsNoop(t *testing.T) {
	r := NewRecorder(16000, 0)
	r.Start()
	r.Feed([]byte{1, 0, 2, 0})
	r.Start() // must not clear the in-progress buffer
	r.Feed([]byte{3, 0})
	got := r.Stop()
	if len(got) != 6 {
		t.Fatalf("expected 6 buffered bytes, got %d", len(got))
	}
}

func TestRecorder_BufferClearedPerTurn(t *testing.T) {
	r := NewRecorder(16000, 0)
	r.Start()
	r.Feed([]byte{1, 0, 2, 0})
	first := r.Stop()
	if len(first) != 4 {
		t.Fatalf("first turn: expected 4 bytes, got %d", len(first))
	}
	r.Start()
	r.Feed([]byte{9, 0})
	second := r.Stop()
	if len(second) != 2 {
		t.Fatalf("second turn must not include first turn audio, got %d bytes", len(second))
	}
}

func TestRecorder_SecondStopReturnsNil(t *testing.T) {
	r := NewRecorder(16000, 0)
	r.Start()
	r.Feed([]byte{1, 0})
	if got := r.Stop(); got == nil {
		t.Fatalf("first stop must return the audio")
	}
	if got := r.Stop(); got != nil {
		t.Fatalf("second stop must return nil, got %d bytes", len(got))
	}
}

func TestRecorder_PreRollCarriedIntoCapture(t *testing.T) {
	r := NewRecorder(16000, 100)
	// 50ms of audio arrives before Start.
	pre := make([]byte, 50*16000/1000*2)
	for i := range pre {
		pre[i] = byte(i)
	}
	r.Feed(pre)
	r.Start()
	r.Feed([]byte{7, 0})
	got := r.Stop()
	if len(got) != len(pre)+2 {
		t.Fatalf("expected pre-roll %d + 2 bytes, got %d", len(pre), len(got))
	}
	if !bytes.Equal(got[:len(pre)], pre) {
		t.Fatalf("pre-roll bytes mismatch")
	}
}

func TestRecorder_FeedIgnoredWhenInactive(t *testing.T) {
	r := NewRecorder(16000, 0)
	r.Feed([]byte{1, 0, 2, 0})
	r.Start()
	got := r.Stop()
	if len(got) != 0 {
		t.Fatalf("audio fed before start (without pre-roll) must not buffer, got %d", len(got))
	}
}

func TestWAV_Header(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0}
	w := WAV(pcm, 16000)
	if len(w) != 44+len(pcm) {
		t.Fatalf("expected 44-byte header plus data, got %d", len(w))
	}
	if string(w[0:4]) != "RIFF" || string(w[8:12]) != "WAVE" {
		t.Fatalf("bad RIFF markers")
	}
	if sr := binary.LittleEndian.Uint32(w[24:28]); sr != 16000 {
		t.Fatalf("sample rate = %d", sr)
	}
	if dl := binary.LittleEndian.Uint32(w[40:44]); dl != uint32(len(pcm)) {
		t.Fatalf("data length = %d", dl)
	}
	if !bytes.Equal(w[44:], pcm) {
		t.Fatalf("payload mismatch")
	}
}
