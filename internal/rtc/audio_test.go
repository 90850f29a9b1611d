package rtc

import (
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/Mingdididi/EnglishTeacher/internal/tutor"
)

type fakeTrack struct{ writes int32 }

func (f *fakeTrack) WriteSample(s media.Sample) error {
	atomic.AddInt32(&f.writes, 1)
	return nil
}

func newTestWriter(ft *fakeTrack) *OpusPacedWriter {
	return &OpusPacedWriter{
		enc:          nil, // encoder not needed when frames are pushed directly
		track:        ft,
		frameSamples: 960,
		frames:       make(chan []byte, 8),
		stopCh:       make(chan struct{}),
	}
}

func TestOpusPacedWriter_PacerWritesFrames(t *testing.T) {
	ft := &fakeTrack{}
	w := newTestWriter(ft)
	done := make(chan struct{})
	go func() { w.pacer(); close(done) }()

	for i := 0; i < 3; i++ {
		w.pushFrame([]byte{0x01, 0x02})
	}

	time.Sleep(50 * time.Millisecond)
	close(w.stopCh)
	<-done

	if atomic.LoadInt32(&ft.writes) == 0 {
		t.Fatalf("expected pacer to write at least one frame")
	}
}

func TestOpusPacedWriter_SuspendDropsFrames(t *testing.T) {
	ft := &fakeTrack{}
	w := newTestWriter(ft)
	done := make(chan struct{})
	go func() { w.pacer(); close(done) }()

	w.Suspend()
	for i := 0; i < 3; i++ {
		w.pushFrame([]byte{0x01})
	}
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&ft.writes) != 0 {
		t.Fatalf("suspended writer must not emit frames")
	}

	w.Resume()
	w.pushFrame([]byte{0x02})
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) && atomic.LoadInt32(&ft.writes) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	close(w.stopCh)
	<-done
	if atomic.LoadInt32(&ft.writes) == 0 {
		t.Fatalf("resumed writer must emit frames again")
	}
}

func TestOpusPacedWriter_ResetDrains(t *testing.T) {
	ft := &fakeTrack{}
	w := newTestWriter(ft)
	w.pcmBuf = []int16{1, 2, 3}
	w.frames <- []byte{0x01}
	w.frames <- []byte{0x02}
	w.Reset()
	select {
	case <-w.frames:
		t.Fatalf("expected frames channel to be drained")
	default:
	}
	if len(w.pcmBuf) != 0 {
		t.Fatalf("expected pcmBuf to be reset, got len=%d", len(w.pcmBuf))
	}
}

func TestParseICEServers(t *testing.T) {
	servers := parseICEServers(`[{"urls":["turn:turn.example.com"],"username":"u","credential":"c"}]`)
	if len(servers) != 1 || servers[0].URLs[0] != "turn:turn.example.com" {
		t.Fatalf("unexpected servers: %+v", servers)
	}
	fallback := parseICEServers("not json")
	if len(fallback) != 1 || fallback[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("expected stun fallback, got %+v", fallback)
	}
}

func TestParseMode(t *testing.T) {
	if parseMode("text") != tutor.ModeText {
		t.Fatalf("expected text mode")
	}
	if parseMode("voice") != tutor.ModeVoice || parseMode("") != tutor.ModeVoice {
		t.Fatalf("expected voice mode default")
	}
}

func TestAuthOK(t *testing.T) {
	if authOK(nil, "") {
		t.Fatalf("nil request must not pass")
	}
	r := httptest.NewRequest("GET", "/?password=secret", nil)
	if !authOK(r, "secret") {
		t.Fatalf("expected query password to pass")
	}
	r2 := httptest.NewRequest("GET", "/", nil)
	r2.Header.Set("Authorization", "Bearer tok")
	if !authOK(r2, "tok") {
		t.Fatalf("expected bearer token to pass")
	}
	r3 := httptest.NewRequest("GET", "/", nil)
	r3.Header.Set("X-Auth-Token", "x")
	if !authOK(r3, "x") {
		t.Fatalf("expected X-Auth-Token to pass")
	}
	if authOK(httptest.NewRequest("GET", "/?password=wrong", nil), "secret") {
		t.Fatalf("wrong password must fail")
	}
}
