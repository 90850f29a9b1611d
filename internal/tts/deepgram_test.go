package tts

import (
	"context"
	"testing"
	"time"
)

// Smoke tests: synthesis without credentials must fail fast, not hang.

func TestDeepgram_Synthesize_NoKey(t *testing.T) {
	d := NewDeepgramClient("", "")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := d.Synthesize(ctx, "hello"); err == nil {
		t.Fatalf("expected error when api key missing")
	}
}

func TestDeepgram_Synthesize_EmptyText(t *testing.T) {
	d := NewDeepgramClient("key", "")
	audio, err := d.Synthesize(context.Background(), "")
	if err != nil || audio != nil {
		t.Fatalf("empty text must be a no-op, got audio=%d err=%v", len(audio), err)
	}
}

func TestElevenLabs_Synthesize_NoKey(t *testing.T) {
	e := NewElevenLabsClient("", "")
	if _, err := e.Synthesize(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error when api key missing")
	}
}
