package tutor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Mingdididi/EnglishTeacher/internal/genai"
	"github.com/Mingdididi/EnglishTeacher/internal/history"
	"github.com/Mingdididi/EnglishTeacher/internal/transcript"
)

// State is the coordinator's interaction state. At most one is active at
// a time; input is accepted only in StateIdle.
type State int

const (
	StateIdle State = iota
	StateListening
	StateProcessing
	StateSpeaking
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateEnded:
		return "ended"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Mode selects how the learner's next utterance arrives.
type Mode int

const (
	ModeVoice Mode = iota
	ModeText
)

func (m Mode) String() string {
	if m == ModeText {
		return "text"
	}
	return "voice"
}

// ResumePolicy controls what happens after a reply finishes playing.
type ResumePolicy int

const (
	// ResumeManual returns to idle; the learner taps to speak again.
	ResumeManual ResumePolicy = iota
	// ResumeAutoListen reopens the microphone immediately in voice mode.
	ResumeAutoListen
	// ResumeStayInMode keeps the current input mode ready without
	// reopening the microphone.
	ResumeStayInMode
)

// ParseResumePolicy maps a config string to a policy, defaulting to manual.
func ParseResumePolicy(s string) ResumePolicy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto", "auto-listen", "autolisten":
		return ResumeAutoListen
	case "stay", "stay-in-mode":
		return ResumeStayInMode
	default:
		return ResumeManual
	}
}

// Recognizer is the realtime speech-to-text adapter. It accepts PCM 16kHz
// little-endian mono audio and keeps a cumulative transcript for the
// current utterance.
type Recognizer interface {
	Availability() transcript.Capability
	Connect() error
	SendPCM16KLE(pcm []byte) error
	Transcripts() <-chan string
	Endpoint() <-chan struct{}
	TakeLatest() string
	ResetUtterance()
	RecentlyDetectedVoice(window time.Duration) bool
	Close() error
}

// Recorder buffers the current turn's raw microphone audio.
type Recorder interface {
	Start()
	Stop() []byte
	Active() bool
	SampleRate() int
}

// Replier produces the tutor's utterances.
type Replier interface {
	Opening(ctx context.Context, topic string) (string, error)
	Reply(ctx context.Context, turns []history.Turn, userText string, turnIndex, maxTurns int) (string, error)
}

// Analyzer scores one user utterance in the background.
type Analyzer interface {
	Analyze(ctx context.Context, text, wavB64 string) (history.PronunciationResult, error)
}

// Reporter builds the end-of-session feedback report. It never fails.
type Reporter interface {
	FeedbackReport(ctx context.Context, turns []history.Turn) genai.Report
}

// Synthesizer converts reply text to raw mono PCM16LE 24kHz bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Player plays one synthesized reply and signals completion exactly once.
type Player interface {
	Play(raw []byte) <-chan struct{}
}

// Observer receives coordinator callbacks. All callbacks run on the
// coordinator's own goroutine; keep them short. Any field may be nil.
type Observer struct {
	OnState      func(s State)
	OnMode       func(m Mode)
	OnTurn       func(t history.Turn)
	OnTranscript func(text string)
	OnNotice     func(text string)
	OnReport     func(r genai.Report)
}

// Config carries the per-session tuning knobs.
type Config struct {
	Topic    string
	MaxTurns int
	Resume   ResumePolicy

	// CaptureStartDelay defers recorder start after listening begins so
	// the recognizer wins the race for the first audio frames; the
	// recorder's pre-roll covers the gap.
	CaptureStartDelay time.Duration
	// SettleDelay is how long to wait after capture stops before reading
	// the final transcript.
	SettleDelay time.Duration
	// SessionEndLinger delays the terminal transition after the last
	// reply finishes playing.
	SessionEndLinger time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxTurns <= 0 {
		c.MaxTurns = 5
	}
	if c.CaptureStartDelay <= 0 {
		c.CaptureStartDelay = 150 * time.Millisecond
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 300 * time.Millisecond
	}
	if c.SessionEndLinger <= 0 {
		c.SessionEndLinger = 1500 * time.Millisecond
	}
	return c
}
