// Package tutor contains the turn coordinator: the state machine that
// sequences microphone capture, live transcription, reply generation,
// background pronunciation analysis and speech playback across a
// fixed-length practice conversation.
package tutor

import (
	"context"
	"encoding/base64"
	"log"
	"strings"
	"time"

	"github.com/Mingdididi/EnglishTeacher/internal/capture"
	"github.com/Mingdididi/EnglishTeacher/internal/history"
	"github.com/Mingdididi/EnglishTeacher/internal/transcript"
)

// FallbackReply is spoken in place of the tutor's reply when generation
// fails. It is appended as a regular assistant turn.
const FallbackReply = "Sorry, I'm having trouble connecting right now. Could you try that again?"

const (
	noSpeechNotice    = "No speech detected. Try speaking again, or switch to text."
	voiceUnavailable  = "Speech recognition is unavailable. You can keep practicing by typing."
	replyCallTimeout  = 20 * time.Second
	synthCallTimeout  = 20 * time.Second
	reportCallTimeout = 45 * time.Second
)

// Deps are the coordinator's collaborators. All are required except
// Analyzer, which may be nil to disable pronunciation scoring.
type Deps struct {
	Recognizer  Recognizer
	Recorder    Recorder
	Replier     Replier
	Analyzer    Analyzer
	Reporter    Reporter
	Synthesizer Synthesizer
	Player      Player
}

// Coordinator owns one conversation session. All state lives on the Run
// goroutine: commands and async completions are posted to it as closures,
// so appends and merges are never concurrent.
type Coordinator struct {
	cfg  Config
	deps Deps
	obs  Observer

	calls chan func()
	done  chan struct{}

	ctx context.Context

	state     State
	mode      Mode
	voiceOK   bool
	hist      *history.Store
	turnCount int
	// gen guards against stale completions after a restart: every posted
	// closure carries the generation it was scheduled under.
	gen int
}

func New(cfg Config, deps Deps, obs Observer) *Coordinator {
	return &Coordinator{
		cfg:   cfg.withDefaults(),
		deps:  deps,
		obs:   obs,
		calls: make(chan func(), 64),
		done:  make(chan struct{}),
		hist:  history.NewStore(),
	}
}

// Run connects the recognizer, opens the session with the tutor's
// greeting and processes events until ctx is cancelled. It must be called
// exactly once.
func (c *Coordinator) Run(ctx context.Context) error {
	c.ctx = ctx
	defer close(c.done)
	defer c.release()

	var live <-chan string
	if c.deps.Recognizer.Availability() == transcript.Available {
		if err := c.deps.Recognizer.Connect(); err != nil {
			log.Printf("recognizer connect failed, voice input disabled: %v", err)
			c.setMode(ModeText)
			c.notice(voiceUnavailable)
		} else {
			c.voiceOK = true
			live = c.deps.Recognizer.Transcripts()
		}
	} else {
		c.setMode(ModeText)
		c.notice(voiceUnavailable)
	}
	endpoint := c.deps.Recognizer.Endpoint()

	c.beginSession(c.cfg.Topic)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-c.calls:
			fn()
		case <-endpoint:
			if c.state == StateListening {
				c.finishListening()
			}
		case t, ok := <-live:
			if !ok {
				live = nil
				continue
			}
			if c.obs.OnTranscript != nil && t != "" {
				c.obs.OnTranscript(t)
			}
		}
	}
}

func (c *Coordinator) release() {
	if c.deps.Recorder.Active() {
		c.deps.Recorder.Stop()
	}
	if err := c.deps.Recognizer.Close(); err != nil {
		log.Printf("recognizer close: %v", err)
	}
}

// post schedules fn on the Run goroutine. It is safe from any goroutine
// and becomes a no-op once the loop has exited.
func (c *Coordinator) post(fn func()) {
	select {
	case c.calls <- fn:
	case <-c.done:
	}
}

// StartListening opens the microphone for the next utterance. Ignored
// unless the session is idle in voice mode.
func (c *Coordinator) StartListening() { c.post(c.startListening) }

// StopListening ends the current capture and processes the utterance.
func (c *Coordinator) StopListening() { c.post(func() { c.finishListening() }) }

// SubmitText processes a typed utterance. Ignored while the tutor is
// processing or speaking.
func (c *Coordinator) SubmitText(text string) {
	c.post(func() { c.submitText(text) })
}

// SetMode switches between voice and text input. Switching away from
// voice while listening stops the capture first, discarding it.
func (c *Coordinator) SetMode(m Mode) { c.post(func() { c.setInputMode(m) }) }

// Restart abandons the current session and starts a new one on topic.
// Analysis results still in flight for the old session are dropped.
func (c *Coordinator) Restart(topic string) { c.post(func() { c.restart(topic) }) }

func (c *Coordinator) startListening() {
	if c.state != StateIdle || c.mode != ModeVoice {
		return
	}
	if !c.voiceOK {
		c.notice(voiceUnavailable)
		return
	}
	c.setState(StateListening)
	c.deps.Recognizer.ResetUtterance()
	gen := c.gen
	// start the recorder late so the recognizer wins the race for the
	// device; the pre-roll ring covers the gap
	time.AfterFunc(c.cfg.CaptureStartDelay, func() {
		c.post(func() {
			if gen == c.gen && c.state == StateListening {
				c.deps.Recorder.Start()
			}
		})
	})
}

func (c *Coordinator) finishListening() {
	if c.state != StateListening {
		return
	}
	audio := c.deps.Recorder.Stop()
	c.setState(StateProcessing)
	gen := c.gen
	// let the final transcription fragment arrive before reading
	time.AfterFunc(c.cfg.SettleDelay, func() {
		c.post(func() { c.transcriptReady(gen, audio) })
	})
}

func (c *Coordinator) transcriptReady(gen int, audio []byte) {
	if gen != c.gen || c.state != StateProcessing {
		return
	}
	text := strings.TrimSpace(c.deps.Recognizer.TakeLatest())
	if text == "" {
		c.notice(noSpeechNotice)
		c.setState(StateIdle)
		return
	}
	c.beginExchange(text, audio)
}

func (c *Coordinator) submitText(text string) {
	if c.state != StateIdle {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.setState(StateProcessing)
	c.beginExchange(text, nil)
}

// beginExchange appends the user turn optimistically, fires the
// background pronunciation analysis and blocks the turn flow only on
// reply generation.
func (c *Coordinator) beginExchange(text string, audio []byte) {
	prior := c.hist.Snapshot()

	userTurn := history.Turn{Role: history.RoleUser, Text: text, At: time.Now()}
	c.hist.Append(userTurn)
	c.turnCount++
	c.emitTurn(userTurn)

	gen := c.gen
	turnIndex := c.turnCount

	if c.deps.Analyzer != nil {
		wavB64 := ""
		if len(audio) > 0 {
			wavB64 = base64.StdEncoding.EncodeToString(capture.WAV(audio, c.deps.Recorder.SampleRate()))
		}
		h := c.hist
		go func() {
			res, err := c.deps.Analyzer.Analyze(c.ctx, text, wavB64)
			if err != nil {
				// best effort: the turn simply stays unscored
				log.Printf("pronunciation analysis failed: %v", err)
				return
			}
			c.post(func() { c.mergeAnalysis(h, text, res) })
		}()
	}

	go func() {
		rctx, cancel := context.WithTimeout(c.ctx, replyCallTimeout)
		reply, err := c.deps.Replier.Reply(rctx, prior, text, turnIndex, c.cfg.MaxTurns)
		cancel()
		c.post(func() { c.replyDone(gen, reply, err) })
	}()
}

func (c *Coordinator) mergeAnalysis(h *history.Store, text string, res history.PronunciationResult) {
	if h != c.hist {
		// session restarted since the request went out
		return
	}
	if turn, ok := h.AttachPronunciation(text, res); ok {
		c.emitTurn(turn)
	}
}

func (c *Coordinator) replyDone(gen int, reply string, err error) {
	if gen != c.gen || c.state != StateProcessing {
		return
	}
	reply = strings.TrimSpace(reply)
	if err != nil || reply == "" {
		if err != nil {
			log.Printf("reply generation failed, using fallback: %v", err)
		} else {
			log.Printf("reply generation returned empty text, using fallback")
		}
		fallback := history.Turn{Role: history.RoleAssistant, Text: FallbackReply, At: time.Now()}
		c.hist.Append(fallback)
		c.emitTurn(fallback)
		if c.turnCount >= c.cfg.MaxTurns {
			c.scheduleEnd()
			return
		}
		c.setState(StateIdle)
		return
	}
	turn := history.Turn{Role: history.RoleAssistant, Text: reply, At: time.Now()}
	c.hist.Append(turn)
	c.emitTurn(turn)
	c.setState(StateSpeaking)
	c.speak(gen, reply, false)
}

// speak synthesizes and plays one reply off the loop goroutine, then
// posts completion. Greeting synthesis failure only logs; the session
// waits for the learner's first action either way.
func (c *Coordinator) speak(gen int, text string, greeting bool) {
	go func() {
		sctx, cancel := context.WithTimeout(c.ctx, synthCallTimeout)
		raw, err := c.deps.Synthesizer.Synthesize(sctx, text)
		cancel()
		if err != nil {
			if greeting {
				log.Printf("greeting synthesis failed: %v", err)
			} else {
				log.Printf("speech synthesis failed: %v", err)
			}
			c.post(func() { c.playbackDone(gen) })
			return
		}
		<-c.deps.Player.Play(raw)
		c.post(func() { c.playbackDone(gen) })
	}()
}

func (c *Coordinator) playbackDone(gen int) {
	if gen != c.gen || c.state != StateSpeaking {
		return
	}
	if c.turnCount >= c.cfg.MaxTurns {
		c.scheduleEnd()
		return
	}
	c.afterPlayback()
}

func (c *Coordinator) afterPlayback() {
	c.setState(StateIdle)
	if c.cfg.Resume == ResumeAutoListen && c.mode == ModeVoice && c.voiceOK {
		c.startListening()
	}
}

// scheduleEnd delays the terminal transition so the final utterance can
// linger before the report takes over. Input stays disabled meanwhile.
func (c *Coordinator) scheduleEnd() {
	gen := c.gen
	time.AfterFunc(c.cfg.SessionEndLinger, func() {
		c.post(func() { c.finishSession(gen) })
	})
}

func (c *Coordinator) finishSession(gen int) {
	if gen != c.gen || c.state == StateEnded {
		return
	}
	c.setState(StateEnded)
	h := c.hist
	turns := h.Snapshot()
	go func() {
		rctx, cancel := context.WithTimeout(c.ctx, reportCallTimeout)
		report := c.deps.Reporter.FeedbackReport(rctx, turns)
		cancel()
		c.post(func() {
			if h == c.hist && c.obs.OnReport != nil {
				c.obs.OnReport(report)
			}
		})
	}()
}

func (c *Coordinator) setInputMode(m Mode) {
	if c.state == StateEnded || m == c.mode {
		return
	}
	if m == ModeVoice && !c.voiceOK {
		c.notice(voiceUnavailable)
		return
	}
	if c.state == StateListening && m == ModeText {
		c.deps.Recorder.Stop()
		c.deps.Recognizer.ResetUtterance()
		c.setState(StateIdle)
	}
	c.setMode(m)
}

func (c *Coordinator) restart(topic string) {
	if c.deps.Recorder.Active() {
		c.deps.Recorder.Stop()
	}
	c.deps.Recognizer.ResetUtterance()
	c.gen++
	c.hist = history.NewStore()
	c.turnCount = 0
	if strings.TrimSpace(topic) != "" {
		c.cfg.Topic = topic
	}
	c.setState(StateIdle)
	c.beginSession(c.cfg.Topic)
}

func (c *Coordinator) beginSession(topic string) {
	gen := c.gen
	c.setState(StateProcessing)
	go func() {
		octx, cancel := context.WithTimeout(c.ctx, replyCallTimeout)
		greeting, err := c.deps.Replier.Opening(octx, topic)
		cancel()
		c.post(func() { c.openingDone(gen, greeting, err) })
	}()
}

func (c *Coordinator) openingDone(gen int, greeting string, err error) {
	if gen != c.gen || c.state != StateProcessing {
		return
	}
	greeting = strings.TrimSpace(greeting)
	if err != nil || greeting == "" {
		log.Printf("opening generation failed: %v", err)
		c.setState(StateIdle)
		return
	}
	turn := history.Turn{Role: history.RoleAssistant, Text: greeting, At: time.Now()}
	c.hist.Append(turn)
	c.emitTurn(turn)
	c.setState(StateSpeaking)
	c.speak(gen, greeting, true)
}

// History returns a copy of the session's turns, read-only for callers.
func (c *Coordinator) History() []history.Turn {
	out := make(chan []history.Turn, 1)
	c.post(func() { out <- c.hist.Snapshot() })
	select {
	case turns := <-out:
		return turns
	case <-c.done:
		return nil
	}
}

func (c *Coordinator) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.obs.OnState != nil {
		c.obs.OnState(s)
	}
}

func (c *Coordinator) setMode(m Mode) {
	if c.mode == m {
		return
	}
	c.mode = m
	if c.obs.OnMode != nil {
		c.obs.OnMode(m)
	}
}

func (c *Coordinator) emitTurn(t history.Turn) {
	if c.obs.OnTurn != nil {
		c.obs.OnTurn(t)
	}
}

func (c *Coordinator) notice(text string) {
	if c.obs.OnNotice != nil {
		c.obs.OnNotice(text)
	}
}
