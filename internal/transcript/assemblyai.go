package transcript

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gorilla/websocket"

	"github.com/Mingdididi/EnglishTeacher/internal/vad"
)

// silenceThreshold is the base inactivity window required before the
// adapter suggests the utterance is complete. Conservative to avoid
// cutting the learner mid-sentence.
const silenceThreshold = 700 * time.Millisecond

// continuationExtension is added to the threshold when the last word
// suggests the speaker will continue (e.g. "and", "or", "if").
const continuationExtension = 1200 * time.Millisecond

// Capability reports whether live transcription can run in the current
// environment. The coordinator branches on this, never on vendor identity.
type Capability int

const (
	Available Capability = iota
	Unavailable
)

func (c Capability) String() string {
	if c == Available {
		return "available"
	}
	return "unavailable"
}

// AssemblyAIService streams microphone PCM to the AssemblyAI realtime API
// and accumulates the cumulative transcript of the current utterance. The
// coordinator reads the accumulated text exactly once per turn via
// TakeLatest.
type AssemblyAIService struct {
	apiKey      string
	conn        *websocket.Conn
	transcripts chan string
	endpointCh  chan struct{}
	audioData   chan []byte
	stopCh      chan struct{}
	mu          sync.RWMutex
	connected   bool

	// latest transcript cell: written synchronously on every recognition
	// event, read once at capture stop. The same lock orders outbound
	// channel sends against Close so teardown never races a send.
	accMu         sync.Mutex
	closed        bool
	latest        string
	lastUpdate    time.Time
	silenceTimer  *time.Timer
	lastVoiceTime time.Time
	energy        *vad.Energy
}

// assemblyAI message shapes (realtime v3).
type beginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type turnMessage struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewAssemblyAIService creates the adapter. An empty API key yields an
// Unavailable adapter rather than a crash; Connect will refuse to run.
func NewAssemblyAIService(apiKey string) *AssemblyAIService {
	return &AssemblyAIService{
		apiKey:      apiKey,
		transcripts: make(chan string, 100),
		endpointCh:  make(chan struct{}, 4),
		audioData:   make(chan []byte, 1000),
		stopCh:      make(chan struct{}),
		energy:      vad.NewEnergy(),
	}
}

// Availability reports whether live transcription is usable.
func (s *AssemblyAIService) Availability() Capability {
	if s.apiKey == "" {
		return Unavailable
	}
	return Available
}

// Transcripts streams the cumulative utterance text as it grows (UI only;
// the coordinator does not read turns from here).
func (s *AssemblyAIService) Transcripts() <-chan string { return s.transcripts }

// Endpoint signals that sustained silence suggests the utterance is done.
// It is an assist: the coordinator treats it like the user tapping stop.
func (s *AssemblyAIService) Endpoint() <-chan struct{} { return s.endpointCh }

// Connect establishes the websocket session and starts the reader/sender
// goroutines.
func (s *AssemblyAIService) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	if s.apiKey == "" {
		return fmt.Errorf("transcription unavailable: API key is empty")
	}

	params := url.Values{}
	params.Set("sample_rate", "16000")
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")
	wsURL := fmt.Sprintf("wss://streaming.assemblyai.com/v3/ws?%s", params.Encode())

	headers := map[string][]string{"Authorization": {s.apiKey}}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, headers)
	if err != nil {
		if resp != nil {
			log.Printf("transcription connect failed with status: %d", resp.StatusCode)
		}
		return fmt.Errorf("failed to connect transcription stream: %w", err)
	}

	s.conn = conn
	s.connected = true
	s.lastUpdate = time.Now()
	s.lastVoiceTime = time.Now()

	go s.handleMessages()
	go s.sendAudioData()

	log.Println("transcription stream connected")
	return nil
}

// SendPCM16KLE queues 16kHz mono PCM for transcription and updates voice
// activity tracking.
func (s *AssemblyAIService) SendPCM16KLE(pcm []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return fmt.Errorf("transcription stream not connected")
	}
	if s.energy.Voiced(pcm) {
		s.accMu.Lock()
		s.lastVoiceTime = time.Now()
		s.accMu.Unlock()
	}
	select {
	case s.audioData <- pcm:
	default:
		log.Println("transcription audio buffer full, dropping packet")
	}
	return nil
}

// ResetUtterance clears the latest-transcript cell at capture start so the
// next read only sees text recognized during this capture.
func (s *AssemblyAIService) ResetUtterance() {
	s.accMu.Lock()
	s.latest = ""
	if s.silenceTimer != nil {
		_ = s.silenceTimer.Stop()
		s.silenceTimer = nil
	}
	s.accMu.Unlock()
}

// TakeLatest returns the cumulative transcript of the current utterance
// and clears the cell. Single reader by contract.
func (s *AssemblyAIService) TakeLatest() string {
	s.accMu.Lock()
	out := s.latest
	s.latest = ""
	s.accMu.Unlock()
	return strings.TrimSpace(out)
}

// RecentlyDetectedVoice reports whether voice energy was observed within
// the given window.
func (s *AssemblyAIService) RecentlyDetectedVoice(window time.Duration) bool {
	s.accMu.Lock()
	last := s.lastVoiceTime
	s.accMu.Unlock()
	return time.Since(last) <= window
}

// Close terminates the stream and releases the connection. Idempotent.
func (s *AssemblyAIService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	close(s.stopCh)
	s.accMu.Lock()
	s.closed = true
	if s.silenceTimer != nil {
		_ = s.silenceTimer.Stop()
		s.silenceTimer = nil
	}
	// Closed under accMu so a pending timer or reader cannot land a send
	// between the check and the close.
	close(s.transcripts)
	close(s.endpointCh)
	s.accMu.Unlock()
	if s.conn != nil {
		_ = s.conn.WriteJSON(map[string]string{"type": "Terminate"})
		_ = s.conn.Close()
	}
	s.connected = false
	s.conn = nil
	close(s.audioData)
	log.Println("transcription stream closed")
	return nil
}

func (s *AssemblyAIService) handleMessages() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("recovered from panic in transcription reader: %v", r)
		}
	}()
	for {
		select {
		case <-s.stopCh:
			return
		default:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn == nil {
				return
			}
			_, message, err := conn.ReadMessage()
			if err != nil {
				log.Printf("transcription read error: %v", err)
				return
			}
			s.processMessage(message)
		}
	}
}

func (s *AssemblyAIService) processMessage(message []byte) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		log.Printf("transcription: unparseable message: %v", err)
		return
	}
	switch base.Type {
	case "Begin":
		var msg beginMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		log.Printf("transcription session began: id=%s", msg.ID)
	case "Turn":
		var msg turnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		if msg.Transcript == "" {
			return
		}
		// Cumulative transcript for this utterance; overwrite, never append.
		s.accMu.Lock()
		if s.closed {
			s.accMu.Unlock()
			return
		}
		s.latest = msg.Transcript
		s.lastUpdate = time.Now()
		if s.silenceTimer == nil {
			s.silenceTimer = time.AfterFunc(silenceThreshold, s.suggestEndpoint)
		} else {
			_ = s.silenceTimer.Stop()
			s.silenceTimer.Reset(silenceThreshold)
		}
		select {
		case s.transcripts <- msg.Transcript:
		default:
		}
		s.accMu.Unlock()
	case "Termination":
		log.Printf("transcription session terminated by server")
	case "Error":
		var msg errorMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		log.Printf("transcription error: %s", msg.Error)
	}
}

// suggestEndpoint fires after sustained inactivity. It only nudges the
// coordinator; the transcript itself stays in the latest cell until read.
func (s *AssemblyAIService) suggestEndpoint() {
	select {
	case <-s.stopCh:
		return
	default:
	}

	s.accMu.Lock()
	if s.closed {
		s.accMu.Unlock()
		return
	}
	threshold := silenceThreshold
	if isContinuationLikely(s.latest) {
		threshold += continuationExtension
	}
	now := time.Now()
	sinceText := now.Sub(s.lastUpdate)
	sinceVoice := now.Sub(s.lastVoiceTime)
	if sinceText < threshold || sinceVoice < threshold {
		wait := threshold
		if rem := threshold - sinceText; sinceText < threshold && rem < wait {
			wait = rem
		}
		if rem := threshold - sinceVoice; sinceVoice < threshold && rem < wait {
			wait = rem
		}
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		if s.silenceTimer == nil {
			s.silenceTimer = time.AfterFunc(wait, s.suggestEndpoint)
		} else {
			_ = s.silenceTimer.Stop()
			s.silenceTimer.Reset(wait)
		}
		s.accMu.Unlock()
		return
	}
	if strings.TrimSpace(s.latest) == "" || s.closed {
		s.accMu.Unlock()
		return
	}
	select {
	case s.endpointCh <- struct{}{}:
	default:
	}
	s.accMu.Unlock()
}

func (s *AssemblyAIService) sendAudioData() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("recovered from panic in transcription sender: %v", r)
		}
	}()
	for {
		select {
		case <-s.stopCh:
			return
		case audioData, ok := <-s.audioData:
			if !ok {
				return
			}
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn != nil {
				if err := conn.WriteMessage(websocket.BinaryMessage, audioData); err != nil {
					log.Printf("transcription send error: %v", err)
					return
				}
			}
		}
	}
}

// isContinuationLikely returns true if the last meaningful word indicates
// the speaker is likely to continue (conjunctions, prepositions, fillers).
func isContinuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	trim := strings.TrimSpace(text)
	if trim == "" {
		return ""
	}
	fields := strings.FieldsFunc(trim, func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	// Coordinating conjunctions
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	// Subordinating conjunctions / conditionals
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	// Discourse markers / fillers
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	// Prepositions that are awkward sentence endings
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}
