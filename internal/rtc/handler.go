// Package rtc carries one practice session over a WebRTC peer
// connection: the learner's microphone arrives as an Opus track, the
// tutor's voice leaves on one, and a "control" data channel carries the
// session commands and events as JSON.
package rtc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/Mingdididi/EnglishTeacher/internal/archive"
	"github.com/Mingdididi/EnglishTeacher/internal/capture"
	"github.com/Mingdididi/EnglishTeacher/internal/genai"
	"github.com/Mingdididi/EnglishTeacher/internal/history"
	"github.com/Mingdididi/EnglishTeacher/internal/playback"
	"github.com/Mingdididi/EnglishTeacher/internal/transcript"
	"github.com/Mingdididi/EnglishTeacher/internal/tts"
	"github.com/Mingdididi/EnglishTeacher/internal/tutor"
)

const (
	micSampleRate  = 16000
	micChunkBytes  = 3200 // 100ms of PCM16 at 16kHz
	micPreRollMs   = 300
	closeDrainWait = 400 * time.Millisecond
)

// SessionDescription is a small DTO to avoid exposing webrtc types in
// transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Config carries everything a session needs to build its collaborators.
type Config struct {
	AssemblyAIKey string

	OpenAIKey     string
	OpenAIModel   string
	AnalyzerModel string

	TTSProvider       string // "deepgram" (default) or "elevenlabs"
	DeepgramKey       string
	DeepgramModel     string
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	MaxTurns int
	Resume   tutor.ResumePolicy

	ICEServersJSON string
	AuthPassword   string

	Archive *archive.Storage // optional report archive
}

// Handler builds one tutor session per peer connection.
type Handler struct {
	cfg Config
}

func NewHandler(cfg Config) *Handler { return &Handler{cfg: cfg} }

// controlMessage is what the browser sends on the "control" channel.
type controlMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
	Text  string `json:"text,omitempty"`
	Mode  string `json:"mode,omitempty"`
}

// controlEvent is what the server pushes back.
type controlEvent struct {
	Type   string        `json:"type"`
	State  string        `json:"state,omitempty"`
	Mode   string        `json:"mode,omitempty"`
	Text   string        `json:"text,omitempty"`
	Turn   *turnPayload  `json:"turn,omitempty"`
	Report *genai.Report `json:"report,omitempty"`
}

type turnPayload struct {
	Role          string                       `json:"role"`
	Text          string                       `json:"text"`
	At            time.Time                    `json:"at"`
	Pronunciation *history.PronunciationResult `json:"pronunciation,omitempty"`
}

// HandleOffer accepts an SDP offer and returns an SDP answer with ICE
// gathering complete, for the plain HTTP signaling path.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}

	pc, outTrack, err := h.buildPeer()
	if err != nil {
		return SessionDescription{}, err
	}
	callID := generateCallID()
	if err := h.wireSession(callID, pc, outTrack); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	<-gatherComplete
	local := pc.LocalDescription()
	if local == nil {
		_ = pc.Close()
		return SessionDescription{}, errors.New("no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// buildPeer prepares a PeerConnection with default codecs and
// interceptors plus the outgoing tutor audio track.
func (h *Handler) buildPeer() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: parseICEServers(h.cfg.ICEServersJSON)})
	if err != nil {
		return nil, nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"tutor-audio", "tutor",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	return pc, outTrack, nil
}

// wireSession attaches the media pipeline and the control protocol to
// the peer connection. The coordinator itself starts once the browser
// sends its topic.
func (h *Handler) wireSession(callID string, pc *webrtc.PeerConnection, outTrack *webrtc.TrackLocalStaticSample) error {
	paced, err := NewOpusPacedWriter(outTrack)
	if err != nil {
		return err
	}

	stt := transcript.NewAssemblyAIService(h.cfg.AssemblyAIKey)
	recorder := capture.NewRecorder(micSampleRate, micPreRollMs)
	player := playback.NewPlayer(paced)
	replier := genai.NewClient(h.cfg.OpenAIKey, h.cfg.OpenAIModel, "")

	var analyzer tutor.Analyzer
	if h.cfg.OpenAIKey != "" {
		analyzer = genai.NewAnalyzer(h.cfg.OpenAIKey, h.cfg.AnalyzerModel)
	}

	var (
		dcPtr      atomic.Pointer[webrtc.DataChannel]
		coordPtr   atomic.Pointer[tutor.Coordinator]
		cancelSess atomic.Pointer[context.CancelFunc]
	)

	send := func(ev controlEvent) {
		dc := dcPtr.Load()
		if dc == nil {
			return
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		if err := dc.SendText(string(data)); err != nil {
			log.Printf("[%s] control send error: %v", callID, err)
		}
	}

	obs := tutor.Observer{
		OnState: func(s tutor.State) { send(controlEvent{Type: "state", State: s.String()}) },
		OnMode:  func(m tutor.Mode) { send(controlEvent{Type: "mode", Mode: m.String()}) },
		OnTurn: func(t history.Turn) {
			send(controlEvent{Type: "turn", Turn: &turnPayload{
				Role: string(t.Role), Text: t.Text, At: t.At, Pronunciation: t.Pronunciation,
			}})
		},
		OnTranscript: func(text string) { send(controlEvent{Type: "transcript", Text: text}) },
		OnNotice:     func(text string) { send(controlEvent{Type: "notice", Text: text}) },
		OnReport: func(r genai.Report) {
			send(controlEvent{Type: "report", Report: &r})
			if h.cfg.Archive != nil {
				go func() {
					if err := h.cfg.Archive.UploadReport(callID, r); err != nil {
						log.Printf("[%s] report archive failed: %v", callID, err)
					}
				}()
			}
		},
	}

	startSession := func(topic string) {
		if coord := coordPtr.Load(); coord != nil {
			coord.Restart(topic)
			return
		}
		coord := tutor.New(tutor.Config{
			Topic:    topic,
			MaxTurns: h.cfg.MaxTurns,
			Resume:   h.cfg.Resume,
		}, tutor.Deps{
			Recognizer:  stt,
			Recorder:    recorder,
			Replier:     replier,
			Analyzer:    analyzer,
			Reporter:    replier,
			Synthesizer: h.newSynthesizer(),
			Player:      player,
		}, obs)
		ctx, cancel := context.WithCancel(context.Background())
		cancelSess.Store(&cancel)
		coordPtr.Store(coord)
		go func() {
			if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[%s] session ended: %v", callID, err)
			}
		}()
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		log.Printf("[%s] control channel opened", callID)
		dcPtr.Store(dc)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			var m controlMessage
			if err := json.Unmarshal(msg.Data, &m); err != nil {
				log.Printf("[%s] bad control message: %v", callID, err)
				return
			}
			coord := coordPtr.Load()
			switch m.Type {
			case "topic", "start":
				startSession(m.Topic)
			case "start-listening":
				if coord != nil {
					coord.StartListening()
				}
			case "stop-listening":
				if coord != nil {
					coord.StopListening()
				}
			case "text":
				if coord != nil {
					coord.SubmitText(m.Text)
				}
			case "mode":
				if coord != nil {
					coord.SetMode(parseMode(m.Mode))
				}
			case "restart":
				if coord != nil {
					coord.Restart(m.Topic)
				}
			default:
				log.Printf("[%s] unknown control command: %s", callID, m.Type)
			}
		})
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Printf("[%s] ICE state: %s", callID, state.String())
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("[%s] microphone track received: codec=%s", callID, remote.Codec().MimeType)

		dec, derr := opus.NewDecoder(micSampleRate, 1)
		if derr != nil {
			log.Printf("[%s] opus decoder error: %v", callID, derr)
			return
		}
		go func() {
			pcmBuf := make([]byte, 0, micChunkBytes*4)
			samples := make([]int16, 1920)
			for {
				pkt, _, readErr := remote.ReadRTP()
				if readErr != nil {
					return
				}
				if len(pkt.Payload) == 0 {
					continue
				}
				n, decErr := dec.Decode(pkt.Payload, samples)
				if decErr != nil {
					continue
				}
				startLen := len(pcmBuf)
				need := n * 2
				if cap(pcmBuf)-len(pcmBuf) < need {
					tmp := make([]byte, len(pcmBuf), len(pcmBuf)+need+micChunkBytes)
					copy(tmp, pcmBuf)
					pcmBuf = tmp
				}
				pcmBuf = pcmBuf[:len(pcmBuf)+need]
				o := pcmBuf[startLen:]
				for i := 0; i < n; i++ {
					binary.LittleEndian.PutUint16(o[i*2:(i+1)*2], uint16(samples[i]))
				}
				for len(pcmBuf) >= micChunkBytes {
					chunk := pcmBuf[:micChunkBytes]
					recorder.Feed(chunk)
					_ = stt.SendPCM16KLE(chunk)
					copy(pcmBuf, pcmBuf[micChunkBytes:])
					pcmBuf = pcmBuf[:len(pcmBuf)-micChunkBytes]
				}
			}
		}()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[%s] peer connection state: %s", callID, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			if cancel := cancelSess.Load(); cancel != nil {
				(*cancel)()
			}
			paced.FlushTail()
			time.AfterFunc(closeDrainWait, paced.Close)
			_ = stt.Close()
			_ = pc.Close()
		}
	})

	return nil
}

// newSynthesizer picks the TTS backend; Deepgram is the default.
func (h *Handler) newSynthesizer() tutor.Synthesizer {
	if h.cfg.TTSProvider == "elevenlabs" {
		return tts.NewElevenLabsClient(h.cfg.ElevenLabsKey, h.cfg.ElevenLabsVoiceID)
	}
	return tts.NewDeepgramClient(h.cfg.DeepgramKey, h.cfg.DeepgramModel)
}

func parseMode(s string) tutor.Mode {
	if s == "text" {
		return tutor.ModeText
	}
	return tutor.ModeVoice
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

func generateCallID() string { return time.Now().Format("0102150405.000") }
