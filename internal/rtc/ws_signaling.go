package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// signalMessage is the WebSocket signaling frame. Types: "auth", "offer",
// "answer", "candidate", "ice-complete", "bye", "error".
type signalMessage struct {
	Type          string  `json:"type"`
	Password      string  `json:"password,omitempty"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// jsonWriter is the outbound subset of *websocket.Conn.
type jsonWriter interface {
	WriteJSON(v interface{}) error
}

// signalConn serializes outbound frames. gorilla/websocket supports one
// concurrent writer and local ICE candidates arrive from pion goroutines
// while the answer is written from the handler goroutine.
type signalConn struct {
	mu sync.Mutex
	w  jsonWriter
}

func (c *signalConn) write(m signalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.WriteJSON(m)
}

func (c *signalConn) writeError(err error) {
	_ = c.write(signalMessage{Type: "error", Error: err.Error()})
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// browser demo; restrict in production
		return true
	},
}

// ServeWebSocket upgrades to WebSocket and performs offer/answer plus
// trickle ICE signaling. Expected flow: auth (optional) -> offer ->
// candidates; the server responds with answer and its own candidates.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()
	sc := &signalConn{w: conn}

	if h.cfg.AuthPassword != "" && !authOK(r, h.cfg.AuthPassword) {
		if !h.readAuthFrame(conn) {
			sc.writeError(fmt.Errorf("unauthorized"))
			return
		}
	}

	offerSDP, ok := readOffer(conn)
	if !ok {
		return
	}

	pc, outTrack, err := h.buildPeer()
	if err != nil {
		sc.writeError(err)
		return
	}
	defer func() { _ = pc.Close() }()

	callID := generateCallID()
	if err := h.wireSession(callID, pc, outTrack); err != nil {
		sc.writeError(err)
		return
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			_ = sc.write(signalMessage{Type: "ice-complete"})
			return
		}
		init := c.ToJSON()
		_ = sc.write(signalMessage{
			Type: "candidate", Candidate: init.Candidate,
			SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	// remote trickle candidates arrive on the same socket
	go func() {
		for {
			_, data, rerr := conn.ReadMessage()
			if rerr != nil {
				return
			}
			var m signalMessage
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			switch strings.ToLower(m.Type) {
			case "candidate":
				if m.Candidate == "" {
					continue
				}
				_ = pc.AddICECandidate(webrtc.ICECandidateInit{
					Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex,
				})
			case "bye":
				_ = pc.Close()
				return
			}
		}
	}()

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		sc.writeError(err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		sc.writeError(err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		sc.writeError(err)
		return
	}
	local := pc.LocalDescription()
	if local == nil {
		sc.writeError(errors.New("no local description"))
		return
	}
	if err := sc.write(signalMessage{Type: "answer", SDP: local.SDP}); err != nil {
		log.Printf("[%s] ws write answer error: %v", callID, err)
		return
	}

	for {
		time.Sleep(2 * time.Second)
		switch pc.ConnectionState() {
		case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			return
		}
	}
}

// readAuthFrame waits for a single auth message as the first frame.
func (h *Handler) readAuthFrame(conn *websocket.Conn) bool {
	mt, data, err := conn.ReadMessage()
	if err != nil || mt != websocket.TextMessage {
		return false
	}
	var m signalMessage
	if json.Unmarshal(data, &m) != nil {
		return false
	}
	return strings.ToLower(m.Type) == "auth" && m.Password == h.cfg.AuthPassword
}

func readOffer(conn *websocket.Conn) (string, bool) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("ws read error before offer: %v", err)
			return "", false
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m signalMessage
		if json.Unmarshal(data, &m) != nil {
			continue
		}
		switch strings.ToLower(m.Type) {
		case "offer":
			if m.SDP != "" {
				return m.SDP, true
			}
		case "bye":
			return "", false
		}
	}
}

// authOK accepts the password via query string, Authorization bearer or
// X-Auth-Token header.
func authOK(r *http.Request, password string) bool {
	if r == nil || password == "" {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == password {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == password {
		return true
	}
	return false
}
