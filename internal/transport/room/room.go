// Package room implements the Room transport: WebRTC participation in a
// LiveKit room over a token-authenticated signaling websocket. No room/SFU
// is implemented here — this package is a WebRTC *client* of the
// Supervisor's LiveKit service, using a pion/webrtc + gorilla/websocket
// signaling client (createPeerConnection/handleSignalling/handleAudioTrack).
package room

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/rs/zerolog"
	"layeh.com/gopus"
)

const (
	opusClockRate = 48000
	opusChannels  = 1
	frameMs       = 20
	frameSamples  = opusClockRate * frameMs / 1000 // 960
)

// Config names the LiveKit room to join and the credentials used to mint
// the signaling access token, matching the LIVEKIT_URL/API_KEY/API_SECRET
// environment variables.
type Config struct {
	URL       string
	APIKey    string
	APISecret string
	RoomName  string
	Identity  string
}

// Transport is a single joined (or not-yet-joined) LiveKit room session. It
// implements voicetypes.AudioCapture and voicetypes.AudioPlayback against
// the room's single remote/local audio track.
type Transport struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	ws      *websocket.Conn
	local   *webrtc.TrackLocalStaticSample
	joined  bool
	capture chan []int16

	firstFrameMu sync.Mutex
	firstFrame   chan struct{}
}

func New(cfg Config, logger zerolog.Logger) *Transport {
	return &Transport{cfg: cfg, logger: logger.With().Str("component", "transport-room").Logger()}
}

// Joined reports whether a room session is live, consulted by the
// Conversation Engine's transport=auto resolution.
func (t *Transport) Joined() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joined
}

// Join dials the LiveKit signaling websocket, negotiates a PeerConnection
// with one send and one receive audio transceiver, and blocks until the
// connection reaches Connected or ctx is cancelled.
func (t *Transport) Join(ctx context.Context) error {
	token, err := buildAccessToken(t.cfg.APIKey, t.cfg.APISecret, t.cfg.RoomName, t.cfg.Identity)
	if err != nil {
		return fmt.Errorf("room: build access token: %w", err)
	}

	wsURL := toWebsocketURL(t.cfg.URL) + "?access_token=" + token
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("room: dial signaling endpoint: %w", err)
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("room: create peer connection: %w", err)
	}

	localTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: opusChannels},
		"audio", "voicemoded",
	)
	if err != nil {
		pc.Close()
		conn.Close()
		return fmt.Errorf("room: create local track: %w", err)
	}
	if _, err := pc.AddTrack(localTrack); err != nil {
		pc.Close()
		conn.Close()
		return fmt.Errorf("room: add local track: %w", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		conn.Close()
		return fmt.Errorf("room: add recv transceiver: %w", err)
	}

	t.mu.Lock()
	t.pc = pc
	t.ws = conn
	t.local = localTrack
	t.capture = make(chan []int16, 32)
	t.mu.Unlock()

	connected := make(chan struct{})
	var once sync.Once
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateConnected {
			once.Do(func() { close(connected) })
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			go t.readRemoteAudio(track)
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		t.sendSignal(signalMessage{Type: "candidate", Candidate: c.ToJSON()})
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("room: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("room: set local description: %w", err)
	}
	t.sendSignal(signalMessage{Type: "offer", SDP: offer})

	go t.signalLoop()

	select {
	case <-connected:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(15 * time.Second):
		return fmt.Errorf("room: timed out waiting for peer connection")
	}

	t.mu.Lock()
	t.joined = true
	t.mu.Unlock()
	return nil
}

// Leave tears down the peer connection and signaling socket.
func (t *Transport) Leave() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.joined = false
	if t.pc != nil {
		t.pc.Close()
		t.pc = nil
	}
	if t.ws != nil {
		t.ws.Close()
		t.ws = nil
	}
}

type signalMessage struct {
	Type      string                   `json:"type"`
	SDP       webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

func (t *Transport) sendSignal(msg signalMessage) {
	t.mu.Lock()
	conn := t.ws
	t.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.logger.Warn().Err(err).Msg("signal write failed")
	}
}

func (t *Transport) signalLoop() {
	for {
		t.mu.Lock()
		conn := t.ws
		pc := t.pc
		t.mu.Unlock()
		if conn == nil || pc == nil {
			return
		}
		var msg signalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.logger.Warn().Err(err).Msg("signal read failed")
			return
		}
		switch msg.Type {
		case "answer":
			if err := pc.SetRemoteDescription(msg.SDP); err != nil {
				t.logger.Warn().Err(err).Msg("set remote description failed")
			}
		case "candidate":
			if err := pc.AddICECandidate(msg.Candidate); err != nil {
				t.logger.Warn().Err(err).Msg("add ice candidate failed")
			}
		}
	}
}

func (t *Transport) readRemoteAudio(track *webrtc.TrackRemote) {
	dec, err := gopus.NewDecoder(opusClockRate, opusChannels)
	if err != nil {
		t.logger.Error().Err(err).Msg("create opus decoder failed")
		return
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		pcm, err := dec.Decode(pkt.Payload, frameSamples, false)
		if err != nil {
			continue
		}
		t.mu.Lock()
		ch := t.capture
		t.mu.Unlock()
		if ch == nil {
			return
		}
		select {
		case ch <- pcm:
		default:
		}
	}
}

// Start implements voicetypes.AudioCapture against the room's remote track.
func (t *Transport) Start(ctx context.Context) (<-chan []int16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.capture == nil {
		return nil, fmt.Errorf("room: no active session")
	}
	return t.capture, nil
}

// Stop is a no-op; the capture channel lives for the duration of the room
// session, not one recording, so Leave is what actually tears it down.
func (t *Transport) Stop() {}

// FirstFrameAt implements voicetypes.AudioPlayback.
func (t *Transport) FirstFrameAt() <-chan struct{} {
	t.firstFrameMu.Lock()
	defer t.firstFrameMu.Unlock()
	if t.firstFrame == nil {
		t.firstFrame = make(chan struct{})
	}
	return t.firstFrame
}

// Play implements voicetypes.AudioPlayback by encoding frames to Opus and
// writing them to the room's outbound track.
func (t *Transport) Play(ctx context.Context, frames <-chan []int16) error {
	t.mu.Lock()
	track := t.local
	t.mu.Unlock()
	if track == nil {
		return fmt.Errorf("room: no active session")
	}

	enc, err := gopus.NewEncoder(opusClockRate, opusChannels, gopus.Audio)
	if err != nil {
		return fmt.Errorf("room: create opus encoder: %w", err)
	}

	t.firstFrameMu.Lock()
	t.firstFrame = make(chan struct{})
	firstFrame := t.firstFrame
	t.firstFrameMu.Unlock()
	var once sync.Once

	for samples := range frames {
		once.Do(func() { close(firstFrame) })
		if len(samples) != frameSamples {
			padded := make([]int16, frameSamples)
			copy(padded, samples)
			samples = padded
		}
		packet, err := enc.Encode(samples, frameSamples, frameSamples*2)
		if err != nil {
			return fmt.Errorf("room: opus encode: %w", err)
		}
		if err := track.WriteSample(media.Sample{Data: packet, Duration: frameMs * time.Millisecond}); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("room: write sample: %w", err)
		}
	}
	return nil
}

func toWebsocketURL(url string) string {
	switch {
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	default:
		return url
	}
}

// buildAccessToken mints a LiveKit-compatible HS256 JWT. No JWT library
// appears anywhere in the example corpus and the claim set needed here is
// tiny, so this is hand-rolled on crypto/hmac rather than importing one.
func buildAccessToken(apiKey, apiSecret, room, identity string) (string, error) {
	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	now := time.Now()
	claims := map[string]any{
		"iss":      apiKey,
		"sub":      identity,
		"nbf":      now.Unix(),
		"exp":      now.Add(time.Hour).Unix(),
		"identity": identity,
		"video": map[string]any{
			"room":     room,
			"roomJoin": true,
		},
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	segment := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(claimsJSON)
	mac := hmac.New(sha256.New, []byte(apiSecret))
	mac.Write([]byte(segment))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return segment + "." + sig, nil
}
