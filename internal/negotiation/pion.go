package negotiation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
)

// PionTransport implements Transport over a pion peer connection.
type PionTransport struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

// NewPionTransport builds a peer connection with default codecs and the given
// ICE servers.
func NewPionTransport(iceServers []webrtc.ICEServer) (*PionTransport, error) {
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &PionTransport{pc: pc}, nil
}

// CreateOffer builds and installs the local offer.
func (t *PionTransport) CreateOffer(_ context.Context) (string, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

// CreateAnswer builds and installs the local answer.
func (t *PionTransport) CreateAnswer(_ context.Context) (string, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

// ApplyRemoteOffer installs the peer's offer and flushes buffered candidates.
func (t *PionTransport) ApplyRemoteOffer(sdp string) error {
	return t.applyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
}

// ApplyRemoteAnswer installs the peer's answer and flushes buffered candidates.
func (t *PionTransport) ApplyRemoteAnswer(sdp string) error {
	return t.applyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (t *PionTransport) applyRemote(desc webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	t.mu.Lock()
	t.remoteSet = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("add buffered candidate: %w", err)
		}
	}
	return nil
}

// ApplyRemoteCandidate adds one candidate, buffering it if the remote
// description has not been applied yet (candidates may arrive out of order).
func (t *PionTransport) ApplyRemoteCandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	t.mu.Lock()
	if !t.remoteSet {
		t.pending = append(t.pending, init)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.pc.AddICECandidate(init)
}

// AddLocalMedia attaches the shared capture's tracks to this connection.
func (t *PionTransport) AddLocalMedia(c Capture) error {
	mc, ok := c.(*MediaCapture)
	if !ok {
		return fmt.Errorf("unsupported capture %T", c)
	}
	for _, track := range mc.tracks() {
		if _, err := t.pc.AddTrack(track); err != nil {
			return fmt.Errorf("add track: %w", err)
		}
	}
	return nil
}

// OnLocalCandidate forwards locally gathered candidates as serialized JSON.
func (t *PionTransport) OnLocalCandidate(fn func(candidate string)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		fn(string(b))
	})
}

// OnStateChange maps pion connection states onto the transport states the
// machine cares about.
func (t *PionTransport) OnStateChange(fn func(TransportState)) {
	t.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			fn(TransportConnected)
		case webrtc.PeerConnectionStateFailed:
			fn(TransportFailed)
		case webrtc.PeerConnectionStateClosed:
			fn(TransportClosed)
		default:
			fn(TransportConnecting)
		}
	})
}

// Close tears down the peer connection.
func (t *PionTransport) Close() error {
	return t.pc.Close()
}

// MediaCapture owns the broadcaster's camera and microphone tracks for one
// session. The same capture is shared by every per-viewer transport. Toggling
// only flips the enabled flag; the underlying tracks survive, so mute/unmute
// never disrupts an established media session.
type MediaCapture struct {
	audio *webrtc.TrackLocalStaticRTP
	video *webrtc.TrackLocalStaticRTP

	mu           sync.Mutex
	audioEnabled bool
	videoEnabled bool
	closed       bool
}

// NewMediaCapture acquires local audio and video tracks.
func NewMediaCapture(streamID string) (*MediaCapture, error) {
	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("video track: %w", err)
	}
	return &MediaCapture{audio: audio, video: video, audioEnabled: true, videoEnabled: true}, nil
}

func (c *MediaCapture) tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{c.audio, c.video}
}

// WriteAudioRTP forwards a captured audio packet unless audio is muted.
func (c *MediaCapture) WriteAudioRTP(packet []byte) error {
	c.mu.Lock()
	ok := c.audioEnabled && !c.closed
	c.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := c.audio.Write(packet)
	return err
}

// WriteVideoRTP forwards a captured video packet unless video is disabled.
func (c *MediaCapture) WriteVideoRTP(packet []byte) error {
	c.mu.Lock()
	ok := c.videoEnabled && !c.closed
	c.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := c.video.Write(packet)
	return err
}

// SetAudioEnabled flips the microphone flag.
func (c *MediaCapture) SetAudioEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audioEnabled = enabled
}

// SetVideoEnabled flips the camera flag.
func (c *MediaCapture) SetVideoEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.videoEnabled = enabled
}

// AudioEnabled reports the microphone flag.
func (c *MediaCapture) AudioEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioEnabled
}

// VideoEnabled reports the camera flag.
func (c *MediaCapture) VideoEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoEnabled
}

// Close releases the capture. Packets written after Close are dropped.
func (c *MediaCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
