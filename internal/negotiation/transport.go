// Package negotiation drives the media-session handshake for both roles: the
// broadcaster runs one machine per viewer over a single shared capture, each
// viewer negotiates once against the broadcaster offer addressed to it.
package negotiation

import "context"

// TransportState reflects the underlying connection.
type TransportState int

const (
	TransportConnecting TransportState = iota
	TransportConnected
	TransportFailed
	TransportClosed
)

// Transport is the point-to-point media capability consumed at the boundary:
// the engine owns orchestration, never the transport implementation.
type Transport interface {
	// CreateOffer produces and installs the local offer description.
	CreateOffer(ctx context.Context) (sdp string, err error)
	// CreateAnswer produces and installs the local answer description. The
	// remote offer must have been applied first.
	CreateAnswer(ctx context.Context) (sdp string, err error)
	// ApplyRemoteOffer and ApplyRemoteAnswer install the peer's description.
	ApplyRemoteOffer(sdp string) error
	ApplyRemoteAnswer(sdp string) error
	// ApplyRemoteCandidate adds one serialized connectivity candidate.
	// Candidates arriving before the remote description are buffered.
	ApplyRemoteCandidate(candidate string) error
	// AddLocalMedia attaches the shared local capture to this connection.
	AddLocalMedia(c Capture) error
	// OnLocalCandidate registers the callback for locally gathered candidates.
	OnLocalCandidate(fn func(candidate string))
	// OnStateChange registers the connection-state callback.
	OnStateChange(fn func(TransportState))
	Close() error
}

// Capture owns the local camera and microphone for the lifetime of one
// session. Toggling flips the enabled flag only; tracks are never stopped or
// recreated, so an active media session is not disrupted by mute/unmute.
type Capture interface {
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	AudioEnabled() bool
	VideoEnabled() bool
	Close() error
}
