// Package ptt provides half-duplex voice broadcast among session participants
// with mutual exclusion on local transmission. There is no cross-participant
// floor arbitration: the fan-out relay has no server-side arbiter, so two
// responders may transmit at once and both bursts are delivered.
package ptt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Timolanda/Micall-sub001/internal/models"
	"github.com/Timolanda/Micall-sub001/internal/relay"
)

var (
	// ErrNotConnected means the relay channel is down; transmit is refused.
	ErrNotConnected = errors.New("ptt: relay not connected")
	// ErrTransmitActive means a local transmission is already in progress.
	ErrTransmitActive = errors.New("ptt: transmission already active")
	// ErrNoTransmission means StopTransmit was called without StartTransmit.
	// A contract violation, handled as a no-op.
	ErrNoTransmission = errors.New("ptt: no active transmission")
)

// Config tunes the push-to-talk relay.
type Config struct {
	ReceiveTimeout time.Duration // safety net against a stuck receiver
	MaxFrameBytes  int
}

// State is the reactive push-to-talk read.
type State struct {
	Transmitting  bool      `json:"transmitting"`
	Receiving     bool      `json:"receiving"`
	ReceivingFrom uuid.UUID `json:"receiving_from,omitempty"`
	Volume        int       `json:"volume"`
}

// PlaybackFunc plays a received frame at the local playback volume. The volume
// is local gain only; it never affects what is transmitted.
type PlaybackFunc func(frame models.PushToTalkFrame, volume int)

// Relay is one participant's push-to-talk endpoint for one session.
type Relay struct {
	client    *relay.Client
	sessionID uuid.UUID
	cfg       Config
	log       *zap.Logger

	mu            sync.Mutex
	transmitting  bool
	buf           []byte
	startedAt     time.Time
	receiving     bool
	receivingFrom uuid.UUID
	recvTimer     *time.Timer
	volume        int
	playback      PlaybackFunc
	onState       func(State)
}

// New creates a push-to-talk relay bound to one session topic.
func New(client *relay.Client, sessionID uuid.UUID, cfg Config, log *zap.Logger) *Relay {
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = 30 * time.Second
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 1 << 20
	}
	return &Relay{
		client:    client,
		sessionID: sessionID,
		cfg:       cfg,
		log:       log,
		volume:    80,
	}
}

// SetPlayback installs the playback callback for received frames.
func (r *Relay) SetPlayback(fn PlaybackFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback = fn
}

// SetStateHandler installs the reactive state callback.
func (r *Relay) SetStateHandler(fn func(State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onState = fn
}

// StartTransmit opens the local floor. Fails when the relay channel is down or
// a transmission is already active; only one local transmit at a time.
func (r *Relay) StartTransmit() error {
	if !r.client.Connected() {
		return ErrNotConnected
	}
	r.mu.Lock()
	if r.transmitting {
		r.mu.Unlock()
		return ErrTransmitActive
	}
	r.transmitting = true
	r.startedAt = time.Now()
	r.buf = r.buf[:0]
	r.mu.Unlock()
	r.notify()
	return nil
}

// AppendAudio accumulates captured audio for the burst in progress.
func (r *Relay) AppendAudio(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.transmitting {
		return ErrNoTransmission
	}
	if len(r.buf)+len(p) > r.cfg.MaxFrameBytes {
		return fmt.Errorf("ptt: frame exceeds %d bytes", r.cfg.MaxFrameBytes)
	}
	r.buf = append(r.buf, p...)
	return nil
}

// StopTransmit packages everything captured since StartTransmit into exactly
// one frame and publishes it as a single message. The relay has no ordering
// across message boundaries, so a fragmented burst could interleave with
// another transmitter's fragments.
func (r *Relay) StopTransmit(ctx context.Context) (*models.PushToTalkFrame, error) {
	r.mu.Lock()
	if !r.transmitting {
		r.mu.Unlock()
		return nil, ErrNoTransmission
	}
	frame := &models.PushToTalkFrame{
		SessionID:  r.sessionID,
		SenderID:   r.client.ParticipantID(),
		SenderRole: r.client.Role(),
		CapturedAt: r.startedAt,
		Audio:      append([]byte(nil), r.buf...),
	}
	r.transmitting = false
	r.buf = r.buf[:0]
	r.mu.Unlock()
	r.notify()

	if len(frame.Audio) == 0 {
		// Nothing captured; an empty burst is not worth a relay message.
		return frame, nil
	}
	if err := r.client.Publish(ctx, r.sessionID, relay.Envelope{
		Kind:  relay.KindPTTFrame,
		Frame: frame,
	}); err != nil {
		return frame, fmt.Errorf("publish frame: %w", err)
	}
	return frame, nil
}

// HandleFrame processes an incoming relay envelope. Frames from this
// participant are ignored; frames from others flip the receiver into
// "receiving", invoke playback, and arm the auto-clear timeout.
func (r *Relay) HandleFrame(env relay.Envelope) {
	if env.Kind != relay.KindPTTFrame || env.Frame == nil {
		return
	}
	if env.SenderID == r.client.ParticipantID() {
		return
	}
	r.mu.Lock()
	r.receiving = true
	r.receivingFrom = env.SenderID
	playback := r.playback
	volume := r.volume
	if r.recvTimer != nil {
		r.recvTimer.Stop()
	}
	r.recvTimer = time.AfterFunc(r.cfg.ReceiveTimeout, r.clearReceiving)
	r.mu.Unlock()
	r.notify()

	if playback != nil {
		playback(*env.Frame, volume)
	}
}

// EndReceive clears the receiving state explicitly, e.g. when playback ends.
func (r *Relay) EndReceive() {
	r.mu.Lock()
	if r.recvTimer != nil {
		r.recvTimer.Stop()
		r.recvTimer = nil
	}
	r.mu.Unlock()
	r.clearReceiving()
}

func (r *Relay) clearReceiving() {
	r.mu.Lock()
	if !r.receiving {
		r.mu.Unlock()
		return
	}
	r.receiving = false
	r.receivingFrom = uuid.Nil
	r.mu.Unlock()
	r.notify()
}

// SetPlaybackVolume sets local playback gain, 0..100. Out-of-range values are
// rejected; transmission content is unaffected either way.
func (r *Relay) SetPlaybackVolume(v int) error {
	if v < 0 || v > 100 {
		return fmt.Errorf("ptt: volume %d out of range", v)
	}
	r.mu.Lock()
	r.volume = v
	r.mu.Unlock()
	r.notify()
	return nil
}

// State returns the reactive push-to-talk read.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return State{
		Transmitting:  r.transmitting,
		Receiving:     r.receiving,
		ReceivingFrom: r.receivingFrom,
		Volume:        r.volume,
	}
}

// Close drops timers and transient state.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.recvTimer != nil {
		r.recvTimer.Stop()
		r.recvTimer = nil
	}
	r.transmitting = false
	r.receiving = false
	r.receivingFrom = uuid.Nil
	r.buf = nil
	r.mu.Unlock()
}

func (r *Relay) notify() {
	r.mu.Lock()
	fn := r.onState
	s := State{
		Transmitting:  r.transmitting,
		Receiving:     r.receiving,
		ReceivingFrom: r.receivingFrom,
		Volume:        r.volume,
	}
	r.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}
