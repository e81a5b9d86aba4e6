package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Timolanda/Micall-sub001/internal/models"
)

// State is a negotiation machine state. Broadcaster machines move
// Idle → CameraAcquired → OfferSent → Connected; viewer machines move
// Idle → Subscribed → AwaitingOffer → AnswerSent → Connected. Ended and
// Failed are terminal for both roles.
type State string

const (
	StateIdle           State = "idle"
	StateCameraAcquired State = "camera_acquired"
	StateOfferSent      State = "offer_sent"
	StateSubscribed     State = "subscribed"
	StateAwaitingOffer  State = "awaiting_offer"
	StateAnswerSent     State = "answer_sent"
	StateConnected      State = "connected"
	StateEnded          State = "ended"
	StateFailed         State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateEnded || s == StateFailed }

var (
	// ErrTerminal is returned for operations on an Ended or Failed machine.
	ErrTerminal = errors.New("negotiation: machine is terminal")
)

// SendFunc publishes a negotiation record to the relay.
type SendFunc func(rec models.NegotiationRecord) error

// StateFunc observes machine transitions (reactive read).
type StateFunc func(peerID uuid.UUID, s State, cause error)

// Machine drives one peer negotiation. Failures are isolated: a machine
// reaching Failed never touches its siblings or the shared capture.
type Machine struct {
	mu        sync.Mutex
	role      string
	sessionID uuid.UUID
	selfID    uuid.UUID
	peerID    uuid.UUID
	state     State
	transport Transport
	send      SendFunc
	onState   StateFunc
	seen      map[string]struct{}
	answered  bool
	timeout   *time.Timer
	log       *zap.Logger
}

func newMachine(role string, sessionID, selfID, peerID uuid.UUID, t Transport, send SendFunc, onState StateFunc, log *zap.Logger) *Machine {
	m := &Machine{
		role:      role,
		sessionID: sessionID,
		selfID:    selfID,
		peerID:    peerID,
		state:     StateIdle,
		transport: t,
		send:      send,
		onState:   onState,
		seen:      make(map[string]struct{}),
		log:       log.With(zap.String("role", role), zap.String("peer_id", peerID.String())),
	}
	t.OnLocalCandidate(m.publishLocalCandidate)
	t.OnStateChange(m.transportChanged)
	return m
}

// NewBroadcaster creates the broadcaster-side machine for one viewer. The
// capture is shared across all of the broadcaster's machines; negotiation
// state is per viewer.
func NewBroadcaster(sessionID, selfID, viewerID uuid.UUID, t Transport, send SendFunc, onState StateFunc, log *zap.Logger) *Machine {
	return newMachine(models.RoleBroadcaster, sessionID, selfID, viewerID, t, send, onState, log)
}

// NewViewer creates the viewer-side machine. It starts Subscribed and applies
// the first offer whenever it arrives; there is no polling.
func NewViewer(sessionID, selfID, broadcasterID uuid.UUID, t Transport, send SendFunc, onState StateFunc, log *zap.Logger) *Machine {
	m := newMachine(models.RoleViewer, sessionID, selfID, broadcasterID, t, send, onState, log)
	m.setState(StateSubscribed, nil)
	return m
}

// State returns the current machine state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PeerID returns the remote identity this machine negotiates with.
func (m *Machine) PeerID() uuid.UUID { return m.peerID }

// StartOffer attaches the capture, publishes the offer addressed to this
// machine's viewer and moves to OfferSent. Broadcaster role only.
func (m *Machine) StartOffer(ctx context.Context, capture Capture) error {
	m.mu.Lock()
	if m.role != models.RoleBroadcaster {
		m.mu.Unlock()
		return fmt.Errorf("negotiation: offer from %s role", m.role)
	}
	if m.state.Terminal() {
		m.mu.Unlock()
		return ErrTerminal
	}
	m.mu.Unlock()

	if err := m.transport.AddLocalMedia(capture); err != nil {
		m.fail(fmt.Errorf("add local media: %w", err))
		return err
	}
	m.setState(StateCameraAcquired, nil)

	sdp, err := m.transport.CreateOffer(ctx)
	if err != nil {
		m.fail(fmt.Errorf("create offer: %w", err))
		return err
	}
	// OfferSent is entered before publishing: the answer may come back on the
	// same goroutine when the relay delivers synchronously.
	m.setState(StateOfferSent, nil)
	if err := m.send(models.NegotiationRecord{
		SessionID: m.sessionID,
		SenderID:  m.selfID,
		Role:      m.role,
		Kind:      models.NegotiationOffer,
		TargetID:  m.peerID,
		SDP:       sdp,
		SentAt:    time.Now(),
	}); err != nil {
		m.fail(fmt.Errorf("publish offer: %w", err))
		return err
	}
	return nil
}

// SetAnswerTimeout fails this machine if no answer arrives within d. Only the
// timed-out viewer is discarded; other viewers are unaffected.
func (m *Machine) SetAnswerTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timeout != nil {
		m.timeout.Stop()
	}
	m.timeout = time.AfterFunc(d, func() {
		m.mu.Lock()
		waiting := m.state == StateOfferSent && !m.answered
		m.mu.Unlock()
		if waiting {
			m.fail(errors.New("answer timeout"))
		}
	})
}

// AwaitOffer marks the viewer as attached to the relay and waiting for the
// broadcaster offer, whenever it arrives.
func (m *Machine) AwaitOffer() {
	m.mu.Lock()
	if m.role != models.RoleViewer || m.state != StateSubscribed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.setState(StateAwaitingOffer, nil)
}

// HandleOffer applies the broadcaster's offer and publishes the answer.
// Viewer role only; a viewer negotiates at most once, so offers arriving after
// AwaitingOffer are ignored.
func (m *Machine) HandleOffer(ctx context.Context, rec models.NegotiationRecord) error {
	m.mu.Lock()
	if m.role != models.RoleViewer || m.state.Terminal() {
		m.mu.Unlock()
		return nil
	}
	if m.state != StateSubscribed && m.state != StateAwaitingOffer {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if rec.TargetID != uuid.Nil && rec.TargetID != m.selfID {
		return nil
	}
	if err := m.transport.ApplyRemoteOffer(rec.SDP); err != nil {
		m.fail(fmt.Errorf("apply offer: %w", err))
		return err
	}
	sdp, err := m.transport.CreateAnswer(ctx)
	if err != nil {
		m.fail(fmt.Errorf("create answer: %w", err))
		return err
	}
	if err := m.send(models.NegotiationRecord{
		SessionID: m.sessionID,
		SenderID:  m.selfID,
		Role:      m.role,
		Kind:      models.NegotiationAnswer,
		TargetID:  rec.SenderID,
		SDP:       sdp,
		SentAt:    time.Now(),
	}); err != nil {
		m.fail(fmt.Errorf("publish answer: %w", err))
		return err
	}
	m.setState(StateAnswerSent, nil)
	return nil
}

// HandleAnswer pairs a viewer's answer with this machine's offer.
// Broadcaster role only.
func (m *Machine) HandleAnswer(rec models.NegotiationRecord) error {
	m.mu.Lock()
	if m.role != models.RoleBroadcaster || m.state != StateOfferSent {
		m.mu.Unlock()
		return nil
	}
	// Answers are role-scoped: only the viewer this machine was built for.
	if rec.SenderID != m.peerID {
		m.mu.Unlock()
		return nil
	}
	m.answered = true
	if m.timeout != nil {
		m.timeout.Stop()
	}
	m.mu.Unlock()

	if err := m.transport.ApplyRemoteAnswer(rec.SDP); err != nil {
		m.fail(fmt.Errorf("apply answer: %w", err))
		return err
	}
	return nil
}

// HandleCandidate applies a connectivity candidate in any non-terminal state.
// Duplicates and re-deliveries are safe no-ops.
func (m *Machine) HandleCandidate(rec models.NegotiationRecord) error {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return nil
	}
	if _, dup := m.seen[rec.Candidate]; dup {
		m.mu.Unlock()
		return nil
	}
	m.seen[rec.Candidate] = struct{}{}
	m.mu.Unlock()

	if err := m.transport.ApplyRemoteCandidate(rec.Candidate); err != nil {
		// A bad candidate is not fatal to the negotiation; the transport may
		// still connect over other pairs.
		m.log.Warn("apply candidate failed", zap.Error(err))
	}
	return nil
}

// Stop ends the negotiation and closes the transport. Idempotent. Stale
// transport callbacks after Stop are ignored.
func (m *Machine) Stop() {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return
	}
	if m.timeout != nil {
		m.timeout.Stop()
	}
	m.mu.Unlock()
	m.setState(StateEnded, nil)
	_ = m.transport.Close()
}

func (m *Machine) fail(err error) {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return
	}
	if m.timeout != nil {
		m.timeout.Stop()
	}
	m.mu.Unlock()
	m.log.Warn("negotiation failed", zap.Error(err))
	m.setState(StateFailed, err)
	_ = m.transport.Close()
}

func (m *Machine) setState(s State, cause error) {
	m.mu.Lock()
	if m.state.Terminal() && !s.Terminal() {
		m.mu.Unlock()
		return
	}
	m.state = s
	onState := m.onState
	m.mu.Unlock()
	if onState != nil {
		onState(m.peerID, s, cause)
	}
}

func (m *Machine) publishLocalCandidate(candidate string) {
	m.mu.Lock()
	terminal := m.state.Terminal()
	m.mu.Unlock()
	if terminal {
		return
	}
	_ = m.send(models.NegotiationRecord{
		SessionID: m.sessionID,
		SenderID:  m.selfID,
		Role:      m.role,
		Kind:      models.NegotiationCandidate,
		TargetID:  m.peerID,
		Candidate: candidate,
		SentAt:    time.Now(),
	})
}

func (m *Machine) transportChanged(ts TransportState) {
	m.mu.Lock()
	if m.state.Terminal() {
		// Abandoned negotiation resolving after teardown: ignore, never act.
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	switch ts {
	case TransportConnected:
		m.setState(StateConnected, nil)
	case TransportFailed:
		m.fail(errors.New("transport failed"))
	}
}
