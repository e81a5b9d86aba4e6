package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Timolanda/Micall-sub001/internal/models"
	"github.com/Timolanda/Micall-sub001/internal/negotiation"
	"github.com/Timolanda/Micall-sub001/internal/ptt"
	"github.com/Timolanda/Micall-sub001/internal/relay"
)

// Viewer is one responder's attachment to a live session: a relay
// subscription, a single negotiation machine toward the broadcaster, and a
// push-to-talk endpoint.
type Viewer struct {
	engine        *Engine
	sessionID     uuid.UUID
	broadcasterID uuid.UUID
	client        *relay.Client
	machine       *negotiation.Machine
	ptt           *ptt.Relay
	sub           *relay.Subscription
	cancel        context.CancelFunc
	log           *zap.Logger

	mu      sync.Mutex
	left    bool
	onEnded func()
}

// Join attaches a viewer to a live session. Joining an ended or unknown
// session fails; the viewer then waits for the broadcaster's offer, whenever
// it arrives.
func (e *Engine) Join(ctx context.Context, sessionID, viewerID uuid.UUID) (*Viewer, error) {
	sess, err := e.store.GetByID(ctx, sessionID)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	if !sess.Active() {
		return nil, ErrSessionEnded
	}

	transport, err := e.newTransport()
	if err != nil {
		return nil, err
	}
	client := relay.NewClient(e.bus, e.cfg.Relay, viewerID, models.RoleViewer, e.log)
	v := &Viewer{
		engine:        e,
		sessionID:     sessionID,
		broadcasterID: sess.BroadcasterID,
		client:        client,
		log: e.log.With(zap.String("session_id", sessionID.String()),
			zap.String("viewer_id", viewerID.String())),
	}
	v.machine = negotiation.NewViewer(sessionID, viewerID, sess.BroadcasterID, transport,
		v.sendNegotiation, v.machineChanged, v.log)
	v.ptt = ptt.New(client, sessionID, e.cfg.PTT, v.log)
	v.ptt.SetStateHandler(func(s ptt.State) {
		e.emit(Event{Type: EventPTTState, SessionID: sessionID, Payload: s})
	})

	runCtx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel
	v.sub = client.Subscribe(runCtx, sessionID, v.handle)
	v.machine.AwaitOffer()
	go heartbeatLoop(runCtx, client, sessionID, e.cfg.HeartbeatInterval)

	if err := e.plog.LogJoin(ctx, sessionID, viewerID, models.RoleViewer); err != nil {
		e.log.Warn("participant log join failed", zap.Error(err))
	}
	return v, nil
}

// SetEndedHandler installs the callback fired when the broadcaster ends the
// session.
func (v *Viewer) SetEndedHandler(fn func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onEnded = fn
}

// State returns the viewer's negotiation state.
func (v *Viewer) State() negotiation.State { return v.machine.State() }

// PTT returns the viewer's push-to-talk endpoint.
func (v *Viewer) PTT() *ptt.Relay { return v.ptt }

func (v *Viewer) handle(env relay.Envelope) {
	switch env.Kind {
	case relay.KindPresenceJoin, relay.KindPresenceLeave, relay.KindHeartbeat:
		v.engine.tracker.Apply(env)
	case relay.KindOffer:
		if env.Negotiation == nil || env.SenderID != v.broadcasterID {
			return
		}
		_ = v.machine.HandleOffer(context.Background(), *env.Negotiation)
	case relay.KindCandidate:
		if env.Negotiation == nil || env.SenderID != v.broadcasterID {
			return
		}
		if env.Negotiation.TargetID != uuid.Nil && env.Negotiation.TargetID != v.client.ParticipantID() {
			return
		}
		_ = v.machine.HandleCandidate(*env.Negotiation)
	case relay.KindPTTFrame:
		v.ptt.HandleFrame(env)
	case relay.KindSessionEnd:
		if env.SenderID != v.broadcasterID {
			return
		}
		v.log.Info("session ended by broadcaster")
		v.teardown(context.Background())
		v.mu.Lock()
		fn := v.onEnded
		v.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
}

func (v *Viewer) sendNegotiation(rec models.NegotiationRecord) error {
	return v.client.Publish(context.Background(), v.sessionID, relay.Envelope{
		Kind:        envelopeKind(rec.Kind),
		Negotiation: &rec,
	})
}

func (v *Viewer) machineChanged(peerID uuid.UUID, s negotiation.State, cause error) {
	payload := map[string]any{"peer_id": peerID, "state": s}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	v.engine.emit(Event{Type: EventNegotiationState, SessionID: v.sessionID, Payload: payload})
}

// Leave detaches the viewer: stop the negotiation, leave the relay, log the
// departure. Idempotent.
func (v *Viewer) Leave(ctx context.Context) {
	if !v.teardown(ctx) {
		return
	}
	if err := v.engine.plog.LogLeave(ctx, v.sessionID, v.client.ParticipantID()); err != nil {
		v.log.Warn("participant log leave failed", zap.Error(err))
	}
}

func (v *Viewer) teardown(context.Context) bool {
	v.mu.Lock()
	if v.left {
		v.mu.Unlock()
		return false
	}
	v.left = true
	v.mu.Unlock()

	v.machine.Stop()
	v.ptt.Close()
	v.sub.Cancel()
	v.cancel()
	return true
}
