package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Timolanda/Micall-sub001/internal/evidence"
	"github.com/Timolanda/Micall-sub001/internal/models"
	"github.com/Timolanda/Micall-sub001/internal/negotiation"
	"github.com/Timolanda/Micall-sub001/internal/ptt"
	"github.com/Timolanda/Micall-sub001/internal/relay"
)

// Broadcast is the broadcaster side of one live session: the shared capture,
// the evidence recorder, the relay attachment and one negotiation machine per
// viewer. Machine failures are isolated; the capture and sibling viewers are
// never touched.
type Broadcast struct {
	engine   *Engine
	client   *relay.Client
	capture  negotiation.Capture
	recorder *evidence.Recorder
	ptt      *ptt.Relay
	sub      *relay.Subscription
	cancel   context.CancelFunc
	log      *zap.Logger

	mu       sync.Mutex
	session  *models.Session
	machines map[uuid.UUID]*negotiation.Machine
	ended    bool
}

func (e *Engine) startBroadcast(ctx context.Context, sess *models.Session, capture negotiation.Capture) (*Broadcast, error) {
	client := relay.NewClient(e.bus, e.cfg.Relay, sess.BroadcasterID, models.RoleBroadcaster, e.log)
	b := &Broadcast{
		engine:   e,
		client:   client,
		capture:  capture,
		session:  sess,
		machines: make(map[uuid.UUID]*negotiation.Machine),
		log:      e.log.With(zap.String("session_id", sess.ID.String())),
	}
	b.recorder = evidence.NewRecorder(sess.ID, sess.BroadcasterID, e.cfg.FlushInterval, func(c *models.EvidenceChunk) {
		e.uploader.Enqueue(context.Background(), c)
	}, b.log)
	b.ptt = ptt.New(client, sess.ID, e.cfg.PTT, b.log)
	b.ptt.SetStateHandler(func(s ptt.State) {
		e.emit(Event{Type: EventPTTState, SessionID: sess.ID, Payload: s})
	})

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.sub = client.Subscribe(runCtx, sess.ID, b.handle)
	go b.recorder.Run(runCtx)
	go heartbeatLoop(runCtx, client, sess.ID, e.cfg.HeartbeatInterval)
	go b.watchConnection(runCtx)
	return b, nil
}

// watchConnection terminates the session when the broadcaster's relay
// connection stays down past the grace period. A reconnect inside the window
// resets it; the heartbeat loop keeps probing the transport, so a dead
// connection is noticed within one heartbeat interval.
func (b *Broadcast) watchConnection(ctx context.Context) {
	ticker := time.NewTicker(b.engine.cfg.HeartbeatInterval)
	defer ticker.Stop()
	var lostAt time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.client.Connected() {
				lostAt = time.Time{}
				continue
			}
			if lostAt.IsZero() {
				lostAt = time.Now()
				continue
			}
			if time.Since(lostAt) < b.engine.cfg.DisconnectGrace {
				continue
			}
			b.log.Warn("broadcaster disconnected past grace period, ending session",
				zap.Duration("grace", b.engine.cfg.DisconnectGrace))
			_ = b.End(context.Background(), b.session.BroadcasterID)
			return
		}
	}
}

// Session returns a snapshot of the session record.
func (b *Broadcast) Session() *models.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot := *b.session
	return &snapshot
}

// Recorder returns the evidence recorder, e.g. for pause/resume.
func (b *Broadcast) Recorder() *evidence.Recorder { return b.recorder }

// PTT returns the broadcaster's push-to-talk endpoint.
func (b *Broadcast) PTT() *ptt.Relay { return b.ptt }

// Capture returns the shared media capture, e.g. for camera/mic toggles.
func (b *Broadcast) Capture() negotiation.Capture { return b.capture }

// ViewerState returns the negotiation state for one viewer.
func (b *Broadcast) ViewerState(viewerID uuid.UUID) (negotiation.State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.machines[viewerID]
	if !ok {
		return "", false
	}
	return m.State(), true
}

func (b *Broadcast) setStatus(status string) {
	b.mu.Lock()
	b.session.Status = status
	b.mu.Unlock()
}

// handle consumes every relay envelope on the session topic.
func (b *Broadcast) handle(env relay.Envelope) {
	switch env.Kind {
	case relay.KindPresenceJoin, relay.KindPresenceLeave, relay.KindHeartbeat:
		b.engine.tracker.Apply(env)
		if env.SenderID == b.client.ParticipantID() {
			return
		}
		if env.Kind == relay.KindPresenceJoin && env.Role == models.RoleViewer {
			b.ensureViewer(env.SenderID)
		}
		if env.Kind == relay.KindPresenceLeave {
			b.dropViewer(env.SenderID)
		}
		b.recordPeak()
	case relay.KindAnswer:
		if env.Negotiation == nil {
			return
		}
		if m := b.machine(env.SenderID); m != nil {
			_ = m.HandleAnswer(*env.Negotiation)
		}
	case relay.KindCandidate:
		if env.Negotiation == nil || env.SenderID == b.client.ParticipantID() {
			return
		}
		if m := b.machine(env.SenderID); m != nil {
			_ = m.HandleCandidate(*env.Negotiation)
		}
	case relay.KindPTTFrame:
		b.ptt.HandleFrame(env)
	}
}

func (b *Broadcast) machine(viewerID uuid.UUID) *negotiation.Machine {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.machines[viewerID]
}

// ensureViewer starts a fresh negotiation toward a newly joined viewer. A
// rejoin after a failed or ended negotiation replaces the machine.
func (b *Broadcast) ensureViewer(viewerID uuid.UUID) {
	b.mu.Lock()
	if b.ended {
		b.mu.Unlock()
		return
	}
	if m, ok := b.machines[viewerID]; ok && !m.State().Terminal() {
		b.mu.Unlock()
		return
	}
	sessionID := b.session.ID
	selfID := b.session.BroadcasterID
	b.mu.Unlock()

	transport, err := b.engine.newTransport()
	if err != nil {
		b.log.Error("peer transport unavailable", zap.String("viewer_id", viewerID.String()), zap.Error(err))
		return
	}
	m := negotiation.NewBroadcaster(sessionID, selfID, viewerID, transport,
		b.sendNegotiation, b.machineChanged, b.log)

	b.mu.Lock()
	b.machines[viewerID] = m
	b.mu.Unlock()

	if err := m.StartOffer(context.Background(), b.capture); err != nil {
		b.log.Warn("offer to viewer failed", zap.String("viewer_id", viewerID.String()), zap.Error(err))
		return
	}
	m.SetAnswerTimeout(b.engine.cfg.AnswerTimeout)
}

func (b *Broadcast) dropViewer(viewerID uuid.UUID) {
	b.mu.Lock()
	m, ok := b.machines[viewerID]
	delete(b.machines, viewerID)
	b.mu.Unlock()
	if ok {
		m.Stop()
	}
}

func (b *Broadcast) sendNegotiation(rec models.NegotiationRecord) error {
	return b.client.Publish(context.Background(), b.session.ID, relay.Envelope{
		Kind:        envelopeKind(rec.Kind),
		Negotiation: &rec,
	})
}

func (b *Broadcast) machineChanged(peerID uuid.UUID, s negotiation.State, cause error) {
	payload := map[string]any{"peer_id": peerID, "state": s}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	b.engine.emit(Event{Type: EventNegotiationState, SessionID: b.session.ID, Payload: payload})
}

func (b *Broadcast) recordPeak() {
	viewers := b.engine.tracker.ViewerCount(b.session.ID)
	b.mu.Lock()
	if b.ended || viewers <= b.session.PeakViewers {
		b.mu.Unlock()
		return
	}
	b.session.PeakViewers = viewers
	b.mu.Unlock()
	if err := b.engine.store.UpdatePeakViewers(context.Background(), b.session.ID, viewers); err != nil {
		b.log.Warn("persist peak viewers failed", zap.Error(err))
	}
}

// End tears the broadcast down: announce the end, stop every negotiation,
// release capture, cut the final evidence chunk, leave the relay, persist the
// record. Queued evidence uploads are untouched and keep draining. Idempotent.
func (b *Broadcast) End(ctx context.Context, requesterID uuid.UUID) error {
	b.mu.Lock()
	if b.session.BroadcasterID != requesterID {
		b.mu.Unlock()
		return ErrNotBroadcaster
	}
	if b.ended {
		b.mu.Unlock()
		return ErrSessionEnded
	}
	b.ended = true
	machines := make([]*negotiation.Machine, 0, len(b.machines))
	for _, m := range b.machines {
		machines = append(machines, m)
	}
	b.machines = make(map[uuid.UUID]*negotiation.Machine)
	sessionID := b.session.ID
	b.mu.Unlock()

	_ = b.client.Publish(ctx, sessionID, relay.Envelope{Kind: relay.KindSessionEnd})
	for _, m := range machines {
		m.Stop()
	}
	b.recorder.Stop()
	b.cancel()
	b.ptt.Close()
	_ = b.capture.Close()
	b.sub.Cancel()

	if err := b.engine.plog.LogLeave(ctx, sessionID, requesterID); err != nil {
		b.log.Warn("participant log leave failed", zap.Error(err))
	}
	if err := b.engine.store.End(ctx, sessionID); err != nil {
		b.log.Error("persist session end failed", zap.Error(err))
	}
	now := time.Now()
	b.mu.Lock()
	b.session.Status = models.SessionStatusEnded
	b.session.EndedAt = &now
	b.mu.Unlock()

	b.engine.tracker.Drop(sessionID)
	b.engine.forget(b)
	b.engine.emit(Event{Type: EventSessionEnded, SessionID: sessionID})
	b.log.Info("session ended", zap.Int("peak_viewers", b.Session().PeakViewers))
	return nil
}
