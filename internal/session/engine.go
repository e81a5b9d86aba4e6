// Package session orchestrates live emergency sessions: activation from a
// fused trigger, broadcaster/viewer negotiation, presence, push-to-talk and
// evidence capture, with teardown that never cancels pending uploads.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Timolanda/Micall-sub001/internal/evidence"
	"github.com/Timolanda/Micall-sub001/internal/models"
	"github.com/Timolanda/Micall-sub001/internal/negotiation"
	"github.com/Timolanda/Micall-sub001/internal/presence"
	"github.com/Timolanda/Micall-sub001/internal/ptt"
	"github.com/Timolanda/Micall-sub001/internal/relay"
)

var (
	// ErrSessionNotFound means no session exists with that ID.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrSessionEnded means the session no longer accepts participants.
	ErrSessionEnded = errors.New("session: already ended")
	// ErrNotBroadcaster means the requester does not own the session.
	ErrNotBroadcaster = errors.New("session: only the broadcaster may end the session")
)

// Store persists sessions.
type Store interface {
	Create(ctx context.Context, s *models.Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	MarkLive(ctx context.Context, id uuid.UUID) error
	UpdatePeakViewers(ctx context.Context, id uuid.UUID, peak int) error
	End(ctx context.Context, id uuid.UUID) error
}

// ParticipantLog records joins and leaves for the post-incident record.
type ParticipantLog interface {
	LogJoin(ctx context.Context, sessionID, participantID uuid.UUID, role string) error
	LogLeave(ctx context.Context, sessionID, participantID uuid.UUID) error
}

// TransportFactory builds one peer transport per negotiation.
type TransportFactory func() (negotiation.Transport, error)

// CaptureFactory acquires the device camera and microphone.
type CaptureFactory func() (negotiation.Capture, error)

// Config tunes the engine.
type Config struct {
	Relay             relay.Config
	PTT               ptt.Config
	AnswerTimeout     time.Duration
	HeartbeatInterval time.Duration
	// DisconnectGrace is how long the broadcaster's relay connection may stay
	// down before the session is terminated.
	DisconnectGrace time.Duration
	FlushInterval   time.Duration
}

// Engine is the facade over the session lifecycle. One engine serves many
// sessions; each broadcaster owns at most one active session at a time.
type Engine struct {
	cfg          Config
	bus          relay.Bus
	store        Store
	plog         ParticipantLog
	locator      Locator
	tracker      *presence.Tracker
	uploader     *evidence.Uploader
	newTransport TransportFactory
	newCapture   CaptureFactory
	log          *zap.Logger

	mu         sync.Mutex
	broadcasts map[uuid.UUID]*Broadcast    // by session ID
	byOwner    map[uuid.UUID]uuid.UUID     // broadcaster ID -> session ID
	activating map[uuid.UUID]chan struct{} // broadcaster ID -> in-flight activation
	onEvent    EventFunc
}

// NewEngine wires the engine over its collaborators.
func NewEngine(cfg Config, bus relay.Bus, store Store, plog ParticipantLog, locator Locator,
	tracker *presence.Tracker, uploader *evidence.Uploader,
	transports TransportFactory, captures CaptureFactory, log *zap.Logger) *Engine {
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = 45 * time.Second
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	return &Engine{
		cfg:          cfg,
		bus:          bus,
		store:        store,
		plog:         plog,
		locator:      locator,
		tracker:      tracker,
		uploader:     uploader,
		newTransport: transports,
		newCapture:   captures,
		log:          log,
		broadcasts:   make(map[uuid.UUID]*Broadcast),
		byOwner:      make(map[uuid.UUID]uuid.UUID),
		activating:   make(map[uuid.UUID]chan struct{}),
	}
}

// SetEventHandler installs the reactive event callback.
func (e *Engine) SetEventHandler(fn EventFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEvent = fn
}

// Activate starts an emergency session for the broadcaster: resolve location
// (best-effort), create the session, acquire capture, attach the relay, start
// evidence recording and heartbeats. Re-activation while a session is already
// live returns the live session unchanged. Concurrent activations for the same
// broadcaster serialize on an in-flight latch, so at most one session is ever
// created per activation burst.
func (e *Engine) Activate(ctx context.Context, broadcasterID uuid.UUID) (*models.Session, error) {
	for {
		e.mu.Lock()
		if sessionID, ok := e.byOwner[broadcasterID]; ok {
			if b := e.broadcasts[sessionID]; b != nil {
				e.mu.Unlock()
				return b.Session(), nil
			}
		}
		latch, inFlight := e.activating[broadcasterID]
		if !inFlight {
			latch = make(chan struct{})
			e.activating[broadcasterID] = latch
			e.mu.Unlock()

			sess, err := e.activate(ctx, broadcasterID)

			e.mu.Lock()
			delete(e.activating, broadcasterID)
			e.mu.Unlock()
			close(latch)
			return sess, err
		}
		e.mu.Unlock()

		// Another activation for this broadcaster is in flight; wait for its
		// outcome and re-check. If it failed, the next pass takes the latch.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-latch:
		}
	}
}

func (e *Engine) activate(ctx context.Context, broadcasterID uuid.UUID) (*models.Session, error) {
	var loc *models.Location
	if e.locator != nil {
		var err error
		loc, err = e.locator.Locate(ctx)
		if err != nil {
			e.log.Warn("geolocation unavailable, proceeding without location",
				zap.String("broadcaster_id", broadcasterID.String()), zap.Error(err))
			loc = nil
		}
	}

	sess := &models.Session{
		ID:            uuid.New(),
		BroadcasterID: broadcasterID,
		Status:        models.SessionStatusPending,
		Location:      loc,
		CreatedAt:     time.Now(),
	}
	if err := e.store.Create(ctx, sess); err != nil {
		return nil, err
	}

	capture, err := e.newCapture()
	if err != nil {
		_ = e.store.End(ctx, sess.ID)
		return nil, err
	}

	b, err := e.startBroadcast(ctx, sess, capture)
	if err != nil {
		_ = capture.Close()
		_ = e.store.End(ctx, sess.ID)
		return nil, err
	}

	e.mu.Lock()
	e.broadcasts[sess.ID] = b
	e.byOwner[broadcasterID] = sess.ID
	e.mu.Unlock()

	if err := e.store.MarkLive(ctx, sess.ID); err != nil {
		e.log.Error("mark session live failed", zap.String("session_id", sess.ID.String()), zap.Error(err))
	}
	b.setStatus(models.SessionStatusLive)
	if err := e.plog.LogJoin(ctx, sess.ID, broadcasterID, models.RoleBroadcaster); err != nil {
		e.log.Warn("participant log join failed", zap.Error(err))
	}

	e.log.Info("emergency session live",
		zap.String("session_id", sess.ID.String()),
		zap.String("broadcaster_id", broadcasterID.String()),
		zap.Bool("has_location", loc != nil))
	return b.Session(), nil
}

// End tears down a session. Only the broadcaster may end it. Teardown releases
// capture, stops every negotiation, leaves the relay, and persists the final
// record; evidence uploads already queued keep draining.
func (e *Engine) End(ctx context.Context, sessionID, requesterID uuid.UUID) error {
	e.mu.Lock()
	b := e.broadcasts[sessionID]
	e.mu.Unlock()
	if b != nil {
		return b.End(ctx, requesterID)
	}

	// Not live on this instance: end the record directly.
	sess, err := e.store.GetByID(ctx, sessionID)
	if err != nil {
		return ErrSessionNotFound
	}
	if sess.BroadcasterID != requesterID {
		return ErrNotBroadcaster
	}
	if !sess.Active() {
		return ErrSessionEnded
	}
	return e.store.End(ctx, sessionID)
}

// Session returns the persisted session record.
func (e *Engine) Session(ctx context.Context, sessionID uuid.UUID) (*models.Session, error) {
	e.mu.Lock()
	if b := e.broadcasts[sessionID]; b != nil {
		e.mu.Unlock()
		return b.Session(), nil
	}
	e.mu.Unlock()
	sess, err := e.store.GetByID(ctx, sessionID)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Broadcast returns the live broadcaster-side state for a session, if this
// instance owns it.
func (e *Engine) Broadcast(sessionID uuid.UUID) (*Broadcast, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.broadcasts[sessionID]
	return b, ok
}

// Roster returns the live roster for a session.
func (e *Engine) Roster(sessionID uuid.UUID) ([]models.PresenceEntry, int) {
	return e.tracker.Roster(sessionID), e.tracker.ViewerCount(sessionID)
}

func (e *Engine) emit(ev Event) {
	e.mu.Lock()
	fn := e.onEvent
	e.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (e *Engine) forget(b *Broadcast) {
	e.mu.Lock()
	delete(e.broadcasts, b.session.ID)
	if e.byOwner[b.session.BroadcasterID] == b.session.ID {
		delete(e.byOwner, b.session.BroadcasterID)
	}
	e.mu.Unlock()
}

func heartbeatLoop(ctx context.Context, client *relay.Client, sessionID uuid.UUID, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = client.Publish(ctx, sessionID, relay.Envelope{Kind: relay.KindHeartbeat})
		}
	}
}

func envelopeKind(k models.NegotiationKind) relay.Kind {
	switch k {
	case models.NegotiationOffer:
		return relay.KindOffer
	case models.NegotiationAnswer:
		return relay.KindAnswer
	default:
		return relay.KindCandidate
	}
}
