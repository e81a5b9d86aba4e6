// Package relay provides topic-scoped, at-least-once delivery of typed
// messages to every participant subscribed to a session, over a pub/sub
// transport. Per-publisher FIFO is the only ordering guarantee; consumers are
// expected to process messages idempotently.
package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Bus is the raw transport underneath the relay client: Redis pub/sub in
// production, an in-memory fake in tests.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (cancel func(), err error)
}

// Config tunes outbox bounds and resubscription backoff.
type Config struct {
	OutboxLimit  int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

type queuedPublish struct {
	topic   string
	payload []byte
}

// Client is one participant's relay connection. While disconnected, publishes
// queue in memory up to OutboxLimit and are dropped beyond it: stale signaling
// is useless after reconnection, the negotiation layer renegotiates instead.
type Client struct {
	bus           Bus
	cfg           Config
	participantID uuid.UUID
	role          string
	log           *zap.Logger

	seq uint64

	mu        sync.Mutex
	connected bool
	lostCh    chan struct{}
	outbox    []queuedPublish
}

// NewClient creates a relay client for one participant identity.
func NewClient(bus Bus, cfg Config, participantID uuid.UUID, role string, log *zap.Logger) *Client {
	if cfg.OutboxLimit <= 0 {
		cfg.OutboxLimit = 64
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Client{
		bus:           bus,
		cfg:           cfg,
		participantID: participantID,
		role:          role,
		log:           log,
		connected:     true,
		lostCh:        make(chan struct{}),
	}
}

// Connected reports whether the last transport interaction succeeded.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ParticipantID returns the identity this client publishes as.
func (c *Client) ParticipantID() uuid.UUID { return c.participantID }

// Role returns the participant role this client publishes as.
func (c *Client) Role() string { return c.role }

// Publish stamps and sends an envelope to the session topic. Best-effort: a
// transport failure queues the message and flips the client to disconnected.
func (c *Client) Publish(ctx context.Context, sessionID uuid.UUID, env Envelope) error {
	env.SessionID = sessionID
	if env.SenderID == uuid.Nil {
		env.SenderID = c.participantID
	}
	if env.Role == "" {
		env.Role = c.role
	}
	env.Seq = atomic.AddUint64(&c.seq, 1)
	env.SentAt = time.Now()
	if env.Negotiation != nil {
		env.Negotiation.Sequence = env.Seq
		if env.Negotiation.SentAt.IsZero() {
			env.Negotiation.SentAt = env.SentAt
		}
	}
	if err := env.Validate(); err != nil {
		return err
	}
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	topic := Topic(sessionID)

	if !c.Connected() {
		c.enqueue(topic, payload)
		return nil
	}
	if err := c.bus.Publish(ctx, topic, payload); err != nil {
		c.log.Warn("relay publish failed, queueing", zap.String("topic", topic), zap.Error(err))
		c.markDisconnected()
		c.enqueue(topic, payload)
	}
	return nil
}

// Subscribe joins a session topic. Delivery starts at subscription time (no
// replay). The subscription resubscribes automatically with backoff after
// transport loss, and Cancel publishes the presence-leave side effect.
func (c *Client) Subscribe(ctx context.Context, sessionID uuid.UUID, handler func(Envelope)) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		client:    c,
		sessionID: sessionID,
		topic:     Topic(sessionID),
		handler:   handler,
		ctx:       subCtx,
		cancelCtx: cancel,
	}
	go s.run()
	return s
}

func (c *Client) enqueue(topic string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.outbox) >= c.cfg.OutboxLimit {
		c.log.Warn("relay outbox full, dropping message", zap.String("topic", topic), zap.Int("limit", c.cfg.OutboxLimit))
		return
	}
	c.outbox = append(c.outbox, queuedPublish{topic: topic, payload: payload})
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return
	}
	c.connected = false
	close(c.lostCh)
	c.lostCh = make(chan struct{})
}

func (c *Client) markConnected() {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = true
	pending := c.outbox
	c.outbox = nil
	c.mu.Unlock()

	if wasConnected && len(pending) == 0 {
		return
	}
	for i, q := range pending {
		if err := c.bus.Publish(context.Background(), q.topic, q.payload); err != nil {
			c.markDisconnected()
			c.mu.Lock()
			// Requeue the remainder, still bounded.
			rest := pending[i:]
			if len(rest) > c.cfg.OutboxLimit {
				rest = rest[:c.cfg.OutboxLimit]
			}
			c.outbox = append(rest, c.outbox...)
			c.mu.Unlock()
			return
		}
	}
}

func (c *Client) lostSignal() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lostCh
}

// Subscription is a live attachment to one session topic.
type Subscription struct {
	client    *Client
	sessionID uuid.UUID
	topic     string
	handler   func(Envelope)
	ctx       context.Context
	cancelCtx context.CancelFunc

	once sync.Once
}

// SessionID returns the session this subscription is scoped to.
func (s *Subscription) SessionID() uuid.UUID { return s.sessionID }

// Cancel leaves the channel. Publishes a presence-leave before tearing down.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		_ = s.client.Publish(context.Background(), s.sessionID, Envelope{Kind: KindPresenceLeave})
		s.cancelCtx()
	})
}

func (s *Subscription) run() {
	backoff := s.client.cfg.ReconnectMin
	for {
		if s.ctx.Err() != nil {
			return
		}
		busCancel, err := s.client.bus.Subscribe(s.ctx, s.topic, s.deliver)
		if err != nil {
			s.client.markDisconnected()
			s.client.log.Warn("relay subscribe failed, retrying",
				zap.String("topic", s.topic), zap.Duration("backoff", backoff), zap.Error(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.client.cfg.ReconnectMax {
				backoff = s.client.cfg.ReconnectMax
			}
			continue
		}
		// Arm the loss signal before flipping to connected: a disconnect
		// observed in this window must not be latched over by markConnected.
		lost := s.client.lostSignal()
		s.client.markConnected()
		// Announce (re)join so presence converges after a reconnect.
		_ = s.client.Publish(s.ctx, s.sessionID, Envelope{Kind: KindPresenceJoin})
		if !s.client.Connected() {
			// Outbox flush or join publish failed straight away; back off
			// before resubscribing so a dead transport is not hammered.
			busCancel()
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.client.cfg.ReconnectMax {
				backoff = s.client.cfg.ReconnectMax
			}
			continue
		}
		backoff = s.client.cfg.ReconnectMin

		select {
		case <-s.ctx.Done():
			busCancel()
			return
		case <-lost:
			busCancel()
			continue
		}
	}
}

func (s *Subscription) deliver(payload []byte) {
	env, err := Decode(payload)
	if err != nil {
		s.client.log.Debug("relay dropped invalid message", zap.String("topic", s.topic), zap.Error(err))
		return
	}
	if env.SessionID != s.sessionID {
		return
	}
	s.handler(env)
}
