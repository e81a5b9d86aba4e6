package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Timolanda/Micall-sub001/internal/models"
)

// Kind identifies a relay message variant. The set is closed: anything else is
// rejected at the relay boundary before it reaches the state machines.
type Kind string

const (
	KindOffer         Kind = "offer"
	KindAnswer        Kind = "answer"
	KindCandidate     Kind = "candidate"
	KindPTTFrame      Kind = "ptt_frame"
	KindPresenceJoin  Kind = "presence_join"
	KindPresenceLeave Kind = "presence_leave"
	KindHeartbeat     Kind = "heartbeat"
	KindSessionEnd    Kind = "session_end"
)

// Envelope is the tagged message wrapper published to a session topic. Exactly
// one payload field is set, matching Kind.
type Envelope struct {
	Kind      Kind      `json:"kind"`
	SessionID uuid.UUID `json:"session_id"`
	SenderID  uuid.UUID `json:"sender_id"`
	Role      string    `json:"role"`
	// Seq provides per-publisher FIFO ordering only; no cross-publisher
	// ordering exists on the relay.
	Seq    uint64    `json:"seq"`
	SentAt time.Time `json:"sent_at"`

	Negotiation *models.NegotiationRecord `json:"negotiation,omitempty"`
	Frame       *models.PushToTalkFrame   `json:"frame,omitempty"`
}

// Validate checks the envelope against the closed variant set.
func (e *Envelope) Validate() error {
	if e.SessionID == uuid.Nil {
		return fmt.Errorf("envelope: missing session id")
	}
	if e.SenderID == uuid.Nil {
		return fmt.Errorf("envelope: missing sender id")
	}
	switch e.Kind {
	case KindOffer, KindAnswer, KindCandidate:
		if e.Negotiation == nil {
			return fmt.Errorf("envelope: %s without negotiation record", e.Kind)
		}
		if e.Kind == KindCandidate && e.Negotiation.Candidate == "" {
			return fmt.Errorf("envelope: candidate without payload")
		}
		if e.Kind != KindCandidate && e.Negotiation.SDP == "" {
			return fmt.Errorf("envelope: %s without sdp", e.Kind)
		}
	case KindPTTFrame:
		if e.Frame == nil || len(e.Frame.Audio) == 0 {
			return fmt.Errorf("envelope: ptt frame without audio")
		}
	case KindPresenceJoin, KindPresenceLeave, KindHeartbeat, KindSessionEnd:
		if e.Role == "" {
			return fmt.Errorf("envelope: %s without role", e.Kind)
		}
	default:
		return fmt.Errorf("envelope: unknown kind %q", e.Kind)
	}
	return nil
}

// Encode serializes the envelope for publishing.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses and validates a raw relay payload. Invalid messages are
// dropped by the caller, never handed to consumers.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Topic returns the relay channel name for a session.
func Topic(sessionID uuid.UUID) string {
	return "session:" + sessionID.String()
}
