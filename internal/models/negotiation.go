package models

import (
	"time"

	"github.com/google/uuid"
)

// NegotiationKind identifies a signaling record variant.
type NegotiationKind string

const (
	NegotiationOffer     NegotiationKind = "offer"
	NegotiationAnswer    NegotiationKind = "answer"
	NegotiationCandidate NegotiationKind = "candidate"
)

// NegotiationRecord is one ordered signaling message for a session. Records are
// consumed at least once; duplicates must be safe to re-apply (an identical
// candidate applied twice is a no-op).
type NegotiationRecord struct {
	SessionID uuid.UUID       `json:"session_id"`
	SenderID  uuid.UUID       `json:"sender_id"`
	Role      string          `json:"role"`
	Kind      NegotiationKind `json:"kind"`
	// TargetID scopes offers/answers to one viewer negotiation; zero for
	// records addressed to the whole session.
	TargetID uuid.UUID `json:"target_id,omitempty"`
	SDP      string    `json:"sdp,omitempty"`
	// Candidate is the serialized ICE candidate for kind=candidate.
	Candidate string    `json:"candidate,omitempty"`
	Sequence  uint64    `json:"sequence"`
	SentAt    time.Time `json:"sent_at"`
}
