package session

import "github.com/google/uuid"

// Outbound reactive event types pushed to connected UIs.
const (
	EventPresenceUpdate   = "presence_update"
	EventNegotiationState = "negotiation_state"
	EventUploadStatus     = "upload_status"
	EventPTTState         = "ptt_state"
	EventSessionEnded     = "session_ended"
)

// Event is one reactive update scoped to a session.
type Event struct {
	Type      string    `json:"type"`
	SessionID uuid.UUID `json:"session_id"`
	Payload   any       `json:"payload,omitempty"`
}

// EventFunc receives engine events, e.g. to fan them out over websockets.
type EventFunc func(Event)
