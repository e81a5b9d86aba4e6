package models

import (
	"time"

	"github.com/google/uuid"
)

// PresenceEntry is one participant attached to a session's relay channel.
// Created on join, refreshed on heartbeat, removed on leave or timeout.
type PresenceEntry struct {
	SessionID     uuid.UUID `json:"session_id"`
	ParticipantID uuid.UUID `json:"participant_id"`
	Role          string    `json:"role"`
	JoinedAt      time.Time `json:"joined_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}
