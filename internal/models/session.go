package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the emergency session lifecycle.
const (
	SessionStatusPending = "pending"
	SessionStatusLive    = "live"
	SessionStatusEnded   = "ended"
)

// Participant roles within a session.
const (
	RoleBroadcaster = "broadcaster"
	RoleViewer      = "viewer"
)

// Location is a point tagged onto a session at creation. Optional: a session
// proceeds without one when the geolocation provider fails.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// Session is one live emergency broadcast: exactly one broadcaster, many viewers.
type Session struct {
	ID            uuid.UUID  `json:"id"`
	BroadcasterID uuid.UUID  `json:"broadcaster_id"`
	Status        string     `json:"status"`
	Location      *Location  `json:"location,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	PeakViewers   int        `json:"peak_viewers"`
}

// Active reports whether the session still accepts participants.
func (s *Session) Active() bool {
	return s.Status == SessionStatusPending || s.Status == SessionStatusLive
}
