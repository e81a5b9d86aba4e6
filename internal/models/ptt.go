package models

import (
	"time"

	"github.com/google/uuid"
)

// PushToTalkFrame is one complete talk burst. Frames are transient (never
// persisted) and published as a single relay message so bursts from different
// senders cannot interleave.
type PushToTalkFrame struct {
	SessionID  uuid.UUID `json:"session_id"`
	SenderID   uuid.UUID `json:"sender_id"`
	SenderRole string    `json:"sender_role"`
	CapturedAt time.Time `json:"captured_at"`
	Audio      []byte    `json:"audio"`
}
