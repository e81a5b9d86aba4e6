package models

import (
	"time"

	"github.com/google/uuid"
)

// EvidenceChunk upload lifecycle.
const (
	ChunkStatusPending   = "pending"
	ChunkStatusUploading = "uploading"
	ChunkStatusUploaded  = "uploaded"
	ChunkStatusFailed    = "failed"
)

// EvidenceChunk is one discrete, independently uploadable segment of recorded
// media. Failed chunks stay queryable for manual retry; they are never dropped.
type EvidenceChunk struct {
	ID         uuid.UUID  `json:"id"`
	SessionID  uuid.UUID  `json:"session_id"`
	OwnerID    uuid.UUID  `json:"owner_id"`
	CapturedAt time.Time  `json:"captured_at"`
	DurationMS int64      `json:"duration_ms"`
	SizeBytes  int64      `json:"size_bytes"`
	Status     string     `json:"status"`
	StorageKey string     `json:"storage_key,omitempty"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	UploadedAt *time.Time `json:"uploaded_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`

	// Payload is the captured media; held in memory until uploaded, not
	// serialized in API responses.
	Payload []byte `json:"-"`
}
