// Package evidence captures media continuously during an active session and
// persists it durably despite network instability.
package evidence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Timolanda/Micall-sub001/internal/models"
)

// Store is the durable blob storage boundary: write object at path, read a
// signed URL, delete object. Nothing else is assumed of it.
type Store interface {
	WriteObject(ctx context.Context, key string, body []byte, contentType string) error
	SignedURL(ctx context.Context, key string, expires time.Duration) (string, error)
	DeleteObject(ctx context.Context, key string) error
}

// MetadataStore persists chunk records so failed chunks stay queryable.
type MetadataStore interface {
	Create(ctx context.Context, chunk *models.EvidenceChunk) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, attempts int, lastErr string) error
	MarkUploaded(ctx context.Context, id uuid.UUID, storageKey string, sizeBytes int64, uploadedAt time.Time) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.EvidenceChunk, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.EvidenceChunk, error)
}

// ChunkKey builds the stable storage path for a chunk. Session, owner and
// capture timestamp make collisions between chunks impossible.
func ChunkKey(sessionID, ownerID uuid.UUID, capturedAt time.Time) string {
	return fmt.Sprintf("%s/%s/%d", sessionID, ownerID, capturedAt.UnixMilli())
}
