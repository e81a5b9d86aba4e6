package evidence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Timolanda/Micall-sub001/internal/models"
)

// Repository persists evidence chunk metadata in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an evidence chunk repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a chunk record in its initial state.
func (r *Repository) Create(ctx context.Context, chunk *models.EvidenceChunk) error {
	const q = `INSERT INTO evidence_chunks (id, session_id, owner_id, captured_at, duration_ms, size_bytes, status, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`
	return r.pool.QueryRow(ctx, q, chunk.ID, chunk.SessionID, chunk.OwnerID, chunk.CapturedAt, chunk.DurationMS, chunk.SizeBytes, chunk.Status, chunk.Attempts).
		Scan(&chunk.CreatedAt, &chunk.UpdatedAt)
}

// UpdateStatus records an upload state transition and its attempt count.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, attempts int, lastErr string) error {
	const q = `UPDATE evidence_chunks SET status = $1, attempts = $2, last_error = $3, updated_at = NOW() WHERE id = $4`
	_, err := r.pool.Exec(ctx, q, status, attempts, lastErr, id)
	return err
}

// MarkUploaded finalizes a chunk record after the storage write succeeded.
func (r *Repository) MarkUploaded(ctx context.Context, id uuid.UUID, storageKey string, sizeBytes int64, uploadedAt time.Time) error {
	const q = `UPDATE evidence_chunks SET status = $1, storage_key = $2, size_bytes = $3, uploaded_at = $4, last_error = '', updated_at = NOW() WHERE id = $5`
	_, err := r.pool.Exec(ctx, q, models.ChunkStatusUploaded, storageKey, sizeBytes, uploadedAt, id)
	return err
}

// GetByID returns one chunk record.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.EvidenceChunk, error) {
	const q = `SELECT id, session_id, owner_id, captured_at, duration_ms, size_bytes, status, COALESCE(storage_key,''), attempts, COALESCE(last_error,''), uploaded_at, created_at, updated_at
		FROM evidence_chunks WHERE id = $1`
	var c models.EvidenceChunk
	err := r.pool.QueryRow(ctx, q, id).Scan(&c.ID, &c.SessionID, &c.OwnerID, &c.CapturedAt, &c.DurationMS, &c.SizeBytes, &c.Status, &c.StorageKey, &c.Attempts, &c.LastError, &c.UploadedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListBySession returns all chunks for a session in capture order.
func (r *Repository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.EvidenceChunk, error) {
	const q = `SELECT id, session_id, owner_id, captured_at, duration_ms, size_bytes, status, COALESCE(storage_key,''), attempts, COALESCE(last_error,''), uploaded_at, created_at, updated_at
		FROM evidence_chunks WHERE session_id = $1 ORDER BY captured_at ASC`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.EvidenceChunk
	for rows.Next() {
		var c models.EvidenceChunk
		if err := rows.Scan(&c.ID, &c.SessionID, &c.OwnerID, &c.CapturedAt, &c.DurationMS, &c.SizeBytes, &c.Status, &c.StorageKey, &c.Attempts, &c.LastError, &c.UploadedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// ListUnreconciled returns uploaded objects whose metadata never landed:
// status still shows an in-flight state but the row has a storage key.
func (r *Repository) ListUnreconciled(ctx context.Context, olderThan time.Duration) ([]models.EvidenceChunk, error) {
	const q = `SELECT id, session_id, owner_id, captured_at, duration_ms, size_bytes, status, COALESCE(storage_key,''), attempts, COALESCE(last_error,''), uploaded_at, created_at, updated_at
		FROM evidence_chunks WHERE status IN ($1, $2) AND updated_at < $3 ORDER BY updated_at ASC`
	rows, err := r.pool.Query(ctx, q, models.ChunkStatusPending, models.ChunkStatusUploading, time.Now().Add(-olderThan))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.EvidenceChunk
	for rows.Next() {
		var c models.EvidenceChunk
		if err := rows.Scan(&c.ID, &c.SessionID, &c.OwnerID, &c.CapturedAt, &c.DurationMS, &c.SizeBytes, &c.Status, &c.StorageKey, &c.Attempts, &c.LastError, &c.UploadedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}
