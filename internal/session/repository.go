package session

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Timolanda/Micall-sub001/internal/models"
)

// Repository persists sessions in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a session. Location columns stay NULL when the geolocation
// provider had nothing.
func (r *Repository) Create(ctx context.Context, s *models.Session) error {
	var lat, lng, acc *float64
	if s.Location != nil {
		lat, lng, acc = &s.Location.Latitude, &s.Location.Longitude, &s.Location.Accuracy
	}
	const q = `INSERT INTO sessions (id, broadcaster_id, status, latitude, longitude, accuracy, peak_viewers)
		VALUES ($1, $2, $3, $4, $5, $6, 0)
		RETURNING created_at`
	return r.pool.QueryRow(ctx, q, s.ID, s.BroadcasterID, s.Status, lat, lng, acc).Scan(&s.CreatedAt)
}

// GetByID returns one session.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	const q = `SELECT id, broadcaster_id, status, latitude, longitude, accuracy, peak_viewers, created_at, ended_at
		FROM sessions WHERE id = $1`
	var s models.Session
	var lat, lng, acc *float64
	err := r.pool.QueryRow(ctx, q, id).Scan(&s.ID, &s.BroadcasterID, &s.Status, &lat, &lng, &acc, &s.PeakViewers, &s.CreatedAt, &s.EndedAt)
	if err != nil {
		return nil, err
	}
	if lat != nil && lng != nil {
		s.Location = &models.Location{Latitude: *lat, Longitude: *lng}
		if acc != nil {
			s.Location.Accuracy = *acc
		}
	}
	return &s, nil
}

// MarkLive moves a pending session to live.
func (r *Repository) MarkLive(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE sessions SET status = $1 WHERE id = $2 AND status = $3`
	_, err := r.pool.Exec(ctx, q, models.SessionStatusLive, id, models.SessionStatusPending)
	return err
}

// UpdatePeakViewers raises peak_viewers, never lowers it.
func (r *Repository) UpdatePeakViewers(ctx context.Context, id uuid.UUID, peak int) error {
	const q = `UPDATE sessions SET peak_viewers = $1 WHERE id = $2 AND $1 > peak_viewers`
	_, err := r.pool.Exec(ctx, q, peak, id)
	return err
}

// End closes a session record.
func (r *Repository) End(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE sessions SET status = $1, ended_at = NOW() WHERE id = $2 AND status <> $1`
	_, err := r.pool.Exec(ctx, q, models.SessionStatusEnded, id)
	return err
}
