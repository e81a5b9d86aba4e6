package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ParticipantRow is one row of the post-incident participation record.
type ParticipantRow struct {
	ParticipantID uuid.UUID  `json:"participant_id"`
	Role          string     `json:"role"`
	JoinedAt      time.Time  `json:"joined_at"`
	LeftAt        *time.Time `json:"left_at,omitempty"`
	WatchSeconds  int64      `json:"watch_seconds"`
}

// ParticipantRepository handles session_participant_log.
type ParticipantRepository struct {
	pool *pgxpool.Pool
}

// NewParticipantRepository creates a participant log repository.
func NewParticipantRepository(pool *pgxpool.Pool) *ParticipantRepository {
	return &ParticipantRepository{pool: pool}
}

// LogJoin inserts a row when a participant attaches to a session.
func (r *ParticipantRepository) LogJoin(ctx context.Context, sessionID, participantID uuid.UUID, role string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO session_participant_log (session_id, participant_id, role, joined_at) VALUES ($1, $2, $3, NOW())`,
		sessionID, participantID, role)
	return err
}

// LogLeave closes the most recent open row for this participant in this session.
func (r *ParticipantRepository) LogLeave(ctx context.Context, sessionID, participantID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE session_participant_log l SET left_at = NOW(), watch_seconds = GREATEST(0, EXTRACT(EPOCH FROM (NOW() - l.joined_at))::BIGINT)
		 FROM (SELECT id FROM session_participant_log WHERE session_id = $1 AND participant_id = $2 AND left_at IS NULL ORDER BY joined_at DESC LIMIT 1) AS sub
		 WHERE l.id = sub.id`,
		sessionID, participantID)
	return err
}

// ListBySession returns the participation record, most recent join first.
func (r *ParticipantRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]ParticipantRow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT participant_id, role, joined_at, left_at, watch_seconds
		 FROM session_participant_log WHERE session_id = $1 ORDER BY joined_at DESC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []ParticipantRow
	for rows.Next() {
		var row ParticipantRow
		if err := rows.Scan(&row.ParticipantID, &row.Role, &row.JoinedAt, &row.LeftAt, &row.WatchSeconds); err != nil {
			return nil, err
		}
		list = append(list, row)
	}
	return list, rows.Err()
}
