// Package presence maintains the live roster of participants per session as
// an incremental reducer over membership events, never by re-querying.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Timolanda/Micall-sub001/internal/models"
	"github.com/Timolanda/Micall-sub001/internal/relay"
)

// Config tunes heartbeat eviction.
type Config struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
}

// ChangeFunc is invoked on every roster change with the new roster (most
// recent join first) and the viewer count — the authoritative responder count.
type ChangeFunc func(sessionID uuid.UUID, roster []models.PresenceEntry, viewerCount int)

// Tracker reduces membership events into per-session rosters.
type Tracker struct {
	cfg Config
	log *zap.Logger
	now func() time.Time

	mu       sync.Mutex
	sessions map[uuid.UUID]map[uuid.UUID]*models.PresenceEntry
	onChange ChangeFunc
}

// NewTracker creates an empty tracker.
func NewTracker(cfg Config, log *zap.Logger) *Tracker {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 45 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	return &Tracker{
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		sessions: make(map[uuid.UUID]map[uuid.UUID]*models.PresenceEntry),
	}
}

// SetChangeHandler installs the roster-change callback.
func (t *Tracker) SetChangeHandler(fn ChangeFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Apply reduces one relay membership event into the roster. Non-membership
// envelopes are ignored so the tracker can be fed the raw session stream.
func (t *Tracker) Apply(env relay.Envelope) {
	switch env.Kind {
	case relay.KindPresenceJoin:
		t.join(env.SessionID, env.SenderID, env.Role)
	case relay.KindPresenceLeave:
		t.leave(env.SessionID, env.SenderID)
	case relay.KindHeartbeat:
		t.heartbeat(env.SessionID, env.SenderID)
	}
}

func (t *Tracker) join(sessionID, participantID uuid.UUID, role string) {
	t.mu.Lock()
	entries := t.sessions[sessionID]
	if entries == nil {
		entries = make(map[uuid.UUID]*models.PresenceEntry)
		t.sessions[sessionID] = entries
	}
	now := t.now()
	if e, ok := entries[participantID]; ok {
		// Rejoin from an already-present identity refreshes the entry; it is
		// never duplicated.
		e.LastSeenAt = now
		t.mu.Unlock()
		return
	}
	entries[participantID] = &models.PresenceEntry{
		SessionID:     sessionID,
		ParticipantID: participantID,
		Role:          role,
		JoinedAt:      now,
		LastSeenAt:    now,
	}
	t.mu.Unlock()
	t.notify(sessionID)
}

func (t *Tracker) leave(sessionID, participantID uuid.UUID) {
	t.mu.Lock()
	entries := t.sessions[sessionID]
	if entries == nil {
		t.mu.Unlock()
		return
	}
	if _, ok := entries[participantID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(entries, participantID)
	if len(entries) == 0 {
		delete(t.sessions, sessionID)
	}
	t.mu.Unlock()
	t.notify(sessionID)
}

func (t *Tracker) heartbeat(sessionID, participantID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.sessions[sessionID][participantID]; ok {
		e.LastSeenAt = t.now()
	}
}

// Roster returns the session's entries ordered by join time, most recent
// first, for operator relevance.
func (t *Tracker) Roster(sessionID uuid.UUID) []models.PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rosterLocked(sessionID)
}

func (t *Tracker) rosterLocked(sessionID uuid.UUID) []models.PresenceEntry {
	entries := t.sessions[sessionID]
	out := make([]models.PresenceEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.After(out[j].JoinedAt) })
	return out
}

// ViewerCount returns the number of viewer-role entries for a session.
func (t *Tracker) ViewerCount(sessionID uuid.UUID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.sessions[sessionID] {
		if e.Role == models.RoleViewer {
			n++
		}
	}
	return n
}

// Drop clears a session's roster, e.g. when the session ends.
func (t *Tracker) Drop(sessionID uuid.UUID) {
	t.mu.Lock()
	_, had := t.sessions[sessionID]
	delete(t.sessions, sessionID)
	t.mu.Unlock()
	if had {
		t.notify(sessionID)
	}
}

// Run sweeps heartbeat-expired entries until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *Tracker) sweep() {
	cutoff := t.now().Add(-t.cfg.HeartbeatTimeout)
	var changed []uuid.UUID
	t.mu.Lock()
	for sessionID, entries := range t.sessions {
		for id, e := range entries {
			if e.LastSeenAt.Before(cutoff) {
				delete(entries, id)
				changed = append(changed, sessionID)
				t.log.Debug("presence entry timed out",
					zap.String("session_id", sessionID.String()),
					zap.String("participant_id", id.String()))
			}
		}
		if len(entries) == 0 {
			delete(t.sessions, sessionID)
		}
	}
	t.mu.Unlock()
	seen := map[uuid.UUID]struct{}{}
	for _, sessionID := range changed {
		if _, dup := seen[sessionID]; dup {
			continue
		}
		seen[sessionID] = struct{}{}
		t.notify(sessionID)
	}
}

func (t *Tracker) notify(sessionID uuid.UUID) {
	t.mu.Lock()
	fn := t.onChange
	roster := t.rosterLocked(sessionID)
	viewers := 0
	for _, e := range roster {
		if e.Role == models.RoleViewer {
			viewers++
		}
	}
	t.mu.Unlock()
	if fn != nil {
		fn(sessionID, roster, viewers)
	}
}
