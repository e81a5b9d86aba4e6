package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Timolanda/Micall-sub001/internal/middleware"
	"github.com/Timolanda/Micall-sub001/internal/models"
	"github.com/Timolanda/Micall-sub001/internal/trigger"
	"github.com/Timolanda/Micall-sub001/pkg/response"
)

// Handler handles session HTTP endpoints. Activation always goes through
// trigger fusion, so HTTP-sourced triggers obey the same cooldown and
// serialization as device-sourced ones.
type Handler struct {
	engine       *Engine
	participants *ParticipantRepository
	triggerCfg   trigger.Config
	logger       *zap.Logger

	mu      sync.Mutex
	fusions map[uuid.UUID]*trigger.Fusion // per broadcaster
}

// NewHandler creates a session handler.
func NewHandler(engine *Engine, participants *ParticipantRepository, triggerCfg trigger.Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		engine:       engine,
		participants: participants,
		triggerCfg:   triggerCfg,
		logger:       logger,
		fusions:      make(map[uuid.UUID]*trigger.Fusion),
	}
}

// fusionFor returns the broadcaster's fusion unit, creating it on first use.
func (h *Handler) fusionFor(userID uuid.UUID) *trigger.Fusion {
	h.mu.Lock()
	defer h.mu.Unlock()
	if f, ok := h.fusions[userID]; ok {
		return f
	}
	f := trigger.New(h.triggerCfg, func(ctx context.Context, ev models.TriggerEvent) error {
		_, err := h.engine.Activate(ctx, userID)
		return err
	}, h.logger)
	h.fusions[userID] = f
	return f
}

type triggerRequest struct {
	Source    string           `json:"source"`
	Magnitude float64          `json:"magnitude"`
	Location  *models.Location `json:"location,omitempty"`
}

// Trigger handles POST /emergency/trigger: one raw trigger event from the
// device. Events losing the cooldown window report activated=false.
func (h *Handler) Trigger(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid trigger payload")
		return
	}
	src := models.TriggerSource(req.Source)
	switch src {
	case models.TriggerShake, models.TriggerVolumeUp, models.TriggerVolumeDown, models.TriggerPower, models.TriggerManual:
	default:
		response.BadRequest(c, "unknown trigger source")
		return
	}

	ctx := c.Request.Context()
	if req.Location != nil {
		ctx = WithReportedLocation(ctx, *req.Location)
	}
	ev := models.TriggerEvent{Source: src, Magnitude: req.Magnitude, At: time.Now()}
	if !h.fusionFor(userID).Offer(ctx, ev) {
		response.OK(c, gin.H{"activated": false})
		return
	}
	// Activate is idempotent: the fusion handler already started the session,
	// this call only fetches it.
	sess, err := h.engine.Activate(ctx, userID)
	if err != nil {
		h.logger.Error("activation lookup failed", zap.Error(err), zap.String("user_id", userID.String()))
		response.Internal(c, "activation failed")
		return
	}
	response.Created(c, gin.H{"activated": true, "session": sess})
}

// Activate handles POST /emergency/activate: a manual activation, equivalent
// to a trigger event from the manual source.
func (h *Handler) Activate(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	var req triggerRequest
	_ = c.ShouldBindJSON(&req) // body is optional
	ctx := c.Request.Context()
	if req.Location != nil {
		ctx = WithReportedLocation(ctx, *req.Location)
	}

	ev := models.TriggerEvent{Source: models.TriggerManual, At: time.Now()}
	if !h.fusionFor(userID).Offer(ctx, ev) {
		// Inside the cooldown window; the session from the winning event is
		// live, return it.
		sess, err := h.engine.Activate(ctx, userID)
		if err != nil {
			response.Conflict(c, "activation already in progress")
			return
		}
		response.OK(c, gin.H{"activated": false, "session": sess})
		return
	}
	sess, err := h.engine.Activate(ctx, userID)
	if err != nil {
		h.logger.Error("activation lookup failed", zap.Error(err), zap.String("user_id", userID.String()))
		response.Internal(c, "activation failed")
		return
	}
	response.Created(c, gin.H{"activated": true, "session": sess})
}

// End handles POST /sessions/:id/end. Only the broadcaster may end a session.
func (h *Handler) End(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	switch err := h.engine.End(c.Request.Context(), sessionID, userID); {
	case err == nil:
		response.OK(c, gin.H{"status": models.SessionStatusEnded})
	case errors.Is(err, ErrSessionNotFound):
		response.NotFound(c, "session not found")
	case errors.Is(err, ErrNotBroadcaster):
		response.Forbidden(c, "only the broadcaster may end the session")
	case errors.Is(err, ErrSessionEnded):
		response.Conflict(c, "session already ended")
	default:
		h.logger.Error("end session failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		response.Internal(c, "failed to end session")
	}
}

// Get handles GET /sessions/:id.
func (h *Handler) Get(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	sess, err := h.engine.Session(c.Request.Context(), sessionID)
	if err != nil {
		response.NotFound(c, "session not found")
		return
	}
	response.OK(c, sess)
}

// Presence handles GET /sessions/:id/presence: the live roster and the
// authoritative viewer count.
func (h *Handler) Presence(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	if _, err := h.engine.Session(c.Request.Context(), sessionID); err != nil {
		response.NotFound(c, "session not found")
		return
	}
	roster, viewers := h.engine.Roster(sessionID)
	response.OK(c, gin.H{"roster": roster, "viewer_count": viewers})
}

// Participants handles GET /sessions/:id/participants: the persisted
// join/leave log for the post-incident record.
func (h *Handler) Participants(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	list, err := h.participants.ListBySession(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("list participants failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		response.Internal(c, "failed to list participants")
		return
	}
	response.OK(c, list)
}
