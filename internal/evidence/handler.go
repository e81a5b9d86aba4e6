package evidence

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Timolanda/Micall-sub001/internal/models"
	"github.com/Timolanda/Micall-sub001/pkg/queue"
	"github.com/Timolanda/Micall-sub001/pkg/response"
)

// Handler handles evidence HTTP endpoints.
type Handler struct {
	repo     *Repository
	uploader *Uploader
	store    Store
	jobs     *queue.Queue // optional: restart-safe retry fallback
	logger   *zap.Logger
}

// NewHandler creates an evidence handler.
func NewHandler(repo *Repository, uploader *Uploader, store Store, jobs *queue.Queue, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, uploader: uploader, store: store, jobs: jobs, logger: logger}
}

// ListBySession handles GET /sessions/:id/evidence. Persisted rows are
// overlaid with in-memory uploader state, which is fresher while an upload is
// in flight.
func (h *Handler) ListBySession(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	list, err := h.repo.ListBySession(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("list evidence failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		response.Internal(c, "failed to list evidence")
		return
	}
	for i := range list {
		if live, ok := h.uploader.Chunk(list[i].ID); ok {
			list[i] = live
		}
	}
	response.OK(c, list)
}

// Get handles GET /evidence/:id.
func (h *Handler) Get(c *gin.Context) {
	chunkID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid chunk id")
		return
	}
	if live, ok := h.uploader.Chunk(chunkID); ok {
		response.OK(c, live)
		return
	}
	chunk, err := h.repo.GetByID(c.Request.Context(), chunkID)
	if err != nil {
		response.NotFound(c, "chunk not found")
		return
	}
	response.OK(c, chunk)
}

// Retry handles POST /evidence/:id/retry: re-queue a failed chunk. When the
// payload is still held in memory the uploader re-queues it directly;
// otherwise a background job reconciles the record against storage.
func (h *Handler) Retry(c *gin.Context) {
	chunkID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid chunk id")
		return
	}

	err = h.uploader.Retry(chunkID)
	if err == nil {
		response.OK(c, gin.H{"status": models.ChunkStatusPending, "queued": true})
		return
	}
	if !errors.Is(err, ErrNotRetryable) {
		h.logger.Error("retry chunk failed", zap.Error(err), zap.String("chunk_id", chunkID.String()))
		response.Internal(c, "failed to retry chunk")
		return
	}

	chunk, rerr := h.repo.GetByID(c.Request.Context(), chunkID)
	if rerr != nil {
		response.NotFound(c, "chunk not found")
		return
	}
	if chunk.Status != models.ChunkStatusFailed || h.jobs == nil {
		response.Conflict(c, err.Error())
		return
	}
	if err := h.jobs.EnqueueChunkRetry(c.Request.Context(), queue.ChunkRetryPayload{ChunkID: chunkID}); err != nil {
		h.logger.Error("enqueue chunk retry failed", zap.Error(err), zap.String("chunk_id", chunkID.String()))
		response.Internal(c, "failed to queue retry")
		return
	}
	response.OK(c, gin.H{"status": chunk.Status, "queued": true})
}

// SignedURL handles GET /evidence/:id/url: a time-limited read URL for an
// uploaded chunk. Evidence objects are never public.
func (h *Handler) SignedURL(c *gin.Context) {
	chunkID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid chunk id")
		return
	}
	chunk, err := h.repo.GetByID(c.Request.Context(), chunkID)
	if err != nil {
		response.NotFound(c, "chunk not found")
		return
	}
	if chunk.Status != models.ChunkStatusUploaded || chunk.StorageKey == "" {
		response.BadRequest(c, "chunk not uploaded yet")
		return
	}
	url, err := h.store.SignedURL(c.Request.Context(), chunk.StorageKey, 0)
	if err != nil {
		h.logger.Error("presign evidence url failed", zap.Error(err), zap.String("chunk_id", chunkID.String()))
		response.Internal(c, "failed to generate url")
		return
	}
	response.OK(c, gin.H{"url": url})
}
