package evidence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Timolanda/Micall-sub001/internal/models"
)

// ErrNotRetryable means the chunk is not in a state a manual retry can act on.
var ErrNotRetryable = errors.New("evidence: chunk not retryable")

// UploaderConfig tunes the upload retry loop.
type UploaderConfig struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
	ContentType string
}

// StatusFunc observes chunk state transitions for reactive status updates.
type StatusFunc func(chunk models.EvidenceChunk)

// Uploader drains captured chunks to durable storage in capture order. A chunk
// that fails to upload is retried with capped exponential backoff until it
// succeeds or the uploader is stopped; it is never dropped.
type Uploader struct {
	store Store
	meta  MetadataStore
	cfg   UploaderConfig
	log   *zap.Logger

	mu        sync.Mutex
	queue     []*models.EvidenceChunk
	chunks    map[uuid.UUID]*models.EvidenceChunk
	wake      chan struct{}
	onStatus  StatusFunc
	reconcile func(chunkID uuid.UUID)

	sleep func(ctx context.Context, d time.Duration) bool
}

// NewUploader creates an uploader over the given storage and metadata stores.
func NewUploader(store Store, meta MetadataStore, cfg UploaderConfig, log *zap.Logger) *Uploader {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Minute
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "video/webm"
	}
	return &Uploader{
		store:  store,
		meta:   meta,
		cfg:    cfg,
		log:    log,
		chunks: make(map[uuid.UUID]*models.EvidenceChunk),
		wake:   make(chan struct{}, 1),
		sleep:  sleepCtx,
	}
}

// SetStatusHandler installs the chunk status callback.
func (u *Uploader) SetStatusHandler(fn StatusFunc) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onStatus = fn
}

// SetReconcileHandler installs the hook invoked when the metadata write fails
// after a successful storage write, so a background job can repair the record.
func (u *Uploader) SetReconcileHandler(fn func(chunkID uuid.UUID)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.reconcile = fn
}

// Enqueue accepts a captured chunk for upload. A pending metadata record is
// written immediately so the chunk is queryable before its upload completes;
// a failed metadata write is logged and does not block the upload.
func (u *Uploader) Enqueue(ctx context.Context, chunk *models.EvidenceChunk) {
	if err := u.meta.Create(ctx, chunk); err != nil {
		u.log.Error("create chunk record failed",
			zap.String("chunk_id", chunk.ID.String()),
			zap.Error(err))
	}

	u.mu.Lock()
	u.chunks[chunk.ID] = chunk
	u.queue = append(u.queue, chunk)
	u.mu.Unlock()

	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// Retry re-queues a failed chunk for upload. Chunks in any other state, or
// whose payload is no longer held, are rejected.
func (u *Uploader) Retry(chunkID uuid.UUID) error {
	u.mu.Lock()
	chunk, ok := u.chunks[chunkID]
	if !ok {
		u.mu.Unlock()
		return fmt.Errorf("%w: unknown chunk %s", ErrNotRetryable, chunkID)
	}
	if chunk.Status != models.ChunkStatusFailed || len(chunk.Payload) == 0 {
		u.mu.Unlock()
		return fmt.Errorf("%w: chunk %s is %s", ErrNotRetryable, chunkID, chunk.Status)
	}
	u.queue = append(u.queue, chunk)
	u.mu.Unlock()

	select {
	case u.wake <- struct{}{}:
	default:
	}
	return nil
}

// Chunk returns a snapshot of one chunk's state.
func (u *Uploader) Chunk(chunkID uuid.UUID) (models.EvidenceChunk, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	chunk, ok := u.chunks[chunkID]
	if !ok {
		return models.EvidenceChunk{}, false
	}
	return *chunk, true
}

// PendingCount reports chunks still waiting for a successful upload.
func (u *Uploader) PendingCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, c := range u.chunks {
		if c.Status != models.ChunkStatusUploaded {
			n++
		}
	}
	return n
}

// Run drains the queue until ctx is done. Chunks upload in capture order; the
// head chunk is retried in place until it lands, so later chunks never
// overtake earlier ones.
func (u *Uploader) Run(ctx context.Context) {
	for {
		chunk := u.next()
		if chunk == nil {
			select {
			case <-ctx.Done():
				return
			case <-u.wake:
			}
			continue
		}
		if !u.uploadWithRetry(ctx, chunk) {
			return
		}
	}
}

func (u *Uploader) next() *models.EvidenceChunk {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.queue) == 0 {
		return nil
	}
	chunk := u.queue[0]
	u.queue = u.queue[1:]
	return chunk
}

// uploadWithRetry returns false only when ctx ended before the chunk landed.
func (u *Uploader) uploadWithRetry(ctx context.Context, chunk *models.EvidenceChunk) bool {
	for {
		err := u.attempt(ctx, chunk)
		if err == nil {
			return true
		}

		u.mu.Lock()
		chunk.Status = models.ChunkStatusFailed
		chunk.Attempts++
		chunk.LastError = err.Error()
		chunk.UpdatedAt = time.Now()
		attempts := chunk.Attempts
		u.mu.Unlock()
		if uerr := u.meta.UpdateStatus(ctx, chunk.ID, models.ChunkStatusFailed, attempts, err.Error()); uerr != nil {
			u.log.Error("update chunk status failed", zap.String("chunk_id", chunk.ID.String()), zap.Error(uerr))
		}
		u.notify(chunk)

		delay := u.backoff(attempts)
		u.log.Warn("chunk upload failed, will retry",
			zap.String("chunk_id", chunk.ID.String()),
			zap.Int("attempts", attempts),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		if !u.sleep(ctx, delay) {
			return false
		}
	}
}

func (u *Uploader) attempt(ctx context.Context, chunk *models.EvidenceChunk) error {
	u.mu.Lock()
	chunk.Status = models.ChunkStatusUploading
	chunk.UpdatedAt = time.Now()
	payload := chunk.Payload
	key := ChunkKey(chunk.SessionID, chunk.OwnerID, chunk.CapturedAt)
	u.mu.Unlock()
	u.notify(chunk)

	if err := u.store.WriteObject(ctx, key, payload, u.cfg.ContentType); err != nil {
		return fmt.Errorf("write object: %w", err)
	}

	now := time.Now()
	u.mu.Lock()
	chunk.Status = models.ChunkStatusUploaded
	chunk.StorageKey = key
	chunk.UploadedAt = &now
	chunk.UpdatedAt = now
	chunk.LastError = ""
	chunk.Payload = nil
	u.mu.Unlock()

	// The object is durable at this point. A metadata failure is repaired by
	// the reconciliation job, never by re-uploading the object.
	if err := u.meta.MarkUploaded(ctx, chunk.ID, key, chunk.SizeBytes, now); err != nil {
		u.log.Error("mark chunk uploaded failed",
			zap.String("chunk_id", chunk.ID.String()),
			zap.String("storage_key", key),
			zap.Error(err))
		u.mu.Lock()
		fn := u.reconcile
		u.mu.Unlock()
		if fn != nil {
			fn(chunk.ID)
		}
	}
	u.notify(chunk)

	u.log.Info("chunk uploaded",
		zap.String("chunk_id", chunk.ID.String()),
		zap.String("storage_key", key),
		zap.Int64("size_bytes", chunk.SizeBytes))
	return nil
}

func (u *Uploader) backoff(attempts int) time.Duration {
	d := u.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= u.cfg.BackoffCap {
			return u.cfg.BackoffCap
		}
	}
	if d > u.cfg.BackoffCap {
		d = u.cfg.BackoffCap
	}
	return d
}

func (u *Uploader) notify(chunk *models.EvidenceChunk) {
	u.mu.Lock()
	fn := u.onStatus
	snapshot := *chunk
	u.mu.Unlock()
	if fn != nil {
		fn(snapshot)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
