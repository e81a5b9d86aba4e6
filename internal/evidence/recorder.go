package evidence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Timolanda/Micall-sub001/internal/models"
)

// Recorder slices continuous capture into discrete chunks on a flush
// interval, bounding memory and letting partial evidence survive a crash.
type Recorder struct {
	sessionID     uuid.UUID
	ownerID       uuid.UUID
	flushInterval time.Duration
	sink          func(*models.EvidenceChunk)
	log           *zap.Logger
	now           func() time.Time

	mu         sync.Mutex
	buf        []byte
	chunkStart time.Time
	paused     bool
	stopped    bool
}

// NewRecorder creates a recorder for one session. Completed chunks are handed
// to sink (the upload queue).
func NewRecorder(sessionID, ownerID uuid.UUID, flushInterval time.Duration, sink func(*models.EvidenceChunk), log *zap.Logger) *Recorder {
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}
	return &Recorder{
		sessionID:     sessionID,
		ownerID:       ownerID,
		flushInterval: flushInterval,
		sink:          sink,
		log:           log,
		now:           time.Now,
	}
}

// Run flushes on the interval until ctx is done, then cuts the final chunk.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Stop()
			return
		case <-ticker.C:
			r.Flush()
		}
	}
}

// Write appends captured media to the in-progress chunk. Data written while
// paused is dropped at the source, not buffered.
func (r *Recorder) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused || r.stopped {
		return
	}
	if len(r.buf) == 0 {
		r.chunkStart = r.now()
	}
	r.buf = append(r.buf, p...)
}

// Pause suspends capture. The in-progress chunk is kept intact and already
// completed chunks are unaffected.
func (r *Recorder) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
}

// Resume continues capture into the same in-progress chunk.
func (r *Recorder) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
}

// Paused reports whether capture is suspended.
func (r *Recorder) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Flush cuts the in-progress chunk, if any, and hands it to the sink.
func (r *Recorder) Flush() {
	r.mu.Lock()
	if len(r.buf) == 0 {
		r.mu.Unlock()
		return
	}
	now := r.now()
	chunk := &models.EvidenceChunk{
		ID:         uuid.New(),
		SessionID:  r.sessionID,
		OwnerID:    r.ownerID,
		CapturedAt: r.chunkStart,
		DurationMS: now.Sub(r.chunkStart).Milliseconds(),
		SizeBytes:  int64(len(r.buf)),
		Status:     models.ChunkStatusPending,
		Payload:    append([]byte(nil), r.buf...),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.buf = r.buf[:0]
	sink := r.sink
	r.mu.Unlock()

	r.log.Debug("evidence chunk flushed",
		zap.String("chunk_id", chunk.ID.String()),
		zap.Int64("size_bytes", chunk.SizeBytes),
		zap.Int64("duration_ms", chunk.DurationMS))
	sink(chunk)
}

// Stop cuts the final chunk and rejects further writes.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()
	r.Flush()
}
