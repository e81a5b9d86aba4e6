package evidence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Timolanda/Micall-sub001/internal/models"
)

type fakeStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	writes   int
	failNext int
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (s *fakeStore) WriteObject(_ context.Context, key string, body []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failNext > 0 {
		s.failNext--
		return errors.New("connection reset")
	}
	s.objects[key] = append([]byte(nil), body...)
	return nil
}

func (s *fakeStore) SignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://storage.test/" + key, nil
}

func (s *fakeStore) DeleteObject(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *fakeStore) objectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

type fakeMeta struct {
	mu            sync.Mutex
	created       []uuid.UUID
	statusUpdates []string
	uploaded      []uuid.UUID
	createErr     error
	markErr       error
}

func (m *fakeMeta) Create(_ context.Context, chunk *models.EvidenceChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.created = append(m.created, chunk.ID)
	return nil
}

func (m *fakeMeta) UpdateStatus(_ context.Context, _ uuid.UUID, status string, _ int, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusUpdates = append(m.statusUpdates, status)
	return nil
}

func (m *fakeMeta) MarkUploaded(_ context.Context, id uuid.UUID, _ string, _ int64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	m.uploaded = append(m.uploaded, id)
	return nil
}

func (m *fakeMeta) GetByID(context.Context, uuid.UUID) (*models.EvidenceChunk, error) {
	return nil, errors.New("not implemented")
}

func (m *fakeMeta) ListBySession(context.Context, uuid.UUID) ([]models.EvidenceChunk, error) {
	return nil, nil
}

func (m *fakeMeta) uploadedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploaded)
}

func newChunk(sessionID, ownerID uuid.UUID, payload string, capturedAt time.Time) *models.EvidenceChunk {
	return &models.EvidenceChunk{
		ID:         uuid.New(),
		SessionID:  sessionID,
		OwnerID:    ownerID,
		CapturedAt: capturedAt,
		DurationMS: 10_000,
		SizeBytes:  int64(len(payload)),
		Status:     models.ChunkStatusPending,
		Payload:    []byte(payload),
	}
}

// startUploader runs u until stop is called; stop waits for the loop to exit.
func startUploader(t *testing.T, u *Uploader) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		u.Run(ctx)
	}()
	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	return stop
}

func TestRecorderCutsChunksOnFlush(t *testing.T) {
	var mu sync.Mutex
	var chunks []*models.EvidenceChunk
	sink := func(c *models.EvidenceChunk) {
		mu.Lock()
		chunks = append(chunks, c)
		mu.Unlock()
	}
	r := NewRecorder(uuid.New(), uuid.New(), 10*time.Second, sink, zap.NewNop())

	r.Write([]byte("frame-1 "))
	r.Write([]byte("frame-2"))
	r.Flush()
	r.Write([]byte("frame-3"))
	r.Flush()
	r.Flush() // empty, no chunk

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, chunks, 2)
	assert.Equal(t, []byte("frame-1 frame-2"), chunks[0].Payload)
	assert.Equal(t, []byte("frame-3"), chunks[1].Payload)
	assert.Equal(t, models.ChunkStatusPending, chunks[0].Status)
	assert.Equal(t, int64(15), chunks[0].SizeBytes)
}

func TestRecorderPauseKeepsInProgressChunk(t *testing.T) {
	var mu sync.Mutex
	var chunks []*models.EvidenceChunk
	sink := func(c *models.EvidenceChunk) {
		mu.Lock()
		chunks = append(chunks, c)
		mu.Unlock()
	}
	r := NewRecorder(uuid.New(), uuid.New(), 10*time.Second, sink, zap.NewNop())

	r.Write([]byte("before "))
	r.Pause()
	r.Write([]byte("dropped"))
	require.True(t, r.Paused())
	r.Resume()
	r.Write([]byte("after"))
	r.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, chunks, 1)
	assert.Equal(t, []byte("before after"), chunks[0].Payload)
}

func TestRecorderStopIsIdempotent(t *testing.T) {
	var count int
	r := NewRecorder(uuid.New(), uuid.New(), 10*time.Second, func(*models.EvidenceChunk) { count++ }, zap.NewNop())
	r.Write([]byte("x"))
	r.Stop()
	r.Stop()
	r.Write([]byte("late"))
	assert.Equal(t, 1, count)
}

func TestUploadSucceedsAfterTransientFailures(t *testing.T) {
	store := newFakeStore()
	store.failNext = 2
	meta := &fakeMeta{}
	u := NewUploader(store, meta, UploaderConfig{BackoffBase: 2 * time.Second, BackoffCap: 5 * time.Minute}, zap.NewNop())

	var delayMu sync.Mutex
	var delays []time.Duration
	u.sleep = func(_ context.Context, d time.Duration) bool {
		delayMu.Lock()
		delays = append(delays, d)
		delayMu.Unlock()
		return true
	}

	chunk := newChunk(uuid.New(), uuid.New(), "critical footage", time.Now())
	u.Enqueue(context.Background(), chunk)
	startUploader(t, u)

	require.Eventually(t, func() bool {
		c, ok := u.Chunk(chunk.ID)
		return ok && c.Status == models.ChunkStatusUploaded
	}, time.Second, time.Millisecond)

	// Two failures, one durable object, one metadata record.
	c, _ := u.Chunk(chunk.ID)
	assert.Equal(t, 2, c.Attempts)
	assert.Equal(t, 1, store.objectCount())
	assert.Equal(t, 1, meta.uploadedCount())
	assert.Equal(t, ChunkKey(chunk.SessionID, chunk.OwnerID, chunk.CapturedAt), c.StorageKey)
	assert.Empty(t, c.LastError)
	assert.Nil(t, c.Payload)

	delayMu.Lock()
	defer delayMu.Unlock()
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, delays)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	u := NewUploader(newFakeStore(), &fakeMeta{}, UploaderConfig{BackoffBase: 2 * time.Second, BackoffCap: 5 * time.Minute}, zap.NewNop())
	assert.Equal(t, 2*time.Second, u.backoff(1))
	assert.Equal(t, 4*time.Second, u.backoff(2))
	assert.Equal(t, 64*time.Second, u.backoff(6))
	assert.Equal(t, 5*time.Minute, u.backoff(9))
	assert.Equal(t, 5*time.Minute, u.backoff(50))
}

func TestMetadataFailureDoesNotReupload(t *testing.T) {
	store := newFakeStore()
	meta := &fakeMeta{markErr: errors.New("db down")}
	u := NewUploader(store, meta, UploaderConfig{}, zap.NewNop())

	var reconciled []uuid.UUID
	u.SetReconcileHandler(func(id uuid.UUID) { reconciled = append(reconciled, id) })

	chunk := newChunk(uuid.New(), uuid.New(), "payload", time.Now())
	u.Enqueue(context.Background(), chunk)
	require.True(t, u.uploadWithRetry(context.Background(), chunk))

	c, _ := u.Chunk(chunk.ID)
	assert.Equal(t, models.ChunkStatusUploaded, c.Status)
	assert.Equal(t, 1, store.writes)
	assert.Equal(t, []uuid.UUID{chunk.ID}, reconciled)
}

func TestChunksUploadInCaptureOrder(t *testing.T) {
	store := newFakeStore()
	meta := &fakeMeta{}
	u := NewUploader(store, meta, UploaderConfig{}, zap.NewNop())
	sessionID, ownerID := uuid.New(), uuid.New()

	base := time.Now()
	first := newChunk(sessionID, ownerID, "one", base)
	second := newChunk(sessionID, ownerID, "two", base.Add(10*time.Second))
	third := newChunk(sessionID, ownerID, "three", base.Add(20*time.Second))
	u.Enqueue(context.Background(), first)
	u.Enqueue(context.Background(), second)
	u.Enqueue(context.Background(), third)
	startUploader(t, u)

	require.Eventually(t, func() bool { return u.PendingCount() == 0 }, time.Second, time.Millisecond)

	meta.mu.Lock()
	defer meta.mu.Unlock()
	assert.Equal(t, []uuid.UUID{first.ID, second.ID, third.ID}, meta.uploaded)
	assert.Equal(t, 3, store.objectCount())
}

func TestManualRetryOnlyForFailedChunks(t *testing.T) {
	u := NewUploader(newFakeStore(), &fakeMeta{}, UploaderConfig{}, zap.NewNop())
	chunk := newChunk(uuid.New(), uuid.New(), "payload", time.Now())
	u.Enqueue(context.Background(), chunk)
	require.True(t, u.uploadWithRetry(context.Background(), chunk))

	assert.ErrorIs(t, u.Retry(chunk.ID), ErrNotRetryable)
	assert.ErrorIs(t, u.Retry(uuid.New()), ErrNotRetryable)
}

func TestStoppedUploaderLeavesChunkRetryable(t *testing.T) {
	store := newFakeStore()
	store.failNext = 1000
	u := NewUploader(store, &fakeMeta{}, UploaderConfig{BackoffBase: time.Millisecond, BackoffCap: time.Millisecond}, zap.NewNop())

	chunk := newChunk(uuid.New(), uuid.New(), "payload", time.Now())
	u.Enqueue(context.Background(), chunk)
	stop := startUploader(t, u)

	require.Eventually(t, func() bool {
		c, ok := u.Chunk(chunk.ID)
		return ok && c.Attempts >= 2
	}, time.Second, time.Millisecond)
	stop()

	// Chunk was never dropped: still registered, still failed, still retryable.
	c, ok := u.Chunk(chunk.ID)
	require.True(t, ok)
	assert.Equal(t, models.ChunkStatusFailed, c.Status)
	assert.NotEmpty(t, c.LastError)

	store.mu.Lock()
	store.failNext = 0
	store.mu.Unlock()
	require.NoError(t, u.Retry(chunk.ID))

	u2ctx, u2cancel := context.WithCancel(context.Background())
	defer u2cancel()
	go u.Run(u2ctx)
	require.Eventually(t, func() bool {
		c, ok := u.Chunk(chunk.ID)
		return ok && c.Status == models.ChunkStatusUploaded
	}, time.Second, time.Millisecond)
}
